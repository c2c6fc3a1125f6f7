package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRequestIDMiddleware(t *testing.T) {
	var seen string
	h := RequestIDMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = RequestID(r.Context())
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Request-Id", "req-42")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, "req-42", seen, "client id is reused")
	assert.Equal(t, "req-42", rec.Header().Get("x-request-id"))

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Regexp(t, "^[0-9a-f-]{36}$", seen, "a uuid is minted when the header is absent")
	assert.Equal(t, seen, rec.Header().Get("x-request-id"))

	assert.Empty(t, RequestID(context.Background()))
}

func TestRateLimiter(t *testing.T) {
	rl := NewRateLimiter(1, 2)
	h := rl.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	codes := make([]int, 0, 3)
	for i := 0; i < 3; i++ {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
		codes = append(codes, rec.Code)
	}
	assert.Equal(t, []int{http.StatusNoContent, http.StatusNoContent, http.StatusTooManyRequests}, codes)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, "1", rec.Header().Get("Retry-After"))
	var body ErrorBody
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "rate_limited", body.Error.Code)

	// A different client IP gets its own bucket.
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "198.51.100.7:9999"
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNoContent, rec.Code)
}

func TestChain_AppliesOutermostFirst(t *testing.T) {
	var order []string
	mw := func(name string) func(http.Handler) http.Handler {
		return func(next http.Handler) http.Handler {
			return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				order = append(order, name)
				next.ServeHTTP(w, r)
			})
		}
	}
	h := Chain(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		order = append(order, "handler")
	}), mw("outer"), mw("inner"))

	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, []string{"outer", "inner", "handler"}, order)
}

func TestIdemRedisKey(t *testing.T) {
	key := IdemRedisKey("client-key-1", "gateway")
	assert.Regexp(t, "^bv:idem:v1:gateway:sha256:[0-9a-f]{64}$", key)
	assert.Equal(t, key, IdemRedisKey("client-key-1", "gateway"))
	assert.NotEqual(t, key, IdemRedisKey("client-key-2", "gateway"))
	assert.NotEqual(t, key, IdemRedisKey("client-key-1", "memory"))
}

func TestRequestScopeFP(t *testing.T) {
	basis := ScopeBasis{
		Method:       http.MethodPost,
		PathTemplate: "/v2/ask",
		Body:         map[string]any{"anchor_id": "tv#exit-plasma"},
		PolicyFP:     "sha256:abc",
	}
	fp, err := RequestScopeFP(basis)
	require.NoError(t, err)
	assert.Regexp(t, "^sha256:[0-9a-f]{64}$", fp)

	again, err := RequestScopeFP(basis)
	require.NoError(t, err)
	assert.Equal(t, fp, again)

	basis.Body = map[string]any{"anchor_id": "tv#sell-plant"}
	changed, err := RequestScopeFP(basis)
	require.NoError(t, err)
	assert.NotEqual(t, fp, changed)
}

func TestIdempotencyStore_NilClientDisablesReplay(t *testing.T) {
	s := NewIdempotencyStore(nil)
	ctx := context.Background()

	status, body, hit, err := s.Check(ctx, "k", "fp")
	require.NoError(t, err)
	assert.False(t, hit)
	assert.Zero(t, status)
	assert.Nil(t, body)

	assert.NoError(t, s.Store(ctx, "k", "fp", http.StatusOK, []byte(`{}`)))
}

func TestErrorEnvelope(t *testing.T) {
	rec := httptest.NewRecorder()
	WriteErrorDetails(rec, http.StatusNotFound, CodeNotFound, "no decision matched", "req-1",
		map[string]any{"matches": []string{}})

	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	var body ErrorBody
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, CodeNotFound, body.Error.Code)
	assert.Equal(t, "no decision matched", body.Error.Message)
	assert.Equal(t, "req-1", body.RequestID)
	assert.Equal(t, "req-1", body.Error.RequestID)
	assert.NotNil(t, body.Error.Details)

	rec = httptest.NewRecorder()
	WriteInternal(rec, "req-2", assert.AnError)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, CodeInternal, body.Error.Code)
	assert.NotContains(t, body.Error.Message, assert.AnError.Error(), "internal causes never leak")
}

package gateway

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/batvault/batvault/pkg/api"
	"github.com/batvault/batvault/pkg/artifacts"
	"github.com/batvault/batvault/pkg/cache"
	"github.com/batvault/batvault/pkg/config"
	"github.com/batvault/batvault/pkg/llm"
	"github.com/batvault/batvault/pkg/memory"
	"github.com/batvault/batvault/pkg/policy"
	"github.com/batvault/batvault/pkg/selector"
	"github.com/batvault/batvault/pkg/storage"
	"github.com/batvault/batvault/pkg/validator"
)

const upstreamETag = "etag-1"

func analystRegistry() *policy.Registry {
	registry := policy.NewRegistry("")
	registry.Register(&policy.RoleProfile{
		Role:               "analyst",
		DomainScopes:       []string{"tv"},
		EdgeAllowlist:      []string{"LED_TO", "CAUSAL", "ALIAS_OF"},
		SensitivityCeiling: "medium",
		FieldVisibility: map[string]policy.FieldVisibility{
			"DECISION": {VisibleFields: []string{"title", "rationale", "timestamp", "decision_maker"}},
			"EVENT":    {VisibleFields: []string{"title", "timestamp"}},
		},
	})
	return registry
}

// newMemoryUpstream runs a real Memory service over an in-memory graph.
func newMemoryUpstream(t *testing.T, registry *policy.Registry) *httptest.Server {
	t.Helper()
	store, err := storage.Open(context.Background(), storage.Options{DSN: ":memory:"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	ctx := context.Background()
	_, err = store.UpsertNodes(ctx, []map[string]any{
		{"id": "tv#exit-plasma", "type": "DECISION", "domain": "tv",
			"title": "Exit plasma display business", "decision_maker": "Kazuhiro Tsuga",
			"rationale": "sustained losses", "timestamp": "2012-10-31T00:00:00Z"},
		{"id": "tv#ev-losses", "type": "EVENT", "domain": "tv",
			"title": "Plasma losses widened", "timestamp": "2012-06-01T00:00:00Z"},
		{"id": "tv#sell-plant", "type": "DECISION", "domain": "tv",
			"title": "Sell Amagasaki plant", "timestamp": "2013-03-01T00:00:00Z"},
	}, upstreamETag)
	require.NoError(t, err)
	_, err = store.UpsertEdges(ctx, []storage.Edge{
		{Type: storage.EdgeLedTo, From: "tv#ev-losses", To: "tv#exit-plasma", Timestamp: "2012-06-01T00:00:00Z"},
		{Type: storage.EdgeCausal, From: "tv#exit-plasma", To: "tv#sell-plant", Timestamp: "2012-11-01T00:00:00Z"},
	}, upstreamETag)
	require.NoError(t, err)
	require.NoError(t, store.SetSnapshotETag(ctx, upstreamETag))

	cfg := &config.Config{
		TimeoutSearch:    time.Second,
		TimeoutExpand:    time.Second,
		TimeoutEnrich:    time.Second,
		TTLResolverCache: time.Minute,
		TTLExpandCache:   time.Minute,
		SensitivityOrder: []string{"low", "medium", "high"},
	}
	srv := httptest.NewServer(memory.NewService(store, cache.New(nil), registry, cfg).Handler())
	t.Cleanup(srv.Close)
	return srv
}

func newGateway(t *testing.T, mutate func(*config.Config)) http.Handler {
	t.Helper()
	registry := analystRegistry()
	upstream := newMemoryUpstream(t, registry)

	cfg := &config.Config{
		MemoryURL:                upstream.URL,
		LLMMode:                  "off",
		ControlLLMModel:          "control",
		TimeoutLLM:               time.Second,
		TimeoutValidate:          time.Second,
		TTLEvidenceCache:         time.Minute,
		TTLSchemaCache:           time.Minute,
		ControlContextWindow:     8192,
		ControlCompletionTokens:  512,
		ControlPromptGuardTokens: 32,
		ShortAnswerMaxChars:      320,
		ShortAnswerMaxSentences:  2,
		SelectorTruncationTokens: 8192,
		LoadShedPingThreshold:    100 * time.Millisecond,
		CanaryHeaderOverride:     "X-BV-Canary",
		SensitivityOrder:         []string{"low", "medium", "high"},
	}
	if mutate != nil {
		mutate(cfg)
	}

	store, err := artifacts.NewFileStore(t.TempDir())
	require.NoError(t, err)
	_, signer, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	return NewService(cfg, cache.New(nil), store, registry, nil, signer).Handler()
}

func gwRequest(t *testing.T, h http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set(policy.HeaderUserID, "u-1")
	req.Header.Set(policy.HeaderUserRoles, "analyst")
	req.Header.Set(policy.HeaderPolicyVersion, "2026-08")
	req.Header.Set(policy.HeaderPolicyKey, "pk-1")
	req.Header.Set(policy.HeaderRequestID, "req-1")
	req.Header.Set(policy.HeaderTraceID, "trace-1")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decodeResponse(t *testing.T, rec *httptest.ResponseRecorder) *Response {
	t.Helper()
	var resp Response
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp), rec.Body.String())
	return &resp
}

func TestAsk_LLMOffFallsBack(t *testing.T) {
	h := newGateway(t, nil)
	rec := gwRequest(t, h, http.MethodPost, "/v2/ask", map[string]any{"anchor_id": "tv#exit-plasma"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	resp := decodeResponse(t, rec)
	assert.Equal(t, "why_decision", resp.Intent)
	assert.True(t, resp.Meta.FallbackUsed)
	assert.Equal(t, llm.ErrLLMOff, resp.Meta.FallbackReason)
	assert.Equal(t, ResolverDirect, resp.Meta.ResolverPath)
	assert.Equal(t, upstreamETag, resp.Meta.SnapshotETag)
	assert.True(t, resp.Meta.SnapshotAvailable)
	assert.False(t, resp.Meta.LoadShed)
	assert.Equal(t, Version, resp.Meta.GatewayVersion)
	assert.Equal(t, defaultPolicyID, resp.Meta.PolicyID)
	assert.Equal(t, selector.PolicyID, resp.Meta.SelectorModelID)
	assert.Equal(t, 512, resp.Meta.MaxTokens, "planned completion budget is reported even when no call happens")
	assert.Zero(t, resp.Meta.ValidatorErrorCount, resp.Meta.ValidatorWarnings)
	assert.False(t, resp.Meta.EventsTruncated)
	assert.Equal(t, 1, resp.Meta.EventsTotal)

	require.NotEmpty(t, resp.Answer.CitedIDs)
	assert.Equal(t, "tv#exit-plasma", resp.Answer.CitedIDs[0], "anchor cited first")
	assert.NotEmpty(t, resp.Answer.ShortAnswer)
	assert.False(t, validator.ViolatesStyle(resp.Answer.ShortAnswer, nil))

	assert.Equal(t, []string{
		"causal:tv#exit-plasma:tv#sell-plant",
		"tv#ev-losses",
		"tv#exit-plasma",
	}, resp.Evidence.AllowedIDs)
	assert.True(t, resp.CompletenessFlags.HasSucceeding)
	assert.False(t, resp.CompletenessFlags.HasPreceding)
	assert.Equal(t, 1, resp.CompletenessFlags.EventCount)

	assert.True(t, strings.HasPrefix(resp.BundleURL, "file://"))
	assert.Regexp(t, "^sha256:", rec.Header().Get(policy.HeaderPolicyFingerprint))
	assert.Equal(t, upstreamETag, rec.Header().Get("x-snapshot-etag"))
}

func TestAsk_EchoesRequestPolicyID(t *testing.T) {
	h := newGateway(t, nil)
	rec := gwRequest(t, h, http.MethodPost, "/v2/ask", map[string]any{
		"anchor_id": "tv#exit-plasma",
		"policy_id": "policy_audit_2026",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	resp := decodeResponse(t, rec)
	assert.Equal(t, "policy_audit_2026", resp.Meta.PolicyID)
	assert.Equal(t, selector.PolicyID, resp.Meta.SelectorModelID)
}

func TestAsk_RequestValidation(t *testing.T) {
	h := newGateway(t, nil)

	rec := gwRequest(t, h, http.MethodPost, "/v2/ask", map[string]any{})
	assert.Equal(t, http.StatusBadRequest, rec.Code, "anchor_id or evidence required")

	rec = gwRequest(t, h, http.MethodPost, "/v2/ask", map[string]any{"anchor_id": "not-an-anchor"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = gwRequest(t, h, http.MethodPost, "/v2/ask", map[string]any{
		"intent": "who_decided", "anchor_id": "tv#exit-plasma",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	var buf bytes.Buffer
	require.NoError(t, json.NewEncoder(&buf).Encode(map[string]any{"anchor_id": "tv#exit-plasma"}))
	req := httptest.NewRequest(http.MethodPost, "/v2/ask", &buf)
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	var body api.ErrorBody
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, api.CodePolicyError, body.Error.Code)
}

func TestAsk_SuppliedEvidence(t *testing.T) {
	h := newGateway(t, nil)
	rec := gwRequest(t, h, http.MethodPost, "/v2/ask", map[string]any{
		"evidence": map[string]any{
			"anchor": map[string]any{"id": "tv#freeze-capex", "type": "DECISION", "domain": "tv", "title": "Freeze capex"},
			"events": []map[string]any{
				{"id": "tv#ev-downturn", "title": "Demand downturn", "timestamp": "2012-01-01T00:00:00Z"},
			},
			"transitions": map[string]any{"preceding": []any{}, "succeeding": []any{}},
		},
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	resp := decodeResponse(t, rec)
	assert.Equal(t, ResolverSupplied, resp.Meta.ResolverPath)
	assert.True(t, resp.Meta.FallbackUsed)
	assert.Equal(t, []string{"tv#ev-downturn", "tv#freeze-capex"}, resp.Evidence.AllowedIDs,
		"allowed_ids recomputed server-side")
}

func llmServer(t *testing.T, shortAnswer string, supportingIDs []string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		content, err := json.Marshal(map[string]any{
			"short_answer": shortAnswer, "supporting_ids": supportingIDs,
		})
		require.NoError(t, err)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"choices": []map[string]any{{"message": map[string]any{"content": string(content)}}},
		})
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestAsk_ModelAnswerAccepted(t *testing.T) {
	srv := llmServer(t, "Because plasma losses widened.", []string{"tv#exit-plasma", "tv#ev-losses", "tv#rogue"})
	h := newGateway(t, func(cfg *config.Config) {
		cfg.LLMMode = "on"
		cfg.ControlLLMEndpoint = srv.URL + "/v1/chat/completions"
	})

	rec := gwRequest(t, h, http.MethodPost, "/v2/ask", map[string]any{"anchor_id": "tv#exit-plasma"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	resp := decodeResponse(t, rec)
	assert.False(t, resp.Meta.FallbackUsed, resp.Meta.FallbackReason)
	assert.Empty(t, resp.Meta.FallbackReason)
	assert.Equal(t, "Because plasma losses widened.", resp.Answer.ShortAnswer)
	assert.Equal(t, []string{"tv#exit-plasma", "tv#ev-losses"}, resp.Answer.CitedIDs,
		"ids outside the allowlist are dropped before validation")
	assert.Zero(t, resp.Meta.Retries)
}

func TestAsk_StyleViolationFallsBack(t *testing.T) {
	srv := llmServer(t, "The id tv#exit-plasma leaked into prose.", []string{"tv#exit-plasma"})
	h := newGateway(t, func(cfg *config.Config) {
		cfg.LLMMode = "on"
		cfg.ControlLLMEndpoint = srv.URL + "/v1/chat/completions"
	})

	rec := gwRequest(t, h, http.MethodPost, "/v2/ask", map[string]any{"anchor_id": "tv#exit-plasma"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	resp := decodeResponse(t, rec)
	assert.True(t, resp.Meta.FallbackUsed)
	assert.Equal(t, validator.ReasonStyleViolation, resp.Meta.FallbackReason)
	assert.NotContains(t, resp.Answer.ShortAnswer, "tv#exit-plasma")
}

func TestAsk_Stream(t *testing.T) {
	h := newGateway(t, nil)
	rec := gwRequest(t, h, http.MethodPost, "/v2/ask?stream=true", map[string]any{"anchor_id": "tv#exit-plasma"})
	require.Equal(t, http.StatusOK, rec.Code)

	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))
	body := rec.Body.String()
	assert.Contains(t, body, "event: short_answer\n")
	assert.Contains(t, body, `"token"`)
	assert.True(t, strings.HasSuffix(body, "data: [DONE]\n\n"), "stream ends with the sentinel")
}

func TestQuery_ResolvesFreeText(t *testing.T) {
	h := newGateway(t, nil)
	rec := gwRequest(t, h, http.MethodPost, "/v2/query", map[string]any{"text": "display business"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	resp := decodeResponse(t, rec)
	assert.Equal(t, ResolverSearch, resp.Meta.ResolverPath)
	assert.Equal(t, "tv#exit-plasma", resp.Evidence.AnchorID())
	assert.True(t, resp.Meta.FallbackUsed)
}

func TestQuery_DirectAnchorSkipsResolve(t *testing.T) {
	h := newGateway(t, nil)
	rec := gwRequest(t, h, http.MethodPost, "/v2/query", map[string]any{"q": "tv#exit-plasma"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, ResolverDirect, decodeResponse(t, rec).Meta.ResolverPath)
}

func TestQuery_NoMatch(t *testing.T) {
	h := newGateway(t, nil)
	rec := gwRequest(t, h, http.MethodPost, "/v2/query", map[string]any{"text": "zzqq nothing here"})
	require.Equal(t, http.StatusNotFound, rec.Code, rec.Body.String())

	var body api.ErrorBody
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, api.CodeNotFound, body.Error.Code)
	details, ok := body.Error.Details.(map[string]any)
	require.True(t, ok)
	assert.Contains(t, details, "matches")
}

func TestQuery_TextRequired(t *testing.T) {
	h := newGateway(t, nil)
	rec := gwRequest(t, h, http.MethodPost, "/v2/query", map[string]any{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestBundle_Endpoint(t *testing.T) {
	h := newGateway(t, nil)
	rec := gwRequest(t, h, http.MethodPost, "/v2/ask", map[string]any{
		"anchor_id": "tv#exit-plasma", "request_id": "ask-bundle-1",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = gwRequest(t, h, http.MethodGet, "/v2/bundles/ask-bundle-1", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var bundle map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &bundle))
	for _, name := range []string{
		artifacts.NameEnvelope, artifacts.NameEvidencePre, artifacts.NameEvidencePost,
		artifacts.NameResponse, artifacts.NameLLMRaw, artifacts.NameValidatorReport,
		artifacts.NameManifest, artifacts.NameReceipt,
	} {
		assert.Contains(t, bundle, name)
	}

	rec = gwRequest(t, h, http.MethodGet, "/v2/bundles/unknown-id", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHealthzReportsLoadShed(t *testing.T) {
	h := newGateway(t, nil)
	rec := gwRequest(t, h, http.MethodGet, "/healthz", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, Version, body["version"])
	assert.Equal(t, false, body["load_shed"])
}

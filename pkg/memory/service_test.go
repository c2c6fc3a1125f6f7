package memory

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/batvault/batvault/pkg/api"
	"github.com/batvault/batvault/pkg/cache"
	"github.com/batvault/batvault/pkg/config"
	"github.com/batvault/batvault/pkg/policy"
	"github.com/batvault/batvault/pkg/storage"
)

const testETag = "etag-1"

func testConfig() *config.Config {
	return &config.Config{
		TimeoutSearch:    800 * time.Millisecond,
		TimeoutExpand:    250 * time.Millisecond,
		TimeoutEnrich:    600 * time.Millisecond,
		TTLResolverCache: 5 * time.Minute,
		TTLExpandCache:   time.Minute,
		SensitivityOrder: []string{"low", "medium", "high"},
	}
}

func testService(t *testing.T) *Service {
	t.Helper()
	store, err := storage.Open(context.Background(), storage.Options{DSN: ":memory:"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	ctx := context.Background()
	nodes := []map[string]any{
		{"id": "tv#exit-plasma", "type": "DECISION", "domain": "tv",
			"title": "Exit plasma display business", "description": "panel losses forced the exit",
			"timestamp": "2012-10-31T00:00:00Z", "rationale": "sustained losses", "internal_notes": "secret"},
		{"id": "tv#ev-losses", "type": "EVENT", "domain": "tv",
			"title": "Plasma losses widened", "timestamp": "2012-06-01T00:00:00Z"},
		{"id": "tv#ev-announce", "type": "EVENT", "domain": "tv",
			"title": "Exit announced", "timestamp": "2012-10-01T00:00:00Z"},
		{"id": "tv#sell-plant", "type": "DECISION", "domain": "tv",
			"title": "Sell Amagasaki plant", "timestamp": "2013-03-01T00:00:00Z"},
		{"id": "tv#d-secret", "type": "DECISION", "domain": "tv",
			"title": "Classified restructuring", "timestamp": "2013-01-01T00:00:00Z", "sensitivity": "high"},
		{"id": "hr#d-other", "type": "DECISION", "domain": "hr",
			"title": "Out of scope", "timestamp": "2013-01-01T00:00:00Z"},
	}
	_, err = store.UpsertNodes(ctx, nodes, testETag)
	require.NoError(t, err)
	_, err = store.UpsertEdges(ctx, []storage.Edge{
		{Type: storage.EdgeLedTo, From: "tv#ev-losses", To: "tv#exit-plasma", Timestamp: "2012-06-01T00:00:00Z"},
		{Type: storage.EdgeCausal, From: "tv#exit-plasma", To: "tv#sell-plant", Timestamp: "2012-11-01T00:00:00Z"},
		{Type: storage.EdgeCausal, From: "tv#exit-plasma", To: "tv#d-secret", Timestamp: "2013-01-01T00:00:00Z"},
		{Type: storage.EdgeAliasOf, From: "tv#ev-announce", To: "tv#exit-plasma", Timestamp: "2012-10-01T00:00:00Z", Domain: "tv"},
		{Type: storage.EdgeLedTo, From: "tv#ev-announce", To: "tv#sell-plant", Timestamp: "2012-12-01T00:00:00Z"},
	}, testETag)
	require.NoError(t, err)
	require.NoError(t, store.SetSnapshotETag(ctx, testETag))

	registry := policy.NewRegistry("")
	registry.Register(&policy.RoleProfile{
		Role:               "analyst",
		DomainScopes:       []string{"tv"},
		EdgeAllowlist:      []string{"LED_TO", "CAUSAL", "ALIAS_OF"},
		SensitivityCeiling: "medium",
		FieldVisibility: map[string]policy.FieldVisibility{
			"DECISION": {VisibleFields: []string{"title", "rationale", "timestamp"}},
			"EVENT":    {VisibleFields: []string{"title", "timestamp"}},
		},
	})
	return NewService(store, cache.New(nil), registry, testConfig())
}

func doRequest(t *testing.T, h http.Handler, method, path string, body any, mutate func(*http.Request)) *httptest.ResponseRecorder {
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
	req.Header.Set(policy.HeaderSnapshotETag, testETag)
	if mutate != nil {
		mutate(req)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) api.ErrorBody {
	t.Helper()
	var body api.ErrorBody
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body
}

func TestHealthz(t *testing.T) {
	h := testService(t).Handler()
	rec := doRequest(t, h, http.MethodGet, "/healthz", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, testETag, body["snapshot_etag"])
}

func TestEnrich_MasksAndMirrors(t *testing.T) {
	h := testService(t).Handler()
	rec := doRequest(t, h, http.MethodPost, "/api/enrich",
		map[string]any{"anchor": "tv#exit-plasma"}, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "tv#exit-plasma", body["id"])
	assert.Equal(t, "sustained losses", body["rationale"])
	assert.NotContains(t, body, "internal_notes")

	summary, ok := body["mask_summary"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, float64(2), summary["total_removed"], "internal_notes and description masked")

	assert.Regexp(t, "^sha256:", rec.Header().Get(policy.HeaderPolicyFingerprint))
	assert.Regexp(t, "^sha256:", rec.Header().Get(policy.HeaderSchemaFP))
	assert.Regexp(t, "^sha256:", rec.Header().Get(policy.HeaderAllowedIDsFP))
	assert.Equal(t, testETag, rec.Header().Get("x-snapshot-etag"))
	assert.Equal(t, "trace-1", rec.Header().Get("x-trace-id"))
}

func TestEnrich_SnapshotPrecondition(t *testing.T) {
	h := testService(t).Handler()

	rec := doRequest(t, h, http.MethodPost, "/api/enrich",
		map[string]any{"anchor": "tv#exit-plasma"}, func(r *http.Request) {
			r.Header.Set(policy.HeaderSnapshotETag, "stale-etag")
		})
	require.Equal(t, http.StatusPreconditionFailed, rec.Code)
	assert.Equal(t, "precondition:snapshot_etag_mismatch", decodeError(t, rec).Error.Message)
	assert.Equal(t, testETag, rec.Header().Get("x-snapshot-etag"))

	rec = doRequest(t, h, http.MethodPost, "/api/enrich",
		map[string]any{"anchor": "tv#exit-plasma"}, func(r *http.Request) {
			r.Header.Del(policy.HeaderSnapshotETag)
		})
	require.Equal(t, http.StatusPreconditionFailed, rec.Code)
	assert.Equal(t, "precondition:snapshot_etag_missing", decodeError(t, rec).Error.Message)
}

func TestEnrich_NoSnapshotLoaded(t *testing.T) {
	svc := testService(t)
	require.NoError(t, svc.store.SetSnapshotETag(context.Background(), storage.ETagUnknown))
	rec := doRequest(t, svc.Handler(), http.MethodPost, "/api/enrich",
		map[string]any{"anchor": "tv#exit-plasma"}, nil)
	require.Equal(t, http.StatusPreconditionFailed, rec.Code)
	assert.Equal(t, "precondition:no_snapshot", decodeError(t, rec).Error.Message)
}

func TestEnrich_PolicyHeaderMissing(t *testing.T) {
	h := testService(t).Handler()
	rec := doRequest(t, h, http.MethodPost, "/api/enrich",
		map[string]any{"anchor": "tv#exit-plasma"}, func(r *http.Request) {
			r.Header.Del(policy.HeaderUserRoles)
		})
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, api.CodePolicyError, decodeError(t, rec).Error.Code)
}

func TestEnrich_UnknownRole(t *testing.T) {
	h := testService(t).Handler()
	rec := doRequest(t, h, http.MethodPost, "/api/enrich",
		map[string]any{"anchor": "tv#exit-plasma"}, func(r *http.Request) {
			r.Header.Set(policy.HeaderUserRoles, "intruder")
		})
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "unknown_role", decodeError(t, rec).Error.Message)
}

func TestEnrich_ACLDeniedWithConfigurableStatus(t *testing.T) {
	h := testService(t).Handler()

	rec := doRequest(t, h, http.MethodPost, "/api/enrich",
		map[string]any{"anchor": "tv#d-secret"}, nil)
	require.Equal(t, http.StatusForbidden, rec.Code)
	body := decodeError(t, rec)
	assert.Equal(t, api.CodeACLDenied, body.Error.Code)
	assert.Equal(t, "acl:"+policy.ReasonSensitivityExceeded, body.Error.Message)

	rec = doRequest(t, h, http.MethodPost, "/api/enrich",
		map[string]any{"anchor": "tv#d-secret"}, func(r *http.Request) {
			r.Header.Set(policy.HeaderDeniedStatus, "404")
		})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestEnrich_NotFoundAndBadAnchor(t *testing.T) {
	h := testService(t).Handler()

	rec := doRequest(t, h, http.MethodPost, "/api/enrich",
		map[string]any{"anchor": "tv#nope"}, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = doRequest(t, h, http.MethodPost, "/api/enrich",
		map[string]any{"anchor": "not an anchor"}, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestExpandCandidates_GraphView(t *testing.T) {
	h := testService(t).Handler()
	rec := doRequest(t, h, http.MethodPost, "/api/graph/expand_candidates",
		map[string]any{"anchor": "tv#exit-plasma"}, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp expandResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))

	assert.Equal(t, "tv#exit-plasma", resp.Anchor["id"])
	assert.NotContains(t, resp.Anchor, "internal_notes")

	// The high-sensitivity causal neighbour is filtered; the alias tail
	// surfaces the decision reachable from the alias event as CAUSAL.
	edgeIDs := make([]string, len(resp.Graph.Edges))
	for i, e := range resp.Graph.Edges {
		edgeIDs[i] = e.ID()
	}
	assert.Contains(t, edgeIDs, "ledto:tv#ev-losses:tv#exit-plasma")
	assert.Contains(t, edgeIDs, "causal:tv#exit-plasma:tv#sell-plant")
	assert.Contains(t, edgeIDs, "alias:tv#ev-announce:tv#exit-plasma")
	assert.Contains(t, edgeIDs, "causal:tv#ev-announce:tv#sell-plant")
	assert.NotContains(t, edgeIDs, "causal:tv#exit-plasma:tv#d-secret")

	assert.Equal(t, []string{"tv#sell-plant"}, resp.Meta.Alias.Returned)
	assert.Equal(t, testETag, resp.Meta.SnapshotETag)
	assert.Regexp(t, "^sha256:", resp.Meta.Fingerprints.GraphFP)
	assert.Equal(t, resp.Meta.Fingerprints.GraphFP, rec.Header().Get(policy.HeaderGraphFP))

	assert.Equal(t, []string{
		"causal:tv#exit-plasma:tv#sell-plant",
		"tv#ev-announce",
		"tv#ev-losses",
		"tv#exit-plasma",
	}, resp.Meta.AllowedIDs)
}

func TestEnrichBatch(t *testing.T) {
	h := testService(t).Handler()
	rec := doRequest(t, h, http.MethodPost, "/api/enrich/batch",
		map[string]any{
			"anchor_id": "tv#exit-plasma",
			"ids":       []string{"tv#ev-losses", "causal:tv#exit-plasma:tv#sell-plant"},
		}, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp enrichBatchResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))

	// Edge ids are in scope but not enrichable; only the event returns.
	assert.Equal(t, 1, resp.Meta.ReturnedCount)
	require.Contains(t, resp.Items, "tv#ev-losses")
	assert.Equal(t, "Plasma losses widened", resp.Items["tv#ev-losses"]["title"])
	assert.Equal(t, testETag, resp.Meta.SnapshotETag)
	assert.NotEmpty(t, resp.Meta.AllowedIDs)
}

func TestEnrichBatch_OutOfScopeDeniesWholeCall(t *testing.T) {
	h := testService(t).Handler()
	rec := doRequest(t, h, http.MethodPost, "/api/enrich/batch",
		map[string]any{
			"anchor_id": "tv#exit-plasma",
			"ids":       []string{"tv#ev-losses", "tv#d-secret"},
		}, nil)
	require.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, "acl:"+policy.ReasonRequestedOutOfScope, decodeError(t, rec).Error.Message)
}

func TestResolveText_AnchorShortCircuit(t *testing.T) {
	h := testService(t).Handler()
	rec := doRequest(t, h, http.MethodPost, "/api/resolve/text",
		map[string]any{"q": "tv#exit-plasma"}, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp resolveResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Matches, 1)
	assert.Equal(t, "tv#exit-plasma", resp.Matches[0].ID)
	assert.Equal(t, 1.0, resp.Matches[0].Score)
	assert.Equal(t, "Exit plasma display business", resp.Matches[0].Title)
	require.NotNil(t, resp.ResolvedID)
	assert.Equal(t, "tv#exit-plasma", *resp.ResolvedID)
}

func TestResolveText_Search(t *testing.T) {
	h := testService(t).Handler()
	rec := doRequest(t, h, http.MethodPost, "/api/resolve/text",
		map[string]any{"q": "plasma", "limit": 10}, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp resolveResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.NotEmpty(t, resp.Matches)
	require.NotNil(t, resp.ResolvedID)
	for _, m := range resp.Matches {
		assert.NotEqual(t, "hr#d-other", m.ID, "out-of-scope domains never surface")
	}
}

func TestResolveText_NoMatches(t *testing.T) {
	h := testService(t).Handler()
	rec := doRequest(t, h, http.MethodPost, "/api/resolve/text",
		map[string]any{"q": "zz-nothing-matches-this"}, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp resolveResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Empty(t, resp.Matches)
	assert.Nil(t, resp.ResolvedID)
}

func TestPolicyAdviceWarnsOnKeyMismatch(t *testing.T) {
	h := testService(t).Handler()
	rec := doRequest(t, h, http.MethodPost, "/api/enrich",
		map[string]any{"anchor": "tv#exit-plasma"}, nil)
	assert.NotEmpty(t, rec.Header().Get(policy.HeaderPolicyAdvice), "first mismatch warns")

	rec = doRequest(t, h, http.MethodPost, "/api/enrich",
		map[string]any{"anchor": "tv#exit-plasma"}, nil)
	assert.Empty(t, rec.Header().Get(policy.HeaderPolicyAdvice), "warn once per fingerprint")
}

package memory

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"

	"github.com/batvault/batvault/pkg/api"
	"github.com/batvault/batvault/pkg/evidence"
	"github.com/batvault/batvault/pkg/policy"
	"github.com/batvault/batvault/pkg/storage"
)

// forwardedHeaders are the caller-asserted policy headers the gateway
// passes through to Memory unchanged.
var forwardedHeaders = []string{
	policy.HeaderUserID, policy.HeaderUserRoles, policy.HeaderUserNamespaces,
	policy.HeaderPolicyVersion, policy.HeaderPolicyKey,
	policy.HeaderRequestID, policy.HeaderTraceID,
	policy.HeaderDomainScopes, policy.HeaderEdgeAllow, policy.HeaderMaxHops,
	policy.HeaderSensitivityCeiling, policy.HeaderExtraAllow,
	policy.HeaderOrgID, policy.HeaderTenantID, policy.HeaderDeniedStatus,
}

// ErrUpstream is a non-2xx Memory response, taxonomy code included.
type ErrUpstream struct {
	Status  int
	Code    string
	Message string
}

func (e *ErrUpstream) Error() string {
	return fmt.Sprintf("memory: upstream %d %s: %s", e.Status, e.Code, e.Message)
}

// Client is the gateway's request-scoped Memory client. It forwards the
// inbound policy headers verbatim and pins the snapshot ETag it learns
// from the service so one request never mixes snapshots.
type Client struct {
	base    string
	httpc   *http.Client
	forward http.Header

	mu   sync.Mutex
	etag string
}

// NewClient builds a client for one inbound request. hc may be nil.
func NewClient(baseURL string, hc *http.Client, inbound http.Header) *Client {
	if hc == nil {
		hc = http.DefaultClient
	}
	fwd := make(http.Header, len(forwardedHeaders))
	for _, name := range forwardedHeaders {
		if v := inbound.Get(name); v != "" {
			fwd.Set(name, v)
		}
	}
	return &Client{base: baseURL, httpc: hc, forward: fwd}
}

// SnapshotETag returns the pinned snapshot, fetching it from /healthz
// on first use.
func (c *Client) SnapshotETag(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.etag != "" {
		return c.etag, nil
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+"/healthz", nil)
	if err != nil {
		return "", fmt.Errorf("memory: healthz request: %w", err)
	}
	resp, err := c.httpc.Do(req)
	if err != nil {
		return "", fmt.Errorf("memory: healthz: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	var body struct {
		SnapshotETag string `json:"snapshot_etag"`
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&body); err != nil {
		return "", fmt.Errorf("memory: healthz decode: %w", err)
	}
	if body.SnapshotETag == "" || body.SnapshotETag == storage.ETagUnknown {
		return "", &ErrUpstream{Status: resp.StatusCode, Code: api.CodePreconditionFailed, Message: "no snapshot available"}
	}
	c.etag = body.SnapshotETag
	return c.etag, nil
}

// Enrich loads the policy-masked anchor document.
func (c *Client) Enrich(ctx context.Context, anchorID string) (map[string]any, string, error) {
	etag, err := c.SnapshotETag(ctx)
	if err != nil {
		return nil, "", err
	}
	var doc map[string]any
	if err := c.do(ctx, http.MethodPost, "/api/enrich", map[string]any{
		"anchor":        anchorID,
		"snapshot_etag": etag,
	}, etag, &doc); err != nil {
		return nil, "", err
	}
	delete(doc, "mask_summary")
	return doc, etag, nil
}

// ExpandCandidates loads the k=1 edges-only view.
func (c *Client) ExpandCandidates(ctx context.Context, anchorID string) (*evidence.ExpandResult, error) {
	etag, err := c.SnapshotETag(ctx)
	if err != nil {
		return nil, err
	}
	var resp expandResponse
	if err := c.do(ctx, http.MethodPost, "/api/graph/expand_candidates", map[string]any{
		"anchor":        anchorID,
		"snapshot_etag": etag,
	}, etag, &resp); err != nil {
		return nil, err
	}
	return &evidence.ExpandResult{
		Anchor:       resp.Anchor,
		Edges:        resp.Graph.Edges,
		AllowedIDs:   resp.Meta.AllowedIDs,
		SnapshotETag: resp.Meta.SnapshotETag,
	}, nil
}

// EnrichBatch loads masked documents for ids inside the anchor's scope.
func (c *Client) EnrichBatch(ctx context.Context, anchorID, snapshotETag string, ids []string) (map[string]map[string]any, error) {
	var resp enrichBatchResponse
	if err := c.do(ctx, http.MethodPost, "/api/enrich/batch", map[string]any{
		"anchor_id":     anchorID,
		"snapshot_etag": snapshotETag,
		"ids":           ids,
	}, snapshotETag, &resp); err != nil {
		return nil, err
	}
	return resp.Items, nil
}

// ResolveText resolves free text to anchor candidates.
func (c *Client) ResolveText(ctx context.Context, q string, limit int, useVector bool) (*ResolveResult, error) {
	etag, err := c.SnapshotETag(ctx)
	if err != nil {
		return nil, err
	}
	var resp resolveResponse
	if err := c.do(ctx, http.MethodPost, "/api/resolve/text", map[string]any{
		"q":             q,
		"limit":         limit,
		"use_vector":    useVector,
		"snapshot_etag": etag,
	}, etag, &resp); err != nil {
		return nil, err
	}
	return &ResolveResult{Matches: resp.Matches, VectorUsed: resp.VectorUsed, ResolvedID: resp.ResolvedID}, nil
}

// ResolveResult is the client-side shape of a resolve/text response.
type ResolveResult struct {
	Matches    []storage.Match
	VectorUsed bool
	ResolvedID *string
}

// Healthy reports whether the service answers /healthz with a 2xx.
func (c *Client) Healthy(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+"/healthz", nil)
	if err != nil {
		return false
	}
	resp, err := c.httpc.Do(req)
	if err != nil {
		return false
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<20))
	return resp.StatusCode < 500
}

func (c *Client) do(ctx context.Context, method, path string, body map[string]any, etag string, out any) error {
	raw, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("memory: encode %s: %w", path, err)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, bytes.NewReader(raw))
	if err != nil {
		return fmt.Errorf("memory: %s request: %w", path, err)
	}
	req.Header.Set("Content-Type", "application/json")
	for name, vals := range c.forward {
		for _, v := range vals {
			req.Header.Add(name, v)
		}
	}
	req.Header.Set(policy.HeaderSnapshotETag, etag)

	resp, err := c.httpc.Do(req)
	if err != nil {
		return fmt.Errorf("memory: %s: %w", path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return fmt.Errorf("memory: %s read: %w", path, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var envelope api.ErrorBody
		if json.Unmarshal(data, &envelope) == nil && envelope.Error.Code != "" {
			return &ErrUpstream{Status: resp.StatusCode, Code: envelope.Error.Code, Message: envelope.Error.Message}
		}
		return &ErrUpstream{Status: resp.StatusCode, Code: api.CodeInternal, Message: http.StatusText(resp.StatusCode)}
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("memory: %s decode: %w", path, err)
	}
	return nil
}

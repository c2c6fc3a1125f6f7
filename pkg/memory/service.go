// Package memory is the graph read service: enrich, enrich/batch,
// resolve/text and expand_candidates, all behind fail-closed policy
// headers and a strict snapshot-ETag precondition.
package memory

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/batvault/batvault/pkg/api"
	"github.com/batvault/batvault/pkg/cache"
	"github.com/batvault/batvault/pkg/canonjson"
	"github.com/batvault/batvault/pkg/config"
	"github.com/batvault/batvault/pkg/policy"
	"github.com/batvault/batvault/pkg/storage"
	"github.com/batvault/batvault/pkg/validator"
)

// Service owns the Memory endpoints.
type Service struct {
	store    *storage.Adapter
	cache    *cache.Cache
	registry *policy.Registry
	cfg      *config.Config

	adviceOnce sync.Map // policy_fp → struct{}: warn-once per mismatched key
}

// NewService wires the service.
func NewService(store *storage.Adapter, c *cache.Cache, registry *policy.Registry, cfg *config.Config) *Service {
	return &Service{store: store, cache: c, registry: registry, cfg: cfg}
}

// Handler builds the route table with the shared middleware chain.
func (s *Service) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealthz)
	mux.HandleFunc("/api/enrich", s.handleEnrich)
	mux.HandleFunc("POST /api/enrich/batch", s.handleEnrichBatch)
	mux.HandleFunc("POST /api/resolve/text", s.handleResolveText)
	mux.HandleFunc("POST /api/graph/expand_candidates", s.handleExpandCandidates)
	return api.Chain(mux, api.RequestIDMiddleware)
}

func (s *Service) handleHealthz(w http.ResponseWriter, r *http.Request) {
	api.WriteJSON(w, http.StatusOK, map[string]any{
		"status":        "ok",
		"snapshot_etag": s.store.SnapshotETag(),
	})
}

// requestPolicy parses headers and derives the effective policy,
// fail-closed and before any storage access. The boolean result is
// false when the response has already been written.
func (s *Service) requestPolicy(w http.ResponseWriter, r *http.Request) (*policy.RequestContext, *policy.Effective, bool) {
	rc, err := policy.ParseHeaders(r.Header)
	if err != nil {
		api.WriteError(w, http.StatusBadRequest, api.CodePolicyError, err.Error(), api.RequestID(r.Context()))
		return nil, nil, false
	}
	eff, err := policy.Derive(rc, s.registry, s.cfg.SensitivityOrder)
	if err != nil {
		var unknown *policy.ErrUnknownRole
		if errors.As(err, &unknown) {
			api.WriteError(w, http.StatusBadRequest, api.CodePolicyError, "unknown_role", rc.RequestID)
			return nil, nil, false
		}
		api.WriteInternal(w, rc.RequestID, err)
		return nil, nil, false
	}

	// A stale X-Policy-Key is advisory, not fatal; warn once per
	// fingerprint.
	if rc.PolicyKey != eff.Fingerprint() {
		if _, warned := s.adviceOnce.LoadOrStore(eff.Fingerprint(), struct{}{}); !warned {
			w.Header().Set(policy.HeaderPolicyAdvice, "policy key does not match derived policy fingerprint")
		}
	}
	return rc, eff, true
}

// checkSnapshot enforces the snapshot precondition: the client's ETag
// (header or body field) must equal the current snapshot. Writes the
// 412 itself on failure.
func (s *Service) checkSnapshot(w http.ResponseWriter, r *http.Request, bodyETag, requestID string) (string, bool) {
	current := s.store.SnapshotETag()
	w.Header().Set("x-snapshot-etag", current)

	clientETag := r.Header.Get(policy.HeaderSnapshotETag)
	if clientETag == "" {
		clientETag = bodyETag
	}

	switch {
	case current == storage.ETagUnknown:
		api.WriteError(w, http.StatusPreconditionFailed, api.CodePreconditionFailed,
			"precondition:no_snapshot", requestID)
		return "", false
	case clientETag == "":
		api.WriteError(w, http.StatusPreconditionFailed, api.CodePreconditionFailed,
			"precondition:snapshot_etag_missing", requestID)
		return "", false
	case clientETag != current:
		api.WriteError(w, http.StatusPreconditionFailed, api.CodePreconditionFailed,
			"precondition:snapshot_etag_mismatch", requestID)
		return "", false
	}
	return current, true
}

// mirrorHeaders stamps the audit fingerprints every response carries.
func mirrorHeaders(w http.ResponseWriter, rc *policy.RequestContext, eff *policy.Effective, allowedIDs []string) {
	w.Header().Set(policy.HeaderPolicyFingerprint, eff.Fingerprint())
	w.Header().Set(policy.HeaderSchemaFP, validator.SchemaFingerprint())
	w.Header().Set("x-trace-id", rc.TraceID)
	if allowedIDs != nil {
		fp, err := canonjson.Fingerprint(allowedIDs)
		if err == nil {
			w.Header().Set(policy.HeaderAllowedIDsFP, fp)
		}
	}
}

// writeDenied renders an ACL denial with the configurable status.
func writeDenied(w http.ResponseWriter, rc *policy.RequestContext, reason string) {
	api.WriteError(w, rc.DeniedStatusOrDefault(), api.CodeACLDenied, "acl:"+reason, rc.RequestID)
}

// stage runs op under the per-stage timeout, translating a deadline
// into upstream_timeout (504).
func stage(ctx context.Context, d time.Duration, op func(context.Context) error) error {
	stageCtx, cancel := context.WithTimeout(ctx, d)
	defer cancel()
	err := op(stageCtx)
	if errors.Is(err, context.DeadlineExceeded) {
		return errStageTimeout
	}
	return err
}

var errStageTimeout = errors.New("memory: stage timeout")

func writeStageError(w http.ResponseWriter, requestID string, err error) {
	if errors.Is(err, errStageTimeout) {
		api.WriteError(w, http.StatusGatewayTimeout, api.CodeUpstreamTimeout, "stage timeout", requestID)
		return
	}
	var notFound *storage.ErrNotFound
	if errors.As(err, &notFound) {
		api.WriteError(w, http.StatusNotFound, api.CodeNotFound, notFound.Error(), requestID)
		return
	}
	api.WriteError(w, http.StatusServiceUnavailable, api.CodeStorageUnavailable,
		fmt.Sprintf("storage error: %v", err), requestID)
}

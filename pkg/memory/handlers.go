package memory

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/batvault/batvault/pkg/api"
	"github.com/batvault/batvault/pkg/cache"
	"github.com/batvault/batvault/pkg/canonjson"
	"github.com/batvault/batvault/pkg/evidence"
	"github.com/batvault/batvault/pkg/ids"
	"github.com/batvault/batvault/pkg/policy"
	"github.com/batvault/batvault/pkg/storage"
)

// --- enrich -------------------------------------------------------------

type enrichRequest struct {
	Anchor       string `json:"anchor"`
	SnapshotETag string `json:"snapshot_etag"`
}

func (s *Service) handleEnrich(w http.ResponseWriter, r *http.Request) {
	rc, eff, ok := s.requestPolicy(w, r)
	if !ok {
		return
	}

	var req enrichRequest
	if r.Method == http.MethodPost {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			api.WriteError(w, http.StatusBadRequest, api.CodeValidationFailed, "invalid JSON body", rc.RequestID)
			return
		}
	} else {
		req.Anchor = r.URL.Query().Get("anchor")
	}

	anchor, err := ids.ParseAnchor(req.Anchor)
	if err != nil {
		api.WriteError(w, http.StatusBadRequest, api.CodeValidationFailed, err.Error(), rc.RequestID)
		return
	}
	if _, ok := s.checkSnapshot(w, r, req.SnapshotETag, rc.RequestID); !ok {
		return
	}

	var doc map[string]any
	err = stage(r.Context(), s.cfg.TimeoutEnrich, func(ctx context.Context) error {
		var serr error
		doc, serr = s.store.GetEnrichedNode(ctx, anchor.StorageKey())
		return serr
	})
	if err != nil {
		writeStageError(w, rc.RequestID, err)
		return
	}

	if domain, _ := doc["domain"].(string); domain != anchor.Domain {
		api.WriteError(w, http.StatusConflict, api.CodeDomainMismatch,
			"anchor domain does not match stored node", rc.RequestID)
		return
	}
	if allowed, reason := policy.ACLCheck(doc, eff); !allowed {
		writeDenied(w, rc, reason)
		return
	}

	masked, summary := policy.FieldMaskWithSummary(doc, eff)
	body := make(map[string]any, len(masked)+1)
	for k, v := range masked {
		body[k] = v
	}
	body["mask_summary"] = summary

	mirrorHeaders(w, rc, eff, []string{anchor.String()})
	api.WriteJSON(w, http.StatusOK, body)
}

// --- enrich/batch -------------------------------------------------------

type enrichBatchRequest struct {
	AnchorID     string   `json:"anchor_id"`
	SnapshotETag string   `json:"snapshot_etag"`
	IDs          []string `json:"ids"`
}

type enrichBatchMeta struct {
	ReturnedCount int      `json:"returned_count"`
	AllowedIDs    []string `json:"allowed_ids"`
	AllowedIDsFP  string   `json:"allowed_ids_fp"`
	PolicyFP      string   `json:"policy_fp"`
	SnapshotETag  string   `json:"snapshot_etag"`
}

type enrichBatchResponse struct {
	Items map[string]map[string]any `json:"items"`
	Meta  enrichBatchMeta           `json:"meta"`
}

func (s *Service) handleEnrichBatch(w http.ResponseWriter, r *http.Request) {
	rc, eff, ok := s.requestPolicy(w, r)
	if !ok {
		return
	}
	var req enrichBatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		api.WriteError(w, http.StatusBadRequest, api.CodeValidationFailed, "invalid JSON body", rc.RequestID)
		return
	}
	if !ids.IsAnchor(req.AnchorID) {
		api.WriteError(w, http.StatusBadRequest, api.CodeValidationFailed, "invalid anchor_id", rc.RequestID)
		return
	}
	etag, ok := s.checkSnapshot(w, r, req.SnapshotETag, rc.RequestID)
	if !ok {
		return
	}

	var (
		view   *graphView
		reason string
	)
	err := stage(r.Context(), s.cfg.TimeoutEnrich, func(ctx context.Context) error {
		var serr error
		view, reason, serr = s.buildView(ctx, req.AnchorID, eff)
		return serr
	})
	if err != nil {
		writeStageError(w, rc.RequestID, err)
		return
	}
	if reason != "" {
		writeDenied(w, rc, reason)
		return
	}

	// The whole call is denied when any requested id falls outside the
	// anchor's scoped allow-list.
	allowed := make(map[string]bool, len(view.AllowedIDs))
	for _, id := range view.AllowedIDs {
		allowed[id] = true
	}
	for _, id := range req.IDs {
		if !allowed[id] {
			writeDenied(w, rc, policy.ReasonRequestedOutOfScope)
			return
		}
	}

	items := make(map[string]map[string]any, len(req.IDs))
	err = stage(r.Context(), s.cfg.TimeoutEnrich, func(ctx context.Context) error {
		for _, id := range req.IDs {
			a, perr := ids.ParseAnchor(id)
			if perr != nil {
				continue // transition edge ids are allowed but not enrichable
			}
			doc, gerr := s.store.GetEnrichedNode(ctx, a.StorageKey())
			if gerr != nil {
				continue
			}
			if visible, _ := policy.ACLCheck(doc, eff); !visible {
				continue
			}
			items[id] = policy.FieldMask(doc, eff)
		}
		return nil
	})
	if err != nil {
		writeStageError(w, rc.RequestID, err)
		return
	}

	allowedFP, err := canonjson.Fingerprint(view.AllowedIDs)
	if err != nil {
		api.WriteInternal(w, rc.RequestID, err)
		return
	}
	mirrorHeaders(w, rc, eff, view.AllowedIDs)
	api.WriteJSON(w, http.StatusOK, enrichBatchResponse{
		Items: items,
		Meta: enrichBatchMeta{
			ReturnedCount: len(items),
			AllowedIDs:    view.AllowedIDs,
			AllowedIDsFP:  allowedFP,
			PolicyFP:      eff.Fingerprint(),
			SnapshotETag:  etag,
		},
	})
}

// --- resolve/text -------------------------------------------------------

type resolveRequest struct {
	Q            string    `json:"q"`
	Limit        int       `json:"limit"`
	UseVector    bool      `json:"use_vector"`
	QueryVector  []float64 `json:"query_vector"`
	SnapshotETag string    `json:"snapshot_etag"`
}

type resolveResponse struct {
	Query      string          `json:"query"`
	Matches    []storage.Match `json:"matches"`
	VectorUsed bool            `json:"vector_used"`
	ResolvedID *string         `json:"resolved_id"`
}

func (s *Service) handleResolveText(w http.ResponseWriter, r *http.Request) {
	rc, eff, ok := s.requestPolicy(w, r)
	if !ok {
		return
	}
	var req resolveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		api.WriteError(w, http.StatusBadRequest, api.CodeValidationFailed, "invalid JSON body", rc.RequestID)
		return
	}
	etag, ok := s.checkSnapshot(w, r, req.SnapshotETag, rc.RequestID)
	if !ok {
		return
	}

	// Anchor short-circuit: a query that already is a wire anchor
	// resolves 1:1 with score 1.0 and no search.
	if ids.IsAnchor(req.Q) {
		match := storage.Match{ID: req.Q, Score: 1.0}
		if a, err := ids.ParseAnchor(req.Q); err == nil {
			if doc, err := s.store.GetNode(r.Context(), a.StorageKey()); err == nil {
				if visible, _ := policy.ACLCheck(doc, eff); visible {
					match.Title, _ = doc["title"].(string)
					match.Type, _ = doc["type"].(string)
				}
			}
		}
		mirrorHeaders(w, rc, eff, nil)
		api.WriteJSON(w, http.StatusOK, resolveResponse{
			Query:      req.Q,
			Matches:    []storage.Match{match},
			VectorUsed: false,
			ResolvedID: &match.ID,
		})
		return
	}

	key := cache.Key("bv:mem:v1:resolve:", etag, eff.Fingerprint(), req.Q, req.Limit, req.UseVector)
	var resp resolveResponse
	err := s.cache.ReadThrough(r.Context(), key, s.cfg.TTLResolverCache, etag, &resp, func(ctx context.Context) (any, error) {
		var (
			matches    []storage.Match
			vectorUsed bool
		)
		serr := stage(ctx, s.cfg.TimeoutSearch, func(stageCtx context.Context) error {
			var err error
			matches, vectorUsed, err = s.store.ResolveText(stageCtx, req.Q, req.Limit, req.UseVector && s.cfg.EnableEmbeddings, req.QueryVector)
			return err
		})
		if serr != nil {
			return nil, serr
		}
		visible := matches[:0]
		for _, m := range matches {
			if s.neighbourVisible(ctx, m.ID, eff) {
				visible = append(visible, m)
			}
		}
		out := resolveResponse{Query: req.Q, Matches: visible, VectorUsed: vectorUsed}
		if len(visible) > 0 {
			out.ResolvedID = &visible[0].ID
		}
		return out, nil
	})
	if err == cache.ErrNegative {
		mirrorHeaders(w, rc, eff, nil)
		api.WriteJSON(w, http.StatusOK, resolveResponse{Query: req.Q, Matches: []storage.Match{}})
		return
	}
	if err != nil {
		writeStageError(w, rc.RequestID, err)
		return
	}
	if len(resp.Matches) == 0 {
		// Record the miss so repeated unresolvable queries stay cheap.
		_ = s.cache.SetNegative(r.Context(), key, s.cfg.TTLResolverCache, etag)
	}
	mirrorHeaders(w, rc, eff, nil)
	api.WriteJSON(w, http.StatusOK, resp)
}

// --- expand_candidates --------------------------------------------------

type expandRequest struct {
	Anchor       string `json:"anchor"`
	SnapshotETag string `json:"snapshot_etag"`
}

type expandMeta struct {
	SnapshotETag string   `json:"snapshot_etag"`
	PolicyFP     string   `json:"policy_fp"`
	AllowedIDs   []string `json:"allowed_ids"`
	AllowedIDsFP string   `json:"allowed_ids_fp"`
	Fingerprints struct {
		GraphFP string `json:"graph_fp"`
	} `json:"fingerprints"`
	Alias struct {
		Returned []string `json:"returned"`
	} `json:"alias"`
}

type expandResponse struct {
	Anchor map[string]any `json:"anchor"`
	Graph  struct {
		Edges []storage.Edge `json:"edges"`
	} `json:"graph"`
	Meta expandMeta `json:"meta"`
}

func (s *Service) handleExpandCandidates(w http.ResponseWriter, r *http.Request) {
	rc, eff, ok := s.requestPolicy(w, r)
	if !ok {
		return
	}
	var req expandRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		api.WriteError(w, http.StatusBadRequest, api.CodeValidationFailed, "invalid JSON body", rc.RequestID)
		return
	}
	if !ids.IsAnchor(req.Anchor) {
		api.WriteError(w, http.StatusBadRequest, api.CodeValidationFailed, "invalid anchor", rc.RequestID)
		return
	}
	etag, ok := s.checkSnapshot(w, r, req.SnapshotETag, rc.RequestID)
	if !ok {
		return
	}

	key := cache.Key("bv:mem:v1:expand:", etag, eff.Fingerprint(), req.Anchor)
	var resp expandResponse
	var deniedReason string
	err := s.cache.ReadThrough(r.Context(), key, s.cfg.TTLExpandCache, etag, &resp, func(ctx context.Context) (any, error) {
		var (
			view   *graphView
			reason string
		)
		serr := stage(ctx, s.cfg.TimeoutExpand, func(stageCtx context.Context) error {
			var err error
			view, reason, err = s.buildView(stageCtx, req.Anchor, eff)
			return err
		})
		if serr != nil {
			return nil, serr
		}
		if reason != "" {
			deniedReason = reason
			return nil, errDenied
		}

		out := expandResponse{Anchor: policy.FieldMask(view.Anchor, eff)}
		out.Graph.Edges = view.Edges
		if out.Graph.Edges == nil {
			out.Graph.Edges = []storage.Edge{}
		}
		out.Meta.SnapshotETag = etag
		out.Meta.PolicyFP = eff.Fingerprint()
		out.Meta.AllowedIDs = view.AllowedIDs
		fp, err := canonjson.Fingerprint(view.AllowedIDs)
		if err != nil {
			return nil, err
		}
		out.Meta.AllowedIDsFP = fp
		graphFP, err := evidence.GraphFingerprint(req.Anchor, view.Edges)
		if err != nil {
			return nil, err
		}
		out.Meta.Fingerprints.GraphFP = graphFP
		out.Meta.Alias.Returned = view.AliasReturned

		// Fail closed if the outbound view does not satisfy the graph
		// schema; a malformed view must never leave the service.
		if err := validateGraphView(out); err != nil {
			return nil, err
		}
		return out, nil
	})
	if err != nil {
		if err == errDenied {
			writeDenied(w, rc, deniedReason)
			return
		}
		writeStageError(w, rc.RequestID, err)
		return
	}

	mirrorHeaders(w, rc, eff, resp.Meta.AllowedIDs)
	w.Header().Set(policy.HeaderGraphFP, resp.Meta.Fingerprints.GraphFP)
	api.WriteJSON(w, http.StatusOK, resp)
}

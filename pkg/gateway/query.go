package gateway

import (
	"encoding/json"
	"net/http"

	"github.com/batvault/batvault/pkg/api"
	"github.com/batvault/batvault/pkg/evidence"
	"github.com/batvault/batvault/pkg/ids"
	"github.com/batvault/batvault/pkg/memory"
)

type queryRequest struct {
	Text      string `json:"text"`
	Q         string `json:"q,omitempty"` // accepted alias for text
	Limit     int    `json:"limit,omitempty"`
	UseVector bool   `json:"use_vector,omitempty"`
	PromptID  string `json:"prompt_id,omitempty"`
}

// handleQuery resolves free text to an anchor decision and answers it.
// Under load shed the endpoint refuses work outright; /v2/ask keeps
// serving on the fallback path instead.
func (s *Service) handleQuery(w http.ResponseWriter, r *http.Request) {
	requestID := api.RequestID(r.Context())

	if s.shouldLoadShed(r.Context()) {
		retryAfterHeader(w, 1)
		api.WriteError(w, http.StatusTooManyRequests, "rate_limited", "Service is shedding load.", requestID)
		return
	}

	var req queryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		api.WriteError(w, http.StatusBadRequest, api.CodeValidationFailed, "invalid JSON body", requestID)
		return
	}
	text := req.Text
	if text == "" {
		text = req.Q
	}
	if text == "" {
		api.WriteError(w, http.StatusBadRequest, api.CodeValidationFailed, "text required", requestID)
		return
	}

	rc, eff, ok := s.requestPolicy(w, r, requestID)
	if !ok {
		return
	}

	anchorID := text
	resolverPath := ResolverDirect
	if !ids.IsAnchor(text) {
		client := memory.NewClient(s.cfg.MemoryURL, s.httpc, r.Header)
		result, err := client.ResolveText(r.Context(), text, req.Limit, req.UseVector)
		if err != nil {
			writeUpstreamError(w, requestID, err)
			return
		}
		if result.ResolvedID == nil {
			api.WriteErrorDetails(w, http.StatusNotFound, api.CodeNotFound,
				"no decision matched the query", requestID,
				map[string]any{"matches": result.Matches})
			return
		}
		anchorID = *result.ResolvedID
		resolverPath = ResolverSearch
	}

	ask := &askRequest{Intent: evidence.IntentWhyDecision, AnchorID: anchorID, PromptID: req.PromptID}
	resp, status := s.answer(w, r, ask, rc, eff, requestID, resolverPath)
	if resp == nil {
		return
	}

	s.mirrorHeaders(w, rc, eff, resp)
	if r.URL.Query().Get("stream") == "true" {
		s.streamResponse(w, resp)
		return
	}
	api.WriteJSON(w, status, resp)
}

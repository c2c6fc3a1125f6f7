package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/batvault/batvault/pkg/api"
	"github.com/batvault/batvault/pkg/canonjson"
	"github.com/batvault/batvault/pkg/evidence"
	"github.com/batvault/batvault/pkg/gate"
	"github.com/batvault/batvault/pkg/ids"
	"github.com/batvault/batvault/pkg/llm"
	"github.com/batvault/batvault/pkg/memory"
	"github.com/batvault/batvault/pkg/policy"
	"github.com/batvault/batvault/pkg/selector"
	"github.com/batvault/batvault/pkg/validator"
)

// Default per-policy budget clamps.
const (
	defaultMaxEdges    = 24
	defaultMaxEvents   = 10
	defaultMaxCitedIDs = 16
	defaultPromptID    = "why_v1"
	defaultPolicyID    = "policy_v1"
)

type askRequest struct {
	Intent    string             `json:"intent"`
	AnchorID  string             `json:"anchor_id,omitempty"`
	Evidence  *evidence.Evidence `json:"evidence,omitempty"`
	Answer    *evidence.Answer   `json:"answer,omitempty"`
	PolicyID  string             `json:"policy_id,omitempty"`
	PromptID  string             `json:"prompt_id,omitempty"`
	RequestID string             `json:"request_id,omitempty"`
}

func (s *Service) handleAsk(w http.ResponseWriter, r *http.Request) {
	requestID := api.RequestID(r.Context())

	raw, err := io.ReadAll(io.LimitReader(r.Body, 4<<20))
	if err != nil {
		api.WriteError(w, http.StatusBadRequest, api.CodeValidationFailed, "unreadable body", requestID)
		return
	}
	var req askRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		api.WriteError(w, http.StatusBadRequest, api.CodeValidationFailed, "invalid JSON body", requestID)
		return
	}
	if req.Intent == "" {
		req.Intent = evidence.IntentWhyDecision
	}
	if req.Intent != evidence.IntentWhyDecision {
		api.WriteError(w, http.StatusBadRequest, api.CodeValidationFailed, "unsupported intent", requestID)
		return
	}
	if req.RequestID != "" {
		requestID = req.RequestID
	}
	if req.AnchorID == "" && req.Evidence == nil {
		api.WriteError(w, http.StatusBadRequest, api.CodeValidationFailed, "anchor_id or evidence required", requestID)
		return
	}
	if req.AnchorID != "" && !ids.IsAnchor(req.AnchorID) {
		api.WriteError(w, http.StatusBadRequest, api.CodeValidationFailed, "invalid anchor_id", requestID)
		return
	}

	rc, eff, ok := s.requestPolicy(w, r, requestID)
	if !ok {
		return
	}

	// Idempotent replay: a repeated key returns the stored response as
	// long as the request scope fingerprint still matches.
	idemKey, scopeFP, replayed := s.checkIdempotency(w, r, raw, requestID, eff)
	if replayed {
		return
	}

	resp, status := s.answer(w, r, &req, rc, eff, requestID, ResolverDirect)
	if resp == nil {
		return // error already written
	}

	s.mirrorHeaders(w, rc, eff, resp)
	if r.URL.Query().Get("stream") == "true" {
		s.streamResponse(w, resp)
		return
	}
	body, err := json.Marshal(resp)
	if err != nil {
		api.WriteInternal(w, requestID, err)
		return
	}
	if idemKey != "" {
		if err := s.idem.Store(r.Context(), idemKey, scopeFP, status, body); err != nil {
			slog.Warn("idempotency store failed", "request_id", requestID, "error", err)
		}
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(body)
}

// answer runs the pipeline: collect → rank → gate → llm → validate →
// assemble. A nil return means an error response has been written.
func (s *Service) answer(w http.ResponseWriter, r *http.Request, req *askRequest, rc *policy.RequestContext, eff *policy.Effective, requestID, resolverPath string) (*Response, int) {
	start := time.Now()
	loadShed := s.shouldLoadShed(r.Context())

	// Evidence: supplied inline or collected through Memory.
	var ev *evidence.Evidence
	if req.Evidence != nil {
		ev = req.Evidence
		ev.RecomputeAllowedIDs()
		resolverPath = ResolverSupplied
	} else {
		client := memory.NewClient(s.cfg.MemoryURL, s.httpc, r.Header)
		builder := evidence.NewBuilder(client, s.cache, s.cfg.TTLEvidenceCache, eff.Fingerprint())
		var err error
		ev, err = builder.Collect(r.Context(), req.AnchorID)
		if err != nil {
			writeUpstreamError(w, requestID, err)
			return nil, 0
		}
	}

	eventsTotal := len(ev.Events)
	ev.Events = selector.RankEvents(ev.Anchor, ev.Events)

	evidenceBytes, err := canonjson.Bytes(ev)
	if err != nil {
		api.WriteInternal(w, requestID, err)
		return nil, 0
	}
	evidenceTokens := gate.EstimateTokens(evidenceBytes)

	budgets := gate.Budgets{
		MaxEdges:      defaultMaxEdges,
		MaxEvents:     defaultMaxEvents,
		MaxCitedIDs:   defaultMaxCitedIDs,
		EdgeAllowlist: eff.EdgeAllowlist,
	}
	trimmed, plan, err := gate.Apply(ev, budgets)
	if err != nil {
		api.WriteInternal(w, requestID, err)
		return nil, 0
	}

	promptID := req.PromptID
	if promptID == "" {
		promptID = defaultPromptID
	}
	policyID := req.PolicyID
	if policyID == "" {
		policyID = defaultPolicyID
	}
	envelope := gate.BuildEnvelope(promptID, trimmed, s.cfg.ShortAnswerMaxChars, s.cfg.ShortAnswerMaxSentences)
	promptFP, err := envelope.Fingerprint()
	if err != nil {
		api.WriteInternal(w, requestID, err)
		return nil, 0
	}
	rendered, err := envelope.Render()
	if err != nil {
		api.WriteInternal(w, requestID, err)
		return nil, 0
	}
	promptTokens := gate.EstimateTokens(rendered)

	// Shrink the completion budget until the rendered prompt fits.
	planned := s.cfg.ControlCompletionTokens
	for attempt := 1; attempt <= 2; attempt++ {
		if promptTokens+planned+s.cfg.ControlPromptGuardTokens <= s.cfg.ControlContextWindow {
			break
		}
		planned = gate.ShrinkCompletion(s.cfg.ControlCompletionTokens, attempt, 0.8)
	}

	ans, outcome := s.invokeLLM(r, requestID, rendered, trimmed, planned, loadShed)

	final, fallbackUsed, fallbackReason := s.chooseAnswer(r.Context(), ans, outcome, trimmed, eff)
	if s.cfg.CiteAllIDs {
		final.CitedIDs = append([]string(nil), trimmed.AllowedIDs...)
	}

	bundleFP, err := trimmed.BundleFingerprint()
	if err != nil {
		api.WriteInternal(w, requestID, err)
		return nil, 0
	}

	resp := &Response{
		Intent:            evidence.IntentWhyDecision,
		Evidence:          trimmed,
		Answer:            final,
		CompletenessFlags: trimmed.Completeness(),
		Meta: Meta{
			RequestID:         requestID,
			PolicyID:          policyID,
			PromptID:          promptID,
			PromptFingerprint: promptFP,
			BundleFingerprint: bundleFP,
			BundleSizeBytes:   len(evidenceBytes),
			PromptTokens:      promptTokens,
			MaxTokens:         outcome.MaxTokens,
			EvidenceTokens:    evidenceTokens,
			SnapshotETag:      ev.SnapshotETag,
			GatewayVersion:    Version,
			SelectorModelID:   selector.PolicyID,
			FallbackUsed:      fallbackUsed,
			FallbackReason:    fallbackReason,
			Retries:           outcome.Retries,
			EvidenceMetrics: EvidenceMetrics{
				BundleSizeBytes: len(evidenceBytes),
				SelectorPolicy:  selector.PolicyID,
				TransitionCount: len(trimmed.Transitions.Preceding) + len(trimmed.Transitions.Succeeding),
			},
			EventsTotal:       eventsTotal,
			EventsTruncated:   len(trimmed.Events) < eventsTotal || evidenceTokens > s.cfg.SelectorTruncationTokens,
			SnapshotAvailable: ev.SnapshotETag != "" && ev.SnapshotETag != "unknown",
			LoadShed:          loadShed,
			TraceID:           rc.TraceID,
			ResolverPath:      resolverPath,
		},
	}
	if outcome.MaxTokens == 0 {
		resp.Meta.MaxTokens = planned
	}

	report, bundleURL := s.sealArtifacts(r, requestID, envelope, ev, trimmed, resp, ans, plan, eff)
	resp.BundleURL = bundleURL
	resp.Meta.ValidatorErrorCount = len(report.Errors)
	resp.Meta.ValidatorWarnings = warningsOf(report)
	resp.Meta.LatencyMS = time.Since(start).Milliseconds()
	return resp, http.StatusOK
}

// invokeLLM runs the router unless shedding or switched off.
func (s *Service) invokeLLM(r *http.Request, requestID string, rendered []byte, trimmed *evidence.Evidence, planned int, loadShed bool) (*llm.Answer, llm.Outcome) {
	if loadShed {
		return nil, llm.Outcome{Code: llm.ErrLLMOff}
	}
	messages := []llm.Message{
		{Role: "system", Content: "Answer why the decision was made, strictly as JSON {\"short_answer\",\"supporting_ids\"}. Cite only allowed ids."},
		{Role: "user", Content: string(rendered)},
	}
	override := r.Header.Get(s.cfg.CanaryHeaderOverride) != ""
	ctx, cancel := context.WithTimeout(r.Context(), s.cfg.TimeoutLLM)
	defer cancel()
	return s.router.Call(ctx, requestID, messages, planned, trimmed.AllowedIDs, override)
}

// chooseAnswer applies the validator-driven fallback policy: a routed
// failure, a style violation, or any fatal validator error replaces the
// model answer with the deterministic template.
func (s *Service) chooseAnswer(ctx context.Context, ans *llm.Answer, outcome llm.Outcome, trimmed *evidence.Evidence, eff *policy.Effective) (evidence.Answer, bool, string) {
	if ans == nil {
		reason := outcome.Code
		if reason == "" {
			reason = validator.ReasonLLMUnavailable
		}
		return validator.ComposeFallback(trimmed), true, reason
	}
	candidate := evidence.Answer{ShortAnswer: ans.ShortAnswer, CitedIDs: ans.SupportingIDs}
	if validator.ViolatesStyle(candidate.ShortAnswer, trimmed.AllowedIDs) {
		return validator.ComposeFallback(trimmed), true, validator.ReasonStyleViolation
	}
	vctx, cancel := context.WithTimeout(ctx, s.cfg.TimeoutValidate)
	defer cancel()
	report, err := validator.Validate(vctx, validator.Input{
		Evidence: trimmed,
		Answer:   &candidate,
		PolicyFP: eff.Fingerprint(),
	})
	if err != nil || len(report.FatalErrors()) > 0 {
		return validator.ComposeFallback(trimmed), true, validator.ReasonStyleViolation
	}
	return candidate, false, ""
}

// requestPolicy parses and derives the effective policy, fail-closed.
func (s *Service) requestPolicy(w http.ResponseWriter, r *http.Request, requestID string) (*policy.RequestContext, *policy.Effective, bool) {
	rc, err := policy.ParseHeaders(r.Header)
	if err != nil {
		api.WriteError(w, http.StatusBadRequest, api.CodePolicyError, err.Error(), requestID)
		return nil, nil, false
	}
	eff, err := policy.Derive(rc, s.registry, s.cfg.SensitivityOrder)
	if err != nil {
		var unknown *policy.ErrUnknownRole
		if errors.As(err, &unknown) {
			api.WriteError(w, http.StatusBadRequest, api.CodePolicyError, "unknown_role", requestID)
			return nil, nil, false
		}
		api.WriteInternal(w, requestID, err)
		return nil, nil, false
	}
	return rc, eff, true
}

// checkIdempotency replays a stored response when the key repeats with
// an identical scope. Returns replayed=true when the response has been
// written (replay or conflict).
func (s *Service) checkIdempotency(w http.ResponseWriter, r *http.Request, rawBody []byte, requestID string, eff *policy.Effective) (key, scopeFP string, replayed bool) {
	rawKey := r.Header.Get("Idempotency-Key")
	if rawKey == "" || s.idem == nil {
		return "", "", false
	}
	var body any
	_ = json.Unmarshal(rawBody, &body)
	key = api.IdemRedisKey(rawKey, "gateway")
	scopeFP, err := api.RequestScopeFP(api.ScopeBasis{
		Method:       r.Method,
		PathTemplate: "/v2/ask",
		Query:        r.URL.Query().Encode(),
		Body:         body,
		PolicyFP:     eff.Fingerprint(),
	})
	if err != nil {
		api.WriteInternal(w, requestID, err)
		return "", "", true
	}
	status, stored, hit, err := s.idem.Check(r.Context(), key, scopeFP)
	if errors.Is(err, api.ErrScopeMismatch) {
		api.WriteError(w, http.StatusConflict, api.CodeValidationFailed,
			"idempotency key reused with a different request scope", requestID)
		return "", "", true
	}
	if err != nil {
		slog.Warn("idempotency check failed", "request_id", requestID, "error", err)
		return key, scopeFP, false
	}
	if hit {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = w.Write(stored)
		return "", "", true
	}
	return key, scopeFP, false
}

// mirrorHeaders stamps the fingerprint and snapshot headers.
func (s *Service) mirrorHeaders(w http.ResponseWriter, rc *policy.RequestContext, eff *policy.Effective, resp *Response) {
	w.Header().Set(policy.HeaderPolicyFingerprint, eff.Fingerprint())
	w.Header().Set(policy.HeaderSchemaFP, validator.SchemaFingerprint())
	w.Header().Set("x-snapshot-etag", resp.Meta.SnapshotETag)
	w.Header().Set("x-trace-id", rc.TraceID)
	if fp, err := evidence.AllowedIDsFingerprint(resp.Evidence.AllowedIDs); err == nil {
		w.Header().Set(policy.HeaderAllowedIDsFP, fp)
	}
}

func warningsOf(report *validator.Report) []string {
	fatalSet := make(map[string]bool)
	for _, e := range report.FatalErrors() {
		fatalSet[e] = true
	}
	warnings := []string{}
	for _, e := range report.Errors {
		if !fatalSet[e] {
			warnings = append(warnings, e)
		}
	}
	return warnings
}

// writeUpstreamError maps a Memory client failure onto the taxonomy.
func writeUpstreamError(w http.ResponseWriter, requestID string, err error) {
	var upstream *memory.ErrUpstream
	if errors.As(err, &upstream) {
		api.WriteError(w, upstream.Status, upstream.Code, upstream.Message, requestID)
		return
	}
	if errors.Is(err, context.DeadlineExceeded) {
		api.WriteError(w, http.StatusGatewayTimeout, api.CodeUpstreamTimeout, "memory upstream timeout", requestID)
		return
	}
	api.WriteError(w, http.StatusServiceUnavailable, api.CodeStorageUnavailable, err.Error(), requestID)
}

package gateway

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/batvault/batvault/pkg/artifacts"
	"github.com/batvault/batvault/pkg/evidence"
	"github.com/batvault/batvault/pkg/gate"
	"github.com/batvault/batvault/pkg/llm"
	"github.com/batvault/batvault/pkg/policy"
	"github.com/batvault/batvault/pkg/validator"
)

// sealArtifacts assembles the per-request audit bundle, signs the
// manifest when a key is configured, persists everything and runs the
// full validator pass over the sealed bundle. Persistence failures
// degrade to an empty bundle URL; they never fail the answer.
func (s *Service) sealArtifacts(r *http.Request, requestID string, envelope *gate.PromptEnvelope, pre, post *evidence.Evidence, resp *Response, ans *llm.Answer, plan *gate.Plan, eff *policy.Effective) (*validator.Report, string) {
	b := artifacts.NewBundle(requestID)

	add := func(name string, v any) {
		if err := b.AddJSON(name, v); err != nil {
			slog.Warn("artifact encode failed", "name", name, "request_id", requestID, "error", err)
			b.AddRaw(name, []byte("null"))
		}
	}
	add(artifacts.NameEnvelope, envelope)
	add(artifacts.NameEvidencePre, pre)
	add(artifacts.NameEvidencePost, map[string]any{
		"evidence":           post,
		"_events_ranked_top": plan.EventsRankedTop,
		"_cited_ids_gate":    plan.CitedIDsGate,
		"_budget_cfg_fp":     plan.Fingerprints.BudgetCfgFP,
	})
	add(artifacts.NameResponse, resp)

	var rawLLM json.RawMessage
	if ans != nil {
		rawLLM = ans.Raw
	}
	add(artifacts.NameLLMRaw, map[string]any{
		"raw":       rawLLM,
		"last_call": llm.LastCall(),
	})

	// The stored report covers the answer-level checks; the returned
	// report additionally covers inventory, manifest and receipt. Each
	// validator pass runs under its own deadline.
	vctx, cancel := context.WithTimeout(r.Context(), s.cfg.TimeoutValidate)
	answerReport, err := validator.Validate(vctx, validator.Input{
		Evidence: post,
		Answer:   &resp.Answer,
		PolicyFP: eff.Fingerprint(),
	})
	cancel()
	if err != nil {
		slog.Error("validator failed", "request_id", requestID, "error", err)
		answerReport = &validator.Report{Version: validator.ReportVersion}
	}
	add(artifacts.NameValidatorReport, answerReport)

	manifest, receipt, bundleURL, sealErr := b.Seal(r.Context(), s.store, s.signer, "gateway")
	if sealErr != nil {
		slog.Warn("bundle seal failed", "request_id", requestID, "error", sealErr)
		bundleURL = ""
	}

	vctx, cancel = context.WithTimeout(r.Context(), s.cfg.TimeoutValidate)
	defer cancel()
	fullReport, err := validator.Validate(vctx, validator.Input{
		Evidence: post,
		Answer:   &resp.Answer,
		PolicyFP: eff.Fingerprint(),
		Items:    b.Items,
		Manifest: manifest,
		Receipt:  receipt,
		Verifier: s.verifier,
	})
	if err != nil {
		slog.Error("validator failed", "request_id", requestID, "error", err)
		fullReport = answerReport
	}

	s.bundles.Put(requestID, b)
	return fullReport, bundleURL
}

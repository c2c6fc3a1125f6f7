// Package validator runs the fixed post-LLM check sequence over a
// response bundle and, when a fatal violation is found, composes the
// deterministic templated fallback answer.
package validator

import (
	"context"
	"crypto/ed25519"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/batvault/batvault/pkg/artifacts"
	"github.com/batvault/batvault/pkg/evidence"
)

// ReportVersion identifies the check sequence in force.
const ReportVersion = "v1"

// Fatal error codes: any of these triggers fallback composition.
// Everything else is surfaced as a warning.
const (
	ErrLLMJSONInvalid    = "LLM_JSON_INVALID"
	ErrSchema            = "schema_error"
	ErrNotSubset         = "supporting_ids_not_subset"
	ErrMissingTransition = "supporting_ids_missing_transition"
	ErrAnchorMissing     = "anchor_missing_in_supporting_ids"
	ErrPolicyFPMissing   = "policy_fp_missing"
	ErrBundleIncomplete  = "bundle_incomplete"
	ErrReceiptInvalid    = "bundle_signature_invalid"
	ErrReceiptKeyMissing = "bundle_signature_missing_key"
	ErrManifestMismatch  = "manifest_mismatch"
)

var fatal = map[string]bool{
	ErrLLMJSONInvalid:    true,
	ErrSchema:            true,
	ErrNotSubset:         true,
	ErrMissingTransition: true,
	ErrAnchorMissing:     true,
}

// Check is one entry in the ordered check list.
type Check struct {
	Name   string   `json:"name"`
	Pass   bool     `json:"pass"`
	Errors []string `json:"errors,omitempty"`
}

// Report is the validator's output.
type Report struct {
	Version string   `json:"version"`
	Pass    bool     `json:"pass"`
	Errors  []string `json:"errors"`
	Checks  []Check  `json:"checks"`
}

// FatalErrors filters the report down to codes that force fallback.
func (r *Report) FatalErrors() []string {
	var out []string
	for _, e := range r.Errors {
		if code, _, found := cut(e); found && fatal[code] {
			out = append(out, e)
		} else if fatal[e] {
			out = append(out, e)
		}
	}
	return out
}

func cut(s string) (string, string, bool) {
	for i := 0; i < len(s); i++ {
		if s[i] == ':' {
			return s[:i], s[i+1:], true
		}
	}
	return s, "", false
}

// Input is everything the validator inspects for one response.
type Input struct {
	Evidence *evidence.Evidence
	Answer   *evidence.Answer
	PolicyFP string

	// Artifact bundle (optional; nil skips inventory and manifest checks).
	Items    map[string][]byte
	Manifest *artifacts.Manifest
	Receipt  *artifacts.Receipt
	Verifier ed25519.PublicKey
}

var requiredArtifacts = []string{
	artifacts.NameEnvelope,
	artifacts.NameEvidencePre,
	artifacts.NameEvidencePost,
	artifacts.NameResponse,
	artifacts.NameLLMRaw,
	artifacts.NameValidatorReport,
}

var orderedChecks = []struct {
	name string
	run  func(Input) []string
}{
	{"bundle_schema", checkBundleSchema},
	{"policy_fp_presence", checkPolicyFP},
	{"bundle_inventory", checkInventory},
	{"receipt_signature", checkReceipt},
	{"manifest_integrity", checkManifest},
	// Edge shape is already covered by the bundle schema.
	{"edge_schema", func(Input) []string { return nil }},
	{"cited_ids_subset", checkSubset},
}

// Validate runs the checks in their fixed order, stopping when ctx
// expires. It always returns a report; the error return is reserved
// for internal faults and deadline expiry.
func Validate(ctx context.Context, in Input) (*Report, error) {
	report := &Report{Version: ReportVersion, Pass: true}
	for _, c := range orderedChecks {
		if err := ctx.Err(); err != nil {
			return report, fmt.Errorf("validator: %s: %w", c.name, err)
		}
		errs := c.run(in)
		report.Checks = append(report.Checks, Check{Name: c.name, Pass: len(errs) == 0, Errors: errs})
		if len(errs) > 0 {
			report.Pass = false
			report.Errors = append(report.Errors, errs...)
		}
	}
	return report, nil
}

func checkBundleSchema(in Input) []string {
	if in.Evidence == nil || in.Answer == nil {
		return []string{ErrSchema + ": evidence or answer missing"}
	}
	raw, err := json.Marshal(map[string]any{
		"evidence": in.Evidence,
		"answer":   in.Answer,
	})
	if err != nil {
		return []string{fmt.Sprintf("%s: encode: %v", ErrSchema, err)}
	}
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return []string{fmt.Sprintf("%s: decode: %v", ErrSchema, err)}
	}
	if err := bundleSchema.Validate(doc); err != nil {
		return []string{fmt.Sprintf("%s: %v", ErrSchema, err)}
	}
	return nil
}

func checkPolicyFP(in Input) []string {
	if in.PolicyFP == "" {
		return []string{ErrPolicyFPMissing + ": response meta lacks policy fingerprint"}
	}
	return nil
}

func checkInventory(in Input) []string {
	if in.Items == nil {
		return nil
	}
	var errs []string
	for _, name := range requiredArtifacts {
		if _, ok := in.Items[name]; !ok {
			errs = append(errs, fmt.Sprintf("%s: %s missing", ErrBundleIncomplete, name))
		}
	}
	return errs
}

func checkReceipt(in Input) []string {
	if in.Receipt == nil || in.Manifest == nil {
		return nil
	}
	err := artifacts.VerifyReceipt(in.Manifest, in.Receipt, in.Verifier)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, artifacts.ErrVerifierKeyMissing):
		return []string{ErrReceiptKeyMissing + ": " + err.Error()}
	default:
		return []string{ErrReceiptInvalid + ": " + err.Error()}
	}
}

func checkManifest(in Input) []string {
	if in.Manifest == nil || in.Items == nil {
		return nil
	}
	return artifacts.VerifyManifest(in.Manifest, in.Items)
}

func checkSubset(in Input) []string {
	if in.Evidence == nil || in.Answer == nil {
		return nil // already failed the schema check
	}
	allowed := make(map[string]bool, len(in.Evidence.AllowedIDs))
	for _, id := range in.Evidence.AllowedIDs {
		allowed[id] = true
	}
	var errs []string
	for _, id := range in.Answer.CitedIDs {
		if !allowed[id] {
			errs = append(errs, fmt.Sprintf("%s: %s not in allowed_ids", ErrNotSubset, id))
		}
	}
	anchorID := in.Evidence.AnchorID()
	cited := false
	for _, id := range in.Answer.CitedIDs {
		if id == anchorID {
			cited = true
			break
		}
	}
	if !cited {
		errs = append(errs, fmt.Sprintf("%s: %s", ErrAnchorMissing, anchorID))
	}
	return errs
}

package gate

import (
	"fmt"

	"github.com/batvault/batvault/pkg/canonjson"
	"github.com/batvault/batvault/pkg/evidence"
)

// PromptEnvelope is the canonical prompt handed to the LLM router.
// prompt_fp is computed over its canonical bytes, so two requests with
// identical trimmed evidence share a fingerprint.
type PromptEnvelope struct {
	PromptID    string             `json:"prompt_id"`
	Intent      string             `json:"intent"`
	Question    string             `json:"question"`
	Evidence    *evidence.Evidence `json:"evidence"`
	AllowedIDs  []string           `json:"allowed_ids"`
	Constraints Constraints        `json:"constraints"`
}

// Constraints bound the answer the model may produce.
type Constraints struct {
	MaxChars     int `json:"max_chars"`
	MaxSentences int `json:"max_sentences"`
}

// BuildEnvelope assembles the canonical envelope for a trimmed bundle.
func BuildEnvelope(promptID string, ev *evidence.Evidence, maxChars, maxSentences int) *PromptEnvelope {
	return &PromptEnvelope{
		PromptID:   promptID,
		Intent:     evidence.IntentWhyDecision,
		Question:   fmt.Sprintf("Why was decision %s made?", ev.AnchorID()),
		Evidence:   ev,
		AllowedIDs: ev.AllowedIDs,
		Constraints: Constraints{
			MaxChars:     maxChars,
			MaxSentences: maxSentences,
		},
	}
}

// Fingerprint returns the sha256: prompt fingerprint.
func (p *PromptEnvelope) Fingerprint() (string, error) {
	return canonjson.Fingerprint(p)
}

// Render returns the canonical JSON body sent as the user message.
func (p *PromptEnvelope) Render() ([]byte, error) {
	return canonjson.Bytes(p)
}

// EstimateTokens approximates the token count of rendered bytes with
// the 4-bytes-per-token heuristic both adapters use.
func EstimateTokens(rendered []byte) int {
	return (len(rendered) + 3) / 4
}

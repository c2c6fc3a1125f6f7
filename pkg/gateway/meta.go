package gateway

import (
	"github.com/batvault/batvault/pkg/evidence"
)

// Version is reported as meta.gateway_version.
const Version = "2.0.0"

// Resolver paths reported in meta.
const (
	ResolverDirect   = "direct"
	ResolverSearch   = "resolve_text"
	ResolverSupplied = "evidence_supplied"
)

// EvidenceMetrics explains the bundle that backed an answer.
type EvidenceMetrics struct {
	BundleSizeBytes int    `json:"bundle_size_bytes"`
	SelectorPolicy  string `json:"selector_policy"`
	TransitionCount int    `json:"transition_count"`
	AliasEventCount int    `json:"alias_event_count"`
}

// Meta is the canonical response meta block. Every field is populated
// on every answer, fallback included.
type Meta struct {
	RequestID           string          `json:"request_id"`
	PolicyID            string          `json:"policy_id"`
	PromptID            string          `json:"prompt_id"`
	PromptFingerprint   string          `json:"prompt_fingerprint"`
	BundleFingerprint   string          `json:"bundle_fingerprint"`
	BundleSizeBytes     int             `json:"bundle_size_bytes"`
	PromptTokens        int             `json:"prompt_tokens"`
	MaxTokens           int             `json:"max_tokens"`
	EvidenceTokens      int             `json:"evidence_tokens"`
	SnapshotETag        string          `json:"snapshot_etag"`
	GatewayVersion      string          `json:"gateway_version"`
	SelectorModelID     string          `json:"selector_model_id"`
	FallbackUsed        bool            `json:"fallback_used"`
	FallbackReason      string          `json:"fallback_reason,omitempty"`
	Retries             int             `json:"retries"`
	LatencyMS           int64           `json:"latency_ms"`
	ValidatorErrorCount int             `json:"validator_error_count"`
	ValidatorWarnings   []string        `json:"validator_warnings"`
	EvidenceMetrics     EvidenceMetrics `json:"evidence_metrics"`
	EventsTotal         int             `json:"events_total"`
	EventsTruncated     bool            `json:"events_truncated"`
	SnapshotAvailable   bool            `json:"snapshot_available"`
	LoadShed            bool            `json:"load_shed"`
	TraceID             string          `json:"trace_id,omitempty"`
	SpanID              string          `json:"span_id,omitempty"`
	ResolverPath        string          `json:"resolver_path"`
}

// Response is the WhyDecisionResponse envelope.
type Response struct {
	Intent            string                     `json:"intent"`
	Evidence          *evidence.Evidence         `json:"evidence"`
	Answer            evidence.Answer            `json:"answer"`
	CompletenessFlags evidence.CompletenessFlags `json:"completeness_flags"`
	Meta              Meta                       `json:"meta"`
	BundleURL         string                     `json:"bundle_url,omitempty"`
}

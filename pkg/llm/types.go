// Package llm routes why-decision prompts to a control or canary
// endpoint with bounded retries and a safety clamp on the returned
// JSON. Model failures never escape this package as errors the caller
// must surface; they become canonical error codes the validator turns
// into a deterministic fallback answer.
package llm

import (
	"context"
	"encoding/json"
	"sync"
)

// Canonical error codes for failed or skipped calls.
const (
	ErrLLMOff              = "llm_off"
	ErrEndpointUnreachable = "endpoint_unreachable"
	ErrTimeout             = "timeout"
	ErrHTTPError           = "http_error"
	ErrParseError          = "parse_error"
	ErrStubAnswer          = "stub_answer"
	ErrNoRawJSON           = "no_raw_json"
	ErrLLMUnavailable      = "llm_unavailable"
)

// Mode gates whether the router calls out at all.
type Mode string

const (
	ModeOff  Mode = "off"
	ModeOn   Mode = "on"
	ModeAuto Mode = "auto"
)

// Message is one chat turn.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Request is one rendered model call.
type Request struct {
	Messages  []Message
	MaxTokens int
}

// RawResult is what an adapter returns before clamping.
type RawResult struct {
	Text string // model output, expected to be a JSON object
}

// Adapter is one model transport (vLLM chat or TGI prompt-string).
type Adapter interface {
	Name() string
	Generate(ctx context.Context, endpoint, model string, req Request) (*RawResult, error)
}

// Answer is the clamped, parsed model answer.
type Answer struct {
	ShortAnswer   string          `json:"short_answer"`
	SupportingIDs []string        `json:"supporting_ids"`
	Raw           json.RawMessage `json:"-"`
}

// CallInfo is the last-call telemetry. Per-process, last-writer-wins;
// it describes only the immediately preceding call.
type CallInfo struct {
	Model     string `json:"model"`
	Canary    bool   `json:"canary"`
	LatencyMS int64  `json:"latency_ms"`
	Endpoint  string `json:"endpoint"`
	Adapter   string `json:"adapter"`
	Attempt   int    `json:"attempt"`
	ErrorCode string `json:"error_code,omitempty"`
}

var (
	lastCallMu sync.Mutex
	lastCall   CallInfo
)

// LastCall returns the telemetry of the most recent call.
func LastCall() CallInfo {
	lastCallMu.Lock()
	defer lastCallMu.Unlock()
	return lastCall
}

func recordCall(info CallInfo) {
	lastCallMu.Lock()
	lastCall = info
	lastCallMu.Unlock()
}

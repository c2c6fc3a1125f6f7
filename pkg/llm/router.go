package llm

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"
)

// Config wires the router.
type Config struct {
	Mode            Mode
	ControlEndpoint string
	ControlModel    string
	CanaryEndpoint  string
	CanaryModel     string
	CanaryEnabled   bool
	CanaryPct       int // 0..100
	Retries         int // additional attempts after the first, capped at 2
	ContextWindow   int
	GuardTokens     int
	Timeout         time.Duration
}

// Outcome summarises a routed call for meta assembly.
type Outcome struct {
	Code         string // empty on success
	Retries      int    // attempts minus one
	PromptTokens int
	MaxTokens    int
	LatencyMS    int64
}

// Router dispatches prompt envelopes with canary splitting, bounded
// retries and a fail-safe clamp. One Router is shared per process; the
// HTTP client underneath is reconstructed lazily if closed.
type Router struct {
	cfg    Config
	client *http.Client
}

// NewRouter builds a router. Retries above 2 are clamped.
func NewRouter(cfg Config) *Router {
	if cfg.Retries < 0 {
		cfg.Retries = 0
	}
	if cfg.Retries > 2 {
		cfg.Retries = 2
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 1500 * time.Millisecond
	}
	return &Router{cfg: cfg, client: &http.Client{Timeout: cfg.Timeout}}
}

// InCanary decides the cohort: the header override forces canary,
// otherwise a stable hash of the request id lands below CanaryPct.
func (r *Router) InCanary(requestID string, headerOverride bool) bool {
	if !r.cfg.CanaryEnabled || r.cfg.CanaryEndpoint == "" {
		return false
	}
	if headerOverride {
		return true
	}
	sum := sha256.Sum256([]byte(requestID))
	bucket := binary.BigEndian.Uint32(sum[:4]) % 100
	return int(bucket) < r.cfg.CanaryPct
}

// Call sends the rendered prompt once, with at most cfg.Retries extra
// attempts. A nil Answer with a non-empty Outcome.Code means the
// caller must compose the deterministic fallback.
func (r *Router) Call(ctx context.Context, requestID string, messages []Message, plannedTokens int, allowedIDs []string, headerOverride bool) (*Answer, Outcome) {
	if r.cfg.Mode == ModeOff {
		out := Outcome{Code: ErrLLMOff}
		recordCall(CallInfo{ErrorCode: ErrLLMOff})
		return nil, out
	}

	canary := r.InCanary(requestID, headerOverride)
	endpoint, model := r.cfg.ControlEndpoint, r.cfg.ControlModel
	if canary {
		endpoint, model = r.cfg.CanaryEndpoint, r.cfg.CanaryModel
	}
	if endpoint == "" {
		out := Outcome{Code: ErrLLMUnavailable}
		recordCall(CallInfo{Canary: canary, ErrorCode: ErrLLMUnavailable})
		return nil, out
	}

	promptTokens := estimateMessages(messages)
	maxTokens := clampTokens(plannedTokens, promptTokens, r.cfg.ContextWindow, r.cfg.GuardTokens)

	start := time.Now()
	var lastCode string
	halved := false
	attempt := 0
	for attempt <= r.cfg.Retries {
		adapter := PickAdapter(endpoint, r.client)
		raw, err := adapter.Generate(ctx, endpoint, model, Request{Messages: messages, MaxTokens: maxTokens})
		latency := time.Since(start).Milliseconds()
		if err == nil {
			answer, code := clampAnswer(raw.Text, allowedIDs)
			info := CallInfo{
				Model: model, Canary: canary, LatencyMS: latency,
				Endpoint: endpoint, Adapter: adapter.Name(), Attempt: attempt, ErrorCode: code,
			}
			recordCall(info)
			out := Outcome{Code: code, Retries: attempt, PromptTokens: promptTokens, MaxTokens: maxTokens, LatencyMS: latency}
			if code != "" {
				return nil, out
			}
			return answer, out
		}

		lastCode = classify(err)
		recordCall(CallInfo{
			Model: model, Canary: canary, LatencyMS: latency,
			Endpoint: endpoint, Adapter: adapter.Name(), Attempt: attempt, ErrorCode: lastCode,
		})

		// Canary failing its first attempt reroutes to control.
		if canary && attempt == 0 && r.cfg.ControlEndpoint != "" {
			canary = false
			endpoint, model = r.cfg.ControlEndpoint, r.cfg.ControlModel
			attempt++
			continue
		}

		var httpErr *errHTTPStatus
		if errors.As(err, &httpErr) && httpErr.tokenOverflow() && !halved {
			// Token overflow: halve the budget and retry immediately, once.
			halved = true
			maxTokens /= 2
			if maxTokens < 1 {
				maxTokens = 1
			}
			attempt++
			continue
		}

		attempt++
		if attempt > r.cfg.Retries {
			break
		}
		select {
		case <-ctx.Done():
			return nil, Outcome{Code: ErrTimeout, Retries: attempt - 1, PromptTokens: promptTokens, MaxTokens: maxTokens, LatencyMS: time.Since(start).Milliseconds()}
		case <-time.After(retryBackoff(requestID, attempt)):
		}
	}

	return nil, Outcome{
		Code: lastCode, Retries: attempt - 1,
		PromptTokens: promptTokens, MaxTokens: maxTokens,
		LatencyMS: time.Since(start).Milliseconds(),
	}
}

// classify maps transport failures onto the canonical code enum.
func classify(err error) string {
	var httpErr *errHTTPStatus
	switch {
	case errors.As(err, &httpErr):
		return ErrHTTPError
	case errors.Is(err, context.DeadlineExceeded):
		return ErrTimeout
	case errors.Is(err, context.Canceled):
		return ErrTimeout
	default:
		return ErrEndpointUnreachable
	}
}

// retryBackoff is a deterministic 50-300 ms jitter seeded by the
// request id and attempt index.
func retryBackoff(requestID string, attempt int) time.Duration {
	sum := sha256.Sum256(fmt.Appendf(nil, "%s:%d", requestID, attempt))
	jitter := binary.BigEndian.Uint64(sum[:8]) % 250
	return time.Duration(50+jitter) * time.Millisecond
}

func clampTokens(planned, promptTokens, window, guard int) int {
	budget := window - promptTokens - guard
	if budget < 1 {
		budget = 1
	}
	if planned > 0 && planned < budget {
		return planned
	}
	return budget
}

func estimateMessages(messages []Message) int {
	total := 0
	for _, m := range messages {
		total += len(m.Role) + len(m.Content)
	}
	return (total + 3) / 4
}

// clampAnswer parses the model JSON and applies the safety clamp:
// supporting ids outside the allow-list are dropped and the short
// answer is truncated to 320 characters. Returns an error code when
// the output is unusable.
func clampAnswer(text string, allowedIDs []string) (*Answer, string) {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return nil, ErrNoRawJSON
	}
	// Models occasionally wrap the object in prose; take the outermost
	// braces.
	if i := strings.IndexByte(trimmed, '{'); i > 0 {
		if j := strings.LastIndexByte(trimmed, '}'); j > i {
			trimmed = trimmed[i : j+1]
		}
	}
	var answer Answer
	if err := json.Unmarshal([]byte(trimmed), &answer); err != nil {
		return nil, ErrParseError
	}
	answer.Raw = json.RawMessage(trimmed)

	allowed := make(map[string]bool, len(allowedIDs))
	for _, id := range allowedIDs {
		allowed[id] = true
	}
	kept := answer.SupportingIDs[:0]
	for _, id := range answer.SupportingIDs {
		if allowed[id] {
			kept = append(kept, id)
		}
	}
	answer.SupportingIDs = kept

	// Character count, not bytes: a cut must never split a rune.
	if utf8.RuneCountInString(answer.ShortAnswer) > 320 {
		answer.ShortAnswer = string([]rune(answer.ShortAnswer)[:320])
	}
	return &answer, ""
}

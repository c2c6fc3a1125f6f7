// Package gateway answers /v2/ask: evidence collection via Memory,
// deterministic selector and budget gate, canary-routed LLM invocation,
// validator-driven fallback and the canonical response envelope with
// fingerprints, meta and an artifact bundle.
package gateway

import (
	"context"
	"crypto/ed25519"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/batvault/batvault/pkg/api"
	"github.com/batvault/batvault/pkg/artifacts"
	"github.com/batvault/batvault/pkg/cache"
	"github.com/batvault/batvault/pkg/config"
	"github.com/batvault/batvault/pkg/llm"
	"github.com/batvault/batvault/pkg/memory"
	"github.com/batvault/batvault/pkg/policy"
)

// Service owns the Gateway endpoints.
type Service struct {
	cfg      *config.Config
	cache    *cache.Cache
	bundles  *cache.LRU // request_id → *artifacts.Bundle
	store    artifacts.Store
	registry *policy.Registry
	router   *llm.Router
	idem     *api.IdempotencyStore
	httpc    *http.Client

	// Optional Ed25519 bundle signing.
	signer   ed25519.PrivateKey
	verifier ed25519.PublicKey
}

// NewService wires the gateway. signer may be nil (unsigned bundles).
func NewService(cfg *config.Config, c *cache.Cache, store artifacts.Store, registry *policy.Registry, idem *api.IdempotencyStore, signer ed25519.PrivateKey) *Service {
	mode := llm.Mode(cfg.LLMMode)
	if mode == llm.ModeAuto && cfg.ControlLLMEndpoint == "" {
		mode = llm.ModeOff
	}
	s := &Service{
		cfg:      cfg,
		cache:    c,
		bundles:  cache.NewLRU(200, cfg.TTLSchemaCache),
		store:    store,
		registry: registry,
		idem:     idem,
		httpc:    &http.Client{Timeout: 10 * time.Second},
		signer:   signer,
		router: llm.NewRouter(llm.Config{
			Mode:            mode,
			ControlEndpoint: cfg.ControlLLMEndpoint,
			ControlModel:    cfg.ControlLLMModel,
			CanaryEndpoint:  cfg.CanaryLLMEndpoint,
			CanaryModel:     cfg.CanaryLLMModel,
			CanaryEnabled:   cfg.CanaryEnabled,
			CanaryPct:       cfg.CanaryPct,
			Retries:         2,
			ContextWindow:   cfg.ControlContextWindow,
			GuardTokens:     cfg.ControlPromptGuardTokens,
			Timeout:         cfg.TimeoutLLM,
		}),
	}
	if signer != nil {
		s.verifier = signer.Public().(ed25519.PublicKey)
	}
	return s
}

// Handler builds the route table behind the shared middleware chain.
func (s *Service) Handler() http.Handler {
	limiter := api.NewRateLimiter(50, 100)
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealthz)
	mux.HandleFunc("POST /v2/ask", s.handleAsk)
	mux.HandleFunc("POST /v2/query", s.handleQuery)
	mux.HandleFunc("GET /v2/bundles/{request_id}", s.handleBundle)
	return api.Chain(mux, api.RequestIDMiddleware, limiter.Middleware)
}

func (s *Service) handleHealthz(w http.ResponseWriter, r *http.Request) {
	api.WriteJSON(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"version":   Version,
		"load_shed": s.shouldLoadShed(r.Context()),
	})
}

// handleBundle serves a request-scoped artifact bundle from the LRU.
func (s *Service) handleBundle(w http.ResponseWriter, r *http.Request) {
	requestID := r.PathValue("request_id")
	v, ok := s.bundles.Get(requestID)
	if !ok {
		api.WriteError(w, http.StatusNotFound, api.CodeNotFound, "bundle expired or unknown", api.RequestID(r.Context()))
		return
	}
	bundle := v.(*artifacts.Bundle)
	out := make(map[string]any, len(bundle.Items))
	for name, data := range bundle.Items {
		out[name] = json.RawMessage(data)
	}
	api.WriteJSON(w, http.StatusOK, out)
}

// shouldLoadShed samples Redis latency and the upstream Memory health.
// /v2/query refuses work when shedding; /v2/ask completes on the
// LLM-off path instead.
func (s *Service) shouldLoadShed(ctx context.Context) bool {
	probeCtx, cancel := context.WithTimeout(ctx, s.cfg.LoadShedPingThreshold*3)
	defer cancel()
	if latency, err := s.cache.Ping(probeCtx); err == nil && latency > s.cfg.LoadShedPingThreshold {
		return true
	}
	client := memory.NewClient(s.cfg.MemoryURL, s.httpc, http.Header{})
	return !client.Healthy(probeCtx)
}

func retryAfterHeader(w http.ResponseWriter, seconds int) {
	w.Header().Set("Retry-After", strconv.Itoa(seconds))
}

// Package config reads BatVault's environment surface once at startup.
// Every knob has a documented default; services never read the
// environment elsewhere.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config is the effective runtime configuration.
type Config struct {
	// Prompt and answer budgets.
	ControlContextWindow      int // CONTROL_CONTEXT_WINDOW
	ControlCompletionTokens   int // CONTROL_COMPLETION_TOKENS
	ControlPromptGuardTokens  int // CONTROL_PROMPT_GUARD_TOKENS
	ShortAnswerMaxChars       int // SHORT_ANSWER_MAX_CHARS
	ShortAnswerMaxSentences   int // SHORT_ANSWER_MAX_SENTENCES
	SelectorTruncationTokens  int // SELECTOR_TRUNCATION_THRESHOLD_TOKENS

	// Cache TTLs.
	TTLResolverCache time.Duration // TTL_RESOLVER_CACHE_SEC
	TTLExpandCache   time.Duration // TTL_EXPAND_CACHE_SEC
	TTLEvidenceCache time.Duration // TTL_EVIDENCE_CACHE_SEC
	TTLSchemaCache   time.Duration // TTL_SCHEMA_CACHE_SEC

	// Per-stage timeouts.
	TimeoutSearch   time.Duration // TIMEOUT_SEARCH_MS
	TimeoutExpand   time.Duration // TIMEOUT_EXPAND_MS
	TimeoutEnrich   time.Duration // TIMEOUT_ENRICH_MS
	TimeoutLLM      time.Duration // TIMEOUT_LLM_MS
	TimeoutValidate time.Duration // TIMEOUT_VALIDATE_MS

	// Upstream retry shaping.
	HTTPRetryBase   time.Duration // HTTP_RETRY_BASE_MS
	HTTPRetryJitter time.Duration // HTTP_RETRY_JITTER_MS

	// Backends.
	StorageDSN    string // ARANGO_DSN (storage adapter DSN)
	StorageDev    bool   // ARANGO_DEV_MODE
	RedisURL      string // REDIS_URL
	MinioEndpoint string // MINIO_ENDPOINT
	MinioBucket   string // MINIO_BUCKET
	MinioRegion   string // MINIO_REGION
	ArtifactDir   string // fallback file store when MinIO is unset

	// LLM routing.
	LLMMode              string // LLM_MODE: off|on|auto
	ControlLLMEndpoint   string // CONTROL_LLM_ENDPOINT
	ControlLLMModel      string // CONTROL_LLM_MODEL
	CanaryLLMEndpoint    string // CANARY_LLM_ENDPOINT
	CanaryLLMModel       string // CANARY_LLM_MODEL
	CanaryPct            int    // CANARY_PCT 0..100
	CanaryEnabled        bool   // CANARY_ENABLED
	CanaryHeaderOverride string // CANARY_HEADER_OVERRIDE

	// Embeddings and policy.
	EmbeddingsEndpoint string   // EMBEDDINGS_ENDPOINT
	EnableEmbeddings   bool     // ENABLE_EMBEDDINGS
	SensitivityOrder   []string // SENSITIVITY_ORDER, comma-separated ascending
	PolicyDir          string   // POLICY_DIR
	CiteAllIDs         bool     // CITE_ALL_IDS

	// Service addresses.
	MemoryAddr  string // MEMORY_ADDR
	GatewayAddr string // GATEWAY_ADDR
	MemoryURL   string // MEMORY_URL (gateway's upstream)

	// Load shedding and shutdown.
	LoadShedPingThreshold time.Duration // LOAD_SHED_REDIS_PING_MS
	SWRDrain              time.Duration // SWR_DRAIN_SEC
}

// Load reads the environment and applies defaults.
func Load() *Config {
	return &Config{
		ControlContextWindow:     envInt("CONTROL_CONTEXT_WINDOW", 2048),
		ControlCompletionTokens:  envInt("CONTROL_COMPLETION_TOKENS", 512),
		ControlPromptGuardTokens: envInt("CONTROL_PROMPT_GUARD_TOKENS", 32),
		ShortAnswerMaxChars:      envInt("SHORT_ANSWER_MAX_CHARS", 320),
		ShortAnswerMaxSentences:  envInt("SHORT_ANSWER_MAX_SENTENCES", 2),
		SelectorTruncationTokens: envIntMin("SELECTOR_TRUNCATION_THRESHOLD_TOKENS", 256, 256),

		TTLResolverCache: envSeconds("TTL_RESOLVER_CACHE_SEC", 300),
		TTLExpandCache:   envSeconds("TTL_EXPAND_CACHE_SEC", 60),
		TTLEvidenceCache: envSeconds("TTL_EVIDENCE_CACHE_SEC", 900),
		TTLSchemaCache:   envSeconds("TTL_SCHEMA_CACHE_SEC", 600),

		TimeoutSearch:   envMillis("TIMEOUT_SEARCH_MS", 800),
		TimeoutExpand:   envMillis("TIMEOUT_EXPAND_MS", 250),
		TimeoutEnrich:   envMillis("TIMEOUT_ENRICH_MS", 600),
		TimeoutLLM:      envMillis("TIMEOUT_LLM_MS", 1500),
		TimeoutValidate: envMillis("TIMEOUT_VALIDATE_MS", 300),

		HTTPRetryBase:   envMillis("HTTP_RETRY_BASE_MS", 50),
		HTTPRetryJitter: envMillis("HTTP_RETRY_JITTER_MS", 200),

		StorageDSN:    envStr("ARANGO_DSN", "file:batvault.db?cache=shared"),
		StorageDev:    envBool("ARANGO_DEV_MODE", false),
		RedisURL:      envStr("REDIS_URL", ""),
		MinioEndpoint: envStr("MINIO_ENDPOINT", ""),
		MinioBucket:   envStr("MINIO_BUCKET", "batvault-artifacts"),
		MinioRegion:   envStr("MINIO_REGION", "us-east-1"),
		ArtifactDir:   envStr("ARTIFACT_DIR", "artifacts"),

		LLMMode:              envStr("LLM_MODE", "auto"),
		ControlLLMEndpoint:   envStr("CONTROL_LLM_ENDPOINT", ""),
		ControlLLMModel:      envStr("CONTROL_LLM_MODEL", "control"),
		CanaryLLMEndpoint:    envStr("CANARY_LLM_ENDPOINT", ""),
		CanaryLLMModel:       envStr("CANARY_LLM_MODEL", "canary"),
		CanaryPct:            envIntRange("CANARY_PCT", 0, 0, 100),
		CanaryEnabled:        envBool("CANARY_ENABLED", false),
		CanaryHeaderOverride: envStr("CANARY_HEADER_OVERRIDE", "X-BV-Canary"),

		EmbeddingsEndpoint: envStr("EMBEDDINGS_ENDPOINT", ""),
		EnableEmbeddings:   envBool("ENABLE_EMBEDDINGS", false),
		SensitivityOrder:   envList("SENSITIVITY_ORDER", []string{"low", "medium", "high"}),
		PolicyDir:          envStr("POLICY_DIR", "policies"),
		CiteAllIDs:         envBool("CITE_ALL_IDS", false),

		MemoryAddr:  envStr("MEMORY_ADDR", ":8081"),
		GatewayAddr: envStr("GATEWAY_ADDR", ":8080"),
		MemoryURL:   envStr("MEMORY_URL", "http://localhost:8081"),

		LoadShedPingThreshold: envMillis("LOAD_SHED_REDIS_PING_MS", 100),
		SWRDrain:              envSeconds("SWR_DRAIN_SEC", 5),
	}
}

func envStr(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func envIntMin(key string, fallback, minimum int) int {
	n := envInt(key, fallback)
	if n < minimum {
		return minimum
	}
	return n
}

func envIntRange(key string, fallback, lo, hi int) int {
	n := envInt(key, fallback)
	if n < lo {
		return lo
	}
	if n > hi {
		return hi
	}
	return n
}

func envBool(key string, fallback bool) bool {
	v := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	switch v {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	}
	return fallback
}

func envSeconds(key string, fallback int) time.Duration {
	return time.Duration(envInt(key, fallback)) * time.Second
}

func envMillis(key string, fallback int) time.Duration {
	return time.Duration(envInt(key, fallback)) * time.Millisecond
}

func envList(key string, fallback []string) []string {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return fallback
	}
	return out
}

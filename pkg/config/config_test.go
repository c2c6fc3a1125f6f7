package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLoad_Defaults(t *testing.T) {
	cfg := Load()

	assert.Equal(t, 2048, cfg.ControlContextWindow)
	assert.Equal(t, 512, cfg.ControlCompletionTokens)
	assert.Equal(t, 320, cfg.ShortAnswerMaxChars)
	assert.Equal(t, 2, cfg.ShortAnswerMaxSentences)
	assert.Equal(t, 256, cfg.SelectorTruncationTokens)

	assert.Equal(t, 5*time.Minute, cfg.TTLResolverCache)
	assert.Equal(t, 15*time.Minute, cfg.TTLEvidenceCache)
	assert.Equal(t, 800*time.Millisecond, cfg.TimeoutSearch)
	assert.Equal(t, 1500*time.Millisecond, cfg.TimeoutLLM)

	assert.Equal(t, "file:batvault.db?cache=shared", cfg.StorageDSN)
	assert.Equal(t, "auto", cfg.LLMMode)
	assert.Equal(t, "X-BV-Canary", cfg.CanaryHeaderOverride)
	assert.Equal(t, []string{"low", "medium", "high"}, cfg.SensitivityOrder)
	assert.Equal(t, ":8081", cfg.MemoryAddr)
	assert.Equal(t, ":8080", cfg.GatewayAddr)
	assert.False(t, cfg.CanaryEnabled)
	assert.False(t, cfg.EnableEmbeddings)
}

func TestLoad_EnvironmentOverrides(t *testing.T) {
	t.Setenv("CONTROL_CONTEXT_WINDOW", "8192")
	t.Setenv("LLM_MODE", "off")
	t.Setenv("CANARY_PCT", "250")
	t.Setenv("SELECTOR_TRUNCATION_THRESHOLD_TOKENS", "10")
	t.Setenv("SENSITIVITY_ORDER", "public, internal ,secret")
	t.Setenv("CANARY_ENABLED", "yes")
	t.Setenv("TTL_EXPAND_CACHE_SEC", "bogus")

	cfg := Load()
	assert.Equal(t, 8192, cfg.ControlContextWindow)
	assert.Equal(t, "off", cfg.LLMMode)
	assert.Equal(t, 100, cfg.CanaryPct, "pct clamps to the valid range")
	assert.Equal(t, 256, cfg.SelectorTruncationTokens, "floor holds")
	assert.Equal(t, []string{"public", "internal", "secret"}, cfg.SensitivityOrder)
	assert.True(t, cfg.CanaryEnabled)
	assert.Equal(t, time.Minute, cfg.TTLExpandCache, "unparseable values fall back")
}

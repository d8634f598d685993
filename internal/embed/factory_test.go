package embed

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ============================================================================
// Factory Environment Variable Tests
// ============================================================================

func TestNewEmbedder_OllamaTimeoutEnvVar(t *testing.T) {
	tests := []struct {
		name     string
		envValue string
		want     time.Duration
	}{
		{name: "valid duration seconds", envValue: "120s", want: 120 * time.Second},
		{name: "valid duration minutes", envValue: "5m", want: 5 * time.Minute},
		{name: "invalid duration uses default", envValue: "invalid", want: DefaultTimeout},
		{name: "empty uses default", envValue: "", want: DefaultTimeout},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			orig := os.Getenv("LEXID_OLLAMA_TIMEOUT")
			defer os.Setenv("LEXID_OLLAMA_TIMEOUT", orig)

			if tt.envValue != "" {
				os.Setenv("LEXID_OLLAMA_TIMEOUT", tt.envValue)
			} else {
				os.Unsetenv("LEXID_OLLAMA_TIMEOUT")
			}

			cfg := DefaultOllamaConfig()
			if timeoutStr := os.Getenv("LEXID_OLLAMA_TIMEOUT"); timeoutStr != "" {
				if timeout, err := time.ParseDuration(timeoutStr); err == nil {
					cfg.Timeout = timeout
				}
			}

			assert.Equal(t, tt.want, cfg.Timeout)
		})
	}
}

func TestNewEmbedder_StaticProvider_DoesNotNeedTimeout(t *testing.T) {
	ctx := context.Background()
	embedder, err := NewEmbedder(ctx, ProviderStatic, "")
	require.NoError(t, err)
	defer embedder.Close()

	assert.Equal(t, "static768", embedder.ModelName())
	assert.True(t, embedder.Available(ctx))
}

// ============================================================================
// Batch-progression config tests
// ============================================================================

func TestSetThermalConfig_AppliesConfigFileSettings(t *testing.T) {
	origConfig := globalThermalConfig
	defer func() { globalThermalConfig = origConfig }()

	cfg := ThermalConfig{
		InterBatchDelay:        500 * time.Millisecond,
		TimeoutProgression:     2.0,
		RetryTimeoutMultiplier: 1.5,
	}

	SetThermalConfig(cfg)

	assert.Equal(t, 500*time.Millisecond, globalThermalConfig.InterBatchDelay)
	assert.Equal(t, 2.0, globalThermalConfig.TimeoutProgression)
	assert.Equal(t, 1.5, globalThermalConfig.RetryTimeoutMultiplier)
}

func TestSetThermalConfig_EnvVarsOverrideConfigFile(t *testing.T) {
	origDelay := os.Getenv("LEXID_INTER_BATCH_DELAY")
	origProg := os.Getenv("LEXID_TIMEOUT_PROGRESSION")
	origRetry := os.Getenv("LEXID_RETRY_TIMEOUT_MULTIPLIER")
	defer func() {
		os.Setenv("LEXID_INTER_BATCH_DELAY", origDelay)
		os.Setenv("LEXID_TIMEOUT_PROGRESSION", origProg)
		os.Setenv("LEXID_RETRY_TIMEOUT_MULTIPLIER", origRetry)
	}()

	origConfig := globalThermalConfig
	defer func() { globalThermalConfig = origConfig }()

	SetThermalConfig(ThermalConfig{
		InterBatchDelay:        200 * time.Millisecond,
		TimeoutProgression:     1.5,
		RetryTimeoutMultiplier: 1.2,
	})

	os.Setenv("LEXID_INTER_BATCH_DELAY", "1s")
	os.Setenv("LEXID_TIMEOUT_PROGRESSION", "2.5")
	os.Setenv("LEXID_RETRY_TIMEOUT_MULTIPLIER", "1.8")

	cfg := DefaultOllamaConfig()
	applyThermalConfig(&cfg)

	assert.Equal(t, 1*time.Second, cfg.InterBatchDelay, "env var should override config file")
	assert.Equal(t, 2.5, cfg.TimeoutProgression, "env var should override config file")
	assert.Equal(t, 1.8, cfg.RetryTimeoutMultiplier, "env var should override config file")
}

func TestDefaultTimeouts(t *testing.T) {
	assert.Equal(t, 120*time.Second, DefaultWarmTimeout)
	assert.Equal(t, 180*time.Second, DefaultColdTimeout)
}

// ============================================================================
// Explicit Embedder Selection Tests (No Silent Fallback)
// ============================================================================

func TestNewEmbedder_ExplicitOllama_OllamaUnavailable_ReturnsError(t *testing.T) {
	origEmbedder := os.Getenv("LEXID_EMBEDDER")
	origHost := os.Getenv("LEXID_OLLAMA_HOST")
	defer func() {
		os.Setenv("LEXID_EMBEDDER", origEmbedder)
		os.Setenv("LEXID_OLLAMA_HOST", origHost)
	}()

	os.Setenv("LEXID_EMBEDDER", "ollama")
	os.Setenv("LEXID_OLLAMA_HOST", "http://localhost:59999")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	embedder, err := NewEmbedder(ctx, ProviderOllama, "")

	require.Error(t, err, "explicit embedder should error when unavailable, not fallback")
	assert.Nil(t, embedder)
	assert.Contains(t, err.Error(), "ollama unavailable")
}

func TestNewEmbedder_AutoDetect_OllamaFails_ReturnsError(t *testing.T) {
	origEmbedder := os.Getenv("LEXID_EMBEDDER")
	origHost := os.Getenv("LEXID_OLLAMA_HOST")
	defer func() {
		os.Setenv("LEXID_EMBEDDER", origEmbedder)
		os.Setenv("LEXID_OLLAMA_HOST", origHost)
	}()

	os.Unsetenv("LEXID_EMBEDDER")
	os.Setenv("LEXID_OLLAMA_HOST", "http://localhost:59999")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	embedder, err := NewEmbedder(ctx, ProviderOllama, "")

	require.Error(t, err, "auto-detect should error when embedder unavailable")
	assert.Nil(t, embedder)
	assert.Contains(t, err.Error(), "ollama unavailable")
	assert.Contains(t, err.Error(), "ollama serve")
}

func TestNewEmbedder_ExplicitStatic_AlwaysSucceeds(t *testing.T) {
	origEmbedder := os.Getenv("LEXID_EMBEDDER")
	defer os.Setenv("LEXID_EMBEDDER", origEmbedder)

	os.Setenv("LEXID_EMBEDDER", "static")

	ctx := context.Background()

	embedder, err := NewEmbedder(ctx, ProviderOllama, "")

	require.NoError(t, err)
	require.NotNil(t, embedder)
	defer func() { _ = embedder.Close() }()
	assert.Equal(t, "static768", embedder.ModelName())
}

func TestNewEmbedder_ExplicitOpenAI_NoAPIKey_ReturnsError(t *testing.T) {
	origEmbedder := os.Getenv("LEXID_EMBEDDER")
	origKey := os.Getenv("LEXID_OPENAI_API_KEY")
	origKey2 := os.Getenv("OPENAI_API_KEY")
	defer func() {
		os.Setenv("LEXID_EMBEDDER", origEmbedder)
		os.Setenv("LEXID_OPENAI_API_KEY", origKey)
		os.Setenv("OPENAI_API_KEY", origKey2)
	}()

	os.Setenv("LEXID_EMBEDDER", "openai")
	os.Unsetenv("LEXID_OPENAI_API_KEY")
	os.Unsetenv("OPENAI_API_KEY")

	ctx := context.Background()
	embedder, err := NewEmbedder(ctx, "", "")

	require.Error(t, err)
	assert.Nil(t, embedder)
}

func TestNewEmbedder_ExplicitCohere_NoAPIKey_ReturnsError(t *testing.T) {
	origEmbedder := os.Getenv("LEXID_EMBEDDER")
	origKey := os.Getenv("LEXID_COHERE_API_KEY")
	origKey2 := os.Getenv("CO_API_KEY")
	defer func() {
		os.Setenv("LEXID_EMBEDDER", origEmbedder)
		os.Setenv("LEXID_COHERE_API_KEY", origKey)
		os.Setenv("CO_API_KEY", origKey2)
	}()

	os.Setenv("LEXID_EMBEDDER", "cohere")
	os.Unsetenv("LEXID_COHERE_API_KEY")
	os.Unsetenv("CO_API_KEY")

	ctx := context.Background()
	embedder, err := NewEmbedder(ctx, "", "")

	require.Error(t, err)
	assert.Nil(t, embedder)
}

func TestNewEmbedder_ExplicitRest_Unavailable_ReturnsError(t *testing.T) {
	origEmbedder := os.Getenv("LEXID_EMBEDDER")
	origEndpoint := os.Getenv("LEXID_REST_ENDPOINT")
	defer func() {
		os.Setenv("LEXID_EMBEDDER", origEmbedder)
		os.Setenv("LEXID_REST_ENDPOINT", origEndpoint)
	}()

	os.Setenv("LEXID_EMBEDDER", "rest")
	os.Setenv("LEXID_REST_ENDPOINT", "http://localhost:59997")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	embedder, err := NewEmbedder(ctx, ProviderRest, "")

	require.Error(t, err, "rest embedder should error when endpoint is unreachable")
	assert.Nil(t, embedder)
	assert.Contains(t, err.Error(), "rest embedder unavailable")
}

func TestNewEmbedder_ExplicitRest_HealthyServer_Succeeds(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/health":
			w.WriteHeader(http.StatusOK)
		case "/embed":
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"embedding":[0.1,0.2,0.3,0.4]}`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer server.Close()

	origEmbedder := os.Getenv("LEXID_EMBEDDER")
	origEndpoint := os.Getenv("LEXID_REST_ENDPOINT")
	defer func() {
		os.Setenv("LEXID_EMBEDDER", origEmbedder)
		os.Setenv("LEXID_REST_ENDPOINT", origEndpoint)
	}()

	os.Setenv("LEXID_EMBEDDER", "rest")
	os.Setenv("LEXID_REST_ENDPOINT", server.URL)

	ctx := context.Background()
	embedder, err := NewEmbedder(ctx, ProviderRest, "")
	require.NoError(t, err)
	require.NotNil(t, embedder)
	defer func() { _ = embedder.Close() }()

	info := GetInfo(ctx, embedder)
	assert.Equal(t, ProviderRest, info.Provider)
}

// ============================================================================
// Circuit breaker wrapping
// ============================================================================

func TestNewEmbedder_WrapsWithCircuitBreaker(t *testing.T) {
	origEmbedder := os.Getenv("LEXID_EMBEDDER")
	origCache := os.Getenv("LEXID_EMBED_CACHE")
	defer func() {
		os.Setenv("LEXID_EMBEDDER", origEmbedder)
		os.Setenv("LEXID_EMBED_CACHE", origCache)
	}()

	os.Setenv("LEXID_EMBEDDER", "static")
	os.Setenv("LEXID_EMBED_CACHE", "false")

	ctx := context.Background()
	embedder, err := NewEmbedder(ctx, ProviderStatic, "")
	require.NoError(t, err)
	defer embedder.Close()

	_, ok := embedder.(*BreakerEmbedder)
	assert.True(t, ok, "embedder should be wrapped in a circuit breaker")
}

func TestNewEmbedder_CacheDisabled_SkipsCacheWrapper(t *testing.T) {
	origEmbedder := os.Getenv("LEXID_EMBEDDER")
	origCache := os.Getenv("LEXID_EMBED_CACHE")
	defer func() {
		os.Setenv("LEXID_EMBEDDER", origEmbedder)
		os.Setenv("LEXID_EMBED_CACHE", origCache)
	}()

	os.Setenv("LEXID_EMBEDDER", "static")
	os.Setenv("LEXID_EMBED_CACHE", "true")

	ctx := context.Background()
	enabled, err := NewEmbedder(ctx, ProviderStatic, "")
	require.NoError(t, err)
	defer enabled.Close()
	_, ok := enabled.(*CachedEmbedder)
	assert.True(t, ok, "cache should wrap the embedder by default")

	os.Setenv("LEXID_EMBED_CACHE", "false")
	disabled, err := NewEmbedder(ctx, ProviderStatic, "")
	require.NoError(t, err)
	defer disabled.Close()
	_, ok = disabled.(*CachedEmbedder)
	assert.False(t, ok, "cache should be skipped when disabled")
}

// ============================================================================
// isOllamaModelName Tests
// ============================================================================

func TestIsOllamaModelName(t *testing.T) {
	tests := []struct {
		name  string
		model string
		want  bool
	}{
		{name: "ollama model with tag", model: "nomic-embed-text:latest", want: true},
		{name: "qwen3 with size tag", model: "qwen3-embedding:8b", want: true},
		{name: "model with version tag", model: "bge-small:v1.5", want: true},
		{name: "plain name no tag", model: "nomic-embed-text", want: false},
		{name: "single word", model: "embedding", want: false},
		{name: "empty string", model: "", want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := isOllamaModelName(tt.model)
			assert.Equal(t, tt.want, got, "isOllamaModelName(%q)", tt.model)
		})
	}
}

func TestParseProvider(t *testing.T) {
	assert.Equal(t, ProviderOpenAI, ParseProvider("openai"))
	assert.Equal(t, ProviderCohere, ParseProvider("Cohere"))
	assert.Equal(t, ProviderRest, ParseProvider("REST"))
	assert.Equal(t, ProviderStatic, ParseProvider("static"))
	assert.Equal(t, ProviderOllama, ParseProvider("ollama"))
	assert.Equal(t, ProviderOllama, ParseProvider("unknown"))
}

func TestIsValidProvider(t *testing.T) {
	assert.True(t, IsValidProvider("openai"))
	assert.True(t, IsValidProvider("COHERE"))
	assert.True(t, IsValidProvider("rest"))
	assert.False(t, IsValidProvider("mlx"))
	assert.False(t, IsValidProvider("bogus"))
}

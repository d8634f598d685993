package embed

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// ProviderType represents an embedding provider
type ProviderType string

const (
	// ProviderOpenAI uses OpenAI's hosted embeddings API.
	ProviderOpenAI ProviderType = "openai"

	// ProviderCohere uses Cohere's hosted embeddings API.
	ProviderCohere ProviderType = "cohere"

	// ProviderOllama uses a self-hosted Ollama server (default, no API key needed).
	ProviderOllama ProviderType = "ollama"

	// ProviderRest uses a generic, user-supplied HTTP embedding endpoint.
	ProviderRest ProviderType = "rest"

	// ProviderStatic uses hash-based embeddings (no network, reduced quality).
	ProviderStatic ProviderType = "static"
)

// NewEmbedder creates an embedder based on provider type with automatic fallback.
// The LEXID_EMBEDDER environment variable can override the provider:
//   - "openai": OpenAIEmbedder (requires LEXID_OPENAI_API_KEY)
//   - "cohere": CohereEmbedder (requires LEXID_COHERE_API_KEY)
//   - "ollama": OllamaEmbedder, self-hosted, no API key (default)
//   - "rest": RestEmbedder against an arbitrary HTTP endpoint
//   - "static": StaticEmbedder768, no network dependency at all
//
// Every embedder is wrapped with a circuit breaker (fail fast on a
// struggling provider) and, unless disabled via LEXID_EMBED_CACHE=false,
// an LRU query-result cache.
func NewEmbedder(ctx context.Context, provider ProviderType, model string) (Embedder, error) {
	if envProvider := os.Getenv("LEXID_EMBEDDER"); envProvider != "" {
		provider = ProviderType(strings.ToLower(envProvider))
	}
	if provider == "" {
		provider = ProviderOllama
	}

	embedder, err := newProvider(ctx, provider, model)
	if err != nil {
		return nil, err
	}

	embedder = NewBreakerEmbedder(embedder, provider.String())

	if !isCacheDisabled() {
		embedder = NewCachedEmbedderWithDefaults(embedder)
	}

	return embedder, nil
}

func newProvider(ctx context.Context, provider ProviderType, model string) (Embedder, error) {
	switch provider {
	case ProviderOpenAI:
		return newOpenAI(model)
	case ProviderCohere:
		return newCohere(model)
	case ProviderRest:
		return newRest(ctx)
	case ProviderStatic:
		return NewStaticEmbedder768(), nil
	case ProviderOllama:
		return newOllama(ctx, model)
	default:
		return newOllama(ctx, model)
	}
}

// isCacheDisabled checks if the embedding cache is disabled via environment.
func isCacheDisabled() bool {
	v := strings.ToLower(os.Getenv("LEXID_EMBED_CACHE"))
	return v == "false" || v == "0" || v == "off" || v == "disabled"
}

func newOpenAI(model string) (Embedder, error) {
	cfg := DefaultOpenAIConfig()
	if model != "" {
		cfg.Model = model
	}
	cfg.APIKey = os.Getenv("LEXID_OPENAI_API_KEY")
	if cfg.APIKey == "" {
		cfg.APIKey = os.Getenv("OPENAI_API_KEY")
	}
	return NewOpenAIEmbedder(cfg)
}

func newCohere(model string) (Embedder, error) {
	cfg := DefaultCohereConfig()
	if model != "" {
		cfg.Model = model
	}
	cfg.APIKey = os.Getenv("LEXID_COHERE_API_KEY")
	if cfg.APIKey == "" {
		cfg.APIKey = os.Getenv("CO_API_KEY")
	}
	return NewCohereEmbedder(cfg)
}

func newRest(ctx context.Context) (Embedder, error) {
	cfg := DefaultRestConfig()
	if endpoint := os.Getenv("LEXID_REST_ENDPOINT"); endpoint != "" {
		cfg.Endpoint = endpoint
	}
	cfg.APIKey = os.Getenv("LEXID_REST_API_KEY")

	embedder, err := NewRestEmbedder(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("rest embedder unavailable: %w\n\nTo fix:\n  1. Point LEXID_REST_ENDPOINT at a running embedding server\n  2. Or use Ollama: LEXID_EMBEDDER=ollama\n  3. Or use BM25-only search: LEXID_EMBEDDER=static", err)
	}
	return embedder, nil
}

// newOllama creates an Ollama embedder. Returns an error (never silently
// falls back to static) if Ollama is unavailable.
func newOllama(ctx context.Context, model string) (Embedder, error) {
	cfg := DefaultOllamaConfig()
	if model != "" && isOllamaModelName(model) {
		cfg.Model = model
	}
	if host := os.Getenv("LEXID_OLLAMA_HOST"); host != "" {
		cfg.Host = host
	}
	if modelOverride := os.Getenv("LEXID_OLLAMA_MODEL"); modelOverride != "" {
		cfg.Model = modelOverride
	}
	if timeoutStr := os.Getenv("LEXID_OLLAMA_TIMEOUT"); timeoutStr != "" {
		if timeout, err := time.ParseDuration(timeoutStr); err == nil {
			cfg.Timeout = timeout
		}
	}

	applyThermalConfig(&cfg)

	embedder, err := NewOllamaEmbedder(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("ollama unavailable: %w\n\nTo fix:\n  1. Start Ollama: ollama serve\n  2. Or use BM25-only: LEXID_EMBEDDER=static", err)
	}
	return embedder, nil
}

// applyThermalConfig layers the config-file and environment-variable
// timeout-progression overrides onto an Ollama config. Bulk-indexing jobs
// submit thousands of batches in a row, and later ones get a larger
// timeout budget than the first.
func applyThermalConfig(cfg *OllamaConfig) {
	if globalThermalConfig.InterBatchDelay > 0 {
		delay := globalThermalConfig.InterBatchDelay
		if delay > MaxInterBatchDelay {
			delay = MaxInterBatchDelay
		}
		cfg.InterBatchDelay = delay
	}
	if globalThermalConfig.TimeoutProgression >= 1.0 {
		progression := globalThermalConfig.TimeoutProgression
		if progression > MaxTimeoutProgression {
			progression = MaxTimeoutProgression
		}
		cfg.TimeoutProgression = progression
	}
	if globalThermalConfig.RetryTimeoutMultiplier >= 1.0 {
		mult := globalThermalConfig.RetryTimeoutMultiplier
		if mult > MaxRetryTimeoutMultiplier {
			mult = MaxRetryTimeoutMultiplier
		}
		cfg.RetryTimeoutMultiplier = mult
	}

	if delayStr := os.Getenv("LEXID_INTER_BATCH_DELAY"); delayStr != "" {
		if delay, err := time.ParseDuration(delayStr); err == nil && delay >= 0 {
			if delay > MaxInterBatchDelay {
				delay = MaxInterBatchDelay
			}
			cfg.InterBatchDelay = delay
		}
	}

	if progressionStr := os.Getenv("LEXID_TIMEOUT_PROGRESSION"); progressionStr != "" {
		if progression, err := parseFloat64(progressionStr); err == nil && progression >= 1.0 {
			if progression > MaxTimeoutProgression {
				progression = MaxTimeoutProgression
			}
			cfg.TimeoutProgression = progression
		}
	}

	if retryMultStr := os.Getenv("LEXID_RETRY_TIMEOUT_MULTIPLIER"); retryMultStr != "" {
		if mult, err := parseFloat64(retryMultStr); err == nil && mult >= 1.0 {
			if mult > MaxRetryTimeoutMultiplier {
				mult = MaxRetryTimeoutMultiplier
			}
			cfg.RetryTimeoutMultiplier = mult
		}
	}
}

// ThermalConfig holds batch-timeout-progression settings loaded from config.yaml.
type ThermalConfig struct {
	InterBatchDelay        time.Duration // Pause between batches
	TimeoutProgression     float64       // Timeout multiplier for later batches (1.0-3.0)
	RetryTimeoutMultiplier float64       // Timeout multiplier per retry (1.0-2.0)
}

// globalThermalConfig holds config file settings set via SetThermalConfig.
// Env vars take precedence over these values.
var globalThermalConfig ThermalConfig

// SetThermalConfig sets batch-timeout-progression config from the user's
// config.yaml. Call this before NewEmbedder() for it to take effect;
// environment variables still take precedence over config file settings.
func SetThermalConfig(cfg ThermalConfig) {
	globalThermalConfig = cfg
}

// NewDefaultEmbedder creates a static embedder (768 dimensions).
//
// Deprecated: ignores user configuration and always returns
// StaticEmbedder768, which can cause dimension mismatches if the index was
// built with a different embedder. Use
// NewEmbedder(ctx, ParseProvider(ec.Source), ec.Model) instead, where ec is
// the index's config.EmbedderConfig from cfg.Embedders.
func NewDefaultEmbedder(ctx context.Context) (Embedder, error) {
	return NewEmbedder(ctx, ProviderStatic, "")
}

// ParseProvider converts a string to ProviderType
func ParseProvider(s string) ProviderType {
	switch strings.ToLower(s) {
	case "openai":
		return ProviderOpenAI
	case "cohere":
		return ProviderCohere
	case "rest":
		return ProviderRest
	case "static":
		return ProviderStatic
	default:
		return ProviderOllama
	}
}

// String returns the string representation of ProviderType
func (p ProviderType) String() string {
	return string(p)
}

// isOllamaModelName checks if a model name looks like an Ollama model.
// Ollama models have a ":" tag (e.g., "qwen3-embedding:8b").
func isOllamaModelName(model string) bool {
	return strings.Contains(model, ":")
}

// ValidProviders returns all valid provider names
func ValidProviders() []string {
	return []string{
		string(ProviderOpenAI),
		string(ProviderCohere),
		string(ProviderOllama),
		string(ProviderRest),
		string(ProviderStatic),
	}
}

// IsValidProvider checks if a provider name is valid
func IsValidProvider(s string) bool {
	lower := strings.ToLower(s)
	for _, p := range ValidProviders() {
		if lower == p {
			return true
		}
	}
	return false
}

// EmbedderInfo contains information about an embedder
type EmbedderInfo struct {
	Provider   ProviderType
	Model      string
	Dimensions int
	Available  bool
}

// GetInfo returns information about an embedder, unwrapping any
// caching/circuit-breaker layers to identify the underlying provider.
func GetInfo(ctx context.Context, embedder Embedder) EmbedderInfo {
	info := EmbedderInfo{
		Model:      embedder.ModelName(),
		Dimensions: embedder.Dimensions(),
		Available:  embedder.Available(ctx),
	}

	inner := embedder
	if cached, ok := inner.(*CachedEmbedder); ok {
		inner = cached.inner
	}
	if breaker, ok := inner.(*BreakerEmbedder); ok {
		inner = breaker.inner
	}

	switch inner.(type) {
	case *OpenAIEmbedder:
		info.Provider = ProviderOpenAI
	case *CohereEmbedder:
		info.Provider = ProviderCohere
	case *OllamaEmbedder:
		info.Provider = ProviderOllama
	case *RestEmbedder:
		info.Provider = ProviderRest
	default:
		info.Provider = ProviderStatic
	}

	return info
}

// MustNewEmbedder creates an embedder and panics on failure
// Use only in tests or initialization code where failure is fatal
func MustNewEmbedder(ctx context.Context, provider ProviderType, model string) Embedder {
	embedder, err := NewEmbedder(ctx, provider, model)
	if err != nil {
		panic(fmt.Sprintf("failed to create embedder: %v", err))
	}
	return embedder
}

// parseFloat64 parses a string to float64, used for timeout-progression config parsing
func parseFloat64(s string) (float64, error) {
	return strconv.ParseFloat(strings.TrimSpace(s), 64)
}

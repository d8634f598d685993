package embed

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/lexidb/lexid/internal/meilierr"
)

const (
	// DefaultOpenAIHost is the OpenAI API base URL.
	DefaultOpenAIHost = "https://api.openai.com/v1"

	// DefaultOpenAIModel is the recommended general-purpose embedding model.
	DefaultOpenAIModel = "text-embedding-3-small"
)

// OpenAIConfig configures the OpenAI embedder.
type OpenAIConfig struct {
	Host       string
	Model      string
	APIKey     string
	Dimensions int
	BatchSize  int
	Timeout    time.Duration
	MaxRetries int
}

// DefaultOpenAIConfig returns sensible defaults.
func DefaultOpenAIConfig() OpenAIConfig {
	return OpenAIConfig{
		Host:       DefaultOpenAIHost,
		Model:      DefaultOpenAIModel,
		BatchSize:  DefaultBatchSize,
		Timeout:    DefaultWarmTimeout,
		MaxRetries: DefaultMaxRetries,
	}
}

// OpenAIEmbedder calls the OpenAI /embeddings endpoint.
type OpenAIEmbedder struct {
	client *http.Client
	config OpenAIConfig
	dims   int

	mu     sync.RWMutex
	closed bool
}

var _ Embedder = (*OpenAIEmbedder)(nil)

// NewOpenAIEmbedder creates a new OpenAI embedder. apiKey is required.
func NewOpenAIEmbedder(cfg OpenAIConfig) (*OpenAIEmbedder, error) {
	if cfg.APIKey == "" {
		return nil, meilierr.New(meilierr.CodeEmbedderMisconfigured, "openai embedder requires an API key", nil)
	}
	if cfg.Host == "" {
		cfg.Host = DefaultOpenAIHost
	}
	if cfg.Model == "" {
		cfg.Model = DefaultOpenAIModel
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultWarmTimeout
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = DefaultMaxRetries
	}
	return &OpenAIEmbedder{
		client: &http.Client{},
		config: cfg,
		dims:   cfg.Dimensions,
	}, nil
}

type openAIEmbedRequest struct {
	Model      string `json:"model"`
	Input      any    `json:"input"`
	Dimensions int    `json:"dimensions,omitempty"`
}

type openAIEmbedResponse struct {
	Data []struct {
		Embedding []float32 `json:"embedding"`
		Index     int       `json:"index"`
	} `json:"data"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}

func (e *OpenAIEmbedder) request(ctx context.Context, input any) ([][]float32, error) {
	reqBody := openAIEmbedRequest{Model: e.config.Model, Input: input, Dimensions: e.config.Dimensions}
	body, err := json.Marshal(reqBody)
	if err != nil {
		return nil, meilierr.Wrap(meilierr.CodeEmbedderBadResponse, err)
	}

	var out [][]float32
	retryCfg := meilierr.DefaultRetryConfig()
	retryCfg.MaxRetries = e.config.MaxRetries
	retryCfg.Jitter = true

	err = meilierr.Retry(ctx, retryCfg, func() error {
		reqCtx, cancel := context.WithTimeout(ctx, e.config.Timeout)
		defer cancel()

		req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, e.config.Host+"/embeddings", bytes.NewReader(body))
		if err != nil {
			return meilierr.Wrap(meilierr.CodeEmbedderBadResponse, err)
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Authorization", "Bearer "+e.config.APIKey)

		resp, err := e.client.Do(req)
		if err != nil {
			return meilierr.Wrap(meilierr.CodeEmbedderNetworkFailure, err)
		}
		defer func() { _ = resp.Body.Close() }()

		respBody, err := io.ReadAll(resp.Body)
		if err != nil {
			return meilierr.Wrap(meilierr.CodeEmbedderNetworkFailure, err)
		}

		switch {
		case resp.StatusCode == http.StatusTooManyRequests:
			return meilierr.New(meilierr.CodeEmbedderRateLimited, "openai rate limited: "+string(respBody), nil)
		case resp.StatusCode == http.StatusUnauthorized:
			return meilierr.New(meilierr.CodeEmbedderMisconfigured, "openai rejected the API key", nil)
		case resp.StatusCode >= 500:
			return meilierr.New(meilierr.CodeEmbedderNetworkFailure, "openai server error: "+strconv.Itoa(resp.StatusCode), nil)
		case resp.StatusCode != http.StatusOK:
			return meilierr.New(meilierr.CodeEmbedderBadResponse, fmt.Sprintf("openai embeddings failed (status %d): %s", resp.StatusCode, string(respBody)), nil)
		}

		var result openAIEmbedResponse
		if err := json.Unmarshal(respBody, &result); err != nil {
			return meilierr.Wrap(meilierr.CodeEmbedderBadResponse, err)
		}
		if result.Error != nil {
			return meilierr.New(meilierr.CodeEmbedderBadResponse, result.Error.Message, nil)
		}

		vectors := make([][]float32, len(result.Data))
		for _, d := range result.Data {
			vectors[d.Index] = normalizeVector(d.Embedding)
		}
		out = vectors
		return nil
	})
	return out, err
}

// Embed generates an embedding for a single text.
func (e *OpenAIEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	e.mu.RLock()
	closed := e.closed
	e.mu.RUnlock()
	if closed {
		return nil, fmt.Errorf("embedder is closed")
	}
	vectors, err := e.request(ctx, text)
	if err != nil {
		return nil, err
	}
	if len(vectors) == 0 {
		return nil, meilierr.New(meilierr.CodeEmbedderBadResponse, "no embedding returned", nil)
	}
	if e.dims == 0 {
		e.dims = len(vectors[0])
	}
	return vectors[0], nil
}

// EmbedBatch generates embeddings for multiple texts, chunked to BatchSize.
func (e *OpenAIEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	e.mu.RLock()
	closed := e.closed
	e.mu.RUnlock()
	if closed {
		return nil, fmt.Errorf("embedder is closed")
	}
	if len(texts) == 0 {
		return [][]float32{}, nil
	}

	results := make([][]float32, 0, len(texts))
	for start := 0; start < len(texts); start += e.config.BatchSize {
		end := min(start+e.config.BatchSize, len(texts))
		vectors, err := e.request(ctx, texts[start:end])
		if err != nil {
			return nil, err
		}
		results = append(results, vectors...)
	}
	if e.dims == 0 && len(results) > 0 {
		e.dims = len(results[0])
	}
	return results, nil
}

// Dimensions returns the embedding dimension, 0 until the first call resolves it.
func (e *OpenAIEmbedder) Dimensions() int { return e.dims }

// ModelName returns the configured model identifier.
func (e *OpenAIEmbedder) ModelName() string { return e.config.Model }

// Available reports whether the embedder has a usable API key configured.
// It does not make a network call, to avoid burning quota on health checks.
func (e *OpenAIEmbedder) Available(_ context.Context) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return !e.closed && e.config.APIKey != ""
}

// Close releases resources.
func (e *OpenAIEmbedder) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.closed = true
	return nil
}

// SetBatchIndex is a no-op; OpenAI's rate limiting is handled by retry, not progression.
func (e *OpenAIEmbedder) SetBatchIndex(_ int) {}

// SetFinalBatch is a no-op; see SetBatchIndex.
func (e *OpenAIEmbedder) SetFinalBatch(_ bool) {}

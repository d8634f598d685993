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
	// DefaultCohereHost is the Cohere API base URL.
	DefaultCohereHost = "https://api.cohere.ai/v1"

	// DefaultCohereModel is the recommended general-purpose embedding model.
	DefaultCohereModel = "embed-english-v3.0"

	// DefaultCohereInputType is used for document-side embeddings (as
	// opposed to "search_query" for the query side of an asymmetric model).
	DefaultCohereInputType = "search_document"
)

// CohereConfig configures the Cohere embedder.
type CohereConfig struct {
	Host       string
	Model      string
	APIKey     string
	InputType  string
	Dimensions int
	BatchSize  int
	Timeout    time.Duration
	MaxRetries int
}

// DefaultCohereConfig returns sensible defaults.
func DefaultCohereConfig() CohereConfig {
	return CohereConfig{
		Host:       DefaultCohereHost,
		Model:      DefaultCohereModel,
		InputType:  DefaultCohereInputType,
		BatchSize:  DefaultBatchSize,
		Timeout:    DefaultWarmTimeout,
		MaxRetries: DefaultMaxRetries,
	}
}

// CohereEmbedder calls the Cohere /embed endpoint.
type CohereEmbedder struct {
	client *http.Client
	config CohereConfig
	dims   int

	mu     sync.RWMutex
	closed bool
}

var _ Embedder = (*CohereEmbedder)(nil)

// NewCohereEmbedder creates a new Cohere embedder. apiKey is required.
func NewCohereEmbedder(cfg CohereConfig) (*CohereEmbedder, error) {
	if cfg.APIKey == "" {
		return nil, meilierr.New(meilierr.CodeEmbedderMisconfigured, "cohere embedder requires an API key", nil)
	}
	if cfg.Host == "" {
		cfg.Host = DefaultCohereHost
	}
	if cfg.Model == "" {
		cfg.Model = DefaultCohereModel
	}
	if cfg.InputType == "" {
		cfg.InputType = DefaultCohereInputType
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
	return &CohereEmbedder{client: &http.Client{}, config: cfg, dims: cfg.Dimensions}, nil
}

type cohereEmbedRequest struct {
	Texts     []string `json:"texts"`
	Model     string   `json:"model"`
	InputType string   `json:"input_type"`
}

type cohereEmbedResponse struct {
	Embeddings [][]float32 `json:"embeddings"`
	Message    string      `json:"message"`
}

func (e *CohereEmbedder) request(ctx context.Context, texts []string) ([][]float32, error) {
	reqBody := cohereEmbedRequest{Texts: texts, Model: e.config.Model, InputType: e.config.InputType}
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

		req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, e.config.Host+"/embed", bytes.NewReader(body))
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
			return meilierr.New(meilierr.CodeEmbedderRateLimited, "cohere rate limited: "+string(respBody), nil)
		case resp.StatusCode == http.StatusUnauthorized:
			return meilierr.New(meilierr.CodeEmbedderMisconfigured, "cohere rejected the API key", nil)
		case resp.StatusCode >= 500:
			return meilierr.New(meilierr.CodeEmbedderNetworkFailure, "cohere server error: "+strconv.Itoa(resp.StatusCode), nil)
		case resp.StatusCode != http.StatusOK:
			return meilierr.New(meilierr.CodeEmbedderBadResponse, fmt.Sprintf("cohere embed failed (status %d): %s", resp.StatusCode, string(respBody)), nil)
		}

		var result cohereEmbedResponse
		if err := json.Unmarshal(respBody, &result); err != nil {
			return meilierr.Wrap(meilierr.CodeEmbedderBadResponse, err)
		}
		if result.Message != "" && len(result.Embeddings) == 0 {
			return meilierr.New(meilierr.CodeEmbedderBadResponse, result.Message, nil)
		}

		vectors := make([][]float32, len(result.Embeddings))
		for i, v := range result.Embeddings {
			vectors[i] = normalizeVector(v)
		}
		out = vectors
		return nil
	})
	return out, err
}

// Embed generates an embedding for a single text.
func (e *CohereEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	e.mu.RLock()
	closed := e.closed
	e.mu.RUnlock()
	if closed {
		return nil, fmt.Errorf("embedder is closed")
	}
	vectors, err := e.request(ctx, []string{text})
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
func (e *CohereEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
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
func (e *CohereEmbedder) Dimensions() int { return e.dims }

// ModelName returns the configured model identifier.
func (e *CohereEmbedder) ModelName() string { return e.config.Model }

// Available reports whether the embedder has a usable API key configured.
func (e *CohereEmbedder) Available(_ context.Context) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return !e.closed && e.config.APIKey != ""
}

// Close releases resources.
func (e *CohereEmbedder) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.closed = true
	return nil
}

// SetBatchIndex is a no-op; Cohere's rate limiting is handled by retry, not progression.
func (e *CohereEmbedder) SetBatchIndex(_ int) {}

// SetFinalBatch is a no-op; see SetBatchIndex.
func (e *CohereEmbedder) SetFinalBatch(_ bool) {}

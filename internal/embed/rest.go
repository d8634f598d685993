package embed

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"
)

// RestConfig configures a generic REST embedder: any HTTP endpoint that
// accepts {"text": "..."} / {"texts": [...]} and returns a flat float
// vector (or a batch of them).
type RestConfig struct {
	// Endpoint is the base URL of the embedding server, e.g.
	// "http://localhost:9659".
	Endpoint string

	// Model is an opaque model identifier forwarded in each request body.
	Model string

	// APIKey, if set, is sent as a Bearer token.
	APIKey string

	// Dimensions can be set to override auto-detection (0 = auto-detect).
	Dimensions int

	// SkipHealthCheck skips the startup health check (for testing).
	SkipHealthCheck bool
}

// DefaultRestConfig returns default REST embedder configuration.
func DefaultRestConfig() RestConfig {
	return RestConfig{
		Endpoint: "http://localhost:9659",
	}
}

// RestEmbedder generates embeddings by calling a self-hosted or in-house
// HTTP embedding server, for deployments where none of the built-in
// hosted providers fit.
type RestEmbedder struct {
	client       *http.Client
	config       RestConfig
	dims         int
	mu           sync.RWMutex
	closed       bool
	batchIndex   int
	isFinalBatch bool
}

var _ Embedder = (*RestEmbedder)(nil)

// NewRestEmbedder creates a new generic REST embedder.
func NewRestEmbedder(ctx context.Context, cfg RestConfig) (*RestEmbedder, error) {
	if cfg.Endpoint == "" {
		cfg.Endpoint = DefaultRestConfig().Endpoint
	}

	client := &http.Client{
		Transport: &http.Transport{
			MaxIdleConns:        10,
			MaxIdleConnsPerHost: 10,
			IdleConnTimeout:     30 * time.Second,
		},
	}

	e := &RestEmbedder{client: client, config: cfg, dims: cfg.Dimensions}

	if !cfg.SkipHealthCheck {
		checkCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()

		if err := e.healthCheck(checkCtx); err != nil {
			return nil, fmt.Errorf("rest embedder health check failed: %w", err)
		}
		if cfg.Dimensions == 0 {
			if dims, err := e.detectDimensions(checkCtx); err == nil {
				e.dims = dims
			}
		}
	}
	if e.dims == 0 {
		e.dims = DefaultDimensions
	}

	slog.Debug("rest_embedder_created",
		slog.String("endpoint", cfg.Endpoint),
		slog.Int("dimensions", e.dims))
	return e, nil
}

func (e *RestEmbedder) authorize(req *http.Request) {
	if e.config.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+e.config.APIKey)
	}
}

func (e *RestEmbedder) healthCheck(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, e.config.Endpoint+"/health", nil)
	if err != nil {
		return err
	}
	e.authorize(req)
	resp, err := e.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to connect to rest embedder: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("rest embedder unhealthy (status %d): %s", resp.StatusCode, string(body))
	}
	return nil
}

func (e *RestEmbedder) detectDimensions(ctx context.Context) (int, error) {
	emb, err := e.doEmbed(ctx, "dimension detection")
	if err != nil {
		return 0, err
	}
	return len(emb), nil
}

type restEmbedRequest struct {
	Text  string `json:"text"`
	Model string `json:"model,omitempty"`
}

type restEmbedResponse struct {
	Embedding []float64 `json:"embedding"`
}

type restEmbedBatchRequest struct {
	Texts []string `json:"texts"`
	Model string   `json:"model,omitempty"`
}

type restEmbedBatchResponse struct {
	Embeddings [][]float64 `json:"embeddings"`
}

func (e *RestEmbedder) doEmbed(ctx context.Context, text string) ([]float32, error) {
	body, err := json.Marshal(restEmbedRequest{Text: text, Model: e.config.Model})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.config.Endpoint+"/embed", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	e.authorize(req)

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to get embedding: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("embedding failed (status %d): %s", resp.StatusCode, string(respBody))
	}

	var result restEmbedResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	out := make([]float32, len(result.Embedding))
	for i, v := range result.Embedding {
		out[i] = float32(v)
	}
	return out, nil
}

func (e *RestEmbedder) doEmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	body, err := json.Marshal(restEmbedBatchRequest{Texts: texts, Model: e.config.Model})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.config.Endpoint+"/embed_batch", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	e.authorize(req)

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to get batch embeddings: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("batch embedding failed (status %d): %s", resp.StatusCode, string(respBody))
	}

	var result restEmbedBatchResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	out := make([][]float32, len(result.Embeddings))
	for i, emb := range result.Embeddings {
		out[i] = make([]float32, len(emb))
		for j, v := range emb {
			out[i][j] = float32(v)
		}
	}
	return out, nil
}

// Embed generates an embedding for a single text.
func (e *RestEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	e.mu.RLock()
	closed := e.closed
	e.mu.RUnlock()
	if closed {
		return nil, fmt.Errorf("embedder is closed")
	}
	return e.doEmbed(ctx, text)
}

// EmbedBatch generates embeddings for multiple texts.
func (e *RestEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	e.mu.RLock()
	closed := e.closed
	e.mu.RUnlock()
	if closed {
		return nil, fmt.Errorf("embedder is closed")
	}
	if len(texts) == 0 {
		return [][]float32{}, nil
	}
	return e.doEmbedBatch(ctx, texts)
}

// Dimensions returns the embedding dimension.
func (e *RestEmbedder) Dimensions() int { return e.dims }

// ModelName returns the configured model identifier, or "rest" if none was set.
func (e *RestEmbedder) ModelName() string {
	if e.config.Model == "" {
		return "rest"
	}
	return e.config.Model
}

// Available checks if the embedder's endpoint answers its health check.
func (e *RestEmbedder) Available(ctx context.Context) bool {
	e.mu.RLock()
	closed := e.closed
	e.mu.RUnlock()
	if closed {
		return false
	}
	checkCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return e.healthCheck(checkCtx) == nil
}

// Close releases resources.
func (e *RestEmbedder) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil
	}
	e.closed = true
	if transport, ok := e.client.Transport.(*http.Transport); ok {
		transport.CloseIdleConnections()
	}
	return nil
}

// SetBatchIndex sets the batch index for timeout progression.
func (e *RestEmbedder) SetBatchIndex(idx int) {
	e.mu.Lock()
	e.batchIndex = idx
	e.mu.Unlock()
}

// SetFinalBatch marks the embedder as processing the final batch.
func (e *RestEmbedder) SetFinalBatch(isFinal bool) {
	e.mu.Lock()
	e.isFinalBatch = isFinal
	e.mu.Unlock()
}

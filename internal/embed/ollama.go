package embed

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"

	"github.com/voyantai/ragline/internal/logging"
)

const defaultOllamaURL = "http://localhost:11434"

// ollamaProvider embeds through a local Ollama server. The embeddings API
// takes one prompt per request, so batches are embedded sequentially.
type ollamaProvider struct {
	model  string
	url    string
	client *http.Client

	mu         sync.RWMutex
	dimensions int
}

type ollamaEmbedRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
}

type ollamaEmbedResponse struct {
	Embedding []float64 `json:"embedding"`
}

func newOllamaProvider(cfg Config) *ollamaProvider {
	url := cfg.BaseURL
	if url == "" {
		url = defaultOllamaURL
	}
	logging.L_debug("embed: ollama provider created", "url", url, "model", cfg.Model)
	return &ollamaProvider{
		model:  cfg.Model,
		url:    url,
		client: &http.Client{Timeout: cfg.timeout()},
	}
}

func (p *ollamaProvider) Name() string  { return ProviderOllama }
func (p *ollamaProvider) Model() string { return p.model }

func (p *ollamaProvider) Dimensions() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.dimensions
}

func (p *ollamaProvider) Available(ctx context.Context) bool {
	_, err := p.embedSingle(ctx, "test")
	if err != nil {
		logging.L_warn("embed: ollama not available", "url", p.url, "model", p.model, "error", err)
		return false
	}
	return true
}

func (p *ollamaProvider) Embed(ctx context.Context, texts []string, _ Mode) ([][]float32, int, error) {
	vectors := make([][]float32, len(texts))
	for i, text := range texts {
		select {
		case <-ctx.Done():
			return nil, 0, ctx.Err()
		default:
		}

		vec, err := p.embedSingle(ctx, text)
		if err != nil {
			return nil, 0, fmt.Errorf("embedding text %d/%d: %w", i+1, len(texts), err)
		}
		vectors[i] = vec
	}

	dim, err := checkResult(vectors, len(texts))
	if err != nil {
		return nil, 0, err
	}
	return vectors, dim, nil
}

func (p *ollamaProvider) embedSingle(ctx context.Context, text string) ([]float32, error) {
	body, err := json.Marshal(ollamaEmbedRequest{Model: p.model, Prompt: text})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.url+"/api/embeddings", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("ollama returned status %d: %s", resp.StatusCode, string(respBody))
	}

	var result ollamaEmbedResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}

	vec := make([]float32, len(result.Embedding))
	for i, v := range result.Embedding {
		vec[i] = float32(v)
	}

	if len(vec) > 0 {
		p.mu.Lock()
		if p.dimensions == 0 {
			p.dimensions = len(vec)
			logging.L_debug("embed: detected dimensions", "provider", ProviderOllama, "dim", p.dimensions)
		}
		p.mu.Unlock()
	}

	return vec, nil
}

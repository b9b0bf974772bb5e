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

const defaultVoyageURL = "https://api.voyageai.com/v1"

// voyageProvider embeds through the VoyageAI REST API. Voyage distinguishes
// query and document inputs, which matters for retrieval quality.
type voyageProvider struct {
	model  string
	apiKey string
	url    string
	client *http.Client

	mu         sync.RWMutex
	dimensions int
}

type voyageEmbedRequest struct {
	Input     []string `json:"input"`
	Model     string   `json:"model"`
	InputType string   `json:"input_type,omitempty"`
}

type voyageEmbedResponse struct {
	Data []struct {
		Embedding []float32 `json:"embedding"`
		Index     int       `json:"index"`
	} `json:"data"`
}

func newVoyageProvider(cfg Config) *voyageProvider {
	url := cfg.BaseURL
	if url == "" {
		url = defaultVoyageURL
	}
	logging.L_debug("embed: voyage provider created", "model", cfg.Model, "url", url)
	return &voyageProvider{
		model:  cfg.Model,
		apiKey: cfg.APIKey,
		url:    url,
		client: &http.Client{Timeout: cfg.timeout()},
	}
}

func (p *voyageProvider) Name() string  { return ProviderVoyage }
func (p *voyageProvider) Model() string { return p.model }

func (p *voyageProvider) Dimensions() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.dimensions
}

func (p *voyageProvider) Available(ctx context.Context) bool {
	_, _, err := p.Embed(ctx, []string{"test"}, ModeQuery)
	if err != nil {
		logging.L_warn("embed: voyage not available", "model", p.model, "error", err)
		return false
	}
	return true
}

func (p *voyageProvider) Embed(ctx context.Context, texts []string, mode Mode) ([][]float32, int, error) {
	body, err := json.Marshal(voyageEmbedRequest{
		Input:     texts,
		Model:     p.model,
		InputType: string(mode),
	})
	if err != nil {
		return nil, 0, fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.url+"/embeddings", bytes.NewReader(body))
	if err != nil {
		return nil, 0, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+p.apiKey)

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return nil, 0, fmt.Errorf("voyage returned status %d: %s", resp.StatusCode, string(respBody))
	}

	var result voyageEmbedResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, 0, fmt.Errorf("decode response: %w", err)
	}

	// Responses carry an index per vector; order by it rather than trusting
	// array order.
	vectors := make([][]float32, len(texts))
	for _, d := range result.Data {
		if d.Index < 0 || d.Index >= len(vectors) {
			return nil, 0, fmt.Errorf("%w: vector index %d out of range", ErrInvariant, d.Index)
		}
		vectors[d.Index] = d.Embedding
	}
	if len(result.Data) != len(texts) {
		return nil, 0, fmt.Errorf("%w: got %d vectors for %d texts", ErrInvariant, len(result.Data), len(texts))
	}

	dim, err := checkResult(vectors, len(texts))
	if err != nil {
		return nil, 0, err
	}

	p.mu.Lock()
	if p.dimensions == 0 {
		p.dimensions = dim
		logging.L_debug("embed: detected dimensions", "provider", ProviderVoyage, "dim", dim)
	}
	p.mu.Unlock()

	return vectors, dim, nil
}

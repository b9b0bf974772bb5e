package embed

import (
	"context"
	"fmt"
	"sync"

	openai "github.com/sashabaranov/go-openai"

	"github.com/voyantai/ragline/internal/logging"
)

// openaiProvider embeds through the OpenAI embeddings API with one batched
// call per request.
type openaiProvider struct {
	model  string
	client *openai.Client

	mu         sync.RWMutex
	dimensions int
}

func newOpenAIProvider(cfg Config) *openaiProvider {
	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}
	logging.L_debug("embed: openai provider created", "model", cfg.Model, "baseURL", clientCfg.BaseURL)
	return &openaiProvider{
		model:  cfg.Model,
		client: openai.NewClientWithConfig(clientCfg),
	}
}

func (p *openaiProvider) Name() string  { return ProviderOpenAI }
func (p *openaiProvider) Model() string { return p.model }

func (p *openaiProvider) Dimensions() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.dimensions
}

func (p *openaiProvider) Available(ctx context.Context) bool {
	_, _, err := p.Embed(ctx, []string{"test"}, ModeQuery)
	if err != nil {
		logging.L_warn("embed: openai not available", "model", p.model, "error", err)
		return false
	}
	return true
}

func (p *openaiProvider) Embed(ctx context.Context, texts []string, _ Mode) ([][]float32, int, error) {
	resp, err := p.client.CreateEmbeddings(ctx, openai.EmbeddingRequest{
		Model: openai.EmbeddingModel(p.model),
		Input: texts,
	})
	if err != nil {
		return nil, 0, fmt.Errorf("openai embeddings: %w", err)
	}

	vectors := make([][]float32, len(resp.Data))
	for i, d := range resp.Data {
		vectors[i] = d.Embedding
	}

	dim, err := checkResult(vectors, len(texts))
	if err != nil {
		return nil, 0, err
	}

	p.mu.Lock()
	if p.dimensions == 0 {
		p.dimensions = dim
		logging.L_debug("embed: detected dimensions", "provider", ProviderOpenAI, "dim", dim)
	}
	p.mu.Unlock()

	return vectors, dim, nil
}

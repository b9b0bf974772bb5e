// Package embed generates embedding vectors through pluggable providers,
// with retry, error classification, and rate limiting for hosted APIs.
package embed

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// Mode selects the embedding input type for providers that distinguish
// queries from documents.
type Mode string

const (
	ModeQuery    Mode = "query"
	ModeDocument Mode = "document"
)

// Provider names accepted in job configuration.
const (
	ProviderOllama = "ollama"
	ProviderOpenAI = "openai"
	ProviderVoyage = "voyageai"
)

// DefaultRequestTimeout bounds a single embedding RPC.
const DefaultRequestTimeout = 60 * time.Second

// Provider generates embeddings for batches of texts.
// On success len(vectors) == len(texts) and every vector has the same
// nonzero length.
type Provider interface {
	Name() string
	Model() string
	Embed(ctx context.Context, texts []string, mode Mode) (vectors [][]float32, dim int, err error)
	// Dimensions returns the vector size, 0 until detected on first use.
	Dimensions() int
	// Available probes the provider with a trivial request.
	Available(ctx context.Context) bool
}

// Config selects and parameterizes a provider for one job.
type Config struct {
	Provider          string `json:"provider"`
	Model             string `json:"model"`
	APIKey            string `json:"api_key,omitempty"`
	BaseURL           string `json:"base_url,omitempty"`
	TimeoutSeconds    int    `json:"timeout_seconds,omitempty"`
	RequestsPerMinute int    `json:"requests_per_minute,omitempty"`
	MaxTokensPerChunk int    `json:"max_tokens_per_chunk,omitempty"`
}

func (c Config) timeout() time.Duration {
	if c.TimeoutSeconds > 0 {
		return time.Duration(c.TimeoutSeconds) * time.Second
	}
	return DefaultRequestTimeout
}

// New builds a provider from config.
func New(cfg Config) (Provider, error) {
	if cfg.Model == "" {
		return nil, fmt.Errorf("embedding model is required")
	}

	switch strings.ToLower(cfg.Provider) {
	case ProviderOllama, "local", "":
		return newOllamaProvider(cfg), nil
	case ProviderOpenAI:
		if cfg.APIKey == "" {
			return nil, fmt.Errorf("openai embedding requires api_key")
		}
		return newOpenAIProvider(cfg), nil
	case ProviderVoyage:
		if cfg.APIKey == "" {
			return nil, fmt.Errorf("voyageai embedding requires api_key")
		}
		return newVoyageProvider(cfg), nil
	default:
		return nil, fmt.Errorf("unsupported embedding provider: %s", cfg.Provider)
	}
}

// checkResult enforces the result shape guarantees shared by all providers.
func checkResult(vectors [][]float32, wantCount int) (int, error) {
	if len(vectors) != wantCount {
		return 0, fmt.Errorf("%w: got %d vectors for %d texts", ErrInvariant, len(vectors), wantCount)
	}
	if wantCount == 0 {
		return 0, nil
	}

	dim := len(vectors[0])
	if dim == 0 {
		return 0, fmt.Errorf("%w: provider returned empty vectors", ErrInvariant)
	}
	for i, v := range vectors {
		if len(v) != dim {
			return 0, fmt.Errorf("%w: vector %d has dim %d, expected %d", ErrInvariant, i, len(v), dim)
		}
	}
	return dim, nil
}

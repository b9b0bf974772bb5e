package embed

import (
	"context"
	"fmt"
	"time"

	"github.com/voyantai/ragline/internal/batch"
	"github.com/voyantai/ragline/internal/logging"
)

// Retry policy defaults.
const (
	DefaultMaxAttempts = 4
	DefaultBackoffBase = time.Second
	DefaultBackoffCap  = 60 * time.Second
)

// Client wraps a provider with pre-dispatch validation, retry with
// exponential backoff, and optional rate limiting for hosted providers.
type Client struct {
	provider    Provider
	limiter     *batch.RateLimiter
	maxAttempts int
	backoffBase time.Duration
	backoffCap  time.Duration
}

// NewClient builds a retrying client around a provider. A zero
// RequestsPerMinute in cfg disables rate limiting.
func NewClient(provider Provider, cfg Config) *Client {
	return &Client{
		provider:    provider,
		limiter:     batch.NewRateLimiter(cfg.RequestsPerMinute),
		maxAttempts: DefaultMaxAttempts,
		backoffBase: DefaultBackoffBase,
		backoffCap:  DefaultBackoffCap,
	}
}

// Provider exposes the wrapped provider.
func (c *Client) Provider() Provider {
	return c.provider
}

// Embed runs a single rate-limited embedding call without retries.
func (c *Client) Embed(ctx context.Context, texts []string, mode Mode) ([][]float32, int, error) {
	if err := c.limiter.Acquire(ctx); err != nil {
		return nil, 0, err
	}
	return c.provider.Embed(ctx, texts, mode)
}

// EmbedBatchWithRetry embeds a verified batch, retrying transient failures
// with exponential backoff. Cancellation is observed before every attempt
// and during backoff; a cancelled call returns without further retries.
func (c *Client) EmbedBatchWithRetry(ctx context.Context, b *batch.Batch, verify func(*batch.Batch) error) ([][]float32, int, error) {
	if verify != nil {
		if err := verify(b); err != nil {
			return nil, 0, fmt.Errorf("%w: batch %s failed pre-dispatch validation: %w", ErrBatchInvariant, b.ID, err)
		}
	}

	texts := b.Texts()
	var lastErr error

	for attempt := 1; attempt <= c.maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, 0, err
		}

		vectors, dim, err := c.Embed(ctx, texts, ModeDocument)
		if err == nil {
			return vectors, dim, nil
		}
		lastErr = err

		kind := Classify(err)
		if !Retryable(kind) {
			logging.L_error("embed: non-retryable failure", "batch", b.ID, "kind", kind, "error", err)
			return nil, 0, fmt.Errorf("embedding batch %s: %w", b.ID, err)
		}
		if attempt == c.maxAttempts {
			break
		}

		delay := c.backoff(attempt)
		logging.L_warn("embed: attempt failed, backing off", "batch", b.ID, "attempt", attempt, "max", c.maxAttempts, "kind", kind, "delay", delay.String(), "error", err)

		select {
		case <-ctx.Done():
			return nil, 0, ctx.Err()
		case <-time.After(delay):
		}
	}

	return nil, 0, fmt.Errorf("embedding batch %s failed after %d attempts: %w", b.ID, c.maxAttempts, lastErr)
}

// backoff doubles from the base per attempt, capped.
func (c *Client) backoff(attempt int) time.Duration {
	d := c.backoffBase << (attempt - 1)
	if d > c.backoffCap || d <= 0 {
		d = c.backoffCap
	}
	return d
}

package schema

import (
	"github.com/voyantai/ragline/internal/logging"
	"github.com/voyantai/ragline/internal/tokens"
)

// tokenCodec is the slice of the token counter the chunker needs.
type tokenCodec interface {
	Available() bool
	Encode(text string) []int
	Decode(ids []int) string
}

// Chunker splits extracted content according to a chunking strategy.
// A nil token counter degrades token_aware to char windows sized at
// max_tokens*4 chars with overlap_tokens*4 overlap.
type Chunker struct {
	cfg     Chunking
	counter tokenCodec
}

// NewChunker builds a chunker for the given config. Unknown strategies are
// logged once and treated as "none".
func NewChunker(cfg Chunking, counter *tokens.Counter) *Chunker {
	switch cfg.Strategy {
	case StrategyNone, StrategyRecursive, StrategyTokenAware:
	default:
		logging.L_warn("schema: unknown chunking strategy, using none", "strategy", cfg.Strategy)
		cfg.Strategy = StrategyNone
	}
	c := &Chunker{cfg: cfg}
	if counter != nil {
		c.counter = counter
	}
	return c
}

// Chunk splits text into chunks. Empty text yields no chunks.
func (c *Chunker) Chunk(text string) []string {
	if text == "" {
		return nil
	}

	switch c.cfg.Strategy {
	case StrategyRecursive:
		return charWindows(text, c.cfg.MaxChars, c.cfg.Overlap)
	case StrategyTokenAware:
		return c.tokenWindows(text)
	default:
		return []string{text}
	}
}

// charWindows cuts greedy fixed-size windows with overlap backoff.
// start always advances by at least one char so the loop terminates, and the
// window ending at len(text) is terminal.
func charWindows(text string, maxChars, overlap int) []string {
	if len(text) <= maxChars {
		return []string{text}
	}

	var chunks []string
	start := 0
	n := len(text)

	for start < n {
		end := start + maxChars
		if end > n {
			end = n
		}
		chunks = append(chunks, text[start:end])

		if end == n {
			break
		}
		next := end - overlap
		if next <= start {
			next = start + 1
		}
		start = next
	}

	return chunks
}

// tokenWindows applies the same window shape over token ids, decoding each
// window back to text.
func (c *Chunker) tokenWindows(text string) []string {
	if c.counter == nil || !c.counter.Available() {
		return charWindows(text, c.cfg.MaxTokens*4, c.cfg.OverlapTokens*4)
	}

	ids := c.counter.Encode(text)
	if len(ids) <= c.cfg.MaxTokens {
		return []string{text}
	}

	var chunks []string
	start := 0
	n := len(ids)

	for start < n {
		end := start + c.cfg.MaxTokens
		if end > n {
			end = n
		}
		chunks = append(chunks, c.counter.Decode(ids[start:end]))

		if end == n {
			break
		}
		next := end - c.cfg.OverlapTokens
		if next <= start {
			next = start + 1
		}
		start = next
	}

	return chunks
}

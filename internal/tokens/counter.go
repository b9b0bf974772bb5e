// Package tokens provides token counting for embedding models using tiktoken.
// Counts are used to pack batches under hard provider API limits.
package tokens

import (
	"sync"

	"github.com/pkoukk/tiktoken-go"

	. "github.com/voyantai/ragline/internal/logging"
)

// DefaultEncoding is cl100k_base, used as the fallback for unknown models.
const DefaultEncoding = "cl100k_base"

// modelEncodings maps embedding model names to tiktoken encodings.
// Voyage models use OpenAI's tokenization.
var modelEncodings = map[string]string{
	"voyage-large-2":          "cl100k_base",
	"voyage-code-2":           "cl100k_base",
	"voyage-2":                "cl100k_base",
	"voyage-lite-02-instruct": "cl100k_base",
	"text-embedding-3-small":  "cl100k_base",
	"text-embedding-3-large":  "cl100k_base",
	"text-embedding-ada-002":  "cl100k_base",
}

// Counter counts tokens for a specific embedding model.
// Counting is deterministic and side-effect free; a Counter is safe for
// concurrent use.
type Counter struct {
	model    string
	encoding *tiktoken.Tiktoken
	mu       sync.RWMutex
}

// NewCounter creates a token counter for the given model.
// Unknown models fall back to the default BPE encoding; if the encoding
// cannot be loaded at all, counting degrades to chars/4.
func NewCounter(model string) *Counter {
	name, ok := modelEncodings[model]
	if !ok {
		name = DefaultEncoding
	}

	enc, err := tiktoken.GetEncoding(name)
	if err != nil {
		L_warn("tokens: failed to load encoding, using chars/4 fallback", "model", model, "encoding", name, "error", err)
		return &Counter{model: model}
	}

	L_debug("tokens: counter ready", "model", model, "encoding", name)
	return &Counter{model: model, encoding: enc}
}

// Model returns the model this counter was built for.
func (c *Counter) Model() string {
	return c.model
}

// Count returns the token count for a string.
// Falls back to chars/4 if the encoding is unavailable.
func (c *Counter) Count(text string) int {
	if text == "" {
		return 0
	}
	if c == nil || c.encoding == nil {
		return len(text) / 4
	}

	c.mu.RLock()
	defer c.mu.RUnlock()

	return len(c.encoding.Encode(text, nil, nil))
}

// EstimateBatch returns the total token count for a batch of texts.
func (c *Counter) EstimateBatch(texts []string) int {
	total := 0
	for _, t := range texts {
		if t == "" {
			continue
		}
		total += c.Count(t)
	}
	return total
}

// FitsLimit reports whether texts fit within tokenLimit.
func (c *Counter) FitsLimit(texts []string, tokenLimit int) bool {
	return c.EstimateBatch(texts) <= tokenLimit
}

// MaxFit returns the largest prefix of texts that fits within tokenLimit,
// found by binary search. Always returns at least 1 for a nonempty slice so
// callers cannot loop forever on an oversized single item.
func (c *Counter) MaxFit(texts []string, tokenLimit int) int {
	if len(texts) == 0 {
		return 0
	}

	left, right := 1, len(texts)
	if right > 1000 {
		right = 1000
	}
	best := 0

	for left <= right {
		mid := (left + right) / 2
		if c.FitsLimit(texts[:mid], tokenLimit) {
			best = mid
			left = mid + 1
		} else {
			right = mid - 1
		}
	}

	if best < 1 {
		return 1
	}
	return best
}

// Encode splits text into token ids. Used by token-aware chunking to cut
// windows on token boundaries. Returns nil when the encoding is unavailable.
func (c *Counter) Encode(text string) []int {
	if c == nil || c.encoding == nil {
		return nil
	}

	c.mu.RLock()
	defer c.mu.RUnlock()

	return c.encoding.Encode(text, nil, nil)
}

// Decode reassembles token ids into text.
func (c *Counter) Decode(ids []int) string {
	if c == nil || c.encoding == nil {
		return ""
	}

	c.mu.RLock()
	defer c.mu.RUnlock()

	return c.encoding.Decode(ids)
}

// Available reports whether a real encoding is loaded (vs chars/4 fallback).
func (c *Counter) Available() bool {
	return c != nil && c.encoding != nil
}

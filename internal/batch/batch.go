// Package batch packs processed items into embedding batches that respect
// provider token and chunk limits, with safety margins below the hard API
// limits.
package batch

import (
	"fmt"
	"strings"
	"time"

	"github.com/voyantai/ragline/internal/parser"
	"github.com/voyantai/ragline/internal/tokens"

	. "github.com/voyantai/ragline/internal/logging"
)

// Safety margins below the provider hard limits.
const (
	DefaultTokenLimit = 9500
	DefaultChunkLimit = 950

	HardTokenLimit = 10000
	HardChunkLimit = 1000
)

// Batch is an ordered group of items ready for one embedding request.
type Batch struct {
	Items       []parser.ProcessedItem
	TotalTokens int
	ID          string
	CreatedAt   time.Time
}

// Texts returns the item texts in order.
func (b *Batch) Texts() []string {
	out := make([]string, len(b.Items))
	for i, it := range b.Items {
		out[i] = it.Text
	}
	return out
}

// Metadatas returns the item metadata in order.
func (b *Batch) Metadatas() []map[string]interface{} {
	out := make([]map[string]interface{}, len(b.Items))
	for i, it := range b.Items {
		out[i] = it.Metadata
	}
	return out
}

// Size is the number of items in the batch.
func (b *Batch) Size() int {
	return len(b.Items)
}

// Stats tracks batching throughput.
type Stats struct {
	BatchesCreated       int     `json:"batches_created"`
	TotalItemsProcessed  int     `json:"total_items_processed"`
	TotalTokensProcessed int     `json:"total_tokens_processed"`
	AvgBatchSize         float64 `json:"avg_batch_size"`
	AvgTokensPerBatch    float64 `json:"avg_tokens_per_batch"`
}

// Manager accumulates items and emits batches when limits would be
// exceeded. Not safe for concurrent use; one manager per job.
type Manager struct {
	counter    *tokens.Counter
	sizer      *tokens.AdaptiveSizer
	tokenLimit int
	chunkLimit int

	current       []parser.ProcessedItem
	currentTokens int
	batchCounter  int

	stats Stats
}

// NewManager creates a batch manager for the given model counter.
// Zero limits select the defaults.
func NewManager(counter *tokens.Counter, tokenLimit, chunkLimit int) *Manager {
	if tokenLimit <= 0 {
		tokenLimit = DefaultTokenLimit
	}
	if chunkLimit <= 0 {
		chunkLimit = DefaultChunkLimit
	}
	L_debug("batch: manager ready", "model", counter.Model(), "token_limit", tokenLimit, "chunk_limit", chunkLimit)
	return &Manager{
		counter:    counter,
		sizer:      tokens.NewAdaptiveSizer(),
		tokenLimit: tokenLimit,
		chunkLimit: chunkLimit,
	}
}

// TryAdd admits an item into the current batch. When the item would exceed
// a limit, the current batch is finalized and returned, and the item starts
// the next batch. Empty or whitespace-only texts are rejected.
func (m *Manager) TryAdd(item parser.ProcessedItem) *Batch {
	if strings.TrimSpace(item.Text) == "" {
		L_warn("batch: rejecting empty text", "source_index", item.SourceIndex, "chunk_index", item.ChunkIndex)
		return nil
	}

	// Count once, cache on the item.
	if item.CachedTokens == 0 {
		item.CachedTokens = m.counter.Count(item.Text)
	}
	m.sizer.Update(item.Text, item.CachedTokens)

	var completed *Batch
	if len(m.current)+1 > m.chunkLimit || m.currentTokens+item.CachedTokens > m.tokenLimit {
		completed = m.complete()
	}

	m.current = append(m.current, item)
	m.currentTokens += item.CachedTokens
	m.stats.TotalItemsProcessed++

	return completed
}

// Flush finalizes any remaining items as a last batch. Returns nil when the
// current batch is empty.
func (m *Manager) Flush() *Batch {
	return m.complete()
}

func (m *Manager) complete() *Batch {
	if len(m.current) == 0 {
		return nil
	}

	b := &Batch{
		Items:       m.current,
		TotalTokens: m.currentTokens,
		ID:          fmt.Sprintf("batch_%06d", m.batchCounter),
		CreatedAt:   time.Now(),
	}

	m.stats.BatchesCreated++
	m.stats.TotalTokensProcessed += b.TotalTokens
	m.stats.AvgBatchSize = float64(m.stats.TotalItemsProcessed) / float64(m.stats.BatchesCreated)
	m.stats.AvgTokensPerBatch = float64(m.stats.TotalTokensProcessed) / float64(m.stats.BatchesCreated)

	m.current = nil
	m.currentTokens = 0
	m.batchCounter++

	L_debug("batch: completed", "id", b.ID, "size", b.Size(), "tokens", b.TotalTokens)
	return b
}

// Verify recounts a batch end-to-end against the hard provider limits.
// A failing batch must never be dispatched; the caller treats it as a bug.
func (m *Manager) Verify(b *Batch) error {
	if b.Size() > HardChunkLimit {
		return fmt.Errorf("batch %s: size %d exceeds hard limit %d", b.ID, b.Size(), HardChunkLimit)
	}

	actual := m.counter.EstimateBatch(b.Texts())
	if actual > HardTokenLimit {
		return fmt.Errorf("batch %s: %d tokens exceeds hard limit %d", b.ID, actual, HardTokenLimit)
	}

	for i, text := range b.Texts() {
		if strings.TrimSpace(text) == "" {
			return fmt.Errorf("batch %s: item %d has empty text", b.ID, i)
		}
	}

	return nil
}

// EstimateCapacity predicts how many of the remaining texts fit in the next
// batch. Informational only; TryAdd is authoritative.
func (m *Manager) EstimateCapacity(remaining []string) int {
	return m.sizer.EstimateCapacity(remaining, m.tokenLimit, m.chunkLimit)
}

// Stats returns a copy of the running statistics.
func (m *Manager) Stats() Stats {
	return m.stats
}

// Package progress tracks per-task processing progress with phase history
// and derived throughput metrics, persisted through the kv store.
package progress

import (
	"fmt"
	"sync"
	"time"

	jsoniter "github.com/json-iterator/go"

	"github.com/voyantai/ragline/internal/kvstore"

	. "github.com/voyantai/ragline/internal/logging"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const progressPrefix = "progress:"

const (
	DefaultUpdateInterval = 5 * time.Second
	ProgressTTL           = 7 * 24 * time.Hour
	DefaultMaxAge         = 48 * time.Hour
)

// Processing phases, in rough pipeline order.
const (
	PhaseInitializing = "initializing"
	PhaseAnalyzing    = "analyzing_file"
	PhaseParsing      = "parsing_json"
	PhaseExtracting   = "extracting_content"
	PhaseChunking     = "chunking_text"
	PhaseEmbedding    = "generating_embeddings"
	PhaseStoring      = "storing_vectors"
	PhaseFinalizing   = "finalizing"
	PhaseCompleted    = "completed"
	PhaseError        = "error"
	PhasePaused       = "paused"
	PhaseCancelled    = "cancelled"
)

// PhaseProgress records one phase's span and counters.
type PhaseProgress struct {
	Phase             string     `json:"phase"`
	ItemsProcessed    int64      `json:"items_processed"`
	ItemsTotal        int64      `json:"items_total,omitempty"`
	StartTime         time.Time  `json:"start_time"`
	EndTime           *time.Time `json:"end_time,omitempty"`
	BytesProcessed    int64      `json:"bytes_processed"`
	ErrorsEncountered int64      `json:"errors_encountered"`
}

// Elapsed is the phase duration, measured to now while the phase is open.
func (p *PhaseProgress) Elapsed() time.Duration {
	if p.StartTime.IsZero() {
		return 0
	}
	end := time.Now()
	if p.EndTime != nil {
		end = *p.EndTime
	}
	return end.Sub(p.StartTime)
}

// Percentage reports phase completion; ok is false when no total is known.
func (p *PhaseProgress) Percentage() (float64, bool) {
	if p.ItemsTotal <= 0 {
		return 0, false
	}
	pct := float64(p.ItemsProcessed) / float64(p.ItemsTotal) * 100
	if pct > 100 {
		pct = 100
	}
	return pct, true
}

// ItemsPerSecond is the phase processing rate.
func (p *PhaseProgress) ItemsPerSecond() float64 {
	elapsed := p.Elapsed().Seconds()
	if elapsed <= 0 {
		return 0
	}
	return float64(p.ItemsProcessed) / elapsed
}

// Statistics is the full progress record for a task.
type Statistics struct {
	TaskID   string `json:"task_id"`
	TenantID string `json:"tenant_id"`

	TotalItemsProcessed      int64 `json:"total_items_processed"`
	TotalItemsExpected       int64 `json:"total_items_expected,omitempty"`
	TotalChunksCreated       int64 `json:"total_chunks_created"`
	TotalEmbeddingsGenerated int64 `json:"total_embeddings_generated"`
	TotalVectorsStored       int64 `json:"total_vectors_stored"`
	TotalBytesProcessed      int64 `json:"total_bytes_processed"`
	TotalErrors              int64 `json:"total_errors"`

	CurrentPhase string          `json:"current_phase"`
	PhaseHistory []PhaseProgress `json:"phase_history"`

	StartTime           time.Time  `json:"start_time"`
	EstimatedCompletion *time.Time `json:"estimated_completion,omitempty"`
	LastUpdate          time.Time  `json:"last_update"`

	AvgProcessingRate  float64                `json:"avg_processing_rate"`
	PeakProcessingRate float64                `json:"peak_processing_rate"`
	EmbeddingStats     map[string]interface{} `json:"embedding_batch_stats,omitempty"`
}

// OverallPercentage reports total completion; ok is false when the expected
// item count is unknown.
func (s *Statistics) OverallPercentage() (float64, bool) {
	if s.TotalItemsExpected <= 0 {
		return 0, false
	}
	pct := float64(s.TotalItemsProcessed) / float64(s.TotalItemsExpected) * 100
	if pct > 100 {
		pct = 100
	}
	return pct, true
}

// Elapsed is the total tracked time so far.
func (s *Statistics) Elapsed() time.Duration {
	if s.StartTime.IsZero() {
		return 0
	}
	return time.Since(s.StartTime)
}

// EstimatedRemaining projects time to completion from the average rate; ok
// is false when there is not enough signal yet.
func (s *Statistics) EstimatedRemaining() (time.Duration, bool) {
	if s.TotalItemsExpected <= 0 || s.TotalItemsProcessed <= 0 || s.AvgProcessingRate <= 0 {
		return 0, false
	}
	remaining := float64(s.TotalItemsExpected-s.TotalItemsProcessed) / s.AvgProcessingRate
	if remaining < 0 {
		remaining = 0
	}
	return time.Duration(remaining * float64(time.Second)), true
}

// Counters carries absolute counter values for an update. Values are totals,
// not deltas.
type Counters struct {
	ItemsProcessed      int64
	ChunksCreated       int64
	EmbeddingsGenerated int64
	VectorsStored       int64
	BytesProcessed      int64
	ErrorsEncountered   int64
}

// Tracker maintains progress for running tasks in memory with write-through
// persistence. Safe for concurrent use.
type Tracker struct {
	kv       *kvstore.Store
	interval time.Duration

	mu     sync.Mutex
	active map[string]*Statistics
}

// NewTracker creates a tracker. A non-positive interval selects the 5s
// default write-through cadence.
func NewTracker(kv *kvstore.Store, interval time.Duration) *Tracker {
	if interval <= 0 {
		interval = DefaultUpdateInterval
	}
	return &Tracker{
		kv:       kv,
		interval: interval,
		active:   make(map[string]*Statistics),
	}
}

// Start begins tracking a task. expectedItems of zero means unknown.
func (t *Tracker) Start(taskID, tenantID string, expectedItems int64) *Statistics {
	now := time.Now()
	stats := &Statistics{
		TaskID:             taskID,
		TenantID:           tenantID,
		TotalItemsExpected: expectedItems,
		CurrentPhase:       PhaseInitializing,
		StartTime:          now,
		LastUpdate:         now,
		EmbeddingStats:     make(map[string]interface{}),
	}

	t.mu.Lock()
	t.active[taskID] = stats
	t.store(stats)
	t.mu.Unlock()

	L_info("progress: tracking started", "task", taskID, "tenant", tenantID, "expected", expectedItems)
	return stats
}

// UpdatePhase transitions the task to a new phase. Phase changes always
// persist immediately; the previous phase's span is closed first. A phase
// seen before reopens its original entry, so the history stays bounded by
// the number of distinct phases even when batches alternate between
// parsing, embedding and storing.
func (t *Tracker) UpdatePhase(taskID, phase string, itemsTotal int64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	stats := t.load(taskID)
	if stats == nil {
		return false
	}

	now := time.Now()
	if cur := openSpan(stats); cur != nil {
		cur.EndTime = &now
	}

	reopened := false
	for i := range stats.PhaseHistory {
		if stats.PhaseHistory[i].Phase == phase {
			stats.PhaseHistory[i].EndTime = nil
			if itemsTotal > 0 {
				stats.PhaseHistory[i].ItemsTotal = itemsTotal
			}
			reopened = true
			break
		}
	}
	if !reopened {
		stats.PhaseHistory = append(stats.PhaseHistory, PhaseProgress{
			Phase:      phase,
			StartTime:  now,
			ItemsTotal: itemsTotal,
		})
	}
	stats.CurrentPhase = phase
	stats.LastUpdate = now
	t.store(stats)

	L_debug("progress: phase transition", "task", taskID, "phase", phase)
	return true
}

// openSpan returns the history entry whose span is still open, or nil. At
// most one entry is open at a time.
func openSpan(stats *Statistics) *PhaseProgress {
	for i := range stats.PhaseHistory {
		if stats.PhaseHistory[i].EndTime == nil {
			return &stats.PhaseHistory[i]
		}
	}
	return nil
}

// Update applies counter totals. Writes are rate limited to the tracker
// interval unless forced; a skipped write still returns false.
func (t *Tracker) Update(taskID string, c Counters, force bool) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	stats := t.load(taskID)
	if stats == nil {
		return false
	}
	if !force && time.Since(stats.LastUpdate) < t.interval {
		return false
	}

	stats.TotalItemsProcessed = c.ItemsProcessed
	stats.TotalChunksCreated = c.ChunksCreated
	stats.TotalEmbeddingsGenerated = c.EmbeddingsGenerated
	stats.TotalVectorsStored = c.VectorsStored
	stats.TotalBytesProcessed = c.BytesProcessed
	stats.TotalErrors = c.ErrorsEncountered

	if cur := openSpan(stats); cur != nil {
		cur.ItemsProcessed = c.ItemsProcessed
		cur.BytesProcessed = c.BytesProcessed
		cur.ErrorsEncountered = c.ErrorsEncountered
	}

	elapsed := stats.Elapsed().Seconds()
	if elapsed > 0 && stats.TotalItemsProcessed > 0 {
		stats.AvgProcessingRate = float64(stats.TotalItemsProcessed) / elapsed
		if stats.AvgProcessingRate > stats.PeakProcessingRate {
			stats.PeakProcessingRate = stats.AvgProcessingRate
		}
	}
	if remaining, ok := stats.EstimatedRemaining(); ok {
		eta := time.Now().Add(remaining)
		stats.EstimatedCompletion = &eta
	}

	stats.LastUpdate = time.Now()
	t.store(stats)
	return true
}

// SetExpected seeds the expected item total once a file estimate is known.
func (t *Tracker) SetExpected(taskID string, expected int64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	stats := t.load(taskID)
	if stats == nil {
		return false
	}
	stats.TotalItemsExpected = expected
	t.store(stats)
	return true
}

// UpdateEmbeddingStats merges embedding batch statistics into the record.
func (t *Tracker) UpdateEmbeddingStats(taskID string, batchStats map[string]interface{}) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	stats := t.load(taskID)
	if stats == nil {
		return false
	}
	if stats.EmbeddingStats == nil {
		stats.EmbeddingStats = make(map[string]interface{})
	}
	for k, v := range batchStats {
		stats.EmbeddingStats[k] = v
	}
	t.store(stats)
	return true
}

// Get returns the current statistics for a task, loading from the kv store
// when the task is not in memory. Returns nil when unknown.
func (t *Tracker) Get(taskID string) *Statistics {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.load(taskID)
}

// PhaseDetail is one phase's breakdown in a detailed report.
type PhaseDetail struct {
	Phase          string   `json:"phase"`
	ItemsProcessed int64    `json:"items_processed"`
	ItemsTotal     int64    `json:"items_total,omitempty"`
	Percentage     *float64 `json:"percentage,omitempty"`
	ElapsedSeconds float64  `json:"elapsed_time"`
	ItemsPerSecond float64  `json:"items_per_second"`
	Errors         int64    `json:"errors"`
	Completed      bool     `json:"completed"`
}

// Detailed is the full progress report with phase breakdown.
type Detailed struct {
	TaskID       string        `json:"task_id"`
	TenantID     string        `json:"tenant_id"`
	Overall      Overall       `json:"overall"`
	Timing       Timing        `json:"timing"`
	Performance  Performance   `json:"performance"`
	CurrentPhase *PhaseDetail  `json:"current_phase,omitempty"`
	PhaseHistory []PhaseDetail `json:"phase_history"`
}

type Overall struct {
	ItemsProcessed      int64    `json:"items_processed"`
	ItemsExpected       int64    `json:"items_expected,omitempty"`
	Percentage          *float64 `json:"percentage,omitempty"`
	ChunksCreated       int64    `json:"chunks_created"`
	EmbeddingsGenerated int64    `json:"embeddings_generated"`
	VectorsStored       int64    `json:"vectors_stored"`
	BytesProcessed      int64    `json:"bytes_processed"`
	ErrorsTotal         int64    `json:"errors_total"`
}

type Timing struct {
	StartTime          time.Time  `json:"start_time"`
	ElapsedSeconds     float64    `json:"elapsed_time"`
	EstimatedDone      *time.Time `json:"estimated_completion,omitempty"`
	EstimatedRemaining *float64   `json:"estimated_remaining,omitempty"`
	LastUpdate         time.Time  `json:"last_update"`
}

type Performance struct {
	AvgProcessingRate  float64                `json:"avg_processing_rate"`
	PeakProcessingRate float64                `json:"peak_processing_rate"`
	EmbeddingStats     map[string]interface{} `json:"embedding_batch_stats,omitempty"`
}

// GetDetailed builds the full breakdown for a task, or nil when unknown.
func (t *Tracker) GetDetailed(taskID string) *Detailed {
	t.mu.Lock()
	defer t.mu.Unlock()

	stats := t.load(taskID)
	if stats == nil {
		return nil
	}

	history := make([]PhaseDetail, 0, len(stats.PhaseHistory))
	for i := range stats.PhaseHistory {
		history = append(history, phaseDetail(&stats.PhaseHistory[i]))
	}

	d := &Detailed{
		TaskID:   stats.TaskID,
		TenantID: stats.TenantID,
		Overall: Overall{
			ItemsProcessed:      stats.TotalItemsProcessed,
			ItemsExpected:       stats.TotalItemsExpected,
			ChunksCreated:       stats.TotalChunksCreated,
			EmbeddingsGenerated: stats.TotalEmbeddingsGenerated,
			VectorsStored:       stats.TotalVectorsStored,
			BytesProcessed:      stats.TotalBytesProcessed,
			ErrorsTotal:         stats.TotalErrors,
		},
		Timing: Timing{
			StartTime:      stats.StartTime,
			ElapsedSeconds: stats.Elapsed().Seconds(),
			EstimatedDone:  stats.EstimatedCompletion,
			LastUpdate:     stats.LastUpdate,
		},
		Performance: Performance{
			AvgProcessingRate:  stats.AvgProcessingRate,
			PeakProcessingRate: stats.PeakProcessingRate,
			EmbeddingStats:     stats.EmbeddingStats,
		},
		PhaseHistory: history,
	}
	if pct, ok := stats.OverallPercentage(); ok {
		d.Overall.Percentage = &pct
	}
	if remaining, ok := stats.EstimatedRemaining(); ok {
		secs := remaining.Seconds()
		d.Timing.EstimatedRemaining = &secs
	}
	if len(history) > 0 {
		cur := history[len(history)-1]
		for i := range stats.PhaseHistory {
			if stats.PhaseHistory[i].Phase == stats.CurrentPhase {
				cur = history[i]
				break
			}
		}
		d.CurrentPhase = &cur
	}
	return d
}

func phaseDetail(p *PhaseProgress) PhaseDetail {
	d := PhaseDetail{
		Phase:          p.Phase,
		ItemsProcessed: p.ItemsProcessed,
		ItemsTotal:     p.ItemsTotal,
		ElapsedSeconds: p.Elapsed().Seconds(),
		ItemsPerSecond: p.ItemsPerSecond(),
		Errors:         p.ErrorsEncountered,
		Completed:      p.EndTime != nil,
	}
	if pct, ok := p.Percentage(); ok {
		d.Percentage = &pct
	}
	return d
}

// Finish closes tracking with a terminal phase and drops the task from
// memory. The persisted record remains until its TTL lapses.
func (t *Tracker) Finish(taskID string, success bool) bool {
	return t.finishWith(taskID, PhaseCompleted, PhaseError, success)
}

// FinishCancelled closes tracking for a cancelled task.
func (t *Tracker) FinishCancelled(taskID string) bool {
	return t.finishWith(taskID, PhaseCancelled, PhaseCancelled, true)
}

func (t *Tracker) finishWith(taskID, onSuccess, onFailure string, success bool) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	stats := t.load(taskID)
	if stats == nil {
		return false
	}

	now := time.Now()
	if cur := openSpan(stats); cur != nil {
		cur.EndTime = &now
	}
	if success {
		stats.CurrentPhase = onSuccess
	} else {
		stats.CurrentPhase = onFailure
	}
	stats.LastUpdate = now
	t.store(stats)

	delete(t.active, taskID)
	L_info("progress: tracking finished", "task", taskID, "phase", stats.CurrentPhase)
	return true
}

// CleanupOld removes persisted progress records older than maxAge and
// returns how many were deleted.
func (t *Tracker) CleanupOld(maxAge time.Duration) (int, error) {
	if maxAge <= 0 {
		maxAge = DefaultMaxAge
	}
	cutoff := time.Now().Add(-maxAge)

	keys, err := t.kv.Keys(progressPrefix)
	if err != nil {
		return 0, fmt.Errorf("progress cleanup: %w", err)
	}

	cleaned := 0
	for _, key := range keys {
		raw, ok, err := t.kv.Get(key)
		if err != nil || !ok {
			continue
		}
		var rec struct {
			StartTime time.Time `json:"start_time"`
		}
		if err := json.Unmarshal(raw, &rec); err != nil {
			L_warn("progress: undecodable record during cleanup", "key", key, "error", err)
			continue
		}
		if rec.StartTime.Before(cutoff) {
			if err := t.kv.Delete(key); err == nil {
				cleaned++
			}
		}
	}

	if cleaned > 0 {
		L_info("progress: cleaned up old records", "count", cleaned)
	}
	return cleaned, nil
}

// load returns the in-memory record, falling back to the kv store. Caller
// holds t.mu.
func (t *Tracker) load(taskID string) *Statistics {
	if stats, ok := t.active[taskID]; ok {
		return stats
	}

	raw, ok, err := t.kv.Get(progressPrefix + taskID)
	if err != nil {
		L_error("progress: load failed", "task", taskID, "error", err)
		return nil
	}
	if !ok {
		return nil
	}

	var stats Statistics
	if err := json.Unmarshal(raw, &stats); err != nil {
		L_error("progress: decode failed", "task", taskID, "error", err)
		return nil
	}
	t.active[taskID] = &stats
	return &stats
}

// store persists the record. Caller holds t.mu.
func (t *Tracker) store(stats *Statistics) {
	raw, err := json.Marshal(stats)
	if err != nil {
		L_error("progress: marshal failed", "task", stats.TaskID, "error", err)
		return
	}
	if err := t.kv.Set(progressPrefix+stats.TaskID, raw, ProgressTTL); err != nil {
		L_error("progress: store failed", "task", stats.TaskID, "error", err)
	}
}

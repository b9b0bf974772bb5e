// Package checkpoint persists processing state and failed batches so
// interrupted jobs can resume without reprocessing the whole file.
package checkpoint

import (
	"fmt"
	"time"

	jsoniter "github.com/json-iterator/go"

	"github.com/voyantai/ragline/internal/kvstore"

	. "github.com/voyantai/ragline/internal/logging"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Key prefixes in the shared store.
const (
	checkpointPrefix  = "checkpoint:"
	failedBatchPrefix = "failed_batch:"
)

// Defaults.
const (
	DefaultInterval   = 100
	CheckpointTTL     = 7 * 24 * time.Hour
	FailedBatchTTL    = 24 * time.Hour
	DefaultMaxRetries = 3
)

// Data is one saved processing state.
type Data struct {
	TaskID              string                 `json:"task_id"`
	FilePath            string                 `json:"file_path"`
	FileOffset          int64                  `json:"file_offset"`
	ItemsProcessed      int64                  `json:"items_processed"`
	ChunksProcessed     int64                  `json:"chunks_processed"`
	EmbeddingsGenerated int64                  `json:"embeddings_generated"`
	ProcessingState     map[string]interface{} `json:"processing_state,omitempty"`
	CreatedAt           time.Time              `json:"created_at"`
}

// FailedBatch is a batch payload preserved for later retry.
type FailedBatch struct {
	TaskID      string                   `json:"task_id"`
	BatchID     string                   `json:"batch_id"`
	Texts       []string                 `json:"texts"`
	Metadatas   []map[string]interface{} `json:"metadatas,omitempty"`
	ErrorInfo   string                   `json:"error_info"`
	RetryCount  int                      `json:"retry_count"`
	CreatedAt   time.Time                `json:"created_at"`
	LastRetryAt time.Time                `json:"last_retry_at,omitempty"`
}

// RecoveryContext describes how a resumed job should pick up.
type RecoveryContext struct {
	Checkpoint           *Data `json:"checkpoint"`
	ShouldRetryLastBatch bool  `json:"should_retry_last_batch"`
	RetryCount           int   `json:"retry_count"`
	MaxRetries           int   `json:"max_retries"`
}

// CanRetry reports whether the retry budget still has room.
func (r *RecoveryContext) CanRetry() bool {
	return r.RetryCount < r.MaxRetries
}

// RecoveryStats summarizes what a resume would recover.
type RecoveryStats struct {
	Recoverable        bool    `json:"recoverable"`
	Reason             string  `json:"reason,omitempty"`
	CheckpointAgeHours float64 `json:"checkpoint_age_hours,omitempty"`
	ItemsProcessed     int64   `json:"items_processed,omitempty"`
	ChunksProcessed    int64   `json:"chunks_processed,omitempty"`
	FailedBatchCount   int     `json:"failed_batches_count,omitempty"`
	FailedItemCount    int     `json:"failed_items_count,omitempty"`
}

// Store manages checkpoints and failed batches for jobs. A job has at most
// one writer; no cross-job locking is needed.
type Store struct {
	kv       *kvstore.Store
	interval int64
}

// NewStore creates a checkpoint store. A non-positive interval selects the
// default of 100 items.
func NewStore(kv *kvstore.Store, interval int) *Store {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Store{kv: kv, interval: int64(interval)}
}

// Save writes a checkpoint when forced or when items_processed lands on the
// interval. Reports whether a write happened.
func (s *Store) Save(data *Data, force bool) (bool, error) {
	if !force && data.ItemsProcessed%s.interval != 0 {
		return false, nil
	}

	if data.CreatedAt.IsZero() {
		data.CreatedAt = time.Now()
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return false, fmt.Errorf("marshal checkpoint %s: %w", data.TaskID, err)
	}
	if err := s.kv.Set(checkpointPrefix+data.TaskID, raw, CheckpointTTL); err != nil {
		return false, fmt.Errorf("save checkpoint %s: %w", data.TaskID, err)
	}

	L_debug("checkpoint: saved", "task", data.TaskID, "items", data.ItemsProcessed, "forced", force)
	return true, nil
}

// Load returns the checkpoint for a task, or nil if none exists.
func (s *Store) Load(taskID string) (*Data, error) {
	raw, ok, err := s.kv.Get(checkpointPrefix + taskID)
	if err != nil {
		return nil, fmt.Errorf("load checkpoint %s: %w", taskID, err)
	}
	if !ok {
		return nil, nil
	}

	var data Data
	if err := json.Unmarshal(raw, &data); err != nil {
		return nil, fmt.Errorf("decode checkpoint %s: %w", taskID, err)
	}
	return &data, nil
}

// Delete removes a checkpoint after successful completion.
func (s *Store) Delete(taskID string) error {
	return s.kv.Delete(checkpointPrefix + taskID)
}

// SaveFailedBatch preserves a failed batch payload for retry and returns
// its id.
func (s *Store) SaveFailedBatch(taskID string, texts []string, metadatas []map[string]interface{}, errInfo string) (string, error) {
	failedID := fmt.Sprintf("%s_%d", taskID, time.Now().Unix())

	fb := FailedBatch{
		TaskID:    taskID,
		BatchID:   failedID,
		Texts:     texts,
		Metadatas: metadatas,
		ErrorInfo: errInfo,
		CreatedAt: time.Now(),
	}
	raw, err := json.Marshal(fb)
	if err != nil {
		return "", fmt.Errorf("marshal failed batch %s: %w", failedID, err)
	}
	if err := s.kv.Set(failedBatchPrefix+failedID, raw, FailedBatchTTL); err != nil {
		return "", fmt.Errorf("save failed batch %s: %w", failedID, err)
	}

	L_warn("checkpoint: saved failed batch", "task", taskID, "failed_id", failedID, "items", len(texts))
	return failedID, nil
}

// FailedBatches lists the preserved failed batches for a task.
func (s *Store) FailedBatches(taskID string) ([]FailedBatch, error) {
	keys, err := s.kv.Keys(failedBatchPrefix + taskID + "_")
	if err != nil {
		return nil, fmt.Errorf("list failed batches %s: %w", taskID, err)
	}

	var out []FailedBatch
	for _, key := range keys {
		raw, ok, err := s.kv.Get(key)
		if err != nil || !ok {
			continue
		}
		var fb FailedBatch
		if err := json.Unmarshal(raw, &fb); err != nil {
			L_warn("checkpoint: skipping undecodable failed batch", "key", key, "error", err)
			continue
		}
		out = append(out, fb)
	}
	return out, nil
}

// RetryFailedBatch returns the payload for another attempt, incrementing
// its retry count and refreshing the TTL. Returns nil when the batch is
// gone or the retry cap is reached.
func (s *Store) RetryFailedBatch(failedID string, maxRetries int) (*FailedBatch, error) {
	if maxRetries <= 0 {
		maxRetries = DefaultMaxRetries
	}

	key := failedBatchPrefix + failedID
	raw, ok, err := s.kv.Get(key)
	if err != nil {
		return nil, fmt.Errorf("retry failed batch %s: %w", failedID, err)
	}
	if !ok {
		return nil, nil
	}

	var fb FailedBatch
	if err := json.Unmarshal(raw, &fb); err != nil {
		return nil, fmt.Errorf("decode failed batch %s: %w", failedID, err)
	}

	if fb.RetryCount >= maxRetries {
		L_warn("checkpoint: failed batch exceeded max retries", "failed_id", failedID, "retries", fb.RetryCount)
		return nil, nil
	}

	fb.RetryCount++
	fb.LastRetryAt = time.Now()
	updated, err := json.Marshal(fb)
	if err != nil {
		return nil, fmt.Errorf("marshal failed batch %s: %w", failedID, err)
	}
	if err := s.kv.Set(key, updated, FailedBatchTTL); err != nil {
		return nil, fmt.Errorf("update failed batch %s: %w", failedID, err)
	}

	L_info("checkpoint: retrying failed batch", "failed_id", failedID, "attempt", fb.RetryCount)
	return &fb, nil
}

// MarkRecovered deletes a failed batch after a successful retry.
func (s *Store) MarkRecovered(failedID string) error {
	if err := s.kv.Delete(failedBatchPrefix + failedID); err != nil {
		return err
	}
	L_info("checkpoint: failed batch recovered", "failed_id", failedID)
	return nil
}

// Recovery builds the recovery context for a resuming task. Returns nil
// when no checkpoint exists (fresh start).
func (s *Store) Recovery(taskID string) (*RecoveryContext, error) {
	cp, err := s.Load(taskID)
	if err != nil {
		return nil, err
	}
	if cp == nil {
		L_info("checkpoint: no checkpoint, starting fresh", "task", taskID)
		return nil, nil
	}

	failed, err := s.FailedBatches(taskID)
	if err != nil {
		return nil, err
	}

	ctx := &RecoveryContext{
		Checkpoint:           cp,
		ShouldRetryLastBatch: len(failed) > 0,
		MaxRetries:           DefaultMaxRetries,
	}
	L_info("checkpoint: recovery context ready", "task", taskID, "items", cp.ItemsProcessed, "failed_batches", len(failed))
	return ctx, nil
}

// EstimateRecovery summarizes recovery state for operators.
func (s *Store) EstimateRecovery(taskID string) (*RecoveryStats, error) {
	cp, err := s.Load(taskID)
	if err != nil {
		return nil, err
	}
	if cp == nil {
		return &RecoveryStats{Recoverable: false, Reason: "no checkpoint found"}, nil
	}

	failed, err := s.FailedBatches(taskID)
	if err != nil {
		return nil, err
	}

	failedItems := 0
	for _, fb := range failed {
		failedItems += len(fb.Texts)
	}

	return &RecoveryStats{
		Recoverable:        true,
		CheckpointAgeHours: time.Since(cp.CreatedAt).Hours(),
		ItemsProcessed:     cp.ItemsProcessed,
		ChunksProcessed:    cp.ChunksProcessed,
		FailedBatchCount:   len(failed),
		FailedItemCount:    failedItems,
	}, nil
}

// CleanupOld removes checkpoints and failed batches created before cutoff.
func (s *Store) CleanupOld(cutoff time.Time) (int, error) {
	cleaned := 0

	for _, prefix := range []string{checkpointPrefix, failedBatchPrefix} {
		keys, err := s.kv.Keys(prefix)
		if err != nil {
			return cleaned, fmt.Errorf("cleanup list %s: %w", prefix, err)
		}
		for _, key := range keys {
			raw, ok, err := s.kv.Get(key)
			if err != nil || !ok {
				continue
			}
			var rec struct {
				CreatedAt time.Time `json:"created_at"`
			}
			if err := json.Unmarshal(raw, &rec); err != nil {
				L_warn("checkpoint: undecodable record during cleanup", "key", key, "error", err)
				continue
			}
			if rec.CreatedAt.Before(cutoff) {
				if err := s.kv.Delete(key); err == nil {
					cleaned++
				}
			}
		}
	}

	if cleaned > 0 {
		L_info("checkpoint: cleaned up old records", "count", cleaned)
	}
	return cleaned, nil
}

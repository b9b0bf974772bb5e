// Package task manages background ingestion jobs: a FIFO queue with a
// bounded worker pool, pause/resume/cancel control, job-level retries from
// checkpoints, and periodic cleanup of finished records.
package task

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	jsoniter "github.com/json-iterator/go"
	"github.com/robfig/cron/v3"

	"github.com/voyantai/ragline/internal/checkpoint"
	"github.com/voyantai/ragline/internal/embed"
	"github.com/voyantai/ragline/internal/kvstore"
	"github.com/voyantai/ragline/internal/progress"

	. "github.com/voyantai/ragline/internal/logging"
)

var jsonc = jsoniter.ConfigCompatibleWithStandardLibrary

// Keys in the shared store.
const (
	taskPrefix   = "processing_task:"
	queueKey     = "task_queue"
	activeSetKey = "active_tasks"
)

// Defaults.
const (
	TaskTTL               = 48 * time.Hour
	DefaultMaxConcurrent  = 5
	DefaultMaxRetries     = 3
	DefaultBackoffBase    = time.Second
	DefaultBackoffCap     = 60 * time.Second
	DefaultCleanupMaxAge  = 24 * time.Hour
	DefaultCleanupSpec    = "@every 1h"
	checkpointCleanupAge  = 7 * 24 * time.Hour
	progressCleanupMaxAge = 48 * time.Hour
)

// Status is a job lifecycle state.
type Status string

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusPaused    Status = "paused"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether a status admits no further transitions.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// FileInfo describes the spooled input file.
type FileInfo struct {
	Path     string `json:"file_path"`
	Size     int64  `json:"file_size"`
	Filename string `json:"filename"`
}

// Progress is the job record's lightweight progress snapshot. Detailed
// phase-by-phase progress lives in the progress tracker.
type Progress struct {
	ItemsProcessed      int64      `json:"items_processed"`
	ItemsTotal          int64      `json:"items_total,omitempty"`
	ChunksProcessed     int64      `json:"chunks_processed"`
	EmbeddingsGenerated int64      `json:"embeddings_generated"`
	BytesProcessed      int64      `json:"bytes_processed"`
	CurrentPhase        string     `json:"current_phase"`
	StartTime           time.Time  `json:"start_time,omitempty"`
	LastCheckpoint      *time.Time `json:"last_checkpoint,omitempty"`
	ErrorCount          int64      `json:"error_count"`
}

// ErrorInfo records a job failure.
type ErrorInfo struct {
	Message     string    `json:"error_message"`
	Timestamp   time.Time `json:"timestamp"`
	Recoverable bool      `json:"recoverable"`
}

// Result is the outcome of a completed run.
type Result struct {
	ItemsProcessed  int64 `json:"items_processed"`
	ChunksProcessed int64 `json:"chunks_processed"`
	Upserted        int64 `json:"upserted"`
	Errors          int64 `json:"errors"`
}

// Job is the full task record persisted in the shared store.
type Job struct {
	ID         string          `json:"task_id"`
	TenantID   string          `json:"tenant_id"`
	Status     Status          `json:"status"`
	FileInfo   FileInfo        `json:"file_info"`
	SchemaJSON json.RawMessage `json:"schema_config,omitempty"`
	Embedding  embed.Config    `json:"embedding_config"`
	Progress   Progress        `json:"progress"`
	Error      *ErrorInfo      `json:"error_info,omitempty"`
	Results    *Result         `json:"results,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
	UpdatedAt  time.Time       `json:"updated_at"`
}

// Runner executes one job. report pushes progress snapshots into the job
// record as processing advances.
type Runner interface {
	Run(ctx context.Context, job *Job, report ReportFunc) (*Result, error)
}

// ReportFunc receives progress snapshots from a running job.
type ReportFunc func(p Progress)

// RunnerFunc adapts a function to the Runner interface.
type RunnerFunc func(ctx context.Context, job *Job, report ReportFunc) (*Result, error)

func (f RunnerFunc) Run(ctx context.Context, job *Job, report ReportFunc) (*Result, error) {
	return f(ctx, job, report)
}

// Options tune the manager. Zero values select defaults.
type Options struct {
	MaxConcurrent int
	MaxRetries    int
	BackoffBase   time.Duration
	BackoffCap    time.Duration
}

// Manager owns the job queue, the worker pool and all state transitions.
type Manager struct {
	kv          *kvstore.Store
	checkpoints *checkpoint.Store
	tracker     *progress.Tracker
	runner      Runner

	maxConcurrent int
	maxRetries    int
	backoffBase   time.Duration
	backoffCap    time.Duration

	mu      sync.Mutex
	running map[string]context.CancelFunc
	wg      sync.WaitGroup
	cron    *cron.Cron
}

// NewManager creates a task manager. The manager does not start work on its
// own; jobs run as they are submitted or resumed.
func NewManager(kv *kvstore.Store, cp *checkpoint.Store, tracker *progress.Tracker, runner Runner, opts Options) *Manager {
	if opts.MaxConcurrent <= 0 {
		opts.MaxConcurrent = DefaultMaxConcurrent
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = DefaultMaxRetries
	}
	if opts.BackoffBase <= 0 {
		opts.BackoffBase = DefaultBackoffBase
	}
	if opts.BackoffCap <= 0 {
		opts.BackoffCap = DefaultBackoffCap
	}
	L_info("task: manager ready", "max_concurrent", opts.MaxConcurrent)
	return &Manager{
		kv:            kv,
		checkpoints:   cp,
		tracker:       tracker,
		runner:        runner,
		maxConcurrent: opts.MaxConcurrent,
		maxRetries:    opts.MaxRetries,
		backoffBase:   opts.BackoffBase,
		backoffCap:    opts.BackoffCap,
		running:       make(map[string]context.CancelFunc),
	}
}

// Submit enqueues a new job and returns its id. Processing starts
// immediately when worker capacity is available.
func (m *Manager) Submit(tenantID string, file FileInfo, schemaJSON []byte, embCfg embed.Config) (string, error) {
	id := fmt.Sprintf("ingest_%x", uuid.New())
	if file.Filename == "" {
		file.Filename = filepath.Base(file.Path)
	}

	now := time.Now()
	job := &Job{
		ID:         id,
		TenantID:   tenantID,
		Status:     StatusQueued,
		FileInfo:   file,
		SchemaJSON: schemaJSON,
		Embedding:  embCfg,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := m.storeJob(job); err != nil {
		return "", err
	}
	if err := m.kv.LPush(queueKey, []byte(id)); err != nil {
		return "", fmt.Errorf("enqueue %s: %w", id, err)
	}

	L_info("task: submitted", "task", id, "tenant", tenantID,
		"file", file.Filename, "size", humanize.Bytes(uint64(file.Size)))
	m.dispatch()
	return id, nil
}

// Status returns the job record, or ErrNotFound.
func (m *Manager) Status(taskID string) (*Job, error) {
	return m.loadJob(taskID)
}

// Pause stops a running job at its next suspension point. The latest
// checkpoint is preserved for resume.
func (m *Manager) Pause(taskID string) error {
	job, err := m.loadJob(taskID)
	if err != nil {
		return err
	}
	if job.Status != StatusRunning {
		return fmt.Errorf("pause %s from %s: %w", taskID, job.Status, ErrIllegalTransition)
	}

	job.Status = StatusPaused
	job.Progress.CurrentPhase = progress.PhasePaused
	if err := m.storeJob(job); err != nil {
		return err
	}
	m.stopToken(taskID)

	L_info("task: paused", "task", taskID)
	return nil
}

// Resume returns a paused job to the queue.
func (m *Manager) Resume(taskID string) error {
	job, err := m.loadJob(taskID)
	if err != nil {
		return err
	}
	if job.Status != StatusPaused {
		return fmt.Errorf("resume %s from %s: %w", taskID, job.Status, ErrIllegalTransition)
	}

	job.Status = StatusQueued
	if err := m.storeJob(job); err != nil {
		return err
	}
	if err := m.kv.LPush(queueKey, []byte(taskID)); err != nil {
		return fmt.Errorf("requeue %s: %w", taskID, err)
	}

	L_info("task: resumed", "task", taskID)
	m.dispatch()
	return nil
}

// Cancel terminates a job from any non-terminal state. Checkpoints are
// retained until their TTL lapses.
func (m *Manager) Cancel(taskID string) error {
	job, err := m.loadJob(taskID)
	if err != nil {
		return err
	}
	if job.Status.Terminal() {
		return fmt.Errorf("cancel %s from %s: %w", taskID, job.Status, ErrIllegalTransition)
	}

	job.Status = StatusCancelled
	job.Progress.CurrentPhase = progress.PhaseCancelled
	if err := m.storeJob(job); err != nil {
		return err
	}
	m.stopToken(taskID)
	if err := m.kv.LRem(queueKey, []byte(taskID)); err != nil {
		L_warn("task: failed to drop cancelled job from queue", "task", taskID, "error", err)
	}

	L_info("task: cancelled", "task", taskID)
	return nil
}

// Active returns job records from the shared active set, filtered by tenant
// when tenantID is non-empty.
func (m *Manager) Active(tenantID string) ([]*Job, error) {
	ids, err := m.kv.SMembers(activeSetKey)
	if err != nil {
		return nil, fmt.Errorf("active tasks: %w", err)
	}

	var jobs []*Job
	for _, id := range ids {
		job, err := m.loadJob(id)
		if err != nil {
			continue
		}
		if tenantID == "" || job.TenantID == tenantID {
			jobs = append(jobs, job)
		}
	}
	return jobs, nil
}

// Recovery summarizes what a resume of the given job would recover.
func (m *Manager) Recovery(taskID string) (*checkpoint.RecoveryStats, error) {
	return m.checkpoints.EstimateRecovery(taskID)
}

// dispatch starts queued jobs while worker capacity remains.
func (m *Manager) dispatch() {
	m.mu.Lock()
	defer m.mu.Unlock()

	for len(m.running) < m.maxConcurrent {
		raw, ok, err := m.kv.RPop(queueKey)
		if err != nil {
			L_error("task: queue pop failed", "error", err)
			return
		}
		if !ok {
			return
		}
		taskID := string(raw)

		job, err := m.loadJob(taskID)
		if err != nil || job.Status != StatusQueued {
			// Cancelled while queued, or record expired.
			L_debug("task: skipping stale queue entry", "task", taskID)
			continue
		}

		ctx, cancel := context.WithCancel(context.Background())
		m.running[taskID] = cancel
		if err := m.kv.SAdd(activeSetKey, taskID); err != nil {
			L_warn("task: failed to mark active", "task", taskID, "error", err)
		}

		m.wg.Add(1)
		go m.process(ctx, taskID)
	}
}

// process runs one job through the retry loop and records the outcome.
func (m *Manager) process(ctx context.Context, taskID string) {
	defer m.wg.Done()
	defer func() {
		m.mu.Lock()
		if cancel, ok := m.running[taskID]; ok {
			cancel()
			delete(m.running, taskID)
		}
		m.mu.Unlock()
		if err := m.kv.SRem(activeSetKey, taskID); err != nil {
			L_warn("task: failed to clear active flag", "task", taskID, "error", err)
		}
		m.dispatch()
	}()

	job, err := m.loadJob(taskID)
	if err != nil {
		L_error("task: record missing at start", "task", taskID, "error", err)
		return
	}

	m.tracker.Start(taskID, job.TenantID, 0)

	job.Status = StatusRunning
	job.Progress.StartTime = time.Now()
	if err := m.storeJob(job); err != nil {
		L_error("task: failed to mark running", "task", taskID, "error", err)
		return
	}

	report := func(p Progress) {
		// The stored record is authoritative for status: once pause or
		// cancel has parked the job, a straggling snapshot must not write
		// the cached running record back over it.
		cur, err := m.loadJob(taskID)
		if err != nil || cur.Status != StatusRunning {
			return
		}
		cur.Progress = p
		if err := m.storeJob(cur); err != nil {
			L_warn("task: progress write failed", "task", taskID, "error", err)
		}
		job.Progress = p
	}

	var result *Result
	var runErr error
	for attempt := 0; ; attempt++ {
		result, runErr = m.runner.Run(ctx, job, report)
		if runErr == nil || ctx.Err() != nil {
			break
		}

		L_warn("task: attempt failed", "task", taskID,
			"attempt", attempt+1, "max", m.maxRetries+1, "error", runErr)
		if attempt >= m.maxRetries || !Recoverable(runErr) {
			break
		}

		// A forced checkpoint precedes every retry so even a crash between
		// attempts resumes from the latest prefix.
		m.forceCheckpoint(job, map[string]interface{}{
			"retry_count": attempt + 1,
			"last_error":  runErr.Error(),
		})

		delay := m.backoffBase << attempt
		if delay > m.backoffCap {
			delay = m.backoffCap
		}
		L_info("task: retrying", "task", taskID, "delay", delay)
		select {
		case <-ctx.Done():
		case <-time.After(delay):
		}
		if ctx.Err() != nil {
			break
		}
	}

	m.finish(taskID, result, runErr, ctx.Err() != nil)
}

// finish records the terminal outcome of a run.
func (m *Manager) finish(taskID string, result *Result, runErr error, interrupted bool) {
	job, err := m.loadJob(taskID)
	if err != nil {
		L_error("task: record missing at finish", "task", taskID, "error", err)
		return
	}

	if interrupted {
		// Pause or cancel already set the status; keep it.
		switch job.Status {
		case StatusPaused:
			m.tracker.UpdatePhase(taskID, progress.PhasePaused, 0)
		case StatusCancelled:
			m.tracker.FinishCancelled(taskID)
		default:
			// The token tripped without a pause or cancel, e.g. during
			// shutdown. Park the record so a restart can resume it.
			job.Status = StatusPaused
			job.Progress.CurrentPhase = progress.PhasePaused
			if err := m.storeJob(job); err != nil {
				L_error("task: failed to park interrupted job", "task", taskID, "error", err)
			}
			m.tracker.UpdatePhase(taskID, progress.PhasePaused, 0)
		}
		L_info("task: interrupted", "task", taskID, "status", job.Status)
		return
	}

	if runErr != nil {
		job.Status = StatusFailed
		job.Progress.CurrentPhase = progress.PhaseError
		job.Progress.ErrorCount++
		job.Error = &ErrorInfo{
			Message:     runErr.Error(),
			Timestamp:   time.Now(),
			Recoverable: Recoverable(runErr),
		}
		if err := m.storeJob(job); err != nil {
			L_error("task: failed to record failure", "task", taskID, "error", err)
		}
		m.tracker.Finish(taskID, false)
		m.forceCheckpoint(job, map[string]interface{}{
			"final_error": runErr.Error(),
		})
		L_error("task: failed", "task", taskID, "error", runErr)
		return
	}

	job.Status = StatusCompleted
	job.Progress.CurrentPhase = progress.PhaseCompleted
	if result != nil {
		job.Progress.ItemsProcessed = result.ItemsProcessed
		job.Progress.ChunksProcessed = result.ChunksProcessed
		job.Progress.EmbeddingsGenerated = result.Upserted
		job.Results = result
	}
	if err := m.storeJob(job); err != nil {
		L_error("task: failed to record completion", "task", taskID, "error", err)
	}
	m.tracker.Finish(taskID, true)
	if err := m.checkpoints.Delete(taskID); err != nil {
		L_warn("task: checkpoint cleanup failed", "task", taskID, "error", err)
	}
	L_info("task: completed", "task", taskID,
		"items", job.Progress.ItemsProcessed, "upserted", job.Progress.EmbeddingsGenerated)
}

// forceCheckpoint writes a checkpoint carrying the current counters plus
// the given processing state.
func (m *Manager) forceCheckpoint(job *Job, state map[string]interface{}) {
	data, err := m.checkpoints.Load(job.ID)
	if err != nil || data == nil {
		data = &checkpoint.Data{TaskID: job.ID, FilePath: job.FileInfo.Path}
	}
	// The runner checkpoints exact counts as it goes; a progress snapshot
	// older than the stored prefix must not move the checkpoint backwards.
	if job.Progress.ItemsProcessed >= data.ItemsProcessed {
		data.ItemsProcessed = job.Progress.ItemsProcessed
		data.ChunksProcessed = job.Progress.ChunksProcessed
		data.EmbeddingsGenerated = job.Progress.EmbeddingsGenerated
	}
	data.ProcessingState = state
	if _, err := m.checkpoints.Save(data, true); err != nil {
		L_warn("task: forced checkpoint failed", "task", job.ID, "error", err)
	}
}

// stopToken trips a running job's cancellation token.
func (m *Manager) stopToken(taskID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cancel, ok := m.running[taskID]; ok {
		cancel()
		delete(m.running, taskID)
	}
}

// CleanupOldTasks removes terminal job records not updated since maxAge ago.
func (m *Manager) CleanupOldTasks(maxAge time.Duration) (int, error) {
	if maxAge <= 0 {
		maxAge = DefaultCleanupMaxAge
	}
	cutoff := time.Now().Add(-maxAge)

	keys, err := m.kv.Keys(taskPrefix)
	if err != nil {
		return 0, fmt.Errorf("task cleanup: %w", err)
	}

	cleaned := 0
	for _, key := range keys {
		raw, ok, err := m.kv.Get(key)
		if err != nil || !ok {
			continue
		}
		var rec struct {
			Status    Status    `json:"status"`
			UpdatedAt time.Time `json:"updated_at"`
		}
		if err := jsonc.Unmarshal(raw, &rec); err != nil {
			L_warn("task: undecodable record during cleanup", "key", key, "error", err)
			continue
		}
		if rec.Status.Terminal() && rec.UpdatedAt.Before(cutoff) {
			if err := m.kv.Delete(key); err == nil {
				cleaned++
			}
		}
	}

	if cleaned > 0 {
		L_info("task: cleaned up old records", "count", cleaned)
	}
	return cleaned, nil
}

// StartCleanupScheduler begins the periodic sweep of old task records,
// checkpoints, progress records and expired keys. spec is a cron expression;
// empty selects the hourly default.
func (m *Manager) StartCleanupScheduler(spec string) error {
	if spec == "" {
		spec = DefaultCleanupSpec
	}

	c := cron.New()
	_, err := c.AddFunc(spec, func() {
		if _, err := m.CleanupOldTasks(DefaultCleanupMaxAge); err != nil {
			L_warn("task: task sweep failed", "error", err)
		}
		if _, err := m.checkpoints.CleanupOld(time.Now().Add(-checkpointCleanupAge)); err != nil {
			L_warn("task: checkpoint sweep failed", "error", err)
		}
		if _, err := m.tracker.CleanupOld(progressCleanupMaxAge); err != nil {
			L_warn("task: progress sweep failed", "error", err)
		}
		if _, err := m.kv.Sweep(); err != nil {
			L_warn("task: key sweep failed", "error", err)
		}
	})
	if err != nil {
		return fmt.Errorf("schedule cleanup %q: %w", spec, err)
	}

	c.Start()
	m.cron = c
	L_info("task: cleanup scheduler started", "spec", spec)
	return nil
}

// Shutdown trips every running job's token and waits for workers to exit,
// bounded by ctx.
func (m *Manager) Shutdown(ctx context.Context) error {
	if m.cron != nil {
		m.cron.Stop()
	}

	m.mu.Lock()
	for taskID, cancel := range m.running {
		L_info("task: cancelling during shutdown", "task", taskID)
		cancel()
	}
	m.mu.Unlock()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		L_info("task: shutdown complete")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("task manager shutdown: %w", ctx.Err())
	}
}

func (m *Manager) storeJob(job *Job) error {
	job.UpdatedAt = time.Now()
	raw, err := jsonc.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal task %s: %w", job.ID, err)
	}
	if err := m.kv.Set(taskPrefix+job.ID, raw, TaskTTL); err != nil {
		return fmt.Errorf("store task %s: %w", job.ID, err)
	}
	return nil
}

func (m *Manager) loadJob(taskID string) (*Job, error) {
	raw, ok, err := m.kv.Get(taskPrefix + taskID)
	if err != nil {
		return nil, fmt.Errorf("load task %s: %w", taskID, err)
	}
	if !ok {
		return nil, fmt.Errorf("load task %s: %w", taskID, ErrNotFound)
	}

	var job Job
	if err := jsonc.Unmarshal(raw, &job); err != nil {
		return nil, fmt.Errorf("decode task %s: %w", taskID, err)
	}
	return &job, nil
}

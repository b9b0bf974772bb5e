// Package ingest drives one job end to end: stream the file, pack chunks
// into batches, embed, upsert into the vector store, and checkpoint along
// the way so an interrupted job resumes from its last consistent prefix.
package ingest

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"

	jsoniter "github.com/json-iterator/go"

	"github.com/voyantai/ragline/internal/batch"
	"github.com/voyantai/ragline/internal/checkpoint"
	"github.com/voyantai/ragline/internal/embed"
	"github.com/voyantai/ragline/internal/parser"
	"github.com/voyantai/ragline/internal/progress"
	"github.com/voyantai/ragline/internal/schema"
	"github.com/voyantai/ragline/internal/task"
	"github.com/voyantai/ragline/internal/tokens"
	"github.com/voyantai/ragline/internal/vectorstore"

	. "github.com/voyantai/ragline/internal/logging"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const readBufferSize = 8192

// VectorConfig locates the vector store and target collection. An empty
// Collection derives a per-tenant name.
type VectorConfig struct {
	URI        string `json:"uri"`
	Token      string `json:"token,omitempty"`
	DBName     string `json:"db_name,omitempty"`
	Collection string `json:"collection,omitempty"`
	Metric     string `json:"metric_type,omitempty"`
}

// Options tune the orchestrator. Zero values select the batch defaults.
type Options struct {
	TokenLimit int
	ChunkLimit int
}

// Orchestrator runs ingestion jobs. It satisfies the task manager's Runner
// interface; one Orchestrator serves all jobs.
type Orchestrator struct {
	checkpoints *checkpoint.Store
	tracker     *progress.Tracker
	vector      VectorConfig
	tokenLimit  int
	chunkLimit  int

	// Seams for tests.
	newProvider func(embed.Config) (embed.Provider, error)
	connect     func(uri, token, dbName string) (*vectorstore.Store, error)
}

// NewOrchestrator builds the shared job runner.
func NewOrchestrator(cp *checkpoint.Store, tracker *progress.Tracker, vcfg VectorConfig, opts Options) *Orchestrator {
	return &Orchestrator{
		checkpoints: cp,
		tracker:     tracker,
		vector:      vcfg,
		tokenLimit:  opts.TokenLimit,
		chunkLimit:  opts.ChunkLimit,
		newProvider: embed.New,
		connect:     vectorstore.Connect,
	}
}

// run is the mutable state of one job execution.
type run struct {
	job    *task.Job
	report task.ReportFunc
	cfg    *schema.Config

	parser *parser.Parser
	mgr    *batch.Manager
	client *embed.Client
	store  *vectorstore.Store

	collection      string
	metric          string
	collectionReady bool

	skipItems      int64
	expectedItems  int64
	chunksStored   int64
	embeddingsDone int64
	vectorsStored  int64
	phase          string
}

// Run processes one job to completion, honoring the cancellation token at
// every suspension point.
func (o *Orchestrator) Run(ctx context.Context, job *task.Job, report task.ReportFunc) (*task.Result, error) {
	raw := job.SchemaJSON
	if len(raw) == 0 {
		raw = []byte(`{}`)
	}
	cfg, err := schema.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("schema config: %w", err)
	}

	st := &run{job: job, report: report, cfg: cfg}

	rec, err := o.checkpoints.Recovery(job.ID)
	if err != nil {
		return nil, err
	}
	if rec != nil && rec.Checkpoint != nil {
		st.skipItems = rec.Checkpoint.ItemsProcessed
		st.chunksStored = rec.Checkpoint.ChunksProcessed
		st.embeddingsDone = rec.Checkpoint.EmbeddingsGenerated
		st.vectorsStored = rec.Checkpoint.EmbeddingsGenerated
		L_info("ingest: resuming from checkpoint", "task", job.ID,
			"items", st.skipItems, "chunks", st.chunksStored)
	}

	o.setPhase(st, progress.PhaseAnalyzing)
	fstat, err := parser.Stat(job.FileInfo.Path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("file not found: %w", err)
		}
		return nil, err
	}
	st.expectedItems = int64(fstat.EstimatedItems)
	o.tracker.SetExpected(job.ID, st.expectedItems)
	if cfg.Format == "" {
		cfg.Format = fstat.DetectedFormat
		L_debug("ingest: format auto-detected", "task", job.ID, "format", cfg.Format)
	}

	model := cfg.Chunking.ModelName
	if model == "" {
		model = job.Embedding.Model
	}
	counter := tokens.NewCounter(model)

	st.parser = parser.New(cfg, counter)
	st.mgr = batch.NewManager(counter, o.tokenLimit, o.chunkLimit)

	provider, err := o.newProvider(job.Embedding)
	if err != nil {
		return nil, fmt.Errorf("embedding provider: %w", err)
	}
	st.client = embed.NewClient(provider, job.Embedding)

	st.store, err = o.connect(o.vector.URI, o.vector.Token, o.vector.DBName)
	if err != nil {
		return nil, fmt.Errorf("vector store: %w", err)
	}
	st.collection = o.vector.Collection
	if st.collection == "" {
		st.collection = collectionFor(job.TenantID)
	}
	st.metric = o.vector.Metric

	if rec != nil && rec.ShouldRetryLastBatch {
		o.recoverFailedBatches(ctx, st)
	}

	rc, err := parser.Open(job.FileInfo.Path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("file not found: %w", err)
		}
		return nil, err
	}
	defer rc.Close()

	o.setPhase(st, progress.PhaseParsing)
	err = st.parser.Process(ctx, bufio.NewReaderSize(rc, readBufferSize), o.emitFunc(ctx, st))
	if err == nil {
		// Tail batch.
		if b := st.mgr.Flush(); b != nil {
			err = o.processBatch(ctx, st, b)
		}
	}
	if err != nil {
		// Resumable exits must leave a checkpoint whose counted prefix is
		// fully covered: chunks of counted items still waiting in the batch
		// manager are spooled for replay before the checkpoint is written.
		if errors.Is(err, context.Canceled) || task.Recoverable(err) {
			o.preservePending(st, err.Error())
			o.saveCheckpoint(st, true)
		}
		return nil, err
	}

	o.setPhase(st, progress.PhaseFinalizing)
	o.saveCheckpoint(st, true)
	o.pushProgress(st, true)

	snap := st.parser.Stats().Snapshot()
	L_info("ingest: job done", "task", job.ID, "items", snap.ItemsProcessed,
		"chunks", st.chunksStored, "upserted", st.vectorsStored, "errors", snap.ErrorsEncountered)
	return &task.Result{
		ItemsProcessed:  snap.ItemsProcessed,
		ChunksProcessed: st.chunksStored,
		Upserted:        st.vectorsStored,
		Errors:          snap.ErrorsEncountered,
	}, nil
}

// emitFunc handles each streamed chunk: batch admission, checkpointing,
// progress, and the cancellation check between items.
func (o *Orchestrator) emitFunc(ctx context.Context, st *run) parser.EmitFunc {
	return func(item parser.ProcessedItem) error {
		if err := ctx.Err(); err != nil {
			o.preservePending(st, err.Error())
			o.saveCheckpoint(st, true)
			return err
		}

		// Items before the checkpointed prefix were already embedded and
		// stored; rescan them without re-dispatching.
		if int64(item.SourceIndex) < st.skipItems {
			return nil
		}

		if b := st.mgr.TryAdd(item); b != nil {
			if err := o.processBatch(ctx, st, b); err != nil {
				return err
			}
		}

		o.saveCheckpoint(st, false)
		o.pushProgress(st, false)
		return nil
	}
}

// processBatch embeds one batch and upserts the vectors, preserving the
// payload for retry when the dispatch fails.
func (o *Orchestrator) processBatch(ctx context.Context, st *run, b *batch.Batch) error {
	o.setPhase(st, progress.PhaseEmbedding)

	vectors, dim, err := st.client.EmbedBatchWithRetry(ctx, b, st.mgr.Verify)
	if err != nil {
		o.preserveChunks(st, b.Items, err.Error())
		return err
	}

	if err := o.upsertVectors(st, b.Texts(), b.Metadatas(), vectors, dim); err != nil {
		o.preserveChunks(st, b.Items, err.Error())
		return err
	}

	st.chunksStored += int64(b.Size())
	st.embeddingsDone += int64(len(vectors))

	bs := st.mgr.Stats()
	o.tracker.UpdateEmbeddingStats(st.job.ID, map[string]interface{}{
		"batches_created":      bs.BatchesCreated,
		"avg_batch_size":       bs.AvgBatchSize,
		"avg_tokens_per_batch": bs.AvgTokensPerBatch,
	})

	o.setPhase(st, progress.PhaseParsing)
	return nil
}

// upsertVectors ensures the collection on first use and writes one batch of
// rows.
func (o *Orchestrator) upsertVectors(st *run, texts []string, metadatas []map[string]interface{}, vectors [][]float32, dim int) error {
	if !st.collectionReady {
		status, err := st.store.EnsureCollection(st.collection, dim, st.metric)
		if err != nil {
			return fmt.Errorf("ensure collection %s: %w", st.collection, err)
		}
		st.collectionReady = true
		L_debug("ingest: collection ready", "collection", st.collection, "dim", dim, "status", status)
	}

	o.setPhase(st, progress.PhaseStoring)
	rows := make([]vectorstore.Row, len(vectors))
	for i := range vectors {
		md := ""
		if i < len(metadatas) && metadatas[i] != nil {
			s, err := json.MarshalToString(metadatas[i])
			if err != nil {
				L_warn("ingest: metadata not serializable, dropping", "task", st.job.ID, "error", err)
			} else {
				md = s
			}
		}
		rows[i] = vectorstore.Row{Text: texts[i], Embedding: vectors[i], Metadata: md}
	}

	inserted, requested, err := st.store.Upsert(st.collection, rows)
	if err != nil {
		return fmt.Errorf("upsert into %s: %w", st.collection, err)
	}
	if inserted < requested {
		L_warn("ingest: partial upsert", "task", st.job.ID, "inserted", inserted, "requested", requested)
	}
	st.vectorsStored += int64(inserted)
	return nil
}

// recoverFailedBatches replays preserved batch payloads before the main
// stream. Batches that fail again stay preserved for the next attempt.
func (o *Orchestrator) recoverFailedBatches(ctx context.Context, st *run) {
	batches, err := o.checkpoints.FailedBatches(st.job.ID)
	if err != nil {
		L_warn("ingest: could not list failed batches", "task", st.job.ID, "error", err)
		return
	}

	for _, fb := range batches {
		claimed, err := o.checkpoints.RetryFailedBatch(fb.BatchID, 0)
		if err != nil || claimed == nil {
			continue
		}

		vectors, dim, err := st.client.Embed(ctx, claimed.Texts, embed.ModeDocument)
		if err != nil {
			L_warn("ingest: failed batch retry unsuccessful", "task", st.job.ID, "batch", fb.BatchID, "error", err)
			continue
		}
		if err := o.upsertVectors(st, claimed.Texts, claimed.Metadatas, vectors, dim); err != nil {
			L_warn("ingest: failed batch upsert unsuccessful", "task", st.job.ID, "batch", fb.BatchID, "error", err)
			continue
		}

		st.embeddingsDone += int64(len(vectors))
		st.chunksStored += int64(len(claimed.Texts))
		if err := o.checkpoints.MarkRecovered(fb.BatchID); err != nil {
			L_warn("ingest: could not clear recovered batch", "task", st.job.ID, "batch", fb.BatchID, "error", err)
		}
	}
}

// preservePending spools chunks still waiting in the batch manager into a
// failed-batch payload. Without this a forced checkpoint would count items
// whose chunks were never dispatched, and the resume rescan would skip them.
func (o *Orchestrator) preservePending(st *run, reason string) {
	if b := st.mgr.Flush(); b != nil {
		o.preserveChunks(st, b.Items, reason)
	}
}

// preserveChunks persists chunk payloads for replay on the next attempt.
// Chunks of the item being emitted when the stream stopped are dropped: that
// item is not counted yet and re-emits in full on resume.
func (o *Orchestrator) preserveChunks(st *run, items []parser.ProcessedItem, reason string) {
	counted := st.parser.Stats().Snapshot().ItemsProcessed
	texts := make([]string, 0, len(items))
	metadatas := make([]map[string]interface{}, 0, len(items))
	for _, it := range items {
		if int64(it.SourceIndex) >= counted {
			continue
		}
		texts = append(texts, it.Text)
		metadatas = append(metadatas, it.Metadata)
	}
	if len(texts) == 0 {
		return
	}
	if _, err := o.checkpoints.SaveFailedBatch(st.job.ID, texts, metadatas, reason); err != nil {
		L_error("ingest: could not preserve chunks for replay", "task", st.job.ID, "error", err)
	}
}

// setPhase records a phase transition, deduplicating consecutive repeats.
func (o *Orchestrator) setPhase(st *run, phase string) {
	if st.phase == phase {
		return
	}
	st.phase = phase
	o.tracker.UpdatePhase(st.job.ID, phase, st.expectedItems)
}

// saveCheckpoint persists the current prefix. Unforced saves are gated by
// the checkpoint interval.
func (o *Orchestrator) saveCheckpoint(st *run, force bool) {
	snap := st.parser.Stats().Snapshot()
	// While rescanning an already-checkpointed prefix the scan counter is
	// behind the stored one; writing it would move the checkpoint backwards.
	if snap.ItemsProcessed < st.skipItems {
		return
	}
	saved, err := o.checkpoints.Save(&checkpoint.Data{
		TaskID:              st.job.ID,
		FilePath:            st.job.FileInfo.Path,
		FileOffset:          snap.BytesProcessed,
		ItemsProcessed:      snap.ItemsProcessed,
		ChunksProcessed:     st.chunksStored,
		EmbeddingsGenerated: st.embeddingsDone,
	}, force)
	if err != nil {
		L_warn("ingest: checkpoint save failed", "task", st.job.ID, "error", err)
		return
	}
	if saved {
		o.pushProgress(st, true)
	}
}

// pushProgress feeds the tracker and the job record. Unforced pushes are
// rate limited by the tracker interval.
func (o *Orchestrator) pushProgress(st *run, force bool) {
	snap := st.parser.Stats().Snapshot()
	o.tracker.Update(st.job.ID, progress.Counters{
		ItemsProcessed:      snap.ItemsProcessed,
		ChunksCreated:       st.chunksStored,
		EmbeddingsGenerated: st.embeddingsDone,
		VectorsStored:       st.vectorsStored,
		BytesProcessed:      snap.BytesProcessed,
		ErrorsEncountered:   snap.ErrorsEncountered,
	}, force)

	if st.report != nil {
		st.report(task.Progress{
			ItemsProcessed:      snap.ItemsProcessed,
			ItemsTotal:          st.expectedItems,
			ChunksProcessed:     st.chunksStored,
			EmbeddingsGenerated: st.embeddingsDone,
			BytesProcessed:      snap.BytesProcessed,
			CurrentPhase:        st.phase,
			StartTime:           st.job.Progress.StartTime,
			ErrorCount:          snap.ErrorsEncountered,
		})
	}
}

// collectionFor derives a tenant collection name safe for the store.
func collectionFor(tenantID string) string {
	out := []rune("tenant_")
	for _, r := range tenantID {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_':
			out = append(out, r)
		default:
			out = append(out, '_')
		}
	}
	return string(out)
}

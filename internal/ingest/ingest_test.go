package ingest

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/voyantai/ragline/internal/checkpoint"
	"github.com/voyantai/ragline/internal/embed"
	"github.com/voyantai/ragline/internal/kvstore"
	"github.com/voyantai/ragline/internal/parser"
	"github.com/voyantai/ragline/internal/progress"
	"github.com/voyantai/ragline/internal/task"
	"github.com/voyantai/ragline/internal/vectorstore"
)

type fakeProvider struct {
	mu         sync.Mutex
	calls      int
	failFirst  int
	failErr    error
	afterEmbed func()
}

func (f *fakeProvider) Name() string  { return "fake" }
func (f *fakeProvider) Model() string { return "fake-embed" }

func (f *fakeProvider) Dimensions() int { return 3 }

func (f *fakeProvider) Available(ctx context.Context) bool { return true }

func (f *fakeProvider) Embed(ctx context.Context, texts []string, mode embed.Mode) ([][]float32, int, error) {
	f.mu.Lock()
	f.calls++
	n := f.calls
	f.mu.Unlock()

	if n <= f.failFirst {
		return nil, 0, f.failErr
	}
	vectors := make([][]float32, len(texts))
	for i, t := range texts {
		vectors[i] = []float32{float32(len(t)), 1, 0}
	}
	if f.afterEmbed != nil {
		f.afterEmbed()
	}
	return vectors, 3, nil
}

func (f *fakeProvider) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type tenv struct {
	o     *Orchestrator
	cp    *checkpoint.Store
	vpath string
}

func newEnv(t *testing.T, provider embed.Provider) *tenv {
	t.Helper()
	kv, err := kvstore.Open(filepath.Join(t.TempDir(), "kv.db"))
	if err != nil {
		t.Fatalf("open kv: %v", err)
	}
	t.Cleanup(func() { kv.Close() })

	cp := checkpoint.NewStore(kv, 100)
	tracker := progress.NewTracker(kv, 0)
	vpath := filepath.Join(t.TempDir(), "vectors.db")

	o := NewOrchestrator(cp, tracker, VectorConfig{URI: vpath}, Options{})
	o.newProvider = func(embed.Config) (embed.Provider, error) { return provider, nil }
	return &tenv{o: o, cp: cp, vpath: vpath}
}

func writeInput(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func newJob(id, path string, schemaJSON string) *task.Job {
	return &task.Job{
		ID:         id,
		TenantID:   "acme",
		FileInfo:   task.FileInfo{Path: path, Filename: filepath.Base(path)},
		SchemaJSON: []byte(schemaJSON),
		Embedding:  embed.Config{Provider: "ollama", Model: "fake-embed"},
	}
}

func (e *tenv) count(t *testing.T, collection string) int {
	t.Helper()
	s, err := vectorstore.Connect(e.vpath, "", "")
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	n, err := s.Count(collection)
	if err != nil {
		// Collection never created means nothing was stored.
		return 0
	}
	return n
}

const mappingSchema = `{"format":"json_array","mapping":{"content_path":"content","metadata_paths":{"src":"source"}}}`

func TestRunJSONArray(t *testing.T) {
	e := newEnv(t, &fakeProvider{})
	path := writeInput(t, "in.json",
		`[{"content":"alpha document","source":"a"},{"content":"bravo document","source":"b"},{"content":"charlie","source":"c"}]`)

	res, err := e.o.Run(context.Background(), newJob("j1", path, mappingSchema), nil)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if res.ItemsProcessed != 3 || res.Upserted != 3 || res.Errors != 0 {
		t.Errorf("result = %+v", res)
	}
	if n := e.count(t, "tenant_acme"); n != 3 {
		t.Errorf("stored vectors = %d, want 3", n)
	}
}

func TestRunNDJSONSkipsBadLines(t *testing.T) {
	e := newEnv(t, &fakeProvider{})
	path := writeInput(t, "in.ndjson",
		`{"content":"first line"}`+"\n"+`{not json at all`+"\n"+`{"content":"third line"}`+"\n")

	res, err := e.o.Run(context.Background(), newJob("j1", path,
		`{"format":"ndjson","mapping":{"content_path":"content"}}`), nil)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if res.ItemsProcessed != 2 || res.Errors != 1 || res.Upserted != 2 {
		t.Errorf("result = %+v", res)
	}
}

func TestRunWithChunking(t *testing.T) {
	e := newEnv(t, &fakeProvider{})
	path := writeInput(t, "in.json", `[{"content":"abcdefghij"}]`)

	res, err := e.o.Run(context.Background(), newJob("j1", path,
		`{"format":"json_array","mapping":{"content_path":"content"},"chunking":{"strategy":"recursive","max_chars":5,"overlap":1}}`), nil)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	// Windows: [0:5], [4:9], [8:10].
	if res.Upserted != 3 {
		t.Errorf("upserted = %d, want 3 chunks", res.Upserted)
	}
	if res.ItemsProcessed != 1 {
		t.Errorf("items = %d", res.ItemsProcessed)
	}
}

func TestFormatAutoDetect(t *testing.T) {
	e := newEnv(t, &fakeProvider{})
	path := writeInput(t, "in.txt",
		`{"content":"line one"}`+"\n"+`{"content":"line two"}`+"\n")

	// No format in the schema; detection must pick ndjson.
	res, err := e.o.Run(context.Background(), newJob("j1", path,
		`{"mapping":{"content_path":"content"}}`), nil)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if res.Upserted != 2 {
		t.Errorf("upserted = %d, want 2", res.Upserted)
	}
}

func TestValidationFailureAborts(t *testing.T) {
	e := newEnv(t, &fakeProvider{})
	path := writeInput(t, "in.json", `[{"content":"good"},{"content":42}]`)

	_, err := e.o.Run(context.Background(), newJob("j1", path,
		`{"format":"json_array","validation_schema":{"type":"object","properties":{"content":{"type":"string"}}},"mapping":{"content_path":"content"}}`), nil)
	var verr *parser.ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if task.Recoverable(err) {
		t.Error("validation failure must be non-recoverable")
	}
	if n := e.count(t, "tenant_acme"); n != 0 {
		t.Errorf("stored vectors = %d, want 0", n)
	}
}

func TestMissingFileNotRecoverable(t *testing.T) {
	e := newEnv(t, &fakeProvider{})
	_, err := e.o.Run(context.Background(),
		newJob("j1", filepath.Join(t.TempDir(), "nope.json"), mappingSchema), nil)
	if err == nil {
		t.Fatal("missing file should fail")
	}
	if task.Recoverable(err) {
		t.Errorf("missing file must be non-recoverable: %v", err)
	}
}

func TestResumeSkipsCheckpointedPrefix(t *testing.T) {
	e := newEnv(t, &fakeProvider{})
	path := writeInput(t, "in.json",
		`[{"content":"one"},{"content":"two"},{"content":"three"},{"content":"four"},{"content":"five"}]`)

	if _, err := e.cp.Save(&checkpoint.Data{
		TaskID: "j1", FilePath: path, ItemsProcessed: 2, ChunksProcessed: 2, EmbeddingsGenerated: 2,
	}, true); err != nil {
		t.Fatal(err)
	}

	res, err := e.o.Run(context.Background(), newJob("j1", path, mappingSchema), nil)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	// Only the three items past the checkpoint get dispatched.
	if n := e.count(t, "tenant_acme"); n != 3 {
		t.Errorf("stored vectors = %d, want 3", n)
	}
	if res.ItemsProcessed != 5 {
		t.Errorf("scanned items = %d, want 5", res.ItemsProcessed)
	}
	if res.ChunksProcessed != 5 {
		t.Errorf("chunks = %d, want 2 recovered + 3 new", res.ChunksProcessed)
	}

	cp, err := e.cp.Load("j1")
	if err != nil || cp == nil {
		t.Fatalf("checkpoint after run: %v %v", cp, err)
	}
	if cp.ItemsProcessed != 5 {
		t.Errorf("final checkpoint items = %d", cp.ItemsProcessed)
	}
}

func TestEmbedFailurePreservesBatch(t *testing.T) {
	provider := &fakeProvider{failFirst: 100, failErr: errors.New("401 invalid api key")}
	e := newEnv(t, provider)
	path := writeInput(t, "in.json", `[{"content":"alpha"},{"content":"bravo"}]`)

	_, err := e.o.Run(context.Background(), newJob("j1", path, mappingSchema), nil)
	if err == nil {
		t.Fatal("run should fail")
	}
	if task.Recoverable(err) {
		t.Errorf("auth failure must be non-recoverable: %v", err)
	}
	if provider.callCount() != 1 {
		t.Errorf("calls = %d, non-retryable error must not retry", provider.callCount())
	}

	batches, err := e.cp.FailedBatches("j1")
	if err != nil || len(batches) != 1 {
		t.Fatalf("failed batches = %v err=%v", batches, err)
	}
	if len(batches[0].Texts) != 2 {
		t.Errorf("preserved texts = %v", batches[0].Texts)
	}
}

func TestTransientEmbedFailureRetriesInPlace(t *testing.T) {
	provider := &fakeProvider{failFirst: 1, failErr: errors.New("429 rate limit exceeded")}
	e := newEnv(t, provider)
	path := writeInput(t, "in.json", `[{"content":"alpha"},{"content":"bravo"}]`)

	res, err := e.o.Run(context.Background(), newJob("j1", path, mappingSchema), nil)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if provider.callCount() != 2 {
		t.Errorf("calls = %d, want 2 (one failure, one retry)", provider.callCount())
	}
	if res.Upserted != 2 {
		t.Errorf("upserted = %d", res.Upserted)
	}
	if batches, _ := e.cp.FailedBatches("j1"); len(batches) != 0 {
		t.Errorf("recovered dispatch must not preserve a batch: %v", batches)
	}
}

func TestFailedBatchRecoveryOnResume(t *testing.T) {
	e := newEnv(t, &fakeProvider{})
	path := writeInput(t, "in.json", `[{"content":"one"},{"content":"two"},{"content":"three"}]`)

	// Simulate a previous run that processed everything but lost one batch.
	if _, err := e.cp.Save(&checkpoint.Data{
		TaskID: "j1", FilePath: path, ItemsProcessed: 3,
	}, true); err != nil {
		t.Fatal(err)
	}
	if _, err := e.cp.SaveFailedBatch("j1",
		[]string{"lost alpha", "lost bravo"},
		[]map[string]interface{}{{"i": 0}, {"i": 1}},
		"503 service unavailable"); err != nil {
		t.Fatal(err)
	}

	res, err := e.o.Run(context.Background(), newJob("j1", path, mappingSchema), nil)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if res.Upserted != 2 {
		t.Errorf("upserted = %d, want the 2 recovered texts", res.Upserted)
	}
	if batches, _ := e.cp.FailedBatches("j1"); len(batches) != 0 {
		t.Errorf("recovered batch still preserved: %v", batches)
	}
}

func TestCancellationPersistsCheckpoint(t *testing.T) {
	e := newEnv(t, &fakeProvider{})
	path := writeInput(t, "in.json", `[{"content":"alpha"},{"content":"bravo"}]`)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := e.o.Run(ctx, newJob("j1", path, mappingSchema), nil)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected cancellation, got %v", err)
	}
	if cp, _ := e.cp.Load("j1"); cp == nil {
		t.Error("cancellation must leave a checkpoint")
	}
	if n := e.count(t, "tenant_acme"); n != 0 {
		t.Errorf("stored vectors = %d, want 0 after immediate cancel", n)
	}
}

func TestCancelMidStreamThenResumeStoresEverything(t *testing.T) {
	provider := &fakeProvider{}
	e := newEnv(t, provider)
	path := writeInput(t, "in.json",
		`[{"content":"aaaa"},{"content":"bbbb"},{"content":"cccc"},{"content":"dddd"},{"content":"eeee"}]`)

	// Two chunks per batch; cancelling right after the first dispatch leaves
	// one admitted chunk waiting in the batch manager.
	e.o.chunkLimit = 2
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	provider.afterEmbed = func() { cancel() }

	_, err := e.o.Run(ctx, newJob("j1", path, mappingSchema), nil)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected cancellation, got %v", err)
	}

	// Every item the checkpoint counts must be stored or preserved; the
	// resume rescan skips them, so anything else is silently lost.
	cp, _ := e.cp.Load("j1")
	if cp == nil {
		t.Fatal("cancellation must leave a checkpoint")
	}
	batches, _ := e.cp.FailedBatches("j1")
	preserved := 0
	for _, fb := range batches {
		preserved += len(fb.Texts)
	}
	if stored := e.count(t, "tenant_acme"); int64(stored+preserved) < cp.ItemsProcessed {
		t.Fatalf("checkpoint covers %d items but only %d stored + %d preserved",
			cp.ItemsProcessed, stored, preserved)
	}

	provider.afterEmbed = nil
	res, err := e.o.Run(context.Background(), newJob("j1", path, mappingSchema), nil)
	if err != nil {
		t.Fatalf("resume: %v", err)
	}
	if res.ItemsProcessed != 5 {
		t.Errorf("scanned items = %d, want 5", res.ItemsProcessed)
	}
	if n := e.count(t, "tenant_acme"); n != 5 {
		t.Errorf("stored vectors = %d, want every chunk exactly once", n)
	}
	if left, _ := e.cp.FailedBatches("j1"); len(left) != 0 {
		t.Errorf("preserved batches left after resume: %v", left)
	}
}

func TestCollectionName(t *testing.T) {
	cases := map[string]string{
		"acme":      "tenant_acme",
		"acme-1.io": "tenant_acme_1_io",
		"A_b9":      "tenant_A_b9",
	}
	for in, want := range cases {
		if got := collectionFor(in); got != want {
			t.Errorf("collectionFor(%q) = %q, want %q", in, got, want)
		}
	}
}

package checkpoint

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/voyantai/ragline/internal/kvstore"
)

func newStore(t *testing.T) *Store {
	t.Helper()
	kv, err := kvstore.Open(filepath.Join(t.TempDir(), "kv.db"))
	if err != nil {
		t.Fatalf("open kv: %v", err)
	}
	t.Cleanup(func() { kv.Close() })
	return NewStore(kv, 100)
}

func TestSaveRespectsInterval(t *testing.T) {
	s := newStore(t)

	saved, err := s.Save(&Data{TaskID: "t1", FilePath: "/f", ItemsProcessed: 57}, false)
	if err != nil {
		t.Fatal(err)
	}
	if saved {
		t.Error("off-interval save without force should be skipped")
	}

	saved, err = s.Save(&Data{TaskID: "t1", FilePath: "/f", ItemsProcessed: 200}, false)
	if err != nil || !saved {
		t.Fatalf("on-interval save: saved=%v err=%v", saved, err)
	}

	saved, err = s.Save(&Data{TaskID: "t1", FilePath: "/f", ItemsProcessed: 57}, true)
	if err != nil || !saved {
		t.Fatalf("forced save: saved=%v err=%v", saved, err)
	}
}

func TestLoadRoundTrip(t *testing.T) {
	s := newStore(t)

	if cp, err := s.Load("missing"); err != nil || cp != nil {
		t.Fatalf("missing checkpoint: %v %v", cp, err)
	}

	in := &Data{
		TaskID:              "t1",
		FilePath:            "/data/big.json.gz",
		ItemsProcessed:      300,
		ChunksProcessed:     450,
		EmbeddingsGenerated: 440,
		ProcessingState:     map[string]interface{}{"retry_count": float64(1)},
	}
	if _, err := s.Save(in, true); err != nil {
		t.Fatal(err)
	}

	out, err := s.Load("t1")
	if err != nil {
		t.Fatal(err)
	}
	if out == nil || out.ItemsProcessed != 300 || out.FilePath != in.FilePath {
		t.Fatalf("round trip mismatch: %+v", out)
	}
	if out.CreatedAt.IsZero() {
		t.Error("created_at not stamped")
	}
	if out.ProcessingState["retry_count"] != float64(1) {
		t.Errorf("processing state = %v", out.ProcessingState)
	}

	if err := s.Delete("t1"); err != nil {
		t.Fatal(err)
	}
	if cp, _ := s.Load("t1"); cp != nil {
		t.Error("checkpoint survived delete")
	}
}

func TestFailedBatchLifecycle(t *testing.T) {
	s := newStore(t)

	id, err := s.SaveFailedBatch("t1", []string{"a", "b"}, nil, "503 service unavailable")
	if err != nil || id == "" {
		t.Fatalf("save failed batch: id=%q err=%v", id, err)
	}

	batches, err := s.FailedBatches("t1")
	if err != nil || len(batches) != 1 {
		t.Fatalf("failed batches: %v err=%v", batches, err)
	}
	if batches[0].RetryCount != 0 || len(batches[0].Texts) != 2 {
		t.Errorf("batch = %+v", batches[0])
	}

	// Three retries allowed, then exhausted.
	for i := 1; i <= 3; i++ {
		fb, err := s.RetryFailedBatch(id, 3)
		if err != nil || fb == nil {
			t.Fatalf("retry %d: fb=%v err=%v", i, fb, err)
		}
		if fb.RetryCount != i {
			t.Errorf("retry count = %d, want %d", fb.RetryCount, i)
		}
	}
	if fb, err := s.RetryFailedBatch(id, 3); err != nil || fb != nil {
		t.Fatalf("exhausted retry should return nil, got %v err=%v", fb, err)
	}

	if err := s.MarkRecovered(id); err != nil {
		t.Fatal(err)
	}
	batches, _ = s.FailedBatches("t1")
	if len(batches) != 0 {
		t.Errorf("recovered batch still listed: %v", batches)
	}
}

func TestRecoveryContext(t *testing.T) {
	s := newStore(t)

	ctx, err := s.Recovery("fresh")
	if err != nil || ctx != nil {
		t.Fatalf("fresh task should have no recovery context: %v %v", ctx, err)
	}

	s.Save(&Data{TaskID: "t1", FilePath: "/f", ItemsProcessed: 500}, true)
	ctx, err = s.Recovery("t1")
	if err != nil || ctx == nil {
		t.Fatalf("recovery: %v %v", ctx, err)
	}
	if ctx.ShouldRetryLastBatch {
		t.Error("no failed batches, should not retry last batch")
	}
	if !ctx.CanRetry() {
		t.Error("fresh context should allow retries")
	}

	s.SaveFailedBatch("t1", []string{"x"}, nil, "timeout")
	ctx, _ = s.Recovery("t1")
	if !ctx.ShouldRetryLastBatch {
		t.Error("failed batch present, should retry last batch")
	}
}

func TestEstimateRecovery(t *testing.T) {
	s := newStore(t)

	stats, err := s.EstimateRecovery("nope")
	if err != nil {
		t.Fatal(err)
	}
	if stats.Recoverable {
		t.Error("no checkpoint should not be recoverable")
	}

	s.Save(&Data{TaskID: "t1", FilePath: "/f", ItemsProcessed: 700, ChunksProcessed: 900}, true)
	s.SaveFailedBatch("t1", []string{"a", "b", "c"}, nil, "rate limit")

	stats, err = s.EstimateRecovery("t1")
	if err != nil {
		t.Fatal(err)
	}
	if !stats.Recoverable || stats.ItemsProcessed != 700 {
		t.Errorf("stats = %+v", stats)
	}
	if stats.FailedBatchCount != 1 || stats.FailedItemCount != 3 {
		t.Errorf("failed counts = %d/%d", stats.FailedBatchCount, stats.FailedItemCount)
	}
}

func TestCleanupOld(t *testing.T) {
	s := newStore(t)

	old := &Data{TaskID: "old", FilePath: "/f", CreatedAt: time.Now().Add(-10 * 24 * time.Hour)}
	s.Save(old, true)
	s.Save(&Data{TaskID: "new", FilePath: "/f"}, true)
	s.SaveFailedBatch("new", []string{"x"}, nil, "err")

	cleaned, err := s.CleanupOld(time.Now().Add(-7 * 24 * time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if cleaned != 1 {
		t.Errorf("cleaned = %d, want 1", cleaned)
	}
	if cp, _ := s.Load("old"); cp != nil {
		t.Error("old checkpoint survived cleanup")
	}
	if cp, _ := s.Load("new"); cp == nil {
		t.Error("new checkpoint removed by cleanup")
	}
}

package batch

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/voyantai/ragline/internal/parser"
	"github.com/voyantai/ragline/internal/tokens"
)

// fallbackCounter counts chars/4, making token math deterministic.
func fallbackCounter() *tokens.Counter {
	return &tokens.Counter{}
}

func item(text string, src int) parser.ProcessedItem {
	return parser.ProcessedItem{Text: text, SourceIndex: src}
}

func TestTryAddPacksUnderLimits(t *testing.T) {
	// Each 40-char item is 10 tokens; token limit 100 fits 10 items.
	m := NewManager(fallbackCounter(), 100, 950)

	var batches []*Batch
	for i := 0; i < 25; i++ {
		if b := m.TryAdd(item(strings.Repeat("a", 40), i)); b != nil {
			batches = append(batches, b)
		}
	}
	if b := m.Flush(); b != nil {
		batches = append(batches, b)
	}

	if len(batches) != 3 {
		t.Fatalf("expected 3 batches, got %d", len(batches))
	}

	total := 0
	for _, b := range batches {
		total += b.Size()
		if b.Size() > 10 {
			t.Errorf("batch %s has %d items over token budget", b.ID, b.Size())
		}
		if b.TotalTokens > 100 {
			t.Errorf("batch %s has %d tokens", b.ID, b.TotalTokens)
		}
		if err := m.Verify(b); err != nil {
			t.Errorf("verify %s: %v", b.ID, err)
		}
	}
	if total != 25 {
		t.Errorf("items across batches = %d, want 25", total)
	}

	if batches[0].ID != "batch_000000" || batches[1].ID != "batch_000001" {
		t.Errorf("batch ids: %s %s", batches[0].ID, batches[1].ID)
	}
}

func TestTryAddChunkLimit(t *testing.T) {
	m := NewManager(fallbackCounter(), 1000000, 3)

	var completed *Batch
	for i := 0; i < 4; i++ {
		if b := m.TryAdd(item("some text here", i)); b != nil {
			completed = b
		}
	}
	if completed == nil {
		t.Fatal("expected a batch after exceeding chunk limit")
	}
	if completed.Size() != 3 {
		t.Errorf("completed size = %d, want 3", completed.Size())
	}

	final := m.Flush()
	if final == nil || final.Size() != 1 {
		t.Fatalf("expected final batch of 1, got %v", final)
	}
	if final.Items[0].SourceIndex != 3 {
		t.Errorf("overflow item should start the next batch, got index %d", final.Items[0].SourceIndex)
	}
}

func TestTryAddRejectsEmptyText(t *testing.T) {
	m := NewManager(fallbackCounter(), 100, 10)

	if b := m.TryAdd(item("", 0)); b != nil {
		t.Error("empty text produced a batch")
	}
	if b := m.TryAdd(item("   \n\t", 1)); b != nil {
		t.Error("whitespace text produced a batch")
	}
	if m.Flush() != nil {
		t.Error("nothing should have been admitted")
	}
}

func TestFlushEmptyReturnsNil(t *testing.T) {
	m := NewManager(fallbackCounter(), 100, 10)
	if m.Flush() != nil {
		t.Error("flush of empty manager should be nil")
	}
}

func TestVerifyHardLimits(t *testing.T) {
	m := NewManager(fallbackCounter(), 1000000, 2000)

	big := &Batch{ID: "batch_test"}
	for i := 0; i < HardChunkLimit+1; i++ {
		big.Items = append(big.Items, item("x", i))
	}
	if err := m.Verify(big); err == nil {
		t.Error("oversized batch passed verification")
	}

	// 3 texts of 20000 chars are 15000 tokens under chars/4.
	heavy := &Batch{ID: "batch_heavy"}
	for i := 0; i < 3; i++ {
		heavy.Items = append(heavy.Items, item(strings.Repeat("a", 20000), i))
	}
	if err := m.Verify(heavy); err == nil {
		t.Error("over-token batch passed verification")
	}

	ok := &Batch{ID: "batch_ok", Items: []parser.ProcessedItem{item("fine", 0)}}
	if err := m.Verify(ok); err != nil {
		t.Errorf("valid batch failed verification: %v", err)
	}
}

func TestStats(t *testing.T) {
	m := NewManager(fallbackCounter(), 100, 5)

	for i := 0; i < 12; i++ {
		m.TryAdd(item(strings.Repeat("a", 40), i))
	}
	m.Flush()

	s := m.Stats()
	if s.TotalItemsProcessed != 12 {
		t.Errorf("total items = %d", s.TotalItemsProcessed)
	}
	if s.BatchesCreated == 0 {
		t.Fatal("no batches recorded")
	}
	if s.AvgBatchSize <= 0 || s.AvgTokensPerBatch <= 0 {
		t.Errorf("averages not computed: %+v", s)
	}
}

func TestRateLimiterAllowsUnderBudget(t *testing.T) {
	rl := NewRateLimiter(10)
	start := time.Now()
	for i := 0; i < 10; i++ {
		if err := rl.Acquire(context.Background()); err != nil {
			t.Fatalf("acquire %d: %v", i, err)
		}
	}
	if time.Since(start) > time.Second {
		t.Error("acquires under budget should not block")
	}
}

func TestRateLimiterBlocksThenCancels(t *testing.T) {
	rl := NewRateLimiter(1)
	if err := rl.Acquire(context.Background()); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := rl.Acquire(ctx)
	if err == nil {
		t.Fatal("second acquire within the window should block until cancel")
	}
}

func TestRateLimiterDisabled(t *testing.T) {
	rl := NewRateLimiter(0)
	for i := 0; i < 1000; i++ {
		if err := rl.Acquire(context.Background()); err != nil {
			t.Fatal(err)
		}
	}
}

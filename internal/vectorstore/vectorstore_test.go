package vectorstore

import (
	"errors"
	"math"
	"path/filepath"
	"testing"
)

func openTest(t *testing.T) *Store {
	t.Helper()
	s, err := Connect(filepath.Join(t.TempDir(), "vectors.db"), "", "")
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestEnsureCollectionIdempotent(t *testing.T) {
	s := openTest(t)

	status, err := s.EnsureCollection("docs", 4, MetricIP)
	if err != nil {
		t.Fatalf("ensure: %v", err)
	}
	if status != StatusCreated {
		t.Errorf("status = %q, want created", status)
	}

	status, err = s.EnsureCollection("docs", 4, MetricIP)
	if err != nil {
		t.Fatalf("second ensure: %v", err)
	}
	if status != StatusExists {
		t.Errorf("status = %q, want exists", status)
	}
}

func TestEnsureCollectionDimMismatch(t *testing.T) {
	s := openTest(t)

	if _, err := s.EnsureCollection("docs", 4, MetricIP); err != nil {
		t.Fatal(err)
	}
	_, err := s.EnsureCollection("docs", 8, MetricIP)
	if !errors.Is(err, ErrDimMismatch) {
		t.Fatalf("expected ErrDimMismatch, got %v", err)
	}
}

func TestEnsureCollectionRejectsBadInput(t *testing.T) {
	s := openTest(t)

	if _, err := s.EnsureCollection("bad name; drop", 4, MetricIP); err == nil {
		t.Error("invalid name accepted")
	}
	if _, err := s.EnsureCollection("docs", 0, MetricIP); err == nil {
		t.Error("zero dim accepted")
	}
	if _, err := s.EnsureCollection("docs", 4, "HAMMING"); err == nil {
		t.Error("unknown metric accepted")
	}
}

func TestUpsertAndCount(t *testing.T) {
	s := openTest(t)
	s.EnsureCollection("docs", 3, MetricIP)

	rows := []Row{
		{Text: "a", Embedding: []float32{1, 0, 0}, Metadata: `{"i":0}`},
		{Text: "b", Embedding: []float32{0, 1, 0}},
		{Text: "wrong dim", Embedding: []float32{1, 2}},
	}
	inserted, requested, err := s.Upsert("docs", rows)
	if err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if requested != 3 {
		t.Errorf("requested = %d", requested)
	}
	if inserted != 2 {
		t.Errorf("inserted = %d, want 2 (wrong-dim row skipped)", inserted)
	}

	n, err := s.Count("docs")
	if err != nil || n != 2 {
		t.Errorf("count = %d err=%v", n, err)
	}

	if _, _, err := s.Upsert("missing", rows); err == nil {
		t.Error("upsert into missing collection should fail")
	}
}

func TestSearchIP(t *testing.T) {
	s := openTest(t)
	s.EnsureCollection("docs", 2, MetricIP)
	s.Upsert("docs", []Row{
		{Text: "east", Embedding: []float32{1, 0}},
		{Text: "north", Embedding: []float32{0, 1}},
		{Text: "northeast", Embedding: []float32{0.7, 0.7}},
	})

	hits, err := s.Search("docs", []float32{1, 0}, 2)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(hits) != 2 {
		t.Fatalf("hits = %d", len(hits))
	}
	if hits[0].Text != "east" {
		t.Errorf("top hit = %q", hits[0].Text)
	}
	if hits[0].Score < hits[1].Score {
		t.Errorf("hits not sorted by similarity: %v", hits)
	}
}

func TestSearchL2(t *testing.T) {
	s := openTest(t)
	s.EnsureCollection("pts", 2, MetricL2)
	s.Upsert("pts", []Row{
		{Text: "near", Embedding: []float32{1, 1}},
		{Text: "far", Embedding: []float32{10, 10}},
	})

	hits, err := s.Search("pts", []float32{0, 0}, 2)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if hits[0].Text != "near" {
		t.Errorf("L2 should order by distance ascending: %v", hits)
	}
	want := math.Sqrt(2)
	if math.Abs(hits[0].Score-want) > 1e-6 {
		t.Errorf("distance = %f, want %f", hits[0].Score, want)
	}
}

func TestSearchCosine(t *testing.T) {
	s := openTest(t)
	s.EnsureCollection("cos", 2, MetricCosine)
	s.Upsert("cos", []Row{
		{Text: "aligned", Embedding: []float32{5, 0}}, // magnitude must not matter
		{Text: "orthogonal", Embedding: []float32{0, 3}},
	})

	hits, err := s.Search("cos", []float32{1, 0}, 2)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if hits[0].Text != "aligned" || math.Abs(hits[0].Score-1) > 1e-6 {
		t.Errorf("cosine hits = %v", hits)
	}
}

func TestSearchQueryDimChecked(t *testing.T) {
	s := openTest(t)
	s.EnsureCollection("docs", 3, MetricIP)
	if _, err := s.Search("docs", []float32{1, 0}, 3); err == nil {
		t.Error("wrong query dim accepted")
	}
}

func TestConnectionCache(t *testing.T) {
	path := filepath.Join(t.TempDir(), "shared.db")

	a, err := Connect(path, "tok", "db1")
	if err != nil {
		t.Fatal(err)
	}
	defer a.Close()

	b, err := Connect(path, "tok", "db1")
	if err != nil {
		t.Fatal(err)
	}
	if a != b {
		t.Error("same (uri, token, db) should return the cached handle")
	}

	c, err := Connect(path, "other", "db1")
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()
	if a == c {
		t.Error("different token should not share a handle")
	}
}

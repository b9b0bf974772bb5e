// Package vectorstore persists embedding vectors in sqlite with a
// Milvus-shaped contract: idempotent collection creation, flushed upserts,
// and metric-scored top-k search.
package vectorstore

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"regexp"
	"sort"
	"sync"

	_ "github.com/mattn/go-sqlite3"

	. "github.com/voyantai/ragline/internal/logging"
)

// Similarity metrics.
const (
	MetricIP     = "IP"
	MetricCosine = "COSINE"
	MetricL2     = "L2"
)

// Ensure statuses.
const (
	StatusCreated = "created"
	StatusExists  = "exists"
)

// ErrDimMismatch means a collection already exists with a different vector
// dimension. Callers must treat this as fatal for the job.
var ErrDimMismatch = errors.New("collection dimension mismatch")

var collectionName = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// Row is one entity to upsert.
type Row struct {
	Text      string
	Embedding []float32
	Metadata  string
}

// Hit is one search result.
type Hit struct {
	Text  string
	Score float64
}

// Store is a handle to one vector database file.
type Store struct {
	mu   sync.Mutex
	db   *sql.DB
	path string
}

// Connection cache keyed by (uri, token, db). Handles are shared across
// jobs; sqlite serializes writers internally.
var (
	connMu sync.Mutex
	conns  = map[string]*Store{}
)

// Connect returns a cached store for the location, opening it on first use.
// On a broken cached handle one reconnect is attempted.
func Connect(uri, token, dbName string) (*Store, error) {
	key := uri + "|" + token + "|" + dbName

	connMu.Lock()
	defer connMu.Unlock()

	if s, ok := conns[key]; ok {
		if err := s.db.Ping(); err == nil {
			return s, nil
		}
		L_warn("vectorstore: cached connection is broken, reconnecting", "uri", uri)
		s.db.Close()
		delete(conns, key)
	}

	s, err := open(uri)
	if err != nil {
		return nil, err
	}
	conns[key] = s
	return s, nil
}

func open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open vector store %s: %w", path, err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		L_warn("vectorstore: failed to enable WAL mode", "error", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		L_warn("vectorstore: failed to set busy timeout", "error", err)
	}

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS vs_meta (
			collection TEXT PRIMARY KEY,
			dim INTEGER NOT NULL,
			metric TEXT NOT NULL
		)
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("init vector store meta: %w", err)
	}

	L_debug("vectorstore: ready", "path", path)
	return &Store{db: db, path: path}, nil
}

// Close closes the handle and drops it from the connection cache.
func (s *Store) Close() error {
	connMu.Lock()
	for k, v := range conns {
		if v == s {
			delete(conns, k)
		}
	}
	connMu.Unlock()
	return s.db.Close()
}

// EnsureCollection creates the collection if missing and verifies its
// dimension and metric otherwise. Returns StatusCreated or StatusExists.
func (s *Store) EnsureCollection(name string, dim int, metric string) (string, error) {
	if !collectionName.MatchString(name) {
		return "", fmt.Errorf("invalid collection name %q", name)
	}
	if dim <= 0 {
		return "", fmt.Errorf("collection %s: dimension must be positive, got %d", name, dim)
	}
	switch metric {
	case MetricIP, MetricCosine, MetricL2:
	case "":
		metric = MetricIP
	default:
		return "", fmt.Errorf("collection %s: unsupported metric %q", name, metric)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var haveDim int
	var haveMetric string
	err := s.db.QueryRow(`SELECT dim, metric FROM vs_meta WHERE collection = ?`, name).Scan(&haveDim, &haveMetric)
	if err == nil {
		if haveDim != dim {
			return "", fmt.Errorf("collection %s has dim %d, requested %d: %w", name, haveDim, dim, ErrDimMismatch)
		}
		if haveMetric != metric {
			L_warn("vectorstore: metric differs from existing collection", "collection", name, "existing", haveMetric, "requested", metric)
		}
		return StatusExists, nil
	}
	if err != sql.ErrNoRows {
		return "", fmt.Errorf("check collection %s: %w", name, err)
	}

	tx, err := s.db.Begin()
	if err != nil {
		return "", fmt.Errorf("create collection %s: %w", name, err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			pk INTEGER PRIMARY KEY AUTOINCREMENT,
			text TEXT NOT NULL,
			embedding BLOB NOT NULL,
			metadata TEXT
		)
	`, name)); err != nil {
		return "", fmt.Errorf("create collection table %s: %w", name, err)
	}
	if _, err := tx.Exec(`INSERT INTO vs_meta (collection, dim, metric) VALUES (?, ?, ?)`, name, dim, metric); err != nil {
		return "", fmt.Errorf("record collection %s: %w", name, err)
	}
	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("create collection %s: %w", name, err)
	}

	L_info("vectorstore: collection created", "collection", name, "dim", dim, "metric", metric)
	return StatusCreated, nil
}

// Upsert inserts rows and flushes. Rows with a wrong-dimension embedding
// are skipped; inserted < requested is a warning for the caller, not fatal.
func (s *Store) Upsert(collection string, rows []Row) (inserted, requested int, err error) {
	requested = len(rows)
	if requested == 0 {
		return 0, 0, nil
	}

	dim, _, err := s.collectionMeta(collection)
	if err != nil {
		return 0, requested, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return 0, requested, fmt.Errorf("upsert into %s: %w", collection, err)
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(fmt.Sprintf(`INSERT INTO %s (text, embedding, metadata) VALUES (?, ?, ?)`, collection))
	if err != nil {
		return 0, requested, fmt.Errorf("prepare upsert %s: %w", collection, err)
	}
	defer stmt.Close()

	for i, row := range rows {
		if len(row.Embedding) != dim {
			L_warn("vectorstore: skipping row with wrong dimension", "collection", collection, "row", i, "got", len(row.Embedding), "want", dim)
			continue
		}
		blob, err := json.Marshal(row.Embedding)
		if err != nil {
			L_warn("vectorstore: skipping unmarshalable embedding", "collection", collection, "row", i, "error", err)
			continue
		}
		if _, err := stmt.Exec(row.Text, blob, row.Metadata); err != nil {
			return inserted, requested, fmt.Errorf("insert row %d into %s: %w", i, collection, err)
		}
		inserted++
	}

	if err := tx.Commit(); err != nil {
		return 0, requested, fmt.Errorf("commit upsert %s: %w", collection, err)
	}

	if inserted < requested {
		L_warn("vectorstore: partial insert", "collection", collection, "inserted", inserted, "requested", requested)
	}
	return inserted, requested, nil
}

// Search brute-force scores every stored vector against the query with the
// collection's metric and returns the top k.
func (s *Store) Search(collection string, query []float32, k int) ([]Hit, error) {
	dim, metric, err := s.collectionMeta(collection)
	if err != nil {
		return nil, err
	}
	if len(query) != dim {
		return nil, fmt.Errorf("query dim %d does not match collection %s dim %d", len(query), collection, dim)
	}
	if k <= 0 {
		k = 3
	}

	rows, err := s.db.Query(fmt.Sprintf(`SELECT text, embedding FROM %s`, collection))
	if err != nil {
		return nil, fmt.Errorf("search %s: %w", collection, err)
	}
	defer rows.Close()

	var hits []Hit
	for rows.Next() {
		var text string
		var blob []byte
		if err := rows.Scan(&text, &blob); err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}
		var vec []float32
		if err := json.Unmarshal(blob, &vec); err != nil || len(vec) != dim {
			continue
		}
		hits = append(hits, Hit{Text: text, Score: score(metric, query, vec)})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}

	// L2 is a distance (smaller is closer); IP and COSINE are similarities.
	sort.SliceStable(hits, func(i, j int) bool {
		if metric == MetricL2 {
			return hits[i].Score < hits[j].Score
		}
		return hits[i].Score > hits[j].Score
	})
	if len(hits) > k {
		hits = hits[:k]
	}
	return hits, nil
}

// Count returns the number of stored entities.
func (s *Store) Count(collection string) (int, error) {
	if _, _, err := s.collectionMeta(collection); err != nil {
		return 0, err
	}
	var n int
	if err := s.db.QueryRow(fmt.Sprintf(`SELECT COUNT(*) FROM %s`, collection)).Scan(&n); err != nil {
		return 0, fmt.Errorf("count %s: %w", collection, err)
	}
	return n, nil
}

func (s *Store) collectionMeta(name string) (dim int, metric string, err error) {
	if !collectionName.MatchString(name) {
		return 0, "", fmt.Errorf("invalid collection name %q", name)
	}
	err = s.db.QueryRow(`SELECT dim, metric FROM vs_meta WHERE collection = ?`, name).Scan(&dim, &metric)
	if err == sql.ErrNoRows {
		return 0, "", fmt.Errorf("collection %s does not exist", name)
	}
	if err != nil {
		return 0, "", fmt.Errorf("collection meta %s: %w", name, err)
	}
	return dim, metric, nil
}

func score(metric string, a, b []float32) float64 {
	switch metric {
	case MetricL2:
		var sum float64
		for i := range a {
			d := float64(a[i]) - float64(b[i])
			sum += d * d
		}
		return math.Sqrt(sum)
	case MetricCosine:
		var dot, na, nb float64
		for i := range a {
			dot += float64(a[i]) * float64(b[i])
			na += float64(a[i]) * float64(a[i])
			nb += float64(b[i]) * float64(b[i])
		}
		if na == 0 || nb == 0 {
			return 0
		}
		return dot / (math.Sqrt(na) * math.Sqrt(nb))
	default: // IP
		var dot float64
		for i := range a {
			dot += float64(a[i]) * float64(b[i])
		}
		return dot
	}
}

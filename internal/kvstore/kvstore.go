// Package kvstore is a sqlite-backed key-value store with TTL expiry, plus
// list and set primitives for the task queue and active-task tracking.
package kvstore

import (
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	. "github.com/voyantai/ragline/internal/logging"
)

// Store provides atomic get/set with TTL over a single sqlite database.
// Safe for concurrent use; sqlite serializes writers.
type Store struct {
	db *sql.DB
}

// Open opens (creating if needed) the store at path. Use ":memory:" for an
// ephemeral store.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open kv store %s: %w", path, err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		L_warn("kvstore: failed to enable WAL mode", "error", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		L_warn("kvstore: failed to set busy timeout", "error", err)
	}

	if err := initSchema(db); err != nil {
		db.Close()
		return nil, err
	}

	L_debug("kvstore: ready", "path", path)
	return &Store{db: db}, nil
}

func initSchema(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS kv (
			key TEXT PRIMARY KEY,
			value BLOB NOT NULL,
			expires_at INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE TABLE IF NOT EXISTS kv_list (
			name TEXT NOT NULL,
			pos INTEGER NOT NULL,
			value BLOB NOT NULL,
			PRIMARY KEY (name, pos)
		)`,
		`CREATE TABLE IF NOT EXISTS kv_set (
			name TEXT NOT NULL,
			member TEXT NOT NULL,
			PRIMARY KEY (name, member)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_kv_expires ON kv(expires_at)`,
	}
	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("init kv schema: %w", err)
		}
	}
	return nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Set writes a key with an optional TTL. A zero TTL means no expiry.
func (s *Store) Set(key string, value []byte, ttl time.Duration) error {
	var expires int64
	if ttl > 0 {
		expires = time.Now().Add(ttl).Unix()
	}
	_, err := s.db.Exec(`
		INSERT INTO kv (key, value, expires_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, expires_at = excluded.expires_at
	`, key, value, expires)
	if err != nil {
		return fmt.Errorf("set %s: %w", key, err)
	}
	return nil
}

// Get reads a key. Expired keys are deleted lazily and reported missing.
func (s *Store) Get(key string) ([]byte, bool, error) {
	var value []byte
	var expires int64
	err := s.db.QueryRow(`SELECT value, expires_at FROM kv WHERE key = ?`, key).Scan(&value, &expires)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("get %s: %w", key, err)
	}

	if expires > 0 && expires <= time.Now().Unix() {
		s.Delete(key)
		return nil, false, nil
	}
	return value, true, nil
}

// Delete removes a key. Deleting a missing key is not an error.
func (s *Store) Delete(key string) error {
	if _, err := s.db.Exec(`DELETE FROM kv WHERE key = ?`, key); err != nil {
		return fmt.Errorf("delete %s: %w", key, err)
	}
	return nil
}

// Expire refreshes a key's TTL. Returns false if the key does not exist.
func (s *Store) Expire(key string, ttl time.Duration) (bool, error) {
	var expires int64
	if ttl > 0 {
		expires = time.Now().Add(ttl).Unix()
	}
	res, err := s.db.Exec(`UPDATE kv SET expires_at = ? WHERE key = ?`, expires, key)
	if err != nil {
		return false, fmt.Errorf("expire %s: %w", key, err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// likeEscaper protects LIKE wildcards in key prefixes (task ids routinely
// contain underscores).
var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

// Keys returns all live keys with the given prefix.
func (s *Store) Keys(prefix string) ([]string, error) {
	rows, err := s.db.Query(`
		SELECT key FROM kv
		WHERE key LIKE ? || '%' ESCAPE '\' AND (expires_at = 0 OR expires_at > ?)
		ORDER BY key
	`, likeEscaper.Replace(prefix), time.Now().Unix())
	if err != nil {
		return nil, fmt.Errorf("keys %s: %w", prefix, err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, fmt.Errorf("scan key: %w", err)
		}
		keys = append(keys, k)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate keys: %w", err)
	}
	return keys, nil
}

// Sweep deletes all expired keys and returns how many were removed.
func (s *Store) Sweep() (int64, error) {
	res, err := s.db.Exec(`DELETE FROM kv WHERE expires_at > 0 AND expires_at <= ?`, time.Now().Unix())
	if err != nil {
		return 0, fmt.Errorf("sweep: %w", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		L_debug("kvstore: swept expired keys", "count", n)
	}
	return n, nil
}

// LPush prepends a value to a list.
func (s *Store) LPush(name string, value []byte) error {
	_, err := s.db.Exec(`
		INSERT INTO kv_list (name, pos, value)
		VALUES (?, (SELECT COALESCE(MIN(pos), 0) - 1 FROM kv_list WHERE name = ?), ?)
	`, name, name, value)
	if err != nil {
		return fmt.Errorf("lpush %s: %w", name, err)
	}
	return nil
}

// RPop removes and returns the tail of a list, FIFO relative to LPush.
func (s *Store) RPop(name string) ([]byte, bool, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return nil, false, fmt.Errorf("rpop %s: %w", name, err)
	}
	defer tx.Rollback()

	var pos int64
	var value []byte
	err = tx.QueryRow(`
		SELECT pos, value FROM kv_list WHERE name = ? ORDER BY pos DESC LIMIT 1
	`, name).Scan(&pos, &value)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("rpop %s: %w", name, err)
	}

	if _, err := tx.Exec(`DELETE FROM kv_list WHERE name = ? AND pos = ?`, name, pos); err != nil {
		return nil, false, fmt.Errorf("rpop delete %s: %w", name, err)
	}
	if err := tx.Commit(); err != nil {
		return nil, false, fmt.Errorf("rpop commit %s: %w", name, err)
	}
	return value, true, nil
}

// LRem removes every occurrence of value from a list.
func (s *Store) LRem(name string, value []byte) error {
	if _, err := s.db.Exec(`DELETE FROM kv_list WHERE name = ? AND value = ?`, name, value); err != nil {
		return fmt.Errorf("lrem %s: %w", name, err)
	}
	return nil
}

// LLen returns the list length.
func (s *Store) LLen(name string) (int, error) {
	var n int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM kv_list WHERE name = ?`, name).Scan(&n); err != nil {
		return 0, fmt.Errorf("llen %s: %w", name, err)
	}
	return n, nil
}

// SAdd adds a member to a set. Adding an existing member is a no-op.
func (s *Store) SAdd(name, member string) error {
	_, err := s.db.Exec(`
		INSERT INTO kv_set (name, member) VALUES (?, ?)
		ON CONFLICT(name, member) DO NOTHING
	`, name, member)
	if err != nil {
		return fmt.Errorf("sadd %s: %w", name, err)
	}
	return nil
}

// SRem removes a member from a set.
func (s *Store) SRem(name, member string) error {
	if _, err := s.db.Exec(`DELETE FROM kv_set WHERE name = ? AND member = ?`, name, member); err != nil {
		return fmt.Errorf("srem %s: %w", name, err)
	}
	return nil
}

// SMembers lists the members of a set.
func (s *Store) SMembers(name string) ([]string, error) {
	rows, err := s.db.Query(`SELECT member FROM kv_set WHERE name = ? ORDER BY member`, name)
	if err != nil {
		return nil, fmt.Errorf("smembers %s: %w", name, err)
	}
	defer rows.Close()

	var members []string
	for rows.Next() {
		var m string
		if err := rows.Scan(&m); err != nil {
			return nil, fmt.Errorf("scan member: %w", err)
		}
		members = append(members, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate members: %w", err)
	}
	return members, nil
}

// SCard returns the set cardinality.
func (s *Store) SCard(name string) (int, error) {
	var n int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM kv_set WHERE name = ?`, name).Scan(&n); err != nil {
		return 0, fmt.Errorf("scard %s: %w", name, err)
	}
	return n, nil
}

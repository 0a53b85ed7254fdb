package cache

import (
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	_ "github.com/glebarez/go-sqlite"
)

// SQLite is the default persistent Provider. The driver is pure Go, so the
// binary stays free of cgo.
type SQLite struct {
	db *sql.DB
	// single writer: the driver serializes writes anyway, but through a
	// busy timeout that surfaces as an error under load
	writeMu sync.Mutex
}

// NewSQLite opens or creates the database in the given file. An empty
// filename opens a shared in-memory database.
func NewSQLite(filename string) (*SQLite, error) {
	if filename == "" {
		filename = "file::memory:?cache=shared"
	}
	db, err := sql.Open("sqlite", filename)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	for _, stmt := range []string{
		`CREATE TABLE IF NOT EXISTS entries (
			key TEXT PRIMARY KEY,
			stored_at INTEGER,
			bytes BLOB
		)`,
		"PRAGMA journal_mode=WAL",
	} {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("init sqlite db: %w", err)
		}
	}
	return &SQLite{db: db}, nil
}

// prefixRange returns bounds selecting every key that starts with prefix.
// LIKE is unusable for this: cached URLs contain % from their own
// percent-encoding. Keys are ASCII, so an 0xff sentinel bounds the range.
func prefixRange(prefix string) (lo, hi string) {
	return prefix, prefix + "\xff"
}

func (s *SQLite) Get(key string) ([]byte, bool, error) {
	var bytes []byte
	err := s.db.QueryRow("SELECT bytes FROM entries WHERE key = ?", key).Scan(&bytes)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return bytes, true, nil
}

func (s *SQLite) Put(key string, bytes []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_, err := s.db.Exec(
		"INSERT OR REPLACE INTO entries (key, stored_at, bytes) VALUES (?, ?, ?)",
		key, time.Now().Unix(), bytes)
	return err
}

func (s *SQLite) Delete(key string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_, err := s.db.Exec("DELETE FROM entries WHERE key = ?", key)
	return err
}

func (s *SQLite) All(prefix string) ([]Entry, error) {
	lo, hi := prefixRange(prefix)
	rows, err := s.db.Query(
		"SELECT key, stored_at, bytes FROM entries WHERE key >= ? AND key < ? ORDER BY key",
		lo, hi)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	entries := make([]Entry, 0)
	for rows.Next() {
		var e Entry
		var stored int64
		if err := rows.Scan(&e.Key, &stored, &e.Bytes); err != nil {
			return entries, err
		}
		e.StoredAt = time.Unix(stored, 0)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func (s *SQLite) Keys(prefix string, fn func(string)) error {
	lo, hi := prefixRange(prefix)
	rows, err := s.db.Query(
		"SELECT key FROM entries WHERE key >= ? AND key < ? ORDER BY key", lo, hi)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return err
		}
		fn(key)
	}
	return rows.Err()
}

func (s *SQLite) Has(key string) bool {
	var one int
	err := s.db.QueryRow("SELECT 1 FROM entries WHERE key = ?", key).Scan(&one)
	return err == nil
}

func (s *SQLite) Close() error { return s.db.Close() }

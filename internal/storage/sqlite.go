package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	_ "github.com/mattn/go-sqlite3"
)

// SQLite keeps every key in a single kv table
type SQLite struct {
	db *sql.DB
}

// NewSQLite opens (or creates) the database at path
func NewSQLite(path string) (*SQLite, error) {
	if path == "" {
		return nil, fmt.Errorf("sqlite storage requires a path")
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// one connection keeps :memory: databases coherent and serializes writers
	db.SetMaxOpenConns(1)

	createKVTable := `
	CREATE TABLE IF NOT EXISTS kv (
		key TEXT PRIMARY KEY,
		value BLOB NOT NULL,
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);`

	if _, err := db.Exec(createKVTable); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create kv table: %w", err)
	}

	return &SQLite{db: db}, nil
}

func (s *SQLite) Get(key string) ([]byte, error) {
	var value []byte
	err := s.db.QueryRow("SELECT value FROM kv WHERE key = ?", key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load %s: %w", key, err)
	}
	return value, nil
}

func (s *SQLite) Set(key string, value []byte) error {
	_, err := s.db.Exec(
		"INSERT OR REPLACE INTO kv (key, value, updated_at) VALUES (?, ?, CURRENT_TIMESTAMP)",
		key, value,
	)
	if err != nil {
		return fmt.Errorf("failed to save %s: %w", key, err)
	}
	return nil
}

func (s *SQLite) Delete(key string) error {
	if _, err := s.db.Exec("DELETE FROM kv WHERE key = ?", key); err != nil {
		return fmt.Errorf("failed to delete %s: %w", key, err)
	}
	return nil
}

func (s *SQLite) Keys() ([]string, error) {
	rows, err := s.db.Query("SELECT key FROM kv")
	if err != nil {
		return nil, fmt.Errorf("failed to list keys: %w", err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, fmt.Errorf("failed to scan key: %w", err)
		}
		keys = append(keys, key)
	}
	return keys, rows.Err()
}

func (s *SQLite) Close() error {
	return s.db.Close()
}

// Package cache is the durable client-local store for artifact lists.
// Data lives in a SQLite file so it survives process restarts.
package cache

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite" // Pure-Go SQLite driver

	"github.com/makeasinger/songgen/internal/model"
)

// ArtifactCache is the local artifact list keyed by principal.
type ArtifactCache interface {
	LoadArtifacts(ctx context.Context, principal string) ([]model.GeneratedArtifact, error)
	// SaveArtifacts replaces the stored list for principal.
	SaveArtifacts(ctx context.Context, principal string, artifacts []model.GeneratedArtifact) error
}

var _ ArtifactCache = (*Store)(nil)

// Store is a SQLite key/value table.
type Store struct {
	db *sql.DB
}

// Open creates or opens dir/state.db in WAL mode.
func Open(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("create cache dir: %w", err)
	}

	dsn := filepath.Join(dir, "state.db") + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	// single writer
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *Store) migrate() error {
	_, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS kv (
		key        TEXT PRIMARY KEY,
		value      BLOB NOT NULL,
		updated_at INTEGER NOT NULL
	)`)
	return err
}

// Close releases the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

func artifactsKey(principal string) string {
	return "artifacts:" + principal
}

// LoadArtifacts returns the cached list, or an empty list when none is stored.
func (s *Store) LoadArtifacts(ctx context.Context, principal string) ([]model.GeneratedArtifact, error) {
	var raw []byte
	err := s.db.QueryRowContext(ctx, `SELECT value FROM kv WHERE key = ?`, artifactsKey(principal)).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return []model.GeneratedArtifact{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load artifacts: %w", err)
	}

	var out []model.GeneratedArtifact
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("decode artifacts: %w", err)
	}
	if out == nil {
		out = []model.GeneratedArtifact{}
	}
	return out, nil
}

func (s *Store) SaveArtifacts(ctx context.Context, principal string, artifacts []model.GeneratedArtifact) error {
	if artifacts == nil {
		artifacts = []model.GeneratedArtifact{}
	}
	raw, err := json.Marshal(artifacts)
	if err != nil {
		return fmt.Errorf("encode artifacts: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO kv (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		artifactsKey(principal), raw, time.Now().Unix(),
	)
	if err != nil {
		return fmt.Errorf("save artifacts: %w", err)
	}
	return nil
}

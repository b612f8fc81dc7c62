// Package persistence provides SQLite-backed storage for document
// snapshots, so a document's replicated text survives a process
// restart and a reconnecting session can resume from its last state
// instead of an empty document.
package persistence

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"path/filepath"
	"sort"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/kolabtext/colabtext/pkg/logging"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Store wraps a SQLite connection holding one row per document, keyed
// by doc id, each row the gob-encoded crdt snapshot of its replicated
// text. It implements session.Persister.
type Store struct {
	db *sql.DB
}

// Open connects to the SQLite database at uri and applies any pending
// migrations.
func Open(uri string) (*Store, error) {
	db, err := sql.Open("sqlite3", uri)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Store upserts the snapshot for docID. Implements session.Persister.
func (s *Store) Store(ctx context.Context, docID string, blob []byte) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO document_snapshots (doc_id, snapshot, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(doc_id) DO UPDATE SET
			snapshot = excluded.snapshot,
			updated_at = excluded.updated_at
	`, docID, blob, time.Now().Unix())
	if err != nil {
		return fmt.Errorf("store snapshot %s: %w", docID, err)
	}
	return nil
}

// Load retrieves the most recently stored snapshot for docID. It
// returns (nil, nil) when the document has never been persisted, so a
// fresh session can tell "no snapshot" apart from a query failure.
func (s *Store) Load(ctx context.Context, docID string) ([]byte, error) {
	var blob []byte
	err := s.db.QueryRowContext(ctx,
		"SELECT snapshot FROM document_snapshots WHERE doc_id = ?", docID,
	).Scan(&blob)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load snapshot %s: %w", docID, err)
	}
	return blob, nil
}

// Count returns the number of documents with a persisted snapshot.
func (s *Store) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM document_snapshots").Scan(&n); err != nil {
		return 0, fmt.Errorf("count: %w", err)
	}
	return n, nil
}

// Delete removes a document's persisted snapshot, e.g. once it has
// been idle and unjoined long enough to be forgotten entirely.
func (s *Store) Delete(ctx context.Context, docID string) error {
	if _, err := s.db.ExecContext(ctx, "DELETE FROM document_snapshots WHERE doc_id = ?", docID); err != nil {
		return fmt.Errorf("delete %s: %w", docID, err)
	}
	return nil
}

// migrate applies pending migrations from migrations/*.sql in
// filename order, tracking the applied version in schema_migrations.
func migrate(db *sql.DB) error {
	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			filename TEXT NOT NULL,
			applied_at INTEGER NOT NULL
		)
	`); err != nil {
		return fmt.Errorf("create migrations table: %w", err)
	}

	var currentVersion int
	db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_migrations").Scan(&currentVersion)

	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("read migrations: %w", err)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

	log := logging.L()
	applied := 0
	for i, entry := range entries {
		version := i + 1
		if version <= currentVersion {
			continue
		}

		filename := entry.Name()
		content, err := migrationsFS.ReadFile(filepath.Join("migrations", filename))
		if err != nil {
			return fmt.Errorf("read migration %s: %w", filename, err)
		}
		if _, err := db.Exec(string(content)); err != nil {
			return fmt.Errorf("migration %s: %w", filename, err)
		}
		if _, err := db.Exec(
			"INSERT INTO schema_migrations (version, filename, applied_at) VALUES (?, ?, ?)",
			version, filename, time.Now().Unix(),
		); err != nil {
			return fmt.Errorf("record migration %s: %w", filename, err)
		}
		applied++
	}

	if applied > 0 {
		log.Info("applied migrations", zap.Int("count", applied))
	}
	return nil
}

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// SnapshotStore keeps one snapshot row per document in PostgreSQL.
type SnapshotStore struct {
	db *sql.DB
}

func NewSnapshotStore(db *sql.DB) *SnapshotStore {
	return &SnapshotStore{db: db}
}

func (s *SnapshotStore) DB() *sql.DB {
	return s.db
}

// Save upserts the snapshot for a document. Every member of a channel runs
// its own autosave, so concurrent saves for the same document are routine;
// the version guard makes the row monotonic and losing that race to a newer
// snapshot counts as success.
func (s *SnapshotStore) Save(ctx context.Context, documentID, content string, version uint64, savedBy string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO snapshots (document_id, content, version, saved_by, saved_at)
		VALUES ($1, $2, $3, $4, NOW())
		ON CONFLICT (document_id) DO UPDATE
		SET content = EXCLUDED.content,
			version = EXCLUDED.version,
			saved_by = EXCLUDED.saved_by,
			saved_at = NOW()
		WHERE snapshots.version <= EXCLUDED.version
	`, documentID, content, int64(version), savedBy)
	if err != nil {
		return fmt.Errorf("save snapshot %s: %w", documentID, err)
	}
	return nil
}

// Load returns the last persisted snapshot for a document, or ErrNotFound
// when the document has never been saved.
func (s *SnapshotStore) Load(ctx context.Context, documentID string) (Snapshot, error) {
	const query = `
		SELECT document_id, content, version, saved_by, saved_at
		FROM snapshots
		WHERE document_id = $1
	`
	var (
		snap    Snapshot
		version int64
	)
	err := s.db.QueryRowContext(ctx, query, documentID).
		Scan(&snap.DocumentID, &snap.Content, &version, &snap.SavedBy, &snap.SavedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Snapshot{}, ErrNotFound
	}
	if err != nil {
		return Snapshot{}, fmt.Errorf("load snapshot %s: %w", documentID, err)
	}
	snap.Version = uint64(version)
	return snap, nil
}

// Ping reports database reachability for readiness checks.
func (s *SnapshotStore) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("ping db: %w", err)
	}
	return nil
}

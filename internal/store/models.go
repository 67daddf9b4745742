// Package store persists document snapshots: the durable output of the
// autosave path and the starting content for late joiners. Two backends
// implement the same contract, PostgreSQL and an S3-compatible object store.
package store

import (
	"errors"
	"time"
)

// ErrNotFound reports that no snapshot has been persisted for a document yet.
// A fresh document starts from an empty buffer at version zero.
var ErrNotFound = errors.New("snapshot not found")

// Snapshot is the persisted state of one document: the full buffer content
// plus the session version that produced it. SavedBy records which
// participant's session flushed it.
type Snapshot struct {
	DocumentID string    `json:"documentId"`
	Content    string    `json:"content"`
	Version    uint64    `json:"version"`
	SavedBy    string    `json:"savedBy,omitempty"`
	SavedAt    time.Time `json:"savedAt"`
}

package collab

import (
	"tandem/sync/internal/change"
	"tandem/sync/internal/presence"
)

// Channel payloads. Every payload carries the documentId it belongs to;
// receivers drop events scoped to a different document than their own.

type userJoinedPayload struct {
	DocumentID string               `json:"documentId"`
	User       presence.Participant `json:"user"`
}

type userLeftPayload struct {
	DocumentID string `json:"documentId"`
	UserID     string `json:"userId"`
}

type statusChangedPayload struct {
	DocumentID string          `json:"documentId"`
	Status     presence.Status `json:"status"`
}

// cursorMovedPayload carries pointer state. Cursor and selection ride the
// same event; a publish may update either or both, and nil leaves the other
// untouched on the receiving side.
type cursorMovedPayload struct {
	DocumentID string              `json:"documentId"`
	Cursor     *presence.Cursor    `json:"cursor,omitempty"`
	Selection  *presence.Selection `json:"selection,omitempty"`
}

type documentChangePayload struct {
	DocumentID string `json:"documentId"`
	change.Operation
}

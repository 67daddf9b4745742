// Package change defines the edit operations that flow between session
// buffers: their wire identity, how they splice into document content, and
// how a plain content diff is classified into one.
package change

import (
	"time"

	"github.com/oklog/ulid/v2"
)

// Type names the kind of positional edit an operation carries.
type Type string

const (
	Insert  Type = "insert"
	Delete  Type = "delete"
	Replace Type = "replace"
	Format  Type = "format"
)

// Operation is a single positional edit to a document buffer. Operations are
// immutable once created; receivers apply them, never mutate them. Positions
// and lengths count runes, not bytes, so multi-byte content cannot be split
// mid-encoding.
type Operation struct {
	ID        string         `json:"id"`
	Type      Type           `json:"type"`
	Position  int            `json:"position"`
	Content   string         `json:"content,omitempty"`
	Length    int            `json:"length,omitempty"`
	AuthorID  string         `json:"authorId"`
	Timestamp time.Time      `json:"timestamp"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// NewID returns a lexically time-ordered operation id.
func NewID() string {
	return ulid.Make().String()
}

// Apply splices op into content and returns the result. Positions and
// lengths outside the buffer bounds are clamped, never rejected: applying an
// operation cannot fail. Format operations carry their effect in metadata
// and leave the text untouched.
func Apply(content string, op Operation) string {
	switch op.Type {
	case Insert, Delete, Replace:
	default:
		return content
	}

	runes := []rune(content)
	pos := clamp(op.Position, 0, len(runes))

	switch op.Type {
	case Insert:
		return string(runes[:pos]) + op.Content + string(runes[pos:])
	case Delete:
		end := clamp(pos+spanLength(op), pos, len(runes))
		return string(runes[:pos]) + string(runes[end:])
	case Replace:
		end := clamp(pos+spanLength(op), pos, len(runes))
		return string(runes[:pos]) + op.Content + string(runes[end:])
	}
	return content
}

// spanLength is the number of runes an operation removes. Delete and replace
// operations normally carry an explicit Length; when it is absent the length
// of Content is used: a delete may describe the removed text instead of
// counting it, and an in-place replacement removes as much as it inserts.
func spanLength(op Operation) int {
	if op.Length > 0 {
		return op.Length
	}
	return len([]rune(op.Content))
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

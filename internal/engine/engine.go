// Package engine owns the document buffer of one session: composing local
// edits into operations, broadcasting them, and applying remote operations.
package engine

import (
	"sync"
	"time"

	"tandem/sync/internal/change"
)

// Publisher carries locally authored operations out to the document channel.
// Publishing must not block: implementations enqueue and return.
type Publisher interface {
	PublishChange(op change.Operation)
}

// Engine is the per-session document buffer. A mutex serializes every
// mutation, so applies are totally ordered locally and the version counter
// increments exactly once per applied operation.
//
// Apply callbacks run on the apply path while the buffer lock is held. They
// must be fast and must not call back into the engine.
type Engine struct {
	documentID string
	authorID   string
	pub        Publisher

	mu      sync.Mutex
	content string
	version uint64

	callbacks map[int]func(change.Operation, uint64)
	nextCb    int
}

// New creates a buffer for documentID seeded with content and version.
// Locally composed operations are authored as authorID and handed to pub.
func New(documentID, authorID string, pub Publisher, content string, version uint64) *Engine {
	return &Engine{
		documentID: documentID,
		authorID:   authorID,
		pub:        pub,
		content:    content,
		version:    version,
		callbacks:  map[int]func(change.Operation, uint64){},
	}
}

// DocumentID returns the document this buffer belongs to.
func (e *Engine) DocumentID() string { return e.documentID }

// Content returns the current buffer text.
func (e *Engine) Content() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.content
}

// Version returns the local apply counter.
func (e *Engine) Version() uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.version
}

// Snapshot returns the buffer text and version as one consistent pair.
func (e *Engine) Snapshot() (string, uint64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.content, e.version
}

// ComposeEdit diffs newContent against the buffer, classifies the edit into
// an operation, broadcasts it and applies it locally. The caret is the
// cursor position after the edit, in runes. No-op edits return false and
// publish nothing.
func (e *Engine) ComposeEdit(newContent string, caret int) (change.Operation, bool) {
	e.mu.Lock()
	op, ok := change.Classify(e.content, newContent, caret)
	if !ok {
		e.mu.Unlock()
		return change.Operation{}, false
	}
	op = e.stampLocked(op)
	e.broadcastLocked(op)
	e.applyLocked(op)
	e.mu.Unlock()
	return op, true
}

// Insert composes a structured insert at position.
func (e *Engine) Insert(position int, content string) change.Operation {
	return e.compose(change.Operation{Type: change.Insert, Position: position, Content: content})
}

// Delete composes a structured delete of length runes at position.
func (e *Engine) Delete(position, length int) change.Operation {
	return e.compose(change.Operation{Type: change.Delete, Position: position, Length: length})
}

// Replace composes a structured replace of length runes at position.
func (e *Engine) Replace(position, length int, content string) change.Operation {
	return e.compose(change.Operation{Type: change.Replace, Position: position, Length: length, Content: content})
}

// Format composes a formatting operation over [position, position+length).
// Formatting rides in metadata and leaves the text itself untouched, but it
// still bumps the version and is broadcast like any other change.
func (e *Engine) Format(position, length int, metadata map[string]any) change.Operation {
	return e.compose(change.Operation{Type: change.Format, Position: position, Length: length, Metadata: metadata})
}

func (e *Engine) compose(op change.Operation) change.Operation {
	e.mu.Lock()
	op = e.stampLocked(op)
	e.broadcastLocked(op)
	e.applyLocked(op)
	e.mu.Unlock()
	return op
}

// ApplyRemote applies an operation received from the channel. Operations
// authored by this session are dropped: the transport echoes our own
// publishes back and applying them twice would corrupt the buffer. The
// result reports whether the buffer changed.
func (e *Engine) ApplyRemote(op change.Operation) bool {
	if op.AuthorID == e.authorID {
		return false
	}
	e.mu.Lock()
	e.applyLocked(op)
	e.mu.Unlock()
	return true
}

// OnApply registers a callback invoked after every applied operation, local
// and remote, with the operation and the version it produced. It returns
// the unsubscribe function.
func (e *Engine) OnApply(fn func(change.Operation, uint64)) func() {
	e.mu.Lock()
	id := e.nextCb
	e.nextCb++
	e.callbacks[id] = fn
	e.mu.Unlock()

	return func() {
		e.mu.Lock()
		delete(e.callbacks, id)
		e.mu.Unlock()
	}
}

// stampLocked fills in the identity fields of a locally composed operation.
func (e *Engine) stampLocked(op change.Operation) change.Operation {
	op.ID = change.NewID()
	op.AuthorID = e.authorID
	op.Timestamp = time.Now().UTC()
	return op
}

func (e *Engine) broadcastLocked(op change.Operation) {
	if e.pub != nil {
		e.pub.PublishChange(op)
	}
}

func (e *Engine) applyLocked(op change.Operation) {
	e.content = change.Apply(e.content, op)
	e.version++
	for _, fn := range e.callbacks {
		fn(op, e.version)
	}
}

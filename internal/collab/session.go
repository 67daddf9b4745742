// Package collab assembles the per-connection collaboration session: one
// document buffer, one membership view, one activity monitor and one autosave
// coordinator, wired to a transport. Everything a session knows about its
// peers arrives through the transport; local and remote state converge only
// through published events.
package collab

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"tandem/sync/internal/autosave"
	"tandem/sync/internal/change"
	"tandem/sync/internal/engine"
	"tandem/sync/internal/presence"
	"tandem/sync/internal/store"
	"tandem/sync/internal/transport"
	"tandem/sync/internal/util"
)

// Mode selects the product surface a session runs in. It only affects the
// idle timeout default: editing surfaces tolerate long pauses, read-only
// surfaces demote to idle quickly.
type Mode string

const (
	ModeEditor Mode = "editor"
	ModeViewer Mode = "viewer"
)

// DefaultCursorInterval is the minimum spacing between published cursor
// events. Pointer moves inside the window coalesce to the latest position.
const DefaultCursorInterval = 50 * time.Millisecond

// Saver persists document snapshots and loads the latest one back for late
// joiners. Both store.SnapshotStore and store.ObjectStore satisfy it.
type Saver interface {
	Save(ctx context.Context, documentID, content string, version uint64, savedBy string) error
	Load(ctx context.Context, documentID string) (store.Snapshot, error)
}

// Options configures a session. DocumentID, UserID and Transport are
// required; everything else has a default. The transport is borrowed, not
// owned: Close leaves the document channel but never closes the transport.
type Options struct {
	DocumentID  string
	UserID      string
	DisplayName string

	// Transport connects the session to the document channel. Required.
	Transport transport.Transport

	// Saver receives autosaves and seeds the buffer from the last snapshot.
	// Without one the session keeps the document in memory only.
	Saver Saver

	// Mode defaults to ModeEditor.
	Mode Mode

	// IdleAfter overrides the mode's idle timeout.
	IdleAfter time.Duration
	// ReannounceEvery overrides the presence re-announcement period.
	ReannounceEvery time.Duration
	// CursorInterval overrides the cursor publish throttle window.
	CursorInterval time.Duration
	// SaveDebounce overrides the autosave quiet period.
	SaveDebounce time.Duration
}

// Session is one participant's live attachment to a document. It owns the
// buffer, the membership view and the activity state for that participant
// and keeps them in sync with the channel until Close.
//
// All methods are safe for concurrent use. Local mutations never block on
// network I/O: publishes are queued to a dedicated goroutine.
type Session struct {
	id         string
	documentID string
	userID     string

	tr       transport.Transport
	registry *presence.Registry
	monitor  *presence.Monitor
	engine   *engine.Engine
	saves    *autosave.Coordinator
	reporter *reporter

	outbox chan outbound
	done   chan struct{}
	wg     sync.WaitGroup

	mu     sync.Mutex
	unsubs []func()

	curMu     sync.Mutex
	cursorObs map[int]func(string, *presence.Cursor, *presence.Selection)
	nextCur   int

	closeOnce sync.Once
	closeErr  error
}

type outbound struct {
	event   transport.EventType
	payload any
}

// outboxSize bounds queued publishes. A full queue drops the event rather
// than stall the edit path; the periodic re-announcement repairs presence
// and the autosave path repairs content.
const outboxSize = 256

// Open joins the document channel as opts.UserID and returns the live
// session. When a Saver is configured the buffer seeds from the latest
// snapshot; a document with no snapshot starts empty at version zero.
func Open(ctx context.Context, opts Options) (*Session, error) {
	if opts.DocumentID == "" {
		return nil, errors.New("collab: document id required")
	}
	if opts.UserID == "" {
		return nil, errors.New("collab: user id required")
	}
	if opts.Transport == nil {
		return nil, errors.New("collab: transport required")
	}
	if opts.Mode == "" {
		opts.Mode = ModeEditor
	}
	if opts.IdleAfter <= 0 {
		if opts.Mode == ModeViewer {
			opts.IdleAfter = presence.DefaultViewerIdleAfter
		} else {
			opts.IdleAfter = presence.DefaultEditorIdleAfter
		}
	}
	if opts.CursorInterval <= 0 {
		opts.CursorInterval = DefaultCursorInterval
	}

	var content string
	var version uint64
	if opts.Saver != nil {
		snap, err := opts.Saver.Load(ctx, opts.DocumentID)
		switch {
		case errors.Is(err, store.ErrNotFound):
		case err != nil:
			return nil, fmt.Errorf("load snapshot for %s: %w", opts.DocumentID, err)
		default:
			content, version = snap.Content, snap.Version
		}
	}

	s := &Session{
		id:         util.NewID("sess"),
		documentID: opts.DocumentID,
		userID:     opts.UserID,
		tr:         opts.Transport,
		registry: presence.NewRegistry(opts.DocumentID, presence.Participant{
			UserID:      opts.UserID,
			DisplayName: opts.DisplayName,
		}),
		outbox:    make(chan outbound, outboxSize),
		done:      make(chan struct{}),
		cursorObs: map[int]func(string, *presence.Cursor, *presence.Selection){},
	}
	s.engine = engine.New(opts.DocumentID, opts.UserID, enginePublisher{s}, content, version)
	s.monitor = presence.NewMonitor(s.registry, monitorPublisher{s}, presence.MonitorConfig{
		IdleAfter:       opts.IdleAfter,
		ReannounceEvery: opts.ReannounceEvery,
	})
	s.reporter = newReporter(opts.CursorInterval, s.publishPointer)

	if opts.Saver != nil {
		s.saves = autosave.New(opts.DocumentID, s.engine, &saverAdapter{saver: opts.Saver, savedBy: opts.UserID},
			autosave.Config{Debounce: opts.SaveDebounce})
		s.track(s.engine.OnApply(func(_ change.Operation, v uint64) {
			s.saves.Observe(v)
		}))
	}

	s.track(s.tr.Subscribe(transport.EventUserJoined, s.handleUserJoined))
	s.track(s.tr.Subscribe(transport.EventUserLeft, s.handleUserLeft))
	s.track(s.tr.Subscribe(transport.EventUserStatusChanged, s.handleStatusChanged))
	s.track(s.tr.Subscribe(transport.EventCursorMoved, s.handleCursorMoved))
	s.track(s.tr.Subscribe(transport.EventDocumentChange, s.handleDocumentChange))

	if err := s.tr.Join(ctx, opts.DocumentID); err != nil {
		s.runUnsubs()
		return nil, fmt.Errorf("join document %s: %w", opts.DocumentID, err)
	}

	s.wg.Add(1)
	go s.publishLoop()
	s.monitor.Start()
	s.announce()
	return s, nil
}

// ID returns the session's unique id, used in gateway logs.
func (s *Session) ID() string { return s.id }

// DocumentID returns the document this session is attached to.
func (s *Session) DocumentID() string { return s.documentID }

// UserID returns the local participant's user id.
func (s *Session) UserID() string { return s.userID }

// Edit diffs newContent against the buffer, publishes the resulting
// operation and applies it locally. The caret is the cursor position after
// the edit, in runes. A no-op edit returns false.
func (s *Session) Edit(newContent string, caret int) (change.Operation, bool) {
	s.monitor.Activity()
	return s.engine.ComposeEdit(newContent, caret)
}

// Insert composes a structured insert at position.
func (s *Session) Insert(position int, content string) change.Operation {
	s.monitor.Activity()
	return s.engine.Insert(position, content)
}

// Delete composes a structured delete of length runes at position.
func (s *Session) Delete(position, length int) change.Operation {
	s.monitor.Activity()
	return s.engine.Delete(position, length)
}

// Replace composes a structured replace of length runes at position.
func (s *Session) Replace(position, length int, content string) change.Operation {
	s.monitor.Activity()
	return s.engine.Replace(position, length, content)
}

// Format composes a formatting operation over [position, position+length).
func (s *Session) Format(position, length int, metadata map[string]any) change.Operation {
	s.monitor.Activity()
	return s.engine.Format(position, length, metadata)
}

// ReportCursor updates the local cursor. The registry reflects it
// immediately; the publish to peers is throttled.
func (s *Session) ReportCursor(c presence.Cursor) {
	s.monitor.Activity()
	s.registry.Upsert(s.documentID, s.userID, presence.Update{Cursor: &c})
	s.reporter.Report(&c, nil)
}

// ReportSelection updates the local selection, throttled like ReportCursor.
func (s *Session) ReportSelection(sel presence.Selection) {
	s.monitor.Activity()
	s.registry.Upsert(s.documentID, s.userID, presence.Update{Selection: &sel})
	s.reporter.Report(nil, &sel)
}

// Activity records an explicit activity signal from the participant.
func (s *Session) Activity() {
	s.monitor.Activity()
}

// SetVisibility tracks the participant's page visibility. Hidden demotes to
// away; visible promotes back to active.
func (s *Session) SetVisibility(visible bool) {
	s.monitor.SetVisibility(visible)
}

// Status returns the local participant's derived activity status.
func (s *Session) Status() presence.Status {
	return s.monitor.Status()
}

// Content returns the current buffer text.
func (s *Session) Content() string { return s.engine.Content() }

// Version returns the buffer's apply counter.
func (s *Session) Version() uint64 { return s.engine.Version() }

// Snapshot returns the buffer text and version as one consistent pair.
func (s *Session) Snapshot() (string, uint64) { return s.engine.Snapshot() }

// Participants lists current channel members, local participant first.
func (s *Session) Participants() []presence.Participant {
	return s.registry.List(s.documentID)
}

// Local returns the local participant record.
func (s *Session) Local() presence.Participant {
	return s.registry.Local()
}

// SaveNow saves the buffer immediately, bypassing the debounce window. It is
// a no-op without a configured Saver.
func (s *Session) SaveNow(ctx context.Context) error {
	if s.saves == nil {
		return nil
	}
	s.monitor.Activity()
	return s.saves.SaveNow(ctx)
}

// SaveState returns the autosave state and, for the failed state, its error.
// Sessions without a Saver are permanently idle.
func (s *Session) SaveState() (autosave.State, error) {
	if s.saves == nil {
		return autosave.StateIdle, nil
	}
	return s.saves.State()
}

// OnPresence registers an observer for membership events and returns its
// unsubscribe function. Close unsubscribes any still registered.
func (s *Session) OnPresence(fn func(presence.Event)) func() {
	return s.track(s.registry.Subscribe(fn))
}

// OnRemoteChange registers a callback for operations authored by other
// participants, invoked with the operation and the buffer version it
// produced. Callbacks run on the apply path while the buffer is locked; they
// must be fast and must not read the session's content or version.
func (s *Session) OnRemoteChange(fn func(change.Operation, uint64)) func() {
	return s.track(s.engine.OnApply(func(op change.Operation, v uint64) {
		if op.AuthorID == s.userID {
			return
		}
		fn(op, v)
	}))
}

// OnCursor registers a callback for remote pointer updates: the peer's user
// id plus whichever of cursor and selection the update carried. Local
// reports never fire it.
func (s *Session) OnCursor(fn func(userID string, cursor *presence.Cursor, selection *presence.Selection)) func() {
	s.curMu.Lock()
	id := s.nextCur
	s.nextCur++
	s.cursorObs[id] = fn
	s.curMu.Unlock()

	return s.track(func() {
		s.curMu.Lock()
		delete(s.cursorObs, id)
		s.curMu.Unlock()
	})
}

// OnSaveState registers a callback for autosave state transitions.
func (s *Session) OnSaveState(fn func(autosave.State, error)) func() {
	if s.saves == nil {
		return func() {}
	}
	return s.track(s.saves.OnStateChange(fn))
}

// OnConnectionState registers a callback for transport connection health.
func (s *Session) OnConnectionState(fn func(transport.State)) func() {
	return s.track(s.tr.SubscribeState(fn))
}

// Close detaches the session: stops the monitor and the cursor throttle,
// unsubscribes every handler, drains queued publishes, announces the
// departure best-effort, flushes a dirty buffer and leaves the channel. The
// transport itself stays open for the caller. Close is idempotent.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		s.monitor.Stop()
		s.reporter.stop()
		s.runUnsubs()

		close(s.done)
		s.wg.Wait()

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := s.tr.Publish(ctx, s.documentID, transport.EventUserLeft, userLeftPayload{
			DocumentID: s.documentID,
			UserID:     s.userID,
		}); err != nil {
			log.Printf("collab: announce departure from %s: %v", s.documentID, err)
		}

		if s.saves != nil {
			s.saves.Close()
		}
		if err := s.tr.Leave(ctx, s.documentID); err != nil {
			s.closeErr = fmt.Errorf("leave document %s: %w", s.documentID, err)
		}
	})
	return s.closeErr
}

// announce publishes the local participant record. Peers that already know
// us treat it as a refresh; ones that missed the original join converge.
func (s *Session) announce() {
	s.enqueue(transport.EventUserJoined, userJoinedPayload{
		DocumentID: s.documentID,
		User:       s.registry.Local(),
	})
}

func (s *Session) publishPointer(cur *presence.Cursor, sel *presence.Selection) {
	s.enqueue(transport.EventCursorMoved, cursorMovedPayload{
		DocumentID: s.documentID,
		Cursor:     cur,
		Selection:  sel,
	})
}

// enqueue hands an event to the publisher goroutine without blocking the
// caller.
func (s *Session) enqueue(event transport.EventType, payload any) {
	select {
	case s.outbox <- outbound{event: event, payload: payload}:
	default:
		log.Printf("collab: outbox full, dropping %s for document %s", event, s.documentID)
	}
}

// publishLoop is the session's single publisher. Running publishes on one
// goroutine keeps this sender's events ordered on the wire; the queue is
// drained on shutdown so final edits still go out.
func (s *Session) publishLoop() {
	defer s.wg.Done()
	for {
		select {
		case out := <-s.outbox:
			s.send(out)
		case <-s.done:
			for {
				select {
				case out := <-s.outbox:
					s.send(out)
				default:
					return
				}
			}
		}
	}
}

func (s *Session) send(out outbound) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.tr.Publish(ctx, s.documentID, out.event, out.payload); err != nil {
		log.Printf("collab: publish %s to %s: %v", out.event, s.documentID, err)
	}
}

func (s *Session) handleUserJoined(env transport.Envelope) {
	if env.SenderID == s.userID {
		return
	}
	var pl userJoinedPayload
	if err := env.Decode(&pl); err != nil {
		log.Printf("collab: %v", err)
		return
	}
	if pl.DocumentID != s.documentID {
		return
	}
	_, known := s.registry.Get(pl.DocumentID, pl.User.UserID)
	s.registry.Join(pl.DocumentID, pl.User)
	// A join from someone new means they missed our announcement; answer
	// with one so their membership view converges without waiting for the
	// periodic re-announce. Known senders get no reply, which terminates
	// the exchange.
	if !known {
		s.announce()
	}
}

func (s *Session) handleUserLeft(env transport.Envelope) {
	var pl userLeftPayload
	if err := env.Decode(&pl); err != nil {
		log.Printf("collab: %v", err)
		return
	}
	if pl.UserID == s.userID {
		return
	}
	s.registry.Leave(pl.DocumentID, pl.UserID)
}

func (s *Session) handleStatusChanged(env transport.Envelope) {
	if env.SenderID == s.userID {
		return
	}
	var pl statusChangedPayload
	if err := env.Decode(&pl); err != nil {
		log.Printf("collab: %v", err)
		return
	}
	st := pl.Status
	s.registry.Upsert(pl.DocumentID, env.SenderID, presence.Update{Status: &st})
}

func (s *Session) handleCursorMoved(env transport.Envelope) {
	if env.SenderID == s.userID {
		return
	}
	var pl cursorMovedPayload
	if err := env.Decode(&pl); err != nil {
		log.Printf("collab: %v", err)
		return
	}
	if pl.DocumentID != s.documentID {
		return
	}
	s.registry.Upsert(pl.DocumentID, env.SenderID, presence.Update{
		Cursor:    pl.Cursor,
		Selection: pl.Selection,
	})

	s.curMu.Lock()
	fns := make([]func(string, *presence.Cursor, *presence.Selection), 0, len(s.cursorObs))
	for _, fn := range s.cursorObs {
		fns = append(fns, fn)
	}
	s.curMu.Unlock()
	for _, fn := range fns {
		fn(env.SenderID, pl.Cursor, pl.Selection)
	}
}

func (s *Session) handleDocumentChange(env transport.Envelope) {
	var pl documentChangePayload
	if err := env.Decode(&pl); err != nil {
		log.Printf("collab: %v", err)
		return
	}
	if pl.DocumentID != s.documentID {
		return
	}
	// ApplyRemote drops our own echoes. Applied operations count as
	// activity for their author, joining authors we have not seen yet.
	if s.engine.ApplyRemote(pl.Operation) {
		s.registry.Touch(pl.DocumentID, pl.Operation.AuthorID)
	}
}

// track records an unsubscribe function for teardown and passes it through.
// Unsubscribing twice is harmless, so callers may also use the returned
// function directly.
func (s *Session) track(unsub func()) func() {
	s.mu.Lock()
	s.unsubs = append(s.unsubs, unsub)
	s.mu.Unlock()
	return unsub
}

func (s *Session) runUnsubs() {
	s.mu.Lock()
	unsubs := s.unsubs
	s.unsubs = nil
	s.mu.Unlock()
	for _, unsub := range unsubs {
		unsub()
	}
}

// enginePublisher carries composed operations onto the channel.
type enginePublisher struct{ s *Session }

func (p enginePublisher) PublishChange(op change.Operation) {
	p.s.enqueue(transport.EventDocumentChange, documentChangePayload{
		DocumentID: p.s.documentID,
		Operation:  op,
	})
}

// monitorPublisher carries status transitions and re-announcements onto the
// channel.
type monitorPublisher struct{ s *Session }

func (p monitorPublisher) PublishStatus(st presence.Status) {
	p.s.enqueue(transport.EventUserStatusChanged, statusChangedPayload{
		DocumentID: p.s.documentID,
		Status:     st,
	})
}

func (p monitorPublisher) PublishPresence() {
	p.s.announce()
}

// saverAdapter stamps the local user onto autosaves.
type saverAdapter struct {
	saver   Saver
	savedBy string
}

func (a *saverAdapter) Save(ctx context.Context, documentID, content string, version uint64) error {
	return a.saver.Save(ctx, documentID, content, version, a.savedBy)
}

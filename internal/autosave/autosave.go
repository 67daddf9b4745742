// Package autosave persists document buffers after edit activity settles,
// with debouncing, single-flight saves and save-state reporting.
package autosave

import (
	"context"
	"sync"
	"time"
)

// State is the externally visible persistence state of a session.
type State string

const (
	StateIdle    State = "idle"
	StatePending State = "pending"
	StateSaving  State = "saving"
	StateSaved   State = "saved"
	StateFailed  State = "failed"
)

// Saver writes one document snapshot to durable storage. Content and version
// arrive as the consistent pair the source reported.
type Saver interface {
	Save(ctx context.Context, documentID, content string, version uint64) error
}

// ContentSource yields the buffer to persist. Snapshot must return the text
// and the version as one consistent pair.
type ContentSource interface {
	Snapshot() (content string, version uint64)
}

// Config tunes a Coordinator. Zero values fall back to the defaults.
type Config struct {
	// Debounce is the quiet period after the last observed edit before a
	// save fires.
	Debounce time.Duration
	// SaveTimeout bounds each storage call.
	SaveTimeout time.Duration
	// CloseTimeout bounds the final flush during Close.
	CloseTimeout time.Duration
}

const (
	DefaultDebounce     = time.Second
	defaultSaveTimeout  = 10 * time.Second
	defaultCloseTimeout = 5 * time.Second
)

// Coordinator debounces buffer mutations into storage calls. At most one
// save is in flight at any time; versions observed mid-save coalesce into a
// single follow-up pass through the debounce window rather than queueing.
type Coordinator struct {
	documentID string
	source     ContentSource
	saver      Saver
	cfg        Config

	mu           sync.Mutex
	state        State
	err          error
	timer        *time.Timer
	inFlight     bool
	followUp     bool
	savedVersion uint64
	closed       bool

	saving sync.WaitGroup

	cbMu      sync.Mutex
	callbacks map[int]func(State, error)
	nextCb    int
}

// New builds a coordinator for documentID reading from source and writing
// through saver. The coordinator starts idle and considers the seeded
// version already persisted; Observe arms it.
func New(documentID string, source ContentSource, saver Saver, cfg Config) *Coordinator {
	if cfg.Debounce <= 0 {
		cfg.Debounce = DefaultDebounce
	}
	if cfg.SaveTimeout <= 0 {
		cfg.SaveTimeout = defaultSaveTimeout
	}
	if cfg.CloseTimeout <= 0 {
		cfg.CloseTimeout = defaultCloseTimeout
	}
	_, version := source.Snapshot()
	return &Coordinator{
		documentID:   documentID,
		source:       source,
		saver:        saver,
		cfg:          cfg,
		state:        StateIdle,
		savedVersion: version,
		callbacks:    map[int]func(State, error){},
	}
}

// Observe records that the buffer reached version. Each observation restarts
// the debounce window, so a typing burst produces a single save after the
// burst settles. Observations during an in-flight save mark exactly one
// follow-up; they never queue a save per keystroke.
func (c *Coordinator) Observe(version uint64) {
	c.mu.Lock()
	if c.closed || version <= c.savedVersion {
		c.mu.Unlock()
		return
	}
	if c.inFlight {
		c.followUp = true
		c.mu.Unlock()
		return
	}
	c.armLocked()
	notify := c.markLocked(StatePending, nil)
	c.mu.Unlock()

	c.fire(notify)
}

// SaveNow bypasses the debounce window. If a save is already in flight the
// buffer is marked for the follow-up pass and SaveNow returns nil; the
// outcome arrives through OnStateChange. Otherwise the save runs here and
// its error is returned directly.
func (c *Coordinator) SaveNow(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	if c.inFlight {
		c.followUp = true
		c.mu.Unlock()
		return nil
	}
	c.disarmLocked()
	c.mu.Unlock()

	return c.save(ctx)
}

// State returns the current save state and, for StateFailed, the error that
// caused it.
func (c *Coordinator) State() (State, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state, c.err
}

// OnStateChange registers a callback for save-state transitions and returns
// its unsubscribe function. Callbacks run off the edit path but should still
// return promptly.
func (c *Coordinator) OnStateChange(fn func(State, error)) func() {
	c.cbMu.Lock()
	id := c.nextCb
	c.nextCb++
	c.callbacks[id] = fn
	c.cbMu.Unlock()

	return func() {
		c.cbMu.Lock()
		delete(c.callbacks, id)
		c.cbMu.Unlock()
	}
}

// Close stops the coordinator. The in-flight save, if any, is waited for,
// and a still-dirty buffer gets one best-effort flush bounded by
// CloseTimeout. Close never returns the flush error: teardown proceeds
// regardless.
func (c *Coordinator) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.disarmLocked()
	c.mu.Unlock()

	c.saving.Wait()

	_, version := c.source.Snapshot()
	c.mu.Lock()
	dirty := version > c.savedVersion
	var notify *stateChange
	if dirty {
		c.saving.Add(1)
		notify = c.markLocked(StateSaving, nil)
	}
	c.mu.Unlock()
	c.fire(notify)

	if dirty {
		ctx, cancel := context.WithTimeout(context.Background(), c.cfg.CloseTimeout)
		defer cancel()
		c.flushOnce(ctx)
		c.saving.Done()
	}
}

// armLocked (re)starts the debounce timer.
func (c *Coordinator) armLocked() {
	if c.timer == nil {
		c.timer = time.AfterFunc(c.cfg.Debounce, c.debounceExpired)
		return
	}
	c.timer.Reset(c.cfg.Debounce)
}

func (c *Coordinator) disarmLocked() {
	if c.timer != nil {
		c.timer.Stop()
	}
}

func (c *Coordinator) debounceExpired() {
	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.SaveTimeout)
	defer cancel()
	c.save(ctx)
}

// save runs one single-flight storage call and schedules the coalesced
// follow-up. The follow-up re-enters the debounce window so a burst that
// outlives the save keeps coalescing instead of saving per keystroke.
func (c *Coordinator) save(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	if c.inFlight {
		c.followUp = true
		c.mu.Unlock()
		return nil
	}
	c.inFlight = true
	c.saving.Add(1)
	notify := c.markLocked(StateSaving, nil)
	c.mu.Unlock()
	c.fire(notify)

	err := c.flushOnce(ctx)

	c.mu.Lock()
	c.inFlight = false
	c.saving.Done()
	again := c.followUp && !c.closed
	c.followUp = false
	notify = nil
	if again {
		c.armLocked()
		notify = c.markLocked(StatePending, nil)
	}
	c.mu.Unlock()
	c.fire(notify)
	return err
}

// flushOnce performs the storage call and records the outcome. The buffer
// snapshot is taken outside the coordinator lock; the source has its own.
func (c *Coordinator) flushOnce(ctx context.Context) error {
	content, version := c.source.Snapshot()
	err := c.saver.Save(ctx, c.documentID, content, version)

	c.mu.Lock()
	var notify *stateChange
	if err != nil {
		notify = c.markLocked(StateFailed, err)
	} else {
		c.savedVersion = version
		notify = c.markLocked(StateSaved, nil)
	}
	c.mu.Unlock()
	c.fire(notify)
	return err
}

type stateChange struct {
	state State
	err   error
}

// markLocked records a state transition and returns it for notification, or
// nil when nothing changed. Callers hold c.mu and fire after unlocking.
func (c *Coordinator) markLocked(s State, err error) *stateChange {
	if c.state == s && c.err == err {
		return nil
	}
	c.state = s
	c.err = err
	return &stateChange{state: s, err: err}
}

func (c *Coordinator) fire(ch *stateChange) {
	if ch == nil {
		return
	}
	c.cbMu.Lock()
	fns := make([]func(State, error), 0, len(c.callbacks))
	for _, fn := range c.callbacks {
		fns = append(fns, fn)
	}
	c.cbMu.Unlock()
	for _, fn := range fns {
		fn(ch.state, ch.err)
	}
}

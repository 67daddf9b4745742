package collab

import (
	"sync"
	"time"

	"tandem/sync/internal/presence"
)

// reporter rate-limits cursor and selection publishes. The first report in a
// quiet window goes out immediately; reports arriving inside the window are
// coalesced and the latest state flushes once when the window elapses. Cursor
// and selection merge into a single pending publish so a burst of mixed
// reports still costs one event.
type reporter struct {
	interval time.Duration
	publish  func(cursor *presence.Cursor, selection *presence.Selection)

	mu        sync.Mutex
	last      time.Time
	timer     *time.Timer
	cursor    *presence.Cursor
	selection *presence.Selection
	stopped   bool
}

func newReporter(interval time.Duration, publish func(*presence.Cursor, *presence.Selection)) *reporter {
	return &reporter{interval: interval, publish: publish}
}

// Report queues pointer state for publishing. Nil fields keep whatever is
// already pending for that field.
func (r *reporter) Report(cursor *presence.Cursor, selection *presence.Selection) {
	r.mu.Lock()
	if r.stopped {
		r.mu.Unlock()
		return
	}
	if cursor != nil {
		c := *cursor
		r.cursor = &c
	}
	if selection != nil {
		sel := *selection
		r.selection = &sel
	}

	now := time.Now()
	if elapsed := now.Sub(r.last); elapsed >= r.interval {
		cur, sel := r.take()
		r.last = now
		r.mu.Unlock()
		r.publish(cur, sel)
		return
	}

	if r.timer == nil {
		wait := r.interval - now.Sub(r.last)
		r.timer = time.AfterFunc(wait, r.flush)
	}
	r.mu.Unlock()
}

func (r *reporter) flush() {
	r.mu.Lock()
	r.timer = nil
	if r.stopped || (r.cursor == nil && r.selection == nil) {
		r.mu.Unlock()
		return
	}
	cur, sel := r.take()
	r.last = time.Now()
	r.mu.Unlock()
	r.publish(cur, sel)
}

// take hands back the pending state and clears it. Caller holds mu.
func (r *reporter) take() (*presence.Cursor, *presence.Selection) {
	cur, sel := r.cursor, r.selection
	r.cursor, r.selection = nil, nil
	return cur, sel
}

func (r *reporter) stop() {
	r.mu.Lock()
	r.stopped = true
	if r.timer != nil {
		r.timer.Stop()
		r.timer = nil
	}
	r.cursor, r.selection = nil, nil
	r.mu.Unlock()
}

package collab

import (
	"sync"
	"testing"
	"time"

	"tandem/sync/internal/presence"
)

type pointerLog struct {
	mu      sync.Mutex
	cursors []*presence.Cursor
	sels    []*presence.Selection
}

func (l *pointerLog) record(c *presence.Cursor, s *presence.Selection) {
	l.mu.Lock()
	l.cursors = append(l.cursors, c)
	l.sels = append(l.sels, s)
	l.mu.Unlock()
}

func (l *pointerLog) count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.cursors)
}

func (l *pointerLog) at(i int) (*presence.Cursor, *presence.Selection) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.cursors[i], l.sels[i]
}

func TestReporterPublishesFirstReportImmediately(t *testing.T) {
	logged := &pointerLog{}
	r := newReporter(time.Hour, logged.record)
	defer r.stop()

	r.Report(&presence.Cursor{X: 1, Y: 2}, nil)

	if logged.count() != 1 {
		t.Fatalf("published %d times, want immediate publish", logged.count())
	}
	cur, _ := logged.at(0)
	if cur == nil || cur.X != 1 || cur.Y != 2 {
		t.Fatalf("published cursor %+v, want {1 2}", cur)
	}
}

func TestReporterCoalescesBurstToLatest(t *testing.T) {
	logged := &pointerLog{}
	r := newReporter(30*time.Millisecond, logged.record)
	defer r.stop()

	for i := 1; i <= 5; i++ {
		r.Report(&presence.Cursor{X: float64(i)}, nil)
	}

	waitFor(t, func() bool { return logged.count() == 2 })
	cur, _ := logged.at(1)
	if cur == nil || cur.X != 5 {
		t.Fatalf("trailing flush carried cursor %+v, want the latest {5 0}", cur)
	}

	// The window has elapsed and nothing is pending; no extra flush fires.
	time.Sleep(60 * time.Millisecond)
	if logged.count() != 2 {
		t.Fatalf("published %d times, want burst coalesced to 2", logged.count())
	}
}

func TestReporterMergesCursorAndSelection(t *testing.T) {
	logged := &pointerLog{}
	r := newReporter(30*time.Millisecond, logged.record)
	defer r.stop()

	r.Report(&presence.Cursor{X: 1}, nil)
	r.Report(nil, &presence.Selection{Start: 3, End: 9})
	r.Report(&presence.Cursor{X: 2}, nil)

	waitFor(t, func() bool { return logged.count() == 2 })
	cur, sel := logged.at(1)
	if cur == nil || cur.X != 2 {
		t.Fatalf("merged flush cursor %+v, want {2 0}", cur)
	}
	if sel == nil || sel.Start != 3 || sel.End != 9 {
		t.Fatalf("merged flush selection %+v, want {3 9}", sel)
	}
}

func TestReporterStopDropsPending(t *testing.T) {
	logged := &pointerLog{}
	r := newReporter(30*time.Millisecond, logged.record)

	r.Report(&presence.Cursor{X: 1}, nil)
	r.Report(&presence.Cursor{X: 2}, nil)
	r.stop()

	time.Sleep(60 * time.Millisecond)
	if logged.count() != 1 {
		t.Fatalf("published %d times after stop, want only the leading publish", logged.count())
	}
}

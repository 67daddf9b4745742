package presence

import (
	"sync"
	"testing"
	"time"
)

type fakePublisher struct {
	mu       sync.Mutex
	statuses []Status
	presence int
}

func (f *fakePublisher) PublishStatus(s Status) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statuses = append(f.statuses, s)
}

func (f *fakePublisher) PublishPresence() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.presence++
}

func (f *fakePublisher) published() []Status {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Status, len(f.statuses))
	copy(out, f.statuses)
	return out
}

func (f *fakePublisher) presenceCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.presence
}

func newTestMonitor(t *testing.T, cfg MonitorConfig) (*Monitor, *fakePublisher) {
	t.Helper()
	pub := &fakePublisher{}
	r := NewRegistry("doc_1", Participant{UserID: "usr_self"})
	m := NewMonitor(r, pub, cfg)
	m.Start()
	t.Cleanup(m.Stop)
	return m, pub
}

func TestInputBurstDoesNotFlap(t *testing.T) {
	m, pub := newTestMonitor(t, MonitorConfig{IdleAfter: time.Hour, ReannounceEvery: time.Hour})

	m.Activity()
	m.Activity()
	m.Activity()

	if got := pub.published(); len(got) != 0 {
		t.Fatalf("active participant published %v for plain input", got)
	}
	if m.Status() != StatusActive {
		t.Fatalf("status %q, want active", m.Status())
	}
}

func TestIdleAfterQuietPeriod(t *testing.T) {
	m, pub := newTestMonitor(t, MonitorConfig{IdleAfter: 30 * time.Millisecond, ReannounceEvery: time.Hour})

	waitFor(t, func() bool { return m.Status() == StatusIdle })
	if got := pub.published(); len(got) != 1 || got[0] != StatusIdle {
		t.Fatalf("published %v, want exactly [idle]", got)
	}
}

func TestInputPromotesIdleBackToActive(t *testing.T) {
	m, pub := newTestMonitor(t, MonitorConfig{IdleAfter: 30 * time.Millisecond, ReannounceEvery: time.Hour})

	waitFor(t, func() bool { return m.Status() == StatusIdle })
	m.Activity()
	m.Activity()

	if m.Status() != StatusActive {
		t.Fatalf("status %q, want active after input", m.Status())
	}
	got := pub.published()
	if len(got) != 2 || got[1] != StatusActive {
		t.Fatalf("published %v, want [idle active]", got)
	}
}

func TestRecentInputDefersIdleTimer(t *testing.T) {
	m, _ := newTestMonitor(t, MonitorConfig{IdleAfter: 100 * time.Millisecond, ReannounceEvery: time.Hour})

	for i := 0; i < 3; i++ {
		time.Sleep(60 * time.Millisecond)
		m.Activity()
	}
	if m.Status() != StatusActive {
		t.Fatal("steady input should keep the participant active")
	}
}

func TestHiddenPageGoesAway(t *testing.T) {
	m, pub := newTestMonitor(t, MonitorConfig{IdleAfter: time.Hour, ReannounceEvery: time.Hour})

	m.SetVisibility(false)
	if m.Status() != StatusAway {
		t.Fatalf("status %q, want away", m.Status())
	}

	m.SetVisibility(true)
	if m.Status() != StatusActive {
		t.Fatalf("status %q, want active after regaining visibility", m.Status())
	}
	got := pub.published()
	if len(got) != 2 || got[0] != StatusAway || got[1] != StatusActive {
		t.Fatalf("published %v, want [away active]", got)
	}
}

func TestAwayIsNotDemotedToIdle(t *testing.T) {
	m, pub := newTestMonitor(t, MonitorConfig{IdleAfter: 20 * time.Millisecond, ReannounceEvery: time.Hour})

	m.SetVisibility(false)
	time.Sleep(80 * time.Millisecond)

	if m.Status() != StatusAway {
		t.Fatalf("status %q, want away to stick while hidden", m.Status())
	}
	for _, s := range pub.published() {
		if s == StatusIdle {
			t.Fatal("idle published while away")
		}
	}
}

func TestPeriodicReannounce(t *testing.T) {
	_, pub := newTestMonitor(t, MonitorConfig{IdleAfter: time.Hour, ReannounceEvery: 15 * time.Millisecond})

	waitFor(t, func() bool { return pub.presenceCount() >= 2 })
}

func TestStopSilencesMonitor(t *testing.T) {
	pub := &fakePublisher{}
	r := NewRegistry("doc_1", Participant{UserID: "usr_self"})
	m := NewMonitor(r, pub, MonitorConfig{IdleAfter: time.Hour, ReannounceEvery: 10 * time.Millisecond})
	m.Start()
	m.Stop()

	before := pub.presenceCount()
	time.Sleep(50 * time.Millisecond)

	m.Activity()
	m.SetVisibility(false)
	if got := pub.published(); len(got) != 0 {
		t.Fatalf("stopped monitor published %v", got)
	}
	if pub.presenceCount() != before {
		t.Fatal("stopped monitor kept re-announcing")
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not reached in time")
}

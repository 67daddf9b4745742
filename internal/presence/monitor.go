package presence

import (
	"sync"
	"time"
)

// Defaults for the activity monitor. Editing surfaces tolerate long pauses
// before a participant reads as idle; read-only surfaces demote much sooner.
const (
	DefaultEditorIdleAfter = 300 * time.Second
	DefaultViewerIdleAfter = 30 * time.Second
	DefaultReannounceEvery = 20 * time.Second
)

// StatusPublisher carries local presence transitions out to the document
// channel.
type StatusPublisher interface {
	// PublishStatus announces a status transition.
	PublishStatus(status Status)
	// PublishPresence re-announces the full local participant record so
	// members that missed the original join converge.
	PublishPresence()
}

// MonitorConfig tunes the activity monitor. Zero values fall back to the
// editor defaults.
type MonitorConfig struct {
	IdleAfter       time.Duration
	ReannounceEvery time.Duration
}

// Monitor derives the local participant's status from input activity and
// page visibility, with hysteresis: bursts of input collapse into at most
// one transition, and equal-status updates are never re-published.
//
// Transitions: quiet for IdleAfter demotes active to idle; any input or a
// visibility regain promotes back to active immediately; losing visibility
// demotes straight to away until the page is visible again.
type Monitor struct {
	cfg      MonitorConfig
	registry *Registry
	pub      StatusPublisher

	mu        sync.Mutex
	status    Status
	lastInput time.Time
	idle      *time.Timer
	stopped   bool

	stop chan struct{}
	wg   sync.WaitGroup
}

// NewMonitor builds a monitor bound to the local participant of registry.
// Call Start to begin deriving status.
func NewMonitor(registry *Registry, pub StatusPublisher, cfg MonitorConfig) *Monitor {
	if cfg.IdleAfter <= 0 {
		cfg.IdleAfter = DefaultEditorIdleAfter
	}
	if cfg.ReannounceEvery <= 0 {
		cfg.ReannounceEvery = DefaultReannounceEvery
	}
	return &Monitor{
		cfg:      cfg,
		registry: registry,
		pub:      pub,
		status:   StatusActive,
		stop:     make(chan struct{}),
	}
}

// Start arms the idle timer and begins periodic re-announcement.
func (m *Monitor) Start() {
	m.mu.Lock()
	m.lastInput = time.Now()
	m.idle = time.AfterFunc(m.cfg.IdleAfter, m.idleExpired)
	m.mu.Unlock()

	m.wg.Add(1)
	go m.reannounceLoop()
}

// Activity records a local input event. Input promotes the participant back
// to active no matter the current status and re-arms the idle timer. Inputs
// arriving while already active publish nothing.
func (m *Monitor) Activity() {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return
	}
	m.lastInput = time.Now()
	m.idle.Reset(m.cfg.IdleAfter)
	transition := m.setStatusLocked(StatusActive)
	m.mu.Unlock()

	m.publish(transition)
}

// SetVisibility tracks the page visibility signal. A hidden page demotes the
// participant to away immediately; a visible page promotes back to active
// and restarts the idle countdown.
func (m *Monitor) SetVisibility(visible bool) {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return
	}
	var transition *Status
	if visible {
		m.lastInput = time.Now()
		m.idle.Reset(m.cfg.IdleAfter)
		transition = m.setStatusLocked(StatusActive)
	} else {
		transition = m.setStatusLocked(StatusAway)
	}
	m.mu.Unlock()

	m.publish(transition)
}

// Status returns the current derived status.
func (m *Monitor) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

// Stop halts the idle timer and the re-announcement loop. It does not
// publish a final transition; session teardown announces the departure.
func (m *Monitor) Stop() {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return
	}
	m.stopped = true
	if m.idle != nil {
		m.idle.Stop()
	}
	m.mu.Unlock()

	close(m.stop)
	m.wg.Wait()
}

// idleExpired runs when the idle timer fires. Input seen after the timer was
// armed but before this callback ran re-arms the remainder instead of
// demoting a participant who just typed.
func (m *Monitor) idleExpired() {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return
	}
	elapsed := time.Since(m.lastInput)
	if elapsed < m.cfg.IdleAfter {
		m.idle.Reset(m.cfg.IdleAfter - elapsed)
		m.mu.Unlock()
		return
	}
	var transition *Status
	if m.status == StatusActive {
		transition = m.setStatusLocked(StatusIdle)
	}
	m.mu.Unlock()

	m.publish(transition)
}

// setStatusLocked applies a status change and reports whether one happened.
// Same-status updates return nil so callers never re-publish current state.
func (m *Monitor) setStatusLocked(next Status) *Status {
	if m.status == next {
		return nil
	}
	m.status = next
	return &next
}

func (m *Monitor) publish(transition *Status) {
	if transition == nil {
		return
	}
	m.registry.Upsert(m.registry.DocumentID(), m.registry.Local().UserID, Update{Status: transition})
	if m.pub != nil {
		m.pub.PublishStatus(*transition)
	}
}

func (m *Monitor) reannounceLoop() {
	defer m.wg.Done()
	ticker := time.NewTicker(m.cfg.ReannounceEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if m.pub != nil {
				m.pub.PublishPresence()
			}
		case <-m.stop:
			return
		}
	}
}

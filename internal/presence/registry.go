package presence

import (
	"sort"
	"sync"
	"time"

	"tandem/sync/internal/palette"
)

// Registry is the channel membership view for a single document: the local
// participant plus every remote participant observed on the channel. All
// methods are safe for concurrent use. Mutations that land with a foreign
// documentId are ignored; the registry is scoped to one channel for its
// whole lifetime.
type Registry struct {
	documentID string

	mu      sync.Mutex
	local   member
	remotes map[string]*member
	seq     int

	obsMu     sync.Mutex
	observers map[int]func(Event)
	nextObs   int
}

type member struct {
	p      Participant
	joined int
}

// NewRegistry creates the membership view for documentID with local as the
// resident participant. The local record is created active and keeps its
// palette color for the lifetime of the registry.
func NewRegistry(documentID string, local Participant) *Registry {
	local.Color = palette.ColorFor(local.UserID)
	if local.Status == "" {
		local.Status = StatusActive
	}
	if local.LastActivity.IsZero() {
		local.LastActivity = time.Now()
	}
	return &Registry{
		documentID: documentID,
		local:      member{p: local},
		remotes:    map[string]*member{},
		observers:  map[int]func(Event){},
	}
}

// DocumentID returns the channel this registry is scoped to.
func (r *Registry) DocumentID() string {
	return r.documentID
}

// Local returns a copy of the local participant record.
func (r *Registry) Local() Participant {
	r.mu.Lock()
	defer r.mu.Unlock()
	return clone(r.local.p)
}

// Join adds or refreshes a participant record. Joining is idempotent: a
// second join for the same user replaces the stale record instead of
// duplicating it. The participant's color is stamped here so every node
// derives the identical color for the same user. Remote joins are announced
// to observers; a self join only refreshes the local record.
func (r *Registry) Join(documentID string, p Participant) {
	if documentID != r.documentID {
		return
	}
	p.Color = palette.ColorFor(p.UserID)
	if p.Status == "" {
		p.Status = StatusActive
	}
	if p.LastActivity.IsZero() {
		p.LastActivity = time.Now()
	}

	r.mu.Lock()
	if p.UserID == r.local.p.UserID {
		r.local.p = clone(p)
		r.mu.Unlock()
		return
	}
	if existing, ok := r.remotes[p.UserID]; ok {
		existing.p = clone(p)
	} else {
		r.seq++
		r.remotes[p.UserID] = &member{p: clone(p), joined: r.seq}
	}
	snapshot := clone(p)
	r.mu.Unlock()

	r.notify(Event{Type: EventJoined, Participant: snapshot})
}

// Leave removes a remote participant and announces it. The local participant
// is never removed; session teardown owns that transition.
func (r *Registry) Leave(documentID, userID string) {
	if documentID != r.documentID {
		return
	}
	r.mu.Lock()
	m, ok := r.remotes[userID]
	if !ok || userID == r.local.p.UserID {
		r.mu.Unlock()
		return
	}
	delete(r.remotes, userID)
	snapshot := clone(m.p)
	r.mu.Unlock()

	r.notify(Event{Type: EventLeft, Participant: snapshot})
}

// Upsert merges a partial update into a participant record and bumps its
// lastActivity. An update for a remote user we have not seen joins them
// implicitly: channels converge through periodic re-announcements, so a
// cursor or status may legitimately arrive ahead of the join we missed.
func (r *Registry) Upsert(documentID, userID string, u Update) {
	if documentID != r.documentID {
		return
	}
	now := time.Now()

	r.mu.Lock()
	var m *member
	created := false
	if userID == r.local.p.UserID {
		m = &r.local
	} else if existing, ok := r.remotes[userID]; ok {
		m = existing
	} else {
		r.seq++
		m = &member{
			p:      Participant{UserID: userID, Color: palette.ColorFor(userID), Status: StatusActive},
			joined: r.seq,
		}
		r.remotes[userID] = m
		created = true
	}

	statusChanged := false
	if u.DisplayName != nil {
		m.p.DisplayName = *u.DisplayName
	}
	if u.Status != nil && *u.Status != m.p.Status {
		m.p.Status = *u.Status
		statusChanged = true
	}
	if u.Cursor != nil {
		c := *u.Cursor
		m.p.Cursor = &c
	}
	if u.Selection != nil {
		s := *u.Selection
		m.p.Selection = &s
	}
	m.p.LastActivity = now
	snapshot := clone(m.p)
	r.mu.Unlock()

	if created {
		r.notify(Event{Type: EventJoined, Participant: snapshot})
	}
	if statusChanged {
		r.notify(Event{Type: EventStatusChanged, Participant: snapshot})
	}
}

// Touch bumps a participant's lastActivity without changing anything else.
// Inbound document changes route through here so their authors read as
// recently active even when no status update rides along.
func (r *Registry) Touch(documentID, userID string) {
	r.Upsert(documentID, userID, Update{})
}

// Get returns a copy of one participant record.
func (r *Registry) Get(documentID, userID string) (Participant, bool) {
	if documentID != r.documentID {
		return Participant{}, false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if userID == r.local.p.UserID {
		return clone(r.local.p), true
	}
	if m, ok := r.remotes[userID]; ok {
		return clone(m.p), true
	}
	return Participant{}, false
}

// List returns every current member: the local participant first, then the
// remotes in join order.
func (r *Registry) List(documentID string) []Participant {
	if documentID != r.documentID {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]Participant, 0, len(r.remotes)+1)
	out = append(out, clone(r.local.p))
	members := make([]*member, 0, len(r.remotes))
	for _, m := range r.remotes {
		members = append(members, m)
	}
	sort.Slice(members, func(i, j int) bool { return members[i].joined < members[j].joined })
	for _, m := range members {
		out = append(out, clone(m.p))
	}
	return out
}

// Subscribe registers an observer for membership events and returns its
// unsubscribe function. Observers run on the mutating goroutine; keep them
// fast and do not mutate the registry from inside one.
func (r *Registry) Subscribe(fn func(Event)) func() {
	r.obsMu.Lock()
	id := r.nextObs
	r.nextObs++
	r.observers[id] = fn
	r.obsMu.Unlock()

	return func() {
		r.obsMu.Lock()
		delete(r.observers, id)
		r.obsMu.Unlock()
	}
}

func (r *Registry) notify(ev Event) {
	r.obsMu.Lock()
	fns := make([]func(Event), 0, len(r.observers))
	for _, fn := range r.observers {
		fns = append(fns, fn)
	}
	r.obsMu.Unlock()
	for _, fn := range fns {
		fn(ev)
	}
}

// clone deep-copies a participant so callers never alias registry state.
func clone(p Participant) Participant {
	if p.Cursor != nil {
		c := *p.Cursor
		p.Cursor = &c
	}
	if p.Selection != nil {
		s := *p.Selection
		p.Selection = &s
	}
	return p
}

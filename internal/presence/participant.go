// Package presence tracks who is connected to a document channel, what they
// are doing, and where their cursor is.
package presence

import "time"

// Status is the derived activity state of a participant.
type Status string

const (
	StatusActive  Status = "active"
	StatusIdle    Status = "idle"
	StatusAway    Status = "away"
	StatusOffline Status = "offline"
)

// Cursor is a pointer position in the document view.
type Cursor struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Selection is a text range in buffer coordinates, counted in runes.
type Selection struct {
	Start int `json:"start"`
	End   int `json:"end"`
}

// Participant is one member of a document channel as the local session sees
// it. Color is assigned from the participant palette when the record is
// created and never changes afterwards.
type Participant struct {
	UserID       string     `json:"userId"`
	DisplayName  string     `json:"displayName"`
	Color        string     `json:"color"`
	Status       Status     `json:"status"`
	LastActivity time.Time  `json:"lastActivity"`
	Cursor       *Cursor    `json:"cursor,omitempty"`
	Selection    *Selection `json:"selection,omitempty"`
}

// EventType names a membership mutation.
type EventType string

const (
	EventJoined        EventType = "joined"
	EventLeft          EventType = "left"
	EventStatusChanged EventType = "status_changed"
)

// Event notifies observers of a membership change. It carries a copy of the
// participant record as it stood when the event fired.
type Event struct {
	Type        EventType
	Participant Participant
}

// Update is a partial mutation merged into an existing participant record.
// Nil fields are left as they are.
type Update struct {
	DisplayName *string
	Status      *Status
	Cursor      *Cursor
	Selection   *Selection
}

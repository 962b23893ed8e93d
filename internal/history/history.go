package history

import (
	"context"
	"time"
)

// EventType defines the kind of updater event.
type EventType string

const (
	EventSpawn      EventType = "spawn"
	EventExit       EventType = "exit"
	EventTransition EventType = "transition"
)

// Event is one entry of a mirror site's run history.
type Event struct {
	Type       EventType `json:"type"`
	OccurredAt time.Time `json:"occurred_at"`
	Site       string    `json:"site"`
	Kind       string    `json:"kind,omitempty"` // initializer or updater
	PID        int       `json:"pid,omitempty"`
	ExitCode   int       `json:"exit_code"`
	State      string    `json:"state,omitempty"` // updater state after the event
	Error      string    `json:"error,omitempty"`
}

// Sink is a destination for history events (analytics/statistics systems).
// Implementations must be safe for concurrent use.
type Sink interface {
	Send(ctx context.Context, e Event) error
}

// Reader is implemented by sinks that can read their history back.
type Reader interface {
	Recent(ctx context.Context, site string, limit int) ([]Event, error)
}

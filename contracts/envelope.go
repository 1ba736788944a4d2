package contracts

import (
	"time"
)

// EnvelopeState identifies where an envelope is in its lifecycle.
type EnvelopeState int

const (
	// StateUnsent is a freshly constructed envelope that has never been
	// handed to a backend. It has no message ID and no lock token.
	StateUnsent EnvelopeState = iota

	// StateAtRest is an envelope sitting in a queue: it has a backend
	// assigned ID but nobody holds a lock on it.
	StateAtRest

	// StateInFlight is an envelope exclusively held by one consumer: it
	// has an ID, a lock token, and a visibility deadline.
	StateInFlight
)

// String returns the lifecycle state name.
func (s EnvelopeState) String() string {
	switch s {
	case StateUnsent:
		return "unsent"
	case StateAtRest:
		return "at-rest"
	case StateInFlight:
		return "in-flight"
	}
	return "unknown"
}

// Envelope wraps user fields together with transport metadata for one
// message instance. The zero value plus Fields is a valid unsent envelope.
type Envelope struct {
	// QueueName is the destination or source queue.
	QueueName string

	// Fields holds the user payload.
	Fields map[string]any

	// MessageID is assigned by the backend on send or receive. Empty on
	// an unsent envelope.
	MessageID string

	// LockToken is held only while the envelope is in flight. It is
	// required to acknowledge, release, or extend the lock, and becomes
	// invalid once the lock expires or the message is deleted.
	LockToken string

	// EnqueuedAt is set by the backend at send time.
	EnqueuedAt time.Time

	// VisibilityDeadline is set when a receive locks the message and is
	// only meaningful while the lock is held.
	VisibilityDeadline *time.Time

	// AttemptCount is the number of times this message has been delivered
	// to a consumer, including the current delivery. Monotonically
	// non-decreasing across the message lifetime.
	AttemptCount int
}

// State derives the lifecycle state from the populated metadata. The three
// returned states are the only reachable ones.
func (e *Envelope) State() EnvelopeState {
	if e.MessageID == "" {
		return StateUnsent
	}
	if e.LockToken != "" {
		return StateInFlight
	}
	return StateAtRest
}

// Field returns a single user field and whether it was present.
func (e *Envelope) Field(name string) (any, bool) {
	v, ok := e.Fields[name]
	return v, ok
}

// SetField sets a single user field, allocating the field map if needed.
func (e *Envelope) SetField(name string, value any) {
	if e.Fields == nil {
		e.Fields = make(map[string]any)
	}
	e.Fields[name] = value
}

// LockExpired reports whether the visibility deadline has passed.
func (e *Envelope) LockExpired(now time.Time) bool {
	return e.VisibilityDeadline != nil && now.After(*e.VisibilityDeadline)
}

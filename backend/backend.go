// Package backend defines the capability contract every queue driver
// implements and the scheme-keyed registry that resolves a parsed DSN into a
// driver instance. Callers depend on the Interface contract only, never on a
// concrete driver.
package backend

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/parcelmq/parcel-go/config"
	"github.com/parcelmq/parcel-go/contracts"
)

// Delivery is one received message: the payload plus the backend handles
// needed to acknowledge, release, or extend it.
type Delivery struct {
	// MessageID is the backend-assigned message identity.
	MessageID string

	// LockToken grants exclusive, time-bounded ownership of the message.
	// It is valid for exactly one outstanding lock.
	LockToken string

	// Body is the opaque payload exactly as given to Send.
	Body []byte

	// Attempts counts deliveries of this message including the current
	// one, so a first delivery reports 1.
	Attempts int

	// EnqueuedAt is when the backend accepted the message, when the
	// backend can report it.
	EnqueuedAt time.Time
}

// SendOptions tunes a single enqueue.
type SendOptions struct {
	// Delay keeps the message invisible to receivers for the given
	// duration after the send. Backends with a native cap (SQS allows at
	// most 15 minutes) clamp it.
	Delay time.Duration
}

// Interface is the polymorphic capability set every backend implements.
//
// Lock semantics: Receive returns messages exclusively locked for the given
// duration. A lock token that has expired, been acknowledged, or been
// released must fail subsequent Ack/Release/ExtendLock calls with a
// *contracts.LockExpiredError, never silently succeed.
type Interface interface {
	// Send enqueues a payload and returns the backend-assigned message id.
	// Safe for concurrent producers; cross-producer ordering is
	// backend-defined.
	Send(ctx context.Context, queue string, body []byte, opts SendOptions) (string, error)

	// Receive returns up to max available messages, each locked for the
	// given duration. An empty result is the normal "no work" signal, not
	// an error.
	Receive(ctx context.Context, queue string, max int, lock time.Duration) ([]Delivery, error)

	// ExtendLock grants additional exclusive hold time on an in-flight
	// message.
	ExtendLock(ctx context.Context, queue, messageID, lockToken string, extra time.Duration) error

	// Ack permanently removes an in-flight message.
	Ack(ctx context.Context, queue, messageID, lockToken string) error

	// Release makes an in-flight message eligible for redelivery after the
	// given delay, bypassing the remaining lock duration.
	Release(ctx context.Context, queue, messageID, lockToken string, delay time.Duration) error

	// Count returns the approximate queue depth.
	Count(ctx context.Context, queue string) (int, error)

	// Clear purges all messages from the queue. Test and reset tooling
	// only.
	Clear(ctx context.Context, queue string) error

	// Close releases driver resources.
	Close() error
}

// Factory builds a driver instance from a parsed connection string.
type Factory func(conn *config.Conn) (Interface, error)

var (
	driversMu sync.RWMutex
	drivers   = make(map[string]Factory)
)

// Register makes a driver available under a DSN scheme. Driver packages call
// it from init; registering the same scheme twice panics, as does a nil
// factory.
func Register(scheme string, factory Factory) {
	driversMu.Lock()
	defer driversMu.Unlock()
	if factory == nil {
		panic("backend: Register factory is nil")
	}
	if _, dup := drivers[scheme]; dup {
		panic(fmt.Sprintf("backend: Register called twice for scheme %q", scheme))
	}
	drivers[scheme] = factory
}

// Open resolves a parsed connection into a driver instance. An unknown
// scheme fails with a *contracts.ConfigError listing the registered schemes.
func Open(conn *config.Conn) (Interface, error) {
	driversMu.RLock()
	factory, ok := drivers[conn.Scheme]
	driversMu.RUnlock()
	if !ok {
		return nil, &contracts.ConfigError{
			Reason: fmt.Sprintf("unknown scheme %q (registered: %v)", conn.Scheme, Schemes()),
		}
	}
	return factory(conn)
}

// Schemes lists the registered driver schemes, sorted.
func Schemes() []string {
	driversMu.RLock()
	defer driversMu.RUnlock()
	out := make([]string, 0, len(drivers))
	for s := range drivers {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

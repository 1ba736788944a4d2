// Package memory is an in-process backend keeping every queue in an ordered
// slice guarded by one mutex. It implements the full lock contract
// (visibility deadlines, token checks, delayed availability) and is the
// reference driver for tests and single-process development.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/parcelmq/parcel-go/backend"
	"github.com/parcelmq/parcel-go/config"
	"github.com/parcelmq/parcel-go/contracts"
)

// Scheme is the DSN scheme this driver registers under.
const Scheme = "memory"

func init() {
	backend.Register(Scheme, func(conn *config.Conn) (backend.Interface, error) {
		return New(), nil
	})
}

type record struct {
	id          string
	body        []byte
	attempts    int
	availableAt time.Time
	enqueuedAt  time.Time
	lockToken   string
	lockedUntil time.Time
}

// Backend is the in-memory driver. The zero value is not usable; call New.
type Backend struct {
	mu     sync.Mutex
	queues map[string][]*record
	now    func() time.Time
}

// Option configures the backend.
type Option func(*Backend)

// WithClock replaces the time source, letting tests step through lock expiry
// without sleeping.
func WithClock(now func() time.Time) Option {
	return func(b *Backend) {
		b.now = now
	}
}

// New creates an empty in-memory backend.
func New(options ...Option) *Backend {
	b := &Backend{
		queues: make(map[string][]*record),
		now:    time.Now,
	}
	for _, opt := range options {
		opt(b)
	}
	return b
}

// Send implements backend.Interface.
func (b *Backend) Send(ctx context.Context, queue string, body []byte, opts backend.SendOptions) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	r := &record{
		id:          uuid.New().String(),
		body:        append([]byte(nil), body...),
		availableAt: now.Add(opts.Delay),
		enqueuedAt:  now,
	}
	b.queues[queue] = append(b.queues[queue], r)
	return r.id, nil
}

// Receive implements backend.Interface. Expired locks are reclaimed here:
// a record whose deadline passed without an ack becomes claimable again and
// its next delivery counts as a new attempt.
func (b *Backend) Receive(ctx context.Context, queue string, max int, lock time.Duration) ([]backend.Delivery, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	var out []backend.Delivery
	for _, r := range b.queues[queue] {
		if len(out) >= max {
			break
		}
		if r.availableAt.After(now) {
			continue
		}
		if r.lockToken != "" && r.lockedUntil.After(now) {
			continue
		}
		r.attempts++
		r.lockToken = uuid.New().String()
		r.lockedUntil = now.Add(lock)
		out = append(out, backend.Delivery{
			MessageID:  r.id,
			LockToken:  r.lockToken,
			Body:       append([]byte(nil), r.body...),
			Attempts:   r.attempts,
			EnqueuedAt: r.enqueuedAt,
		})
	}
	return out, nil
}

// ExtendLock implements backend.Interface.
func (b *Backend) ExtendLock(ctx context.Context, queue, messageID, lockToken string, extra time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	r := b.locked(queue, messageID, lockToken)
	if r == nil {
		return &contracts.LockExpiredError{Queue: queue, MessageID: messageID}
	}
	r.lockedUntil = r.lockedUntil.Add(extra)
	return nil
}

// Ack implements backend.Interface.
func (b *Backend) Ack(ctx context.Context, queue, messageID, lockToken string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.locked(queue, messageID, lockToken) == nil {
		return &contracts.LockExpiredError{Queue: queue, MessageID: messageID}
	}
	records := b.queues[queue]
	for i, r := range records {
		if r.id == messageID {
			b.queues[queue] = append(records[:i], records[i+1:]...)
			break
		}
	}
	return nil
}

// Release implements backend.Interface.
func (b *Backend) Release(ctx context.Context, queue, messageID, lockToken string, delay time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	r := b.locked(queue, messageID, lockToken)
	if r == nil {
		return &contracts.LockExpiredError{Queue: queue, MessageID: messageID}
	}
	r.lockToken = ""
	r.lockedUntil = time.Time{}
	r.availableAt = b.now().Add(delay)
	return nil
}

// Count implements backend.Interface. The count includes in-flight messages,
// matching how remote backends report approximate depth.
func (b *Backend) Count(ctx context.Context, queue string) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.queues[queue]), nil
}

// Clear implements backend.Interface.
func (b *Backend) Clear(ctx context.Context, queue string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.queues, queue)
	return nil
}

// Close implements backend.Interface.
func (b *Backend) Close() error { return nil }

// locked returns the record only when the token matches an unexpired lock.
func (b *Backend) locked(queue, messageID, lockToken string) *record {
	for _, r := range b.queues[queue] {
		if r.id != messageID {
			continue
		}
		if r.lockToken == "" || r.lockToken != lockToken {
			return nil
		}
		if !r.lockedUntil.After(b.now()) {
			return nil
		}
		return r
	}
	return nil
}

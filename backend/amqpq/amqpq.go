// Package amqpq is the broker-queue backend on AMQP 0-9-1 (RabbitMQ). The
// uniform contract maps onto the broker's own primitives: acknowledge is a
// basic.ack, release republishes the message with its attempt count carried
// in a header and acks the original, and the broker itself returns unacked
// messages to the queue when the channel closes. Because the broker has no
// per-message visibility timer, the driver keeps a local deadline per lock
// token and nacks past-deadline deliveries back to the queue, which makes
// the token stale exactly like a timed-out cloud receipt.
//
// Delayed messages go through a companion wait queue with no consumers,
// published with a per-message TTL and dead-lettered back into the main
// queue when it expires.
package amqpq

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/parcelmq/parcel-go/backend"
	"github.com/parcelmq/parcel-go/config"
	"github.com/parcelmq/parcel-go/contracts"
	"github.com/parcelmq/parcel-go/internal/amqpconn"
)

// Scheme is the DSN scheme this driver registers under.
const Scheme = "amqp"

const (
	attemptsHeader = "x-parcel-attempts"
	waitSuffix     = ".wait"
)

func init() {
	backend.Register(Scheme, func(conn *config.Conn) (backend.Interface, error) {
		vhost := conn.Path
		if vhost == "" {
			vhost = "/"
		}
		url := fmt.Sprintf("amqp://%s:%s@%s%s", conn.Username, conn.Password, conn.Addr(5672), vhost)
		return New(url)
	})
}

type pending struct {
	delivery amqp.Delivery
	attempts int
	deadline time.Time
}

// Backend is the AMQP driver. One channel serves all operations, guarded by
// a mutex since AMQP channels are not safe for concurrent use. The managed
// connection redials a dropped broker; the channel is reopened lazily on the
// next operation.
type Backend struct {
	mgr *amqpconn.Manager

	mu       sync.Mutex
	ch       *amqp.Channel
	declared map[string]bool
	inflight map[string]*pending // lock token -> unacked delivery
	now      func() time.Time
}

// New dials the broker.
func New(url string) (*Backend, error) {
	mgr, err := amqpconn.Dial(url)
	if err != nil {
		return nil, &contracts.ConfigError{Reason: "connecting to AMQP broker", Err: err}
	}
	ch, err := mgr.Channel(context.Background())
	if err != nil {
		mgr.Close()
		return nil, &contracts.ConfigError{Reason: "opening AMQP channel", Err: err}
	}
	return &Backend{
		mgr:      mgr,
		ch:       ch,
		declared: make(map[string]bool),
		inflight: make(map[string]*pending),
		now:      time.Now,
	}, nil
}

// channel returns a live channel, reopening one after a broker drop. A
// reopened channel means the broker already requeued our unacked deliveries,
// so the local locks are void. Callers hold b.mu.
func (b *Backend) channel(ctx context.Context) (*amqp.Channel, error) {
	if b.ch != nil && !b.ch.IsClosed() {
		return b.ch, nil
	}
	ch, err := b.mgr.Channel(ctx)
	if err != nil {
		return nil, err
	}
	b.ch = ch
	b.declared = make(map[string]bool)
	b.inflight = make(map[string]*pending)
	return b.ch, nil
}

// declare makes sure the durable queue exists. Callers hold b.mu.
func (b *Backend) declare(queue string) error {
	if b.declared[queue] {
		return nil
	}
	if _, err := b.ch.QueueDeclare(queue, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declaring queue %s: %w", queue, err)
	}
	b.declared[queue] = true
	return nil
}

// declareWait makes sure the companion wait queue exists. Expired messages
// dead-letter into the main queue through the default exchange. TTL expiry
// is checked at the head of the queue, so a long delay parked in front of a
// short one holds it back until the longer one fires. Callers hold b.mu.
func (b *Backend) declareWait(queue string) error {
	wait := queue + waitSuffix
	if b.declared[wait] {
		return nil
	}
	args := amqp.Table{
		"x-dead-letter-exchange":    "",
		"x-dead-letter-routing-key": queue,
	}
	if _, err := b.ch.QueueDeclare(wait, true, false, false, false, args); err != nil {
		return fmt.Errorf("declaring wait queue %s: %w", wait, err)
	}
	b.declared[wait] = true
	return nil
}

// expireLocked nacks deliveries whose local deadline passed, returning them
// to the queue and invalidating their tokens. Callers hold b.mu.
func (b *Backend) expireLocked() {
	now := b.now()
	for token, p := range b.inflight {
		if p.deadline.Before(now) {
			_ = p.delivery.Nack(false, true)
			delete(b.inflight, token)
		}
	}
}

// take validates a token against an unexpired lock and removes it. A closed
// channel voids every lock since the broker has already requeued the
// deliveries. Callers hold b.mu.
func (b *Backend) take(token string) (*pending, bool) {
	if b.ch == nil || b.ch.IsClosed() {
		b.inflight = make(map[string]*pending)
		return nil, false
	}
	b.expireLocked()
	p, ok := b.inflight[token]
	if !ok {
		return nil, false
	}
	delete(b.inflight, token)
	return p, true
}

func (b *Backend) publish(ctx context.Context, queue string, body []byte, attempts int, delay time.Duration) (string, error) {
	id := uuid.New().String()
	pub := amqp.Publishing{
		DeliveryMode: amqp.Persistent,
		MessageId:    id,
		Timestamp:    b.now(),
		Headers:      amqp.Table{attemptsHeader: int32(attempts)},
		Body:         body,
	}
	target := queue
	if delay > 0 {
		if err := b.declareWait(queue); err != nil {
			return "", err
		}
		target = queue + waitSuffix
		pub.Expiration = strconv.FormatInt(delay.Milliseconds(), 10)
	}
	err := b.ch.PublishWithContext(ctx, "", target, false, false, pub)
	if err != nil {
		return "", fmt.Errorf("publishing to %s: %w", target, err)
	}
	return id, nil
}

// Send implements backend.Interface. The broker assigns no id, so the driver
// mints one and carries it as the AMQP message id.
func (b *Backend) Send(ctx context.Context, queue string, body []byte, opts backend.SendOptions) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, err := b.channel(ctx); err != nil {
		return "", err
	}
	if err := b.declare(queue); err != nil {
		return "", err
	}
	return b.publish(ctx, queue, body, 0, opts.Delay)
}

// Receive implements backend.Interface, polling with basic.get.
func (b *Backend) Receive(ctx context.Context, queue string, max int, lock time.Duration) ([]backend.Delivery, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, err := b.channel(ctx); err != nil {
		return nil, err
	}
	if err := b.declare(queue); err != nil {
		return nil, err
	}
	b.expireLocked()

	now := b.now()
	var out []backend.Delivery
	for len(out) < max {
		if err := ctx.Err(); err != nil {
			return out, err
		}
		d, ok, err := b.ch.Get(queue, false)
		if err != nil {
			return nil, fmt.Errorf("fetching from %s: %w", queue, err)
		}
		if !ok {
			break
		}
		attempts := headerAttempts(d.Headers) + 1
		if d.Redelivered && attempts < 2 {
			// broker-side requeue the header could not count
			attempts = 2
		}
		token := uuid.New().String()
		b.inflight[token] = &pending{delivery: d, attempts: attempts, deadline: now.Add(lock)}

		id := d.MessageId
		if id == "" {
			id = token
		}
		out = append(out, backend.Delivery{
			MessageID:  id,
			LockToken:  token,
			Body:       d.Body,
			Attempts:   attempts,
			EnqueuedAt: d.Timestamp,
		})
	}
	return out, nil
}

// ExtendLock implements backend.Interface against the driver's local
// deadline; the broker holds the delivery unacked either way.
func (b *Backend) ExtendLock(ctx context.Context, queue, messageID, lockToken string, extra time.Duration) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.expireLocked()
	p, ok := b.inflight[lockToken]
	if !ok {
		return &contracts.LockExpiredError{Queue: queue, MessageID: messageID}
	}
	p.deadline = p.deadline.Add(extra)
	return nil
}

// Ack implements backend.Interface.
func (b *Backend) Ack(ctx context.Context, queue, messageID, lockToken string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	p, ok := b.take(lockToken)
	if !ok {
		return &contracts.LockExpiredError{Queue: queue, MessageID: messageID}
	}
	if err := p.delivery.Ack(false); err != nil {
		return fmt.Errorf("acknowledging on %s: %w", queue, err)
	}
	return nil
}

// Release implements backend.Interface. The attempt count must survive the
// requeue, so the message is republished with the count in a header and the
// original delivery acked; a plain nack would reset the count. A delay
// routes the republish through the wait queue.
func (b *Backend) Release(ctx context.Context, queue, messageID, lockToken string, delay time.Duration) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	p, ok := b.take(lockToken)
	if !ok {
		return &contracts.LockExpiredError{Queue: queue, MessageID: messageID}
	}
	if _, err := b.publish(ctx, queue, p.delivery.Body, p.attempts, delay); err != nil {
		// keep the token spent; the broker will redeliver on channel close
		_ = p.delivery.Nack(false, true)
		return err
	}
	if err := p.delivery.Ack(false); err != nil {
		return fmt.Errorf("releasing on %s: %w", queue, err)
	}
	return nil
}

// Count implements backend.Interface, including messages waiting out a
// delay. The broker reports ready messages only, not unacked ones.
func (b *Backend) Count(ctx context.Context, queue string) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, err := b.channel(ctx); err != nil {
		return 0, err
	}
	q, err := b.ch.QueueDeclarePassive(queue, true, false, false, false, nil)
	if err != nil {
		return 0, fmt.Errorf("inspecting %s: %w", queue, err)
	}
	if err := b.declareWait(queue); err != nil {
		return 0, err
	}
	w, err := b.ch.QueueDeclarePassive(queue+waitSuffix, true, false, false, false, amqp.Table{
		"x-dead-letter-exchange":    "",
		"x-dead-letter-routing-key": queue,
	})
	if err != nil {
		return 0, fmt.Errorf("inspecting %s: %w", queue+waitSuffix, err)
	}
	return q.Messages + w.Messages, nil
}

// Clear implements backend.Interface, purging delayed messages too.
func (b *Backend) Clear(ctx context.Context, queue string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, err := b.channel(ctx); err != nil {
		return err
	}
	if err := b.declare(queue); err != nil {
		return err
	}
	if err := b.declareWait(queue); err != nil {
		return err
	}
	if _, err := b.ch.QueuePurge(queue, false); err != nil {
		return fmt.Errorf("purging %s: %w", queue, err)
	}
	if _, err := b.ch.QueuePurge(queue+waitSuffix, false); err != nil {
		return fmt.Errorf("purging %s: %w", queue+waitSuffix, err)
	}
	return nil
}

// Close implements backend.Interface. Unacked deliveries requeue on the
// broker when the channel goes away.
func (b *Backend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.inflight = make(map[string]*pending)
	if b.ch != nil && !b.ch.IsClosed() {
		if err := b.ch.Close(); err != nil {
			b.mgr.Close()
			return err
		}
	}
	return b.mgr.Close()
}

func headerAttempts(h amqp.Table) int {
	switch v := h[attemptsHeader].(type) {
	case int32:
		return int(v)
	case int64:
		return int(v)
	case int:
		return v
	}
	return 0
}

// Package consumer implements the fetch, lock, process, settle loop on top of
// a queue backend. Deliveries are decoded, dispatched to a handler on a
// bounded worker pool, and acknowledged on success or released with a backoff
// delay on failure. Messages that exhaust their attempts are dead-lettered.
package consumer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/parcelmq/parcel-go/backend"
	"github.com/parcelmq/parcel-go/codec"
	"github.com/parcelmq/parcel-go/contracts"
	"github.com/parcelmq/parcel-go/internal/reliability"
)

// Control errors a handler can return to force a settlement outcome
// regardless of whether it is reporting success or failure.
var (
	// ErrAckMessage acknowledges the message even though the handler failed.
	ErrAckMessage = errors.New("acknowledge message")
	// ErrReleaseMessage releases the message for redelivery with the usual
	// backoff even though the handler succeeded.
	ErrReleaseMessage = errors.New("release message")
)

// releaseAfterError carries an explicit redelivery delay.
type releaseAfterError struct {
	delay time.Duration
}

func (e *releaseAfterError) Error() string {
	return fmt.Sprintf("release message after %s", e.delay)
}

// ReleaseAfter returns a control error that releases the message with the
// given redelivery delay instead of the computed backoff.
func ReleaseAfter(delay time.Duration) error {
	return &releaseAfterError{delay: delay}
}

// Message is one locked delivery handed to a handler.
type Message struct {
	Envelope *contracts.Envelope

	consumer *Consumer
}

// ExtendLock pushes the visibility deadline out so a slow handler keeps its
// claim on the message.
func (m *Message) ExtendLock(ctx context.Context, extra time.Duration) error {
	err := m.consumer.backend.ExtendLock(ctx, m.Envelope.QueueName, m.Envelope.MessageID, m.Envelope.LockToken, extra)
	if err != nil {
		return err
	}
	deadline := time.Now().Add(extra)
	m.Envelope.VisibilityDeadline = &deadline
	return nil
}

// Handler processes one message. A nil return acknowledges the message; an
// error releases it for redelivery unless it is one of the control errors.
type Handler interface {
	Handle(ctx context.Context, msg *Message) error
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(ctx context.Context, msg *Message) error

// Handle implements Handler
func (f HandlerFunc) Handle(ctx context.Context, msg *Message) error {
	return f(ctx, msg)
}

// Consumer runs the consumption loop for one queue.
type Consumer struct {
	backend backend.Interface
	codec   *codec.Codec
	queue   string
	handler Handler

	logger          *slog.Logger
	workers         int
	batchSize       int
	lockDuration    time.Duration
	idleWait        time.Duration
	maxIdleWait     time.Duration
	maxAttempts     int
	deadLetterQueue string
	releaseBackoff  *reliability.ReleaseBackoff
	receivePolicy   reliability.RetryPolicy
	shutdownGrace   time.Duration
}

// Option configures a Consumer.
type Option func(*Consumer)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Consumer) {
		c.logger = logger
	}
}

// WithWorkers bounds the number of messages processed concurrently.
func WithWorkers(n int) Option {
	return func(c *Consumer) {
		if n > 0 {
			c.workers = n
		}
	}
}

// WithBatchSize sets how many messages each poll asks for. A batch larger
// than the worker count is fine; the pool still bounds how many are
// processed at once.
func WithBatchSize(n int) Option {
	return func(c *Consumer) {
		if n > 0 {
			c.batchSize = n
		}
	}
}

// WithLockDuration sets the visibility window requested on each receive.
func WithLockDuration(d time.Duration) Option {
	return func(c *Consumer) {
		if d > 0 {
			c.lockDuration = d
		}
	}
}

// WithIdleWait sets the initial and maximum pause after an empty poll. The
// pause doubles on consecutive empty polls up to max and resets on delivery.
func WithIdleWait(initial, max time.Duration) Option {
	return func(c *Consumer) {
		if initial > 0 {
			c.idleWait = initial
		}
		if max > 0 {
			c.maxIdleWait = max
		}
	}
}

// WithMaxAttempts caps deliveries per message before it is dead-lettered.
// Zero means unlimited.
func WithMaxAttempts(n int) Option {
	return func(c *Consumer) {
		c.maxAttempts = n
	}
}

// WithDeadLetterQueue routes exhausted messages to another queue instead of
// dropping them.
func WithDeadLetterQueue(queue string) Option {
	return func(c *Consumer) {
		c.deadLetterQueue = queue
	}
}

// WithReleaseBackoff sets the policy computing redelivery delays from the
// attempt count.
func WithReleaseBackoff(b *reliability.ReleaseBackoff) Option {
	return func(c *Consumer) {
		if b != nil {
			c.releaseBackoff = b
		}
	}
}

// WithShutdownGrace bounds how long Run waits for in-flight handlers after
// its context is cancelled. Work still running after the grace period has
// its context cancelled and is left to expire and redeliver.
func WithShutdownGrace(d time.Duration) Option {
	return func(c *Consumer) {
		if d > 0 {
			c.shutdownGrace = d
		}
	}
}

// New creates a consumer for queue that dispatches deliveries to handler.
func New(b backend.Interface, cd *codec.Codec, queue string, handler Handler, options ...Option) (*Consumer, error) {
	if b == nil {
		return nil, errors.New("backend cannot be nil")
	}
	if cd == nil {
		return nil, errors.New("codec cannot be nil")
	}
	if queue == "" {
		return nil, errors.New("queue cannot be empty")
	}
	if handler == nil {
		return nil, errors.New("handler cannot be nil")
	}

	c := &Consumer{
		backend:        b,
		codec:          cd,
		queue:          queue,
		handler:        handler,
		logger:         slog.Default(),
		workers:        4,
		batchSize:      10,
		lockDuration:   30 * time.Second,
		idleWait:       100 * time.Millisecond,
		maxIdleWait:    5 * time.Second,
		maxAttempts:    10,
		releaseBackoff: reliability.DefaultReleaseBackoff(),
		receivePolicy:  reliability.NewExponentialBackoff(100*time.Millisecond, 5*time.Second, 2.0, 3),
		shutdownGrace:  30 * time.Second,
	}
	for _, opt := range options {
		opt(c)
	}
	return c, nil
}

// Run polls the queue and dispatches until ctx is cancelled, then drains
// in-flight handlers up to the shutdown grace period. It returns nil on a
// graceful stop.
func (c *Consumer) Run(ctx context.Context) error {
	sem := make(chan struct{}, c.workers)
	var wg sync.WaitGroup

	// Handlers get a context detached from the polling cancellation so
	// shutdown does not abort in-flight work; drain cancels it once the
	// grace period runs out.
	workCtx, cancelWork := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelWork()

	c.logger.Info("consumer started",
		"queue", c.queue,
		"workers", c.workers,
		"lockDuration", c.lockDuration,
	)

	idle := c.idleWait
	for {
		if ctx.Err() != nil {
			break
		}

		deliveries, err := c.receive(ctx)
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			c.logger.Error("receive failed", "queue", c.queue, "error", err)
			if !sleep(ctx, idle) {
				break
			}
			idle = c.nextIdle(idle)
			continue
		}

		if len(deliveries) == 0 {
			if !sleep(ctx, idle) {
				break
			}
			idle = c.nextIdle(idle)
			continue
		}
		idle = c.idleWait

		for i := range deliveries {
			select {
			case sem <- struct{}{}:
			case <-ctx.Done():
			}
			if ctx.Err() != nil {
				// abandon the rest of the batch, locks expire
				break
			}
			wg.Add(1)
			d := deliveries[i]
			go func() {
				defer wg.Done()
				defer func() { <-sem }()
				c.process(workCtx, d)
			}()
		}
	}

	return c.drain(&wg, cancelWork)
}

// receive polls once, retrying transient backend errors.
func (c *Consumer) receive(ctx context.Context) ([]backend.Delivery, error) {
	var deliveries []backend.Delivery
	err := reliability.Retry(ctx, c.receivePolicy, func() error {
		var err error
		deliveries, err = c.backend.Receive(ctx, c.queue, c.batchSize, c.lockDuration)
		return err
	})
	return deliveries, err
}

func (c *Consumer) nextIdle(idle time.Duration) time.Duration {
	idle *= 2
	if idle > c.maxIdleWait {
		idle = c.maxIdleWait
	}
	return idle
}

// process decodes one delivery, runs the handler, and settles the message.
func (c *Consumer) process(ctx context.Context, d backend.Delivery) {
	deadline := time.Now().Add(c.lockDuration)
	env := &contracts.Envelope{
		QueueName:          c.queue,
		MessageID:          d.MessageID,
		LockToken:          d.LockToken,
		EnqueuedAt:         d.EnqueuedAt,
		VisibilityDeadline: &deadline,
		AttemptCount:       d.Attempts,
	}

	fields, err := c.codec.Decode(d.Body)
	if err != nil {
		// an undecodable body fails like a handler would, so a poisoned
		// message eventually dead-letters instead of looping forever
		c.logger.Error("decode failed",
			"queue", c.queue,
			"messageId", d.MessageID,
			"attempt", d.Attempts,
			"error", err,
		)
		c.settleFailure(context.WithoutCancel(ctx), env, d.Body, err)
		return
	}
	env.Fields = fields

	err = c.handler.Handle(ctx, &Message{Envelope: env, consumer: c})

	// settle even if the grace period ran out while the handler ran
	settleCtx := context.WithoutCancel(ctx)

	switch {
	case err == nil, errors.Is(err, ErrAckMessage):
		c.ack(settleCtx, env)
	case errors.Is(err, ErrReleaseMessage):
		c.release(settleCtx, env, c.releaseBackoff.Delay(env.AttemptCount))
	default:
		var after *releaseAfterError
		if errors.As(err, &after) {
			c.release(settleCtx, env, after.delay)
			return
		}
		c.logger.Warn("handler failed",
			"queue", c.queue,
			"messageId", env.MessageID,
			"attempt", env.AttemptCount,
			"error", err,
		)
		c.settleFailure(settleCtx, env, d.Body, err)
	}
}

// settleFailure releases for another attempt or dead-letters an exhausted
// message.
func (c *Consumer) settleFailure(ctx context.Context, env *contracts.Envelope, body []byte, cause error) {
	if c.maxAttempts > 0 && env.AttemptCount >= c.maxAttempts {
		c.deadLetter(ctx, env, body, cause)
		return
	}
	c.release(ctx, env, c.releaseBackoff.Delay(env.AttemptCount))
}

// deadLetter forwards the exhausted message, payload untouched, to the dead
// letter queue when one is configured, then acknowledges it. Without one the
// message is dropped.
func (c *Consumer) deadLetter(ctx context.Context, env *contracts.Envelope, body []byte, cause error) {
	if c.deadLetterQueue != "" {
		_, err := c.backend.Send(ctx, c.deadLetterQueue, body, backend.SendOptions{})
		if err != nil {
			// keep the message alive rather than lose it
			c.logger.Error("dead letter send failed",
				"queue", c.queue,
				"deadLetterQueue", c.deadLetterQueue,
				"messageId", env.MessageID,
				"error", err,
			)
			c.release(ctx, env, c.releaseBackoff.Delay(env.AttemptCount))
			return
		}
		c.logger.Warn("message dead lettered",
			"queue", c.queue,
			"deadLetterQueue", c.deadLetterQueue,
			"messageId", env.MessageID,
			"attempts", env.AttemptCount,
			"error", cause,
		)
	} else {
		c.logger.Warn("message dropped after max attempts",
			"queue", c.queue,
			"messageId", env.MessageID,
			"attempts", env.AttemptCount,
			"error", cause,
		)
	}
	c.ack(ctx, env)
}

// ack settles the message. A lost lock means another consumer already owns
// the next attempt, so it is logged and swallowed.
func (c *Consumer) ack(ctx context.Context, env *contracts.Envelope) {
	err := c.backend.Ack(ctx, env.QueueName, env.MessageID, env.LockToken)
	if err == nil {
		return
	}
	if contracts.IsLockExpired(err) {
		c.logger.Warn("lock expired before ack, message will redeliver",
			"queue", env.QueueName,
			"messageId", env.MessageID,
		)
		return
	}
	c.logger.Error("ack failed", "queue", env.QueueName, "messageId", env.MessageID, "error", err)
}

func (c *Consumer) release(ctx context.Context, env *contracts.Envelope, delay time.Duration) {
	err := c.backend.Release(ctx, env.QueueName, env.MessageID, env.LockToken, delay)
	if err == nil {
		c.logger.Debug("message released",
			"queue", env.QueueName,
			"messageId", env.MessageID,
			"attempt", env.AttemptCount,
			"delay", delay,
		)
		return
	}
	if contracts.IsLockExpired(err) {
		c.logger.Warn("lock expired before release, message will redeliver",
			"queue", env.QueueName,
			"messageId", env.MessageID,
		)
		return
	}
	c.logger.Error("release failed", "queue", env.QueueName, "messageId", env.MessageID, "error", err)
}

// drain waits for in-flight handlers up to the shutdown grace period, then
// cancels their context and abandons them.
func (c *Consumer) drain(wg *sync.WaitGroup, cancelWork context.CancelFunc) error {
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		c.logger.Info("consumer stopped", "queue", c.queue)
		return nil
	case <-time.After(c.shutdownGrace):
		c.logger.Warn("shutdown grace period elapsed, abandoning in-flight messages",
			"queue", c.queue,
		)
		cancelWork()
		return nil
	}
}

// sleep pauses for d or until ctx is cancelled, reporting whether the full
// pause elapsed.
func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}

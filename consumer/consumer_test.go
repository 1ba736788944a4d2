package consumer

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/parcelmq/parcel-go/backend"
	"github.com/parcelmq/parcel-go/backend/memory"
	"github.com/parcelmq/parcel-go/codec"
	"github.com/parcelmq/parcel-go/contracts"
	"github.com/parcelmq/parcel-go/internal/reliability"
)

func newCodec(t *testing.T) *codec.Codec {
	t.Helper()
	cd, err := codec.New()
	require.NoError(t, err)
	return cd
}

func send(t *testing.T, b backend.Interface, cd *codec.Codec, queue string, fields map[string]any) {
	t.Helper()
	body, err := cd.Encode(fields)
	require.NoError(t, err)
	_, err = b.Send(context.Background(), queue, body, backend.SendOptions{})
	require.NoError(t, err)
}

// runUntil starts the consumer and stops it once cond reports true or the
// timeout elapses.
func runUntil(t *testing.T, c *Consumer, cond func() bool) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	deadline := time.Now().Add(5 * time.Second)
	for !cond() && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("consumer did not stop")
	}
	require.True(t, cond(), "condition never met")
}

func TestConsumerProcessesAndAcks(t *testing.T) {
	b := memory.New()
	cd := newCodec(t)
	send(t, b, cd, "jobs", map[string]any{"kind": "resize", "width": int64(800)})

	var got atomic.Value
	handler := HandlerFunc(func(ctx context.Context, msg *Message) error {
		got.Store(msg.Envelope)
		return nil
	})

	c, err := New(b, cd, "jobs", handler, WithIdleWait(time.Millisecond, 10*time.Millisecond))
	require.NoError(t, err)

	runUntil(t, c, func() bool { return got.Load() != nil })

	env := got.Load().(*contracts.Envelope)
	assert.Equal(t, "jobs", env.QueueName)
	assert.Equal(t, 1, env.AttemptCount)
	assert.Equal(t, "resize", env.Fields["kind"])
	assert.Equal(t, int64(800), env.Fields["width"])

	n, err := b.Count(context.Background(), "jobs")
	require.NoError(t, err)
	assert.Equal(t, 0, n, "acked message should leave the queue")
}

func TestConsumerReleasesOnFailure(t *testing.T) {
	b := memory.New()
	cd := newCodec(t)
	send(t, b, cd, "jobs", map[string]any{"kind": "flaky"})

	var attempts []int
	var mu sync.Mutex
	handler := HandlerFunc(func(ctx context.Context, msg *Message) error {
		mu.Lock()
		attempts = append(attempts, msg.Envelope.AttemptCount)
		mu.Unlock()
		if msg.Envelope.AttemptCount < 2 {
			return errors.New("not yet")
		}
		return nil
	})

	c, err := New(b, cd, "jobs", handler,
		WithIdleWait(time.Millisecond, 10*time.Millisecond),
		WithReleaseBackoff(&reliability.ReleaseBackoff{Multiplier: 0.001, MaxDelay: time.Millisecond}),
	)
	require.NoError(t, err)

	runUntil(t, c, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(attempts) >= 2
	})

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []int{1, 2}, attempts[:2])
}

func TestConsumerControlErrors(t *testing.T) {
	t.Run("ErrAckMessage discards a failed message", func(t *testing.T) {
		b := memory.New()
		cd := newCodec(t)
		send(t, b, cd, "jobs", map[string]any{"kind": "broken"})

		var calls atomic.Int32
		handler := HandlerFunc(func(ctx context.Context, msg *Message) error {
			calls.Add(1)
			return ErrAckMessage
		})

		c, err := New(b, cd, "jobs", handler, WithIdleWait(time.Millisecond, 10*time.Millisecond))
		require.NoError(t, err)

		runUntil(t, c, func() bool { return calls.Load() >= 1 })

		// give a redelivery a chance to land, it should not
		time.Sleep(50 * time.Millisecond)
		assert.Equal(t, int32(1), calls.Load())

		n, err := b.Count(context.Background(), "jobs")
		require.NoError(t, err)
		assert.Equal(t, 0, n)
	})

	t.Run("ErrReleaseMessage forces redelivery", func(t *testing.T) {
		b := memory.New()
		cd := newCodec(t)
		send(t, b, cd, "jobs", map[string]any{"kind": "again"})

		var calls atomic.Int32
		handler := HandlerFunc(func(ctx context.Context, msg *Message) error {
			if calls.Add(1) == 1 {
				return ErrReleaseMessage
			}
			return nil
		})

		c, err := New(b, cd, "jobs", handler,
			WithIdleWait(time.Millisecond, 10*time.Millisecond),
			WithReleaseBackoff(&reliability.ReleaseBackoff{Multiplier: 0.001, MaxDelay: time.Millisecond}),
		)
		require.NoError(t, err)

		runUntil(t, c, func() bool { return calls.Load() >= 2 })
	})

	t.Run("ReleaseAfter delays redelivery", func(t *testing.T) {
		b := memory.New()
		cd := newCodec(t)
		send(t, b, cd, "jobs", map[string]any{"kind": "later"})

		var first atomic.Value
		var second atomic.Value
		handler := HandlerFunc(func(ctx context.Context, msg *Message) error {
			if first.Load() == nil {
				first.Store(time.Now())
				return ReleaseAfter(100 * time.Millisecond)
			}
			second.Store(time.Now())
			return nil
		})

		c, err := New(b, cd, "jobs", handler, WithIdleWait(time.Millisecond, 10*time.Millisecond))
		require.NoError(t, err)

		runUntil(t, c, func() bool { return second.Load() != nil })

		gap := second.Load().(time.Time).Sub(first.Load().(time.Time))
		assert.GreaterOrEqual(t, gap, 100*time.Millisecond)
	})
}

func TestConsumerDeadLetter(t *testing.T) {
	t.Run("exhausted message moves to the dead letter queue", func(t *testing.T) {
		b := memory.New()
		cd := newCodec(t)
		send(t, b, cd, "jobs", map[string]any{"kind": "poison"})

		var calls atomic.Int32
		handler := HandlerFunc(func(ctx context.Context, msg *Message) error {
			calls.Add(1)
			return errors.New("always fails")
		})

		c, err := New(b, cd, "jobs", handler,
			WithIdleWait(time.Millisecond, 10*time.Millisecond),
			WithMaxAttempts(2),
			WithDeadLetterQueue("jobs.dead"),
			WithReleaseBackoff(&reliability.ReleaseBackoff{Multiplier: 0.001, MaxDelay: time.Millisecond}),
		)
		require.NoError(t, err)

		dead := func() bool {
			n, err := b.Count(context.Background(), "jobs.dead")
			return err == nil && n == 1
		}
		runUntil(t, c, dead)

		assert.Equal(t, int32(2), calls.Load())

		n, err := b.Count(context.Background(), "jobs")
		require.NoError(t, err)
		assert.Equal(t, 0, n)

		ds, err := b.Receive(context.Background(), "jobs.dead", 1, time.Minute)
		require.NoError(t, err)
		require.Len(t, ds, 1)
		fields, err := cd.Decode(ds[0].Body)
		require.NoError(t, err)
		assert.Equal(t, "poison", fields["kind"])
	})

	t.Run("without a dead letter queue the message is dropped", func(t *testing.T) {
		b := memory.New()
		cd := newCodec(t)
		send(t, b, cd, "jobs", map[string]any{"kind": "poison"})

		var calls atomic.Int32
		handler := HandlerFunc(func(ctx context.Context, msg *Message) error {
			calls.Add(1)
			return errors.New("always fails")
		})

		c, err := New(b, cd, "jobs", handler,
			WithIdleWait(time.Millisecond, 10*time.Millisecond),
			WithMaxAttempts(2),
			WithReleaseBackoff(&reliability.ReleaseBackoff{Multiplier: 0.001, MaxDelay: time.Millisecond}),
		)
		require.NoError(t, err)

		empty := func() bool {
			if calls.Load() < 2 {
				return false
			}
			n, err := b.Count(context.Background(), "jobs")
			return err == nil && n == 0
		}
		runUntil(t, c, empty)
	})
}

func TestConsumerUndecodableBody(t *testing.T) {
	b := memory.New()
	cd := newCodec(t)

	_, err := b.Send(context.Background(), "jobs", []byte("not a valid payload"), backend.SendOptions{})
	require.NoError(t, err)

	var calls atomic.Int32
	handler := HandlerFunc(func(ctx context.Context, msg *Message) error {
		calls.Add(1)
		return nil
	})

	c, err := New(b, cd, "jobs", handler,
		WithIdleWait(time.Millisecond, 10*time.Millisecond),
		WithMaxAttempts(1),
		WithDeadLetterQueue("jobs.dead"),
		WithReleaseBackoff(&reliability.ReleaseBackoff{Multiplier: 0.001, MaxDelay: time.Millisecond}),
	)
	require.NoError(t, err)

	gone := func() bool {
		n, err := b.Count(context.Background(), "jobs")
		return err == nil && n == 0
	}
	runUntil(t, c, gone)

	// the handler never sees a body that cannot be decoded
	assert.Equal(t, int32(0), calls.Load())
}

func TestConsumerBoundedConcurrency(t *testing.T) {
	b := memory.New()
	cd := newCodec(t)
	for i := 0; i < 20; i++ {
		send(t, b, cd, "jobs", map[string]any{"n": int64(i)})
	}

	var inFlight, peak, done atomic.Int32
	handler := HandlerFunc(func(ctx context.Context, msg *Message) error {
		n := inFlight.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		inFlight.Add(-1)
		done.Add(1)
		return nil
	})

	c, err := New(b, cd, "jobs", handler,
		WithWorkers(3),
		WithBatchSize(10),
		WithIdleWait(time.Millisecond, 10*time.Millisecond),
	)
	require.NoError(t, err)

	runUntil(t, c, func() bool { return done.Load() == 20 })

	assert.LessOrEqual(t, peak.Load(), int32(3))
}

func TestConsumerExtendLock(t *testing.T) {
	b := memory.New()
	cd := newCodec(t)
	send(t, b, cd, "jobs", map[string]any{"kind": "slow"})

	var extendErr atomic.Value
	var handled atomic.Bool
	handler := HandlerFunc(func(ctx context.Context, msg *Message) error {
		if err := msg.ExtendLock(ctx, time.Minute); err != nil {
			extendErr.Store(err)
		}
		handled.Store(true)
		return nil
	})

	c, err := New(b, cd, "jobs", handler, WithIdleWait(time.Millisecond, 10*time.Millisecond))
	require.NoError(t, err)

	runUntil(t, c, func() bool { return handled.Load() })
	assert.Nil(t, extendErr.Load())
}

func TestConsumerBatchLargerThanWorkers(t *testing.T) {
	b := memory.New()
	cd := newCodec(t)

	handler := HandlerFunc(func(ctx context.Context, msg *Message) error { return nil })
	c, err := New(b, cd, "jobs", handler, WithWorkers(2), WithBatchSize(8))
	require.NoError(t, err)

	// the pool bounds dispatch, so a poll may ask for more than fits at once
	assert.Equal(t, 8, c.batchSize)
	assert.Equal(t, 2, c.workers)
}

func TestConsumerGracefulShutdown(t *testing.T) {
	b := memory.New()
	cd := newCodec(t)
	send(t, b, cd, "jobs", map[string]any{"kind": "slow"})

	started := make(chan struct{})
	var finished atomic.Bool
	handler := HandlerFunc(func(ctx context.Context, msg *Message) error {
		close(started)
		time.Sleep(100 * time.Millisecond)
		finished.Store(true)
		return nil
	})

	c, err := New(b, cd, "jobs", handler,
		WithIdleWait(time.Millisecond, 10*time.Millisecond),
		WithShutdownGrace(5*time.Second),
	)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	<-started
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("consumer did not stop")
	}

	assert.True(t, finished.Load(), "in-flight handler should finish before shutdown")

	// the message was acked during drain despite the cancelled context
	n, err := b.Count(context.Background(), "jobs")
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestConsumerShutdownDoesNotCancelHandlers(t *testing.T) {
	b := memory.New()
	cd := newCodec(t)
	send(t, b, cd, "jobs", map[string]any{"kind": "slow"})

	started := make(chan struct{})
	var sawCancel atomic.Bool
	handler := HandlerFunc(func(ctx context.Context, msg *Message) error {
		close(started)
		select {
		case <-ctx.Done():
			sawCancel.Store(true)
			return ctx.Err()
		case <-time.After(150 * time.Millisecond):
			return nil
		}
	})

	c, err := New(b, cd, "jobs", handler,
		WithIdleWait(time.Millisecond, 10*time.Millisecond),
		WithShutdownGrace(5*time.Second),
	)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	<-started
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("consumer did not stop")
	}

	assert.False(t, sawCancel.Load(), "shutdown should not cancel a handler inside the grace period")

	n, err := b.Count(context.Background(), "jobs")
	require.NoError(t, err)
	assert.Equal(t, 0, n, "handler outcome should still be acked")
}

func TestConsumerGraceExpiryCancelsHandlers(t *testing.T) {
	b := memory.New()
	cd := newCodec(t)
	send(t, b, cd, "jobs", map[string]any{"kind": "stuck"})

	started := make(chan struct{})
	var sawCancel atomic.Bool
	handler := HandlerFunc(func(ctx context.Context, msg *Message) error {
		close(started)
		<-ctx.Done()
		sawCancel.Store(true)
		return ctx.Err()
	})

	c, err := New(b, cd, "jobs", handler,
		WithIdleWait(time.Millisecond, 10*time.Millisecond),
		WithShutdownGrace(50*time.Millisecond),
	)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	<-started
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("consumer did not stop")
	}

	deadline := time.Now().Add(time.Second)
	for !sawCancel.Load() && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	assert.True(t, sawCancel.Load(), "grace expiry should cancel the handler context")
}

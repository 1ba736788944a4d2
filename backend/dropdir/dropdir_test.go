package dropdir

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/parcelmq/parcel-go/backend"
	"github.com/parcelmq/parcel-go/contracts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newBackend(t *testing.T) *Backend {
	t.Helper()
	b, err := New(t.TempDir())
	require.NoError(t, err)
	return b
}

func TestSendReceiveAck(t *testing.T) {
	ctx := context.Background()
	b := newBackend(t)

	id, err := b.Send(ctx, "jobs", []byte("hello"), backend.SendOptions{})
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	got, err := b.Receive(ctx, "jobs", 1, time.Minute)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, id, got[0].MessageID)
	assert.Equal(t, []byte("hello"), got[0].Body)
	assert.Equal(t, 1, got[0].Attempts)
	assert.False(t, got[0].EnqueuedAt.IsZero())

	require.NoError(t, b.Ack(ctx, "jobs", got[0].MessageID, got[0].LockToken))

	empty, err := b.Receive(ctx, "jobs", 1, time.Minute)
	require.NoError(t, err)
	assert.Empty(t, empty)

	t.Run("double ack fails", func(t *testing.T) {
		err := b.Ack(ctx, "jobs", got[0].MessageID, got[0].LockToken)
		assert.True(t, contracts.IsLockExpired(err))
	})
}

func TestClaimIsExclusive(t *testing.T) {
	ctx := context.Background()
	b := newBackend(t)

	_, err := b.Send(ctx, "jobs", []byte("x"), backend.SendOptions{})
	require.NoError(t, err)

	first, err := b.Receive(ctx, "jobs", 1, time.Minute)
	require.NoError(t, err)
	require.Len(t, first, 1)

	second, err := b.Receive(ctx, "jobs", 1, time.Minute)
	require.NoError(t, err)
	assert.Empty(t, second)
}

func TestFIFOByAvailability(t *testing.T) {
	ctx := context.Background()
	b := newBackend(t)

	a, err := b.Send(ctx, "jobs", []byte("a"), backend.SendOptions{})
	require.NoError(t, err)
	time.Sleep(2 * time.Millisecond)
	_, err = b.Send(ctx, "jobs", []byte("b"), backend.SendOptions{})
	require.NoError(t, err)

	got, err := b.Receive(ctx, "jobs", 1, time.Minute)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, a, got[0].MessageID, "oldest available message first")
}

func TestReleaseAndRedeliver(t *testing.T) {
	ctx := context.Background()
	b := newBackend(t)

	id, err := b.Send(ctx, "jobs", []byte("x"), backend.SendOptions{})
	require.NoError(t, err)

	first, err := b.Receive(ctx, "jobs", 1, time.Minute)
	require.NoError(t, err)
	require.Len(t, first, 1)
	require.NoError(t, b.Release(ctx, "jobs", first[0].MessageID, first[0].LockToken, 0))

	again, err := b.Receive(ctx, "jobs", 1, time.Minute)
	require.NoError(t, err)
	require.Len(t, again, 1)
	assert.Equal(t, id, again[0].MessageID)
	assert.Equal(t, 2, again[0].Attempts)
	assert.Equal(t, []byte("x"), again[0].Body)

	t.Run("spent token cannot release again", func(t *testing.T) {
		err := b.Release(ctx, "jobs", first[0].MessageID, first[0].LockToken, 0)
		assert.True(t, contracts.IsLockExpired(err))
	})
}

func TestLockExpiryReclaim(t *testing.T) {
	ctx := context.Background()
	b := newBackend(t)

	_, err := b.Send(ctx, "jobs", []byte("x"), backend.SendOptions{})
	require.NoError(t, err)

	first, err := b.Receive(ctx, "jobs", 1, 30*time.Millisecond)
	require.NoError(t, err)
	require.Len(t, first, 1)

	got, err := b.Receive(ctx, "jobs", 1, time.Minute)
	require.NoError(t, err)
	assert.Empty(t, got, "lock still held")

	time.Sleep(40 * time.Millisecond)
	got, err = b.Receive(ctx, "jobs", 1, time.Minute)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, 2, got[0].Attempts, "expired lock redelivery is a new attempt")

	t.Run("expired token cannot ack", func(t *testing.T) {
		err := b.Ack(ctx, "jobs", first[0].MessageID, first[0].LockToken)
		assert.True(t, contracts.IsLockExpired(err))
	})
}

func TestExtendLock(t *testing.T) {
	ctx := context.Background()
	b := newBackend(t)

	_, err := b.Send(ctx, "jobs", []byte("x"), backend.SendOptions{})
	require.NoError(t, err)

	first, err := b.Receive(ctx, "jobs", 1, 40*time.Millisecond)
	require.NoError(t, err)
	require.Len(t, first, 1)

	require.NoError(t, b.ExtendLock(ctx, "jobs", first[0].MessageID, first[0].LockToken, time.Minute))

	time.Sleep(60 * time.Millisecond)
	got, err := b.Receive(ctx, "jobs", 1, time.Minute)
	require.NoError(t, err)
	assert.Empty(t, got, "extended lock survives the original deadline")

	require.NoError(t, b.Ack(ctx, "jobs", first[0].MessageID, first[0].LockToken))
}

func TestDelayedSend(t *testing.T) {
	ctx := context.Background()
	b := newBackend(t)

	_, err := b.Send(ctx, "jobs", []byte("x"), backend.SendOptions{Delay: 50 * time.Millisecond})
	require.NoError(t, err)

	got, err := b.Receive(ctx, "jobs", 1, time.Minute)
	require.NoError(t, err)
	assert.Empty(t, got)

	time.Sleep(60 * time.Millisecond)
	got, err = b.Receive(ctx, "jobs", 1, time.Minute)
	require.NoError(t, err)
	assert.Len(t, got, 1)
}

func TestCountAndClear(t *testing.T) {
	ctx := context.Background()
	b := newBackend(t)

	for i := 0; i < 3; i++ {
		_, err := b.Send(ctx, "jobs", []byte("x"), backend.SendOptions{})
		require.NoError(t, err)
	}
	_, err := b.Receive(ctx, "jobs", 1, time.Minute)
	require.NoError(t, err)

	n, err := b.Count(ctx, "jobs")
	require.NoError(t, err)
	assert.Equal(t, 3, n, "in-flight messages still count")

	require.NoError(t, b.Clear(ctx, "jobs"))
	n, err = b.Count(ctx, "jobs")
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestFailedDeadlineStampReleasesClaim(t *testing.T) {
	ctx := context.Background()
	b := newBackend(t)

	id, err := b.Send(ctx, "jobs", []byte("x"), backend.SendOptions{})
	require.NoError(t, err)

	b.chtimes = func(string, time.Time, time.Time) error {
		return os.ErrPermission
	}
	got, err := b.Receive(ctx, "jobs", 1, time.Minute)
	require.NoError(t, err)
	assert.Empty(t, got, "an unstampable claim must not be delivered")

	// the claim went back, so a healthy receive still gets the message
	b.chtimes = os.Chtimes
	got, err = b.Receive(ctx, "jobs", 1, time.Minute)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, id, got[0].MessageID)
	assert.Equal(t, 1, got[0].Attempts)
}

func TestHalfWrittenFilesAreInvisible(t *testing.T) {
	ctx := context.Background()
	b := newBackend(t)
	require.NoError(t, b.ensure("jobs"))

	// simulate a writer that has not finished yet
	tmp := filepath.Join(b.queueDir("jobs"), ".partial.tmp")
	require.NoError(t, os.WriteFile(tmp, []byte("partial"), 0o644))

	got, err := b.Receive(ctx, "jobs", 10, time.Minute)
	require.NoError(t, err)
	assert.Empty(t, got)
}

package contracts

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestEnvelopeState(t *testing.T) {
	t.Run("fresh envelope is unsent", func(t *testing.T) {
		e := &Envelope{QueueName: "orders", Fields: map[string]any{"a": 1}}
		assert.Equal(t, StateUnsent, e.State())
	})

	t.Run("envelope with id only is at rest", func(t *testing.T) {
		e := &Envelope{MessageID: "m-1"}
		assert.Equal(t, StateAtRest, e.State())
	})

	t.Run("envelope with id and lock token is in flight", func(t *testing.T) {
		deadline := time.Now().Add(30 * time.Second)
		e := &Envelope{MessageID: "m-1", LockToken: "t-1", VisibilityDeadline: &deadline}
		assert.Equal(t, StateInFlight, e.State())
	})

	t.Run("state names", func(t *testing.T) {
		assert.Equal(t, "unsent", StateUnsent.String())
		assert.Equal(t, "at-rest", StateAtRest.String())
		assert.Equal(t, "in-flight", StateInFlight.String())
	})
}

func TestEnvelopeLockExpired(t *testing.T) {
	now := time.Now()

	t.Run("no deadline means not expired", func(t *testing.T) {
		e := &Envelope{MessageID: "m-1"}
		assert.False(t, e.LockExpired(now))
	})

	t.Run("future deadline is not expired", func(t *testing.T) {
		deadline := now.Add(time.Minute)
		e := &Envelope{MessageID: "m-1", LockToken: "t", VisibilityDeadline: &deadline}
		assert.False(t, e.LockExpired(now))
	})

	t.Run("past deadline is expired", func(t *testing.T) {
		deadline := now.Add(-time.Second)
		e := &Envelope{MessageID: "m-1", LockToken: "t", VisibilityDeadline: &deadline}
		assert.True(t, e.LockExpired(now))
	})
}

func TestEnvelopeFields(t *testing.T) {
	t.Run("SetField allocates the map", func(t *testing.T) {
		e := &Envelope{}
		e.SetField("a", 1)
		v, ok := e.Field("a")
		assert.True(t, ok)
		assert.Equal(t, 1, v)
	})

	t.Run("missing field reports absent", func(t *testing.T) {
		e := &Envelope{Fields: map[string]any{"a": 1}}
		_, ok := e.Field("b")
		assert.False(t, ok)
	})
}

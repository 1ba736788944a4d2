package backend

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/parcelmq/parcel-go/config"
	"github.com/parcelmq/parcel-go/contracts"
)

type fakeBackend struct{}

func (fakeBackend) Send(ctx context.Context, queue string, body []byte, opts SendOptions) (string, error) {
	return "id", nil
}
func (fakeBackend) Receive(ctx context.Context, queue string, max int, lock time.Duration) ([]Delivery, error) {
	return nil, nil
}
func (fakeBackend) ExtendLock(ctx context.Context, queue, messageID, lockToken string, extra time.Duration) error {
	return nil
}
func (fakeBackend) Ack(ctx context.Context, queue, messageID, lockToken string) error     { return nil }
func (fakeBackend) Release(ctx context.Context, queue, messageID, lockToken string, delay time.Duration) error {
	return nil
}
func (fakeBackend) Count(ctx context.Context, queue string) (int, error) { return 0, nil }
func (fakeBackend) Clear(ctx context.Context, queue string) error        { return nil }
func (fakeBackend) Close() error                                         { return nil }

func TestRegistry(t *testing.T) {
	t.Run("open routes to the registered factory", func(t *testing.T) {
		Register("faketest", func(conn *config.Conn) (Interface, error) {
			return fakeBackend{}, nil
		})

		conn, err := config.ParseDSN("faketest://localhost")
		require.NoError(t, err)

		b, err := Open(conn)
		require.NoError(t, err)
		assert.NotNil(t, b)
		assert.Contains(t, Schemes(), "faketest")
	})

	t.Run("unknown scheme fails with a config error", func(t *testing.T) {
		conn, err := config.ParseDSN("nosuch://localhost")
		require.NoError(t, err)

		_, err = Open(conn)
		var ce *contracts.ConfigError
		require.ErrorAs(t, err, &ce)
	})

	t.Run("duplicate registration panics", func(t *testing.T) {
		Register("faketest-dup", func(conn *config.Conn) (Interface, error) {
			return fakeBackend{}, nil
		})
		assert.Panics(t, func() {
			Register("faketest-dup", func(conn *config.Conn) (Interface, error) {
				return fakeBackend{}, nil
			})
		})
	})

	t.Run("nil factory panics", func(t *testing.T) {
		assert.Panics(t, func() {
			Register("faketest-nil", nil)
		})
	})
}

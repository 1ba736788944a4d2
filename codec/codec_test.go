package codec

import (
	"testing"

	"github.com/parcelmq/parcel-go/contracts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleFields() map[string]any {
	return map[string]any{
		"name":  "order-47",
		"count": int64(3),
		"rate":  1.25,
		"ok":    true,
		"note":  nil,
		"tags":  []any{"a", int64(2), false},
		"meta":  map[string]any{"nested": map[string]any{"x": int64(1)}},
	}
}

func TestRoundTrip(t *testing.T) {
	cases := []struct {
		name string
		opts []Option
	}{
		{"gob plaintext", nil},
		{"json plaintext", []Option{WithSerializer("json")}},
		{"gob encrypted", []Option{WithKey([]byte("secret material"))}},
		{"json encrypted", []Option{WithSerializer("json"), WithKey([]byte("secret material"))}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			c, err := New(tc.opts...)
			require.NoError(t, err)

			payload, err := c.Encode(sampleFields())
			require.NoError(t, err)
			assert.Equal(t, Version, payload[0])

			got, err := c.Decode(payload)
			require.NoError(t, err)
			assert.Equal(t, sampleFields(), got)
		})
	}
}

func TestIntWidthNormalization(t *testing.T) {
	c, err := New()
	require.NoError(t, err)

	payload, err := c.Encode(map[string]any{"small": 7, "wide": uint32(9)})
	require.NoError(t, err)

	got, err := c.Decode(payload)
	require.NoError(t, err)
	assert.Equal(t, int64(7), got["small"])
	assert.Equal(t, int64(9), got["wide"])
}

func TestWholeValuedFloats(t *testing.T) {
	for _, serializer := range []string{"gob", "json"} {
		t.Run(serializer, func(t *testing.T) {
			c, err := New(WithSerializer(serializer))
			require.NoError(t, err)

			payload, err := c.Encode(map[string]any{
				"rate":   float64(2),
				"count":  int64(2),
				"nested": map[string]any{"scores": []any{float64(10), int64(10)}},
			})
			require.NoError(t, err)

			got, err := c.Decode(payload)
			require.NoError(t, err)
			assert.Equal(t, float64(2), got["rate"])
			assert.Equal(t, int64(2), got["count"])
			scores := got["nested"].(map[string]any)["scores"].([]any)
			assert.Equal(t, float64(10), scores[0])
			assert.Equal(t, int64(10), scores[1])
		})
	}
}

func TestEncryption(t *testing.T) {
	t.Run("ciphertext does not contain plaintext", func(t *testing.T) {
		c, err := New(WithSerializer("json"), WithKey([]byte("k")))
		require.NoError(t, err)
		payload, err := c.Encode(map[string]any{"secret": "swordfish"})
		require.NoError(t, err)
		assert.NotContains(t, string(payload), "swordfish")
	})

	t.Run("wrong key fails with CodecError", func(t *testing.T) {
		enc, err := New(WithKey([]byte("right key")))
		require.NoError(t, err)
		payload, err := enc.Encode(map[string]any{"a": int64(1)})
		require.NoError(t, err)

		dec, err := New(WithKey([]byte("wrong key")))
		require.NoError(t, err)
		_, err = dec.Decode(payload)
		assert.True(t, contracts.IsCodec(err))
	})

	t.Run("encrypted payload without key fails", func(t *testing.T) {
		enc, err := New(WithKey([]byte("key")))
		require.NoError(t, err)
		payload, err := enc.Encode(map[string]any{"a": int64(1)})
		require.NoError(t, err)

		plain, err := New()
		require.NoError(t, err)
		_, err = plain.Decode(payload)
		assert.True(t, contracts.IsCodec(err))
	})

	t.Run("managed key performs no local crypto", func(t *testing.T) {
		c, err := New(WithSerializer("json"), WithManagedKey("alias/queue"))
		require.NoError(t, err)
		assert.Equal(t, EncryptionManaged, c.Mode())
		assert.Equal(t, "alias/queue", c.ManagedKeyID())

		payload, err := c.Encode(map[string]any{"visible": "yes"})
		require.NoError(t, err)
		assert.Contains(t, string(payload), "visible")

		got, err := c.Decode(payload)
		require.NoError(t, err)
		assert.Equal(t, "yes", got["visible"])
	})

	t.Run("key and managed key are mutually exclusive", func(t *testing.T) {
		_, err := New(WithKey([]byte("k")), WithManagedKey("alias/x"))
		assert.True(t, contracts.IsConfig(err))
	})
}

func TestDecodeFailures(t *testing.T) {
	c, err := New()
	require.NoError(t, err)

	t.Run("truncated payload", func(t *testing.T) {
		_, err := c.Decode([]byte{Version})
		assert.True(t, contracts.IsCodec(err))
	})

	t.Run("unknown version", func(t *testing.T) {
		_, err := c.Decode([]byte{99, 0, 1, 2, 3})
		assert.True(t, contracts.IsCodec(err))
	})

	t.Run("corrupted body", func(t *testing.T) {
		_, err := c.Decode([]byte{Version, 0, 0xde, 0xad})
		assert.True(t, contracts.IsCodec(err))
	})

	t.Run("unknown serializer id", func(t *testing.T) {
		_, err := c.Decode([]byte{Version, 0x0f, 1, 2})
		assert.True(t, contracts.IsCodec(err))
	})
}

func TestUnknownSerializer(t *testing.T) {
	_, err := New(WithSerializer("pickle"))
	assert.True(t, contracts.IsConfig(err))
}

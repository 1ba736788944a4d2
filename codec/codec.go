// Package codec converts an envelope's field map to and from the opaque byte
// payload a backend stores. The payload is a two byte header (format version
// and a flags byte identifying the serializer and encryption mode) followed
// by the serialized, optionally AES-256-GCM encrypted body. Backend storage
// never observes plaintext when a local key is configured.
package codec

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/parcelmq/parcel-go/contracts"
)

// Version is the payload format version written into every header.
const Version byte = 1

// EncryptionMode records who is responsible for encrypting the payload.
type EncryptionMode byte

const (
	// EncryptionNone stores the serialized bytes as-is.
	EncryptionNone EncryptionMode = 0

	// EncryptionLocal encrypts the serialized bytes with a locally
	// configured symmetric key before handoff to the backend.
	EncryptionLocal EncryptionMode = 1

	// EncryptionManaged delegates encryption to the backend's key service.
	// The codec performs no cryptographic operation in this mode.
	EncryptionManaged EncryptionMode = 2
)

// serializer flag values in the header, low nibble of the flags byte.
const (
	serializerGob  byte = 0
	serializerJSON byte = 1
)

// Codec encodes and decodes envelope fields. The zero configuration (gob,
// no encryption) is valid; use New with options to change it.
type Codec struct {
	ser          serializer
	serID        byte
	mode         EncryptionMode
	aead         cipher.AEAD
	managedKeyID string
}

// Option configures a Codec.
type Option func(*Codec) error

// WithSerializer selects the payload serializer, "gob" (default, binary) or
// "json" (text based).
func WithSerializer(name string) Option {
	return func(c *Codec) error {
		switch strings.ToLower(name) {
		case "", "gob":
			c.ser, c.serID = gobSerializer{}, serializerGob
		case "json":
			c.ser, c.serID = jsonSerializer{}, serializerJSON
		default:
			return &contracts.ConfigError{Reason: fmt.Sprintf("unknown serializer %q", name)}
		}
		return nil
	}
}

// WithKey enables local symmetric encryption. The key material may be any
// length; the actual cipher key is its SHA-256 digest.
func WithKey(material []byte) Option {
	return func(c *Codec) error {
		if len(material) == 0 {
			return &contracts.ConfigError{Reason: "empty encryption key"}
		}
		sum := sha256.Sum256(material)
		block, err := aes.NewCipher(sum[:])
		if err != nil {
			return &contracts.ConfigError{Reason: "building cipher", Err: err}
		}
		aead, err := cipher.NewGCM(block)
		if err != nil {
			return &contracts.ConfigError{Reason: "building GCM", Err: err}
		}
		c.aead = aead
		c.mode = EncryptionLocal
		return nil
	}
}

// WithKeyFile reads key material from a file and enables local encryption.
func WithKeyFile(path string) Option {
	return func(c *Codec) error {
		material, err := os.ReadFile(path)
		if err != nil {
			return &contracts.ConfigError{Reason: fmt.Sprintf("reading key file %q", path), Err: err}
		}
		return WithKey([]byte(strings.TrimSpace(string(material))))(c)
	}
}

// WithManagedKey delegates encryption to the backend's key service. The id
// is recorded for the backend driver to use; the codec itself stays
// plaintext. Mutually exclusive with WithKey.
func WithManagedKey(id string) Option {
	return func(c *Codec) error {
		if id == "" {
			return &contracts.ConfigError{Reason: "empty managed key id"}
		}
		c.managedKeyID = id
		c.mode = EncryptionManaged
		return nil
	}
}

// New builds a Codec. With no options it serializes with gob and does not
// encrypt.
func New(options ...Option) (*Codec, error) {
	c := &Codec{ser: gobSerializer{}, serID: serializerGob, mode: EncryptionNone}
	for _, opt := range options {
		if err := opt(c); err != nil {
			return nil, err
		}
	}
	if c.aead != nil && c.managedKeyID != "" {
		return nil, &contracts.ConfigError{Reason: "key and managed_key_id are mutually exclusive"}
	}
	return c, nil
}

// ManagedKeyID returns the backend key service identifier, or "" when
// encryption is local or disabled.
func (c *Codec) ManagedKeyID() string { return c.managedKeyID }

// Mode returns the configured encryption mode.
func (c *Codec) Mode() EncryptionMode { return c.mode }

// Encode serializes and, when a local key is configured, encrypts the field
// map into a payload ready for backend storage.
func (c *Codec) Encode(fields map[string]any) ([]byte, error) {
	body, err := c.ser.Marshal(fields)
	if err != nil {
		return nil, &contracts.CodecError{Reason: "serializing fields", Err: err}
	}
	if c.mode == EncryptionLocal {
		nonce := make([]byte, c.aead.NonceSize())
		if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
			return nil, &contracts.CodecError{Reason: "generating nonce", Err: err}
		}
		body = c.aead.Seal(nonce, nonce, body, nil)
	}
	payload := make([]byte, 0, 2+len(body))
	payload = append(payload, Version, byte(c.mode)<<4|c.serID)
	return append(payload, body...), nil
}

// Decode reverses Encode. Any failure (truncated payload, unknown version,
// wrong key, serializer mismatch) is reported as a *contracts.CodecError.
func (c *Codec) Decode(payload []byte) (map[string]any, error) {
	if len(payload) < 2 {
		return nil, &contracts.CodecError{Reason: "payload too short"}
	}
	if payload[0] != Version {
		return nil, &contracts.CodecError{Reason: fmt.Sprintf("unknown format version %d", payload[0])}
	}
	mode := EncryptionMode(payload[1] >> 4)
	serID := payload[1] & 0x0f
	body := payload[2:]

	if mode == EncryptionLocal {
		if c.aead == nil {
			return nil, &contracts.CodecError{Reason: "payload is encrypted but no key is configured"}
		}
		ns := c.aead.NonceSize()
		if len(body) < ns {
			return nil, &contracts.CodecError{Reason: "truncated ciphertext"}
		}
		plain, err := c.aead.Open(nil, body[:ns], body[ns:], nil)
		if err != nil {
			return nil, &contracts.CodecError{Reason: "decrypting payload", Err: err}
		}
		body = plain
	}

	var ser serializer
	switch serID {
	case serializerGob:
		ser = gobSerializer{}
	case serializerJSON:
		ser = jsonSerializer{}
	default:
		return nil, &contracts.CodecError{Reason: fmt.Sprintf("unknown serializer id %d", serID)}
	}

	fields, err := ser.Unmarshal(body)
	if err != nil {
		return nil, &contracts.CodecError{Reason: "deserializing fields", Err: err}
	}
	return fields, nil
}

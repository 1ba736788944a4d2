package contracts

import (
	"errors"
	"fmt"
)

// ConfigError reports a bad DSN, an unknown scheme, or missing required
// options. It is never retried and is fatal at startup.
type ConfigError struct {
	DSN    string
	Reason string
	Err    error
}

func (e *ConfigError) Error() string {
	if e.DSN != "" {
		return fmt.Sprintf("configuration error for %q: %s", e.DSN, e.Reason)
	}
	return fmt.Sprintf("configuration error: %s", e.Reason)
}

func (e *ConfigError) Unwrap() error { return e.Err }

// ValidationError reports a message field that does not satisfy the declared
// schema. It is surfaced to the sender and never retried.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed for field %q: %s", e.Field, e.Reason)
}

// SendError reports that a backend rejected an enqueue. The caller may retry.
type SendError struct {
	Queue string
	Err   error
}

func (e *SendError) Error() string {
	return fmt.Sprintf("send to %q failed: %v", e.Queue, e.Err)
}

func (e *SendError) Unwrap() error { return e.Err }

// CodecError reports a payload that could not be decoded: wrong key,
// corruption, or an unknown format version. The consumption loop treats it
// as a processing failure, never as a loop crash.
type CodecError struct {
	Reason string
	Err    error
}

func (e *CodecError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("codec: %s: %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("codec: %s", e.Reason)
}

func (e *CodecError) Unwrap() error { return e.Err }

// LockExpiredError reports a stale lock token on acknowledge, release, or
// extend. The attempt is lost and the message will be redelivered.
type LockExpiredError struct {
	Queue     string
	MessageID string
}

func (e *LockExpiredError) Error() string {
	return fmt.Sprintf("lock expired for message %s on %q", e.MessageID, e.Queue)
}

// StateError reports an operation invalid for the envelope's current
// lifecycle state. This is a programmer error and is surfaced immediately.
type StateError struct {
	Op    string
	State EnvelopeState
}

func (e *StateError) Error() string {
	return fmt.Sprintf("cannot %s a message in state %s", e.Op, e.State)
}

// IsLockExpired reports whether err is, or wraps, a LockExpiredError.
func IsLockExpired(err error) bool {
	var le *LockExpiredError
	return errors.As(err, &le)
}

// IsConfig reports whether err is, or wraps, a ConfigError.
func IsConfig(err error) bool {
	var ce *ConfigError
	return errors.As(err, &ce)
}

// IsValidation reports whether err is, or wraps, a ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// IsCodec reports whether err is, or wraps, a CodecError.
func IsCodec(err error) bool {
	var ce *CodecError
	return errors.As(err, &ce)
}

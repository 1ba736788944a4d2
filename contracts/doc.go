// Package contracts provides the core types shared by every part of parcel:
//
//   - Envelope: the typed container moved through a queue, with its
//     three-state lifecycle (unsent, in-flight, at-rest)
//   - Schema / Field: the declared field set validated at send time
//   - the error taxonomy (ConfigError, ValidationError, SendError,
//     CodecError, LockExpiredError, StateError)
//
// Backend drivers and the consumption loop depend on these types only,
// never on each other.
package contracts

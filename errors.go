package pubsub

import "errors"

// Protocol and lifecycle errors. Names mirror the error codes in the wire
// contract: ERR_NOT_STARTED_YET, ERR_NOT_VALID_TOPIC, ERR_NOT_IMPLEMENTED,
// ERR_MISSING_SIGNATURE, ERR_INVALID_SIGNATURE, ERR_INVALID_CONFIG.
var (
	// ErrNotStarted is returned by operations that require a running Router.
	ErrNotStarted = errors.New("pubsub: router not started")

	// ErrInvalidTopic is returned when a topic argument is empty.
	ErrInvalidTopic = errors.New("pubsub: invalid topic")

	// ErrNotImplemented is returned by UnimplementedRoutingPolicy's Publish,
	// Subscribe, and Unsubscribe when a concrete policy has not overridden
	// them.
	ErrNotImplemented = errors.New("pubsub: not implemented")

	// ErrMissingSignature is returned by Validate when strict signing is on
	// and the message carries no signature.
	ErrMissingSignature = errors.New("pubsub: missing signature")

	// ErrInvalidSignature is returned by Validate when a present signature
	// fails to verify.
	ErrInvalidSignature = errors.New("pubsub: invalid signature")

	// ErrInvalidConfig is returned by NewRouter when a required Config field
	// is missing or malformed.
	ErrInvalidConfig = errors.New("pubsub: invalid router config")

	// ErrMalformedFrame is returned by the frame codec on truncated length,
	// truncated payload, or a payload exceeding the configured ceiling.
	ErrMalformedFrame = errors.New("pubsub: malformed frame")

	// ErrKeyMismatch is returned when a message's embedded public key does
	// not match the peer ID it claims to be from.
	ErrKeyMismatch = errors.New("pubsub: message key does not match from field")

	// ErrNoKey is returned when a message's sender public key can neither be
	// recovered from its peer ID nor found in the Key field.
	ErrNoKey = errors.New("pubsub: no public key available for message")

	// ErrNotWritable is returned by PeerStream.Write when no outbound stream
	// is currently attached.
	ErrNotWritable = errors.New("pubsub: peer stream is not writable")
)

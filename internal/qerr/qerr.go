// Package qerr defines jetstream's stable error taxonomy: the small set
// of typed errors and close reason codes that are meaningful across
// language bindings, independent of the Go error values used internally.
package qerr

import "fmt"

// CloseReason is the wire-level reason code carried in a Close frame.
type CloseReason uint8

const (
	ReasonNormal CloseReason = iota
	ReasonGoingAway
	ReasonProtocolError
	ReasonTimeout
	ReasonRateLimitExceeded
	ReasonInternalError
	ReasonHandshakeFailed
	ReasonMigrationFailed
)

func (r CloseReason) String() string {
	switch r {
	case ReasonNormal:
		return "normal"
	case ReasonGoingAway:
		return "going_away"
	case ReasonProtocolError:
		return "protocol_error"
	case ReasonTimeout:
		return "timeout"
	case ReasonRateLimitExceeded:
		return "rate_limit_exceeded"
	case ReasonInternalError:
		return "internal_error"
	case ReasonHandshakeFailed:
		return "handshake_failed"
	case ReasonMigrationFailed:
		return "migration_failed"
	default:
		return fmt.Sprintf("reason(%d)", uint8(r))
	}
}

// category groups errors for the propagation policy of §7: protocol and
// crypto errors are dropped per-packet, flow/policy errors surface on the
// call that triggered them, lifecycle errors close the connection.
type category uint8

const (
	categoryTransport category = iota
	categoryProtocol
	categoryCrypto
	categoryFlow
	categoryPolicy
	categoryLifecycle
	categoryInternal
)

// Error is the common shape of every typed jetstream error.
type Error struct {
	cat     category
	Code    string
	Message string
}

func (e *Error) Error() string {
	if e.Message == "" {
		return e.Code
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Is makes errors.Is(err, qerr.X) work against the sentinel values below,
// matching on Code alone so wrapped instances still compare equal.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

func newErr(cat category, code string) *Error { return &Error{cat: cat, Code: code} }

// WithMessage returns a copy of the sentinel carrying a detail message.
func (e *Error) WithMessage(msg string) *Error {
	cp := *e
	cp.Message = msg
	return &cp
}

// IsDropOnly reports whether errors of this category are handled by
// silently dropping the offending packet and incrementing a counter,
// rather than failing an application call or closing the connection.
func (e *Error) IsDropOnly() bool {
	return e.cat == categoryProtocol || e.cat == categoryCrypto
}

// IsFatal reports whether this error terminates the connection.
func (e *Error) IsFatal() bool {
	return e.cat == categoryLifecycle || e.cat == categoryInternal
}

var (
	// Transport
	ErrSocketUnreachable = newErr(categoryTransport, "socket_unreachable")
	ErrInvalidAddress    = newErr(categoryTransport, "invalid_address")
	ErrMigrationFailed   = newErr(categoryTransport, "migration_failed")

	// Protocol
	ErrMalformedFrame   = newErr(categoryProtocol, "malformed_frame")
	ErrUnknownFrameType = newErr(categoryProtocol, "unknown_frame_type")
	ErrVersionMismatch  = newErr(categoryProtocol, "version_mismatch")
	ErrHandshakeFailed  = newErr(categoryProtocol, "handshake_failed")

	// Crypto
	ErrAuthTagInvalid  = newErr(categoryCrypto, "auth_tag_invalid")
	ErrReplayedPacket  = newErr(categoryCrypto, "replayed_packet")
	ErrTimestampSkewed = newErr(categoryCrypto, "timestamp_skewed")
	ErrDecryptionError = newErr(categoryCrypto, "decryption_error")

	// Flow
	ErrWindowExhausted = newErr(categoryFlow, "window_exhausted")
	ErrTooManyStreams  = newErr(categoryFlow, "too_many_streams")
	ErrStreamClosed    = newErr(categoryFlow, "stream_closed")

	// Policy
	ErrRateLimitExceeded = newErr(categoryPolicy, "rate_limit_exceeded")

	// Lifecycle
	ErrTimeout         = newErr(categoryLifecycle, "timeout")
	ErrCancelledByApp  = newErr(categoryLifecycle, "cancelled_by_app")

	// Internal
	ErrInternalError = newErr(categoryInternal, "internal_error")
)

// PeerClosedError reports a graceful or abnormal close initiated by the
// remote endpoint, carrying the reason it announced.
type PeerClosedError struct {
	Reason  CloseReason
	Message string
}

func (e *PeerClosedError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("peer closed: %s", e.Reason)
	}
	return fmt.Sprintf("peer closed: %s: %s", e.Reason, e.Message)
}

// StreamError reports a fatal, stream-scoped condition (e.g. exceeding
// max_retransmits) delivered to the application as the stream closes.
type StreamError struct {
	Code    string
	Message string
}

func (e *StreamError) Error() string {
	return fmt.Sprintf("stream error %s: %s", e.Code, e.Message)
}

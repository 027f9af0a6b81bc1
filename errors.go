package jetstream

import (
	"github.com/jetstreamproto/jsp/internal/qerr"
	"github.com/jetstreamproto/jsp/internal/utils"
)

// Logger is the logging interface a Config may supply. See
// internal/utils for the default implementation.
type Logger = utils.Logger

// NopLogger discards everything; it is the default when Config.Logger is unset.
type NopLogger struct{}

func (NopLogger) Debugf(string, ...interface{}) {}
func (NopLogger) Infof(string, ...interface{})  {}
func (NopLogger) Errorf(string, ...interface{}) {}

// The stable error taxonomy (§7), re-exported from internal/qerr at
// the package root so callers never import an internal package.
type (
	CloseReason    = qerr.CloseReason
	StreamError    = qerr.StreamError
	PeerClosedError = qerr.PeerClosedError
)

const (
	ReasonNormal            = qerr.ReasonNormal
	ReasonGoingAway         = qerr.ReasonGoingAway
	ReasonProtocolError     = qerr.ReasonProtocolError
	ReasonTimeout           = qerr.ReasonTimeout
	ReasonRateLimitExceeded = qerr.ReasonRateLimitExceeded
	ReasonInternalError     = qerr.ReasonInternalError
	ReasonHandshakeFailed   = qerr.ReasonHandshakeFailed
	ReasonMigrationFailed   = qerr.ReasonMigrationFailed
)

var (
	ErrSocketUnreachable = qerr.ErrSocketUnreachable
	ErrInvalidAddress    = qerr.ErrInvalidAddress
	ErrMigrationFailed   = qerr.ErrMigrationFailed
	ErrMalformedFrame    = qerr.ErrMalformedFrame
	ErrUnknownFrameType  = qerr.ErrUnknownFrameType
	ErrVersionMismatch   = qerr.ErrVersionMismatch
	ErrHandshakeFailed   = qerr.ErrHandshakeFailed
	ErrAuthTagInvalid    = qerr.ErrAuthTagInvalid
	ErrReplayedPacket    = qerr.ErrReplayedPacket
	ErrTimestampSkewed   = qerr.ErrTimestampSkewed
	ErrDecryptionError   = qerr.ErrDecryptionError
	ErrWindowExhausted   = qerr.ErrWindowExhausted
	ErrTooManyStreams    = qerr.ErrTooManyStreams
	ErrStreamClosed      = qerr.ErrStreamClosed
	ErrRateLimitExceeded = qerr.ErrRateLimitExceeded
	ErrTimeout           = qerr.ErrTimeout
	ErrCancelledByApp    = qerr.ErrCancelledByApp
	ErrInternalError     = qerr.ErrInternalError
)

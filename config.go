package jetstream

import (
	"time"

	"github.com/jetstreamproto/jsp/internal/protocol"
)

// Config bundles every tunable in the protocol's configuration table
// (§6). A zero-value Config is usable: populateConfig fills in the
// documented defaults.
type Config struct {
	// HeartbeatInterval is the ping cadence once the connection has been
	// idle for this long (default 5s).
	HeartbeatInterval time.Duration
	// HeartbeatTimeoutCount is the number of consecutive missed pongs
	// before the connection closes with Timeout (default 3).
	HeartbeatTimeoutCount int
	// SessionTimeout is the idle-close threshold (default 30s).
	SessionTimeout time.Duration
	// MaxStreams caps concurrently open streams per connection (default 100).
	MaxStreams int
	// MaxPacketSize is the MTU used for frame coalescing (default 1400).
	MaxPacketSize protocol.ByteCount
	// RateLimitMessagesPerSecond is the per-connection message bucket rate.
	RateLimitMessagesPerSecond float64
	// RateLimitBytesPerSecond is the per-connection byte bucket rate.
	RateLimitBytesPerSecond float64
	// RateLimitGlobalMessagesPerSecond and RateLimitGlobalBytesPerSecond
	// size the bucket pair a Listener shares across all of its
	// connections; both the global and the per-connection pair must
	// admit a send. Unset on a Dial-side Config, only the
	// per-connection pair applies.
	RateLimitGlobalMessagesPerSecond float64
	RateLimitGlobalBytesPerSecond    float64
	// FECEnabled turns on Reed-Solomon(FECGroupSize, FECParity) repair groups.
	FECEnabled bool
	FECGroupSize int
	FECParity    int
	// TicketLifetime is how long an issued resumption ticket is valid.
	TicketLifetime time.Duration
	// MaxRetransmits caps per-packet retransmit attempts before a
	// stream-level fatal error (default 10).
	MaxRetransmits int
	// ReplayWindow is the width, in bits, of the anti-replay bitmap.
	ReplayWindow uint64
	// TimestampSkew is the accepted clock skew window (default ±60s).
	TimestampSkew time.Duration
	// HandshakeTimeout bounds how long a handshake may take (default 10s).
	HandshakeTimeout time.Duration
	// PathValidationTimeout bounds how long a PathChallenge may go
	// unanswered before the candidate address is discarded (default 3s).
	PathValidationTimeout time.Duration
	// DelayedAckMax caps the delayed-ACK timer (default 25ms, also
	// bounded by RTT/4 at runtime).
	DelayedAckMax time.Duration
	// MaxDeferMs is the Reliable-frame rate-limit backoff ceiling before
	// RateLimitExceeded surfaces (default 200ms).
	MaxDeferMs time.Duration
	// MemoryBudget is the per-connection buffer+state budget (default 2MiB).
	MemoryBudget protocol.ByteCount

	// Resume presents a previously issued session ticket for 0-RTT
	// resumption (§4.6 "Resumption"). Nil performs a full handshake.
	Resume *ResumptionTicket

	Logger Logger
}

// ResumptionTicket is what a client retains from a prior session to
// attempt 0-RTT resumption on a later Dial. Counter must be strictly
// greater than every value previously sent for this TicketID — callers
// resuming the same ticket more than once must persist and increment it
// themselves (e.g. across process restarts).
type ResumptionTicket struct {
	TicketID [32]byte
	Blob     []byte
	Secret   [32]byte
	Counter  uint64
	// EarlyData is sent encrypted under Secret and, if the server admits
	// the ticket's freshness counter, available via Connection.EarlyData
	// on the resulting server-side Connection.
	EarlyData []byte
}

// DefaultConfig returns a Config populated with every documented
// protocol default (§6).
func DefaultConfig() *Config {
	cfg := &Config{}
	populateConfig(cfg)
	return cfg
}

func populateConfig(cfg *Config) {
	if cfg.HeartbeatInterval == 0 {
		cfg.HeartbeatInterval = 5 * time.Second
	}
	if cfg.HeartbeatTimeoutCount == 0 {
		cfg.HeartbeatTimeoutCount = 3
	}
	if cfg.SessionTimeout == 0 {
		cfg.SessionTimeout = 30 * time.Second
	}
	if cfg.MaxStreams == 0 {
		cfg.MaxStreams = 100
	}
	if cfg.MaxPacketSize == 0 {
		cfg.MaxPacketSize = 1400
	}
	if cfg.RateLimitMessagesPerSecond == 0 {
		cfg.RateLimitMessagesPerSecond = 100
	}
	if cfg.RateLimitBytesPerSecond == 0 {
		cfg.RateLimitBytesPerSecond = 1048576
	}
	if cfg.RateLimitGlobalMessagesPerSecond == 0 {
		cfg.RateLimitGlobalMessagesPerSecond = 1000
	}
	if cfg.RateLimitGlobalBytesPerSecond == 0 {
		cfg.RateLimitGlobalBytesPerSecond = 8 * 1048576
	}
	if cfg.FECGroupSize == 0 {
		cfg.FECGroupSize = 10
	}
	if cfg.FECParity == 0 {
		cfg.FECParity = 2
	}
	if cfg.TicketLifetime == 0 {
		cfg.TicketLifetime = 3600 * time.Second
	}
	if cfg.MaxRetransmits == 0 {
		cfg.MaxRetransmits = 10
	}
	if cfg.ReplayWindow == 0 {
		cfg.ReplayWindow = 4096
	}
	if cfg.TimestampSkew == 0 {
		cfg.TimestampSkew = 60 * time.Second
	}
	if cfg.HandshakeTimeout == 0 {
		cfg.HandshakeTimeout = 10 * time.Second
	}
	if cfg.PathValidationTimeout == 0 {
		cfg.PathValidationTimeout = 3 * time.Second
	}
	if cfg.DelayedAckMax == 0 {
		cfg.DelayedAckMax = 25 * time.Millisecond
	}
	if cfg.MaxDeferMs == 0 {
		cfg.MaxDeferMs = 200 * time.Millisecond
	}
	if cfg.MemoryBudget == 0 {
		cfg.MemoryBudget = 2 * 1024 * 1024
	}
	if cfg.Logger == nil {
		cfg.Logger = NopLogger{}
	}
}

func (cfg *Config) clone() *Config {
	cp := *cfg
	return &cp
}

// Package ratelimit implements the per-connection and global token-bucket
// admission control of §4.7 on top of golang.org/x/time/rate.
package ratelimit

import (
	"time"

	"golang.org/x/time/rate"
)

// Limiter pairs a messages/sec and a bytes/sec token bucket, matching
// the two config options rate_limit_messages_per_s and
// rate_limit_bytes_per_s.
type Limiter struct {
	messages *rate.Limiter
	bytes    *rate.Limiter
}

// New builds a limiter. burst sizing follows rate.NewLimiter's usual
// rule of thumb: allow one second's worth of burst.
func New(messagesPerSec, bytesPerSec float64) *Limiter {
	return &Limiter{
		messages: rate.NewLimiter(rate.Limit(messagesPerSec), max1(int(messagesPerSec))),
		bytes:    rate.NewLimiter(rate.Limit(bytesPerSec), max1(int(bytesPerSec))),
	}
}

func max1(n int) int {
	if n < 1 {
		return 1
	}
	return n
}

// Admit reports whether one message of size bytes may be sent right
// now, consuming tokens from both buckets if so.
func (l *Limiter) Admit(size int) bool {
	if !l.messages.Allow() {
		return false
	}
	if !l.bytes.AllowN(time.Now(), size) {
		return false
	}
	return true
}

// ReserveDelay returns how long the caller must wait before Admit would
// succeed, used to implement the Reliable frame's bounded backoff
// (max_defer_ms) from §4.7.
func (l *Limiter) ReserveDelay(size int) time.Duration {
	now := time.Now()
	rm := l.messages.ReserveN(now, 1)
	rb := l.bytes.ReserveN(now, size)
	delay := rm.DelayFrom(now)
	if d := rb.DelayFrom(now); d > delay {
		delay = d
	}
	// Both reservations are cancelled: this call only probes, it does
	// not commit tokens — Admit is the single source of truth for spend.
	// Cancelling at the reservation instant returns their tokens.
	rm.CancelAt(now)
	rb.CancelAt(now)
	return delay
}

// Tiered bundles a per-connection Limiter with the shared global one
// (§4.7 "A third pair at a global (all-connections) scope"). Admission
// requires both to allow the send.
type Tiered struct {
	Connection *Limiter
	Global     *Limiter
}

func (t *Tiered) Admit(size int) bool {
	if t.Global != nil && !t.Global.Admit(size) {
		return false
	}
	return t.Connection.Admit(size)
}

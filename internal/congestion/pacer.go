package congestion

import (
	"time"

	"github.com/jetstreamproto/jsp/internal/protocol"
)

const maxBurstPackets = 10

// Pacer implements the token-bucket pacing hint consumed by the
// connection driver (C8) when scheduling outbound datagrams.
type Pacer struct {
	budgetAtLastSent protocol.ByteCount
	lastSentTime     time.Time
	bandwidth        func() uint64 // bytes/s
}

// NewPacer builds a pacer estimating bandwidth via bandwidth.
func NewPacer(bandwidth func() uint64) *Pacer {
	p := &Pacer{bandwidth: bandwidth}
	p.budgetAtLastSent = p.maxBurstSize()
	return p
}

func (p *Pacer) maxBurstSize() protocol.ByteCount {
	return maxBurstPackets * protocol.DefaultMSS
}

// OnPacketSent debits the token bucket by size.
func (p *Pacer) OnPacketSent(sentTime time.Time, size protocol.ByteCount) {
	budget := p.Budget(sentTime)
	if size > budget {
		p.budgetAtLastSent = 0
	} else {
		p.budgetAtLastSent = budget - size
	}
	p.lastSentTime = sentTime
}

// Budget returns how many bytes may be sent right now without violating
// the pacing rate.
func (p *Pacer) Budget(now time.Time) protocol.ByteCount {
	if p.lastSentTime.IsZero() {
		return p.maxBurstSize()
	}
	elapsed := now.Sub(p.lastSentTime)
	grown := p.budgetAtLastSent + protocol.ByteCount(uint64(elapsed.Nanoseconds())*p.bandwidth()/1e9)
	if max := p.maxBurstSize(); grown > max {
		return max
	}
	return grown
}

// TimeUntilSend returns the zero time if a full MSS may be sent
// immediately, or the deadline at which it becomes sendable.
func (p *Pacer) TimeUntilSend() time.Time {
	if p.budgetAtLastSent >= protocol.DefaultMSS {
		return time.Time{}
	}
	bw := p.bandwidth()
	if bw == 0 {
		return time.Time{}
	}
	need := protocol.DefaultMSS - p.budgetAtLastSent
	delay := time.Duration(uint64(need) * 1e9 / bw)
	return p.lastSentTime.Add(delay)
}

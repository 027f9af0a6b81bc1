package congestion

import (
	"time"

	"github.com/jetstreamproto/jsp/internal/protocol"
)

// State is one of the three NewReno states from §4.5.
type State uint8

const (
	SlowStart State = iota
	CongestionAvoidance
	Recovery
)

func (s State) String() string {
	switch s {
	case SlowStart:
		return "slow_start"
	case CongestionAvoidance:
		return "congestion_avoidance"
	case Recovery:
		return "recovery"
	default:
		return "unknown"
	}
}

// Controller implements NewReno congestion control (§4.5).
type Controller struct {
	mss       protocol.ByteCount
	cwnd      protocol.ByteCount
	ssthresh  protocol.ByteCount
	state     State
	rttStats  *RTTStats
	pacer     *Pacer

	largestSentAtLastCutback protocol.PacketNumber
	largestAcked             protocol.PacketNumber
}

// NewController builds a controller with the initial window and
// infinite ssthresh mandated by §4.5.
func NewController(mss protocol.ByteCount, rttStats *RTTStats) *Controller {
	if mss == 0 {
		mss = protocol.DefaultMSS
	}
	c := &Controller{
		mss:      mss,
		cwnd:     protocol.DefaultInitialWindowPkt * mss,
		ssthresh: 1 << 62, // practical stand-in for infinity
		state:    SlowStart,
		rttStats: rttStats,
	}
	c.pacer = NewPacer(c.bandwidthEstimate)
	return c
}

func (c *Controller) State() State                { return c.state }
func (c *Controller) CongestionWindow() protocol.ByteCount { return c.cwnd }
func (c *Controller) SlowStartThreshold() protocol.ByteCount { return c.ssthresh }

// CanSend implements §4.5's admission test.
func (c *Controller) CanSend(bytesInFlight, nextFrameSize, peerRecvWindow protocol.ByteCount) bool {
	limit := c.cwnd
	if peerRecvWindow < limit {
		limit = peerRecvWindow
	}
	return bytesInFlight+nextFrameSize <= limit
}

// OnPacketSent records a send for pacing purposes.
func (c *Controller) OnPacketSent(sentAt time.Time, size protocol.ByteCount) {
	c.pacer.OnPacketSent(sentAt, size)
}

// TimeUntilSend returns the pacing hint: when the next packet may leave.
func (c *Controller) TimeUntilSend() time.Time {
	return c.pacer.TimeUntilSend()
}

// OnAck applies an ACK of ackedBytes for the given packet number,
// updating cwnd per the SlowStart/CongestionAvoidance rules of §4.5.
func (c *Controller) OnAck(ackedPacket protocol.PacketNumber, ackedBytes protocol.ByteCount) {
	if ackedPacket > c.largestAcked {
		c.largestAcked = ackedPacket
	}
	if c.state == Recovery {
		if ackedPacket >= c.largestSentAtLastCutback {
			c.state = CongestionAvoidance
		}
		return
	}
	if c.state == SlowStart {
		inc := ackedBytes
		if inc > c.mss {
			inc = c.mss
		}
		c.cwnd += inc
		if c.cwnd >= c.ssthresh {
			c.state = CongestionAvoidance
		}
		return
	}
	// CongestionAvoidance: cwnd += MSS * (B / cwnd)
	if c.cwnd > 0 {
		c.cwnd += protocol.ByteCount(float64(c.mss) * float64(ackedBytes) / float64(c.cwnd))
	}
}

// OnTimeout applies a retransmission-timeout loss event.
func (c *Controller) OnTimeout(largestSent protocol.PacketNumber) {
	c.ssthresh = maxByteCount(c.cwnd/2, 2*c.mss)
	c.cwnd = c.mss
	c.state = SlowStart
	c.largestSentAtLastCutback = largestSent
}

// OnFastRetransmit applies a fast-retransmit loss event (§4.4/§4.5),
// entering Recovery instead of resetting to SlowStart.
func (c *Controller) OnFastRetransmit(largestSent protocol.PacketNumber) {
	c.ssthresh = maxByteCount(c.cwnd/2, 2*c.mss)
	c.cwnd = c.ssthresh
	c.state = Recovery
	c.largestSentAtLastCutback = largestSent
}

func (c *Controller) bandwidthEstimate() uint64 {
	rtt := c.rttStats.SmoothedRTT()
	if rtt <= 0 {
		return uint64(c.cwnd) * 8
	}
	return uint64(float64(c.cwnd) / rtt.Seconds())
}

func maxByteCount(a, b protocol.ByteCount) protocol.ByteCount {
	if a > b {
		return a
	}
	return b
}

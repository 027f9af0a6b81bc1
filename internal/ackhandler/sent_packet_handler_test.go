package ackhandler

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/jetstreamproto/jsp/internal/congestion"
	"github.com/jetstreamproto/jsp/internal/protocol"
	"github.com/jetstreamproto/jsp/internal/wire"
)

func newTestHandler() *SentPacketHandler {
	rtt := congestion.NewRTTStats()
	cc := congestion.NewController(1200, rtt)
	return NewSentPacketHandler(Config{
		MaxRetransmits: 10,
		DelayedAckCeil: 25 * time.Millisecond,
		PTOFloor:       100 * time.Millisecond,
		PTOCeiling:     time.Second,
		AckDelayMax:    25 * time.Millisecond,
	}, rtt, cc)
}

func TestNextPacketNumberStrictlyIncreasing(t *testing.T) {
	h := newTestHandler()
	var prev protocol.PacketNumber
	for i := 0; i < 10; i++ {
		pn := h.NextPacketNumber()
		require.Greater(t, pn, prev)
		prev = pn
	}
}

func TestSentPacketTracksBytesInFlightForReliableOnly(t *testing.T) {
	h := newTestHandler()
	now := time.Now()
	h.SentPacket(&InFlightPacket{PacketNumber: 1, Mode: protocol.DeliveryReliable, Size: 100}, now)
	require.Equal(t, protocol.ByteCount(100), h.BytesInFlight())

	h.SentPacket(&InFlightPacket{PacketNumber: 2, Mode: protocol.DeliveryBestEffort, Size: 500}, now)
	require.Equal(t, protocol.ByteCount(100), h.BytesInFlight(), "BestEffort frames are fire-and-forget, never tracked")
}

func TestReceivedAckRemovesAckedPackets(t *testing.T) {
	h := newTestHandler()
	now := time.Now()
	h.SentPacket(&InFlightPacket{PacketNumber: 1, Mode: protocol.DeliveryReliable, Size: 100}, now)
	h.SentPacket(&InFlightPacket{PacketNumber: 2, Mode: protocol.DeliveryReliable, Size: 100}, now)

	_, losses := h.ReceivedAck(wire.AckBody{CumulativeAck: 2}, now.Add(10*time.Millisecond))
	require.Empty(t, losses)
	require.Equal(t, protocol.ByteCount(0), h.BytesInFlight())
	_, ok := h.Get(1)
	require.False(t, ok)
}

func TestFastRetransmitFiresAfterThreeNewerAcks(t *testing.T) {
	h := newTestHandler()
	now := time.Now()
	for pn := protocol.PacketNumber(1); pn <= 5; pn++ {
		h.SentPacket(&InFlightPacket{PacketNumber: pn, Mode: protocol.DeliveryReliable, Size: 100}, now)
	}
	// Sequence 1 missing; 2,3,4,5 acked via a SACK range covering them all.
	toRetransmit, _ := h.ReceivedAck(wire.AckBody{
		CumulativeAck: 0,
		Ranges:        []wire.AckRange{{Smallest: 2, Largest: 5}},
	}, now.Add(20*time.Millisecond))
	require.Contains(t, toRetransmit, protocol.PacketNumber(1))
}

func TestCheckTimeoutsRetransmitsReliablePastPTO(t *testing.T) {
	h := newTestHandler()
	now := time.Now()
	h.SentPacket(&InFlightPacket{PacketNumber: 1, Mode: protocol.DeliveryReliable, Size: 100, Plaintext: []byte("x")}, now)
	toRetransmit, losses := h.CheckTimeouts(now.Add(2 * time.Second))
	require.Contains(t, toRetransmit, protocol.PacketNumber(1))
	require.Empty(t, losses)
	p, ok := h.Get(1)
	require.True(t, ok)
	require.Equal(t, 1, p.RetransmitCount)
}

func TestCheckTimeoutsDropsExpiredPartiallyReliableWithoutRetransmit(t *testing.T) {
	h := newTestHandler()
	now := time.Now()
	h.SentPacket(&InFlightPacket{
		PacketNumber: 1, Mode: protocol.DeliveryPartiallyReliable, Size: 100, TTL: 50 * time.Millisecond,
	}, now)
	toRetransmit, losses := h.CheckTimeouts(now.Add(2 * time.Second))
	require.Empty(t, toRetransmit)
	require.Empty(t, losses)
	_, ok := h.Get(1)
	require.False(t, ok, "an expired PartiallyReliable packet must be dropped, not retransmitted (§4.4)")
}

func TestCheckTimeoutsFatalAfterMaxRetransmits(t *testing.T) {
	rtt := congestion.NewRTTStats()
	cc := congestion.NewController(1200, rtt)
	h := NewSentPacketHandler(Config{
		MaxRetransmits: 1,
		PTOFloor:       10 * time.Millisecond,
		PTOCeiling:     100 * time.Millisecond,
		AckDelayMax:    5 * time.Millisecond,
	}, rtt, cc)
	now := time.Now()
	h.SentPacket(&InFlightPacket{PacketNumber: 1, StreamID: 7, Mode: protocol.DeliveryReliable, Size: 100, Plaintext: []byte("x")}, now)

	// First timeout: still within MaxRetransmits, retransmits.
	toRetransmit, losses := h.CheckTimeouts(now.Add(50 * time.Millisecond))
	require.Contains(t, toRetransmit, protocol.PacketNumber(1))
	require.Empty(t, losses)

	// Second timeout: RetransmitCount (1) == MaxRetransmits (1), now fatal.
	_, losses = h.CheckTimeouts(now.Add(500 * time.Millisecond))
	require.Len(t, losses, 1)
	require.Equal(t, protocol.StreamID(7), losses[0].StreamID)
	require.True(t, losses[0].Fatal)
}

func TestReceivedAckSamplesRTTOnlyForNonRetransmitted(t *testing.T) {
	h := newTestHandler()
	now := time.Now()
	h.SentPacket(&InFlightPacket{PacketNumber: 1, Mode: protocol.DeliveryReliable, Size: 100, Plaintext: []byte("x")}, now)
	// Force a retransmit so RetransmitCount > 0 (Karn's rule excludes it from RTT sampling).
	h.CheckTimeouts(now.Add(2 * time.Second))
	before := h.rttStats.SmoothedRTT()
	h.ReceivedAck(wire.AckBody{CumulativeAck: 1}, now.Add(3*time.Second))
	require.Equal(t, before, h.rttStats.SmoothedRTT(), "a retransmitted packet's ack must not be used as an RTT sample")
}

package ackhandler

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/exp/rand"

	"github.com/jetstreamproto/jsp/internal/protocol"
)

func TestReceivedPacketHandlerCumulativeAdvance(t *testing.T) {
	h := NewReceivedPacketHandler()
	now := time.Now()
	h.ReceivedPacket(1, now, 40*time.Millisecond, 25*time.Millisecond)
	h.ReceivedPacket(2, now, 40*time.Millisecond, 25*time.Millisecond)
	h.ReceivedPacket(3, now, 40*time.Millisecond, 25*time.Millisecond)
	ack := h.BuildAck(10 * time.Millisecond)
	require.Equal(t, uint64(3), ack.CumulativeAck)
	require.Empty(t, ack.Ranges)
}

func TestReceivedPacketHandlerOutOfOrderBecomesSACK(t *testing.T) {
	h := NewReceivedPacketHandler()
	now := time.Now()
	h.ReceivedPacket(1, now, 0, 25*time.Millisecond)
	h.ReceivedPacket(5, now, 0, 25*time.Millisecond)
	h.ReceivedPacket(6, now, 0, 25*time.Millisecond)
	ack := h.BuildAck(0)
	require.Equal(t, uint64(1), ack.CumulativeAck)
	require.Len(t, ack.Ranges, 1)
	require.Equal(t, uint64(5), ack.Ranges[0].Smallest)
	require.Equal(t, uint64(6), ack.Ranges[0].Largest)
}

func TestReceivedPacketHandlerGapFillCollapsesSACK(t *testing.T) {
	h := NewReceivedPacketHandler()
	now := time.Now()
	h.ReceivedPacket(1, now, 0, 25*time.Millisecond)
	h.ReceivedPacket(3, now, 0, 25*time.Millisecond)
	h.ReceivedPacket(2, now, 0, 25*time.Millisecond) // fills the gap
	ack := h.BuildAck(0)
	require.Equal(t, uint64(3), ack.CumulativeAck)
	require.Empty(t, ack.Ranges)
}

func TestReceivedPacketHandlerAckAlarmUsesMinOfRTTQuarterAndCeiling(t *testing.T) {
	h := NewReceivedPacketHandler()
	now := time.Now()
	h.ReceivedPacket(1, now, 200*time.Millisecond, 25*time.Millisecond)
	// RTT/4 = 50ms > the 25ms ceiling, so the ceiling wins (§4.4 delayed-ACK).
	require.Equal(t, now.Add(25*time.Millisecond), h.AckAlarm())
}

func TestReceivedPacketHandlerSACKRangesCapped(t *testing.T) {
	h := NewReceivedPacketHandler()
	now := time.Now()
	h.ReceivedPacket(1, now, 0, 25*time.Millisecond)
	seq := protocol.PacketNumber(3)
	for i := 0; i < protocol.MaxSACKRanges+4; i++ {
		h.ReceivedPacket(seq, now, 0, 25*time.Millisecond)
		seq += 2 // leave a gap between every accepted sequence
	}
	ack := h.BuildAck(0)
	require.LessOrEqual(t, len(ack.Ranges), protocol.MaxSACKRanges)
}

// TestReceivedPacketHandlerConvergesUnderRandomArrivalOrder feeds a
// contiguous run of sequences through the handler in randomized arrival
// order (seeded, so failures reproduce) and checks that the cumulative
// point always ends at the highest sequence once every packet has
// arrived, regardless of the order they showed up in.
func TestReceivedPacketHandlerConvergesUnderRandomArrivalOrder(t *testing.T) {
	const n = 200
	src := rand.NewSource(42)
	rng := rand.New(src)

	for trial := 0; trial < 5; trial++ {
		seqs := make([]protocol.PacketNumber, n)
		for i := range seqs {
			seqs[i] = protocol.PacketNumber(i + 1)
		}
		rng.Shuffle(n, func(i, j int) { seqs[i], seqs[j] = seqs[j], seqs[i] })

		h := NewReceivedPacketHandler()
		now := time.Now()
		for _, pn := range seqs {
			h.ReceivedPacket(pn, now, 0, 25*time.Millisecond)
		}
		ack := h.BuildAck(0)
		require.Equal(t, uint64(n), ack.CumulativeAck, "every sequence having arrived must collapse the cumulative point to the highest one, whatever order they arrived in")
		require.Empty(t, ack.Ranges, "no gaps should remain once the full contiguous run has been delivered")
	}
}

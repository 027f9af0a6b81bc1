package ackhandler

import (
	"time"

	"github.com/jetstreamproto/jsp/internal/protocol"
	"github.com/jetstreamproto/jsp/internal/wire"
)

// ReceivedPacketHandler builds outgoing ACK frames from the set of
// sequences successfully authenticated so far (§4.4 "ACK policy").
type ReceivedPacketHandler struct {
	cumulative  protocol.PacketNumber
	hasAny      bool
	outOfOrder  map[protocol.PacketNumber]struct{}

	ackQueued    bool
	ackAlarm     time.Time
}

func NewReceivedPacketHandler() *ReceivedPacketHandler {
	return &ReceivedPacketHandler{outOfOrder: make(map[protocol.PacketNumber]struct{})}
}

// ReceivedPacket records a successfully authenticated inbound sequence,
// advancing the cumulative point and folding in gaps as SACK ranges.
func (h *ReceivedPacketHandler) ReceivedPacket(pn protocol.PacketNumber, now time.Time, rtt, delayedAckCeiling time.Duration) {
	// Packet numbers start at 1, so a cumulative point of 0 means nothing
	// contiguous has arrived yet.
	h.hasAny = true
	if pn == h.cumulative+1 {
		h.cumulative = pn
		h.collapseOutOfOrder()
	} else if pn > h.cumulative {
		h.outOfOrder[pn] = struct{}{}
	}
	// else: pn <= cumulative and not a gap fill, already accounted for.

	h.ackQueued = true
	delay := rtt / 4
	if delayedAckCeiling < delay {
		delay = delayedAckCeiling
	}
	h.ackAlarm = now.Add(delay)
}

func (h *ReceivedPacketHandler) collapseOutOfOrder() {
	for {
		next := h.cumulative + 1
		if _, ok := h.outOfOrder[next]; !ok {
			return
		}
		delete(h.outOfOrder, next)
		h.cumulative = next
	}
}

// AckAlarm returns when a standalone ACK should fire if none has
// piggybacked on outbound data by then.
func (h *ReceivedPacketHandler) AckAlarm() time.Time { return h.ackAlarm }

// HasPendingAck reports whether an ACK is owed.
func (h *ReceivedPacketHandler) HasPendingAck() bool { return h.ackQueued }

// BuildAck constructs the current ACK frame body: the cumulative point
// plus up to protocol.MaxSACKRanges out-of-order blocks.
func (h *ReceivedPacketHandler) BuildAck(delay time.Duration) wire.AckBody {
	h.ackQueued = false
	ranges := h.sackRanges()
	if len(ranges) > protocol.MaxSACKRanges {
		ranges = ranges[:protocol.MaxSACKRanges]
	}
	return wire.AckBody{
		CumulativeAck: uint64(h.cumulative),
		Ranges:        ranges,
		DelayMicros:   uint64(delay.Microseconds()),
	}
}

func (h *ReceivedPacketHandler) sackRanges() []wire.AckRange {
	if len(h.outOfOrder) == 0 {
		return nil
	}
	pns := make([]protocol.PacketNumber, 0, len(h.outOfOrder))
	for pn := range h.outOfOrder {
		pns = append(pns, pn)
	}
	pns = sortedPacketNumbers(pns)
	var ranges []wire.AckRange
	start := pns[0]
	prev := pns[0]
	for _, pn := range pns[1:] {
		if pn == prev+1 {
			prev = pn
			continue
		}
		ranges = append(ranges, wire.AckRange{Smallest: uint64(start), Largest: uint64(prev)})
		start, prev = pn, pn
	}
	ranges = append(ranges, wire.AckRange{Smallest: uint64(start), Largest: uint64(prev)})
	return ranges
}

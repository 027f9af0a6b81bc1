package ackhandler

import (
	"container/list"
	"time"

	"github.com/jetstreamproto/jsp/internal/congestion"
	"github.com/jetstreamproto/jsp/internal/protocol"
	"github.com/jetstreamproto/jsp/internal/wire"
)

// LossEvent reports a packet the reliability layer has given up on
// retransmitting further (e.g. exceeding max_retransmits), per §4.4
// "Failure signalling".
type LossEvent struct {
	StreamID protocol.StreamID
	Fatal    bool // exceeded max_retransmits: stream enters Closed with an internal reason
}

// Config bundles the tunables SentPacketHandler needs from the
// connection's configuration (§6 table).
type Config struct {
	MaxRetransmits  int
	DelayedAckCeil  time.Duration
	PTOFloor        time.Duration
	PTOCeiling      time.Duration
	AckDelayMax     time.Duration
}

// SentPacketHandler maintains the ack-tracking structure described in
// §4.4: ordered in-flight packets supporting insertion, removal by
// range, and "find oldest unacked at time t".
type SentPacketHandler struct {
	cfg      Config
	rttStats *congestion.RTTStats
	cc       *congestion.Controller

	history  *list.List // ordered by PacketNumber ascending, *InFlightPacket elements
	index    map[protocol.PacketNumber]*list.Element

	nextSeq protocol.PacketNumber

	bytesInFlight protocol.ByteCount
}

// NewSentPacketHandler builds a handler sharing rttStats and cc with the
// rest of the connection.
func NewSentPacketHandler(cfg Config, rttStats *congestion.RTTStats, cc *congestion.Controller) *SentPacketHandler {
	return &SentPacketHandler{
		cfg:      cfg,
		rttStats: rttStats,
		cc:       cc,
		history:  list.New(),
		index:    make(map[protocol.PacketNumber]*list.Element),
	}
}

// NextPacketNumber allocates the next strictly increasing sequence
// number for this connection's current key epoch (§3 invariant 1).
func (h *SentPacketHandler) NextPacketNumber() protocol.PacketNumber {
	h.nextSeq++
	return h.nextSeq
}

// BytesInFlight is the sum of sizes of all tracked Reliable and
// PartiallyReliable packets (§3 invariant 3).
func (h *SentPacketHandler) BytesInFlight() protocol.ByteCount { return h.bytesInFlight }

// SentPacket records an outbound frame. Only Reliable and
// PartiallyReliable frames are tracked; BestEffort frames are fire-and-forget.
func (h *SentPacketHandler) SentPacket(p *InFlightPacket, now time.Time) {
	p.FirstSendTime = now
	p.LastSendTime = now
	h.cc.OnPacketSent(now, p.Size)
	if p.Mode == protocol.DeliveryBestEffort {
		return
	}
	el := h.history.PushBack(p)
	h.index[p.PacketNumber] = el
	h.bytesInFlight += p.Size
}

// ReceivedAck folds an ACK frame into the tracking structure, removing
// acknowledged packets and feeding RTT samples and congestion events.
// It returns the packet numbers queued for fast retransmit and the loss
// events for packets that exceeded max_retransmits.
func (h *SentPacketHandler) ReceivedAck(ack wire.AckBody, now time.Time) ([]protocol.PacketNumber /* to retransmit */, []LossEvent) {
	acked := h.collectAcked(ack)
	var toRetransmit []protocol.PacketNumber
	var losses []LossEvent

	for _, pn := range acked {
		el, ok := h.index[pn]
		if !ok {
			continue
		}
		p := el.Value.(*InFlightPacket)
		// Karn's rule: only sample RTT from packets that were never retransmitted.
		if p.RetransmitCount == 0 {
			h.rttStats.UpdateRTT(now.Sub(p.FirstSendTime))
		}
		h.cc.OnAck(pn, p.Size)
		h.remove(pn)
	}

	// Fast retransmit: three later sequences ACKed while pn is still missing.
	if len(acked) > 0 {
		highest := acked[len(acked)-1]
		for e := h.history.Front(); e != nil; {
			next := e.Next()
			p := e.Value.(*InFlightPacket)
			if p.PacketNumber >= highest {
				break
			}
			if h.countNewerAcked(p.PacketNumber, highest, acked) >= 3 {
				ev, retransmit := h.loseOnFastRetransmit(p, now)
				if retransmit {
					toRetransmit = append(toRetransmit, p.PacketNumber)
					h.cc.OnFastRetransmit(highest)
				}
				if ev != nil {
					losses = append(losses, *ev)
				}
			}
			e = next
		}
	}
	return toRetransmit, losses
}

func (h *SentPacketHandler) countNewerAcked(missing, highest protocol.PacketNumber, acked []protocol.PacketNumber) int {
	n := 0
	for _, pn := range acked {
		if pn > missing {
			n++
		}
	}
	return n
}

func (h *SentPacketHandler) loseOnFastRetransmit(p *InFlightPacket, now time.Time) (*LossEvent, bool) {
	if !p.retransmittable(now, h.cfg.MaxRetransmits) {
		if p.Mode == protocol.DeliveryPartiallyReliable && p.expired(now) {
			h.remove(p.PacketNumber)
			return nil, false
		}
		h.remove(p.PacketNumber)
		return &LossEvent{StreamID: p.StreamID, Fatal: true}, false
	}
	p.RetransmitCount++
	p.LastSendTime = now
	return nil, true
}

// CheckTimeouts finds every InFlightPacket whose PTO has elapsed,
// applies the doubling/ceiling rule, and reports which should be
// re-enqueued versus dropped (PartiallyReliable past TTL) versus failed
// (exceeded max_retransmits).
func (h *SentPacketHandler) CheckTimeouts(now time.Time) (toRetransmit []protocol.PacketNumber, losses []LossEvent) {
	for e := h.history.Front(); e != nil; {
		next := e.Next()
		p := e.Value.(*InFlightPacket)
		timeout := h.rttStats.PTO(h.cfg.AckDelayMax, h.cfg.PTOFloor, h.cfg.PTOCeiling)
		// timeout doubles with each retransmit, capped at the ceiling (§4.4).
		for i := 0; i < p.RetransmitCount; i++ {
			timeout *= 2
			if timeout > h.cfg.PTOCeiling {
				timeout = h.cfg.PTOCeiling
				break
			}
		}
		if now.Sub(p.LastSendTime) < timeout {
			e = next
			continue
		}
		if p.expired(now) {
			h.remove(p.PacketNumber)
			e = next
			continue
		}
		if !p.retransmittable(now, h.cfg.MaxRetransmits) {
			losses = append(losses, LossEvent{StreamID: p.StreamID, Fatal: true})
			h.remove(p.PacketNumber)
			e = next
			continue
		}
		p.RetransmitCount++
		p.LastSendTime = now
		h.cc.OnTimeout(p.PacketNumber)
		toRetransmit = append(toRetransmit, p.PacketNumber)
		e = next
	}
	return
}

// OldestUnacked returns the earliest in-flight packet still outstanding
// at time t, or nil if none.
func (h *SentPacketHandler) OldestUnacked(_ time.Time) *InFlightPacket {
	if e := h.history.Front(); e != nil {
		return e.Value.(*InFlightPacket)
	}
	return nil
}

// Get returns the tracked packet for pn, if any (used to retrieve the
// retained plaintext for a retransmission).
func (h *SentPacketHandler) Get(pn protocol.PacketNumber) (*InFlightPacket, bool) {
	el, ok := h.index[pn]
	if !ok {
		return nil, false
	}
	return el.Value.(*InFlightPacket), true
}

func (h *SentPacketHandler) remove(pn protocol.PacketNumber) {
	el, ok := h.index[pn]
	if !ok {
		return
	}
	p := el.Value.(*InFlightPacket)
	h.bytesInFlight -= p.Size
	h.history.Remove(el)
	delete(h.index, pn)
}

func (h *SentPacketHandler) collectAcked(ack wire.AckBody) []protocol.PacketNumber {
	var acked []protocol.PacketNumber
	for pn := range h.index {
		if pn <= protocol.PacketNumber(ack.CumulativeAck) {
			acked = append(acked, pn)
			continue
		}
		for _, r := range ack.Ranges {
			if uint64(pn) >= r.Smallest && uint64(pn) <= r.Largest {
				acked = append(acked, pn)
				break
			}
		}
	}
	return sortedPacketNumbers(acked)
}

func sortedPacketNumbers(pns []protocol.PacketNumber) []protocol.PacketNumber {
	for i := 1; i < len(pns); i++ {
		for j := i; j > 0 && pns[j-1] > pns[j]; j-- {
			pns[j-1], pns[j] = pns[j], pns[j-1]
		}
	}
	return pns
}

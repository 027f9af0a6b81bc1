// Package ackhandler implements the reliability layer (§4.4): sequencing
// of outbound frames, SACK-based acknowledgement, retransmission
// scheduling, and fast retransmit. FEC repair generation and recovery
// live in internal/fec.
package ackhandler

import (
	"time"

	"github.com/jetstreamproto/jsp/internal/protocol"
)

// InFlightPacket is tracked by the reliability layer for every outbound
// frame requiring acknowledgement (Reliable or PartiallyReliable), per
// §3's data model.
type InFlightPacket struct {
	PacketNumber   protocol.PacketNumber
	StreamID       protocol.StreamID
	Mode           protocol.DeliveryMode
	FirstSendTime  time.Time
	LastSendTime   time.Time
	RetransmitCount int
	Size           protocol.ByteCount
	TTL            time.Duration // only meaningful for DeliveryPartiallyReliable
	Plaintext      []byte        // retained only while retransmission is possible
}

// Age returns how long ago this packet was first sent.
func (p *InFlightPacket) Age(now time.Time) time.Duration { return now.Sub(p.FirstSendTime) }

// expired reports whether a PartiallyReliable packet has outlived its TTL.
func (p *InFlightPacket) expired(now time.Time) bool {
	return p.Mode == protocol.DeliveryPartiallyReliable && p.Age(now) >= p.TTL
}

// retransmittable reports whether the delivery mode and current age
// permit another retransmission attempt.
func (p *InFlightPacket) retransmittable(now time.Time, maxRetransmits int) bool {
	switch p.Mode {
	case protocol.DeliveryBestEffort:
		return false
	case protocol.DeliveryPartiallyReliable:
		return !p.expired(now) && p.RetransmitCount < maxRetransmits
	default: // Reliable
		return p.RetransmitCount < maxRetransmits
	}
}

package wire

import (
	"encoding/binary"

	"github.com/jetstreamproto/jsp/internal/protocol"
	"github.com/jetstreamproto/jsp/internal/qerr"
)

// AckRange is one SACK block of contiguously received sequences above
// the cumulative ack point, as absolute sequence numbers.
type AckRange struct {
	Smallest uint64
	Largest  uint64
}

// AckBody is the decoded payload of a MsgAck frame: the cumulative
// point plus up to protocol.MaxSACKRanges out-of-order blocks.
type AckBody struct {
	CumulativeAck uint64
	Ranges        []AckRange
	DelayMicros   uint64
}

// AppendAckBody serialises an ack body.
func AppendAckBody(b []byte, a AckBody) []byte {
	b = AppendVarInt(b, a.CumulativeAck)
	b = AppendVarInt(b, a.DelayMicros)
	n := len(a.Ranges)
	if n > protocol.MaxSACKRanges {
		n = protocol.MaxSACKRanges
	}
	b = AppendVarInt(b, uint64(n))
	for i := 0; i < n; i++ {
		b = AppendVarInt(b, a.Ranges[i].Smallest)
		b = AppendVarInt(b, a.Ranges[i].Largest)
	}
	return b
}

// ParseAckBody decodes an ack body from a frame's Body slice.
func ParseAckBody(body []byte) (AckBody, error) {
	cum, n1, err := ReadVarIntFromBytes(body)
	if err != nil {
		return AckBody{}, qerr.ErrMalformedFrame
	}
	body = body[n1:]
	delay, n2, err := ReadVarIntFromBytes(body)
	if err != nil {
		return AckBody{}, qerr.ErrMalformedFrame
	}
	body = body[n2:]
	count, n3, err := ReadVarIntFromBytes(body)
	if err != nil {
		return AckBody{}, qerr.ErrMalformedFrame
	}
	body = body[n3:]
	a := AckBody{CumulativeAck: cum, DelayMicros: delay}
	for i := uint64(0); i < count; i++ {
		sm, n4, err := ReadVarIntFromBytes(body)
		if err != nil {
			return AckBody{}, qerr.ErrMalformedFrame
		}
		body = body[n4:]
		lg, n5, err := ReadVarIntFromBytes(body)
		if err != nil {
			return AckBody{}, qerr.ErrMalformedFrame
		}
		body = body[n5:]
		a.Ranges = append(a.Ranges, AckRange{Smallest: sm, Largest: lg})
	}
	return a, nil
}

// HeartbeatBody carries a ping/pong sequence number.
type HeartbeatBody struct {
	IsPong   bool
	Sequence uint64
}

func AppendHeartbeatBody(b []byte, h HeartbeatBody) []byte {
	flag := byte(0)
	if h.IsPong {
		flag = 1
	}
	b = append(b, flag)
	return AppendVarInt(b, h.Sequence)
}

func ParseHeartbeatBody(body []byte) (HeartbeatBody, error) {
	if len(body) < 1 {
		return HeartbeatBody{}, qerr.ErrMalformedFrame
	}
	seq, _, err := ReadVarIntFromBytes(body[1:])
	if err != nil {
		return HeartbeatBody{}, qerr.ErrMalformedFrame
	}
	return HeartbeatBody{IsPong: body[0] == 1, Sequence: seq}, nil
}

// StreamControlKind discriminates a StreamControl frame's subtype.
type StreamControlKind uint8

const (
	StreamControlOpen StreamControlKind = iota
	StreamControlClose
	StreamControlWindowUpdate
)

// StreamControlBody is the payload of a MsgStreamControl frame.
type StreamControlBody struct {
	Kind         StreamControlKind
	Priority     uint8
	DeliveryMode protocol.DeliveryMode
	TTLMillis    uint64
	WindowBytes  uint64
}

func AppendStreamControlBody(b []byte, s StreamControlBody) []byte {
	b = append(b, byte(s.Kind), s.Priority, byte(s.DeliveryMode))
	b = AppendVarInt(b, s.TTLMillis)
	return AppendVarInt(b, s.WindowBytes)
}

func ParseStreamControlBody(body []byte) (StreamControlBody, error) {
	if len(body) < 3 {
		return StreamControlBody{}, qerr.ErrMalformedFrame
	}
	s := StreamControlBody{
		Kind:         StreamControlKind(body[0]),
		Priority:     body[1],
		DeliveryMode: protocol.DeliveryMode(body[2]),
	}
	rest := body[3:]
	ttl, n, err := ReadVarIntFromBytes(rest)
	if err != nil {
		return StreamControlBody{}, qerr.ErrMalformedFrame
	}
	s.TTLMillis = ttl
	rest = rest[n:]
	win, _, err := ReadVarIntFromBytes(rest)
	if err != nil {
		return StreamControlBody{}, qerr.ErrMalformedFrame
	}
	s.WindowBytes = win
	return s, nil
}

// CloseBody is the payload of a MsgClose frame.
type CloseBody struct {
	Reason  qerr.CloseReason
	Message string
}

func AppendCloseBody(b []byte, c CloseBody) []byte {
	b = append(b, byte(c.Reason))
	b = AppendVarInt(b, uint64(len(c.Message)))
	return append(b, c.Message...)
}

func ParseCloseBody(body []byte) (CloseBody, error) {
	if len(body) < 1 {
		return CloseBody{}, qerr.ErrMalformedFrame
	}
	reason := qerr.CloseReason(body[0])
	rest := body[1:]
	n, read, err := ReadVarIntFromBytes(rest)
	if err != nil {
		return CloseBody{}, qerr.ErrMalformedFrame
	}
	rest = rest[read:]
	if uint64(len(rest)) < n {
		return CloseBody{}, qerr.ErrMalformedFrame
	}
	return CloseBody{Reason: reason, Message: string(rest[:n])}, nil
}

// PathTokenLen is the fixed size of a PathChallenge/PathResponse token.
const PathTokenLen = 8

// AppendPathToken appends an 8-byte path validation token.
func AppendPathToken(b []byte, token [PathTokenLen]byte) []byte {
	return append(b, token[:]...)
}

// ParsePathToken reads an 8-byte path validation token.
func ParsePathToken(body []byte) ([PathTokenLen]byte, error) {
	var tok [PathTokenLen]byte
	if len(body) < PathTokenLen {
		return tok, qerr.ErrMalformedFrame
	}
	copy(tok[:], body[:PathTokenLen])
	return tok, nil
}

// SessionTicketBody is the payload of a MsgSessionTicket frame: a 32-byte
// ticket id, the opaque encrypted state blob, and validity metadata.
type SessionTicketBody struct {
	TicketID  [32]byte
	Blob      []byte
	IssuedAt  uint64 // unix seconds
	LifetimeS uint32
}

func AppendSessionTicketBody(b []byte, t SessionTicketBody) []byte {
	b = append(b, t.TicketID[:]...)
	var meta [12]byte
	binary.BigEndian.PutUint64(meta[0:8], t.IssuedAt)
	binary.BigEndian.PutUint32(meta[8:12], t.LifetimeS)
	b = append(b, meta[:]...)
	b = AppendVarInt(b, uint64(len(t.Blob)))
	return append(b, t.Blob...)
}

func ParseSessionTicketBody(body []byte) (SessionTicketBody, error) {
	if len(body) < 32+12 {
		return SessionTicketBody{}, qerr.ErrMalformedFrame
	}
	var t SessionTicketBody
	copy(t.TicketID[:], body[:32])
	t.IssuedAt = binary.BigEndian.Uint64(body[32:40])
	t.LifetimeS = binary.BigEndian.Uint32(body[40:44])
	rest := body[44:]
	n, read, err := ReadVarIntFromBytes(rest)
	if err != nil {
		return SessionTicketBody{}, qerr.ErrMalformedFrame
	}
	rest = rest[read:]
	if uint64(len(rest)) < n {
		return SessionTicketBody{}, qerr.ErrMalformedFrame
	}
	t.Blob = append([]byte(nil), rest[:n]...)
	return t, nil
}

// FecRepairBody carries one Reed-Solomon repair shard for a FEC group.
type FecRepairBody struct {
	GroupID     uint64
	ShardIndex  uint8
	DataShards  uint8
	ParityIndex uint8
	ShardLen    uint16
	Payload     []byte
}

func AppendFecRepairBody(b []byte, f FecRepairBody) []byte {
	b = AppendVarInt(b, f.GroupID)
	b = append(b, f.ShardIndex, f.DataShards, f.ParityIndex)
	var ln [2]byte
	binary.BigEndian.PutUint16(ln[:], f.ShardLen)
	b = append(b, ln[:]...)
	return append(b, f.Payload...)
}

func ParseFecRepairBody(body []byte) (FecRepairBody, error) {
	gid, n, err := ReadVarIntFromBytes(body)
	if err != nil {
		return FecRepairBody{}, qerr.ErrMalformedFrame
	}
	body = body[n:]
	if len(body) < 5 {
		return FecRepairBody{}, qerr.ErrMalformedFrame
	}
	f := FecRepairBody{
		GroupID:     gid,
		ShardIndex:  body[0],
		DataShards:  body[1],
		ParityIndex: body[2],
		ShardLen:    binary.BigEndian.Uint16(body[3:5]),
	}
	body = body[5:]
	if uint64(len(body)) < uint64(f.ShardLen) {
		return FecRepairBody{}, qerr.ErrMalformedFrame
	}
	f.Payload = append([]byte(nil), body[:f.ShardLen]...)
	return f, nil
}

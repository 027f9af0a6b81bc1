package wire

import (
	"encoding/binary"

	"github.com/jetstreamproto/jsp/internal/protocol"
	"github.com/jetstreamproto/jsp/internal/qerr"
)

// MsgType discriminates the frame union carried in the encrypted body.
type MsgType uint8

const (
	MsgData MsgType = iota
	MsgAck
	MsgHeartbeat
	MsgStreamControl
	MsgClose
	MsgSessionTicket
	MsgPathChallenge
	MsgPathResponse
	MsgFecRepair

	// msgTypeReserved marks the start of the reserved range; anything at
	// or above it fails decoding with ErrMalformedFrame.
	msgTypeReserved
)

// Frame header flag bits.
const (
	FrameFlagFragment byte = 1 << 0 // continuation of a fragmented Data payload
	FrameFlagFinal    byte = 1 << 1 // last fragment of a fragmented Data payload
)

// frameHeaderLen is the fixed per-frame prefix width from §6: 4+1+1+8+8+8+1
// bytes of named fields plus one reserved/padding byte to reach the
// documented 32-byte width (§4.1 computes 31 bytes for the named fields;
// we reserve the extra byte rather than silently shrink the prefix).
const frameHeaderLen = 32

// FrameHeader is the fixed prefix preceding every frame body.
type FrameHeader struct {
	StreamID     protocol.StreamID
	Type         MsgType
	Flags        byte
	Sequence     uint64
	TimestampMs  uint64
	Nonce        uint64
	DeliveryMode protocol.DeliveryMode
}

// AppendFrameHeader serialises h.
func AppendFrameHeader(b []byte, h FrameHeader) []byte {
	var buf [frameHeaderLen]byte
	binary.BigEndian.PutUint32(buf[0:4], uint32(h.StreamID))
	buf[4] = byte(h.Type)
	buf[5] = h.Flags
	binary.BigEndian.PutUint64(buf[6:14], h.Sequence)
	binary.BigEndian.PutUint64(buf[14:22], h.TimestampMs)
	binary.BigEndian.PutUint64(buf[22:30], h.Nonce)
	buf[30] = byte(h.DeliveryMode)
	// buf[31] reserved, left zero.
	return append(b, buf[:]...)
}

// ParseFrameHeader parses the fixed prefix from b.
func ParseFrameHeader(b []byte) (FrameHeader, error) {
	if len(b) < frameHeaderLen {
		return FrameHeader{}, qerr.ErrMalformedFrame
	}
	h := FrameHeader{
		StreamID:     protocol.StreamID(binary.BigEndian.Uint32(b[0:4])),
		Type:         MsgType(b[4]),
		Flags:        b[5],
		Sequence:     binary.BigEndian.Uint64(b[6:14]),
		TimestampMs:  binary.BigEndian.Uint64(b[14:22]),
		Nonce:        binary.BigEndian.Uint64(b[22:30]),
		DeliveryMode: protocol.DeliveryMode(b[30]),
	}
	if h.Type >= msgTypeReserved {
		return FrameHeader{}, qerr.ErrUnknownFrameType
	}
	if !h.DeliveryMode.Valid() {
		return FrameHeader{}, qerr.ErrMalformedFrame
	}
	return h, nil
}

// Frame is one decoded frame: a header plus its varint-length-prefixed
// body. Body interpretation is type-specific; callers dispatch on Header.Type.
type Frame struct {
	Header FrameHeader
	Body   []byte
}

// AppendFrame appends the LEB128-length-prefixed encoding of f to b.
// Multiple frames may be coalesced this way into one packet.
func AppendFrame(b []byte, f Frame) []byte {
	b = AppendFrameHeader(b, f.Header)
	b = AppendVarInt(b, uint64(len(f.Body)))
	return append(b, f.Body...)
}

// ParseFrame decodes the first frame in b, returning it together with
// the number of bytes consumed. Trailing bytes are left for the caller,
// which lets a FEC-reconstructed shard be parsed without tripping over
// its zero padding.
func ParseFrame(b []byte) (Frame, int, error) {
	h, err := ParseFrameHeader(b)
	if err != nil {
		return Frame{}, 0, err
	}
	rest := b[frameHeaderLen:]
	length, n, err := ReadVarIntFromBytes(rest)
	if err != nil {
		return Frame{}, 0, qerr.ErrMalformedFrame
	}
	rest = rest[n:]
	if uint64(len(rest)) < length {
		return Frame{}, 0, qerr.ErrMalformedFrame
	}
	consumed := frameHeaderLen + n + int(length)
	return Frame{Header: h, Body: append([]byte(nil), rest[:length]...)}, consumed, nil
}

// ParseFrames decodes every coalesced frame in b. It fails with
// ErrMalformedFrame on a truncated buffer.
func ParseFrames(b []byte) ([]Frame, error) {
	var frames []Frame
	for len(b) > 0 {
		f, n, err := ParseFrame(b)
		if err != nil {
			return nil, err
		}
		frames = append(frames, f)
		b = b[n:]
	}
	return frames, nil
}

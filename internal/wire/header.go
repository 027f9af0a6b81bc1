package wire

import (
	"encoding/binary"
	"errors"

	"github.com/jetstreamproto/jsp/internal/protocol"
)

// Outer packet flag bits, per §6.
const (
	FlagLongHeader byte = 1 << 0
	FlagHasCID     byte = 1 << 1
	FlagKeyPhase   byte = 1 << 2
)

const (
	// ConnectionIDLen is the fixed size of a connection id token.
	ConnectionIDLen = 8
	// AuthTagLen is the AEAD tag size for every supported cipher suite.
	AuthTagLen = 16
	// PacketNumberLen is the fixed width of the outer packet number.
	PacketNumberLen = 8
)

// ErrHeaderTooShort is returned when a buffer is too small to hold the
// fixed prefix the flags claim it should have.
var ErrHeaderTooShort = errors.New("wire: packet shorter than header")

// Header is the parsed outer packet prefix (§6 "On-wire packet (outer)").
type Header struct {
	LongHeader   bool
	KeyPhase     bool
	ConnectionID [ConnectionIDLen]byte
	HasCID       bool
	PacketNumber protocol.PacketNumber
}

// AppendHeader serialises h and returns the extended buffer. The caller
// appends ciphertext and the AEAD tag afterward.
func AppendHeader(b []byte, h Header) []byte {
	flags := byte(0)
	if h.LongHeader {
		flags |= FlagLongHeader
	}
	if h.HasCID {
		flags |= FlagHasCID
	}
	if h.KeyPhase {
		flags |= FlagKeyPhase
	}
	b = append(b, flags)
	if h.HasCID {
		b = append(b, h.ConnectionID[:]...)
	}
	var pn [PacketNumberLen]byte
	binary.BigEndian.PutUint64(pn[:], uint64(h.PacketNumber))
	return append(b, pn[:]...)
}

// ParseHeader parses the outer prefix from b and returns the header plus
// the number of bytes consumed.
func ParseHeader(b []byte) (Header, int, error) {
	if len(b) < 1 {
		return Header{}, 0, ErrHeaderTooShort
	}
	flags := b[0]
	off := 1
	h := Header{
		LongHeader: flags&FlagLongHeader != 0,
		HasCID:     flags&FlagHasCID != 0,
		KeyPhase:   flags&FlagKeyPhase != 0,
	}
	if h.HasCID {
		if len(b) < off+ConnectionIDLen {
			return Header{}, 0, ErrHeaderTooShort
		}
		copy(h.ConnectionID[:], b[off:off+ConnectionIDLen])
		off += ConnectionIDLen
	}
	if len(b) < off+PacketNumberLen {
		return Header{}, 0, ErrHeaderTooShort
	}
	h.PacketNumber = protocol.PacketNumber(binary.BigEndian.Uint64(b[off : off+PacketNumberLen]))
	off += PacketNumberLen
	return h, off, nil
}

// Package handshake drives the hybrid KEM handshake and session
// resumption of §4.2 and §4.6, layered on the primitives in
// internal/crypto.
package handshake

import (
	"github.com/jetstreamproto/jsp/internal/crypto"
	"github.com/jetstreamproto/jsp/internal/wire"
)

// ProtocolVersion is the first byte of every handshake message (§6:
// "Version field is the first byte").
const ProtocolVersion byte = 1

// ClientHello is the initiator's first handshake message (§4.2 step 1).
type ClientHello struct {
	Version          byte
	ClientRandom     [32]byte
	ClassicalPublic  [32]byte // X25519 public key
	KEMPublic        []byte   // empty if the PQ KEM is not offered
	OfferedSuites    []crypto.Suite
	ResumptionTicket []byte // opaque ticket presented for 0-RTT, may be empty
	EarlyData        []byte // 0-RTT frames, encrypted under the ticket's resumption secret
	ZeroRTTCounter   uint64 // per-ticket freshness counter, see TicketKeyStore.AdmitZeroRTT
}

// ServerHello is the responder's reply (§4.2 step 2).
type ServerHello struct {
	Version         byte
	ServerRandom    [32]byte
	SessionID       uint64
	ClassicalPublic [32]byte
	KEMCiphertext   []byte
	SelectedSuite   crypto.Suite
	SessionTicket   []byte // optional, present when a resumption ticket is issued
	ZeroRTTAccepted bool
}

// Record tags for the self-describing ClientHello/ServerHello encoding.
const (
	tagClientRandom byte = iota
	tagClassicalPublic
	tagKEMPublic
	tagOfferedSuites
	tagResumptionTicket
	tagEarlyData
	tagServerRandom
	tagSessionID
	tagKEMCiphertext
	tagSelectedSuite
	tagSessionTicket
	tagZeroRTTAccepted
	tagZeroRTTCounter
)

func appendRecord(b []byte, tag byte, value []byte) []byte {
	b = append(b, tag)
	b = wire.AppendVarInt(b, uint64(len(value)))
	return append(b, value...)
}

// EncodeClientHello serialises a ClientHello as a version byte followed
// by tag+length+value records (§6: "compact self-describing record").
func EncodeClientHello(h ClientHello) []byte {
	b := []byte{h.Version}
	b = appendRecord(b, tagClientRandom, h.ClientRandom[:])
	b = appendRecord(b, tagClassicalPublic, h.ClassicalPublic[:])
	b = appendRecord(b, tagKEMPublic, h.KEMPublic)
	suites := make([]byte, len(h.OfferedSuites))
	for i, s := range h.OfferedSuites {
		suites[i] = byte(s)
	}
	b = appendRecord(b, tagOfferedSuites, suites)
	if len(h.ResumptionTicket) > 0 {
		b = appendRecord(b, tagResumptionTicket, h.ResumptionTicket)
	}
	if len(h.EarlyData) > 0 {
		b = appendRecord(b, tagEarlyData, h.EarlyData)
		var cbuf [8]byte
		putUint64(cbuf[:], h.ZeroRTTCounter)
		b = appendRecord(b, tagZeroRTTCounter, cbuf[:])
	}
	return b
}

// DecodeClientHello parses the output of EncodeClientHello.
func DecodeClientHello(b []byte) (ClientHello, error) {
	if len(b) < 1 {
		return ClientHello{}, errMalformedHandshake
	}
	h := ClientHello{Version: b[0]}
	b = b[1:]
	for len(b) > 0 {
		tag, value, rest, err := readRecord(b)
		if err != nil {
			return ClientHello{}, err
		}
		b = rest
		switch tag {
		case tagClientRandom:
			if len(value) != 32 {
				return ClientHello{}, errMalformedHandshake
			}
			copy(h.ClientRandom[:], value)
		case tagClassicalPublic:
			if len(value) != 32 {
				return ClientHello{}, errMalformedHandshake
			}
			copy(h.ClassicalPublic[:], value)
		case tagKEMPublic:
			h.KEMPublic = append([]byte(nil), value...)
		case tagOfferedSuites:
			for _, s := range value {
				h.OfferedSuites = append(h.OfferedSuites, crypto.Suite(s))
			}
		case tagResumptionTicket:
			h.ResumptionTicket = append([]byte(nil), value...)
		case tagEarlyData:
			h.EarlyData = append([]byte(nil), value...)
		case tagZeroRTTCounter:
			if len(value) != 8 {
				return ClientHello{}, errMalformedHandshake
			}
			h.ZeroRTTCounter = getUint64(value)
		}
	}
	return h, nil
}

// EncodeServerHello serialises a ServerHello.
func EncodeServerHello(h ServerHello) []byte {
	b := []byte{h.Version}
	b = appendRecord(b, tagServerRandom, h.ServerRandom[:])
	var sid [8]byte
	putUint64(sid[:], h.SessionID)
	b = appendRecord(b, tagSessionID, sid[:])
	b = appendRecord(b, tagClassicalPublic, h.ClassicalPublic[:])
	b = appendRecord(b, tagKEMCiphertext, h.KEMCiphertext)
	b = appendRecord(b, tagSelectedSuite, []byte{byte(h.SelectedSuite)})
	if len(h.SessionTicket) > 0 {
		b = appendRecord(b, tagSessionTicket, h.SessionTicket)
	}
	zeroRTT := []byte{0}
	if h.ZeroRTTAccepted {
		zeroRTT[0] = 1
	}
	b = appendRecord(b, tagZeroRTTAccepted, zeroRTT)
	return b
}

// DecodeServerHello parses the output of EncodeServerHello.
func DecodeServerHello(b []byte) (ServerHello, error) {
	if len(b) < 1 {
		return ServerHello{}, errMalformedHandshake
	}
	h := ServerHello{Version: b[0]}
	b = b[1:]
	for len(b) > 0 {
		tag, value, rest, err := readRecord(b)
		if err != nil {
			return ServerHello{}, err
		}
		b = rest
		switch tag {
		case tagServerRandom:
			if len(value) != 32 {
				return ServerHello{}, errMalformedHandshake
			}
			copy(h.ServerRandom[:], value)
		case tagSessionID:
			if len(value) != 8 {
				return ServerHello{}, errMalformedHandshake
			}
			h.SessionID = getUint64(value)
		case tagClassicalPublic:
			if len(value) != 32 {
				return ServerHello{}, errMalformedHandshake
			}
			copy(h.ClassicalPublic[:], value)
		case tagKEMCiphertext:
			h.KEMCiphertext = append([]byte(nil), value...)
		case tagSelectedSuite:
			if len(value) != 1 {
				return ServerHello{}, errMalformedHandshake
			}
			h.SelectedSuite = crypto.Suite(value[0])
		case tagSessionTicket:
			h.SessionTicket = append([]byte(nil), value...)
		case tagZeroRTTAccepted:
			if len(value) != 1 {
				return ServerHello{}, errMalformedHandshake
			}
			h.ZeroRTTAccepted = value[0] == 1
		}
	}
	return h, nil
}

func readRecord(b []byte) (tag byte, value []byte, rest []byte, err error) {
	if len(b) < 1 {
		return 0, nil, nil, errMalformedHandshake
	}
	tag = b[0]
	length, n, lerr := wire.ReadVarIntFromBytes(b[1:])
	if lerr != nil {
		return 0, nil, nil, errMalformedHandshake
	}
	off := 1 + n
	if uint64(len(b)-off) < length {
		return 0, nil, nil, errMalformedHandshake
	}
	value = b[off : off+int(length)]
	return tag, value, b[off+int(length):], nil
}

func putUint64(b []byte, v uint64) {
	for i := 0; i < 8; i++ {
		b[i] = byte(v >> (56 - 8*i))
	}
}

func getUint64(b []byte) uint64 {
	var v uint64
	for i := 0; i < 8; i++ {
		v = v<<8 | uint64(b[i])
	}
	return v
}

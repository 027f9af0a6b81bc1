package handshake

import (
	"crypto/rand"
	"encoding/binary"
	"errors"
	"sync"
	"time"

	"github.com/jetstreamproto/jsp/internal/crypto"
)

// ErrTicketExpired is returned by Open when the ticket's lifetime has
// elapsed (§8: "rejected thereafter").
var ErrTicketExpired = errors.New("handshake: ticket expired")

// ErrTicketInvalid is returned by Open on any authentication failure.
var ErrTicketInvalid = errors.New("handshake: ticket invalid")

// TicketState is the opaque-to-the-client payload authenticated inside
// a session ticket: enough to resume a connection without a fresh
// handshake (§4.6 "Resumption").
type TicketState struct {
	TrafficSecret  [crypto.TrafficSecretLen]byte
	IssuedAt       time.Time
	LifetimeS      uint32
	PeerIdentity   []byte
	FreshnessCount uint64 // carried in the sealed ticket; AdmitZeroRTT does not read it
}

// TicketKeyStore is the server-held, read-mostly key used to seal and
// open session tickets. It is shared across all connections on a
// listener (§5 "Shared resources"); the only mutation path is
// administrative key rotation under rotateMu.
type TicketKeyStore struct {
	rotateMu sync.RWMutex
	aead     *crypto.AEAD

	freshMu   sync.Mutex
	freshness map[[32]byte]uint64
}

// NewTicketKeyStore derives a fresh AEAD from 32 bytes of random key
// material, suitable for a server's lifetime object (§9 "Global mutable
// state").
func NewTicketKeyStore() (*TicketKeyStore, error) {
	var key [32]byte
	if _, err := rand.Read(key[:]); err != nil {
		return nil, err
	}
	var iv [12]byte
	if _, err := rand.Read(iv[:]); err != nil {
		return nil, err
	}
	aead, err := crypto.NewAEAD(crypto.SuiteAES256GCM, key[:], iv[:])
	if err != nil {
		return nil, err
	}
	return &TicketKeyStore{aead: aead, freshness: make(map[[32]byte]uint64)}, nil
}

// AdmitZeroRTT reports whether counter is fresh for ticketID — strictly
// greater than every counter previously admitted for that ticket — and,
// if so, records it. A ticket replayed with a stale or repeated counter
// is rejected for 0-RTT (the connection still falls back to a full
// 1-RTT handshake; only the early-data fast path is refused).
func (s *TicketKeyStore) AdmitZeroRTT(ticketID [32]byte, counter uint64) bool {
	s.freshMu.Lock()
	defer s.freshMu.Unlock()
	if last, ok := s.freshness[ticketID]; ok && counter <= last {
		return false
	}
	s.freshness[ticketID] = counter
	return true
}

// Rotate installs a new random ticket-encryption key. Tickets issued
// under the previous key become unopenable; callers should drain
// in-flight resumptions before rotating in production use.
func (s *TicketKeyStore) Rotate() error {
	fresh, err := NewTicketKeyStore()
	if err != nil {
		return err
	}
	s.rotateMu.Lock()
	s.aead = fresh.aead
	s.rotateMu.Unlock()
	return nil
}

// Seal encrypts state into an opaque ticket blob, and returns alongside
// it a random 32-byte ticket id.
func (s *TicketKeyStore) Seal(state TicketState) (ticketID [32]byte, blob []byte, err error) {
	if _, err = rand.Read(ticketID[:]); err != nil {
		return
	}
	plain := encodeTicketState(state)
	s.rotateMu.RLock()
	blob = s.aead.Seal(nil, 0, plain, ticketID[:])
	s.rotateMu.RUnlock()
	return
}

// Open authenticates and decrypts a ticket blob issued by Seal.
func (s *TicketKeyStore) Open(ticketID [32]byte, blob []byte) (TicketState, error) {
	s.rotateMu.RLock()
	plain, err := s.aead.Open(nil, 0, blob, ticketID[:])
	s.rotateMu.RUnlock()
	if err != nil {
		return TicketState{}, ErrTicketInvalid
	}
	state, ok := decodeTicketState(plain)
	if !ok {
		return TicketState{}, ErrTicketInvalid
	}
	if time.Now().After(state.IssuedAt.Add(time.Duration(state.LifetimeS) * time.Second)) {
		return TicketState{}, ErrTicketExpired
	}
	return state, nil
}

func encodeTicketState(s TicketState) []byte {
	b := make([]byte, 0, crypto.TrafficSecretLen+8+4+8+len(s.PeerIdentity))
	b = append(b, s.TrafficSecret[:]...)
	var tbuf [8]byte
	binary.BigEndian.PutUint64(tbuf[:], uint64(s.IssuedAt.Unix()))
	b = append(b, tbuf[:]...)
	var lbuf [4]byte
	binary.BigEndian.PutUint32(lbuf[:], s.LifetimeS)
	b = append(b, lbuf[:]...)
	var fbuf [8]byte
	binary.BigEndian.PutUint64(fbuf[:], s.FreshnessCount)
	b = append(b, fbuf[:]...)
	return append(b, s.PeerIdentity...)
}

func decodeTicketState(b []byte) (TicketState, bool) {
	const fixed = crypto.TrafficSecretLen + 8 + 4 + 8
	if len(b) < fixed {
		return TicketState{}, false
	}
	var s TicketState
	copy(s.TrafficSecret[:], b[:crypto.TrafficSecretLen])
	off := crypto.TrafficSecretLen
	s.IssuedAt = time.Unix(int64(binary.BigEndian.Uint64(b[off:off+8])), 0)
	off += 8
	s.LifetimeS = binary.BigEndian.Uint32(b[off : off+4])
	off += 4
	s.FreshnessCount = binary.BigEndian.Uint64(b[off : off+8])
	off += 8
	s.PeerIdentity = append([]byte(nil), b[off:]...)
	return s, true
}

// DeriveResumptionSecret computes the key used to encrypt 0-RTT early
// data from a ticket's traffic secret (§4.2 "0-RTT resumption").
func DeriveResumptionSecret(trafficSecret [crypto.TrafficSecretLen]byte) [crypto.TrafficSecretLen]byte {
	return crypto.DeriveDirectionalKeys(trafficSecret, "jsp-v1 0rtt").Key
}

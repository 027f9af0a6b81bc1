package handshake

import (
	"crypto/rand"
	"errors"

	"github.com/jetstreamproto/jsp/internal/crypto"
)

// ErrHandshakeFailed covers bad parameters, no common suite, or a KEM
// failure (§4.2 "Failure modes").
var ErrHandshakeFailed = errors.New("handshake: failed")

// InitiatorState is the client-side in-progress handshake, held between
// building ClientHello and processing ServerHello.
type InitiatorState struct {
	clientRandom    [32]byte
	classicalPublic [32]byte
	classicalPriv   [32]byte
	kemPublic       []byte
	kemPrivate      []byte
	offeredSuites   []crypto.Suite
	kem             KEM
}

// NewClientHello generates fresh key material and builds the first
// handshake message. ticket, if non-nil, requests 0-RTT resumption and
// early is encrypted under the ticket's resumption secret before being
// attached. zeroRTTCounter must exceed every value previously sent for
// this ticketID, or the responder will reject the early data as a
// replay (§4.6 Open Question: per-ticket freshness counter).
func NewClientHello(kem KEM, offered []crypto.Suite, ticketID [32]byte, ticketBlob []byte, resumptionSecret *[32]byte, early []byte, zeroRTTCounter uint64) (*InitiatorState, ClientHello, error) {
	if len(offered) == 0 {
		return nil, ClientHello{}, ErrHandshakeFailed
	}
	st := &InitiatorState{offeredSuites: offered, kem: kem}
	if _, err := rand.Read(st.clientRandom[:]); err != nil {
		return nil, ClientHello{}, err
	}
	pub, priv, err := classicalKeyPair()
	if err != nil {
		return nil, ClientHello{}, err
	}
	st.classicalPublic, st.classicalPriv = pub, priv

	if kem != nil {
		kpub, kpriv, err := kem.GenerateKeyPair()
		if err != nil {
			return nil, ClientHello{}, ErrHandshakeFailed
		}
		st.kemPublic, st.kemPrivate = kpub, kpriv
	}

	hello := ClientHello{
		Version:         ProtocolVersion,
		ClientRandom:    st.clientRandom,
		ClassicalPublic: st.classicalPublic,
		KEMPublic:       st.kemPublic,
		OfferedSuites:   offered,
	}
	if len(ticketBlob) > 0 {
		hello.ResumptionTicket = append(append([]byte{}, ticketID[:]...), ticketBlob...)
		if resumptionSecret != nil && len(early) > 0 {
			aead, err := crypto.NewAEAD(crypto.SuiteChaCha20Poly1305, resumptionSecret[:], make([]byte, 12))
			if err != nil {
				return nil, ClientHello{}, err
			}
			hello.EarlyData = aead.Seal(nil, 0, early, hello.ClientRandom[:])
			hello.ZeroRTTCounter = zeroRTTCounter
		}
	}
	return st, hello, nil
}

// NegotiatedKeys holds the directional key material and the raw
// traffic secret both handshake completion paths produce.
type NegotiatedKeys struct {
	Suite         crypto.Suite
	TrafficSecret [crypto.TrafficSecretLen]byte
	SendToServer  crypto.DirectionalKeys // used by the client to send, server to receive
	SendToClient  crypto.DirectionalKeys // used by the server to send, client to receive
}

// CompleteInitiator processes ServerHello and derives the shared traffic
// keys (§4.2 step 3).
func CompleteInitiator(st *InitiatorState, sh ServerHello) (NegotiatedKeys, error) {
	classicalShared, err := classicalSharedSecret(st.classicalPriv, sh.ClassicalPublic)
	if err != nil {
		return NegotiatedKeys{}, ErrHandshakeFailed
	}
	var pqShared []byte
	if st.kem != nil && len(sh.KEMCiphertext) > 0 {
		pqShared, err = st.kem.Decapsulate(st.kemPrivate, sh.KEMCiphertext)
		if err != nil {
			return NegotiatedKeys{}, ErrHandshakeFailed
		}
	}
	return finishKeySchedule(sh.SelectedSuite, classicalShared, pqShared, st.clientRandom, sh.ServerRandom), nil
}

// ProcessClientHello is the responder side of §4.2 step 2: select a
// suite, perform ECDH, encapsulate against the offered PQ key, and
// build ServerHello plus the negotiated keys.
func ProcessClientHello(kem KEM, supported []crypto.Suite, ch ClientHello, sessionID uint64) (ServerHello, NegotiatedKeys, error) {
	suite, ok := selectSuite(supported, ch.OfferedSuites)
	if !ok {
		return ServerHello{}, NegotiatedKeys{}, ErrHandshakeFailed
	}
	pub, priv, err := classicalKeyPair()
	if err != nil {
		return ServerHello{}, NegotiatedKeys{}, err
	}
	classicalShared, err := classicalSharedSecret(priv, ch.ClassicalPublic)
	if err != nil {
		return ServerHello{}, NegotiatedKeys{}, ErrHandshakeFailed
	}
	var kemCiphertext, pqShared []byte
	if kem != nil && len(ch.KEMPublic) > 0 {
		kemCiphertext, pqShared, err = kem.Encapsulate(ch.KEMPublic)
		if err != nil {
			return ServerHello{}, NegotiatedKeys{}, ErrHandshakeFailed
		}
	}
	var serverRandom [32]byte
	if _, err := rand.Read(serverRandom[:]); err != nil {
		return ServerHello{}, NegotiatedKeys{}, err
	}
	keys := finishKeySchedule(suite, classicalShared, pqShared, ch.ClientRandom, serverRandom)
	sh := ServerHello{
		Version:         ProtocolVersion,
		ServerRandom:    serverRandom,
		SessionID:       sessionID,
		ClassicalPublic: pub,
		KEMCiphertext:   kemCiphertext,
		SelectedSuite:   suite,
	}
	return sh, keys, nil
}

func finishKeySchedule(suite crypto.Suite, classicalShared, pqShared []byte, clientRandom, serverRandom [32]byte) NegotiatedKeys {
	shared := append(append([]byte{}, classicalShared...), pqShared...)
	secret := crypto.DeriveTrafficSecret(shared, clientRandom[:], serverRandom[:])
	return NegotiatedKeys{
		Suite:         suite,
		TrafficSecret: secret,
		SendToServer:  crypto.DeriveDirectionalKeys(secret, "jsp-v1 c2s"),
		SendToClient:  crypto.DeriveDirectionalKeys(secret, "jsp-v1 s2c"),
	}
}

func selectSuite(supported, offered []crypto.Suite) (crypto.Suite, bool) {
	for _, s := range supported {
		for _, o := range offered {
			if s == o {
				return s, true
			}
		}
	}
	return 0, false
}

// OpenEarlyData decrypts 0-RTT early data attached to a ClientHello
// using the resumption secret derived from the presented ticket.
func OpenEarlyData(resumptionSecret [32]byte, ch ClientHello) ([]byte, error) {
	if len(ch.EarlyData) == 0 {
		return nil, nil
	}
	aead, err := crypto.NewAEAD(crypto.SuiteChaCha20Poly1305, resumptionSecret[:], make([]byte, 12))
	if err != nil {
		return nil, err
	}
	plain, err := aead.Open(nil, 0, ch.EarlyData, ch.ClientRandom[:])
	if err != nil {
		return nil, ErrHandshakeFailed
	}
	return plain, nil
}

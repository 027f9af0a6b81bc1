package handshake

import (
	"crypto/rand"
	"errors"

	"golang.org/x/crypto/curve25519"
)

var errMalformedHandshake = errors.New("handshake: malformed message")

// KEM is the post-quantum key-encapsulation oracle the handshake
// consumes (§1 "Out of scope: Post-quantum KEM primitive internals —
// treated as a KEM oracle with a published API"). The core never
// inspects the internals of a concrete KEM; it only calls these three
// methods.
type KEM interface {
	// GenerateKeyPair returns a public key to advertise in ClientHello
	// and an opaque private handle used later in Decapsulate.
	GenerateKeyPair() (public []byte, private []byte, err error)
	// Encapsulate produces a shared secret and a ciphertext bound to
	// peerPublic, run by the responder against the initiator's public key.
	Encapsulate(peerPublic []byte) (ciphertext, sharedSecret []byte, err error)
	// Decapsulate recovers the shared secret from ciphertext using the
	// private handle returned by GenerateKeyPair.
	Decapsulate(private, ciphertext []byte) (sharedSecret []byte, err error)
}

// NoopKEM is a KEM oracle that offers nothing (empty public key, empty
// ciphertext, empty shared secret). It lets a connection run the
// handshake using only the classical ECDH exchange, which the key
// schedule still authenticates, when no PQ oracle is configured.
type NoopKEM struct{}

func (NoopKEM) GenerateKeyPair() ([]byte, []byte, error) { return nil, nil, nil }
func (NoopKEM) Encapsulate([]byte) ([]byte, []byte, error) {
	return nil, nil, nil
}
func (NoopKEM) Decapsulate([]byte, []byte) ([]byte, error) { return nil, nil }

// classicalKeyPair generates an X25519 key pair for the ECDH half of
// the hybrid exchange (§4.2 step 1-3).
func classicalKeyPair() (public, private [32]byte, err error) {
	if _, err = rand.Read(private[:]); err != nil {
		return
	}
	pub, err := curve25519.X25519(private[:], curve25519.Basepoint)
	if err != nil {
		return
	}
	copy(public[:], pub)
	return
}

func classicalSharedSecret(private, peerPublic [32]byte) ([]byte, error) {
	return curve25519.X25519(private[:], peerPublic[:])
}

// Package crypto implements the AEAD sealing, key schedule, and
// anti-replay primitives of the crypto engine (§4.2). Handshake message
// framing and the handshake state machine live in internal/handshake,
// which is built on top of this package.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"encoding/binary"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"
)

// Suite identifies a negotiated AEAD cipher suite, mirroring the two
// suites ClientHello is allowed to offer (§4.2 step 1).
type Suite uint8

const (
	SuiteChaCha20Poly1305 Suite = iota
	SuiteAES256GCM
)

func (s Suite) String() string {
	switch s {
	case SuiteChaCha20Poly1305:
		return "chacha20-poly1305"
	case SuiteAES256GCM:
		return "aes-256-gcm"
	default:
		return "unknown-suite"
	}
}

const nonceLen = 12

// AEAD wraps a cipher.AEAD with the nonce-masking construction QUIC-style
// transports use: the packet number is XORed into a fixed IV derived
// from the traffic secret, rather than sent as an explicit nonce.
type AEAD struct {
	aead      cipher.AEAD
	nonceMask [nonceLen]byte
}

// NewAEAD builds an AEAD for suite from a 32-byte key and a 12-byte IV.
func NewAEAD(suite Suite, key, iv []byte) (*AEAD, error) {
	var aead cipher.AEAD
	var err error
	switch suite {
	case SuiteChaCha20Poly1305:
		aead, err = chacha20poly1305.New(key)
	case SuiteAES256GCM:
		var block cipher.Block
		block, err = aes.NewCipher(key)
		if err == nil {
			aead, err = cipher.NewGCM(block)
		}
	default:
		return nil, fmt.Errorf("crypto: unknown suite %d", suite)
	}
	if err != nil {
		return nil, err
	}
	if len(iv) != nonceLen {
		return nil, fmt.Errorf("crypto: iv must be %d bytes, got %d", nonceLen, len(iv))
	}
	a := &AEAD{aead: aead}
	copy(a.nonceMask[:], iv)
	return a, nil
}

// Overhead is the AEAD tag size (16 bytes for both supported suites).
func (a *AEAD) Overhead() int { return a.aead.Overhead() }

func (a *AEAD) nonce(packetNumber uint64) [nonceLen]byte {
	n := a.nonceMask
	var pn [8]byte
	binary.BigEndian.PutUint64(pn[:], packetNumber)
	for i, b := range pn {
		n[nonceLen-8+i] ^= b
	}
	return n
}

// Seal encrypts plaintext in place against the outer header as
// associated data, appending the result (and tag) to out.
func (a *AEAD) Seal(out []byte, packetNumber uint64, plaintext, associatedData []byte) []byte {
	n := a.nonce(packetNumber)
	return a.aead.Seal(out, n[:], plaintext, associatedData)
}

// Open authenticates and decrypts ciphertext. A mismatched tag or
// associated data yields crypto's standard decryption failure, which
// callers map to qerr.ErrAuthTagInvalid.
func (a *AEAD) Open(out []byte, packetNumber uint64, ciphertext, associatedData []byte) ([]byte, error) {
	n := a.nonce(packetNumber)
	return a.aead.Open(out, n[:], ciphertext, associatedData)
}

package handshake

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/jetstreamproto/jsp/internal/crypto"
)

func TestClientHelloEncodeDecodeRoundTrip(t *testing.T) {
	_, hello, err := NewClientHello(NoopKEM{}, []crypto.Suite{crypto.SuiteChaCha20Poly1305, crypto.SuiteAES256GCM}, [32]byte{}, nil, nil, nil, 0)
	require.NoError(t, err)
	encoded := EncodeClientHello(hello)
	decoded, err := DecodeClientHello(encoded)
	require.NoError(t, err)
	require.Equal(t, hello.ClientRandom, decoded.ClientRandom)
	require.Equal(t, hello.ClassicalPublic, decoded.ClassicalPublic)
	require.Equal(t, hello.OfferedSuites, decoded.OfferedSuites)
}

func TestFullHandshakeDerivesMatchingTrafficSecret(t *testing.T) {
	offered := []crypto.Suite{crypto.SuiteChaCha20Poly1305, crypto.SuiteAES256GCM}
	st, hello, err := NewClientHello(NoopKEM{}, offered, [32]byte{}, nil, nil, nil, 0)
	require.NoError(t, err)

	// simulate the wire round trip
	ch, err := DecodeClientHello(EncodeClientHello(hello))
	require.NoError(t, err)

	sh, serverKeys, err := ProcessClientHello(NoopKEM{}, offered, ch, 42)
	require.NoError(t, err)

	sh2, err := DecodeServerHello(EncodeServerHello(sh))
	require.NoError(t, err)

	clientKeys, err := CompleteInitiator(st, sh2)
	require.NoError(t, err)

	require.Equal(t, serverKeys.TrafficSecret, clientKeys.TrafficSecret, "both sides of a completed handshake must derive the same traffic secret (§8)")
	require.Equal(t, serverKeys.Suite, clientKeys.Suite)
}

func TestProcessClientHelloFailsWithNoCommonSuite(t *testing.T) {
	_, hello, err := NewClientHello(NoopKEM{}, []crypto.Suite{crypto.SuiteChaCha20Poly1305}, [32]byte{}, nil, nil, nil, 0)
	require.NoError(t, err)
	_, _, err = ProcessClientHello(NoopKEM{}, []crypto.Suite{crypto.SuiteAES256GCM}, hello, 1)
	require.ErrorIs(t, err, ErrHandshakeFailed)
}

func TestNewClientHelloFailsWithNoOfferedSuites(t *testing.T) {
	_, _, err := NewClientHello(NoopKEM{}, nil, [32]byte{}, nil, nil, nil, 0)
	require.ErrorIs(t, err, ErrHandshakeFailed)
}

func TestOpenEarlyDataRoundTrip(t *testing.T) {
	var secret [32]byte
	copy(secret[:], []byte("a-resumption-secret-32-bytes-pad"))
	offered := []crypto.Suite{crypto.SuiteChaCha20Poly1305}
	st, hello, err := NewClientHello(NoopKEM{}, offered, [32]byte{1}, []byte("ticket-blob"), &secret, []byte("ping"), 1)
	require.NoError(t, err)
	require.NotNil(t, st)

	plain, err := OpenEarlyData(secret, hello)
	require.NoError(t, err)
	require.Equal(t, []byte("ping"), plain)
}

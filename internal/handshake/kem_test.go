package handshake

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/jetstreamproto/jsp/internal/crypto"
)

func TestNewClientHelloCallsKEMGenerateKeyPairAndAttachesPublicKey(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()
	kem := NewMockKEM(ctrl)
	kem.EXPECT().GenerateKeyPair().Return([]byte("pq-pub"), []byte("pq-priv"), nil)

	st, hello, err := NewClientHello(kem, []crypto.Suite{crypto.SuiteChaCha20Poly1305}, [32]byte{}, nil, nil, nil, 0)
	require.NoError(t, err)
	require.Equal(t, []byte("pq-pub"), hello.KEMPublic)
	require.Equal(t, []byte("pq-priv"), st.kemPrivate)
}

func TestNewClientHelloFailsWhenKEMGenerateKeyPairErrors(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()
	kem := NewMockKEM(ctrl)
	kem.EXPECT().GenerateKeyPair().Return(nil, nil, errors.New("oracle down"))

	_, _, err := NewClientHello(kem, []crypto.Suite{crypto.SuiteChaCha20Poly1305}, [32]byte{}, nil, nil, nil, 0)
	require.ErrorIs(t, err, ErrHandshakeFailed)
}

func TestProcessClientHelloCallsKEMEncapsulateWithOfferedPublicKey(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()
	kem := NewMockKEM(ctrl)
	kem.EXPECT().Encapsulate([]byte("pq-pub")).Return([]byte("ct"), []byte("shared"), nil)

	clientPub, _, err := classicalKeyPair()
	require.NoError(t, err)
	ch := ClientHello{ClassicalPublic: clientPub, KEMPublic: []byte("pq-pub"), OfferedSuites: []crypto.Suite{crypto.SuiteChaCha20Poly1305}}
	sh, _, err := ProcessClientHello(kem, []crypto.Suite{crypto.SuiteChaCha20Poly1305}, ch, 1)
	require.NoError(t, err)
	require.Equal(t, []byte("ct"), sh.KEMCiphertext)
}

func TestCompleteInitiatorCallsKEMDecapsulateWithStoredPrivateHandle(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()
	kem := NewMockKEM(ctrl)
	kem.EXPECT().GenerateKeyPair().Return([]byte("pub"), []byte("priv-handle"), nil)
	kem.EXPECT().Decapsulate([]byte("priv-handle"), []byte("server-ct")).Return([]byte("shared-secret"), nil)

	st, _, err := NewClientHello(kem, []crypto.Suite{crypto.SuiteChaCha20Poly1305}, [32]byte{}, nil, nil, nil, 0)
	require.NoError(t, err)

	serverPub, _, err := classicalKeyPair()
	require.NoError(t, err)
	sh := ServerHello{ClassicalPublic: serverPub, KEMCiphertext: []byte("server-ct"), SelectedSuite: crypto.SuiteChaCha20Poly1305}
	_, err = CompleteInitiator(st, sh)
	require.NoError(t, err)
}

func TestCompleteInitiatorPropagatesKEMDecapsulateFailure(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()
	kem := NewMockKEM(ctrl)
	kem.EXPECT().GenerateKeyPair().Return([]byte("pub"), []byte("priv"), nil)
	kem.EXPECT().Decapsulate(gomock.Any(), gomock.Any()).Return(nil, errors.New("bad ciphertext"))

	st, _, err := NewClientHello(kem, []crypto.Suite{crypto.SuiteChaCha20Poly1305}, [32]byte{}, nil, nil, nil, 0)
	require.NoError(t, err)

	serverPub, _, err := classicalKeyPair()
	require.NoError(t, err)
	_, err = CompleteInitiator(st, ServerHello{ClassicalPublic: serverPub, KEMCiphertext: []byte("x"), SelectedSuite: crypto.SuiteChaCha20Poly1305})
	require.ErrorIs(t, err, ErrHandshakeFailed)
}

package wire

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/jetstreamproto/jsp/internal/protocol"
)

func TestHeaderRoundTripWithCID(t *testing.T) {
	var cid [ConnectionIDLen]byte
	copy(cid[:], []byte{1, 2, 3, 4, 5, 6, 7, 8})
	h := Header{HasCID: true, ConnectionID: cid, PacketNumber: protocol.PacketNumber(12345)}
	b := AppendHeader(nil, h)
	got, n, err := ParseHeader(b)
	require.NoError(t, err)
	require.Equal(t, len(b), n)
	require.Equal(t, h, got)
}

func TestHeaderRoundTripLongHeaderNoCID(t *testing.T) {
	h := Header{LongHeader: true, HasCID: false, PacketNumber: 1}
	b := AppendHeader(nil, h)
	got, n, err := ParseHeader(b)
	require.NoError(t, err)
	require.Equal(t, len(b), n)
	require.True(t, got.LongHeader)
	require.False(t, got.HasCID)
}

func TestHeaderTruncated(t *testing.T) {
	h := Header{HasCID: true, PacketNumber: 7}
	b := AppendHeader(nil, h)
	_, _, err := ParseHeader(b[:len(b)-1])
	require.Error(t, err)
}

func TestHeaderEmptyBuffer(t *testing.T) {
	_, _, err := ParseHeader(nil)
	require.ErrorIs(t, err, ErrHeaderTooShort)
}

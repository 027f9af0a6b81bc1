package jetstream

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	jcrypto "github.com/jetstreamproto/jsp/internal/crypto"
	"github.com/jetstreamproto/jsp/internal/fec"
	"github.com/jetstreamproto/jsp/internal/protocol"
	"github.com/jetstreamproto/jsp/internal/wire"
)

func newTestConnection() *Connection {
	return newConnection(nil, &net.UDPAddr{}, true, DefaultConfig())
}

func TestWithinTimestampSkewAcceptsWithinBoundAndRejectsOutside(t *testing.T) {
	c := newTestConnection()
	now := time.Now()
	require.True(t, c.withinTimestampSkew(uint64(now.Add(-59*time.Second).UnixMilli()), now))
	require.True(t, c.withinTimestampSkew(uint64(now.Add(59*time.Second).UnixMilli()), now))
	require.False(t, c.withinTimestampSkew(uint64(now.Add(-61*time.Second).UnixMilli()), now), "a frame older than the skew window must be rejected")
	require.False(t, c.withinTimestampSkew(uint64(now.Add(61*time.Second).UnixMilli()), now), "a frame too far in the future must be rejected")
}

// TestHandleShortPacketAcceptsPreviousEpochWithinOneRTT builds a packet
// sealed under the epoch rotateKeys just retired and confirms
// handleShortPacket still decrypts it via the retained recvAEADPrev,
// i.e. a packet reordered across a key update is not silently dropped.
func TestHandleShortPacketAcceptsPreviousEpochWithinOneRTT(t *testing.T) {
	c := newTestConnection()
	c.state = stateEstablished
	c.suite = jcrypto.SuiteChaCha20Poly1305
	c.remoteAddr = &net.UDPAddr{}

	oldKey, oldIV := make([]byte, 32), make([]byte, 12)
	oldKey[0], oldIV[0] = 1, 1
	oldAEAD, err := jcrypto.NewAEAD(c.suite, oldKey, oldIV)
	require.NoError(t, err)

	newKey, newIV := make([]byte, 32), make([]byte, 12)
	newKey[0], newIV[0] = 2, 2
	newAEAD, err := jcrypto.NewAEAD(c.suite, newKey, newIV)
	require.NoError(t, err)

	// Seal a packet under the old epoch (KeyPhase=false) before rotation.
	hdr := wire.Header{HasCID: true, PacketNumber: 1, KeyPhase: false}
	out := wire.AppendHeader(nil, hdr)
	headerLen := len(out)
	out = oldAEAD.Seal(out, 1, nil, out[:headerLen])

	// Now rotate: current epoch becomes the new keys, old recv key is
	// retained as recvAEADPrev for one RTT.
	c.recvAEAD = newAEAD
	c.recvAEADPrev = oldAEAD
	c.recvPrevExpiry = time.Now().Add(time.Second)
	c.keyPhase = true

	c.handleShortPacket(out, &net.UDPAddr{})
	// No panic/early-return assertion available directly; verify the
	// replay window recorded packet 1 as accepted, which only happens
	// past a successful Open.
	require.False(t, c.replay.Check(1), "packet 1 must be recorded as accepted by the fallback decrypt, so a second delivery reads as a replay")
}

func TestHandleShortPacketDropsAfterPreviousEpochExpires(t *testing.T) {
	c := newTestConnection()
	c.state = stateEstablished
	c.suite = jcrypto.SuiteChaCha20Poly1305
	c.remoteAddr = &net.UDPAddr{}

	oldKey, oldIV := make([]byte, 32), make([]byte, 12)
	oldKey[0], oldIV[0] = 1, 1
	oldAEAD, err := jcrypto.NewAEAD(c.suite, oldKey, oldIV)
	require.NoError(t, err)
	newKey, newIV := make([]byte, 32), make([]byte, 12)
	newKey[0], newIV[0] = 2, 2
	newAEAD, err := jcrypto.NewAEAD(c.suite, newKey, newIV)
	require.NoError(t, err)

	hdr := wire.Header{HasCID: true, PacketNumber: 1, KeyPhase: false}
	out := wire.AppendHeader(nil, hdr)
	headerLen := len(out)
	out = oldAEAD.Seal(out, 1, nil, out[:headerLen])

	c.recvAEAD = newAEAD
	c.recvAEADPrev = oldAEAD
	c.recvPrevExpiry = time.Now().Add(-time.Millisecond) // already expired
	c.keyPhase = true

	c.handleShortPacket(out, &net.UDPAddr{})
	require.True(t, c.replay.Check(1), "once the previous epoch's validity window has passed it must no longer be tried, so the packet is dropped and never marked accepted")
}

func TestRotateKeysRetainsPreviousRecvAEADAndFlipsKeyPhase(t *testing.T) {
	c := newTestConnection()
	c.suite = jcrypto.SuiteChaCha20Poly1305
	c.trafficSecret = [jcrypto.TrafficSecretLen]byte{9}
	c.sendAEAD, _ = jcrypto.NewAEAD(c.suite, make([]byte, 32), make([]byte, 12))
	c.recvAEAD, _ = jcrypto.NewAEAD(c.suite, make([]byte, 32), make([]byte, 12))
	priorRecv := c.recvAEAD
	c.lastKeyUpdate = time.Now()

	c.rotateKeys()

	require.Same(t, priorRecv, c.recvAEADPrev, "the outgoing recv key must be retained, not discarded")
	require.NotSame(t, priorRecv, c.recvAEAD, "a fresh recv key must be installed for the new epoch")
	require.True(t, c.keyPhase, "rotation must flip the key-phase bit so sendEncryptedTo signals the new epoch")
	require.Zero(t, c.packetsSinceKeyUpdate)
}

// TestHandleShortPacketCatchesUpWhenPeerRotatedFirst covers the case where
// the remote side's independent rotation trigger (packet count or elapsed
// time) fires before ours does. The packet arrives sealed under an epoch we
// haven't derived yet, so neither recvAEAD nor recvAEADPrev opens it; since
// the key schedule is a deterministic HKDF ratchet off the shared traffic
// secret, rotating locally must reproduce the same epoch and let the retry
// succeed.
func TestHandleShortPacketCatchesUpWhenPeerRotatedFirst(t *testing.T) {
	c := newTestConnection()
	c.state = stateEstablished
	c.suite = jcrypto.SuiteChaCha20Poly1305
	c.remoteAddr = &net.UDPAddr{}
	c.isClient = true

	secret := [jcrypto.TrafficSecretLen]byte{7}
	c.trafficSecret = secret

	// We are still on epoch 0: our recv direction as a client is s2c.
	epoch0Recv := jcrypto.DeriveDirectionalKeys(secret, "jsp-v1 s2c")
	recvAEAD, err := jcrypto.NewAEAD(c.suite, epoch0Recv.Key[:], epoch0Recv.IV[:])
	require.NoError(t, err)
	c.recvAEAD = recvAEAD
	c.recvAEADPrev = nil
	c.keyPhase = false
	c.sendAEAD = recvAEAD // placeholder, unused by this path

	// The peer (server) already rotated: its next epoch's s2c send key is
	// what it used to seal this packet.
	nextSecret := jcrypto.UpdateTrafficSecret(secret)
	epoch1Send := jcrypto.DeriveDirectionalKeys(nextSecret, "jsp-v1 s2c")
	peerAEAD, err := jcrypto.NewAEAD(c.suite, epoch1Send.Key[:], epoch1Send.IV[:])
	require.NoError(t, err)

	hdr := wire.Header{HasCID: true, PacketNumber: 1, KeyPhase: true}
	out := wire.AppendHeader(nil, hdr)
	headerLen := len(out)
	out = peerAEAD.Seal(out, 1, nil, out[:headerLen])

	c.handleShortPacket(out, &net.UDPAddr{})

	require.True(t, c.keyPhase, "catching up must leave the connection on the peer's epoch")
	require.False(t, c.replay.Check(1), "the retried decrypt after catch-up rotation must succeed and mark packet 1 accepted")
}

func TestMaybeFlushIdleFECFlushesStalledGroupPastItsTimer(t *testing.T) {
	c := newTestConnection()
	c.config.FECGroupSize = 4
	c.config.FECParity = 2
	start := time.Now().Add(-20 * time.Millisecond)
	c.fecGroup = fec.NewSourceGroup(fec.GroupConfig{
		DataShards: 4, ParityShards: 2, FlushAfter: 10 * time.Millisecond,
	}, 0, start)
	c.fecGroup.Add([]byte("partial-shard"))

	retiredID := c.fecSeq
	c.maybeFlushIdleFEC(time.Now())

	require.Equal(t, retiredID+1, c.fecSeq, "the stalled group must be retired and a fresh one started")
	require.True(t, c.fecGroup.Empty(), "a fresh, empty group must replace the flushed one")
}

// TestHandleShortPacketCountsReplayAsInvalid delivers the same sealed
// packet twice: the first pass must be accepted, the second read as a
// replay and recorded on the invalid-packet counter (§7 drop-only).
func TestHandleShortPacketCountsReplayAsInvalid(t *testing.T) {
	c := newTestConnection()
	c.state = stateEstablished
	c.suite = jcrypto.SuiteChaCha20Poly1305

	key, iv := make([]byte, 32), make([]byte, 12)
	key[0], iv[0] = 3, 3
	aead, err := jcrypto.NewAEAD(c.suite, key, iv)
	require.NoError(t, err)
	c.recvAEAD = aead

	hdr := wire.Header{HasCID: true, PacketNumber: 7}
	out := wire.AppendHeader(nil, hdr)
	headerLen := len(out)
	out = aead.Seal(out, 7, nil, out[:headerLen])

	c.handleShortPacket(out, &net.UDPAddr{})
	require.Zero(t, c.InvalidPackets())
	c.handleShortPacket(out, &net.UDPAddr{})
	require.Equal(t, uint64(1), c.InvalidPackets(), "the second delivery of packet 7 must be counted as invalid")
}

func TestHandleShortPacketCountsBadAuthTagAsInvalid(t *testing.T) {
	c := newTestConnection()
	c.state = stateEstablished
	c.suite = jcrypto.SuiteChaCha20Poly1305

	sealKey, sealIV := make([]byte, 32), make([]byte, 12)
	sealKey[0], sealIV[0] = 1, 1
	sealer, err := jcrypto.NewAEAD(c.suite, sealKey, sealIV)
	require.NoError(t, err)
	recvKey, recvIV := make([]byte, 32), make([]byte, 12)
	recvKey[0], recvIV[0] = 2, 2
	c.recvAEAD, err = jcrypto.NewAEAD(c.suite, recvKey, recvIV)
	require.NoError(t, err)

	hdr := wire.Header{HasCID: true, PacketNumber: 1}
	out := wire.AppendHeader(nil, hdr)
	headerLen := len(out)
	out = sealer.Seal(out, 1, nil, out[:headerLen])

	c.handleShortPacket(out, &net.UDPAddr{})
	require.Equal(t, uint64(1), c.InvalidPackets())
	require.True(t, c.replay.Check(1), "an undecryptable packet must not be marked accepted")
}

// TestCheckHeartbeatSendsOnePingPerInterval drives checkHeartbeat the
// way the 10ms driver tick does and confirms an idle connection is
// pinged once per HeartbeatInterval, not once per tick.
func TestCheckHeartbeatSendsOnePingPerInterval(t *testing.T) {
	c := newTestConnection()
	c.state = stateEstablished
	now := time.Now()
	c.lastActivity = now.Add(-2 * c.config.HeartbeatInterval)

	c.checkHeartbeat(now)
	require.Equal(t, 1, c.heartbeatMissed)
	c.checkHeartbeat(now.Add(10 * time.Millisecond))
	c.checkHeartbeat(now.Add(20 * time.Millisecond))
	require.Equal(t, 1, c.heartbeatMissed, "ticks inside the same interval must not count further missed pongs")

	c.checkHeartbeat(now.Add(c.config.HeartbeatInterval))
	require.Equal(t, 2, c.heartbeatMissed, "the next cadence point without inbound traffic counts a second miss")
}

// TestFecRecoveryDispatchesReconstructedFrame loses one of two tagged
// source shards and confirms the repair shard alone lets the receiver
// rebuild the lost Data frame and deliver its payload in order.
func TestFecRecoveryDispatchesReconstructedFrame(t *testing.T) {
	c := newTestConnection()
	c.state = stateEstablished
	c.config.FECGroupSize = 2
	c.config.FECParity = 1
	now := time.Now()

	mkFrame := func(seq uint64, body string, shardIdx uint64) wire.Frame {
		return wire.Frame{
			Header: wire.FrameHeader{
				StreamID:     2,
				Type:         wire.MsgData,
				Flags:        wire.FrameFlagFinal,
				Sequence:     seq,
				TimestampMs:  uint64(now.UnixMilli()),
				Nonce:        1<<8 | shardIdx, // group 0, tagged
				DeliveryMode: protocol.DeliveryReliable,
			},
			Body: []byte(body),
		}
	}
	f0 := mkFrame(0, "alpha", 0)
	f1 := mkFrame(1, "omega", 1) // same body length keeps the shards aligned

	enc := fec.NewEncoder(2, 1)
	repair, err := enc.Encode([][]byte{wire.AppendFrame(nil, f0), wire.AppendFrame(nil, f1)})
	require.NoError(t, err)
	require.Len(t, repair, 1)

	c.handleDataFrame(f0, now, false)
	// f1 is lost in transit; only its group's repair shard arrives.
	c.fecAddShard(0, 2, repair[0], 2, now)

	s, ok := c.streams.get(2)
	require.True(t, ok)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	first, err := s.Recv(ctx)
	require.NoError(t, err)
	require.Equal(t, []byte("alpha"), first)
	second, err := s.Recv(ctx)
	require.NoError(t, err)
	require.Equal(t, []byte("omega"), second, "the reconstructed frame must be delivered in sequence order")
}

func TestMaybeFlushIdleFECLeavesEmptyGroupAlone(t *testing.T) {
	c := newTestConnection()
	c.config.FECGroupSize = 4
	c.config.FECParity = 2
	start := time.Now().Add(-20 * time.Millisecond)
	group := fec.NewSourceGroup(fec.GroupConfig{
		DataShards: 4, ParityShards: 2, FlushAfter: 10 * time.Millisecond,
	}, 0, start)
	c.fecGroup = group

	c.maybeFlushIdleFEC(time.Now())
	require.Same(t, group, c.fecGroup, "an empty group past its timer has nothing to flush and must not be rotated")
}

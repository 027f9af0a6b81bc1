package jetstream

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/jetstreamproto/jsp/internal/protocol"
)

func newTestStreamsMap(max int) *streamsMap {
	conn := &Connection{config: &Config{MaxPacketSize: 1400}, ctrl: make(chan ctrlFrame, 32)}
	return newStreamsMap(conn, max)
}

func TestOpenLocalAllocatesOddIDsForClient(t *testing.T) {
	m := newTestStreamsMap(10)
	s1, err := m.openLocal(true, 0, protocol.DeliveryReliable, 0)
	require.NoError(t, err)
	s2, err := m.openLocal(true, 0, protocol.DeliveryReliable, 0)
	require.NoError(t, err)
	require.Equal(t, protocol.StreamID(1), s1.ID())
	require.Equal(t, protocol.StreamID(3), s2.ID())
}

func TestOpenLocalAllocatesEvenIDsForServer(t *testing.T) {
	m := newTestStreamsMap(10)
	s1, err := m.openLocal(false, 0, protocol.DeliveryReliable, 0)
	require.NoError(t, err)
	s2, err := m.openLocal(false, 0, protocol.DeliveryReliable, 0)
	require.NoError(t, err)
	require.Equal(t, protocol.StreamID(2), s1.ID())
	require.Equal(t, protocol.StreamID(4), s2.ID())
}

func TestOpenLocalFailsOnceAtMaxStreams(t *testing.T) {
	m := newTestStreamsMap(1)
	_, err := m.openLocal(true, 0, protocol.DeliveryReliable, 0)
	require.NoError(t, err)
	_, err = m.openLocal(true, 0, protocol.DeliveryReliable, 0)
	require.ErrorIs(t, err, ErrTooManyStreams)
}

func TestOpenRemoteReturnsExistingStreamIfAlreadyRegistered(t *testing.T) {
	m := newTestStreamsMap(10)
	first, err := m.openRemote(7, 0, protocol.DeliveryReliable, 0)
	require.NoError(t, err)
	second, err := m.openRemote(7, 5, protocol.DeliveryBestEffort, 0)
	require.NoError(t, err)
	require.Same(t, first, second, "a duplicate open for a known stream id must return the existing stream unchanged")
}

func TestGetOrCreateRemoteImplicitlyOpensBestEffort(t *testing.T) {
	m := newTestStreamsMap(10)
	s, err := m.getOrCreateRemote(9)
	require.NoError(t, err)
	require.Equal(t, protocol.DeliveryBestEffort, s.Mode())
	again, ok := m.get(9)
	require.True(t, ok)
	require.Same(t, s, again)
}

func TestReapRemovesOnlyClosedStreams(t *testing.T) {
	m := newTestStreamsMap(10)
	open, _ := m.openLocal(true, 0, protocol.DeliveryReliable, 0)
	closed, _ := m.openLocal(true, 0, protocol.DeliveryBestEffort, 0)
	closed.Close() // BestEffort closes immediately
	m.reap()
	_, stillThere := m.get(open.ID())
	require.True(t, stillThere)
	_, gone := m.get(closed.ID())
	require.False(t, gone)
}

func TestScheduleOrdersHigherPriorityTiersFirst(t *testing.T) {
	m := newTestStreamsMap(10)
	low, _ := m.openLocal(true, 1, protocol.DeliveryBestEffort, 0)
	high, _ := m.openLocal(true, 9, protocol.DeliveryBestEffort, 0)
	require.NoError(t, low.Send([]byte("a")))
	require.NoError(t, high.Send([]byte("b")))

	ordered := m.schedule()
	require.Len(t, ordered, 2)
	require.Equal(t, high.ID(), ordered[0].ID(), "a higher-priority stream must be scheduled ahead of a lower one")
	require.Equal(t, low.ID(), ordered[1].ID())
}

func TestScheduleRoundRobinsWithinSamePriorityTier(t *testing.T) {
	m := newTestStreamsMap(10)
	a, _ := m.openLocal(true, 5, protocol.DeliveryBestEffort, 0)
	b, _ := m.openLocal(true, 5, protocol.DeliveryBestEffort, 0)
	require.NoError(t, a.Send([]byte("x")))
	require.NoError(t, b.Send([]byte("y")))

	first := m.schedule()
	require.Equal(t, a.ID(), first[0].ID())

	require.NoError(t, a.Send([]byte("x2")))
	require.NoError(t, b.Send([]byte("y2")))
	second := m.schedule()
	require.Equal(t, b.ID(), second[0].ID(), "the cursor must advance so the tier's next stream leads next round")
}

func TestScheduleSkipsStreamsWithNoPendingOutbox(t *testing.T) {
	m := newTestStreamsMap(10)
	idle, _ := m.openLocal(true, 0, protocol.DeliveryBestEffort, 0)
	active, _ := m.openLocal(true, 0, protocol.DeliveryBestEffort, 0)
	require.NoError(t, active.Send([]byte("z")))
	_ = idle

	ordered := m.schedule()
	require.Len(t, ordered, 1)
	require.Equal(t, active.ID(), ordered[0].ID())
}

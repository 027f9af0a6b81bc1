package jetstream

import (
	"sort"
	"sync"
	"time"

	"github.com/jetstreamproto/jsp/internal/flowcontrol"
	"github.com/jetstreamproto/jsp/internal/protocol"
)

// streamsMap owns every Stream on a connection: id allocation, lookup,
// the MaxStreams cap, and the priority/round-robin schedule consulted by
// the connection driver's emit phase (§4.3, §4.8).
type streamsMap struct {
	mu sync.Mutex

	conn       *Connection
	perSide    bool // not set or read; id parity comes from clientNext/serverNext
	clientNext protocol.StreamID
	serverNext protocol.StreamID
	maxStreams int

	streams map[protocol.StreamID]*Stream
	// round-robin cursor per priority tier, keyed by priority value
	cursor map[uint8]int
}

func newStreamsMap(conn *Connection, maxStreams int) *streamsMap {
	return &streamsMap{
		conn:       conn,
		clientNext: 1,
		serverNext: 2,
		maxStreams: maxStreams,
		streams:    make(map[protocol.StreamID]*Stream),
		cursor:     make(map[uint8]int),
	}
}

// openLocal allocates a fresh stream id for the local side (client uses
// odd ids, server even, per protocol.StreamID.IsClientAllocated) and
// registers the Stream (§4.3 "open").
func (m *streamsMap) openLocal(isClient bool, priority uint8, mode protocol.DeliveryMode, ttl time.Duration) (*Stream, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.streams) >= m.maxStreams {
		return nil, ErrTooManyStreams
	}
	var id protocol.StreamID
	if isClient {
		id = m.clientNext
		m.clientNext += 2
	} else {
		id = m.serverNext
		m.serverNext += 2
	}
	s := newStream(m.conn, id, priority, mode, ttl)
	m.grantConnCredit(s)
	m.streams[id] = s
	return s, nil
}

// openRemote registers a stream the peer has just opened via a
// StreamControl(open) frame, returning the existing stream if a frame
// for it already arrived out of order.
func (m *streamsMap) openRemote(id protocol.StreamID, priority uint8, mode protocol.DeliveryMode, ttl time.Duration) (*Stream, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.streams[id]; ok {
		return s, nil
	}
	if len(m.streams) >= m.maxStreams {
		return nil, ErrTooManyStreams
	}
	s := newStream(m.conn, id, priority, mode, ttl)
	m.grantConnCredit(s)
	m.streams[id] = s
	return s, nil
}

// getOrCreateRemote returns the stream for id, implicitly opening it
// with default parameters if a Data frame beats its StreamControl(open)
// (best-effort streams may never send one at all, §3 invariant 4).
func (m *streamsMap) getOrCreateRemote(id protocol.StreamID) (*Stream, error) {
	m.mu.Lock()
	if s, ok := m.streams[id]; ok {
		m.mu.Unlock()
		return s, nil
	}
	m.mu.Unlock()
	return m.openRemote(id, 0, protocol.DeliveryBestEffort, 0)
}

func (m *streamsMap) get(id protocol.StreamID) (*Stream, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.streams[id]
	return s, ok
}

func (m *streamsMap) remove(id protocol.StreamID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.streams[id]; !ok {
		return
	}
	delete(m.streams, id)
	if m.conn.connFlow != nil {
		m.conn.connFlow.Release(flowcontrol.DefaultStreamWindow)
	}
}

// reap drops every stream that reached StreamClosed, called periodically
// by the driver's housekeeping pass.
func (m *streamsMap) reap() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, s := range m.streams {
		if s.State() == protocol.StreamClosed {
			delete(m.streams, id)
			if m.conn.connFlow != nil {
				m.conn.connFlow.Release(flowcontrol.DefaultStreamWindow)
			}
		}
	}
}

// grantConnCredit admits a freshly opened stream's receive window against
// the connection-level send credit, enforcing that the sum of every
// stream's granted credit never exceeds the connection's own window
// (§3 invariant 5). The stream itself is never refused for this — a
// connection running low on aggregate credit throttles via normal flow
// control instead, it just stops granting fresh headroom.
func (m *streamsMap) grantConnCredit(s *Stream) {
	if m.conn.connFlow == nil {
		return
	}
	if m.conn.connFlow.CanGrant(flowcontrol.DefaultStreamWindow) {
		m.conn.connFlow.Grant(flowcontrol.DefaultStreamWindow)
	}
}

// schedule returns streams with pending outbound data in priority order,
// round-robining within a priority tier so no stream starves its peers
// at the same level (§4.3's scheduling note under "send").
func (m *streamsMap) schedule() []*Stream {
	m.mu.Lock()
	defer m.mu.Unlock()

	byPriority := make(map[uint8][]*Stream)
	for _, s := range m.streams {
		s.mu.Lock()
		has := len(s.outbox) > 0
		s.mu.Unlock()
		if has {
			byPriority[s.priority] = append(byPriority[s.priority], s)
		}
	}
	var tiers []uint8
	for p := range byPriority {
		tiers = append(tiers, p)
	}
	sort.Slice(tiers, func(i, j int) bool { return tiers[i] > tiers[j] })

	var ordered []*Stream
	for _, p := range tiers {
		group := byPriority[p]
		sort.Slice(group, func(i, j int) bool { return group[i].id < group[j].id })
		start := m.cursor[p] % len(group)
		for i := 0; i < len(group); i++ {
			ordered = append(ordered, group[(start+i)%len(group)])
		}
		m.cursor[p] = (start + 1) % len(group)
	}
	return ordered
}

func (m *streamsMap) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.streams)
}

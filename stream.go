package jetstream

import (
	"context"
	"sync"
	"time"

	"github.com/jetstreamproto/jsp/internal/flowcontrol"
	"github.com/jetstreamproto/jsp/internal/protocol"
)

// pendingMessage is one application-level send, already MTU-split into
// fragments if needed (§8 "single frames larger than max_packet_size are
// split into multiple frames with a continuation flag").
type pendingMessage struct {
	fragments  [][]byte
	mode       protocol.DeliveryMode
	queuedAt   time.Time
	deferredAt time.Time // first rate-limit denial, zero until then
}

// inboundFrag is one received Data frame awaiting reassembly: its
// payload plus whether it carries the final-fragment flag.
type inboundFrag struct {
	payload []byte
	final   bool
}

// reassembly buffers a Reliable stream's inbound frames until their
// gap-free prefix can be delivered in send order (§3 invariant, §4.3
// "deliver_inbound"). Fragments of an MTU-split message are joined back
// into the original message before delivery; only frames carrying the
// final flag complete a message.
type reassembly struct {
	nextDeliverSeq uint64
	pending        map[uint64]inboundFrag
	partial        [][]byte // in-order fragments of the message being assembled
}

func newReassembly() *reassembly { return &reassembly{pending: make(map[uint64]inboundFrag)} }

// accept folds in one inbound frame and returns every message now
// deliverable in order, draining the contiguous prefix starting at seq
// and joining fragment runs at each final-flagged frame.
func (r *reassembly) accept(seq uint64, payload []byte, final bool) [][]byte {
	if seq < r.nextDeliverSeq {
		return nil // duplicate/old, already delivered
	}
	r.pending[seq] = inboundFrag{payload: payload, final: final}
	var out [][]byte
	for {
		f, ok := r.pending[r.nextDeliverSeq]
		if !ok {
			break
		}
		delete(r.pending, r.nextDeliverSeq)
		r.nextDeliverSeq++
		r.partial = append(r.partial, f.payload)
		if f.final {
			out = append(out, joinFragments(r.partial))
			r.partial = nil
		}
	}
	return out
}

func joinFragments(frags [][]byte) []byte {
	if len(frags) == 1 {
		return frags[0]
	}
	total := 0
	for _, f := range frags {
		total += len(f)
	}
	msg := make([]byte, 0, total)
	for _, f := range frags {
		msg = append(msg, f...)
	}
	return msg
}

// Stream is one logical message channel scoped to a connection (§3).
type Stream struct {
	mu sync.Mutex

	id       protocol.StreamID
	state    protocol.StreamState
	priority uint8
	mode     protocol.DeliveryMode
	ttl      time.Duration

	sendFlow *flowcontrol.FlowController
	recvFlow *flowcontrol.FlowController

	sendSeq uint64 // next outbound frame_sequence on this stream
	reorder *reassembly

	// arrival-order fragment state for BestEffort/PartiallyReliable
	// streams, which join contiguous fragment runs but never gap-fill.
	arrivalPartial [][]byte
	arrivalNext    uint64

	outbox     []pendingMessage
	lastActive time.Time

	peerClosed bool
	localClosed bool
	failErr     error

	inbox chan []byte

	conn *Connection
}

func newStream(conn *Connection, id protocol.StreamID, priority uint8, mode protocol.DeliveryMode, ttl time.Duration) *Stream {
	return &Stream{
		id:         id,
		state:      protocol.StreamOpening,
		priority:   priority,
		mode:       mode,
		ttl:        ttl,
		sendFlow:   flowcontrol.New(flowcontrol.DefaultStreamWindow, flowcontrol.DefaultStreamWindow),
		recvFlow:   flowcontrol.New(flowcontrol.DefaultStreamWindow, flowcontrol.DefaultStreamWindow),
		reorder:    newReassembly(),
		lastActive: time.Now(),
		inbox:      make(chan []byte, 256),
		conn:       conn,
	}
}

// Recv blocks until the next in-order payload is available, ctx is
// cancelled, or the stream reaches StreamClosed.
func (s *Stream) Recv(ctx context.Context) ([]byte, error) {
	s.mu.Lock()
	inbox := s.inbox
	s.mu.Unlock()
	if inbox == nil {
		return nil, s.terminalErr()
	}
	select {
	case p, ok := <-inbox:
		if !ok {
			return nil, s.terminalErr()
		}
		return p, nil
	case <-s.conn.closed:
		return nil, s.conn.closeError()
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// terminalErr is what Recv and Send report once the stream is done: the
// recorded failure if the stream died abnormally, plain StreamClosed
// otherwise.
func (s *Stream) terminalErr() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failErr != nil {
		return s.failErr
	}
	return ErrStreamClosed
}

// deliver pushes payloads ready for the application, dropping them if
// the inbox is full rather than blocking the driver loop (BestEffort
// semantics extend naturally to a slow reader).
func (s *Stream) deliver(payloads [][]byte) {
	s.mu.Lock()
	inbox := s.inbox
	s.mu.Unlock()
	if inbox == nil {
		return
	}
	for _, p := range payloads {
		select {
		case inbox <- p:
		default:
		}
	}
}

// advanceFragment drops the head fragment of the head outbox message
// without sending it, the BestEffort response to a rate-limit denial
// (§4.7 "BestEffort: drop silently").
func (s *Stream) advanceFragment() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.outbox) == 0 {
		return
	}
	head := &s.outbox[0]
	if len(head.fragments) > 0 {
		head.fragments = head.fragments[1:]
	}
	if len(head.fragments) == 0 {
		s.outbox = s.outbox[1:]
	}
}

// closeInbox is called once the stream reaches StreamClosed so a
// blocked Recv returns ErrStreamClosed instead of hanging forever.
func (s *Stream) closeInbox() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.inbox != nil {
		close(s.inbox)
		s.inbox = nil
	}
}

// maybeWindowUpdate reports whether enough receive credit has been
// consumed to warrant advertising a fresh window, consuming the check if
// so (§4.3 "flow control").
func (s *Stream) maybeWindowUpdate() (protocol.ByteCount, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.recvFlow.ShouldEmitWindowUpdate() {
		return 0, false
	}
	return s.recvFlow.WindowUpdate(), true
}

func (s *Stream) ID() protocol.StreamID { return s.id }

func (s *Stream) State() protocol.StreamState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Priority returns the stream's scheduling priority (higher served first).
func (s *Stream) Priority() uint8 { return s.priority }

// Mode returns the stream's delivery mode.
func (s *Stream) Mode() protocol.DeliveryMode { return s.mode }

// Send enqueues bytes for transmission, splitting into MTU-sized
// fragments with a continuation flag when necessary (§4.1, §8). It
// fails StreamClosed if the stream has already moved to Closing/Closed,
// or WindowExhausted if send credit is exhausted.
func (s *Stream) Send(data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failErr != nil {
		return s.failErr
	}
	if s.state == protocol.StreamClosing || s.state == protocol.StreamClosed {
		return ErrStreamClosed
	}
	if protocol.ByteCount(len(data)) > s.sendFlow.SendCredit() && s.mode != protocol.DeliveryBestEffort {
		return ErrWindowExhausted
	}
	if s.state == protocol.StreamOpening && s.mode == protocol.DeliveryBestEffort {
		s.state = protocol.StreamOpen // BestEffort fast-path (§3 invariant 4)
	}
	mtu := int(s.conn.config.MaxPacketSize) - protocol.HeaderLen
	if mtu <= 0 {
		mtu = 1
	}
	var fragments [][]byte
	if len(data) == 0 {
		fragments = [][]byte{{}}
	}
	for off := 0; off < len(data); off += mtu {
		end := off + mtu
		if end > len(data) {
			end = len(data)
		}
		fragments = append(fragments, data[off:end])
	}
	s.outbox = append(s.outbox, pendingMessage{fragments: fragments, mode: s.mode, queuedAt: time.Now()})
	s.sendFlow.AddBytesSent(protocol.ByteCount(len(data)))
	s.lastActive = time.Now()
	return nil
}

// Close enqueues StreamControl(close) and waits for the peer's close
// before transitioning to Closed, except BestEffort streams which close
// immediately (§4.3 "close").
func (s *Stream) Close() {
	s.mu.Lock()
	if s.state == protocol.StreamClosed || s.localClosed {
		s.mu.Unlock()
		return
	}
	s.localClosed = true
	if s.mode == protocol.DeliveryBestEffort {
		s.state = protocol.StreamClosed
	} else {
		s.state = protocol.StreamClosing
		if s.peerClosed {
			s.state = protocol.StreamClosed
		}
	}
	reachedClosed := s.state == protocol.StreamClosed
	s.mu.Unlock()
	s.conn.queueStreamClose(s.id)
	if reachedClosed {
		s.closeInbox()
	}
}

// onPeerClose processes an inbound StreamControl(close). It reports
// whether this side still owes the peer its own close frame, so both
// halves of the two-sided close complete (§3 "Lifecycles").
func (s *Stream) onPeerClose() (needEcho bool) {
	s.mu.Lock()
	s.peerClosed = true
	needEcho = !s.localClosed
	s.localClosed = true
	s.state = protocol.StreamClosed
	s.mu.Unlock()
	s.closeInbox()
	return needEcho
}

// fail terminates the stream abnormally: the error is surfaced on every
// later Send and on any blocked or later Recv (§4.4 "Failure
// signalling", §4.7 rate-limit policy for Reliable frames).
func (s *Stream) fail(err error) {
	s.mu.Lock()
	if s.failErr == nil {
		s.failErr = err
	}
	s.state = protocol.StreamClosed
	s.outbox = nil
	s.mu.Unlock()
	s.closeInbox()
}

// deliverInbound folds in one received Data frame, returning messages
// now ready for delivery to the application in the order §4.3 requires.
// final marks the last (or only) fragment of an MTU-split message.
func (s *Stream) deliverInbound(seq uint64, payload []byte, mode protocol.DeliveryMode, final bool) [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastActive = time.Now()
	if s.state == protocol.StreamOpening {
		s.state = protocol.StreamOpen
	}
	s.recvFlow.AddBytesRead(protocol.ByteCount(len(payload)))
	if mode == protocol.DeliveryReliable {
		return s.reorder.accept(seq, payload, final)
	}
	// BestEffort and expired PartiallyReliable: arrival order, no gap
	// filling. Contiguous fragment runs are still joined; a sequence gap
	// abandons the partial message (the mode does not repair losses).
	if seq != s.arrivalNext {
		s.arrivalPartial = nil
	}
	s.arrivalNext = seq + 1
	s.arrivalPartial = append(s.arrivalPartial, payload)
	if !final {
		return nil
	}
	msg := joinFragments(s.arrivalPartial)
	s.arrivalPartial = nil
	return [][]byte{msg}
}

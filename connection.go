package jetstream

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/jetstreamproto/jsp/internal/ackhandler"
	"github.com/jetstreamproto/jsp/internal/congestion"
	jcrypto "github.com/jetstreamproto/jsp/internal/crypto"
	"github.com/jetstreamproto/jsp/internal/fec"
	"github.com/jetstreamproto/jsp/internal/flowcontrol"
	"github.com/jetstreamproto/jsp/internal/handshake"
	"github.com/jetstreamproto/jsp/internal/protocol"
	"github.com/jetstreamproto/jsp/internal/ratelimit"
	"github.com/jetstreamproto/jsp/internal/wire"
)

// Packet kind prefixes distinguish the two unencrypted handshake
// messages from the encrypted steady-state packet, since the handshake
// necessarily runs before any wire.Header/AEAD context exists (§4.2, §6).
const (
	kindClientHello byte = 0xC1
	kindServerHello byte = 0xC2
	kindShort       byte = 0xC3
)

// connState is the connection-scoped half of §4.6's state machine; path
// validation runs as a side activity of Established rather than a
// separate top-level state.
type connState uint8

const (
	stateInit connState = iota
	stateHandshaking
	stateEstablished
	stateClosing
	stateClosed
)

func (s connState) String() string {
	switch s {
	case stateInit:
		return "init"
	case stateHandshaking:
		return "handshaking"
	case stateEstablished:
		return "established"
	case stateClosing:
		return "closing"
	case stateClosed:
		return "closed"
	default:
		return "invalid"
	}
}

type recvDatagram struct {
	data []byte
	addr net.Addr
}

// ctrlFrame is a control frame handed from an application goroutine to
// the driver loop, which owns all reliability and congestion state
// (§5 "Scheduling model"). A nil addr means the current remote address.
type ctrlFrame struct {
	frame wire.Frame
	mode  protocol.DeliveryMode
	ttl   time.Duration
	addr  net.Addr
}

// Connection is one jetstream session: the merged session state machine
// (§4.6) and connection driver (§4.8), owning every per-connection
// subsystem wired together from internal/.
type Connection struct {
	mu sync.Mutex

	pconn      PacketConn
	ownsPconn  bool // true for client Dial, which allocates a dedicated socket
	remoteAddr net.Addr
	connID     [wire.ConnectionIDLen]byte
	isClient   bool
	config     *Config
	logger     Logger

	state connState

	streams *streamsMap

	rttStats *congestion.RTTStats
	cc       *congestion.Controller
	sentPkts *ackhandler.SentPacketHandler
	recvPkts *ackhandler.ReceivedPacketHandler

	suite     jcrypto.Suite
	sendAEAD  *jcrypto.AEAD
	recvAEAD  *jcrypto.AEAD
	// recvAEADPrev is the AEAD from the epoch just before the current
	// one, kept alive until recvPrevExpiry so packets reordered across a
	// key update still decrypt (§3, §4.2 "Key update").
	recvAEADPrev   *jcrypto.AEAD
	recvPrevExpiry time.Time
	keyPhase       bool // flipped on every rotateKeys, carried in wire.Header.KeyPhase
	lastKeyUpdate  time.Time
	replay    *jcrypto.ReplayWindow
	trafficSecret [jcrypto.TrafficSecretLen]byte
	packetsSinceKeyUpdate uint64

	limiter  *ratelimit.Tiered
	connFlow *flowcontrol.ConnFlowController

	kem          handshake.KEM
	ticketStore  *handshake.TicketKeyStore // server only
	initState    *handshake.InitiatorState // client only, torn down after handshake
	presentedTID [32]byte
	presentedBlob []byte

	zeroRTTAccepted bool   // client only: whether the server admitted our early data
	earlyData       []byte // server only: early data decrypted from an admitted 0-RTT ClientHello

	fecGroup      *fec.SourceGroup
	fecRecovery   map[uint64]*fec.RecoveryGroup
	fecSeq        uint64

	lastActivity    time.Time
	lastPing        time.Time
	heartbeatSeq    uint64
	heartbeatMissed int

	// invalidPackets counts silently dropped inbound packets and frames:
	// replay-window rejections, AEAD failures, and timestamp-skew drops
	// (§4.2 "Anti-replay", §7 "Propagation policy").
	invalidPackets uint64

	pathToken    [wire.PathTokenLen]byte
	pathPending  net.Addr
	pathDeadline time.Time

	inbound chan recvDatagram
	ctrl    chan ctrlFrame
	newRemoteStreams chan *Stream
	closed  chan struct{}
	closeErr error
	closeOnce sync.Once

	peerClosedCh   chan struct{}
	peerClosedOnce sync.Once

	handshakeDone chan error
}

func newConnection(pconn PacketConn, remoteAddr net.Addr, isClient bool, cfg *Config) *Connection {
	rtt := congestion.NewRTTStats()
	c := &Connection{
		pconn:            pconn,
		remoteAddr:       remoteAddr,
		isClient:         isClient,
		config:           cfg,
		logger:           cfg.Logger,
		state:            stateInit,
		rttStats:         rtt,
		cc:               congestion.NewController(protocol.DefaultMSS, rtt),
		recvPkts:         ackhandler.NewReceivedPacketHandler(),
		replay:           jcrypto.NewReplayWindow(cfg.ReplayWindow),
		limiter:          &ratelimit.Tiered{Connection: ratelimit.New(cfg.RateLimitMessagesPerSecond, cfg.RateLimitBytesPerSecond)},
		connFlow:         flowcontrol.NewConnFlowController(flowcontrol.DefaultStreamWindow * 4),
		fecRecovery:      make(map[uint64]*fec.RecoveryGroup),
		lastActivity:     time.Now(),
		inbound:          make(chan recvDatagram, 64),
		ctrl:             make(chan ctrlFrame, 32),
		newRemoteStreams: make(chan *Stream, 16),
		closed:           make(chan struct{}),
		peerClosedCh:     make(chan struct{}),
		handshakeDone:    make(chan error, 1),
		kem:              handshake.NoopKEM{},
	}
	c.sentPkts = ackhandler.NewSentPacketHandler(ackhandler.Config{
		MaxRetransmits: cfg.MaxRetransmits,
		DelayedAckCeil: cfg.DelayedAckMax,
		PTOFloor:       protocol.MinRetransmitTimeout,
		PTOCeiling:     protocol.MaxRetransmitTimeout,
		AckDelayMax:    cfg.DelayedAckMax,
	}, rtt, c.cc)
	c.streams = newStreamsMap(c, cfg.MaxStreams)
	if cfg.FECEnabled {
		c.fecGroup = fec.NewSourceGroup(fec.GroupConfig{
			DataShards:   cfg.FECGroupSize,
			ParityShards: cfg.FECParity,
			FlushAfter:   10 * time.Millisecond,
		}, 0, time.Now())
	}
	// Placeholder until the handshake installs the responder-assigned
	// session id as the shared connection id.
	if _, err := rand.Read(c.connID[:]); err != nil {
		panic("jetstream: failed to generate connection id: " + err.Error())
	}
	return c
}

// Dial performs the client side of the handshake over a dedicated
// socket and returns an established Connection (§4.2, §4.6 Init ->
// Handshaking -> Established).
func Dial(ctx context.Context, network, addr string, cfg *Config) (*Connection, error) {
	if cfg == nil {
		cfg = &Config{}
	}
	cfg = cfg.clone()
	populateConfig(cfg)

	raddr, err := net.ResolveUDPAddr(network, addr)
	if err != nil {
		return nil, ErrInvalidAddress.WithMessage(err.Error())
	}
	// Unconnected socket: migration later rebinds to a different local
	// address, and WriteTo needs an unconnected socket either way.
	udpConn, err := net.ListenUDP(network, nil)
	if err != nil {
		return nil, ErrSocketUnreachable.WithMessage(err.Error())
	}
	pconn := NewUDPPacketConn(udpConn)

	c := newConnection(pconn, raddr, true, cfg)
	c.ownsPconn = true
	go c.readLoopOn(pconn)
	go c.run()

	offered := []jcrypto.Suite{jcrypto.SuiteChaCha20Poly1305, jcrypto.SuiteAES256GCM}
	var ticketID [32]byte
	var ticketBlob []byte
	var resumptionSecret *[32]byte
	var earlyData []byte
	var zeroRTTCounter uint64
	if cfg.Resume != nil {
		ticketID = cfg.Resume.TicketID
		ticketBlob = cfg.Resume.Blob
		secret := cfg.Resume.Secret
		resumptionSecret = &secret
		earlyData = cfg.Resume.EarlyData
		zeroRTTCounter = cfg.Resume.Counter
	}
	st, hello, err := handshake.NewClientHello(c.kem, offered, ticketID, ticketBlob, resumptionSecret, earlyData, zeroRTTCounter)
	if err != nil {
		udpConn.Close()
		return nil, ErrHandshakeFailed.WithMessage(err.Error())
	}
	c.mu.Lock()
	c.initState = st
	c.state = stateHandshaking
	c.mu.Unlock()

	msg := append([]byte{kindClientHello}, handshake.EncodeClientHello(hello)...)
	if err := pconn.WriteTo(ctx, msg, raddr); err != nil {
		udpConn.Close()
		return nil, ErrSocketUnreachable.WithMessage(err.Error())
	}

	select {
	case err := <-c.handshakeDone:
		if err != nil {
			udpConn.Close()
			return nil, err
		}
		return c, nil
	case <-ctx.Done():
		udpConn.Close()
		return nil, ctx.Err()
	case <-time.After(cfg.HandshakeTimeout):
		udpConn.Close()
		return nil, ErrTimeout
	}
}

// readLoopOn feeds datagrams from a dedicated socket into inbound; used
// by client connections, which own their socket (server connections are
// fed by the listener's shared demux loop instead). MigrateTo starts a
// fresh loop on the rebound socket; this one exits when its socket
// closes underneath it.
func (c *Connection) readLoopOn(pconn PacketConn) {
	for {
		data, addr, err := pconn.ReadFrom(context.Background())
		if err != nil {
			return
		}
		select {
		case c.inbound <- recvDatagram{data: data, addr: addr}:
		case <-c.closed:
			return
		}
	}
}

// deliverDatagram is how a shared listener socket hands a datagram to
// the connection it belongs to.
func (c *Connection) deliverDatagram(data []byte, addr net.Addr) {
	select {
	case c.inbound <- recvDatagram{data: data, addr: addr}:
	case <-c.closed:
	}
}

// run is the connection driver loop (§4.8): intake -> decrypt ->
// dispatch -> schedule -> encrypt -> emit, plus periodic housekeeping
// (heartbeat, PTO, path validation, ack flush) on a 10ms tick.
func (c *Connection) run() {
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case dg := <-c.inbound:
			c.handleDatagram(dg.data, dg.addr)
		case cf := <-c.ctrl:
			c.sendQueuedCtrl(cf)
		case <-ticker.C:
			c.tick()
		case <-c.closed:
			return
		}
	}
}

// queueControlFrame hands a control frame to the driver loop from an
// application goroutine; every packet-number allocation and in-flight
// record stays on the driver (§5 "Scheduling model").
func (c *Connection) queueControlFrame(f wire.Frame, mode protocol.DeliveryMode, ttl time.Duration, addr net.Addr) {
	select {
	case c.ctrl <- ctrlFrame{frame: f, mode: mode, ttl: ttl, addr: addr}:
	case <-c.closed:
	}
}

// queueStreamClose enqueues a StreamControl(close) for id on behalf of
// Stream.Close.
func (c *Connection) queueStreamClose(id protocol.StreamID) {
	c.queueControlFrame(wire.Frame{
		Header: wire.FrameHeader{StreamID: id, Type: wire.MsgStreamControl, TimestampMs: uint64(time.Now().UnixMilli())},
		Body:   wire.AppendStreamControlBody(nil, wire.StreamControlBody{Kind: wire.StreamControlClose}),
	}, protocol.DeliveryReliable, 0, nil)
}

func (c *Connection) sendQueuedCtrl(cf ctrlFrame) {
	if cf.addr != nil {
		plaintext := wire.AppendFrame(nil, cf.frame)
		size := protocol.ByteCount(len(plaintext) + protocol.HeaderLen + wire.AuthTagLen)
		_ = c.sendEncryptedTo(cf.addr, plaintext, c.sentPkts.NextPacketNumber(), cf.frame.Header.StreamID, cf.mode, size, cf.ttl)
		return
	}
	c.sendControlFrame(cf.frame, cf.mode, cf.ttl)
}

func (c *Connection) tick() {
	now := time.Now()
	c.mu.Lock()
	state := c.state
	c.mu.Unlock()
	if state == stateClosed {
		return
	}
	if state == stateEstablished {
		c.checkHeartbeat(now)
		c.checkPathValidation(now)
	}
	// Closing still drains: pending Reliable frames are flushed during
	// the 2*RTT window before the connection finalizes (§4.6 "Graceful
	// close").
	if state == stateEstablished || state == stateClosing {
		toRetransmit, losses := c.sentPkts.CheckTimeouts(now)
		c.handleLosses(losses)
		c.retransmit(toRetransmit)
		c.flushPendingAck(now)
		c.maybeFlushIdleFEC(now)
		c.emit(now)
	}
	if c.sentPkts.BytesInFlight() > c.config.MemoryBudget {
		c.closeLocal(ReasonInternalError, "per-connection memory budget exceeded")
	}
	if now.Sub(c.lastActivity) > c.config.SessionTimeout {
		c.closeLocal(ReasonTimeout, "idle timeout")
	}
	c.pruneFecRecovery()
	c.streams.reap()
}

// pruneFecRecovery caps how many receive-side FEC groups are tracked,
// evicting the oldest group ids first.
func (c *Connection) pruneFecRecovery() {
	const maxRecoveryGroups = 64
	c.mu.Lock()
	defer c.mu.Unlock()
	for len(c.fecRecovery) > maxRecoveryGroups {
		oldest := uint64(0)
		first := true
		for id := range c.fecRecovery {
			if first || id < oldest {
				oldest = id
				first = false
			}
		}
		delete(c.fecRecovery, oldest)
	}
}

func (c *Connection) checkHeartbeat(now time.Time) {
	if now.Sub(c.lastActivity) < c.config.HeartbeatInterval {
		return
	}
	// One ping per interval: a missed pong is only counted once the next
	// cadence point passes without any inbound traffic resetting the count.
	if now.Sub(c.lastPing) < c.config.HeartbeatInterval {
		return
	}
	c.lastPing = now
	c.heartbeatMissed++
	if c.heartbeatMissed > c.config.HeartbeatTimeoutCount {
		c.closeLocal(ReasonTimeout, "heartbeat timeout")
		return
	}
	c.heartbeatSeq++
	c.sendControlFrame(wire.Frame{
		Header: wire.FrameHeader{StreamID: protocol.ControlStreamID, Type: wire.MsgHeartbeat, TimestampMs: uint64(now.UnixMilli())},
		Body:   wire.AppendHeartbeatBody(nil, wire.HeartbeatBody{IsPong: false, Sequence: c.heartbeatSeq}),
	}, protocol.DeliveryBestEffort, 0)
}

// beginPathValidation challenges a new source address with a random
// token; the address is only promoted to remoteAddr once the matching
// PathResponse arrives (§4.6 "Path validation"). A validation already
// in flight for the same address is left alone.
func (c *Connection) beginPathValidation(addr net.Addr) {
	var tok [wire.PathTokenLen]byte
	if _, err := rand.Read(tok[:]); err != nil {
		return
	}
	c.mu.Lock()
	if sameAddr(c.pathPending, addr) {
		c.mu.Unlock()
		return
	}
	c.pathToken = tok
	c.pathPending = addr
	c.pathDeadline = time.Now().Add(c.config.PathValidationTimeout)
	c.mu.Unlock()
	challenge := wire.Frame{
		Header: wire.FrameHeader{StreamID: protocol.ControlStreamID, Type: wire.MsgPathChallenge, TimestampMs: uint64(time.Now().UnixMilli())},
		Body:   wire.AppendPathToken(nil, tok),
	}
	plaintext := wire.AppendFrame(nil, challenge)
	size := protocol.ByteCount(len(plaintext) + protocol.HeaderLen + wire.AuthTagLen)
	_ = c.sendEncryptedTo(addr, plaintext, c.sentPkts.NextPacketNumber(), protocol.ControlStreamID, protocol.DeliveryBestEffort, size, 0)
}

func (c *Connection) checkPathValidation(now time.Time) {
	c.mu.Lock()
	pending := c.pathPending
	deadline := c.pathDeadline
	c.mu.Unlock()
	if pending == nil {
		return
	}
	if now.After(deadline) {
		c.mu.Lock()
		c.pathPending = nil
		c.mu.Unlock()
		c.logger.Errorf("jetstream: path validation to %s timed out", pending)
	}
}

// OpenStream allocates a new stream with the given scheduling priority,
// delivery mode, and (for PartiallyReliable) TTL (§4.3 "open").
func (c *Connection) OpenStream(priority uint8, mode protocol.DeliveryMode, ttl time.Duration) (*Stream, error) {
	s, err := c.streams.openLocal(c.isClient, priority, mode, ttl)
	if err != nil {
		return nil, err
	}
	if mode != protocol.DeliveryBestEffort {
		c.queueControlFrame(wire.Frame{
			Header: wire.FrameHeader{StreamID: s.id, Type: wire.MsgStreamControl, TimestampMs: uint64(time.Now().UnixMilli())},
			Body: wire.AppendStreamControlBody(nil, wire.StreamControlBody{
				Kind: wire.StreamControlOpen, Priority: priority, DeliveryMode: mode,
				TTLMillis: uint64(ttl.Milliseconds()), WindowBytes: uint64(s.recvFlow.ReceiveWindow()),
			}),
		}, protocol.DeliveryReliable, 0, nil)
	}
	return s, nil
}

// AcceptStream blocks until the peer opens a new stream, ctx is
// cancelled, or the connection closes.
func (c *Connection) AcceptStream(ctx context.Context) (*Stream, error) {
	select {
	case s := <-c.newRemoteStreams:
		return s, nil
	case <-c.closed:
		return nil, c.closeErr
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close performs a graceful shutdown, sending a Close frame with
// ReasonNormal and releasing local resources (§4.6 "graceful close").
func (c *Connection) Close() error {
	return c.closeLocal(ReasonNormal, "")
}

// CloseWithReason performs the same graceful shutdown as Close but
// carries an explicit reason code and message in the Close frame, e.g.
// ReasonGoingAway during a planned restart.
func (c *Connection) CloseWithReason(reason CloseReason, message string) error {
	return c.closeLocal(reason, message)
}

func (c *Connection) closeLocal(reason CloseReason, message string) error {
	c.mu.Lock()
	if c.state == stateClosed || c.state == stateClosing {
		c.mu.Unlock()
		return nil
	}
	c.state = stateClosing
	c.mu.Unlock()
	c.queueControlFrame(wire.Frame{
		Header: wire.FrameHeader{StreamID: protocol.ControlStreamID, Type: wire.MsgClose, TimestampMs: uint64(time.Now().UnixMilli())},
		Body:   wire.AppendCloseBody(nil, wire.CloseBody{Reason: reason, Message: message}),
	}, protocol.DeliveryBestEffort, 0, nil)
	// Closing holds until the peer acknowledges with its own Close or a
	// 2*RTT drain timer runs out (§4.6 "Graceful close").
	drain := 2 * c.rttStats.SmoothedRTT()
	if drain < 2*protocol.MinRetransmitTimeout {
		drain = 2 * protocol.MinRetransmitTimeout
	}
	go func() {
		select {
		case <-c.peerClosedCh:
		case <-time.After(drain):
		case <-c.closed:
		}
		c.finalize(&PeerClosedError{Reason: reason, Message: message})
	}()
	return nil
}

// finalize moves the connection to Closed exactly once, recording the
// terminal error every pending and future application call observes.
func (c *Connection) finalize(err error) {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.state = stateClosed
		c.closeErr = err
		pconn := c.pconn
		owns := c.ownsPconn
		c.mu.Unlock()
		close(c.closed)
		if owns {
			_ = pconn.Close()
		}
	})
}

// closeError returns the terminal error once the connection has closed.
func (c *Connection) closeError() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closeErr != nil {
		return c.closeErr
	}
	return ErrStreamClosed
}

// connectionID returns the outer-header connection id, stable once the
// handshake has completed.
func (c *Connection) connectionID() [wire.ConnectionIDLen]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connID
}

// InvalidPackets returns how many inbound packets and frames have been
// silently dropped for failing authentication, replay, or timestamp
// checks since the connection was created.
func (c *Connection) InvalidPackets() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.invalidPackets
}

func (c *Connection) countInvalidPacket() {
	c.mu.Lock()
	c.invalidPackets++
	c.mu.Unlock()
}

// ZeroRTTAccepted reports whether a ticket presented via Config.Resume
// was admitted and its early data accepted by the server.
func (c *Connection) ZeroRTTAccepted() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.zeroRTTAccepted
}

// EarlyData returns the 0-RTT payload decrypted from an admitted
// resumption ClientHello, or nil if none was presented or admitted.
// Server-side only.
func (c *Connection) EarlyData() []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.earlyData
}

// ResumptionTicket returns the most recent session ticket the peer
// issued on this connection, if any, ready to be stored in a future
// Config.Resume. Client-side only.
func (c *Connection) ResumptionTicket() (ResumptionTicket, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.presentedTID == ([32]byte{}) {
		return ResumptionTicket{}, false
	}
	return ResumptionTicket{
		TicketID: c.presentedTID,
		Blob:     append([]byte(nil), c.presentedBlob...),
		Secret:   handshake.DeriveResumptionSecret(c.trafficSecret),
	}, true
}

// MigrateTo rebinds the connection to a new local address; subsequent
// packets leave from there. The peer observes the new source path and
// runs a PathChallenge/PathResponse round trip before promoting it
// (§4.6 "Path validation", §6 "migrate_to").
func (c *Connection) MigrateTo(network, localAddr string) error {
	c.mu.Lock()
	owned := c.ownsPconn
	c.mu.Unlock()
	if !owned {
		return ErrMigrationFailed.WithMessage("connection shares a listener socket")
	}
	laddr, err := net.ResolveUDPAddr(network, localAddr)
	if err != nil {
		return ErrInvalidAddress.WithMessage(err.Error())
	}
	udpConn, err := net.ListenUDP(network, laddr)
	if err != nil {
		return ErrMigrationFailed.WithMessage(err.Error())
	}
	pconn := NewUDPPacketConn(udpConn)
	c.mu.Lock()
	old := c.pconn
	c.pconn = pconn
	c.mu.Unlock()
	_ = old.Close()
	go c.readLoopOn(pconn)
	// A ping from the new address elicits the peer's PathChallenge
	// without waiting for application data.
	c.queueControlFrame(wire.Frame{
		Header: wire.FrameHeader{StreamID: protocol.ControlStreamID, Type: wire.MsgHeartbeat, TimestampMs: uint64(time.Now().UnixMilli())},
		Body:   wire.AppendHeartbeatBody(nil, wire.HeartbeatBody{IsPong: false}),
	}, protocol.DeliveryBestEffort, 0, nil)
	return nil
}

// --- inbound path -----------------------------------------------------

func (c *Connection) handleDatagram(data []byte, addr net.Addr) {
	if len(data) == 0 {
		return
	}
	c.lastActivity = time.Now()
	c.heartbeatMissed = 0
	switch data[0] {
	case kindClientHello:
		c.handleClientHello(data[1:], addr)
	case kindServerHello:
		c.handleServerHello(data[1:])
	case kindShort:
		c.handleShortPacket(data[1:], addr)
	}
}

func (c *Connection) handleClientHello(body []byte, addr net.Addr) {
	c.mu.Lock()
	isServerSide := !c.isClient && c.state == stateInit
	c.mu.Unlock()
	if !isServerSide {
		return
	}
	ch, err := handshake.DecodeClientHello(body)
	if err != nil {
		return
	}
	var sessionID uint64
	var sidBuf [8]byte
	if _, err := rand.Read(sidBuf[:]); err == nil {
		sessionID = binary.BigEndian.Uint64(sidBuf[:])
	}
	supported := []jcrypto.Suite{jcrypto.SuiteChaCha20Poly1305, jcrypto.SuiteAES256GCM}
	sh, keys, err := handshake.ProcessClientHello(c.kem, supported, ch, sessionID)
	if err != nil {
		c.handshakeDone <- ErrHandshakeFailed.WithMessage(err.Error())
		return
	}
	c.installKeys(keys, false)
	// Both sides carry the responder-assigned session id as the outer
	// connection id, so a listener can route packets from a migrated
	// address back to this connection by CID (§3 "Connection").
	c.mu.Lock()
	binary.BigEndian.PutUint64(c.connID[:], sessionID)
	c.mu.Unlock()
	if c.ticketStore != nil && len(ch.ResumptionTicket) >= 32 {
		var presentedID [32]byte
		copy(presentedID[:], ch.ResumptionTicket[:32])
		presentedBlob := ch.ResumptionTicket[32:]
		if state, terr := c.ticketStore.Open(presentedID, presentedBlob); terr == nil {
			if c.ticketStore.AdmitZeroRTT(presentedID, ch.ZeroRTTCounter) {
				secret := handshake.DeriveResumptionSecret(state.TrafficSecret)
				if plain, derr := handshake.OpenEarlyData(secret, ch); derr == nil {
					sh.ZeroRTTAccepted = true
					c.mu.Lock()
					c.earlyData = plain
					c.mu.Unlock()
				}
			}
		}
	}
	if c.ticketStore != nil {
		ticketID, blob, terr := c.ticketStore.Seal(handshake.TicketState{
			TrafficSecret: keys.TrafficSecret,
			IssuedAt:      time.Now(),
			LifetimeS:     uint32(c.config.TicketLifetime.Seconds()),
		})
		if terr == nil {
			sh.SessionTicket = append(append([]byte{}, ticketID[:]...), blob...)
		}
	}
	c.mu.Lock()
	c.state = stateEstablished
	c.remoteAddr = addr
	c.mu.Unlock()
	msg := append([]byte{kindServerHello}, handshake.EncodeServerHello(sh)...)
	_ = c.pconn.WriteTo(context.Background(), msg, addr)
	select {
	case c.handshakeDone <- nil:
	default:
	}
}

func (c *Connection) handleServerHello(body []byte) {
	c.mu.Lock()
	st := c.initState
	inProgress := c.isClient && c.state == stateHandshaking
	c.mu.Unlock()
	if !inProgress || st == nil {
		return
	}
	sh, err := handshake.DecodeServerHello(body)
	if err != nil {
		return
	}
	keys, err := handshake.CompleteInitiator(st, sh)
	if err != nil {
		c.handshakeDone <- ErrHandshakeFailed.WithMessage(err.Error())
		return
	}
	c.installKeys(keys, true)
	c.mu.Lock()
	c.state = stateEstablished
	c.initState = nil
	binary.BigEndian.PutUint64(c.connID[:], sh.SessionID)
	c.zeroRTTAccepted = sh.ZeroRTTAccepted
	if len(sh.SessionTicket) >= 32 {
		copy(c.presentedTID[:], sh.SessionTicket[:32])
		c.presentedBlob = append([]byte(nil), sh.SessionTicket[32:]...)
	}
	c.mu.Unlock()
	select {
	case c.handshakeDone <- nil:
	default:
	}
}

// installKeys derives directional AEADs from the negotiated key
// schedule. The initiator sends with SendToServer and receives with
// SendToClient; the roles invert on the responder (§4.2 step 3).
func (c *Connection) installKeys(keys handshake.NegotiatedKeys, isClient bool) {
	sendKeys, recvKeys := keys.SendToServer, keys.SendToClient
	if !isClient {
		sendKeys, recvKeys = keys.SendToClient, keys.SendToServer
	}
	sendAEAD, err1 := jcrypto.NewAEAD(keys.Suite, sendKeys.Key[:], sendKeys.IV[:])
	recvAEAD, err2 := jcrypto.NewAEAD(keys.Suite, recvKeys.Key[:], recvKeys.IV[:])
	if err1 != nil || err2 != nil {
		c.handshakeDone <- ErrHandshakeFailed
		return
	}
	c.mu.Lock()
	c.suite = keys.Suite
	c.sendAEAD = sendAEAD
	c.recvAEAD = recvAEAD
	c.recvAEADPrev = nil
	c.keyPhase = false
	c.trafficSecret = keys.TrafficSecret
	c.lastKeyUpdate = time.Now()
	c.mu.Unlock()
}

func (c *Connection) handleShortPacket(body []byte, addr net.Addr) {
	c.mu.Lock()
	established := c.state == stateEstablished
	recvAEAD := c.recvAEAD
	recvAEADPrev := c.recvAEADPrev
	recvPrevExpiry := c.recvPrevExpiry
	keyPhase := c.keyPhase
	currentAddr := c.remoteAddr
	pathPending := c.pathPending
	c.mu.Unlock()
	if !established || recvAEAD == nil {
		return
	}
	hdr, n, err := wire.ParseHeader(body)
	if err != nil {
		return
	}
	headerBytes := body[:n]
	ciphertext := body[n:]
	pn := uint64(hdr.PacketNumber)
	if !c.replay.Check(pn) {
		c.countInvalidPacket()
		return // ErrReplayedPacket: drop-only per §7
	}

	// The outer header's key-phase bit tells us which epoch the sender
	// used; a mismatch means the packet predates our last rotation (or
	// the sender's), so try the retained previous-epoch key first. Either
	// way fall back to the other key within its one-RTT validity window
	// (§4.2 "Key update").
	primary, fallback := recvAEAD, (*jcrypto.AEAD)(nil)
	if recvAEADPrev != nil && time.Now().Before(recvPrevExpiry) {
		if hdr.KeyPhase != keyPhase {
			primary, fallback = recvAEADPrev, recvAEAD
		} else {
			fallback = recvAEADPrev
		}
	}
	plaintext, err := primary.Open(nil, pn, ciphertext, headerBytes)
	if err != nil && fallback != nil {
		plaintext, err = fallback.Open(nil, pn, ciphertext, headerBytes)
	}
	if err != nil && hdr.KeyPhase != keyPhase {
		// Neither key we hold decrypts this packet, and its phase bit
		// claims an epoch we haven't derived yet: the peer likely hit
		// its own rotation trigger first (e.g. it sends far more
		// heavily). The key schedule is a deterministic ratchet off the
		// shared traffic secret, so catching up locally reproduces the
		// same next epoch the peer already moved to.
		c.rotateKeys()
		c.mu.Lock()
		caughtUp := c.recvAEAD
		c.mu.Unlock()
		plaintext, err = caughtUp.Open(nil, pn, ciphertext, headerBytes)
	}
	if err != nil {
		c.countInvalidPacket()
		return // ErrAuthTagInvalid: drop-only per §7
	}
	c.replay.Accept(pn)

	if !sameAddr(addr, currentAddr) && !sameAddr(addr, pathPending) {
		// New source address on an authenticated packet: keep processing
		// the packet, but the path is only promoted after a
		// PathChallenge/PathResponse round trip (§4.6 "Path validation").
		c.beginPathValidation(addr)
	}

	now := time.Now()
	c.recvPkts.ReceivedPacket(hdr.PacketNumber, now, c.rttStats.SmoothedRTT(), c.config.DelayedAckMax)

	frames, err := wire.ParseFrames(plaintext)
	if err != nil {
		return
	}
	for _, f := range frames {
		if !c.withinTimestampSkew(f.Header.TimestampMs, now) {
			c.countInvalidPacket()
			continue // ErrTimestampSkewed: drop-only per §7
		}
		c.dispatchFrame(f, addr, now)
	}
}

// withinTimestampSkew reports whether a frame's carried timestamp falls
// within ±Config.TimestampSkew of now, the third anti-replay condition
// alongside the sliding-window check and the AEAD tag (§4.2 condition c).
func (c *Connection) withinTimestampSkew(timestampMs uint64, now time.Time) bool {
	frameTime := time.UnixMilli(int64(timestampMs))
	diff := now.Sub(frameTime)
	if diff < 0 {
		diff = -diff
	}
	return diff <= c.config.TimestampSkew
}

func sameAddr(a, b net.Addr) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.String() == b.String()
}

func (c *Connection) dispatchFrame(f wire.Frame, addr net.Addr, now time.Time) {
	switch f.Header.Type {
	case wire.MsgData:
		c.handleDataFrame(f, now, false)
	case wire.MsgAck:
		ack, err := wire.ParseAckBody(f.Body)
		if err != nil {
			return
		}
		toRetransmit, losses := c.sentPkts.ReceivedAck(ack, now)
		c.handleLosses(losses)
		c.retransmit(toRetransmit)
	case wire.MsgHeartbeat:
		hb, err := wire.ParseHeartbeatBody(f.Body)
		if err != nil {
			return
		}
		if !hb.IsPong {
			c.sendControlFrame(wire.Frame{
				Header: wire.FrameHeader{StreamID: protocol.ControlStreamID, Type: wire.MsgHeartbeat, TimestampMs: uint64(now.UnixMilli())},
				Body:   wire.AppendHeartbeatBody(nil, wire.HeartbeatBody{IsPong: true, Sequence: hb.Sequence}),
			}, protocol.DeliveryBestEffort, 0)
		}
	case wire.MsgStreamControl:
		sc, err := wire.ParseStreamControlBody(f.Body)
		if err != nil {
			return
		}
		switch sc.Kind {
		case wire.StreamControlOpen:
			s, err := c.streams.openRemote(f.Header.StreamID, sc.Priority, sc.DeliveryMode, time.Duration(sc.TTLMillis)*time.Millisecond)
			if err == nil {
				select {
				case c.newRemoteStreams <- s:
				default:
				}
			}
		case wire.StreamControlClose:
			if s, ok := c.streams.get(f.Header.StreamID); ok {
				if s.onPeerClose() {
					// The peer closed first; echo our half so its Closing
					// stream can finish (§3 "Lifecycles").
					c.sendControlFrame(wire.Frame{
						Header: wire.FrameHeader{StreamID: s.id, Type: wire.MsgStreamControl, TimestampMs: uint64(now.UnixMilli())},
						Body:   wire.AppendStreamControlBody(nil, wire.StreamControlBody{Kind: wire.StreamControlClose}),
					}, protocol.DeliveryReliable, 0)
				}
			}
		case wire.StreamControlWindowUpdate:
			if s, ok := c.streams.get(f.Header.StreamID); ok {
				s.sendFlow.UpdateSendWindow(protocol.ByteCount(sc.WindowBytes))
			}
		}
	case wire.MsgClose:
		cb, err := wire.ParseCloseBody(f.Body)
		if err != nil {
			return
		}
		c.peerClosedOnce.Do(func() { close(c.peerClosedCh) })
		c.mu.Lock()
		wasClosing := c.state == stateClosing || c.state == stateClosed
		if c.state != stateClosed {
			c.state = stateClosing
		}
		c.mu.Unlock()
		if !wasClosing {
			// Peer-initiated close: echo our own Close so both sides
			// complete the exchange, then finalize with the peer's reason.
			c.sendControlFrame(wire.Frame{
				Header: wire.FrameHeader{StreamID: protocol.ControlStreamID, Type: wire.MsgClose, TimestampMs: uint64(now.UnixMilli())},
				Body:   wire.AppendCloseBody(nil, wire.CloseBody{Reason: ReasonNormal}),
			}, protocol.DeliveryBestEffort, 0)
			c.finalize(&PeerClosedError{Reason: cb.Reason, Message: cb.Message})
		}
	case wire.MsgSessionTicket:
		if c.isClient {
			st, err := wire.ParseSessionTicketBody(f.Body)
			if err == nil && len(st.TicketID) > 0 {
				c.mu.Lock()
				c.presentedTID = st.TicketID
				c.presentedBlob = st.Blob
				c.mu.Unlock()
			}
		}
	case wire.MsgPathChallenge:
		tok, err := wire.ParsePathToken(f.Body)
		if err != nil {
			return
		}
		resp := wire.Frame{
			Header: wire.FrameHeader{StreamID: protocol.ControlStreamID, Type: wire.MsgPathResponse, TimestampMs: uint64(now.UnixMilli())},
			Body:   wire.AppendPathToken(nil, tok),
		}
		plaintext := wire.AppendFrame(nil, resp)
		size := protocol.ByteCount(len(plaintext) + protocol.HeaderLen + wire.AuthTagLen)
		_ = c.sendEncryptedTo(addr, plaintext, c.sentPkts.NextPacketNumber(), protocol.ControlStreamID, protocol.DeliveryBestEffort, size, 0)
	case wire.MsgPathResponse:
		tok, err := wire.ParsePathToken(f.Body)
		if err != nil {
			return
		}
		c.mu.Lock()
		if c.pathPending != nil && tok == c.pathToken {
			c.remoteAddr = c.pathPending
			c.pathPending = nil
		}
		c.mu.Unlock()
	case wire.MsgFecRepair:
		c.handleFecRepair(f.Body, now)
	}
}

// handleDataFrame delivers one Data frame to its stream. Frames tagged
// with an FEC group (non-zero Nonce) are also recorded as received
// source shards, so a completing group only reconstructs what is
// actually missing; frames that themselves came out of a recovery skip
// that bookkeeping.
func (c *Connection) handleDataFrame(f wire.Frame, now time.Time, fromRecovery bool) {
	s, err := c.streams.getOrCreateRemote(f.Header.StreamID)
	if err != nil {
		return
	}
	final := f.Header.Flags&wire.FrameFlagFinal != 0
	payloads := s.deliverInbound(f.Header.Sequence, f.Body, f.Header.DeliveryMode, final)
	s.deliver(payloads)
	if f.Header.Sequence == 0 {
		select {
		case c.newRemoteStreams <- s:
		default:
		}
	}
	if offset, ok := s.maybeWindowUpdate(); ok {
		c.sendControlFrame(wire.Frame{
			Header: wire.FrameHeader{StreamID: s.id, Type: wire.MsgStreamControl, TimestampMs: uint64(now.UnixMilli())},
			Body: wire.AppendStreamControlBody(nil, wire.StreamControlBody{
				Kind: wire.StreamControlWindowUpdate, WindowBytes: uint64(offset),
			}),
		}, protocol.DeliveryBestEffort, 0)
	}
	if !fromRecovery && f.Header.Nonce != 0 {
		// Re-encode the frame exactly as the sender's source shard so the
		// group's parity math lines up (§4.4 "FEC").
		groupID := (f.Header.Nonce >> 8) - 1
		shardIdx := int(f.Header.Nonce & 0xff)
		c.fecAddShard(groupID, shardIdx, wire.AppendFrame(nil, f), c.config.FECGroupSize, now)
	}
}

func (c *Connection) handleFecRepair(body []byte, now time.Time) {
	fr, err := wire.ParseFecRepairBody(body)
	if err != nil {
		return
	}
	c.fecAddShard(fr.GroupID, int(fr.ShardIndex), fr.Payload, int(fr.DataShards), now)
}

// fecAddShard records one received shard (source or repair) of an FEC
// group and, once enough of the group has arrived, reconstructs and
// dispatches any source Data frames the network lost (§4.4 "FEC": a
// receiver missing up to ParityShards of the group can reconstruct).
func (c *Connection) fecAddShard(groupID uint64, idx int, shard []byte, dataShards int, now time.Time) {
	if dataShards <= 0 {
		dataShards = c.config.FECGroupSize
	}
	c.mu.Lock()
	group, ok := c.fecRecovery[groupID]
	if !ok {
		group = fec.NewRecoveryGroup(fec.GroupConfig{DataShards: dataShards, ParityShards: c.config.FECParity})
		c.fecRecovery[groupID] = group
	}
	group.AddShard(idx, shard)
	if !group.Ready() {
		c.mu.Unlock()
		return
	}
	missing := group.MissingData()
	delete(c.fecRecovery, groupID)
	c.mu.Unlock()
	if len(missing) == 0 {
		return
	}
	shards, err := group.Recover()
	if err != nil {
		c.logger.Errorf("jetstream: fec recovery failed for group %d: %v", groupID, err)
		return
	}
	for _, i := range missing {
		f, _, err := wire.ParseFrame(shards[i])
		if err != nil || f.Header.Type != wire.MsgData {
			continue // zero-padded filler shard from a short group
		}
		c.handleDataFrame(f, now, true)
	}
}

func (c *Connection) handleLosses(losses []ackhandler.LossEvent) {
	for _, l := range losses {
		if s, ok := c.streams.get(l.StreamID); ok && l.Fatal {
			s.fail(ErrInternalError.WithMessage("retransmit limit exceeded"))
		}
	}
}

func (c *Connection) retransmit(pns []protocol.PacketNumber) {
	for _, pn := range pns {
		p, ok := c.sentPkts.Get(pn)
		if !ok || p.Plaintext == nil {
			continue
		}
		_ = c.sendRaw(p.Plaintext, p.PacketNumber, p.StreamID, p.Mode, p.Size, p.TTL)
	}
}

func (c *Connection) flushPendingAck(now time.Time) {
	if !c.recvPkts.HasPendingAck() {
		return
	}
	if now.Before(c.recvPkts.AckAlarm()) {
		return
	}
	ack := c.recvPkts.BuildAck(c.rttStats.SmoothedRTT())
	c.sendControlFrame(wire.Frame{
		Header: wire.FrameHeader{StreamID: protocol.ControlStreamID, Type: wire.MsgAck, TimestampMs: uint64(now.UnixMilli())},
		Body:   wire.AppendAckBody(nil, ack),
	}, protocol.DeliveryBestEffort, 0)
}

// --- outbound path -----------------------------------------------------

// emit drains each scheduled stream's outbox, respecting congestion,
// flow control, and the rate-limit denial policy per delivery mode
// (§4.3, §4.5, §4.7, §4.8).
func (c *Connection) emit(now time.Time) {
streams:
	for _, s := range c.streams.schedule() {
		for {
			s.mu.Lock()
			if len(s.outbox) == 0 {
				s.mu.Unlock()
				continue streams
			}
			msg := &s.outbox[0]
			if len(msg.fragments) == 0 {
				s.outbox = s.outbox[1:]
				s.mu.Unlock()
				continue
			}
			if s.mode == protocol.DeliveryPartiallyReliable && s.ttl > 0 && now.Sub(msg.queuedAt) > s.ttl {
				// TTL elapsed before the message ever left; sending stale
				// data now would defeat the mode's point (§3).
				s.outbox = s.outbox[1:]
				s.mu.Unlock()
				continue
			}
			fragment := msg.fragments[0]
			remaining := len(msg.fragments)
			seq := s.sendSeq
			mode := s.mode
			ttl := s.ttl
			streamID := s.id
			s.mu.Unlock()

			size := protocol.ByteCount(len(fragment) + protocol.HeaderLen + wire.AuthTagLen)
			if !c.cc.CanSend(c.sentPkts.BytesInFlight(), size, c.connFlow.SendCredit()) {
				return
			}
			if !c.limiter.Admit(len(fragment)) {
				// §4.7 denial policy: BestEffort drops silently,
				// PartiallyReliable defers until its TTL expires, Reliable
				// defers up to MaxDeferMs and then fails the stream.
				switch mode {
				case protocol.DeliveryBestEffort:
					s.advanceFragment()
					continue
				case protocol.DeliveryReliable:
					s.mu.Lock()
					exceeded := false
					if len(s.outbox) > 0 {
						head := &s.outbox[0]
						if head.deferredAt.IsZero() {
							head.deferredAt = now
						}
						exceeded = now.Sub(head.deferredAt) > c.config.MaxDeferMs
					}
					s.mu.Unlock()
					if exceeded {
						s.fail(ErrRateLimitExceeded)
					}
					continue streams
				default:
					continue streams
				}
			}

			var flags byte
			if remaining > 1 {
				flags |= wire.FrameFlagFragment
			} else {
				flags |= wire.FrameFlagFinal
			}
			// Reliable frames covered by FEC carry their group tag in the
			// Nonce field: (groupID+1)<<8 | shardIndex, zero meaning
			// untagged, so the receiver can slot the frame's encoding into
			// the matching recovery group (§4.4 "FEC").
			var fecNonce uint64
			c.mu.Lock()
			if c.fecGroup != nil && mode == protocol.DeliveryReliable {
				fecNonce = (c.fecGroup.ID()+1)<<8 | uint64(c.fecGroup.Count())
			}
			c.mu.Unlock()
			frame := wire.Frame{
				Header: wire.FrameHeader{
					StreamID: streamID, Type: wire.MsgData, Flags: flags,
					Sequence: seq, TimestampMs: uint64(now.UnixMilli()),
					Nonce: fecNonce, DeliveryMode: mode,
				},
				Body: fragment,
			}
			plaintext := wire.AppendFrame(nil, frame)
			// The FEC shard is the Data frame's encoding alone; anything
			// coalesced after it (like a piggybacked ACK) must not leak
			// into the shard or the receiver's copy won't match.
			fecShard := plaintext
			if c.recvPkts.HasPendingAck() {
				ack := c.recvPkts.BuildAck(c.rttStats.SmoothedRTT())
				plaintext = wire.AppendFrame(plaintext, wire.Frame{
					Header: wire.FrameHeader{StreamID: protocol.ControlStreamID, Type: wire.MsgAck, TimestampMs: uint64(now.UnixMilli())},
					Body:   wire.AppendAckBody(nil, ack),
				})
			}
			if err := c.sendRaw(plaintext, c.sentPkts.NextPacketNumber(), streamID, mode, size, ttl); err != nil {
				return
			}
			c.maybeFlushFEC(fecShard, mode)

			s.mu.Lock()
			s.sendSeq++
			if len(s.outbox) > 0 {
				head := &s.outbox[0]
				head.fragments = head.fragments[1:]
				if len(head.fragments) == 0 {
					s.outbox = s.outbox[1:]
				}
			}
			s.mu.Unlock()
		}
	}
}

func (c *Connection) maybeFlushFEC(plaintext []byte, mode protocol.DeliveryMode) {
	if c.fecGroup == nil || mode != protocol.DeliveryReliable {
		return
	}
	c.mu.Lock()
	c.fecGroup.Add(plaintext)
	full := c.fecGroup.Full()
	due := c.fecGroup.Due(time.Now())
	if !full && !due {
		c.mu.Unlock()
		return
	}
	group, groupID := c.rotateFECGroupLocked()
	c.mu.Unlock()
	c.flushFECGroup(group, groupID)
}

// maybeFlushIdleFEC flushes a partially filled FEC group once its
// FlushAfter timer elapses with no further Data frame to trigger
// maybeFlushFEC, covering the "stream idle" half of §4.4's flush
// condition (the size/Add-triggered half is maybeFlushFEC's).
func (c *Connection) maybeFlushIdleFEC(now time.Time) {
	c.mu.Lock()
	if c.fecGroup == nil || c.fecGroup.Empty() || !c.fecGroup.Due(now) {
		c.mu.Unlock()
		return
	}
	group, groupID := c.rotateFECGroupLocked()
	c.mu.Unlock()
	c.flushFECGroup(group, groupID)
}

// rotateFECGroupLocked retires the current FEC group and starts its
// successor, returning the retired group for encoding. Called with
// c.mu held.
func (c *Connection) rotateFECGroupLocked() (*fec.SourceGroup, uint64) {
	groupID := c.fecSeq
	c.fecSeq++
	group := c.fecGroup
	c.fecGroup = fec.NewSourceGroup(fec.GroupConfig{
		DataShards: c.config.FECGroupSize, ParityShards: c.config.FECParity, FlushAfter: 10 * time.Millisecond,
	}, groupID+1, time.Now())
	return group, groupID
}

// flushFECGroup encodes a retired group's repair shards and sends each
// as a FecRepair control frame.
func (c *Connection) flushFECGroup(group *fec.SourceGroup, groupID uint64) {
	_, padded, repair, err := group.Flush()
	if err != nil {
		c.logger.Errorf("jetstream: fec encode failed: %v", err)
		return
	}
	for i, shard := range repair {
		body := wire.AppendFecRepairBody(nil, wire.FecRepairBody{
			GroupID: groupID, ShardIndex: uint8(len(padded) + i), DataShards: uint8(len(padded)),
			ParityIndex: uint8(i), ShardLen: uint16(len(shard)), Payload: shard,
		})
		c.sendControlFrame(wire.Frame{
			Header: wire.FrameHeader{StreamID: protocol.ControlStreamID, Type: wire.MsgFecRepair, TimestampMs: uint64(time.Now().UnixMilli())},
			Body:   body,
		}, protocol.DeliveryBestEffort, 0)
	}
}

// sendControlFrame wraps and sends a single non-Data frame immediately,
// bypassing the per-stream scheduler (acks, heartbeats, control
// messages are not subject to the stream priority schedule).
func (c *Connection) sendControlFrame(f wire.Frame, mode protocol.DeliveryMode, ttl time.Duration) {
	plaintext := wire.AppendFrame(nil, f)
	size := protocol.ByteCount(len(plaintext) + protocol.HeaderLen + wire.AuthTagLen)
	_ = c.sendRaw(plaintext, c.sentPkts.NextPacketNumber(), f.Header.StreamID, mode, size, ttl)
}

// sendRaw seals plaintext into an outer packet and writes it to the
// connection's current remote address.
func (c *Connection) sendRaw(plaintext []byte, pn protocol.PacketNumber, streamID protocol.StreamID, mode protocol.DeliveryMode, size protocol.ByteCount, ttl time.Duration) error {
	c.mu.Lock()
	addr := c.remoteAddr
	c.mu.Unlock()
	return c.sendEncryptedTo(addr, plaintext, pn, streamID, mode, size, ttl)
}

// sendEncryptedTo is the single exit point to the socket: it seals
// plaintext against the outer header, writes the resulting packet to
// addr, and records Reliable/PartiallyReliable packets with the
// reliability layer for retransmission.
func (c *Connection) sendEncryptedTo(addr net.Addr, plaintext []byte, pn protocol.PacketNumber, streamID protocol.StreamID, mode protocol.DeliveryMode, size protocol.ByteCount, ttl time.Duration) error {
	c.mu.Lock()
	sendAEAD := c.sendAEAD
	connID := c.connID
	keyPhase := c.keyPhase
	c.mu.Unlock()
	if sendAEAD == nil {
		return fmt.Errorf("jetstream: no send keys installed")
	}
	hdr := wire.Header{LongHeader: false, HasCID: true, ConnectionID: connID, PacketNumber: pn, KeyPhase: keyPhase}
	out := wire.AppendHeader(nil, hdr)
	headerLen := len(out)
	out = sendAEAD.Seal(out, uint64(pn), plaintext, out[:headerLen])
	packet := append([]byte{kindShort}, out...)
	if err := c.pconn.WriteTo(context.Background(), packet, addr); err != nil {
		return err
	}
	if mode != protocol.DeliveryBestEffort {
		c.sentPkts.SentPacket(&ackhandler.InFlightPacket{
			PacketNumber: pn, StreamID: streamID, Mode: mode, Size: size, TTL: ttl, Plaintext: plaintext,
		}, time.Now())
	}
	c.mu.Lock()
	c.packetsSinceKeyUpdate++
	needRotate := c.packetsSinceKeyUpdate >= jcrypto.KeyUpdatePacketThreshold ||
		time.Since(c.lastKeyUpdate) >= jcrypto.KeyUpdateTimeThreshold
	c.mu.Unlock()
	if needRotate {
		c.rotateKeys()
	}
	return nil
}

// rotateKeys advances the key schedule per §4.2's "Key update" triggers
// (packet count or elapsed time, whichever comes first). The outgoing
// recvAEAD is kept as recvAEADPrev for one RTT so packets reordered
// across the rotation still decrypt, and the outer header's key-phase
// bit flips so the peer can tell which epoch a packet was sealed under.
func (c *Connection) rotateKeys() {
	c.mu.Lock()
	defer c.mu.Unlock()
	next := jcrypto.UpdateTrafficSecret(c.trafficSecret)
	sendLabel, recvLabel := "jsp-v1 c2s", "jsp-v1 s2c"
	if !c.isClient {
		sendLabel, recvLabel = "jsp-v1 s2c", "jsp-v1 c2s"
	}
	sendKeys := jcrypto.DeriveDirectionalKeys(next, sendLabel)
	recvKeys := jcrypto.DeriveDirectionalKeys(next, recvLabel)
	sendAEAD, err1 := jcrypto.NewAEAD(c.suite, sendKeys.Key[:], sendKeys.IV[:])
	recvAEAD, err2 := jcrypto.NewAEAD(c.suite, recvKeys.Key[:], recvKeys.IV[:])
	if err1 != nil || err2 != nil {
		return
	}
	rtt := c.rttStats.SmoothedRTT()
	if rtt <= 0 {
		rtt = protocol.MinRetransmitTimeout
	}
	c.recvAEADPrev = c.recvAEAD
	c.recvPrevExpiry = time.Now().Add(rtt)
	c.sendAEAD = sendAEAD
	c.recvAEAD = recvAEAD
	c.trafficSecret = next
	c.packetsSinceKeyUpdate = 0
	c.lastKeyUpdate = time.Now()
	c.keyPhase = !c.keyPhase
}

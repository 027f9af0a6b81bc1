package jetstream

import (
	"context"
	"net"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/jetstreamproto/jsp/internal/handshake"
	"github.com/jetstreamproto/jsp/internal/ratelimit"
	"github.com/jetstreamproto/jsp/internal/wire"
)

// Listener accepts inbound connections on a single shared socket,
// demultiplexing datagrams by source address, with a connection-id
// fallback so a client that migrated to a new address keeps reaching
// its connection.
type Listener struct {
	pconn PacketConn
	cfg   *Config

	ticketStore *handshake.TicketKeyStore
	kem         handshake.KEM
	// globalLimiter is the all-connections token-bucket pair every
	// accepted connection shares (§4.7 "A third pair at a global scope").
	globalLimiter *ratelimit.Limiter

	mu         sync.Mutex
	conns      map[string]*Connection
	connsByCID map[[wire.ConnectionIDLen]byte]*Connection

	accepted chan *Connection
	group    *errgroup.Group
	cancel   context.CancelFunc
	closed   chan struct{}
}

// Listen binds addr and returns a Listener ready to Accept connections.
func Listen(network, addr string, cfg *Config) (*Listener, error) {
	if cfg == nil {
		cfg = &Config{}
	}
	cfg = cfg.clone()
	populateConfig(cfg)

	laddr, err := net.ResolveUDPAddr(network, addr)
	if err != nil {
		return nil, ErrInvalidAddress.WithMessage(err.Error())
	}
	udpConn, err := net.ListenUDP(network, laddr)
	if err != nil {
		return nil, ErrSocketUnreachable.WithMessage(err.Error())
	}
	tickets, err := handshake.NewTicketKeyStore()
	if err != nil {
		udpConn.Close()
		return nil, ErrInternalError.WithMessage(err.Error())
	}

	ctx, cancel := context.WithCancel(context.Background())
	group, ctx := errgroup.WithContext(ctx)
	l := &Listener{
		pconn:         NewUDPPacketConn(udpConn),
		cfg:           cfg,
		ticketStore:   tickets,
		kem:           handshake.NoopKEM{},
		globalLimiter: ratelimit.New(cfg.RateLimitGlobalMessagesPerSecond, cfg.RateLimitGlobalBytesPerSecond),
		conns:         make(map[string]*Connection),
		connsByCID:    make(map[[wire.ConnectionIDLen]byte]*Connection),
		accepted:      make(chan *Connection, 16),
		group:         group,
		cancel:        cancel,
		closed:        make(chan struct{}),
	}
	group.Go(func() error { return l.readLoop(ctx) })
	return l, nil
}

// readLoop demultiplexes inbound datagrams to existing connections, or
// spins up a fresh Connection when a ClientHello arrives from an
// unrecognized address (§4.6 "Init").
func (l *Listener) readLoop(ctx context.Context) error {
	for {
		data, addr, err := l.pconn.ReadFrom(ctx)
		if err != nil {
			select {
			case <-l.closed:
				return nil
			default:
				return err
			}
		}
		l.route(data, addr)
	}
}

func (l *Listener) route(data []byte, addr net.Addr) {
	if len(data) == 0 {
		return
	}
	key := addr.String()
	l.mu.Lock()
	c, ok := l.conns[key]
	l.mu.Unlock()
	if ok {
		c.deliverDatagram(data, addr)
		return
	}
	// An unknown source address can still carry an established
	// connection's id after the client migrated: route by CID before
	// treating it as a stranger (§4.6 "Path validation").
	if data[0] == kindShort {
		if hdr, _, err := wire.ParseHeader(data[1:]); err == nil && hdr.HasCID {
			l.mu.Lock()
			c, ok = l.connsByCID[hdr.ConnectionID]
			l.mu.Unlock()
			if ok {
				c.deliverDatagram(data, addr)
			}
		}
		return
	}
	if data[0] != kindClientHello {
		return // not a fresh handshake; drop (no connection to route to)
	}
	c = newConnection(l.pconn, addr, false, l.cfg)
	c.ticketStore = l.ticketStore
	c.kem = l.kem
	c.limiter.Global = l.globalLimiter
	l.mu.Lock()
	l.conns[key] = c
	l.mu.Unlock()
	go c.run()
	go l.waitEstablished(c, key)
	c.deliverDatagram(data, addr)
}

// waitEstablished surfaces a server-side connection to Accept once its
// handshake completes, and forgets it once it closes.
func (l *Listener) waitEstablished(c *Connection, key string) {
	select {
	case err := <-c.handshakeDone:
		if err == nil {
			cid := c.connectionID()
			l.mu.Lock()
			l.connsByCID[cid] = c
			l.mu.Unlock()
			select {
			case l.accepted <- c:
			case <-l.closed:
			}
		}
	case <-c.closed:
	}
	<-c.closed
	cid := c.connectionID()
	l.mu.Lock()
	delete(l.conns, key)
	delete(l.connsByCID, cid)
	l.mu.Unlock()
}

// Accept blocks until a new connection has completed its handshake.
func (l *Listener) Accept(ctx context.Context) (*Connection, error) {
	select {
	case c := <-l.accepted:
		return c, nil
	case <-l.closed:
		return nil, ErrSocketUnreachable
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Addr returns the listener's bound address.
func (l *Listener) Addr() net.Addr { return l.pconn.LocalAddr() }

// Close shuts down the listener and every connection it still owns.
func (l *Listener) Close() error {
	close(l.closed)
	l.cancel()
	l.mu.Lock()
	conns := make([]*Connection, 0, len(l.conns))
	for _, c := range l.conns {
		conns = append(conns, c)
	}
	l.mu.Unlock()
	for _, c := range conns {
		_ = c.Close()
	}
	err := l.pconn.Close()
	_ = l.group.Wait()
	return err
}

package jetstream

import (
	"context"
	"net"
)

// PacketConn is the non-blocking datagram service the core consumes
// (§6 "Datagram I/O contract (consumed)"). The core assumes no
// reliability or ordering from it; NewUDPPacketConn adapts a *net.UDPConn
// to it.
type PacketConn interface {
	// WriteTo sends b to addr without blocking longer than ctx allows.
	WriteTo(ctx context.Context, b []byte, addr net.Addr) error
	// ReadFrom blocks until a datagram arrives, ctx is cancelled, or the
	// socket is closed.
	ReadFrom(ctx context.Context) (b []byte, addr net.Addr, err error)
	// LocalAddr returns the address this service is bound to.
	LocalAddr() net.Addr
	Close() error
}

// udpPacketConn adapts *net.UDPConn to PacketConn for the common case;
// callers needing a simulated or non-blocking service supply their own.
type udpPacketConn struct {
	conn *net.UDPConn
}

// NewUDPPacketConn wraps conn as a PacketConn.
func NewUDPPacketConn(conn *net.UDPConn) PacketConn {
	return &udpPacketConn{conn: conn}
}

func (u *udpPacketConn) WriteTo(ctx context.Context, b []byte, addr net.Addr) error {
	if dl, ok := ctx.Deadline(); ok {
		_ = u.conn.SetWriteDeadline(dl)
	}
	_, err := u.conn.WriteTo(b, addr)
	return err
}

func (u *udpPacketConn) ReadFrom(ctx context.Context) ([]byte, net.Addr, error) {
	if dl, ok := ctx.Deadline(); ok {
		_ = u.conn.SetReadDeadline(dl)
	}
	buf := make([]byte, 64*1024)
	n, addr, err := u.conn.ReadFrom(buf)
	if err != nil {
		return nil, nil, err
	}
	return buf[:n], addr, nil
}

func (u *udpPacketConn) LocalAddr() net.Addr { return u.conn.LocalAddr() }
func (u *udpPacketConn) Close() error        { return u.conn.Close() }

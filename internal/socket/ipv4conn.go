package socket

import (
	"net"
	"time"

	"golang.org/x/net/ipv4"
)

// ipv4PacketConn wraps a net.PacketConn with golang.org/x/net/ipv4's
// control-message support, so UDP reads can report which local address a
// datagram arrived on. Adapted from the teacher's internal/ipnet package.
type ipv4PacketConn struct {
	conn *ipv4.PacketConn
}

func newIPv4PacketConn(c net.PacketConn) (*ipv4PacketConn, error) {
	conn := ipv4.NewPacketConn(c)
	if err := setControlMessage(conn); err != nil {
		return nil, err
	}
	return &ipv4PacketConn{conn: conn}, nil
}

func (c *ipv4PacketConn) ReadFromCM(b []byte) (int, *ControlMessage, net.Addr, error) {
	n, ipcm, src, err := c.conn.ReadFrom(b)
	if err != nil {
		return 0, nil, nil, err
	}
	return n, createControlMessage(ipcm), src, nil
}

func (c *ipv4PacketConn) WriteTo(b []byte, dst net.Addr) (int, error) {
	return c.conn.WriteTo(b, nil, dst)
}

func (c *ipv4PacketConn) Close() error { return c.conn.Close() }

func (c *ipv4PacketConn) LocalAddr() net.Addr { return c.conn.LocalAddr() }

func (c *ipv4PacketConn) SetReadDeadline(t time.Time) error { return c.conn.SetReadDeadline(t) }

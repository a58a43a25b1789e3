package relay

import (
	"time"

	"github.com/pion/stun/v2"

	"github.com/oceanresque/turnrelay/internal/socket"
)

// Connection is a thin adapter around one socket to one server address
// (spec.md §4.2): raw sends, option application, and STUN response
// correlation via its own RequestManager. It owns both the socket and the
// request manager; Close releases both.
type Connection struct {
	sock   socket.AsyncPacketSocket
	addr   ProtocolAddress
	reqMgr *RequestManager
}

func newConnection(sock socket.AsyncPacketSocket, addr ProtocolAddress) *Connection {
	return &Connection{sock: sock, addr: addr, reqMgr: newRequestManager()}
}

// Send writes raw bytes to the server address this connection was opened
// against.
func (c *Connection) Send(b []byte) (int, error) {
	return c.sock.SendTo(b, c.addr.UDPAddr())
}

func (c *Connection) SetOption(opt, val int) error {
	return c.sock.SetOption(opt, val)
}

// GetError returns the last asynchronous error observed by this
// connection's socket, independent of any error already returned
// directly from Send.
func (c *Connection) GetError() error {
	return c.sock.GetError()
}

// CheckResponse delegates to the request manager; true means msg matched
// an outstanding transaction and that transaction's callback already ran.
func (c *Connection) CheckResponse(msg *stun.Message) bool {
	return c.reqMgr.CheckResponse(msg)
}

// SendAllocateRequest builds a fresh AllocateRequest for entry over this
// connection and enqueues its first transmit after delay (zero meaning
// immediately).
func (c *Connection) SendAllocateRequest(entry *Entry, delay time.Duration) error {
	req, err := newAllocateRequest(entry, c)
	if err != nil {
		return err
	}
	if delay <= 0 {
		req.send()
	} else {
		entry.port.PostDelayed(delay, req.send)
	}
	return nil
}

// Close cancels every pending transaction (without firing callbacks) and
// closes the underlying socket.
func (c *Connection) Close() error {
	c.reqMgr.Cancel()
	return c.sock.Close()
}

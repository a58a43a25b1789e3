package socket

import (
	"crypto/tls"
	"fmt"
	"net"
	"sync"

	"github.com/pion/logging"
	"github.com/pion/transport/v3/vnet"
)

// tcpSocket is the AsyncPacketSocket over a client TCP (or TLS-over-TCP,
// for SSLTCP) connection to one server. Unlike udpSocket its Connected
// channel only fires once the dial (and, for SSLTCP, the TLS handshake)
// completes, matching spec.md §4.3.1 step 7's TCP/SSLTCP branch.
type tcpSocket struct {
	log    logging.LeveledLogger
	remote net.Addr

	mu      sync.Mutex
	conn    net.Conn
	lastErr error

	reads     chan ReadResult
	connected chan struct{}
	closed    chan error
}

func newTCPSocket(n *vnet.Net, bind net.IP, dest net.Addr, proxy *ProxyConfig, userAgent string, useTLS bool, log logging.LeveledLogger) (AsyncPacketSocket, error) {
	s := &tcpSocket{
		log:       log,
		remote:    dest,
		reads:     make(chan ReadResult, 32),
		connected: make(chan struct{}, 1),
		closed:    make(chan error, 1),
	}
	go s.dialAndServe(n, dest, proxy, userAgent, useTLS)
	return s, nil
}

func (s *tcpSocket) fail(err error) {
	s.mu.Lock()
	s.lastErr = err
	s.mu.Unlock()
	close(s.reads)
	s.closed <- err
}

func (s *tcpSocket) dialAndServe(n *vnet.Net, dest net.Addr, proxy *ProxyConfig, userAgent string, useTLS bool) {
	dialAddr := dest.String()
	if proxy != nil {
		dialAddr = proxy.Addr
	}

	conn, err := n.Dial("tcp", dialAddr)
	if err != nil {
		s.fail(fmt.Errorf("socket: dial %s: %w", dialAddr, err))
		return
	}

	if proxy != nil {
		if err := dialThroughProxy(conn, dest.String(), userAgent); err != nil {
			_ = conn.Close()
			s.fail(err)
			return
		}
	}

	if useTLS {
		host, _, splitErr := net.SplitHostPort(dest.String())
		if splitErr != nil {
			host = dest.String()
		}
		tlsConn := tls.Client(conn, tlsClientConfig(host))
		if err := tlsConn.Handshake(); err != nil {
			_ = conn.Close()
			s.fail(fmt.Errorf("socket: tls handshake with %s: %w", dest, err))
			return
		}
		conn = tlsConn
	}

	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()
	s.connected <- struct{}{}

	s.readLoop(conn)
}

func (s *tcpSocket) readLoop(conn net.Conn) {
	buf := make([]byte, readBufferSize)
	for {
		n, err := conn.Read(buf)
		if err != nil {
			s.fail(err)
			return
		}
		data := make([]byte, n)
		copy(data, buf[:n])
		select {
		case s.reads <- ReadResult{Data: data, From: s.remote}:
		default:
			s.log.Warnf("relay-socket: dropping tcp datagram from %s, reader not keeping up", s.remote)
		}
	}
}

func (s *tcpSocket) SendTo(b []byte, _ net.Addr) (int, error) {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return 0, errNotConnected
	}
	n, err := conn.Write(b)
	if err != nil {
		s.mu.Lock()
		s.lastErr = err
		s.mu.Unlock()
	}
	return n, err
}

var errNotConnected = fmt.Errorf("socket: write before connect completed")

func (s *tcpSocket) SetOption(int, int) error { return nil }

func (s *tcpSocket) GetError() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastErr
}

func (s *tcpSocket) LocalAddr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		return nil
	}
	return s.conn.LocalAddr()
}

func (s *tcpSocket) RemoteAddr() net.Addr { return s.remote }

func (s *tcpSocket) Reads() <-chan ReadResult   { return s.reads }
func (s *tcpSocket) Connected() <-chan struct{} { return s.connected }
func (s *tcpSocket) Closed() <-chan error       { return s.closed }

func (s *tcpSocket) Close() error {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return nil
	}
	return conn.Close()
}

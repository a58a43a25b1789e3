package socket

import (
	"net"
	"sync"

	"github.com/pion/logging"
)

// udpSocket is the AsyncPacketSocket over an unconnected UDP datagram
// socket: already "connected" the moment it exists (spec.md §4.3.1 step
// 7), so its Connected channel is closed immediately.
type udpSocket struct {
	pc     *ipv4PacketConn
	log    logging.LeveledLogger
	reads  chan ReadResult
	conn   chan struct{}
	closed chan error

	mu      sync.Mutex
	lastErr error
}

const readBufferSize = 1500

func newUDPSocket(pc *ipv4PacketConn, log logging.LeveledLogger) *udpSocket {
	s := &udpSocket{
		pc:     pc,
		log:    log,
		reads:  make(chan ReadResult, 32),
		conn:   make(chan struct{}),
		closed: make(chan error, 1),
	}
	close(s.conn)
	go s.readLoop()
	return s
}

func (s *udpSocket) readLoop() {
	buf := make([]byte, readBufferSize)
	for {
		n, cm, from, err := s.pc.ReadFromCM(buf)
		if err != nil {
			s.mu.Lock()
			s.lastErr = err
			s.mu.Unlock()
			close(s.reads)
			s.closed <- err
			return
		}
		data := make([]byte, n)
		copy(data, buf[:n])
		var rcm *ControlMessage
		if cm != nil {
			rcm = &ControlMessage{Dst: cm.Dst}
		}
		select {
		case s.reads <- ReadResult{Data: data, From: from, CM: rcm}:
		default:
			s.log.Warnf("relay-socket: dropping datagram from %s, reader not keeping up", from)
		}
	}
}

func (s *udpSocket) SendTo(b []byte, addr net.Addr) (int, error) {
	n, err := s.pc.WriteTo(b, addr)
	if err != nil {
		s.mu.Lock()
		s.lastErr = err
		s.mu.Unlock()
	}
	return n, err
}

func (s *udpSocket) SetOption(int, int) error {
	// No UDP-specific socket options are modelled beyond what
	// ipv4.PacketConn already configures (control messages); accepted
	// as a no-op so callers applying the port's queued options don't
	// have to special-case UDP.
	return nil
}

func (s *udpSocket) GetError() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastErr
}

func (s *udpSocket) LocalAddr() net.Addr  { return s.pc.LocalAddr() }
func (s *udpSocket) RemoteAddr() net.Addr { return nil }

func (s *udpSocket) Reads() <-chan ReadResult   { return s.reads }
func (s *udpSocket) Connected() <-chan struct{} { return s.conn }
func (s *udpSocket) Closed() <-chan error       { return s.closed }

func (s *udpSocket) Close() error {
	return s.pc.Close()
}

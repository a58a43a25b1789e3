package relay

import (
	"net"
	"sync"
	"testing"
	"time"

	"github.com/pion/logging"
	"github.com/pion/stun/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oceanresque/turnrelay/internal/relayattr"
	"github.com/oceanresque/turnrelay/internal/socket"
)

// fakePort is the dummy*Observer test double, modeled on
// internal/client/conn_test.go's dummyUDPConnObserver: overridable
// function fields standing in for a real port, driven synchronously in
// tests instead of through a real goroutine loop.
type fakePort struct {
	mu sync.Mutex

	servers []ProtocolAddress
	options []Option
	factory socket.PacketSocketFactory

	connectFailures []ProtocolAddress
	softTimeouts    []ProtocolAddress
	connects        []ProtocolAddress
	reads           []readEvent
	lockedCount     int

	pendingTimers []*fakeTimer
}

// fakeTimer is one delayed callback recorded by fakePort.PostDelayed.
type fakeTimer struct {
	fn        func()
	cancelled bool
}

// connectCount and lockedCountSnapshot are used by tests to synchronize
// with the entry's background socket-watcher goroutine purely through
// port.mu, so a subsequent direct read of entry state is guaranteed
// happens-after the write (mutex Unlock/Lock establishes that ordering
// for every earlier write in the writer goroutine, not just the guarded
// field) instead of racing a bare field poll.
func (f *fakePort) connectCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.connects)
}

func (f *fakePort) lockedCountSnapshot() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lockedCount
}

type readEvent struct {
	data   []byte
	remote ProtocolAddress
}

func newFakePort(factory socket.PacketSocketFactory, servers ...ProtocolAddress) *fakePort {
	return &fakePort{factory: factory, servers: servers}
}

func (f *fakePort) ServerAddr(i int) (ProtocolAddress, bool) {
	if i < 0 || i >= len(f.servers) {
		return ProtocolAddress{}, false
	}
	return f.servers[i], true
}
func (f *fakePort) Options() []Option                        { return f.options }
func (f *fakePort) Username() []byte                         { return []byte("ufrag") }
func (f *fakePort) SocketFactory() socket.PacketSocketFactory { return f.factory }
func (f *fakePort) BindIP() net.IP                            { return net.IPv4zero }
func (f *fakePort) MinPort() int                              { return 0 }
func (f *fakePort) MaxPort() int                              { return 0 }
func (f *fakePort) Proxy() *socket.ProxyConfig                { return nil }
func (f *fakePort) UserAgent() string                         { return "turnrelay-test" }
func (f *fakePort) Logger() logging.LeveledLogger {
	return logging.NewDefaultLoggerFactory().NewLogger("relay-test")
}

// Post/PostDelayed run synchronously in-line for immediate posts and
// record delayed ones for the test to fire explicitly with fireTimers,
// keeping these tests deterministic instead of racing real timers. A
// cancelled timer is removed from pendingTimers and never runs.
func (f *fakePort) Post(fn func()) { fn() }

func (f *fakePort) PostDelayed(d time.Duration, fn func()) func() {
	f.mu.Lock()
	defer f.mu.Unlock()
	timer := &fakeTimer{fn: fn}
	f.pendingTimers = append(f.pendingTimers, timer)
	return func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		timer.cancelled = true
		for i, t := range f.pendingTimers {
			if t == timer {
				f.pendingTimers = append(f.pendingTimers[:i:i], f.pendingTimers[i+1:]...)
				break
			}
		}
	}
}

// fireTimers runs and clears every currently pending delayed callback.
func (f *fakePort) fireTimers() {
	f.mu.Lock()
	timers := f.pendingTimers
	f.pendingTimers = nil
	f.mu.Unlock()
	for _, t := range timers {
		f.mu.Lock()
		c := t.cancelled
		f.mu.Unlock()
		if !c {
			t.fn()
		}
	}
}

func (f *fakePort) OnConnect(e *Entry, mapped ProtocolAddress) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connects = append(f.connects, mapped)
}
func (f *fakePort) OnReadPacket(e *Entry, data []byte, remote ProtocolAddress) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := append([]byte{}, data...)
	f.reads = append(f.reads, readEvent{data: cp, remote: remote})
}
func (f *fakePort) OnConnectFailure(pa ProtocolAddress) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connectFailures = append(f.connectFailures, pa)
}
func (f *fakePort) OnSoftTimeout(pa ProtocolAddress) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.softTimeouts = append(f.softTimeouts, pa)
}
func (f *fakePort) Dispose(c *Connection) { go c.Close() }
func (f *fakePort) RecordRetry(int)       {}
func (f *fakePort) RecordFailover()       {}
func (f *fakePort) RecordLocked() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lockedCount++
}

// fakeSocket is a minimal AsyncPacketSocket double whose test drives
// reads/connect/close explicitly by pushing into the channels.
type fakeSocket struct {
	sentTo   chan []byte
	reads    chan socket.ReadResult
	connect  chan struct{}
	closed   chan error
	closeErr error
}

func newFakeSocket(alreadyConnected bool) *fakeSocket {
	s := &fakeSocket{
		sentTo:  make(chan []byte, 16),
		reads:   make(chan socket.ReadResult, 16),
		connect: make(chan struct{}, 1),
		closed:  make(chan error, 1),
	}
	if alreadyConnected {
		close(s.connect)
	}
	return s
}

func (s *fakeSocket) SendTo(b []byte, _ net.Addr) (int, error) {
	cp := append([]byte{}, b...)
	s.sentTo <- cp
	return len(b), nil
}
func (s *fakeSocket) SetOption(int, int) error       { return nil }
func (s *fakeSocket) GetError() error                { return nil }
func (s *fakeSocket) LocalAddr() net.Addr            { return &net.UDPAddr{} }
func (s *fakeSocket) RemoteAddr() net.Addr           { return &net.UDPAddr{} }
func (s *fakeSocket) Reads() <-chan socket.ReadResult { return s.reads }
func (s *fakeSocket) Connected() <-chan struct{}      { return s.connect }
func (s *fakeSocket) Closed() <-chan error            { return s.closed }
func (s *fakeSocket) Close() error {
	select {
	case s.closed <- s.closeErr:
	default:
	}
	return nil
}

// fakeFactory hands out pre-created fakeSockets in call order.
type fakeFactory struct {
	mu      sync.Mutex
	udp     []*fakeSocket
	tcp     []*fakeSocket
	udpErrs []error
	tcpErrs []error
}

func (f *fakeFactory) CreateUDPSocket(net.IP, int, int) (socket.AsyncPacketSocket, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.udpErrs) > 0 {
		err := f.udpErrs[0]
		f.udpErrs = f.udpErrs[1:]
		if err != nil {
			return nil, err
		}
	}
	s := f.udp[0]
	f.udp = f.udp[1:]
	return s, nil
}

func (f *fakeFactory) CreateClientTCPSocket(net.IP, net.Addr, *socket.ProxyConfig, string, bool) (socket.AsyncPacketSocket, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.tcpErrs) > 0 {
		err := f.tcpErrs[0]
		f.tcpErrs = f.tcpErrs[1:]
		if err != nil {
			return nil, err
		}
	}
	s := f.tcp[0]
	f.tcp = f.tcp[1:]
	return s, nil
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	require.True(t, cond(), "condition never became true")
}

func buildAllocateResponse(t *testing.T, entry *Entry, sock *fakeSocket, mapped ProtocolAddress) {
	t.Helper()
	// Read the outbound Allocate request to recover its transaction ID.
	var req []byte
	waitFor(t, func() bool {
		select {
		case req = <-sock.sentTo:
			return true
		default:
			return false
		}
	})
	reqMsg := new(stun.Message)
	reqMsg.Raw = append([]byte{}, req...)
	require.NoError(t, reqMsg.Decode())

	resp, err := stun.Build(
		stun.NewTransactionIDSetter(reqMsg.TransactionID),
		relayattr.SetType(relayattr.TypeAllocateResponse),
		relayattr.MagicCookie{},
		relayattr.MappedAddress{IP: mapped.IP, Port: mapped.Port},
	)
	require.NoError(t, err)
	sock.reads <- socket.ReadResult{Data: resp.Raw, From: &net.UDPAddr{}}
}

func TestEntryUDPHappyPath(t *testing.T) {
	sock := newFakeSocket(true)
	factory := &fakeFactory{udp: []*fakeSocket{sock}}
	server := ProtocolAddress{IP: net.IPv4(198, 51, 100, 1), Port: 3478, Proto: socket.ProtoUDP}
	port := newFakePort(factory, server)

	entry := NewEntry(port, true)
	entry.Connect()

	mapped := ProtocolAddress{IP: net.IPv4(198, 51, 100, 7), Port: 40000, Proto: socket.ProtoUDP}
	buildAllocateResponse(t, entry, sock, mapped)

	waitFor(t, func() bool {
		port.mu.Lock()
		defer port.mu.Unlock()
		return len(port.connects) == 1
	})
	assert.True(t, entry.Connected())
	assert.Equal(t, StateConnected, entry.State())
	assert.Equal(t, mapped, port.connects[0])

	// A keep-alive Allocate should have been scheduled.
	port.mu.Lock()
	nTimers := len(port.pendingTimers)
	port.mu.Unlock()
	assert.Equal(t, 1, nTimers)
}

func TestEntryTCPSoftTimeoutFailover(t *testing.T) {
	tcpSock := newFakeSocket(false) // never signals connect
	udpSock := newFakeSocket(true)
	factory := &fakeFactory{tcp: []*fakeSocket{tcpSock}, udp: []*fakeSocket{udpSock}}
	s1 := ProtocolAddress{IP: net.IPv4(198, 51, 100, 1), Port: 443, Proto: socket.ProtoTCP}
	s2 := ProtocolAddress{IP: net.IPv4(198, 51, 100, 2), Port: 3478, Proto: socket.ProtoUDP}
	port := newFakePort(factory, s1, s2)

	entry := NewEntry(port, true)
	entry.Connect()
	assert.Equal(t, StateConnecting, entry.State())

	// Fire the soft-connect timeout: should fail over to S2 over UDP.
	port.fireTimers()

	mapped := ProtocolAddress{IP: net.IPv4(198, 51, 100, 9), Port: 55555, Proto: socket.ProtoUDP}
	buildAllocateResponse(t, entry, udpSock, mapped)

	waitFor(t, func() bool {
		port.mu.Lock()
		defer port.mu.Unlock()
		return len(port.connects) == 1
	})
	assert.Equal(t, 1, entry.serverIdx)
	assert.Len(t, port.softTimeouts, 1)
	assert.Equal(t, s1, port.softTimeouts[0])
}

func TestEntrySendToWrapsUntilLocked(t *testing.T) {
	sock := newFakeSocket(true)
	factory := &fakeFactory{udp: []*fakeSocket{sock}}
	server := ProtocolAddress{IP: net.IPv4(198, 51, 100, 1), Port: 3478, Proto: socket.ProtoUDP}
	port := newFakePort(factory, server)

	entry := NewEntry(port, true)
	entry.Connect()

	mapped := ProtocolAddress{IP: net.IPv4(198, 51, 100, 7), Port: 40000, Proto: socket.ProtoUDP}
	buildAllocateResponse(t, entry, sock, mapped)
	waitFor(t, func() bool { return port.connectCount() == 1 })
	require.True(t, entry.Connected())

	dest := ProtocolAddress{IP: net.IPv4(203, 0, 113, 5), Port: 6000, Proto: socket.ProtoUDP}
	entry.AdoptDestination(dest)

	n, err := entry.SendTo(dest, []byte("hello"))
	require.NoError(t, err)
	assert.Equal(t, 5, n)

	var sent []byte
	waitFor(t, func() bool {
		select {
		case sent = <-sock.sentTo:
			return true
		default:
			return false
		}
	})
	m := new(stun.Message)
	m.Raw = append([]byte{}, sent...)
	require.NoError(t, m.Decode())
	assert.Equal(t, relayattr.TypeSendRequest, relayattr.ReadType(m))
	var opts relayattr.Options
	require.NoError(t, opts.GetFrom(m))
	assert.NotZero(t, opts&relayattr.OptionLock)
	assert.False(t, entry.Locked())

	// Server acknowledges the lock.
	lockResp, err := stun.Build(stun.TransactionID, relayattr.SetType(relayattr.TypeSendResponse), relayattr.MagicCookie{}, relayattr.OptionLock)
	require.NoError(t, err)
	sock.reads <- socket.ReadResult{Data: lockResp.Raw, From: &net.UDPAddr{}}

	waitFor(t, func() bool { return port.lockedCountSnapshot() == 1 })
	assert.True(t, entry.Locked())
	assert.Equal(t, StateLocked, entry.State())

	// Now the fast path: raw send, no STUN framing.
	_, err = entry.SendTo(dest, []byte("world"))
	require.NoError(t, err)
	waitFor(t, func() bool {
		select {
		case sent = <-sock.sentTo:
			return true
		default:
			return false
		}
	})
	assert.Equal(t, []byte("world"), sent)
}

func TestEntryDataIndicationDelivered(t *testing.T) {
	sock := newFakeSocket(true)
	factory := &fakeFactory{udp: []*fakeSocket{sock}}
	server := ProtocolAddress{IP: net.IPv4(198, 51, 100, 1), Port: 3478, Proto: socket.ProtoUDP}
	port := newFakePort(factory, server)

	entry := NewEntry(port, true)
	entry.Connect()
	mapped := ProtocolAddress{IP: net.IPv4(198, 51, 100, 7), Port: 40000, Proto: socket.ProtoUDP}
	buildAllocateResponse(t, entry, sock, mapped)
	waitFor(t, func() bool { return port.connectCount() == 1 })

	data, err := stun.Build(
		stun.TransactionID,
		relayattr.SetType(relayattr.TypeDataIndication),
		relayattr.MagicCookie{},
		relayattr.SourceAddress2{IP: net.IPv4(203, 0, 113, 9), Port: 5000},
		relayattr.Data("hi"),
	)
	require.NoError(t, err)
	sock.reads <- socket.ReadResult{Data: data.Raw, From: &net.UDPAddr{}}

	waitFor(t, func() bool {
		port.mu.Lock()
		defer port.mu.Unlock()
		return len(port.reads) == 1
	})
	assert.Equal(t, []byte("hi"), port.reads[0].data)
	assert.Equal(t, net.IPv4(203, 0, 113, 9).String(), port.reads[0].remote.IP.String())
	assert.Equal(t, 5000, port.reads[0].remote.Port)
}

func TestEntryUnlockedRawPacketDropped(t *testing.T) {
	sock := newFakeSocket(true)
	factory := &fakeFactory{udp: []*fakeSocket{sock}}
	server := ProtocolAddress{IP: net.IPv4(198, 51, 100, 1), Port: 3478, Proto: socket.ProtoUDP}
	port := newFakePort(factory, server)

	entry := NewEntry(port, true)
	entry.Connect()
	mapped := ProtocolAddress{IP: net.IPv4(198, 51, 100, 7), Port: 40000, Proto: socket.ProtoUDP}
	buildAllocateResponse(t, entry, sock, mapped)
	waitFor(t, func() bool { return port.connectCount() == 1 })

	sock.reads <- socket.ReadResult{Data: []byte("raw unframed payload........"), From: &net.UDPAddr{}}
	time.Sleep(20 * time.Millisecond)

	port.mu.Lock()
	defer port.mu.Unlock()
	assert.Empty(t, port.reads)
}

func TestEntryExhaustion(t *testing.T) {
	factory := &fakeFactory{udpErrs: []error{errFakeSocketCreate}}
	server := ProtocolAddress{IP: net.IPv4(198, 51, 100, 1), Port: 3478, Proto: socket.ProtoUDP}
	port := newFakePort(factory, server)

	entry := NewEntry(port, true)
	entry.Connect()

	waitFor(t, func() bool {
		return entry.State() == StateExhausted
	})
	assert.Equal(t, 1, entry.serverIdx)

	_, err := entry.SendTo(server, []byte("x"))
	assert.ErrorIs(t, err, errNoConnection)
}

func TestEntryAllocateErrorThenSuccess(t *testing.T) {
	sock := newFakeSocket(true)
	factory := &fakeFactory{udp: []*fakeSocket{sock}}
	server := ProtocolAddress{IP: net.IPv4(198, 51, 100, 1), Port: 3478, Proto: socket.ProtoUDP}
	port := newFakePort(factory, server)

	entry := NewEntry(port, true)
	entry.Connect()

	var firstReq []byte
	waitFor(t, func() bool {
		select {
		case firstReq = <-sock.sentTo:
			return true
		default:
			return false
		}
	})
	reqMsg := new(stun.Message)
	reqMsg.Raw = append([]byte{}, firstReq...)
	require.NoError(t, reqMsg.Decode())

	errResp, err := stun.Build(
		stun.NewTransactionIDSetter(reqMsg.TransactionID),
		relayattr.SetType(relayattr.TypeAllocateErrorResp),
		relayattr.MagicCookie{},
	)
	require.NoError(t, err)
	sock.reads <- socket.ReadResult{Data: errResp.Raw, From: &net.UDPAddr{}}

	// The error response cancels the retry timer and schedules a single
	// keep-alive-shaped retry in its place (see scheduleKeepAlive's doc
	// comment on why it reuses the success path's delay).
	waitFor(t, func() bool {
		port.mu.Lock()
		defer port.mu.Unlock()
		return len(port.pendingTimers) == 1
	})
	assert.False(t, entry.Connected())

	port.fireTimers()

	var secondReq []byte
	waitFor(t, func() bool {
		select {
		case secondReq = <-sock.sentTo:
			return true
		default:
			return false
		}
	})
	secondMsg := new(stun.Message)
	secondMsg.Raw = append([]byte{}, secondReq...)
	require.NoError(t, secondMsg.Decode())
	assert.NotEqual(t, reqMsg.TransactionID, secondMsg.TransactionID)

	mapped := ProtocolAddress{IP: net.IPv4(198, 51, 100, 7), Port: 40000, Proto: socket.ProtoUDP}
	resp, err := stun.Build(
		stun.NewTransactionIDSetter(secondMsg.TransactionID),
		relayattr.SetType(relayattr.TypeAllocateResponse),
		relayattr.MagicCookie{},
		relayattr.MappedAddress{IP: mapped.IP, Port: mapped.Port},
	)
	require.NoError(t, err)
	sock.reads <- socket.ReadResult{Data: resp.Raw, From: &net.UDPAddr{}}

	waitFor(t, func() bool { return port.connectCount() == 1 })
	assert.True(t, entry.Connected())
	assert.Equal(t, mapped, port.connects[0])
}

var errFakeSocketCreate = &net.OpError{Op: "dial", Err: assertErr("boom")}

type assertErr string

func (e assertErr) Error() string { return string(e) }

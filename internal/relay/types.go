// Package relay implements the client-side TURN relay state machine:
// AllocateRequest, RelayConnection and RelayEntry. The owning port
// (package relay, at the module root) implements PortObserver and supplies
// the server list, socket factory, upward signals and the single-goroutine
// message loop all of these run on (through Post/PostDelayed); this
// package never imports it back.
package relay

import (
	"net"
	"time"

	"github.com/pion/logging"

	"github.com/oceanresque/turnrelay/internal/socket"
)

// ProtocolAddress is one (address, transport) pair a RelayEntry can try,
// either as a configured server or as the address reported back to the
// ICE layer.
type ProtocolAddress struct {
	IP    net.IP
	Port  int
	Proto socket.Proto
}

// UDPAddr renders the address as a *net.UDPAddr, used both for dialling
// and as the wire-level family-1 address in DESTINATION-ADDRESS/
// SOURCE-ADDRESS2/MAPPED-ADDRESS attributes.
func (pa ProtocolAddress) UDPAddr() *net.UDPAddr {
	return &net.UDPAddr{IP: pa.IP, Port: pa.Port}
}

func (pa ProtocolAddress) Equal(other ProtocolAddress) bool {
	return pa.Proto == other.Proto && pa.Port == other.Port && pa.IP.Equal(other.IP)
}

func (pa ProtocolAddress) String() string {
	return pa.Proto.String() + "://" + pa.UDPAddr().String()
}

// Option is one queued socket option, applied to every socket an entry
// opens from the moment it is recorded onward.
type Option struct {
	ID    int
	Value int
}

// State is RelayEntry's lifecycle state (spec's Idle/Connecting/Connected/
// Locked, with Failover as the transient step between server attempts and
// Exhausted as the terminal failure state).
type State int

const (
	StateIdle State = iota
	StateConnecting
	StateFailover
	StateConnected
	StateLocked
	StateExhausted
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateFailover:
		return "failover"
	case StateConnected:
		return "connected"
	case StateLocked:
		return "locked"
	case StateExhausted:
		return "exhausted"
	default:
		return "unknown"
	}
}

// Authoritative constants from the external interface (spec.md §6).
const (
	KeepAliveDelay        = 10 * time.Minute
	RetryTimeout          = 50 * time.Second
	SoftConnectTimeout    = 3 * time.Second
	AllocateMaxAttempts   = 5
)

// PortObserver is what a RelayEntry needs from its owning port: the
// server list, the queued options, collaborator factories, upward
// signals, and access to the port's single-goroutine message loop. It is
// the analogue of internal/client.Client in the teacher: the leaf package
// depends only on this interface, never on the concrete owner type.
type PortObserver interface {
	// ServerAddr returns server_addr[index], or ok=false if index is out
	// of range (triggers StateExhausted).
	ServerAddr(index int) (ProtocolAddress, bool)

	// Options returns the port-wide queue of socket options to reapply to
	// every newly created socket.
	Options() []Option

	// Username returns the ICE ufrag carried as USERNAME on every
	// Allocate and Send request.
	Username() []byte

	SocketFactory() socket.PacketSocketFactory
	BindIP() net.IP
	MinPort() int
	MaxPort() int
	Proxy() *socket.ProxyConfig
	UserAgent() string

	Logger() logging.LeveledLogger

	// Post runs fn on the port's message loop, preserving FIFO order with
	// every other Post/PostDelayed call. Safe to call from any goroutine.
	Post(fn func())

	// PostDelayed schedules fn to run on the loop after d elapses and
	// returns a cancel func; calling cancel before fn has run on the loop
	// guarantees fn never runs. Safe to call from any goroutine.
	PostDelayed(d time.Duration, fn func()) (cancel func())

	// OnConnect reports a successful Allocate: set-related-address,
	// add-external-address(mapped, UDP), set-ready.
	OnConnect(e *Entry, mapped ProtocolAddress)

	// OnReadPacket delivers a fully unwrapped payload to the ICE layer.
	OnReadPacket(e *Entry, data []byte, remote ProtocolAddress)

	OnConnectFailure(pa ProtocolAddress)
	OnSoftTimeout(pa ProtocolAddress)

	// Dispose schedules c for deferred disposal: closed on the loop's
	// next turn, never synchronously, so in-flight callbacks already
	// queued against it still observe a live object.
	Dispose(c *Connection)

	// RecordRetry/RecordFailover/RecordLocked let the owner forward
	// state-transition counts to internal/relaymetrics without this
	// package importing it directly.
	RecordRetry(attempt int)
	RecordFailover()
	RecordLocked()
}

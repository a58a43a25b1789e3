package relay

import (
	"errors"
	"net"

	core "github.com/oceanresque/turnrelay/internal/relay"
	"github.com/oceanresque/turnrelay/internal/socket"
)

// IceHost is the enclosing ICE Port base this module's Port specializes
// (spec.md §4.4's "base Port" and §6's upward signals). It is deliberately
// thin: candidate prioritization, STUN binding-request demultiplexing and
// connectivity checks all live on the other side of this interface, out
// of scope for a relay-only gatherer.
type IceHost interface {
	// AddLocalCandidate publishes pa as a local candidate with RELAY type
	// preference. A single preference is used for every entry regardless
	// of transport (spec.md §9's documented deviation: no separate, lower
	// preference for TCP-relay candidates).
	AddLocalCandidate(pa core.ProtocolAddress)

	// SetRelatedAddress records the base address a relay candidate was
	// obtained from (the STUN Allocate response's mapped address), which
	// the base port surfaces as the RELAY candidate's related address/port
	// (spec.md §4.3.2's set-related-address, called once per successful
	// allocation, before the matching AddLocalCandidate).
	SetRelatedAddress(pa core.ProtocolAddress)

	// OnConnectionReceived escalates a packet that arrived on a relay
	// socket but matches no existing IceConnection, for the base port's
	// own demultiplexing (STUN binding requests and the like).
	OnConnectionReceived(data []byte, remote net.Addr, proto socket.Proto)

	SignalConnectFailure(pa core.ProtocolAddress)
	SignalSoftTimeout(pa core.ProtocolAddress)
	SignalAddressReady(p *Port)
}

var (
	// ErrLoopbackCandidate is returned by CreateConnection for a remote
	// candidate advertised by another port of this same relay type.
	ErrLoopbackCandidate = errors.New("relay: refusing connection to a candidate of the same port type")
	// ErrCandidateNotInitiated is returned for a non-UDP remote candidate
	// this port did not itself establish.
	ErrCandidateNotInitiated = errors.New("relay: refusing non-UDP remote candidate not initiated by this port")
	// ErrAddressFamilyMismatch is returned for a remote candidate outside
	// the IPv4-only address family this module supports.
	ErrAddressFamilyMismatch = errors.New("relay: refusing remote candidate with mismatched address family")
	// ErrNoMatchingLocalCandidate is returned when this port has not
	// published any external address at all yet (CreateConnection called
	// before PrepareAddress/OnConnect ever completed).
	ErrNoMatchingLocalCandidate = errors.New("relay: no local candidate published yet")
)

// RemoteCandidate is what the ICE layer offers CreateConnection when
// pairing: the address itself plus the two facts spec.md §4.4 requires to
// apply the refusal rules, both of which only the ICE layer can know.
type RemoteCandidate struct {
	Addr core.ProtocolAddress

	// SamePortType is true when the candidate was itself advertised by a
	// relay port using this same relay configuration (the loopback case
	// spec.md refuses).
	SamePortType bool

	// InitiatedByUs is true when this port is the one that created the
	// entry this remote candidate resolves to (e.g. via AdoptDestination
	// from an earlier SendTo), which is what lets a non-UDP candidate
	// through the second refusal rule.
	InitiatedByUs bool
}

// CreateConnection implements spec.md §4.4's ICE pairing entry point.
func (p *Port) CreateConnection(remote RemoteCandidate) (*IceConnection, error) {
	var conn *IceConnection
	var err error
	p.loop.sync(func() {
		conn, err = p.createConnection(remote)
	})
	return conn, err
}

func (p *Port) createConnection(remote RemoteCandidate) (*IceConnection, error) {
	if remote.SamePortType {
		return nil, ErrLoopbackCandidate
	}
	if remote.Addr.Proto != socket.ProtoUDP && !remote.InitiatedByUs {
		return nil, ErrCandidateNotInitiated
	}
	if remote.Addr.IP.To4() == nil {
		return nil, ErrAddressFamilyMismatch
	}

	if len(p.externalAddrs) == 0 {
		return nil, ErrNoMatchingLocalCandidate
	}

	// Prefer the external address sharing the remote candidate's protocol;
	// otherwise fall back to the first one, matching the original relay
	// port's index=0 default rather than refusing the pairing outright.
	local := &p.externalAddrs[0]
	for i := range p.externalAddrs {
		if p.externalAddrs[i].Proto == remote.Addr.Proto {
			local = &p.externalAddrs[i]
			break
		}
	}

	conn := &IceConnection{port: p, local: *local, remote: remote.Addr}
	p.connections[remote.Addr.UDPAddr().String()] = conn
	return conn, nil
}

// IceConnection is the proxy-style ICE connection spec.md §4.4's
// create-connection produces: all it does is route SendTo calls through
// the owning Port and accept inbound deliveries routed back to it by
// Port.OnReadPacket.
type IceConnection struct {
	port   *Port
	local  core.ProtocolAddress
	remote core.ProtocolAddress
	onData func(data []byte)
}

// SetOnData installs the callback invoked for every inbound payload
// addressed to this connection's remote candidate.
func (c *IceConnection) SetOnData(fn func(data []byte)) { c.onData = fn }

// Send relays b to this connection's remote candidate.
func (c *IceConnection) Send(b []byte) (int, error) {
	return c.port.SendTo(b, c.remote, true)
}

func (c *IceConnection) Local() core.ProtocolAddress  { return c.local }
func (c *IceConnection) Remote() core.ProtocolAddress { return c.remote }

func (c *IceConnection) deliver(data []byte) {
	if c.onData != nil {
		c.onData(data)
	}
}

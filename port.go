// Package relay is the ICE-facing gatherer façade (spec's RelayPort):
// one Port per ICE component, owning an ordered server list, the set of
// RelayEntry tunnels that list drives, and the external addresses those
// tunnels obtain. The state machine itself lives in internal/relay; this
// package supplies the PortObserver it runs against and translates
// between ICE-layer and relay-layer vocabulary.
package relay

import (
	"errors"

	"github.com/pion/logging"

	core "github.com/oceanresque/turnrelay/internal/relay"
	"github.com/oceanresque/turnrelay/internal/socket"
)

// ErrWouldBlock is returned by SendTo when no entry is connected yet,
// matching spec.md §7's EWOULDBLOCK socket-error taxonomy.
var ErrWouldBlock = errors.New("relay: would block, no connected entry for destination")

// Port is the RelayPort façade. Construct with NewPort, then call
// AddServerAddress for each configured relay server before the single
// PrepareAddress call that kicks off gathering.
type Port struct {
	cfg  *Config
	host IceHost
	loop *loop

	serverAddrs   []core.ProtocolAddress
	externalAddrs []core.ProtocolAddress
	options       []core.Option
	entries       []*core.Entry

	ready bool
	err   error

	connections map[string]*IceConnection

	prepared bool
}

// NewPort constructs an unready Port with exactly one nil-addressed
// primary entry, per spec.md §4.4's construction lifecycle.
func NewPort(cfg Config, host IceHost) *Port {
	p := &Port{
		cfg:         cfg.withDefaults(),
		host:        host,
		loop:        newLoop(),
		connections: make(map[string]*IceConnection),
	}
	p.entries = append(p.entries, core.NewEntry(p, true))
	if p.cfg.Metrics != nil {
		p.cfg.Metrics.SetActiveEntries(len(p.entries))
	}
	return p
}

// PrepareAddress kicks off the primary entry's connect(). Must be called
// exactly once, after the server list is populated.
func (p *Port) PrepareAddress() {
	p.loop.sync(func() {
		if p.prepared {
			p.logger().Warnf("relay: PrepareAddress called more than once")
			return
		}
		if len(p.entries) != 1 {
			p.logger().Errorf("relay: PrepareAddress requires exactly one entry, have %d", len(p.entries))
			return
		}
		p.prepared = true
		p.entries[0].Connect()
	})
}

// AddServerAddress appends pa to the server list, promoting SSLTCP
// entries to the front when the configured proxy is HTTPS or unset (spec
// treats "unknown" the same as HTTPS: be conservative and prefer the
// transport that tunnels cleanly through an HTTP(S) proxy).
func (p *Port) AddServerAddress(pa core.ProtocolAddress) {
	p.loop.sync(func() {
		if pa.Proto == socket.ProtoSSLTCP && (p.cfg.Proxy == nil || p.cfg.Proxy.HTTPS) {
			p.serverAddrs = append([]core.ProtocolAddress{pa}, p.serverAddrs...)
			return
		}
		p.serverAddrs = append(p.serverAddrs, pa)
	})
}

// AddExternalAddress appends pa to the published candidate set, skipping
// it if an address with the same (IP, port, proto) is already present.
func (p *Port) AddExternalAddress(pa core.ProtocolAddress) {
	p.loop.sync(func() { p.addExternalAddress(pa) })
}

func (p *Port) addExternalAddress(pa core.ProtocolAddress) {
	for _, existing := range p.externalAddrs {
		if existing.Equal(pa) {
			return
		}
	}
	p.externalAddrs = append(p.externalAddrs, pa)
}

// setReady implements spec.md §4.4's set-ready: idempotent, publishes
// every external address as a local candidate on first call only.
func (p *Port) setReady() {
	if p.ready {
		return
	}
	p.ready = true
	for _, pa := range p.externalAddrs {
		p.host.AddLocalCandidate(pa)
	}
	p.host.SignalAddressReady(p)
}

// SendTo implements spec.md §4.4's send-to algorithm.
func (p *Port) SendTo(data []byte, dest core.ProtocolAddress, payload bool) (n int, err error) {
	p.loop.sync(func() {
		n, err = p.sendTo(data, dest, payload)
	})
	return n, err
}

func (p *Port) sendTo(data []byte, dest core.ProtocolAddress, payload bool) (int, error) {
	var chosen *core.Entry
	for _, e := range p.entries {
		if payload && e.ExtAddr() == nil {
			e.AdoptDestination(dest)
			chosen = e
			break
		}
		if addr := e.ExtAddr(); addr != nil && addr.Equal(dest) {
			chosen = e
			break
		}
	}

	if chosen == nil && payload {
		chosen = core.NewEntry(p, false)
		chosen.SeedServerIndex(p.entries[0].ServerIndex())
		chosen.AdoptDestination(dest)
		p.entries = append(p.entries, chosen)
		if p.cfg.Metrics != nil {
			p.cfg.Metrics.SetActiveEntries(len(p.entries))
		}
		chosen.Connect()
	}

	// No match and no connection to it: fall back to the primary entry
	// whether chosen is nil or merely still connecting, matching the
	// original relay port's "if (!entry || !entry->connected())" fallback.
	if chosen == nil || !chosen.Connected() {
		chosen = p.entries[0]
	}
	if !chosen.Connected() {
		p.err = ErrWouldBlock
		return 0, ErrWouldBlock
	}

	n, err := chosen.SendTo(dest, data)
	if err != nil {
		// GetError reports the underlying socket's asynchronous error where
		// SendTo's own return doesn't already carry one (e.g. a write that
		// raced a close), matching the original relay port's SendTo, which
		// has no error return of its own and learns why entirely through
		// entry->GetError().
		if sockErr := chosen.GetError(); sockErr != nil {
			p.err = sockErr
		} else {
			p.err = err
		}
	}
	return n, err
}

// OnReadPacket implements core.PortObserver's delivery hook: a RelayEntry
// has already unwrapped (or, while locked, passed through) one inbound
// payload and wants it routed to whichever ICE connection owns remote, or
// escalated to the host if none does.
func (p *Port) OnReadPacket(_ *core.Entry, data []byte, remote core.ProtocolAddress) {
	addr := remote.UDPAddr()
	if conn, ok := p.connections[addr.String()]; ok {
		conn.deliver(data)
		return
	}
	p.host.OnConnectionReceived(data, addr, remote.Proto)
}

// SetOption applies opt/val to every entry's current connection (every
// entry is tried even after an earlier one fails) and reports the last
// error encountered, mirroring the original relay port's SetOption loop.
func (p *Port) SetOption(opt, val int) error {
	var lastErr error
	p.loop.sync(func() {
		p.options = append(p.options, core.Option{ID: opt, Value: val})
		for _, e := range p.entries {
			if err := e.SetOption(opt, val); err != nil {
				lastErr = err
			}
		}
		if lastErr != nil {
			p.err = lastErr
		}
	})
	return lastErr
}

// GetError returns the last raw socket error recorded by SendTo or
// SetOption.
func (p *Port) GetError() error {
	var err error
	p.loop.sync(func() { err = p.err })
	return err
}

// Close implements spec.md §5's shutdown: stop the loop (clearing pending
// messages), then close every entry.
func (p *Port) Close() {
	p.loop.stop()
	for _, e := range p.entries {
		e.Close()
	}
}

func (p *Port) logger() logging.LeveledLogger {
	return p.cfg.LoggerFactory.NewLogger("relay-port")
}

var _ core.PortObserver = (*Port)(nil)

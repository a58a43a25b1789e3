package relay

import (
	"net"
	"time"

	"github.com/pion/logging"

	core "github.com/oceanresque/turnrelay/internal/relay"
	"github.com/oceanresque/turnrelay/internal/socket"
)

// The methods in this file implement internal/relay.PortObserver. They
// all run on p.loop's single goroutine: internal/relay only ever calls
// them from a task it itself submitted via Post/PostDelayed, or
// synchronously from a call chain rooted in one (entry.Connect() and
// friends), so none of them take p's own lock — there isn't one.

func (p *Port) ServerAddr(index int) (core.ProtocolAddress, bool) {
	if index < 0 || index >= len(p.serverAddrs) {
		return core.ProtocolAddress{}, false
	}
	return p.serverAddrs[index], true
}

func (p *Port) Options() []core.Option { return p.options }

func (p *Port) Username() []byte { return p.cfg.Username }

func (p *Port) SocketFactory() socket.PacketSocketFactory { return p.cfg.SocketFactory }

func (p *Port) BindIP() net.IP { return p.cfg.BindIP }

func (p *Port) MinPort() int { return p.cfg.MinPort }

func (p *Port) MaxPort() int { return p.cfg.MaxPort }

func (p *Port) Proxy() *socket.ProxyConfig { return p.cfg.Proxy }

func (p *Port) UserAgent() string { return p.cfg.UserAgent }

func (p *Port) Logger() logging.LeveledLogger { return p.logger() }

func (p *Port) Post(fn func()) { p.loop.post(fn) }

func (p *Port) PostDelayed(d time.Duration, fn func()) func() {
	return p.loop.postDelayed(d, fn)
}

// OnConnect implements spec.md §4.3.2: publish the mapped address (always
// reported as UDP on the public side regardless of the transport used to
// reach the server) and call set-ready.
func (p *Port) OnConnect(e *core.Entry, mapped core.ProtocolAddress) {
	mapped.Proto = socket.ProtoUDP
	p.host.SetRelatedAddress(mapped)
	p.addExternalAddress(mapped)
	if p.cfg.Metrics != nil {
		p.cfg.Metrics.RecordConnect()
	}
	p.setReady()
	_ = e
}

func (p *Port) OnConnectFailure(pa core.ProtocolAddress) {
	p.host.SignalConnectFailure(pa)
}

func (p *Port) OnSoftTimeout(pa core.ProtocolAddress) {
	p.host.SignalSoftTimeout(pa)
}

// Dispose schedules c to be closed on the loop's next turn: posting
// (rather than closing inline) is what makes this deferred, since post
// always appends to the end of the task queue behind whatever is already
// running.
func (p *Port) Dispose(c *core.Connection) {
	p.loop.post(func() { _ = c.Close() })
}

func (p *Port) RecordRetry(attempt int) {
	if p.cfg.Metrics != nil {
		p.cfg.Metrics.RecordRetry(attempt)
	}
}

func (p *Port) RecordFailover() {
	if p.cfg.Metrics != nil {
		p.cfg.Metrics.RecordFailover()
	}
}

func (p *Port) RecordLocked() {
	if p.cfg.Metrics != nil {
		p.cfg.Metrics.RecordLocked()
	}
}

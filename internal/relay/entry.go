package relay

import (
	"errors"
	"net"
	"time"

	"github.com/pion/stun/v2"

	"github.com/oceanresque/turnrelay/internal/relayattr"
	"github.com/oceanresque/turnrelay/internal/socket"
)

var errNoConnection = errors.New("relay: entry has no current connection")

// Entry is one logical tunnel for one external destination (spec.md §4.3):
// it drives the server/protocol failover loop, owns the current
// Connection, and handles keep-alives plus per-destination wrap/unwrap.
// port is a weak back-reference: Entry never closes or outlives it.
type Entry struct {
	port      PortObserver
	primary   bool
	extAddr   *ProtocolAddress
	serverIdx int
	connected bool
	locked    bool
	conn      *Connection
	state     State

	// epoch is bumped on every Connect() call; goroutines and timers
	// started for a prior attempt capture their epoch and no-op if it no
	// longer matches, discarding stragglers from a disposed connection.
	epoch uint64

	softCancel      func()
	keepAliveCancel func()
}

// NewEntry constructs an Idle entry. primary marks entries[0], the
// nil-addressed fallback that is never removed before the port itself.
func NewEntry(port PortObserver, primary bool) *Entry {
	return &Entry{port: port, primary: primary, state: StateIdle}
}

// SetOption applies opt/val to the entry's current connection, if any; a
// still-unconnected entry picks up the option when Connect() next reapplies
// e.port.Options() to a freshly created socket.
func (e *Entry) SetOption(opt, val int) error {
	if e.conn == nil {
		return nil
	}
	return e.conn.SetOption(opt, val)
}

// ServerIndex returns the index this entry is currently trying (or would
// next try), used by callers seeding a newly created secondary entry with
// the primary entry's current position in the failover sequence.
func (e *Entry) ServerIndex() int { return e.serverIdx }

// SeedServerIndex sets the starting index for a not-yet-connected entry's
// failover search; must be called before Connect().
func (e *Entry) SeedServerIndex(i int) { e.serverIdx = i }

// GetError returns the last asynchronous socket error observed by this
// entry's current connection, if any.
func (e *Entry) GetError() error {
	if e.conn == nil {
		return nil
	}
	return e.conn.GetError()
}

func (e *Entry) Primary() bool             { return e.primary }
func (e *Entry) ExtAddr() *ProtocolAddress { return e.extAddr }
func (e *Entry) Connected() bool           { return e.connected }
func (e *Entry) Locked() bool              { return e.locked }
func (e *Entry) State() State              { return e.state }

// AdoptDestination assigns dest to a still-nil-addressed entry (spec.md
// §4.4 send-to step 1a).
func (e *Entry) AdoptDestination(dest ProtocolAddress) {
	e.extAddr = &dest
}

// Connect drives the failover loop (spec.md §4.3.1). Idempotent once
// connected.
func (e *Entry) Connect() {
	if e.connected {
		return
	}
	pa, ok := e.port.ServerAddr(e.serverIdx)
	if !ok {
		e.state = StateExhausted
		return
	}

	if e.conn != nil {
		e.port.Dispose(e.conn)
		e.conn = nil
	}
	if e.softCancel != nil {
		e.softCancel()
		e.softCancel = nil
	}

	e.state = StateConnecting
	e.epoch++
	epoch := e.epoch

	sf := e.port.SocketFactory()
	var sock socket.AsyncPacketSocket
	var err error
	switch pa.Proto {
	case socket.ProtoUDP:
		sock, err = sf.CreateUDPSocket(e.port.BindIP(), e.port.MinPort(), e.port.MaxPort())
	default:
		sock, err = sf.CreateClientTCPSocket(e.port.BindIP(), pa.UDPAddr(), e.port.Proxy(), e.port.UserAgent(), pa.Proto == socket.ProtoSSLTCP)
	}
	if err != nil {
		e.port.Logger().Warnf("relay: socket create for %s failed: %v", pa, err)
		e.port.Post(func() {
			if epoch != e.epoch {
				return
			}
			e.handleConnectFailure(nil)
		})
		return
	}

	for _, opt := range e.port.Options() {
		if err := sock.SetOption(opt.ID, opt.Value); err != nil {
			e.port.Logger().Warnf("relay: reapply option %d on %s: %v", opt.ID, pa, err)
		}
	}

	conn := newConnection(sock, pa)
	e.conn = conn
	e.watchSocket(sock, epoch)

	if pa.Proto == socket.ProtoUDP {
		e.sendAllocate(conn, 0)
		return
	}

	e.softCancel = e.port.PostDelayed(SoftConnectTimeout, func() {
		if epoch != e.epoch {
			return
		}
		e.port.OnSoftTimeout(pa)
		if e.conn != nil {
			e.handleConnectFailure(e.conn.sock)
		} else {
			e.handleConnectFailure(nil)
		}
	})
}

// watchSocket bridges an AsyncPacketSocket's channel-based events onto the
// port's message loop, tagging each with the epoch active when the socket
// was created so late events from a replaced connection are dropped.
func (e *Entry) watchSocket(sock socket.AsyncPacketSocket, epoch uint64) {
	go func() {
		connected := sock.Connected()
		reads := sock.Reads()
		closed := sock.Closed()
		for reads != nil || closed != nil {
			select {
			case _, ok := <-connected:
				connected = nil
				if ok {
					e.port.Post(func() {
						if epoch == e.epoch {
							e.onSocketConnect(sock)
						}
					})
				}
			case r, ok := <-reads:
				if !ok {
					reads = nil
					continue
				}
				data := r
				e.port.Post(func() {
					if epoch == e.epoch {
						e.onReadPacket(sock, data.Data, data.From)
					}
				})
			case cerr, ok := <-closed:
				closed = nil
				e.port.Post(func() {
					if epoch == e.epoch {
						e.onSocketClose(sock, cerr)
					}
				})
				if !ok {
					return
				}
			}
		}
	}()
}

func (e *Entry) onSocketConnect(sock socket.AsyncPacketSocket) {
	if e.conn == nil || e.conn.sock != sock {
		return
	}
	e.sendAllocate(e.conn, 0)
}

func (e *Entry) onSocketClose(sock socket.AsyncPacketSocket, _ error) {
	e.handleConnectFailure(sock)
}

// handleConnectFailure implements spec.md §4.3.1's shared failure path for
// socket-create errors, TCP connect failure/close, and Allocate timeout.
func (e *Entry) handleConnectFailure(sock socket.AsyncPacketSocket) {
	if sock != nil && (e.conn == nil || e.conn.sock != sock) {
		return
	}
	if pa, ok := e.port.ServerAddr(e.serverIdx); ok {
		e.port.OnConnectFailure(pa)
	}
	e.port.RecordFailover()
	e.serverIdx++
	e.state = StateFailover
	e.Connect()
}

func (e *Entry) sendAllocate(conn *Connection, delay time.Duration) {
	if err := conn.SendAllocateRequest(e, delay); err != nil {
		e.port.Logger().Warnf("relay: build allocate request: %v", err)
	}
}

// onConnect marks the allocation successful and reports it upward exactly
// once (spec.md §4.3.2).
func (e *Entry) onConnect(mapped ProtocolAddress, conn *Connection) {
	if e.connected {
		return
	}
	e.connected = true
	e.state = StateConnected
	e.port.OnConnect(e, mapped)
}

// scheduleKeepAlive re-Allocates on the same connection after the delay
// spec.md §4.1/§4.3.5 both name schedule-keep-alive for: a fresh success
// (KEEP_ALIVE_DELAY refresh) and an error response still inside the retry
// window (same function, same delay — spec.md gives them no separate
// constant, see DESIGN.md).
func (e *Entry) scheduleKeepAlive(conn *Connection) {
	if e.keepAliveCancel != nil {
		e.keepAliveCancel()
	}
	epoch := e.epoch
	e.keepAliveCancel = e.port.PostDelayed(KeepAliveDelay, func() {
		if epoch != e.epoch || e.conn != conn {
			return
		}
		if err := conn.SendAllocateRequest(e, 0); err != nil {
			e.port.Logger().Warnf("relay: keep-alive allocate: %v", err)
		}
	})
}

// SendTo implements spec.md §4.3.3: raw fast path once locked to dest,
// otherwise a wrapped STUN Send request.
func (e *Entry) SendTo(dest ProtocolAddress, data []byte) (int, error) {
	if e.conn == nil {
		return 0, errNoConnection
	}
	if e.locked && e.extAddr != nil && dest.Equal(*e.extAddr) {
		if _, err := e.conn.Send(data); err != nil {
			return 0, err
		}
		return len(data), nil
	}

	setters := []stun.Setter{
		stun.TransactionID,
		relayattr.SetType(relayattr.TypeSendRequest),
		relayattr.MagicCookie{},
		relayattr.Username(e.port.Username()),
		relayattr.DestinationAddress{IP: dest.IP, Port: dest.Port},
	}
	if e.extAddr != nil && dest.Equal(*e.extAddr) {
		setters = append(setters, relayattr.OptionLock)
	}
	setters = append(setters, relayattr.Data(data))

	m, err := stun.Build(setters...)
	if err != nil {
		return 0, err
	}
	if _, err := e.conn.Send(m.Raw); err != nil {
		return 0, err
	}
	return len(data), nil
}

// onReadPacket implements spec.md §4.3.4's demultiplex.
func (e *Entry) onReadPacket(sock socket.AsyncPacketSocket, data []byte, _ net.Addr) {
	if e.conn == nil || e.conn.sock != sock {
		return
	}

	if !relayattr.HasMagicCookie(data) {
		if e.locked && e.extAddr != nil {
			e.port.OnReadPacket(e, data, *e.extAddr)
		}
		return
	}

	m := new(stun.Message)
	m.Raw = append([]byte{}, data...)
	if err := m.Decode(); err != nil {
		e.port.Logger().Warnf("relay: malformed stun message: %v", err)
		return
	}

	if e.conn.CheckResponse(m) {
		return
	}

	switch relayattr.ReadType(m) {
	case relayattr.TypeSendResponse:
		var opts relayattr.Options
		if err := opts.GetFrom(m); err == nil && opts&relayattr.OptionLock != 0 && !e.locked {
			e.locked = true
			e.state = StateLocked
			e.port.RecordLocked()
		}
	case relayattr.TypeDataIndication:
		var src relayattr.SourceAddress2
		if err := src.GetFrom(m); err != nil {
			e.port.Logger().Warnf("relay: data indication missing SOURCE-ADDRESS2: %v", err)
			return
		}
		var payload relayattr.Data
		if err := payload.GetFrom(m); err != nil {
			e.port.Logger().Warnf("relay: data indication missing DATA: %v", err)
			return
		}
		e.port.OnReadPacket(e, payload, ProtocolAddress{IP: src.IP, Port: src.Port, Proto: socket.ProtoUDP})
	default:
		e.port.Logger().Debugf("relay: dropping unrecognized stun message type %#04x", relayattr.ReadType(m))
	}
}

// Close tears down the entry's connection and cancels its pending timers,
// without firing any of their callbacks.
func (e *Entry) Close() {
	if e.softCancel != nil {
		e.softCancel()
		e.softCancel = nil
	}
	if e.keepAliveCancel != nil {
		e.keepAliveCancel()
		e.keepAliveCancel = nil
	}
	e.epoch++
	if e.conn != nil {
		_ = e.conn.Close()
		e.conn = nil
	}
}

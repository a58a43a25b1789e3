package relay

import (
	"time"

	"github.com/pion/stun/v2"

	"github.com/oceanresque/turnrelay/internal/relayattr"
	"github.com/oceanresque/turnrelay/internal/socket"
)

// retryDelay returns the wait after the n-th (0-indexed) send attempt:
// 100ms * max(2, 2^n), yielding 200, 200, 400, 800, 1600 for n=0..4.
func retryDelay(n int) time.Duration {
	mult := 1 << uint(n)
	if mult < 2 {
		mult = 2
	}
	return time.Duration(100*mult) * time.Millisecond
}

// AllocateRequest is one STUN Allocate transaction: build, transmit,
// retransmit with backoff up to AllocateMaxAttempts, and dispatch the
// matching response/error-response/timeout back into its entry.
type AllocateRequest struct {
	entry     *Entry
	conn      *Connection
	msg       *stun.Message
	attempt   int
	startTime time.Time
	done      bool
	cancel    func()
}

func newAllocateRequest(entry *Entry, conn *Connection) (*AllocateRequest, error) {
	m, err := stun.Build(
		stun.TransactionID,
		relayattr.SetType(relayattr.TypeAllocateRequest),
		relayattr.Username(entry.port.Username()),
	)
	if err != nil {
		return nil, err
	}
	return &AllocateRequest{entry: entry, conn: conn, msg: m}, nil
}

// send performs the initial transmit. Usable as a bound method value so
// it can be posted directly to the loop (entry.sendAllocate uses it with
// zero or nonzero delay).
func (r *AllocateRequest) send() {
	if r.done {
		return
	}
	r.startTime = time.Now()
	r.attempt = 0
	r.conn.reqMgr.register(r)
	r.transmit()
}

func (r *AllocateRequest) transmit() {
	if _, err := r.conn.Send(r.msg.Raw); err != nil {
		r.entry.port.Logger().Warnf("relay: allocate send failed: %v", err)
	}
	if r.attempt > 0 {
		r.entry.port.RecordRetry(r.attempt)
	}
	r.cancel = r.entry.port.PostDelayed(retryDelay(r.attempt), r.onRetryTimer)
}

func (r *AllocateRequest) onRetryTimer() {
	if r.done {
		return
	}
	r.attempt++
	if r.attempt >= AllocateMaxAttempts {
		r.done = true
		r.conn.reqMgr.unregister(r)
		r.onTimeout()
		return
	}
	r.transmit()
}

func (r *AllocateRequest) finish() {
	r.done = true
	if r.cancel != nil {
		r.cancel()
	}
}

func (r *AllocateRequest) onResponse(m *stun.Message) {
	r.finish()
	var mapped relayattr.MappedAddress
	if err := mapped.GetFrom(m); err != nil {
		r.entry.port.Logger().Warnf("relay: allocate response missing MAPPED-ADDRESS: %v", err)
	} else {
		r.entry.onConnect(ProtocolAddress{IP: mapped.IP, Port: mapped.Port, Proto: socket.ProtoUDP}, r.conn)
	}
	r.entry.scheduleKeepAlive(r.conn)
}

func (r *AllocateRequest) onErrorResponse(m *stun.Message) {
	r.finish()
	r.entry.port.Logger().Warnf("relay: allocate error response for %s", r.conn.addr)
	if time.Since(r.startTime) <= RetryTimeout {
		r.entry.scheduleKeepAlive(r.conn)
	}
}

func (r *AllocateRequest) onTimeout() {
	r.entry.handleConnectFailure(r.conn.sock)
}

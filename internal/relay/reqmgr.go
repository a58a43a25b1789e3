package relay

import (
	"github.com/pion/stun/v2"

	"github.com/oceanresque/turnrelay/internal/relayattr"
)

// RequestManager is the StunRequestManager collaborator of spec.md §6,
// scoped down to what this dialect needs: correlating inbound STUN
// messages against outstanding AllocateRequests by transaction ID. Send
// requests are fire-and-forget (§4.3.3) and never register here.
type RequestManager struct {
	pending map[[stun.TransactionIDSize]byte]*AllocateRequest
}

func newRequestManager() *RequestManager {
	return &RequestManager{pending: make(map[[stun.TransactionIDSize]byte]*AllocateRequest)}
}

func (r *RequestManager) register(req *AllocateRequest) {
	r.pending[req.msg.TransactionID] = req
}

func (r *RequestManager) unregister(req *AllocateRequest) {
	delete(r.pending, req.msg.TransactionID)
}

// CheckResponse reports whether m matched an outstanding transaction; if
// so the transaction is consumed and its callback fires.
func (r *RequestManager) CheckResponse(m *stun.Message) bool {
	req, ok := r.pending[m.TransactionID]
	if !ok {
		return false
	}
	delete(r.pending, m.TransactionID)

	switch relayattr.ReadType(m) {
	case relayattr.TypeAllocateResponse:
		req.onResponse(m)
	case relayattr.TypeAllocateErrorResp:
		req.onErrorResponse(m)
	}
	return true
}

// Cancel drops every pending transaction without firing callbacks, used
// on connection close/disposal.
func (r *RequestManager) Cancel() {
	for k, req := range r.pending {
		req.done = true
		if req.cancel != nil {
			req.cancel()
		}
		delete(r.pending, k)
	}
}

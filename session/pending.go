package session

import (
	"bytes"
	"net"
	"time"

	"github.com/ethpandaops/discnodoor/message"
	"github.com/ethpandaops/discnodoor/node"
	"github.com/ethpandaops/discnodoor/wire"
)

// PendingRequest is an outstanding packet awaiting a response or
// retransmission.
type PendingRequest struct {
	// DstID is the destination node id.
	DstID node.ID

	// Dst is the destination endpoint.
	Dst *net.UDPAddr

	// Packet is the exact packet on the wire, kept for retransmission.
	Packet wire.Packet

	// Message is the originating request message, nil for handshake
	// packets (Random, WHOAREYOU).
	Message message.Message

	// Retries counts retransmissions so far.
	Retries int
}

// RequestID returns the correlation id of the request. Handshake
// packets carry no message and use the reserved id 0.
func (r *PendingRequest) RequestID() uint64 {
	if r.Message != nil {
		return r.Message.RequestID()
	}
	return 0
}

// authTag returns the per-packet nonce of the tracked packet, the
// value a WHOAREYOU challenge echoes as its token.
func (r *PendingRequest) authTag() []byte {
	switch pkt := r.Packet.(type) {
	case *wire.RandomPacket:
		return pkt.AuthTag
	case *wire.MessagePacket:
		return pkt.AuthTag
	case *wire.AuthMessagePacket:
		return pkt.AuthHeader.AuthTag
	default:
		return nil
	}
}

// isHandshake reports whether the tracked packet belongs to the
// handshake rather than carrying a user message.
func (r *PendingRequest) isHandshake() bool {
	switch r.Packet.Kind() {
	case wire.KindRandom, wire.KindWhoAreYou:
		return true
	default:
		return false
	}
}

// PendingTable tracks outstanding packets in a two-level map: the
// outer key is the destination address, the inner key the request id.
// The outer key is the address rather than the node id because a
// WHOAREYOU reply carries no source node id and must be correlated by
// source address alone.
//
// Each inner entry owns a retransmission timer. On timeout the packet
// is resent up to the retry limit, then handed to the owner's expiry
// callback.
type PendingTable struct {
	run        func(func())
	timeout    time.Duration
	maxRetries int

	// resend transmits a stored packet again, called with the owner's
	// serialization held.
	resend func(*PendingRequest)

	// onExpired receives a request whose retries are exhausted, after
	// it has been removed from the table.
	onExpired func(*PendingRequest)

	requests map[string]*TimeoutMap[uint64, *PendingRequest]
}

// newPendingTable creates a pending request table.
func newPendingTable(
	run func(func()),
	timeout time.Duration,
	maxRetries int,
	resend func(*PendingRequest),
	onExpired func(*PendingRequest),
) *PendingTable {
	return &PendingTable{
		run:        run,
		timeout:    timeout,
		maxRetries: maxRetries,
		resend:     resend,
		onExpired:  onExpired,
		requests:   make(map[string]*TimeoutMap[uint64, *PendingRequest]),
	}
}

// Add tracks a request under its destination address and request id,
// replacing any entry with the same id.
func (pt *PendingTable) Add(req *PendingRequest) {
	addrKey := req.Dst.String()

	inner, ok := pt.requests[addrKey]
	if !ok {
		inner = NewTimeoutMap[uint64, *PendingRequest](pt.run, func(id uint64, expired *PendingRequest) {
			pt.expired(addrKey, id, expired)
		})
		pt.requests[addrKey] = inner
	}

	inner.Set(req.RequestID(), req, pt.timeout)
}

// expired handles a request whose timeout fired. The entry has
// already been removed from the inner map.
func (pt *PendingTable) expired(addrKey string, id uint64, req *PendingRequest) {
	inner, ok := pt.requests[addrKey]
	if !ok {
		return
	}

	if req.Retries < pt.maxRetries {
		req.Retries++
		pt.resend(req)
		inner.Set(id, req, pt.timeout)
		return
	}

	if inner.Len() == 0 {
		delete(pt.requests, addrKey)
	}
	pt.onExpired(req)
}

// Get returns the request tracked at dst under the given id.
func (pt *PendingTable) Get(addrKey string, id uint64) (*PendingRequest, bool) {
	inner, ok := pt.requests[addrKey]
	if !ok {
		return nil, false
	}
	return inner.Get(id)
}

// Remove untracks the request at dst with the given id, cancelling
// its timer.
func (pt *PendingTable) Remove(addrKey string, id uint64) (*PendingRequest, bool) {
	inner, ok := pt.requests[addrKey]
	if !ok {
		return nil, false
	}

	req, ok := inner.Remove(id)
	if ok && inner.Len() == 0 {
		delete(pt.requests, addrKey)
	}
	return req, ok
}

// FindByAuthTag scans the requests pending at an address for the one
// whose packet nonce matches a WHOAREYOU token.
func (pt *PendingTable) FindByAuthTag(addrKey string, token []byte) (*PendingRequest, bool) {
	inner, ok := pt.requests[addrKey]
	if !ok {
		return nil, false
	}

	var found *PendingRequest
	inner.ForEach(func(_ uint64, req *PendingRequest) bool {
		if bytes.Equal(req.authTag(), token) {
			found = req
			return false
		}
		return true
	})
	return found, found != nil
}

// FindWhoAreYou returns the outstanding WHOAREYOU challenge at an
// address addressed to the given node id.
func (pt *PendingTable) FindWhoAreYou(addrKey string, dstID node.ID) (*PendingRequest, bool) {
	inner, ok := pt.requests[addrKey]
	if !ok {
		return nil, false
	}

	var found *PendingRequest
	inner.ForEach(func(_ uint64, req *PendingRequest) bool {
		if req.Packet.Kind() == wire.KindWhoAreYou && req.DstID == dstID {
			found = req
			return false
		}
		return true
	})
	return found, found != nil
}

// HasRequestsTo reports whether any request, at any address, targets
// the given node id. Used to keep a session alive past its expiry
// while an exchange is still in flight.
func (pt *PendingTable) HasRequestsTo(dstID node.ID) bool {
	for _, inner := range pt.requests {
		found := false
		inner.ForEach(func(_ uint64, req *PendingRequest) bool {
			if req.DstID == dstID {
				found = true
				return false
			}
			return true
		})
		if found {
			return true
		}
	}
	return false
}

// Len returns the total number of pending requests.
func (pt *PendingTable) Len() int {
	total := 0
	for _, inner := range pt.requests {
		total += inner.Len()
	}
	return total
}

// Clear removes all pending requests and cancels their timers.
func (pt *PendingTable) Clear() {
	for _, inner := range pt.requests {
		inner.Clear()
	}
	pt.requests = make(map[string]*TimeoutMap[uint64, *PendingRequest])
}

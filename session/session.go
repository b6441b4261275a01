// Package session implements the authenticated session layer of the
// discovery protocol: per-peer session state machines, the pending
// request table driving retransmission, and the service that
// orchestrates the three-packet handshake
//
//	Random -> WHOAREYOU -> AuthMessage
//
// over an unreliable datagram transport.
package session

import (
	"net"

	"github.com/ethpandaops/discnodoor/crypto"
	"github.com/ethpandaops/discnodoor/enr"
	"github.com/ethpandaops/discnodoor/node"
)

// State is the handshake state of a session.
type State int

const (
	// WhoAreYouSent means we challenged the peer and await its
	// AuthMessage.
	WhoAreYouSent State = iota

	// RandomSent means we opened contact with a random packet and
	// await the peer's WHOAREYOU.
	RandomSent

	// AwaitingResponse means keys are derived but not yet confirmed
	// by a successful decrypt.
	AwaitingResponse

	// Established means keys are confirmed. The session may still be
	// untrusted.
	Established
)

// String returns the state name for log output.
func (s State) String() string {
	switch s {
	case WhoAreYouSent:
		return "whoareyou-sent"
	case RandomSent:
		return "random-sent"
	case AwaitingResponse:
		return "awaiting-response"
	case Established:
		return "established"
	default:
		return "unknown"
	}
}

// Session is the per-peer handshake state machine.
//
// A session is trusted iff the remote ENR's UDP endpoint matches the
// last observed source address; trust is re-evaluated whenever either
// side changes. Only trusted established sessions may carry requests,
// while responses may flow on any established session.
type Session struct {
	state    State
	remoteID node.ID

	// remoteRecord caches the peer's ENR, nil when contacted without
	// a record.
	remoteRecord *enr.Record

	// lastSeenAddr is the source address of the peer's most recent
	// packet.
	lastSeenAddr *net.UDPAddr

	trusted bool

	// writeKey encrypts our packets to the peer; readKey decrypts
	// theirs.
	writeKey []byte
	readKey  []byte

	// idNonce is the challenge issued in our WHOAREYOU, kept until
	// the peer's AuthMessage arrives.
	idNonce []byte
}

// newRandomSession creates a session for an outbound handshake opened
// with a random packet.
func newRandomSession(remoteID node.ID, remoteRecord *enr.Record) *Session {
	return &Session{
		state:        RandomSent,
		remoteID:     remoteID,
		remoteRecord: remoteRecord,
	}
}

// newWhoAreYouSession creates a session for an inbound handshake we
// answered with a WHOAREYOU challenge.
func newWhoAreYouSession(remoteID node.ID, idNonce []byte, remoteRecord *enr.Record) *Session {
	return &Session{
		state:        WhoAreYouSent,
		remoteID:     remoteID,
		remoteRecord: remoteRecord,
		idNonce:      idNonce,
	}
}

// State returns the current handshake state.
func (s *Session) State() State {
	return s.state
}

// RemoteRecord returns the cached remote ENR, nil if unknown.
func (s *Session) RemoteRecord() *enr.Record {
	return s.remoteRecord
}

// Trusted reports whether the remote ENR endpoint matches the last
// seen address.
func (s *Session) Trusted() bool {
	return s.trusted
}

// established reports whether session keys are confirmed.
func (s *Session) established() bool {
	return s.state == Established
}

// trustedEstablished reports whether the session may carry requests.
func (s *Session) trustedEstablished() bool {
	return s.state == Established && s.trusted
}

// updateTrust re-evaluates the trust invariant from the cached record
// and last seen address.
func (s *Session) updateTrust() {
	if s.remoteRecord == nil || s.lastSeenAddr == nil {
		s.trusted = false
		return
	}
	s.trusted = node.SameEndpoint(s.remoteRecord.UDPEndpoint(), s.lastSeenAddr)
}

// updateRecord replaces the cached remote ENR if the new record has a
// higher sequence number, re-evaluating trust.
func (s *Session) updateRecord(record *enr.Record) {
	if record == nil {
		return
	}
	if s.remoteRecord != nil && record.Seq() <= s.remoteRecord.Seq() {
		return
	}
	s.remoteRecord = record
	s.updateTrust()
}

// encrypt seals plaintext with the session's write key. The returned
// auth tag is the fresh GCM nonce; tag is authenticated as additional
// data.
func (s *Session) encrypt(tag, plaintext []byte) (authTag, ciphertext []byte, err error) {
	if s.writeKey == nil {
		return nil, nil, ErrSessionNotReady
	}

	authTag, err = crypto.GenerateNonce()
	if err != nil {
		return nil, nil, err
	}

	ciphertext, err = crypto.AESGCMEncrypt(s.writeKey, authTag, plaintext, tag)
	if err != nil {
		return nil, nil, err
	}
	return authTag, ciphertext, nil
}

// decrypt opens a packet payload with the session's read key, using
// the packet's auth tag as nonce and its tag as additional data.
func (s *Session) decrypt(authTag, ciphertext, tag []byte) ([]byte, error) {
	if s.readKey == nil {
		return nil, crypto.ErrDecryptionFailed
	}
	return crypto.AESGCMDecrypt(s.readKey, authTag, ciphertext, tag)
}

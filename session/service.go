package session

import (
	"crypto/ecdsa"
	"fmt"
	"net"
	"sync"
	"time"

	gethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/sirupsen/logrus"

	"github.com/ethpandaops/discnodoor/crypto"
	"github.com/ethpandaops/discnodoor/enr"
	"github.com/ethpandaops/discnodoor/message"
	"github.com/ethpandaops/discnodoor/node"
	"github.com/ethpandaops/discnodoor/wire"
)

const (
	// DefaultSessionTimeout is the idle lifetime of an established
	// session.
	DefaultSessionTimeout = 24 * time.Hour

	// DefaultRequestTimeout is how long a packet waits for a response
	// before retransmission.
	DefaultRequestTimeout = 1 * time.Second

	// DefaultRequestRetries is how many times a packet is resent
	// before the request fails.
	DefaultRequestRetries = 1
)

// Transport is the datagram transport underneath the session service.
// Delivery is unreliable: packets may be lost, reordered or
// duplicated.
type Transport interface {
	// Start begins receiving packets.
	Start() error

	// Stop shuts the transport down.
	Stop() error

	// Send transmits a packet, best effort.
	Send(dst *net.UDPAddr, packet wire.Packet) error

	// SetPacketHandler installs the inbound packet callback. Passing
	// nil detaches it.
	SetPacketHandler(handler func(src *net.UDPAddr, packet wire.Packet))
}

// Events receives the protocol events of the session service. Nil
// callbacks are skipped. Callbacks run outside the service's internal
// lock, in emission order, and may call back into the service.
type Events struct {
	// Established fires when a trusted session is created or an
	// existing one is promoted to trusted.
	Established func(record *enr.Record)

	// Message delivers a decoded inbound message.
	Message func(srcID node.ID, from *net.UDPAddr, msg message.Message)

	// WhoAreYouRequest asks the upper layer to challenge a peer: look
	// up the highest known ENR sequence for srcID and call
	// SendWhoAreYou.
	WhoAreYouRequest func(srcID node.ID, from *net.UDPAddr, authTag []byte)

	// RequestFailed fires when retries are exhausted or a handshake
	// is abandoned with messages queued.
	RequestFailed func(dstID node.ID, requestID uint64)
}

// Config configures a session service.
type Config struct {
	// LocalRecord is our signed ENR.
	LocalRecord *enr.Record

	// LocalKey is our static secp256k1 key, matching LocalRecord.
	LocalKey *ecdsa.PrivateKey

	// Transport carries the packets.
	Transport Transport

	// Events receives protocol events.
	Events Events

	// SessionTimeout overrides DefaultSessionTimeout.
	SessionTimeout time.Duration

	// RequestTimeout overrides DefaultRequestTimeout.
	RequestTimeout time.Duration

	// RequestRetries overrides DefaultRequestRetries.
	RequestRetries int

	// Logger for debug messages.
	Logger logrus.FieldLogger
}

// Service multiplexes inbound packets over per-peer sessions and
// orchestrates the handshake. All state is serialized under one
// mutex; transport callbacks and per-entry timers take the same
// mutex, giving the interleaving guarantees of a single-threaded
// event loop. Events are emitted after the lock is released.
type Service struct {
	localID     node.ID
	localRecord *enr.Record
	localKey    *ecdsa.PrivateKey

	transport Transport
	events    Events

	requestTimeout time.Duration

	mu      sync.Mutex
	stopped bool
	queued  []func()

	store   *Store
	pending *PendingTable

	// pendingMessages buffers requests per peer, FIFO, until a
	// trusted session exists.
	pendingMessages map[node.ID][]message.Message

	logger logrus.FieldLogger
}

// NewService creates a session service. The local key must match the
// public key in the local ENR; a mismatch is a configuration error
// and fatal to the service.
func NewService(cfg Config) (*Service, error) {
	if cfg.LocalRecord == nil || cfg.LocalKey == nil {
		return nil, ErrInvalidRecord
	}
	if cfg.Transport == nil {
		return nil, fmt.Errorf("session: no transport")
	}

	recordKey := cfg.LocalRecord.PublicKey()
	if recordKey == nil || !recordKey.Equal(&cfg.LocalKey.PublicKey) {
		return nil, ErrKeyMismatch
	}

	if cfg.SessionTimeout <= 0 {
		cfg.SessionTimeout = DefaultSessionTimeout
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = DefaultRequestTimeout
	}
	if cfg.RequestRetries <= 0 {
		cfg.RequestRetries = DefaultRequestRetries
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.StandardLogger()
	}

	s := &Service{
		localID:         node.PubkeyToID(&cfg.LocalKey.PublicKey),
		localRecord:     cfg.LocalRecord,
		localKey:        cfg.LocalKey,
		transport:       cfg.Transport,
		events:          cfg.Events,
		requestTimeout:  cfg.RequestTimeout,
		pendingMessages: make(map[node.ID][]message.Message),
		logger:          cfg.Logger.WithField("module", "session"),
	}

	s.store = newStore(s.run, cfg.SessionTimeout, s.onSessionExpired)
	s.pending = newPendingTable(s.run, cfg.RequestTimeout, cfg.RequestRetries, s.resendRequest, s.onRequestExpired)

	return s, nil
}

// LocalID returns the local node id.
func (s *Service) LocalID() node.ID {
	return s.localID
}

// LocalRecord returns the local ENR.
func (s *Service) LocalRecord() *enr.Record {
	return s.localRecord
}

// SessionCount returns the number of live sessions.
func (s *Service) SessionCount() int {
	count := 0
	s.run(func() {
		count = s.store.Len()
	})
	return count
}

// PendingCount returns the number of outstanding requests.
func (s *Service) PendingCount() int {
	count := 0
	s.run(func() {
		count = s.pending.Len()
	})
	return count
}

// Start attaches the packet handler and starts the transport.
func (s *Service) Start() error {
	s.transport.SetPacketHandler(s.onPacket)
	if err := s.transport.Start(); err != nil {
		return fmt.Errorf("session: failed to start transport: %w", err)
	}
	return nil
}

// Stop detaches the packet handler, stops the transport and clears
// all sessions, pending requests and buffered messages. No callback
// fires after Stop returns.
func (s *Service) Stop() error {
	s.transport.SetPacketHandler(nil)
	err := s.transport.Stop()

	s.run(func() {
		s.stopped = true
		s.pending.Clear()
		s.store.Clear()
		s.pendingMessages = make(map[node.ID][]message.Message)
		s.queued = nil
	})

	if err != nil {
		return fmt.Errorf("session: failed to stop transport: %w", err)
	}
	return nil
}

// run serializes fn with all other state access and flushes queued
// events after the lock is released, preserving emission order.
func (s *Service) run(fn func()) {
	s.mu.Lock()
	fn()
	queued := s.queued
	s.queued = nil
	stopped := s.stopped
	s.mu.Unlock()

	if stopped {
		return
	}
	for _, emit := range queued {
		emit()
	}
}

// emit queues an event for delivery after the lock is released.
func (s *Service) emit(fn func()) {
	s.queued = append(s.queued, fn)
}

func (s *Service) emitEstablished(record *enr.Record) {
	if s.events.Established == nil {
		return
	}
	s.emit(func() { s.events.Established(record) })
}

func (s *Service) emitMessage(srcID node.ID, from *net.UDPAddr, msg message.Message) {
	if s.events.Message == nil {
		return
	}
	s.emit(func() { s.events.Message(srcID, from, msg) })
}

func (s *Service) emitWhoAreYouRequest(srcID node.ID, from *net.UDPAddr, authTag []byte) {
	if s.events.WhoAreYouRequest == nil {
		return
	}
	s.emit(func() { s.events.WhoAreYouRequest(srcID, from, authTag) })
}

func (s *Service) emitRequestFailed(dstID node.ID, requestID uint64) {
	if s.events.RequestFailed == nil {
		return
	}
	s.emit(func() { s.events.RequestFailed(dstID, requestID) })
}

// SendRequest sends a request message to the node described by
// dstRecord. Without a session the message is buffered and a
// handshake is opened; while a handshake is in flight further
// messages are buffered behind it. An established but untrusted
// session rejects requests with ErrUntrustedPeer.
func (s *Service) SendRequest(dstRecord *enr.Record, msg message.Message) error {
	if dstRecord == nil {
		return ErrInvalidRecord
	}

	pubKey := dstRecord.PublicKey()
	if pubKey == nil {
		return ErrInvalidRecord
	}
	dstID := node.PubkeyToID(pubKey)

	dst := dstRecord.UDPEndpoint()
	if dst == nil {
		return ErrNoEndpoint
	}

	var err error
	s.run(func() {
		if s.stopped {
			err = ErrServiceStopped
			return
		}

		sess, ok := s.store.Get(dstID)
		if !ok {
			s.pendingMessages[dstID] = append(s.pendingMessages[dstID], msg)

			pkt, perr := wire.NewRandomPacket(s.localID, dstID)
			if perr != nil {
				err = perr
				return
			}

			s.logger.WithFields(logrus.Fields{
				"peer": dstID.Short(),
				"addr": dst,
			}).Debug("no session, opening handshake with random packet")

			s.store.Insert(dstID, newRandomSession(dstID, dstRecord))
			s.sendTracked(&PendingRequest{DstID: dstID, Dst: dst, Packet: pkt})
			return
		}

		if !sess.established() {
			// handshake in flight, queue behind it
			s.pendingMessages[dstID] = append(s.pendingMessages[dstID], msg)
			return
		}

		if !sess.trusted {
			err = ErrUntrustedPeer
			return
		}

		err = s.encryptAndSend(sess, dstID, dst, msg, true)
	})
	return err
}

// SendRequestUnknownENR sends a request to a peer we hold a session
// with but no ENR for. Fails unless a trusted established session
// exists.
func (s *Service) SendRequestUnknownENR(dst *net.UDPAddr, dstID node.ID, msg message.Message) error {
	var err error
	s.run(func() {
		if s.stopped {
			err = ErrServiceStopped
			return
		}

		sess, ok := s.store.Get(dstID)
		if !ok || !sess.established() {
			err = ErrSessionNotReady
			return
		}
		if !sess.trusted {
			err = ErrUntrustedPeer
			return
		}

		err = s.encryptAndSend(sess, dstID, dst, msg, true)
	})
	return err
}

// SendResponse sends a response on an existing established session.
// Responses are not tracked: no retransmission, no correlation. Trust
// is not required.
func (s *Service) SendResponse(dst *net.UDPAddr, dstID node.ID, msg message.Message) error {
	var err error
	s.run(func() {
		if s.stopped {
			err = ErrServiceStopped
			return
		}

		sess, ok := s.store.Get(dstID)
		if !ok || !sess.established() {
			err = ErrSessionNotReady
			return
		}

		err = s.encryptAndSend(sess, dstID, dst, msg, false)
	})
	return err
}

// SendWhoAreYou challenges a peer whose packet we could not decrypt.
// enrSeq is the highest ENR sequence number known for the peer and
// remoteRecord its ENR if we hold one. The call is idempotent: an
// existing trusted session or an outstanding challenge drops the
// request.
func (s *Service) SendWhoAreYou(dst *net.UDPAddr, dstID node.ID, enrSeq uint64, remoteRecord *enr.Record, authTag []byte) error {
	var err error
	s.run(func() {
		if s.stopped {
			err = ErrServiceStopped
			return
		}

		if sess, ok := s.store.Get(dstID); ok {
			if sess.trustedEstablished() || sess.state == WhoAreYouSent {
				s.logger.WithField("peer", dstID.Short()).Trace("dropping WHOAREYOU, session active")
				return
			}
		}

		pkt, perr := wire.NewWhoAreYouPacket(dstID, authTag, enrSeq)
		if perr != nil {
			err = perr
			return
		}

		s.logger.WithFields(logrus.Fields{
			"peer": dstID.Short(),
			"addr": dst,
		}).Debug("sending WHOAREYOU challenge")

		s.store.Insert(dstID, newWhoAreYouSession(dstID, pkt.IDNonce, remoteRecord))
		s.sendTracked(&PendingRequest{DstID: dstID, Dst: dst, Packet: pkt})
	})
	return err
}

// encryptAndSend seals msg on the session and transmits it, tracking
// it for retransmission when tracked is set.
func (s *Service) encryptAndSend(sess *Session, dstID node.ID, dst *net.UDPAddr, msg message.Message, tracked bool) error {
	data, err := msg.Encode()
	if err != nil {
		return err
	}

	tag := wire.ComputeTag(s.localID, dstID)
	authTag, ciphertext, err := sess.encrypt(tag, data)
	if err != nil {
		return err
	}

	pkt := &wire.MessagePacket{Tag: tag, AuthTag: authTag, Message: ciphertext}
	if tracked {
		s.sendTracked(&PendingRequest{DstID: dstID, Dst: dst, Packet: pkt, Message: msg})
		return nil
	}

	if err := s.transport.Send(dst, pkt); err != nil {
		return fmt.Errorf("session: send failed: %w", err)
	}
	return nil
}

// sendTracked transmits a packet and registers it in the pending
// table. Transport errors are left to the retransmission timer.
func (s *Service) sendTracked(req *PendingRequest) {
	if err := s.transport.Send(req.Dst, req.Packet); err != nil {
		s.logger.WithError(err).WithField("addr", req.Dst).Debug("transport send failed")
	}
	s.pending.Add(req)
}

// resendRequest retransmits a stored packet after a timeout.
func (s *Service) resendRequest(req *PendingRequest) {
	s.logger.WithFields(logrus.Fields{
		"peer":    req.DstID.Short(),
		"addr":    req.Dst,
		"id":      req.RequestID(),
		"retries": req.Retries,
	}).Debug("retransmitting request")

	if err := s.transport.Send(req.Dst, req.Packet); err != nil {
		s.logger.WithError(err).WithField("addr", req.Dst).Debug("transport send failed")
	}
}

// onRequestExpired handles a request whose retries are exhausted. A
// failed handshake abandons the half-session and fails its buffered
// messages; a failed message request surfaces as a single
// RequestFailed.
func (s *Service) onRequestExpired(req *PendingRequest) {
	if req.isHandshake() {
		s.logger.WithFields(logrus.Fields{
			"peer": req.DstID.Short(),
			"kind": req.Packet.Kind(),
		}).Debug("handshake abandoned, no response")

		s.store.Remove(req.DstID)
		s.failPendingMessages(req.DstID)
		return
	}

	s.logger.WithFields(logrus.Fields{
		"peer": req.DstID.Short(),
		"id":   req.RequestID(),
	}).Debug("request failed, retries exhausted")

	s.emitRequestFailed(req.DstID, req.RequestID())
}

// onSessionExpired decides the fate of an expired session: extended
// while requests to the peer are in flight, otherwise gone for good
// along with its buffered messages.
func (s *Service) onSessionExpired(id node.ID, sess *Session) {
	if s.pending.HasRequestsTo(id) {
		s.store.InsertWithTimeout(id, sess, s.requestTimeout)
		return
	}

	s.logger.WithField("peer", id.Short()).Trace("session expired")
	s.failPendingMessages(id)
}

// failPendingMessages drops the buffered messages of a peer, failing
// each with RequestFailed.
func (s *Service) failPendingMessages(id node.ID) {
	for _, msg := range s.pendingMessages[id] {
		s.emitRequestFailed(id, msg.RequestID())
	}
	delete(s.pendingMessages, id)
}

// flushMessages drains a peer's buffered messages, in order, for as
// long as the session stays trusted established.
func (s *Service) flushMessages(dstID node.ID, dst *net.UDPAddr) {
	queue := s.pendingMessages[dstID]
	if len(queue) == 0 {
		return
	}

	sess, ok := s.store.Get(dstID)
	if !ok || !sess.trustedEstablished() {
		return
	}

	for len(queue) > 0 {
		msg := queue[0]
		queue = queue[1:]
		if err := s.encryptAndSend(sess, dstID, dst, msg, true); err != nil {
			s.logger.WithError(err).WithField("peer", dstID.Short()).Warn("failed to flush buffered message")
			s.emitRequestFailed(dstID, msg.RequestID())
		}
	}
	delete(s.pendingMessages, dstID)
}

// onPacket dispatches an inbound packet by variant.
func (s *Service) onPacket(src *net.UDPAddr, packet wire.Packet) {
	s.run(func() {
		if s.stopped {
			return
		}

		switch pkt := packet.(type) {
		case *wire.WhoAreYouPacket:
			s.handleWhoAreYou(src, pkt)
		case *wire.AuthMessagePacket:
			s.handleAuthMessage(src, pkt)
		case *wire.MessagePacket:
			s.handleMessage(src, pkt)
		default:
			s.logger.WithField("addr", src).Trace("dropping packet of unexpected kind")
		}
	})
}

// handleWhoAreYou answers a WHOAREYOU challenge: it looks up the
// challenged packet by token, derives session keys and replies with
// an AuthMessage carrying the original (or first buffered) message.
func (s *Service) handleWhoAreYou(from *net.UDPAddr, pkt *wire.WhoAreYouPacket) {
	addrKey := from.String()

	req, ok := s.pending.FindByAuthTag(addrKey, pkt.Token)
	if !ok {
		s.logger.WithField("addr", from).Trace("WHOAREYOU with no matching request, dropping")
		return
	}
	s.pending.Remove(addrKey, req.RequestID())

	dstID := req.DstID
	sess, ok := s.store.Get(dstID)
	if !ok {
		s.logger.WithField("peer", dstID.Short()).Debug("WHOAREYOU for unknown session, dropping")
		return
	}

	// pick the message to carry in the handshake
	var msg message.Message
	fromQueue := false
	if req.Packet.Kind() == wire.KindRandom {
		queue := s.pendingMessages[dstID]
		if len(queue) == 0 {
			s.logger.WithField("peer", dstID.Short()).Debug("WHOAREYOU with empty message queue")
			return
		}
		msg = queue[0]
		s.pendingMessages[dstID] = queue[1:]
		fromQueue = true
	} else {
		msg = req.Message
		if msg == nil {
			s.logger.WithField("peer", dstID.Short()).Warn("WHOAREYOU for request without message, dropping")
			return
		}
	}

	sess.lastSeenAddr = from
	sess.updateTrust()

	// attach our ENR when the challenger's copy is stale
	var record []byte
	if pkt.ENRSeq < s.localRecord.Seq() {
		encoded, err := s.localRecord.EncodeRLP()
		if err == nil {
			record = encoded
		}
	}

	authPkt, keys, err := s.buildAuthMessage(sess, dstID, pkt.IDNonce, msg, record)
	if err != nil {
		// keys could not be derived; requeue and let the
		// retransmission timers drive another attempt
		if fromQueue {
			s.pendingMessages[dstID] = append([]message.Message{msg}, s.pendingMessages[dstID]...)
		}
		s.logger.WithError(err).WithField("peer", dstID.Short()).Warn("failed to build auth message")
		return
	}

	sess.writeKey = keys.InitiatorKey
	sess.readKey = keys.RecipientKey
	sess.state = AwaitingResponse

	s.logger.WithFields(logrus.Fields{
		"peer": dstID.Short(),
		"addr": from,
		"id":   msg.RequestID(),
	}).Debug("answering WHOAREYOU with auth message")

	s.sendTracked(&PendingRequest{DstID: dstID, Dst: from, Packet: authPkt, Message: msg})
	s.flushMessages(dstID, from)
}

// buildAuthMessage derives session keys as initiator and assembles the
// AuthMessage packet for the given challenge.
func (s *Service) buildAuthMessage(
	sess *Session,
	dstID node.ID,
	idNonce []byte,
	msg message.Message,
	record []byte,
) (*wire.AuthMessagePacket, *crypto.SessionKeys, error) {
	if sess.remoteRecord == nil {
		return nil, nil, fmt.Errorf("session: no ENR for peer %s", dstID.Short())
	}
	remoteKey := sess.remoteRecord.PublicKey()
	if remoteKey == nil {
		return nil, nil, ErrInvalidRecord
	}

	ephKey, err := crypto.GenerateEphemeralKey()
	if err != nil {
		return nil, nil, err
	}
	ephPubkey := gethcrypto.CompressPubkey(&ephKey.PublicKey)

	secret, err := crypto.ECDH(ephKey, remoteKey)
	if err != nil {
		return nil, nil, err
	}

	keys, err := crypto.DeriveSessionKeys(secret, s.localID.Bytes(), dstID.Bytes(), idNonce)
	if err != nil {
		return nil, nil, err
	}

	sig, err := crypto.SignIDNonce(s.localKey, idNonce, ephPubkey)
	if err != nil {
		return nil, nil, err
	}

	respPlain, err := wire.EncodeAuthResponse(sig, record)
	if err != nil {
		return nil, nil, err
	}

	authResp, err := crypto.AESGCMEncrypt(keys.AuthRespKey, zeroNonce, respPlain, nil)
	if err != nil {
		return nil, nil, err
	}

	authTag, err := crypto.GenerateNonce()
	if err != nil {
		return nil, nil, err
	}

	data, err := msg.Encode()
	if err != nil {
		return nil, nil, err
	}

	tag := wire.ComputeTag(s.localID, dstID)
	ciphertext, err := crypto.AESGCMEncrypt(keys.InitiatorKey, authTag, data, tag)
	if err != nil {
		return nil, nil, err
	}

	return &wire.AuthMessagePacket{
		Tag: tag,
		AuthHeader: &wire.AuthHeader{
			AuthTag:         authTag,
			IDNonce:         idNonce,
			AuthSchemeName:  wire.AuthSchemeGCM,
			EphemeralPubkey: ephPubkey,
			AuthResponse:    authResp,
		},
		Message: ciphertext,
	}, keys, nil
}

// handleAuthMessage completes a handshake we challenged: it verifies
// the peer's id-nonce signature, derives session keys as recipient and
// processes the embedded message.
func (s *Service) handleAuthMessage(from *net.UDPAddr, pkt *wire.AuthMessagePacket) {
	srcID, err := wire.SourceID(s.localID, pkt.Tag)
	if err != nil {
		return
	}

	sess, ok := s.store.Get(srcID)
	if !ok || sess.state != WhoAreYouSent {
		s.logger.WithField("peer", srcID.Short()).Trace("auth message in wrong state, dropping")
		return
	}

	if _, ok := s.pending.FindWhoAreYou(from.String(), srcID); !ok {
		s.logger.WithField("peer", srcID.Short()).Trace("auth message without outstanding challenge, dropping")
		return
	}
	s.pending.Remove(from.String(), 0)

	sess.lastSeenAddr = from

	keys, record, err := s.verifyAuthHeader(sess, srcID, pkt.AuthHeader)
	if err != nil {
		s.logger.WithError(err).WithField("peer", srcID.Short()).Warn("handshake verification failed, dropping session")
		s.store.Remove(srcID)
		delete(s.pendingMessages, srcID)
		return
	}

	sess.remoteRecord = record
	sess.writeKey = keys.RecipientKey
	sess.readKey = keys.InitiatorKey
	sess.state = Established
	sess.updateTrust()

	s.logger.WithFields(logrus.Fields{
		"peer":    srcID.Short(),
		"addr":    from,
		"trusted": sess.trusted,
	}).Debug("handshake complete")

	if sess.trusted {
		s.emitEstablished(sess.remoteRecord)
		s.flushMessages(srcID, from)
	}

	s.store.ExtendTimeout(srcID)

	// the embedded message body completes processing as an ordinary
	// message on the freshly established session
	s.handleMessage(from, &wire.MessagePacket{
		Tag:     pkt.Tag,
		AuthTag: pkt.AuthHeader.AuthTag,
		Message: pkt.Message,
	})
}

// verifyAuthHeader checks an auth header against the challenge stored
// in the session and derives the session keys as recipient.
func (s *Service) verifyAuthHeader(sess *Session, srcID node.ID, header *wire.AuthHeader) (*crypto.SessionKeys, *enr.Record, error) {
	ephKey, err := gethcrypto.DecompressPubkey(header.EphemeralPubkey)
	if err != nil {
		return nil, nil, fmt.Errorf("invalid ephemeral key: %w", err)
	}
	if err := crypto.ValidatePublicKey(ephKey); err != nil {
		return nil, nil, err
	}

	secret, err := crypto.ECDH(s.localKey, ephKey)
	if err != nil {
		return nil, nil, err
	}

	keys, err := crypto.DeriveSessionKeys(secret, srcID.Bytes(), s.localID.Bytes(), sess.idNonce)
	if err != nil {
		return nil, nil, err
	}

	respPlain, err := crypto.AESGCMDecrypt(keys.AuthRespKey, zeroNonce, header.AuthResponse, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("auth response: %w", err)
	}

	resp, err := wire.DecodeAuthResponse(respPlain)
	if err != nil {
		return nil, nil, err
	}

	record := sess.remoteRecord
	if len(resp.Record) > 0 {
		attached, err := enr.Load(resp.Record)
		if err != nil {
			return nil, nil, fmt.Errorf("attached ENR: %w", err)
		}
		if record == nil || attached.Seq() > record.Seq() {
			record = attached
		}
	}
	if record == nil {
		return nil, nil, fmt.Errorf("no ENR known for peer")
	}

	remoteKey := record.PublicKey()
	if remoteKey == nil {
		return nil, nil, ErrInvalidRecord
	}
	if node.PubkeyToID(remoteKey) != srcID {
		return nil, nil, fmt.Errorf("ENR node id does not match packet source")
	}

	if !crypto.VerifyIDNonce(resp.Signature, sess.idNonce, header.EphemeralPubkey, remoteKey) {
		return nil, nil, fmt.Errorf("invalid id-nonce signature")
	}

	return keys, record, nil
}

// handleMessage processes an ordinary message packet: decrypt on the
// session, correlate responses, and keep the trust state current. A
// failed decrypt means the peer lost its session state, so ours is
// dropped and a fresh challenge requested.
func (s *Service) handleMessage(from *net.UDPAddr, pkt *wire.MessagePacket) {
	srcID, err := wire.SourceID(s.localID, pkt.Tag)
	if err != nil {
		return
	}

	sess, ok := s.store.Get(srcID)
	if !ok {
		s.emitWhoAreYouRequest(srcID, from, pkt.AuthTag)
		return
	}

	switch sess.state {
	case RandomSent:
		// simultaneous open: challenge them as well
		s.emitWhoAreYouRequest(srcID, from, pkt.AuthTag)
	case WhoAreYouSent:
		// handshake incomplete, drop
		return
	}

	wasAwaiting := sess.state == AwaitingResponse

	plaintext, err := sess.decrypt(pkt.AuthTag, pkt.Message, pkt.Tag)
	if err != nil {
		s.logger.WithField("peer", srcID.Short()).Debug("decrypt failed, dropping session")
		s.store.Remove(srcID)
		s.emitWhoAreYouRequest(srcID, from, pkt.AuthTag)
		return
	}

	if wasAwaiting {
		// a successful decrypt confirms the derived keys
		sess.state = Established
	}

	msg, err := message.Decode(plaintext)
	if err != nil {
		s.logger.WithError(err).WithField("peer", srcID.Short()).Debug("undecodable message, dropping")
		return
	}

	// response correlation
	if _, ok := s.pending.Remove(from.String(), msg.RequestID()); ok {
		s.logger.WithFields(logrus.Fields{
			"peer": srcID.Short(),
			"id":   msg.RequestID(),
		}).Trace("matched response to pending request")
	}

	s.emitMessage(srcID, from, msg)

	wasTrusted := sess.trusted
	sess.lastSeenAddr = from
	sess.updateTrust()

	if sess.trustedEstablished() && ((!wasTrusted && sess.trusted) || wasAwaiting) {
		s.emitEstablished(sess.remoteRecord)
		s.flushMessages(srcID, from)
	}
}

// zeroNonce encrypts the auth response: the auth-resp key is used for
// exactly one payload, so a fixed nonce is safe.
var zeroNonce = make([]byte, crypto.GCMNonceSize)

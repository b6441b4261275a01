package session

import (
	"net"
	"sync"
	"testing"
	"time"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"github.com/ethpandaops/discnodoor/enr"
	"github.com/ethpandaops/discnodoor/message"
	"github.com/ethpandaops/discnodoor/node"
	"github.com/ethpandaops/discnodoor/wire"
)

// pipeTransport delivers packets to a paired transport through an
// encode/decode round trip, like the UDP socket would. Without a peer
// attached every packet is dropped.
type pipeTransport struct {
	addr    *net.UDPAddr
	localID node.ID

	mu      sync.Mutex
	peer    *pipeTransport
	handler func(src *net.UDPAddr, packet wire.Packet)
}

func (p *pipeTransport) Start() error { return nil }
func (p *pipeTransport) Stop() error  { return nil }

func (p *pipeTransport) SetPacketHandler(handler func(src *net.UDPAddr, packet wire.Packet)) {
	p.mu.Lock()
	p.handler = handler
	p.mu.Unlock()
}

func (p *pipeTransport) Send(dst *net.UDPAddr, packet wire.Packet) error {
	p.mu.Lock()
	peer := p.peer
	p.mu.Unlock()
	if peer == nil {
		return nil
	}

	data, err := packet.Encode()
	if err != nil {
		return err
	}
	// a goroutine per datagram keeps sender and receiver locks apart
	go peer.deliver(p.addr, data)
	return nil
}

func (p *pipeTransport) deliver(src *net.UDPAddr, data []byte) {
	p.mu.Lock()
	handler := p.handler
	p.mu.Unlock()
	if handler == nil {
		return
	}

	pkt, err := wire.Decode(data, p.localID)
	if err != nil {
		return
	}
	handler(src, pkt)
}

// testPeer bundles a session service with its transport and an event
// recorder.
type testPeer struct {
	svc    *Service
	record *enr.Record
	tr     *pipeTransport

	mu          sync.Mutex
	autoPong    bool
	established []*enr.Record
	messages    []message.Message
	failed      []uint64
}

// newTestPeer creates a started service whose ENR advertises
// advertisedPort while its transport answers from port.
func newTestPeer(t *testing.T, port, advertisedPort int) *testPeer {
	t.Helper()

	key, err := ethcrypto.GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	record, err := enr.NewRecord(
		enr.WithIP(net.ParseIP("127.0.0.1")),
		enr.WithUDP(uint16(advertisedPort)),
	)
	if err != nil {
		t.Fatalf("NewRecord: %v", err)
	}
	// sequence 1 is above the 0 the fixture challenges with, so the
	// initiator attaches its record to the auth message
	record.SetSeq(1)
	if err := record.Sign(key); err != nil {
		t.Fatalf("Sign: %v", err)
	}

	tp := &testPeer{
		record: record,
		tr: &pipeTransport{
			addr:    &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: port},
			localID: node.PubkeyToID(&key.PublicKey),
		},
	}

	svc, err := NewService(Config{
		LocalRecord:    record,
		LocalKey:       key,
		Transport:      tp.tr,
		RequestTimeout: 200 * time.Millisecond,
		RequestRetries: 3,
		Events: Events{
			Established: func(r *enr.Record) {
				tp.mu.Lock()
				tp.established = append(tp.established, r)
				tp.mu.Unlock()
			},
			Message: func(srcID node.ID, from *net.UDPAddr, msg message.Message) {
				tp.mu.Lock()
				tp.messages = append(tp.messages, msg)
				auto := tp.autoPong
				tp.mu.Unlock()

				if auto {
					if ping, ok := msg.(*message.Ping); ok {
						tp.svc.SendResponse(from, srcID, &message.Pong{
							ReqID:  ping.ReqID,
							ENRSeq: tp.record.Seq(),
							IP:     from.IP.To4(),
							Port:   uint16(from.Port),
						})
					}
				}
			},
			WhoAreYouRequest: func(srcID node.ID, from *net.UDPAddr, authTag []byte) {
				tp.svc.SendWhoAreYou(from, srcID, 0, nil, authTag)
			},
			RequestFailed: func(dstID node.ID, requestID uint64) {
				tp.mu.Lock()
				tp.failed = append(tp.failed, requestID)
				tp.mu.Unlock()
			},
		},
	})
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	tp.svc = svc

	if err := svc.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { svc.Stop() })
	return tp
}

func connect(a, b *testPeer) {
	a.tr.mu.Lock()
	a.tr.peer = b.tr
	a.tr.mu.Unlock()
	b.tr.mu.Lock()
	b.tr.peer = a.tr
	b.tr.mu.Unlock()
}

func (tp *testPeer) establishedCount() int {
	tp.mu.Lock()
	defer tp.mu.Unlock()
	return len(tp.established)
}

func (tp *testPeer) messageCount() int {
	tp.mu.Lock()
	defer tp.mu.Unlock()
	return len(tp.messages)
}

func (tp *testPeer) failedIDs() []uint64 {
	tp.mu.Lock()
	defer tp.mu.Unlock()
	return append([]uint64(nil), tp.failed...)
}

func TestNewServiceValidation(t *testing.T) {
	key, err := ethcrypto.GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	record, err := enr.CreateSignedRecord(key,
		enr.WithIP(net.ParseIP("127.0.0.1")),
		enr.WithUDP(9000),
	)
	if err != nil {
		t.Fatalf("CreateSignedRecord: %v", err)
	}
	tr := &pipeTransport{
		addr:    &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: 9000},
		localID: node.PubkeyToID(&key.PublicKey),
	}

	if _, err := NewService(Config{LocalKey: key, Transport: tr}); err != ErrInvalidRecord {
		t.Errorf("missing record: err = %v, want ErrInvalidRecord", err)
	}
	if _, err := NewService(Config{LocalRecord: record, Transport: tr}); err != ErrInvalidRecord {
		t.Errorf("missing key: err = %v, want ErrInvalidRecord", err)
	}
	if _, err := NewService(Config{LocalRecord: record, LocalKey: key}); err == nil {
		t.Error("missing transport should be rejected")
	}

	otherKey, err := ethcrypto.GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	if _, err := NewService(Config{LocalRecord: record, LocalKey: otherKey, Transport: tr}); err != ErrKeyMismatch {
		t.Errorf("mismatched key: err = %v, want ErrKeyMismatch", err)
	}
}

func TestHandshakeAndMessageDelivery(t *testing.T) {
	a := newTestPeer(t, 30301, 30301)
	b := newTestPeer(t, 30302, 30302)
	b.mu.Lock()
	b.autoPong = true
	b.mu.Unlock()
	connect(a, b)

	ping := &message.Ping{ReqID: 1001, ENRSeq: a.record.Seq()}
	if err := a.svc.SendRequest(b.record, ping); err != nil {
		t.Fatalf("SendRequest: %v", err)
	}

	// Random -> WHOAREYOU -> AuthMessage, then the pong confirms the
	// initiator's keys
	waitUntil(t, "responder session", func() bool {
		return b.establishedCount() > 0 && b.messageCount() > 0
	})
	waitUntil(t, "initiator session", func() bool {
		return a.establishedCount() > 0 && a.messageCount() > 0
	})

	b.mu.Lock()
	gotPing, okPing := b.messages[0].(*message.Ping)
	b.mu.Unlock()
	if !okPing || gotPing.ReqID != 1001 {
		t.Errorf("responder received %+v, want ping 1001", gotPing)
	}

	a.mu.Lock()
	gotPong, okPong := a.messages[0].(*message.Pong)
	a.mu.Unlock()
	if !okPong || gotPong.ReqID != 1001 {
		t.Errorf("initiator received %+v, want pong 1001", gotPong)
	}

	if a.svc.SessionCount() != 1 || b.svc.SessionCount() != 1 {
		t.Errorf("sessions = %d/%d, want 1/1", a.svc.SessionCount(), b.svc.SessionCount())
	}
	waitUntil(t, "pending table drain", func() bool {
		return a.svc.PendingCount() == 0 && b.svc.PendingCount() == 0
	})

	// the established session carries further requests directly
	if err := a.svc.SendRequest(b.record, &message.Ping{ReqID: 1002, ENRSeq: a.record.Seq()}); err != nil {
		t.Fatalf("SendRequest on established session: %v", err)
	}
	waitUntil(t, "second exchange", func() bool {
		return b.messageCount() >= 2 && a.messageCount() >= 2
	})

	// no second Established emission for an already trusted session
	if n := b.establishedCount(); n != 1 {
		t.Errorf("responder Established fired %d times, want 1", n)
	}
}

func TestSendRequestUntrustedPeer(t *testing.T) {
	// a advertises a port its packets do not come from, so the
	// responder's session never becomes trusted
	a := newTestPeer(t, 30311, 40000)
	b := newTestPeer(t, 30312, 30312)
	b.mu.Lock()
	b.autoPong = true
	b.mu.Unlock()
	connect(a, b)

	ping := &message.Ping{ReqID: 2001, ENRSeq: a.record.Seq()}
	if err := a.svc.SendRequest(b.record, ping); err != nil {
		t.Fatalf("SendRequest: %v", err)
	}

	// the handshake completes and responses flow regardless of trust
	waitUntil(t, "message delivery", func() bool {
		return b.messageCount() > 0 && a.messageCount() > 0
	})
	if b.establishedCount() != 0 {
		t.Error("untrusted session must not emit Established")
	}

	err := b.svc.SendRequest(a.record, &message.Ping{ReqID: 2002, ENRSeq: b.record.Seq()})
	if err != ErrUntrustedPeer {
		t.Errorf("SendRequest on untrusted session: err = %v, want ErrUntrustedPeer", err)
	}
}

func TestRequestTimeoutFailsBufferedMessages(t *testing.T) {
	key, err := ethcrypto.GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	record, err := enr.CreateSignedRecord(key,
		enr.WithIP(net.ParseIP("127.0.0.1")),
		enr.WithUDP(30321),
	)
	if err != nil {
		t.Fatalf("CreateSignedRecord: %v", err)
	}

	tp := &testPeer{
		record: record,
		tr: &pipeTransport{
			addr:    &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: 30321},
			localID: node.PubkeyToID(&key.PublicKey),
		},
	}
	svc, err := NewService(Config{
		LocalRecord:    record,
		LocalKey:       key,
		Transport:      tp.tr,
		RequestTimeout: 20 * time.Millisecond,
		RequestRetries: 1,
		Events: Events{
			RequestFailed: func(dstID node.ID, requestID uint64) {
				tp.mu.Lock()
				tp.failed = append(tp.failed, requestID)
				tp.mu.Unlock()
			},
		},
	})
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	tp.svc = svc
	if err := svc.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { svc.Stop() })

	remoteKey, err := ethcrypto.GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	remoteRecord, err := enr.CreateSignedRecord(remoteKey,
		enr.WithIP(net.ParseIP("127.0.0.1")),
		enr.WithUDP(30322),
	)
	if err != nil {
		t.Fatalf("CreateSignedRecord: %v", err)
	}

	// the transport has no peer, so the handshake runs dry
	ping := &message.Ping{ReqID: 3001}
	if err := svc.SendRequest(remoteRecord, ping); err != nil {
		t.Fatalf("SendRequest: %v", err)
	}
	if svc.SessionCount() != 1 {
		t.Errorf("SessionCount during handshake = %d, want 1", svc.SessionCount())
	}

	waitUntil(t, "handshake abandonment", func() bool {
		failed := tp.failedIDs()
		return len(failed) == 1 && failed[0] == 3001
	})
	if svc.SessionCount() != 0 {
		t.Errorf("SessionCount after abandonment = %d, want 0", svc.SessionCount())
	}
	if svc.PendingCount() != 0 {
		t.Errorf("PendingCount after abandonment = %d, want 0", svc.PendingCount())
	}
}

func TestSendResponseRequiresSession(t *testing.T) {
	a := newTestPeer(t, 30331, 30331)

	dst := &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: 30332}
	err := a.svc.SendResponse(dst, node.ID{0x01}, &message.Pong{ReqID: 1})
	if err != ErrSessionNotReady {
		t.Errorf("SendResponse without session: err = %v, want ErrSessionNotReady", err)
	}

	err = a.svc.SendRequestUnknownENR(dst, node.ID{0x01}, &message.Ping{ReqID: 2})
	if err != ErrSessionNotReady {
		t.Errorf("SendRequestUnknownENR without session: err = %v, want ErrSessionNotReady", err)
	}
}

func TestServiceStop(t *testing.T) {
	a := newTestPeer(t, 30341, 30341)
	b := newTestPeer(t, 30342, 30342)
	connect(a, b)

	if err := a.svc.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	err := a.svc.SendRequest(b.record, &message.Ping{ReqID: 4001})
	if err != ErrServiceStopped {
		t.Errorf("SendRequest after Stop: err = %v, want ErrServiceStopped", err)
	}
	if a.svc.SessionCount() != 0 || a.svc.PendingCount() != 0 {
		t.Error("Stop should clear sessions and pending requests")
	}
}

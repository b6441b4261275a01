// Package transport provides the UDP datagram transport underneath
// the session service.
//
// The transport owns the socket, the wire-level packet codec, a
// per-IP rate limit on inbound traffic and prometheus counters.
// Decoded packets are handed to a single handler installed by the
// session service.
package transport

import (
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/ethpandaops/discnodoor/node"
	"github.com/ethpandaops/discnodoor/wire"
)

const (
	// DefaultReadBuffer is the socket read buffer size.
	DefaultReadBuffer = 2 * 1024 * 1024

	// DefaultWriteBuffer is the socket write buffer size.
	DefaultWriteBuffer = 2 * 1024 * 1024

	// DefaultRateLimitPerIP is the inbound packets-per-second bound
	// per source IP.
	DefaultRateLimitPerIP = 100

	// writeTimeout bounds a single socket write.
	writeTimeout = 5 * time.Second
)

// Config contains the configuration for the UDP transport.
type Config struct {
	// ListenAddr is the address to bind, e.g. "0.0.0.0:9000".
	// Ignored when Conn is set.
	ListenAddr string

	// Conn is an optional pre-bound socket, used by tests and socket
	// multiplexing.
	Conn *net.UDPConn

	// LocalID is the local node id the packet codec unmasks tags
	// with.
	LocalID node.ID

	// RateLimitPerIP bounds inbound packets per second per source IP.
	// Negative disables the limit.
	RateLimitPerIP int

	// ReadBuffer overrides the socket read buffer size.
	ReadBuffer int

	// WriteBuffer overrides the socket write buffer size.
	WriteBuffer int

	// Logger for debug messages
	Logger logrus.FieldLogger
}

// UDP is the datagram transport. It satisfies the session service's
// transport contract: packets are sent best effort and inbound
// packets are decoded and dispatched to the installed handler.
type UDP struct {
	listenAddr string
	localID    node.ID

	logger  logrus.FieldLogger
	limiter *rateLimiter
	metrics *transportMetrics

	readBuffer  int
	writeBuffer int

	mu      sync.Mutex
	conn    *net.UDPConn
	started bool

	// handler holds the inbound callback, nil when detached.
	handler atomic.Value

	closed atomic.Bool
	wg     sync.WaitGroup
}

type packetHandler struct {
	fn func(src *net.UDPAddr, packet wire.Packet)
}

// NewUDP creates a UDP transport. The socket is not opened until
// Start.
func NewUDP(cfg Config) *UDP {
	if cfg.Logger == nil {
		cfg.Logger = logrus.StandardLogger()
	}
	if cfg.ReadBuffer <= 0 {
		cfg.ReadBuffer = DefaultReadBuffer
	}
	if cfg.WriteBuffer <= 0 {
		cfg.WriteBuffer = DefaultWriteBuffer
	}
	if cfg.RateLimitPerIP == 0 {
		cfg.RateLimitPerIP = DefaultRateLimitPerIP
	}

	t := &UDP{
		listenAddr:  cfg.ListenAddr,
		localID:     cfg.LocalID,
		logger:      cfg.Logger,
		metrics:     newTransportMetrics(),
		readBuffer:  cfg.ReadBuffer,
		writeBuffer: cfg.WriteBuffer,
		conn:        cfg.Conn,
	}
	if cfg.RateLimitPerIP > 0 {
		t.limiter = newRateLimiter(cfg.RateLimitPerIP)
	}
	t.handler.Store(packetHandler{})
	return t
}

// SetPacketHandler installs the inbound packet callback. Passing nil
// detaches it.
func (t *UDP) SetPacketHandler(handler func(src *net.UDPAddr, packet wire.Packet)) {
	t.handler.Store(packetHandler{fn: handler})
}

// Start binds the socket and begins receiving packets.
func (t *UDP) Start() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.started {
		return fmt.Errorf("transport: already started")
	}

	if t.conn == nil {
		addr, err := net.ResolveUDPAddr("udp", t.listenAddr)
		if err != nil {
			return fmt.Errorf("transport: resolve %q: %w", t.listenAddr, err)
		}

		conn, err := net.ListenUDP("udp", addr)
		if err != nil {
			return fmt.Errorf("transport: listen: %w", err)
		}

		if err := conn.SetReadBuffer(t.readBuffer); err != nil {
			t.logger.WithError(err).Warn("transport: failed to set read buffer")
		}
		if err := conn.SetWriteBuffer(t.writeBuffer); err != nil {
			t.logger.WithError(err).Warn("transport: failed to set write buffer")
		}
		t.conn = conn
	}

	t.started = true
	t.wg.Add(1)
	go t.receiveLoop()

	t.logger.WithField("addr", t.conn.LocalAddr()).Info("transport: listening")
	return nil
}

// Stop closes the socket and waits for the receive loop to exit.
func (t *UDP) Stop() error {
	if !t.closed.CompareAndSwap(false, true) {
		return nil
	}

	t.mu.Lock()
	conn := t.conn
	t.mu.Unlock()

	if conn != nil {
		if err := conn.Close(); err != nil {
			t.logger.WithError(err).Warn("transport: error closing socket")
		}
	}
	t.wg.Wait()

	t.logger.Debug("transport: stopped")
	return nil
}

// LocalAddr returns the bound address, nil before Start.
func (t *UDP) LocalAddr() *net.UDPAddr {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.conn == nil {
		return nil
	}
	return t.conn.LocalAddr().(*net.UDPAddr)
}

// Send encodes and transmits a packet, best effort.
func (t *UDP) Send(dst *net.UDPAddr, packet wire.Packet) error {
	if t.closed.Load() {
		return fmt.Errorf("transport: closed")
	}
	if err := node.ValidateUDPAddr(dst); err != nil {
		return fmt.Errorf("transport: invalid destination: %w", err)
	}

	data, err := packet.Encode()
	if err != nil {
		t.metrics.recordError("encode")
		return fmt.Errorf("transport: encode: %w", err)
	}
	if len(data) > wire.MaxPacketSize {
		t.metrics.recordError("oversize")
		return fmt.Errorf("transport: packet too large (%d > %d)", len(data), wire.MaxPacketSize)
	}

	t.mu.Lock()
	conn := t.conn
	t.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("transport: not started")
	}

	if err := conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		t.logger.WithError(err).Warn("transport: failed to set write deadline")
	}

	n, err := conn.WriteToUDP(data, dst)
	if err != nil {
		t.metrics.recordError("send")
		return fmt.Errorf("transport: write: %w", err)
	}
	if n != len(data) {
		t.metrics.recordError("send")
		return fmt.Errorf("transport: short write (%d/%d bytes)", n, len(data))
	}

	t.metrics.recordSent(n)
	t.logger.WithFields(logrus.Fields{
		"to":   dst,
		"kind": packet.Kind(),
		"size": n,
	}).Trace("transport: packet sent")
	return nil
}

// receiveLoop reads, decodes and dispatches inbound packets until the
// socket closes.
func (t *UDP) receiveLoop() {
	defer t.wg.Done()

	buffer := make([]byte, wire.MaxPacketSize+1)

	for {
		n, from, err := t.conn.ReadFromUDP(buffer)
		if err != nil {
			if t.closed.Load() {
				return
			}
			if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
				continue
			}
			t.metrics.recordError("receive")
			t.logger.WithError(err).Error("transport: read failed")
			continue
		}

		if err := node.ValidateUDPAddr(from); err != nil {
			t.metrics.recordError("receive")
			continue
		}

		if t.limiter != nil && !t.limiter.allow(from.IP) {
			t.metrics.rateLimited.Inc()
			t.logger.WithField("from", from).Debug("transport: rate limited")
			continue
		}

		t.metrics.recordReceived(n)

		packet, err := wire.Decode(buffer[:n], t.localID)
		if err != nil {
			t.metrics.recordError("decode")
			t.logger.WithFields(logrus.Fields{
				"from": from,
				"size": n,
			}).WithError(err).Debug("transport: undecodable packet")
			continue
		}

		if h, ok := t.handler.Load().(packetHandler); ok && h.fn != nil {
			h.fn(from, packet)
		}
	}
}

// Stats summarizes transport state for the status page.
type Stats struct {
	TrackedIPs int
}

// GetStats returns a snapshot of transport statistics.
func (t *UDP) GetStats() Stats {
	var s Stats
	if t.limiter != nil {
		s.TrackedIPs = t.limiter.trackedIPs()
	}
	return s
}

// Package discnode ties the discovery components together into one
// runnable node.
//
// The service wires:
//   - the UDP transport and the session layer on top of it
//   - the k-bucket routing table with fork-aware admission
//   - iterative lookups and the periodic random-walk refresh
//   - liveness pings and stale-node removal
//   - the sqlite-backed node store for persistence across restarts
package discnode

import (
	"crypto/ecdsa"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/ethpandaops/discnodoor/config"
	"github.com/ethpandaops/discnodoor/enr"
	"github.com/ethpandaops/discnodoor/lookup"
	"github.com/ethpandaops/discnodoor/netconfig"
	"github.com/ethpandaops/discnodoor/node"
	"github.com/ethpandaops/discnodoor/nodedb"
	"github.com/ethpandaops/discnodoor/session"
	"github.com/ethpandaops/discnodoor/table"
	"github.com/ethpandaops/discnodoor/transport"
)

// Common errors
var (
	ErrMissingPrivateKey = fmt.Errorf("discnode: private key is required")
	ErrAlreadyRunning    = fmt.Errorf("discnode: service is already running")
	ErrNotRunning        = fmt.Errorf("discnode: service is not running")
)

// maintenance intervals
const (
	pingCheckInterval    = 30 * time.Second
	staleCheckInterval   = 5 * time.Minute
	pendingSweepInterval = 10 * time.Second
	pruneInterval        = 1 * time.Hour
	forkUpdateInterval   = 1 * time.Minute
)

// Config configures the discovery service.
type Config struct {
	// Config is the daemon configuration.
	Config *config.Config

	// PrivateKey is the node's static secp256k1 key.
	PrivateKey *ecdsa.PrivateKey

	// Store persists discovered nodes, nil keeps everything in memory.
	Store *nodedb.Store

	// ForkFilter restricts the table and responses to the configured
	// network, nil disables fork filtering.
	ForkFilter *netconfig.ForkFilter

	// Logger for debug messages.
	Logger logrus.FieldLogger
}

// Service is the discovery node.
type Service struct {
	cfg    *config.Config
	logger logrus.FieldLogger

	localKey    *ecdsa.PrivateKey
	localID     node.ID
	localRecord *enr.Record

	transport *transport.UDP
	sessions  *session.Service
	table     *table.Table
	store     *nodedb.Store
	filter    *netconfig.ForkFilter

	responseFilter enr.ResponseFilter

	bootnodes []*enr.Record

	mu        sync.Mutex
	running   bool
	startTime time.Time

	// lookups holds the in-flight queries keyed by target, waiters
	// the callers blocked on their completion.
	lookups map[node.ID]*lookup.Lookup
	waiters map[node.ID][]chan []node.ID

	// pending correlates outstanding requests with their operation
	// context, keyed by request id.
	pending map[uint64]*pendingOp

	counters HandlerStats

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New creates the discovery service. The transport socket is not
// opened until Start.
func New(cfg Config) (*Service, error) {
	if cfg.PrivateKey == nil {
		return nil, ErrMissingPrivateKey
	}
	if cfg.Config == nil {
		cfg.Config = config.Default()
	}
	if err := cfg.Config.Validate(); err != nil {
		return nil, err
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.StandardLogger()
	}
	logger := cfg.Logger.WithField("module", "discnode")

	localRecord, err := buildLocalRecord(cfg.Config, cfg.PrivateKey, cfg.Store, cfg.ForkFilter, logger)
	if err != nil {
		return nil, err
	}

	s := &Service{
		cfg:         cfg.Config,
		logger:      logger,
		localKey:    cfg.PrivateKey,
		localID:     node.PubkeyToID(&cfg.PrivateKey.PublicKey),
		localRecord: localRecord,
		store:       cfg.Store,
		filter:      cfg.ForkFilter,
		lookups:     make(map[node.ID]*lookup.Lookup),
		waiters:     make(map[node.ID][]chan []node.ID),
		pending:     make(map[uint64]*pendingOp),
	}

	s.transport = transport.NewUDP(transport.Config{
		ListenAddr:     fmt.Sprintf("%s:%d", cfg.Config.BindAddr, cfg.Config.BindPort),
		LocalID:        s.localID,
		RateLimitPerIP: cfg.Config.RateLimitPerIP,
		Logger:         cfg.Logger,
	})

	s.sessions, err = session.NewService(session.Config{
		LocalRecord:    localRecord,
		LocalKey:       cfg.PrivateKey,
		Transport:      s.transport,
		SessionTimeout: cfg.Config.SessionTimeout,
		RequestTimeout: cfg.Config.RequestTimeout,
		RequestRetries: cfg.Config.RequestRetries,
		Logger:         cfg.Logger,
		Events: session.Events{
			Established:      s.onEstablished,
			Message:          s.onMessage,
			WhoAreYouRequest: s.onWhoAreYouRequest,
			RequestFailed:    s.onRequestFailed,
		},
	})
	if err != nil {
		return nil, err
	}

	var admission enr.Filter
	if cfg.ForkFilter != nil {
		admission = cfg.ForkFilter.AdmissionFilter()
	}

	s.table = table.New(table.Config{
		LocalID:         s.localID,
		AdmissionFilter: admission,
		MaxNodesPerIP:   cfg.Config.MaxNodesPerIP,
		PingInterval:    cfg.Config.PingInterval,
		MaxNodeAge:      cfg.Config.MaxNodeAge,
		MaxFailures:     cfg.Config.MaxFailures,
		OnNodeAdded:     s.onNodeAdded,
		OnNodeRemoved:   s.onNodeRemoved,
		Logger:          cfg.Logger,
	})

	s.responseFilter = enr.LANAwareResponseFilter()
	if cfg.ForkFilter != nil {
		s.responseFilter = enr.ChainResponseFilters(
			enr.LANAwareResponseFilter(),
			cfg.ForkFilter.ResponseFilter(),
		)
	}

	s.bootnodes = parseBootnodes(cfg.Config.Bootnodes, logger)

	logger.WithFields(logrus.Fields{
		"id":   s.localID.Short(),
		"seq":  localRecord.Seq(),
		"bind": fmt.Sprintf("%s:%d", cfg.Config.BindAddr, cfg.Config.BindPort),
	}).Info("discnode: created local node")

	return s, nil
}

// Start opens the socket and starts the background workers.
func (s *Service) Start() error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return ErrAlreadyRunning
	}
	s.running = true
	s.startTime = time.Now()
	s.stopCh = make(chan struct{})
	s.mu.Unlock()

	if err := s.sessions.Start(); err != nil {
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
		return err
	}

	s.restoreNodes()

	s.wg.Add(1)
	go s.maintenanceLoop()

	if s.filter != nil {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.filter.Run(forkUpdateInterval, s.stopCh)
		}()
	}

	s.wg.Add(1)
	go s.bootstrap()

	return nil
}

// Stop terminates the workers, aborts in-flight lookups and shuts the
// session layer and transport down. The node store is owned by the
// caller and stays open.
func (s *Service) Stop() error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return ErrNotRunning
	}
	s.running = false
	stopCh := s.stopCh
	active := make([]*lookup.Lookup, 0, len(s.lookups))
	for _, l := range s.lookups {
		active = append(active, l)
	}
	s.mu.Unlock()

	close(stopCh)
	for _, l := range active {
		l.Stop()
	}
	s.wg.Wait()

	return s.sessions.Stop()
}

// LocalID returns the local node id.
func (s *Service) LocalID() node.ID {
	return s.localID
}

// LocalRecord returns the local signed ENR.
func (s *Service) LocalRecord() *enr.Record {
	return s.localRecord
}

// Table returns the routing table.
func (s *Service) Table() *table.Table {
	return s.table
}

// Store returns the node store, nil when running in memory.
func (s *Service) Store() *nodedb.Store {
	return s.store
}

// restoreNodes seeds the routing table from the node store.
func (s *Service) restoreNodes() {
	if s.store == nil {
		return
	}

	nodes := s.store.List()
	if len(nodes) == 0 {
		return
	}

	restored := 0
	for _, n := range nodes {
		if s.table.Add(n) {
			restored++
		}
	}

	s.logger.WithFields(logrus.Fields{
		"stored":   len(nodes),
		"restored": restored,
	}).Info("discnode: restored nodes from database")
}

// bootstrap contacts the configured bootnodes and runs the initial
// self lookup.
func (s *Service) bootstrap() {
	defer s.wg.Done()

	for _, record := range s.bootnodes {
		n, err := node.New(record)
		if err != nil {
			s.logger.WithError(err).Warn("discnode: unusable bootnode record")
			continue
		}

		s.table.Add(n)
		s.sendPing(n)

		s.logger.WithFields(logrus.Fields{
			"id":   n.ID().Short(),
			"addr": n.Addr(),
		}).Info("discnode: contacting bootnode")
	}

	if len(s.bootnodes) == 0 && s.table.Size() == 0 {
		s.logger.Warn("discnode: no bootnodes configured and table is empty")
		return
	}

	select {
	case <-time.After(2 * time.Second):
	case <-s.stopCh:
		return
	}

	s.startLookup(s.localID)
}

// maintenanceLoop runs the periodic workers until Stop.
func (s *Service) maintenanceLoop() {
	defer s.wg.Done()

	pingTicker := time.NewTicker(pingCheckInterval)
	staleTicker := time.NewTicker(staleCheckInterval)
	refreshTicker := time.NewTicker(s.cfg.RefreshInterval)
	sweepTicker := time.NewTicker(pendingSweepInterval)
	pruneTicker := time.NewTicker(pruneInterval)

	defer pingTicker.Stop()
	defer staleTicker.Stop()
	defer refreshTicker.Stop()
	defer sweepTicker.Stop()
	defer pruneTicker.Stop()

	for {
		select {
		case <-s.stopCh:
			return

		case <-pingTicker.C:
			s.pingDueNodes()

		case <-staleTicker.C:
			s.table.RemoveStale()

		case <-refreshTicker.C:
			s.refresh()

		case <-sweepTicker.C:
			s.sweepPending()

		case <-pruneTicker.C:
			s.pruneStore()
		}
	}
}

// pingDueNodes sends a liveness check to every node the table reports
// as due.
func (s *Service) pingDueNodes() {
	due := s.table.NodesNeedingPing()
	if len(due) == 0 {
		return
	}

	s.logger.WithField("count", len(due)).Debug("discnode: pinging due nodes")
	for _, n := range due {
		s.sendPing(n)
	}
}

// refresh runs a random-walk lookup to keep distant buckets populated.
func (s *Service) refresh() {
	dist := table.NumBuckets - 1 - rand.Intn(8)
	target := node.RandomIDAtDistance(s.localID, dist)
	s.startLookup(target)
}

// pruneStore drops long-dead nodes from the database.
func (s *Service) pruneStore() {
	if s.store == nil {
		return
	}

	cutoff := time.Now().Add(-7 * s.cfg.MaxNodeAge)
	pruned, err := s.store.PruneBefore(cutoff)
	if err != nil {
		s.logger.WithError(err).Warn("discnode: database prune failed")
		return
	}
	if pruned > 0 {
		s.logger.WithField("count", pruned).Info("discnode: pruned dead nodes from database")
	}
}

// onNodeAdded persists newly activated table entries.
func (s *Service) onNodeAdded(n *node.Node) {
	if s.store == nil {
		return
	}

	s.store.Track(n)
	if err := s.store.UpdateNodeFull(n); err != nil {
		s.logger.WithError(err).WithField("id", n.ID().Short()).Warn("discnode: failed to persist node")
	}
}

// onNodeRemoved keeps the database row for history, only the table
// entry goes away.
func (s *Service) onNodeRemoved(n *node.Node) {
	s.logger.WithField("id", n.ID().Short()).Debug("discnode: node dropped from table")
}

// Stats is a point-in-time summary of the service for the status page.
type Stats struct {
	LocalID       string
	PeerID        string
	ENR           string
	BindAddress   string
	Uptime        time.Duration
	StartTime     time.Time
	TableStats    table.Stats
	SessionCount  int
	PendingCount  int
	ActiveLookups int
	Handler       HandlerStats
	Transport     transport.Stats
	StoredNodes   int
}

// GetStats returns service statistics.
func (s *Service) GetStats() Stats {
	s.mu.Lock()
	startTime := s.startTime
	activeLookups := len(s.lookups)
	handler := s.counters
	s.mu.Unlock()

	stats := Stats{
		LocalID:       s.localID.String(),
		BindAddress:   fmt.Sprintf("%s:%d", s.cfg.BindAddr, s.cfg.BindPort),
		Uptime:        time.Since(startTime),
		StartTime:     startTime,
		TableStats:    s.table.GetStats(),
		SessionCount:  s.sessions.SessionCount(),
		PendingCount:  s.sessions.PendingCount(),
		ActiveLookups: activeLookups,
		Handler:       handler,
		Transport:     s.transport.GetStats(),
	}

	if pubKey := s.localRecord.PublicKey(); pubKey != nil {
		stats.PeerID = node.BuildPeerID(pubKey)
	}
	if encoded, err := s.localRecord.EncodeBase64(); err == nil {
		stats.ENR = encoded
	}
	if s.store != nil {
		stats.StoredNodes = s.store.Count()
	}

	return stats
}

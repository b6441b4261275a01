package nodedb

import (
	"context"
	"database/sql"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/sirupsen/logrus"

	"github.com/ethpandaops/discnodoor/enr"
	"github.com/ethpandaops/discnodoor/node"
	"github.com/ethpandaops/discnodoor/stats"
)

// updateFlags names the row fields a queued update touches (bitmask).
type updateFlags uint8

const (
	updateFlagENR        updateFlags = 1 << iota // seq, enr, endpoint
	updateFlagStats                              // success/failure/rtt counters
	updateFlagLastActive                         // last_active timestamp
	updateFlagLastSeen                           // last_seen timestamp
)

const (
	updateBatchSize  = 50
	updateQueueDepth = 1000
	flushInterval    = 100 * time.Millisecond
)

// nodeUpdate is a pending database write for one node. Updates queued
// for the same node are merged by OR-ing the flags.
type nodeUpdate struct {
	nodeID         node.ID
	flags          updateFlags
	node           *node.Node
	lastActiveTime time.Time
	lastSeenTime   time.Time
}

// Store provides node persistence on top of Database. Writes are queued
// and flushed in batches from a background goroutine so callers on the
// packet path never wait for sqlite.
type Store struct {
	db     *Database
	logger logrus.FieldLogger

	ctx    context.Context
	cancel context.CancelFunc

	updateQueue     chan nodeUpdate
	updateQueueSet  map[node.ID]*nodeUpdate
	updateQueueLock sync.Mutex

	stats     StoreStats
	statsLock sync.RWMutex

	wg sync.WaitGroup
}

// StoreStats summarizes store activity.
type StoreStats struct {
	QueueSize        int   // pending updates not yet flushed
	ProcessedUpdates int64 // updates written to the database
	MergedUpdates    int64 // updates folded into a pending one
	FailedUpdates    int64 // updates dropped because the queue was full
	Transactions     int64
	TotalQueries     int64
	OpenConnections  int
}

// NewStore creates a node store and starts its flush goroutine.
func NewStore(database *Database, logger logrus.FieldLogger) *Store {
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Store{
		db:             database,
		logger:         logger,
		ctx:            ctx,
		cancel:         cancel,
		updateQueue:    make(chan nodeUpdate, updateQueueDepth),
		updateQueueSet: make(map[node.ID]*nodeUpdate),
	}

	s.wg.Add(1)
	go s.processUpdateQueue()

	return s
}

// Track installs a stats callback on the node so counter and last-seen
// changes are written back without the caller involving the store.
func (s *Store) Track(n *node.Node) {
	if n == nil {
		return
	}
	n.Stats().SetCallback(func(flags stats.DirtyFlags) {
		update := nodeUpdate{
			nodeID: n.ID(),
			node:   n,
		}
		if flags&stats.DirtyLastSeen != 0 {
			update.flags |= updateFlagLastSeen
			update.lastSeenTime = n.Stats().LastSeen()
		}
		if flags&stats.DirtyStats != 0 {
			update.flags |= updateFlagENR | updateFlagStats
		}
		if update.flags == 0 {
			return
		}
		if err := s.queueUpdate(update); err != nil {
			s.logger.WithError(err).WithField("nodeID", n.ID().Short()).Debug("nodedb: stats update dropped")
		}
	})
}

// UpdateNodeENR queues an endpoint and record update, preserving the
// node's counters. Used for nodes learned from NODES responses.
func (s *Store) UpdateNodeENR(n *node.Node) error {
	if n == nil {
		return fmt.Errorf("nodedb: nil node")
	}
	return s.queueUpdate(nodeUpdate{
		nodeID: n.ID(),
		flags:  updateFlagENR,
		node:   n,
	})
}

// UpdateNodeFull queues a full row update including counters. Used
// after a liveness exchange.
func (s *Store) UpdateNodeFull(n *node.Node) error {
	if n == nil {
		return fmt.Errorf("nodedb: nil node")
	}
	return s.queueUpdate(nodeUpdate{
		nodeID: n.ID(),
		flags:  updateFlagENR | updateFlagStats,
		node:   n,
	})
}

// UpdateLastActive queues a last_active timestamp update. A node is
// active when it completed a handshake with us.
func (s *Store) UpdateLastActive(id node.ID, timestamp time.Time) error {
	return s.queueUpdate(nodeUpdate{
		nodeID:         id,
		flags:          updateFlagLastActive,
		lastActiveTime: timestamp,
	})
}

// UpdateLastSeen queues a last_seen timestamp update.
func (s *Store) UpdateLastSeen(id node.ID, timestamp time.Time) error {
	return s.queueUpdate(nodeUpdate{
		nodeID:       id,
		flags:        updateFlagLastSeen,
		lastSeenTime: timestamp,
	})
}

// queueUpdate enqueues an update, merging with a pending one for the
// same node when possible.
func (s *Store) queueUpdate(update nodeUpdate) error {
	s.updateQueueLock.Lock()
	defer s.updateQueueLock.Unlock()

	if existing, ok := s.updateQueueSet[update.nodeID]; ok {
		existing.flags |= update.flags

		if update.flags&(updateFlagENR|updateFlagStats) != 0 {
			if existing.node == nil || update.node.Record().Seq() >= existing.node.Record().Seq() {
				existing.node = update.node
			}
		}
		if update.flags&updateFlagLastActive != 0 && update.lastActiveTime.After(existing.lastActiveTime) {
			existing.lastActiveTime = update.lastActiveTime
		}
		if update.flags&updateFlagLastSeen != 0 && update.lastSeenTime.After(existing.lastSeenTime) {
			existing.lastSeenTime = update.lastSeenTime
		}

		s.statsLock.Lock()
		s.stats.MergedUpdates++
		s.statsLock.Unlock()
		return nil
	}

	s.updateQueueSet[update.nodeID] = &update

	select {
	case s.updateQueue <- update:
		return nil
	default:
		delete(s.updateQueueSet, update.nodeID)

		s.statsLock.Lock()
		s.stats.FailedUpdates++
		s.statsLock.Unlock()
		return fmt.Errorf("nodedb: update queue full")
	}
}

// processUpdateQueue drains the queue in batches until Close.
func (s *Store) processUpdateQueue() {
	defer s.wg.Done()

	batch := make([]nodeUpdate, 0, updateBatchSize)
	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			// drain whatever already made it into the channel
			for {
				select {
				case update := <-s.updateQueue:
					batch = append(batch, update)
				default:
					if len(batch) > 0 {
						s.flushBatch(batch)
					}
					return
				}
			}

		case update := <-s.updateQueue:
			batch = append(batch, update)
			if len(batch) >= updateBatchSize {
				s.flushBatch(batch)
				batch = batch[:0]
			}

		case <-ticker.C:
			if len(batch) > 0 {
				s.flushBatch(batch)
				batch = batch[:0]
			}
		}
	}
}

// flushBatch writes a batch of updates in one transaction. The pending
// set entries are read under the queue lock so merges that arrived
// after enqueueing are not lost.
func (s *Store) flushBatch(updates []nodeUpdate) {
	s.updateQueueLock.Lock()
	merged := make([]nodeUpdate, 0, len(updates))
	for _, update := range updates {
		if pending, ok := s.updateQueueSet[update.nodeID]; ok {
			merged = append(merged, *pending)
			delete(s.updateQueueSet, update.nodeID)
		}
	}
	s.updateQueueLock.Unlock()

	if len(merged) == 0 {
		return
	}

	err := s.db.RunTransaction(func(tx *sqlx.Tx) error {
		for _, update := range merged {
			s.applyUpdate(tx, update)
		}
		return nil
	})
	if err != nil {
		s.logger.WithError(err).Error("nodedb: batch commit failed")
	}

	s.statsLock.Lock()
	s.stats.ProcessedUpdates += int64(len(merged))
	s.statsLock.Unlock()
}

func (s *Store) applyUpdate(tx *sqlx.Tx, update nodeUpdate) {
	log := s.logger.WithField("nodeID", update.nodeID.Short())

	switch {
	case update.flags&updateFlagStats != 0:
		if err := s.upsertNodeTx(tx, update.node); err != nil {
			log.WithError(err).Error("nodedb: upsert failed")
			return
		}
	case update.flags&updateFlagENR != 0:
		if err := s.updateNodeENRTx(tx, update.node); err != nil {
			log.WithError(err).Error("nodedb: enr update failed")
			return
		}
	}

	if update.flags&updateFlagLastActive != 0 {
		if err := s.db.UpdateNodeLastActive(tx, update.nodeID.Bytes(), update.lastActiveTime.Unix()); err != nil {
			log.WithError(err).Error("nodedb: last_active update failed")
		}
	}
	if update.flags&updateFlagLastSeen != 0 && update.flags&updateFlagStats == 0 {
		if err := s.db.UpdateNodeLastSeen(tx, update.nodeID.Bytes(), update.lastSeenTime.Unix()); err != nil {
			log.WithError(err).Error("nodedb: last_seen update failed")
		}
	}
}

// endpointColumns extracts the address and fork columns from a record.
func endpointColumns(record *enr.Record) (ipv4 string, ipv6 string, port int, forkDigest string) {
	if ip := record.IP(); ip != nil {
		ipv4 = ip.String()
	}
	if ip := record.IP6(); ip != nil {
		ipv6 = ip.String()
	}
	port = int(record.UDP())
	if eth2, ok := record.Eth2(); ok {
		forkDigest = hex.EncodeToString(eth2.ForkDigest[:])
	}
	return
}

// updateNodeENRTx writes the record-derived columns only, keeping the
// stored counters for known nodes.
func (s *Store) updateNodeENRTx(tx *sqlx.Tx, n *node.Node) error {
	record := n.Record()
	ipv4, ipv6, port, forkDigest := endpointColumns(record)

	enrBytes, err := record.EncodeRLP()
	if err != nil {
		return fmt.Errorf("nodedb: encode record: %w", err)
	}

	id := n.ID()
	return s.db.UpdateNodeENR(tx, id.Bytes(), ipv4, ipv6, port, record.Seq(), forkDigest, enrBytes)
}

// upsertNodeTx writes the full row including counters.
func (s *Store) upsertNodeTx(tx *sqlx.Tx, n *node.Node) error {
	record := n.Record()
	ipv4, ipv6, port, forkDigest := endpointColumns(record)

	enrBytes, err := record.EncodeRLP()
	if err != nil {
		return fmt.Errorf("nodedb: encode record: %w", err)
	}

	snap := n.GetSnapshot()
	lastSeen := sql.NullInt64{}
	if !snap.LastSeen.IsZero() {
		lastSeen.Valid = true
		lastSeen.Int64 = snap.LastSeen.Unix()
	}

	id := n.ID()
	row := &NodeRow{
		NodeID:       id.Bytes(),
		IP:           ipv4,
		IPv6:         ipv6,
		Port:         port,
		Seq:          record.Seq(),
		ForkDigest:   forkDigest,
		FirstSeen:    snap.FirstSeen.Unix(),
		LastSeen:     lastSeen,
		// last_active is written only through UpdateLastActive, the
		// conflict clause leaves the stored value alone
		LastActive:   sql.NullInt64{},
		ENR:          enrBytes,
		SuccessCount: snap.SuccessCount,
		FailureCount: snap.FailureCount,
		AvgRTT:       int(snap.AvgRTT.Milliseconds()),
	}
	return s.db.UpsertNode(tx, row)
}

// Load retrieves a node by ID, rebuilding its record and counters.
func (s *Store) Load(id node.ID) (*node.Node, error) {
	row, err := s.db.GetNode(id.Bytes())
	if err == sql.ErrNoRows {
		return nil, node.ErrNodeNotFound
	}
	if err != nil {
		return nil, err
	}
	return s.buildNode(row)
}

// NodeExists reports whether a node is stored and its known sequence
// number.
func (s *Store) NodeExists(id node.ID) (bool, uint64) {
	exists, seq, err := s.db.NodeExists(id.Bytes())
	if err != nil {
		return false, 0
	}
	return exists, seq
}

// buildNode reconstructs a node from a database row.
func (s *Store) buildNode(row *NodeRow) (*node.Node, error) {
	var record enr.Record
	if err := record.DecodeRLPBytes(row.ENR); err != nil {
		return nil, fmt.Errorf("nodedb: decode record: %w", err)
	}

	n, err := node.New(&record)
	if err != nil {
		return nil, fmt.Errorf("nodedb: rebuild node: %w", err)
	}

	st := n.Stats()
	st.SetFirstSeen(time.Unix(row.FirstSeen, 0))
	if row.LastSeen.Valid {
		st.SetLastSeen(time.Unix(row.LastSeen.Int64, 0))
	}
	st.SetSuccessCount(row.SuccessCount)
	st.SetFailureCount(row.FailureCount)
	if row.AvgRTT > 0 {
		st.UpdateRTT(time.Duration(row.AvgRTT) * time.Millisecond)
	}

	s.Track(n)
	return n, nil
}

// buildNodes converts rows, skipping undecodable ones.
func (s *Store) buildNodes(rows []*NodeRow) []*node.Node {
	nodes := make([]*node.Node, 0, len(rows))
	for _, row := range rows {
		n, err := s.buildNode(row)
		if err != nil {
			s.logger.WithError(err).Debug("nodedb: skipping bad row")
			continue
		}
		nodes = append(nodes, n)
	}
	return nodes
}

// List returns all stored nodes.
func (s *Store) List() []*node.Node {
	rows, err := s.db.GetAllNodes()
	if err != nil {
		s.logger.WithError(err).Error("nodedb: list failed")
		return nil
	}
	return s.buildNodes(rows)
}

// Count returns the number of stored nodes.
func (s *Store) Count() int {
	count, err := s.db.CountNodes()
	if err != nil {
		s.logger.WithError(err).Error("nodedb: count failed")
		return 0
	}
	return count
}

// LoadRandomNodes returns up to n random stored nodes. Used to seed
// lookups after a restart.
func (s *Store) LoadRandomNodes(n int) []*node.Node {
	rows, err := s.db.GetRandomNodes(n)
	if err != nil {
		s.logger.WithError(err).Error("nodedb: random load failed")
		return nil
	}
	return s.buildNodes(rows)
}

// LoadInactiveNodes returns up to n nodes ordered by oldest activity,
// never-contacted nodes first. Used by the revisit scheduler.
func (s *Store) LoadInactiveNodes(n int) []*node.Node {
	rows, err := s.db.GetInactiveNodes(n)
	if err != nil {
		s.logger.WithError(err).Error("nodedb: inactive load failed")
		return nil
	}
	return s.buildNodes(rows)
}

// Delete removes a node row immediately, bypassing the queue.
func (s *Store) Delete(id node.ID) error {
	s.updateQueueLock.Lock()
	delete(s.updateQueueSet, id)
	s.updateQueueLock.Unlock()

	return s.db.RunTransaction(func(tx *sqlx.Tx) error {
		return s.db.DeleteNode(tx, id.Bytes())
	})
}

// PruneBefore removes nodes whose last activity is older than cutoff.
func (s *Store) PruneBefore(cutoff time.Time) (int64, error) {
	var removed int64
	err := s.db.RunTransaction(func(tx *sqlx.Tx) error {
		var err error
		removed, err = s.db.DeleteNodesBefore(tx, cutoff.Unix())
		return err
	})
	return removed, err
}

// StoreLocalENR persists the local record.
func (s *Store) StoreLocalENR(enrBytes []byte) error {
	return s.db.StoreLocalENR(enrBytes)
}

// LoadLocalENR loads the persisted local record.
func (s *Store) LoadLocalENR() ([]byte, error) {
	return s.db.LoadLocalENR()
}

// GetStats returns a snapshot of store statistics.
func (s *Store) GetStats() StoreStats {
	s.statsLock.RLock()
	st := s.stats
	s.statsLock.RUnlock()

	s.updateQueueLock.Lock()
	st.QueueSize = len(s.updateQueueSet)
	s.updateQueueLock.Unlock()

	dbStats := s.db.GetStats()
	st.Transactions = dbStats.Transactions
	st.TotalQueries = dbStats.TotalQueries
	st.OpenConnections = dbStats.OpenConnections
	return st
}

// Close flushes pending updates and stops the flush goroutine. The
// Database handle is closed by the caller.
func (s *Store) Close() error {
	s.cancel()
	s.wg.Wait()
	return nil
}

package discnode

import (
	"net"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/ethpandaops/discnodoor/enr"
	"github.com/ethpandaops/discnodoor/lookup"
	"github.com/ethpandaops/discnodoor/message"
	"github.com/ethpandaops/discnodoor/node"
)

// maxNodesPerPacket bounds the ENRs in one NODES message so the packet
// stays under the UDP size limit.
const maxNodesPerPacket = 3

// maxNodesChunks bounds the chunks accepted for one NODES response.
const maxNodesChunks = 6

// maxRequestedDistances bounds the distance list of one FINDNODE.
const maxRequestedDistances = 8

type opKind int

const (
	opPing opKind = iota + 1
	opFindNode
)

// pendingOp is the operation context of an outstanding request. The
// session layer handles retransmission; this layer correlates the
// response with the ping or lookup that caused it.
type pendingOp struct {
	kind      opKind
	requestID uint64
	dstID     node.ID
	sentAt    time.Time
	deadline  time.Time

	// lookup owns FINDNODE ops issued by a query, nil for record
	// refreshes.
	lookup *lookup.Lookup

	// NODES accumulation across chunks
	records []*enr.Record
	chunks  uint
	total   uint
}

// HandlerStats counts handled protocol events.
type HandlerStats struct {
	PingsReceived       int
	PongsReceived       int
	FindNodesReceived   int
	NodesReceived       int
	TalkRequestsReceived int
	UnsolicitedDropped  int
	SessionsEstablished int
	ChallengesAnswered  int
	RequestsFailed      int
	OpsExpired          int
}

// opTimeout is the upper-layer deadline of an operation. The session
// layer resolves every tracked request well within this, the slack
// covers handshake round trips and chunked responses.
func (s *Service) opTimeout() time.Duration {
	return s.cfg.RequestTimeout*time.Duration(s.cfg.RequestRetries+1) + 10*time.Second
}

// addOp registers an outstanding request.
func (s *Service) addOp(op *pendingOp) {
	s.mu.Lock()
	s.pending[op.requestID] = op
	s.mu.Unlock()
}

// takeOp removes and returns the operation for a response, nil when
// the response is unsolicited or from the wrong peer.
func (s *Service) takeOp(requestID uint64, srcID node.ID, kind opKind) *pendingOp {
	s.mu.Lock()
	defer s.mu.Unlock()

	op, ok := s.pending[requestID]
	if !ok || op.kind != kind || op.dstID != srcID {
		return nil
	}
	delete(s.pending, requestID)
	return op
}

// peekOp returns the operation without removing it.
func (s *Service) peekOp(requestID uint64, srcID node.ID, kind opKind) *pendingOp {
	s.mu.Lock()
	defer s.mu.Unlock()

	op, ok := s.pending[requestID]
	if !ok || op.kind != kind || op.dstID != srcID {
		return nil
	}
	return op
}

// dropOp removes an operation without resolving it.
func (s *Service) dropOp(requestID uint64) {
	s.mu.Lock()
	delete(s.pending, requestID)
	s.mu.Unlock()
}

// sendPing sends a liveness check to a table node.
func (s *Service) sendPing(n *node.Node) {
	reqID, err := message.NewRequestID()
	if err != nil {
		return
	}

	now := time.Now()
	s.addOp(&pendingOp{
		kind:      opPing,
		requestID: reqID,
		dstID:     n.ID(),
		sentAt:    now,
		deadline:  now.Add(s.opTimeout()),
	})
	n.SetLastPing(now)

	ping := &message.Ping{ReqID: reqID, ENRSeq: s.localRecord.Seq()}
	if err := s.sessions.SendRequest(n.Record(), ping); err != nil {
		s.dropOp(reqID)
		n.IncrementFailureCount()
		s.logger.WithError(err).WithField("id", n.ID().Short()).Debug("discnode: ping send failed")
	}
}

// requestRecord asks a peer for its own record after it advertised a
// newer sequence number. Needs a trusted session, failure is fine.
func (s *Service) requestRecord(srcID node.ID, from *net.UDPAddr) {
	reqID, err := message.NewRequestID()
	if err != nil {
		return
	}

	now := time.Now()
	s.addOp(&pendingOp{
		kind:      opFindNode,
		requestID: reqID,
		dstID:     srcID,
		sentAt:    now,
		deadline:  now.Add(s.opTimeout()),
	})

	fn := &message.FindNode{ReqID: reqID, Distances: []uint{0}}
	if err := s.sessions.SendRequestUnknownENR(from, srcID, fn); err != nil {
		s.dropOp(reqID)
	}
}

// onEstablished handles a new or re-trusted session: the peer proved
// its key and endpoint, so its record enters the table.
func (s *Service) onEstablished(record *enr.Record) {
	n, err := node.New(record)
	if err != nil {
		return
	}

	s.mu.Lock()
	s.counters.SessionsEstablished++
	s.mu.Unlock()

	n.SetLastSeen(time.Now())
	s.table.Add(n)

	if s.store != nil {
		if err := s.store.UpdateNodeENR(n); err != nil {
			s.logger.WithError(err).WithField("id", n.ID().Short()).Debug("discnode: failed to queue node update")
		}
	}
}

// onMessage dispatches a decoded inbound message.
func (s *Service) onMessage(srcID node.ID, from *net.UDPAddr, msg message.Message) {
	now := time.Now()
	if n := s.table.Get(srcID); n != nil {
		n.SetLastSeen(now)
	}
	if s.store != nil {
		s.store.UpdateLastActive(srcID, now)
	}

	switch m := msg.(type) {
	case *message.Ping:
		s.handlePing(srcID, from, m)
	case *message.Pong:
		s.handlePong(srcID, from, m)
	case *message.FindNode:
		s.handleFindNode(srcID, from, m)
	case *message.Nodes:
		s.handleNodes(srcID, from, m)
	case *message.TalkReq:
		s.handleTalkReq(srcID, from, m)
	default:
		s.logger.WithFields(logrus.Fields{
			"id":   srcID.Short(),
			"type": msg.Type(),
		}).Debug("discnode: ignoring unhandled message type")
	}
}

// handlePing answers with a PONG reporting the observed endpoint.
func (s *Service) handlePing(srcID node.ID, from *net.UDPAddr, m *message.Ping) {
	s.mu.Lock()
	s.counters.PingsReceived++
	s.mu.Unlock()

	ip := from.IP.To4()
	if ip == nil {
		ip = from.IP.To16()
	}

	pong := &message.Pong{
		ReqID:  m.ReqID,
		ENRSeq: s.localRecord.Seq(),
		IP:     ip,
		Port:   uint16(from.Port),
	}
	if err := s.sessions.SendResponse(from, srcID, pong); err != nil {
		s.logger.WithError(err).WithField("id", srcID.Short()).Debug("discnode: pong send failed")
		return
	}

	s.maybeRefreshRecord(srcID, from, m.ENRSeq)
}

// handlePong resolves an outstanding liveness check.
func (s *Service) handlePong(srcID node.ID, from *net.UDPAddr, m *message.Pong) {
	op := s.takeOp(m.ReqID, srcID, opPing)
	if op == nil {
		s.mu.Lock()
		s.counters.UnsolicitedDropped++
		s.mu.Unlock()
		return
	}

	s.mu.Lock()
	s.counters.PongsReceived++
	s.mu.Unlock()

	if n := s.table.Get(srcID); n != nil {
		n.UpdateRTT(time.Since(op.sentAt))
		n.ResetFailureCount()
	}

	s.maybeRefreshRecord(srcID, from, m.ENRSeq)
}

// maybeRefreshRecord requests the peer's record when it advertises a
// newer sequence number than the one we hold.
func (s *Service) maybeRefreshRecord(srcID node.ID, from *net.UDPAddr, advertised uint64) {
	n := s.table.Get(srcID)
	if n == nil || advertised <= n.Record().Seq() {
		return
	}
	s.requestRecord(srcID, from)
}

// handleFindNode answers with the table content at the requested
// distances, filtered and chunked.
func (s *Service) handleFindNode(srcID node.ID, from *net.UDPAddr, m *message.FindNode) {
	s.mu.Lock()
	s.counters.FindNodesReceived++
	s.mu.Unlock()

	records := s.collectNodes(from, m.Distances)
	s.sendNodes(srcID, from, m.ReqID, records)
}

// collectNodes gathers the response records for a FINDNODE: the local
// record for distance 0, bucket contents otherwise. The response
// filter drops records the requester should not learn.
func (s *Service) collectNodes(from *net.UDPAddr, distances []uint) []*enr.Record {
	if len(distances) > maxRequestedDistances {
		distances = distances[:maxRequestedDistances]
	}

	limit := s.cfg.LookupNumResults
	seen := make(map[node.ID]bool)
	records := make([]*enr.Record, 0, limit)

	for _, dist := range distances {
		if len(records) >= limit {
			break
		}

		if dist == 0 {
			if !seen[s.localID] {
				seen[s.localID] = true
				records = append(records, s.localRecord)
			}
			continue
		}

		for _, n := range s.table.NodesAtDistance(dist, limit-len(records)) {
			if seen[n.ID()] {
				continue
			}
			seen[n.ID()] = true

			record := n.Record()
			if s.responseFilter != nil && !s.responseFilter(from, record) {
				continue
			}
			records = append(records, record)
		}
	}

	return records
}

// sendNodes transmits the records as a sequence of NODES chunks. An
// empty result still gets one chunk so the requester sees an answer.
func (s *Service) sendNodes(srcID node.ID, from *net.UDPAddr, reqID uint64, records []*enr.Record) {
	total := uint(len(records)+maxNodesPerPacket-1) / maxNodesPerPacket
	if total == 0 {
		total = 1
	}

	for i := 0; i < len(records) || i == 0; i += maxNodesPerPacket {
		end := i + maxNodesPerPacket
		if end > len(records) {
			end = len(records)
		}

		chunk := &message.Nodes{ReqID: reqID, Total: total}
		if err := chunk.SetRecords(records[i:end]); err != nil {
			s.logger.WithError(err).Debug("discnode: failed to encode NODES chunk")
			return
		}
		if err := s.sessions.SendResponse(from, srcID, chunk); err != nil {
			s.logger.WithError(err).WithField("id", srcID.Short()).Debug("discnode: NODES send failed")
			return
		}
	}
}

// handleNodes accumulates response chunks and resolves the FINDNODE
// operation once all announced chunks arrived.
func (s *Service) handleNodes(srcID node.ID, from *net.UDPAddr, m *message.Nodes) {
	op := s.peekOp(m.ReqID, srcID, opFindNode)
	if op == nil {
		s.mu.Lock()
		s.counters.UnsolicitedDropped++
		s.mu.Unlock()
		return
	}

	decoded := m.DecodeRecords()

	s.mu.Lock()
	s.counters.NodesReceived++

	if op.total == 0 {
		op.total = m.Total
		if op.total == 0 {
			op.total = 1
		}
		if op.total > maxNodesChunks {
			op.total = maxNodesChunks
		}
	}
	op.chunks++

	for _, record := range decoded {
		if record.UDPEndpoint() == nil {
			continue
		}
		op.records = append(op.records, record)
	}

	done := op.chunks >= op.total
	if done {
		delete(s.pending, op.requestID)
	}
	s.mu.Unlock()

	if done {
		s.finishFindNode(op, true)
	}
}

// finishFindNode resolves a FINDNODE operation. Partial results from a
// timed-out chunk sequence still count as progress.
func (s *Service) finishFindNode(op *pendingOp, complete bool) {
	if op.lookup != nil {
		if complete || len(op.records) > 0 {
			op.lookup.OnSuccess(op.dstID, op.records)
		} else {
			op.lookup.OnFailure(op.dstID)
		}
		return
	}

	// record refresh: adopt the peer's own record if it is newer
	for _, record := range op.records {
		id, err := node.IDFromBytes(record.NodeID())
		if err != nil || id != op.dstID {
			continue
		}
		if n := s.table.Get(op.dstID); n != nil && n.UpdateENR(record) {
			if s.store != nil {
				s.store.UpdateNodeENR(n)
			}
		}
	}
}

// handleTalkReq answers application requests with an empty response,
// no talk protocols are registered.
func (s *Service) handleTalkReq(srcID node.ID, from *net.UDPAddr, m *message.TalkReq) {
	s.mu.Lock()
	s.counters.TalkRequestsReceived++
	s.mu.Unlock()

	resp := &message.TalkResp{ReqID: m.ReqID}
	if err := s.sessions.SendResponse(from, srcID, resp); err != nil {
		s.logger.WithError(err).WithField("id", srcID.Short()).Debug("discnode: talk response send failed")
	}
}

// onWhoAreYouRequest answers a challenge request from the session
// layer with the highest ENR sequence known for the peer.
func (s *Service) onWhoAreYouRequest(srcID node.ID, from *net.UDPAddr, authTag []byte) {
	s.mu.Lock()
	s.counters.ChallengesAnswered++
	s.mu.Unlock()

	var (
		seq    uint64
		record *enr.Record
	)
	if n := s.table.Get(srcID); n != nil {
		record = n.Record()
		seq = record.Seq()
	} else if s.store != nil {
		if stored, err := s.store.Load(srcID); err == nil {
			record = stored.Record()
			seq = record.Seq()
		}
	}

	if err := s.sessions.SendWhoAreYou(from, srcID, seq, record, authTag); err != nil {
		s.logger.WithError(err).WithField("id", srcID.Short()).Debug("discnode: challenge send failed")
	}
}

// onRequestFailed resolves an operation whose request ran out of
// retries or whose handshake was abandoned.
func (s *Service) onRequestFailed(dstID node.ID, requestID uint64) {
	s.mu.Lock()
	s.counters.RequestsFailed++
	op, ok := s.pending[requestID]
	if ok && op.dstID == dstID {
		delete(s.pending, requestID)
	} else {
		op = nil
	}
	s.mu.Unlock()

	if op == nil {
		return
	}
	s.failOp(op)
}

// failOp applies the failure outcome of an operation.
func (s *Service) failOp(op *pendingOp) {
	switch op.kind {
	case opPing:
		if n := s.table.Get(op.dstID); n != nil {
			n.IncrementFailureCount()
		}
	case opFindNode:
		s.finishFindNode(op, false)
	}
}

// sweepPending expires operations whose responses never completed,
// such as a chunked NODES answer that stalled halfway.
func (s *Service) sweepPending() {
	now := time.Now()

	s.mu.Lock()
	var expired []*pendingOp
	for id, op := range s.pending {
		if now.After(op.deadline) {
			delete(s.pending, id)
			expired = append(expired, op)
		}
	}
	s.counters.OpsExpired += len(expired)
	s.mu.Unlock()

	for _, op := range expired {
		s.failOp(op)
	}
}

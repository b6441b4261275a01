package discnode

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/ethpandaops/discnodoor/enr"
	"github.com/ethpandaops/discnodoor/lookup"
	"github.com/ethpandaops/discnodoor/message"
	"github.com/ethpandaops/discnodoor/node"
	"github.com/ethpandaops/discnodoor/table"
)

// ErrNoSeeds means a lookup could not start because the table holds no
// candidates.
var ErrNoSeeds = fmt.Errorf("discnode: no seed nodes for lookup")

// FindNode runs an iterative lookup for target and returns the closest
// node ids found, nearest first. A lookup already running for the same
// target is joined instead of duplicated.
func (s *Service) FindNode(ctx context.Context, target node.ID) ([]node.ID, error) {
	ch := make(chan []node.ID, 1)

	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil, ErrNotRunning
	}
	stopCh := s.stopCh
	s.waiters[target] = append(s.waiters[target], ch)
	s.mu.Unlock()

	if s.startLookup(target) == nil {
		s.mu.Lock()
		delete(s.waiters, target)
		s.mu.Unlock()
		return nil, ErrNoSeeds
	}

	select {
	case closest := <-ch:
		return closest, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-stopCh:
		return nil, ErrNotRunning
	}
}

// startLookup begins a lookup for target unless one is already
// running. Returns nil when the service is stopped or the table is
// empty.
func (s *Service) startLookup(target node.ID) *lookup.Lookup {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	if existing, ok := s.lookups[target]; ok {
		s.mu.Unlock()
		return existing
	}
	s.mu.Unlock()

	seedNodes := s.table.FindClosest(target, s.cfg.LookupNumResults)
	seeds := make([]node.ID, 0, len(seedNodes))
	for _, n := range seedNodes {
		seeds = append(seeds, n.ID())
	}
	if len(seeds) == 0 {
		s.logger.WithField("target", target.Short()).Debug("discnode: lookup without seeds skipped")
		return nil
	}

	var l *lookup.Lookup
	l = lookup.New(lookup.Config{
		Target:               target,
		Seeds:                seeds,
		Parallelism:          s.cfg.LookupParallelism,
		NumResults:           s.cfg.LookupNumResults,
		MaxIterationsPerPeer: s.cfg.LookupIterations,
		OnPeer:               func(p *lookup.Peer) { s.contactPeer(l, p) },
		OnFinished:           func(closest []node.ID) { s.lookupFinished(target, closest) },
		Logger:               s.logger,
	})

	s.mu.Lock()
	if existing, ok := s.lookups[target]; ok {
		s.mu.Unlock()
		return existing
	}
	s.lookups[target] = l
	s.mu.Unlock()

	s.logger.WithFields(logrus.Fields{
		"target": target.Short(),
		"seeds":  len(seeds),
	}).Debug("discnode: lookup started")

	l.Start()
	return l
}

// lookupFinished clears the finished lookup and wakes its waiters.
func (s *Service) lookupFinished(target node.ID, closest []node.ID) {
	s.mu.Lock()
	delete(s.lookups, target)
	waiting := s.waiters[target]
	delete(s.waiters, target)
	s.mu.Unlock()

	s.logger.WithFields(logrus.Fields{
		"target": target.Short(),
		"found":  len(closest),
	}).Debug("discnode: lookup finished")

	for _, ch := range waiting {
		ch <- closest
	}
}

// contactPeer issues the FINDNODE a lookup asked for.
func (s *Service) contactPeer(l *lookup.Lookup, p *lookup.Peer) {
	record := s.resolveRecord(l, p)
	if record == nil {
		l.OnFailure(p.ID)
		return
	}

	reqID, err := message.NewRequestID()
	if err != nil {
		l.OnFailure(p.ID)
		return
	}

	now := time.Now()
	s.addOp(&pendingOp{
		kind:      opFindNode,
		requestID: reqID,
		dstID:     p.ID,
		sentAt:    now,
		deadline:  now.Add(s.opTimeout()),
		lookup:    l,
	})

	fn := &message.FindNode{ReqID: reqID, Distances: lookupDistances(l.Target(), p.ID)}
	if err := s.sessions.SendRequest(record, fn); err != nil {
		s.dropOp(reqID)
		l.OnFailure(p.ID)
	}
}

// resolveRecord finds the best known record for a lookup candidate:
// the table copy when present, otherwise the record the candidate was
// discovered with.
func (s *Service) resolveRecord(l *lookup.Lookup, p *lookup.Peer) *enr.Record {
	if n := s.table.Get(p.ID); n != nil {
		return n.Record()
	}
	if p.Record != nil {
		return p.Record
	}
	if record, ok := l.ENR(p.ID); ok {
		return record
	}
	return nil
}

// lookupDistances returns the wire distances to request from a peer:
// the peer's distance to the target first, then the adjacent buckets.
func lookupDistances(target, peerID node.ID) []uint {
	base := node.LogDistance(peerID, target) + 1
	if base < 1 {
		// the peer is the target, ask for its own record
		return []uint{0}
	}

	dists := []uint{uint(base)}
	for i := 1; len(dists) < 3; i++ {
		lower := base-i >= 1
		upper := base+i <= table.NumBuckets
		if upper {
			dists = append(dists, uint(base+i))
		}
		if lower && len(dists) < 3 {
			dists = append(dists, uint(base-i))
		}
		if !lower && !upper {
			break
		}
	}
	return dists
}

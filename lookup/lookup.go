// Package lookup implements iterative Kademlia-style closest-node
// searches.
//
// A Lookup is a per-query state machine driven entirely by its owner:
// the owner issues a FINDNODE for every peer the lookup emits and
// feeds responses back through OnSuccess and OnFailure. The lookup
// itself never touches the network, which keeps the search logic
// independent of the session and transport layers.
package lookup

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/ethpandaops/discnodoor/enr"
	"github.com/ethpandaops/discnodoor/node"
)

// DefaultParallelism is the number of concurrent requests while the
// lookup is making progress (Kademlia alpha).
const DefaultParallelism = 3

// DefaultNumResults is the number of closest nodes a lookup returns
// (Kademlia k).
const DefaultNumResults = 16

// DefaultMaxIterationsPerPeer bounds how many FINDNODE rounds a single
// peer is asked for.
const DefaultMaxIterationsPerPeer = 3

// PeerState is the query-local state of a single peer.
type PeerState int

const (
	// NotContacted means the peer is known but no request was issued.
	NotContacted PeerState = iota

	// PendingIteration means the peer answered and is scheduled for
	// another round.
	PendingIteration

	// Waiting means a request to the peer is in flight.
	Waiting

	// Succeeded means the peer returned at least numResults records, or
	// completed all its rounds with at least one useful answer.
	Succeeded

	// Failed means the peer timed out or returned nothing.
	Failed
)

// String returns the peer state name for log output.
func (s PeerState) String() string {
	switch s {
	case NotContacted:
		return "not-contacted"
	case PendingIteration:
		return "pending-iteration"
	case Waiting:
		return "waiting"
	case Succeeded:
		return "succeeded"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// State is the overall state of a lookup.
type State int

const (
	// Iterating means the lookup is making progress toward the target.
	Iterating State = iota

	// Stalled means no closer peers have been found for a while; the
	// lookup widens its parallelism to flush the remaining candidates.
	Stalled

	// Finished means the lookup has terminated and emitted its result.
	Finished
)

// String returns the lookup state name for log output.
func (s State) String() string {
	switch s {
	case Iterating:
		return "iterating"
	case Stalled:
		return "stalled"
	case Finished:
		return "finished"
	default:
		return "unknown"
	}
}

// Peer is a candidate tracked by a lookup.
type Peer struct {
	// ID is the peer's node id.
	ID node.ID

	// Record is the ENR the peer was discovered with, nil for seeds
	// the owner already knows.
	Record *enr.Record

	// iteration counts the FINDNODE rounds issued to this peer,
	// starting at 1.
	iteration int

	// peersReturned is the total number of peers this peer returned
	// across all its rounds.
	peersReturned int

	state PeerState
}

// State returns the peer's query-local state.
func (p *Peer) State() PeerState {
	return p.state
}

// Config contains the configuration for a single lookup.
type Config struct {
	// Target is the node id being searched for.
	Target node.ID

	// Seeds are the initial candidates, typically the closest entries
	// of the routing table. At most NumResults are used.
	Seeds []node.ID

	// Parallelism is the concurrent request bound while iterating
	// (default 3).
	Parallelism int

	// NumResults is the number of closest nodes to find (default 16).
	NumResults int

	// MaxIterationsPerPeer bounds the rounds per peer (default 3).
	MaxIterationsPerPeer int

	// OnPeer is called for every peer the lookup wants contacted. The
	// owner issues the FINDNODE and reports back via OnSuccess or
	// OnFailure.
	OnPeer func(*Peer)

	// OnFinished is called exactly once with the closest found node
	// ids, nearest first.
	OnFinished func([]node.ID)

	// Logger for debug messages
	Logger logrus.FieldLogger
}

// Lookup is a single iterative closest-node query.
//
// All exported methods are safe for concurrent use. Callbacks fire
// after the internal lock is released, so they may call back into the
// lookup.
type Lookup struct {
	target node.ID

	parallelism   int
	numResults    int
	maxIterations int

	onPeer     func(*Peer)
	onFinished func([]node.ID)
	logger     logrus.FieldLogger

	mu sync.Mutex

	state State

	// peers holds every known candidate ordered by ascending distance
	// to the target; known indexes the same set by id.
	peers []*Peer
	known map[node.ID]*Peer

	// untrustedEnrs caches records discovered during the query whose
	// endpoints have not been verified yet.
	untrustedEnrs map[node.ID]*enr.Record

	numWaiting int
	noProgress int

	startedAt time.Time
}

// New creates a lookup seeded with the given candidates. The lookup
// does nothing until Start is called.
func New(cfg Config) *Lookup {
	if cfg.Parallelism <= 0 {
		cfg.Parallelism = DefaultParallelism
	}
	if cfg.NumResults <= 0 {
		cfg.NumResults = DefaultNumResults
	}
	if cfg.MaxIterationsPerPeer <= 0 {
		cfg.MaxIterationsPerPeer = DefaultMaxIterationsPerPeer
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.New()
	}

	l := &Lookup{
		target:        cfg.Target,
		parallelism:   cfg.Parallelism,
		numResults:    cfg.NumResults,
		maxIterations: cfg.MaxIterationsPerPeer,
		onPeer:        cfg.OnPeer,
		onFinished:    cfg.OnFinished,
		logger:        cfg.Logger,
		state:         Iterating,
		known:         make(map[node.ID]*Peer),
		untrustedEnrs: make(map[node.ID]*enr.Record),
	}

	seeds := node.FindClosest(cfg.Target, cfg.Seeds, cfg.NumResults)
	for _, id := range seeds {
		l.insert(id, nil)
	}
	return l
}

// Target returns the id being searched for.
func (l *Lookup) Target() node.ID {
	return l.target
}

// State returns the current lookup state.
func (l *Lookup) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// ENR returns the unverified record a peer was discovered with, if
// any. Seed peers have no record here.
func (l *Lookup) ENR(id node.ID) (*enr.Record, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	record, ok := l.untrustedEnrs[id]
	return record, ok
}

// Start begins issuing requests up to the parallelism bound.
func (l *Lookup) Start() {
	l.mu.Lock()
	l.startedAt = time.Now()

	l.logger.WithFields(logrus.Fields{
		"target": l.target,
		"seeds":  len(l.peers),
	}).Debug("lookup: starting")

	emits := l.nextPeer()
	l.mu.Unlock()

	l.fire(emits)
}

// Stop terminates the lookup. The finished callback fires with the
// closest nodes found so far, unless it already fired.
func (l *Lookup) Stop() {
	l.mu.Lock()
	var emits emissions
	l.terminate(&emits)
	l.mu.Unlock()

	l.fire(emits)
}

// OnSuccess reports a peer's answer to the lookup. closerPeers holds
// the records the peer returned; invalid records must be filtered out
// by the caller beforehand.
func (l *Lookup) OnSuccess(id node.ID, closerPeers []*enr.Record) {
	l.mu.Lock()
	if l.state == Finished {
		l.mu.Unlock()
		return
	}

	var emits emissions

	peer, known := l.known[id]
	if known && peer.state == Waiting {
		l.numWaiting--
		peer.peersReturned += len(closerPeers)

		switch {
		case peer.peersReturned >= l.numResults:
			peer.state = Succeeded
		case peer.iteration == l.maxIterations:
			if peer.peersReturned > 0 {
				peer.state = Succeeded
			} else {
				peer.state = Failed
			}
		default:
			peer.iteration++
			peer.state = PendingIteration
		}
	}

	progress := false
	for _, record := range closerPeers {
		pubkey := record.PublicKey()
		if pubkey == nil {
			continue
		}
		peerID := node.PubkeyToID(pubkey)
		if _, exists := l.known[peerID]; exists {
			continue
		}

		knownBefore := len(l.peers)
		inserted := l.insert(peerID, record)
		if inserted == l.peers[0] || knownBefore < l.numResults {
			progress = true
		}
	}

	switch l.state {
	case Iterating:
		if progress {
			l.noProgress = 0
		} else {
			l.noProgress++
		}
		if l.noProgress >= l.parallelism*l.maxIterations {
			l.logger.WithFields(logrus.Fields{
				"target":     l.target,
				"noProgress": l.noProgress,
			}).Debug("lookup: stalled")
			l.state = Stalled
		}
	case Stalled:
		if progress {
			l.logger.WithField("target", l.target).Debug("lookup: recovered from stall")
			l.state = Iterating
			l.noProgress = 0
		}
	}

	more := l.nextPeer()
	emits.peers = append(emits.peers, more.peers...)
	emits.finished = more.finished
	emits.results = more.results
	l.mu.Unlock()

	l.fire(emits)
}

// OnFailure reports that a peer's request timed out or errored.
func (l *Lookup) OnFailure(id node.ID) {
	l.mu.Lock()
	if l.state == Finished {
		l.mu.Unlock()
		return
	}

	var emits emissions

	if peer, ok := l.known[id]; ok && peer.state == Waiting {
		peer.state = Failed
		l.numWaiting--
	}

	more := l.nextPeer()
	emits.peers = append(emits.peers, more.peers...)
	emits.finished = more.finished
	emits.results = more.results
	l.mu.Unlock()

	l.fire(emits)
}

// emissions collects the callbacks to fire after the lock is
// released.
type emissions struct {
	peers    []*Peer
	finished bool
	results  []node.ID
}

// fire invokes the collected callbacks.
func (l *Lookup) fire(emits emissions) {
	if l.onPeer != nil {
		for _, peer := range emits.peers {
			l.onPeer(peer)
		}
	}
	if emits.finished && l.onFinished != nil {
		l.onFinished(emits.results)
	}
}

// atCapacity reports whether no further request may be issued in the
// current state.
func (l *Lookup) atCapacity() bool {
	switch l.state {
	case Stalled:
		return l.numWaiting >= l.numResults
	case Finished:
		return true
	default:
		return l.numWaiting >= l.parallelism
	}
}

// nextPeer walks the candidates in ascending distance, issuing
// requests to eligible peers until the parallelism bound is hit. A
// peer still waiting blocks termination because it may yet return
// something closer than every result so far. When numResults peers
// closer than every in-flight request have succeeded, the lookup is
// done.
func (l *Lookup) nextPeer() emissions {
	var emits emissions

	resultCounter := 0
	for _, peer := range l.peers {
		switch peer.state {
		case NotContacted, PendingIteration:
			if l.atCapacity() {
				return emits
			}
			peer.state = Waiting
			l.numWaiting++
			if peer.iteration == 0 {
				peer.iteration = 1
			}
			emits.peers = append(emits.peers, peer)

		case Waiting:
			resultCounter = -1

		case Succeeded:
			if resultCounter >= 0 {
				resultCounter++
				if resultCounter == l.numResults {
					l.terminate(&emits)
					return emits
				}
			}
		}
	}

	if l.numWaiting == 0 {
		l.terminate(&emits)
	}
	return emits
}

// terminate moves the lookup to Finished and collects the result set,
// unless it already finished.
func (l *Lookup) terminate(emits *emissions) {
	if l.state == Finished {
		return
	}
	l.state = Finished

	results := make([]node.ID, 0, l.numResults)
	for _, peer := range l.peers {
		if peer.state != Succeeded {
			continue
		}
		results = append(results, peer.ID)
		if len(results) == l.numResults {
			break
		}
	}

	l.logger.WithFields(logrus.Fields{
		"target":   l.target,
		"results":  len(results),
		"known":    len(l.peers),
		"duration": time.Since(l.startedAt),
	}).Debug("lookup: finished")

	emits.finished = true
	emits.results = results
}

// insert adds a candidate at its distance position, keeping peers
// sorted nearest first. Records of discovered peers are cached as
// untrusted until the owner verifies them.
func (l *Lookup) insert(id node.ID, record *enr.Record) *Peer {
	peer := &Peer{
		ID:     id,
		Record: record,
		state:  NotContacted,
	}

	pos := len(l.peers)
	for i, existing := range l.peers {
		if node.CloserTo(l.target, id, existing.ID) {
			pos = i
			break
		}
	}

	l.peers = append(l.peers, nil)
	copy(l.peers[pos+1:], l.peers[pos:])
	l.peers[pos] = peer
	l.known[id] = peer

	if record != nil {
		l.untrustedEnrs[id] = record
	}
	return peer
}

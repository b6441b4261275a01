package netconfig

import (
	"net"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/ethpandaops/discnodoor/enr"
)

// DefaultGracePeriod is how long records on the previous fork stay
// eligible for FINDNODE responses after a fork activates.
const DefaultGracePeriod = 60 * time.Minute

// ForkFilter is a fork-digest aware record filter. The admission side
// accepts any digest the network has used or has scheduled, so stale-but-real nodes
// stay in the table and get their records refreshed by pings. The
// response side only advertises nodes on the current fork or within the
// grace period of the previous one.
type ForkFilter struct {
	config      *Config
	gracePeriod time.Duration
	logger      logrus.FieldLogger

	mu            sync.RWMutex
	currentDigest ForkDigest
	oldDigests    map[ForkDigest]time.Time
	knownDigests  map[ForkDigest]bool
	lastUpdate    time.Time

	totalChecks       int
	acceptedCurrent   int
	acceptedOld       int
	acceptedKnown     int
	rejectedUnknown   int
	rejectedNoEth2    int
}

// NewForkFilter creates a filter tracking the config's fork schedule.
func NewForkFilter(config *Config, gracePeriod time.Duration, logger logrus.FieldLogger) *ForkFilter {
	if gracePeriod <= 0 {
		gracePeriod = DefaultGracePeriod
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	known := make(map[ForkDigest]bool)
	for _, info := range config.AllForkDigests() {
		known[info.Digest] = true
	}

	return &ForkFilter{
		config:        config,
		gracePeriod:   gracePeriod,
		logger:        logger,
		currentDigest: config.CurrentForkDigest(),
		oldDigests:    make(map[ForkDigest]time.Time),
		knownDigests:  known,
		lastUpdate:    time.Now(),
	}
}

// recordDigest extracts the fork digest of a record, false when the
// record has no usable eth2 entry.
func recordDigest(record *enr.Record) (ForkDigest, bool) {
	data, ok := record.Eth2()
	if !ok {
		return ForkDigest{}, false
	}
	return ForkDigest(data.ForkDigest), true
}

// AdmissionFilter returns the routing table admission filter.
func (f *ForkFilter) AdmissionFilter() enr.Filter {
	return func(record *enr.Record) bool {
		digest, ok := recordDigest(record)

		f.mu.Lock()
		defer f.mu.Unlock()
		f.totalChecks++

		if !ok {
			f.rejectedNoEth2++
			return false
		}

		switch {
		case digest == f.currentDigest:
			f.acceptedCurrent++
			return true
		case f.withinGracePeriod(digest):
			f.acceptedOld++
			return true
		case f.knownDigests[digest]:
			f.acceptedKnown++
			return true
		default:
			f.rejectedUnknown++
			f.logger.WithFields(logrus.Fields{
				"digest":  digest.String(),
				"current": f.currentDigest.String(),
			}).Debug("netconfig: unknown fork digest")
			return false
		}
	}
}

// ResponseFilter returns the FINDNODE response filter. Only nodes on
// the current fork or the grace-period fork are advertised.
func (f *ForkFilter) ResponseFilter() enr.ResponseFilter {
	return func(requester *net.UDPAddr, record *enr.Record) bool {
		digest, ok := recordDigest(record)
		if !ok {
			return false
		}

		f.mu.RLock()
		defer f.mu.RUnlock()

		if digest == f.currentDigest {
			return true
		}
		return f.withinGracePeriod(digest)
	}
}

// withinGracePeriod must hold at least the read lock.
func (f *ForkFilter) withinGracePeriod(digest ForkDigest) bool {
	activated, ok := f.oldDigests[digest]
	return ok && time.Since(activated) <= f.gracePeriod
}

// Update recomputes the current digest. On a fork activation the old
// digest moves into grace-period tracking. Call periodically.
func (f *ForkFilter) Update() {
	newDigest := f.config.CurrentForkDigest()

	f.mu.Lock()
	defer f.mu.Unlock()

	if newDigest != f.currentDigest {
		f.oldDigests[f.currentDigest] = time.Now()
		f.logger.WithFields(logrus.Fields{
			"old": f.currentDigest.String(),
			"new": newDigest.String(),
		}).Info("netconfig: fork activated")
		f.currentDigest = newDigest
		f.lastUpdate = time.Now()
	}

	now := time.Now()
	for digest, activated := range f.oldDigests {
		if now.Sub(activated) > f.gracePeriod {
			delete(f.oldDigests, digest)
		}
	}
}

// Run updates the filter on the given interval until ctx-style stop.
func (f *ForkFilter) Run(interval time.Duration, stop <-chan struct{}) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			f.Update()
		case <-stop:
			return
		}
	}
}

// CurrentDigest returns the digest the filter currently expects.
func (f *ForkFilter) CurrentDigest() ForkDigest {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.currentDigest
}

// CurrentForkName returns the name of the active fork.
func (f *ForkFilter) CurrentForkName() string {
	f.mu.RLock()
	current := f.currentDigest
	f.mu.RUnlock()

	for _, info := range f.config.AllForkDigests() {
		if info.Digest == current {
			return info.Name
		}
	}
	return "phase0"
}

// NetworkName returns the configured network name.
func (f *ForkFilter) NetworkName() string {
	return f.config.ConfigName
}

// Eth2Entry builds the eth2 ENR entry for the local record: the
// current digest plus next fork placeholders.
func (f *ForkFilter) Eth2Entry() enr.Eth2ENRData {
	f.mu.RLock()
	current := f.currentDigest
	f.mu.RUnlock()

	return enr.Eth2ENRData{
		ForkDigest:      current,
		NextForkVersion: [4]byte{0xff, 0xff, 0xff, 0xff},
		NextForkEpoch:   FarFutureEpoch,
	}
}

// Stats is a snapshot of filter decisions.
type Stats struct {
	TotalChecks     int
	AcceptedCurrent int
	AcceptedOld     int
	AcceptedKnown   int
	RejectedUnknown int
	RejectedNoEth2  int
	CurrentDigest   string
	OldDigests      int
	LastUpdate      time.Time
}

// GetStats returns a snapshot of filter statistics.
func (f *ForkFilter) GetStats() Stats {
	f.mu.RLock()
	defer f.mu.RUnlock()

	return Stats{
		TotalChecks:     f.totalChecks,
		AcceptedCurrent: f.acceptedCurrent,
		AcceptedOld:     f.acceptedOld,
		AcceptedKnown:   f.acceptedKnown,
		RejectedUnknown: f.rejectedUnknown,
		RejectedNoEth2:  f.rejectedNoEth2,
		CurrentDigest:   f.currentDigest.String(),
		OldDigests:      len(f.oldDigests),
		LastUpdate:      f.lastUpdate,
	}
}

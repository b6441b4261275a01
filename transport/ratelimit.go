package transport

import (
	"net"
	"sync"
	"time"
)

// bucketIdleTTL is how long an IP's token bucket survives without
// traffic before it is pruned.
const bucketIdleTTL = 10 * time.Minute

// rateLimiter enforces a per-IP packet rate with token buckets. Each
// IP refills at the configured rate and may burst up to one full
// bucket.
type rateLimiter struct {
	rate float64

	mu        sync.Mutex
	buckets   map[string]*tokenBucket
	lastPrune time.Time
}

type tokenBucket struct {
	tokens   float64
	lastSeen time.Time
}

func newRateLimiter(rate int) *rateLimiter {
	return &rateLimiter{
		rate:      float64(rate),
		buckets:   make(map[string]*tokenBucket),
		lastPrune: time.Now(),
	}
}

// allow consumes one token for the IP, reporting whether the packet
// may be processed. Idle buckets are pruned opportunistically, so no
// background goroutine is needed.
func (rl *rateLimiter) allow(ip net.IP) bool {
	if ip == nil {
		return false
	}

	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	if now.Sub(rl.lastPrune) > bucketIdleTTL {
		for key, b := range rl.buckets {
			if now.Sub(b.lastSeen) > bucketIdleTTL {
				delete(rl.buckets, key)
			}
		}
		rl.lastPrune = now
	}

	key := ip.String()
	b, ok := rl.buckets[key]
	if !ok {
		b = &tokenBucket{tokens: rl.rate, lastSeen: now}
		rl.buckets[key] = b
	}

	b.tokens += now.Sub(b.lastSeen).Seconds() * rl.rate
	if b.tokens > rl.rate {
		b.tokens = rl.rate
	}
	b.lastSeen = now

	if b.tokens < 1 {
		return false
	}
	b.tokens--
	return true
}

// trackedIPs returns how many IPs currently hold a bucket.
func (rl *rateLimiter) trackedIPs() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.buckets)
}

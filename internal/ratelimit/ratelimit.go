// Package ratelimit implements the per-IP connection and
// per-(roomId, clientId) message token buckets the relay enforces
// (spec.md §4.10), built on golang.org/x/time/rate. Inactive buckets are
// garbage-collected on a schedule so a transient flood of distinct keys
// does not leak memory.
package ratelimit

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Keyed is a set of independent token buckets addressed by a string key
// (an IP address or a "roomId:clientId" pair), each created lazily on
// first use with a shared rate/burst configuration.
type Keyed struct {
	mu       sync.Mutex
	limiters map[string]*entry
	r        rate.Limit
	burst    int
	idleTTL  time.Duration
}

type entry struct {
	limiter  *rate.Limiter
	lastUsed time.Time
}

// NewKeyed builds a Keyed bucket set. eventsPerSecond and burst configure
// every bucket identically; idleTTL is how long an unused bucket survives
// before GC sweeps it.
func NewKeyed(eventsPerSecond float64, burst int, idleTTL time.Duration) *Keyed {
	return &Keyed{
		limiters: make(map[string]*entry),
		r:        rate.Limit(eventsPerSecond),
		burst:    burst,
		idleTTL:  idleTTL,
	}
}

// Allow reports whether key may proceed right now, consuming one token if
// so. Rate-limited admissions and messages are both handled through this
// single non-blocking call (spec.md §4.10: admissions get "a distinct
// status", messages are "silently dropped").
func (k *Keyed) Allow(key string) bool {
	k.mu.Lock()
	e, ok := k.limiters[key]
	if !ok {
		e = &entry{limiter: rate.NewLimiter(k.r, k.burst)}
		k.limiters[key] = e
	}
	e.lastUsed = time.Now()
	k.mu.Unlock()

	return e.limiter.Allow()
}

// GC removes buckets that have been idle longer than idleTTL. Callers run
// it on a ticker; it takes no action if nothing has gone stale.
func (k *Keyed) GC() {
	cutoff := time.Now().Add(-k.idleTTL)
	k.mu.Lock()
	defer k.mu.Unlock()
	for key, e := range k.limiters {
		if e.lastUsed.Before(cutoff) {
			delete(k.limiters, key)
		}
	}
}

// Len returns the number of currently tracked buckets, for tests and
// metrics.
func (k *Keyed) Len() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.limiters)
}

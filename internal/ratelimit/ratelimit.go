// Package ratelimit implements the per-(driver, action_type) token
// bucket (component E) the Action Guard consults before letting a
// driver execute. It is grounded on the teacher's
// internal/middleware/rate_limiter.go (one limiter per key, lazily
// created), rebuilt on top of golang.org/x/time/rate's token bucket
// instead of the teacher's hand-rolled counter so bursts are modeled
// correctly.
package ratelimit

import (
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/taskvault/vaultd/internal/errs"
)

// Policy is the token bucket shape for one driver/action_type pair.
type Policy struct {
	RatePerSecond float64
	Burst         int
}

// DefaultPolicy is used for any (driver, action_type) the caller hasn't
// configured explicitly: one action per second, burst of 3, per spec
// §4.E's conservative default.
var DefaultPolicy = Policy{RatePerSecond: 1, Burst: 3}

// Limiter lazily creates and caches a rate.Limiter per key.
type Limiter struct {
	mu       sync.Mutex
	buckets  map[string]*rate.Limiter
	policies map[string]Policy
	def      Policy
}

// New returns a Limiter using def for any key without an explicit
// policy registered via Configure.
func New(def Policy) *Limiter {
	if def.RatePerSecond <= 0 {
		def = DefaultPolicy
	}
	return &Limiter{
		buckets:  make(map[string]*rate.Limiter),
		policies: make(map[string]Policy),
		def:      def,
	}
}

// Key derives the bucket key for a driver/action_type pair.
func Key(driver, actionType string) string {
	return driver + ":" + actionType
}

// Configure installs a custom policy for key, replacing any bucket
// already created under it.
func (l *Limiter) Configure(key string, p Policy) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.policies[key] = p
	delete(l.buckets, key)
}

func (l *Limiter) bucketFor(key string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	if b, ok := l.buckets[key]; ok {
		return b
	}
	p, ok := l.policies[key]
	if !ok {
		p = l.def
	}
	b := rate.NewLimiter(rate.Limit(p.RatePerSecond), p.Burst)
	l.buckets[key] = b
	return b
}

// Allow reports whether a single action for key may proceed right now,
// consuming a token if so. A false result means the caller should
// surface errs.ErrThrottled rather than execute.
func (l *Limiter) Allow(key string) error {
	if !l.bucketFor(key).Allow() {
		return errs.ErrThrottled
	}
	return nil
}

// Wait blocks until a token for key is available or the deadline
// elapses, used by callers that would rather queue briefly than fail
// fast.
func (l *Limiter) Wait(key string, deadline time.Duration) error {
	b := l.bucketFor(key)
	reservation := b.ReserveN(time.Now(), 1)
	if !reservation.OK() {
		return errs.ErrThrottled
	}
	delay := reservation.Delay()
	if delay > deadline {
		reservation.Cancel()
		return errs.ErrThrottled
	}
	time.Sleep(delay)
	return nil
}

package auth

import (
	"fmt"
	"hash/fnv"
	"sync"
	"time"
)

const limiterShards = 32

// SlidingWindowLimiter bounds request frequency per identifier by counting
// request timestamps inside a trailing window. Buckets only ever contain
// timestamps within the window; older entries are evicted lazily on each
// check. Rejected attempts are not recorded, so a client hammering a full
// bucket does not push its own recovery further out.
type SlidingWindowLimiter struct {
	maxRequests int
	window      time.Duration
	now         func() time.Time

	shards [limiterShards]limiterShard

	sweepStop chan struct{}
	sweepOnce sync.Once
}

type limiterShard struct {
	mu      sync.Mutex
	buckets map[string][]time.Time
}

// LimiterOption configures SlidingWindowLimiter behavior.
type LimiterOption func(*SlidingWindowLimiter)

// WithLimiterClock overrides the time source (useful for tests).
func WithLimiterClock(fn func() time.Time) LimiterOption {
	return func(l *SlidingWindowLimiter) {
		if fn != nil {
			l.now = fn
		}
	}
}

// NewSlidingWindowLimiter constructs a limiter allowing maxRequests per
// window for each identifier.
func NewSlidingWindowLimiter(maxRequests int, window time.Duration, opts ...LimiterOption) (*SlidingWindowLimiter, error) {
	if maxRequests <= 0 || window <= 0 {
		return nil, fmt.Errorf("%w: limiter needs positive max requests and window", ErrInvalidInput)
	}
	l := &SlidingWindowLimiter{
		maxRequests: maxRequests,
		window:      window,
		now:         time.Now,
		sweepStop:   make(chan struct{}),
	}
	for i := range l.shards {
		l.shards[i].buckets = make(map[string][]time.Time)
	}
	for _, opt := range opts {
		opt(l)
	}
	return l, nil
}

// Check records the request if the identifier is under its limit, otherwise
// returns ErrRateLimited without recording the attempt.
func (l *SlidingWindowLimiter) Check(identifier string) error {
	if identifier == "" {
		return ErrInvalidInput
	}
	now := l.now()
	cutoff := now.Add(-l.window)

	shard := l.shard(identifier)
	shard.mu.Lock()
	defer shard.mu.Unlock()

	bucket := shard.buckets[identifier]
	kept := bucket[:0]
	for _, ts := range bucket {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	if len(kept) >= l.maxRequests {
		shard.buckets[identifier] = kept
		return ErrRateLimited
	}
	shard.buckets[identifier] = append(kept, now)
	return nil
}

// StartSweeper launches periodic eviction of idle buckets. Call Close to
// stop it.
func (l *SlidingWindowLimiter) StartSweeper(interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				l.Sweep()
			case <-l.sweepStop:
				return
			}
		}
	}()
}

// Close stops the background sweeper. Safe to call more than once.
func (l *SlidingWindowLimiter) Close() {
	l.sweepOnce.Do(func() { close(l.sweepStop) })
}

// Sweep drops buckets whose every timestamp fell out of the window. Returns
// the number of buckets removed.
func (l *SlidingWindowLimiter) Sweep() int {
	cutoff := l.now().Add(-l.window)
	removed := 0
	for i := range l.shards {
		shard := &l.shards[i]
		shard.mu.Lock()
		for id, bucket := range shard.buckets {
			live := false
			for _, ts := range bucket {
				if ts.After(cutoff) {
					live = true
					break
				}
			}
			if !live {
				delete(shard.buckets, id)
				removed++
			}
		}
		shard.mu.Unlock()
	}
	return removed
}

func (l *SlidingWindowLimiter) shard(id string) *limiterShard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(id))
	return &l.shards[h.Sum32()%limiterShards]
}

package middleware

import (
	"context"
	"net"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	DefaultMaxAttemptsPerMinute = 10
	DefaultMaxTrackedIPs        = 10000

	sweepInterval  = time.Minute
	staleThreshold = 5 * time.Minute
)

type failureBucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimiter limits failed authentication attempts per client IP. Buckets
// idle for longer than five minutes are swept; once maxTracked IPs are held
// the least recently seen one is evicted.
type RateLimiter struct {
	mu         sync.Mutex
	buckets    map[string]*failureBucket
	limit      rate.Limit
	burst      int
	maxTracked int
	now        func() time.Time
	stop       context.CancelFunc
}

// NewRateLimiter starts a limiter allowing perMinute failures per IP. A
// non-positive perMinute selects DefaultMaxAttemptsPerMinute. The sweeper
// stops when ctx is done or Stop is called.
func NewRateLimiter(ctx context.Context, perMinute int) *RateLimiter {
	if perMinute <= 0 {
		perMinute = DefaultMaxAttemptsPerMinute
	}
	ctx, cancel := context.WithCancel(ctx)
	rl := &RateLimiter{
		buckets:    make(map[string]*failureBucket),
		limit:      rate.Limit(float64(perMinute) / 60),
		burst:      perMinute,
		maxTracked: DefaultMaxTrackedIPs,
		now:        time.Now,
		stop:       cancel,
	}
	go rl.sweepLoop(ctx)
	return rl
}

// RecordFailureAndAllow records a failure for ip and reports whether the
// client is still within its allowance.
func (rl *RateLimiter) RecordFailureAndAllow(ip string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	b, ok := rl.buckets[ip]
	if !ok {
		if len(rl.buckets) >= rl.maxTracked {
			rl.evictOldestLocked()
		}
		b = &failureBucket{limiter: rate.NewLimiter(rl.limit, rl.burst)}
		rl.buckets[ip] = b
	}
	b.lastSeen = now
	return b.limiter.AllowN(now, 1)
}

func (rl *RateLimiter) Stop() {
	rl.stop()
}

func (rl *RateLimiter) tracked() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.buckets)
}

func (rl *RateLimiter) sweepLoop(ctx context.Context) {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			rl.sweep()
		}
	}
}

func (rl *RateLimiter) sweep() {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	cutoff := rl.now().Add(-staleThreshold)
	for ip, b := range rl.buckets {
		if b.lastSeen.Before(cutoff) {
			delete(rl.buckets, ip)
		}
	}
}

func (rl *RateLimiter) evictOldestLocked() {
	var (
		oldestIP   string
		oldestSeen time.Time
	)
	for ip, b := range rl.buckets {
		if oldestIP == "" || b.lastSeen.Before(oldestSeen) {
			oldestIP, oldestSeen = ip, b.lastSeen
		}
	}
	delete(rl.buckets, oldestIP)
}

// ExtractIP strips the port from a RemoteAddr. Inputs without a port are
// returned unchanged.
func ExtractIP(remoteAddr string) string {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		return remoteAddr
	}
	return host
}

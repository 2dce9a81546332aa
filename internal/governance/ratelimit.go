package governance

import (
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"
)

// RouteLimit is the token budget for one route: a steady per-second refill
// plus a burst ceiling.
type RouteLimit struct {
	PerSecond float64
	Burst     int
}

func (l RouteLimit) withDefaults() RouteLimit {
	if l.PerSecond <= 0 {
		l.PerSecond = 10
	}
	if l.Burst <= 0 {
		l.Burst = int(math.Ceil(l.PerSecond))
	}
	return l
}

// RouteStatus is a point-in-time view of one route's bucket, used for rate
// limit response headers.
type RouteStatus struct {
	Limit     RouteLimit
	Available int

	// RetryAfter is how long until the next token accrues. Zero when a
	// token is already available.
	RetryAfter time.Duration
}

// RateLimiter meters requests per route with token buckets. Configure swaps
// budgets in place while keeping warm buckets, so a config reload does not
// hand every client a fresh burst.
type RateLimiter struct {
	mu      sync.Mutex
	buckets map[string]*tokenBucket
}

// NewRateLimiter creates a limiter with the given route budgets. A nil map
// admits everything until Configure installs budgets.
func NewRateLimiter(routes map[string]RouteLimit) *RateLimiter {
	rl := &RateLimiter{buckets: make(map[string]*tokenBucket)}
	rl.Configure(routes)
	return rl
}

// Configure replaces the route budgets. Routes that survive the update keep
// their current fill; removed routes lose their buckets and admit freely
// again.
func (rl *RateLimiter) Configure(routes map[string]RouteLimit) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	next := make(map[string]*tokenBucket, len(routes))
	for route, limit := range routes {
		if bucket, ok := rl.buckets[route]; ok {
			bucket.setLimit(limit)
			next[route] = bucket
			continue
		}
		next[route] = newTokenBucket(limit)
	}
	rl.buckets = next
}

// Allow consumes one token for the route. Routes without a budget are always
// admitted.
func (rl *RateLimiter) Allow(route string) bool {
	bucket, ok := rl.bucket(route)
	if !ok {
		return true
	}
	return bucket.take(time.Now())
}

// Status reports the route's budget and fill. The second return is false for
// routes without a budget.
func (rl *RateLimiter) Status(route string) (RouteStatus, bool) {
	bucket, ok := rl.bucket(route)
	if !ok {
		return RouteStatus{}, false
	}
	return bucket.status(time.Now()), true
}

func (rl *RateLimiter) bucket(route string) (*tokenBucket, bool) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	bucket, ok := rl.buckets[route]
	return bucket, ok
}

// WriteRateLimitHeaders stamps the rate limit headers for a rejected or
// metered request.
func WriteRateLimitHeaders(w http.ResponseWriter, status RouteStatus) {
	w.Header().Set("X-RateLimit-Limit", strconv.FormatFloat(status.Limit.PerSecond, 'f', -1, 64))
	w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(status.Available))
	if status.RetryAfter > 0 {
		seconds := int(math.Ceil(status.RetryAfter.Seconds()))
		if seconds < 1 {
			seconds = 1
		}
		w.Header().Set("Retry-After", strconv.Itoa(seconds))
	}
}

// tokenBucket refills continuously at the route's rate, capped at the burst
// size.
type tokenBucket struct {
	mu     sync.Mutex
	limit  RouteLimit
	tokens float64
	last   time.Time
}

func newTokenBucket(limit RouteLimit) *tokenBucket {
	limit = limit.withDefaults()
	return &tokenBucket{
		limit:  limit,
		tokens: float64(limit.Burst),
		last:   time.Now(),
	}
}

// setLimit swaps the budget while keeping the accrued fill, clamped to the
// new burst.
func (b *tokenBucket) setLimit(limit RouteLimit) {
	limit = limit.withDefaults()
	b.mu.Lock()
	defer b.mu.Unlock()

	b.refill(time.Now())
	b.limit = limit
	if b.tokens > float64(limit.Burst) {
		b.tokens = float64(limit.Burst)
	}
}

func (b *tokenBucket) take(now time.Time) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.refill(now)
	if b.tokens < 1 {
		return false
	}
	b.tokens--
	return true
}

func (b *tokenBucket) status(now time.Time) RouteStatus {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.refill(now)
	status := RouteStatus{
		Limit:     b.limit,
		Available: int(b.tokens),
	}
	if b.tokens < 1 {
		missing := 1 - b.tokens
		status.RetryAfter = time.Duration(missing / b.limit.PerSecond * float64(time.Second))
	}
	return status
}

func (b *tokenBucket) refill(now time.Time) {
	elapsed := now.Sub(b.last)
	if elapsed <= 0 {
		return
	}
	b.tokens += elapsed.Seconds() * b.limit.PerSecond
	if b.tokens > float64(b.limit.Burst) {
		b.tokens = float64(b.limit.Burst)
	}
	b.last = now
}

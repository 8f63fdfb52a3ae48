package api

import (
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/ethpandaops/upgradoor/pkg/config"
)

const (
	limiterSweepEvery = 5 * time.Minute
	limiterIdleAfter  = 10 * time.Minute
)

type client struct {
	bucket *rate.Limiter
	seen   time.Time
}

// clientLimits hands out one token bucket per remote address.
type clientLimits struct {
	mu      sync.Mutex
	clients map[string]*client
	every   rate.Limit
	burst   int
}

func newClientLimits(perMinute int) *clientLimits {
	return &clientLimits{
		clients: make(map[string]*client, 16),
		every:   rate.Limit(float64(perMinute) / 60.0),
		burst:   perMinute,
	}
}

// reserve takes a token for addr. When none is available it returns false
// and how long the caller should wait.
func (c *clientLimits) reserve(addr string, now time.Time) (bool, time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	cl, ok := c.clients[addr]
	if !ok {
		cl = &client{bucket: rate.NewLimiter(c.every, c.burst)}
		c.clients[addr] = cl
	}

	cl.seen = now

	res := cl.bucket.ReserveN(now, 1)
	if !res.OK() {
		return false, time.Minute
	}

	if wait := res.DelayFrom(now); wait > 0 {
		res.CancelAt(now)

		return false, wait
	}

	return true, 0
}

func (c *clientLimits) sweep(now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for addr, cl := range c.clients {
		if now.Sub(cl.seen) > limiterIdleAfter {
			delete(c.clients, addr)
		}
	}
}

func (c *clientLimits) sweepUntil(done <-chan struct{}) {
	ticker := time.NewTicker(limiterSweepEvery)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case now := <-ticker.C:
			c.sweep(now)
		}
	}
}

// rateLimit throttles requests per client address. A tier without a
// positive budget is unlimited.
func (s *server) rateLimit(tier config.RateLimitTier) func(http.Handler) http.Handler {
	if tier.RequestsPerMinute <= 0 {
		return func(next http.Handler) http.Handler { return next }
	}

	limits := newClientLimits(tier.RequestsPerMinute)

	go limits.sweepUntil(s.done)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ok, wait := limits.reserve(extractIP(r), time.Now())
			if !ok {
				w.Header().Set("Retry-After",
					strconv.Itoa(int(math.Ceil(wait.Seconds()))))
				writeJSON(w, http.StatusTooManyRequests,
					errorResponse{"rate limit exceeded"})

				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// extractIP returns the client's IP address, preferring the first hop of
// X-Forwarded-For.
func extractIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")

		return strings.TrimSpace(first)
	}

	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}

	return ip
}

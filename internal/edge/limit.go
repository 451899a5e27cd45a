package edge

import (
	"net"
	"net/http"
	"net/textproto"
	"strings"
	"sync"

	"golang.org/x/time/rate"
)

// RateLimitConfig throttles clients per IP. The key comes from TrustHeader
// when set (first entry of a comma-separated value, the way load balancers
// report the original client), falling back to the socket address. Addresses
// in Allow bypass the limiter entirely.
type RateLimitConfig struct {
	Enable      bool
	RPS         float64
	Burst       int
	TrustHeader string
	Allow       []string
}

type rateLimiter struct {
	mu          sync.RWMutex
	perClient   map[string]*rate.Limiter
	rps         rate.Limit
	burst       int
	trustHeader string
	allow       map[string]struct{}
}

func newRateLimiter(cfg RateLimitConfig) *rateLimiter {
	allow := make(map[string]struct{}, len(cfg.Allow))
	for _, ip := range cfg.Allow {
		allow[ip] = struct{}{}
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}
	return &rateLimiter{
		perClient:   make(map[string]*rate.Limiter),
		rps:         rate.Limit(cfg.RPS),
		burst:       burst,
		trustHeader: cfg.TrustHeader,
		allow:       allow,
	}
}

func (rl *rateLimiter) clientKey(r *http.Request) string {
	if rl.trustHeader != "" {
		if v := r.Header.Get(rl.trustHeader); v != "" {
			first, _, _ := strings.Cut(v, ",")
			if ip := net.ParseIP(textproto.TrimString(first)); ip != nil {
				return ip.String()
			}
		}
	}
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}

func (rl *rateLimiter) limiterFor(key string) *rate.Limiter {
	rl.mu.RLock()
	lim, ok := rl.perClient[key]
	rl.mu.RUnlock()
	if ok {
		return lim
	}
	rl.mu.Lock()
	defer rl.mu.Unlock()
	if lim, ok = rl.perClient[key]; ok {
		return lim
	}
	lim = rate.NewLimiter(rl.rps, rl.burst)
	rl.perClient[key] = lim
	return lim
}

func (rl *rateLimiter) allowRequest(r *http.Request) bool {
	key := rl.clientKey(r)
	if _, ok := rl.allow[key]; ok {
		return true
	}
	return rl.limiterFor(key).Allow()
}

func (rl *rateLimiter) middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !rl.allowRequest(r) {
			metricRateLimited.Inc()
			w.Header().Set("Retry-After", "1")
			http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// concurrencyLimit caps the number of in-flight exchanges. Waiting requests
// queue on the semaphore until a slot frees or the client gives up.
func concurrencyLimit(n int, next http.Handler) http.Handler {
	if n <= 0 {
		return next
	}
	sem := make(chan struct{}, n)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case sem <- struct{}{}:
			defer func() { <-sem }()
			next.ServeHTTP(w, r)
		case <-r.Context().Done():
			http.Error(w, "server busy", http.StatusServiceUnavailable)
		}
	})
}

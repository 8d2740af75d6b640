package middleware

import (
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"deskrelay/pkg/config"
	"deskrelay/pkg/errors"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

// rateLimiterStore stores per-key (for example, per IP) rate limiters.
type rateLimiterStore struct {
	mu        sync.Mutex
	limiters  map[string]*limiterEntry
	rate      rate.Limit
	burstSize int
	idleTTL   time.Duration
	lastSweep time.Time
}

type limiterEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

func newRateLimiterStore(r rate.Limit, burst int) *rateLimiterStore {
	return &rateLimiterStore{
		limiters:  make(map[string]*limiterEntry),
		rate:      r,
		burstSize: burst,
		idleTTL:   10 * time.Minute,
		lastSweep: time.Now(),
	}
}

func (s *rateLimiterStore) getLimiter(key string) *rate.Limiter {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	if now.Sub(s.lastSweep) > s.idleTTL {
		for k, e := range s.limiters {
			if now.Sub(e.lastSeen) > s.idleTTL {
				delete(s.limiters, k)
			}
		}
		s.lastSweep = now
	}

	entry, exists := s.limiters[key]
	if !exists {
		entry = &limiterEntry{limiter: rate.NewLimiter(s.rate, s.burstSize)}
		s.limiters[key] = entry
	}
	entry.lastSeen = now
	return entry.limiter
}

// clientIP extracts the IP part from the request's remote address.
func clientIP(r *http.Request) string {
	// First hop of X-Forwarded-For when behind a proxy
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		if ip := net.ParseIP(strings.TrimSpace(first)); ip != nil {
			return ip.String()
		}
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func passThrough(c *gin.Context) {
	c.Next()
}

// NewHTTPRateLimitMiddleware returns Gin middleware that applies simple IP-based rate limiting.
func NewHTTPRateLimitMiddleware(cfg *config.Config) gin.HandlerFunc {
	if !cfg.RateLimiting.Enabled {
		return passThrough
	}

	rps := cfg.RateLimiting.HTTP.RequestsPerSecond
	burst := cfg.RateLimiting.HTTP.Burst
	return limit(newRateLimiterStore(rate.Limit(rps), burst), cfg.RateLimiting.HTTP.MaxConcurrent, "requests")
}

// NewWebSocketConnectionLimiter throttles connection attempts per IP and caps
// the number of simultaneously open endpoint connections. The slot is held
// until the websocket handler returns.
func NewWebSocketConnectionLimiter(cfg *config.Config) gin.HandlerFunc {
	if !cfg.RateLimiting.Enabled {
		return passThrough
	}

	perMinute := cfg.RateLimiting.WebSocket.ConnectionsPerMinute
	store := newRateLimiterStore(rate.Every(time.Minute/time.Duration(perMinute)), perMinute)
	return limit(store, cfg.RateLimiting.WebSocket.MaxConcurrent, "connections")
}

func limit(store *rateLimiterStore, maxConcurrent int, what string) gin.HandlerFunc {
	var globalSem chan struct{}
	if maxConcurrent > 0 {
		globalSem = make(chan struct{}, maxConcurrent)
	}

	return func(c *gin.Context) {
		if globalSem != nil {
			select {
			case globalSem <- struct{}{}:
				defer func() { <-globalSem }()
			default:
				abortWithError(c, errors.NewServiceUnavailableError("too many concurrent "+what))
				return
			}
		}

		limiter := store.getLimiter(clientIP(c.Request))
		if !limiter.Allow() {
			c.Header("Retry-After", "1")
			abortWithError(c, errors.NewRateLimitError())
			return
		}
		c.Next()
	}
}

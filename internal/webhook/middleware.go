package webhook

import (
	"crypto/subtle"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"llm-relay-bot/internal/clock"
)

const (
	headerRequestID = "X-Request-ID"
	headerToken     = "X-Webhook-Token"

	limiterIdleTTL = 10 * time.Minute

	// maxTrackedVisitors bounds the limiter map against clients rotating source addresses
	maxTrackedVisitors = 4096
)

func (s *Server) requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(headerRequestID)
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set(headerRequestID, id)
		next.ServeHTTP(w, r)
	})
}

// verifyToken accepts the secret in the X-Webhook-Token header, or in the
// token query parameter for callers that cannot set headers (Replicate).
func (s *Server) verifyToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		provided := r.Header.Get(headerToken)
		if provided == "" {
			provided = r.URL.Query().Get("token")
		}

		if s.cfg.SecretToken == "" || subtle.ConstantTimeCompare([]byte(provided), []byte(s.cfg.SecretToken)) != 1 {
			s.logger.Warn("Webhook request rejected: invalid token",
				"path", r.URL.Path,
				"remote_ip", clientIP(r),
				"request_id", w.Header().Get(headerRequestID))
			http.Error(w, "Forbidden: Invalid token", http.StatusForbidden)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) ipAllowList(next http.Handler) http.Handler {
	allowed := make(map[string]struct{}, len(s.cfg.WhitelistedIPs))
	for _, ip := range s.cfg.WhitelistedIPs {
		allowed[ip] = struct{}{}
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if len(allowed) > 0 {
			ip := clientIP(r)
			if _, ok := allowed[ip]; !ok {
				s.logger.Warn("Webhook request rejected: address not allowed",
					"path", r.URL.Path,
					"remote_ip", ip)
				http.Error(w, "Forbidden: Unauthorized IP address", http.StatusForbidden)
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) rateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.limiter.allow(clientIP(r)) {
			http.Error(w, "Too Many Requests", http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// clientIP returns the host part of RemoteAddr
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// ipLimiter keeps one token bucket per client address
type ipLimiter struct {
	mu       sync.Mutex
	visitors map[string]*visitor
	limit    rate.Limit
	burst    int
	max      int
	clock    clock.Clock
}

func newIPLimiter(perSecond float64, burst int, c clock.Clock) *ipLimiter {
	limit := rate.Limit(perSecond)
	if perSecond <= 0 {
		limit = rate.Inf
	}
	if burst <= 0 {
		burst = 1
	}
	return &ipLimiter{
		visitors: make(map[string]*visitor),
		limit:    limit,
		burst:    burst,
		max:      maxTrackedVisitors,
		clock:    c,
	}
}

func (l *ipLimiter) allow(ip string) bool {
	now := l.clock.Now()

	l.mu.Lock()
	defer l.mu.Unlock()

	v, ok := l.visitors[ip]
	if !ok {
		if len(l.visitors) >= l.max {
			l.evictLocked(now)
		}
		v = &visitor{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.visitors[ip] = v
	}
	v.lastSeen = now
	return v.limiter.AllowN(now, 1)
}

// evictLocked drops idle visitors, then the least recently seen ones until there is room
func (l *ipLimiter) evictLocked(now time.Time) {
	for key, v := range l.visitors {
		if now.Sub(v.lastSeen) > limiterIdleTTL {
			delete(l.visitors, key)
		}
	}

	for len(l.visitors) >= l.max {
		var oldestKey string
		var oldest time.Time
		found := false
		for key, v := range l.visitors {
			if !found || v.lastSeen.Before(oldest) {
				oldestKey, oldest, found = key, v.lastSeen, true
			}
		}
		delete(l.visitors, oldestKey)
	}
}

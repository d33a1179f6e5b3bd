package api

import (
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"runtime/debug"
	"strconv"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// responseWriter wraps http.ResponseWriter to capture the status code
// for the access log.
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(wrapped, r)
		s.logger.WithFields(logrus.Fields{
			"method":      r.Method,
			"path":        r.URL.Path,
			"status":      wrapped.statusCode,
			"duration_ms": time.Since(start).Milliseconds(),
			"remote_addr": r.RemoteAddr,
		}).Info("http request")
	})
}

func (s *Server) recoveryMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if err := recover(); err != nil {
				s.logger.WithFields(logrus.Fields{
					"error": err,
					"stack": string(debug.Stack()),
					"path":  r.URL.Path,
				}).Error("panic recovered in http handler")
				writeError(w, http.StatusInternalServerError, "internal server error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// apiKeyMiddleware accepts either X-API-Key or a Bearer token against
// the configured key set. Auth is skipped entirely when no keys are
// configured, which is the expected local-network deployment mode.
func (s *Server) apiKeyMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if len(s.apiKeys) == 0 {
			next.ServeHTTP(w, r)
			return
		}

		key := r.Header.Get("X-API-Key")
		if key == "" {
			if auth := r.Header.Get("Authorization"); len(auth) > 7 && auth[:7] == "Bearer " {
				key = auth[7:]
			}
		}

		for _, allowed := range s.apiKeys {
			if subtle.ConstantTimeCompare([]byte(key), []byte(allowed)) == 1 {
				next.ServeHTTP(w, r)
				return
			}
		}
		writeError(w, http.StatusUnauthorized, "authentication required")
	})
}

// rateLimitTier names one of the three sliding-window tiers the public
// surface exposes. Strict guards /reconnect, /device/scan,
// /attendance/logs, /users/add and DELETE /users/{userId}; loose
// guards /polling/start, /polling/stop, /users, /stats/* and
// /static/photos; default covers everything else.
type rateLimitTier int

const (
	tierDefault rateLimitTier = iota
	tierStrict
	tierLoose
)

const (
	defaultRequestsPerMin = 60
	strictRequestsPerMin  = 10
	looseRequestsPerMin   = 120

	rateLimitWindow          = time.Minute
	rateLimitCleanupInterval = 5 * time.Minute
)

// slidingWindow is one key's (client IP's) request timestamps within
// the current window.
type slidingWindow struct {
	mu       sync.Mutex
	requests []time.Time
}

// rateLimiter implements sliding-window rate limiting for one tier,
// keyed by client IP.
type rateLimiter struct {
	requestsPerMin int

	mu          sync.Mutex
	entries     map[string]*slidingWindow
	lastCleanup time.Time
}

func newRateLimiter(requestsPerMin int) *rateLimiter {
	return &rateLimiter{
		requestsPerMin: requestsPerMin,
		entries:        make(map[string]*slidingWindow),
		lastCleanup:    time.Now(),
	}
}

func (rl *rateLimiter) allow(key string) (bool, int, time.Time) {
	now := time.Now()

	rl.mu.Lock()
	if now.Sub(rl.lastCleanup) > rateLimitCleanupInterval {
		rl.cleanup(now)
		rl.lastCleanup = now
	}
	entry, ok := rl.entries[key]
	if !ok {
		entry = &slidingWindow{}
		rl.entries[key] = entry
	}
	rl.mu.Unlock()

	entry.mu.Lock()
	defer entry.mu.Unlock()

	cutoff := now.Add(-rateLimitWindow)
	valid := entry.requests[:0]
	for _, t := range entry.requests {
		if t.After(cutoff) {
			valid = append(valid, t)
		}
	}
	entry.requests = valid

	if len(entry.requests) >= rl.requestsPerMin {
		return false, 0, entry.requests[0].Add(rateLimitWindow)
	}
	entry.requests = append(entry.requests, now)
	return true, rl.requestsPerMin - len(entry.requests), time.Time{}
}

func (rl *rateLimiter) cleanup(now time.Time) {
	cutoff := now.Add(-2 * rateLimitWindow)
	for key, entry := range rl.entries {
		entry.mu.Lock()
		stale := len(entry.requests) == 0 || entry.requests[len(entry.requests)-1].Before(cutoff)
		entry.mu.Unlock()
		if stale {
			delete(rl.entries, key)
		}
	}
}

// rateLimit wraps next with the named tier's limiter, keyed by the
// request's client IP.
func (s *Server) rateLimit(tier rateLimitTier, next http.Handler) http.Handler {
	limiter := s.limiterFor(tier)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := clientIP(r)
		allowed, remaining, resetAt := limiter.allow(key)

		w.Header().Set("X-RateLimit-Limit", strconv.Itoa(limiter.requestsPerMin))
		w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(remaining))
		if !resetAt.IsZero() {
			w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(resetAt.Unix(), 10))
		}

		if !allowed {
			writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) limiterFor(tier rateLimitTier) *rateLimiter {
	switch tier {
	case tierStrict:
		return s.strictLimiter
	case tierLoose:
		return s.looseLimiter
	default:
		return s.defaultLimiter
	}
}

func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		return fwd
	}
	return r.RemoteAddr
}

func writeError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(errorResponse{Error: true, Message: message, Timestamp: time.Now().Unix()})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

package utils

import (
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"golang.org/x/time/rate"
)

// RateLimiter holds per-client-IP token buckets
type RateLimiter struct {
	mu    sync.Mutex
	ips   map[string]*IPRateLimiter
	rate  rate.Limit
	burst int
}

// IPRateLimiter holds the limiter for each IP
type IPRateLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewRateLimiter creates a new rate limiter
func NewRateLimiter(r rate.Limit, burst int) *RateLimiter {
	return &RateLimiter{
		ips:   make(map[string]*IPRateLimiter),
		rate:  r,
		burst: burst,
	}
}

// GetIP returns the rate limiter for an IP address, creating one on
// first sight.
func (rl *RateLimiter) GetIP(ip string) *IPRateLimiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	limiter, exists := rl.ips[ip]
	if !exists {
		limiter = &IPRateLimiter{
			limiter: rate.NewLimiter(rl.rate, rl.burst),
		}
		rl.ips[ip] = limiter
	}
	limiter.lastSeen = time.Now()
	return limiter
}

func (rl *RateLimiter) prune(olderThan time.Duration) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	for ip, limiter := range rl.ips {
		if time.Since(limiter.lastSeen) > olderThan {
			delete(rl.ips, ip)
		}
	}
}

// RateLimitMiddleware returns a rate limiting middleware. Login attempts
// get a tighter per-request cost to slow brute forcing.
func RateLimitMiddleware(r rate.Limit, burst int, defaultCost int) mux.MiddlewareFunc {
	rateLimiter := NewRateLimiter(r, burst)

	go func() {
		ticker := time.NewTicker(5 * time.Minute)
		for range ticker.C {
			rateLimiter.prune(30 * time.Minute)
		}
	}()

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			limiter := rateLimiter.GetIP(getIP(r))

			cost := defaultCost
			if strings.HasPrefix(r.URL.Path, "/api/login") {
				cost = 5
			}

			if !limiter.limiter.AllowN(time.Now(), cost) {
				http.Error(w, "Rate limit exceeded", http.StatusTooManyRequests)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// getIP extracts the client IP, honoring proxy headers
func getIP(r *http.Request) string {
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		ips := strings.Split(forwarded, ",")
		return strings.TrimSpace(ips[0])
	}
	if realIP := r.Header.Get("X-Real-IP"); realIP != "" {
		return realIP
	}
	host, _, _ := net.SplitHostPort(r.RemoteAddr)
	return host
}

// SecurityMiddleware sets response hardening headers and rejects
// malformed requests.
func SecurityMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")

		if r.Method == http.MethodPost || r.Method == http.MethodPut {
			contentType := r.Header.Get("Content-Type")
			if contentType != "" && !strings.HasPrefix(contentType, "application/json") {
				http.Error(w, "Invalid content type", http.StatusBadRequest)
				return
			}
		}

		if strings.Contains(r.URL.Path, "..") {
			http.Error(w, "Invalid path", http.StatusBadRequest)
			return
		}

		next.ServeHTTP(w, r)
	})
}

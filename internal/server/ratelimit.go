package server

import (
	"net"
	"net/http"
	"sync"
	"time"
)

// RateLimiter enforces a minimum interval between calls per key.
type RateLimiter struct {
	mu          sync.Mutex
	minInterval time.Duration
	lastSeen    map[string]time.Time
}

func NewRateLimiter(minInterval time.Duration) *RateLimiter {
	return &RateLimiter{
		minInterval: minInterval,
		lastSeen:    make(map[string]time.Time),
	}
}

func (r *RateLimiter) Allow(key string) (bool, time.Duration) {
	if r.minInterval <= 0 {
		return true, 0
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	r.pruneLocked(now)

	last, ok := r.lastSeen[key]
	if !ok {
		r.lastSeen[key] = now
		return true, 0
	}
	elapsed := now.Sub(last)
	if elapsed < r.minInterval {
		return false, r.minInterval - elapsed
	}
	r.lastSeen[key] = now
	return true, 0
}

// pruneLocked drops keys that could no longer be limited, once the map has
// grown past a threshold.
func (r *RateLimiter) pruneLocked(now time.Time) {
	if len(r.lastSeen) < 1024 {
		return
	}
	for k, t := range r.lastSeen {
		if now.Sub(t) >= r.minInterval {
			delete(r.lastSeen, k)
		}
	}
}

func clientAddr(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

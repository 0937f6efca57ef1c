package server

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// ClientLimiter keeps one token bucket per client IP
type ClientLimiter struct {
	rate    rate.Limit
	burst   int
	clients map[string]*clientBucket
	mu      sync.Mutex
}

type clientBucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewClientLimiter creates a limiter allowing perSec requests per second per
// client with the given burst
func NewClientLimiter(perSec float64, burst int) *ClientLimiter {
	return &ClientLimiter{
		rate:    rate.Limit(perSec),
		burst:   burst,
		clients: make(map[string]*clientBucket),
	}
}

// Allow reports whether a request from clientIP may proceed now
func (l *ClientLimiter) Allow(clientIP string) bool {
	l.mu.Lock()
	b, ok := l.clients[clientIP]
	if !ok {
		b = &clientBucket{limiter: rate.NewLimiter(l.rate, l.burst)}
		l.clients[clientIP] = b
	}
	b.lastSeen = time.Now()
	l.mu.Unlock()

	return b.limiter.Allow()
}

// Cleanup removes buckets not used since cutoff
func (l *ClientLimiter) Cleanup(cutoff time.Time) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	removed := 0
	for ip, b := range l.clients {
		if b.lastSeen.Before(cutoff) {
			delete(l.clients, ip)
			removed++
		}
	}
	return removed
}

// RunCleanup drops idle buckets every 30 minutes until ctx is done
func (l *ClientLimiter) RunCleanup(ctx context.Context) {
	ticker := time.NewTicker(30 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			l.Cleanup(now.Add(-time.Hour))
		}
	}
}

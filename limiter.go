// limiter.go
// Per-sender reply rate limiting. A runaway sender (or a bot loop) must
// not drain the AI budget or trip Meta's platform limits.

package main

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// SenderLimiter keeps a token bucket per (business, sender) pair.
type SenderLimiter struct {
	mu       sync.Mutex
	limiters map[limiterKey]*senderEntry
	limit    rate.Limit
	burst    int
}

type limiterKey struct {
	businessID int64
	senderID   string
}

type senderEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

func NewSenderLimiter(limit rate.Limit, burst int) *SenderLimiter {
	l := &SenderLimiter{
		limiters: make(map[limiterKey]*senderEntry),
		limit:    limit,
		burst:    burst,
	}
	go l.evictLoop()
	return l
}

// Allow reports whether this sender may receive another auto-reply now.
func (l *SenderLimiter) Allow(businessID int64, senderID string) bool {
	l.mu.Lock()
	key := limiterKey{businessID: businessID, senderID: senderID}
	entry, ok := l.limiters[key]
	if !ok {
		entry = &senderEntry{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.limiters[key] = entry
	}
	entry.lastSeen = time.Now()
	l.mu.Unlock()

	return entry.limiter.Allow()
}

// evictLoop drops buckets idle for over an hour so the map tracks active
// conversations, not every sender ever seen.
func (l *SenderLimiter) evictLoop() {
	ticker := time.NewTicker(10 * time.Minute)
	defer ticker.Stop()

	for range ticker.C {
		cutoff := time.Now().Add(-time.Hour)
		l.mu.Lock()
		for key, entry := range l.limiters {
			if entry.lastSeen.Before(cutoff) {
				delete(l.limiters, key)
			}
		}
		l.mu.Unlock()
	}
}

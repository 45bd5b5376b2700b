package http

import (
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	defaultOriginRate  = 5
	defaultOriginBurst = 20
	limiterIdleTTL     = 10 * time.Minute
)

// originLimiter throttles wallet calls per dApp origin so a page cannot
// flood the user with approval popups.
type originLimiter struct {
	mu        sync.Mutex
	limiters  map[string]*limiterEntry
	rate      rate.Limit
	burst     int
	lastSweep time.Time
	now       func() time.Time
}

type limiterEntry struct {
	limiter    *rate.Limiter
	lastAccess time.Time
}

func newOriginLimiter(perSecond float64, burst int) *originLimiter {
	if perSecond <= 0 {
		perSecond = defaultOriginRate
	}
	if burst <= 0 {
		burst = defaultOriginBurst
	}
	return &originLimiter{
		limiters: make(map[string]*limiterEntry),
		rate:     rate.Limit(perSecond),
		burst:    burst,
		now:      time.Now,
	}
}

func (l *originLimiter) Allow(origin string) bool {
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()

	if now.Sub(l.lastSweep) > limiterIdleTTL {
		for k, e := range l.limiters {
			if now.Sub(e.lastAccess) > limiterIdleTTL {
				delete(l.limiters, k)
			}
		}
		l.lastSweep = now
	}

	e, ok := l.limiters[origin]
	if !ok {
		e = &limiterEntry{limiter: rate.NewLimiter(l.rate, l.burst)}
		l.limiters[origin] = e
	}
	e.lastAccess = now
	return e.limiter.AllowN(now, 1)
}

func (l *originLimiter) retryAfter() string {
	secs := int(1 / float64(l.rate))
	if secs < 1 {
		secs = 1
	}
	return strconv.Itoa(secs)
}

package cellclient

import (
	"sync"

	"golang.org/x/time/rate"
)

// destLimiter holds one token bucket per destination. With limiting
// disabled every call is admitted.
type destLimiter struct {
	mu       sync.Mutex
	settings RateLimitSettings
	buckets  map[string]*rate.Limiter
}

func newDestLimiter(settings RateLimitSettings) *destLimiter {
	return &destLimiter{
		settings: settings,
		buckets:  make(map[string]*rate.Limiter),
	}
}

// allow reports whether a call to dest may proceed right now. It never
// waits; callers that are over budget fail fast.
func (l *destLimiter) allow(dest string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.settings.RequestsPerSecond <= 0 {
		return true
	}

	bucket, ok := l.buckets[dest]
	if !ok {
		burst := l.settings.Burst
		if burst < 1 {
			burst = 1
		}
		bucket = rate.NewLimiter(rate.Limit(l.settings.RequestsPerSecond), burst)
		l.buckets[dest] = bucket
	}
	return bucket.Allow()
}

// update hot-swaps the limiter settings. Existing buckets are cleared so
// new limits take effect immediately.
func (l *destLimiter) update(settings RateLimitSettings) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.settings = settings
	l.buckets = make(map[string]*rate.Limiter)
}

package requester

import (
	"context"
	"sync"

	"golang.org/x/time/rate"
)

// HostLimiter rate limits requests per target host.
type HostLimiter struct {
	mu      sync.Mutex
	perHost map[string]*rate.Limiter
	rate    rate.Limit
	burst   int
}

// NewHostLimiter creates a limiter allowing requestsPerSecond per host. A
// non-positive rate returns nil, which never blocks.
func NewHostLimiter(requestsPerSecond float64, burst int) *HostLimiter {
	if requestsPerSecond <= 0 {
		return nil
	}
	if burst < 1 {
		burst = 1
	}
	return &HostLimiter{
		perHost: make(map[string]*rate.Limiter),
		rate:    rate.Limit(requestsPerSecond),
		burst:   burst,
	}
}

// Wait blocks until a request to host is allowed or ctx is done.
func (l *HostLimiter) Wait(ctx context.Context, host string) error {
	if l == nil {
		return ctx.Err()
	}

	l.mu.Lock()
	limiter, ok := l.perHost[host]
	if !ok {
		limiter = rate.NewLimiter(l.rate, l.burst)
		l.perHost[host] = limiter
	}
	l.mu.Unlock()

	return limiter.Wait(ctx)
}

package handlers

import (
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"golang.org/x/time/rate"

	"github.com/bazaarline/api/internal/platform/auth"
	"github.com/bazaarline/api/internal/platform/httpx"
)

type limiterKey struct {
	customer string
	route    string
}

type customerBucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// customerLimiter gives every customer a token bucket per route: limit attempts refill
// evenly over window.
type customerLimiter struct {
	every rate.Limit
	burst int
	idle  time.Duration
	clock func() time.Time

	mu        sync.Mutex
	buckets   map[limiterKey]*customerBucket
	lastSweep time.Time
}

func newCustomerLimiter(limit int, window time.Duration, clock func() time.Time) *customerLimiter {
	if limit <= 0 || window <= 0 {
		return nil
	}
	if clock == nil {
		clock = time.Now
	}
	return &customerLimiter{
		every:   rate.Every(window / time.Duration(limit)),
		burst:   limit,
		idle:    window,
		clock:   clock,
		buckets: make(map[limiterKey]*customerBucket),
	}
}

// reserve takes a token for the customer on route. When none is left it reports how long
// until one is.
func (l *customerLimiter) reserve(customer, route string) (bool, time.Duration) {
	now := l.clock()
	key := limiterKey{customer: customer, route: route}

	l.mu.Lock()
	defer l.mu.Unlock()

	if now.Sub(l.lastSweep) >= l.idle {
		for k, bucket := range l.buckets {
			if now.Sub(bucket.lastSeen) >= l.idle {
				delete(l.buckets, k)
			}
		}
		l.lastSweep = now
	}

	bucket, ok := l.buckets[key]
	if !ok {
		bucket = &customerBucket{limiter: rate.NewLimiter(l.every, l.burst)}
		l.buckets[key] = bucket
	}
	bucket.lastSeen = now

	reservation := bucket.limiter.ReserveN(now, 1)
	if delay := reservation.DelayFrom(now); delay > 0 {
		reservation.CancelAt(now)
		return false, delay
	}
	return true, 0
}

// middleware rejects with 429 once the authenticated customer exhausts the route's bucket.
// Mount it after the actor guard.
func (l *customerLimiter) middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		identity, ok := auth.IdentityFromContext(ctx)
		if !ok {
			next.ServeHTTP(w, r)
			return
		}
		route := r.URL.Path
		if rctx := chi.RouteContext(ctx); rctx != nil && rctx.RoutePattern() != "" {
			route = rctx.RoutePattern()
		}
		if allowed, wait := l.reserve(identity.UID, route); !allowed {
			httpx.WriteError(ctx, w, httpx.NewError("rate_limited", "too many attempts; retry later", http.StatusTooManyRequests).RetryIn(wait))
			return
		}
		next.ServeHTTP(w, r)
	})
}

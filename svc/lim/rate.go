package lim

import (
	"context"
	"math"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/time/rate"

	"vanish/cfg"
	"vanish/metrics"
	"vanish/svc/cache"
	"vanish/svc/util"
)

const sharedTimeout = 100 * time.Millisecond

// Shared is a token-bucket store visible to every replica.
type Shared interface {
	TakeToken(ctx context.Context, key string, capacity int, refillPerSec float64, now time.Time) (bool, float64, error)
}

// Limiter throttles requests per client key with a token bucket of fixed
// capacity refilled continuously at RefillPerMinute. Each key owns one
// rate.Limiter, so checks on different keys never share a lock.
type Limiter struct {
	scope    string
	capacity int
	perSec   float64
	buckets  *cache.LRU[*rate.Limiter]
	shared   Shared
	now      func() time.Time
}

type Result struct {
	Allowed   bool
	Limit     int
	Remaining int
	Reset     time.Time
}

// New builds a limiter for scope. shared may be nil; when set, buckets live
// there and the local table only answers while it is unreachable.
func New(scope string, b cfg.BucketCfg, maxKeys int, shared Shared) (*Limiter, error) {
	if b.Capacity <= 0 {
		return nil, errors.New("bucket capacity must be positive")
	}
	if b.RefillPerMinute < 0 {
		return nil, errors.New("refill rate must not be negative")
	}
	buckets, err := cache.NewLRU[*rate.Limiter](maxKeys)
	if err != nil {
		return nil, errors.Wrap(err, "bucket table")
	}
	return &Limiter{
		scope:    scope,
		capacity: b.Capacity,
		perSec:   b.RefillPerMinute / 60,
		buckets:  buckets,
		shared:   shared,
		now:      time.Now,
	}, nil
}

func (l *Limiter) Allow(ctx context.Context, key string) bool {
	return l.Check(ctx, key).Allowed
}

// Check consumes one token for key if one is available.
func (l *Limiter) Check(ctx context.Context, key string) *Result {
	now := l.now()
	var (
		allowed bool
		tokens  float64
	)
	if l.shared != nil {
		sctx, cancel := context.WithTimeout(ctx, sharedTimeout)
		ok, left, err := l.shared.TakeToken(sctx, l.scope+":"+key, l.capacity, l.perSec, now)
		cancel()
		if err == nil {
			allowed, tokens = ok, left
		} else {
			util.Warn().Err(err).Str("scope", l.scope).Msg("shared rate limit unavailable, using local bucket")
			metrics.RateLimitFallbacks.Inc()
			allowed, tokens = l.takeLocal(key, now)
		}
	} else {
		allowed, tokens = l.takeLocal(key, now)
	}
	if !allowed {
		metrics.RateLimitHits.WithLabelValues(l.scope).Inc()
	}
	return &Result{
		Allowed:   allowed,
		Limit:     l.capacity,
		Remaining: int(math.Max(0, math.Floor(tokens))),
		Reset:     now.Add(l.untilNextToken(tokens)),
	}
}

func (l *Limiter) takeLocal(key string, now time.Time) (bool, float64) {
	b := l.buckets.GetOrAdd(key, func() *rate.Limiter {
		return rate.NewLimiter(rate.Limit(l.perSec), l.capacity)
	})
	ok := b.AllowN(now, 1)
	return ok, b.TokensAt(now)
}

func (l *Limiter) untilNextToken(tokens float64) time.Duration {
	if tokens >= 1 || l.perSec <= 0 {
		return 0
	}
	return time.Duration((1 - tokens) / l.perSec * float64(time.Second))
}


package pow

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"

	"vanish/cfg"
	"vanish/metrics"
	"vanish/pkg/domain"
	"vanish/svc/util"
)

const sweepInterval = time.Minute

type Gate struct {
	store      Store
	enabled    bool
	difficulty int
	ttl        time.Duration
	now        func() time.Time

	quit     chan struct{}
	wg       sync.WaitGroup
	stopOnce sync.Once
}

func NewGate(store Store, c cfg.PowCfg) *Gate {
	if store == nil {
		panic("pow gate: nil store")
	}
	return &Gate{
		store:      store,
		enabled:    c.Enabled,
		difficulty: c.Difficulty,
		ttl:        c.TTL,
		now:        time.Now,
		quit:       make(chan struct{}),
	}
}

func (g *Gate) Enabled() bool {
	return g.enabled
}

func (g *Gate) Issue(ctx context.Context) (*domain.Challenge, error) {
	if !g.enabled {
		return nil, domain.ErrChallengeDisabled
	}
	token, err := util.GenToken()
	if err != nil {
		return nil, errors.Wrap(err, "generate challenge token")
	}
	c := &domain.Challenge{
		Token:      token,
		Difficulty: g.difficulty,
		ExpiresAt:  g.now().Add(g.ttl),
	}
	if err := g.store.Put(ctx, c); err != nil {
		return nil, errors.Wrap(err, "store challenge")
	}
	metrics.PowChallenges.WithLabelValues("issued").Inc()
	return c, nil
}

// Verify reports whether nonce solves the live challenge token. A wrong nonce
// leaves the challenge live so the client can retry before it expires; only a
// correct one consumes it. err is non-nil only when the store fails.
func (g *Gate) Verify(ctx context.Context, token string, nonce uint64) (bool, error) {
	if token == "" {
		return false, nil
	}
	c, err := g.store.Get(ctx, token)
	if err != nil {
		return false, errors.Wrap(err, "load challenge")
	}
	if c == nil {
		metrics.PowChallenges.WithLabelValues("unknown").Inc()
		return false, nil
	}
	if c.Expired(g.now()) {
		if _, err := g.store.Consume(ctx, token); err != nil {
			util.Warn().Err(err).Msg("failed to drop expired challenge")
		}
		metrics.PowChallenges.WithLabelValues("expired").Inc()
		return false, nil
	}
	sum := Digest(token, nonce)
	if LeadingZeroBits(sum[:]) < c.Difficulty {
		metrics.PowChallenges.WithLabelValues("rejected").Inc()
		return false, nil
	}
	ok, err := g.store.Consume(ctx, token)
	if err != nil {
		return false, errors.Wrap(err, "consume challenge")
	}
	if !ok {
		metrics.PowChallenges.WithLabelValues("replayed").Inc()
		return false, nil
	}
	metrics.PowChallenges.WithLabelValues("verified").Inc()
	return true, nil
}

// Start runs the expiry sweep until Stop. Expired challenges already fail
// Verify; the sweep only bounds memory.
func (g *Gate) Start() {
	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		ticker := time.NewTicker(sweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-g.quit:
				return
			case <-ticker.C:
				g.sweep()
			}
		}
	}()
}

func (g *Gate) sweep() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	n, err := g.store.Sweep(ctx, g.now())
	if err != nil {
		util.Warn().Err(err).Msg("challenge sweep failed")
		return
	}
	if n > 0 {
		util.Debug().Int("swept", n).Msg("expired challenges removed")
	}
}

func (g *Gate) Stop() {
	g.stopOnce.Do(func() {
		close(g.quit)
		g.wg.Wait()
	})
}

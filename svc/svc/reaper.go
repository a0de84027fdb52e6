package svc

import (
	"context"
	"sync"
	"time"

	"vanish/metrics"
	"vanish/svc/util"
)

type Cleaner interface {
	CleanupExpired(ctx context.Context) (int, error)
}

// Reaper periodically reclaims expired and exhausted records. Reads already
// exclude them, so a stopped or failing reaper only costs disk space.
type Reaper struct {
	store    Cleaner
	interval time.Duration
	quit     chan struct{}
	wg       sync.WaitGroup
	stopOnce sync.Once
}

func NewReaper(store Cleaner, interval time.Duration) *Reaper {
	return &Reaper{
		store:    store,
		interval: interval,
		quit:     make(chan struct{}),
	}
}

func (r *Reaper) Start() {
	r.wg.Add(1)
	go r.run()
}

func (r *Reaper) run() {
	defer r.wg.Done()
	reqID := util.NewRequestID()
	ctx, cancel := context.WithCancel(util.SetRequestID(context.Background(), reqID))
	defer cancel()
	go func() {
		<-r.quit
		cancel()
	}()
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	util.Info().Str("request_id", reqID).Dur("interval", r.interval).Msg("reaper started")
	for {
		select {
		case <-ctx.Done():
			util.Info().Str("request_id", reqID).Msg("reaper shutting down")
			return
		case <-ticker.C:
			r.RunOnce(ctx)
		}
	}
}

// RunOnce performs one sweep and returns the number of rows removed.
func (r *Reaper) RunOnce(ctx context.Context) int {
	metrics.ReaperCycles.Inc()
	deleted, err := r.store.CleanupExpired(ctx)
	if deleted > 0 {
		metrics.ReaperDeleted.Add(float64(deleted))
	}
	if err != nil {
		util.Error().Err(err).Str("request_id", util.GetRequestID(ctx)).Msg("reaper cycle failed")
		return deleted
	}
	if deleted > 0 {
		util.Info().Int("deleted", deleted).Str("request_id", util.GetRequestID(ctx)).Msg("reaper cycle completed")
	}
	return deleted
}

func (r *Reaper) Stop() {
	r.stopOnce.Do(func() {
		close(r.quit)
		r.wg.Wait()
	})
}

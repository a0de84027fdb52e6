package main

import (
	"context"
	"encoding/base64"
	"os/signal"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"vanish/cfg"
	"vanish/pkg/kms"
	"vanish/svc/api"
	"vanish/svc/auth"
	"vanish/svc/db"
	"vanish/svc/lim"
	"vanish/svc/pow"
	"vanish/svc/svc"
	"vanish/svc/util"
)

const (
	pepperSecretName = "VANISH_PEPPER"
	shutdownTimeout  = 30 * time.Second
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := cfg.Load()
		if err != nil {
			return errors.Wrap(err, "load configuration")
		}
		if err := cfg.Validate(c); err != nil {
			return errors.Wrap(err, "invalid configuration")
		}
		defer c.Wipe()
		util.InitLog(c.LogLevel, c.IsDevelopment())
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		return serve(ctx, c)
	},
}

func serve(ctx context.Context, c *cfg.Cfg) error {
	util.Info().Str("environment", c.Environment).Msg("starting vanish")

	var (
		adapter  *kms.Adapter
		kekCache *kms.KEKCache
		sealer   db.Sealer
		err      error
	)
	if c.PepperFromKMS || c.AtRestSealing {
		adapter, err = kms.NewAdapter(ctx)
		if err != nil {
			return errors.Wrap(err, "init KMS adapter")
		}
	}
	if c.AtRestSealing {
		kekCache = kms.NewKEKCache(adapter, c.KEKCacheTTL)
		defer kekCache.Stop()
		sealer = kms.NewEnvelope(adapter, kekCache)
		util.Info().Dur("kek_cache_ttl", c.KEKCacheTTL).Msg("at-rest sealing enabled")
	}

	pepper, err := loadPepper(ctx, c, adapter)
	if err != nil {
		return err
	}
	defer util.Wipe(pepper)

	digester, err := auth.NewDigester(pepper)
	if err != nil {
		return errors.Wrap(err, "init token digester")
	}
	defer digester.Close()

	hasher, err := util.NewIPHasher(pepper, c.IPHashRotationInterval)
	if err != nil {
		return errors.Wrap(err, "init IP hasher")
	}
	hasher.Start()
	defer hasher.Stop()
	util.Info().Dur("rotation_interval", c.IPHashRotationInterval).Msg("IP hasher initialized")

	store, err := db.NewSQLite(c.DatabasePath, digester, db.Options{
		MaxOpenConns: c.DBMaxOpenConns,
		QueryTimeout: c.DBQueryTimeout,
		Sealer:       sealer,
	})
	if err != nil {
		return errors.Wrap(err, "init database")
	}
	defer store.Close()
	util.Info().Str("path", c.DatabasePath).Msg("database initialized")

	var (
		rdb        *db.Redis
		challenges pow.Store = pow.NewMemStore()
		shared     lim.Shared
	)
	if c.RedisURL != "" {
		rdb, err = db.NewRedis(c.RedisURL, c)
		if err != nil {
			if !c.IsDevelopment() {
				return errors.Wrap(err, "redis required outside development")
			}
			util.Warn().Err(err).Msg("redis unavailable, using process-local state")
		} else {
			defer rdb.Close()
			challenges, shared = rdb, rdb
			util.Info().Msg("redis connected, challenges and buckets are shared")
		}
	}

	gate := pow.NewGate(challenges, c.Pow)
	gate.Start()
	defer gate.Stop()

	createLim, err := lim.New("create", c.RateLimit, c.RateLimitMaxKeys, shared)
	if err != nil {
		return errors.Wrap(err, "init create limiter")
	}
	challengeLim, err := lim.New("challenge", c.ChallengeRateLimit, c.RateLimitMaxKeys, shared)
	if err != nil {
		return errors.Wrap(err, "init challenge limiter")
	}
	util.Info().
		Int("capacity", c.RateLimit.Capacity).
		Float64("refill_per_minute", c.RateLimit.RefillPerMinute).
		Bool("shared", shared != nil).
		Msg("rate limiters initialized")

	reaper := svc.NewReaper(store, c.ReaperInterval)
	reaper.Start()
	defer reaper.Stop()

	server := api.NewServer(c, api.Deps{
		Ingestor:         svc.NewIngestor(store, createLim, gate, svc.LimitsFromCfg(c)),
		Retriever:        svc.NewRetriever(store),
		Challenges:       gate,
		ChallengeLimiter: challengeLim,
		Hasher:           hasher,
		DB:               store,
		Redis:            rdb,
	})

	quitWAL := make(chan struct{})
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		store.RunWALMaintenance(0, quitWAL)
		return nil
	})
	g.Go(server.Start)
	g.Go(func() error {
		<-gctx.Done()
		util.Info().Msg("shutting down gracefully")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		err := server.Shutdown(shutdownCtx)
		close(quitWAL)
		return err
	})
	if err := g.Wait(); err != nil {
		return errors.Wrap(err, "server")
	}
	util.Info().Msg("shutdown complete")
	return nil
}

// loadPepper returns a private copy of the digest pepper, from KMS when
// configured and from the environment otherwise.
func loadPepper(ctx context.Context, c *cfg.Cfg, adapter *kms.Adapter) ([]byte, error) {
	var pepper []byte
	if c.PepperFromKMS {
		encoded, err := adapter.GetSecret(ctx, pepperSecretName)
		if err != nil {
			return nil, errors.Wrap(err, "load pepper from KMS")
		}
		pepper, err = base64.StdEncoding.DecodeString(encoded)
		if err != nil {
			return nil, errors.Wrap(err, "decode pepper")
		}
	} else {
		pepper = c.Pepper.Bytes()
	}
	if len(pepper) < 32 {
		util.Wipe(pepper)
		return nil, errors.Errorf("pepper too short: %d bytes, need at least 32", len(pepper))
	}
	return pepper, nil
}

package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/hlog"

	"vanish/cfg"
	"vanish/pkg/domain"
	"vanish/svc/db"
	"vanish/svc/lim"
	"vanish/svc/svc"
	"vanish/svc/util"
)

// ChallengeIssuer hands out proof-of-work challenges.
type ChallengeIssuer interface {
	Issue(ctx context.Context) (*domain.Challenge, error)
}

// Deps are the long-lived components the server routes to. Redis may be nil.
type Deps struct {
	Ingestor         *svc.Ingestor
	Retriever        *svc.Retriever
	Challenges       ChallengeIssuer
	ChallengeLimiter *lim.Limiter
	Hasher           *util.IPHasher
	DB               *db.SQLite
	Redis            *db.Redis
}

type Server struct {
	router     *chi.Mux
	cfg        *cfg.Cfg
	db         *db.SQLite
	rdb        *db.Redis
	httpServer *http.Server
}

func NewServer(c *cfg.Cfg, d Deps) *Server {
	s := &Server{cfg: c, db: d.DB, rdb: d.Redis}
	r := chi.NewRouter()
	mw := NewMw(c, d.ChallengeLimiter, d.Hasher)
	r.Group(func(r chi.Router) {
		r.Use(mw.Recoverer)
		r.Get("/health", s.Health)
		r.Get("/ready", s.Ready)
		r.Handle("/metrics", mw.BasicAuthMetrics(promhttp.Handler()))
	})
	if c.IsDevelopment() {
		r.Mount("/debug", middleware.Profiler())
	}

	r.Route("/api", func(r chi.Router) {
		r.Use(mw.RequestID)
		r.Use(mw.Recoverer)
		r.Use(hlog.NewHandler(util.GetLogger()))
		r.Use(hlog.AccessHandler(func(req *http.Request, status, size int, dur time.Duration) {
			hlog.FromRequest(req).Info().
				Str("method", req.Method).
				Str("path", routePattern(req)).
				Int("status", status).
				Int("size", size).
				Dur("duration", dur).
				Str("request_id", util.GetRequestID(req.Context())).
				Msg("http request")
		}))
		r.Use(mw.Metrics)
		r.Use(mw.ContextTimeout)
		r.Use(mw.SecurityHeaders)
		r.Use(mw.CORS)
		r.Use(mw.JSONContentType)
		r.Use(mw.ClientKey)
		hdl := &Hdl{ingest: d.Ingestor, retrieve: d.Retriever, challenges: d.Challenges}
		r.With(mw.RateLimitChallenge).Get("/pow/challenge", hdl.GetChallenge)
		r.Post("/pastes", hdl.CreatePaste)
		r.Get("/pastes/{id}", hdl.GetPaste)
		r.Delete("/pastes/{id}", hdl.DeletePaste)
	})
	s.router = r
	s.httpServer = &http.Server{
		Addr:              ":" + c.Port,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
		MaxHeaderBytes:    64 * 1024,
	}
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Start blocks serving HTTP until Shutdown.
func (s *Server) Start() error {
	util.Info().Str("port", s.cfg.Port).Msg("starting server")
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		util.Error().Err(err).Str("port", s.cfg.Port).Msg("server failed to start")
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer != nil {
		return s.httpServer.Shutdown(ctx)
	}
	return nil
}

// routePattern is the matched chi pattern, so ids never end up in labels or logs.
func routePattern(r *http.Request) string {
	if rc := chi.RouteContext(r.Context()); rc != nil {
		if p := rc.RoutePattern(); p != "" {
			return p
		}
	}
	return "unmatched"
}

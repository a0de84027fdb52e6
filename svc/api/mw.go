package api

import (
	"context"
	"crypto/subtle"
	"net/http"
	"strconv"
	"time"

	"vanish/cfg"
	"vanish/metrics"
	"vanish/pkg/domain"
	"vanish/svc/lim"
	"vanish/svc/util"
)

type ctxKey int

const clientKeyCtx ctxKey = iota

type Mw struct {
	cfg    *cfg.Cfg
	lim    *lim.Limiter
	hasher *util.IPHasher
}

func NewMw(c *cfg.Cfg, challengeLimiter *lim.Limiter, hasher *util.IPHasher) *Mw {
	return &Mw{cfg: c, lim: challengeLimiter, hasher: hasher}
}

func (m *Mw) RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := util.NewRequestID()
		ctx := util.SetRequestID(r.Context(), requestID)
		w.Header().Set("X-Request-ID", requestID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (m *Mw) ContextTimeout(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), m.cfg.ContextTimeout)
		defer cancel()
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (m *Mw) SecurityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Content-Security-Policy", "default-src 'none'; frame-ancestors 'none';")
		w.Header().Set("Strict-Transport-Security", "max-age=63072000; includeSubDomains")
		w.Header().Set("Referrer-Policy", "no-referrer")
		w.Header().Set("Permissions-Policy", "geolocation=(), microphone=(), camera=()")
		next.ServeHTTP(w, r)
	})
}

func (m *Mw) Recoverer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rvr := recover(); rvr != nil {
				if rvr == http.ErrAbortHandler {
					panic(rvr)
				}
				requestID := util.GetRequestID(r.Context())
				util.Error().
					Interface("panic", rvr).
					Str("request_id", requestID).
					Msg("panic recovered")
				writeErr(w, r, domain.ErrInternalServer)
			}
		}()
		next.ServeHTTP(w, r)
	})
}

type clientIdentity struct {
	limitKey string
	logID    string
}

// ClientKey derives the opaque per-client rate-limit key and log identifier.
// The raw address never leaves this middleware.
func (m *Mw) ClientKey(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := lim.GetRealIP(r, m.cfg.TrustedProxies)
		key, err := m.hasher.Key(ip)
		if err != nil {
			util.Error().Err(err).Str("ip", util.RedactIP(ip)).Msg("failed to hash client ip")
			writeErr(w, r, domain.ErrInternalServer)
			return
		}
		logID, err := m.hasher.Hash(ip)
		if err != nil {
			util.Error().Err(err).Str("ip", util.RedactIP(ip)).Msg("failed to hash client ip")
			writeErr(w, r, domain.ErrInternalServer)
			return
		}
		id := clientIdentity{limitKey: key, logID: logID}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), clientKeyCtx, id)))
	})
}

func clientKey(r *http.Request) string {
	id, _ := r.Context().Value(clientKeyCtx).(clientIdentity)
	return id.limitKey
}

func clientLogID(r *http.Request) string {
	id, _ := r.Context().Value(clientKeyCtx).(clientIdentity)
	return id.logID
}

func (m *Mw) RateLimitChallenge(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		result := m.lim.Check(r.Context(), clientKey(r))
		w.Header().Set("X-RateLimit-Limit", strconv.Itoa(result.Limit))
		w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(result.Remaining))
		w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(result.Reset.Unix(), 10))
		if !result.Allowed {
			util.Warn().
				Str("endpoint", "challenge").
				Str("client", clientLogID(r)).
				Str("request_id", util.GetRequestID(r.Context())).
				Msg("rate limit exceeded")
			retry := int(time.Until(result.Reset).Seconds()) + 1
			w.Header().Set("Retry-After", strconv.Itoa(retry))
			writeErr(w, r, domain.ErrRateLimited)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (m *Mw) CORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		w.Header().Add("Vary", "Origin")
		isAllowed := false
		if origin != "" {
			for _, allowed := range m.cfg.AllowedOrigins {
				if allowed == "*" || origin == allowed {
					isAllowed = true
					break
				}
			}
		}
		if isAllowed {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, X-Request-ID, X-Deletion-Token")
			w.Header().Set("Access-Control-Max-Age", "300")
		}
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (m *Mw) JSONContentType(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		next.ServeHTTP(w, r)
	})
}

func (m *Mw) BasicAuthMetrics(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if m.cfg.MetricsUser == "" && m.cfg.MetricsPass.Value() == "" {
			next.ServeHTTP(w, r)
			return
		}
		user, pass, ok := r.BasicAuth()
		userMatch := 0
		passMatch := 0
		if ok {
			userMatch = subtle.ConstantTimeCompare([]byte(user), []byte(m.cfg.MetricsUser))
			passMatch = subtle.ConstantTimeCompare([]byte(pass), []byte(m.cfg.MetricsPass.Value()))
		}
		if !ok || userMatch != 1 || passMatch != 1 {
			w.Header().Set("WWW-Authenticate", `Basic realm="metrics"`)
			w.WriteHeader(http.StatusUnauthorized)
			w.Write([]byte("Unauthorized\n"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Metrics records request latency by route pattern and status.
func (m *Mw) Metrics(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(ww, r)
		metrics.RequestDuration.
			WithLabelValues(r.Method, routePattern(r), strconv.Itoa(ww.status)).
			Observe(time.Since(start).Seconds())
	})
}

type statusWriter struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

func (w *statusWriter) WriteHeader(status int) {
	if w.wroteHeader {
		return
	}
	w.status = status
	w.wroteHeader = true
	w.ResponseWriter.WriteHeader(status)
}

func (w *statusWriter) Write(b []byte) (int, error) {
	if !w.wroteHeader {
		w.WriteHeader(http.StatusOK)
	}
	return w.ResponseWriter.Write(b)
}

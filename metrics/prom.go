package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	PasteCreated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "vanish_paste_created_total",
		Help: "no. of pastes created",
	})
	PasteRetrieved = promauto.NewCounter(prometheus.CounterOpts{
		Name: "vanish_paste_retrieved_total",
		Help: "no. of successful paste reads",
	})
	PasteNotFound = promauto.NewCounter(prometheus.CounterOpts{
		Name: "vanish_paste_not_found_total",
		Help: "no. of reads of absent, expired or exhausted pastes",
	})
	PasteDestroyed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vanish_paste_destroyed_total",
			Help: "no. of pastes destroyed, by cause",
		},
		[]string{"cause"},
	)
	IngestRejected = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vanish_ingest_rejected_total",
			Help: "no. of rejected create requests, by reason code",
		},
		[]string{"reason"},
	)
	PowChallenges = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vanish_pow_challenges_total",
			Help: "proof-of-work challenge outcomes",
		},
		[]string{"outcome"},
	)
	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "vanish_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "endpoint", "status"},
	)
	RateLimitHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vanish_rate_limit_hits_total",
			Help: "no. of rate limit violations",
		},
		[]string{"scope"},
	)
	RateLimitFallbacks = promauto.NewCounter(prometheus.CounterOpts{
		Name: "vanish_rate_limit_fallbacks_total",
		Help: "no. of shared bucket checks answered locally after a redis error",
	})
	ReaperCycles = promauto.NewCounter(prometheus.CounterOpts{
		Name: "vanish_reaper_cycles_total",
		Help: "no. of reaper cycles",
	})
	ReaperDeleted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "vanish_reaper_deleted_total",
		Help: "no. of expired or exhausted rows reclaimed",
	})
	SealOps = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vanish_seal_operations_total",
			Help: "no. of at-rest seal/open operations",
		},
		[]string{"operation"},
	)
	CircuitOpen = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "vanish_db_circuit_open",
		Help: "1 while the sqlite circuit breaker is open",
	})
)

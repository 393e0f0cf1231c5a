package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "ciphertoken"

var (
	TokensMinted = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "tokens_minted_total",
		Help:      "no. of single-use hashes minted, by cipher",
	}, []string{"algorithm"})
	DecryptOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "decrypt_outcomes_total",
		Help:      "no. of decrypt attempts, by outcome",
	}, []string{"outcome"})
	ConsumeRaceLost = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "consume_race_lost_total",
		Help:      "no. of decrypts that passed the read check but lost the consume update",
	})
	CacheHits = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "cache_hits_total",
		Help:      "no. of token cache hits",
	})
	CacheMisses = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "cache_misses_total",
		Help:      "no. of token cache misses",
	})
	UsersRegistered = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "users_registered_total",
		Help:      "no. of accounts created",
	})
	LoginFailures = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "login_failures_total",
		Help:      "no. of rejected logins",
	})
	RequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "request_duration_seconds",
		Help:      "HTTP request duration in seconds",
		Buckets:   prometheus.DefBuckets,
	}, []string{"method", "route", "status"})
	RateLimitHits = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "rate_limit_hits_total",
		Help:      "no. of rate limit rejections, by endpoint class",
	}, []string{"endpoint"})
	CleanupRuns = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "cleanup_runs_total",
		Help:      "no. of consumed-token cleanup cycles",
	})
	TokensPurged = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "tokens_purged_total",
		Help:      "no. of consumed tokens deleted by retention",
	})
	RecentErrorRatePercent = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "recent_error_rate_percent",
		Help:      "5min rolling 5xx rate percentage",
	})
)

// Outcome labels for DecryptOutcomes.
const (
	OutcomeOK          = "ok"
	OutcomeNotFound    = "not_found"
	OutcomeAlreadyUsed = "already_used"
	OutcomeDecodeError = "decode_error"
	OutcomeError       = "error"
)

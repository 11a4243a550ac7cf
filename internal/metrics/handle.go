// Package metrics builds the Prometheus handles each component is
// constructed with, replacing a global registry with an explicit handle
// so dashboards read a zero, not a blank, before first use.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Handle groups the counters/gauges every component writes to. It is
// constructed once per process and passed by reference to C1, C3 and C4.
type Handle struct {
	cacheHits    *prometheus.CounterVec
	cacheErrors  *prometheus.CounterVec
	mempoolOutcomes *prometheus.CounterVec
	reconcilerOutcomes *prometheus.CounterVec
	cacheSize    prometheus.Gauge
}

// ErrorKind labels a cacheable or transient price-estimation failure.
type ErrorKind string

const (
	ErrorKindNone                ErrorKind = "none"
	ErrorKindNoLiquidity         ErrorKind = "no_liquidity"
	ErrorKindUnsupportedToken    ErrorKind = "unsupported_token"
	ErrorKindRateLimited         ErrorKind = "rate_limited"
	ErrorKindEstimatorInternal   ErrorKind = "estimator_internal"
	ErrorKindProtocolInternal    ErrorKind = "protocol_internal"
	ErrorKindUnsupportedOrder    ErrorKind = "unsupported_order_type"
)

var allErrorKinds = []ErrorKind{
	ErrorKindNone, ErrorKindNoLiquidity, ErrorKindUnsupportedToken,
	ErrorKindRateLimited, ErrorKindEstimatorInternal, ErrorKindProtocolInternal,
	ErrorKindUnsupportedOrder,
}

// MempoolOutcome labels how a single mempool's submission task resolved.
type MempoolOutcome string

const (
	MempoolOutcomeExecuted        MempoolOutcome = "executed"
	MempoolOutcomeReverted        MempoolOutcome = "reverted"
	MempoolOutcomeSimulationRevert MempoolOutcome = "simulation_revert"
	MempoolOutcomeExpired         MempoolOutcome = "expired"
	MempoolOutcomeDisabled        MempoolOutcome = "disabled"
	MempoolOutcomeRaceLost        MempoolOutcome = "race_lost"
	MempoolOutcomeOther           MempoolOutcome = "other"
)

var allMempoolOutcomes = []MempoolOutcome{
	MempoolOutcomeExecuted, MempoolOutcomeReverted, MempoolOutcomeSimulationRevert,
	MempoolOutcomeExpired, MempoolOutcomeDisabled, MempoolOutcomeRaceLost, MempoolOutcomeOther,
}

// ReconcilerOutcome labels how one reconciler update() step resolved.
type ReconcilerOutcome string

const (
	ReconcilerOutcomeNoWork             ReconcilerOutcome = "no_work"
	ReconcilerOutcomeReorg              ReconcilerOutcome = "reorg"
	ReconcilerOutcomeInvalidCalldata    ReconcilerOutcome = "invalid_calldata"
	ReconcilerOutcomeDoNotAddAuctionData ReconcilerOutcome = "do_not_add_auction_data"
	ReconcilerOutcomeAddAuctionData     ReconcilerOutcome = "add_auction_data"
)

var allReconcilerOutcomes = []ReconcilerOutcome{
	ReconcilerOutcomeNoWork, ReconcilerOutcomeReorg, ReconcilerOutcomeInvalidCalldata,
	ReconcilerOutcomeDoNotAddAuctionData, ReconcilerOutcomeAddAuctionData,
}

// New registers every counter and pre-seeds every label combination at
// zero. Pass a dedicated *prometheus.Registry in tests to avoid colliding
// with the default global registry.
func New(reg prometheus.Registerer) *Handle {
	h := &Handle{
		cacheHits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "coresettle_price_cache_lookups_total",
			Help: "Native price cache lookups by hit/miss.",
		}, []string{"hit"}),
		cacheErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "coresettle_price_cache_errors_total",
			Help: "Native price estimation outcomes by error kind.",
		}, []string{"kind"}),
		mempoolOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "coresettle_mempool_submissions_total",
			Help: "Settlement submissions per mempool kind by outcome.",
		}, []string{"mempool", "outcome"}),
		reconcilerOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "coresettle_reconciler_updates_total",
			Help: "Reconciler update() steps by outcome.",
		}, []string{"outcome"}),
		cacheSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "coresettle_price_cache_entries",
			Help: "Current number of entries held by the native price cache.",
		}),
	}
	reg.MustRegister(h.cacheHits, h.cacheErrors, h.mempoolOutcomes, h.reconcilerOutcomes, h.cacheSize)

	for _, hit := range []string{"true", "false"} {
		h.cacheHits.WithLabelValues(hit).Add(0)
	}
	for _, kind := range allErrorKinds {
		h.cacheErrors.WithLabelValues(string(kind)).Add(0)
	}
	for _, outcome := range allMempoolOutcomes {
		for _, kind := range []string{"public_enabled", "public_disabled", "private"} {
			h.mempoolOutcomes.WithLabelValues(kind, string(outcome)).Add(0)
		}
	}
	for _, outcome := range allReconcilerOutcomes {
		h.reconcilerOutcomes.WithLabelValues(string(outcome)).Add(0)
	}
	return h
}

func (h *Handle) ObserveCacheLookup(hit bool) {
	if h == nil {
		return
	}
	if hit {
		h.cacheHits.WithLabelValues("true").Inc()
	} else {
		h.cacheHits.WithLabelValues("false").Inc()
	}
}

func (h *Handle) ObserveCacheError(kind ErrorKind) {
	if h == nil {
		return
	}
	h.cacheErrors.WithLabelValues(string(kind)).Inc()
}

func (h *Handle) SetCacheSize(n int) {
	if h == nil {
		return
	}
	h.cacheSize.Set(float64(n))
}

// ObserveMempoolOutcome records one mempool task's result, invoked once
// per mempool regardless of which one wins the race: every competitor's
// outcome is observable, not only the winner's.
func (h *Handle) ObserveMempoolOutcome(mempoolKind string, outcome MempoolOutcome) {
	if h == nil {
		return
	}
	h.mempoolOutcomes.WithLabelValues(mempoolKind, string(outcome)).Inc()
}

func (h *Handle) ObserveReconcilerOutcome(outcome ReconcilerOutcome) {
	if h == nil {
		return
	}
	h.reconcilerOutcomes.WithLabelValues(string(outcome)).Inc()
}

package metrics

import "github.com/prometheus/client_golang/prometheus"

// Lock kinds used as the "kind" label.
const (
	KindLease     = "lease"
	KindSemaphore = "semaphore"
	KindInMemory  = "inmemory"
)

var (
	// AcquiredCounter tracks successful lock and semaphore acquisitions.
	AcquiredCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "warp_lock_acquired_total",
		Help: "Total number of successful acquisitions",
	}, []string{"kind"})
	// ContendedCounter tracks single attempts that found the lock held.
	ContendedCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "warp_lock_contended_total",
		Help: "Total number of acquisition attempts that lost to another holder",
	}, []string{"kind"})
	// TimeoutCounter tracks Acquire calls that gave up.
	TimeoutCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "warp_lock_acquire_timeouts_total",
		Help: "Total number of Acquire calls that timed out",
	}, []string{"kind"})
	// ReleasedCounter tracks release calls that removed a holder.
	ReleasedCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "warp_lock_released_total",
		Help: "Total number of releases that removed a holder",
	}, []string{"kind"})
	// ReleaseAbortedCounter tracks releases whose transaction was aborted.
	ReleaseAbortedCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "warp_lock_release_aborted_total",
		Help: "Total number of releases aborted because the lock changed hands",
	})

	// CleanerEvictedCounter tracks identifiers handed to cleanup handlers.
	CleanerEvictedCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "warp_cleaner_evicted_total",
		Help: "Total number of identifiers passed to cleanup handlers",
	})
	// CleanerCandidatesGauge reports the last observed candidate set size.
	CleanerCandidatesGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "warp_cleaner_candidates",
		Help: "Size of the cleanup candidate set at the last sweep",
	})
	// HandlerFailureCounter tracks cleanup handler errors.
	HandlerFailureCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "warp_cleaner_handler_failures_total",
		Help: "Total number of cleanup handler failures",
	}, []string{"handler"})

	// RowRefreshedCounter tracks rows recomputed by the refresher.
	RowRefreshedCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "warp_rowcache_refreshed_total",
		Help: "Total number of cached rows refreshed",
	})
	// RowEvictedCounter tracks rows removed after their delay was cancelled.
	RowEvictedCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "warp_rowcache_evicted_total",
		Help: "Total number of cached rows evicted",
	})
	// RowFetchFailureCounter tracks fetcher errors.
	RowFetchFailureCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "warp_rowcache_fetch_failures_total",
		Help: "Total number of row fetch failures",
	})

	// ValidatorMismatchCounter tracks unpaired delay and schedule entries.
	ValidatorMismatchCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "warp_validator_mismatches_total",
		Help: "Total number of unpaired row cache entries found",
	}, []string{"kind"})
)

// NewRegistry creates a new Prometheus registry.
func NewRegistry() *prometheus.Registry {
	return prometheus.NewRegistry()
}

// RegisterCoordMetrics registers lock, cleaner, rowcache and validator
// metrics on reg.
func RegisterCoordMetrics(reg prometheus.Registerer) {
	reg.MustRegister(
		AcquiredCounter, ContendedCounter, TimeoutCounter, ReleasedCounter, ReleaseAbortedCounter,
		CleanerEvictedCounter, CleanerCandidatesGauge, HandlerFailureCounter,
		RowRefreshedCounter, RowEvictedCounter, RowFetchFailureCounter,
		ValidatorMismatchCounter,
	)
}

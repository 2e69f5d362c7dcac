package observability

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registerOnce          sync.Once
	httpDurationHistogram *prometheus.HistogramVec
	settlementCounter     *prometheus.CounterVec
	sweepRunCounter       *prometheus.CounterVec
	sweepItemsCounter     *prometheus.CounterVec
	idempotencyCounter    *prometheus.CounterVec
	lockedFundsGauge      *prometheus.GaugeVec
	lockedFundsCleanup    *prometheus.CounterVec
	outboxCounter         *prometheus.CounterVec
	workerRunCounter      *prometheus.CounterVec
)

// Init registers all Prometheus collectors.
func Init() {
	registerOnce.Do(func() {
		httpDurationHistogram = prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request latency",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "path", "status"})

		settlementCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "escrow_settlements_total",
			Help: "Dispute resolutions by kind and outcome",
		}, []string{"kind", "outcome"})

		sweepRunCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "escrow_sweep_runs_total",
			Help: "Reconciler sweep runs by sweep and outcome",
		}, []string{"sweep", "result"})

		sweepItemsCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "escrow_sweep_items_total",
			Help: "Escrows handled by each sweep, split by processed, failed and skipped",
		}, []string{"sweep", "outcome"})

		idempotencyCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "idempotency_events_total",
			Help: "Idempotency guard outcomes",
		}, []string{"outcome"})

		lockedFundsGauge = prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "locked_funds_findings",
			Help: "Findings from the most recent locked-funds audit",
		}, []string{"category", "severity"})

		lockedFundsCleanup = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "locked_funds_cleanup_total",
			Help: "Automatic locked-funds cleanup decisions",
		}, []string{"result"})

		outboxCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "outbox_publish_total",
			Help: "Outbox relay publish outcomes",
		}, []string{"event_type", "result"})

		workerRunCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "worker_runs_total",
			Help: "Background worker run outcomes",
		}, []string{"worker", "result"})

		prometheus.MustRegister(
			httpDurationHistogram,
			settlementCounter,
			sweepRunCounter,
			sweepItemsCounter,
			idempotencyCounter,
			lockedFundsGauge,
			lockedFundsCleanup,
			outboxCounter,
			workerRunCounter,
		)
	})
}

func ObserveHTTP(method, path string, status int, duration time.Duration) {
	if httpDurationHistogram == nil {
		return
	}
	httpDurationHistogram.WithLabelValues(method, path, strconv.Itoa(status)).Observe(duration.Seconds())
}

func IncrementSettlement(kind, outcome string) {
	if settlementCounter == nil {
		return
	}
	settlementCounter.WithLabelValues(kind, outcome).Inc()
}

// ObserveSweep records one sweep run and its per-item counts.
func ObserveSweep(sweep, result string, processed, failed, skipped int) {
	if sweepRunCounter == nil {
		return
	}
	sweepRunCounter.WithLabelValues(sweep, result).Inc()
	sweepItemsCounter.WithLabelValues(sweep, "processed").Add(float64(processed))
	sweepItemsCounter.WithLabelValues(sweep, "failed").Add(float64(failed))
	sweepItemsCounter.WithLabelValues(sweep, "skipped").Add(float64(skipped))
}

func IncrementIdempotencyEvent(outcome string) {
	if idempotencyCounter == nil {
		return
	}
	idempotencyCounter.WithLabelValues(outcome).Inc()
}

func SetLockedFundsFindings(category, severity string, count int) {
	if lockedFundsGauge == nil {
		return
	}
	lockedFundsGauge.WithLabelValues(category, severity).Set(float64(count))
}

func IncrementLockedFundsCleanup(result string) {
	if lockedFundsCleanup == nil {
		return
	}
	lockedFundsCleanup.WithLabelValues(result).Inc()
}

func IncrementOutboxPublish(eventType, result string) {
	if outboxCounter == nil {
		return
	}
	outboxCounter.WithLabelValues(eventType, result).Inc()
}

func IncrementWorkerRun(worker, result string) {
	if workerRunCounter == nil {
		return
	}
	workerRunCounter.WithLabelValues(worker, result).Inc()
}

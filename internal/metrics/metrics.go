package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Recorder exposes Prometheus metrics for the quota engine, block
// registry and threat detector. A nil *Recorder is valid and records
// nothing, so components can run without metrics in tests.
type Recorder struct {
	checks           *prometheus.CounterVec
	checkDuration    prometheus.Histogram
	storeFailures    *prometheus.CounterVec
	detectorFailures *prometheus.CounterVec
	threats          *prometheus.CounterVec
	blocks           *prometheus.CounterVec
	unblocks         prometheus.Counter
	auditFailures    *prometheus.CounterVec
}

// NewRecorder registers metrics with the provided registry.
func NewRecorder(reg prometheus.Registerer) *Recorder {
	r := &Recorder{
		checks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "aegis_quota_checks_total",
			Help: "Quota checks grouped by namespace and outcome",
		}, []string{"namespace", "outcome"}),
		checkDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "aegis_quota_check_duration_seconds",
			Help:    "Latency of quota checks including store round-trips",
			Buckets: prometheus.DefBuckets,
		}),
		storeFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "aegis_store_failures_total",
			Help: "Store errors converted to fail-open results, grouped by operation",
		}, []string{"op"}),
		detectorFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "aegis_detector_failures_total",
			Help: "Detection rules that failed internally and returned no threat",
		}, []string{"rule"}),
		threats: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "aegis_threats_total",
			Help: "Security threats detected, grouped by type and severity",
		}, []string{"type", "severity"}),
		blocks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "aegis_blocks_total",
			Help: "Blocks created, grouped by namespace and reason",
		}, []string{"namespace", "reason"}),
		unblocks: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "aegis_unblocks_total",
			Help: "Explicit administrative unblocks",
		}),
		auditFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "aegis_audit_emit_failures_total",
			Help: "Security events that could not be forwarded, grouped by sink",
		}, []string{"sink"}),
	}

	reg.MustRegister(
		r.checks,
		r.checkDuration,
		r.storeFailures,
		r.detectorFailures,
		r.threats,
		r.blocks,
		r.unblocks,
		r.auditFailures,
	)
	return r
}

// Check outcomes.
const (
	OutcomeAllowed = "allowed"
	OutcomeDenied  = "denied"
	OutcomeBlocked = "blocked"
)

func (r *Recorder) Check(namespace, outcome string) {
	if r == nil {
		return
	}
	r.checks.WithLabelValues(namespace, outcome).Inc()
}

func (r *Recorder) CheckDuration(seconds float64) {
	if r == nil {
		return
	}
	r.checkDuration.Observe(seconds)
}

func (r *Recorder) StoreFailure(op string) {
	if r == nil {
		return
	}
	r.storeFailures.WithLabelValues(op).Inc()
}

func (r *Recorder) DetectorFailure(rule string) {
	if r == nil {
		return
	}
	r.detectorFailures.WithLabelValues(rule).Inc()
}

func (r *Recorder) Threat(threatType, severity string) {
	if r == nil {
		return
	}
	r.threats.WithLabelValues(threatType, severity).Inc()
}

func (r *Recorder) Block(namespace, reason string) {
	if r == nil {
		return
	}
	r.blocks.WithLabelValues(namespace, reason).Inc()
}

func (r *Recorder) Unblock() {
	if r == nil {
		return
	}
	r.unblocks.Inc()
}

func (r *Recorder) AuditFailure(sink string) {
	if r == nil {
		return
	}
	r.auditFailures.WithLabelValues(sink).Inc()
}

// Handler returns the scrape endpoint for the given registry.
func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
}

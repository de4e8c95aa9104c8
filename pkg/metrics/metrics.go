// Package metrics exposes attendcore's Prometheus metrics.
//
// A Registry is owned by the process that opens the core and is passed to
// services explicitly. A nil *Registry is valid and records nothing, so
// library callers and tests can skip metrics entirely.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "attendcore"

// Registry holds all attendcore metrics.
type Registry struct {
	reg *prometheus.Registry

	storeMutations      *prometheus.CounterVec
	auditAppends        prometheus.Counter
	integrityViolations *prometheus.CounterVec
	syncAttempts        *prometheus.CounterVec
	syncTerminal        *prometheus.CounterVec
	storageUsage        prometheus.Gauge
	queueDepth          *prometheus.GaugeVec
	connectionOnline    prometheus.Gauge
	connectionQuality   *prometheus.GaugeVec
	probeRTT            prometheus.Histogram
	backups             *prometheus.CounterVec
	cleanupFreed        prometheus.Counter
}

// NewRegistry creates a registry with every attendcore collector registered.
func NewRegistry() *Registry {
	r := &Registry{reg: prometheus.NewRegistry()}
	f := func(c prometheus.Collector) { r.reg.MustRegister(c) }

	r.storeMutations = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "store", Name: "mutations_total",
		Help: "Successful store mutations by collection and action.",
	}, []string{"collection", "action"})
	r.auditAppends = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "audit", Name: "appends_total",
		Help: "Audit entries appended.",
	})
	r.integrityViolations = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "integrity", Name: "violations_total",
		Help: "Records or backups whose signature did not verify.",
	}, []string{"kind"})
	r.syncAttempts = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "sync", Name: "attempts_total",
		Help: "Sync batch attempts by data type and result.",
	}, []string{"data_type", "result"})
	r.syncTerminal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "sync", Name: "terminal_failures_total",
		Help: "Operations that reached the failed state.",
	}, []string{"data_type"})
	r.storageUsage = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace, Subsystem: "storage", Name: "usage_percent",
		Help: "Storage usage as a percentage of quota.",
	})
	r.queueDepth = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace, Subsystem: "sync", Name: "queue_depth",
		Help: "Queued operations by status.",
	}, []string{"status"})
	r.connectionOnline = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace, Subsystem: "connection", Name: "online",
		Help: "1 when the monitor reports online.",
	})
	r.connectionQuality = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace, Subsystem: "connection", Name: "quality",
		Help: "1 for the current link quality label.",
	}, []string{"quality"})
	r.probeRTT = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace, Subsystem: "connection", Name: "probe_rtt_seconds",
		Help:    "Round-trip time of connectivity probes.",
		Buckets: []float64{.025, .05, .1, .15, .3, .6, 1, 2.5, 5},
	})
	r.backups = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "backup", Name: "operations_total",
		Help: "Backup operations by kind and result.",
	}, []string{"op", "result"})
	r.cleanupFreed = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "storage", Name: "cleanup_freed_bytes_total",
		Help: "Bytes reclaimed by cleanup.",
	})

	f(r.storeMutations)
	f(r.auditAppends)
	f(r.integrityViolations)
	f(r.syncAttempts)
	f(r.syncTerminal)
	f(r.storageUsage)
	f(r.queueDepth)
	f(r.connectionOnline)
	f(r.connectionQuality)
	f(r.probeRTT)
	f(r.backups)
	f(r.cleanupFreed)
	return r
}

// Gatherer returns the underlying gatherer for tests and custom exporters.
func (r *Registry) Gatherer() prometheus.Gatherer {
	if r == nil {
		return prometheus.NewRegistry()
	}
	return r.reg
}

// Handler serves the registry in the Prometheus exposition format.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.Gatherer(), promhttp.HandlerOpts{})
}

// StoreMutation counts a successful store mutation.
func (r *Registry) StoreMutation(collection, action string) {
	if r == nil {
		return
	}
	r.storeMutations.WithLabelValues(collection, action).Inc()
}

// AuditAppend counts an appended audit entry.
func (r *Registry) AuditAppend() {
	if r == nil {
		return
	}
	r.auditAppends.Inc()
}

// IntegrityViolation counts a failed verification. kind is "record" or "backup".
func (r *Registry) IntegrityViolation(kind string) {
	if r == nil {
		return
	}
	r.integrityViolations.WithLabelValues(kind).Inc()
}

// SyncAttempt counts a batch attempt.
func (r *Registry) SyncAttempt(dataType string, success bool) {
	if r == nil {
		return
	}
	r.syncAttempts.WithLabelValues(dataType, result(success)).Inc()
}

// SyncTerminalFailure counts an operation moved to failed.
func (r *Registry) SyncTerminalFailure(dataType string) {
	if r == nil {
		return
	}
	r.syncTerminal.WithLabelValues(dataType).Inc()
}

// SetStorageUsage records usage percent of quota.
func (r *Registry) SetStorageUsage(percent float64) {
	if r == nil {
		return
	}
	r.storageUsage.Set(percent)
}

// SetQueueDepth records the number of operations in a status.
func (r *Registry) SetQueueDepth(status string, n int) {
	if r == nil {
		return
	}
	r.queueDepth.WithLabelValues(status).Set(float64(n))
}

// SetConnection records the monitor state.
func (r *Registry) SetConnection(online bool, quality string) {
	if r == nil {
		return
	}
	if online {
		r.connectionOnline.Set(1)
	} else {
		r.connectionOnline.Set(0)
	}
	r.connectionQuality.Reset()
	r.connectionQuality.WithLabelValues(quality).Set(1)
}

// ObserveProbe records a probe round-trip time.
func (r *Registry) ObserveProbe(rtt time.Duration) {
	if r == nil {
		return
	}
	r.probeRTT.Observe(rtt.Seconds())
}

// RecordBackup counts a backup operation (create, import, export).
func (r *Registry) RecordBackup(op string, success bool) {
	if r == nil {
		return
	}
	r.backups.WithLabelValues(op, result(success)).Inc()
}

// CleanupFreed adds reclaimed bytes.
func (r *Registry) CleanupFreed(bytes int64) {
	if r == nil || bytes <= 0 {
		return
	}
	r.cleanupFreed.Add(float64(bytes))
}

func result(success bool) string {
	if success {
		return "success"
	}
	return "failure"
}

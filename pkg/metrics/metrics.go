// Package metrics exposes the hub's Prometheus instrumentation.
//
// All collectors hang off one Metrics value backed by a private
// registry, so tests and multi-instance setups never fight over global
// state. A nil *Metrics is valid and records nothing; callers pass nil
// when the endpoint is disabled and skip instrumentation without
// branching.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds every collector the hub exports.
type Metrics struct {
	registry *prometheus.Registry

	httpRequests *prometheus.CounterVec
	httpDuration *prometheus.HistogramVec

	commits       *prometheus.CounterVec
	commitSeconds *prometheus.HistogramVec

	resolves         *prometheus.CounterVec
	downloadSessions prometheus.Counter

	lfsBatchObjects *prometheus.CounterVec

	fallbackProbes *prometheus.CounterVec
	fallbackRelays *prometheus.CounterVec

	quotaRejections prometheus.Counter

	taskRuns    *prometheus.CounterVec
	taskSeconds *prometheus.HistogramVec
}

// New creates a Metrics value with its own registry, including the
// standard Go and process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	return &Metrics{
		registry: reg,

		httpRequests: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "kohakuhub_http_requests_total",
				Help: "HTTP requests by method, route pattern, and status code",
			},
			[]string{"method", "route", "status"},
		),
		httpDuration: promauto.With(reg).NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "kohakuhub_http_request_duration_seconds",
				Help:    "HTTP request duration by method and route pattern",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "route"},
		),

		commits: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "kohakuhub_commits_total",
				Help: "Commit attempts by repo type and outcome",
			},
			[]string{"repo_type", "status"},
		),
		commitSeconds: promauto.With(reg).NewHistogramVec(
			prometheus.HistogramOpts{
				Name: "kohakuhub_commit_duration_seconds",
				Help: "End-to-end commit duration including staging and recording",
				// Commits stage payload bytes, so the tail runs long.
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
			},
			[]string{"repo_type"},
		),

		resolves: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "kohakuhub_resolves_total",
				Help: "Resolve requests by repo type and outcome (local, fallback, miss)",
			},
			[]string{"repo_type", "outcome"},
		),
		downloadSessions: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Name: "kohakuhub_download_sessions_total",
				Help: "Deduplicated download sessions recorded by the stats layer",
			},
		),

		lfsBatchObjects: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "kohakuhub_lfs_batch_objects_total",
				Help: "LFS batch objects by requested operation and negotiated action",
			},
			[]string{"operation", "action"},
		),

		fallbackProbes: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "kohakuhub_fallback_probes_total",
				Help: "Upstream existence probes by source and verdict",
			},
			[]string{"source", "verdict"},
		),
		fallbackRelays: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "kohakuhub_fallback_relays_total",
				Help: "Relayed upstream responses by source and status code",
			},
			[]string{"source", "status"},
		),

		quotaRejections: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Name: "kohakuhub_quota_rejections_total",
				Help: "Commits rejected because a storage budget would be exceeded",
			},
		),

		taskRuns: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "kohakuhub_task_runs_total",
				Help: "Background task runs by task name and outcome",
			},
			[]string{"task", "status"},
		),
		taskSeconds: promauto.With(reg).NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "kohakuhub_task_duration_seconds",
				Help:    "Background task run duration",
				Buckets: []float64{0.01, 0.1, 0.5, 1, 5, 15, 60, 300},
			},
			[]string{"task"},
		),
	}
}

// Handler serves the scrape endpoint for this registry.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ObserveHTTP records one served request. route must be the matched
// pattern, not the raw path, to keep cardinality bounded.
func (m *Metrics) ObserveHTTP(method, route string, status int, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.httpRequests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	m.httpDuration.WithLabelValues(method, route).Observe(elapsed.Seconds())
}

// ObserveCommit records one commit attempt.
func (m *Metrics) ObserveCommit(repoType string, err error, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.commits.WithLabelValues(repoType, outcome(err)).Inc()
	m.commitSeconds.WithLabelValues(repoType).Observe(elapsed.Seconds())
}

// ObserveResolve records one resolve by outcome: "local", "fallback", or
// "miss".
func (m *Metrics) ObserveResolve(repoType, outcome string) {
	if m == nil {
		return
	}
	m.resolves.WithLabelValues(repoType, outcome).Inc()
}

// ObserveDownloadSession records one deduplicated download session.
func (m *Metrics) ObserveDownloadSession() {
	if m == nil {
		return
	}
	m.downloadSessions.Inc()
}

// ObserveLFSBatch records negotiated batch objects. action is "none"
// (already present), "upload", "multipart", or "download".
func (m *Metrics) ObserveLFSBatch(operation, action string, objects int) {
	if m == nil || objects <= 0 {
		return
	}
	m.lfsBatchObjects.WithLabelValues(operation, action).Add(float64(objects))
}

// ObserveFallbackProbe records one upstream existence probe.
func (m *Metrics) ObserveFallbackProbe(source string, exists bool) {
	if m == nil {
		return
	}
	verdict := "negative"
	if exists {
		verdict = "positive"
	}
	m.fallbackProbes.WithLabelValues(source, verdict).Inc()
}

// ObserveFallbackRelay records one relayed upstream response.
func (m *Metrics) ObserveFallbackRelay(source string, status int) {
	if m == nil {
		return
	}
	m.fallbackRelays.WithLabelValues(source, strconv.Itoa(status)).Inc()
}

// ObserveQuotaRejection records one commit refused on quota.
func (m *Metrics) ObserveQuotaRejection() {
	if m == nil {
		return
	}
	m.quotaRejections.Inc()
}

// ObserveTask records one background task run.
func (m *Metrics) ObserveTask(task string, err error, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.taskRuns.WithLabelValues(task, outcome(err)).Inc()
	m.taskSeconds.WithLabelValues(task).Observe(elapsed.Seconds())
}

func outcome(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}

// Package metrics provides Prometheus metrics for the clipboard file bridge.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Generation lifecycle
	generationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cliprdr_fuse_generations_total",
			Help: "Generations begun, by outcome",
		},
		[]string{"pinned", "status"},
	)

	generationsLive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "cliprdr_fuse_generations_live",
			Help: "Generations currently exposed under the mount root",
		},
	)

	unlockFailuresTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "cliprdr_fuse_unlock_failures_total",
			Help: "Unlock Clipboard Data PDUs that could not be sent",
		},
	)

	unchangedListsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "cliprdr_fuse_unchanged_file_lists_total",
			Help: "Re-announced file lists skipped because their content did not change",
		},
	)

	// Node store
	nodesLive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "cliprdr_fuse_nodes",
			Help: "Nodes in the virtual tree, root included",
		},
	)

	// File contents requests
	requestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cliprdr_fuse_contents_requests_total",
			Help: "File contents requests by kind and outcome",
		},
		[]string{"kind", "status"},
	)

	requestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "cliprdr_fuse_contents_request_duration_seconds",
			Help:    "Time from sending a file contents request to its completion",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"kind"},
	)

	requestsPending = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "cliprdr_fuse_contents_requests_pending",
			Help: "File contents requests awaiting a response",
		},
	)

	lateResponsesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "cliprdr_fuse_late_responses_total",
			Help: "Responses discarded because their stream id was no longer pending",
		},
	)

	bytesRead = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "cliprdr_fuse_bytes_read_total",
			Help: "Bytes delivered to readers from range responses",
		},
	)

	// Invalidation
	sweepsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "cliprdr_fuse_invalidation_sweeps_total",
			Help: "Invalidation sweeps run",
		},
	)

	sweepDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "cliprdr_fuse_invalidation_sweep_duration_seconds",
			Help:    "Time to detach, drain, notify and release one sweep",
			Buckets: prometheus.DefBuckets,
		},
	)

	drainedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "cliprdr_fuse_drained_requests_total",
			Help: "Held kernel calls failed by an invalidation sweep",
		},
	)

	// Local streams served to the remote
	localRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cliprdr_fuse_local_requests_total",
			Help: "File contents requests served from local streams, by kind and outcome",
		},
		[]string{"kind", "status"},
	)

	localBytesServed = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "cliprdr_fuse_local_bytes_served_total",
			Help: "Bytes served to the remote from local files",
		},
	)
)

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

func status(ok bool) string {
	if ok {
		return "success"
	}
	return "failure"
}

// RecordGeneration records the outcome of beginning a generation.
func RecordGeneration(pinned, ok bool) {
	p := "false"
	if pinned {
		p = "true"
	}
	generationsTotal.WithLabelValues(p, status(ok)).Inc()
}

// SetGenerationsLive sets the number of live generations.
func SetGenerationsLive(n int) {
	generationsLive.Set(float64(n))
}

// RecordUnlockFailure records an unlock that could not be sent.
func RecordUnlockFailure() {
	unlockFailuresTotal.Inc()
}

// RecordUnchangedList records a re-announced, identical file list.
func RecordUnchangedList() {
	unchangedListsTotal.Inc()
}

// SetNodes sets the node count.
func SetNodes(n int) {
	nodesLive.Set(float64(n))
}

// SetPending sets the number of pending file contents requests.
func SetPending(n int) {
	requestsPending.Set(float64(n))
}

// RecordRequest records a completed file contents request.
func RecordRequest(kind string, ok bool, duration time.Duration) {
	requestsTotal.WithLabelValues(kind, status(ok)).Inc()
	requestDuration.WithLabelValues(kind).Observe(duration.Seconds())
}

// RecordLateResponse records a response for an unknown stream id.
func RecordLateResponse() {
	lateResponsesTotal.Inc()
}

// RecordBytesRead records bytes delivered to a reader.
func RecordBytesRead(n int) {
	bytesRead.Add(float64(n))
}

// RecordSweep records one invalidation sweep.
func RecordSweep(drained int, duration time.Duration) {
	sweepsTotal.Inc()
	drainedTotal.Add(float64(drained))
	sweepDuration.Observe(duration.Seconds())
}

// RecordLocalRequest records a request served from a local stream.
func RecordLocalRequest(kind string, ok bool, bytes int) {
	localRequestsTotal.WithLabelValues(kind, status(ok)).Inc()
	if ok {
		localBytesServed.Add(float64(bytes))
	}
}

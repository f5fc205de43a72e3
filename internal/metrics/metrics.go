package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Stream metrics
var (
	StreamLinesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "feedarchiver_stream_lines_total",
		Help: "Total number of non-empty lines received from the stream",
	})

	StreamParseErrorsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "feedarchiver_stream_parse_errors_total",
		Help: "Total number of lines dropped because they could not be parsed",
	})

	StreamConnectionState = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "feedarchiver_stream_connection_state",
		Help: "Stream connection state (1=connected, 0=disconnected)",
	})

	StreamConnectsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "feedarchiver_stream_connects_total",
		Help: "Total number of successful stream connections",
	})

	StreamFailuresTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "feedarchiver_stream_failures_total",
		Help: "Total number of stream connection failures",
	}, []string{"reason"})

	// scope is "global" when the whole line was shed and "listener" when a
	// single listener was over its ceiling.
	OverloadDropsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "feedarchiver_overload_drops_total",
		Help: "Total number of dispatches shed because consumers were too slow",
	}, []string{"scope"})
)

// Pipeline metrics (gauges updated periodically by collector)
var (
	PoolQueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "feedarchiver_pool_queue_depth",
		Help: "Number of tasks waiting for a worker",
	})

	InFlightParses = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "feedarchiver_inflight_parses",
		Help: "Number of parse-and-dispatch tasks currently in flight",
	})

	DispatchLatencyMillis = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "feedarchiver_dispatch_latency_milliseconds",
		Help: "Running average of time from line receipt to listener completion",
	})
)

// Segment metrics
var (
	RecordsWrittenTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "feedarchiver_records_written_total",
		Help: "Total number of compact records written to segments",
	})

	RecordsDroppedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "feedarchiver_records_dropped_total",
		Help: "Total number of records the serializer dropped",
	})

	SegmentRotationsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "feedarchiver_segment_rotations_total",
		Help: "Total number of output segments opened",
	})

	SegmentWriteErrorsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "feedarchiver_segment_write_errors_total",
		Help: "Total number of failed segment writes",
	})
)

// Archive metrics
var (
	UploadsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "feedarchiver_uploads_total",
		Help: "Total number of segment uploads",
	}, []string{"status"})

	UploadBytesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "feedarchiver_upload_bytes_total",
		Help: "Total bytes uploaded to the object store",
	})

	UploadDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "feedarchiver_upload_duration_seconds",
		Help:    "Segment upload duration in seconds",
		Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
	})

	PassesSkippedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "feedarchiver_upload_passes_skipped_total",
		Help: "Total number of upload passes skipped because one was already running",
	})
)

// Side store metrics
var (
	UsersStoredTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "feedarchiver_users_stored_total",
		Help: "Total number of user profile writes to the side store",
	}, []string{"status"})
)

// Handler serves the default registry in the Prometheus text format.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Package prometheus implements queue.Metrics with Prometheus collectors
// registered on the shared metrics registry.
package prometheus

import (
	"strconv"
	"time"

	"github.com/marmos91/rollq/pkg/metrics"
	"github.com/marmos91/rollq/pkg/queue"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// queueMetrics is the Prometheus implementation of queue.Metrics.
type queueMetrics struct {
	appends         *prometheus.CounterVec
	appendDuration  *prometheus.HistogramVec
	appendBytes     prometheus.Histogram
	appendErrors    *prometheus.CounterVec
	reads           prometheus.Counter
	readBytes       prometheus.Counter
	rolls           prometheus.Counter
	currentCycle    prometheus.Gauge
	segmentOpens    *prometheus.CounterVec
	openSegments    prometheus.Gauge
	contention      prometheus.Histogram
	tornWrites      prometheus.Counter
	pretouchPasses  *prometheus.CounterVec
	pretouchPages   prometheus.Counter
	pretouchLatency prometheus.Histogram
}

// NewQueueMetrics creates a Prometheus-backed queue.Metrics.
//
// Returns nil if metrics are not enabled (InitRegistry not called). A nil
// queue.Metrics disables instrumentation.
func NewQueueMetrics() queue.Metrics {
	if !metrics.IsEnabled() {
		return nil
	}

	reg := metrics.GetRegistry()

	return &queueMetrics{
		appends: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "rollq_append_total",
				Help: "Total number of published entries by write mode",
			},
			[]string{"mode"}, // "direct", "buffered"
		),
		appendDuration: promauto.With(reg).NewHistogramVec(
			prometheus.HistogramOpts{
				Name: "rollq_append_duration_microseconds",
				Help: "Time from starting an entry to publishing it, in microseconds",
				Buckets: []float64{
					1,     // 1us - uncontended small entries
					5,     // 5us
					10,    // 10us
					50,    // 50us
					100,   // 100us
					500,   // 500us
					1000,  // 1ms - contended or growing the file
					10000, // 10ms
					100000,
				},
			},
			[]string{"mode"},
		),
		appendBytes: promauto.With(reg).NewHistogram(
			prometheus.HistogramOpts{
				Name:    "rollq_append_bytes",
				Help:    "Distribution of entry payload sizes",
				Buckets: prometheus.ExponentialBuckets(16, 4, 10), // 16B .. 4MB
			},
		),
		appendErrors: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "rollq_append_errors_total",
				Help: "Total number of failed appends by reason",
			},
			[]string{"reason"}, // "torn", "full", "too_large", "closed", "storage"
		),
		reads: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Name: "rollq_read_total",
				Help: "Total number of entries consumed by tailers",
			},
		),
		readBytes: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Name: "rollq_read_bytes_total",
				Help: "Total payload bytes consumed by tailers",
			},
		),
		rolls: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Name: "rollq_rolls_total",
				Help: "Total number of rolls to a new cycle performed by this process",
			},
		),
		currentCycle: promauto.With(reg).NewGauge(
			prometheus.GaugeOpts{
				Name: "rollq_current_cycle",
				Help: "Cycle of the most recent roll",
			},
		),
		segmentOpens: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "rollq_segment_opens_total",
				Help: "Total number of segment mappings by whether this process created the file",
			},
			[]string{"created"},
		),
		openSegments: promauto.With(reg).NewGauge(
			prometheus.GaugeOpts{
				Name: "rollq_open_segments",
				Help: "Current number of mapped segments",
			},
		),
		contention: promauto.With(reg).NewHistogram(
			prometheus.HistogramOpts{
				Name:    "rollq_reserve_spins",
				Help:    "Number of waits on another writer before claiming the end of a segment",
				Buckets: prometheus.ExponentialBuckets(1, 4, 8),
			},
		),
		tornWrites: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Name: "rollq_torn_writes_total",
				Help: "Total number of torn writes found at the end of a segment",
			},
		),
		pretouchPasses: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "rollq_pretouch_passes_total",
				Help: "Total number of pretoucher passes by status",
			},
			[]string{"status"}, // "ok", "error"
		),
		pretouchPages: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Name: "rollq_pretouch_pages_total",
				Help: "Total number of pages touched by pretouchers",
			},
		),
		pretouchLatency: promauto.With(reg).NewHistogram(
			prometheus.HistogramOpts{
				Name:    "rollq_pretouch_duration_milliseconds",
				Help:    "Duration of pretoucher passes in milliseconds",
				Buckets: []float64{0.01, 0.1, 0.5, 1, 5, 10, 50, 100},
			},
		),
	}
}

func mode(buffered bool) string {
	if buffered {
		return "buffered"
	}
	return "direct"
}

func (m *queueMetrics) ObserveAppend(bytes int, duration time.Duration, buffered bool) {
	m.appends.WithLabelValues(mode(buffered)).Inc()
	m.appendDuration.WithLabelValues(mode(buffered)).Observe(float64(duration.Microseconds()))
	m.appendBytes.Observe(float64(bytes))
}

func (m *queueMetrics) RecordAppendError(reason string) {
	m.appendErrors.WithLabelValues(reason).Inc()
}

func (m *queueMetrics) ObserveRead(bytes int) {
	m.reads.Inc()
	m.readBytes.Add(float64(bytes))
}

func (m *queueMetrics) RecordRoll(_, to int) {
	m.rolls.Inc()
	m.currentCycle.Set(float64(to))
}

func (m *queueMetrics) RecordSegmentOpen(created bool) {
	m.segmentOpens.WithLabelValues(strconv.FormatBool(created)).Inc()
}

func (m *queueMetrics) SetOpenSegments(n int) {
	m.openSegments.Set(float64(n))
}

func (m *queueMetrics) ObserveContention(spins int) {
	m.contention.Observe(float64(spins))
}

func (m *queueMetrics) RecordTornWrite() {
	m.tornWrites.Inc()
}

func (m *queueMetrics) ObservePretouch(pages int, duration time.Duration, err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	m.pretouchPasses.WithLabelValues(status).Inc()
	m.pretouchPages.Add(float64(pages))
	m.pretouchLatency.Observe(float64(duration) / float64(time.Millisecond))
}

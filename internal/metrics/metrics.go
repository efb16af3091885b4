package metrics

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// HTTP (operator API)
	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of operator API requests.",
		},
		[]string{"method", "code"},
	)
	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Operator API request duration in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "code"},
	)

	// Dispatch
	dispatchOutcomes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sms_dispatch_total",
			Help: "Single-message dispatch attempts by outcome.",
		},
		[]string{"outcome"},
	)
	gatewayDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "sms_gateway_request_duration_seconds",
			Help:    "Gateway HTTP call duration in seconds.",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 15},
		},
		[]string{"backend", "result"},
	)
	bulkChunks = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sms_bulk_chunks_total",
			Help: "Bulk gateway calls by result.",
		},
		[]string{"backend", "result"},
	)
	bulkRecipients = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "sms_bulk_chunk_recipients",
			Help:    "Recipients per bulk gateway call.",
			Buckets: []float64{1, 5, 10, 25, 50, 100, 200, 400},
		},
	)

	// Sweeps
	sweepItems = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sms_sweep_items_total",
			Help: "Messages or batches handled by a sweep.",
		},
		[]string{"sweep"},
	)
	sweepSkipped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sms_sweep_skipped_total",
			Help: "Sweep invocations skipped because another worker held the lease.",
		},
		[]string{"sweep"},
	)
	massTexts = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "sms_mass_text_messages_total",
			Help: "Messages created by mass text.",
		},
	)
)

var registerOnce sync.Once

func Register() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			httpRequests,
			httpDuration,

			dispatchOutcomes,
			gatewayDuration,
			bulkChunks,
			bulkRecipients,

			sweepItems,
			sweepSkipped,
			massTexts,
		)
	})
}

func Handler() http.Handler {
	return promhttp.Handler()
}

// --- HTTP ---
func ObserveHTTPRequest(method string, code int, d time.Duration) {
	c := strconv.Itoa(code)
	httpRequests.WithLabelValues(method, c).Inc()
	httpDuration.WithLabelValues(method, c).Observe(d.Seconds())
}

// --- Dispatch ---
func IncDispatch(outcome string) { dispatchOutcomes.WithLabelValues(outcome).Inc() }

func ObserveGateway(backend string, ok bool, d time.Duration) {
	gatewayDuration.WithLabelValues(backend, result(ok)).Observe(d.Seconds())
}

func IncBulkChunk(backend string, ok bool, recipients int) {
	bulkChunks.WithLabelValues(backend, result(ok)).Inc()
	bulkRecipients.Observe(float64(recipients))
}

// --- Sweeps ---
func AddSweepItems(sweep string, n int) {
	if n <= 0 {
		return
	}
	sweepItems.WithLabelValues(sweep).Add(float64(n))
}
func IncSweepSkipped(sweep string) { sweepSkipped.WithLabelValues(sweep).Inc() }
func AddMassText(n int)            { massTexts.Add(float64(n)) }

func result(ok bool) string {
	if ok {
		return "ok"
	}
	return "failed"
}

package monitoring

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
)

// Business operation categories recorded alongside the raw HTTP series.
const (
	opPaymentIntake = "payment_intake"
	opDispute       = "dispute"
	opMultiSig      = "multisig"
	opManualAction  = "manual_action"
)

type HTTPMetrics struct {
	requestDuration  *prometheus.HistogramVec
	requestsTotal    *prometheus.CounterVec
	responseSize     *prometheus.HistogramVec
	inFlightRequests *prometheus.GaugeVec

	operations        *prometheus.CounterVec
	operationDuration *prometheus.HistogramVec
	cacheOperations   *prometheus.CounterVec
}

func NewHTTPMetrics() *HTTPMetrics {
	route := []string{"method", "path", "status"}
	operation := []string{"operation_type", "category", "status"}

	return &HTTPMetrics{
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "escrow_settlement_http_request_duration_seconds",
			Help:    "Latency of API requests by route",
			Buckets: []float64{0.005, 0.025, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}, route),
		requestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "escrow_settlement_http_requests_total",
			Help: "API requests by route and status code",
		}, route),
		responseSize: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "escrow_settlement_http_response_size_bytes",
			Help:    "Size of API responses",
			Buckets: prometheus.ExponentialBuckets(128, 2, 8),
		}, route),
		inFlightRequests: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "escrow_settlement_http_requests_in_flight",
			Help: "API requests currently being served",
		}, []string{"method", "path"}),

		operations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "escrow_settlement_business_operations_total",
			Help: "Intake, dispute, multisig and recovery calls by outcome",
		}, operation),
		// manual recoveries can wait on chain confirmation, hence the long tail
		operationDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "escrow_settlement_business_operation_duration_seconds",
			Help:    "Duration of intake, dispute, multisig and recovery calls",
			Buckets: []float64{0.01, 0.05, 0.25, 1, 5, 15, 30, 60, 120},
		}, operation),
		cacheOperations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "escrow_settlement_cache_operations_total",
			Help: "Read cache lookups by result (hit or miss)",
		}, []string{"cache_type", "operation"}),
	}
}

func (m *HTTPMetrics) MustRegister(registry prometheus.Registerer) {
	registry.MustRegister(
		m.requestDuration,
		m.requestsTotal,
		m.responseSize,
		m.inFlightRequests,
		m.operations,
		m.operationDuration,
		m.cacheOperations,
	)
}

func (m *HTTPMetrics) recordOperation(operationType, category, status string, seconds float64) {
	m.operations.WithLabelValues(operationType, category, status).Inc()
	if seconds > 0 {
		m.operationDuration.WithLabelValues(operationType, category, status).Observe(seconds)
	}
}

// HTTPMetricsMiddleware labels requests by route template so payment ids do
// not explode cardinality. Unmatched requests fall back to the raw path.
func HTTPMetricsMiddleware(metrics *HTTPMetrics) gin.HandlerFunc {
	return func(c *gin.Context) {
		method := c.Request.Method
		path := c.FullPath()
		if path == "" {
			path = c.Request.URL.Path
		}

		inFlight := metrics.inFlightRequests.WithLabelValues(method, path)
		inFlight.Inc()
		defer inFlight.Dec()

		start := time.Now()
		c.Next()

		status := strconv.Itoa(c.Writer.Status())
		metrics.requestDuration.WithLabelValues(method, path, status).Observe(time.Since(start).Seconds())
		metrics.requestsTotal.WithLabelValues(method, path, status).Inc()
		if size := c.Writer.Size(); size > 0 {
			metrics.responseSize.WithLabelValues(method, path, status).Observe(float64(size))
		}
	}
}

// BusinessMetricsRecorder records settlement operations on top of the HTTP
// series.
type BusinessMetricsRecorder struct {
	metrics *HTTPMetrics
}

func NewBusinessMetricsRecorder(metrics *HTTPMetrics) *BusinessMetricsRecorder {
	return &BusinessMetricsRecorder{metrics: metrics}
}

// RecordPaymentIntake records payment creation and cancellation.
func (r *BusinessMetricsRecorder) RecordPaymentIntake(operation, status string, seconds float64) {
	r.metrics.recordOperation(opPaymentIntake, operation, status, seconds)
}

func (r *BusinessMetricsRecorder) RecordDisputeAction(action, status string, seconds float64) {
	r.metrics.recordOperation(opDispute, action, status, seconds)
}

func (r *BusinessMetricsRecorder) RecordMultiSigAction(action, status string, seconds float64) {
	r.metrics.recordOperation(opMultiSig, action, status, seconds)
}

// RecordManualAction records an operator recovery: retries, rollback,
// force transition.
func (r *BusinessMetricsRecorder) RecordManualAction(action, status string, seconds float64) {
	r.metrics.recordOperation(opManualAction, action, status, seconds)
}

func (r *BusinessMetricsRecorder) RecordCacheOperation(cacheType, operation string) {
	r.metrics.cacheOperations.WithLabelValues(cacheType, operation).Inc()
}

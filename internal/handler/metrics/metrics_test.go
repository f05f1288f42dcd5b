package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"

	"github.com/dwarvesf/escrow-settlement/internal/model"
	"github.com/dwarvesf/escrow-settlement/internal/monitoring"
)

func scrape(registry *prometheus.Registry) *httptest.ResponseRecorder {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.GET("/metrics", NewMetricsHandler(registry).Handler())

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	return w
}

func TestMetricsHandler_SettlementMetrics(t *testing.T) {
	registry := prometheus.NewRegistry()
	settlement := monitoring.NewSettlementMetrics()
	settlement.MustRegister(registry)

	settlement.RecordTransition("released", "bridged")
	settlement.RecordEscalation("partial_success", "redemption")
	settlement.SetStatusCounts(map[model.PaymentStatus]int64{model.PaymentStatusEscrowed: 7})

	w := scrape(registry)

	assert.Equal(t, http.StatusOK, w.Code)
	body := w.Body.String()
	assert.Contains(t, body, `escrow_settlement_status_transitions_total{from="released",to="bridged"} 1`)
	assert.Contains(t, body, `escrow_settlement_escalations_total{class="partial_success",hop="redemption"} 1`)
	assert.Contains(t, body, `escrow_settlement_payments{status="escrowed"} 7`)
	assert.Contains(t, body, `escrow_settlement_payments{status="completed"} 0`)
}

func TestMetricsHandler_EmptyRegistry(t *testing.T) {
	w := scrape(prometheus.NewRegistry())

	assert.Equal(t, http.StatusOK, w.Code)
	contentType := w.Header().Get("Content-Type")
	assert.True(t,
		strings.Contains(contentType, "text/plain") ||
			strings.Contains(contentType, "application/openmetrics-text"),
		"Expected Prometheus metrics content type, got: %s", contentType)
}

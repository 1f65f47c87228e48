package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	dto "github.com/prometheus/client_model/go"
)

func TestStatusBucket(t *testing.T) {
	tests := []struct {
		code int
		want string
	}{
		{100, "1xx"},
		{200, "2xx"},
		{202, "2xx"},
		{301, "3xx"},
		{403, "4xx"},
		{502, "5xx"},
	}
	for _, tt := range tests {
		if got := statusBucket(tt.code); got != tt.want {
			t.Errorf("statusBucket(%d) = %s, want %s", tt.code, got, tt.want)
		}
	}
}

func TestMetricsEndpoint(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/metrics", Handler())

	DecisionsTotal.WithLabelValues("APPROVE", "", "fast").Inc()

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest("GET", "/metrics", nil))

	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", w.Code)
	}
	body := w.Body.String()
	for _, name := range []string{
		"agentspend_active_websocket_clients",
		"agentspend_decisions_total",
	} {
		if !strings.Contains(body, name) {
			t.Errorf("Expected metrics output to contain %s", name)
		}
	}
}

func TestObserveStage(t *testing.T) {
	ObserveStage("estimate", time.Now().Add(-10*time.Millisecond))

	var m dto.Metric
	hist, ok := StageDuration.WithLabelValues("estimate").(interface {
		Write(*dto.Metric) error
	})
	if !ok {
		t.Fatal("observer does not expose Write")
	}
	if err := hist.Write(&m); err != nil {
		t.Fatalf("write: %v", err)
	}
	if m.GetHistogram().GetSampleCount() < 1 {
		t.Errorf("expected at least one sample, got %d", m.GetHistogram().GetSampleCount())
	}
}

func TestMiddleware_UsesRoutePattern(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(Middleware())
	r.GET("/v1/decisions/:id/audit", func(c *gin.Context) {
		c.JSON(200, gin.H{"ok": true})
	})

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest("GET", "/v1/decisions/req_1/audit", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", w.Code)
	}

	var m dto.Metric
	if err := HTTPRequestsTotal.WithLabelValues("GET", "/v1/decisions/:id/audit", "2xx").Write(&m); err != nil {
		t.Fatalf("write: %v", err)
	}
	if m.GetCounter().GetValue() < 1 {
		t.Error("expected counter keyed by route pattern")
	}
}

package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestGinMiddlewareCountsRequests(t *testing.T) {
	gin.SetMode(gin.TestMode)
	registry := prometheus.NewRegistry()
	m := newHTTPMetrics(registry, Config{})

	r := gin.New()
	r.Use(GinMiddleware(m))
	r.POST("/webhooks/:gateway", func(c *gin.Context) {
		c.Status(http.StatusUnauthorized)
	})

	for i := 0; i < 2; i++ {
		w := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodPost, "/webhooks/payway", nil)
		r.ServeHTTP(w, req)
	}

	got := testutil.ToFloat64(m.requests.WithLabelValues(http.MethodPost, "/webhooks/:gateway", "401"))
	assert.Equal(t, float64(2), got)
}

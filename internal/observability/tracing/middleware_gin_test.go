package tracing

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	obscontext "github.com/smallbiznis/propertypay/internal/observability/context"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func recordSpans(t *testing.T) *tracetest.SpanRecorder {
	t.Helper()
	recorder := tracetest.NewSpanRecorder()
	previous := otel.GetTracerProvider()
	otel.SetTracerProvider(sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder)))
	t.Cleanup(func() { otel.SetTracerProvider(previous) })
	return recorder
}

func spanAttrs(span sdktrace.ReadOnlySpan) map[attribute.Key]string {
	out := map[attribute.Key]string{}
	for _, kv := range span.Attributes() {
		out[kv.Key] = kv.Value.Emit()
	}
	return out
}

func TestGinMiddlewareTagsWebhookSpans(t *testing.T) {
	gin.SetMode(gin.TestMode)
	recorder := recordSpans(t)

	r := gin.New()
	r.Use(GinMiddleware())
	r.POST("/webhooks/:gateway", func(c *gin.Context) {
		c.Set(obscontext.WebhookOutcomeKey, "duplicate")
		c.Status(http.StatusOK)
	})
	r.POST("/webhooks/:gateway/reject", func(c *gin.Context) {
		c.Status(http.StatusUnauthorized)
	})

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/webhooks/PayWay", nil))
	require.Equal(t, http.StatusOK, w.Code)

	spans := recorder.Ended()
	require.Len(t, spans, 1)
	assert.Equal(t, "POST /webhooks/:gateway", spans[0].Name())
	attrs := spanAttrs(spans[0])
	assert.Equal(t, "payway", attrs["propertypay.gateway"])
	assert.Equal(t, "duplicate", attrs["propertypay.webhook.outcome"])
	assert.Equal(t, "200", attrs["http.status_code"])

	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/webhooks/payway/reject", nil))
	spans = recorder.Ended()
	require.Len(t, spans, 2)
	require.Len(t, spans[1].Events(), 1)
	assert.Equal(t, "webhook.signature_rejected", spans[1].Events()[0].Name)
}

func TestGinMiddlewareTagsResourceIDs(t *testing.T) {
	gin.SetMode(gin.TestMode)
	recorder := recordSpans(t)

	r := gin.New()
	r.Use(GinMiddleware())
	r.GET("/api/payments/:id", func(c *gin.Context) { c.Status(http.StatusOK) })
	r.POST("/api/payouts/:id/retry", func(c *gin.Context) {
		_ = c.Error(assert.AnError)
		c.Status(http.StatusInternalServerError)
	})

	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/api/payments/42", nil))
	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/api/payouts/7/retry", nil))

	spans := recorder.Ended()
	require.Len(t, spans, 2)
	assert.Equal(t, "42", spanAttrs(spans[0])["propertypay.payment_id"])
	assert.Equal(t, "7", spanAttrs(spans[1])["propertypay.payout_id"])
	assert.Equal(t, codes.Error, spans[1].Status().Code)
	assert.NotContains(t, spanAttrs(spans[0]), attribute.Key("propertypay.gateway"))
}

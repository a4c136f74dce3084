package tracing

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	obscontext "github.com/smallbiznis/propertypay/internal/observability/context"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

// GinMiddleware opens a server span per request. Provider callbacks on
// /webhooks/:gateway are tagged with the gateway and the processing outcome,
// and resource routes with the contract, payment or payout id, so a trace can
// be found from either side of the ledger.
func GinMiddleware() gin.HandlerFunc {
	tracer := otel.Tracer("propertypay/http")
	return func(c *gin.Context) {
		ctx := ExtractContext(c.Request.Context(), propagation.HeaderCarrier(c.Request.Header))
		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		ctx, span := tracer.Start(ctx, c.Request.Method+" "+route, trace.WithSpanKind(trace.SpanKindServer))
		defer span.End()

		c.Request = c.Request.WithContext(ctx)
		c.Next()

		status := c.Writer.Status()
		attrs := []attribute.KeyValue{
			attribute.String("http.method", c.Request.Method),
			attribute.String("http.route", route),
			attribute.Int("http.status_code", status),
		}
		if id := obscontext.RequestIDFromContext(c.Request.Context()); id != "" {
			attrs = append(attrs, attribute.String("request_id", id))
		}
		attrs = append(attrs, routeAttributes(c, route)...)
		span.SetAttributes(SafeAttributes(attrs...)...)

		switch {
		case status >= http.StatusInternalServerError:
			if last := c.Errors.Last(); last != nil {
				span.RecordError(SafeError(last.Err))
			}
			span.SetStatus(codes.Error, http.StatusText(status))
		case isWebhookRoute(route) && status == http.StatusUnauthorized:
			// A rejected signature is worth finding; the provider will retry.
			span.AddEvent("webhook.signature_rejected")
		}
	}
}

func routeAttributes(c *gin.Context, route string) []attribute.KeyValue {
	if isWebhookRoute(route) {
		attrs := []attribute.KeyValue{
			attribute.String("propertypay.gateway", strings.ToLower(strings.TrimSpace(c.Param("gateway")))),
		}
		if outcome := c.GetString(obscontext.WebhookOutcomeKey); outcome != "" {
			attrs = append(attrs, attribute.String("propertypay.webhook.outcome", outcome))
		}
		return attrs
	}

	id := strings.TrimSpace(c.Param("id"))
	if id == "" {
		return nil
	}
	switch {
	case strings.HasPrefix(route, "/api/contracts/"):
		return []attribute.KeyValue{attribute.String("propertypay.contract_id", id)}
	case strings.HasPrefix(route, "/api/payments/"):
		return []attribute.KeyValue{attribute.String("propertypay.payment_id", id)}
	case strings.HasPrefix(route, "/api/payouts/"):
		return []attribute.KeyValue{attribute.String("propertypay.payout_id", id)}
	}
	return nil
}

func isWebhookRoute(route string) bool {
	return strings.HasPrefix(route, "/webhooks/")
}

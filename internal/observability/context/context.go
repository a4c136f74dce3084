package context

import (
	"context"
	"strings"
)

// WebhookOutcomeKey is the gin key under which the webhook handler leaves the
// processing outcome for the request logger and the server span.
const WebhookOutcomeKey = "webhook_outcome"

type ctxKey string

const (
	requestIDKey ctxKey = "request_id"
	gatewayKey   ctxKey = "gateway"
	eventIDKey   ctxKey = "event_id"
	paymentIDKey ctxKey = "payment_id"
	payoutIDKey  ctxKey = "payout_id"
)

func with(ctx context.Context, key ctxKey, value string) context.Context {
	value = strings.TrimSpace(value)
	if value == "" {
		return ctx
	}
	return context.WithValue(ctx, key, value)
}

func lookup(ctx context.Context, key ctxKey) string {
	if ctx == nil {
		return ""
	}
	value, _ := ctx.Value(key).(string)
	return value
}

func WithRequestID(ctx context.Context, requestID string) context.Context {
	return with(ctx, requestIDKey, requestID)
}

func RequestIDFromContext(ctx context.Context) string {
	return lookup(ctx, requestIDKey)
}

// WithGateway tags the context with the payment provider handling the request.
func WithGateway(ctx context.Context, gateway string) context.Context {
	return with(ctx, gatewayKey, gateway)
}

func GatewayFromContext(ctx context.Context) string {
	return lookup(ctx, gatewayKey)
}

// WithEvent tags work done on behalf of one provider event.
func WithEvent(ctx context.Context, gateway, eventID string) context.Context {
	return with(with(ctx, gatewayKey, gateway), eventIDKey, eventID)
}

func EventIDFromContext(ctx context.Context) string {
	return lookup(ctx, eventIDKey)
}

func WithPayment(ctx context.Context, paymentID string) context.Context {
	return with(ctx, paymentIDKey, paymentID)
}

func PaymentIDFromContext(ctx context.Context) string {
	return lookup(ctx, paymentIDKey)
}

func WithPayout(ctx context.Context, payoutID string) context.Context {
	return with(ctx, payoutIDKey, payoutID)
}

func PayoutIDFromContext(ctx context.Context) string {
	return lookup(ctx, payoutIDKey)
}

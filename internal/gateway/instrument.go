package gateway

import (
	"context"
	"time"

	obsmetrics "github.com/smallbiznis/propertypay/internal/observability/metrics"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

type instrumentedClient struct {
	Client
	metrics *obsmetrics.Metrics
	log     *zap.Logger
	tracer  trace.Tracer
}

// Instrument records a span, a metric and a log line for every outbound call.
func Instrument(c Client, m *obsmetrics.Metrics, log *zap.Logger) Client {
	if log == nil {
		log = zap.NewNop()
	}
	return &instrumentedClient{
		Client:  c,
		metrics: m,
		log:     log.Named("gateway").With(zap.String("gateway", c.Name())),
		tracer:  otel.Tracer("propertypay/gateway"),
	}
}

func (c *instrumentedClient) CreatePaymentSession(ctx context.Context, req PaymentSessionRequest, key string) (*Session, error) {
	return observe(ctx, c, "create_payment_session", func(ctx context.Context) (*Session, error) {
		return c.Client.CreatePaymentSession(ctx, req, key)
	})
}

func (c *instrumentedClient) GetPaymentSession(ctx context.Context, id string) (*Session, error) {
	return observe(ctx, c, "get_payment_session", func(ctx context.Context) (*Session, error) {
		return c.Client.GetPaymentSession(ctx, id)
	})
}

func (c *instrumentedClient) CreatePayoutSession(ctx context.Context, req PayoutSessionRequest, key string) (*Session, error) {
	return observe(ctx, c, "create_payout_session", func(ctx context.Context) (*Session, error) {
		return c.Client.CreatePayoutSession(ctx, req, key)
	})
}

func (c *instrumentedClient) GetPayoutSession(ctx context.Context, id string) (*Session, error) {
	return observe(ctx, c, "get_payout_session", func(ctx context.Context) (*Session, error) {
		return c.Client.GetPayoutSession(ctx, id)
	})
}

func observe(ctx context.Context, c *instrumentedClient, op string, fn func(context.Context) (*Session, error)) (*Session, error) {
	ctx, span := c.tracer.Start(ctx, "gateway."+op, trace.WithSpanKind(trace.SpanKindClient))
	span.SetAttributes(attribute.String("gateway", c.Name()))
	defer span.End()

	start := time.Now()
	session, err := fn(ctx)
	elapsed := time.Since(start)

	outcome := "ok"
	if err != nil {
		outcome = string(KindOf(err))
		if outcome == "" {
			outcome = "error"
		}
		span.SetStatus(codes.Error, outcome)
		fields := []zap.Field{
			zap.String("operation", op),
			zap.String("kind", outcome),
			zap.Int64("duration_ms", elapsed.Milliseconds()),
			zap.Error(err),
		}
		if IsRetryable(err) {
			c.log.Warn("gateway call failed", fields...)
		} else {
			c.log.Error("gateway call failed", fields...)
		}
	}
	c.metrics.RecordGatewayCall(ctx, c.Name(), op, outcome, elapsed)
	return session, err
}

package metrics

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Config configures the metrics provider.
type Config struct {
	Enabled          bool
	ExporterEndpoint string
	ExporterProtocol string
	ServiceName      string
	Environment      string
}

// Metrics exposes application-level instruments.
type Metrics struct {
	webhookEvents      metric.Int64Counter
	paymentTransitions metric.Int64Counter
	payoutLegs         metric.Int64Counter
	gatewayCalls       metric.Int64Counter
	gatewayLatency     metric.Float64Histogram
	settledAmount      metric.Int64Counter
	settlements        metric.Int64Counter
}

// NewProvider configures and registers the meter provider.
func NewProvider(lc fx.Lifecycle, cfg Config, log *zap.Logger) (metric.MeterProvider, error) {
	if !cfg.Enabled {
		provider := noop.NewMeterProvider()
		otel.SetMeterProvider(provider)
		return provider, nil
	}

	exporter, err := newExporter(cfg.ExporterProtocol, cfg.ExporterEndpoint)
	if err != nil {
		return nil, err
	}

	reader := sdkmetric.NewPeriodicReader(exporter, sdkmetric.WithInterval(10*time.Second))
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	otel.SetMeterProvider(provider)

	if lc != nil {
		lc.Append(fx.Hook{
			OnStop: func(ctx context.Context) error {
				if log != nil {
					log.Info("shutting down meter provider")
				}
				return provider.Shutdown(ctx)
			},
		})
	}

	if log != nil {
		log.Info("metrics initialized",
			zap.String("endpoint", cfg.ExporterEndpoint),
			zap.String("protocol", cfg.ExporterProtocol),
		)
	}

	return provider, nil
}

// New configures the domain metrics instruments.
func New(cfg Config, provider metric.MeterProvider) (*Metrics, error) {
	name := strings.TrimSpace(cfg.ServiceName)
	if name == "" {
		name = "propertypay"
	}
	meter := provider.Meter(name)

	webhookEvents, err := meter.Int64Counter("propertypay_webhook_events_total")
	if err != nil {
		return nil, err
	}
	paymentTransitions, err := meter.Int64Counter("propertypay_payment_transitions_total")
	if err != nil {
		return nil, err
	}
	payoutLegs, err := meter.Int64Counter("propertypay_payout_legs_total")
	if err != nil {
		return nil, err
	}
	gatewayCalls, err := meter.Int64Counter("propertypay_gateway_calls_total")
	if err != nil {
		return nil, err
	}
	gatewayLatency, err := meter.Float64Histogram("propertypay_gateway_call_duration_seconds", metric.WithUnit("s"))
	if err != nil {
		return nil, err
	}
	settledAmount, err := meter.Int64Counter("propertypay_settled_amount_minor_total")
	if err != nil {
		return nil, err
	}
	settlements, err := meter.Int64Counter("propertypay_settlements_total")
	if err != nil {
		return nil, err
	}

	return &Metrics{
		webhookEvents:      webhookEvents,
		paymentTransitions: paymentTransitions,
		payoutLegs:         payoutLegs,
		gatewayCalls:       gatewayCalls,
		gatewayLatency:     gatewayLatency,
		settledAmount:      settledAmount,
		settlements:        settlements,
	}, nil
}

// RecordWebhookEvent counts an inbound webhook by outcome (applied, duplicate, stale, ignored).
func (m *Metrics) RecordWebhookEvent(ctx context.Context, gateway, eventType, outcome string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(
		attribute.String("gateway", strings.TrimSpace(gateway)),
		attribute.String("event_type", strings.TrimSpace(eventType)),
		attribute.String("outcome", strings.TrimSpace(outcome)),
	)
	m.webhookEvents.Add(ctx, 1, metric.WithAttributes(attrs...))
}

func (m *Metrics) RecordPaymentTransition(ctx context.Context, from, to string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(
		attribute.String("from", strings.TrimSpace(from)),
		attribute.String("to", strings.TrimSpace(to)),
	)
	m.paymentTransitions.Add(ctx, 1, metric.WithAttributes(attrs...))
}

func (m *Metrics) RecordPayoutLeg(ctx context.Context, role, status string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(
		attribute.String("role", strings.TrimSpace(role)),
		attribute.String("status", strings.TrimSpace(status)),
	)
	m.payoutLegs.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordGatewayCall records one outbound provider call and its latency.
func (m *Metrics) RecordGatewayCall(ctx context.Context, gateway, operation, outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(
		attribute.String("gateway", strings.TrimSpace(gateway)),
		attribute.String("operation", strings.TrimSpace(operation)),
		attribute.String("outcome", strings.TrimSpace(outcome)),
	)
	m.gatewayCalls.Add(ctx, 1, metric.WithAttributes(attrs...))
	m.gatewayLatency.Record(ctx, elapsed.Seconds(), metric.WithAttributes(attrs...))
}

// RecordSettlement records the financial statistic for one settled contract.
func (m *Metrics) RecordSettlement(ctx context.Context, currency, status string, collected int64) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(
		attribute.String("currency", strings.TrimSpace(currency)),
		attribute.String("status", strings.TrimSpace(status)),
	)
	m.settlements.Add(ctx, 1, metric.WithAttributes(attrs...))
	if collected > 0 {
		m.settledAmount.Add(ctx, collected, metric.WithAttributes(attrs...))
	}
}

func newExporter(protocol, endpoint string) (sdkmetric.Exporter, error) {
	protocol = strings.ToLower(strings.TrimSpace(protocol))
	switch protocol {
	case "http", "http/protobuf":
		opts := []otlpmetrichttp.Option{}
		if endpoint != "" {
			opts = append(opts, otlpmetrichttp.WithEndpoint(endpoint))
		}
		return otlpmetrichttp.New(context.Background(), opts...)
	case "grpc", "grpc/protobuf", "":
		opts := []otlpmetricgrpc.Option{otlpmetricgrpc.WithInsecure()}
		if endpoint != "" {
			opts = append(opts, otlpmetricgrpc.WithEndpoint(endpoint))
		}
		return otlpmetricgrpc.New(context.Background(), opts...)
	default:
		return nil, fmt.Errorf("unsupported OTLP protocol %q", protocol)
	}
}

var allowedLabelKeys = map[attribute.Key]struct{}{
	"gateway":     {},
	"event_type":  {},
	"outcome":     {},
	"operation":   {},
	"from":        {},
	"to":          {},
	"role":        {},
	"status":      {},
	"currency":    {},
	"status_code": {},
	"reason":      {},
}

// FilterAttributes strips disallowed labels to keep metrics low-cardinality.
func FilterAttributes(attrs ...attribute.KeyValue) []attribute.KeyValue {
	filtered := make([]attribute.KeyValue, 0, len(attrs))
	for _, attr := range attrs {
		if _, ok := allowedLabelKeys[attr.Key]; !ok {
			continue
		}
		filtered = append(filtered, attr)
	}
	return filtered
}

package observability

import (
	"github.com/smallbiznis/propertypay/internal/observability/logger"
	"github.com/smallbiznis/propertypay/internal/observability/metrics"
	"github.com/smallbiznis/propertypay/internal/observability/tracing"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/fx"
)

// Module provides the process logger, the gorm statement logger, the tracer
// provider and the OTel and Prometheus metric sets.
var Module = fx.Module("observability",
	fx.Provide(
		LoadConfig,
		func(cfg Config) logger.Config {
			return logger.Config{
				ServiceName:  cfg.ServiceName,
				Environment:  cfg.Environment,
				Version:      cfg.Version,
				Level:        cfg.LogLevel,
				Format:       cfg.LogFormat,
				StackOnError: cfg.Debug(),
			}
		},
		logger.New,
		func(cfg Config) logger.SQLConfig {
			return logger.SQLConfig{
				Level:         logger.ParseSQLLevel(cfg.SQLLogLevel),
				SlowThreshold: cfg.SlowQuery,
			}
		},
		func(cfg Config) tracing.Config {
			return tracing.Config{
				Enabled:          cfg.TracingEnabled,
				ServiceName:      cfg.ServiceName,
				ServiceVersion:   cfg.Version,
				Environment:      cfg.Environment,
				ExporterEndpoint: cfg.OTLPEndpoint,
				ExporterProtocol: cfg.OTLPProtocol,
				SamplingRatio:    cfg.SampleRatio,
			}
		},
		tracing.NewProvider,
		func(cfg Config) metrics.Config {
			return metrics.Config{
				Enabled:          cfg.TracingEnabled,
				ExporterEndpoint: cfg.OTLPEndpoint,
				ExporterProtocol: cfg.OTLPProtocol,
				ServiceName:      cfg.ServiceName,
				Environment:      cfg.Environment,
			}
		},
		metrics.NewProvider,
		metrics.New,
		metrics.NewHTTPMetrics,
	),
	// Scheduler metrics are package-level; labels come from the resolved config.
	fx.Invoke(func(_ *sdktrace.TracerProvider, cfg metrics.Config) {
		metrics.SchedulerWithConfig(cfg)
	}),
)

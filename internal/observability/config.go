package observability

import (
	"strings"
	"time"

	"github.com/smallbiznis/propertypay/internal/config"
)

// Config is the resolved observability setup for one process.
type Config struct {
	ServiceName string
	Environment string
	Version     string

	LogLevel    string
	LogFormat   string
	SQLLogLevel string
	SlowQuery   time.Duration

	TracingEnabled bool
	OTLPEndpoint   string
	OTLPProtocol   string
	SampleRatio    float64
}

// LoadConfig resolves observability settings from the application config.
// Outside production every trace is kept; in production a quarter of
// root spans is sampled unless OTLP_SAMPLE_RATIO says otherwise. Webhook and
// payout spans started under a sampled parent follow the parent.
func LoadConfig(cfg config.Config) Config {
	obs := cfg.Observability
	out := Config{
		ServiceName:    firstNonEmpty(cfg.AppName, "propertypay"),
		Environment:    strings.TrimSpace(cfg.Environment),
		Version:        strings.TrimSpace(cfg.AppVersion),
		LogLevel:       firstNonEmpty(obs.LogLevel, "info"),
		LogFormat:      firstNonEmpty(obs.LogFormat, "json"),
		SQLLogLevel:    firstNonEmpty(obs.SQLLogLevel, "warn"),
		SlowQuery:      obs.SlowQuery,
		TracingEnabled: obs.TracingEnabled && strings.TrimSpace(cfg.OTLPEndpoint) != "",
		OTLPEndpoint:   strings.TrimSpace(cfg.OTLPEndpoint),
		OTLPProtocol:   firstNonEmpty(obs.OTLPProtocol, "grpc"),
		SampleRatio:    obs.TraceSampleRatio,
	}
	switch {
	case out.SampleRatio < 0 && cfg.IsProduction():
		out.SampleRatio = 0.25
	case out.SampleRatio < 0:
		out.SampleRatio = 1
	case out.SampleRatio > 1:
		out.SampleRatio = 1
	}
	return out
}

// Debug turns on stack traces in error logs and request logs.
func (c Config) Debug() bool {
	if c.LogLevel == "debug" {
		return true
	}
	switch strings.ToLower(c.Environment) {
	case "development", "local", "test":
		return true
	}
	return false
}

func firstNonEmpty(value, def string) string {
	if value = strings.ToLower(strings.TrimSpace(value)); value != "" {
		return value
	}
	return def
}

package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/fx"
)

var Module = fx.Module("config",
	fx.Provide(Load),
	fx.Provide(NewSettlementConfigHolder),
)

// Config holds application configuration.
type Config struct {
	AppName     string
	AppVersion  string
	Environment string
	HTTPAddr    string

	// PublicBaseURL is used to build webhook and return URLs handed to gateways.
	PublicBaseURL string

	OTLPEndpoint  string
	Observability ObservabilityConfig

	DBType            string
	DBHost            string
	DBPort            string
	DBName            string
	DBUser            string
	DBPassword        string
	DBSSLMode         string
	DBMaxIdleConn     int
	DBMaxOpenConn     int
	DBConnMaxLifetime int
	DBConnMaxIdleTime int

	Redis RedisConfig

	DefaultGateway string
	Gateways       map[string]GatewayConfig

	Scheduler SchedulerConfig
	Worker    WorkerConfig
	Notify    NotifyConfig
}

// ObservabilityConfig holds logging and tracing knobs. A negative
// TraceSampleRatio means "pick by environment".
type ObservabilityConfig struct {
	LogLevel         string
	LogFormat        string
	SQLLogLevel      string
	SlowQuery        time.Duration
	TracingEnabled   bool
	OTLPProtocol     string
	TraceSampleRatio float64
}

type RedisConfig struct {
	Enabled  bool
	Addr     string
	Password string
	DB       int
}

// GatewayConfig carries credentials for one payment provider.
type GatewayConfig struct {
	Name          string
	BaseURL       string
	APIKey        string
	WebhookSecret string
	Timeout       time.Duration
	MaxRetries    int
}

type SchedulerConfig struct {
	Enabled     bool
	RunInterval time.Duration
	BatchSize   int
	EnabledJobs []string
}

type WorkerConfig struct {
	Concurrency int
	QueueSize   int
}

type NotifyConfig struct {
	SMTPHost     string
	SMTPPort     int
	SMTPUsername string
	SMTPPassword string
	SMTPFrom     string
	SlackToken   string
	SlackChannel string
}

// Load loads configuration from environment variables and .env file.
func Load() Config {
	_ = godotenv.Load()

	cfg := Config{
		AppName:       getenv("APP_SERVICE", "propertypay"),
		AppVersion:    getenv("APP_VERSION", "0.1.0"),
		Environment:   getenv("ENVIRONMENT", "development"),
		HTTPAddr:      getenv("HTTP_ADDR", ":8080"),
		PublicBaseURL: strings.TrimRight(getenv("PUBLIC_BASE_URL", "http://localhost:8080"), "/"),
		OTLPEndpoint:  getenv("OTLP_ENDPOINT", "localhost:4317"),

		Observability: ObservabilityConfig{
			LogLevel:         strings.ToLower(strings.TrimSpace(getenv("LOG_LEVEL", "info"))),
			LogFormat:        strings.ToLower(strings.TrimSpace(getenv("LOG_FORMAT", "json"))),
			SQLLogLevel:      strings.ToLower(strings.TrimSpace(getenv("DATABASE_LOG_LEVEL", "warn"))),
			SlowQuery:        getenvDuration("DATABASE_SLOW_QUERY", 250*time.Millisecond),
			TracingEnabled:   getenvBool("OTLP_ENABLED", true),
			OTLPProtocol:     strings.ToLower(strings.TrimSpace(getenv("OTLP_PROTOCOL", "grpc"))),
			TraceSampleRatio: getenvFloat("OTLP_SAMPLE_RATIO", -1),
		},

		DBType:            getenv("DATABASE_TYPE", "postgres"),
		DBHost:            getenv("DATABASE_HOST", "localhost"),
		DBPort:            getenv("DATABASE_PORT", "5432"),
		DBName:            getenv("DATABASE_NAME", "propertypay"),
		DBUser:            getenv("DATABASE_USER", "postgres"),
		DBPassword:        getenv("DATABASE_PASSWORD", ""),
		DBSSLMode:         getenv("DATABASE_SSLMODE", "disable"),
		DBMaxIdleConn:     getenvInt("DATABASE_MAX_IDLE_CONN", 10),
		DBMaxOpenConn:     getenvInt("DATABASE_MAX_OPEN_CONN", 50),
		DBConnMaxLifetime: getenvInt("DATABASE_CONN_MAX_LIFETIME", 300),
		DBConnMaxIdleTime: getenvInt("DATABASE_CONN_MAX_IDLE_TIME", 60),

		Redis: RedisConfig{
			Enabled:  getenvBool("REDIS_ENABLED", false),
			Addr:     strings.TrimSpace(getenv("REDIS_ADDR", "localhost:6379")),
			Password: strings.TrimSpace(getenv("REDIS_PASSWORD", "")),
			DB:       getenvInt("REDIS_DB", 0),
		},

		DefaultGateway: strings.ToLower(strings.TrimSpace(getenv("GATEWAY_DEFAULT", "payway"))),
		Gateways:       loadGateways(getenv("GATEWAYS", "payway")),

		Scheduler: SchedulerConfig{
			Enabled:     getenvBool("SCHEDULER_ENABLED", true),
			RunInterval: getenvDuration("SCHEDULER_RUN_INTERVAL", time.Minute),
			BatchSize:   getenvInt("SCHEDULER_BATCH_SIZE", 100),
			EnabledJobs: parseList(getenv("SCHEDULER_JOBS", "")),
		},
		Worker: WorkerConfig{
			Concurrency: getenvInt("WORKER_CONCURRENCY", 8),
			QueueSize:   getenvInt("WORKER_QUEUE_SIZE", 1024),
		},
		Notify: NotifyConfig{
			SMTPHost:     strings.TrimSpace(getenv("SMTP_HOST", "")),
			SMTPPort:     getenvInt("SMTP_PORT", 587),
			SMTPUsername: strings.TrimSpace(getenv("SMTP_USERNAME", "")),
			SMTPPassword: strings.TrimSpace(getenv("SMTP_PASSWORD", "")),
			SMTPFrom:     strings.TrimSpace(getenv("SMTP_FROM", "no-reply@propertypay.local")),
			SlackToken:   strings.TrimSpace(getenv("SLACK_BOT_TOKEN", "")),
			SlackChannel: strings.TrimSpace(getenv("SLACK_ALERT_CHANNEL", "")),
		},
	}

	return cfg
}

// Gateway returns the configuration of the named provider.
func (c Config) Gateway(name string) (GatewayConfig, bool) {
	gw, ok := c.Gateways[strings.ToLower(strings.TrimSpace(name))]
	return gw, ok
}

func (c Config) IsProduction() bool {
	return strings.EqualFold(c.Environment, "production")
}

// loadGateways reads GATEWAY_<NAME>_* variables for every enabled provider.
func loadGateways(raw string) map[string]GatewayConfig {
	out := map[string]GatewayConfig{}
	for _, name := range parseList(raw) {
		name = strings.ToLower(name)
		prefix := "GATEWAY_" + strings.ToUpper(name) + "_"
		out[name] = GatewayConfig{
			Name:          name,
			BaseURL:       strings.TrimRight(strings.TrimSpace(getenv(prefix+"BASE_URL", "")), "/"),
			APIKey:        strings.TrimSpace(getenv(prefix+"API_KEY", "")),
			WebhookSecret: strings.TrimSpace(getenv(prefix+"WEBHOOK_SECRET", "")),
			Timeout:       getenvDuration(prefix+"TIMEOUT", 10*time.Second),
			MaxRetries:    getenvInt(prefix+"MAX_RETRIES", 3),
		}
	}
	return out
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvBool(key string, def bool) bool {
	value := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	if value == "" {
		return def
	}
	switch value {
	case "1", "true", "yes", "y", "on":
		return true
	case "0", "false", "no", "n", "off":
		return false
	default:
		return def
	}
}

func getenvInt(key string, def int) int {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return def
	}
	return parsed
}

func getenvFloat(key string, def float64) float64 {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return def
	}
	return parsed
}

func getenvDuration(key string, def time.Duration) time.Duration {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := time.ParseDuration(value)
	if err != nil {
		return def
	}
	return parsed
}

func parseList(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		out = append(out, p)
	}
	return out
}

package gateway

import (
	"time"

	"github.com/smallbiznis/propertypay/internal/config"
	obsmetrics "github.com/smallbiznis/propertypay/internal/observability/metrics"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

type DirectoryParams struct {
	fx.In

	Cfg      config.Config
	Registry *Registry
	Log      *zap.Logger
	Metrics  *obsmetrics.Metrics `optional:"true"`
}

// BuildDirectory instantiates every configured gateway known to the registry.
func BuildDirectory(p DirectoryParams) (*Directory, error) {
	log := p.Log.Named("gateway")
	dir := NewDirectory(p.Cfg.DefaultGateway)
	for name, gwCfg := range p.Cfg.Gateways {
		if !p.Registry.ProviderExists(name) {
			log.Warn("skipping unknown gateway", zap.String("gateway", name))
			continue
		}
		client, err := p.Registry.NewClient(name, Config{
			Name:          gwCfg.Name,
			BaseURL:       gwCfg.BaseURL,
			APIKey:        gwCfg.APIKey,
			WebhookSecret: gwCfg.WebhookSecret,
			Timeout:       gwCfg.Timeout,
			MaxRetries:    gwCfg.MaxRetries,
		})
		if err != nil {
			return nil, err
		}
		client = Instrument(client, p.Metrics, log)
		client = WithRetry(client, RetryPolicy{
			MaxRetries:      gwCfg.MaxRetries,
			InitialInterval: 200 * time.Millisecond,
			MaxInterval:     2 * time.Second,
		})
		dir.Register(client, gwCfg.WebhookSecret)
		log.Info("gateway registered", zap.String("gateway", name))
	}
	return dir, nil
}

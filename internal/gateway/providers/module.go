package providers

import (
	"github.com/smallbiznis/propertypay/internal/gateway"
	"github.com/smallbiznis/propertypay/internal/gateway/payway"
	"github.com/smallbiznis/propertypay/internal/gateway/sandbox"
	"go.uber.org/fx"
)

var Module = fx.Module("gateway",
	fx.Provide(func() *gateway.Registry {
		return gateway.NewRegistry(
			payway.NewFactory(),
			sandbox.NewFactory(),
		)
	}),
	fx.Provide(gateway.BuildDirectory),
)

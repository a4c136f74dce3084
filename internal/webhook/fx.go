package webhook

import (
	"github.com/smallbiznis/propertypay/internal/webhook/repository"
	webhookservice "github.com/smallbiznis/propertypay/internal/webhook/service"
	"go.uber.org/fx"
)

var Module = fx.Module("webhook.processor",
	fx.Provide(repository.Provide),
	fx.Provide(webhookservice.NewProcessor),
	fx.Provide(webhookservice.Provide),
)

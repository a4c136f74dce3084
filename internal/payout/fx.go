package payout

import (
	"github.com/smallbiznis/propertypay/internal/payout/repository"
	payoutservice "github.com/smallbiznis/propertypay/internal/payout/service"
	"go.uber.org/fx"
)

var Module = fx.Module("payout.service",
	fx.Provide(repository.Provide),
	fx.Provide(payoutservice.NewService),
)

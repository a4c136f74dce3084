package main

import (
	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/propertypay/internal/cache"
	"github.com/smallbiznis/propertypay/internal/clock"
	"github.com/smallbiznis/propertypay/internal/config"
	"github.com/smallbiznis/propertypay/internal/contract"
	gatewayproviders "github.com/smallbiznis/propertypay/internal/gateway/providers"
	"github.com/smallbiznis/propertypay/internal/lock"
	"github.com/smallbiznis/propertypay/internal/migration"
	"github.com/smallbiznis/propertypay/internal/notify"
	"github.com/smallbiznis/propertypay/internal/observability"
	"github.com/smallbiznis/propertypay/internal/payment"
	"github.com/smallbiznis/propertypay/internal/payout"
	"github.com/smallbiznis/propertypay/internal/scheduler"
	"github.com/smallbiznis/propertypay/internal/server"
	"github.com/smallbiznis/propertypay/internal/webhook"
	"github.com/smallbiznis/propertypay/internal/worker"
	"github.com/smallbiznis/propertypay/pkg/db"
	"go.uber.org/fx"
)

func main() {
	app := fx.New(
		// Core Infrastructure
		config.Module,
		observability.Module,
		fx.Provide(RegisterSnowflake),
		db.Module,
		clock.Module,
		migration.Module,
		cache.Module,
		lock.Module,
		worker.Module,
		notify.Module,
		gatewayproviders.Module,

		// Functional Domains
		contract.Module,
		payment.Module,
		payout.Module,
		webhook.Module,
		scheduler.Module,

		server.Module,
	)
	app.Run()
}

func RegisterSnowflake() *snowflake.Node {
	node, err := snowflake.NewNode(1)
	if err != nil {
		panic(err)
	}
	return node
}

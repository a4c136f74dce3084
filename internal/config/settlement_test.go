package config

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
)

func TestValidateSettlementConfig(t *testing.T) {
	t.Run("defaults are valid", func(t *testing.T) {
		assert.NoError(t, ValidateSettlementConfig(DefaultSettlementConfig()))
	})

	t.Run("negative rate", func(t *testing.T) {
		cfg := DefaultSettlementConfig()
		cfg.DailyPenaltyRate = decimal.RequireFromString("-0.01")
		assert.Error(t, ValidateSettlementConfig(cfg))
	})

	t.Run("negative platform fee", func(t *testing.T) {
		cfg := DefaultSettlementConfig()
		cfg.PlatformFee = -1
		assert.Error(t, ValidateSettlementConfig(cfg))
	})

	t.Run("retry base above max", func(t *testing.T) {
		cfg := DefaultSettlementConfig()
		cfg.PayoutRetryBase = 2 * time.Hour
		cfg.PayoutRetryMax = time.Hour
		assert.Error(t, ValidateSettlementConfig(cfg))
	})
}

func TestStaticHolderReturnsStoredConfig(t *testing.T) {
	cfg := DefaultSettlementConfig()
	cfg.PenaltyCapDays = 7
	holder := NewStaticSettlementConfigHolder(cfg)
	assert.Equal(t, 7, holder.Get().PenaltyCapDays)
}

func TestLoadGatewaysFromEnv(t *testing.T) {
	t.Setenv("GATEWAY_PAYWAY_BASE_URL", "https://api.payway.test/")
	t.Setenv("GATEWAY_PAYWAY_WEBHOOK_SECRET", " whsec ")
	t.Setenv("GATEWAY_SANDBOX_TIMEOUT", "2s")

	gateways := loadGateways("payway, Sandbox")

	assert.Len(t, gateways, 2)
	assert.Equal(t, "https://api.payway.test", gateways["payway"].BaseURL)
	assert.Equal(t, "whsec", gateways["payway"].WebhookSecret)
	assert.Equal(t, 2*time.Second, gateways["sandbox"].Timeout)
	assert.Equal(t, 10*time.Second, gateways["payway"].Timeout)
}

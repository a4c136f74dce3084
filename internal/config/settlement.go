package config

import (
	"errors"
	"strings"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// SettlementConfig holds the money rules applied by the ledger and the payout orchestrator.
type SettlementConfig struct {
	DailyPenaltyRate   decimal.Decimal
	PenaltyCapDays     int
	PlatformFee        int64
	ReconcileAfter     time.Duration
	PayoutMaxRetries   int
	PayoutRetryBase    time.Duration
	PayoutRetryMax     time.Duration
	WebhookRetention   time.Duration
	EventDedupeTTL     time.Duration
	NotifyOnSettlement bool
}

// settlementFile is the on-disk shape of settlement.yml.
type settlementFile struct {
	DailyPenaltyRate   string        `mapstructure:"dailyPenaltyRate"`
	PenaltyCapDays     int           `mapstructure:"penaltyCapDays"`
	PlatformFee        int64         `mapstructure:"platformFee"`
	ReconcileAfter     time.Duration `mapstructure:"reconcileAfter"`
	PayoutMaxRetries   int           `mapstructure:"payoutMaxRetries"`
	PayoutRetryBase    time.Duration `mapstructure:"payoutRetryBase"`
	PayoutRetryMax     time.Duration `mapstructure:"payoutRetryMax"`
	WebhookRetention   time.Duration `mapstructure:"webhookRetention"`
	EventDedupeTTL     time.Duration `mapstructure:"eventDedupeTTL"`
	NotifyOnSettlement bool          `mapstructure:"notifyOnSettlement"`
}

func DefaultSettlementConfig() SettlementConfig {
	return SettlementConfig{
		DailyPenaltyRate:   decimal.RequireFromString("0.001"),
		PenaltyCapDays:     30,
		PlatformFee:        0,
		ReconcileAfter:     30 * time.Minute,
		PayoutMaxRetries:   5,
		PayoutRetryBase:    time.Minute,
		PayoutRetryMax:     time.Hour,
		WebhookRetention:   30 * 24 * time.Hour,
		EventDedupeTTL:     72 * time.Hour,
		NotifyOnSettlement: true,
	}
}

type SettlementConfigHolder struct {
	current atomic.Value // holds SettlementConfig
}

// NewStaticSettlementConfigHolder returns a holder that never reloads.
func NewStaticSettlementConfigHolder(cfg SettlementConfig) *SettlementConfigHolder {
	holder := &SettlementConfigHolder{}
	holder.current.Store(cfg)
	return holder
}

func NewSettlementConfigHolder(log *zap.Logger) (*SettlementConfigHolder, error) {
	log = log.Named("settlement.config")
	v := viper.New()

	v.SetConfigName("settlement")
	v.SetConfigType("yml")
	v.AddConfigPath("/var/lib/propertypay/config")
	v.AddConfigPath("/etc/propertypay")
	v.AddConfigPath(".")

	v.SetEnvPrefix("PROPERTYPAY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	defaults := DefaultSettlementConfig()
	v.SetDefault("settlement.dailyPenaltyRate", defaults.DailyPenaltyRate.String())
	v.SetDefault("settlement.penaltyCapDays", defaults.PenaltyCapDays)
	v.SetDefault("settlement.platformFee", defaults.PlatformFee)
	v.SetDefault("settlement.reconcileAfter", defaults.ReconcileAfter)
	v.SetDefault("settlement.payoutMaxRetries", defaults.PayoutMaxRetries)
	v.SetDefault("settlement.payoutRetryBase", defaults.PayoutRetryBase)
	v.SetDefault("settlement.payoutRetryMax", defaults.PayoutRetryMax)
	v.SetDefault("settlement.webhookRetention", defaults.WebhookRetention)
	v.SetDefault("settlement.eventDedupeTTL", defaults.EventDedupeTTL)
	v.SetDefault("settlement.notifyOnSettlement", defaults.NotifyOnSettlement)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}

	cfg, err := decodeSettlementConfig(v)
	if err != nil {
		return nil, err
	}

	holder := NewStaticSettlementConfigHolder(cfg)

	v.WatchConfig()
	v.OnConfigChange(func(e fsnotify.Event) {
		updated, err := decodeSettlementConfig(v)
		if err != nil {
			log.Warn("settlement config reload ignored", zap.String("file", e.Name), zap.Error(err))
			return
		}
		holder.current.Store(updated)
		log.Info("settlement config reloaded", zap.String("file", e.Name))
	})

	return holder, nil
}

func (h *SettlementConfigHolder) Get() SettlementConfig {
	return h.current.Load().(SettlementConfig)
}

func decodeSettlementConfig(v *viper.Viper) (SettlementConfig, error) {
	var raw settlementFile
	if err := v.UnmarshalKey("settlement", &raw); err != nil {
		return SettlementConfig{}, err
	}
	rate, err := decimal.NewFromString(strings.TrimSpace(raw.DailyPenaltyRate))
	if err != nil {
		return SettlementConfig{}, errors.New("settlement.dailyPenaltyRate must be a decimal")
	}
	cfg := SettlementConfig{
		DailyPenaltyRate:   rate,
		PenaltyCapDays:     raw.PenaltyCapDays,
		PlatformFee:        raw.PlatformFee,
		ReconcileAfter:     raw.ReconcileAfter,
		PayoutMaxRetries:   raw.PayoutMaxRetries,
		PayoutRetryBase:    raw.PayoutRetryBase,
		PayoutRetryMax:     raw.PayoutRetryMax,
		WebhookRetention:   raw.WebhookRetention,
		EventDedupeTTL:     raw.EventDedupeTTL,
		NotifyOnSettlement: raw.NotifyOnSettlement,
	}
	if err := ValidateSettlementConfig(cfg); err != nil {
		return SettlementConfig{}, err
	}
	return cfg, nil
}

func ValidateSettlementConfig(cfg SettlementConfig) error {
	if cfg.DailyPenaltyRate.IsNegative() || cfg.DailyPenaltyRate.GreaterThan(decimal.NewFromInt(1)) {
		return errors.New("settlement.dailyPenaltyRate must be between 0 and 1")
	}
	if cfg.PenaltyCapDays < 0 {
		return errors.New("settlement.penaltyCapDays cannot be negative")
	}
	if cfg.PlatformFee < 0 {
		return errors.New("settlement.platformFee cannot be negative")
	}
	if cfg.PayoutMaxRetries < 0 {
		return errors.New("settlement.payoutMaxRetries cannot be negative")
	}
	if cfg.PayoutRetryBase <= 0 || cfg.PayoutRetryMax < cfg.PayoutRetryBase {
		return errors.New("settlement.payoutRetryBase must be positive and not exceed payoutRetryMax")
	}
	if cfg.WebhookRetention <= 0 {
		return errors.New("settlement.webhookRetention must be positive")
	}
	return nil
}

package service

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/propertypay/internal/cache"
	"github.com/smallbiznis/propertypay/internal/clock"
	"github.com/smallbiznis/propertypay/internal/config"
	contractdomain "github.com/smallbiznis/propertypay/internal/contract/domain"
	"github.com/smallbiznis/propertypay/internal/gateway"
	"github.com/smallbiznis/propertypay/internal/notify"
	obscontext "github.com/smallbiznis/propertypay/internal/observability/context"
	obsmetrics "github.com/smallbiznis/propertypay/internal/observability/metrics"
	paymentdomain "github.com/smallbiznis/propertypay/internal/payment/domain"
	payoutdomain "github.com/smallbiznis/propertypay/internal/payout/domain"
	"github.com/smallbiznis/propertypay/internal/webhook/domain"
	"github.com/smallbiznis/propertypay/internal/webhook/signature"
	dbpkg "github.com/smallbiznis/propertypay/pkg/db"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const (
	pruneBatch    = 500
	applyAttempts = 3
)

type Params struct {
	fx.In

	DB         *gorm.DB
	Log        *zap.Logger
	GenID      *snowflake.Node
	Clock      clock.Clock
	Settlement *config.SettlementConfigHolder
	Repo       domain.Repository
	Payments   paymentdomain.Service
	Payouts    payoutdomain.Service
	Contracts  contractdomain.Repository
	Gateways   *gateway.Directory
	Deduper    *cache.EventDeduper `optional:"true"`
	Notifier   *notify.Notifier    `optional:"true"`
	ObsMetrics *obsmetrics.Metrics `optional:"true"`
}

type Processor struct {
	db         *gorm.DB
	log        *zap.Logger
	genID      *snowflake.Node
	clock      clock.Clock
	settlement *config.SettlementConfigHolder
	repo       domain.Repository
	payments   paymentdomain.Service
	payouts    payoutdomain.Service
	contracts  contractdomain.Repository
	gateways   *gateway.Directory
	deduper    *cache.EventDeduper
	notifier   *notify.Notifier
	obsMetrics *obsmetrics.Metrics
}

func NewProcessor(p Params) *Processor {
	return &Processor{
		db:         p.DB,
		log:        p.Log.Named("webhook.processor"),
		genID:      p.GenID,
		clock:      p.Clock,
		settlement: p.Settlement,
		repo:       p.Repo,
		payments:   p.Payments,
		payouts:    p.Payouts,
		contracts:  p.Contracts,
		gateways:   p.Gateways,
		deduper:    p.Deduper,
		notifier:   p.Notifier,
		obsMetrics: p.ObsMetrics,
	}
}

// Provide exposes the processor behind the domain interface.
func Provide(p *Processor) domain.Processor {
	return p
}

// effects are collected inside the transaction and run after it commits.
type effects struct {
	payment *paymentdomain.TransitionResult
	settle  *payoutdomain.SettleResult
	leg     *payoutdomain.LegTransition
}

func (p *Processor) Ingest(ctx context.Context, gatewayName string, body []byte, signatureHeader string) (*domain.Result, error) {
	client, err := p.gateways.Client(gatewayName)
	if err != nil {
		return nil, domain.ErrUnknownGateway
	}
	secret, err := p.gateways.Secret(gatewayName)
	if err != nil {
		return nil, domain.ErrUnknownGateway
	}
	if err := signature.Verify(body, signatureHeader, secret); err != nil {
		p.log.Warn("webhook signature rejected", zap.String("gateway", gatewayName))
		p.obsMetrics.RecordWebhookEvent(ctx, gatewayName, "", "unauthorized")
		return nil, err
	}

	event, err := client.ParseEvent(body)
	if err != nil {
		p.obsMetrics.RecordWebhookEvent(ctx, gatewayName, "", "invalid_payload")
		return nil, fmt.Errorf("%w: %v", domain.ErrInvalidPayload, err)
	}
	event.Gateway = client.Name()

	seen, err := p.deduper.Seen(ctx, event.Gateway, event.ID)
	if err != nil {
		p.log.Warn("event dedupe cache unavailable", zap.Error(err))
	}
	if seen {
		p.obsMetrics.RecordWebhookEvent(ctx, event.Gateway, event.Type, domain.OutcomeDuplicate)
		return &domain.Result{
			Gateway:   event.Gateway,
			EventID:   event.ID,
			EventType: event.Type,
			Outcome:   domain.OutcomeDuplicate,
		}, nil
	}

	return p.Apply(ctx, event)
}

// Apply records event and applies it in one transaction. A redelivered event
// id is acknowledged as a duplicate without touching any state.
func (p *Processor) Apply(ctx context.Context, event *gateway.Event) (*domain.Result, error) {
	if event == nil {
		return nil, domain.ErrInvalidPayload
	}
	ctx = obscontext.WithEvent(ctx, event.Gateway, event.ID)
	now := p.clock.Now()
	result := &domain.Result{
		Gateway:   event.Gateway,
		EventID:   event.ID,
		EventType: event.Type,
	}

	var post effects
	var err error
	for attempt := 1; attempt <= applyAttempts; attempt++ {
		post = effects{}
		result.Outcome, err = p.applyOnce(ctx, event, now, &post)
		if err == nil || !retryableApplyErr(err) || attempt == applyAttempts {
			break
		}
		p.log.Warn("apply gateway event conflicted, retrying",
			zap.String("gateway", event.Gateway),
			zap.String("event_id", event.ID),
			zap.Int("attempt", attempt),
			zap.Error(err),
		)
	}
	if err != nil {
		p.log.Error("apply gateway event failed",
			zap.String("gateway", event.Gateway),
			zap.String("event_id", event.ID),
			zap.String("event_type", event.Type),
			zap.Error(err),
		)
		return nil, err
	}

	if err := p.deduper.Mark(ctx, event.Gateway, event.ID); err != nil {
		p.log.Warn("event dedupe cache mark failed", zap.Error(err))
	}
	p.obsMetrics.RecordWebhookEvent(ctx, event.Gateway, event.Type, result.Outcome)
	p.log.Info("gateway event processed",
		zap.String("gateway", event.Gateway),
		zap.String("event_id", event.ID),
		zap.String("event_type", event.Type),
		zap.String("outcome", result.Outcome),
	)
	p.afterCommit(ctx, &post)
	return result, nil
}

func (p *Processor) applyOnce(ctx context.Context, event *gateway.Event, now time.Time, post *effects) (string, error) {
	var outcome string
	err := p.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		record := &domain.EventRecord{
			ID:         p.genID.Generate(),
			Gateway:    event.Gateway,
			EventID:    event.ID,
			EventType:  event.Type,
			Payload:    payload(event.Raw),
			ReceivedAt: now,
		}
		inserted, err := p.repo.InsertEvent(ctx, tx, record)
		if err != nil {
			return err
		}
		if !inserted {
			outcome = domain.OutcomeDuplicate
			return nil
		}

		outcome, err = p.route(ctx, tx, event, post)
		if err != nil {
			return err
		}
		return p.repo.MarkProcessed(ctx, tx, record.ID, outcome, now)
	})
	return outcome, err
}

// retryableApplyErr reports a lost optimistic-lock race or a transient
// database conflict. The whole transaction is rolled back, so a rerun
// starts from the dedupe insert again.
func retryableApplyErr(err error) bool {
	return errors.Is(err, paymentdomain.ErrVersionConflict) ||
		errors.Is(err, payoutdomain.ErrVersionConflict) ||
		dbpkg.IsRetryableTxErr(err)
}

// ApplyFunc adapts Apply to the callback shape used by reconciliation.
func (p *Processor) ApplyFunc() paymentdomain.EventApplier {
	return func(ctx context.Context, event *gateway.Event) error {
		_, err := p.Apply(ctx, event)
		return err
	}
}

func (p *Processor) route(ctx context.Context, tx *gorm.DB, event *gateway.Event, post *effects) (string, error) {
	switch {
	case event.IsPayment():
		res, err := p.payments.ApplyGatewayEvent(ctx, tx, event)
		if err != nil {
			return "", err
		}
		if res.Outcome != paymentdomain.OutcomeApplied || res.Payment == nil {
			return string(res.Outcome), nil
		}
		post.payment = res
		switch res.Payment.Status {
		case paymentdomain.StatusPaid:
			if res.ContractFullyPaid {
				settled, err := p.payouts.Settle(ctx, tx, res.Payment.ContractID, res.Payment.ID)
				if err != nil {
					return "", err
				}
				post.settle = settled
			}
		case paymentdomain.StatusFailed:
			if _, err := p.contracts.UpdateStatus(ctx, tx, res.Payment.ContractID, contractdomain.StatusPaymentFailed, p.clock.Now()); err != nil {
				return "", err
			}
		}
		return string(res.Outcome), nil

	case event.IsPayout():
		res, err := p.payouts.ApplyGatewayEvent(ctx, tx, event)
		if err != nil {
			return "", err
		}
		if res.Outcome == payoutdomain.OutcomeApplied {
			post.leg = res
		}
		return string(res.Outcome), nil
	}

	p.log.Info("ignoring unknown gateway event type",
		zap.String("gateway", event.Gateway),
		zap.String("event_type", event.Type),
	)
	return domain.OutcomeIgnored, nil
}

func (p *Processor) afterCommit(ctx context.Context, post *effects) {
	if post.payment != nil && post.payment.Payment.Status == paymentdomain.StatusPaid {
		p.notifyPaymentReceived(ctx, post.payment.Payment)
	}
	if post.settle != nil {
		p.payouts.AfterSettle(ctx, post.settle)
	}
	if post.leg != nil {
		p.payouts.AfterTransition(ctx, post.leg)
	}
}

func (p *Processor) notifyPaymentReceived(ctx context.Context, payment *paymentdomain.Payment) {
	if p.notifier == nil {
		return
	}
	contract, err := p.contracts.FindByID(ctx, p.db, payment.ContractID)
	if err != nil || contract == nil {
		p.log.Warn("load contract for payment notification failed",
			zap.String("contract_id", payment.ContractID.String()),
			zap.Error(err),
		)
		return
	}
	p.notifier.NotifyRecipient(ctx, notify.Message{
		To:       contract.OwnerEmail,
		Template: "payment_received",
		Data: map[string]any{
			"amount":      strconv.FormatInt(payment.PaidAmount, 10),
			"currency":    payment.Currency,
			"contract_id": payment.ContractID.String(),
		},
	})
}

// Prune deletes stored events older than the configured retention.
func (p *Processor) Prune(ctx context.Context, now time.Time) (int64, error) {
	before := now.Add(-p.settlement.Get().WebhookRetention)
	var total int64
	for {
		n, err := p.repo.Prune(ctx, p.db, before, pruneBatch)
		if err != nil {
			return total, err
		}
		total += n
		if n < pruneBatch {
			return total, nil
		}
		if err := ctx.Err(); err != nil {
			return total, err
		}
	}
}

func payload(raw []byte) datatypes.JSON {
	if len(raw) == 0 {
		return datatypes.JSON("{}")
	}
	return datatypes.JSON(raw)
}

// IsClientError reports errors caused by the request rather than by processing.
func IsClientError(err error) bool {
	return errors.Is(err, domain.ErrInvalidPayload) ||
		errors.Is(err, domain.ErrUnknownGateway) ||
		errors.Is(err, signature.ErrInvalidSignature)
}

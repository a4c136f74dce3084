package service

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/propertypay/internal/clock"
	"github.com/smallbiznis/propertypay/internal/config"
	contractdomain "github.com/smallbiznis/propertypay/internal/contract/domain"
	"github.com/smallbiznis/propertypay/internal/gateway"
	"github.com/smallbiznis/propertypay/internal/notify"
	obscontext "github.com/smallbiznis/propertypay/internal/observability/context"
	obsmetrics "github.com/smallbiznis/propertypay/internal/observability/metrics"
	paymentdomain "github.com/smallbiznis/propertypay/internal/payment/domain"
	payoutdomain "github.com/smallbiznis/propertypay/internal/payout/domain"
	"github.com/smallbiznis/propertypay/internal/worker"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	maxCASAttempts   = 3
	dispatchTimeout  = time.Minute
	maxFailureReason = 500
)

type Params struct {
	fx.In

	DB         *gorm.DB
	Log        *zap.Logger
	GenID      *snowflake.Node
	Clock      clock.Clock
	Settlement *config.SettlementConfigHolder
	Repo       payoutdomain.Repository
	Payments   paymentdomain.Repository
	Contracts  contractdomain.Repository
	Gateways   *gateway.Directory
	Pool       *worker.Pool
	Notifier   *notify.Notifier    `optional:"true"`
	ObsMetrics *obsmetrics.Metrics `optional:"true"`
}

type Service struct {
	db         *gorm.DB
	log        *zap.Logger
	genID      *snowflake.Node
	clock      clock.Clock
	settlement *config.SettlementConfigHolder
	repo       payoutdomain.Repository
	payments   paymentdomain.Repository
	contracts  contractdomain.Repository
	gateways   *gateway.Directory
	pool       *worker.Pool
	notifier   *notify.Notifier
	obsMetrics *obsmetrics.Metrics
}

func NewService(p Params) payoutdomain.Service {
	return &Service{
		db:         p.DB,
		log:        p.Log.Named("payout.service"),
		genID:      p.GenID,
		clock:      p.Clock,
		settlement: p.Settlement,
		repo:       p.Repo,
		payments:   p.Payments,
		contracts:  p.Contracts,
		gateways:   p.Gateways,
		pool:       p.Pool,
		notifier:   p.Notifier,
		obsMetrics: p.ObsMetrics,
	}
}

func (s *Service) Settle(ctx context.Context, tx *gorm.DB, contractID, sourcePaymentID snowflake.ID) (*payoutdomain.SettleResult, error) {
	existing, err := s.repo.FindSettlementByContract(ctx, tx, contractID)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return s.existingResult(ctx, tx, existing)
	}

	contract, err := s.contracts.FindByID(ctx, tx, contractID)
	if err != nil {
		return nil, err
	}
	if contract == nil {
		return nil, contractdomain.ErrNotFound
	}
	collection, err := s.payments.Collection(ctx, tx, contractID)
	if err != nil {
		return nil, err
	}
	if !collection.FullyPaid() {
		return nil, payoutdomain.ErrNotFullyPaid
	}

	cfg := s.settlement.Get()
	now := s.clock.Now()
	split, splitErr := payoutdomain.ComputeSplit(collection.PaidAmount, contract.CommissionRate, cfg.PlatformFee)

	settlement := &payoutdomain.Settlement{
		ID:               s.genID.Generate(),
		ContractID:       contractID,
		SourcePaymentID:  sourcePaymentID,
		Currency:         contract.Currency,
		CollectedAmount:  split.Collected,
		CommissionAmount: split.Commission,
		PlatformFee:      split.Fee,
		NetAmount:        split.Net,
		Status:           payoutdomain.SettlementPending,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if splitErr != nil {
		settlement.Status = payoutdomain.SettlementBlocked
		settlement.FailureReason = splitErr.Error()
	}

	inserted, err := s.repo.InsertSettlement(ctx, tx, settlement)
	if err != nil {
		return nil, err
	}
	if !inserted {
		existing, err := s.repo.FindSettlementByContract(ctx, tx, contractID)
		if err != nil {
			return nil, err
		}
		if existing == nil {
			return nil, payoutdomain.ErrNotFound
		}
		return s.existingResult(ctx, tx, existing)
	}

	result := &payoutdomain.SettleResult{Settlement: settlement, Created: true}
	if splitErr != nil {
		s.log.Error("settlement blocked",
			zap.String("contract_id", contractID.String()),
			zap.Int64("collected", split.Collected),
			zap.Int64("commission", split.Commission),
			zap.Int64("platform_fee", split.Fee),
			zap.Error(splitErr),
		)
		return result, nil
	}

	gatewayName, err := s.payoutGateway(ctx, tx, sourcePaymentID)
	if err != nil {
		return nil, err
	}

	legs := []struct {
		role      payoutdomain.Role
		recipient snowflake.ID
		amount    int64
	}{
		{payoutdomain.RoleOwner, contract.OwnerID, split.Net},
		{payoutdomain.RoleAgent, contract.AgentID, split.Commission},
	}
	for _, l := range legs {
		if l.amount <= 0 {
			continue
		}
		leg := payoutdomain.PayoutRequest{
			ID:              s.genID.Generate(),
			SettlementID:    settlement.ID,
			SourcePaymentID: sourcePaymentID,
			ContractID:      contractID,
			RecipientRole:   l.role,
			RecipientID:     l.recipient,
			Amount:          l.amount,
			Currency:        contract.Currency,
			Gateway:         gatewayName,
			Status:          payoutdomain.StatusCreated,
			Attempt:         1,
			Version:         1,
			CreatedAt:       now,
			UpdatedAt:       now,
		}
		ok, err := s.repo.InsertLeg(ctx, tx, &leg)
		if err != nil {
			return nil, err
		}
		if ok {
			result.Legs = append(result.Legs, leg)
		}
	}

	if len(result.Legs) == 0 {
		// Fees consumed the whole collection; nothing to pay out.
		if _, err := s.repo.UpdateSettlementStatus(ctx, tx, settlement.ID, payoutdomain.SettlementPending, payoutdomain.SettlementCompleted, now); err != nil {
			return nil, err
		}
		settlement.Status = payoutdomain.SettlementCompleted
		if _, err := s.contracts.UpdateStatus(ctx, tx, contractID, contractdomain.StatusSettled, now); err != nil {
			return nil, err
		}
		return result, nil
	}

	if _, err := s.contracts.UpdateStatus(ctx, tx, contractID, contractdomain.StatusFullyPaid, now); err != nil {
		return nil, err
	}

	s.log.Info("settlement prepared",
		zap.String("contract_id", contractID.String()),
		zap.String("settlement_id", settlement.ID.String()),
		zap.Int64("collected", split.Collected),
		zap.Int64("commission", split.Commission),
		zap.Int64("net", split.Net),
		zap.Int("legs", len(result.Legs)),
	)
	return result, nil
}

func (s *Service) existingResult(ctx context.Context, tx *gorm.DB, settlement *payoutdomain.Settlement) (*payoutdomain.SettleResult, error) {
	legs, err := s.repo.ListLegsBySettlement(ctx, tx, settlement.ID)
	if err != nil {
		return nil, err
	}
	return &payoutdomain.SettleResult{Settlement: settlement, Legs: legs, Created: false}, nil
}

// payoutGateway pays out through the provider that collected the money.
func (s *Service) payoutGateway(ctx context.Context, tx *gorm.DB, sourcePaymentID snowflake.ID) (string, error) {
	payment, err := s.payments.FindByID(ctx, tx, sourcePaymentID)
	if err != nil {
		return "", err
	}
	if payment != nil && payment.Gateway != "" {
		return payment.Gateway, nil
	}
	client, err := s.gateways.Default()
	if err != nil {
		return "", err
	}
	return client.Name(), nil
}

func (s *Service) AfterSettle(ctx context.Context, result *payoutdomain.SettleResult) {
	s.afterSettle(ctx, result, true)
}

func (s *Service) afterSettle(ctx context.Context, result *payoutdomain.SettleResult, enqueue bool) {
	if result == nil || !result.Created || result.Settlement == nil {
		return
	}
	settlement := result.Settlement

	if settlement.Status == payoutdomain.SettlementBlocked {
		s.notifier.Alert(ctx, "settlement blocked: commission and fees exceed collected amount",
			zap.String("contract_id", settlement.ContractID.String()),
			zap.Int64("collected", settlement.CollectedAmount),
			zap.Int64("commission", settlement.CommissionAmount),
			zap.Int64("platform_fee", settlement.PlatformFee),
		)
		s.notifier.RecordStatistic(ctx, notify.Statistic{
			Kind:       "settlement",
			ContractID: settlement.ContractID.String(),
			Currency:   settlement.Currency,
			Status:     string(settlement.Status),
		})
		return
	}
	if settlement.Status == payoutdomain.SettlementCompleted {
		s.recordCompleted(ctx, settlement)
	}

	if !enqueue {
		return
	}
	for _, leg := range result.Legs {
		s.enqueueDispatch(leg.ID)
	}
}

func (s *Service) enqueueDispatch(legID snowflake.ID) {
	accepted := s.pool.Submit(worker.Task{
		Name:    "payout.dispatch",
		Timeout: dispatchTimeout,
		Run: func(ctx context.Context) error {
			_, err := s.Dispatch(ctx, legID)
			return err
		},
	})
	if !accepted {
		s.log.Info("payout dispatch deferred to scheduler", zap.String("payout_id", legID.String()))
	}
}

// Dispatch creates the provider payout for a CREATED leg. No database lock is
// held while the provider is called; the result is written with a CAS update.
func (s *Service) Dispatch(ctx context.Context, legID snowflake.ID) (payoutdomain.DispatchOutcome, error) {
	ctx = obscontext.WithPayout(ctx, legID.String())
	leg, err := s.repo.FindLegByID(ctx, s.db, legID)
	if err != nil {
		return "", err
	}
	if leg == nil {
		return "", payoutdomain.ErrNotFound
	}
	if leg.Status != payoutdomain.StatusCreated || leg.PayoutID() != "" {
		return payoutdomain.DispatchSkipped, nil
	}
	now := s.clock.Now()
	if leg.NextAttemptAt != nil && leg.NextAttemptAt.After(now) {
		return payoutdomain.DispatchDeferred, nil
	}

	settlement, err := s.repo.FindSettlementByID(ctx, s.db, leg.SettlementID)
	if err != nil {
		return "", err
	}
	if settlement == nil || settlement.Status == payoutdomain.SettlementBlocked {
		return payoutdomain.DispatchSkipped, nil
	}

	contract, err := s.contracts.FindByID(ctx, s.db, leg.ContractID)
	if err != nil {
		return "", err
	}
	if contract == nil {
		return "", contractdomain.ErrNotFound
	}
	dest, _ := destination(contract, leg.RecipientRole)
	if strings.TrimSpace(dest.AccountNumber) == "" {
		return s.recordDispatchFailure(ctx, leg, payoutdomain.ErrMissingDestination)
	}

	client, err := s.gateways.Client(leg.Gateway)
	if err != nil {
		return s.recordDispatchFailure(ctx, leg, err)
	}
	key := gateway.PayoutKey(leg.SourcePaymentID.Int64(), string(leg.RecipientRole), leg.Attempt)
	session, err := client.CreatePayoutSession(ctx, gateway.PayoutSessionRequest{
		Amount:      leg.Amount,
		Currency:    leg.Currency,
		Description: fmt.Sprintf("%s payout for contract %s", strings.ToLower(string(leg.RecipientRole)), leg.ContractID.String()),
		Metadata: map[string]string{
			gateway.MetadataReference: leg.ID.String(),
			"contract_id":             leg.ContractID.String(),
			"recipient_role":          string(leg.RecipientRole),
		},
		Destination: dest,
	}, key)
	if err != nil {
		return s.recordDispatchFailure(ctx, leg, err)
	}

	for attempt := 0; attempt < maxCASAttempts; attempt++ {
		payoutID := session.ID
		leg.GatewayPayoutID = &payoutID
		leg.NextAttemptAt = nil
		leg.FailureReason = ""
		leg.UpdatedAt = s.clock.Now()

		ok, err := s.repo.UpdateLeg(ctx, s.db, leg, leg.Version)
		if err != nil {
			return "", err
		}
		if ok {
			s.obsMetrics.RecordPayoutLeg(ctx, string(leg.RecipientRole), "sent")
			s.log.Info("payout sent to gateway",
				zap.String("payout_id", leg.ID.String()),
				zap.String("contract_id", leg.ContractID.String()),
				zap.String("role", string(leg.RecipientRole)),
				zap.String("gateway_payout_id", payoutID),
				zap.Int("attempt", leg.Attempt),
			)
			return payoutdomain.DispatchSent, nil
		}
		if leg, err = s.repo.FindLegByID(ctx, s.db, legID); err != nil {
			return "", err
		}
		if leg == nil {
			return "", payoutdomain.ErrNotFound
		}
		if leg.Status != payoutdomain.StatusCreated || leg.PayoutID() != "" {
			return payoutdomain.DispatchSkipped, nil
		}
	}
	return "", payoutdomain.ErrVersionConflict
}

func destination(c *contractdomain.Contract, role payoutdomain.Role) (gateway.Destination, string) {
	if role == payoutdomain.RoleAgent {
		return gateway.Destination{
			AccountNumber: c.AgentAccountNumber,
			HolderName:    c.AgentAccountHolder,
			RoutingCode:   c.AgentRoutingCode,
		}, c.AgentEmail
	}
	return gateway.Destination{
		AccountNumber: c.OwnerAccountNumber,
		HolderName:    c.OwnerAccountHolder,
		RoutingCode:   c.OwnerRoutingCode,
	}, c.OwnerEmail
}

// recordDispatchFailure keeps a retryable failure CREATED with a backoff and
// marks anything else FAILED. A timeout or 5xx leaves the provider-side outcome
// unknown, so such a leg is never failed locally: once retries run out it keeps
// resending under the same idempotency key at the maximum interval until the
// provider either returns the session or rejects it outright.
func (s *Service) recordDispatchFailure(ctx context.Context, leg *payoutdomain.PayoutRequest, cause error) (payoutdomain.DispatchOutcome, error) {
	cfg := s.settlement.Get()
	now := s.clock.Now()
	log := s.log.With(
		zap.String("payout_id", leg.ID.String()),
		zap.String("contract_id", leg.ContractID.String()),
		zap.String("role", string(leg.RecipientRole)),
		zap.Int("attempt", leg.Attempt),
		zap.Error(cause),
	)

	if gateway.IsRetryable(cause) {
		exhausted := leg.RetryCount >= cfg.PayoutMaxRetries
		leg.RetryCount++
		delay := payoutdomain.NextAttemptDelay(leg.RetryCount, cfg.PayoutRetryBase, cfg.PayoutRetryMax)
		reason := cause.Error()
		if exhausted {
			delay = cfg.PayoutRetryMax
			reason = "outcome unknown, resending with the same key: " + reason
		}
		next := now.Add(delay)
		leg.NextAttemptAt = &next
		leg.FailureReason = truncate(reason)
		leg.UpdatedAt = now
		ok, err := s.repo.UpdateLeg(ctx, s.db, leg, leg.Version)
		if err != nil {
			return "", err
		}
		if !ok {
			return "", payoutdomain.ErrVersionConflict
		}
		if !exhausted {
			s.obsMetrics.RecordPayoutLeg(ctx, string(leg.RecipientRole), "deferred")
			log.Warn("payout dispatch failed, retry scheduled",
				zap.Int("retry_count", leg.RetryCount),
				zap.Time("next_attempt_at", next),
			)
			return payoutdomain.DispatchDeferred, nil
		}
		s.obsMetrics.RecordPayoutLeg(ctx, string(leg.RecipientRole), "unresolved")
		if leg.RetryCount == cfg.PayoutMaxRetries+1 {
			s.notifier.Alert(ctx, "payout outcome unknown after retries",
				zap.String("payout_id", leg.ID.String()),
				zap.String("contract_id", leg.ContractID.String()),
				zap.String("role", string(leg.RecipientRole)),
				zap.String("idempotency_key", gateway.PayoutKey(leg.SourcePaymentID.Int64(), string(leg.RecipientRole), leg.Attempt)),
				zap.Error(cause),
			)
		}
		log.Warn("payout outcome unknown, resend scheduled",
			zap.Int("retry_count", leg.RetryCount),
			zap.Time("next_attempt_at", next),
		)
		return payoutdomain.DispatchDeferred, nil
	}

	reason := cause.Error()
	var gwErr *gateway.Error
	if errors.As(cause, &gwErr) && gwErr.NeedsOperator() {
		reason = "gateway credentials rejected: " + reason
	}
	leg.Status = payoutdomain.StatusFailed
	leg.NextAttemptAt = nil
	leg.FailureReason = truncate(reason)
	leg.UpdatedAt = now

	var transition *payoutdomain.LegTransition
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		ok, err := s.repo.UpdateLeg(ctx, tx, leg, leg.Version)
		if err != nil {
			return err
		}
		if !ok {
			return payoutdomain.ErrVersionConflict
		}
		transition = &payoutdomain.LegTransition{Outcome: payoutdomain.OutcomeApplied, Leg: leg}
		transition.SettlementCompleted, transition.ContractSettled, err = s.completeSettlement(ctx, tx, leg)
		return err
	})
	if err != nil {
		return "", err
	}

	s.obsMetrics.RecordPayoutLeg(ctx, string(leg.RecipientRole), string(payoutdomain.StatusFailed))
	log.Error("payout dispatch failed permanently", zap.String("kind", string(gateway.KindOf(cause))))
	s.AfterTransition(ctx, transition)
	return payoutdomain.DispatchFailed, nil
}

func truncate(s string) string {
	if len(s) <= maxFailureReason {
		return s
	}
	return s[:maxFailureReason]
}

// completeSettlement marks the settlement COMPLETED once every leg is terminal
// and the contract SETTLED when every leg was paid.
func (s *Service) completeSettlement(ctx context.Context, tx *gorm.DB, leg *payoutdomain.PayoutRequest) (bool, bool, error) {
	legs, err := s.repo.ListLegsBySettlement(ctx, tx, leg.SettlementID)
	if err != nil {
		return false, false, err
	}
	allPaid := true
	for _, l := range legs {
		if !l.Status.Terminal() {
			return false, false, nil
		}
		if l.Status != payoutdomain.StatusPaid {
			allPaid = false
		}
	}
	now := s.clock.Now()
	completed, err := s.repo.UpdateSettlementStatus(ctx, tx, leg.SettlementID, payoutdomain.SettlementPending, payoutdomain.SettlementCompleted, now)
	if err != nil {
		return false, false, err
	}
	if !completed || !allPaid {
		return completed, false, nil
	}
	if _, err := s.contracts.UpdateStatus(ctx, tx, leg.ContractID, contractdomain.StatusSettled, now); err != nil {
		return false, false, err
	}
	return true, true, nil
}

func (s *Service) ApplyGatewayEvent(ctx context.Context, tx *gorm.DB, event *gateway.Event) (*payoutdomain.LegTransition, error) {
	var target payoutdomain.Status
	switch event.Type {
	case gateway.EventPayoutPaid:
		target = payoutdomain.StatusPaid
	case gateway.EventPayoutFailed:
		target = payoutdomain.StatusFailed
	default:
		return &payoutdomain.LegTransition{Outcome: payoutdomain.OutcomeIgnored}, nil
	}

	leg, err := s.matchEvent(ctx, tx, event)
	if err != nil {
		return nil, err
	}
	if leg == nil {
		s.log.Warn("payout event matched no payout",
			zap.String("gateway", event.Gateway),
			zap.String("event_id", event.ID),
			zap.String("object_id", event.ObjectID),
		)
		return &payoutdomain.LegTransition{Outcome: payoutdomain.OutcomeUnmatched}, nil
	}

	log := s.log.With(
		zap.String("payout_id", leg.ID.String()),
		zap.String("event_id", event.ID),
		zap.String("event_type", event.Type),
	)

	for attempt := 0; attempt < maxCASAttempts; attempt++ {
		result := &payoutdomain.LegTransition{Leg: leg, Outcome: payoutdomain.OutcomeStale}
		if leg.Status.Terminal() {
			log.Info("event for terminal payout ignored",
				zap.String("status", string(leg.Status)),
				zap.Error(paymentdomain.ErrStaleTransition),
			)
			return result, nil
		}
		if leg.PayoutID() != "" && event.ObjectID != "" && event.ObjectID != leg.PayoutID() {
			log.Info("event for superseded payout attempt ignored", zap.String("object_id", event.ObjectID))
			return result, nil
		}
		if leg.GatewayUpdatedAt != nil && event.UpdatedAt.Before(*leg.GatewayUpdatedAt) {
			log.Info("out-of-order payout event ignored")
			return result, nil
		}

		now := s.clock.Now()
		updatedAt := event.UpdatedAt
		if updatedAt.IsZero() {
			updatedAt = now
		}
		leg.Status = target
		leg.GatewayUpdatedAt = &updatedAt
		leg.NextAttemptAt = nil
		leg.UpdatedAt = now
		if leg.GatewayPayoutID == nil && event.ObjectID != "" {
			objectID := event.ObjectID
			leg.GatewayPayoutID = &objectID
		}
		if target == payoutdomain.StatusFailed {
			leg.FailureReason = truncate(event.FailureReason)
			if leg.FailureReason == "" {
				leg.FailureReason = "payout_failed"
			}
		} else {
			leg.FailureReason = ""
		}

		ok, err := s.repo.UpdateLeg(ctx, tx, leg, leg.Version)
		if err != nil {
			return nil, err
		}
		if !ok {
			if leg, err = s.repo.FindLegByID(ctx, tx, leg.ID); err != nil {
				return nil, err
			}
			if leg == nil {
				return nil, payoutdomain.ErrNotFound
			}
			continue
		}

		s.obsMetrics.RecordPayoutLeg(ctx, string(leg.RecipientRole), string(target))
		log.Info("payout transitioned", zap.String("to", string(target)))

		result.Outcome = payoutdomain.OutcomeApplied
		result.Leg = leg
		result.SettlementCompleted, result.ContractSettled, err = s.completeSettlement(ctx, tx, leg)
		if err != nil {
			return nil, err
		}
		return result, nil
	}
	return nil, payoutdomain.ErrVersionConflict
}

func (s *Service) matchEvent(ctx context.Context, tx *gorm.DB, event *gateway.Event) (*payoutdomain.PayoutRequest, error) {
	if ref := strings.TrimSpace(event.Reference); ref != "" {
		if id, err := strconv.ParseInt(ref, 10, 64); err == nil {
			leg, err := s.repo.FindLegByID(ctx, tx, snowflake.ID(id))
			if err != nil {
				return nil, err
			}
			if leg != nil {
				return leg, nil
			}
		}
	}
	if event.ObjectID == "" {
		return nil, nil
	}
	return s.repo.FindLegByGatewayPayout(ctx, tx, event.Gateway, event.ObjectID)
}

// AfterTransition emits the post-commit side effects of a leg reaching a
// terminal state.
func (s *Service) AfterTransition(ctx context.Context, result *payoutdomain.LegTransition) {
	if result == nil || result.Outcome != payoutdomain.OutcomeApplied || result.Leg == nil {
		return
	}
	leg := result.Leg

	contract, err := s.contracts.FindByID(ctx, s.db, leg.ContractID)
	if err != nil {
		s.log.Warn("load contract for payout notification failed", zap.Error(err))
	}
	if contract != nil {
		dest, email := destination(contract, leg.RecipientRole)
		template := "payout_sent"
		if leg.Status == payoutdomain.StatusFailed {
			template = "payout_failed"
		}
		s.notifier.NotifyRecipient(ctx, notify.Message{
			To:       email,
			Template: template,
			Data: map[string]any{
				"holder":      dest.HolderName,
				"amount":      strconv.FormatInt(leg.Amount, 10),
				"currency":    leg.Currency,
				"contract_id": leg.ContractID.String(),
			},
		})
	}

	if leg.Status == payoutdomain.StatusFailed {
		s.notifier.Alert(ctx, "payout failed",
			zap.String("payout_id", leg.ID.String()),
			zap.String("contract_id", leg.ContractID.String()),
			zap.String("role", string(leg.RecipientRole)),
			zap.String("reason", leg.FailureReason),
		)
	}

	if result.SettlementCompleted {
		settlement, err := s.repo.FindSettlementByID(ctx, s.db, leg.SettlementID)
		if err != nil {
			s.log.Warn("load settlement for statistics failed", zap.Error(err))
			return
		}
		if settlement != nil {
			s.recordCompleted(ctx, settlement)
		}
	}
}

func (s *Service) recordCompleted(ctx context.Context, settlement *payoutdomain.Settlement) {
	s.notifier.RecordStatistic(ctx, notify.Statistic{
		Kind:       "settlement",
		ContractID: settlement.ContractID.String(),
		Currency:   settlement.Currency,
		Amount:     settlement.CollectedAmount,
		Status:     string(payoutdomain.SettlementCompleted),
	})
	s.log.Info("settlement completed",
		zap.String("contract_id", settlement.ContractID.String()),
		zap.String("settlement_id", settlement.ID.String()),
	)
}

// Retry starts a new attempt generation for a FAILED leg and dispatches it.
// Legs only reach FAILED on a provider-confirmed rejection, so the fresh
// idempotency key cannot duplicate a payout the provider already accepted.
func (s *Service) Retry(ctx context.Context, legID snowflake.ID) (*payoutdomain.PayoutRequest, error) {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		leg, err := s.repo.FindLegByID(ctx, tx, legID)
		if err != nil {
			return err
		}
		if leg == nil {
			return payoutdomain.ErrNotFound
		}
		if leg.Status != payoutdomain.StatusFailed {
			return payoutdomain.ErrNotRetryable
		}
		settlement, err := s.repo.FindSettlementByID(ctx, tx, leg.SettlementID)
		if err != nil {
			return err
		}
		if settlement == nil || settlement.Status == payoutdomain.SettlementBlocked {
			return payoutdomain.ErrSettlementBlocked
		}

		now := s.clock.Now()
		leg.Status = payoutdomain.StatusCreated
		leg.Attempt++
		leg.RetryCount = 0
		leg.NextAttemptAt = nil
		leg.FailureReason = ""
		leg.GatewayPayoutID = nil
		leg.UpdatedAt = now

		ok, err := s.repo.UpdateLeg(ctx, tx, leg, leg.Version)
		if err != nil {
			return err
		}
		if !ok {
			return payoutdomain.ErrVersionConflict
		}
		_, err = s.repo.UpdateSettlementStatus(ctx, tx, leg.SettlementID, payoutdomain.SettlementCompleted, payoutdomain.SettlementPending, now)
		return err
	})
	if err != nil {
		return nil, err
	}

	s.log.Info("payout retry requested", zap.String("payout_id", legID.String()))
	if _, err := s.Dispatch(ctx, legID); err != nil {
		return nil, err
	}
	leg, err := s.repo.FindLegByID(ctx, s.db, legID)
	if err != nil {
		return nil, err
	}
	if leg == nil {
		return nil, payoutdomain.ErrNotFound
	}
	return leg, nil
}

// ResumePending settles fully paid contracts that missed their settlement and
// dispatches CREATED legs whose backoff has elapsed.
func (s *Service) ResumePending(ctx context.Context, now time.Time, batchSize int) (payoutdomain.ResumeResult, error) {
	var result payoutdomain.ResumeResult
	if batchSize <= 0 {
		batchSize = 100
	}

	var afterContract snowflake.ID
	for {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		unsettled, err := s.repo.ListUnsettledContracts(ctx, s.db, afterContract, batchSize)
		if err != nil {
			return result, err
		}
		for _, item := range unsettled {
			afterContract = item.ContractID
			var settled *payoutdomain.SettleResult
			err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
				var err error
				settled, err = s.Settle(ctx, tx, item.ContractID, item.SourcePaymentID)
				return err
			})
			if err != nil {
				s.log.Warn("resume settle failed", zap.String("contract_id", item.ContractID.String()), zap.Error(err))
				continue
			}
			s.afterSettle(ctx, settled, false)
			if settled.Created {
				result.Settled++
			}
		}
		if len(unsettled) < batchSize {
			break
		}
	}

	var afterLeg snowflake.ID
	for {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		legs, err := s.repo.ListDispatchable(ctx, s.db, now, afterLeg, batchSize)
		if err != nil {
			return result, err
		}
		for _, leg := range legs {
			afterLeg = leg.ID
			outcome, err := s.Dispatch(ctx, leg.ID)
			if err != nil {
				result.Failed++
				s.log.Warn("resume dispatch failed", zap.String("payout_id", leg.ID.String()), zap.Error(err))
				continue
			}
			switch outcome {
			case payoutdomain.DispatchSent:
				result.Dispatched++
			case payoutdomain.DispatchDeferred:
				result.Deferred++
			case payoutdomain.DispatchFailed:
				result.Failed++
			}
		}
		if len(legs) < batchSize {
			break
		}
	}
	return result, nil
}

// Reconcile polls the provider for sent payouts that never reported back.
func (s *Service) Reconcile(ctx context.Context, now time.Time, batchSize int, apply func(ctx context.Context, event *gateway.Event) error) (payoutdomain.ReconcileResult, error) {
	var result payoutdomain.ReconcileResult
	if batchSize <= 0 {
		batchSize = 100
	}
	before := now.Add(-s.settlement.Get().ReconcileAfter)

	var afterID snowflake.ID
	for {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		legs, err := s.repo.ListReconcileCandidates(ctx, s.db, before, afterID, batchSize)
		if err != nil {
			return result, err
		}
		for i := range legs {
			leg := &legs[i]
			afterID = leg.ID
			result.Checked++

			applied, err := s.reconcileOne(ctx, leg, now, apply)
			if err != nil {
				result.Failed++
				s.log.Warn("payout reconcile failed", zap.String("payout_id", leg.ID.String()), zap.Error(err))
				continue
			}
			if applied {
				result.Applied++
			}
		}
		if len(legs) < batchSize {
			break
		}
	}
	return result, nil
}

func (s *Service) reconcileOne(ctx context.Context, leg *payoutdomain.PayoutRequest, now time.Time, apply func(ctx context.Context, event *gateway.Event) error) (bool, error) {
	client, err := s.gateways.Client(leg.Gateway)
	if err != nil {
		return false, err
	}
	session, err := client.GetPayoutSession(ctx, leg.PayoutID())
	if err != nil {
		return false, err
	}

	var eventType string
	switch session.Status {
	case gateway.StatusPaid, gateway.StatusSucceeded:
		eventType = gateway.EventPayoutPaid
	case gateway.StatusFailed, gateway.StatusCanceled:
		eventType = gateway.EventPayoutFailed
	default:
		return false, nil
	}

	event := &gateway.Event{
		Gateway:   client.Name(),
		ID:        fmt.Sprintf("reconcile:%s:%s", session.ID, session.Status),
		Type:      eventType,
		CreatedAt: now,
		ObjectID:  session.ID,
		Reference: leg.ID.String(),
		Amount:    session.Amount,
		Currency:  session.Currency,
		Status:    session.Status,
		UpdatedAt: session.UpdatedAt,
	}
	if err := apply(ctx, event); err != nil {
		return false, err
	}
	return true, nil
}

func (s *Service) ListByContract(ctx context.Context, contractID snowflake.ID) ([]payoutdomain.PayoutRequest, error) {
	return s.repo.ListLegsByContract(ctx, s.db, contractID)
}

func (s *Service) GetSettlement(ctx context.Context, contractID snowflake.ID) (*payoutdomain.Settlement, error) {
	item, err := s.repo.FindSettlementByContract(ctx, s.db, contractID)
	if err != nil {
		return nil, err
	}
	if item == nil {
		return nil, payoutdomain.ErrNotFound
	}
	return item, nil
}

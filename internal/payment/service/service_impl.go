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
	obscontext "github.com/smallbiznis/propertypay/internal/observability/context"
	"github.com/smallbiznis/propertypay/internal/observability/logger"
	obsmetrics "github.com/smallbiznis/propertypay/internal/observability/metrics"
	paymentdomain "github.com/smallbiznis/propertypay/internal/payment/domain"
	dbpkg "github.com/smallbiznis/propertypay/pkg/db"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const maxCASAttempts = 3

type Params struct {
	fx.In

	DB         *gorm.DB
	Log        *zap.Logger
	GenID      *snowflake.Node
	AppCfg     config.Config
	Settlement *config.SettlementConfigHolder
	Clock      clock.Clock
	Repo       paymentdomain.Repository
	Contracts  contractdomain.Repository
	Gateways   *gateway.Directory
	ObsMetrics *obsmetrics.Metrics `optional:"true"`
}

type Service struct {
	db         *gorm.DB
	log        *zap.Logger
	genID      *snowflake.Node
	baseURL    string
	settlement *config.SettlementConfigHolder
	clock      clock.Clock
	repo       paymentdomain.Repository
	contracts  contractdomain.Repository
	gateways   *gateway.Directory
	obsMetrics *obsmetrics.Metrics
}

func NewService(p Params) paymentdomain.Service {
	return &Service{
		db:         p.DB,
		log:        p.Log.Named("payment.service"),
		genID:      p.GenID,
		baseURL:    strings.TrimRight(p.AppCfg.PublicBaseURL, "/"),
		settlement: p.Settlement,
		clock:      p.Clock,
		repo:       p.Repo,
		contracts:  p.Contracts,
		gateways:   p.Gateways,
		obsMetrics: p.ObsMetrics,
	}
}

func (s *Service) Schedule(ctx context.Context, req paymentdomain.ScheduleRequest) ([]paymentdomain.Payment, error) {
	if req.ContractID == 0 {
		return nil, paymentdomain.ErrInvalidContract
	}
	if err := validateSchedule(&req); err != nil {
		return nil, err
	}

	now := s.clock.Now()
	var created []paymentdomain.Payment
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		contract, err := s.contracts.FindByID(ctx, tx, req.ContractID)
		if err != nil {
			return err
		}
		if contract == nil || contract.Status != contractdomain.StatusActive {
			return paymentdomain.ErrInvalidContract
		}
		currency := strings.ToUpper(strings.TrimSpace(req.Currency))
		if currency == "" {
			currency = contract.Currency
		}
		if currency != contract.Currency {
			return paymentdomain.ErrInvalidCurrency
		}

		existing, err := s.repo.CountByContract(ctx, tx, req.ContractID)
		if err != nil {
			return err
		}
		if existing > 0 {
			return paymentdomain.ErrAlreadyScheduled
		}

		created = make([]paymentdomain.Payment, 0, len(req.Items))
		for i, item := range req.Items {
			p := paymentdomain.Payment{
				ID:         s.genID.Generate(),
				ContractID: req.ContractID,
				Kind:       req.Kind,
				Amount:     item.Amount,
				Currency:   currency,
				DueDate:    item.DueDate.UTC(),
				Status:     paymentdomain.StatusPending,
				Notes:      strings.TrimSpace(req.Notes),
				Version:    1,
				CreatedAt:  now,
				UpdatedAt:  now,
			}
			if req.Kind == paymentdomain.KindInstallment {
				n := i + 1
				p.InstallmentNumber = &n
			}
			if err := s.repo.Insert(ctx, tx, &p); err != nil {
				if dbpkg.IsDuplicateKeyErr(err) {
					return paymentdomain.ErrAlreadyScheduled
				}
				return err
			}
			created = append(created, p)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.log.Info("payments scheduled",
		zap.String("contract_id", req.ContractID.String()),
		zap.String("kind", string(req.Kind)),
		zap.Int("count", len(created)),
	)
	return created, nil
}

func validateSchedule(req *paymentdomain.ScheduleRequest) error {
	switch req.Kind {
	case paymentdomain.KindFull:
		if len(req.Items) != 1 {
			return paymentdomain.ErrInvalidKind
		}
	case paymentdomain.KindInstallment:
		if len(req.Items) == 0 {
			return paymentdomain.ErrInvalidInstallment
		}
	default:
		return paymentdomain.ErrInvalidKind
	}
	for _, item := range req.Items {
		if item.Amount <= 0 {
			return paymentdomain.ErrInvalidAmount
		}
		if item.DueDate.IsZero() {
			return paymentdomain.ErrInvalidDueDate
		}
	}
	return nil
}

// OpenSession creates the gateway checkout for a payment. The provider call is
// made without any row lock; the session is stored afterwards with a CAS write.
func (s *Service) OpenSession(ctx context.Context, id snowflake.ID) (*paymentdomain.Payment, error) {
	ctx = obscontext.WithPayment(ctx, id.String())
	p, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !p.Status.Open() {
		return nil, paymentdomain.ErrNotPayable
	}
	key := gateway.PaymentKey(p.ID.Int64())
	if p.SessionID() != "" {
		if p.PenaltyAmount == 0 {
			return p, nil
		}
		current, err := s.sessionAmount(ctx, p)
		if err != nil {
			return nil, err
		}
		if current == p.AmountDue() {
			return p, nil
		}
		// Penalty accrued after the session was opened: reprice with a key
		// bound to the new amount so the old checkout is not reused.
		key = gateway.RepricedPaymentKey(p.ID.Int64(), p.AmountDue())
		logger.WithPayment(s.log, p.ID.Int64(), p.ContractID.Int64()).Info("payment session repriced",
			zap.Int64("session_amount", current),
			zap.Int64("amount_due", p.AmountDue()),
		)
	}

	client, err := s.gateways.Default()
	if err != nil {
		return nil, err
	}
	previous := p.SessionID()
	session, err := client.CreatePaymentSession(ctx, gateway.PaymentSessionRequest{
		Amount:      p.AmountDue(),
		Currency:    p.Currency,
		Description: describe(p),
		Metadata: map[string]string{
			gateway.MetadataReference: p.ID.String(),
			"contract_id":             p.ContractID.String(),
		},
		ReturnURL:  fmt.Sprintf("%s/payments/%s/return", s.baseURL, p.ID.String()),
		WebhookURL: fmt.Sprintf("%s/webhooks/%s", s.baseURL, client.Name()),
	}, key)
	if err != nil {
		return nil, err
	}

	for attempt := 0; attempt < maxCASAttempts; attempt++ {
		if p.SessionID() != previous {
			return p, nil
		}
		if !p.Status.Open() {
			return nil, paymentdomain.ErrNotPayable
		}
		sessionID := session.ID
		p.Gateway = client.Name()
		p.GatewaySessionID = &sessionID
		p.CheckoutURL = session.CheckoutURL
		p.UpdatedAt = s.clock.Now()

		ok, err := s.repo.UpdateState(ctx, s.db, p, p.Version)
		if err != nil {
			return nil, err
		}
		if ok {
			logger.WithPayment(s.log, p.ID.Int64(), p.ContractID.Int64()).Info("payment session opened",
				zap.String("gateway", p.Gateway),
				zap.String("session_id", sessionID),
			)
			return p, nil
		}
		if p, err = s.Get(ctx, id); err != nil {
			return nil, err
		}
	}
	return nil, paymentdomain.ErrVersionConflict
}

// sessionAmount asks the provider what the open session charges.
func (s *Service) sessionAmount(ctx context.Context, p *paymentdomain.Payment) (int64, error) {
	var client gateway.Client
	var err error
	if p.Gateway != "" {
		client, err = s.gateways.Client(p.Gateway)
	} else {
		client, err = s.gateways.Default()
	}
	if err != nil {
		return 0, err
	}
	session, err := client.GetPaymentSession(ctx, p.SessionID())
	if err != nil {
		return 0, err
	}
	return session.Amount, nil
}

func appendNote(notes, note string) string {
	if notes == "" {
		return note
	}
	return notes + "\n" + note
}

func describe(p *paymentdomain.Payment) string {
	if p.InstallmentNumber != nil {
		return fmt.Sprintf("Installment %d for contract %s", *p.InstallmentNumber, p.ContractID.String())
	}
	return "Payment for contract " + p.ContractID.String()
}

func (s *Service) Get(ctx context.Context, id snowflake.ID) (*paymentdomain.Payment, error) {
	item, err := s.repo.FindByID(ctx, s.db, id)
	if err != nil {
		return nil, err
	}
	if item == nil {
		return nil, paymentdomain.ErrNotFound
	}
	return item, nil
}

func (s *Service) ListByContract(ctx context.Context, contractID snowflake.ID) ([]paymentdomain.Payment, error) {
	return s.repo.ListByContract(ctx, s.db, contractID)
}

func (s *Service) ApplyGatewayEvent(ctx context.Context, tx *gorm.DB, event *gateway.Event) (*paymentdomain.TransitionResult, error) {
	target, ok := paymentdomain.TargetStatus(event.Type)
	if !ok {
		return &paymentdomain.TransitionResult{Outcome: paymentdomain.OutcomeIgnored}, nil
	}

	p, err := s.matchEvent(ctx, tx, event)
	if err != nil {
		return nil, err
	}
	if p == nil {
		s.log.Warn("payment event matched no payment",
			zap.String("gateway", event.Gateway),
			zap.String("event_id", event.ID),
			zap.String("object_id", event.ObjectID),
		)
		return &paymentdomain.TransitionResult{Outcome: paymentdomain.OutcomeUnmatched}, nil
	}

	log := logger.WithPayment(s.log, p.ID.Int64(), p.ContractID.Int64()).With(
		zap.String("event_id", event.ID),
		zap.String("event_type", event.Type),
	)

	for attempt := 0; attempt < maxCASAttempts; attempt++ {
		from := p.Status
		result := &paymentdomain.TransitionResult{Payment: p, From: from}

		if from.Terminal() {
			log.Info("event for terminal payment ignored",
				zap.String("status", string(from)),
				zap.Error(paymentdomain.ErrStaleTransition),
			)
			result.Outcome = paymentdomain.OutcomeStale
			return result, nil
		}
		if p.GatewayUpdatedAt != nil && event.UpdatedAt.Before(*p.GatewayUpdatedAt) {
			log.Info("out-of-order event ignored",
				zap.Time("event_updated_at", event.UpdatedAt),
				zap.Time("stored_updated_at", *p.GatewayUpdatedAt),
			)
			result.Outcome = paymentdomain.OutcomeStale
			return result, nil
		}
		if !paymentdomain.CanTransition(from, target) {
			log.Warn("payment transition rejected",
				zap.String("from", string(from)),
				zap.String("to", string(target)),
				zap.Error(paymentdomain.ErrInvalidTransition),
			)
			result.Outcome = paymentdomain.OutcomeRejected
			return result, nil
		}
		if event.Currency != "" && !strings.EqualFold(event.Currency, p.Currency) {
			log.Warn("payment event currency mismatch",
				zap.String("event_currency", event.Currency),
				zap.String("payment_currency", p.Currency),
			)
		}

		now := s.clock.Now()
		updatedAt := event.UpdatedAt
		if updatedAt.IsZero() {
			updatedAt = now
		}
		p.Status = target
		p.GatewayUpdatedAt = &updatedAt
		p.UpdatedAt = now
		if p.Gateway == "" {
			p.Gateway = event.Gateway
		}
		if p.GatewaySessionID == nil && event.ObjectID != "" {
			objectID := event.ObjectID
			p.GatewaySessionID = &objectID
		}
		if target == paymentdomain.StatusPaid {
			paidAt := updatedAt
			p.PaidAt = &paidAt
			due := p.AmountDue()
			p.PaidAmount = event.Amount
			if p.PaidAmount <= 0 {
				p.PaidAmount = due
			}
			if p.PaidAmount < due {
				// The provider confirmed the money, so the payment still closes;
				// the shortfall is kept for the operator to chase.
				log.Warn("payment underpaid",
					zap.Int64("amount_due", due),
					zap.Int64("paid_amount", p.PaidAmount),
				)
				p.Notes = appendNote(p.Notes, fmt.Sprintf("underpaid: due %d, paid %d", due, p.PaidAmount))
			}
		}

		expected := p.Version
		ok, err := s.repo.UpdateState(ctx, tx, p, expected)
		if err != nil {
			return nil, err
		}
		if !ok {
			log.Debug("payment version conflict, reloading", zap.Int("attempt", attempt+1))
			if p, err = s.repo.FindByID(ctx, tx, p.ID); err != nil {
				return nil, err
			}
			if p == nil {
				return nil, paymentdomain.ErrNotFound
			}
			continue
		}

		s.obsMetrics.RecordPaymentTransition(ctx, string(from), string(target))
		log.Info("payment transitioned",
			zap.String("from", string(from)),
			zap.String("to", string(target)),
			zap.Int64("paid_amount", p.PaidAmount),
		)

		result.Outcome = paymentdomain.OutcomeApplied
		result.Payment = p
		if target == paymentdomain.StatusPaid {
			collection, err := s.repo.Collection(ctx, tx, p.ContractID)
			if err != nil {
				return nil, err
			}
			result.ContractFullyPaid = collection.FullyPaid()
		}
		return result, nil
	}
	return nil, paymentdomain.ErrVersionConflict
}

// matchEvent resolves the payment by the reference carried in metadata, then by
// the provider session id.
func (s *Service) matchEvent(ctx context.Context, tx *gorm.DB, event *gateway.Event) (*paymentdomain.Payment, error) {
	if ref := strings.TrimSpace(event.Reference); ref != "" {
		if id, err := strconv.ParseInt(ref, 10, 64); err == nil {
			p, err := s.repo.FindByID(ctx, tx, snowflake.ID(id))
			if err != nil {
				return nil, err
			}
			if p != nil {
				return p, nil
			}
		}
	}
	if event.ObjectID == "" {
		return nil, nil
	}
	return s.repo.FindByGatewaySession(ctx, tx, event.Gateway, event.ObjectID)
}

func (s *Service) SweepOverdue(ctx context.Context, now time.Time, batchSize int) (paymentdomain.SweepResult, error) {
	var result paymentdomain.SweepResult
	if batchSize <= 0 {
		batchSize = 100
	}
	cfg := s.settlement.Get()

	var afterID snowflake.ID
	for {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		items, err := s.repo.ListOverdueCandidates(ctx, s.db, now, afterID, batchSize)
		if err != nil {
			return result, err
		}
		for i := range items {
			p := &items[i]
			afterID = p.ID
			result.Scanned++

			marked, updated, err := s.accrue(ctx, p, now, cfg)
			if err != nil {
				if errors.Is(err, paymentdomain.ErrVersionConflict) {
					result.Conflicts++
					continue
				}
				return result, err
			}
			if marked {
				result.MarkedOverdue++
			}
			if updated {
				result.PenaltyUpdated++
			}
		}
		if len(items) < batchSize {
			break
		}
	}

	if result.MarkedOverdue > 0 || result.PenaltyUpdated > 0 {
		s.log.Info("overdue sweep completed",
			zap.Int("scanned", result.Scanned),
			zap.Int("marked_overdue", result.MarkedOverdue),
			zap.Int("penalty_updated", result.PenaltyUpdated),
			zap.Int("conflicts", result.Conflicts),
		)
	}
	return result, nil
}

// accrue moves a payment to OVERDUE and raises its penalty. Penalties never decrease.
func (s *Service) accrue(ctx context.Context, p *paymentdomain.Payment, now time.Time, cfg config.SettlementConfig) (bool, bool, error) {
	ctx = obscontext.WithPayment(ctx, p.ID.String())
	for attempt := 0; attempt < maxCASAttempts; attempt++ {
		if !p.Status.Open() || !now.After(p.DueDate) {
			return false, false, nil
		}
		from := p.Status
		days := paymentdomain.OverdueDays(p.DueDate, now)
		penalty := paymentdomain.ComputePenalty(p.Amount, cfg.DailyPenaltyRate, days, cfg.PenaltyCapDays)
		if penalty < p.PenaltyAmount {
			penalty = p.PenaltyAmount
		}
		if days < p.OverdueDays {
			days = p.OverdueDays
		}

		marked := from == paymentdomain.StatusPending
		updated := penalty != p.PenaltyAmount
		if !marked && !updated && days == p.OverdueDays {
			return false, false, nil
		}

		p.Status = paymentdomain.StatusOverdue
		p.OverdueDays = days
		p.PenaltyAmount = penalty
		p.UpdatedAt = s.clock.Now()

		ok, err := s.repo.UpdateState(ctx, s.db, p, p.Version)
		if err != nil {
			return false, false, err
		}
		if ok {
			if marked {
				s.obsMetrics.RecordPaymentTransition(ctx, string(from), string(paymentdomain.StatusOverdue))
			}
			return marked, updated, nil
		}
		fresh, err := s.repo.FindByID(ctx, s.db, p.ID)
		if err != nil {
			return false, false, err
		}
		if fresh == nil {
			return false, false, paymentdomain.ErrNotFound
		}
		*p = *fresh
	}
	return false, false, paymentdomain.ErrVersionConflict
}

// Reconcile polls the provider for open payments whose sessions have been
// quiet for longer than the reconcile threshold and feeds any final status
// through apply, recovering lost webhooks.
func (s *Service) Reconcile(ctx context.Context, now time.Time, batchSize int, apply paymentdomain.EventApplier) (paymentdomain.ReconcileResult, error) {
	var result paymentdomain.ReconcileResult
	if batchSize <= 0 {
		batchSize = 100
	}
	before := now.Add(-s.settlement.Get().ReconcileAfter)

	var afterID snowflake.ID
	for {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		items, err := s.repo.ListReconcileCandidates(ctx, s.db, before, afterID, batchSize)
		if err != nil {
			return result, err
		}
		for i := range items {
			p := &items[i]
			afterID = p.ID
			result.Checked++

			applied, err := s.reconcileOne(ctx, p, now, apply)
			if err != nil {
				result.Failed++
				s.log.Warn("payment reconcile failed",
					zap.String("payment_id", p.ID.String()),
					zap.String("gateway", p.Gateway),
					zap.Error(err),
				)
				continue
			}
			if applied {
				result.Applied++
			}
		}
		if len(items) < batchSize {
			break
		}
	}
	return result, nil
}

func (s *Service) reconcileOne(ctx context.Context, p *paymentdomain.Payment, now time.Time, apply paymentdomain.EventApplier) (bool, error) {
	client, err := s.gateways.Client(p.Gateway)
	if err != nil {
		return false, err
	}
	session, err := client.GetPaymentSession(ctx, p.SessionID())
	if err != nil {
		return false, err
	}

	var eventType string
	switch session.Status {
	case gateway.StatusSucceeded, gateway.StatusPaid:
		eventType = gateway.EventPaymentSucceeded
	case gateway.StatusFailed:
		eventType = gateway.EventPaymentFailed
	case gateway.StatusCanceled:
		eventType = gateway.EventPaymentCanceled
	default:
		return false, nil
	}

	event := &gateway.Event{
		Gateway:   client.Name(),
		ID:        fmt.Sprintf("reconcile:%s:%s", session.ID, session.Status),
		Type:      eventType,
		CreatedAt: now,
		ObjectID:  session.ID,
		Reference: p.ID.String(),
		Amount:    session.Amount,
		Currency:  session.Currency,
		Status:    session.Status,
		UpdatedAt: session.UpdatedAt,
	}
	if err := apply(ctx, event); err != nil {
		return false, err
	}
	s.log.Info("payment reconciled from gateway",
		zap.String("payment_id", p.ID.String()),
		zap.String("event_type", eventType),
	)
	return true, nil
}

package service_test

import (
	"context"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"github.com/smallbiznis/propertypay/internal/clock"
	"github.com/smallbiznis/propertypay/internal/config"
	contractrepo "github.com/smallbiznis/propertypay/internal/contract/repository"
	"github.com/smallbiznis/propertypay/internal/dbtest"
	"github.com/smallbiznis/propertypay/internal/gateway"
	"github.com/smallbiznis/propertypay/internal/gateway/sandbox"
	paymentdomain "github.com/smallbiznis/propertypay/internal/payment/domain"
	paymentrepo "github.com/smallbiznis/propertypay/internal/payment/repository"
	paymentservice "github.com/smallbiznis/propertypay/internal/payment/service"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var start = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

type fixture struct {
	db       *gorm.DB
	node     *snowflake.Node
	clock    *clock.FakeClock
	gw       *sandbox.Client
	svc      paymentdomain.Service
	contract snowflake.ID
}

func newFixture(t *testing.T, cfg config.SettlementConfig) *fixture {
	t.Helper()
	db := dbtest.Open(t)
	node := dbtest.Node(t)
	f := &fixture{
		db:       db,
		node:     node,
		clock:    clock.NewFakeClock(start),
		gw:       sandbox.New(),
		contract: node.Generate(),
	}
	dbtest.InsertContract(t, db, dbtest.ContractFixture{ID: f.contract, OwnerID: 10, AgentID: 20})
	f.svc = f.service(cfg)
	return f
}

func (f *fixture) service(cfg config.SettlementConfig) paymentdomain.Service {
	dir := gateway.NewDirectory(sandbox.Provider)
	dir.Register(f.gw, "whsec")
	return paymentservice.NewService(paymentservice.Params{
		DB:         f.db,
		Log:        zap.NewNop(),
		GenID:      f.node,
		AppCfg:     config.Config{PublicBaseURL: "https://pay.example.com"},
		Settlement: config.NewStaticSettlementConfigHolder(cfg),
		Clock:      f.clock,
		Repo:       paymentrepo.Provide(),
		Contracts:  contractrepo.Provide(),
		Gateways:   dir,
	})
}

func (f *fixture) scheduleFull(t *testing.T, amount int64, due time.Time) paymentdomain.Payment {
	t.Helper()
	items, err := f.svc.Schedule(context.Background(), paymentdomain.ScheduleRequest{
		ContractID: f.contract,
		Kind:       paymentdomain.KindFull,
		Items:      []paymentdomain.ScheduleItem{{Amount: amount, DueDate: due}},
	})
	require.NoError(t, err)
	require.Len(t, items, 1)
	return items[0]
}

func (f *fixture) apply(t *testing.T, event *gateway.Event) *paymentdomain.TransitionResult {
	t.Helper()
	var result *paymentdomain.TransitionResult
	err := f.db.Transaction(func(tx *gorm.DB) error {
		var err error
		result, err = f.svc.ApplyGatewayEvent(context.Background(), tx, event)
		return err
	})
	require.NoError(t, err)
	return result
}

func paymentEvent(p paymentdomain.Payment, eventType string, updatedAt time.Time) *gateway.Event {
	return &gateway.Event{
		Gateway:   sandbox.Provider,
		ID:        "evt_" + eventType + "_" + updatedAt.Format(time.RFC3339Nano),
		Type:      eventType,
		Reference: p.ID.String(),
		Amount:    p.Amount,
		Currency:  p.Currency,
		UpdatedAt: updatedAt,
	}
}

func TestScheduleInstallments(t *testing.T) {
	f := newFixture(t, config.DefaultSettlementConfig())
	ctx := context.Background()

	items, err := f.svc.Schedule(ctx, paymentdomain.ScheduleRequest{
		ContractID: f.contract,
		Kind:       paymentdomain.KindInstallment,
		Items: []paymentdomain.ScheduleItem{
			{Amount: 500_000, DueDate: start.AddDate(0, 1, 0)},
			{Amount: 500_000, DueDate: start.AddDate(0, 2, 0)},
		},
	})
	require.NoError(t, err)
	require.Len(t, items, 2)
	for i, p := range items {
		require.NotNil(t, p.InstallmentNumber)
		assert.Equal(t, i+1, *p.InstallmentNumber)
		assert.Equal(t, paymentdomain.StatusPending, p.Status)
		assert.Equal(t, "IDR", p.Currency)
	}

	listed, err := f.svc.ListByContract(ctx, f.contract)
	require.NoError(t, err)
	assert.Len(t, listed, 2)

	_, err = f.svc.Schedule(ctx, paymentdomain.ScheduleRequest{
		ContractID: f.contract,
		Kind:       paymentdomain.KindFull,
		Items:      []paymentdomain.ScheduleItem{{Amount: 1, DueDate: start}},
	})
	assert.ErrorIs(t, err, paymentdomain.ErrAlreadyScheduled)
}

func TestScheduleValidation(t *testing.T) {
	f := newFixture(t, config.DefaultSettlementConfig())
	ctx := context.Background()

	cases := []struct {
		name string
		req  paymentdomain.ScheduleRequest
		want error
	}{
		{"full with two items", paymentdomain.ScheduleRequest{ContractID: f.contract, Kind: paymentdomain.KindFull, Items: []paymentdomain.ScheduleItem{{Amount: 1, DueDate: start}, {Amount: 1, DueDate: start}}}, paymentdomain.ErrInvalidKind},
		{"no installments", paymentdomain.ScheduleRequest{ContractID: f.contract, Kind: paymentdomain.KindInstallment}, paymentdomain.ErrInvalidInstallment},
		{"zero amount", paymentdomain.ScheduleRequest{ContractID: f.contract, Kind: paymentdomain.KindFull, Items: []paymentdomain.ScheduleItem{{Amount: 0, DueDate: start}}}, paymentdomain.ErrInvalidAmount},
		{"missing due date", paymentdomain.ScheduleRequest{ContractID: f.contract, Kind: paymentdomain.KindFull, Items: []paymentdomain.ScheduleItem{{Amount: 1}}}, paymentdomain.ErrInvalidDueDate},
		{"other currency", paymentdomain.ScheduleRequest{ContractID: f.contract, Kind: paymentdomain.KindFull, Currency: "usd", Items: []paymentdomain.ScheduleItem{{Amount: 1, DueDate: start}}}, paymentdomain.ErrInvalidCurrency},
		{"unknown contract", paymentdomain.ScheduleRequest{ContractID: 42, Kind: paymentdomain.KindFull, Items: []paymentdomain.ScheduleItem{{Amount: 1, DueDate: start}}}, paymentdomain.ErrInvalidContract},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := f.svc.Schedule(ctx, tc.req)
			assert.ErrorIs(t, err, tc.want)
		})
	}
}

func TestOpenSessionIsIdempotent(t *testing.T) {
	f := newFixture(t, config.DefaultSettlementConfig())
	ctx := context.Background()
	p := f.scheduleFull(t, 1_000_000, start.AddDate(0, 0, 7))

	first, err := f.svc.OpenSession(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, sandbox.Provider, first.Gateway)
	assert.NotEmpty(t, first.SessionID())
	assert.NotEmpty(t, first.CheckoutURL)

	second, err := f.svc.OpenSession(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, first.SessionID(), second.SessionID())

	payments, _ := f.gw.Creates()
	assert.Equal(t, 1, payments)
}

func TestOverduePaymentRepricesSessionOpenedBeforeDue(t *testing.T) {
	cfg := config.DefaultSettlementConfig()
	cfg.DailyPenaltyRate = decimal.RequireFromString("0.001")
	cfg.PenaltyCapDays = 30
	f := newFixture(t, cfg)
	ctx := context.Background()
	due := start.AddDate(0, 0, 1)
	p := f.scheduleFull(t, 1_000_000, due)

	early, err := f.svc.OpenSession(ctx, p.ID)
	require.NoError(t, err)

	_, err = f.svc.SweepOverdue(ctx, due.Add(5*24*time.Hour), 10)
	require.NoError(t, err)

	repriced, err := f.svc.OpenSession(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, paymentdomain.StatusOverdue, repriced.Status)
	assert.NotEqual(t, early.SessionID(), repriced.SessionID())
	session, err := f.gw.GetPaymentSession(ctx, repriced.SessionID())
	require.NoError(t, err)
	assert.Equal(t, int64(1_005_000), session.Amount)

	again, err := f.svc.OpenSession(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, repriced.SessionID(), again.SessionID())
	payments, _ := f.gw.Creates()
	assert.Equal(t, 2, payments)

	t.Run("principal-only payment is flagged as underpaid", func(t *testing.T) {
		stored, err := f.svc.Get(ctx, p.ID)
		require.NoError(t, err)
		event := paymentEvent(*stored, gateway.EventPaymentSucceeded, due.Add(6*24*time.Hour))
		event.Amount = 1_000_000

		result := f.apply(t, event)
		assert.Equal(t, paymentdomain.OutcomeApplied, result.Outcome)

		paid, err := f.svc.Get(ctx, p.ID)
		require.NoError(t, err)
		assert.Equal(t, paymentdomain.StatusPaid, paid.Status)
		assert.Equal(t, int64(1_000_000), paid.PaidAmount)
		assert.Contains(t, paid.Notes, "underpaid: due 1005000, paid 1000000")
	})
}

func TestApplyWithoutAmountCollectsAmountDue(t *testing.T) {
	cfg := config.DefaultSettlementConfig()
	cfg.DailyPenaltyRate = decimal.RequireFromString("0.001")
	cfg.PenaltyCapDays = 30
	f := newFixture(t, cfg)
	ctx := context.Background()
	p := f.scheduleFull(t, 1_000_000, start)

	_, err := f.svc.SweepOverdue(ctx, start.Add(2*24*time.Hour), 10)
	require.NoError(t, err)

	event := paymentEvent(p, gateway.EventPaymentSucceeded, start.Add(3*24*time.Hour))
	event.Amount = 0
	f.apply(t, event)

	paid, err := f.svc.Get(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1_002_000), paid.PaidAmount)
	assert.Empty(t, paid.Notes)
}

func TestOpenSessionRejectsTerminalPayment(t *testing.T) {
	f := newFixture(t, config.DefaultSettlementConfig())
	p := f.scheduleFull(t, 1_000_000, start.AddDate(0, 0, 7))
	f.apply(t, paymentEvent(p, gateway.EventPaymentCanceled, start))

	_, err := f.svc.OpenSession(context.Background(), p.ID)
	assert.ErrorIs(t, err, paymentdomain.ErrNotPayable)
}

func TestApplySucceededMarksPaidAndCompletesContract(t *testing.T) {
	f := newFixture(t, config.DefaultSettlementConfig())
	p := f.scheduleFull(t, 1_000_000, start.AddDate(0, 0, 7))

	at := start.Add(time.Hour)
	result := f.apply(t, paymentEvent(p, gateway.EventPaymentSucceeded, at))

	assert.Equal(t, paymentdomain.OutcomeApplied, result.Outcome)
	assert.Equal(t, paymentdomain.StatusPending, result.From)
	assert.True(t, result.ContractFullyPaid)

	stored, err := f.svc.Get(context.Background(), p.ID)
	require.NoError(t, err)
	assert.Equal(t, paymentdomain.StatusPaid, stored.Status)
	require.NotNil(t, stored.PaidAt)
	assert.Equal(t, int64(1_000_000), stored.PaidAmount)
	assert.Equal(t, int64(2), stored.Version)
}

func TestApplyInstallmentDoesNotCompleteUntilLast(t *testing.T) {
	f := newFixture(t, config.DefaultSettlementConfig())
	items, err := f.svc.Schedule(context.Background(), paymentdomain.ScheduleRequest{
		ContractID: f.contract,
		Kind:       paymentdomain.KindInstallment,
		Items: []paymentdomain.ScheduleItem{
			{Amount: 400, DueDate: start.AddDate(0, 1, 0)},
			{Amount: 600, DueDate: start.AddDate(0, 2, 0)},
		},
	})
	require.NoError(t, err)

	first := f.apply(t, paymentEvent(items[0], gateway.EventPaymentSucceeded, start.Add(time.Hour)))
	assert.False(t, first.ContractFullyPaid)

	second := f.apply(t, paymentEvent(items[1], gateway.EventPaymentSucceeded, start.Add(2*time.Hour)))
	assert.True(t, second.ContractFullyPaid)
}

func TestApplyAfterTerminalIsStale(t *testing.T) {
	f := newFixture(t, config.DefaultSettlementConfig())
	p := f.scheduleFull(t, 1_000_000, start.AddDate(0, 0, 7))

	f.apply(t, paymentEvent(p, gateway.EventPaymentSucceeded, start.Add(time.Hour)))
	result := f.apply(t, paymentEvent(p, gateway.EventPaymentFailed, start.Add(2*time.Hour)))

	assert.Equal(t, paymentdomain.OutcomeStale, result.Outcome)
	stored, _ := f.svc.Get(context.Background(), p.ID)
	assert.Equal(t, paymentdomain.StatusPaid, stored.Status)
}

func TestApplyOlderEventIsStale(t *testing.T) {
	f := newFixture(t, config.DefaultSettlementConfig())
	p := f.scheduleFull(t, 1_000_000, start.AddDate(0, 0, 7))
	require.NoError(t, f.db.Exec(`UPDATE payments SET gateway_updated_at = ? WHERE id = ?`, start.Add(2*time.Hour), p.ID).Error)

	result := f.apply(t, paymentEvent(p, gateway.EventPaymentSucceeded, start.Add(time.Hour)))

	assert.Equal(t, paymentdomain.OutcomeStale, result.Outcome)
	stored, _ := f.svc.Get(context.Background(), p.ID)
	assert.Equal(t, paymentdomain.StatusPending, stored.Status)
}

func TestApplyCancelOnOverdueIsRejected(t *testing.T) {
	f := newFixture(t, config.DefaultSettlementConfig())
	p := f.scheduleFull(t, 1_000_000, start.Add(-48*time.Hour))
	_, err := f.svc.SweepOverdue(context.Background(), start, 10)
	require.NoError(t, err)

	result := f.apply(t, paymentEvent(p, gateway.EventPaymentCanceled, start.Add(time.Hour)))

	assert.Equal(t, paymentdomain.OutcomeRejected, result.Outcome)
	stored, _ := f.svc.Get(context.Background(), p.ID)
	assert.Equal(t, paymentdomain.StatusOverdue, stored.Status)
}

func TestApplyUnmatchedAndUnknown(t *testing.T) {
	f := newFixture(t, config.DefaultSettlementConfig())

	unmatched := f.apply(t, &gateway.Event{Gateway: sandbox.Provider, ID: "evt_x", Type: gateway.EventPaymentSucceeded, ObjectID: "ps_missing", UpdatedAt: start})
	assert.Equal(t, paymentdomain.OutcomeUnmatched, unmatched.Outcome)

	ignored := f.apply(t, &gateway.Event{Gateway: sandbox.Provider, ID: "evt_y", Type: "customer.created", UpdatedAt: start})
	assert.Equal(t, paymentdomain.OutcomeIgnored, ignored.Outcome)
}

func TestApplyMatchesBySessionID(t *testing.T) {
	f := newFixture(t, config.DefaultSettlementConfig())
	p := f.scheduleFull(t, 1_000_000, start.AddDate(0, 0, 7))
	opened, err := f.svc.OpenSession(context.Background(), p.ID)
	require.NoError(t, err)

	result := f.apply(t, &gateway.Event{
		Gateway:   sandbox.Provider,
		ID:        "evt_by_session",
		Type:      gateway.EventPaymentFailed,
		ObjectID:  opened.SessionID(),
		UpdatedAt: start.Add(time.Hour),
	})
	assert.Equal(t, paymentdomain.OutcomeApplied, result.Outcome)
	assert.Equal(t, paymentdomain.StatusFailed, result.Payment.Status)
}

func TestSweepOverdueAccruesPenalty(t *testing.T) {
	cfg := config.DefaultSettlementConfig()
	cfg.DailyPenaltyRate = decimal.RequireFromString("0.001")
	cfg.PenaltyCapDays = 30
	f := newFixture(t, cfg)
	ctx := context.Background()

	due := start
	p := f.scheduleFull(t, 1_000_000, due)

	result, err := f.svc.SweepOverdue(ctx, due.Add(5*24*time.Hour), 10)
	require.NoError(t, err)
	assert.Equal(t, 1, result.MarkedOverdue)

	stored, _ := f.svc.Get(ctx, p.ID)
	assert.Equal(t, paymentdomain.StatusOverdue, stored.Status)
	assert.Equal(t, 5, stored.OverdueDays)
	assert.Equal(t, int64(5_000), stored.PenaltyAmount)

	result, err = f.svc.SweepOverdue(ctx, due.Add(45*24*time.Hour), 10)
	require.NoError(t, err)
	assert.Equal(t, 0, result.MarkedOverdue)
	assert.Equal(t, 1, result.PenaltyUpdated)

	stored, _ = f.svc.Get(ctx, p.ID)
	assert.Equal(t, 45, stored.OverdueDays)
	assert.Equal(t, int64(30_000), stored.PenaltyAmount)

	// A lowered rate never reduces an accrued penalty.
	lowered := cfg
	lowered.DailyPenaltyRate = decimal.RequireFromString("0.0001")
	_, err = f.service(lowered).SweepOverdue(ctx, due.Add(46*24*time.Hour), 10)
	require.NoError(t, err)
	stored, _ = f.svc.Get(ctx, p.ID)
	assert.Equal(t, int64(30_000), stored.PenaltyAmount)

	// Paying an overdue payment is still allowed.
	result2 := f.apply(t, paymentEvent(*stored, gateway.EventPaymentSucceeded, due.Add(47*24*time.Hour)))
	assert.Equal(t, paymentdomain.OutcomeApplied, result2.Outcome)
	assert.Equal(t, paymentdomain.StatusOverdue, result2.From)
}

func TestSweepPaginatesAndSkipsFuturePayments(t *testing.T) {
	f := newFixture(t, config.DefaultSettlementConfig())
	ctx := context.Background()
	items, err := f.svc.Schedule(ctx, paymentdomain.ScheduleRequest{
		ContractID: f.contract,
		Kind:       paymentdomain.KindInstallment,
		Items: []paymentdomain.ScheduleItem{
			{Amount: 100, DueDate: start.AddDate(0, 0, -3)},
			{Amount: 100, DueDate: start.AddDate(0, 0, -2)},
			{Amount: 100, DueDate: start.AddDate(0, 0, -1)},
			{Amount: 100, DueDate: start.AddDate(0, 0, 10)},
		},
	})
	require.NoError(t, err)
	require.Len(t, items, 4)

	result, err := f.svc.SweepOverdue(ctx, start, 2)
	require.NoError(t, err)
	assert.Equal(t, 3, result.Scanned)
	assert.Equal(t, 3, result.MarkedOverdue)

	future, _ := f.svc.Get(ctx, items[3].ID)
	assert.Equal(t, paymentdomain.StatusPending, future.Status)
}

func TestReconcileAppliesProviderStatus(t *testing.T) {
	f := newFixture(t, config.DefaultSettlementConfig())
	ctx := context.Background()
	p := f.scheduleFull(t, 1_000_000, start.AddDate(0, 0, 7))

	opened, err := f.svc.OpenSession(ctx, p.ID)
	require.NoError(t, err)
	_, err = f.gw.SetStatus(opened.SessionID(), gateway.StatusSucceeded)
	require.NoError(t, err)

	apply := func(ctx context.Context, event *gateway.Event) error {
		return f.db.Transaction(func(tx *gorm.DB) error {
			_, err := f.svc.ApplyGatewayEvent(ctx, tx, event)
			return err
		})
	}

	// Too recent to reconcile.
	result, err := f.svc.Reconcile(ctx, start.Add(time.Minute), 10, apply)
	require.NoError(t, err)
	assert.Equal(t, 0, result.Checked)

	result, err = f.svc.Reconcile(ctx, start.Add(2*time.Hour), 10, apply)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Checked)
	assert.Equal(t, 1, result.Applied)

	stored, _ := f.svc.Get(ctx, p.ID)
	assert.Equal(t, paymentdomain.StatusPaid, stored.Status)
}

func TestUpdateStateDetectsVersionConflict(t *testing.T) {
	f := newFixture(t, config.DefaultSettlementConfig())
	ctx := context.Background()
	p := f.scheduleFull(t, 1_000_000, start.AddDate(0, 0, 7))
	repo := paymentrepo.Provide()

	stale := p
	require.NoError(t, f.db.Exec(`UPDATE payments SET version = version + 1 WHERE id = ?`, p.ID).Error)

	ok, err := repo.UpdateState(ctx, f.db, &stale, stale.Version)
	require.NoError(t, err)
	assert.False(t, ok)

	fresh, err := repo.FindByID(ctx, f.db, p.ID)
	require.NoError(t, err)
	fresh.Notes = "reviewed"
	ok, err = repo.UpdateState(ctx, f.db, fresh, fresh.Version)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, int64(3), fresh.Version)

	stored, err := repo.FindByID(ctx, f.db, p.ID)
	require.NoError(t, err)
	assert.Equal(t, "reviewed", stored.Notes)
}

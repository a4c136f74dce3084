package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/smallbiznis/propertypay/internal/clock"
	"github.com/smallbiznis/propertypay/internal/config"
	contractrepo "github.com/smallbiznis/propertypay/internal/contract/repository"
	"github.com/smallbiznis/propertypay/internal/dbtest"
	"github.com/smallbiznis/propertypay/internal/gateway"
	"github.com/smallbiznis/propertypay/internal/gateway/sandbox"
	obsmetrics "github.com/smallbiznis/propertypay/internal/observability/metrics"
	paymentdomain "github.com/smallbiznis/propertypay/internal/payment/domain"
	paymentrepo "github.com/smallbiznis/propertypay/internal/payment/repository"
	paymentservice "github.com/smallbiznis/propertypay/internal/payment/service"
	payoutrepo "github.com/smallbiznis/propertypay/internal/payout/repository"
	payoutservice "github.com/smallbiznis/propertypay/internal/payout/service"
	webhookrepo "github.com/smallbiznis/propertypay/internal/webhook/repository"
	webhookservice "github.com/smallbiznis/propertypay/internal/webhook/service"
	"github.com/smallbiznis/propertypay/internal/worker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
	"gorm.io/gorm"
)

func TestRunJobTimeoutDoesNotReturnErrorAndIncrementsTimeout(t *testing.T) {
	registry := prometheus.NewRegistry()
	restore := swapPrometheusRegistry(registry)
	defer restore()

	obsmetrics.SchedulerWithConfig(obsmetrics.Config{
		ServiceName: "propertypay",
		Environment: "test",
	})

	node, err := snowflake.NewNode(1)
	require.NoError(t, err)

	s := &Scheduler{log: zap.NewNop(), genID: node, clock: clock.NewFakeClock(time.Time{}), cfg: DefaultConfig()}
	err = s.runJob(context.Background(), "timeout_job", 0, 5*time.Millisecond, func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	require.NoError(t, err)

	labels := map[string]string{
		"service": "propertypay",
		"env":     "test",
		"job":     "timeout_job",
	}
	assert.Equal(t, float64(1), getCounterValue(t, registry, "propertypay_scheduler_job_timeouts_total", labels))

	errorLabels := map[string]string{
		"service": "propertypay",
		"env":     "test",
		"job":     "timeout_job",
		"reason":  obsmetrics.SchedulerJobReasonDeadlineExceeded,
	}
	assert.Equal(t, float64(1), getCounterValue(t, registry, "propertypay_scheduler_job_errors_total", errorLabels))
}

func TestRunJobLogsOneFinishLinePerRun(t *testing.T) {
	restore := swapPrometheusRegistry(prometheus.NewRegistry())
	defer restore()

	core, logs := observer.New(zapcore.DebugLevel)
	node, err := snowflake.NewNode(1)
	require.NoError(t, err)
	s := &Scheduler{log: zap.New(core), genID: node, clock: clock.NewFakeClock(time.Time{}), cfg: DefaultConfig()}
	ctx := context.Background()

	err = s.runJob(ctx, JobOverdueSweep, 10, time.Second, func(ctx context.Context) error {
		run := runFromContext(ctx)
		run.tally("marked_overdue", 2)
		run.tally("marked_overdue", 1)
		run.tally("conflicts", 0)
		return nil
	})
	require.NoError(t, err)

	finish := logs.FilterMessage("scheduler.job.finish").TakeAll()
	require.Len(t, finish, 1)
	assert.Equal(t, zapcore.InfoLevel, finish[0].Level)
	fields := finish[0].ContextMap()
	assert.Equal(t, JobOverdueSweep, fields["job"])
	assert.Equal(t, int64(3), fields["marked_overdue"])
	assert.Equal(t, int64(0), fields["conflicts"])

	t.Run("idle tick stays at debug", func(t *testing.T) {
		require.NoError(t, s.runJob(ctx, JobWebhookPrune, 10, time.Second, func(ctx context.Context) error {
			runFromContext(ctx).tally("pruned", 0)
			return nil
		}))
		finish := logs.FilterMessage("scheduler.job.finish").All()
		require.NotEmpty(t, finish)
		assert.Equal(t, zapcore.DebugLevel, finish[len(finish)-1].Level)
	})
}

func TestIsJobEnabled(t *testing.T) {
	s := &Scheduler{cfg: Config{}}
	assert.True(t, s.isJobEnabled(JobOverdueSweep))

	s.cfg.EnabledJobs = []string{"OVERDUE_SWEEP", "webhook_prune"}
	assert.True(t, s.isJobEnabled(JobOverdueSweep))
	assert.True(t, s.isJobEnabled(JobWebhookPrune))
	assert.False(t, s.isJobEnabled(JobReconcilePayments))
}

func TestNewRejectsMissingDependencies(t *testing.T) {
	_, err := New(Params{Log: zap.NewNop()})
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestConfigLockOutlivesJobTimeout(t *testing.T) {
	cfg := Config{JobTimeout: 10 * time.Minute, LockTTL: time.Minute}.withDefaults()
	assert.Equal(t, 10*time.Minute, cfg.LockTTL)
	assert.Equal(t, time.Minute, cfg.RunInterval)
}

type harness struct {
	db       *gorm.DB
	clock    *clock.FakeClock
	gw       *sandbox.Client
	payments paymentdomain.Service
	sched    *Scheduler
	contract snowflake.ID
}

func newHarness(t *testing.T, start time.Time) *harness {
	t.Helper()
	db := dbtest.Open(t)
	node := dbtest.Node(t)
	h := &harness{
		db:       db,
		clock:    clock.NewFakeClock(start),
		gw:       sandbox.New(),
		contract: node.Generate(),
	}
	h.gw.SetNow(h.clock.Now)
	dbtest.InsertContract(t, db, dbtest.ContractFixture{ID: h.contract, OwnerID: 10, AgentID: 20, CommissionRate: "0.05"})

	dir := gateway.NewDirectory(sandbox.Provider)
	dir.Register(h.gw, "whsec")
	settlement := config.NewStaticSettlementConfigHolder(config.DefaultSettlementConfig())
	pool := worker.NewPool(config.Config{Worker: config.WorkerConfig{Concurrency: 1, QueueSize: 16}}, zap.NewNop())

	h.payments = paymentservice.NewService(paymentservice.Params{
		DB:         db,
		Log:        zap.NewNop(),
		GenID:      node,
		AppCfg:     config.Config{PublicBaseURL: "https://pay.example.com"},
		Settlement: settlement,
		Clock:      h.clock,
		Repo:       paymentrepo.Provide(),
		Contracts:  contractrepo.Provide(),
		Gateways:   dir,
	})
	payouts := payoutservice.NewService(payoutservice.Params{
		DB:         db,
		Log:        zap.NewNop(),
		GenID:      node,
		Clock:      h.clock,
		Settlement: settlement,
		Repo:       payoutrepo.Provide(),
		Payments:   paymentrepo.Provide(),
		Contracts:  contractrepo.Provide(),
		Gateways:   dir,
		Pool:       pool,
	})
	processor := webhookservice.NewProcessor(webhookservice.Params{
		DB:         db,
		Log:        zap.NewNop(),
		GenID:      node,
		Clock:      h.clock,
		Settlement: settlement,
		Repo:       webhookrepo.Provide(),
		Payments:   h.payments,
		Payouts:    payouts,
		Contracts:  contractrepo.Provide(),
		Gateways:   dir,
	})

	sched, err := New(Params{
		Log:      zap.NewNop(),
		GenID:    node,
		Clock:    h.clock,
		Payments: h.payments,
		Payouts:  payouts,
		Webhooks: processor,
		Config:   Config{BatchSize: 10},
	})
	require.NoError(t, err)
	h.sched = sched
	return h
}

func (h *harness) schedule(t *testing.T, amount int64, due time.Time) paymentdomain.Payment {
	t.Helper()
	items, err := h.payments.Schedule(context.Background(), paymentdomain.ScheduleRequest{
		ContractID: h.contract,
		Kind:       paymentdomain.KindFull,
		Items:      []paymentdomain.ScheduleItem{{Amount: amount, DueDate: due}},
	})
	require.NoError(t, err)
	return items[0]
}

func TestRunOnceMarksOverduePaymentWithPenalty(t *testing.T) {
	restore := swapPrometheusRegistry(prometheus.NewRegistry())
	defer restore()

	due := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)
	h := newHarness(t, due)
	p := h.schedule(t, 1_000_000, due)

	h.clock.Set(due.Add(5*24*time.Hour + time.Hour))
	require.NoError(t, h.sched.RunOnce(context.Background()))

	got, err := h.payments.Get(context.Background(), p.ID)
	require.NoError(t, err)
	assert.Equal(t, paymentdomain.StatusOverdue, got.Status)
	assert.Equal(t, 5, got.OverdueDays)
	assert.Equal(t, int64(5_000), got.PenaltyAmount)
}

func TestRunOnceReconcilesMissedWebhook(t *testing.T) {
	restore := swapPrometheusRegistry(prometheus.NewRegistry())
	defer restore()

	start := time.Date(2026, 6, 1, 9, 0, 0, 0, time.UTC)
	h := newHarness(t, start)
	ctx := context.Background()
	p := h.schedule(t, 1_000_000, start.Add(7*24*time.Hour))

	opened, err := h.payments.OpenSession(ctx, p.ID)
	require.NoError(t, err)
	_, err = h.gw.SetStatus(opened.SessionID(), gateway.StatusSucceeded)
	require.NoError(t, err)

	h.clock.Advance(time.Hour)
	require.NoError(t, h.sched.RunOnce(ctx))

	got, err := h.payments.Get(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, paymentdomain.StatusPaid, got.Status)

	legs, err := payoutrepo.Provide().ListLegsByContract(ctx, h.db, h.contract)
	require.NoError(t, err)
	assert.Len(t, legs, 2)
}

func swapPrometheusRegistry(registry *prometheus.Registry) func() {
	oldRegisterer := prometheus.DefaultRegisterer
	oldGatherer := prometheus.DefaultGatherer
	prometheus.DefaultRegisterer = registry
	prometheus.DefaultGatherer = registry
	obsmetrics.ResetSchedulerMetricsForTest()
	return func() {
		prometheus.DefaultRegisterer = oldRegisterer
		prometheus.DefaultGatherer = oldGatherer
		obsmetrics.ResetSchedulerMetricsForTest()
	}
}

func getCounterValue(t *testing.T, registry *prometheus.Registry, name string, labels map[string]string) float64 {
	t.Helper()
	metricFamilies, err := registry.Gather()
	require.NoError(t, err)
	for _, mf := range metricFamilies {
		if mf.GetName() != name {
			continue
		}
		for _, metric := range mf.Metric {
			if !labelsMatch(metric, labels) {
				continue
			}
			require.NotNil(t, metric.Counter, "metric %s is not a counter", name)
			return metric.GetCounter().GetValue()
		}
	}
	t.Fatalf("metric %s with labels %v not found", name, labels)
	return 0
}

func labelsMatch(metric *dto.Metric, labels map[string]string) bool {
	if len(metric.Label) != len(labels) {
		return false
	}
	for _, label := range metric.Label {
		if labels[label.GetName()] != label.GetValue() {
			return false
		}
	}
	return true
}

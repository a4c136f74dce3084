package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/propertypay/internal/clock"
	"github.com/smallbiznis/propertypay/internal/gateway"
	"github.com/smallbiznis/propertypay/internal/lock"
	obsmetrics "github.com/smallbiznis/propertypay/internal/observability/metrics"
	paymentdomain "github.com/smallbiznis/propertypay/internal/payment/domain"
	payoutdomain "github.com/smallbiznis/propertypay/internal/payout/domain"
	webhookdomain "github.com/smallbiznis/propertypay/internal/webhook/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const (
	JobOverdueSweep      = "overdue_sweep"
	JobReconcilePayments = "reconcile_payments"
	JobReconcilePayouts  = "reconcile_payouts"
	JobPayoutResume      = "payout_resume"
	JobWebhookPrune      = "webhook_prune"
)

var ErrInvalidConfig = errors.New("scheduler_invalid_config")

type Params struct {
	fx.In

	Log      *zap.Logger
	GenID    *snowflake.Node
	Clock    clock.Clock
	Payments paymentdomain.Service
	Payouts  payoutdomain.Service
	Webhooks webhookdomain.Processor
	Locker   *lock.Locker `optional:"true"`
	Config   Config       `optional:"true"`
}

type Scheduler struct {
	log      *zap.Logger
	cfg      Config
	genID    *snowflake.Node
	clock    clock.Clock
	payments paymentdomain.Service
	payouts  payoutdomain.Service
	webhooks webhookdomain.Processor
	locker   *lock.Locker
}

func New(p Params) (*Scheduler, error) {
	if p.Log == nil || p.GenID == nil || p.Clock == nil || p.Payments == nil || p.Payouts == nil || p.Webhooks == nil {
		return nil, ErrInvalidConfig
	}
	return &Scheduler{
		log:      p.Log.Named("scheduler").With(zap.String("component", "scheduler")),
		cfg:      p.Config.withDefaults(),
		genID:    p.GenID,
		clock:    p.Clock,
		payments: p.Payments,
		payouts:  p.Payouts,
		webhooks: p.Webhooks,
		locker:   p.Locker,
	}, nil
}

// runJob executes fn under a cluster-wide lock so only one replica runs a
// given job at a time. A lock held elsewhere defers the job to the next tick.
func (s *Scheduler) runJob(
	parent context.Context,
	name string,
	batchSize int,
	timeout time.Duration,
	fn func(ctx context.Context) error,
) error {
	start := s.clock.Now()
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	ctx, run := s.startRun(ctx, name, start)
	log := s.logger(ctx).With(
		zap.String("job", name),
		zap.String("run_id", run.runID),
	)
	schedMetrics := obsmetrics.Scheduler()

	err := s.locker.WithLock(ctx, "scheduler:job:"+name, s.cfg.LockTTL, func(ctx context.Context) error {
		log.Debug("scheduler.job.start", zap.Int("batch_size", batchSize))
		schedMetrics.IncJobRun(name)
		return fn(ctx)
	})
	if errors.Is(err, lock.ErrNotHeld) {
		schedMetrics.IncBatchDeferred(name, obsmetrics.SchedulerBatchDeferredReasonLockHeld)
		log.Debug("job skipped, lock held by another replica")
		return nil
	}

	schedMetrics.ObserveJobDuration(name, s.clock.Now().Sub(start))
	if err != nil && run.errors == 0 {
		run.fail(1)
	}
	s.finishRun(ctx, run)
	if err == nil {
		return nil
	}

	// deadline is a soft timeout; the next tick picks up where this one stopped
	isTimeout := errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled)
	if isTimeout {
		schedMetrics.IncJobTimeout(name)
	}
	schedMetrics.IncJobError(name, err)
	if isTimeout {
		log.Warn("job timed out",
			zap.Duration("timeout", timeout),
			zap.Error(err),
		)
		return nil
	}

	return fmt.Errorf("%s: %w", name, err)
}

func (s *Scheduler) RunOnce(parent context.Context) error {
	var err error

	jobs := []struct {
		Name string
		Run  func(context.Context) error
	}{
		{JobOverdueSweep, s.OverdueSweepJob},
		{JobPayoutResume, s.PayoutResumeJob},
		{JobReconcilePayments, s.ReconcilePaymentsJob},
		{JobReconcilePayouts, s.ReconcilePayoutsJob},
		{JobWebhookPrune, s.WebhookPruneJob},
	}

	for _, job := range jobs {
		if !s.isJobEnabled(job.Name) {
			continue
		}
		err = errors.Join(err, s.runJob(parent, job.Name, s.cfg.BatchSize, s.cfg.JobTimeout, job.Run))
	}
	return err
}

func (s *Scheduler) RunForever(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.RunInterval)
	defer ticker.Stop()
	nextRun := time.Now().Add(s.cfg.RunInterval)
	schedMetrics := obsmetrics.Scheduler()

	for {
		runLag := time.Since(nextRun)
		if runLag > 0 {
			schedMetrics.ObserveRunLoopLag(runLag)
		}
		if err := s.RunOnce(ctx); err != nil {
			s.log.Warn("scheduler run failed", zap.Error(err))
		}
		nextRun = nextRun.Add(s.cfg.RunInterval)

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (s *Scheduler) isJobEnabled(jobName string) bool {
	// empty means every job runs in this process
	if len(s.cfg.EnabledJobs) == 0 {
		return true
	}
	for _, enabled := range s.cfg.EnabledJobs {
		if strings.EqualFold(enabled, jobName) {
			return true
		}
	}
	return false
}

// OverdueSweepJob ages unpaid payments past their due date and accrues penalty.
func (s *Scheduler) OverdueSweepJob(ctx context.Context) error {
	run := runFromContext(ctx)
	result, err := s.payments.SweepOverdue(ctx, s.clock.Now(), s.cfg.BatchSize)
	run.tally("scanned", result.Scanned)
	run.tally("marked_overdue", result.MarkedOverdue)
	run.tally("penalty_updated", result.PenaltyUpdated)
	run.tally("conflicts", result.Conflicts)

	schedMetrics := obsmetrics.Scheduler()
	schedMetrics.AddBatchProcessed(JobOverdueSweep, "payment", result.Scanned)
	for i := 0; i < result.MarkedOverdue; i++ {
		schedMetrics.IncPaymentTransition(string(paymentdomain.StatusPending), string(paymentdomain.StatusOverdue))
	}
	if result.Conflicts > 0 {
		schedMetrics.IncBatchDeferred(JobOverdueSweep, obsmetrics.SchedulerBatchDeferredReasonVersionBumped)
	}
	if err != nil {
		s.jobFailed(ctx, run, "scheduler.sweep.failed", err)
		return err
	}
	return nil
}

// ReconcilePaymentsJob polls the gateway for sessions whose webhook never arrived.
func (s *Scheduler) ReconcilePaymentsJob(ctx context.Context) error {
	run := runFromContext(ctx)
	result, err := s.payments.Reconcile(ctx, s.clock.Now(), s.cfg.BatchSize, s.apply)
	run.tally("checked", result.Checked)
	run.tally("applied", result.Applied)
	run.fail(result.Failed)
	obsmetrics.Scheduler().AddBatchProcessed(JobReconcilePayments, "payment", result.Checked)
	if err != nil {
		s.jobFailed(ctx, run, "scheduler.reconcile.failed", err, zap.String("resource", "payment"))
		return err
	}
	return nil
}

func (s *Scheduler) ReconcilePayoutsJob(ctx context.Context) error {
	run := runFromContext(ctx)
	result, err := s.payouts.Reconcile(ctx, s.clock.Now(), s.cfg.BatchSize, s.apply)
	run.tally("checked", result.Checked)
	run.tally("applied", result.Applied)
	run.fail(result.Failed)
	obsmetrics.Scheduler().AddBatchProcessed(JobReconcilePayouts, "payout", result.Checked)
	if err != nil {
		s.jobFailed(ctx, run, "scheduler.reconcile.failed", err, zap.String("resource", "payout"))
		return err
	}
	return nil
}

// PayoutResumeJob settles fully paid contracts that missed their settlement
// and dispatches legs whose retry time has come.
func (s *Scheduler) PayoutResumeJob(ctx context.Context) error {
	run := runFromContext(ctx)
	result, err := s.payouts.ResumePending(ctx, s.clock.Now(), s.cfg.BatchSize)
	run.tally("settled", result.Settled)
	run.tally("dispatched", result.Dispatched)
	run.tally("deferred", result.Deferred)
	run.tally("failed", result.Failed)
	obsmetrics.Scheduler().AddBatchProcessed(JobPayoutResume, "payout", result.Dispatched+result.Deferred+result.Failed)
	if err != nil {
		s.jobFailed(ctx, run, "scheduler.payout_resume.failed", err)
		return err
	}
	return nil
}

func (s *Scheduler) WebhookPruneJob(ctx context.Context) error {
	run := runFromContext(ctx)
	deleted, err := s.webhooks.Prune(ctx, s.clock.Now())
	run.tally("pruned", int(deleted))
	obsmetrics.Scheduler().AddBatchProcessed(JobWebhookPrune, "webhook_event", int(deleted))
	if err != nil {
		s.jobFailed(ctx, run, "scheduler.webhook_prune.failed", err)
		return err
	}
	return nil
}

func (s *Scheduler) apply(ctx context.Context, event *gateway.Event) error {
	_, err := s.webhooks.Apply(ctx, event)
	return err
}

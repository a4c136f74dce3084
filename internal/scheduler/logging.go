package scheduler

import (
	"context"
	"time"

	obslogger "github.com/smallbiznis/propertypay/internal/observability/logger"
	obsmetrics "github.com/smallbiznis/propertypay/internal/observability/metrics"
	"go.uber.org/zap"
)

// jobRun tallies what one job did during one tick: payments aged, legs
// dispatched, events applied. The tallies end up on a single finish line.
type jobRun struct {
	job       string
	runID     string
	startedAt time.Time
	tallies   []tally
	errors    int
}

type tally struct {
	outcome string
	count   int
}

type jobRunKey struct{}

// tally adds n to the named outcome. Zero counts are still recorded so the
// finish line always has the same shape for a given job.
func (r *jobRun) tally(outcome string, n int) {
	if r == nil {
		return
	}
	for i := range r.tallies {
		if r.tallies[i].outcome == outcome {
			r.tallies[i].count += n
			return
		}
	}
	r.tallies = append(r.tallies, tally{outcome: outcome, count: n})
}

func (r *jobRun) fail(n int) {
	if r == nil || n <= 0 {
		return
	}
	r.errors += n
}

func (r *jobRun) touched() bool {
	for _, t := range r.tallies {
		if t.count > 0 {
			return true
		}
	}
	return r.errors > 0
}

func (s *Scheduler) startRun(ctx context.Context, job string, at time.Time) (context.Context, *jobRun) {
	run := &jobRun{
		job:       job,
		runID:     s.genID.Generate().String(),
		startedAt: at,
	}
	return context.WithValue(ctx, jobRunKey{}, run), run
}

func runFromContext(ctx context.Context) *jobRun {
	if ctx == nil {
		return nil
	}
	run, _ := ctx.Value(jobRunKey{}).(*jobRun)
	return run
}

func (s *Scheduler) logger(ctx context.Context) *zap.Logger {
	return obslogger.WithContext(ctx, s.log)
}

// finishRun logs one line per run. Ticks that found nothing to do stay at
// debug so an idle ledger does not flood the logs.
func (s *Scheduler) finishRun(ctx context.Context, run *jobRun) {
	if run == nil {
		return
	}
	fields := make([]zap.Field, 0, len(run.tallies)+4)
	fields = append(fields,
		zap.String("job", run.job),
		zap.String("run_id", run.runID),
		zap.Int64("duration_ms", s.clock.Now().Sub(run.startedAt).Milliseconds()),
	)
	for _, t := range run.tallies {
		fields = append(fields, zap.Int(t.outcome, t.count))
	}
	log := s.logger(ctx)
	switch {
	case run.errors > 0:
		log.Warn("scheduler.job.finish", append(fields, zap.Int("errors", run.errors))...)
	case run.touched():
		log.Info("scheduler.job.finish", fields...)
	default:
		log.Debug("scheduler.job.finish", fields...)
	}
}

// jobFailed counts and logs a job error with its scheduler classification.
func (s *Scheduler) jobFailed(ctx context.Context, run *jobRun, msg string, err error, fields ...zap.Field) {
	if err == nil {
		return
	}
	run.fail(1)
	base := []zap.Field{
		zap.String("error_type", obsmetrics.ClassifySchedulerErrorType(err)),
		zap.Bool("retryable", obsmetrics.IsSchedulerErrorRetryable(err)),
		zap.Error(err),
	}
	if run != nil {
		base = append(base, zap.String("job", run.job), zap.String("run_id", run.runID))
	}
	s.logger(ctx).Error(msg, append(base, fields...)...)
}

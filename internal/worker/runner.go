package worker

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"nnunetserver/internal/metrics"
	"nnunetserver/internal/queue"
	"nnunetserver/internal/workspace"
)

// Runner drains a queue with a fixed pool of executors.
type Runner struct {
	consumer    queue.Consumer
	executor    *Executor
	concurrency int
	poll        time.Duration
	logger      zerolog.Logger
}

type RunnerConfig struct {
	Concurrency  int
	PollInterval time.Duration
}

func NewRunner(consumer queue.Consumer, executor *Executor, cfg RunnerConfig, logger zerolog.Logger) *Runner {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	return &Runner{
		consumer:    consumer,
		executor:    executor,
		concurrency: cfg.Concurrency,
		poll:        cfg.PollInterval,
		logger:      logger,
	}
}

// Run blocks until ctx is cancelled. A job in flight at shutdown is killed
// with its process and reported failed.
func (r *Runner) Run(ctx context.Context) error {
	r.logger.Info().Int("concurrency", r.concurrency).Dur("poll", r.poll).Msg("worker pool started")
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < r.concurrency; i++ {
		slot := i
		g.Go(func() error {
			r.loop(gctx, slot)
			return nil
		})
	}
	err := g.Wait()
	r.logger.Info().Msg("worker pool stopped")
	return err
}

func (r *Runner) loop(ctx context.Context, slot int) {
	for {
		handled, err := r.RunOnce(ctx)
		if err != nil && ctx.Err() == nil {
			r.logger.Warn().Err(err).Int("slot", slot).Msg("dequeue failed")
		}
		if handled {
			continue
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(r.poll):
		}
	}
}

// RunOnce claims and executes at most one job.
func (r *Runner) RunOnce(ctx context.Context) (bool, error) {
	job, ok, err := r.consumer.Dequeue(ctx)
	if err != nil || !ok {
		return false, err
	}
	r.handle(ctx, job)
	return true, nil
}

func (r *Runner) handle(ctx context.Context, job queue.Job) {
	log := r.logger.With().Str("queue_job", job.ID).Logger()
	report := context.WithoutCancel(ctx)

	if job.Function != queue.FunctionPredict {
		log.Error().Str("function", job.Function).Msg("unknown work item function")
		r.fail(report, job.ID, workspace.Summary{Status: workspace.SummaryFailed, Reason: "unknown function " + job.Function})
		return
	}
	var meta JobMetadata
	if err := json.Unmarshal(job.Payload, &meta); err != nil {
		log.Error().Err(err).Msg("decode job payload")
		r.fail(report, job.ID, workspace.Summary{Status: workspace.SummaryFailed, Reason: "invalid payload"})
		return
	}

	runCtx := ctx
	if job.Timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, job.Timeout)
		defer cancel()
	}
	start := time.Now()
	summary := r.executor.Run(runCtx, meta)
	metrics.RecordWorkerJob(summary.Status, time.Since(start))

	if summary.Status != workspace.SummaryCompleted {
		r.fail(report, job.ID, summary)
		return
	}
	raw, _ := json.Marshal(summary)
	if err := r.consumer.Finish(report, job.ID, raw); err != nil {
		log.Error().Err(err).Msg("record job finished")
	}
}

func (r *Runner) fail(ctx context.Context, id string, summary workspace.Summary) {
	raw, _ := json.Marshal(summary)
	if err := r.consumer.Fail(ctx, id, raw); err != nil {
		r.logger.Error().Err(err).Str("queue_job", id).Msg("record job failed")
	}
}

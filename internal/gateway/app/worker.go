package app

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"nnunetserver/internal/gateway/config"
	"nnunetserver/internal/logging"
	"nnunetserver/internal/metrics"
	"nnunetserver/internal/queue"
	"nnunetserver/internal/worker"
)

func newRunner(cfg *config.Config, consumer queue.Consumer, logger zerolog.Logger) *worker.Runner {
	executor := worker.NewExecutor(cfg.Worker.ScriptPath, logger)
	return worker.NewRunner(consumer, executor, worker.RunnerConfig{
		Concurrency:  cfg.Worker.Concurrency,
		PollInterval: cfg.Worker.PollInterval,
	}, logger)
}

// Worker is the standalone consumer process for a shared queue backend.
type Worker struct {
	runner *worker.Runner
	broker queue.Broker
	logger zerolog.Logger
}

func NewWorker() (*Worker, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if cfg.Queue.Backend == "memory" {
		return nil, fmt.Errorf("a standalone worker needs a shared queue backend, QUEUE_BACKEND is %q", cfg.Queue.Backend)
	}
	logger := logging.Init("nnunet-worker", cfg.Env, cfg.LogLevel)
	metrics.Register()
	broker, err := initQueue(cfg, logger)
	if err != nil {
		return nil, err
	}
	return &Worker{
		runner: newRunner(cfg, broker, logger),
		broker: broker,
		logger: logger,
	}, nil
}

// Run blocks until ctx is cancelled and in-flight jobs have reported.
func (w *Worker) Run(ctx context.Context) error {
	defer w.broker.Close()
	w.logger.Info().Msg("worker started")
	return w.runner.Run(ctx)
}

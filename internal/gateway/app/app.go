package app

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/rs/zerolog"

	"nnunetserver/internal/artifact"
	"nnunetserver/internal/derive"
	"nnunetserver/internal/gateway/config"
	"nnunetserver/internal/gateway/handler"
	"nnunetserver/internal/gateway/server"
	"nnunetserver/internal/gateway/service/prediction"
	"nnunetserver/internal/logging"
	"nnunetserver/internal/metrics"
	"nnunetserver/internal/worker"
)

type App struct {
	server *server.Server
	stores *gatewayStores
	runner *worker.Runner
	logger zerolog.Logger

	runCtx     context.Context
	stopRunner context.CancelFunc
	started    atomic.Bool
	runnerDone chan struct{}
}

func New() (*App, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return NewWithConfig(cfg)
}

func NewWithConfig(cfg *config.Config) (*App, error) {
	logger := logging.Init("nnunet-api", cfg.Env, cfg.LogLevel)
	metrics.Register()

	// Dependencies
	stores, err := initStores(cfg, logger)
	if err != nil {
		return nil, err
	}
	svc := prediction.New(prediction.Deps{
		Datasets: stores.datasets,
		Store:    stores.requests,
		Queue:    stores.queue,
		Index:    artifact.Index{VacuousCompletion: cfg.Status.VacuousCompletion},
		Engine:   derive.NewEngine(derive.WithLogger(logger)),
		Bundles:  stores.bundles,
		Config:   predictionConfig(cfg),
		Logger:   logger,
	})

	a := &App{stores: stores, logger: logger, runnerDone: make(chan struct{})}
	a.runCtx, a.stopRunner = context.WithCancel(context.Background())
	if cfg.Worker.Inline {
		a.runner = newRunner(cfg, stores.queue, logger)
	}

	// Routing & Server
	h := handler.New(svc, stores.datasets, handler.Options{WatchInterval: cfg.Status.WatchInterval})
	a.server = server.New(cfg.Port, server.NewMux(h, logger), logger)
	return a, nil
}

func predictionConfig(cfg *config.Config) prediction.Config {
	return prediction.Config{
		Configuration: cfg.Predict.Configuration,
		Device:        cfg.Predict.Device,
		Trainer:       cfg.Predict.Trainer,
		Plans:         cfg.Predict.Plans,
		RequesterID:   cfg.Predict.RequesterID,
		JobTimeout:    cfg.Predict.JobTimeout,
		ResultTTL:     cfg.Predict.ResultTTL,
		BundleExpiry:  cfg.Artifact.URLExpiry,
	}
}

func (a *App) Start() error {
	if a.runner != nil && a.started.CompareAndSwap(false, true) {
		go func() {
			defer close(a.runnerDone)
			if err := a.runner.Run(a.runCtx); err != nil && !errors.Is(err, context.Canceled) {
				a.logger.Error().Err(err).Msg("inline worker stopped")
			}
		}()
		a.logger.Info().Msg("inline worker started")
	}
	return a.server.Start()
}

func (a *App) Shutdown(ctx context.Context) error {
	err := a.server.Shutdown(ctx)
	a.stopRunner()
	if a.started.Load() {
		select {
		case <-a.runnerDone:
		case <-ctx.Done():
			err = errors.Join(err, ctx.Err())
		}
	}
	return errors.Join(err, a.stores.queue.Close())
}

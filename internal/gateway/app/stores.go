package app

import (
	"fmt"
	"os"

	"github.com/rs/zerolog"

	"nnunetserver/internal/dataset"
	"nnunetserver/internal/gateway/config"
	"nnunetserver/internal/gateway/repository/bundle"
	"nnunetserver/internal/queue"
	"nnunetserver/internal/workspace"
)

type gatewayStores struct {
	datasets *dataset.FileDirectory
	requests *workspace.Store
	queue    queue.Broker
	bundles  bundle.Store
}

func initStores(cfg *config.Config, logger zerolog.Logger) (*gatewayStores, error) {
	for _, dir := range []string{cfg.RawDir(), cfg.PredictionsDir()} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create data dir %s: %w", dir, err)
		}
	}
	datasets, err := dataset.NewFileDirectory(cfg.RawDir(), dataset.DefaultCacheConfig())
	if err != nil {
		return nil, err
	}
	requests, err := workspace.NewStore(cfg.PredictionsDir())
	if err != nil {
		return nil, err
	}
	broker, err := initQueue(cfg, logger)
	if err != nil {
		return nil, err
	}
	bundles, err := chooseBundleStore(cfg, logger, newBundleS3StoreFactory(cfg))
	if err != nil {
		_ = broker.Close()
		return nil, err
	}
	return &gatewayStores{
		datasets: datasets,
		requests: requests,
		queue:    broker,
		bundles:  bundles,
	}, nil
}

func initQueue(cfg *config.Config, logger zerolog.Logger) (queue.Broker, error) {
	switch cfg.Queue.Backend {
	case "postgres":
		q, err := queue.OpenPostgres(cfg.Queue.DSN, cfg.Queue.Name)
		if err != nil {
			return nil, fmt.Errorf("failed to open postgres queue: %w", err)
		}
		logger.Info().Str("queue", cfg.Queue.Name).Msg("queue backend: postgres")
		return q, nil
	default:
		logger.Info().Msg("queue backend: in-memory")
		return queue.NewMemoryQueue(), nil
	}
}

func newBundleS3StoreFactory(cfg *config.Config) func() (bundle.Store, error) {
	return func() (bundle.Store, error) {
		s3Cfg := bundle.S3Config{
			Endpoint:  cfg.Artifact.Endpoint,
			Region:    cfg.Artifact.Region,
			AccessKey: cfg.Artifact.AccessKey,
			SecretKey: cfg.Artifact.SecretKey,
			Bucket:    cfg.Artifact.Bucket,
			UseSSL:    cfg.Artifact.UseSSL,
		}
		s3Store, err := bundle.NewS3Store(s3Cfg)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize bundle s3 store: %w", err)
		}
		return s3Store, nil
	}
}

// chooseBundleStore returns nil when S3 is not usable; downloads are then
// always streamed.
func chooseBundleStore(cfg *config.Config, logger zerolog.Logger, s3Factory func() (bundle.Store, error)) (bundle.Store, error) {
	if !cfg.Artifact.CanUseS3() {
		if cfg.Artifact.Enabled {
			logger.Warn().Msg("bundle store: s3 config incomplete, presigned downloads disabled")
		}
		return nil, nil
	}
	s, err := s3Factory()
	if err != nil {
		return nil, err
	}
	logger.Info().Str("bucket", cfg.Artifact.Bucket).Str("endpoint", cfg.Artifact.Endpoint).Msg("bundle store: s3")
	return s, nil
}

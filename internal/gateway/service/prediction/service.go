// Package prediction is the dispatch gateway: it turns uploads into
// workspaces and queued work items, and serves the read side of requests.
package prediction

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"nnunetserver/internal/apperr"
	"nnunetserver/internal/artifact"
	"nnunetserver/internal/dataset"
	"nnunetserver/internal/derive"
	"nnunetserver/internal/gateway/repository/bundle"
	"nnunetserver/internal/queue"
	"nnunetserver/internal/workspace"
)

// Config carries the job defaults attached to every work item.
type Config struct {
	Configuration string
	Device        string
	Trainer       string
	Plans         string
	// RequesterID overrides the requester recorded in the job payload when set.
	RequesterID string

	JobTimeout   time.Duration
	ResultTTL    time.Duration
	BundleExpiry time.Duration
}

func DefaultConfig() Config {
	return Config{
		Configuration: "3d_lowres",
		Device:        "gpu",
		Trainer:       "nnUNetTrainer",
		Plans:         "nnUNetPlans",
		JobTimeout:    3 * time.Hour,
		ResultTTL:     7 * 24 * time.Hour,
		BundleExpiry:  time.Hour,
	}
}

type Deps struct {
	Datasets dataset.Directory
	Store    *workspace.Store
	Queue    queue.Queue
	Index    artifact.Index
	Engine   *derive.Engine
	// Bundles is optional; without it downloads are always streamed.
	Bundles bundle.Store
	Config  Config
	Logger  zerolog.Logger
}

type Service struct {
	datasets dataset.Directory
	store    *workspace.Store
	queue    queue.Queue
	index    artifact.Index
	engine   *derive.Engine
	bundles  bundle.Store
	cfg      Config
	logger   zerolog.Logger
	now      func() time.Time
}

func New(d Deps) *Service {
	engine := d.Engine
	if engine == nil {
		engine = derive.NewEngine(derive.WithLogger(d.Logger))
	}
	return &Service{
		datasets: d.Datasets,
		store:    d.Store,
		queue:    d.Queue,
		index:    d.Index,
		engine:   engine,
		bundles:  d.Bundles,
		cfg:      d.Config,
		logger:   d.Logger,
		now:      time.Now,
	}
}

// dataset resolves and validates a dataset descriptor. It never has side
// effects, so it always runs before a workspace is touched.
func (s *Service) dataset(ctx context.Context, id string) (dataset.Dataset, error) {
	if !dataset.ValidKey(id) {
		return dataset.Dataset{}, apperr.Errorf(apperr.ErrNotFound, "dataset %q not found", id)
	}
	ds, err := s.datasets.Get(ctx, id)
	if err != nil {
		return dataset.Dataset{}, err
	}
	if ds.ID == "" {
		ds.ID = id
	}
	if err := ds.Validate(); err != nil {
		return dataset.Dataset{}, err
	}
	return ds, nil
}

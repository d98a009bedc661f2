package pipeline

import (
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/gristmill/gristmill/pkg/config"
	"github.com/gristmill/gristmill/pkg/filelock"
	"github.com/gristmill/gristmill/pkg/logger"
	"github.com/gristmill/gristmill/pkg/monitor"
	"github.com/gristmill/gristmill/pkg/stats"
	"github.com/gristmill/gristmill/pkg/transform"
)

// Context carries the shared state every stage sees: the run
// configuration, statistics, the file lock registry, the resource
// monitor, and the selected transform strategy. One Context serves one
// run.
type Context struct {
	RunID    string
	Config   *config.RunConfig
	Stats    *stats.Stats
	Locks    *filelock.Registry
	Monitor  *monitor.Monitor
	Logger   *zap.Logger
	Strategy transform.Strategy
}

// NewContext validates the configuration and assembles the run state.
// The strategy is resolved here, so an unknown strategy name fails
// before any file is touched. A nil log falls back to the package
// default.
func NewContext(cfg *config.RunConfig, log *zap.Logger) (*Context, error) {
	if log == nil {
		log = logger.Get()
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	runID := uuid.NewString()
	log = log.With(zap.String("run_id", runID), zap.String("run", cfg.Name))

	var strategy transform.Strategy
	if !cfg.SkipTransform {
		var err error
		strategy, err = transform.New(cfg.Strategy)
		if err != nil {
			return nil, err
		}
	}

	return &Context{
		RunID:    runID,
		Config:   cfg,
		Stats:    stats.New(),
		Locks:    filelock.New(),
		Monitor:  monitor.New(cfg.Monitor, log),
		Logger:   log,
		Strategy: strategy,
	}, nil
}

package main

import (
	"errors"
	"log/slog"
	"sync/atomic"

	"github.com/blueberrycongee/llmsched/internal/api"
	"github.com/blueberrycongee/llmsched/internal/config"
)

var errNilConfig = errors.New("config is nil")

// schedulerReloader rebuilds the scheduler when the config file changes and
// swaps it in. Health records start fresh on the new scheduler.
type schedulerReloader struct {
	logger     *slog.Logger
	swapper    *api.SchedulerSwapper
	build      func(*config.Config) (api.Scheduler, error)
	inProgress atomic.Bool
}

func newSchedulerReloader(logger *slog.Logger, swapper *api.SchedulerSwapper, build func(*config.Config) (api.Scheduler, error)) *schedulerReloader {
	if logger == nil {
		logger = slog.Default()
	}
	return &schedulerReloader{
		logger:  logger,
		swapper: swapper,
		build:   build,
	}
}

func (r *schedulerReloader) Reload(cfg *config.Config) {
	if !r.inProgress.CompareAndSwap(false, true) {
		r.logger.Warn("scheduler reload already in progress")
		return
	}
	defer r.inProgress.Store(false)

	next, err := r.build(cfg)
	if err != nil {
		r.logger.Error("failed to rebuild scheduler", "error", err)
		return
	}
	if next == nil {
		r.logger.Error("failed to rebuild scheduler", "error", "nil scheduler")
		return
	}

	r.swapper.Swap(next)

	r.logger.Info("scheduler reloaded",
		"backends", len(cfg.Backends),
		"default_backend", cfg.Scheduler.DefaultBackend,
	)
}

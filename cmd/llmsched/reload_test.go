package main

import (
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/blueberrycongee/llmsched"
	"github.com/blueberrycongee/llmsched/internal/api"
	"github.com/blueberrycongee/llmsched/internal/config"
)

func TestSchedulerReloaderSwapsSchedulerOnSuccess(t *testing.T) {
	logger := slog.New(slog.NewJSONHandler(io.Discard, &slog.HandlerOptions{}))

	initial, err := llmsched.New(llmsched.WithLogger(logger))
	require.NoError(t, err)

	next, err := llmsched.New(llmsched.WithLogger(logger))
	require.NoError(t, err)

	swapper := api.NewSchedulerSwapper(initial)
	t.Cleanup(swapper.Close)

	reloader := newSchedulerReloader(logger, swapper, func(*config.Config) (api.Scheduler, error) {
		return next, nil
	})

	reloader.Reload(&config.Config{})

	require.Same(t, next, swapper.Current())
}

func TestSchedulerReloaderKeepsSchedulerOnFailure(t *testing.T) {
	logger := slog.New(slog.NewJSONHandler(io.Discard, &slog.HandlerOptions{}))

	initial, err := llmsched.New(llmsched.WithLogger(logger))
	require.NoError(t, err)

	swapper := api.NewSchedulerSwapper(initial)
	t.Cleanup(swapper.Close)

	reloader := newSchedulerReloader(logger, swapper, func(*config.Config) (api.Scheduler, error) {
		return nil, errTestReload
	})

	reloader.Reload(&config.Config{})

	require.Same(t, initial, swapper.Current())
}

var errTestReload = errors.New("reload failed")

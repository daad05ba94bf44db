// Package app wires the catalogue loader, provider registry, pipeline
// runner, and aggregator into one runnable application.
package app

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/vk/backhaul/internal/config"
	"github.com/vk/backhaul/internal/ctxlog"
	"github.com/vk/backhaul/internal/provider/localdir"
	"github.com/vk/backhaul/internal/transfer"
)

// App encapsulates the application's dependencies, configuration, and
// lifecycle.
type App struct {
	outW     io.Writer
	logger   *slog.Logger
	registry *transfer.Registry
	model    *config.Model
	cfg      *Config
}

// coreProviders are the transfer providers every build ships with.
func coreProviders() []transfer.Provider {
	return []transfer.Provider{localdir.New()}
}

// NewApp constructs a fully initialized App: isolated logger, loaded
// catalogue model, and populated provider registry. A catalogue that
// fails to load or validate is a startup error, nothing has run yet.
func NewApp(outW io.Writer, cfg *Config, loader config.Loader, providers ...transfer.Provider) (*App, error) {
	logger := newLogger(cfg.LogLevel, cfg.LogFormat, outW)
	ctx := ctxlog.WithLogger(context.Background(), logger)
	logger.Debug("Logger configured successfully.")

	model, err := loader.Load(ctx, cfg.CataloguePath)
	if err != nil {
		return nil, fmt.Errorf("failed to load catalogue: %w", err)
	}
	logger.Debug("Catalogue loaded into unified model.",
		"jobs", len(model.Jobs), "targets", len(model.Targets), "sets", len(model.Sets))

	reg := transfer.NewRegistry()
	if len(providers) == 0 {
		providers = coreProviders()
	}
	for _, p := range providers {
		reg.Register(p)
	}
	logger.Debug("Transfer providers registered.", "kinds", reg.Kinds())

	// Every target kind must resolve before any job runs.
	for name, target := range model.Targets {
		if _, err := reg.Resolve(target.Kind); err != nil {
			return nil, config.Errorf("target %q: unknown provider kind %q", name, target.Kind)
		}
	}

	return &App{
		outW:     outW,
		logger:   logger,
		registry: reg,
		model:    model,
		cfg:      cfg,
	}, nil
}

// Model returns the loaded catalogue model. This is primarily for testing.
func (a *App) Model() *config.Model {
	return a.model
}

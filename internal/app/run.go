package app

import (
	"context"
	"fmt"
	"time"

	"github.com/vk/backhaul/internal/aggregate"
	"github.com/vk/backhaul/internal/archive"
	"github.com/vk/backhaul/internal/checksum"
	"github.com/vk/backhaul/internal/config"
	"github.com/vk/backhaul/internal/ctxlog"
	"github.com/vk/backhaul/internal/dag"
	"github.com/vk/backhaul/internal/pipeline"
	"github.com/vk/backhaul/internal/result"
	"github.com/vk/backhaul/internal/snapshot"
	"github.com/vk/backhaul/internal/transfer"
)

// Run plans and executes the selected jobs, writes a summary line, and
// returns the finalized run record.
func (a *App) Run(ctx context.Context) (*result.RunResult, error) {
	ctx = ctxlog.WithLogger(ctx, a.logger)
	a.logger.Debug("App.Run method started.")

	execs, err := a.planExecutions(ctx)
	if err != nil {
		return nil, err
	}

	dispatcher := transfer.NewDispatcher(a.registry, a.cfg.TransferWorkers)
	runner := pipeline.NewRunner(&archive.TarZstd{}, &snapshot.Passthrough{}, &checksum.SHA256{}, dispatcher, a.cfg.Simulate)
	agg := aggregate.New(a.model, runner)

	run := agg.Run(ctx, execs, a.cfg.Simulate)
	a.writeSummary(run)
	return run, nil
}

// planExecutions resolves the invocation's job selection into ordered
// execution plans: one per named set, or one anonymous plan for an
// explicit (or empty, meaning all) job list.
func (a *App) planExecutions(ctx context.Context) ([]aggregate.Execution, error) {
	if a.cfg.SetName != "" {
		set, ok := a.model.Sets[a.cfg.SetName]
		if !ok {
			return nil, config.Errorf("unknown set %q", a.cfg.SetName)
		}
		plan, err := dag.Build(ctx, a.model, set.Jobs)
		if err != nil {
			return nil, err
		}
		a.logger.Debug("Execution plan built for set.", "set", set.Name, "jobs", len(plan.Order))
		return []aggregate.Execution{{SetName: set.Name, Plan: plan, StopOnError: set.StopOnError}}, nil
	}

	plan, err := dag.Build(ctx, a.model, a.cfg.JobNames)
	if err != nil {
		return nil, err
	}
	a.logger.Debug("Execution plan built.", "jobs", len(plan.Order))
	return []aggregate.Execution{{Plan: plan}}, nil
}

// writeSummary prints the one-line run summary scripting callers parse.
func (a *App) writeSummary(run *result.RunResult) {
	var jobs, failed, warned, skipped int
	for _, set := range run.Sets {
		for _, job := range set.Jobs {
			jobs++
			switch job.Status {
			case result.StatusFailure:
				failed++
			case result.StatusWarnings:
				warned++
			case result.StatusSkipped:
				skipped++
			}
		}
	}
	fmt.Fprintf(a.outW, "run %s: %s (jobs=%d failed=%d warnings=%d skipped=%d elapsed=%s)\n",
		run.ID, run.Status, jobs, failed, warned, skipped,
		run.EndTime.Sub(run.StartTime).Round(time.Millisecond))
}

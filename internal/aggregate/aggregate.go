// Package aggregate drives ordered job lists through the pipeline and
// folds the per-job outcomes into set and run records.
package aggregate

import (
	"context"

	"github.com/vk/backhaul/internal/config"
	"github.com/vk/backhaul/internal/ctxlog"
	"github.com/vk/backhaul/internal/dag"
	"github.com/vk/backhaul/internal/result"
)

// JobRunner is the pipeline boundary. It always returns a complete,
// finalized job record; execution errors live inside the record.
type JobRunner interface {
	RunJob(ctx context.Context, job *config.Job, targets []*config.Target) *result.JobResult
}

// Execution names one ordered job list to run, with its failure policy.
// An ad-hoc job selection runs as a single anonymous execution.
type Execution struct {
	SetName     string
	Plan        *dag.Plan
	StopOnError bool
}

// Aggregator runs executions sequentially on a single control thread.
// Jobs share scarce local I/O and CPU, so nothing here is concurrent.
type Aggregator struct {
	model  *config.Model
	runner JobRunner
}

// New creates an aggregator over the given catalogue model.
func New(model *config.Model, runner JobRunner) *Aggregator {
	return &Aggregator{model: model, runner: runner}
}

// Run executes every execution in order and folds the set results into
// one run record.
func (a *Aggregator) Run(ctx context.Context, execs []Execution, simulated bool) *result.RunResult {
	run := result.NewRunResult(simulated)
	logger := ctxlog.FromContext(ctx).With("run_id", run.ID)
	ctx = ctxlog.WithLogger(ctx, logger)

	logger.Info("Run starting.", "executions", len(execs), "simulate", simulated)
	for _, exec := range execs {
		run.Merge(a.runSet(ctx, exec))
	}
	run.Finalize()
	logger.Info("Run finished.", "status", run.Status.String())
	return run
}

// runSet drives one ordered job list to completion, or to the first
// failure when the set stops on error. Jobs never started because of an
// early stop are recorded as Skipped so the set record stays complete.
func (a *Aggregator) runSet(ctx context.Context, exec Execution) *result.SetResult {
	logger := ctxlog.FromContext(ctx).With("set", exec.SetName)
	set := &result.SetResult{SetName: exec.SetName}

	order := exec.Plan.Order
	for i, job := range order {
		jobRes := a.runner.RunJob(ctx, job, a.model.TargetsFor(job))
		set.Merge(jobRes)

		if exec.StopOnError && jobRes.Status == result.StatusFailure {
			logger.Error("Job failed, stopping set.", "job", job.Name, "remaining", len(order)-i-1)
			set.StoppedEarly = true
			for _, skipped := range order[i+1:] {
				set.Merge(&result.JobResult{JobName: skipped.Name, Status: result.StatusSkipped})
			}
			break
		}
	}
	return set
}

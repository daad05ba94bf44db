package transfer

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/vk/backhaul/internal/config"
	"github.com/vk/backhaul/internal/ctxlog"
	"github.com/vk/backhaul/internal/instance"
	"github.com/vk/backhaul/internal/result"
	"github.com/vk/backhaul/internal/retention"
)

// Dispatcher fans one job's archive out to its targets.
type Dispatcher struct {
	registry *Registry
	// workers caps concurrent target transfers. Zero or negative means
	// one worker per target.
	workers int
	// sleep is swapped out by tests to avoid real retry delays.
	sleep func(ctx context.Context, d time.Duration)
}

// NewDispatcher creates a dispatcher over the given provider registry.
func NewDispatcher(registry *Registry, workers int) *Dispatcher {
	return &Dispatcher{
		registry: registry,
		workers:  workers,
		sleep:    sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

// Dispatch transfers the job's files to every target and returns one
// result per target, sorted by target name so aggregation is independent
// of completion order. Targets are independent: one target's permanent
// failure never aborts the others.
func (d *Dispatcher) Dispatch(ctx context.Context, job *config.Job, targets []*config.Target, localFiles []string, pins retention.PinSet) []result.TransferResult {
	if len(targets) == 0 {
		return nil
	}

	results := make([]result.TransferResult, len(targets))

	workers := d.workers
	if workers <= 0 || workers > len(targets) {
		workers = len(targets)
	}

	jobs := make(chan int, len(targets))
	for i := range targets {
		jobs <- i
	}
	close(jobs)

	var wg sync.WaitGroup
	wg.Add(workers)
	for w := 0; w < workers; w++ {
		go func() {
			defer wg.Done()
			for i := range jobs {
				results[i] = d.transferOne(ctx, job, targets[i], localFiles, pins)
			}
		}()
	}
	wg.Wait()

	sort.Slice(results, func(i, j int) bool { return results[i].TargetName < results[j].TargetName })
	return results
}

// transferOne drives a single target through retry, transfer, and remote
// retention.
func (d *Dispatcher) transferOne(ctx context.Context, job *config.Job, target *config.Target, localFiles []string, pins retention.PinSet) result.TransferResult {
	logger := ctxlog.FromContext(ctx).With("job", job.Name, "target", target.Name)
	res := result.TransferResult{TargetName: target.Name}

	provider, err := d.registry.Resolve(target.Kind)
	if err != nil {
		res.Err = err
		return res
	}

	attempts := target.RetryAttempts
	if attempts <= 0 {
		attempts = 1
	}

	var receipt *Receipt
	for attempt := 1; attempt <= attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			res.Err = err
			return res
		}

		receipt, err = provider.Transfer(ctx, localFiles, target)
		res.RetryAttempts = attempt - 1
		if err == nil {
			break
		}

		if !IsTransient(err) || attempt == attempts {
			logger.Error("Transfer failed.", "attempt", attempt, "error", err)
			res.Err = err
			return res
		}
		logger.Warn("Transient transfer failure, retrying.", "attempt", attempt, "delay", target.RetryDelay, "error", err)
		d.sleep(ctx, target.RetryDelay)
	}

	res.Success = true
	res.RemoteLocations = receipt.RemoteLocations
	res.BytesTransferred = receipt.BytesTransferred
	logger.Info("Transfer complete.",
		"bytes", humanize.IBytes(uint64(receipt.BytesTransferred)),
		"retries", res.RetryAttempts)

	if target.KeepCount > 0 {
		if warn := d.remoteRetention(ctx, job, target, provider, pins); warn != "" {
			res.Warnings = append(res.Warnings, warn)
		}
	}
	return res
}

// remoteRetention evicts old instances on the target after a successful
// transfer. Any failure here is reported as a warning string, never as a
// transfer failure: deletion problems must not mask the backup's success.
func (d *Dispatcher) remoteRetention(ctx context.Context, job *config.Job, target *config.Target, provider Provider, pins retention.PinSet) string {
	logger := ctxlog.FromContext(ctx).With("job", job.Name, "target", target.Name)

	listing, err := provider.ListRemote(ctx, target)
	if err != nil {
		return fmt.Sprintf("remote retention: listing failed: %v", err)
	}

	files := make([]instance.File, len(listing))
	for i, rf := range listing {
		files[i] = instance.File{Name: rf.Name, ModTime: rf.ModTime}
	}

	groups := instance.Group(ctx, files, job.ArchiveBaseName, job.DateStampFormat)
	plan := retention.Evaluate(ctx, groups, target.KeepCount, pins)
	if plan.Empty() {
		return ""
	}

	logger.Info("Evicting remote instances.", "instances", len(plan.Delete), "files", len(plan.Files))
	if err := provider.DeleteRemote(ctx, target, plan.Files); err != nil {
		return fmt.Sprintf("remote retention: deletion failed: %v", err)
	}
	return ""
}

// AllSucceeded reports whether every target transfer succeeded.
func AllSucceeded(results []result.TransferResult) bool {
	for _, r := range results {
		if !r.Success {
			return false
		}
	}
	return true
}

// AnySucceeded reports whether at least one target transfer succeeded.
func AnySucceeded(results []result.TransferResult) bool {
	for _, r := range results {
		if r.Success {
			return true
		}
	}
	return false
}

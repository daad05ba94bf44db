// Package pipeline drives one job through its ordered stages: hooks,
// snapshot, archive creation, checksum, verification, transfer, retention
// and staged-archive cleanup, producing the job's result record.
package pipeline

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/vk/backhaul/internal/archive"
	"github.com/vk/backhaul/internal/checksum"
	"github.com/vk/backhaul/internal/config"
	"github.com/vk/backhaul/internal/ctxlog"
	"github.com/vk/backhaul/internal/instance"
	"github.com/vk/backhaul/internal/result"
	"github.com/vk/backhaul/internal/retention"
	"github.com/vk/backhaul/internal/snapshot"
	"github.com/vk/backhaul/internal/transfer"
)

// Stage names, in pipeline order.
const (
	StagePreHook        = "pre-hook"
	StageSnapshot       = "snapshot"
	StageCreateArchive  = "create-archive"
	StageChecksum       = "checksum"
	StageVerifyLocal    = "verify-local"
	StageTransfer       = "transfer"
	StageLocalRetention = "local-retention"
	StageDeleteStaged   = "delete-staged"
	StagePostHook       = "post-hook"
)

// ArchiveExt is the extension of archives produced by the built-in
// archiver and expected in staging listings.
const ArchiveExt = ".tar.zst"

// Archiver is the archive-creation boundary. Retry policy lives in the
// Runner, not the provider.
type Archiver interface {
	Create(ctx context.Context, sources []string, destPath string, splitSize int64) (*archive.Output, error)
}

// Checksummer is the digest boundary.
type Checksummer interface {
	Compute(ctx context.Context, path string) (string, error)
	Verify(ctx context.Context, path, digest string) (bool, error)
}

// Runner executes jobs one at a time; jobs share scarce local I/O and CPU,
// so the only sanctioned concurrency is inside the transfer dispatcher.
type Runner struct {
	Archiver   Archiver
	Snapshots  snapshot.Provider
	Checksums  Checksummer
	Dispatcher *transfer.Dispatcher

	// Simulate plans everything but performs no side effects.
	Simulate bool

	// ArchiveRetryAttempts bounds create-archive retries; delay applies
	// between attempts.
	ArchiveRetryAttempts int
	ArchiveRetryDelay    time.Duration

	now     func() time.Time
	sleep   func(ctx context.Context, d time.Duration)
	runHook func(ctx context.Context, command string) error
}

// NewRunner wires a runner with production collaborators and defaults.
func NewRunner(archiver Archiver, snapshots snapshot.Provider, checksums Checksummer, dispatcher *transfer.Dispatcher, simulate bool) *Runner {
	return &Runner{
		Archiver:             archiver,
		Snapshots:            snapshots,
		Checksums:            checksums,
		Dispatcher:           dispatcher,
		Simulate:             simulate,
		ArchiveRetryAttempts: 2,
		ArchiveRetryDelay:    5 * time.Second,
		now:                  time.Now,
		sleep:                sleepCtx,
		runHook:              runHookCommand,
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

// runHookCommand executes a hook through the shell, honoring context
// cancellation cooperatively via CommandContext.
func runHookCommand(ctx context.Context, command string) error {
	cmd := exec.CommandContext(ctx, "/bin/sh", "-c", command)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("hook %q failed: %v: %s", command, err, bytes.TrimSpace(out))
	}
	return nil
}

// RunJob drives one job through the full stage sequence and returns its
// finalized result. Stage failures are captured into the result, never
// returned: the aggregator always receives a complete record.
func (r *Runner) RunJob(ctx context.Context, job *config.Job, targets []*config.Target) *result.JobResult {
	logger := ctxlog.FromContext(ctx).With("job", job.Name)
	ctx = ctxlog.WithLogger(ctx, logger)

	res := &result.JobResult{JobName: job.Name, StartTime: r.now()}
	logger.Info("Job starting.", "simulate", r.Simulate)

	stamp := res.StartTime.Format(job.DateStampFormat)
	archivePath := filepath.Join(job.StagingDir, job.ArchiveBaseName+"-"+stamp+ArchiveExt)
	sidecarPath := filepath.Join(job.StagingDir, job.ArchiveBaseName+"-"+stamp+checksum.SidecarExt)

	// Pin exemptions apply to both local and remote retention.
	pins, pinErr := retention.LoadPinFile(filepath.Join(job.StagingDir, retention.PinFileName))

	// --- pre-hook ---
	r.runHookStage(ctx, res, StagePreHook, job.PreCommand)

	if r.cancelled(ctx, res, StageSnapshot, StageCreateArchive, StageChecksum, StageVerifyLocal, StageTransfer, StageLocalRetention, StageDeleteStaged, StagePostHook) {
		res.Finalize(job.TreatWarningsAsSuccess)
		return res
	}

	// --- snapshot ---
	// Acquired snapshots are released on every exit path below.
	sources := job.SourcePaths
	var snap *snapshot.Snapshot
	defer func() {
		if snap == nil {
			return
		}
		if err := r.Snapshots.Release(ctx, snap); err != nil {
			logger.Warn("Snapshot release failed.", "error", err)
		}
	}()

	if !job.UseSnapshot || r.Simulate {
		res.RecordStage(StageSnapshot, result.StatusSkipped, nil)
	} else {
		acquired, err := r.Snapshots.Acquire(ctx, sources)
		snap = acquired // may be non-nil even on partial failure
		if err != nil {
			logger.Error("Snapshot acquisition failed, archiving live paths.", "error", err)
			res.RecordStage(StageSnapshot, result.StatusFailure, err)
		} else {
			sources = snap.PathsFor(sources)
			res.RecordStage(StageSnapshot, result.StatusSuccess, nil)
		}
	}

	// --- create-archive (terminal on failure) ---
	out, err := r.createArchive(ctx, job, sources, archivePath)
	switch {
	case r.Simulate:
		res.RecordStage(StageCreateArchive, result.StatusSuccess, nil)
	case err != nil:
		logger.Error("Archive creation failed, job is terminal.", "error", err)
		res.Err = err
		res.RecordStage(StageCreateArchive, result.StatusFailure, err)
		skipStages(res, StageChecksum, StageVerifyLocal, StageTransfer, StageLocalRetention, StageDeleteStaged)
		r.runHookStage(ctx, res, StagePostHook, job.PostCommand)
		res.Finalize(job.TreatWarningsAsSuccess)
		return res
	case len(out.Warnings) > 0:
		logger.Warn("Archive created with warnings.", "warnings", len(out.Warnings), "size", humanize.IBytes(uint64(out.Bytes)))
		res.RecordStage(StageCreateArchive, result.StatusWarnings, fmt.Errorf("%d entries skipped", len(out.Warnings)))
	default:
		logger.Info("Archive created.", "path", out.OutputPath, "size", humanize.IBytes(uint64(out.Bytes)))
		res.RecordStage(StageCreateArchive, result.StatusSuccess, nil)
	}

	if r.cancelled(ctx, res, StageChecksum, StageVerifyLocal, StageTransfer, StageLocalRetention, StageDeleteStaged, StagePostHook) {
		res.Finalize(job.TreatWarningsAsSuccess)
		return res
	}

	// --- checksum ---
	digest := r.checksumStage(ctx, res, job, out, sidecarPath)

	// --- verify-local ---
	gated := r.verifyStage(ctx, res, job, out, digest)

	if r.cancelled(ctx, res, StageTransfer, StageLocalRetention, StageDeleteStaged, StagePostHook) {
		res.Finalize(job.TreatWarningsAsSuccess)
		return res
	}

	// --- transfer ---
	transferOK := r.transferStage(ctx, res, job, targets, out, sidecarPath, digest, gated, pins)

	// --- local-retention ---
	// Runs strictly after archive creation and transfer for this job, so
	// eviction never races the job's own writes.
	r.localRetentionStage(ctx, res, job, pins, pinErr)

	// --- delete-staged ---
	r.deleteStagedStage(ctx, res, job, out, sidecarPath, digest, transferOK)

	// --- post-hook ---
	r.runHookStage(ctx, res, StagePostHook, job.PostCommand)

	res.Finalize(job.TreatWarningsAsSuccess)
	logger.Info("Job finished.", "status", res.Status.String())
	return res
}

// cancelled checks run-level cancellation between stages. When the run is
// cancelled it records the remaining stages as skipped and the job as
// failed.
func (r *Runner) cancelled(ctx context.Context, res *result.JobResult, remaining ...string) bool {
	err := ctx.Err()
	if err == nil {
		return false
	}
	res.Err = err
	if len(remaining) > 0 {
		res.RecordStage(remaining[0], result.StatusFailure, err)
		skipStages(res, remaining[1:]...)
	}
	return true
}

func skipStages(res *result.JobResult, stages ...string) {
	for _, stage := range stages {
		res.RecordStage(stage, result.StatusSkipped, nil)
	}
}

// runHookStage executes an optional hook command. Hook failures are
// recorded but never stop the pipeline.
func (r *Runner) runHookStage(ctx context.Context, res *result.JobResult, stage, command string) {
	if command == "" || r.Simulate {
		res.RecordStage(stage, result.StatusSkipped, nil)
		return
	}
	if err := r.runHook(ctx, command); err != nil {
		ctxlog.FromContext(ctx).Error("Hook failed.", "stage", stage, "error", err)
		res.RecordStage(stage, result.StatusFailure, err)
		return
	}
	res.RecordStage(stage, result.StatusSuccess, nil)
}

// createArchive invokes the archiver with the runner's retry policy.
// Simulated runs return a placeholder output without touching disk.
func (r *Runner) createArchive(ctx context.Context, job *config.Job, sources []string, archivePath string) (*archive.Output, error) {
	if r.Simulate {
		return &archive.Output{OutputPath: archivePath}, nil
	}

	attempts := r.ArchiveRetryAttempts
	if attempts <= 0 {
		attempts = 1
	}

	logger := ctxlog.FromContext(ctx)
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		out, err := r.Archiver.Create(ctx, sources, archivePath, int64(job.SplitSizeMB)*1024*1024)
		if err == nil {
			return out, nil
		}
		lastErr = err
		if attempt < attempts {
			logger.Warn("Archive creation failed, retrying.", "attempt", attempt, "error", err)
			r.sleep(ctx, r.ArchiveRetryDelay)
		}
	}
	return nil, lastErr
}

// checksumStage computes the archive digest and writes the sidecar.
// Returns the digest, or "" when unavailable. A checksum failure is
// recorded but does not block transfer; partial evidence still ships.
func (r *Runner) checksumStage(ctx context.Context, res *result.JobResult, job *config.Job, out *archive.Output, sidecarPath string) string {
	if !job.Checksum || r.Simulate {
		res.RecordStage(StageChecksum, result.StatusSkipped, nil)
		return ""
	}

	digest, err := r.Checksums.Compute(ctx, out.OutputPath)
	if err == nil {
		err = checksum.WriteSidecar(sidecarPath, out.OutputPath, digest)
	}
	if err != nil {
		ctxlog.FromContext(ctx).Error("Checksum failed.", "error", err)
		res.RecordStage(StageChecksum, result.StatusFailure, err)
		return ""
	}
	res.RecordStage(StageChecksum, result.StatusSuccess, nil)
	return digest
}

// verifyStage re-reads the archive against the computed digest. Returns
// true when a gating verification failed and transfer must be skipped.
func (r *Runner) verifyStage(ctx context.Context, res *result.JobResult, job *config.Job, out *archive.Output, digest string) bool {
	if job.Verify == config.VerifyOff || r.Simulate {
		res.RecordStage(StageVerifyLocal, result.StatusSkipped, nil)
		return false
	}

	gating := job.Verify == config.VerifyGate
	fail := func(err error) bool {
		ctxlog.FromContext(ctx).Error("Local verification failed.", "gating", gating, "error", err)
		if gating {
			res.RecordStage(StageVerifyLocal, result.StatusFailure, err)
			return true
		}
		res.RecordStage(StageVerifyLocal, result.StatusWarnings, err)
		return false
	}

	if digest == "" {
		return fail(fmt.Errorf("no digest available for verification"))
	}
	ok, err := r.Checksums.Verify(ctx, out.OutputPath, digest)
	if err != nil {
		return fail(err)
	}
	if !ok {
		return fail(fmt.Errorf("archive digest mismatch"))
	}
	res.RecordStage(StageVerifyLocal, result.StatusSuccess, nil)
	return false
}

// transferStage dispatches to every target and reduces the per-target
// results into one stage outcome. Returns whether the aggregate success
// condition held, which also gates the staged-archive delete.
func (r *Runner) transferStage(ctx context.Context, res *result.JobResult, job *config.Job, targets []*config.Target, out *archive.Output, sidecarPath, digest string, gated bool, pins retention.PinSet) bool {
	if gated {
		res.RecordStage(StageTransfer, result.StatusSkipped, fmt.Errorf("verification gate failed"))
		return false
	}
	if len(targets) == 0 {
		res.RecordStage(StageTransfer, result.StatusSkipped, nil)
		return false
	}
	if r.Simulate {
		res.RecordStage(StageTransfer, result.StatusSuccess, nil)
		return false
	}

	files := out.AllFiles()
	if digest != "" {
		files = append(files, sidecarPath)
	}

	res.Transfers = r.Dispatcher.Dispatch(ctx, job, targets, files, pins)

	warned := false
	for _, tr := range res.Transfers {
		if len(tr.Warnings) > 0 {
			warned = true
		}
	}

	switch {
	case transfer.AllSucceeded(res.Transfers):
		if warned {
			res.RecordStage(StageTransfer, result.StatusWarnings, nil)
		} else {
			res.RecordStage(StageTransfer, result.StatusSuccess, nil)
		}
		return true
	case job.ToleratePartialTransfer && transfer.AnySucceeded(res.Transfers):
		res.RecordStage(StageTransfer, result.StatusWarnings, fmt.Errorf("partial target failure tolerated"))
		return true
	default:
		res.RecordStage(StageTransfer, result.StatusFailure, fmt.Errorf("one or more targets failed"))
		return false
	}
}

// localRetentionStage evicts old instances from the staging directory.
// Every failure here is a warning: deletion problems must never mask a
// successful backup.
func (r *Runner) localRetentionStage(ctx context.Context, res *result.JobResult, job *config.Job, pins retention.PinSet, pinErr error) {
	logger := ctxlog.FromContext(ctx)

	if job.LocalKeepCount <= 0 {
		res.RecordStage(StageLocalRetention, result.StatusSkipped, nil)
		return
	}
	if pinErr != nil {
		// An unreadable pin file makes eviction unsafe; plan nothing.
		logger.Warn("Pin file unreadable, skipping local retention.", "error", pinErr)
		res.RecordStage(StageLocalRetention, result.StatusWarnings, pinErr)
		return
	}

	listing, err := stagingListing(job.StagingDir)
	if err != nil {
		res.RecordStage(StageLocalRetention, result.StatusWarnings, err)
		return
	}

	groups := instance.Group(ctx, listing, job.ArchiveBaseName, job.DateStampFormat)
	plan := retention.Evaluate(ctx, groups, job.LocalKeepCount, pins)
	if plan.Empty() {
		res.RecordStage(StageLocalRetention, result.StatusSuccess, nil)
		return
	}

	logger.Info("Evicting local instances.", "instances", len(plan.Delete), "files", len(plan.Files), "simulate", r.Simulate)
	if r.Simulate {
		res.RecordStage(StageLocalRetention, result.StatusSuccess, nil)
		return
	}

	var deleteErr error
	for _, name := range plan.Files {
		if err := os.Remove(filepath.Join(job.StagingDir, name)); err != nil && !os.IsNotExist(err) {
			deleteErr = err
			logger.Warn("Failed to evict local file.", "file", name, "error", err)
		}
	}
	if deleteErr != nil {
		res.RecordStage(StageLocalRetention, result.StatusWarnings, deleteErr)
		return
	}
	res.RecordStage(StageLocalRetention, result.StatusSuccess, nil)
}

// deleteStagedStage removes the just-created archive from staging when
// the job asks for it and the transfer aggregate succeeded.
func (r *Runner) deleteStagedStage(ctx context.Context, res *result.JobResult, job *config.Job, out *archive.Output, sidecarPath, digest string, transferOK bool) {
	if !job.DeleteLocalAfterTransfer || !transferOK || r.Simulate {
		res.RecordStage(StageDeleteStaged, result.StatusSkipped, nil)
		return
	}

	files := out.AllFiles()
	if digest != "" {
		files = append(files, sidecarPath)
	}

	var deleteErr error
	for _, f := range files {
		if err := os.Remove(f); err != nil && !os.IsNotExist(err) {
			deleteErr = err
		}
	}
	if deleteErr != nil {
		res.RecordStage(StageDeleteStaged, result.StatusWarnings, deleteErr)
		return
	}
	ctxlog.FromContext(ctx).Info("Staged archive deleted after transfer.")
	res.RecordStage(StageDeleteStaged, result.StatusSuccess, nil)
}

// stagingListing reads the staging directory into normalized listing
// entries.
func stagingListing(dir string) ([]instance.File, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("listing staging dir %s: %w", dir, err)
	}
	var files []instance.File
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		files = append(files, instance.File{Name: entry.Name(), ModTime: info.ModTime()})
	}
	return files, nil
}

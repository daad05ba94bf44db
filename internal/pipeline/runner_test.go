package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zclconf/go-cty/cty"

	"github.com/vk/backhaul/internal/archive"
	"github.com/vk/backhaul/internal/config"
	"github.com/vk/backhaul/internal/result"
	"github.com/vk/backhaul/internal/snapshot"
	"github.com/vk/backhaul/internal/transfer"
)

// fakeArchiver writes a real file so downstream stages (checksum, delete)
// operate on disk, while failures stay scriptable.
type fakeArchiver struct {
	err      error
	failN    int // fail this many attempts before succeeding
	warnings []string
	calls    int
}

func (f *fakeArchiver) Create(ctx context.Context, sources []string, destPath string, splitSize int64) (*archive.Output, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	if f.calls <= f.failN {
		return nil, fmt.Errorf("scripted failure %d", f.calls)
	}
	if err := os.WriteFile(destPath, []byte("archive payload"), 0o644); err != nil {
		return nil, err
	}
	return &archive.Output{OutputPath: destPath, Bytes: 15, Warnings: f.warnings}, nil
}

// fakeChecksummer avoids hashing real bytes and lets tests force
// mismatches.
type fakeChecksummer struct {
	computeErr error
	verifyOK   bool
	verifyErr  error
}

func (f *fakeChecksummer) Compute(ctx context.Context, path string) (string, error) {
	if f.computeErr != nil {
		return "", f.computeErr
	}
	return "feedface", nil
}

func (f *fakeChecksummer) Verify(ctx context.Context, path, digest string) (bool, error) {
	return f.verifyOK, f.verifyErr
}

// fakeTargetProvider scripts per-target outcomes for the dispatcher.
type fakeTargetProvider struct {
	fail map[string]error
}

func (f *fakeTargetProvider) Kind() string { return "fake" }

func (f *fakeTargetProvider) Transfer(ctx context.Context, localPaths []string, target *config.Target) (*transfer.Receipt, error) {
	if err := f.fail[target.Name]; err != nil {
		return nil, err
	}
	return &transfer.Receipt{RemoteLocations: []string{"remote://" + target.Name}, BytesTransferred: 15}, nil
}

func (f *fakeTargetProvider) ListRemote(ctx context.Context, target *config.Target) ([]transfer.RemoteFile, error) {
	return nil, nil
}

func (f *fakeTargetProvider) DeleteRemote(ctx context.Context, target *config.Target, names []string) error {
	return nil
}

// trackingSnapshotter records acquire/release pairing.
type trackingSnapshotter struct {
	acquireErr error
	acquired   int
	released   int
}

func (s *trackingSnapshotter) Acquire(ctx context.Context, sources []string) (*snapshot.Snapshot, error) {
	s.acquired++
	if s.acquireErr != nil {
		return &snapshot.Snapshot{}, s.acquireErr
	}
	paths := make(map[string]string, len(sources))
	for _, src := range sources {
		paths[src] = src
	}
	return &snapshot.Snapshot{Paths: paths}, nil
}

func (s *trackingSnapshotter) Release(ctx context.Context, snap *snapshot.Snapshot) error {
	s.released++
	return nil
}

type fixture struct {
	runner   *Runner
	archiver *fakeArchiver
	sums     *fakeChecksummer
	snaps    *trackingSnapshotter
	provider *fakeTargetProvider
	job      *config.Job
	targets  []*config.Target
	hooks    []string
	hookErr  error
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	f := &fixture{
		archiver: &fakeArchiver{},
		sums:     &fakeChecksummer{verifyOK: true},
		snaps:    &trackingSnapshotter{},
		provider: &fakeTargetProvider{fail: make(map[string]error)},
	}

	reg := transfer.NewRegistry()
	reg.Register(f.provider)
	dispatcher := transfer.NewDispatcher(reg, 0)

	f.runner = NewRunner(f.archiver, f.snaps, f.sums, dispatcher, false)
	f.runner.ArchiveRetryDelay = 0
	f.runner.sleep = func(ctx context.Context, d time.Duration) {}
	f.runner.runHook = func(ctx context.Context, command string) error {
		f.hooks = append(f.hooks, command)
		return f.hookErr
	}

	f.job = &config.Job{
		Name:            "docs",
		SourcePaths:     []string{t.TempDir()},
		StagingDir:      t.TempDir(),
		ArchiveBaseName: "docs",
		DateStampFormat: config.DefaultDateStampLayout,
		Checksum:        true,
	}
	return f
}

func (f *fixture) addTarget(name string) {
	f.targets = append(f.targets, &config.Target{
		Name:          name,
		Kind:          "fake",
		RetryAttempts: 1,
		Settings:      map[string]cty.Value{},
	})
	f.job.Targets = append(f.job.Targets, name)
}

func stageStatus(t *testing.T, res *result.JobResult, stage string) result.Status {
	t.Helper()
	for _, s := range res.Stages {
		if s.Stage == stage {
			return s.Status
		}
	}
	t.Fatalf("stage %s not recorded", stage)
	return result.StatusFailure
}

func TestRunJobHappyPath(t *testing.T) {
	f := newFixture(t)
	f.addTarget("t1")

	res := f.runner.RunJob(context.Background(), f.job, f.targets)

	assert.Equal(t, result.StatusSuccess, res.Status)
	assert.Equal(t, result.StatusSuccess, stageStatus(t, res, StageCreateArchive))
	assert.Equal(t, result.StatusSuccess, stageStatus(t, res, StageChecksum))
	assert.Equal(t, result.StatusSuccess, stageStatus(t, res, StageTransfer))
	require.Len(t, res.Transfers, 1)
	assert.True(t, res.Transfers[0].Success)
	assert.False(t, res.EndTime.IsZero())
}

func TestRunJobArchiveFailureIsTerminal(t *testing.T) {
	f := newFixture(t)
	f.addTarget("t1")
	f.archiver.err = errors.New("compressor exploded")
	f.job.PostCommand = "notify"
	f.runner.ArchiveRetryAttempts = 1

	res := f.runner.RunJob(context.Background(), f.job, f.targets)

	assert.Equal(t, result.StatusFailure, res.Status)
	assert.Equal(t, result.StatusFailure, stageStatus(t, res, StageCreateArchive))
	assert.Equal(t, result.StatusSkipped, stageStatus(t, res, StageTransfer))
	assert.Equal(t, result.StatusSkipped, stageStatus(t, res, StageLocalRetention))
	// Post-hook still runs on the terminal path.
	assert.Equal(t, result.StatusSuccess, stageStatus(t, res, StagePostHook))
	assert.Equal(t, []string{"notify"}, f.hooks)
	assert.Empty(t, res.Transfers)
}

func TestRunJobArchiveRetrySucceeds(t *testing.T) {
	f := newFixture(t)
	f.archiver.failN = 1
	f.runner.ArchiveRetryAttempts = 2

	res := f.runner.RunJob(context.Background(), f.job, nil)

	assert.Equal(t, result.StatusSuccess, res.Status)
	assert.Equal(t, 2, f.archiver.calls)
}

func TestRunJobChecksumFailureDoesNotBlockTransfer(t *testing.T) {
	f := newFixture(t)
	f.addTarget("t1")
	f.sums.computeErr = errors.New("io error")

	res := f.runner.RunJob(context.Background(), f.job, f.targets)

	assert.Equal(t, result.StatusFailure, res.Status)
	assert.Equal(t, result.StatusFailure, stageStatus(t, res, StageChecksum))
	assert.Equal(t, result.StatusSuccess, stageStatus(t, res, StageTransfer))
	require.Len(t, res.Transfers, 1)
	assert.True(t, res.Transfers[0].Success)
}

func TestRunJobGatingVerifyFailureSkipsTransfer(t *testing.T) {
	f := newFixture(t)
	f.addTarget("t1")
	f.job.Verify = config.VerifyGate
	f.job.LocalKeepCount = 2
	f.sums.verifyOK = false

	res := f.runner.RunJob(context.Background(), f.job, f.targets)

	assert.Equal(t, result.StatusFailure, res.Status)
	assert.Equal(t, result.StatusFailure, stageStatus(t, res, StageVerifyLocal))
	assert.Equal(t, result.StatusSkipped, stageStatus(t, res, StageTransfer))
	// Local retention still runs after a gated transfer.
	assert.Equal(t, result.StatusSuccess, stageStatus(t, res, StageLocalRetention))
	assert.Empty(t, res.Transfers)
}

func TestRunJobWarnVerifyFailureStillTransfers(t *testing.T) {
	f := newFixture(t)
	f.addTarget("t1")
	f.job.Verify = config.VerifyWarn
	f.sums.verifyOK = false

	res := f.runner.RunJob(context.Background(), f.job, f.targets)

	assert.Equal(t, result.StatusWarnings, res.Status)
	assert.Equal(t, result.StatusWarnings, stageStatus(t, res, StageVerifyLocal))
	assert.Equal(t, result.StatusSuccess, stageStatus(t, res, StageTransfer))
}

func TestRunJobTreatWarningsAsSuccess(t *testing.T) {
	f := newFixture(t)
	f.job.Verify = config.VerifyWarn
	f.job.TreatWarningsAsSuccess = true
	f.sums.verifyOK = false

	res := f.runner.RunJob(context.Background(), f.job, nil)

	assert.Equal(t, result.StatusSuccess, res.Status)
	// Stage detail keeps the warning visible.
	assert.Equal(t, result.StatusWarnings, stageStatus(t, res, StageVerifyLocal))
}

func TestRunJobTreatWarningsDoesNotMaskFailure(t *testing.T) {
	f := newFixture(t)
	f.addTarget("t1")
	f.job.TreatWarningsAsSuccess = true
	f.provider.fail["t1"] = errors.New("permanent")

	res := f.runner.RunJob(context.Background(), f.job, f.targets)

	assert.Equal(t, result.StatusFailure, res.Status)
}

func TestRunJobPartialTargetFailureBlocksLocalDelete(t *testing.T) {
	f := newFixture(t)
	f.addTarget("t1")
	f.addTarget("t2")
	f.job.DeleteLocalAfterTransfer = true
	f.provider.fail["t2"] = errors.New("permission denied")

	res := f.runner.RunJob(context.Background(), f.job, f.targets)

	assert.Equal(t, result.StatusFailure, res.Status)
	assert.Equal(t, result.StatusSkipped, stageStatus(t, res, StageDeleteStaged))

	require.Len(t, res.Transfers, 2)
	assert.True(t, res.Transfers[0].Success)
	assert.False(t, res.Transfers[1].Success)

	// The staged archive survives the partial failure.
	entries, err := os.ReadDir(f.job.StagingDir)
	require.NoError(t, err)
	assert.NotEmpty(t, entries)
}

func TestRunJobPartialToleranceAllowsLocalDelete(t *testing.T) {
	f := newFixture(t)
	f.addTarget("t1")
	f.addTarget("t2")
	f.job.DeleteLocalAfterTransfer = true
	f.job.ToleratePartialTransfer = true
	f.provider.fail["t2"] = errors.New("permission denied")

	res := f.runner.RunJob(context.Background(), f.job, f.targets)

	assert.Equal(t, result.StatusWarnings, res.Status)
	assert.Equal(t, result.StatusWarnings, stageStatus(t, res, StageTransfer))
	assert.Equal(t, result.StatusSuccess, stageStatus(t, res, StageDeleteStaged))

	entries, err := os.ReadDir(f.job.StagingDir)
	require.NoError(t, err)
	assert.Empty(t, entries, "staged archive and sidecar deleted")
}

func TestRunJobDeleteStagedAfterFullSuccess(t *testing.T) {
	f := newFixture(t)
	f.addTarget("t1")
	f.job.DeleteLocalAfterTransfer = true

	res := f.runner.RunJob(context.Background(), f.job, f.targets)

	assert.Equal(t, result.StatusSuccess, res.Status)
	entries, err := os.ReadDir(f.job.StagingDir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestRunJobSnapshotReleasedOnFailure(t *testing.T) {
	f := newFixture(t)
	f.job.UseSnapshot = true
	f.archiver.err = errors.New("boom")
	f.runner.ArchiveRetryAttempts = 1

	res := f.runner.RunJob(context.Background(), f.job, nil)

	assert.Equal(t, result.StatusFailure, res.Status)
	assert.Equal(t, 1, f.snaps.acquired)
	assert.Equal(t, 1, f.snaps.released)
}

func TestRunJobSnapshotAcquireFailureIsNotTerminal(t *testing.T) {
	f := newFixture(t)
	f.job.UseSnapshot = true
	f.snaps.acquireErr = errors.New("vss unavailable")

	res := f.runner.RunJob(context.Background(), f.job, nil)

	assert.Equal(t, result.StatusFailure, res.Status)
	assert.Equal(t, result.StatusFailure, stageStatus(t, res, StageSnapshot))
	// Archive still ran against the live paths.
	assert.Equal(t, result.StatusSuccess, stageStatus(t, res, StageCreateArchive))
	// The partial handle is still released.
	assert.Equal(t, 1, f.snaps.released)
}

func TestRunJobLocalRetentionEvictsOldInstances(t *testing.T) {
	f := newFixture(t)
	f.job.LocalKeepCount = 1

	// Seed two old instances; mod times carry the ordering.
	old1 := filepath.Join(f.job.StagingDir, "docs-20240101-120000.tar.zst")
	old2 := filepath.Join(f.job.StagingDir, "docs-20240201-120000.tar.zst")
	require.NoError(t, os.WriteFile(old1, []byte("old1"), 0o644))
	require.NoError(t, os.WriteFile(old2, []byte("old2"), 0o644))
	past := time.Now().AddDate(-1, 0, 0)
	require.NoError(t, os.Chtimes(old1, past, past))
	require.NoError(t, os.Chtimes(old2, past.AddDate(0, 1, 0), past.AddDate(0, 1, 0)))

	res := f.runner.RunJob(context.Background(), f.job, nil)

	assert.Equal(t, result.StatusSuccess, stageStatus(t, res, StageLocalRetention))
	_, err := os.Stat(old1)
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(old2)
	assert.True(t, os.IsNotExist(err))
}

func TestRunJobPinnedInstanceSurvivesLocalRetention(t *testing.T) {
	f := newFixture(t)
	f.job.LocalKeepCount = 1

	old := filepath.Join(f.job.StagingDir, "docs-20240101-120000.tar.zst")
	require.NoError(t, os.WriteFile(old, []byte("old"), 0o644))
	past := time.Now().AddDate(-1, 0, 0)
	require.NoError(t, os.Chtimes(old, past, past))

	pinFile := filepath.Join(f.job.StagingDir, "pins.yaml")
	require.NoError(t, os.WriteFile(pinFile, []byte("instances:\n  - docs-20240101-120000\n"), 0o644))

	res := f.runner.RunJob(context.Background(), f.job, nil)

	assert.Equal(t, result.StatusSuccess, stageStatus(t, res, StageLocalRetention))
	_, err := os.Stat(old)
	assert.NoError(t, err, "pinned instance must survive")
}

func TestRunJobCancelledBeforeStages(t *testing.T) {
	f := newFixture(t)
	f.addTarget("t1")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res := f.runner.RunJob(ctx, f.job, f.targets)

	assert.Equal(t, result.StatusFailure, res.Status)
	assert.ErrorIs(t, res.Err, context.Canceled)
	assert.Equal(t, 0, f.archiver.calls)
	assert.Empty(t, res.Transfers)
}

func TestRunJobHookFailureDoesNotStopPipeline(t *testing.T) {
	f := newFixture(t)
	f.job.PreCommand = "exit 1"
	f.hookErr = errors.New("exit status 1")

	res := f.runner.RunJob(context.Background(), f.job, nil)

	assert.Equal(t, result.StatusFailure, res.Status)
	assert.Equal(t, result.StatusFailure, stageStatus(t, res, StagePreHook))
	assert.Equal(t, result.StatusSuccess, stageStatus(t, res, StageCreateArchive))
}

func TestRunJobSimulateHasNoSideEffects(t *testing.T) {
	f := newFixture(t)
	f.addTarget("t1")
	f.job.PreCommand = "echo hi"
	f.job.DeleteLocalAfterTransfer = true
	f.job.LocalKeepCount = 1
	f.runner.Simulate = true

	res := f.runner.RunJob(context.Background(), f.job, f.targets)

	assert.Equal(t, result.StatusSuccess, res.Status)
	assert.Equal(t, 0, f.archiver.calls)
	assert.Empty(t, f.hooks)

	entries, err := os.ReadDir(f.job.StagingDir)
	require.NoError(t, err)
	assert.Empty(t, entries, "simulate must not write to staging")
}

func TestRunJobArchiveWarningsDegradeStatus(t *testing.T) {
	f := newFixture(t)
	f.archiver.warnings = []string{"skipping /src/locked: permission denied"}

	res := f.runner.RunJob(context.Background(), f.job, nil)

	assert.Equal(t, result.StatusWarnings, res.Status)
	assert.Equal(t, result.StatusWarnings, stageStatus(t, res, StageCreateArchive))
}

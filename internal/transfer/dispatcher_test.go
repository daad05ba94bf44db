package transfer

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zclconf/go-cty/cty"

	"github.com/vk/backhaul/internal/config"
	"github.com/vk/backhaul/internal/retention"
)

// fakeProvider scripts per-target transfer behavior for dispatcher tests.
type fakeProvider struct {
	mu sync.Mutex

	kind string
	// failures[target] is consumed one error per attempt before success.
	failures map[string][]error
	attempts map[string]int

	listing   []RemoteFile
	listErr   error
	deleteErr error
	deleted   [][]string
}

func newFakeProvider(kind string) *fakeProvider {
	return &fakeProvider{
		kind:     kind,
		failures: make(map[string][]error),
		attempts: make(map[string]int),
	}
}

func (f *fakeProvider) Kind() string { return f.kind }

func (f *fakeProvider) Transfer(ctx context.Context, localPaths []string, target *config.Target) (*Receipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.attempts[target.Name]++
	if queue := f.failures[target.Name]; len(queue) > 0 {
		err := queue[0]
		f.failures[target.Name] = queue[1:]
		return nil, err
	}
	return &Receipt{
		RemoteLocations:  []string{"remote://" + target.Name},
		BytesTransferred: 1024,
	}, nil
}

func (f *fakeProvider) ListRemote(ctx context.Context, target *config.Target) ([]RemoteFile, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.listing, f.listErr
}

func (f *fakeProvider) DeleteRemote(ctx context.Context, target *config.Target, names []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.deleteErr != nil {
		return f.deleteErr
	}
	f.deleted = append(f.deleted, names)
	return nil
}

func testDispatcher(p Provider, workers int) *Dispatcher {
	reg := NewRegistry()
	reg.Register(p)
	d := NewDispatcher(reg, workers)
	d.sleep = func(ctx context.Context, _ time.Duration) {}
	return d
}

func testTarget(name string, kind string) *config.Target {
	return &config.Target{
		Name:          name,
		Kind:          kind,
		RetryAttempts: 3,
		RetryDelay:    time.Millisecond,
		Settings:      map[string]cty.Value{},
	}
}

func testJobDef() *config.Job {
	return &config.Job{
		Name:            "docs",
		ArchiveBaseName: "docs",
		DateStampFormat: config.DefaultDateStampLayout,
	}
}

func noPins() retention.PinSet { return retention.NewPinSet(nil, nil) }

func TestDispatchSuccess(t *testing.T) {
	p := newFakeProvider("fake")
	d := testDispatcher(p, 0)

	results := d.Dispatch(context.Background(), testJobDef(),
		[]*config.Target{testTarget("t1", "fake")},
		[]string{"/staging/docs.tar.zst"}, noPins())

	require.Len(t, results, 1)
	assert.True(t, results[0].Success)
	assert.Equal(t, []string{"remote://t1"}, results[0].RemoteLocations)
	assert.EqualValues(t, 1024, results[0].BytesTransferred)
	assert.Zero(t, results[0].RetryAttempts)
}

func TestDispatchRetriesTransientFailures(t *testing.T) {
	p := newFakeProvider("fake")
	p.failures["t1"] = []error{
		Transient(errors.New("connection reset")),
		Transient(errors.New("connection reset")),
	}
	d := testDispatcher(p, 0)

	results := d.Dispatch(context.Background(), testJobDef(),
		[]*config.Target{testTarget("t1", "fake")}, nil, noPins())

	require.Len(t, results, 1)
	assert.True(t, results[0].Success)
	assert.Equal(t, 2, results[0].RetryAttempts)
	assert.Equal(t, 3, p.attempts["t1"])
}

func TestDispatchPermanentFailureAbortsRetries(t *testing.T) {
	p := newFakeProvider("fake")
	p.failures["t1"] = []error{errors.New("permission denied")}
	d := testDispatcher(p, 0)

	results := d.Dispatch(context.Background(), testJobDef(),
		[]*config.Target{testTarget("t1", "fake")}, nil, noPins())

	require.Len(t, results, 1)
	assert.False(t, results[0].Success)
	assert.Error(t, results[0].Err)
	assert.Equal(t, 1, p.attempts["t1"])
}

func TestDispatchTransientFailureExhaustsAttempts(t *testing.T) {
	p := newFakeProvider("fake")
	p.failures["t1"] = []error{
		Transient(errors.New("timeout")),
		Transient(errors.New("timeout")),
		Transient(errors.New("timeout")),
	}
	d := testDispatcher(p, 0)

	results := d.Dispatch(context.Background(), testJobDef(),
		[]*config.Target{testTarget("t1", "fake")}, nil, noPins())

	require.Len(t, results, 1)
	assert.False(t, results[0].Success)
	assert.True(t, IsTransient(results[0].Err))
	assert.Equal(t, 3, p.attempts["t1"])
}

func TestDispatchOneFailureDoesNotAbortOtherTargets(t *testing.T) {
	p := newFakeProvider("fake")
	p.failures["t2"] = []error{errors.New("disk full")}
	d := testDispatcher(p, 0)

	results := d.Dispatch(context.Background(), testJobDef(),
		[]*config.Target{testTarget("t1", "fake"), testTarget("t2", "fake")},
		nil, noPins())

	require.Len(t, results, 2)
	assert.True(t, results[0].Success)
	assert.False(t, results[1].Success)
	assert.False(t, AllSucceeded(results))
	assert.True(t, AnySucceeded(results))
}

func TestDispatchResultsSortedByTargetName(t *testing.T) {
	p := newFakeProvider("fake")
	d := testDispatcher(p, 4)

	targets := []*config.Target{
		testTarget("zeta", "fake"),
		testTarget("alpha", "fake"),
		testTarget("mid", "fake"),
	}

	for i := 0; i < 5; i++ {
		results := d.Dispatch(context.Background(), testJobDef(), targets, nil, noPins())
		require.Len(t, results, 3)
		assert.Equal(t, "alpha", results[0].TargetName)
		assert.Equal(t, "mid", results[1].TargetName)
		assert.Equal(t, "zeta", results[2].TargetName)
	}
}

func TestDispatchUnknownKindFailsTarget(t *testing.T) {
	p := newFakeProvider("fake")
	d := testDispatcher(p, 0)

	results := d.Dispatch(context.Background(), testJobDef(),
		[]*config.Target{testTarget("t1", "webdav")}, nil, noPins())

	require.Len(t, results, 1)
	assert.False(t, results[0].Success)
	var cfgErr *config.Error
	assert.ErrorAs(t, results[0].Err, &cfgErr)
}

func TestDispatchRemoteRetentionEvictsOldInstances(t *testing.T) {
	ts := func(s string) time.Time {
		parsed, err := time.Parse(config.DefaultDateStampLayout, s)
		require.NoError(t, err)
		return parsed
	}

	p := newFakeProvider("fake")
	p.listing = []RemoteFile{
		{Name: "docs-20250101-120000.tar.zst", ModTime: ts("20250101-120000")},
		{Name: "docs-20250102-120000.tar.zst", ModTime: ts("20250102-120000")},
		{Name: "docs-20250103-120000.tar.zst", ModTime: ts("20250103-120000")},
	}
	d := testDispatcher(p, 0)

	target := testTarget("t1", "fake")
	target.KeepCount = 1

	results := d.Dispatch(context.Background(), testJobDef(),
		[]*config.Target{target}, nil, noPins())

	require.Len(t, results, 1)
	assert.True(t, results[0].Success)
	assert.Empty(t, results[0].Warnings)
	require.Len(t, p.deleted, 1)
	assert.Equal(t, []string{
		"docs-20250101-120000.tar.zst",
		"docs-20250102-120000.tar.zst",
	}, p.deleted[0])
}

func TestDispatchRemoteRetentionFailureIsWarning(t *testing.T) {
	p := newFakeProvider("fake")
	p.listErr = errors.New("listing unavailable")
	d := testDispatcher(p, 0)

	target := testTarget("t1", "fake")
	target.KeepCount = 2

	results := d.Dispatch(context.Background(), testJobDef(),
		[]*config.Target{target}, nil, noPins())

	require.Len(t, results, 1)
	assert.True(t, results[0].Success, "retention failure must not demote the transfer")
	require.Len(t, results[0].Warnings, 1)
	assert.Contains(t, results[0].Warnings[0], "remote retention")
}

func TestDispatchNoTargets(t *testing.T) {
	p := newFakeProvider("fake")
	d := testDispatcher(p, 0)
	assert.Nil(t, d.Dispatch(context.Background(), testJobDef(), nil, nil, noPins()))
}

func TestRegistryDuplicateKindPanics(t *testing.T) {
	reg := NewRegistry()
	reg.Register(newFakeProvider("fake"))
	assert.Panics(t, func() { reg.Register(newFakeProvider("fake")) })
}

func TestTransientClassification(t *testing.T) {
	assert.False(t, IsTransient(errors.New("plain")))
	assert.True(t, IsTransient(Transient(errors.New("flaky"))))
	assert.Nil(t, Transient(nil))
}

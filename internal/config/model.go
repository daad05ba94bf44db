package config

import (
	"time"

	"github.com/zclconf/go-cty/cty"
)

// DefaultDateStampLayout is the Go reference-time layout applied to jobs
// that do not set one. Numeric fields only, so formatted stamps have a
// fixed width and can be sliced back out of filenames.
const DefaultDateStampLayout = "20060102-150405"

// VerifyMode controls the verify-local pipeline stage.
type VerifyMode string

const (
	// VerifyOff skips local verification.
	VerifyOff VerifyMode = "off"
	// VerifyWarn verifies and records a warning on mismatch.
	VerifyWarn VerifyMode = "warn"
	// VerifyGate verifies and, on mismatch, skips the transfer stage.
	VerifyGate VerifyMode = "gate"
)

// Job is the immutable definition of one backup job, loaded once per run
// from the catalogue and read-only thereafter.
type Job struct {
	Name            string
	SourcePaths     []string
	StagingDir      string
	ArchiveBaseName string
	DateStampFormat string
	DependsOn       []string
	Targets         []string

	LocalKeepCount           int
	DeleteLocalAfterTransfer bool
	TreatWarningsAsSuccess   bool
	// ToleratePartialTransfer allows job-level transfer success (and the
	// staged-archive delete) when only some targets succeeded. Defaults
	// fail-closed.
	ToleratePartialTransfer bool

	UseSnapshot bool
	Checksum    bool
	Verify      VerifyMode
	// SplitSizeMB splits the archive into numbered volume parts of this
	// size. 0 keeps a single file.
	SplitSizeMB int

	PreCommand  string
	PostCommand string

	// Disabled jobs are excluded from "all jobs" requests; naming one
	// explicitly is a catalogue error.
	Disabled bool
}

// Target is a named remote (or alternate local) destination. Settings
// are provider-specific and stay as generic cty values; each provider
// reads the keys it understands.
type Target struct {
	Name string
	Kind string
	// KeepCount enables remote retention after a successful transfer.
	// 0 means never delete remotely.
	KeepCount     int
	RetryAttempts int
	RetryDelay    time.Duration
	Settings      map[string]cty.Value
}

// StringSetting returns a provider setting as a string, with ok=false
// when the key is absent or not a string.
func (t *Target) StringSetting(name string) (string, bool) {
	v, ok := t.Settings[name]
	if !ok || v.Type() != cty.String || v.IsNull() {
		return "", false
	}
	return v.AsString(), true
}

// Set is a named group of jobs executed together under one failure
// policy.
type Set struct {
	Name        string
	Jobs        []string
	StopOnError bool
}

// Model is the resolved catalogue: every job, target, and set definition,
// with the catalogue's original job order preserved (execution-order tie
// breaking depends on it).
type Model struct {
	Jobs    []*Job
	Targets map[string]*Target
	Sets    map[string]*Set

	jobIndex map[string]int
}

// NewModel builds a Model from loaded definitions and validates the
// cross-references a loader cannot see file-locally: unique job names and
// known target/set references.
func NewModel(jobs []*Job, targets map[string]*Target, sets map[string]*Set) (*Model, error) {
	m := &Model{
		Jobs:     jobs,
		Targets:  targets,
		Sets:     sets,
		jobIndex: make(map[string]int, len(jobs)),
	}
	if m.Targets == nil {
		m.Targets = make(map[string]*Target)
	}
	if m.Sets == nil {
		m.Sets = make(map[string]*Set)
	}
	for i, job := range jobs {
		if _, dup := m.jobIndex[job.Name]; dup {
			return nil, Errorf("duplicate job name %q", job.Name)
		}
		m.jobIndex[job.Name] = i
		for _, tn := range job.Targets {
			if _, ok := m.Targets[tn]; !ok {
				return nil, Errorf("job %q references unknown target %q", job.Name, tn)
			}
		}
	}
	for _, set := range m.Sets {
		for _, jn := range set.Jobs {
			if _, ok := m.jobIndex[jn]; !ok {
				return nil, Errorf("set %q references unknown job %q", set.Name, jn)
			}
		}
	}
	return m, nil
}

// JobByName looks a job up by its unique name.
func (m *Model) JobByName(name string) (*Job, bool) {
	i, ok := m.jobIndex[name]
	if !ok {
		return nil, false
	}
	return m.Jobs[i], true
}

// JobIndex returns the catalogue position of a job name, used for
// deterministic ordering. The second return is false for unknown names.
func (m *Model) JobIndex(name string) (int, bool) {
	i, ok := m.jobIndex[name]
	return i, ok
}

// TargetsFor resolves a job's target names against the catalogue, in the
// job's configured order.
func (m *Model) TargetsFor(job *Job) []*Target {
	targets := make([]*Target, 0, len(job.Targets))
	for _, tn := range job.Targets {
		if t, ok := m.Targets[tn]; ok {
			targets = append(targets, t)
		}
	}
	return targets
}

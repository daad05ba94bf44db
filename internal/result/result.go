// Package result holds the outcome types produced by a run: per-stage
// outcomes, per-target transfer results, and the job/set/run aggregates
// with their worst-of merge rules.
package result

import (
	"time"

	"github.com/google/uuid"
)

// StageOutcome records how one pipeline stage ended for a job.
type StageOutcome struct {
	Stage  string
	Status Status
	Err    error
}

// TransferResult is the outcome of shipping one job's archive to one
// named target.
type TransferResult struct {
	TargetName       string
	Success          bool
	RemoteLocations  []string
	BytesTransferred int64
	Err              error
	RetryAttempts    int
	// Warnings collects degraded-but-not-fatal conditions, such as a
	// failed remote retention pass after a successful transfer.
	Warnings []string
}

// JobResult is the finalized record of one job's trip through the
// pipeline. It is mutated by the pipeline runner while the job is live
// and owned exclusively by the aggregator afterwards.
type JobResult struct {
	JobName   string
	Status    Status
	Stages    []StageOutcome
	Transfers []TransferResult
	Err       error
	StartTime time.Time
	EndTime   time.Time
}

// RecordStage appends a stage outcome.
func (r *JobResult) RecordStage(stage string, status Status, err error) {
	r.Stages = append(r.Stages, StageOutcome{Stage: stage, Status: status, Err: err})
}

// StageStatus returns the recorded status for a named stage, or
// StatusSkipped if the stage never recorded an outcome.
func (r *JobResult) StageStatus(stage string) Status {
	for _, s := range r.Stages {
		if s.Stage == stage {
			return s.Status
		}
	}
	return StatusSkipped
}

// Finalize computes the job's terminal status as the worst stage outcome,
// applying the treat-warnings-as-success override: when set and the only
// degradation is warnings, the job reports Success while the stage detail
// keeps the warnings visible.
func (r *JobResult) Finalize(treatWarningsAsSuccess bool) {
	status := StatusSuccess
	for _, s := range r.Stages {
		status = status.Worse(s.Status)
	}
	if status == StatusWarnings && treatWarningsAsSuccess {
		status = StatusSuccess
	}
	r.Status = status
	r.EndTime = time.Now()
}

// SetResult aggregates the jobs of one set.
type SetResult struct {
	SetName      string
	Status       Status
	Jobs         []*JobResult
	StoppedEarly bool
}

// Merge folds one finished job into the set's running status.
func (s *SetResult) Merge(job *JobResult) {
	s.Jobs = append(s.Jobs, job)
	s.Status = s.Status.Worse(job.Status)
}

// RunResult wraps one or more set results (an ad-hoc job list runs as a
// single anonymous set).
type RunResult struct {
	ID        string
	Simulated bool
	Status    Status
	Sets      []*SetResult
	StartTime time.Time
	EndTime   time.Time
}

// NewRunResult creates a run record with a fresh ID.
func NewRunResult(simulated bool) *RunResult {
	return &RunResult{
		ID:        uuid.NewString(),
		Simulated: simulated,
		Status:    StatusSuccess,
		StartTime: time.Now(),
	}
}

// Merge folds one finished set into the run's running status.
func (r *RunResult) Merge(set *SetResult) {
	r.Sets = append(r.Sets, set)
	r.Status = r.Status.Worse(set.Status)
}

// Finalize stamps the end time and, for simulated runs that saw no
// warning or failure, replaces plain Success with SimulatedComplete.
func (r *RunResult) Finalize() {
	r.EndTime = time.Now()
	if r.Simulated && r.Status == StatusSuccess {
		r.Status = StatusSimulated
	}
}

package result

// Status is the terminal condition of a stage, job, set, or run.
type Status int

const (
	// StatusSuccess means everything the unit attempted worked.
	StatusSuccess Status = iota
	// StatusSimulated is the run-level terminal status of a dry run in
	// which nothing degraded. Scripting callers treat it like success but
	// post-run actions branch on the distinction.
	StatusSimulated
	// StatusSkipped means the unit never ran (policy, gating, or an
	// earlier terminal failure).
	StatusSkipped
	// StatusWarnings means the unit completed but something degraded
	// (remote retention failure, tolerated partial transfer, hook noise).
	StatusWarnings
	// StatusFailure means the unit's primary purpose was not achieved.
	StatusFailure
)

// String renders the status for logs and summary lines.
func (s Status) String() string {
	switch s {
	case StatusSuccess:
		return "success"
	case StatusSimulated:
		return "simulated-complete"
	case StatusSkipped:
		return "skipped"
	case StatusWarnings:
		return "warnings"
	case StatusFailure:
		return "failure"
	default:
		return "unknown"
	}
}

// severity orders statuses for the worst-of merge. Skipped and Simulated
// carry no badness of their own.
func (s Status) severity() int {
	switch s {
	case StatusWarnings:
		return 1
	case StatusFailure:
		return 2
	default:
		return 0
	}
}

// Worse returns the more severe of the two statuses under the merge
// ordering Failure > Warnings > everything else. When neither side
// carries badness the receiver wins, so an accumulator seeded with
// Success stays Success across Skipped and Simulated inputs.
func (s Status) Worse(other Status) Status {
	if other.severity() > s.severity() {
		return other
	}
	return s
}

// ExitCode maps a terminal status onto the closed set of process exit
// codes consumed by scripting callers.
func (s Status) ExitCode() int {
	switch s {
	case StatusSuccess, StatusSimulated, StatusSkipped:
		return 0
	case StatusWarnings:
		return 1
	default:
		return 2
	}
}

// ExitCodeConfigError is returned when the catalogue itself is invalid
// and no job executed. Kept distinct from job failure so callers can
// tell a bad catalogue from a bad backup.
const ExitCodeConfigError = 3

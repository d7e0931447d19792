package models

import "time"

type RunStatus string

const (
	RunStatusRunning RunStatus = "running"
	RunStatusBlocked RunStatus = "blocked"
	RunStatusDone    RunStatus = "done"
	RunStatusFailed  RunStatus = "failed"
)

// Terminal reports whether a run has reached a final state. Terminal
// runs are never re-examined by reconcile sweeps.
func (s RunStatus) Terminal() bool {
	return s == RunStatusDone || s == RunStatusFailed
}

type Run struct {
	ID            int64
	CreatedAt     time.Time
	CompletedAt   *time.Time
	Worker        string
	JobID         string
	SpecID        string
	TodoID        string
	Workdir       string
	EngineDB      string
	Branch        string
	RepoURL       string
	RepoRef       string
	CLIVersion    string
	HostOS        string
	BinaryHash    string
	GitSHA        string
	Status        RunStatus
	ExitCode      *int
	FailureReason string
	BlockedTask   string
}

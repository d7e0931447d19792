package models

import "time"

// JobStatus is the run-level status column of the remote engine's
// database. The engine owns these values; burns only reads them.
type JobStatus string

const (
	JobRunning         JobStatus = "running"
	JobWaitingApproval JobStatus = "waiting-approval"
	JobFinished        JobStatus = "finished"
	JobFailed          JobStatus = "failed"
	JobCancelled       JobStatus = "cancelled"
)

func (s JobStatus) Terminal() bool {
	return s == JobFinished || s == JobFailed || s == JobCancelled
}

// Resumable reports whether a job in this status is worth re-entering.
// Finished and cancelled jobs are history; a waiting-approval job is
// parked on a human gate, and resuming it would barge past the gate.
func (s JobStatus) Resumable() bool {
	return s == JobRunning || s == JobFailed
}

type NodeState string

const (
	NodePending    NodeState = "pending"
	NodeInProgress NodeState = "in-progress"
	NodeFinished   NodeState = "finished"
	NodeBlocked    NodeState = "blocked"
	NodeFailed     NodeState = "failed"
)

// TaskNode is one row of the engine's nodes table. IDs follow the
// engine's "<seq>:<kind>" convention, e.g. "16:impl" or "16:val".
type TaskNode struct {
	ID    string
	State NodeState
}

const (
	ReportOK      = "ok"
	ReportBlocked = "blocked"
	ReportFailed  = "failed"
)

// TaskReport is one row of the engine's task_reports table, written by
// validation nodes when they finish or give up on a task.
type TaskReport struct {
	TaskID string
	NodeID string
	Status string
	Issues string
	Next   string
}

// Heartbeat is the JSON document the engine rewrites on every loop
// iteration while a job is alive.
type Heartbeat struct {
	Ts    time.Time `json:"ts"`
	Task  string    `json:"task,omitempty"`
	Phase string    `json:"phase,omitempty"`
}

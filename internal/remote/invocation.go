package remote

import (
	"context"
	"fmt"
	"path"
	"strings"

	"burns/internal/worker"
)

// Environment the engine reads at startup. Dispatch and resume both
// go through StartCommand, so a re-entered job sees exactly the
// bindings a fresh one does.
const (
	EnvRunID     = "SMITHERS_RUN_ID"
	EnvDB        = "SMITHERS_DB"
	EnvBranch    = "SMITHERS_BRANCH"
	EnvReportDir = "SMITHERS_REPORT_DIR"
)

// engineBin resolves through the worker's login PATH.
const engineBin = "smithers"

// Workflow variants, looked up in the job's working directory. The
// engine may rewrite its plan into the dynamic variant mid-job; when
// both exist the dynamic one carries the later intent.
const (
	WorkflowDynamic = "smithers.dynamic.yaml"
	WorkflowDefault = "smithers.yaml"
)

// Job carries everything needed to start, or re-enter, a dispatched
// job on its worker.
type Job struct {
	Worker     string
	JobID      string
	Workdir    string
	ControlDir string
	EngineDB   string
	Branch     string
}

func (j Job) exports() string {
	pairs := []string{
		EnvRunID + "=" + worker.ShellQuote(j.JobID),
		EnvDB + "=" + worker.ShellQuote(j.EngineDB),
		EnvBranch + "=" + worker.ShellQuote(j.Branch),
		EnvReportDir + "=" + worker.ShellQuote(ReportDir(j.ControlDir)),
	}
	return "export " + strings.Join(pairs, " ")
}

// StartCommand builds the engine's one and only entry point. There is
// deliberately no re-entry variant: after a crash the same command is
// issued again and the engine rebuilds its position from its own
// database. Anything shaped like a separate resume verb eventually
// forks a duplicate job.
func (j Job) StartCommand(workflow string) string {
	return fmt.Sprintf("cd %s && %s && %s run --workflow %s",
		worker.ShellQuote(j.Workdir), j.exports(), engineBin, worker.ShellQuote(workflow))
}

// DetachedCommand wraps StartCommand for dispatch: the engine must
// survive the transport session, its output lands in the job log, and
// its pid is recorded for later liveness probes. bash execs the final
// command of -c, so $! is the engine itself, not a wrapper shell.
func (j Job) DetachedCommand(workflow string) string {
	return fmt.Sprintf("mkdir -p %s %s && nohup bash -c %s >> %s 2>&1 & echo $! > %s",
		worker.ShellQuote(path.Join(j.ControlDir, EngineDirName)),
		worker.ShellQuote(ReportDir(j.ControlDir)),
		worker.ShellQuote(j.StartCommand(workflow)),
		worker.ShellQuote(LogPath(j.ControlDir)),
		worker.ShellQuote(PidPath(j.ControlDir)))
}

// SelectWorkflow picks the workflow file for an invocation, preferring
// the dynamic variant when the engine has produced one.
func SelectWorkflow(ctx context.Context, p *Prober, w, workdir string) string {
	if p.FileExists(ctx, w, path.Join(workdir, WorkflowDynamic)) {
		return WorkflowDynamic
	}
	return WorkflowDefault
}

// Package remote knows the on-worker layout of a dispatched job and
// provides typed access to the evidence and state a job leaves behind.
// Nothing here keeps a connection open; every operation is a single
// transport round trip.
package remote

import "path"

// Artifact names under a job's control directory. The engine writes
// heartbeat.json and exit_code; the dispatch wrapper writes
// smithers.pid; burns itself only ever writes under reports/ and the
// resume lock.
const (
	PidFile       = "smithers.pid"
	HeartbeatFile = "heartbeat.json"
	ExitCodeFile  = "exit_code"
	LogFile       = "smithers.log"
	LockFile      = "resume.lock"
	EngineDirName = ".smithers"
	ReportDirName = "reports"
	FeedbackFile  = "human-feedback.json"
	GateFile      = "human-gate.json"
)

// ControlDir derives where a job's runtime artifacts live on the
// worker: <root>/<worker>/.runs/<job dirname>. The convention is
// fixed so every subsystem can find a job from its ledger row alone.
func ControlDir(root, workerName, workdir string) string {
	return path.Join(root, workerName, ".runs", path.Base(workdir))
}

func PidPath(ctl string) string       { return path.Join(ctl, PidFile) }
func HeartbeatPath(ctl string) string { return path.Join(ctl, HeartbeatFile) }
func ExitCodePath(ctl string) string  { return path.Join(ctl, ExitCodeFile) }
func LogPath(ctl string) string       { return path.Join(ctl, LogFile) }
func LockPath(ctl string) string      { return path.Join(ctl, LockFile) }
func ReportDir(ctl string) string     { return path.Join(ctl, ReportDirName) }
func FeedbackPath(ctl string) string  { return path.Join(ctl, ReportDirName, FeedbackFile) }
func GatePath(ctl string) string      { return path.Join(ctl, ReportDirName, GateFile) }

// EngineDBPath names the engine's database for a job. The engine keys
// its database by spec when it has one, by job id otherwise.
func EngineDBPath(ctl, specID, jobID string) string {
	name := specID
	if name == "" {
		name = jobID
	}
	return path.Join(ctl, EngineDirName, name+".db")
}

package resume

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"testing"

	"go.uber.org/zap"

	"burns/internal/config"
	"burns/internal/ledger"
	"burns/internal/models"
	"burns/internal/remote"
	"burns/internal/worker/workertest"
)

var errExit1 = errors.New("exit status 1")

type fixture struct {
	resumer *Resumer
	ledger  *ledger.Ledger
	fake    *workertest.Fake
	out     *bytes.Buffer
	runID   int64
	job     remote.Job
}

// newFixture seeds one failed run on agent-1 ready to be resumed.
func newFixture(t *testing.T, fake *workertest.Fake) *fixture {
	t.Helper()

	l, err := ledger.New(filepath.Join(t.TempDir(), "burns.db"))
	if err != nil {
		t.Fatalf("ledger: %v", err)
	}
	t.Cleanup(func() { l.Close() })

	cfg := &config.Config{RemoteRoot: "/home/agent/work", MaxEntryBytes: 500_000}
	out := &bytes.Buffer{}

	workdir := "/home/agent/work/agent-1/src/billing-api-j-feed1234"
	ctl := remote.ControlDir(cfg.RemoteRoot, "agent-1", workdir)
	id, err := l.CreateRun(&models.Run{
		Worker:  "agent-1",
		JobID:   "j-feed1234",
		SpecID:  "billing-api",
		Workdir: workdir,
		Branch:  "burns/j-feed1234",
		Status:  models.RunStatusRunning,
	})
	if err != nil {
		t.Fatalf("CreateRun: %v", err)
	}
	one := 1
	if _, err := l.MarkOutcome(id, models.RunStatusFailed, &one, "stale_process", ""); err != nil {
		t.Fatalf("MarkOutcome: %v", err)
	}

	return &fixture{
		resumer: New(l, fake, cfg, zap.NewNop(), out),
		ledger:  l,
		fake:    fake,
		out:     out,
		runID:   id,
		job: remote.Job{
			Worker:     "agent-1",
			JobID:      "j-feed1234",
			Workdir:    workdir,
			ControlDir: ctl,
			EngineDB:   remote.EngineDBPath(ctl, "billing-api", "j-feed1234"),
			Branch:     "burns/j-feed1234",
		},
	}
}

func callIndex(t *testing.T, calls []workertest.Call, substr string) int {
	t.Helper()
	for i, c := range calls {
		if strings.Contains(c.Command, substr) {
			return i
		}
	}
	t.Fatalf("no call matching %q in %d calls", substr, len(calls))
	return -1
}

// The regression this whole package exists to prevent: re-entry must
// be the dispatch invocation, not a separate resume verb, and the
// stuck-task reset must land before it.
func TestResumeReentersThroughTheDispatchEntryPoint(t *testing.T) {
	t.Parallel()

	fake := &workertest.Fake{Responses: []workertest.Response{
		{Match: "smithers.dynamic.yaml", Err: errExit1},
		{Match: "SELECT id, status FROM runs", Out: `[{"id":5,"status":"failed"}]`},
		{Match: "user_version", Out: `[{"user_version":3}]`},
		{Match: "SELECT status FROM runs", Out: `[{"status":"failed"}]`},
		{Match: "SELECT id, state FROM nodes", Out: `[{"id":"15:impl","state":"finished"},{"id":"16:impl","state":"in-progress"},{"id":"16:val","state":"pending"}]`},
		{Match: "BEGIN IMMEDIATE", Out: `[{"id":"16:impl"}]`},
		{Match: "set -C", Out: ""},
		{Match: "cat", Out: ""},
		{Match: "rm -f", Out: ""},
		{Match: "nohup bash -c", Out: ""},
		{Match: "test -f", Out: ""},
	}}
	f := newFixture(t, fake)

	if err := f.resumer.Resume(context.Background(), f.runID, Options{}); err != nil {
		t.Fatalf("Resume: %v", err)
	}

	launches := fake.CommandsMatching("smithers run")
	if len(launches) != 1 {
		t.Fatalf("engine launched %d times, want exactly 1", len(launches))
	}
	if want := f.job.DetachedCommand(remote.WorkflowDefault); launches[0] != want {
		t.Errorf("re-entry is not the dispatch invocation:\ngot  %s\nwant %s", launches[0], want)
	}
	if strings.Contains(launches[0], "resume") {
		t.Errorf("re-entry grew a resume verb: %s", launches[0])
	}

	calls := f.fake.Calls()
	reset := callIndex(t, calls, "BEGIN IMMEDIATE")
	lock := callIndex(t, calls, "set -C")
	clearOld := callIndex(t, calls, "rm -f '"+remote.ExitCodePath(f.job.ControlDir)+"'")
	launch := callIndex(t, calls, "nohup bash -c")
	if !(lock < reset && reset < clearOld && clearOld < launch) {
		t.Errorf("order wrong: lock=%d reset=%d clear=%d launch=%d", lock, reset, clearOld, launch)
	}

	run, err := f.ledger.GetRun(f.runID)
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	if run.Status != models.RunStatusRunning {
		t.Errorf("run status = %q, want running after re-entry", run.Status)
	}
	if run.ExitCode != nil || run.FailureReason != "" {
		t.Errorf("previous outcome not cleared: %+v", run)
	}
	if !strings.Contains(f.out.String(), "re-entered run") {
		t.Errorf("operator output missing confirmation: %q", f.out.String())
	}
}

func TestResumeRefusesWhileEngineAlive(t *testing.T) {
	t.Parallel()

	pidPath := "cat '" + remote.PidPath("/home/agent/work/agent-1/.runs/billing-api-j-feed1234") + "'"
	fake := &workertest.Fake{Responses: []workertest.Response{
		{Match: "smithers.dynamic.yaml", Err: errExit1},
		{Match: "SELECT id, status FROM runs", Out: `[{"id":5,"status":"running"}]`},
		{Match: "user_version", Out: `[{"user_version":3}]`},
		{Match: "SELECT status FROM runs", Out: `[{"status":"running"}]`},
		{Match: "SELECT id, state FROM nodes", Out: ""},
		{Match: "set -C", Out: ""},
		{Match: pidPath, Out: "4242\n"},
		{Match: "kill -0 4242", Out: ""},
		{Match: "cat", Out: ""},
		{Match: "rm -f", Out: ""},
		{Match: "test -f", Out: ""},
	}}
	f := newFixture(t, fake)

	err := f.resumer.Resume(context.Background(), f.runID, Options{})
	if err == nil || !strings.Contains(err.Error(), "alive") {
		t.Fatalf("err = %v, want alive refusal", err)
	}

	if n := len(fake.CommandsMatching("BEGIN IMMEDIATE")); n != 0 {
		t.Errorf("stuck tasks were reset despite a live engine (%d commands)", n)
	}
	if n := len(fake.CommandsMatching("nohup")); n != 0 {
		t.Errorf("engine relaunched despite being alive (%d commands)", n)
	}
	if n := len(fake.CommandsMatching("rm -f '" + remote.LockPath(f.job.ControlDir) + "'")); n != 1 {
		t.Errorf("lock not released on refusal (%d release commands)", n)
	}

	run, _ := f.ledger.GetRun(f.runID)
	if run.Status != models.RunStatusFailed {
		t.Errorf("run status = %q, want failed left untouched", run.Status)
	}
}

func TestResumeFailsClosedOnSchemaMismatch(t *testing.T) {
	t.Parallel()

	fake := &workertest.Fake{Responses: []workertest.Response{
		{Match: "smithers.dynamic.yaml", Err: errExit1},
		{Match: "SELECT id, status FROM runs", Out: `[{"id":5,"status":"failed"}]`},
		{Match: "user_version", Out: `[{"user_version":4}]`},
		{Match: "cat", Out: ""},
		{Match: "test -f", Out: ""},
	}}
	f := newFixture(t, fake)

	err := f.resumer.Resume(context.Background(), f.runID, Options{})
	if err == nil || !strings.Contains(err.Error(), "schema") {
		t.Fatalf("err = %v, want schema refusal", err)
	}

	for _, fragment := range []string{"BEGIN IMMEDIATE", "UPDATE", "rm -f", "nohup", "set -C"} {
		if n := len(fake.CommandsMatching(fragment)); n != 0 {
			t.Errorf("%q issued despite schema mismatch", fragment)
		}
	}
}

func TestResumeFreshStartWhenNoEngineDB(t *testing.T) {
	t.Parallel()

	fake := &workertest.Fake{Responses: []workertest.Response{
		{Match: "smithers.dynamic.yaml", Out: ""}, // dynamic variant present
		{Match: "set -C", Out: ""},
		{Match: "cat", Out: ""},
		{Match: "rm -f", Out: ""},
		{Match: "nohup bash -c", Out: ""},
		{Match: "test -f", Err: errExit1}, // no engine database
	}}
	f := newFixture(t, fake)

	if err := f.resumer.Resume(context.Background(), f.runID, Options{}); err != nil {
		t.Fatalf("Resume: %v", err)
	}

	if n := len(fake.CommandsMatching("sqlite3")); n != 0 {
		t.Errorf("engine db queried despite not existing (%d commands)", n)
	}
	launches := fake.CommandsMatching("nohup bash -c")
	if len(launches) != 1 {
		t.Fatalf("launches = %d, want 1", len(launches))
	}
	if want := f.job.DetachedCommand(remote.WorkflowDynamic); launches[0] != want {
		t.Errorf("fresh start should pick the dynamic workflow:\ngot  %s\nwant %s", launches[0], want)
	}
	if !strings.Contains(f.out.String(), "starting from the beginning") {
		t.Errorf("out = %q", f.out.String())
	}
}

func TestResumeRefusesDoneRuns(t *testing.T) {
	t.Parallel()

	fake := &workertest.Fake{}
	f := newFixture(t, fake)
	if _, err := f.ledger.RestartRun(f.runID); err != nil {
		t.Fatalf("RestartRun: %v", err)
	}
	if _, err := f.ledger.MarkOutcome(f.runID, models.RunStatusDone, nil, "", ""); err != nil {
		t.Fatalf("MarkOutcome: %v", err)
	}

	err := f.resumer.Resume(context.Background(), f.runID, Options{})
	if err == nil || !strings.Contains(err.Error(), "done") {
		t.Fatalf("err = %v, want done refusal", err)
	}
	if n := len(fake.Calls()); n != 0 {
		t.Errorf("worker touched for a done run (%d calls)", n)
	}
}

func TestResumeLockContention(t *testing.T) {
	t.Parallel()

	fake := &workertest.Fake{Responses: []workertest.Response{
		{Match: "set -C", Err: errors.New("cannot create: file exists")},
		{Match: "find", Out: ""}, // lock is recent
		{Match: "cat '" + remote.LockPath("/home/agent/work/agent-1/.runs/billing-api-j-feed1234") + "'", Out: "ops-laptop pid=912 2026-08-21T11:58:00Z"},
		{Match: "cat", Out: ""},
		{Match: "test -f", Err: errExit1},
	}}
	f := newFixture(t, fake)

	err := f.resumer.Resume(context.Background(), f.runID, Options{})
	if err == nil || !strings.Contains(err.Error(), "another resume holds") {
		t.Fatalf("err = %v, want lock contention", err)
	}
	if n := len(fake.CommandsMatching("nohup")); n != 0 {
		t.Error("job relaunched despite held lock")
	}
	if n := len(fake.CommandsMatching("rm -f")); n != 0 {
		t.Error("foreign lock must not be removed")
	}
}

func TestResumeBreaksStaleLock(t *testing.T) {
	t.Parallel()

	lockPath := remote.LockPath("/home/agent/work/agent-1/.runs/billing-api-j-feed1234")
	fake := &workertest.Fake{Responses: []workertest.Response{
		{Match: "smithers.dynamic.yaml", Err: errExit1},
		{Match: "set -C", Err: errors.New("cannot create: file exists"), Once: true},
		{Match: "find", Out: lockPath + "\n"}, // older than the stale cutoff
		{Match: "set -C", Out: ""},
		{Match: "cat", Out: ""},
		{Match: "rm -f", Out: ""},
		{Match: "nohup bash -c", Out: ""},
		{Match: "test -f", Err: errExit1},
	}}
	f := newFixture(t, fake)

	if err := f.resumer.Resume(context.Background(), f.runID, Options{}); err != nil {
		t.Fatalf("Resume: %v", err)
	}

	if n := len(fake.CommandsMatching("set -C")); n != 2 {
		t.Errorf("lock attempts = %d, want create, break, create again", n)
	}
	if n := len(fake.CommandsMatching("nohup bash -c")); n != 1 {
		t.Errorf("launches = %d, want 1", n)
	}
}

func TestResumeFixTruncatesBeforeReset(t *testing.T) {
	t.Parallel()

	fake := &workertest.Fake{Responses: []workertest.Response{
		{Match: "smithers.dynamic.yaml", Err: errExit1},
		{Match: "SELECT id, status FROM runs", Out: `[{"id":5,"status":"failed"}]`},
		{Match: "user_version", Out: `[{"user_version":3}]`},
		{Match: "SELECT status FROM runs", Out: `[{"status":"failed"}]`},
		{Match: "SELECT id, state FROM nodes", Out: `[{"id":"16:impl","state":"in-progress"}]`},
		{Match: "sqlite_master", Out: `[{"name":"node_results"},{"name":"kv_cache"},{"name":"nodes"}]`},
		{Match: "UPDATE node_results", Out: "[{\"n\":40}]\n[{\"n\":2}]"},
		{Match: "UPDATE kv_cache", Out: "[{\"n\":7}]\n[{\"n\":0}]"},
		{Match: "BEGIN IMMEDIATE", Out: `[{"id":"16:impl"}]`},
		{Match: "set -C", Out: ""},
		{Match: "cat", Out: ""},
		{Match: "rm -f", Out: ""},
		{Match: "nohup bash -c", Out: ""},
		{Match: "test -f", Out: ""},
	}}
	f := newFixture(t, fake)

	if err := f.resumer.Resume(context.Background(), f.runID, Options{Fix: true}); err != nil {
		t.Fatalf("Resume: %v", err)
	}

	calls := fake.Calls()
	truncate := callIndex(t, calls, "UPDATE node_results")
	reset := callIndex(t, calls, "BEGIN IMMEDIATE")
	if truncate > reset {
		t.Errorf("truncation must run before the reset: truncate=%d reset=%d", truncate, reset)
	}
	if !strings.Contains(f.out.String(), "node_results: truncated 2 of 40") {
		t.Errorf("out = %q", f.out.String())
	}
}

func TestAnalyzeStateCountsAndNextTask(t *testing.T) {
	t.Parallel()

	// 18 task nodes: 15 finished, 16:impl wedged in-progress, two
	// still pending. The next task is the wedged one, since the reset
	// is about to hand it back.
	var rows []string
	for i := 1; i <= 15; i++ {
		rows = append(rows, fmt.Sprintf(`{"id":"%d:impl","state":"finished"}`, i))
	}
	rows = append(rows,
		`{"id":"16:impl","state":"in-progress"}`,
		`{"id":"16:val","state":"pending"}`,
		`{"id":"17:impl","state":"pending"}`,
	)

	fake := &workertest.Fake{Responses: []workertest.Response{
		{Match: "SELECT status FROM runs", Out: `[{"status":"running"}]`},
		{Match: "SELECT id, state FROM nodes", Out: "[" + strings.Join(rows, ",") + "]"},
	}}
	f := newFixture(t, fake)

	st := f.resumer.AnalyzeState(context.Background(), "agent-1", "/db", 5)
	if st.Total != 18 || st.Finished != 15 {
		t.Errorf("counts = %d/%d, want 18 total 15 finished", st.Total, st.Finished)
	}
	if len(st.Stuck) != 1 || st.Stuck[0] != "16:impl" {
		t.Errorf("Stuck = %v", st.Stuck)
	}
	if len(st.Pending) != 2 {
		t.Errorf("Pending = %v", st.Pending)
	}
	if st.NextTask != "16:impl" {
		t.Errorf("NextTask = %q, want the wedged task", st.NextTask)
	}
	if st.Status != models.JobRunning {
		t.Errorf("Status = %q", st.Status)
	}
}

func TestAnalyzeStateNeverFails(t *testing.T) {
	t.Parallel()

	fake := &workertest.Fake{Responses: []workertest.Response{
		{Match: "sqlite3", Err: errors.New("database disk image is malformed")},
	}}
	f := newFixture(t, fake)

	st := f.resumer.AnalyzeState(context.Background(), "agent-1", "/db", 7)
	if st == nil {
		t.Fatal("AnalyzeState returned nil")
	}
	if st.JobID != 7 {
		t.Errorf("JobID = %d, want preserved", st.JobID)
	}
	if st.Total != 0 || st.NextTask != "" || st.Status != "" {
		t.Errorf("damaged database must read as zeroed state: %+v", st)
	}
}

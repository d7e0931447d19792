package watch

import (
	"bytes"
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"

	"burns/internal/config"
	"burns/internal/ledger"
	"burns/internal/models"
	"burns/internal/notify"
	"burns/internal/reconcile"
	"burns/internal/remote"
	"burns/internal/worker/workertest"
)

const blockedRow = `[{"task_id":"3:impl","node_id":"3:impl","status":"blocked","issues":"needs db credentials","next":"await human input"}]`

func intp(v int) *int { return &v }

type recorder struct {
	events []notify.Event
}

func (r *recorder) Notify(_ context.Context, ev notify.Event) error {
	r.events = append(r.events, ev)
	return nil
}

type fixture struct {
	t       *testing.T
	ledger  *ledger.Ledger
	fake    *workertest.Fake
	watcher *Watcher
	rec     *recorder
	out     *bytes.Buffer
	sleeps  int
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	led, err := ledger.New(filepath.Join(t.TempDir(), "burns.db"))
	if err != nil {
		t.Fatalf("opening ledger: %v", err)
	}
	t.Cleanup(func() { led.Close() })

	f := &fixture{
		t:      t,
		ledger: led,
		fake:   &workertest.Fake{},
		rec:    &recorder{},
		out:    &bytes.Buffer{},
	}
	cfg := &config.Config{
		RemoteRoot:         "/home/agent/work",
		HeartbeatThreshold: config.DefaultHeartbeatThreshold,
	}
	f.watcher = New(led, f.fake, cfg, zap.NewNop(), f.rec, f.out)
	f.watcher.sleep = func(context.Context, time.Duration) error {
		f.sleeps++
		return nil
	}
	return f
}

func (f *fixture) seedRun() *models.Run {
	f.t.Helper()
	run := &models.Run{
		Worker:   "agent-1",
		JobID:    "j-aa11bb22",
		SpecID:   "billing-api",
		Workdir:  "/home/agent/work/agent-1/src/billing-api-j-aa11bb22",
		EngineDB: "/home/agent/work/agent-1/.runs/billing-api-j-aa11bb22/.smithers/billing-api.db",
		Branch:   "burns/j-aa11bb22",
		Status:   models.RunStatusRunning,
	}
	id, err := f.ledger.CreateRun(run)
	if err != nil {
		f.t.Fatalf("seeding run: %v", err)
	}
	run.ID = id
	return run
}

func freshHeartbeat() string {
	return fmt.Sprintf(`{"ts":%q,"task":"2:val","phase":"coding"}`,
		time.Now().UTC().Format(time.RFC3339))
}

func TestEffectiveStatusPrecedence(t *testing.T) {
	t.Parallel()

	running := &models.Run{Status: models.RunStatusRunning}
	cases := []struct {
		name string
		u    Update
		want models.RunStatus
	}{
		{
			name: "settled ledger status wins",
			u:    Update{Run: &models.Run{Status: models.RunStatusFailed}, Report: &models.TaskReport{}},
			want: models.RunStatusFailed,
		},
		{
			name: "unreachable worker changes nothing",
			u:    Update{Run: running, Unreachable: true},
			want: models.RunStatusRunning,
		},
		{
			name: "verdict previews a failure",
			u:    Update{Run: running, Verdict: reconcile.Verdict{Status: models.RunStatusFailed}},
			want: models.RunStatusFailed,
		},
		{
			name: "verdict outranks a blocked report",
			u: Update{
				Run:     running,
				Verdict: reconcile.Verdict{Status: models.RunStatusDone, ExitCode: intp(0)},
				Report:  &models.TaskReport{TaskID: "3:impl"},
			},
			want: models.RunStatusDone,
		},
		{
			name: "blocked report previews as blocked",
			u: Update{
				Run:     running,
				Verdict: reconcile.Verdict{Status: models.RunStatusRunning},
				Report:  &models.TaskReport{TaskID: "3:impl"},
			},
			want: models.RunStatusBlocked,
		},
		{
			name: "no evidence stays running",
			u:    Update{Run: running, Verdict: reconcile.Verdict{Status: models.RunStatusRunning}},
			want: models.RunStatusRunning,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := tc.u.EffectiveStatus(); got != tc.want {
				t.Errorf("EffectiveStatus() = %s, want %s", got, tc.want)
			}
		})
	}
}

func TestRenderLineShowsEvidence(t *testing.T) {
	t.Parallel()

	at := time.Date(2025, 6, 1, 12, 30, 1, 0, time.UTC)
	u := &Update{
		Run: &models.Run{ID: 12, Status: models.RunStatusRunning},
		Evidence: &remote.Evidence{
			PID:      intp(4242),
			PIDAlive: true,
			Heartbeat: &models.Heartbeat{
				Ts:    at.Add(-12 * time.Second),
				Task:  "3:impl",
				Phase: "coding",
			},
		},
		Verdict:   reconcile.Verdict{Status: models.RunStatusRunning},
		JobStatus: models.JobRunning,
		Tasks: []models.TaskNode{
			{ID: "1:impl", State: models.NodeFinished},
			{ID: "2:val", State: models.NodeFinished},
			{ID: "3:impl", State: models.NodeInProgress},
		},
		At: at,
	}

	line := RenderLine(u)
	for _, want := range []string{
		"12:30:01", "run 12", "running",
		"pid 4242 alive", "hb 12s ago (3:impl/coding)",
		"engine running", "tasks 2/3",
	} {
		if !strings.Contains(line, want) {
			t.Errorf("line missing %q: %q", want, line)
		}
	}
}

func TestRenderLineShowsBlockedReport(t *testing.T) {
	t.Parallel()

	u := &Update{
		Run:     &models.Run{ID: 3, Status: models.RunStatusRunning},
		Verdict: reconcile.Verdict{Status: models.RunStatusRunning},
		Report:  &models.TaskReport{TaskID: "3:impl", Status: models.ReportBlocked, Issues: "needs db credentials"},
		At:      time.Date(2025, 6, 1, 12, 30, 1, 0, time.UTC),
	}
	line := RenderLine(u)
	if !strings.Contains(line, "blocked on 3:impl: needs db credentials") {
		t.Errorf("line = %q", line)
	}
}

func TestRenderLineUnreachable(t *testing.T) {
	t.Parallel()

	u := &Update{
		Run:         &models.Run{ID: 3, Status: models.RunStatusRunning},
		Unreachable: true,
		At:          time.Date(2025, 6, 1, 12, 30, 1, 0, time.UTC),
	}
	if line := RenderLine(u); !strings.Contains(line, "worker unreachable") {
		t.Errorf("line = %q", line)
	}
}

func TestTrackerFiresOnTransitions(t *testing.T) {
	t.Parallel()

	run := &models.Run{ID: 5, Worker: "agent-1", Status: models.RunStatusRunning}
	at := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	runningU := &Update{Run: run, Verdict: reconcile.Verdict{Status: models.RunStatusRunning}, JobStatus: models.JobRunning, At: at}

	tr := &tracker{}
	if events := tr.observe(runningU); len(events) != 0 {
		t.Fatalf("baseline observation fired %d events", len(events))
	}
	if events := tr.observe(runningU); len(events) != 0 {
		t.Fatalf("steady state fired %d events", len(events))
	}

	blockedU := &Update{
		Run:       run,
		Verdict:   reconcile.Verdict{Status: models.RunStatusRunning},
		JobStatus: models.JobRunning,
		Report:    &models.TaskReport{TaskID: "3:impl", Status: models.ReportBlocked, Issues: "needs db credentials"},
		At:        at.Add(30 * time.Second),
	}
	events := tr.observe(blockedU)
	if len(events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(events))
	}
	ev := events[0]
	if ev.From != "running" || ev.To != "blocked" || ev.Reason != "needs db credentials" {
		t.Errorf("event = %+v", ev)
	}
	if ev.RunID != 5 || ev.Worker != "agent-1" {
		t.Errorf("event identity = %+v", ev)
	}
}

func TestTrackerReportsEngineTransitions(t *testing.T) {
	t.Parallel()

	run := &models.Run{ID: 5, Worker: "agent-1", Status: models.RunStatusRunning}
	tr := &tracker{}

	tr.observe(&Update{Run: run, Verdict: reconcile.Verdict{Status: models.RunStatusRunning}, JobStatus: models.JobRunning})
	events := tr.observe(&Update{Run: run, Verdict: reconcile.Verdict{Status: models.RunStatusRunning}, JobStatus: models.JobWaitingApproval})

	if len(events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(events))
	}
	if events[0].From != "engine running" || events[0].To != "engine waiting-approval" {
		t.Errorf("event = %+v", events[0])
	}
}

func TestFollowAnnouncesBlockedTransition(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	run := f.seedRun()

	f.fake.Responses = []workertest.Response{
		{Match: "exit_code", Out: ""},
		{Match: "heartbeat.json", Out: freshHeartbeat()},
		{Match: "smithers.pid", Out: "4242"},
		{Match: "kill -0", Out: ""},
		{Match: "FROM runs", Out: `[{"id":7,"status":"running"}]`},
		{Match: "FROM nodes", Out: `[{"id":"1:impl","state":"finished"},{"id":"2:val","state":"in-progress"}]`},
		{Match: "task_reports", Out: "", Once: true},
		{Match: "task_reports", Out: blockedRow},
	}

	if err := f.watcher.Follow(context.Background(), run.ID, time.Second, false); err != nil {
		t.Fatalf("Follow: %v", err)
	}

	if f.sleeps != 1 {
		t.Errorf("expected 1 sleep between readings, got %d", f.sleeps)
	}
	lines := strings.Split(strings.TrimRight(f.out.String(), "\n"), "\n")
	if len(lines) != 2 {
		t.Fatalf("expected 2 rendered readings, got %d: %q", len(lines), f.out.String())
	}
	if !strings.Contains(lines[1], "blocked on 3:impl") {
		t.Errorf("final reading = %q", lines[1])
	}

	if len(f.rec.events) != 1 {
		t.Fatalf("expected 1 notification, got %d", len(f.rec.events))
	}
	ev := f.rec.events[0]
	if ev.From != "running" || ev.To != "blocked" || ev.Reason != "needs db credentials" {
		t.Errorf("event = %+v", ev)
	}
}

func TestFollowOnceTakesASingleReading(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	run := f.seedRun()

	f.fake.Responses = []workertest.Response{
		{Match: "exit_code", Out: ""},
		{Match: "heartbeat.json", Out: freshHeartbeat()},
		{Match: "smithers.pid", Out: "4242"},
		{Match: "kill -0", Out: ""},
		{Match: "FROM runs", Out: `[{"id":7,"status":"running"}]`},
		{Match: "FROM nodes", Out: `[]`},
		{Match: "task_reports", Out: ""},
	}

	if err := f.watcher.Follow(context.Background(), run.ID, time.Second, true); err != nil {
		t.Fatalf("Follow: %v", err)
	}
	if f.sleeps != 0 {
		t.Errorf("once mode slept %d times", f.sleeps)
	}
	if len(f.rec.events) != 0 {
		t.Errorf("once mode fired %d events", len(f.rec.events))
	}
	if got := strings.Count(f.out.String(), "\n"); got != 1 {
		t.Errorf("expected a single reading, got %d lines", got)
	}
}

func TestFollowStopsWhenLedgerAlreadySettled(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	run := f.seedRun()
	if _, err := f.ledger.MarkOutcome(run.ID, models.RunStatusFailed, nil, "stale_process", ""); err != nil {
		t.Fatal(err)
	}

	f.fake.Responses = []workertest.Response{
		{Match: "exit_code", Out: ""},
		{Match: "heartbeat.json", Out: ""},
		{Match: "smithers.pid", Out: ""},
		{Match: "FROM runs", Out: ""},
		{Match: "task_reports", Out: ""},
	}

	if err := f.watcher.Follow(context.Background(), run.ID, time.Second, false); err != nil {
		t.Fatalf("Follow: %v", err)
	}
	if f.sleeps != 0 {
		t.Errorf("settled run should exit without sleeping, slept %d times", f.sleeps)
	}
	if !strings.Contains(f.out.String(), "failed") {
		t.Errorf("output = %q", f.out.String())
	}
}

func TestResolve(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	run := f.seedRun()

	byID, err := f.watcher.Resolve(run.ID, "")
	if err != nil || byID.ID != run.ID {
		t.Fatalf("Resolve by id: %v %v", byID, err)
	}
	byWorker, err := f.watcher.Resolve(0, "agent-1")
	if err != nil || byWorker.ID != run.ID {
		t.Fatalf("Resolve by worker: %v %v", byWorker, err)
	}
	if _, err := f.watcher.Resolve(0, ""); err == nil {
		t.Fatal("Resolve with nothing should error")
	}
	if _, err := f.watcher.Resolve(0, "agent-9"); err == nil {
		t.Fatal("Resolve of an unknown worker should error")
	}
}

// Package watch follows a single run: it re-reads remote evidence on
// an interval, previews what the next reconcile sweep would decide,
// and announces status transitions. Watching never writes to the
// ledger; the sweep owns that.
package watch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"go.uber.org/zap"

	"burns/internal/config"
	"burns/internal/ledger"
	"burns/internal/models"
	"burns/internal/notify"
	"burns/internal/reconcile"
	"burns/internal/remote"
	"burns/internal/worker"
)

// Update is one tick's combined view of a run: the ledger row, the
// control artifacts, and whatever the engine database would say.
type Update struct {
	Run         *models.Run
	Evidence    *remote.Evidence
	Verdict     reconcile.Verdict
	JobStatus   models.JobStatus
	Tasks       []models.TaskNode
	Report      *models.TaskReport
	Unreachable bool
	At          time.Time
}

// EffectiveStatus is the status a sweep would record right now: the
// ledger status unless the run is still open and the evidence already
// justifies an outcome. A blocked report previews as blocked, but only
// when no exit code outranks it.
func (u *Update) EffectiveStatus() models.RunStatus {
	if u.Run.Status != models.RunStatusRunning || u.Unreachable {
		return u.Run.Status
	}
	if u.Verdict.Status != models.RunStatusRunning {
		return u.Verdict.Status
	}
	if u.Report != nil {
		return models.RunStatusBlocked
	}
	return models.RunStatusRunning
}

type Watcher struct {
	ledger   *ledger.Ledger
	prober   *remote.Prober
	db       *remote.EngineDB
	cfg      *config.Config
	log      *zap.Logger
	notifier notify.Notifier
	out      io.Writer

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

func New(l *ledger.Ledger, t worker.Transport, cfg *config.Config, log *zap.Logger, n notify.Notifier, out io.Writer) *Watcher {
	return &Watcher{
		ledger:   l,
		prober:   remote.NewProber(t, log),
		db:       remote.NewEngineDB(t, log),
		cfg:      cfg,
		log:      log,
		notifier: n,
		out:      out,
		now:      time.Now,
		sleep:    sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Resolve picks the run to watch: an explicit id, or the newest run on
// a worker, preferring one still running.
func (w *Watcher) Resolve(runID int64, workerName string) (*models.Run, error) {
	if runID > 0 {
		return w.ledger.GetRun(runID)
	}
	if workerName != "" {
		return w.ledger.LatestRunForWorker(workerName)
	}
	return nil, errors.New("need a run id or a worker name")
}

// Observe takes one reading. The ledger row is re-read every tick so
// outcomes recorded by a concurrent sweep show up; the engine view is
// best effort, a locked or missing database just means fewer columns.
func (w *Watcher) Observe(ctx context.Context, runID int64) (*Update, error) {
	run, err := w.ledger.GetRun(runID)
	if err != nil {
		return nil, err
	}
	u := &Update{Run: run, At: w.now()}

	ctl := remote.ControlDir(w.cfg.RemoteRoot, run.Worker, run.Workdir)
	ev, err := w.prober.Collect(ctx, run.Worker, ctl)
	if err != nil {
		w.log.Debug("worker unreachable", zap.String("worker", run.Worker), zap.Error(err))
		u.Unreachable = true
		return u, nil
	}
	u.Evidence = ev
	u.Verdict = reconcile.Classify(ev, run.CreatedAt, u.At, w.cfg.HeartbeatThreshold)

	if jobID, status, err := w.db.LatestJob(ctx, run.Worker, run.EngineDB); err == nil {
		u.JobStatus = status
		if tasks, terr := w.db.TaskStates(ctx, run.Worker, run.EngineDB, jobID); terr == nil {
			u.Tasks = tasks
		}
		if report, rerr := w.db.BlockedReport(ctx, run.Worker, run.EngineDB); rerr == nil {
			u.Report = report
		}
	}
	return u, nil
}

// tracker turns a stream of updates into transition events. The first
// update only establishes the baseline; afterwards a change in the
// effective status fires, and failing that, a change in the engine's
// own job status does.
type tracker struct {
	started bool
	last    models.RunStatus
	lastJob models.JobStatus
}

func (t *tracker) observe(u *Update) []notify.Event {
	eff := u.EffectiveStatus()
	var events []notify.Event
	if t.started {
		switch {
		case eff != t.last:
			events = append(events, notify.Event{
				RunID:  u.Run.ID,
				Worker: u.Run.Worker,
				From:   string(t.last),
				To:     string(eff),
				Reason: transitionReason(u),
				At:     u.At,
			})
		case u.JobStatus != "" && t.lastJob != "" && u.JobStatus != t.lastJob:
			events = append(events, notify.Event{
				RunID:  u.Run.ID,
				Worker: u.Run.Worker,
				From:   "engine " + string(t.lastJob),
				To:     "engine " + string(u.JobStatus),
				At:     u.At,
			})
		}
	}
	t.started = true
	t.last = eff
	if u.JobStatus != "" {
		t.lastJob = u.JobStatus
	}
	return events
}

func transitionReason(u *Update) string {
	if u.Verdict.Status != models.RunStatusRunning && u.Verdict.Reason != "" {
		return u.Verdict.Reason
	}
	if u.Report != nil && u.Report.Issues != "" {
		return u.Report.Issues
	}
	return u.Run.FailureReason
}

// Follow polls until the run settles, printing one line per tick and
// notifying on transitions. With once set, a single reading is taken.
func (w *Watcher) Follow(ctx context.Context, runID int64, interval time.Duration, once bool) error {
	tr := &tracker{}
	for {
		u, err := w.Observe(ctx, runID)
		if err != nil {
			return err
		}
		fmt.Fprintln(w.out, RenderLine(u))
		for _, ev := range tr.observe(u) {
			w.send(ctx, ev)
		}

		if once || u.EffectiveStatus() != models.RunStatusRunning {
			return nil
		}
		if err := w.sleep(ctx, interval); err != nil {
			return err
		}
	}
}

func (w *Watcher) send(ctx context.Context, ev notify.Event) {
	if w.notifier == nil {
		return
	}
	if err := w.notifier.Notify(ctx, ev); err != nil {
		w.log.Warn("notifier failed", zap.Error(err))
	}
}

// RenderLine formats one tick for a terminal: timestamp, status, then
// whatever evidence was actually there.
func RenderLine(u *Update) string {
	b := &strings.Builder{}
	fmt.Fprintf(b, "%s  run %-4d %-8s", u.At.Format("15:04:05"), u.Run.ID, u.EffectiveStatus())

	if u.Unreachable {
		b.WriteString("  worker unreachable")
		return b.String()
	}

	if ev := u.Evidence; ev != nil {
		if ev.ExitCode != nil {
			fmt.Fprintf(b, "  exit %d", *ev.ExitCode)
		}
		if ev.PID != nil {
			state := "dead"
			if ev.PIDAlive {
				state = "alive"
			}
			fmt.Fprintf(b, "  pid %d %s", *ev.PID, state)
		}
		if hb := ev.Heartbeat; hb != nil {
			fmt.Fprintf(b, "  hb %s ago", shortAge(u.At.Sub(hb.Ts)))
			if hb.Task != "" {
				fmt.Fprintf(b, " (%s", hb.Task)
				if hb.Phase != "" {
					fmt.Fprintf(b, "/%s", hb.Phase)
				}
				b.WriteString(")")
			}
		}
	}

	if u.JobStatus != "" {
		fmt.Fprintf(b, "  engine %s", u.JobStatus)
	}
	if len(u.Tasks) > 0 {
		done := 0
		for _, task := range u.Tasks {
			if task.State == models.NodeFinished {
				done++
			}
		}
		fmt.Fprintf(b, "  tasks %d/%d", done, len(u.Tasks))
	}
	if u.Report != nil {
		fmt.Fprintf(b, "  %s on %s", u.Report.Status, u.Report.TaskID)
		if u.Report.Issues != "" {
			fmt.Fprintf(b, ": %s", u.Report.Issues)
		}
	}
	return b.String()
}

func shortAge(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	switch {
	case d < time.Minute:
		return fmt.Sprintf("%ds", int(d.Seconds()))
	case d < time.Hour:
		return fmt.Sprintf("%dm", int(d.Minutes()))
	default:
		return fmt.Sprintf("%dh", int(d.Hours()))
	}
}

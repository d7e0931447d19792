// Package resume re-enters a dispatched job after a crash or failure.
//
// The engine has exactly one entry point, and resume uses it: the same
// fresh-start invocation dispatch issues, against the same database,
// with the same environment. The engine rebuilds its position from its
// own state. What resume adds around that is safety: a lock against
// concurrent resumes, a liveness re-probe immediately before touching
// anything, and the two narrow database mutations that make re-entry
// clean.
package resume

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"go.uber.org/zap"

	"burns/internal/config"
	"burns/internal/ledger"
	"burns/internal/models"
	"burns/internal/remote"
	"burns/internal/worker"
)

type Options struct {
	// Fix truncates oversized engine entries before re-entry. Lossy,
	// so never implied.
	Fix bool

	// Follow tails the job log after re-entry until interrupted.
	Follow bool
}

// State is a read-only summary of an engine job. Analysis never
// fails: whatever could not be read is simply zero, because resume
// must be able to describe (and fresh-start past) a half-written or
// damaged database.
type State struct {
	JobID    int64
	Status   models.JobStatus
	Total    int
	Finished int
	Failed   int
	Stuck    []string
	Pending  []string
	NextTask string
}

type Resumer struct {
	ledger *ledger.Ledger
	t      worker.Transport
	prober *remote.Prober
	db     *remote.EngineDB
	cfg    *config.Config
	log    *zap.Logger
	out    io.Writer

	now func() time.Time
}

func New(l *ledger.Ledger, t worker.Transport, cfg *config.Config, log *zap.Logger, out io.Writer) *Resumer {
	return &Resumer{
		ledger: l,
		t:      t,
		prober: remote.NewProber(t, log),
		db:     remote.NewEngineDB(t, log),
		cfg:    cfg,
		log:    log,
		out:    out,
		now:    time.Now,
	}
}

// AnalyzeState summarizes an engine job without ever failing. Query
// errors are logged and leave the affected fields zero.
func (r *Resumer) AnalyzeState(ctx context.Context, w, dbPath string, jobID int64) *State {
	st := &State{JobID: jobID}

	status, err := r.db.JobStatus(ctx, w, dbPath, jobID)
	if err != nil {
		r.log.Debug("job status unavailable", zap.Int64("job", jobID), zap.Error(err))
	} else {
		st.Status = status
	}

	nodes, err := r.db.TaskStates(ctx, w, dbPath, jobID)
	if err != nil {
		r.log.Debug("task states unavailable", zap.Int64("job", jobID), zap.Error(err))
		return st
	}

	st.Total = len(nodes)
	for _, n := range nodes {
		switch n.State {
		case models.NodeFinished:
			st.Finished++
		case models.NodeFailed:
			st.Failed++
		case models.NodeInProgress:
			st.Stuck = append(st.Stuck, n.ID)
		case models.NodePending:
			st.Pending = append(st.Pending, n.ID)
		}
		// Stuck nodes are about to become pending again, so the next
		// task is the first node, in execution order, from either set.
		if st.NextTask == "" && (n.State == models.NodeInProgress || n.State == models.NodePending) {
			st.NextTask = n.ID
		}
	}
	return st
}

// Resume re-enters a run. The remote side is mutated first and the
// ledger reopened last, so a failure at any step leaves the run
// resumable again.
func (r *Resumer) Resume(ctx context.Context, runID int64, opts Options) error {
	run, err := r.ledger.GetRun(runID)
	if err != nil {
		return err
	}
	if run.Status == models.RunStatusDone {
		return fmt.Errorf("run %d is done; dispatch a new job instead of resuming it", runID)
	}

	ctl := remote.ControlDir(r.cfg.RemoteRoot, run.Worker, run.Workdir)
	dbPath := run.EngineDB
	if dbPath == "" {
		dbPath = remote.EngineDBPath(ctl, run.SpecID, run.JobID)
	}

	fmt.Fprintf(r.out, "run %d: %s on %s (%s)\n", run.ID, run.JobID, run.Worker, run.Status)

	// Locate the engine job, if any. A database that exists but
	// cannot be read is an error, not a fresh start; re-dispatching
	// over live state is how duplicate jobs are born.
	freshStart := false
	var st *State
	if !r.prober.FileExists(ctx, run.Worker, dbPath) {
		freshStart = true
		fmt.Fprintln(r.out, "no engine database on the worker; starting from the beginning")
	} else {
		jobID, _, err := r.db.LatestResumableJob(ctx, run.Worker, dbPath)
		switch {
		case errors.Is(err, remote.ErrNoJob):
			freshStart = true
			fmt.Fprintln(r.out, "no resumable engine job; starting from the beginning")
		case err != nil:
			return fmt.Errorf("inspecting engine state: %w", err)
		default:
			version, err := r.db.SchemaVersion(ctx, run.Worker, dbPath)
			if err != nil {
				return fmt.Errorf("checking engine schema: %w", err)
			}
			if version != remote.SupportedSchemaVersion {
				return fmt.Errorf("engine database is schema v%d but this build only mutates v%d; upgrade burns before resuming",
					version, remote.SupportedSchemaVersion)
			}

			st = r.AnalyzeState(ctx, run.Worker, dbPath, jobID)
			r.printState(st)
		}
	}

	unlock, err := r.acquireLock(ctx, run.Worker, ctl)
	if err != nil {
		return err
	}
	defer unlock()

	// Re-probe under the lock: the evidence that made this run look
	// dead may be minutes old by now.
	ev, err := r.prober.Collect(ctx, run.Worker, ctl)
	if err != nil {
		return fmt.Errorf("re-probing before reset: %w", err)
	}
	if ev.ExitCode == nil && ev.PID != nil && ev.PIDAlive {
		return fmt.Errorf("engine pid %d is alive on %s; refusing to touch a live job", *ev.PID, run.Worker)
	}

	if !freshStart {
		if opts.Fix {
			stats, err := r.db.TruncateLargeEntries(ctx, run.Worker, dbPath, r.cfg.MaxEntryBytes)
			if err != nil {
				return fmt.Errorf("truncating oversized entries: %w", err)
			}
			for _, s := range stats {
				fmt.Fprintf(r.out, "%s: truncated %d of %d entries\n", s.Table, s.Truncated, s.Scanned)
			}
		}

		ids, err := r.db.ResetStuckTasks(ctx, run.Worker, dbPath, st.JobID)
		if err != nil {
			return fmt.Errorf("resetting stuck tasks: %w", err)
		}
		if len(ids) > 0 {
			fmt.Fprintf(r.out, "reset to pending: %s\n", strings.Join(ids, ", "))
		}
	}

	// The previous attempt's exit code must not outlive it, or the
	// next sweep would close the re-entered run on the spot.
	clearCmd := fmt.Sprintf("rm -f %s %s",
		worker.ShellQuote(remote.ExitCodePath(ctl)), worker.ShellQuote(remote.PidPath(ctl)))
	if _, err := r.t.Exec(ctx, run.Worker, clearCmd); err != nil {
		return fmt.Errorf("clearing previous attempt artifacts: %w", err)
	}

	job := remote.Job{
		Worker:     run.Worker,
		JobID:      run.JobID,
		Workdir:    run.Workdir,
		ControlDir: ctl,
		EngineDB:   dbPath,
		Branch:     run.Branch,
	}
	workflow := remote.SelectWorkflow(ctx, r.prober, run.Worker, run.Workdir)
	if _, err := r.t.Exec(ctx, run.Worker, job.DetachedCommand(workflow)); err != nil {
		return fmt.Errorf("re-entering job: %w", err)
	}

	reopened, err := r.ledger.RestartRun(run.ID)
	if err != nil {
		return fmt.Errorf("reopening run %d: %w", run.ID, err)
	}
	if !reopened {
		return fmt.Errorf("run %d closed as done while resuming; ledger left untouched", run.ID)
	}

	r.log.Info("run re-entered",
		zap.Int64("run", run.ID), zap.String("worker", run.Worker), zap.String("workflow", workflow))
	fmt.Fprintf(r.out, "re-entered run %d with %s\n", run.ID, workflow)

	if opts.Follow {
		tail := "tail -n 50 -f " + worker.ShellQuote(remote.LogPath(ctl))
		if err := r.t.ExecStream(ctx, run.Worker, tail); err != nil {
			r.log.Debug("log follow ended", zap.Error(err))
		}
	}
	return nil
}

func (r *Resumer) printState(st *State) {
	fmt.Fprintf(r.out, "engine job %d (%s): %d/%d tasks finished", st.JobID, st.Status, st.Finished, st.Total)
	if len(st.Stuck) > 0 {
		fmt.Fprintf(r.out, ", stuck: %s", strings.Join(st.Stuck, ", "))
	}
	if st.Failed > 0 {
		fmt.Fprintf(r.out, ", failed: %d", st.Failed)
	}
	fmt.Fprintln(r.out)
	if st.NextTask != "" {
		fmt.Fprintf(r.out, "next task: %s\n", st.NextTask)
	}
}

// staleLockAge is how old a resume lock must be before it is presumed
// abandoned. Resumes finish in seconds; an hour is someone's crashed
// session, not a concurrent operator.
const staleLockAge = time.Hour

func (r *Resumer) acquireLock(ctx context.Context, w, ctl string) (func(), error) {
	lockPath := remote.LockPath(ctl)
	host, _ := os.Hostname()
	content := fmt.Sprintf("%s pid=%d %s", host, os.Getpid(), r.now().UTC().Format(time.RFC3339))

	// noclobber create: atomic on the worker's filesystem, fails when
	// another resume already holds the lock.
	create := fmt.Sprintf("mkdir -p %s && set -C && printf '%%s' %s > %s",
		worker.ShellQuote(ctl), worker.ShellQuote(content), worker.ShellQuote(lockPath))

	if _, err := r.t.Exec(ctx, w, create); err != nil {
		out, findErr := r.t.Exec(ctx, w,
			fmt.Sprintf("find %s -mmin +%d 2>/dev/null", worker.ShellQuote(lockPath), int(staleLockAge.Minutes())))
		if findErr != nil || strings.TrimSpace(out) == "" {
			holder, _ := r.t.Exec(ctx, w, "cat "+worker.ShellQuote(lockPath)+" 2>/dev/null")
			return nil, fmt.Errorf("another resume holds %s (%s)", lockPath, strings.TrimSpace(holder))
		}

		r.log.Warn("breaking stale resume lock", zap.String("worker", w), zap.String("lock", lockPath))
		if _, err := r.t.Exec(ctx, w, "rm -f "+worker.ShellQuote(lockPath)); err != nil {
			return nil, fmt.Errorf("breaking stale lock: %w", err)
		}
		if _, err := r.t.Exec(ctx, w, create); err != nil {
			return nil, fmt.Errorf("acquiring resume lock: %w", err)
		}
	}

	unlock := func() {
		// Release with a background context; the lock must come off
		// even when the resume itself was cancelled.
		rctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if _, err := r.t.Exec(rctx, w, "rm -f "+worker.ShellQuote(lockPath)); err != nil {
			r.log.Warn("failed to release resume lock", zap.String("lock", lockPath), zap.Error(err))
		}
	}
	return unlock, nil
}

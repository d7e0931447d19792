// Package orchestrate dispatches a batch of jobs across workers and
// polls them to a settled state. It is the only place jobs are born;
// resume re-enters them, reconcile buries them, but dispatch happens
// here.
package orchestrate

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"burns/internal/buildinfo"
	"burns/internal/config"
	"burns/internal/ledger"
	"burns/internal/models"
	"burns/internal/remote"
	"burns/internal/worker"
)

type Orchestrator struct {
	ledger *ledger.Ledger
	t      worker.Transport
	prober *remote.Prober
	db     *remote.EngineDB
	cfg    *config.Config
	log    *zap.Logger
	out    io.Writer

	sleep func(ctx context.Context, d time.Duration) error
}

func New(l *ledger.Ledger, t worker.Transport, cfg *config.Config, log *zap.Logger, out io.Writer) *Orchestrator {
	return &Orchestrator{
		ledger: l,
		t:      t,
		prober: remote.NewProber(t, log),
		db:     remote.NewEngineDB(t, log),
		cfg:    cfg,
		log:    log,
		out:    out,
		sleep:  sleepCtx,
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

// JobResult is the settled view of one dispatched job. Remote trouble
// lands here as data; only local, unrecoverable problems surface as
// errors from Run.
type JobResult struct {
	RunID       int64
	Worker      string
	SpecID      string
	Status      models.RunStatus
	ExitCode    *int
	Reason      string
	BlockedTask string
}

type trackedJob struct {
	runID   int64
	specID  string
	job     remote.Job
	settled bool
	result  JobResult
}

// Run dispatches specs[i] to workers[i] and polls until every job is
// blocked or done. The two slices pair positionally and must have the
// same length.
func (o *Orchestrator) Run(ctx context.Context, specs, workers []string, repoURL, repoRef string, interval time.Duration) ([]JobResult, error) {
	if len(specs) != len(workers) {
		return nil, fmt.Errorf("%d specs for %d workers; each spec needs its own worker", len(specs), len(workers))
	}
	if len(specs) == 0 {
		return nil, errors.New("nothing to dispatch")
	}

	jobs := make([]*trackedJob, 0, len(specs))
	for i := range specs {
		tj, err := o.dispatch(ctx, specs[i], workers[i], repoURL, repoRef)
		if err != nil {
			return nil, fmt.Errorf("dispatching %s to %s: %w", specs[i], workers[i], err)
		}
		jobs = append(jobs, tj)
		fmt.Fprintf(o.out, "dispatched %s to %s (run %d)\n", tj.specID, tj.job.Worker, tj.runID)
	}

	// Poll sweeps. Each sweep settles what it can; the loop exits
	// without sleeping once nothing is left open, so a batch that
	// blocks immediately never waits out an interval.
	for {
		open := 0
		for _, tj := range jobs {
			if tj.settled {
				continue
			}
			o.poll(ctx, tj)
			if !tj.settled {
				open++
			}
		}
		if open == 0 {
			break
		}
		if err := o.sleep(ctx, interval); err != nil {
			return o.results(jobs), err
		}
	}

	return o.results(jobs), nil
}

func (o *Orchestrator) results(jobs []*trackedJob) []JobResult {
	out := make([]JobResult, 0, len(jobs))
	for _, tj := range jobs {
		if !tj.settled {
			tj.result = JobResult{RunID: tj.runID, Worker: tj.job.Worker, SpecID: tj.specID, Status: models.RunStatusRunning}
		}
		out = append(out, tj.result)
	}
	return out
}

// dispatch prepares a worker directory pair, records the run, and
// launches the engine detached. The ledger row exists before the
// launch so a dispatch that dies halfway is still visible and
// reconcilable.
func (o *Orchestrator) dispatch(ctx context.Context, specPath, workerName, repoURL, repoRef string) (*trackedJob, error) {
	specData, err := os.ReadFile(specPath)
	if err != nil {
		return nil, fmt.Errorf("reading spec: %w", err)
	}
	specID := strings.TrimSuffix(filepath.Base(specPath), filepath.Ext(specPath))

	jobID := "j-" + uuid.NewString()[:8]
	dirName := specID + "-" + jobID
	workdir := path.Join(o.cfg.RemoteRoot, workerName, "src", dirName)
	ctl := remote.ControlDir(o.cfg.RemoteRoot, workerName, workdir)

	job := remote.Job{
		Worker:     workerName,
		JobID:      jobID,
		Workdir:    workdir,
		ControlDir: ctl,
		EngineDB:   remote.EngineDBPath(ctl, specID, jobID),
		Branch:     "burns/" + jobID,
	}

	runID, err := o.ledger.CreateRun(&models.Run{
		Worker:     workerName,
		JobID:      jobID,
		SpecID:     specID,
		Workdir:    workdir,
		EngineDB:   job.EngineDB,
		Branch:     job.Branch,
		RepoURL:    repoURL,
		RepoRef:    repoRef,
		CLIVersion: buildinfo.Version,
		GitSHA:     buildinfo.Commit,
		HostOS:     runtime.GOOS,
		BinaryHash: buildinfo.BinaryHash(),
		Status:     models.RunStatusRunning,
	})
	if err != nil {
		return nil, fmt.Errorf("recording run: %w", err)
	}

	if err := o.prepareWorkdir(ctx, job, repoURL, repoRef); err != nil {
		o.failDispatch(runID, err)
		return nil, err
	}
	if err := remote.WriteFile(ctx, o.t, workerName, path.Join(workdir, filepath.Base(specPath)), string(specData)); err != nil {
		o.failDispatch(runID, err)
		return nil, err
	}

	workflow := remote.SelectWorkflow(ctx, o.prober, workerName, workdir)
	if _, err := o.t.Exec(ctx, workerName, job.DetachedCommand(workflow)); err != nil {
		o.failDispatch(runID, err)
		return nil, fmt.Errorf("launching engine: %w", err)
	}

	o.log.Info("job dispatched",
		zap.Int64("run", runID), zap.String("worker", workerName),
		zap.String("spec", specID), zap.String("job", jobID), zap.String("workflow", workflow))

	return &trackedJob{runID: runID, specID: specID, job: job}, nil
}

func (o *Orchestrator) prepareWorkdir(ctx context.Context, job remote.Job, repoURL, repoRef string) error {
	cmd := "mkdir -p " + worker.ShellQuote(job.Workdir)
	if repoURL != "" {
		clone := "git clone"
		if repoRef != "" {
			clone += " --branch " + worker.ShellQuote(repoRef)
		}
		clone += " " + worker.ShellQuote(repoURL) + " " + worker.ShellQuote(job.Workdir)
		cmd = fmt.Sprintf("%s && { test -d %s/.git || %s; }",
			cmd, worker.ShellQuote(job.Workdir), clone)
	}
	if _, err := o.t.Exec(ctx, job.Worker, cmd); err != nil {
		return fmt.Errorf("preparing workdir: %w", err)
	}
	return nil
}

func (o *Orchestrator) failDispatch(runID int64, cause error) {
	if _, err := o.ledger.MarkOutcome(runID, models.RunStatusFailed, nil, "dispatch: "+cause.Error(), ""); err != nil {
		o.log.Error("failed to record dispatch failure", zap.Int64("run", runID), zap.Error(err))
	}
}

// poll settles one job if its engine state justifies it. Transient
// query trouble leaves the job open for the next sweep; the human-gate
// artifact stands in for a status when the database is unreadable.
func (o *Orchestrator) poll(ctx context.Context, tj *trackedJob) {
	w := tj.job.Worker

	report, err := o.db.BlockedReport(ctx, w, tj.job.EngineDB)
	if err == nil && report != nil {
		reason := report.Issues
		if reason == "" {
			reason = "task reported " + report.Status
		}
		o.settle(tj, models.RunStatusBlocked, nil, reason, report.TaskID)
		return
	}

	if err == nil {
		_, status, serr := o.db.LatestJob(ctx, w, tj.job.EngineDB)
		switch {
		case serr == nil:
			if status.Terminal() || status == models.JobWaitingApproval {
				code := 0
				reason := ""
				switch status {
				case models.JobFailed:
					code = 1
					reason = "engine reported failed"
				case models.JobFinished:
				default:
					reason = "engine reported " + string(status)
				}
				o.settle(tj, models.RunStatusDone, &code, reason, "")
			}
			return
		case errors.Is(serr, remote.ErrNoJob):
			// Engine has not written its row yet; next sweep.
			return
		default:
			err = serr
		}
	}

	// The database was unreadable. A human gate on disk still means
	// this job has gone as far as it can on its own.
	if o.prober.FileExists(ctx, w, remote.GatePath(tj.job.ControlDir)) {
		code := 0
		o.settle(tj, models.RunStatusDone, &code, "human gate raised", "")
		return
	}
	o.log.Debug("engine state unavailable this sweep",
		zap.Int64("run", tj.runID), zap.String("worker", w), zap.Error(err))
}

func (o *Orchestrator) settle(tj *trackedJob, status models.RunStatus, exitCode *int, reason, blockedTask string) {
	if _, err := o.ledger.MarkOutcome(tj.runID, status, exitCode, reason, blockedTask); err != nil {
		o.log.Error("failed to persist outcome", zap.Int64("run", tj.runID), zap.Error(err))
		return // stay open; retried next sweep
	}

	tj.settled = true
	tj.result = JobResult{
		RunID:       tj.runID,
		Worker:      tj.job.Worker,
		SpecID:      tj.specID,
		Status:      status,
		ExitCode:    exitCode,
		Reason:      reason,
		BlockedTask: blockedTask,
	}

	fmt.Fprintf(o.out, "run %d (%s on %s): %s", tj.runID, tj.specID, tj.job.Worker, status)
	if blockedTask != "" {
		fmt.Fprintf(o.out, " on task %s", blockedTask)
	}
	fmt.Fprintln(o.out)
	o.log.Info("job settled",
		zap.Int64("run", tj.runID), zap.String("status", string(status)), zap.String("reason", reason))
}

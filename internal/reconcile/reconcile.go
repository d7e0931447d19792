// Package reconcile converts racy on-worker evidence into ledger
// outcomes. It never touches an engine database; everything it reads
// comes from the three control artifacts and a liveness probe, and
// everything it writes is a single guarded ledger transition.
package reconcile

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"burns/internal/config"
	"burns/internal/ledger"
	"burns/internal/models"
	"burns/internal/remote"
)

const (
	ReasonStaleProcess = "stale_process"
	ReasonNonzeroExit  = "nonzero_exit"
)

// Verdict is the decision for one run. Status stays running when the
// evidence does not justify a change this sweep.
type Verdict struct {
	Status   models.RunStatus
	ExitCode *int
	Reason   string
}

// Classify applies the evidence rules, in strict order of authority:
//
//  1. A recorded exit code wins outright; the wrapper only writes it
//     after the engine has actually exited.
//  2. With no exit code, a dead or missing process plus a stale
//     signal means the job died without managing to report.
//  3. Anything else is left alone. The heartbeat may be mid-rewrite,
//     the job may be seconds old; the next sweep gets another look.
//
// Staleness is measured from the last signal we have: the heartbeat
// when one parses, dispatch time otherwise, which doubles as the
// grace period for freshly dispatched jobs.
func Classify(ev *remote.Evidence, createdAt, now time.Time, threshold time.Duration) Verdict {
	if ev.ExitCode != nil {
		if *ev.ExitCode == 0 {
			return Verdict{Status: models.RunStatusDone, ExitCode: ev.ExitCode}
		}
		return Verdict{Status: models.RunStatusFailed, ExitCode: ev.ExitCode, Reason: ReasonNonzeroExit}
	}

	lastSignal := createdAt
	if ev.Heartbeat != nil {
		lastSignal = ev.Heartbeat.Ts
	}
	stale := now.Sub(lastSignal) > threshold

	processGone := ev.PID == nil || !ev.PIDAlive
	if processGone && stale {
		one := 1
		return Verdict{Status: models.RunStatusFailed, ExitCode: &one, Reason: ReasonStaleProcess}
	}

	return Verdict{Status: models.RunStatusRunning}
}

type Summary struct {
	Checked     int
	Done        int
	Failed      int
	Unreachable int
	Unchanged   int
}

func (s *Summary) String() string {
	return fmt.Sprintf("checked %d: %d done, %d failed, %d unchanged, %d unreachable",
		s.Checked, s.Done, s.Failed, s.Unchanged, s.Unreachable)
}

type Reconciler struct {
	ledger *ledger.Ledger
	prober *remote.Prober
	cfg    *config.Config
	log    *zap.Logger

	now func() time.Time
}

func New(l *ledger.Ledger, p *remote.Prober, cfg *config.Config, log *zap.Logger) *Reconciler {
	return &Reconciler{ledger: l, prober: p, cfg: cfg, log: log, now: time.Now}
}

// Sweep examines every run still marked running, newest first, up to
// limit. An unreachable worker skips only its own runs; evidence
// elsewhere is still acted on.
func (r *Reconciler) Sweep(ctx context.Context, limit int, threshold time.Duration) (*Summary, error) {
	runs, err := r.ledger.ListRunning(limit)
	if err != nil {
		return nil, err
	}

	summary := &Summary{}
	for _, run := range runs {
		if ctx.Err() != nil {
			return summary, ctx.Err()
		}
		summary.Checked++

		ctl := remote.ControlDir(r.cfg.RemoteRoot, run.Worker, run.Workdir)
		ev, err := r.prober.Collect(ctx, run.Worker, ctl)
		if err != nil {
			r.log.Warn("evidence unavailable this sweep",
				zap.Int64("run", run.ID), zap.String("worker", run.Worker), zap.Error(err))
			summary.Unreachable++
			continue
		}

		verdict := Classify(ev, run.CreatedAt, r.now(), threshold)
		if verdict.Status == models.RunStatusRunning {
			summary.Unchanged++
			continue
		}

		changed, err := r.ledger.MarkOutcome(run.ID, verdict.Status, verdict.ExitCode, verdict.Reason, "")
		if err != nil {
			return summary, fmt.Errorf("recording outcome for run %d: %w", run.ID, err)
		}
		if !changed {
			summary.Unchanged++
			continue
		}

		switch verdict.Status {
		case models.RunStatusDone:
			summary.Done++
		case models.RunStatusFailed:
			summary.Failed++
		}
		r.log.Info("run reconciled",
			zap.Int64("run", run.ID),
			zap.String("worker", run.Worker),
			zap.String("status", string(verdict.Status)),
			zap.String("reason", verdict.Reason))
	}

	return summary, nil
}

package remote

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"burns/internal/models"
	"burns/internal/worker"
)

// Evidence is one sweep's view of a job: whatever the three control
// artifacts said at roughly the same moment. Fields are nil when the
// artifact was missing or unparseable; the two are deliberately not
// distinguished, since a torn write looks identical to a missing file.
type Evidence struct {
	ExitCode  *int
	Heartbeat *models.Heartbeat
	PID       *int
	PIDAlive  bool
}

// Prober reads job evidence off a worker. All reads tolerate missing
// files; only an unreachable worker surfaces as an error.
type Prober struct {
	t   worker.Transport
	log *zap.Logger
}

func NewProber(t worker.Transport, log *zap.Logger) *Prober {
	return &Prober{t: t, log: log}
}

// readFile fetches a file's contents. The trailing `|| true` keeps a
// missing file from looking like an unreachable worker: only transport
// failures return an error.
func (p *Prober) readFile(ctx context.Context, w, filePath string) (string, error) {
	out, err := p.t.Exec(ctx, w, "cat "+worker.ShellQuote(filePath)+" 2>/dev/null || true")
	if err != nil {
		return "", fmt.Errorf("reading %s on %s: %w", filePath, w, err)
	}
	return out, nil
}

// Collect gathers a job's evidence. An exit code short-circuits the
// rest: once the wrapper has recorded an exit, nothing else matters.
// A non-nil error means the worker could not be reached and the caller
// should treat this sweep's evidence as unknown.
func (p *Prober) Collect(ctx context.Context, w, ctl string) (*Evidence, error) {
	ev := &Evidence{}

	out, err := p.readFile(ctx, w, ExitCodePath(ctl))
	if err != nil {
		return nil, err
	}
	if code, ok := parseInt(out); ok {
		ev.ExitCode = &code
		return ev, nil
	}

	out, err = p.readFile(ctx, w, HeartbeatPath(ctl))
	if err != nil {
		return nil, err
	}
	if hb, ok := parseHeartbeat(out); ok {
		ev.Heartbeat = &hb
	} else if strings.TrimSpace(out) != "" {
		p.log.Debug("malformed heartbeat treated as absent",
			zap.String("worker", w), zap.String("control_dir", ctl))
	}

	out, err = p.readFile(ctx, w, PidPath(ctl))
	if err != nil {
		return nil, err
	}
	if pid, ok := parseInt(out); ok && pid > 0 {
		ev.PID = &pid
		ev.PIDAlive = p.ProcessAlive(ctx, w, pid)
	}

	return ev, nil
}

// ProcessAlive checks a pid with a null signal. Failures count as
// dead; for a reachable worker that is what a reaped process looks
// like, and the caller's staleness checks cover the rest.
func (p *Prober) ProcessAlive(ctx context.Context, w string, pid int) bool {
	_, err := p.t.Exec(ctx, w, fmt.Sprintf("kill -0 %d 2>/dev/null", pid))
	return err == nil
}

func (p *Prober) FileExists(ctx context.Context, w, filePath string) bool {
	_, err := p.t.Exec(ctx, w, "test -f "+worker.ShellQuote(filePath))
	return err == nil
}

func parseInt(out string) (int, bool) {
	n, err := strconv.Atoi(strings.TrimSpace(out))
	if err != nil {
		return 0, false
	}
	return n, true
}

func parseHeartbeat(out string) (models.Heartbeat, bool) {
	var hb models.Heartbeat
	if err := json.Unmarshal([]byte(strings.TrimSpace(out)), &hb); err != nil || hb.Ts.IsZero() {
		return models.Heartbeat{}, false
	}
	return hb, true
}

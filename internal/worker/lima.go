package worker

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"

	"go.uber.org/zap"
)

// Lima reaches workers through limactl on macOS hosts, where each
// worker name is a Lima instance name. No inventory file is involved;
// limactl already knows its instances.
type Lima struct {
	log *zap.Logger
}

func NewLima(log *zap.Logger) *Lima {
	return &Lima{log: log}
}

func (l *Lima) args(worker, command string) []string {
	// bash -lc so remote invocations see the same login environment
	// ssh sessions get.
	return []string{"shell", worker, "bash", "-lc", command}
}

func (l *Lima) Exec(ctx context.Context, worker, command string) (string, error) {
	cmd := exec.CommandContext(ctx, "limactl", l.args(worker, command)...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	l.log.Debug("lima exec", zap.String("worker", worker), zap.String("command", command))
	if err := cmd.Run(); err != nil {
		return stdout.String(), fmt.Errorf("limactl shell %s: %w: %s", worker, err, strings.TrimSpace(stderr.String()))
	}
	return stdout.String(), nil
}

func (l *Lima) ExecStream(ctx context.Context, worker, command string) error {
	cmd := exec.CommandContext(ctx, "limactl", l.args(worker, command)...)
	cmd.Stdin = os.Stdin
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr

	l.log.Debug("lima stream", zap.String("worker", worker), zap.String("command", command))
	return cmd.Run()
}

package worker

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"

	"go.uber.org/zap"
)

// SSH reaches workers over plain ssh, resolving names through the
// inventory file. BatchMode keeps a missing key or host-key prompt
// from hanging a sweep.
type SSH struct {
	inv *Inventory
	log *zap.Logger
}

func NewSSH(inv *Inventory, log *zap.Logger) *SSH {
	return &SSH{inv: inv, log: log}
}

func (s *SSH) args(h Host, command string) []string {
	args := []string{"-o", "BatchMode=yes", "-o", "ConnectTimeout=10"}
	if h.Port != 0 {
		args = append(args, "-p", strconv.Itoa(h.Port))
	}
	if h.KeyFile != "" {
		args = append(args, "-i", h.KeyFile)
	}
	return append(args, h.Target(), command)
}

func (s *SSH) Exec(ctx context.Context, worker, command string) (string, error) {
	h, err := s.inv.Resolve(worker)
	if err != nil {
		return "", err
	}

	cmd := exec.CommandContext(ctx, "ssh", s.args(h, command)...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	s.log.Debug("ssh exec", zap.String("worker", worker), zap.String("command", command))
	if err := cmd.Run(); err != nil {
		return stdout.String(), fmt.Errorf("ssh %s: %w: %s", worker, err, strings.TrimSpace(stderr.String()))
	}
	return stdout.String(), nil
}

func (s *SSH) ExecStream(ctx context.Context, worker, command string) error {
	h, err := s.inv.Resolve(worker)
	if err != nil {
		return err
	}

	cmd := exec.CommandContext(ctx, "ssh", s.args(h, command)...)
	cmd.Stdin = os.Stdin
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr

	s.log.Debug("ssh stream", zap.String("worker", worker), zap.String("command", command))
	return cmd.Run()
}

package worker

import (
	"context"
	"fmt"
	"runtime"
	"strings"

	"go.uber.org/zap"

	"burns/internal/config"
)

// Transport runs commands on a worker VM. Exec captures output for
// programmatic use; ExecStream inherits the operator's terminal and
// blocks until the remote command exits.
//
// Implementations shell out to the platform tool rather than speaking
// a protocol themselves, so the operator's existing ssh config and VM
// setup keep working unchanged.
type Transport interface {
	Exec(ctx context.Context, worker, command string) (string, error)
	ExecStream(ctx context.Context, worker, command string) error
}

// Select picks the transport for this host OS: limactl on macOS, ssh
// everywhere else. The choice is fixed for the life of the process.
func Select(cfg *config.Config, log *zap.Logger) (Transport, error) {
	if runtime.GOOS == "darwin" {
		return NewLima(log), nil
	}

	inv, err := LoadInventory(cfg.WorkersPath)
	if err != nil {
		return nil, fmt.Errorf("ssh transport requires a worker inventory: %w", err)
	}
	return NewSSH(inv, log), nil
}

// ShellQuote wraps s in single quotes for interpolation into a remote
// shell command line. Paths and SQL both pass through here, so the
// only metacharacter that needs handling is the single quote itself.
func ShellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

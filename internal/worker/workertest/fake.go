// Package workertest provides a scripted Transport for tests that need
// to exercise remote-evidence handling without a VM.
package workertest

import (
	"context"
	"fmt"
	"strings"
	"sync"
)

type Call struct {
	Worker  string
	Command string
}

// Response matches commands by substring. The first match wins, so
// tests list specific rules before catch-alls. A Once response is
// consumed by its first match, letting tests script retry sequences.
type Response struct {
	Match string
	Out   string
	Err   error
	Once  bool
}

type Fake struct {
	mu        sync.Mutex
	calls     []Call
	Responses []Response

	// StreamErr is returned by ExecStream; streamed commands are
	// recorded alongside the rest.
	StreamErr error
}

func (f *Fake) Exec(_ context.Context, worker, command string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.calls = append(f.calls, Call{Worker: worker, Command: command})
	for i, r := range f.Responses {
		if strings.Contains(command, r.Match) {
			if r.Once {
				f.Responses = append(f.Responses[:i], f.Responses[i+1:]...)
			}
			return r.Out, r.Err
		}
	}
	return "", fmt.Errorf("workertest: no response scripted for %q", command)
}

func (f *Fake) ExecStream(_ context.Context, worker, command string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.calls = append(f.calls, Call{Worker: worker, Command: command})
	return f.StreamErr
}

func (f *Fake) Calls() []Call {
	f.mu.Lock()
	defer f.mu.Unlock()

	out := make([]Call, len(f.calls))
	copy(out, f.calls)
	return out
}

// CommandsMatching returns every recorded command containing substr,
// in call order.
func (f *Fake) CommandsMatching(substr string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()

	var out []string
	for _, c := range f.calls {
		if strings.Contains(c.Command, substr) {
			out = append(out, c.Command)
		}
	}
	return out
}

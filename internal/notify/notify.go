// Package notify delivers run status transitions to an operator. The
// sink is chosen by a short spec string so callers route to a
// terminal, a Lua hook, or a Discord webhook through one flag.
package notify

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/bwmarrin/discordgo"
	"go.uber.org/zap"
)

// Event is one observed transition of a run.
type Event struct {
	RunID  int64
	Worker string
	From   string
	To     string
	Reason string
	At     time.Time
}

// Line renders the transition the way every sink announces it.
func (e Event) Line() string {
	s := fmt.Sprintf("run %d on %s: %s -> %s", e.RunID, e.Worker, e.From, e.To)
	if e.Reason != "" {
		s += " (" + e.Reason + ")"
	}
	return s
}

type Notifier interface {
	Notify(ctx context.Context, ev Event) error
}

// New picks a sink from its spec: "stdout" (or empty), "hook:<script.lua>",
// or "discord:<webhook-id>/<webhook-token>".
func New(spec string, out io.Writer, log *zap.Logger) (Notifier, error) {
	switch {
	case spec == "" || spec == "stdout":
		return &Stdout{out: out}, nil
	case strings.HasPrefix(spec, "hook:"):
		p := strings.TrimPrefix(spec, "hook:")
		if p == "" {
			return nil, fmt.Errorf("hook notifier needs a script path")
		}
		return &Hook{path: p, log: log}, nil
	case strings.HasPrefix(spec, "discord:"):
		return newDiscord(strings.TrimPrefix(spec, "discord:"), log)
	default:
		return nil, fmt.Errorf("unknown notifier %q (want stdout, hook:<script.lua>, or discord:<id>/<token>)", spec)
	}
}

// Stdout announces transitions on a terminal, with a bell so a watch
// left in a corner still gets attention.
type Stdout struct {
	out io.Writer
}

func (s *Stdout) Notify(_ context.Context, ev Event) error {
	_, err := fmt.Fprintf(s.out, "\a%s\n", ev.Line())
	return err
}

// Discord posts transitions through a webhook. The session carries no
// bot token; webhook execution authenticates with the webhook's own
// token.
type Discord struct {
	webhookID    string
	webhookToken string
	session      *discordgo.Session
	log          *zap.Logger
}

func newDiscord(spec string, log *zap.Logger) (*Discord, error) {
	id, token, ok := strings.Cut(spec, "/")
	if !ok || id == "" || token == "" {
		return nil, fmt.Errorf("discord notifier wants <webhook-id>/<webhook-token>, got %q", spec)
	}
	session, err := discordgo.New("")
	if err != nil {
		return nil, fmt.Errorf("creating discord session: %w", err)
	}
	return &Discord{webhookID: id, webhookToken: token, session: session, log: log}, nil
}

func (d *Discord) Notify(_ context.Context, ev Event) error {
	_, err := d.session.WebhookExecute(d.webhookID, d.webhookToken, true, &discordgo.WebhookParams{
		Content: ev.Line(),
	})
	if err != nil {
		return fmt.Errorf("posting to discord webhook: %w", err)
	}
	d.log.Debug("posted discord notification", zap.Int64("run", ev.RunID), zap.String("to", ev.To))
	return nil
}

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"burns/internal/buildinfo"
	"burns/internal/config"
	"burns/internal/ledger"
	"burns/internal/models"
	"burns/internal/notify"
	"burns/internal/orchestrate"
	"burns/internal/reconcile"
	"burns/internal/remote"
	"burns/internal/resume"
	"burns/internal/watch"
	"burns/internal/worker"
)

func main() {
	godotenv.Load()

	rootCmd := &cobra.Command{
		Use:   "burns",
		Short: "Remote agent-job dispatch and reconciliation",
		Long:  "Burns dispatches coding-agent jobs to worker VMs, tracks them in a local ledger, and reconciles or resumes them from the evidence they leave behind.",
	}

	rootCmd.AddCommand(newReconcileCommand())
	rootCmd.AddCommand(newWatchCommand())
	rootCmd.AddCommand(newResumeCommand())
	rootCmd.AddCommand(newOrchestrateCommand())
	rootCmd.AddCommand(newRunsCommand())
	rootCmd.AddCommand(newStatusCommand())
	rootCmd.AddCommand(newFeedbackCommand())
	rootCmd.AddCommand(newVersionCommand())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// env is everything a command needs wired up: config resolved once
// here and passed down explicitly, never re-derived from the home
// directory deeper in.
type env struct {
	cfg    *config.Config
	ledger *ledger.Ledger
	log    *zap.Logger
}

func setup() (*env, error) {
	cfg, err := config.New()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.EnsureDataDir(); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	log, err := initLogger()
	if err != nil {
		return nil, fmt.Errorf("failed to init logger: %w", err)
	}

	l, err := ledger.New(cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open ledger: %w", err)
	}

	return &env{cfg: cfg, ledger: l, log: log}, nil
}

func (e *env) close() {
	e.ledger.Close()
	e.log.Sync()
}

func (e *env) transport() (worker.Transport, error) {
	return worker.Select(e.cfg, e.log)
}

func initLogger() (*zap.Logger, error) {
	var cfg zap.Config
	if os.Getenv("BURNS_ENV") == "production" {
		cfg = zap.NewProductionConfig()
	} else {
		cfg = zap.NewDevelopmentConfig()
	}

	if lvl := os.Getenv("BURNS_LOG_LEVEL"); lvl != "" {
		level, err := zap.ParseAtomicLevel(lvl)
		if err == nil {
			cfg.Level = level
		}
	}

	return cfg.Build()
}

// signalContext cancels on SIGINT/SIGTERM so a killed sweep stops
// between jobs instead of mid-write.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func parseRunID(arg string) (int64, error) {
	id, err := strconv.ParseInt(arg, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid run ID %q: %w", arg, err)
	}
	return id, nil
}

func newReconcileCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "reconcile",
		Short: "Classify every running run from its on-worker evidence",
		RunE: func(cmd *cobra.Command, args []string) error {
			limit, _ := cmd.Flags().GetInt("limit")
			heartbeatSecs, _ := cmd.Flags().GetInt("heartbeat-seconds")

			e, err := setup()
			if err != nil {
				return err
			}
			defer e.close()

			t, err := e.transport()
			if err != nil {
				return err
			}

			ctx, cancel := signalContext()
			defer cancel()

			r := reconcile.New(e.ledger, remote.NewProber(t, e.log), e.cfg, e.log)
			summary, err := r.Sweep(ctx, limit, time.Duration(heartbeatSecs)*time.Second)
			if summary != nil {
				fmt.Println(summary)
			}
			return err
		},
	}

	cmd.Flags().Int("limit", config.DefaultReconcileLimit, "Maximum runs to examine")
	cmd.Flags().Int("heartbeat-seconds", int(config.DefaultHeartbeatThreshold.Seconds()), "Heartbeat age before a dead process counts as stale")
	return cmd
}

func newWatchCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "watch [run-id]",
		Short: "Follow one run until it settles",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			workerName, _ := cmd.Flags().GetString("worker")
			intervalSecs, _ := cmd.Flags().GetInt("interval")
			notifySpec, _ := cmd.Flags().GetString("notify")
			once, _ := cmd.Flags().GetBool("once")
			plain, _ := cmd.Flags().GetBool("plain")

			var runID int64
			if len(args) == 1 {
				id, err := parseRunID(args[0])
				if err != nil {
					return err
				}
				runID = id
			}

			e, err := setup()
			if err != nil {
				return err
			}
			defer e.close()

			t, err := e.transport()
			if err != nil {
				return err
			}
			notifier, err := notify.New(notifySpec, os.Stdout, e.log)
			if err != nil {
				return err
			}

			ctx, cancel := signalContext()
			defer cancel()

			w := watch.New(e.ledger, t, e.cfg, e.log, notifier, os.Stdout)
			run, err := w.Resolve(runID, workerName)
			if err != nil {
				return err
			}

			interval := time.Duration(intervalSecs) * time.Second
			if once || plain || !stdoutIsTerminal() {
				return w.Follow(ctx, run.ID, interval, once)
			}
			return watch.RunTUI(ctx, w, run.ID, interval)
		},
	}

	cmd.Flags().String("worker", "", "Watch the most recent run on this worker")
	cmd.Flags().Int("interval", int(config.DefaultPollInterval.Seconds()), "Seconds between readings")
	cmd.Flags().String("notify", "", "Transition sink: stdout, hook:<script.lua>, or discord:<id>/<token>")
	cmd.Flags().Bool("once", false, "Take a single reading and exit")
	cmd.Flags().Bool("plain", false, "Line output instead of the interactive view")
	return cmd
}

func stdoutIsTerminal() bool {
	fi, err := os.Stdout.Stat()
	return err == nil && fi.Mode()&os.ModeCharDevice != 0
}

func newResumeCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "resume <run-id>",
		Short: "Re-enter an interrupted run without redoing finished work",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			fix, _ := cmd.Flags().GetBool("fix")
			follow, _ := cmd.Flags().GetBool("follow")

			runID, err := parseRunID(args[0])
			if err != nil {
				return err
			}

			e, err := setup()
			if err != nil {
				return err
			}
			defer e.close()

			t, err := e.transport()
			if err != nil {
				return err
			}

			ctx, cancel := signalContext()
			defer cancel()

			r := resume.New(e.ledger, t, e.cfg, e.log, os.Stdout)
			return r.Resume(ctx, runID, resume.Options{Fix: fix, Follow: follow})
		},
	}

	cmd.Flags().Bool("fix", false, "Truncate oversized engine entries before re-entry (lossy)")
	cmd.Flags().Bool("follow", false, "Tail the job log after re-entry")
	return cmd
}

func newOrchestrateCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "orchestrate",
		Short: "Dispatch specs to workers and poll until every job settles",
		RunE: func(cmd *cobra.Command, args []string) error {
			specs, _ := cmd.Flags().GetStringArray("spec")
			workers, _ := cmd.Flags().GetStringArray("worker")
			repoURL, _ := cmd.Flags().GetString("repo")
			repoRef, _ := cmd.Flags().GetString("ref")
			intervalSecs, _ := cmd.Flags().GetInt("interval")

			e, err := setup()
			if err != nil {
				return err
			}
			defer e.close()

			t, err := e.transport()
			if err != nil {
				return err
			}

			ctx, cancel := signalContext()
			defer cancel()

			o := orchestrate.New(e.ledger, t, e.cfg, e.log, os.Stdout)
			results, err := o.Run(ctx, specs, workers, repoURL, repoRef, time.Duration(intervalSecs)*time.Second)
			if err != nil {
				return err
			}

			fmt.Println()
			for _, res := range results {
				line := fmt.Sprintf("run %d (%s on %s): %s", res.RunID, res.SpecID, res.Worker, res.Status)
				if res.ExitCode != nil {
					line += fmt.Sprintf(" exit %d", *res.ExitCode)
				}
				if res.BlockedTask != "" {
					line += " on task " + res.BlockedTask
				}
				fmt.Println(line)
			}
			return nil
		},
	}

	cmd.Flags().StringArray("spec", nil, "Spec file to dispatch (repeat per job)")
	cmd.Flags().StringArray("worker", nil, "Worker to dispatch to (repeat, pairs with --spec by position)")
	cmd.Flags().String("repo", "", "Repository URL to clone into each workdir")
	cmd.Flags().String("ref", "", "Repository ref to check out")
	cmd.Flags().Int("interval", int(config.DefaultPollInterval.Seconds()), "Seconds between poll sweeps")
	cmd.MarkFlagRequired("spec")
	cmd.MarkFlagRequired("worker")
	return cmd
}

func newRunsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "runs",
		Short: "List recent runs",
		RunE: func(cmd *cobra.Command, args []string) error {
			limit, _ := cmd.Flags().GetInt("limit")

			e, err := setup()
			if err != nil {
				return err
			}
			defer e.close()

			runs, err := e.ledger.ListRuns(limit)
			if err != nil {
				return err
			}
			if len(runs) == 0 {
				fmt.Println("No runs recorded.")
				return nil
			}

			for _, run := range runs {
				line := fmt.Sprintf("#%-4d %-10s %-12s %-8s %s",
					run.ID, run.SpecID, run.Worker, run.Status, ledger.FormatTimeAgo(run.CreatedAt))
				if run.FailureReason != "" {
					line += "  " + run.FailureReason
				}
				fmt.Println(line)
			}
			return nil
		},
	}

	cmd.Flags().Int("limit", 20, "Maximum runs to list")
	return cmd
}

func newStatusCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "status <run-id>",
		Short: "Show one run and its feedback history",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			runID, err := parseRunID(args[0])
			if err != nil {
				return err
			}

			e, err := setup()
			if err != nil {
				return err
			}
			defer e.close()

			run, err := e.ledger.GetRun(runID)
			if err != nil {
				return err
			}

			fmt.Printf("Run #%d: %s on %s\n", run.ID, run.SpecID, run.Worker)
			fmt.Printf("Status: %s", run.Status)
			if run.ExitCode != nil {
				fmt.Printf(" (exit %d)", *run.ExitCode)
			}
			fmt.Println()
			fmt.Printf("Job: %s\n", run.JobID)
			fmt.Printf("Workdir: %s\n", run.Workdir)
			if run.Branch != "" {
				fmt.Printf("Branch: %s\n", run.Branch)
			}
			fmt.Printf("Dispatched: %s (%s, cli %s)\n",
				run.CreatedAt.Format(time.RFC3339), run.HostOS, run.CLIVersion)
			if run.FailureReason != "" {
				fmt.Printf("Failure: %s\n", run.FailureReason)
			}
			if run.BlockedTask != "" {
				fmt.Printf("Blocked on: %s\n", run.BlockedTask)
			}

			feedback, err := e.ledger.FeedbackForRun(runID)
			if err != nil {
				return err
			}
			if len(feedback) > 0 {
				fmt.Println("\nFeedback:")
				for _, f := range feedback {
					line := fmt.Sprintf("  %s %s", f.CreatedAt.Format("Jan 2 15:04"), f.Decision)
					if f.Notes != "" {
						line += ": " + f.Notes
					}
					fmt.Println(line)
				}
			}
			return nil
		},
	}
}

func newFeedbackCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "feedback <run-id>",
		Short: "Record an operator decision for a blocked run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			decision, _ := cmd.Flags().GetString("decision")
			notes, _ := cmd.Flags().GetString("notes")

			runID, err := parseRunID(args[0])
			if err != nil {
				return err
			}
			switch decision {
			case models.DecisionApprove, models.DecisionReject, models.DecisionNote:
			default:
				return fmt.Errorf("decision must be %s, %s, or %s",
					models.DecisionApprove, models.DecisionReject, models.DecisionNote)
			}

			e, err := setup()
			if err != nil {
				return err
			}
			defer e.close()

			run, err := e.ledger.GetRun(runID)
			if err != nil {
				return err
			}

			fb := &models.HumanFeedback{RunID: runID, Decision: decision, Notes: notes}
			if _, err := e.ledger.AddFeedback(fb); err != nil {
				return fmt.Errorf("recording feedback: %w", err)
			}

			// An approval is the one legal blocked->done transition.
			if decision == models.DecisionApprove {
				resolved, err := e.ledger.ResolveBlocked(runID)
				if err != nil {
					return err
				}
				if resolved {
					fmt.Printf("Run #%d resolved to done\n", runID)
				}
			}

			// Best effort: the engine polls for this artifact while it
			// waits on a gate, but the decision is recorded regardless.
			t, err := e.transport()
			if err == nil {
				ctx, cancel := signalContext()
				defer cancel()
				ctl := remote.ControlDir(e.cfg.RemoteRoot, run.Worker, run.Workdir)
				if err := remote.PushFeedback(ctx, t, run.Worker, ctl, fb); err != nil {
					e.log.Warn("could not push feedback artifact", zap.Error(err))
				}
			}

			fmt.Printf("Recorded %s for run #%d\n", decision, runID)
			return nil
		},
	}

	cmd.Flags().String("decision", "", "approve, reject, or note")
	cmd.Flags().String("notes", "", "Free-text notes for the run")
	cmd.MarkFlagRequired("decision")
	return cmd
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("burns %s (%s)\n", buildinfo.Version, buildinfo.Commit)
		},
	}
}

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"sowcheck/internal/config"
	"sowcheck/internal/logging"
	"sowcheck/internal/metrics"
	"sowcheck/internal/scenario"
	"sowcheck/internal/telemetry"
	"sowcheck/internal/wiring"
)

// exitGrace is how long past the safety timeout the process may still spend
// shutting down before it is terminated.
const exitGrace = 5 * time.Second

func main() {
	if err := logging.Configure(logging.LevelInfo); err != nil {
		_, _ = os.Stderr.WriteString("configure logger: " + err.Error() + "\n")
		os.Exit(1)
	}
	os.Exit(execute(os.Args[1:]))
}

func execute(args []string) int {
	code := exitFatal
	root := rootCmd(&code)
	root.SetArgs(args)
	if err := root.Execute(); err != nil {
		slog.Error("Command failed.", "err", err)
		return exitFatal
	}
	return code
}

func rootCmd(code *int) *cobra.Command {
	var setTimeout bool

	cmd := &cobra.Command{
		Use:           "sowcheck",
		Short:         "Verify that snapshot-plus-subscribe observes every write",
		Args:          cobra.NoArgs,
		SilenceErrors: true,
		SilenceUsage:  true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if err := logging.Configure(cfg.LogLevel); err != nil {
				return err
			}
			slog.Info("Starting.", "args", os.Args[1:], "go", runtime.Version(), "set_timeout", setTimeout)

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			if setTimeout {
				var cancel context.CancelFunc
				ctx, cancel = armSafetyTimeout(ctx, cfg.SafetyTimeout)
				defer cancel()
			}

			res, runErr := run(ctx, cfg)
			render(cmd.OutOrStdout(), res, runErr, newRenderer(cmd.OutOrStdout()))
			*code = exitCode(res, runErr)
			return nil
		},
	}
	cmd.Flags().BoolVar(&setTimeout, "set-timeout", false,
		"Terminate the process when the configured safety timeout expires")
	return cmd
}

// armSafetyTimeout bounds ctx by d with ErrSafetyTimeout as the cause, and
// terminates the process with exit status 1 shortly after if the run has not
// returned by then.
func armSafetyTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithTimeoutCause(ctx, d, scenario.ErrSafetyTimeout)
	timer := time.AfterFunc(d+exitGrace, func() {
		slog.Error("Safety timeout expired, terminating.", "timeout", d)
		os.Exit(exitFatal)
	})
	return ctx, func() {
		timer.Stop()
		cancel()
	}
}

func run(ctx context.Context, cfg config.Config) (res scenario.Result, err error) {
	provider, err := telemetry.NewProvider(ctx, cfg.Telemetry.OTLPEndpoint)
	if err != nil {
		return scenario.Result{}, err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if sErr := provider.Shutdown(shutdownCtx); sErr != nil {
			slog.Warn("Telemetry shutdown failed.", "err", sErr)
		}
	}()

	m := metrics.New()
	if cfg.Metrics.Textfile != "" {
		defer func() {
			if wErr := m.WriteTextfile(cfg.Metrics.Textfile); wErr != nil {
				slog.Warn("Could not write metrics textfile.", "path", cfg.Metrics.Textfile, "err", wErr)
			}
		}()
	}

	backends, err := wiring.Build(ctx, cfg)
	if err != nil {
		return scenario.Result{}, fmt.Errorf("connect backends: %w", err)
	}
	defer func() {
		if cErr := backends.Close(); cErr != nil {
			slog.Warn("Closing backends failed.", "err", cErr)
		}
	}()

	o := scenario.New(scenarioConfig(cfg), scenario.Deps{
		Store:    backends.Store,
		Counters: backends.Counters,
		Topology: backends.Topology,
		Tracer:   provider.Tracer("sowcheck"),
		Metrics:  m,
	})
	res, err = o.Run(ctx)
	logOutcome(res, err)
	return res, err
}

func scenarioConfig(cfg config.Config) scenario.Config {
	return scenario.Config{
		Entries:             cfg.Entries,
		PayloadSize:         cfg.PayloadSize,
		PopulationThreshold: cfg.PopulationThreshold,
		PopulationTimeout:   cfg.PopulationTimeout,
		PopulationPoll:      cfg.PopulationPoll,
		WriteSettle:         cfg.WriteSettle,
		WriteReportInterval: cfg.WriteReportInterval,
		ConvergenceDeadline: cfg.ConvergenceDeadline,
		ConvergencePoll:     cfg.ConvergencePoll,
		ClaimPrefix:         cfg.ClaimPrefix,
	}
}

func logOutcome(res scenario.Result, err error) {
	if err != nil {
		attrs := []any{"err", err, "role", res.Role, "state", res.State}
		if errors.Is(err, scenario.ErrSafetyTimeout) {
			attrs = append(attrs, "reason", "safety timeout")
		}
		slog.Error("Scenario failed.", attrs...)
		return
	}
	if res.Verdict == nil {
		slog.Info("Scenario finished.", "role", res.Role)
		return
	}
	for _, k := range res.Verdict.Missing {
		slog.Error("Missing key.", "key", k)
	}
	slog.Info("Scenario finished.", "role", res.Role, "passed", res.Verdict.Passed,
		"observed", res.Verdict.ObservedCount, "store_size", res.StoreSize)
}

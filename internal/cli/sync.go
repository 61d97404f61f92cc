package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/roach88/localsync/internal/server"
	"github.com/roach88/localsync/internal/syncer"
)

// NewSyncCommand creates the sync command.
func NewSyncCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "sync",
		Short: "Run one push and pull cycle",
		Long: `Push every queued mutation in order, then pull remote changes.

Transient failures are retried with exponential backoff. Sync stops with an
error when the server rejects the credentials.

Example:
  localsync sync --config localsync.yaml`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return syncOnce(rootOpts, cmd)
		},
	}
}

func syncOnce(opts *RootOptions, cmd *cobra.Command) error {
	st, err := opts.openStore()
	if err != nil {
		return err
	}
	defer opts.closeStore(st)

	eng, err := opts.engine(st, nil)
	if err != nil {
		return err
	}

	rep, err := eng.Sync(cmd.Context())
	if err != nil {
		if syncer.IsPaused(err) {
			return WrapExitError(ExitFailure, "sign in to continue syncing", err)
		}
		return WrapExitError(ExitFailure, "sync failed", err)
	}
	opts.Logger.Debug("sync finished", "pushed", rep.Pushed, "applied", rep.Applied)

	return newFormatter(opts, cmd).Render(rep, func(w io.Writer) {
		writeReport(w, rep)
	})
}

// RunOptions holds flags for the run command.
type RunOptions struct {
	*RootOptions
	MetricsAddr string
}

// NewRunCommand creates the run command.
func NewRunCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RunOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Sync continuously until interrupted",
		Long: `Start the sync engine and keep the local store in sync.

The engine syncs on start, whenever a local write is queued, when new
credentials arrive and otherwise every sync.interval. It pauses when the
session expires and resumes after sign-in.

Example:
  localsync run --config localsync.yaml
  localsync run --metrics-addr 127.0.0.1:9090 --verbose`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runEngine(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.MetricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address (overrides config)")

	return cmd
}

func runEngine(opts *RunOptions, cmd *cobra.Command) error {
	logger := opts.Logger
	addr := opts.MetricsAddr
	if addr == "" {
		addr = opts.Config.Metrics.Addr
	}

	st, err := opts.openStore()
	if err != nil {
		return err
	}
	defer opts.closeStore(st)

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		syncer.NewStoreCollector(st),
	)
	eng, err := opts.engine(st, reg)
	if err != nil {
		return err
	}

	// Use command's context if available (for testing), otherwise create one
	parentCtx := cmd.Context()
	if parentCtx == nil {
		parentCtx = context.Background()
	}
	ctx, stop := signal.NotifyContext(parentCtx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if addr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
		errc := make(chan error, 1)
		go func() {
			errc <- server.ListenAndServe(ctx, addr, mux, logger.With("component", "metrics"))
		}()
		defer func() {
			stop()
			if err := <-errc; err != nil {
				logger.Error("metrics server stopped", "error", err)
			}
		}()
	}

	go logEvents(ctx, eng, logger)

	logger.Info("engine starting", "db", opts.Config.Database, "remote", opts.Config.Remote.URL)
	fmt.Fprintln(cmd.OutOrStdout(), "Sync engine started. Press Ctrl-C to stop.")

	if err := eng.Run(ctx); err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
		return WrapExitError(ExitFailure, "engine error", err)
	}

	logger.Info("engine stopped gracefully")
	return nil
}

// logEvents logs engine events until ctx ends.
func logEvents(ctx context.Context, eng *syncer.Engine, logger *slog.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-eng.Events():
			attrs := []any{"kind", ev.Kind}
			if ev.RecordID != "" {
				attrs = append(attrs, "record", ev.RecordID)
			}
			if ev.Seq != 0 {
				attrs = append(attrs, "seq", ev.Seq)
			}
			if ev.Winner != "" {
				attrs = append(attrs, "winner", ev.Winner)
			}
			if ev.Applied != 0 {
				attrs = append(attrs, "applied", ev.Applied)
			}
			if ev.Err != nil {
				attrs = append(attrs, "error", ev.Err)
			}
			logger.Debug("sync event", attrs...)
		}
	}
}

// NewStatusCommand creates the status command.
func NewStatusCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show store and outbox counts",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := rootOpts.openStore()
			if err != nil {
				return err
			}
			defer rootOpts.closeStore(st)

			stats, err := st.Stats(cmd.Context())
			if err != nil {
				return err
			}
			return newFormatter(rootOpts, cmd).Render(stats, func(w io.Writer) {
				writeStats(w, stats)
			})
		},
	}
}

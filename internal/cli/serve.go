package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/roach88/localsync/internal/remote"
	"github.com/roach88/localsync/internal/server"
)

// ServeOptions holds flags for the serve command.
type ServeOptions struct {
	*RootOptions
	Listen string
}

// NewServeCommand creates the serve command.
func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ServeOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run an in-memory sync server for development",
		Long: `Run the sync server with accounts and records held in memory.

Every record type in the schema is validated on push. State is lost when
the server stops.

Example:
  localsync serve --listen 127.0.0.1:8080
  localsync auth signup -u alice -p secret123 --config client.yaml`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Listen, "listen", "", "address to listen on (overrides config)")

	return cmd
}

func serve(opts *ServeOptions, cmd *cobra.Command) error {
	addr := opts.Listen
	if addr == "" {
		addr = opts.Config.Server.Listen
	}

	reg, err := opts.schemas()
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to load schemas", err)
	}

	accounts := server.NewAccounts(
		server.WithTokenTTL(opts.Config.Server.TokenTTL),
		server.WithClock(opts.clock()),
	)
	svc := remote.NewMemory(
		remote.WithAuthorizer(accounts.Authorize),
		remote.WithSchemas(reg),
	)
	h := server.New(accounts, svc, server.WithLogger(opts.Logger))

	parentCtx := cmd.Context()
	if parentCtx == nil {
		parentCtx = context.Background()
	}
	ctx, stop := signal.NotifyContext(parentCtx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	fmt.Fprintf(cmd.OutOrStdout(), "Serving on %s. Press Ctrl-C to stop.\n", addr)
	if err := server.ListenAndServe(ctx, addr, h, opts.Logger); err != nil && !errors.Is(err, context.Canceled) {
		return WrapExitError(ExitCommandError, "server error", err)
	}
	opts.Logger.Info("server stopped")
	return nil
}

package cli

import (
	"fmt"
	"io"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/roach88/localsync/internal/store"
)

// NewFailedCommand creates the failed command group.
func NewFailedCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "failed",
		Short: "Inspect mutations the server rejected",
		Long: `Inspect outbox entries the server rejected permanently.

Failed entries stay in the outbox, keep their records PENDING_PUSH and are
skipped by sync until they are retried or discarded.`,
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List failed mutations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(rootOpts, func(st *store.Store) error {
				failed, err := st.Outbox().Failed(cmd.Context())
				if err != nil {
					return err
				}
				return newFormatter(rootOpts, cmd).Render(failed, func(w io.Writer) {
					writeMutations(w, failed)
				})
			})
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "retry <seq>",
		Short: "Queue a failed mutation for another push",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			seq, err := parseSeq(args[0])
			if err != nil {
				return err
			}
			return withStore(rootOpts, func(st *store.Store) error {
				if err := st.Outbox().Retry(cmd.Context(), seq); err != nil {
					return err
				}
				return newFormatter(rootOpts, cmd).Render(map[string]int64{"retried": seq}, func(w io.Writer) {
					fmt.Fprintf(w, "Mutation %d queued for retry\n", seq)
				})
			})
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "discard <seq>",
		Short: "Drop a failed mutation",
		Long: `Drop a failed mutation from the outbox. The local record keeps its
value; it becomes SYNCED once nothing else is queued for it.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			seq, err := parseSeq(args[0])
			if err != nil {
				return err
			}
			return withStore(rootOpts, func(st *store.Store) error {
				if err := st.Outbox().Discard(cmd.Context(), seq); err != nil {
					return err
				}
				return newFormatter(rootOpts, cmd).Render(map[string]int64{"discarded": seq}, func(w io.Writer) {
					fmt.Fprintf(w, "Mutation %d discarded\n", seq)
				})
			})
		},
	})

	return cmd
}

// withStore opens the store, runs fn and closes the store.
func withStore(opts *RootOptions, fn func(st *store.Store) error) error {
	st, err := opts.openStore()
	if err != nil {
		return err
	}
	defer opts.closeStore(st)
	return fn(st)
}

func parseSeq(s string) (int64, error) {
	seq, err := strconv.ParseInt(s, 10, 64)
	if err != nil || seq <= 0 {
		return 0, NewExitError(ExitCommandError, fmt.Sprintf("invalid sequence number %q", s))
	}
	return seq, nil
}

package cli

import (
	"fmt"
	"io"
	"math/rand/v2"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/localsync/internal/field"
	"github.com/roach88/localsync/internal/model"
)

// todoType is the record type of the built-in schema.
const todoType = "Todo"

// Priorities is the order random priorities are drawn from.
var Priorities = []string{"LOW", "NORMAL", "HIGH"}

// NewTodoCommand creates the todo command group.
func NewTodoCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "todo",
		Short: "Work with Todo records",
		Long: `Add, list, complete and delete Todo records.

These commands are shortcuts over put, query and delete for the built-in
Todo type.`,
	}

	cmd.AddCommand(newTodoAddCommand(rootOpts))
	cmd.AddCommand(newTodoListCommand(rootOpts))
	cmd.AddCommand(newTodoCompleteCommand(rootOpts))
	cmd.AddCommand(newTodoDeleteCommand(rootOpts))

	return cmd
}

// TodoAddOptions holds flags for todo add.
type TodoAddOptions struct {
	*RootOptions
	Name        string
	Priority    string
	Description string
}

func newTodoAddCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &TodoAddOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "add",
		Short: "Add a todo",
		Long: `Add a todo. Without flags it gets a random "Task #N" name and a
random priority.

Examples:
  localsync todo add
  localsync todo add --name "buy milk" --priority HIGH`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return addTodo(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Name, "name", "", "todo name (default: random)")
	cmd.Flags().StringVar(&opts.Priority, "priority", "", "LOW, NORMAL or HIGH (default: random)")
	cmd.Flags().StringVar(&opts.Description, "description", "", "optional description")

	return cmd
}

func addTodo(opts *TodoAddOptions, cmd *cobra.Command) error {
	name, priority := opts.Name, opts.Priority
	if name == "" {
		name = fmt.Sprintf("Task #%d", opts.intN(1_000_000))
	}
	if priority == "" {
		priority = Priorities[opts.intN(len(Priorities))]
	}
	fields := field.Object{
		"name":     field.String(name),
		"priority": field.String(priority),
	}
	if opts.Description != "" {
		fields["description"] = field.String(opts.Description)
	}

	st, err := opts.openStore()
	if err != nil {
		return err
	}
	defer opts.closeStore(st)

	rec, err := st.Put(cmd.Context(), model.Record{Type: todoType, Fields: fields})
	if err != nil {
		return err
	}
	opts.Logger.Debug("todo added", "id", rec.ID)

	return newFormatter(opts.RootOptions, cmd).Render(rec, func(w io.Writer) {
		writeTodos(w, []model.Record{rec})
	})
}

func (o *RootOptions) intN(n int) int {
	if o.Rand != nil {
		return o.Rand.IntN(n)
	}
	return rand.IntN(n)
}

func newTodoListCommand(rootOpts *RootOptions) *cobra.Command {
	var pending bool

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List todos",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := rootOpts.openStore()
			if err != nil {
				return err
			}
			defer rootOpts.closeStore(st)

			q := model.Query{Type: todoType}
			if pending {
				q.Where = model.Not(model.HasField("completedAt"))
			}
			todos, err := st.Collect(cmd.Context(), q)
			if err != nil {
				return err
			}
			return newFormatter(rootOpts, cmd).Render(todos, func(w io.Writer) {
				writeTodos(w, todos)
			})
		},
	}

	cmd.Flags().BoolVar(&pending, "pending", false, "only todos not yet completed")

	return cmd
}

func newTodoCompleteCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "complete <id>",
		Short: "Mark a todo as completed",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := rootOpts.openStore()
			if err != nil {
				return err
			}
			defer rootOpts.closeStore(st)

			ctx := cmd.Context()
			rec, err := st.Get(ctx, args[0])
			if err != nil {
				return err
			}
			if rec.Type != todoType {
				return model.NewValidationError(rec.ID, "record is a %s, not a %s", rec.Type, todoType)
			}
			rec.Fields["completedAt"] = field.String(rootOpts.clock().Now().UTC().Format(time.RFC3339))
			rec, err = st.Put(ctx, rec)
			if err != nil {
				return err
			}
			return newFormatter(rootOpts, cmd).Render(rec, func(w io.Writer) {
				writeTodos(w, []model.Record{rec})
			})
		},
	}
}

func newTodoDeleteCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete a todo",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return deleteRecord(rootOpts, args[0], cmd)
		},
	}
}

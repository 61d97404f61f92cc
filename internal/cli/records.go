package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/localsync/internal/field"
	"github.com/roach88/localsync/internal/model"
)

// PutOptions holds flags for the put command.
type PutOptions struct {
	*RootOptions
	JSON  string
	Set   []string
	Unset []string
}

// NewPutCommand creates the put command.
func NewPutCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &PutOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "put <type> [id]",
		Short: "Create or update a record",
		Long: `Create or update a record in the local store.

Without an id a new record is created. With the id of a live record, the
given fields are merged over the stored ones; only the changed fields are
queued for sync. --json values keep their JSON types; --set values are
strings.

Examples:
  localsync put Todo --set name=milk --set priority=HIGH
  localsync put Todo 0193... --set priority=LOW --unset description
  localsync put Todo --json '{"name":"milk","description":"2 litres"}'`,
		Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := ""
			if len(args) == 2 {
				id = args[1]
			}
			return putRecord(opts, args[0], id, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.JSON, "json", "", "fields as a JSON object")
	cmd.Flags().StringArrayVar(&opts.Set, "set", nil, "set a string field (key=value, repeatable)")
	cmd.Flags().StringArrayVar(&opts.Unset, "unset", nil, "remove a field (repeatable)")

	return cmd
}

func putRecord(opts *PutOptions, typ, id string, cmd *cobra.Command) error {
	changes, err := parseFields(opts.JSON, opts.Set)
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid fields", err)
	}

	st, err := opts.openStore()
	if err != nil {
		return err
	}
	defer opts.closeStore(st)

	ctx := cmd.Context()
	fields := field.Object{}
	if id != "" {
		existing, err := st.Get(ctx, id)
		switch {
		case err == nil:
			fields = existing.Fields
		case !model.IsNotFound(err):
			return err
		}
	}
	for k, v := range changes {
		fields[k] = v
	}
	for _, k := range opts.Unset {
		delete(fields, k)
	}

	rec, err := st.Put(ctx, model.Record{ID: id, Type: typ, Fields: fields})
	if err != nil {
		return err
	}
	opts.Logger.Debug("record saved", "id", rec.ID, "type", rec.Type, "revision", rec.Revision)

	return newFormatter(opts.RootOptions, cmd).Render(rec, func(w io.Writer) {
		writeRecord(w, rec)
	})
}

// parseFields merges a JSON object and key=value pairs into one field set.
func parseFields(raw string, pairs []string) (field.Object, error) {
	out := field.Object{}
	if raw != "" {
		if err := json.Unmarshal([]byte(raw), &out); err != nil {
			return nil, fmt.Errorf("--json: %w", err)
		}
	}
	for _, p := range pairs {
		k, v, ok := strings.Cut(p, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("--set %q: expected key=value", p)
		}
		out[k] = field.String(v)
	}
	return out, nil
}

// NewGetCommand creates the get command.
func NewGetCommand(rootOpts *RootOptions) *cobra.Command {
	var includeDeleted bool

	cmd := &cobra.Command{
		Use:   "get <id>",
		Short: "Show a record",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := rootOpts.openStore()
			if err != nil {
				return err
			}
			defer rootOpts.closeStore(st)

			get := st.Get
			if includeDeleted {
				get = st.Lookup
			}
			rec, err := get(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return newFormatter(rootOpts, cmd).Render(rec, func(w io.Writer) {
				writeRecord(w, rec)
			})
		},
	}

	cmd.Flags().BoolVar(&includeDeleted, "include-deleted", false, "show soft-deleted records")

	return cmd
}

// QueryOptions holds flags for the query command.
type QueryOptions struct {
	*RootOptions
	Where          []string
	Has            []string
	Status         []string
	IncludeDeleted bool
	Limit          int
}

// NewQueryCommand creates the query command.
func NewQueryCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &QueryOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "query <type>",
		Short: "List records of a type",
		Long: `List records of a type, ordered by id.

Filters combine with AND. --where compares a field with a string value.

Examples:
  localsync query Todo
  localsync query Todo --where priority=HIGH --status PENDING_PUSH
  localsync query Todo --has completedAt --include-deleted`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return queryRecords(opts, args[0], cmd)
		},
	}

	cmd.Flags().StringArrayVar(&opts.Where, "where", nil, "field equals string value (key=value, repeatable)")
	cmd.Flags().StringArrayVar(&opts.Has, "has", nil, "field is present (repeatable)")
	cmd.Flags().StringArrayVar(&opts.Status, "status", nil, "sync status (repeatable)")
	cmd.Flags().BoolVar(&opts.IncludeDeleted, "include-deleted", false, "include soft-deleted records")
	cmd.Flags().IntVar(&opts.Limit, "limit", 0, "maximum number of records (0 = all)")

	return cmd
}

func queryRecords(opts *QueryOptions, typ string, cmd *cobra.Command) error {
	q, err := opts.query(typ)
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid query", err)
	}

	st, err := opts.openStore()
	if err != nil {
		return err
	}
	defer opts.closeStore(st)

	recs, err := st.Collect(cmd.Context(), q)
	if err != nil {
		return err
	}
	return newFormatter(opts.RootOptions, cmd).Render(recs, func(w io.Writer) {
		writeRecords(w, recs)
	})
}

func (o *QueryOptions) query(typ string) (model.Query, error) {
	var preds []model.Predicate
	for _, p := range o.Where {
		k, v, ok := strings.Cut(p, "=")
		if !ok || k == "" {
			return model.Query{}, fmt.Errorf("--where %q: expected key=value", p)
		}
		preds = append(preds, model.FieldEquals(k, field.String(v)))
	}
	for _, k := range o.Has {
		preds = append(preds, model.HasField(k))
	}
	if len(o.Status) > 0 {
		statuses := make([]model.Status, len(o.Status))
		for i, s := range o.Status {
			statuses[i] = model.Status(strings.ToUpper(s))
			if !statuses[i].Valid() {
				return model.Query{}, fmt.Errorf("--status %q: unknown status", s)
			}
		}
		preds = append(preds, model.StatusIs(statuses...))
	}
	if o.Limit < 0 {
		return model.Query{}, fmt.Errorf("--limit must not be negative")
	}

	q := model.Query{Type: typ, IncludeDeleted: o.IncludeDeleted, Limit: o.Limit}
	switch len(preds) {
	case 0:
	case 1:
		q.Where = preds[0]
	default:
		q.Where = model.And(preds...)
	}
	return q, nil
}

// NewDeleteCommand creates the delete command.
func NewDeleteCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <id>",
		Short: "Soft-delete a record",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return deleteRecord(rootOpts, args[0], cmd)
		},
	}
}

func deleteRecord(opts *RootOptions, id string, cmd *cobra.Command) error {
	st, err := opts.openStore()
	if err != nil {
		return err
	}
	defer opts.closeStore(st)

	if err := st.Delete(cmd.Context(), id); err != nil {
		return err
	}
	opts.Logger.Debug("record deleted", "id", id)

	return newFormatter(opts, cmd).Render(map[string]string{"deleted": id}, func(w io.Writer) {
		fmt.Fprintf(w, "Deleted %s\n", id)
	})
}

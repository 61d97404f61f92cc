// Package schema compiles CUE record type definitions and validates record
// field sets against them at the store boundary.
//
// A schema source declares record types under the top-level "schema" struct
// and lists types that never sync under "localOnly":
//
//	schema: Todo: {
//		name:      string & !=""
//		priority?: "LOW" | "NORMAL" | "HIGH"
//	}
//	localOnly: ["Draft"]
package schema

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"sort"
	"sync"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"
	"cuelang.org/go/cue/load"
	"cuelang.org/go/cue/token"

	"github.com/roach88/localsync/internal/field"
	"github.com/roach88/localsync/internal/model"
)

//go:embed todo.cue
var defaultSource string

// Kind is the value kind a field accepts.
type Kind string

const (
	KindString Kind = "string"
	KindInt    Kind = "int"
	KindBool   Kind = "bool"
	KindList   Kind = "list"
	KindObject Kind = "object"
)

// FieldDef describes one declared field of a record type.
type FieldDef struct {
	Name     string
	Kind     Kind
	Optional bool
}

// Type is a compiled record type.
type Type struct {
	Name      string
	Fields    []FieldDef // sorted by name
	LocalOnly bool

	value cue.Value
}

// Field returns the definition of the named field.
func (t Type) Field(name string) (FieldDef, bool) {
	i := sort.Search(len(t.Fields), func(i int) bool { return t.Fields[i].Name >= name })
	if i < len(t.Fields) && t.Fields[i].Name == name {
		return t.Fields[i], true
	}
	return FieldDef{}, false
}

// Registry holds the compiled record types.
// A cue.Context is not safe for concurrent use, so every CUE operation runs
// under mu.
type Registry struct {
	mu    sync.Mutex
	ctx   *cue.Context
	types map[string]*Type
}

// Default compiles the embedded schema (Todo and Draft).
func Default() (*Registry, error) {
	return Compile("todo.cue", defaultSource)
}

// MustDefault is Default for tests and program setup. It panics on error.
func MustDefault() *Registry {
	r, err := Default()
	if err != nil {
		panic(err)
	}
	return r
}

// Compile builds a registry from a single CUE source.
func Compile(filename, src string) (*Registry, error) {
	ctx := cuecontext.New()
	v := ctx.CompileString(src, cue.Filename(filename))
	if err := v.Err(); err != nil {
		return nil, formatCUEError(err)
	}
	return newRegistry(ctx, v)
}

// Load builds a registry from the CUE package in dir.
func Load(dir string) (*Registry, error) {
	info, err := os.Stat(dir)
	if err != nil {
		return nil, fmt.Errorf("load schemas: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("load schemas: not a directory: %s", dir)
	}

	ctx := cuecontext.New()
	instances := load.Instances([]string{"."}, &load.Config{Dir: dir})
	if len(instances) == 0 {
		return nil, fmt.Errorf("load schemas: no CUE instances in %s", dir)
	}
	inst := instances[0]
	if inst.Err != nil {
		return nil, fmt.Errorf("load schemas: %w", formatCUEError(inst.Err))
	}

	v := ctx.BuildInstance(inst)
	if err := v.Err(); err != nil {
		return nil, fmt.Errorf("load schemas: build: %w", formatCUEError(err))
	}
	return newRegistry(ctx, v)
}

func newRegistry(ctx *cue.Context, root cue.Value) (*Registry, error) {
	r := &Registry{ctx: ctx, types: make(map[string]*Type)}

	schemaVal := root.LookupPath(cue.ParsePath("schema"))
	if !schemaVal.Exists() {
		return nil, &CompileError{Field: "schema", Message: "no record types declared", Pos: root.Pos()}
	}

	iter, err := schemaVal.Fields()
	if err != nil {
		return nil, formatCUEError(err)
	}
	for iter.Next() {
		t, err := compileType(iter.Label(), iter.Value())
		if err != nil {
			return nil, err
		}
		r.types[t.Name] = t
	}

	localVal := root.LookupPath(cue.ParsePath("localOnly"))
	if localVal.Exists() {
		list, err := localVal.List()
		if err != nil {
			return nil, formatCUEError(err)
		}
		for list.Next() {
			name, err := list.Value().String()
			if err != nil {
				return nil, formatCUEError(err)
			}
			t, ok := r.types[name]
			if !ok {
				return nil, &CompileError{
					Field:   "localOnly",
					Message: fmt.Sprintf("unknown record type %q", name),
					Pos:     list.Value().Pos(),
				}
			}
			t.LocalOnly = true
		}
	}

	return r, nil
}

func compileType(name string, v cue.Value) (*Type, error) {
	t := &Type{Name: name, value: v}

	iter, err := v.Fields(cue.Optional(true))
	if err != nil {
		return nil, formatCUEError(err)
	}
	for iter.Next() {
		kind, err := kindOf(iter.Value())
		if err != nil {
			var ce *CompileError
			if errors.As(err, &ce) {
				ce.Field = name + "." + iter.Label()
			}
			return nil, err
		}
		t.Fields = append(t.Fields, FieldDef{
			Name:     iter.Label(),
			Kind:     kind,
			Optional: iter.IsOptional(),
		})
	}
	sort.Slice(t.Fields, func(i, j int) bool { return t.Fields[i].Name < t.Fields[j].Name })
	return t, nil
}

// kindOf maps a CUE field constraint to a field kind. Floats are rejected:
// field values are integers only.
func kindOf(v cue.Value) (Kind, error) {
	switch v.IncompleteKind() {
	case cue.StringKind:
		return KindString, nil
	case cue.IntKind:
		return KindInt, nil
	case cue.BoolKind:
		return KindBool, nil
	case cue.ListKind:
		return KindList, nil
	case cue.StructKind:
		return KindObject, nil
	case cue.FloatKind, cue.NumberKind:
		return "", &CompileError{
			Message: "float types are not supported; use int",
			Pos:     v.Pos(),
		}
	default:
		return "", &CompileError{
			Message: fmt.Sprintf("unsupported field kind: %v", v.IncompleteKind()),
			Pos:     v.Pos(),
		}
	}
}

// Types returns the declared type names in sorted order.
func (r *Registry) Types() []string {
	names := make([]string, 0, len(r.types))
	for name := range r.types {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Lookup returns the named record type.
func (r *Registry) Lookup(name string) (Type, bool) {
	t, ok := r.types[name]
	if !ok {
		return Type{}, false
	}
	return *t, true
}

// LocalOnly reports whether records of the named type stay on the device.
func (r *Registry) LocalOnly(name string) bool {
	t, ok := r.types[name]
	return ok && t.LocalOnly
}

// Validate checks a full field set against its record type. Unknown types,
// undeclared fields, null values and CUE constraint violations are all
// validation errors.
func (r *Registry) Validate(recordID, typ string, fields field.Object) error {
	t, ok := r.types[typ]
	if !ok {
		return model.NewValidationError(recordID, "unknown record type %q", typ)
	}

	for _, name := range fields.Keys() {
		def, ok := t.Field(name)
		if !ok {
			return model.NewValidationError(recordID, "%s: undeclared field %q", typ, name)
		}
		if err := checkKind(def, fields[name]); err != nil {
			return model.NewValidationError(recordID, "%s.%s: %v", typ, name, err)
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	data := r.ctx.Encode(field.ToAny(fields))
	if err := data.Err(); err != nil {
		return model.NewValidationError(recordID, "%s: encode fields: %v", typ, err)
	}
	if err := t.value.Unify(data).Validate(cue.Concrete(true)); err != nil {
		return &model.Error{
			Code:     model.ErrCodeValidation,
			Message:  fmt.Sprintf("%s: %s", typ, firstMessage(err)),
			RecordID: recordID,
			Err:      err,
		}
	}
	return nil
}

func checkKind(def FieldDef, v field.Value) error {
	var got Kind
	switch v.(type) {
	case field.Null:
		return fmt.Errorf("null is not a field value")
	case field.String:
		got = KindString
	case field.Int:
		got = KindInt
	case field.Bool:
		got = KindBool
	case field.List:
		got = KindList
	case field.Object:
		got = KindObject
	default:
		return fmt.Errorf("unsupported value %T", v)
	}
	if got != def.Kind {
		return fmt.Errorf("expected %s, got %s", def.Kind, got)
	}
	return nil
}

// CompileError is a schema compilation error with source position.
type CompileError struct {
	Field   string
	Message string
	Pos     token.Pos
}

func (e *CompileError) Error() string {
	prefix := e.Message
	if e.Field != "" {
		prefix = e.Field + ": " + e.Message
	}
	if e.Pos.IsValid() {
		return fmt.Sprintf("%s:%d:%d: %s", e.Pos.Filename(), e.Pos.Line(), e.Pos.Column(), prefix)
	}
	return prefix
}

// formatCUEError keeps the first CUE error and its position.
func formatCUEError(err error) error {
	errs := cueerrors.Errors(err)
	if len(errs) == 0 {
		return err
	}
	first := errs[0]
	if positions := cueerrors.Positions(first); len(positions) > 0 {
		return &CompileError{Field: "cue", Message: first.Error(), Pos: positions[0]}
	}
	return err
}

func firstMessage(err error) string {
	if errs := cueerrors.Errors(err); len(errs) > 0 {
		return errs[0].Error()
	}
	return err.Error()
}

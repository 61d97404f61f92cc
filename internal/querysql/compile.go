// Package querysql compiles record queries to parameterized SQLite.
//
// Field predicates become json_type/json_extract tests against the fields
// column. A predicate the compiler cannot express exactly compiles to a
// looser condition and the caller filters the rows again in Go.
package querysql

import (
	"fmt"
	"strings"

	"golang.org/x/text/unicode/norm"

	"github.com/roach88/localsync/internal/field"
	"github.com/roach88/localsync/internal/model"
)

// SQLCompiler compiles model.Query values to SELECT statements over one
// records table.
//
// Every statement orders by id and every value is bound as a parameter.
type SQLCompiler struct {
	// Table is the records table name.
	Table string

	// Columns is the SELECT column list.
	Columns string
}

// NewSQLCompiler creates a compiler for table, selecting columns.
func NewSQLCompiler(table, columns string) *SQLCompiler {
	return &SQLCompiler{Table: table, Columns: columns}
}

// Page compiles one page of q: at most size rows whose id sorts after the
// given id. Limit in q is ignored; pages are sized by the caller.
//
// exact reports whether the WHERE clause fully implements q.Where. When it
// is false, rows must still be checked with q.Where.Match.
func (c *SQLCompiler) Page(q model.Query, after string, size int) (sql string, params []any, exact bool, err error) {
	if size <= 0 {
		return "", nil, false, fmt.Errorf("page size must be positive, got %d", size)
	}

	conds := []string{"id > ?"}
	params = []any{after}
	if q.Type != "" {
		conds = append(conds, "type = ?")
		params = append(params, q.Type)
	}
	if !q.IncludeDeleted {
		conds = append(conds, "deleted = 0")
	}

	exact = true
	if q.Where != nil {
		whereSQL, whereParams, whereExact := c.compilePredicate(q.Where)
		conds = append(conds, "("+whereSQL+")")
		params = append(params, whereParams...)
		exact = whereExact
	}

	sql = fmt.Sprintf("SELECT %s FROM %s WHERE %s ORDER BY %s LIMIT ?",
		c.Columns,
		c.Table,
		strings.Join(conds, " AND "),
		stableOrderKey)
	params = append(params, size)

	return sql, params, exact, nil
}

// stableOrderKey is the ORDER BY term of every statement.
const stableOrderKey = "id COLLATE BINARY ASC"

const (
	alwaysTrue  = "1 = 1"
	alwaysFalse = "1 = 0"
)

// compilePredicate returns a SQL condition, its parameters and whether the
// condition matches exactly the rows p matches. An inexact condition always
// matches a superset. Conditions never evaluate to NULL, so NOT is safe.
func (c *SQLCompiler) compilePredicate(p model.Predicate) (string, []any, bool) {
	switch pred := p.(type) {
	case model.FieldEqualsPredicate:
		return c.compileFieldEquals(pred)
	case model.HasFieldPredicate:
		path, ok := jsonPath(pred.Name)
		if !ok {
			return alwaysTrue, nil, false
		}
		return "json_type(fields, ?) IS NOT NULL", []any{path}, true
	case model.StatusPredicate:
		return compileStatus(pred)
	case model.AndPredicate:
		return c.compileJunction(pred.Predicates, " AND ", alwaysTrue)
	case model.OrPredicate:
		return c.compileJunction(pred.Predicates, " OR ", alwaysFalse)
	case model.NotPredicate:
		sql, params, exact := c.compilePredicate(pred.Predicate)
		if !exact {
			return alwaysTrue, nil, false
		}
		return "NOT (" + sql + ")", params, true
	default:
		return alwaysTrue, nil, false
	}
}

// compileFieldEquals tests the JSON type first so a string never equals
// an integer with the same text. Stored strings are NFC, so the bound
// string is too.
func (c *SQLCompiler) compileFieldEquals(eq model.FieldEqualsPredicate) (string, []any, bool) {
	path, ok := jsonPath(eq.Name)
	if !ok {
		return alwaysTrue, nil, false
	}
	typeIs := "COALESCE(json_type(fields, ?), '') = "

	switch v := eq.Value.(type) {
	case field.String:
		return "(" + typeIs + "'text' AND json_extract(fields, ?) = ?)", []any{path, path, norm.NFC.String(string(v))}, true
	case field.Int:
		return "(" + typeIs + "'integer' AND json_extract(fields, ?) = ?)", []any{path, path, int64(v)}, true
	case field.Bool:
		if v {
			return typeIs + "'true'", []any{path}, true
		}
		return typeIs + "'false'", []any{path}, true
	case field.Null:
		return typeIs + "'null'", []any{path}, true
	case field.List:
		return typeIs + "'array'", []any{path}, false
	case field.Object:
		return typeIs + "'object'", []any{path}, false
	default:
		return alwaysTrue, nil, false
	}
}

func compileStatus(p model.StatusPredicate) (string, []any, bool) {
	if len(p.Statuses) == 0 {
		return alwaysFalse, nil, true
	}
	marks := make([]string, len(p.Statuses))
	params := make([]any, len(p.Statuses))
	for i, s := range p.Statuses {
		marks[i] = "?"
		params[i] = string(s)
	}
	return "status IN (" + strings.Join(marks, ", ") + ")", params, true
}

// compileJunction joins the parts with op. An empty junction is empty.
func (c *SQLCompiler) compileJunction(ps []model.Predicate, op, empty string) (string, []any, bool) {
	if len(ps) == 0 {
		return empty, nil, true
	}

	var sqlParts []string
	var allParams []any
	exact := true
	for _, p := range ps {
		sql, params, partExact := c.compilePredicate(p)
		sqlParts = append(sqlParts, "("+sql+")")
		allParams = append(allParams, params...)
		exact = exact && partExact
	}
	return strings.Join(sqlParts, op), allParams, exact
}

// jsonPath returns the SQLite JSON path of a top-level field. Names with a
// double quote cannot be expressed as a quoted path label.
func jsonPath(name string) (string, bool) {
	if strings.ContainsRune(name, '"') {
		return "", false
	}
	return `$."` + name + `"`, true
}

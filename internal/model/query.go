package model

import (
	"strconv"

	"github.com/roach88/localsync/internal/field"
)

// Query selects records from the local store.
type Query struct {
	// Type restricts results to one record type. Empty matches every type.
	Type string

	// Where filters records after the type filter. Nil matches everything.
	Where Predicate

	// IncludeDeleted also returns soft-deleted records.
	IncludeDeleted bool

	// Limit caps the number of records yielded. Zero means no limit.
	Limit int
}

// Predicate filters records in a query.
//
// The predicates built by FieldEquals, HasField, StatusIs, And, Or and Not
// are plain values the store can translate to SQL. Any other Predicate
// (a PredicateFunc, for example) is evaluated in Go after rows are read.
type Predicate interface {
	Match(r Record) bool
}

// PredicateFunc adapts a function to Predicate.
type PredicateFunc func(r Record) bool

// Match calls f.
func (f PredicateFunc) Match(r Record) bool { return f(r) }

// FieldEqualsPredicate matches records whose field Name equals Value.
type FieldEqualsPredicate struct {
	Name  string
	Value field.Value
}

// Match implements Predicate.
func (p FieldEqualsPredicate) Match(r Record) bool {
	got, ok := r.Fields[p.Name]
	return ok && field.Equal(got, p.Value)
}

// HasFieldPredicate matches records that set field Name.
type HasFieldPredicate struct {
	Name string
}

// Match implements Predicate.
func (p HasFieldPredicate) Match(r Record) bool {
	_, ok := r.Fields[p.Name]
	return ok
}

// StatusPredicate matches records in any of Statuses.
type StatusPredicate struct {
	Statuses []Status
}

// Match implements Predicate.
func (p StatusPredicate) Match(r Record) bool {
	for _, s := range p.Statuses {
		if r.Status == s {
			return true
		}
	}
	return false
}

// AndPredicate matches records every predicate matches.
type AndPredicate struct {
	Predicates []Predicate
}

// Match implements Predicate.
func (p AndPredicate) Match(r Record) bool {
	for _, q := range p.Predicates {
		if !q.Match(r) {
			return false
		}
	}
	return true
}

// OrPredicate matches records any predicate matches.
type OrPredicate struct {
	Predicates []Predicate
}

// Match implements Predicate.
func (p OrPredicate) Match(r Record) bool {
	for _, q := range p.Predicates {
		if q.Match(r) {
			return true
		}
	}
	return false
}

// NotPredicate inverts Predicate.
type NotPredicate struct {
	Predicate Predicate
}

// Match implements Predicate.
func (p NotPredicate) Match(r Record) bool { return !p.Predicate.Match(r) }

// FieldEquals matches records whose field name equals v.
func FieldEquals(name string, v field.Value) Predicate {
	return FieldEqualsPredicate{Name: name, Value: v}
}

// HasField matches records that set the named field.
func HasField(name string) Predicate {
	return HasFieldPredicate{Name: name}
}

// StatusIs matches records in any of the given statuses.
func StatusIs(statuses ...Status) Predicate {
	return StatusPredicate{Statuses: append([]Status(nil), statuses...)}
}

// And matches records every predicate matches.
// Panics on a nil predicate: that is a programming error.
func And(ps ...Predicate) Predicate {
	mustNotBeNil("And", ps)
	return AndPredicate{Predicates: append([]Predicate(nil), ps...)}
}

// Or matches records any predicate matches.
// Panics on a nil predicate.
func Or(ps ...Predicate) Predicate {
	mustNotBeNil("Or", ps)
	return OrPredicate{Predicates: append([]Predicate(nil), ps...)}
}

// Not inverts p. Panics on a nil predicate.
func Not(p Predicate) Predicate {
	mustNotBeNil("Not", []Predicate{p})
	return NotPredicate{Predicate: p}
}

func mustNotBeNil(op string, ps []Predicate) {
	for i, p := range ps {
		if p == nil {
			panic("model." + op + ": nil predicate at index " + strconv.Itoa(i))
		}
	}
}

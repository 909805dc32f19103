// Package params implements the typed session-parameter model (spec.md C2):
// case-insensitive name matching, atomic vs. tuple values, a tracked subset
// that must agree between client and server, and the RESET/SET
// reconciliation helpers the engine uses when linking a freshly checked-out
// server connection to a client's session.
package params

import (
	"fmt"
	"sort"
	"strings"
)

// Value is either a single string or an ordered tuple of strings (to support
// search_path-style lists).
type Value struct {
	atoms []string
}

// String constructs an atomic value.
func String(s string) Value { return Value{atoms: []string{s}} }

// Tuple constructs an ordered-list value.
func Tuple(parts ...string) Value { return Value{atoms: append([]string(nil), parts...)} }

// IsTuple reports whether the value is anything other than a single atom
// (a list of zero or several elements).
func (v Value) IsTuple() bool { return len(v.atoms) != 1 }

// Raw returns the value's canonical SQL text: a bare literal for an atomic
// value, a comma-joined list for a tuple.
func (v Value) Raw() string { return strings.Join(v.atoms, ",") }

// Atoms returns the individual elements.
func (v Value) Atoms() []string { return v.atoms }

func (v Value) Equal(o Value) bool {
	if len(v.atoms) != len(o.atoms) {
		return false
	}
	for i := range v.atoms {
		if v.atoms[i] != o.atoms[i] {
			return false
		}
	}
	return true
}

// TrackedParameters lists the session parameters the engine must keep
// reconciled between client and server (spec.md §4.2).
var TrackedParameters = map[string]bool{
	"application_name":                    true,
	"client_encoding":                     true,
	"datestyle":                           true,
	"timezone":                            true,
	"search_path":                         true,
	"statement_timeout":                   true,
	"lock_timeout":                        true,
	"idle_in_transaction_session_timeout": true,
	"standard_conforming_strings":         true,
	"extra_float_digits":                  true,
}

func canon(name string) string { return strings.ToLower(name) }

// ErrMissingParameter is returned by GetRequired when a required parameter
// is absent.
type ErrMissingParameter struct{ Name string }

func (e ErrMissingParameter) Error() string {
	return fmt.Sprintf("params: missing required parameter %q", e.Name)
}

// Set is a mapping from canonical parameter name to Value. Which names are
// tracked is decided by the package-level TrackedParameters, not per set.
type Set struct {
	values map[string]Value
}

// New returns an empty parameter set.
func New() *Set {
	return &Set{values: make(map[string]Value)}
}

// Get returns the value for name, if present.
func (s *Set) Get(name string) (Value, bool) {
	v, ok := s.values[canon(name)]
	return v, ok
}

// GetDefault returns the value for name, or def if absent.
func (s *Set) GetDefault(name string, def Value) Value {
	if v, ok := s.Get(name); ok {
		return v
	}
	return def
}

// GetRequired returns the value for name, or an error if absent.
func (s *Set) GetRequired(name string) (Value, error) {
	if v, ok := s.Get(name); ok {
		return v, nil
	}
	return Value{}, ErrMissingParameter{Name: name}
}

// Insert replaces the value for name.
func (s *Set) Insert(name string, v Value) {
	s.values[canon(name)] = v
}

// Remove deletes name from the set, if present.
func (s *Set) Remove(name string) {
	delete(s.values, canon(name))
}

// Names returns every parameter name currently set, sorted for determinism.
func (s *Set) Names() []string {
	names := make([]string, 0, len(s.values))
	for n := range s.values {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Clone returns a deep-enough copy (Values are immutable once constructed,
// so copying the map is sufficient).
func (s *Set) Clone() *Set {
	out := New()
	for k, v := range s.values {
		out.values[k] = v
	}
	return out
}

// Identical reports semantic equality over the tracked subset: every tracked
// parameter present in either set must be present and equal in the other.
func (s *Set) Identical(o *Set) bool {
	seen := map[string]bool{}
	for name := range s.values {
		if !TrackedParameters[name] {
			continue
		}
		seen[name] = true
		ov, ok := o.Get(name)
		if !ok {
			return false
		}
		if sv, _ := s.Get(name); !sv.Equal(ov) {
			return false
		}
	}
	for name := range o.values {
		if !TrackedParameters[name] || seen[name] {
			continue
		}
		return false
	}
	return true
}

// ResetQueries returns SQL statements to reset, on a server connection
// carrying `current`, every tracked parameter present in `current` but not
// in s (the client's set) — i.e. parameters the server should forget.
func (s *Set) ResetQueries(current *Set) []string {
	var stmts []string
	for name := range current.values {
		if !TrackedParameters[name] {
			continue
		}
		if _, ok := s.Get(name); !ok {
			stmts = append(stmts, fmt.Sprintf("RESET %s", quoteIdent(name)))
		}
	}
	sort.Strings(stmts)
	return stmts
}

// SetQueries returns SQL statements to apply every tracked parameter in s
// that differs from (or is absent from) `current`, reconciling a server to
// the client's session.
func (s *Set) SetQueries(current *Set) []string {
	var stmts []string
	for name, v := range s.values {
		if !TrackedParameters[name] {
			continue
		}
		if cv, ok := current.Get(name); ok && cv.Equal(v) {
			continue
		}
		stmts = append(stmts, fmt.Sprintf("SET %s TO %s", quoteIdent(name), quoteLiteral(v.Raw())))
	}
	sort.Strings(stmts)
	return stmts
}

func quoteIdent(name string) string { return name }

func quoteLiteral(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}

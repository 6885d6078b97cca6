// Copyright 2024 The roomstate authors.
// Licensed under the AGPLv3, see LICENCE file for details.

package state

import (
	"sort"
	"strings"
)

// Filter narrows a current-state read to a subset of (type, state key)
// pairs without materializing the full mapping. A filter is either the
// trivial "all" filter, a set of exact pairs, a set of wildcard types, or a
// mix of the latter two.
type Filter struct {
	all bool

	// types maps an event type to the state keys wanted for it.
	// A nil slice means every state key of that type.
	types map[string][]string
}

// AllFilter returns the trivial filter matching every state entry.
func AllFilter() Filter {
	return Filter{all: true}
}

// FilterFromTypes returns a filter matching exactly the given pairs.
func FilterFromTypes(keys ...StateKey) Filter {
	types := make(map[string][]string)
	for _, k := range keys {
		types[k.Type] = append(types[k.Type], k.Key)
	}
	return Filter{types: types}
}

// FilterForTypes returns a wildcard filter matching every state key of the
// given event types.
func FilterForTypes(eventTypes ...string) Filter {
	types := make(map[string][]string, len(eventTypes))
	for _, t := range eventTypes {
		types[t] = nil
	}
	return Filter{types: types}
}

// IsAll reports whether the filter performs no narrowing at all. Callers
// use this to delegate to the cached full-state read.
func (f Filter) IsAll() bool {
	return f.all
}

// Matches reports whether the filter admits the given state entry.
func (f Filter) Matches(k StateKey) bool {
	if f.all {
		return true
	}
	keys, ok := f.types[k.Type]
	if !ok {
		return false
	}
	if keys == nil {
		return true
	}
	for _, key := range keys {
		if key == k.Key {
			return true
		}
	}
	return false
}

// SQLClause renders the filter as a SQL condition over (type, state_key)
// columns with positional placeholders, suitable for appending to a
// current-state query with AND. The trivial filter renders as an empty
// clause with no arguments.
func (f Filter) SQLClause() (string, []any) {
	if f.all || len(f.types) == 0 {
		return "", nil
	}

	// Deterministic clause ordering keeps query plans and tests stable.
	eventTypes := make([]string, 0, len(f.types))
	for t := range f.types {
		eventTypes = append(eventTypes, t)
	}
	sort.Strings(eventTypes)

	var clauses []string
	var args []any
	for _, t := range eventTypes {
		keys := f.types[t]
		if keys == nil {
			clauses = append(clauses, "(type = ?)")
			args = append(args, t)
			continue
		}
		for _, key := range keys {
			clauses = append(clauses, "(type = ? AND state_key = ?)")
			args = append(args, t, key)
		}
	}
	return strings.Join(clauses, " OR "), args
}

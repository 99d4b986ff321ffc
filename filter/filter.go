// Package filter provides the selection language over archive paths: Filter
// (a conjunction of glob constraints) and Predicate (a disjunction of
// Filters), with the two distinguished singletons Everything and Nothing.
/*
 * Copyright (c) 2018-2023, NVIDIA CORPORATION. All rights reserved.
 */
package filter

import (
	"path"
	"sort"
	"strings"

	"github.com/sruth-project/sruth/piece"
)

// Filter is a conjunction of glob-style path constraints. All patterns must
// match for the filter to match a path.
type Filter struct {
	patterns  []string
	everything bool
	nothing    bool
}

// Everything matches every path.
var Everything = Filter{everything: true}

// Nothing matches no path.
var Nothing = Filter{nothing: true}

// New builds a Filter requiring every pattern to match (path.Match syntax).
// With no patterns, New is equivalent to Everything.
func New(patterns ...string) Filter {
	if len(patterns) == 0 {
		return Everything
	}
	cp := append([]string(nil), patterns...)
	sort.Strings(cp)
	return Filter{patterns: cp}
}

// Matches reports whether p satisfies every constraint in f.
func (f Filter) Matches(p piece.ArchivePath) bool {
	if f.nothing {
		return false
	}
	if f.everything {
		return true
	}
	s := string(p)
	for _, pat := range f.patterns {
		ok, err := path.Match(pat, s)
		if err != nil || !ok {
			return false
		}
	}
	return true
}

// Includes reports whether every path matching other also matches f: f is
// at least as broad as other.
//
// Everything.Includes(x) == true for every x, and Nothing is included by
// everything (it matches no path, so the inclusion is vacuous) but only
// itself includes Nothing's complement trivially; in general a Filter
// f includes other when other's constraint set is a superset of f's — more
// constraints can only narrow the set of matching paths.
func (f Filter) Includes(other Filter) bool {
	if f.everything {
		return true
	}
	if other.nothing {
		return true
	}
	if f.nothing {
		return other.nothing
	}
	if other.everything {
		return len(f.patterns) == 0
	}
	return isSubset(f.patterns, other.patterns)
}

func isSubset(a, b []string) bool {
	set := make(map[string]struct{}, len(b))
	for _, p := range b {
		set[p] = struct{}{}
	}
	for _, p := range a {
		if _, ok := set[p]; !ok {
			return false
		}
	}
	return true
}

// And returns the conjunction of f and other: a path matches the result
// only if it matches both. Used by Predicate.EffectiveFilter to narrow a
// node's own serving criteria by a connecting peer's declared filter.
func (f Filter) And(other Filter) Filter {
	if f.nothing || other.nothing {
		return Nothing
	}
	if f.everything {
		return other
	}
	if other.everything {
		return f
	}
	return New(append(append([]string(nil), f.patterns...), other.patterns...)...)
}

// Specificity is the number of concrete constraints; used only to break
// admission ties in server.admit, never for matching semantics.
func (f Filter) Specificity() int {
	if f.everything {
		return 0
	}
	if f.nothing {
		return 1 << 30 // maximally narrow: matches nothing at all
	}
	return len(f.patterns)
}

// Equal reports whether f and other denote exactly the same filter —
// used by ClearingHouse.Add's duplicate-peer check (same remote endpoint
// and remote filter).
func (f Filter) Equal(other Filter) bool {
	if f.everything != other.everything || f.nothing != other.nothing {
		return false
	}
	if len(f.patterns) != len(other.patterns) {
		return false
	}
	for i, p := range f.patterns {
		if p != other.patterns[i] {
			return false
		}
	}
	return true
}

// Patterns returns a copy of f's constraint patterns, or nil for Everything
// and Nothing. Used by the wire package to marshal a Filter across a
// handshake.
func (f Filter) Patterns() []string { return append([]string(nil), f.patterns...) }

func (f Filter) IsNothing() bool { return f.nothing }
func (f Filter) IsEverything() bool { return f.everything }

func (f Filter) String() string {
	switch {
	case f.everything:
		return "*"
	case f.nothing:
		return "<nothing>"
	default:
		return strings.Join(f.patterns, "&")
	}
}

// exactFile reports whether f matches one and only one literal path
// (no glob metacharacters), and if so, what it is — used by
// Predicate.RemoveIfPossible to drop filters that named exactly the file
// that just finished replicating.
func (f Filter) exactFile() (piece.ArchivePath, bool) {
	if f.everything || f.nothing || len(f.patterns) != 1 {
		return "", false
	}
	pat := f.patterns[0]
	if strings.ContainsAny(pat, "*?[") {
		return "", false
	}
	return piece.ArchivePath(pat), true
}

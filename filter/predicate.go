// Copyright (c) 2018-2023, NVIDIA CORPORATION. All rights reserved.
package filter

import (
	"sync"

	"github.com/sruth-project/sruth/piece"
)

// Predicate is a disjunction (set) of Filters: a path is "satisfied" if any
// member Filter matches it.
type Predicate struct {
	mu      sync.RWMutex
	filters []Filter
}

// NewPredicate builds a Predicate over the given filters.
func NewPredicate(filters ...Filter) *Predicate {
	return &Predicate{filters: append([]Filter(nil), filters...)}
}

// SatisfiedBy reports whether any member filter matches p.
func (pr *Predicate) SatisfiedBy(p piece.ArchivePath) bool {
	pr.mu.RLock()
	defer pr.mu.RUnlock()
	for _, f := range pr.filters {
		if f.Matches(p) {
			return true
		}
	}
	return false
}

// SatisfiedByNothing reports whether this predicate can never be satisfied
// — the node has nothing left to do and, per spec.md property 9, its Peer
// and Node loops should terminate normally.
func (pr *Predicate) SatisfiedByNothing() bool {
	pr.mu.RLock()
	defer pr.mu.RUnlock()
	for _, f := range pr.filters {
		if !f.IsNothing() {
			return false
		}
	}
	return true
}

// RemoveIfPossible drops any member filter that exactly (and only) named
// fi's file, now that the file has completed — a subscription for a single
// named file is satisfied once and for all.
func (pr *Predicate) RemoveIfPossible(fi piece.FileInfo) {
	pr.mu.Lock()
	defer pr.mu.Unlock()
	kept := pr.filters[:0:0]
	for _, f := range pr.filters {
		if p, ok := f.exactFile(); ok && p == fi.ID {
			continue
		}
		kept = append(kept, f)
	}
	pr.filters = kept
}

// Filters returns a snapshot of the member filters.
func (pr *Predicate) Filters() []Filter {
	pr.mu.RLock()
	defer pr.mu.RUnlock()
	return append([]Filter(nil), pr.filters...)
}

// Matches is an alias for SatisfiedBy so *Predicate can stand in wherever a
// single Filter's Matches method is expected.
func (pr *Predicate) Matches(p piece.ArchivePath) bool { return pr.SatisfiedBy(p) }

// IsNothing is an alias for SatisfiedByNothing.
func (pr *Predicate) IsNothing() bool { return pr.SatisfiedByNothing() }

// Collapse reduces pr to a single representative Filter: Nothing if pr has
// no members, the sole member if there is exactly one, or — for a node
// subscribed under several independent criteria — the broadest (lowest
// Specificity) member. Used where a protocol surface needs exactly one
// Filter rather than a full Predicate (the Server handshake of §4.9).
// The collapsed Filter becomes a Peer's remote or local filter, so files
// matching only a dropped member are not announced, and hence not served,
// over that connection. ClearingHouse still gates every received spec and
// piece against the full Predicate independently.
func (pr *Predicate) Collapse() Filter {
	pr.mu.RLock()
	defer pr.mu.RUnlock()
	if len(pr.filters) == 0 {
		return Nothing
	}
	best := pr.filters[0]
	for _, f := range pr.filters[1:] {
		if f.Specificity() < best.Specificity() {
			best = f
		}
	}
	return best
}

// EffectiveFilter narrows client by pr's own broadest serving criterion —
// the "server-side filter intersected with the local predicate" spec.md
// §4.9 sends back during the handshake.
func (pr *Predicate) EffectiveFilter(client Filter) Filter {
	return pr.Collapse().And(client)
}

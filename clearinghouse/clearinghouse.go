// Package clearinghouse implements ClearingHouse: the intra-node fan-out
// hub that sits between one node's Archive and its set of Peers.
/*
 * Copyright (c) 2018-2023, NVIDIA CORPORATION. All rights reserved.
 */
package clearinghouse

import (
	"sync"
	"sync/atomic"

	"github.com/sruth-project/sruth/archive"
	"github.com/sruth-project/sruth/filter"
	"github.com/sruth-project/sruth/internal/nlog"
	"github.com/sruth-project/sruth/internal/sos"
	"github.com/sruth-project/sruth/piece"
)

// Peer is the narrow view of peer.Peer the ClearingHouse needs: enough to
// fan out a notification without ever blocking on the peer's network I/O.
// Defined here (rather than importing package peer) because Peer owns a
// reference back to its ClearingHouse — the dependency only runs one way.
type Peer interface {
	RemoteEndpoint() string
	RemoteFilter() filter.Filter
	NotifyRemoteIfDesired(spec piece.FilePieceSpecSet)
	QueueRequest(spec piece.FilePieceSpecSet)
}

// ClearingHouse fans pieces and notices out across every registered Peer
// and mediates all of them against one shared Archive.
type ClearingHouse struct {
	a         *archive.Archive
	predicate *filter.Predicate

	mu    sync.Mutex
	peers []Peer

	receivedFileCounter int64
}

// New builds a ClearingHouse over archive a, selecting only files that
// match predicate for local retention.
func New(a *archive.Archive, predicate *filter.Predicate) *ClearingHouse {
	return &ClearingHouse{a: a, predicate: predicate}
}

// Add registers p, rejecting a peer whose (remoteEndpoint, remoteFilter)
// duplicates an already-registered peer's identity.
func (ch *ClearingHouse) Add(p Peer) bool {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	for _, existing := range ch.peers {
		if existing.RemoteEndpoint() == p.RemoteEndpoint() && existing.RemoteFilter().Equal(p.RemoteFilter()) {
			return false
		}
	}
	ch.peers = append(ch.peers, p)
	return true
}

// RemovePeer deregisters p. Removing an unregistered peer is a no-op.
func (ch *ClearingHouse) RemovePeer(p Peer) {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	for i, existing := range ch.peers {
		if existing == p {
			ch.peers = append(ch.peers[:i], ch.peers[i+1:]...)
			return
		}
	}
}

// ProcessSpec handles a piece-spec notice arriving from peer: if the local
// predicate wants the path and the archive doesn't already have every
// named piece, it asks peer to request what's missing.
func (ch *ClearingHouse) ProcessSpec(peer Peer, spec piece.FilePieceSpecSet) {
	if !ch.predicate.SatisfiedBy(spec.Info.ID) {
		return
	}
	df, err := ch.a.GetOrCreate(spec.Info)
	if err != nil {
		nlog.Warningf("clearinghouse: open %s: %v", spec.Info.ID, err)
		return
	}
	missing := piece.NoPieces(spec.Info)
	for _, ps := range spec.Specs() {
		if !df.HasPiece(ps.Index) {
			var err error
			missing, err = missing.Merge(piece.SinglePiece(ps))
			if err != nil {
				nlog.Warningf("clearinghouse: merge %s: %v", spec.Info.ID, err)
				return
			}
		}
	}
	if len(missing.Specs()) == 0 {
		return
	}
	peer.QueueRequest(missing)
}

// ProcessPiece handles a piece arriving from peer: writes it into the
// archive; on file completion removes any now-satisfied exact-file filter;
// then, for every piece written (not only the completing one), fans the
// piece's spec out to every other peer. Returns whether
// the local predicate can never be satisfied again (the caller's signal
// to stop receiving).
func (ch *ClearingHouse) ProcessPiece(peer Peer, p piece.Piece) (allDone bool) {
	if !ch.predicate.SatisfiedBy(p.Spec.Info.ID) {
		return ch.predicate.SatisfiedByNothing()
	}
	df, err := ch.a.GetOrCreate(p.Spec.Info)
	if err != nil {
		if sos.IsErrNotFound(err) {
			return ch.predicate.SatisfiedByNothing()
		}
		nlog.Warningf("clearinghouse: open %s: %v", p.Spec.Info.ID, err)
		return ch.predicate.SatisfiedByNothing()
	}

	complete, err := df.PutPiece(p)
	if err != nil {
		nlog.Warningf("clearinghouse: write %s[%d]: %v", p.Spec.Info.ID, p.Spec.Index, err)
		return ch.predicate.SatisfiedByNothing()
	}
	if complete {
		ch.predicate.RemoveIfPossible(p.Spec.Info)
		atomic.AddInt64(&ch.receivedFileCounter, 1)
	}

	spec := piece.SinglePiece(p.Spec)
	ch.mu.Lock()
	peers := append([]Peer(nil), ch.peers...)
	ch.mu.Unlock()
	for _, other := range peers {
		if other == peer {
			continue
		}
		other.NotifyRemoteIfDesired(spec)
	}

	return ch.predicate.SatisfiedByNothing()
}

// WalkArchive visits every non-hidden regular file in the archive, invoking
// consumer with the full-file spec of each one selector accepts. It runs on
// Archive.Walk, which scans the whole tree before the first callback.
func (ch *ClearingHouse) WalkArchive(selector func(piece.FileInfo) bool, consumer func(piece.FilePieceSpecSet)) error {
	return ch.a.Walk(func(info piece.FileInfo) {
		if selector == nil || selector(info) {
			consumer(piece.AllPieces(info))
		}
	})
}

// GetPiece proxies to the Archive.
func (ch *ClearingHouse) GetPiece(spec piece.PieceSpec) (piece.Piece, error) {
	df, err := ch.a.GetOrCreate(spec.Info)
	if err != nil {
		return piece.Piece{}, err
	}
	if !df.HasPiece(spec.Index) {
		return piece.Piece{}, sos.NewErrNotFound(string(spec.Info.ID))
	}
	return df.GetPiece(spec)
}

// Remove deletes a file's visible and hidden pathnames, idempotently.
func (ch *ClearingHouse) Remove(id piece.ArchivePath) error {
	return ch.a.Remove(id)
}

// ReceivedFileCount reports how many files this node has completed
// receiving since startup.
func (ch *ClearingHouse) ReceivedFileCount() int64 {
	return atomic.LoadInt64(&ch.receivedFileCounter)
}

// Predicate returns the ClearingHouse's local selection predicate, used by
// Server to compute each servlet's effective filter.
func (ch *ClearingHouse) Predicate() *filter.Predicate { return ch.predicate }

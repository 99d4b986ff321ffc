// Copyright (c) 2018-2023, NVIDIA CORPORATION. All rights reserved.
package peer

import (
	"context"
	"sync"

	"github.com/sruth-project/sruth/internal/sos"
	"github.com/sruth-project/sruth/piece"
)

// waitCond blocks on cond until ready() is true or ctx is cancelled,
// returning sos.ErrCancelled in the latter case. cond's lock must already
// be held by the caller. Shared by NoticeQueue and SpecQueue, the same
// ctx-aware condvar idiom delayqueue.PathDelayQueue uses for Peek.
func waitCond(ctx context.Context, cond *sync.Cond, ready func() bool, where string) error {
	for !ready() {
		if ctx.Err() != nil {
			return sos.NewErrCancelled(where)
		}
		done := make(chan struct{})
		go func() {
			select {
			case <-ctx.Done():
				cond.L.Lock()
				cond.Broadcast()
				cond.L.Unlock()
			case <-done:
			}
		}()
		cond.Wait()
		close(done)
		if ctx.Err() != nil {
			return sos.NewErrCancelled(where)
		}
	}
	return nil
}

// SpecQueue merges incoming piece.FilePieceSpecSets keyed by FileId: two
// sets for the same file coalesce via FilePieceSpecSet.Merge instead of
// queuing separately, so a burst of requests/specs for one file never
// grows unbounded and a later request naturally absorbs an earlier
// still-pending one. Used both as the outbound PieceRequest queue
// (RequestSender) and as the incoming "pieces the remote side wants from
// us" queue (spec.md's DataSpecQueue, drained by PieceSender).
type SpecQueue struct {
	mu     sync.Mutex
	cond   *sync.Cond
	closed bool
	pend   map[piece.ArchivePath]piece.FilePieceSpecSet
	order  []piece.ArchivePath
}

func NewSpecQueue() *SpecQueue {
	q := &SpecQueue{pend: make(map[piece.ArchivePath]piece.FilePieceSpecSet)}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// Add merges spec into the queue, waking any waiter.
func (q *SpecQueue) Add(spec piece.FilePieceSpecSet) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	id := spec.Info.ID
	if existing, ok := q.pend[id]; ok {
		merged, err := existing.Merge(spec)
		if err != nil {
			return err
		}
		q.pend[id] = merged
	} else {
		q.pend[id] = spec
		q.order = append(q.order, id)
	}
	q.cond.Broadcast()
	return nil
}

// Take blocks until a spec is pending (or ctx is cancelled / the queue is
// closed) and returns the oldest distinct file's merged spec.
func (q *SpecQueue) Take(ctx context.Context) (piece.FilePieceSpecSet, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	err := waitCond(ctx, q.cond, func() bool { return len(q.order) > 0 || q.closed }, "SpecQueue.Take")
	if err != nil {
		return piece.FilePieceSpecSet{}, err
	}
	if len(q.order) == 0 {
		return piece.FilePieceSpecSet{}, sos.NewErrCancelled("SpecQueue.Take")
	}
	id := q.order[0]
	q.order = q.order[1:]
	spec := q.pend[id]
	delete(q.pend, id)
	return spec, nil
}

func (q *SpecQueue) Close() {
	q.mu.Lock()
	q.closed = true
	q.cond.Broadcast()
	q.mu.Unlock()
}

// noticeOut is the decoded instruction NoticeQueue.Take hands the
// NoticeSender: exactly one of Addition, RemovedFile, RemovedFiles is set.
type noticeOut struct {
	Addition     *piece.FilePieceSpecSet
	RemovedFile  piece.ArchivePath
	RemovedFiles []piece.ArchivePath
}

// NoticeQueue is the Peer's outbound notice scheduler: a dual-priority
// merge of pending removals and pending additions. New-data additions
//(pieces the local node just finished receiving) always merge in
// immediately; old-data additions (offered once by the FileScanner at
// connection start) wait behind any pending new-data addition, to favor
// freshness. Take alternates between a removal batch and an addition
// when both are pending, tracked by wasAddition, so neither starves the
// other.
type NoticeQueue struct {
	mu     sync.Mutex
	cond   *sync.Cond
	closed bool

	removals     map[piece.ArchivePath]struct{}
	removalOrder []piece.ArchivePath

	newAdd      map[piece.ArchivePath]piece.FilePieceSpecSet
	newAddOrder []piece.ArchivePath

	oldAdd      map[piece.ArchivePath]piece.FilePieceSpecSet
	oldAddOrder []piece.ArchivePath

	wasAddition bool
}

func NewNoticeQueue() *NoticeQueue {
	q := &NoticeQueue{
		removals: make(map[piece.ArchivePath]struct{}),
		newAdd:   make(map[piece.ArchivePath]piece.FilePieceSpecSet),
		oldAdd:   make(map[piece.ArchivePath]piece.FilePieceSpecSet),
	}
	q.cond = sync.NewCond(&q.mu)
	return q
}

func (q *NoticeQueue) AddRemoval(path piece.ArchivePath) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, ok := q.removals[path]; !ok {
		q.removals[path] = struct{}{}
		q.removalOrder = append(q.removalOrder, path)
	}
	delete(q.newAdd, path)
	delete(q.oldAdd, path)
	q.cond.Broadcast()
}

// AddAddition merges a new-data spec — data the node just received and
// wants to announce.
func (q *NoticeQueue) AddAddition(spec piece.FilePieceSpecSet) error {
	return q.add(spec, q.newAdd, &q.newAddOrder)
}

// AddOldAddition merges an old-data spec — an existing file the
// FileScanner is offering once at connection start.
func (q *NoticeQueue) AddOldAddition(spec piece.FilePieceSpecSet) error {
	return q.add(spec, q.oldAdd, &q.oldAddOrder)
}

func (q *NoticeQueue) add(spec piece.FilePieceSpecSet, m map[piece.ArchivePath]piece.FilePieceSpecSet, order *[]piece.ArchivePath) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	id := spec.Info.ID
	if _, removed := q.removals[id]; removed {
		return nil // a pending removal supersedes any stale addition for the same path
	}
	if existing, ok := m[id]; ok {
		merged, err := existing.Merge(spec)
		if err != nil {
			return err
		}
		m[id] = merged
	} else {
		m[id] = spec
		*order = append(*order, id)
	}
	q.cond.Broadcast()
	return nil
}

func (q *NoticeQueue) Take(ctx context.Context) (noticeOut, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	ready := func() bool {
		return len(q.removalOrder) > 0 || len(q.newAddOrder) > 0 || len(q.oldAddOrder) > 0 || q.closed
	}
	if err := waitCond(ctx, q.cond, ready, "NoticeQueue.Take"); err != nil {
		return noticeOut{}, err
	}

	hasRemovals := len(q.removalOrder) > 0
	hasNew := len(q.newAddOrder) > 0
	hasOld := len(q.oldAddOrder) > 0 && !hasNew
	hasAddition := hasNew || hasOld

	if !hasRemovals && !hasAddition {
		return noticeOut{}, sos.NewErrCancelled("NoticeQueue.Take")
	}

	emitAddition := hasAddition && (!hasRemovals || q.wasAddition == false)
	if hasRemovals && hasAddition {
		emitAddition = !q.wasAddition
	}

	if emitAddition {
		q.wasAddition = true
		var id piece.ArchivePath
		if hasNew {
			id, q.newAddOrder = q.newAddOrder[0], q.newAddOrder[1:]
			spec := q.newAdd[id]
			delete(q.newAdd, id)
			return noticeOut{Addition: &spec}, nil
		}
		id, q.oldAddOrder = q.oldAddOrder[0], q.oldAddOrder[1:]
		spec := q.oldAdd[id]
		delete(q.oldAdd, id)
		return noticeOut{Addition: &spec}, nil
	}

	q.wasAddition = false
	if len(q.removalOrder) == 1 {
		id := q.removalOrder[0]
		q.removalOrder = nil
		delete(q.removals, id)
		return noticeOut{RemovedFile: id}, nil
	}
	paths := append([]piece.ArchivePath(nil), q.removalOrder...)
	q.removalOrder = nil
	for _, p := range paths {
		delete(q.removals, p)
	}
	return noticeOut{RemovedFiles: paths}, nil
}

func (q *NoticeQueue) Close() {
	q.mu.Lock()
	q.closed = true
	q.cond.Broadcast()
	q.mu.Unlock()
}

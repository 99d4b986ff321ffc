// Package delayqueue implements PathDelayQueue: a priority queue of
// (deadline, path) pairs backed by a heapfile.MinHeapFile, used to schedule
// file deletions that must survive a process restart.
/*
 * Copyright (c) 2018-2023, NVIDIA CORPORATION. All rights reserved.
 */
package delayqueue

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/sruth-project/sruth/heapfile"
	"github.com/sruth-project/sruth/internal/sos"
)

// MaxPathLen bounds the path component of an entry; Add rejects anything
// longer.
const MaxPathLen = 255

// EltSize is the fixed record size the backing MinHeapFile is opened with:
// 8 bytes (when, ms since epoch) + 2 bytes (path length) + MaxPathLen.
const EltSize = 8 + 2 + MaxPathLen

const waitPollIval = 50 * time.Millisecond

// Entry is one (deadline, path) pair. All heapfile.Element methods use a
// pointer receiver so every Entry flowing through a MinHeapFile is *Entry.
type Entry struct {
	When int64 // ms since epoch
	Path string
}

func (e *Entry) Less(otherE heapfile.Element) bool {
	other := otherE.(*Entry)
	if e.When != other.When {
		return e.When < other.When
	}
	return e.Path < other.Path
}

func (e *Entry) WriteTo(w io.Writer) error {
	if len(e.Path) > MaxPathLen {
		return fmt.Errorf("delayqueue: path %q exceeds %d bytes", e.Path, MaxPathLen)
	}
	if err := binary.Write(w, binary.LittleEndian, e.When); err != nil {
		return err
	}
	if err := binary.Write(w, binary.LittleEndian, uint16(len(e.Path))); err != nil {
		return err
	}
	_, err := w.Write([]byte(e.Path))
	return err
}

func (e *Entry) ReadFrom(r io.Reader) error {
	if err := binary.Read(r, binary.LittleEndian, &e.When); err != nil {
		return err
	}
	var plen uint16
	if err := binary.Read(r, binary.LittleEndian, &plen); err != nil {
		return err
	}
	buf := make([]byte, plen)
	if _, err := io.ReadFull(r, buf); err != nil {
		return err
	}
	e.Path = string(buf)
	return nil
}

func newEntry() heapfile.Element { return &Entry{} }

// PathDelayQueue is a blocking priority queue of scheduled path deletions.
type PathDelayQueue struct {
	hf *heapfile.MinHeapFile

	mu       sync.Mutex
	notEmpty *sync.Cond
	closed   bool
}

// Open opens (or creates) the heap file at path as a PathDelayQueue.
func Open(path string) (*PathDelayQueue, error) {
	hf, err := heapfile.Open(path, EltSize, newEntry)
	if err != nil {
		return nil, err
	}
	q := &PathDelayQueue{hf: hf}
	q.notEmpty = sync.NewCond(&q.mu)
	return q, nil
}

// Add inserts (when, path) unconditionally.
func (q *PathDelayQueue) Add(when int64, path string) error {
	if len(path) > MaxPathLen {
		return fmt.Errorf("delayqueue: path %q exceeds %d bytes", path, MaxPathLen)
	}
	if err := q.hf.Add(&Entry{When: when, Path: path}); err != nil {
		return err
	}
	q.mu.Lock()
	q.notEmpty.Broadcast()
	q.mu.Unlock()
	return nil
}

// Remove is the non-blocking pop: nil, nil on an empty queue.
func (q *PathDelayQueue) Remove() (*Entry, error) {
	e, err := q.hf.Remove()
	if err == heapfile.ErrEmpty {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return e.(*Entry), nil
}

// Peek blocks until the queue is non-empty and then until the head's
// deadline has arrived, returning the (still-present) head entry. It
// returns sos.ErrCancelled if ctx is cancelled while waiting, never a raw
// context error, so callers can distinguish "I stopped waiting" from an
// actual I/O fault.
func (q *PathDelayQueue) Peek(ctx context.Context) (*Entry, error) {
	for {
		head, err := q.waitNonEmpty(ctx)
		if err != nil {
			return nil, err
		}
		d := time.Until(time.UnixMilli(head.When))
		if d <= 0 {
			return head, nil
		}
		if d > waitPollIval {
			d = waitPollIval
		}
		select {
		case <-ctx.Done():
			return nil, sos.NewErrCancelled("PathDelayQueue.Peek")
		case <-time.After(d):
			// loop: re-peek in case the head changed or is now due
		}
	}
}

func (q *PathDelayQueue) waitNonEmpty(ctx context.Context) (*Entry, error) {
	for {
		e, err := q.hf.Peek()
		if err == nil {
			return e.(*Entry), nil
		}
		if err != heapfile.ErrEmpty {
			return nil, err
		}

		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			return nil, sos.NewErrCancelled("PathDelayQueue.Peek")
		}
		if ctx.Err() != nil {
			q.mu.Unlock()
			return nil, sos.NewErrCancelled("PathDelayQueue.Peek")
		}
		done := make(chan struct{})
		go func() {
			select {
			case <-ctx.Done():
				q.mu.Lock()
				q.notEmpty.Broadcast()
				q.mu.Unlock()
			case <-done:
			}
		}()
		q.notEmpty.Wait()
		close(done)
		q.mu.Unlock()

		if ctx.Err() != nil {
			return nil, sos.NewErrCancelled("PathDelayQueue.Peek")
		}
	}
}

// WaitUntilEmpty blocks until Size() == 0, polling every waitPollIval, or
// until ctx is cancelled. FileDeleter does not call it: FileDeleter.Close
// stops the worker without waiting for the queue to empty.
func (q *PathDelayQueue) WaitUntilEmpty(ctx context.Context) error {
	for q.Size() > 0 {
		select {
		case <-ctx.Done():
			return sos.NewErrCancelled("PathDelayQueue.WaitUntilEmpty")
		case <-time.After(waitPollIval):
		}
	}
	return nil
}

// Close unblocks any waiter in Peek and releases the backing heap file.
func (q *PathDelayQueue) Close() error {
	q.mu.Lock()
	q.closed = true
	q.notEmpty.Broadcast()
	q.mu.Unlock()
	return q.hf.Close()
}

func (q *PathDelayQueue) Size() int { return q.hf.Size() }

// Entries returns every currently-queued (deadline, path) pair without
// removing any of them, in heap-storage order (not deadline order) —
// a read-only snapshot for diagnostics, grounded on heapfile.Iter.
func (q *PathDelayQueue) Entries() ([]Entry, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	var out []Entry
	err := q.hf.Iter(func(e heapfile.Element) bool {
		out = append(out, *e.(*Entry))
		return true
	})
	return out, err
}

package delayqueue_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/sruth-project/sruth/delayqueue"
)

func open(t *testing.T) *delayqueue.PathDelayQueue {
	t.Helper()
	q, err := delayqueue.Open(filepath.Join(t.TempDir(), "delayq"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { q.Close() })
	return q
}

func TestOrderingByDeadlineThenPath(t *testing.T) {
	q := open(t)
	now := time.Now().UnixMilli()
	q.Add(now+100, "b")
	q.Add(now+100, "a")
	q.Add(now, "z")

	e, _ := q.Remove()
	if e.Path != "z" {
		t.Fatalf("expected earliest deadline first, got %q", e.Path)
	}
	e, _ = q.Remove()
	if e.Path != "a" {
		t.Fatalf("expected lexicographic tiebreak 'a' before 'b', got %q", e.Path)
	}
	e, _ = q.Remove()
	if e.Path != "b" {
		t.Fatalf("got %q, want 'b'", e.Path)
	}
}

func TestRemoveOnEmptyIsNilNil(t *testing.T) {
	q := open(t)
	e, err := q.Remove()
	if e != nil || err != nil {
		t.Fatalf("Remove on empty queue: got (%v, %v), want (nil, nil)", e, err)
	}
}

func TestPathTooLongRejected(t *testing.T) {
	q := open(t)
	long := make([]byte, delayqueue.MaxPathLen+1)
	if err := q.Add(time.Now().UnixMilli(), string(long)); err == nil {
		t.Fatal("expected rejection of an over-long path")
	}
}

func TestPeekBlocksUntilDeadline(t *testing.T) {
	q := open(t)
	when := time.Now().Add(150 * time.Millisecond).UnixMilli()
	q.Add(when, "later")

	ctx := context.Background()
	start := time.Now()
	e, err := q.Peek(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if time.Since(start) < 100*time.Millisecond {
		t.Fatal("Peek returned before the deadline arrived")
	}
	if e.Path != "later" {
		t.Fatalf("got %q", e.Path)
	}
	if q.Size() != 1 {
		t.Fatal("Peek must not remove")
	}
}

func TestPeekCancellation(t *testing.T) {
	q := open(t)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := q.Peek(ctx)
		done <- err
	}()
	time.Sleep(20 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		if err == nil {
			t.Fatal("expected a cancellation error")
		}
	case <-time.After(time.Second):
		t.Fatal("Peek did not observe cancellation")
	}
}

func TestWaitUntilEmpty(t *testing.T) {
	q := open(t)
	q.Add(time.Now().UnixMilli(), "x")
	done := make(chan error, 1)
	go func() { done <- q.WaitUntilEmpty(context.Background()) }()

	select {
	case <-done:
		t.Fatal("WaitUntilEmpty returned before the queue drained")
	case <-time.After(50 * time.Millisecond):
	}
	q.Remove()
	select {
	case err := <-done:
		if err != nil {
			t.Fatal(err)
		}
	case <-time.After(time.Second):
		t.Fatal("WaitUntilEmpty did not observe drain")
	}
}

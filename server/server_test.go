package server

import (
	"context"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/sruth-project/sruth/archive"
	"github.com/sruth-project/sruth/clearinghouse"
	"github.com/sruth-project/sruth/delayqueue"
	"github.com/sruth-project/sruth/deleter"
	"github.com/sruth-project/sruth/filter"
	"github.com/sruth-project/sruth/peer"
	"github.com/sruth-project/sruth/piece"
	"github.com/sruth-project/sruth/wire"
)

func newTestCH(t *testing.T, pred *filter.Predicate) *clearinghouse.ClearingHouse {
	t.Helper()
	dir := t.TempDir()
	q, err := delayqueue.Open(filepath.Join(dir, "deletions.heap"))
	if err != nil {
		t.Fatal(err)
	}
	del := deleter.New(q)
	t.Cleanup(func() { del.Close() })
	a, err := archive.New(filepath.Join(dir, "root"), 0, del)
	if err != nil {
		t.Fatal(err)
	}
	return clearinghouse.New(a, pred)
}

// TestAdmitPrefersBroaderFilterAtCap exercises the bare admission policy
// without any network I/O: once the active cap is reached, a strictly
// broader incoming filter preempts a narrower already-admitted servlet,
// and an unrelated or narrower filter is dropped.
func TestAdmitPrefersBroaderFilterAtCap(t *testing.T) {
	s := New(nil, nil, 1, 1)

	narrow := &servlet{remoteFilter: filter.New("a/*"), cancel: func() {}}
	if !s.admit("peer-1", narrow) {
		t.Fatal("first servlet under cap should be admitted")
	}
	if s.ActiveCount() != 1 {
		t.Fatalf("active count = %d, want 1", s.ActiveCount())
	}

	cancelled := false
	narrow.cancel = func() { cancelled = true }
	broad := &servlet{remoteFilter: filter.Everything, cancel: func() {}}
	if !s.admit("peer-2", broad) {
		t.Fatal("broader servlet at cap should preempt the narrower one")
	}
	if !cancelled {
		t.Fatal("preempted servlet's cancel was never called")
	}
	if s.ActiveCount() != 1 {
		t.Fatalf("active count after preemption = %d, want 1", s.ActiveCount())
	}

	sameBreadth := &servlet{remoteFilter: filter.Everything, cancel: func() {}}
	if s.admit("peer-3", sameBreadth) {
		t.Fatal("an equally broad servlet at cap must not preempt")
	}
}

func TestReserveOutstandingCapsConcurrentHandshakes(t *testing.T) {
	s := New(nil, nil, 8, 1)
	if !s.reserveOutstanding() {
		t.Fatal("first reservation should succeed")
	}
	if s.reserveOutstanding() {
		t.Fatal("second reservation should fail at cap 1")
	}
	s.releaseOutstanding()
	if !s.reserveOutstanding() {
		t.Fatal("reservation should succeed again after release")
	}
}

// TestServeReplicatesFileToClient dials a real TCP listener, performs the
// §4.9 handshake by hand (as a bare client would, without going through
// the node package), and checks the file offered by the server's archive
// shows up on the client's side once its Peer runs.
func TestServeReplicatesFileToClient(t *testing.T) {
	srvCH := newTestCH(t, filter.NewPredicate(filter.Everything))
	cliCH := newTestCH(t, filter.NewPredicate(filter.Everything))

	ap, _ := piece.NewArchivePath("report.txt")
	fi, _ := piece.NewFileInfo(ap, 5, piece.DefaultPieceSize)
	spec, _ := piece.NewPieceSpec(fi, 0)
	p, _ := piece.NewPiece(spec, []byte("abcde"), -1)
	if srvCH.ProcessPiece(nil, p) {
		t.Fatal("unexpected satisfiedByNothing")
	}

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	srv := New(ln, srvCH, 8, 4)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	serveDone := make(chan error, 1)
	go func() { serveDone <- srv.Serve(ctx) }()

	nc, err := net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	conn := wire.NewConnection(nc)

	if err := conn.SendFilterHandshake(wire.ToPredicateWire(filter.NewPredicate(filter.Everything))); err != nil {
		t.Fatal(err)
	}
	effectiveWire, err := conn.RecvFilterHandshake()
	if err != nil {
		t.Fatal(err)
	}
	effective := effectiveWire.ToPredicate().Collapse()
	if !effective.IsEverything() {
		t.Fatalf("expected server to echo back Everything, got %v", effective)
	}

	cliPeer := peer.New(cliCH, conn, filter.Everything, effective)
	go cliPeer.Call(ctx)

	deadline := time.After(4 * time.Second)
	for {
		got, err := cliCH.GetPiece(spec)
		if err == nil && string(got.Bytes) == "abcde" {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("client never received the file (last err: %v)", err)
		case <-time.After(10 * time.Millisecond):
		}
	}

	cancel()
	srv.Close()
	<-serveDone
}

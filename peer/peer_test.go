package peer_test

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

// TestPeerReplicatesSinglePieceFile wires a publisher peer (holding one
// already-complete file) to a subscriber peer (wanting everything) over a
// loopback net.Pipe connection, and checks the file shows up on the
// subscriber's side.
func TestPeerReplicatesSinglePieceFile(t *testing.T) {
	pubCH := newTestCH(t, filter.NewPredicate(filter.Everything))
	subCH := newTestCH(t, filter.NewPredicate(filter.Everything))

	ap, _ := piece.NewArchivePath("greeting.txt")
	fi, _ := piece.NewFileInfo(ap, 5, piece.DefaultPieceSize)
	spec, _ := piece.NewPieceSpec(fi, 0)
	p, _ := piece.NewPiece(spec, []byte("hello"), -1)

	// Publisher already has the file (write it directly via its own
	// ClearingHouse, as if Archive.Watcher had already registered it).
	if allDone := pubCH.ProcessPiece(nil, p); allDone {
		t.Fatal("unexpected satisfiedByNothing on Everything predicate")
	}

	a, b := net.Pipe()
	pubConn := wire.NewConnection(a)
	subConn := wire.NewConnection(b)
	defer pubConn.Close()
	defer subConn.Close()

	pubPeer := peer.New(pubCH, pubConn, filter.Everything, filter.Everything)
	subPeer := peer.New(subCH, subConn, filter.Everything, filter.Everything)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	done := make(chan struct{}, 2)
	go func() { pubPeer.Call(ctx); done <- struct{}{} }()
	go func() { subPeer.Call(ctx); done <- struct{}{} }()

	deadline := time.After(2 * time.Second)
	for {
		got, err := subCH.GetPiece(spec)
		if err == nil && string(got.Bytes) == "hello" {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("subscriber never received the file (last err: %v)", err)
		case <-time.After(10 * time.Millisecond):
		}
	}

	cancel()
	<-done
	<-done
}

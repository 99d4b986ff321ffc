package clearinghouse_test

import (
	"path/filepath"
	"testing"

	"github.com/sruth-project/sruth/archive"
	"github.com/sruth-project/sruth/clearinghouse"
	"github.com/sruth-project/sruth/delayqueue"
	"github.com/sruth-project/sruth/deleter"
	"github.com/sruth-project/sruth/filter"
	"github.com/sruth-project/sruth/piece"
)

type fakePeer struct {
	endpoint string
	rfilter  filter.Filter
	notified []piece.FilePieceSpecSet
	queued   []piece.FilePieceSpecSet
}

func (p *fakePeer) RemoteEndpoint() string      { return p.endpoint }
func (p *fakePeer) RemoteFilter() filter.Filter { return p.rfilter }
func (p *fakePeer) NotifyRemoteIfDesired(spec piece.FilePieceSpecSet) {
	if p.rfilter.Matches(spec.Info.ID) {
		p.notified = append(p.notified, spec)
	}
}
func (p *fakePeer) QueueRequest(spec piece.FilePieceSpecSet) { p.queued = append(p.queued, spec) }

func newTestCH(t *testing.T) *clearinghouse.ClearingHouse {
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
	return clearinghouse.New(a, filter.NewPredicate(filter.Everything))
}

func TestAddRejectsDuplicatePeer(t *testing.T) {
	ch := newTestCH(t)
	p1 := &fakePeer{endpoint: "10.0.0.1:9", rfilter: filter.New("a/*")}
	p2 := &fakePeer{endpoint: "10.0.0.1:9", rfilter: filter.New("a/*")}
	if !ch.Add(p1) {
		t.Fatal("first add should succeed")
	}
	if ch.Add(p2) {
		t.Fatal("duplicate (endpoint, filter) should be rejected")
	}
}

func TestProcessPieceFansOutToOtherPeers(t *testing.T) {
	ch := newTestCH(t)
	src := &fakePeer{endpoint: "src:1", rfilter: filter.Everything}
	other := &fakePeer{endpoint: "other:1", rfilter: filter.Everything}
	ch.Add(src)
	ch.Add(other)

	ap, _ := piece.NewArchivePath("a/x")
	fi, _ := piece.NewFileInfo(ap, 3, piece.DefaultPieceSize)
	spec, _ := piece.NewPieceSpec(fi, 0)
	p, _ := piece.NewPiece(spec, []byte("abc"), -1)

	allDone := ch.ProcessPiece(src, p)
	if allDone {
		t.Fatal("predicate is Everything, should never be satisfiedByNothing")
	}
	if len(other.notified) != 1 {
		t.Fatalf("expected other peer to be notified once, got %d", len(other.notified))
	}
	if len(src.notified) != 0 {
		t.Fatal("the originating peer must not be notified of its own piece")
	}
}

func TestProcessSpecRequestsMissingPieces(t *testing.T) {
	ch := newTestCH(t)
	p1 := &fakePeer{endpoint: "p1:1", rfilter: filter.Everything}
	ch.Add(p1)

	ap, _ := piece.NewArchivePath("a/y")
	fi, _ := piece.NewFileInfo(ap, 3, piece.DefaultPieceSize)
	set := piece.AllPieces(fi)

	ch.ProcessSpec(p1, set)
	if len(p1.queued) != 1 {
		t.Fatalf("expected one queued request, got %d", len(p1.queued))
	}
}

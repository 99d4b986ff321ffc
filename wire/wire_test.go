package wire_test

import (
	"net"
	"testing"

	"github.com/sruth-project/sruth/filter"
	"github.com/sruth-project/sruth/piece"
	"github.com/sruth-project/sruth/wire"
)

func pipeConns(t *testing.T) (*wire.Connection, *wire.Connection) {
	t.Helper()
	a, b := net.Pipe()
	ca := wire.NewConnection(a)
	cb := wire.NewConnection(b)
	t.Cleanup(func() { ca.Close(); cb.Close() })
	return ca, cb
}

func TestFilterHandshakeRoundTrip(t *testing.T) {
	ca, cb := pipeConns(t)

	p := filter.NewPredicate(filter.New("a/*"), filter.Everything)
	done := make(chan error, 1)
	go func() { done <- ca.SendFilterHandshake(wire.ToPredicateWire(p)) }()

	got, err := cb.RecvFilterHandshake()
	if err != nil {
		t.Fatal(err)
	}
	if err := <-done; err != nil {
		t.Fatal(err)
	}
	pr := got.ToPredicate()
	if len(pr.Filters()) != 2 {
		t.Fatalf("expected 2 filters, got %d", len(pr.Filters()))
	}
}

func TestPieceRequestRoundTrip(t *testing.T) {
	ca, cb := pipeConns(t)

	ap, _ := piece.NewArchivePath("x/y")
	fi, _ := piece.NewFileInfo(ap, 10, piece.DefaultPieceSize)
	spec, _ := piece.NewPieceSpec(fi, 0)
	set := piece.SinglePiece(spec)

	done := make(chan error, 1)
	go func() {
		done <- ca.SendPieceRequest(wire.PieceRequest{Spec: wire.ToFilePieceSpecSetWire(set)})
	}()

	got, err := cb.RecvPieceRequest()
	if err != nil {
		t.Fatal(err)
	}
	if err := <-done; err != nil {
		t.Fatal(err)
	}
	gotSet, err := got.Spec.ToFilePieceSpecSet()
	if err != nil {
		t.Fatal(err)
	}
	if !gotSet.Contains(0) {
		t.Fatal("expected piece 0 in the request")
	}
}

func TestPieceRoundTripPreservesBytes(t *testing.T) {
	ca, cb := pipeConns(t)

	ap, _ := piece.NewArchivePath("x/y")
	fi, _ := piece.NewFileInfo(ap, 5, piece.DefaultPieceSize)

	done := make(chan error, 1)
	go func() {
		done <- ca.SendPiece(wire.PieceMsg{Info: fi, Index: 0, TimeToLive: -1, Bytes: []byte("hello")})
	}()

	got, err := cb.RecvPiece()
	if err != nil {
		t.Fatal(err)
	}
	if err := <-done; err != nil {
		t.Fatal(err)
	}
	if string(got.Bytes) != "hello" {
		t.Fatalf("got %q", got.Bytes)
	}
	if got.Info.ID != fi.ID || got.Info.FileSize != fi.FileSize {
		t.Fatalf("fileinfo mismatch: %+v vs %+v", got.Info, fi)
	}
}

func TestRecvAfterPeerCloseReturnsError(t *testing.T) {
	ca, cb := pipeConns(t)
	ca.Close()

	_, err := cb.RecvPieceRequest()
	if err == nil {
		t.Fatal("expected an error after peer close")
	}
}

package archive

import (
	"path/filepath"
	"testing"

	"github.com/sruth-project/sruth/delayqueue"
	"github.com/sruth-project/sruth/deleter"
	"github.com/sruth-project/sruth/piece"
)

func newTestArchive(t *testing.T, maxOpenFiles int) (*Archive, *deleter.FileDeleter) {
	t.Helper()
	dir := t.TempDir()
	q, err := delayqueue.Open(filepath.Join(dir, "deletions.heap"))
	if err != nil {
		t.Fatal(err)
	}
	del := deleter.New(q)
	t.Cleanup(func() { del.Close() })

	a, err := New(filepath.Join(dir, "root"), maxOpenFiles, del)
	if err != nil {
		t.Fatal(err)
	}
	return a, del
}

func mustFileInfo(t *testing.T, name string, size int64) piece.FileInfo {
	t.Helper()
	ap, err := piece.NewArchivePath(name)
	if err != nil {
		t.Fatal(err)
	}
	fi, err := piece.NewFileInfo(ap, size, piece.DefaultPieceSize)
	if err != nil {
		t.Fatal(err)
	}
	return fi
}

func TestPutPieceCompletesSinglePieceFile(t *testing.T) {
	a, _ := newTestArchive(t, 0)
	fi := mustFileInfo(t, "a/small.txt", 5)

	df, err := a.GetOrCreate(fi)
	if err != nil {
		t.Fatal(err)
	}
	spec, err := piece.NewPieceSpec(fi, 0)
	if err != nil {
		t.Fatal(err)
	}
	p, err := piece.NewPiece(spec, []byte("hello"), -1)
	if err != nil {
		t.Fatal(err)
	}
	complete, err := df.putPiece(p)
	if err != nil {
		t.Fatal(err)
	}
	if !complete {
		t.Fatal("single-piece file should complete on first write")
	}
	if !df.isComplete() {
		t.Fatal("DiskFile should report complete")
	}

	// A second GetOrCreate after completion returns the tracked DiskFile
	// rather than constructing a new one.
	df2, err := a.GetOrCreate(fi)
	if err != nil {
		t.Fatal(err)
	}
	if df2 != df {
		t.Fatal("GetOrCreate should return the tracked DiskFile, not a new one")
	}
}

func TestPutPieceDuplicateIsNoOp(t *testing.T) {
	a, _ := newTestArchive(t, 0)
	fi := mustFileInfo(t, "a/small.txt", 5)
	df, err := a.GetOrCreate(fi)
	if err != nil {
		t.Fatal(err)
	}
	spec, _ := piece.NewPieceSpec(fi, 0)
	p, _ := piece.NewPiece(spec, []byte("hello"), -1)

	if _, err := df.putPiece(p); err != nil {
		t.Fatal(err)
	}
	complete, err := df.putPiece(p)
	if err != nil {
		t.Fatal(err)
	}
	if complete {
		t.Fatal("second identical putPiece should not report a fresh completion")
	}
}

func TestMultiPieceAssembly(t *testing.T) {
	a, _ := newTestArchive(t, 0)
	fi := mustFileInfo(t, "b/big.bin", piece.DefaultPieceSize+100)
	df, err := a.GetOrCreate(fi)
	if err != nil {
		t.Fatal(err)
	}
	if fi.PieceCount() != 2 {
		t.Fatalf("expected 2 pieces, got %d", fi.PieceCount())
	}

	for i := 0; i < fi.PieceCount(); i++ {
		spec, err := piece.NewPieceSpec(fi, i)
		if err != nil {
			t.Fatal(err)
		}
		buf := make([]byte, spec.Size())
		for j := range buf {
			buf[j] = byte(i)
		}
		p, err := piece.NewPiece(spec, buf, -1)
		if err != nil {
			t.Fatal(err)
		}
		complete, err := df.putPiece(p)
		if err != nil {
			t.Fatal(err)
		}
		if (i == fi.PieceCount()-1) != complete {
			t.Fatalf("piece %d: complete=%v, want %v", i, complete, i == fi.PieceCount()-1)
		}
	}

	spec0, _ := piece.NewPieceSpec(fi, 0)
	got, err := df.getPiece(spec0)
	if err != nil {
		t.Fatal(err)
	}
	if got.Bytes[0] != 0 {
		t.Fatalf("readback mismatch: got %v", got.Bytes[0])
	}
}

func TestLRUEvictionReopensTransparently(t *testing.T) {
	a, _ := newTestArchive(t, 1)

	fiA := mustFileInfo(t, "a/one", 10)
	fiB := mustFileInfo(t, "a/two", 10)

	dfA, err := a.GetOrCreate(fiA)
	if err != nil {
		t.Fatal(err)
	}
	specA, _ := piece.NewPieceSpec(fiA, 0)
	pA, _ := piece.NewPiece(specA, []byte("0123456789"), -1)
	if _, err := dfA.putPiece(pA); err != nil {
		t.Fatal(err)
	}

	// Creating the second file should push maxOpenFiles=1 over budget and
	// evict dfA's handle; dfA must still serve reads by reopening.
	dfB, err := a.GetOrCreate(fiB)
	if err != nil {
		t.Fatal(err)
	}
	specB, _ := piece.NewPieceSpec(fiB, 0)
	pB, _ := piece.NewPiece(specB, []byte("abcdefghij"), -1)
	if _, err := dfB.putPiece(pB); err != nil {
		t.Fatal(err)
	}

	got, err := dfA.getPiece(specA)
	if err != nil {
		t.Fatalf("dfA should reopen transparently after eviction: %v", err)
	}
	if string(got.Bytes) != "0123456789" {
		t.Fatalf("unexpected reopened content: %q", got.Bytes)
	}
}

func TestRemoveUnlinksAndForgets(t *testing.T) {
	a, _ := newTestArchive(t, 0)
	fi := mustFileInfo(t, "c/gone.txt", 3)
	df, err := a.GetOrCreate(fi)
	if err != nil {
		t.Fatal(err)
	}
	spec, _ := piece.NewPieceSpec(fi, 0)
	p, _ := piece.NewPiece(spec, []byte("abc"), -1)
	if _, err := df.putPiece(p); err != nil {
		t.Fatal(err)
	}

	if err := a.Remove(fi.ID); err != nil {
		t.Fatal(err)
	}
	if _, ok := a.Lookup(fi.ID); ok {
		t.Fatal("file should no longer be tracked after Remove")
	}
}

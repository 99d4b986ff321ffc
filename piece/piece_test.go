package piece_test

import (
	"testing"

	"github.com/sruth-project/sruth/piece"
)

func mustID(t *testing.T, s string) piece.FileId {
	t.Helper()
	id, err := piece.NewArchivePath(s)
	if err != nil {
		t.Fatal(err)
	}
	return id
}

func TestPieceCount(t *testing.T) {
	cases := []struct {
		size, pieceSize int64
		want            int
	}{
		{0, 131072, 0},
		{1, 131072, 1},
		{131072, 131072, 1},
		{131073, 131072, 2},
		{300000, 131072, 3},
	}
	for _, c := range cases {
		fi, err := piece.NewFileInfo(mustID(t, "f"), c.size, c.pieceSize)
		if err != nil {
			t.Fatal(err)
		}
		if got := fi.PieceCount(); got != c.want {
			t.Errorf("PieceCount(size=%d, piece=%d) = %d, want %d", c.size, c.pieceSize, got, c.want)
		}
	}
}

func TestLastPieceSize(t *testing.T) {
	fi, _ := piece.NewFileInfo(mustID(t, "data"), 300000, 131072)
	ps0, _ := piece.NewPieceSpec(fi, 0)
	ps1, _ := piece.NewPieceSpec(fi, 1)
	ps2, _ := piece.NewPieceSpec(fi, 2)
	if ps0.Size() != 131072 || ps1.Size() != 131072 {
		t.Fatalf("non-final pieces must be full size: %d %d", ps0.Size(), ps1.Size())
	}
	if ps2.Size() != 37856 {
		t.Fatalf("final piece size = %d, want 37856", ps2.Size())
	}
	if ps2.Offset() != 262144 {
		t.Fatalf("final piece offset = %d, want 262144", ps2.Offset())
	}
}

func TestArchivePathRejectsEscape(t *testing.T) {
	if _, err := piece.NewArchivePath("../etc/passwd"); err == nil {
		t.Fatal("expected rejection of a path escaping the archive root")
	}
	if _, err := piece.NewArchivePath("a/../../b"); err == nil {
		t.Fatal("expected rejection of a path that escapes via a nested ..")
	}
}

func TestArchivePathIsCategory(t *testing.T) {
	a := mustID(t, "a")
	if !a.IsCategory(mustID(t, "a/x")) {
		t.Fatal("a/x should be in category a")
	}
	if a.IsCategory(mustID(t, "ab/x")) {
		t.Fatal("ab/x should not be in category a")
	}
}

func TestMergeAllPiecesAbsorbs(t *testing.T) {
	fi, _ := piece.NewFileInfo(mustID(t, "f"), 300000, 131072)
	ps, _ := piece.NewPieceSpec(fi, 0)
	all := piece.AllPieces(fi)
	single := piece.SinglePiece(ps)

	merged, err := all.Merge(single)
	if err != nil {
		t.Fatal(err)
	}
	if !merged.IsAll() {
		t.Fatal("AllPieces merged with anything of the same FileInfo must stay AllPieces")
	}
}

func TestMergeMismatchedFileInfoErrors(t *testing.T) {
	fi1, _ := piece.NewFileInfo(mustID(t, "f"), 300000, 131072)
	fi2, _ := piece.NewFileInfo(mustID(t, "f"), 400000, 131072)
	_, err := piece.AllPieces(fi1).Merge(piece.AllPieces(fi2))
	if err == nil {
		t.Fatal("expected FileInfoMismatch merging different FileInfos sharing a FileId")
	}
}

func TestChecksumVerifiesBitIdenticalPayload(t *testing.T) {
	fi, _ := piece.NewFileInfo(mustID(t, "f"), 5, 131072)
	ps, _ := piece.NewPieceSpec(fi, 0)
	pc, err := piece.NewPiece(ps, []byte("hello"), -1)
	if err != nil {
		t.Fatal(err)
	}
	sum := piece.Sum(pc.Bytes)
	if !pc.Verify(sum) {
		t.Fatal("Verify must accept the piece's own checksum")
	}
	other, _ := piece.NewPiece(ps, []byte("world"), -1)
	if other.Verify(sum) {
		t.Fatal("Verify must reject a checksum computed over different bytes")
	}
}

func TestMergeUnionsBitmaps(t *testing.T) {
	fi, _ := piece.NewFileInfo(mustID(t, "f"), 300000, 131072)
	ps0, _ := piece.NewPieceSpec(fi, 0)
	ps1, _ := piece.NewPieceSpec(fi, 1)
	s0 := piece.SinglePiece(ps0)
	s1 := piece.SinglePiece(ps1)

	merged, err := s0.Merge(s1)
	if err != nil {
		t.Fatal(err)
	}
	if merged.IsAll() {
		t.Fatal("union of two of three pieces should not be All")
	}
	if !merged.Contains(0) || !merged.Contains(1) || merged.Contains(2) {
		t.Fatal("merged set should contain exactly pieces 0 and 1")
	}
}

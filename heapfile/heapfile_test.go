package heapfile_test

import (
	"encoding/binary"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/sruth-project/sruth/heapfile"
)

// intElt is a fixed 8-byte element used only to exercise MinHeapFile's heap
// discipline and crash semantics in isolation from PathDelayQueue's format.
type intElt int64

func (e intElt) Less(other heapfile.Element) bool { return e < *other.(*intElt) }
func (e intElt) WriteTo(w io.Writer) error         { return binary.Write(w, binary.LittleEndian, int64(e)) }
func (e *intElt) ReadFrom(r io.Reader) error {
	var v int64
	if err := binary.Read(r, binary.LittleEndian, &v); err != nil {
		return err
	}
	*e = intElt(v)
	return nil
}

func newIntElt() heapfile.Element { var e intElt; return &e }

func open(t *testing.T) (*heapfile.MinHeapFile, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "heap")
	hf, err := heapfile.Open(path, 8, newIntElt)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	return hf, path
}

func mustAdd(t *testing.T, hf *heapfile.MinHeapFile, v int64) {
	t.Helper()
	e := intElt(v)
	if err := hf.Add(&e); err != nil {
		t.Fatalf("add(%d): %v", v, err)
	}
}

func TestMinHeapOrdering(t *testing.T) {
	hf, _ := open(t)
	defer hf.Close()

	vals := []int64{5, 3, 8, 1, 9, 2, 7, 4, 6, 0}
	for _, v := range vals {
		mustAdd(t, hf, v)
	}
	if hf.Size() != len(vals) {
		t.Fatalf("size = %d, want %d", hf.Size(), len(vals))
	}

	var out []int64
	for {
		e, err := hf.Remove()
		if err == heapfile.ErrEmpty {
			break
		}
		if err != nil {
			t.Fatalf("remove: %v", err)
		}
		out = append(out, int64(*e.(*intElt)))
	}
	for i := 1; i < len(out); i++ {
		if out[i-1] > out[i] {
			t.Fatalf("not sorted ascending: %v", out)
		}
	}
	if len(out) != len(vals) {
		t.Fatalf("got %d elements, want %d", len(out), len(vals))
	}
}

func TestGrowthBeyondInitialCapacity(t *testing.T) {
	hf, path := open(t)
	for i := int64(0); i < 200; i++ {
		mustAdd(t, hf, i)
	}
	if hf.Size() != 200 {
		t.Fatalf("size = %d, want 200", hf.Size())
	}
	hf.Close()

	// reopen and confirm durability across growth
	hf2, err := heapfile.Open(path, 8, newIntElt)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer hf2.Close()
	if hf2.Size() != 200 {
		t.Fatalf("reopened size = %d, want 200", hf2.Size())
	}
}

func TestPeekDoesNotRemove(t *testing.T) {
	hf, _ := open(t)
	defer hf.Close()
	mustAdd(t, hf, 42)
	p1, err := hf.Peek()
	if err != nil {
		t.Fatal(err)
	}
	p2, err := hf.Peek()
	if err != nil {
		t.Fatal(err)
	}
	if p1.(*intElt) == nil || *p1.(*intElt) != *p2.(*intElt) {
		t.Fatal("peek should be idempotent")
	}
	if hf.Size() != 1 {
		t.Fatal("peek must not remove")
	}
}

func TestEmptyHeapErrors(t *testing.T) {
	hf, _ := open(t)
	defer hf.Close()
	if _, err := hf.Remove(); err != heapfile.ErrEmpty {
		t.Fatalf("remove on empty: got %v, want ErrEmpty", err)
	}
	if _, err := hf.Peek(); err != heapfile.ErrEmpty {
		t.Fatalf("peek on empty: got %v, want ErrEmpty", err)
	}
}

func TestRejectsWrongEltSizeOnReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "heap")
	hf, err := heapfile.Open(path, 8, newIntElt)
	if err != nil {
		t.Fatal(err)
	}
	hf.Close()

	if _, err := heapfile.Open(path, 16, newIntElt); err == nil {
		t.Fatal("expected error reopening with a mismatched element size")
	}
}

func TestCorruptVersionRejected(t *testing.T) {
	path := filepath.Join(t.TempDir(), "heap")
	// hand-craft a file with a bad version word
	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	hdr := make([]byte, 12+8*8)
	binary.LittleEndian.PutUint32(hdr[0:4], 99) // bogus version
	binary.LittleEndian.PutUint32(hdr[4:8], 8)
	f.Write(hdr)
	f.Close()

	if _, err := heapfile.Open(path, 8, newIntElt); err == nil {
		t.Fatal("expected corrupt-version error")
	}
}

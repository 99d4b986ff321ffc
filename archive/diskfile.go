// Copyright (c) 2018-2023, NVIDIA CORPORATION. All rights reserved.
package archive

import (
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/sruth-project/sruth/bitset"
	"github.com/sruth-project/sruth/internal/sos"
	"github.com/sruth-project/sruth/piece"
)

// DiskFile is the runtime handle for one file being assembled or already
// complete. While writable, its backing path is hidden and indexes is a
// general bitmap; once every bit is set the file is closed, moved to its
// visible path, and marked read-only with indexes == AllSet; its handle is
// reopened read-only on the next access that needs it.
type DiskFile struct {
	mu sync.Mutex

	a    *Archive
	info piece.FileInfo

	path     string // current backing path, hidden while writable
	f        *os.File
	indexes  bitset.FiniteBitSet
	writable bool
}

// newDiskFile implements the construction contract of spec.md §4.5.2: if
// the visible path already exists, open it read-only and complete;
// otherwise open (creating if needed) the hidden staging path.
func newDiskFile(a *Archive, info piece.FileInfo) (*DiskFile, error) {
	df := &DiskFile{a: a, info: info}
	visible := a.visibleFSPath(info.ID)

	if err := sos.Stat(visible); err == nil {
		f, err := a.openWithEvict(func() (*os.File, error) { return os.Open(visible) })
		if err != nil {
			return nil, err
		}
		df.f = f
		df.path = visible
		df.indexes = bitset.Complete(info.PieceCount())
		df.writable = false
		return df, nil
	}

	hidden := a.hiddenFSPath(info.ID)
	if err := sos.CreateDir(filepath.Dir(hidden)); err != nil {
		return nil, err
	}
	f, err := a.openWithEvict(func() (*os.File, error) {
		return os.OpenFile(hidden, os.O_RDWR|os.O_CREATE, 0o644)
	})
	if err != nil {
		return nil, err
	}
	df.f = f
	df.path = hidden
	df.indexes = bitset.NewBitmap(info.PieceCount())
	df.writable = true
	return df, nil
}

// putPiece writes p's payload if its index isn't already set, returning
// whether the write just completed the file. Writes are a no-op (not an
// error) on an already-held piece, so duplicate REQUEST/DATA traffic is
// idempotent.
func (df *DiskFile) putPiece(p piece.Piece) (complete bool, err error) {
	df.mu.Lock()
	defer df.mu.Unlock()

	df.a.touch(df)
	if df.indexes.IsSet(p.Spec.Index) {
		return false, nil
	}
	if err := df.reopenIfClosedLocked(); err != nil {
		return false, err
	}
	if _, err := df.f.WriteAt(p.Bytes, p.Spec.Offset()); err != nil {
		return false, err
	}
	df.indexes = df.indexes.SetBit(p.Spec.Index)
	if !df.indexes.AreAllSet() {
		return false, nil
	}
	if err := df.completeLocked(p.TimeToLive); err != nil {
		return false, err
	}
	return true, nil
}

// completeLocked closes the hidden file, atomically renames it into place,
// optionally schedules a deletion, and flips the DiskFile to its read-only
// complete state. Called with df.mu held and indexes already AllSet.
func (df *DiskFile) completeLocked(ttlSeconds int64) error {
	if err := df.f.Close(); err != nil {
		return err
	}
	df.f = nil

	visible := df.a.visibleFSPath(df.info.ID)
	err := sos.RetryOnMissingParent(filepath.Dir(visible), func() error {
		return os.Rename(df.path, visible)
	})
	if err != nil {
		return err
	}

	if ttlSeconds >= 0 {
		if derr := df.a.scheduleDeletion(visible, ttlSeconds*1000); derr != nil {
			return derr
		}
	}

	df.path = visible
	df.writable = false
	df.indexes = bitset.Complete(df.info.PieceCount())
	return nil
}

// getPiece reads spec's full payload. On a still-writable file this is
// best-effort: bytes for never-written pieces may read back as zero, so
// callers must pair a getPiece with hasPiece.
func (df *DiskFile) getPiece(spec piece.PieceSpec) (piece.Piece, error) {
	df.mu.Lock()
	defer df.mu.Unlock()

	df.a.touch(df)
	if err := df.reopenIfClosedLocked(); err != nil {
		return piece.Piece{}, err
	}
	buf := make([]byte, spec.Size())
	if _, err := io.ReadFull(io.NewSectionReader(df.f, spec.Offset(), spec.Size()), buf); err != nil {
		return piece.Piece{}, err
	}
	return piece.NewPiece(spec, buf, -1)
}

func (df *DiskFile) hasPiece(i int) bool {
	df.mu.Lock()
	defer df.mu.Unlock()
	return df.indexes.IsSet(i)
}

func (df *DiskFile) isComplete() bool {
	df.mu.Lock()
	defer df.mu.Unlock()
	return df.indexes.AreAllSet()
}

// reopenIfClosedLocked reopens the backing file if the LRU cache evicted it
// earlier; called with df.mu held. Eviction untracks df entirely (not just
// closes it), so a successful reopen touches df to re-register it and run
// eviction again — otherwise the cap would stop being enforced for df from
// its first eviction onward.
func (df *DiskFile) reopenIfClosedLocked() error {
	if df.f != nil {
		return nil
	}
	flag := os.O_RDONLY
	if df.writable {
		flag = os.O_RDWR
	}
	f, err := df.a.openWithEvict(func() (*os.File, error) {
		return os.OpenFile(df.path, flag, 0o644)
	})
	if err != nil {
		return err
	}
	df.f = f
	df.a.touch(df)
	return nil
}

// closeLocked closes the backing channel without altering any other state;
// used by the LRU cache to evict an entry and by Archive.Close.
func (df *DiskFile) closeLocked() error {
	if df.f == nil {
		return nil
	}
	err := df.f.Close()
	df.f = nil
	return err
}

func (df *DiskFile) Lock()   { df.mu.Lock() }
func (df *DiskFile) Unlock() { df.mu.Unlock() }

// PutPiece, GetPiece, HasPiece and IsComplete are the exported names of
// the same operations, for callers outside this package (clearinghouse,
// peer).
func (df *DiskFile) PutPiece(p piece.Piece) (bool, error)       { return df.putPiece(p) }
func (df *DiskFile) GetPiece(spec piece.PieceSpec) (piece.Piece, error) { return df.getPiece(spec) }
func (df *DiskFile) HasPiece(i int) bool                        { return df.hasPiece(i) }
func (df *DiskFile) IsComplete() bool                           { return df.isComplete() }

// Copyright (c) 2018-2023, NVIDIA CORPORATION. All rights reserved.
package archive

import (
	"container/list"
	"os"
	"path/filepath"
	"sync"

	"github.com/OneOfOne/xxhash"
	"github.com/pkg/errors"

	"github.com/sruth-project/sruth/deleter"
	"github.com/sruth-project/sruth/internal/nlog"
	"github.com/sruth-project/sruth/internal/sos"
	"github.com/sruth-project/sruth/piece"
)

// numShards partitions the DiskFile table so that concurrent callers
// touching unrelated files don't contend on one global mutex; the shard
// for a path is picked by hashing it with xxhash, the way the teacher
// picks mountpath shards in fs.
const numShards = 16

// Archive is the content-addressed, piece-granular store for one node's
// replica of the distributed tree: every known file's DiskFile, a
// bounded-size cache of their open *os.File handles (§4.5.3), and the
// FileDeleter used to expire completed files that carry a TTL.
type Archive struct {
	root         string
	maxOpenFiles int
	del          *deleter.FileDeleter

	shards [numShards]shard

	lruMu   sync.Mutex
	lru     *list.List // of *DiskFile, most-recently-used at Front
	lruElem map[piece.ArchivePath]*list.Element
	openCnt int
}

type shard struct {
	mu    sync.Mutex
	files map[piece.ArchivePath]*DiskFile
}

// New creates an Archive rooted at root. maxOpenFiles bounds how many
// DiskFile handles may be held open simultaneously; once exceeded, the
// least-recently-used handle is closed (and transparently reopened on its
// next use) per spec.md §4.5.3.
func New(root string, maxOpenFiles int, del *deleter.FileDeleter) (*Archive, error) {
	if err := sos.CreateDir(root); err != nil {
		return nil, errors.Wrapf(err, "archive: create root %s", root)
	}
	if err := sos.CreateDir(filepath.Join(root, HiddenDirName)); err != nil {
		return nil, errors.Wrapf(err, "archive: create hidden dir")
	}
	a := &Archive{
		root:         root,
		maxOpenFiles: maxOpenFiles,
		del:          del,
		lru:          list.New(),
		lruElem:      make(map[piece.ArchivePath]*list.Element),
	}
	for i := range a.shards {
		a.shards[i].files = make(map[piece.ArchivePath]*DiskFile)
	}
	return a, nil
}

func (a *Archive) shardFor(id piece.ArchivePath) *shard {
	h := xxhash.Checksum64S([]byte(id), 0)
	return &a.shards[h%numShards]
}

// GetOrCreate returns the DiskFile for info, constructing it (per the
// §4.5.2 contract) the first time it's requested. Every call, whether it
// constructs or returns a cached handle, counts as an access and moves the
// entry to the MRU end per §4.5.3.
func (a *Archive) GetOrCreate(info piece.FileInfo) (*DiskFile, error) {
	sh := a.shardFor(info.ID)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	if df, ok := sh.files[info.ID]; ok {
		a.touch(df)
		return df, nil
	}
	df, err := newDiskFile(a, info)
	if err != nil {
		return nil, errors.Wrapf(err, "archive: open %s", info.ID)
	}
	sh.files[info.ID] = df
	a.touch(df)
	return df, nil
}

// Lookup returns the DiskFile already tracked for id, if any.
func (a *Archive) Lookup(id piece.ArchivePath) (*DiskFile, bool) {
	sh := a.shardFor(id)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	df, ok := sh.files[id]
	return df, ok
}

// Remove drops id from the archive: a tracked DiskFile is closed and its
// record forgotten, and both id's visible and hidden paths are unlinked,
// whether or not id was tracked. Paths that don't exist are ignored, so
// Remove is idempotent.
func (a *Archive) Remove(id piece.ArchivePath) error {
	sh := a.shardFor(id)
	sh.mu.Lock()
	df, ok := sh.files[id]
	if ok {
		delete(sh.files, id)
	}
	sh.mu.Unlock()

	if ok {
		a.untrack(id)
		df.Lock()
		_ = df.closeLocked()
		df.Unlock()
	}

	for _, path := range []string{a.visibleFSPath(id), a.hiddenFSPath(id)} {
		if err := sos.RemoveAll(path); err != nil && !sos.IsErrNotExist(err) {
			return errors.Wrapf(err, "archive: remove %s", id)
		}
	}
	return nil
}

// Walk visits every non-hidden regular file currently on disk, invoking fn
// with each one's FileInfo (computed with the archive's default piece
// size). The visit is not lazy: the whole tree is scanned into memory
// first, and fn is not called until that scan has finished. Used by ClearingHouse.WalkArchive to offer a
// newly-connected peer the full existing tree.
func (a *Archive) Walk(fn func(piece.FileInfo)) error {
	results, err := walkArchive(a.root)
	if err != nil {
		return err
	}
	for _, r := range results {
		fi, err := piece.NewFileInfo(r.Path, r.Size, piece.DefaultPieceSize)
		if err != nil {
			nlog.Warningf("archive: walk: skipping %s: %v", r.Path, err)
			continue
		}
		fn(fi)
	}
	return nil
}

// scheduleDeletion asks the FileDeleter to remove path after ttlMillis.
func (a *Archive) scheduleDeletion(path string, ttlMillis int64) error {
	if a.del == nil {
		return nil
	}
	return a.del.Schedule(path, ttlMillis)
}

// touch records df as most-recently-used — re-tracking it if an earlier
// eviction had dropped it — and evicts from the LRU end until the open
// count is within budget. Called on every access: GetOrCreate, PutPiece,
// GetPiece, and a successful reopen, per §4.5.3.
func (a *Archive) touch(df *DiskFile) {
	if a.maxOpenFiles <= 0 {
		return
	}
	a.lruMu.Lock()
	defer a.lruMu.Unlock()

	if el, ok := a.lruElem[df.info.ID]; ok {
		a.lru.MoveToFront(el)
	} else {
		a.lruElem[df.info.ID] = a.lru.PushFront(df)
		a.openCnt++
	}
	a.evictLocked()
}

// evictLocked closes handles from the back of the LRU list until the open
// count is within budget or every entry has been considered. A victim
// currently locked by an in-flight access (including df itself, just
// pushed to the front by the caller) is skipped rather than waited on, to
// avoid two concurrent accesses deadlocking trying to evict each other.
// Called with lruMu held.
func (a *Archive) evictLocked() {
	el := a.lru.Back()
	for a.openCnt > a.maxOpenFiles && el != nil {
		victim := el.Value.(*DiskFile)
		prev := el.Prev()
		if victim.mu.TryLock() {
			a.lru.Remove(el)
			delete(a.lruElem, victim.info.ID)
			a.openCnt--
			if err := victim.closeLocked(); err != nil {
				nlog.Warningf("archive: evict close %s: %v", victim.info.ID, err)
			}
			victim.mu.Unlock()
		}
		el = prev
	}
}

// evictOne forcibly closes one cached handle not currently in use,
// regardless of maxOpenFiles, so openWithEvict can recover from an EMFILE
// the OS raised despite the archive's own cap already holding. Returns
// false if every cached handle is presently locked by an in-flight access.
func (a *Archive) evictOne() bool {
	a.lruMu.Lock()
	defer a.lruMu.Unlock()
	for el := a.lru.Back(); el != nil; el = el.Prev() {
		victim := el.Value.(*DiskFile)
		if !victim.mu.TryLock() {
			continue
		}
		a.lru.Remove(el)
		delete(a.lruElem, victim.info.ID)
		a.openCnt--
		if err := victim.closeLocked(); err != nil {
			nlog.Warningf("archive: evict close %s: %v", victim.info.ID, err)
		}
		victim.mu.Unlock()
		return true
	}
	return false
}

func (a *Archive) untrack(id piece.ArchivePath) {
	a.lruMu.Lock()
	defer a.lruMu.Unlock()
	if el, ok := a.lruElem[id]; ok {
		a.lru.Remove(el)
		delete(a.lruElem, id)
		a.openCnt--
	}
}

// openWithEvict calls open, and on "too many open files" evicts one
// cached handle and retries, looping until open succeeds or there is
// nothing left it can evict — the §4.5.3 recovery path that keeps a
// transient EMFILE from failing a put/get outright. Used for every
// os.Open/os.OpenFile call a DiskFile makes, both on first construction
// and on reopening a handle the LRU cache closed earlier.
func (a *Archive) openWithEvict(open func() (*os.File, error)) (*os.File, error) {
	for {
		f, err := open()
		if err == nil || !sos.IsErrTooManyOpenFiles(err) {
			return f, err
		}
		if !a.evictOne() {
			return f, err
		}
	}
}

// Close closes every cached DiskFile handle. It does not stop a Watcher;
// callers own that lifecycle separately (see node.Node.Close).
func (a *Archive) Close() error {
	var errs sos.Errs
	for i := range a.shards {
		sh := &a.shards[i]
		sh.mu.Lock()
		for _, df := range sh.files {
			df.Lock()
			if err := df.closeLocked(); err != nil {
				errs.Add(err)
			}
			df.Unlock()
		}
		sh.mu.Unlock()
	}
	return errs.JoinErr()
}

// Copyright (c) 2018-2023, NVIDIA CORPORATION. All rights reserved.
package archive

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/pkg/errors"

	"github.com/sruth-project/sruth/internal/nlog"
	"github.com/sruth-project/sruth/piece"
)

// Watcher is the archive's equivalent of a tracker's "what changed"
// subscription over the local filesystem: an initial full scan (walkArchive)
// followed by incremental fsnotify events. Directories are registered
// recursively, following symlinks; a (dev, ino) visited set (see
// devino_unix.go) stops a symlink cycle from recursing forever, per the
// symlink Open Question decision recorded in DESIGN.md.
type Watcher struct {
	a    *Archive
	root string
	w    *fsnotify.Watcher

	onCreate func(piece.ArchivePath, int64)
	onRemove func(piece.ArchivePath)

	mu      sync.Mutex
	visited map[devIno]struct{}
	dirs    map[string]struct{} // osPath -> watched

	cancel context.CancelFunc
	done   chan struct{}
}

// NewWatcher creates a Watcher for a's root. onCreate fires (with the
// file's current size) for every file found by the initial scan and for
// every later create/write event; onRemove fires when a watched file
// disappears.
func NewWatcher(a *Archive, onCreate func(piece.ArchivePath, int64), onRemove func(piece.ArchivePath)) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, errors.Wrap(err, "archive: new watcher")
	}
	return &Watcher{
		a:        a,
		root:     a.root,
		w:        fw,
		onCreate: onCreate,
		onRemove: onRemove,
		visited:  make(map[devIno]struct{}),
		dirs:     make(map[string]struct{}),
	}, nil
}

// Start runs the initial scan, registers every directory for events, and
// begins the incremental event loop on its own goroutine.
func (wt *Watcher) Start(ctx context.Context) error {
	results, err := walkArchive(wt.root)
	if err != nil {
		return err
	}
	for _, r := range results {
		wt.onCreate(r.Path, r.Size)
	}

	// The initial scan above already announced every existing file, so
	// this registration pass only needs to set up watches.
	if err := wt.registerDirEmit(wt.root, false); err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(ctx)
	wt.cancel = cancel
	wt.done = make(chan struct{})
	go wt.run(runCtx)
	return nil
}

// registerDir adds dir (and, recursively, every subdirectory reachable
// from it, including through symlinks) to the fsnotify watch set, and
// announces every regular file discovered along the way — the §4.5.4
// create-branch contract for a directory dropped into the tree after the
// initial scan: "recursively register all non-hidden descendants; then
// emit one FilePieceSpecSet per regular file found".
func (wt *Watcher) registerDir(dir string) error {
	return wt.registerDirEmit(dir, true)
}

// registerDirEmit is registerDir's implementation. emit controls whether a
// regular file discovered during the walk is announced via onCreate:
// Start's initial call passes false, since walkArchive already announced
// every file that exists at startup; every other caller (a directory
// create/rename event) passes true, since nothing has announced this
// subtree yet.
func (wt *Watcher) registerDirEmit(dir string, emit bool) error {
	fi, err := os.Stat(dir)
	if err != nil {
		return errors.Wrapf(err, "archive: stat %s", dir)
	}
	if !fi.IsDir() {
		return nil
	}
	if di, ok := statDevIno(fi); ok {
		wt.mu.Lock()
		if _, seen := wt.visited[di]; seen {
			wt.mu.Unlock()
			return nil // symlink cycle: already descended into this inode
		}
		wt.visited[di] = struct{}{}
		wt.mu.Unlock()
	}

	if err := wt.w.Add(dir); err != nil {
		return errors.Wrapf(err, "archive: watch %s", dir)
	}
	wt.mu.Lock()
	wt.dirs[dir] = struct{}{}
	wt.mu.Unlock()

	entries, err := os.ReadDir(dir)
	if err != nil {
		return errors.Wrapf(err, "archive: readdir %s", dir)
	}
	for _, e := range entries {
		if dir == wt.root && e.Name() == HiddenDirName {
			continue
		}
		childPath := filepath.Join(dir, e.Name())
		childFi, err := os.Stat(childPath) // follows symlinks
		if err != nil {
			continue
		}
		if childFi.IsDir() {
			if err := wt.registerDirEmit(childPath, emit); err != nil {
				nlog.Warningf("archive: watcher: %v", err)
			}
			continue
		}
		if !emit || !childFi.Mode().IsRegular() {
			continue
		}
		rel, err := filepath.Rel(wt.root, childPath)
		if err != nil {
			continue
		}
		ap, err := piece.NewArchivePath(filepath.ToSlash(rel))
		if err != nil {
			continue
		}
		wt.onCreate(ap, childFi.Size())
	}
	return nil
}

func (wt *Watcher) run(ctx context.Context) {
	defer close(wt.done)
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-wt.w.Events:
			if !ok {
				return
			}
			wt.handle(ev)
		case err, ok := <-wt.w.Errors:
			if !ok {
				return
			}
			nlog.Warningf("archive: watcher error: %v", err)
		}
	}
}

func (wt *Watcher) handle(ev fsnotify.Event) {
	rel, err := filepath.Rel(wt.root, ev.Name)
	if err != nil || strings.HasPrefix(rel, "..") {
		return
	}
	rel = filepath.ToSlash(rel)
	if rel == HiddenDirName || strings.HasPrefix(rel, HiddenDirName+"/") {
		return
	}
	ap, err := piece.NewArchivePath(rel)
	if err != nil {
		return
	}

	switch {
	case ev.Op&(fsnotify.Remove|fsnotify.Rename) != 0:
		wt.onRemove(ap)
	case ev.Op&(fsnotify.Create|fsnotify.Write) != 0:
		fi, err := os.Stat(ev.Name)
		if err != nil {
			return
		}
		if fi.IsDir() {
			if err := wt.registerDir(ev.Name); err != nil {
				nlog.Warningf("archive: watcher: %v", err)
			}
			return
		}
		wt.onCreate(ap, fi.Size())
	}
}

// Close stops the event loop and releases the underlying fsnotify handle.
func (wt *Watcher) Close() error {
	if wt.cancel != nil {
		wt.cancel()
		<-wt.done
	}
	return wt.w.Close()
}

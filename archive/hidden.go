// Package archive is the content-addressed, piece-granular file store: it
// owns every DiskFile and the open-file LRU cache for a single node's
// replica of the distributed tree, schedules TTL deletions through a
// FileDeleter it is given, and provides the Watcher, whose lifecycle the
// caller owns.
/*
 * Copyright (c) 2018-2023, NVIDIA CORPORATION. All rights reserved.
 */
package archive

import (
	"path/filepath"
	"strings"

	"github.com/sruth-project/sruth/piece"
)

// HiddenDirName is the archive's staging/metadata subdirectory. ".sruth" is
// the current name; ".dynaccn" is its historical predecessor, kept here
// only as a comment for anyone migrating an old archive by hand.
const HiddenDirName = ".sruth"

// hide maps a visible relative ArchivePath to its hidden, in-progress
// counterpart: .sruth/<p>.
func hide(p piece.ArchivePath) piece.ArchivePath {
	return piece.ArchivePath(filepath.ToSlash(filepath.Join(HiddenDirName, string(p))))
}

// reveal strips the leading hidden-directory component, the inverse of hide.
func reveal(h piece.ArchivePath) piece.ArchivePath {
	return piece.ArchivePath(strings.TrimPrefix(string(h), HiddenDirName+"/"))
}

// isHidden reports whether p's relative form falls under the hidden
// directory.
func isHidden(p piece.ArchivePath) bool {
	s := string(p)
	return s == HiddenDirName || strings.HasPrefix(s, HiddenDirName+"/")
}

// fsPath joins the archive root with a relative ArchivePath to produce an
// absolute filesystem path.
func (a *Archive) fsPath(p piece.ArchivePath) string {
	return filepath.Join(a.root, filepath.FromSlash(string(p)))
}

func (a *Archive) hiddenFSPath(p piece.ArchivePath) string { return a.fsPath(hide(p)) }
func (a *Archive) visibleFSPath(p piece.ArchivePath) string { return a.fsPath(p) }

// Copyright (c) 2018-2023, NVIDIA CORPORATION. All rights reserved.
package archive

import (
	"os"
	"path/filepath"

	"github.com/karrick/godirwalk"
	"github.com/pkg/errors"

	"github.com/sruth-project/sruth/piece"
)

// ScanResult pairs a visible file's ArchivePath with its on-disk size, as
// discovered by an initial tree scan.
type ScanResult struct {
	Path piece.ArchivePath
	Size int64
}

// walkArchive performs the one-time full-tree scan Archive.Watcher runs at
// startup before switching to incremental fsnotify events: every regular
// file reachable under root, except the hidden staging directory, becomes
// a ScanResult. godirwalk is used instead of filepath.WalkDir because it
// avoids a Lstat per entry on most platforms, which matters once an
// archive holds a few hundred thousand files.
//
// Per spec.md §9, symlinked directories are followed, not skipped; a
// (dev, ino) visited set — the same cycle guard registerDir keeps for the
// incremental watch path — stops a symlink loop from recursing forever.
func walkArchive(root string) ([]ScanResult, error) {
	var results []ScanResult
	visited := make(map[devIno]struct{})
	if fi, err := os.Stat(root); err == nil {
		if di, ok := statDevIno(fi); ok {
			visited[di] = struct{}{}
		}
	}

	err := godirwalk.Walk(root, &godirwalk.Options{
		Unsorted:            true,
		FollowSymbolicLinks: true,
		Callback: func(osPath string, de *godirwalk.Dirent) error {
			rel, err := filepath.Rel(root, osPath)
			if err != nil {
				return err
			}
			if rel == "." {
				return nil
			}
			rel = filepath.ToSlash(rel)

			if de.IsDir() {
				if rel == HiddenDirName {
					return filepath.SkipDir
				}
				fi, err := os.Stat(osPath)
				if err != nil {
					return nil
				}
				if di, ok := statDevIno(fi); ok {
					if _, seen := visited[di]; seen {
						return filepath.SkipDir // symlink cycle: already descended here
					}
					visited[di] = struct{}{}
				}
				return nil
			}
			if !de.IsRegular() {
				return nil
			}
			ap, err := piece.NewArchivePath(rel)
			if err != nil {
				return errors.Wrapf(err, "walkArchive: %s", rel)
			}
			fi, err := os.Stat(osPath) // follows the symlink, if any, to the real file
			if err != nil {
				return err
			}
			results = append(results, ScanResult{Path: ap, Size: fi.Size()})
			return nil
		},
		ErrorCallback: func(osPath string, err error) godirwalk.ErrorAction {
			return godirwalk.SkipNode
		},
	})
	if err != nil {
		return nil, errors.Wrapf(err, "walkArchive: %s", root)
	}
	return results, nil
}

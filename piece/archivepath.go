// Package piece defines the archive's content-addressing types: ArchivePath,
// FileId, FileInfo, PieceSpec, FilePieceSpecSet, and Piece.
/*
 * Copyright (c) 2018-2023, NVIDIA CORPORATION. All rights reserved.
 */
package piece

import (
	"fmt"
	"path"
	"strings"
)

// ArchivePath is an immutable relative path inside the archive. It is never
// absolute and never escapes its root via "..".
type ArchivePath string

// NewArchivePath normalizes p (stripping leading "/" characters and cleaning "."
// segments) and rejects anything that would escape the archive root.
func NewArchivePath(p string) (ArchivePath, error) {
	clean := path.Clean(strings.TrimLeft(p, "/"))
	if clean == "." || clean == "" {
		return "", fmt.Errorf("empty archive path")
	}
	if clean == ".." || strings.HasPrefix(clean, "../") {
		return "", fmt.Errorf("archive path %q escapes the archive root", p)
	}
	return ArchivePath(clean), nil
}

func (p ArchivePath) String() string { return string(p) }

// Less gives ArchivePath its total lexicographic order.
func (p ArchivePath) Less(other ArchivePath) bool { return string(p) < string(other) }

// IsCategory reports whether p (interpreted as a directory) includes child:
// child is p itself or one of its descendants.
func (p ArchivePath) IsCategory(child ArchivePath) bool {
	if p == child {
		return true
	}
	return strings.HasPrefix(string(child), string(p)+"/")
}

// FileId identifies a file-or-category within the archive; it is equal to
// an ArchivePath. A category is a directory ArchivePath: it "includes"
// every ArchivePath that starts with it.
type FileId = ArchivePath

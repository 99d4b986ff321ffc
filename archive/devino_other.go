//go:build !unix

// Copyright (c) 2018-2023, NVIDIA CORPORATION. All rights reserved.
package archive

import "os"

// devIno is unavailable outside unix; the Watcher falls back to tracking
// visited paths by name only, which is weaker against symlink cycles built
// from hardlinked directories but still catches the common case.
type devIno struct{ path string }

func statDevIno(fi os.FileInfo) (devIno, bool) { return devIno{}, false }

//go:build !unix

// Non-unix fallback: without a portable mmap syscall, back the element
// slots with a full in-memory copy that is flushed to the file on msync.
// The heap's on-disk format and crash semantics are unaffected; only the
// write-visibility mechanism differs from the unix mmap'd path.
/*
 * Copyright (c) 2018-2023, NVIDIA CORPORATION. All rights reserved.
 */
package heapfile

import "sync"

var fileLocks sync.Map // *os.File -> *sync.Mutex, process-local substitute for fcntl byte-range locks

func (hf *MinHeapFile) mmapExisting(size int64) error {
	buf := make([]byte, size)
	// a freshly truncated file reads back as zeroes; ignore EOF on short reads
	if _, err := hf.f.ReadAt(buf, 0); err != nil && err.Error() != "EOF" {
		return err
	}
	hf.data = buf
	return nil
}

func (hf *MinHeapFile) munmap() { hf.data = nil }

func (hf *MinHeapFile) msync() error {
	if hf.data == nil {
		return nil
	}
	_, err := hf.f.WriteAt(hf.data, 0)
	return err
}

func (hf *MinHeapFile) lockSlot(_ int, _ bool) (unlock func(), err error) {
	mu, _ := fileLocks.LoadOrStore(hf.f, &sync.Mutex{})
	m := mu.(*sync.Mutex)
	m.Lock()
	return m.Unlock, nil
}

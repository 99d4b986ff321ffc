//go:build unix

// mmap and byte-range advisory locking for MinHeapFile, backed by
// golang.org/x/sys/unix the way the teacher's fs_linux.go splits
// platform-specific syscalls out of the common file.
/*
 * Copyright (c) 2018-2023, NVIDIA CORPORATION. All rights reserved.
 */
package heapfile

import (
	"golang.org/x/sys/unix"
)

func (hf *MinHeapFile) mmapExisting(size int64) error {
	data, err := unix.Mmap(int(hf.f.Fd()), 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return err
	}
	hf.data = data
	return nil
}

func (hf *MinHeapFile) munmap() {
	if hf.data != nil {
		unix.Munmap(hf.data)
		hf.data = nil
	}
}

func (hf *MinHeapFile) msync() error {
	if hf.data == nil {
		return nil
	}
	return unix.Msync(hf.data, unix.MS_SYNC)
}

// lockSlot takes an advisory byte-range lock over [off, off+eltSize) of the
// backing file: exclusive for writers, shared for readers. It is advisory
// and inter-process by construction (fcntl record locks), coordinating
// cooperating MinHeapFile users the way a single in-process mutex cannot
// across address spaces.
func (hf *MinHeapFile) lockSlot(off int, exclusive bool) (unlock func(), err error) {
	typ := int16(unix.F_RDLCK)
	if exclusive {
		typ = unix.F_WRLCK
	}
	fl := unix.Flock_t{
		Type:  typ,
		Start: int64(off),
		Len:   int64(hf.eltSize),
	}
	if err := unix.FcntlFlock(hf.f.Fd(), unix.F_SETLKW, &fl); err != nil {
		return nil, err
	}
	return func() {
		ufl := unix.Flock_t{Type: unix.F_UNLCK, Start: int64(off), Len: int64(hf.eltSize)}
		unix.FcntlFlock(hf.f.Fd(), unix.F_SETLK, &ufl)
	}, nil
}

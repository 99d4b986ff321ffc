// Copyright (c) 2018-2023, NVIDIA CORPORATION. All rights reserved.
package piece

import (
	"github.com/sruth-project/sruth/bitset"
	"github.com/sruth-project/sruth/internal/sos"
)

// FilePieceSpecSet names a subset of a single FileInfo's pieces: either
// every piece ("AllPieces") or an explicit finite bitmap over them.
type FilePieceSpecSet struct {
	Info FileInfo
	bits bitset.FiniteBitSet // nil means "all pieces"
}

// AllPieces returns the set containing every piece of info.
func AllPieces(info FileInfo) FilePieceSpecSet {
	return FilePieceSpecSet{Info: info}
}

// NoPieces returns the empty set over info's pieces.
func NoPieces(info FileInfo) FilePieceSpecSet {
	return FilePieceSpecSet{Info: info, bits: bitset.NewBitmap(info.PieceCount())}
}

// SinglePiece returns the set containing exactly one piece.
func SinglePiece(spec PieceSpec) FilePieceSpecSet {
	bm := bitset.NewBitmap(spec.Info.PieceCount())
	bm = bm.SetBit(spec.Index)
	return FilePieceSpecSet{Info: spec.Info, bits: bm}
}

// IsAll reports whether this set denotes every piece of Info.
func (s FilePieceSpecSet) IsAll() bool {
	return s.bits == nil || s.bits.AreAllSet()
}

// Contains reports whether index is part of the set.
func (s FilePieceSpecSet) Contains(index int) bool {
	if s.bits == nil {
		return index >= 0 && index < s.Info.PieceCount()
	}
	return s.bits.IsSet(index)
}

// Specs enumerates the PieceSpecs in the set, in ascending index order.
func (s FilePieceSpecSet) Specs() []PieceSpec {
	n := s.Info.PieceCount()
	out := make([]PieceSpec, 0, n)
	for i := 0; i < n; i++ {
		if s.Contains(i) {
			out = append(out, PieceSpec{Info: s.Info, Index: i})
		}
	}
	return out
}

// Merge is commutative and associative. Merging two sets naming different
// FileInfos under the same FileId is a protocol violation. Merging
// AllPieces with anything of the same FileInfo yields AllPieces.
func (s FilePieceSpecSet) Merge(other FilePieceSpecSet) (FilePieceSpecSet, error) {
	if s.Info.ID != other.Info.ID {
		return FilePieceSpecSet{}, sos.NewErrFileInfoMismatch(string(s.Info.ID))
	}
	if !s.Info.Equal(other.Info) {
		return FilePieceSpecSet{}, sos.NewErrFileInfoMismatch(string(s.Info.ID))
	}
	if s.IsAll() || other.IsAll() {
		return AllPieces(s.Info), nil
	}
	n := s.Info.PieceCount()
	merged := bitset.NewBitmap(n)
	for i := 0; i < n; i++ {
		if s.Contains(i) || other.Contains(i) {
			merged = merged.SetBit(i)
		}
	}
	return FilePieceSpecSet{Info: s.Info, bits: merged}, nil
}

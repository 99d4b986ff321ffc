// Copyright (c) 2018-2023, NVIDIA CORPORATION. All rights reserved.
package piece

import "fmt"

// PieceSpec names one piece of a FileInfo by index.
type PieceSpec struct {
	Info  FileInfo
	Index int
}

// NewPieceSpec validates 0 <= index < PieceCount().
func NewPieceSpec(info FileInfo, index int) (PieceSpec, error) {
	if index < 0 || index >= info.PieceCount() {
		return PieceSpec{}, fmt.Errorf("piece index %d out of range [0, %d)", index, info.PieceCount())
	}
	return PieceSpec{Info: info, Index: index}, nil
}

// Offset is the byte offset of this piece within the file.
func (ps PieceSpec) Offset() int64 { return int64(ps.Index) * ps.Info.PieceSize }

// Size is pieceSize, except for the final piece of the file, which is
// whatever remains.
func (ps PieceSpec) Size() int64 {
	if ps.Index == ps.Info.PieceCount()-1 {
		return (ps.Info.FileSize-1)%ps.Info.PieceSize + 1
	}
	return ps.Info.PieceSize
}

func (ps PieceSpec) Path() ArchivePath { return ps.Info.ID }

func (ps PieceSpec) Equal(other PieceSpec) bool {
	return ps.Info.Equal(other.Info) && ps.Index == other.Index
}

// Piece is a piece's identity paired with its payload and a replication
// time-to-live, in seconds, applied once the owning file completes
// (negative means "keep forever").
type Piece struct {
	Spec       PieceSpec
	Bytes      []byte
	TimeToLive int64
}

// NewPiece validates that len(bytes) == spec.Size().
func NewPiece(spec PieceSpec, bytes []byte, ttl int64) (Piece, error) {
	if int64(len(bytes)) != spec.Size() {
		return Piece{}, fmt.Errorf("piece %s[%d]: got %d bytes, want %d", spec.Info.ID, spec.Index, len(bytes), spec.Size())
	}
	return Piece{Spec: spec, Bytes: bytes, TimeToLive: ttl}, nil
}

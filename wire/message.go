// Package wire implements the peer-to-peer connection protocol: three
// ordered framed streams (NOTICE, REQUEST, DATA) multiplexed over one TCP
// connection, carrying the handshake Filter/Predicate exchange and the
// AdditionNotice/RemovedFileNotice/RemovedFilesNotice/PieceRequest/Piece
// message variants.
/*
 * Copyright (c) 2018-2023, NVIDIA CORPORATION. All rights reserved.
 */
package wire

import (
	jsoniter "github.com/json-iterator/go"

	"github.com/sruth-project/sruth/filter"
	"github.com/sruth-project/sruth/internal/sos"
	"github.com/sruth-project/sruth/piece"
)

// Stream identifies one of the three logical streams a frame belongs to.
type Stream byte

const (
	StreamNotice Stream = iota
	StreamRequest
	StreamData
)

func (s Stream) String() string {
	switch s {
	case StreamNotice:
		return "NOTICE"
	case StreamRequest:
		return "REQUEST"
	case StreamData:
		return "DATA"
	default:
		return "?"
	}
}

// msgType is the discriminant byte carried in every frame header, the way
// transport/pdu.go carries flags in its fixed-size frame header.
type msgType byte

const (
	msgFilterHandshake msgType = iota
	msgAdditionNotice
	msgRemovedFileNotice
	msgRemovedFilesNotice
	msgPieceRequest
	msgPiece
)

// AdditionNotice announces that the sender holds (all or part of) a file.
type AdditionNotice struct {
	Spec FilePieceSpecSetWire
}

// RemovedFileNotice announces that a single file was deleted locally.
type RemovedFileNotice struct {
	Path piece.ArchivePath
}

// RemovedFilesNotice batches several deletions, emitted when the
// NoticeQueue coalesces more than one pending removal into a single frame.
type RemovedFilesNotice struct {
	Paths []piece.ArchivePath
}

// PieceRequest asks the remote side to send the named pieces.
type PieceRequest struct {
	Spec FilePieceSpecSetWire
}

// PieceMsg carries one piece's payload.
type PieceMsg struct {
	Info       piece.FileInfo
	Index      int
	TimeToLive int64
	Bytes      []byte
}

// FilterWire is Filter's wire form: Filter keeps its pattern list private,
// so handshakes round-trip through this plain struct instead.
type FilterWire struct {
	Everything bool
	Nothing    bool
	Patterns   []string `json:",omitempty"`
}

func ToFilterWire(f filter.Filter) FilterWire {
	return FilterWire{Everything: f.IsEverything(), Nothing: f.IsNothing(), Patterns: f.Patterns()}
}

func (w FilterWire) ToFilter() filter.Filter {
	switch {
	case w.Everything:
		return filter.Everything
	case w.Nothing:
		return filter.Nothing
	default:
		return filter.New(w.Patterns...)
	}
}

// PredicateWire is Predicate's wire form: a plain list of FilterWires.
type PredicateWire struct {
	Filters []FilterWire
}

func ToPredicateWire(p *filter.Predicate) PredicateWire {
	fs := p.Filters()
	out := make([]FilterWire, len(fs))
	for i, f := range fs {
		out[i] = ToFilterWire(f)
	}
	return PredicateWire{Filters: out}
}

func (w PredicateWire) ToPredicate() *filter.Predicate {
	fs := make([]filter.Filter, len(w.Filters))
	for i, fw := range w.Filters {
		fs[i] = fw.ToFilter()
	}
	return filter.NewPredicate(fs...)
}

// FilePieceSpecSetWire is FilePieceSpecSet's wire form: either "all pieces"
// of Info, or an explicit ascending list of indexes.
type FilePieceSpecSetWire struct {
	Info    piece.FileInfo
	All     bool
	Indexes []int `json:",omitempty"`
}

func ToFilePieceSpecSetWire(s piece.FilePieceSpecSet) FilePieceSpecSetWire {
	if s.IsAll() {
		return FilePieceSpecSetWire{Info: s.Info, All: true}
	}
	specs := s.Specs()
	idx := make([]int, len(specs))
	for i, sp := range specs {
		idx[i] = sp.Index
	}
	return FilePieceSpecSetWire{Info: s.Info, Indexes: idx}
}

func (w FilePieceSpecSetWire) ToFilePieceSpecSet() (piece.FilePieceSpecSet, error) {
	if w.All {
		return piece.AllPieces(w.Info), nil
	}
	set := piece.NoPieces(w.Info)
	for _, i := range w.Indexes {
		spec, err := piece.NewPieceSpec(w.Info, i)
		if err != nil {
			return piece.FilePieceSpecSet{}, err
		}
		merged, err := set.Merge(piece.SinglePiece(spec))
		if err != nil {
			return piece.FilePieceSpecSet{}, err
		}
		set = merged
	}
	return set, nil
}

var jsonAPI = jsoniter.ConfigCompatibleWithStandardLibrary

// unmarshalBody decodes a control-message JSON body, wrapping any failure
// as an ErrProtocolViolation the way a peer receiving a malformed header
// does elsewhere in this package.
func unmarshalBody(b []byte, v any) error {
	if err := jsonAPI.Unmarshal(b, v); err != nil {
		return sos.NewErrProtocolViolation(err.Error())
	}
	return nil
}

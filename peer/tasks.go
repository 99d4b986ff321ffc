// Copyright (c) 2018-2023, NVIDIA CORPORATION. All rights reserved.
package peer

import (
	"context"
	"errors"
	"io"

	"github.com/sruth-project/sruth/internal/nlog"
	"github.com/sruth-project/sruth/internal/sos"
	"github.com/sruth-project/sruth/piece"
	"github.com/sruth-project/sruth/wire"
)

// noticeSender drains the NoticeQueue and writes each emitted notice on
// the NOTICE stream.
func (p *Peer) noticeSender(ctx context.Context) error {
	for {
		n, err := p.noticeQ.Take(ctx)
		if err != nil {
			return logTaskExit(p.id, "noticeSender", err)
		}
		switch {
		case n.Addition != nil:
			err = p.conn.SendAdditionNotice(wire.AdditionNotice{Spec: wire.ToFilePieceSpecSetWire(*n.Addition)})
		case n.RemovedFile != "":
			err = p.conn.SendRemovedFileNotice(wire.RemovedFileNotice{Path: n.RemovedFile})
		default:
			err = p.conn.SendRemovedFilesNotice(wire.RemovedFilesNotice{Paths: n.RemovedFiles})
		}
		if err != nil {
			return logTaskExit(p.id, "noticeSender", err)
		}
	}
}

// noticeReceiver reads NOTICE frames from the remote side and feeds new
// piece-spec offers into the ClearingHouse, which may in turn call back
// p.QueueRequest.
func (p *Peer) noticeReceiver(ctx context.Context) error {
	for {
		msg, err := p.conn.RecvNotice()
		if err != nil {
			return logTaskExit(p.id, "noticeReceiver", err)
		}
		switch {
		case msg.Addition != nil:
			set, err := msg.Addition.Spec.ToFilePieceSpecSet()
			if err != nil {
				nlog.Warningf("peer %s: noticeReceiver: %v", p.id, err)
				continue
			}
			p.ch.ProcessSpec(p, set)
		case msg.RemovedFile != nil, msg.RemovedFiles != nil:
			// The remote side deleted a file it previously offered.
			// Nothing further to reconcile here: any request we already
			// sent simply goes unanswered and the connection otherwise
			// continues normally.
		}
		if ctx.Err() != nil {
			return logTaskExit(p.id, "noticeReceiver", sos.NewErrCancelled("noticeReceiver"))
		}
	}
}

// requestSender drains the outbound request queue and writes a
// PieceRequest frame for each merged spec.
func (p *Peer) requestSender(ctx context.Context) error {
	for {
		spec, err := p.outReqQ.Take(ctx)
		if err != nil {
			return logTaskExit(p.id, "requestSender", err)
		}
		if err := p.conn.SendPieceRequest(wire.PieceRequest{Spec: wire.ToFilePieceSpecSetWire(spec)}); err != nil {
			return logTaskExit(p.id, "requestSender", err)
		}
	}
}

// requestReceiver reads REQUEST frames (what the remote side wants from
// us) and merges them into sendSpecQ for pieceSender to drain.
func (p *Peer) requestReceiver(ctx context.Context) error {
	for {
		req, err := p.conn.RecvPieceRequest()
		if err != nil {
			return logTaskExit(p.id, "requestReceiver", err)
		}
		set, err := req.Spec.ToFilePieceSpecSet()
		if err != nil {
			nlog.Warningf("peer %s: requestReceiver: %v", p.id, err)
			continue
		}
		if err := p.sendSpecQ.Add(set); err != nil {
			nlog.Warningf("peer %s: requestReceiver: %v", p.id, err)
		}
	}
}

// pieceSender implements queueForSending: for each merged spec-set
// waiting in sendSpecQ, reads every named piece from the archive (via the
// ClearingHouse) and sends it, one piece at a time — the blocking
// SendPiece call is the "one-slot rendezvous" spec.md describes, since
// nothing is queued further ahead of the piece currently being written to
// the socket.
func (p *Peer) pieceSender(ctx context.Context) error {
	for {
		set, err := p.sendSpecQ.Take(ctx)
		if err != nil {
			return logTaskExit(p.id, "pieceSender", err)
		}
		for _, spec := range set.Specs() {
			pc, err := p.ch.GetPiece(spec)
			if err != nil {
				if sos.IsErrNotFound(err) {
					nlog.Warningf("peer %s: piece %s[%d] deleted under us, skipping", p.id, spec.Info.ID, spec.Index)
					continue
				}
				nlog.Warningf("peer %s: read %s[%d]: %v", p.id, spec.Info.ID, spec.Index, err)
				continue
			}
			m := wire.PieceMsg{Info: pc.Spec.Info, Index: pc.Spec.Index, TimeToLive: pc.TimeToLive, Bytes: pc.Bytes}
			if err := p.conn.SendPiece(m); err != nil {
				return logTaskExit(p.id, "pieceSender", err)
			}
		}
	}
}

// pieceReceiver reads DATA frames and hands each piece to the
// ClearingHouse; when it reports allDone (the local predicate can never
// be satisfied again), this task stops, which cancels its five siblings.
func (p *Peer) pieceReceiver(ctx context.Context) error {
	for {
		m, err := p.conn.RecvPiece()
		if err != nil {
			return logTaskExit(p.id, "pieceReceiver", err)
		}
		spec, err := piece.NewPieceSpec(m.Info, m.Index)
		if err != nil {
			nlog.Warningf("peer %s: pieceReceiver: %v", p.id, err)
			continue
		}
		pc, err := piece.NewPiece(spec, m.Bytes, m.TimeToLive)
		if err != nil {
			nlog.Warningf("peer %s: pieceReceiver: %v", p.id, err)
			continue
		}
		if allDone := p.ch.ProcessPiece(p, pc); allDone {
			nlog.Infof("peer %s: predicate satisfied by nothing further, stopping", p.id)
			return nil
		}
		if ctx.Err() != nil {
			return logTaskExit(p.id, "pieceReceiver", sos.NewErrCancelled("pieceReceiver"))
		}
	}
}

// fileScanner is the transient task that walks the archive once at
// connection start, offering every existing file the remote side's filter
// would want as a low-priority ("old data") notice.
func (p *Peer) fileScanner(ctx context.Context) error {
	if p.remoteFilter.IsNothing() {
		return nil
	}
	selector := func(info piece.FileInfo) bool { return p.remoteFilter.Matches(info.ID) }
	err := p.ch.WalkArchive(selector, func(set piece.FilePieceSpecSet) {
		if err := p.noticeQ.AddOldAddition(set); err != nil {
			nlog.Warningf("peer %s: fileScanner: %v", p.id, err)
		}
	})
	if err != nil {
		nlog.Warningf("peer %s: fileScanner: %v", p.id, err)
	}
	return nil
}

// logTaskExit classifies err as a normal termination (EOF, connection
// reset/refused, or deliberate cancellation — spec.md §4.8's "normal
// termination" list) versus something worth a warning (a protocol
// violation, most likely a port-scanner probe or a version mismatch), and
// always returns err unchanged so the caller can still use it to signal
// errgroup.
func logTaskExit(peerID, task string, err error) error {
	switch {
	case sos.IsErrCancelled(err):
		nlog.Infof("peer %s: %s: cancelled", peerID, task)
	case sos.IsRetriableConnErr(err), errors.Is(err, io.EOF):
		nlog.Infof("peer %s: %s: connection closed", peerID, task)
	case sos.IsErrProtocolViolation(err):
		nlog.Warningf("peer %s: %s: %v", peerID, task, err)
	default:
		nlog.Warningf("peer %s: %s: %v", peerID, task, err)
	}
	return err
}

// Package peer implements Peer: the per-connection state machine driving
// the three NOTICE/REQUEST/DATA streams described in spec.md §4.8.
/*
 * Copyright (c) 2018-2023, NVIDIA CORPORATION. All rights reserved.
 */
package peer

import (
	"context"

	"golang.org/x/sync/errgroup"

	"github.com/sruth-project/sruth/clearinghouse"
	"github.com/sruth-project/sruth/filter"
	"github.com/sruth-project/sruth/internal/nlog"
	"github.com/sruth-project/sruth/internal/sos"
	"github.com/sruth-project/sruth/piece"
	"github.com/sruth-project/sruth/wire"
)

// Peer owns one Connection and the six long-lived tasks (NoticeSender/
// Receiver, RequestSender/Receiver, PieceSender/Receiver) that drive it,
// plus a transient FileScanner. It is constructed only after both sides
// have exchanged filters over the connection's NOTICE stream.
type Peer struct {
	id   string
	ch   *clearinghouse.ClearingHouse
	conn *wire.Connection

	localFilter  filter.Filter
	remoteFilter filter.Filter

	noticeQ   *NoticeQueue
	outReqQ   *SpecQueue // our pending outbound PieceRequests
	sendSpecQ *SpecQueue // specs the remote side wants from us

	cancel context.CancelFunc
}

// New constructs a Peer over conn. localFilter/remoteFilter are the
// already-negotiated handshake result.
func New(ch *clearinghouse.ClearingHouse, conn *wire.Connection, localFilter, remoteFilter filter.Filter) *Peer {
	return &Peer{
		id:           sos.GenUUID(),
		ch:           ch,
		conn:         conn,
		localFilter:  localFilter,
		remoteFilter: remoteFilter,
		noticeQ:      NewNoticeQueue(),
		outReqQ:      NewSpecQueue(),
		sendSpecQ:    NewSpecQueue(),
	}
}

func (p *Peer) ID() string                  { return p.id }
func (p *Peer) RemoteEndpoint() string      { return p.conn.RemoteAddr().String() }
func (p *Peer) RemoteFilter() filter.Filter { return p.remoteFilter }
func (p *Peer) LocalFilter() filter.Filter  { return p.localFilter }

// NotifyRemoteIfDesired implements clearinghouse.Peer: queues an addition
// notice iff the remote side's filter would ever want to hear about spec.
func (p *Peer) NotifyRemoteIfDesired(spec piece.FilePieceSpecSet) {
	if !p.remoteFilter.Matches(spec.Info.ID) {
		return
	}
	if err := p.noticeQ.AddAddition(spec); err != nil {
		nlog.Warningf("peer %s: notify: %v", p.id, err)
	}
}

// QueueRequest implements clearinghouse.Peer: merges spec into the
// outbound PieceRequest queue that RequestSender drains. Merging is
// itself the de-duplication spec.md calls pendingRequests: requesting an
// index that's already pending is a no-op OR of the same bit.
func (p *Peer) QueueRequest(spec piece.FilePieceSpecSet) {
	if err := p.outReqQ.Add(spec); err != nil {
		nlog.Warningf("peer %s: queueRequest: %v", p.id, err)
	}
}

// Call runs the Peer to completion: registers with the ClearingHouse,
// starts every task the handshake leaves enabled, and blocks until any
// of the six long-lived tasks returns — the cooperative-shutdown trigger
// of spec.md §4.8. On
// return every sibling task has been cancelled, the Connection is closed,
// and the Peer has deregistered. validPeer is false (with no tasks ever
// started) if the ClearingHouse rejected this Peer as a duplicate.
func (p *Peer) Call(ctx context.Context) (validPeer bool, err error) {
	if !p.ch.Add(p) {
		return false, nil
	}
	defer p.ch.RemovePeer(p)

	runCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	defer cancel()
	defer p.conn.Close()

	g, gctx := errgroup.WithContext(runCtx)

	// The receivers block in Connection reads, which do not watch gctx;
	// closing the Connection once gctx is done is what unblocks them.
	go func() {
		<-gctx.Done()
		p.conn.Close()
	}()

	// Every long-lived task returns a non-nil sentinel on ANY exit,
	// including a clean EOF, so that errgroup's shared context cancels the
	// other five tasks the instant one of them stops — the cooperative
	// shutdown spec.md §4.8 requires. The transient fileScanner always
	// returns nil, so its finishing stops nothing. Each task has already logged its
	// own termination reason at the right severity, so the error
	// returned here is informational only; it is never itself a fault.
	//
	// Tasks that serve data TO the remote side (announcing what we
	// have, handling its requests, sending it pieces) only make sense
	// if the remote side wants something; tasks that pull data FROM the
	// remote side only make sense if we want something.
	if !p.remoteFilter.IsNothing() {
		g.Go(func() error { return taskDone(p.noticeSender(gctx)) })
		g.Go(func() error { return taskDone(p.requestReceiver(gctx)) })
		g.Go(func() error { return taskDone(p.pieceSender(gctx)) })
		g.Go(func() error { return p.fileScanner(gctx) })
	}
	if !p.localFilter.IsNothing() {
		g.Go(func() error { return taskDone(p.noticeReceiver(gctx)) })
		g.Go(func() error { return taskDone(p.requestSender(gctx)) })
		g.Go(func() error { return taskDone(p.pieceReceiver(gctx)) })
	}

	_ = g.Wait()
	return true, nil
}

// taskDone turns even a clean nil return into a sentinel error so
// errgroup treats every task exit, successful or not, as the trigger to
// cancel its siblings.
func taskDone(err error) error {
	if err == nil {
		return sos.NewErrCancelled("peer task")
	}
	return err
}

// Cancel closes the Connection, unblocking every task cooperatively.
func (p *Peer) Cancel() {
	if p.cancel != nil {
		p.cancel()
	}
	p.conn.Close()
}

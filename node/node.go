// Package node wires one Archive, one ClearingHouse, one FileDeleter, an
// optional Watcher, and a Server into the single running process spec.md
// §8 property 9 calls a Node. Node has no Call() loop of its own: Serve runs
// until its context is cancelled, and nothing in Node stops it when the
// local predicate can never be satisfied again.
/*
 * Copyright (c) 2018-2023, NVIDIA CORPORATION. All rights reserved.
 */
package node

import (
	"context"
	"net"
	"path/filepath"
	"time"

	"github.com/pkg/errors"

	"github.com/sruth-project/sruth/archive"
	"github.com/sruth-project/sruth/clearinghouse"
	"github.com/sruth-project/sruth/delayqueue"
	"github.com/sruth-project/sruth/deleter"
	"github.com/sruth-project/sruth/filter"
	"github.com/sruth-project/sruth/internal/config"
	"github.com/sruth-project/sruth/internal/nlog"
	"github.com/sruth-project/sruth/internal/sos"
	"github.com/sruth-project/sruth/peer"
	"github.com/sruth-project/sruth/piece"
	"github.com/sruth-project/sruth/server"
	"github.com/sruth-project/sruth/wire"
)

const (
	deletionQueueFileName = "fileDeletionQueue"
	dialHandshakeTimeout  = 10 * time.Second
)

// Node owns every long-lived resource a process needs and shuts them down
// in the order spec.md §5's shared-resource rules imply: stop accepting,
// let running Peers drain, finish any in-flight deletion, then release the
// archive's cached file handles.
type Node struct {
	a       *archive.Archive
	del     *deleter.FileDeleter
	ch      *clearinghouse.ClearingHouse
	watcher *archive.Watcher
	srv     *server.Server

	ln net.Listener
}

// Open builds every component described by cfg but does not yet accept
// connections; call Serve to run the accept loop. predicate is the node's
// local selection criteria (what it wants to keep/serve).
func Open(cfg config.Config, predicate *filter.Predicate) (*Node, error) {
	hidden := filepath.Join(cfg.RootDir, archive.HiddenDirName)
	if err := sos.CreateDir(hidden); err != nil {
		return nil, errors.Wrap(err, "node: create hidden dir")
	}
	q, err := delayqueue.Open(filepath.Join(hidden, deletionQueueFileName))
	if err != nil {
		return nil, errors.Wrap(err, "node: open deletion queue")
	}
	del := deleter.New(q)

	a, err := archive.New(cfg.RootDir, cfg.MaxOpenFiles, del)
	if err != nil {
		del.Close()
		return nil, errors.Wrap(err, "node: open archive")
	}

	ch := clearinghouse.New(a, predicate)

	ln, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		a.Close()
		del.Close()
		return nil, errors.Wrap(err, "node: listen")
	}

	return &Node{
		a:   a,
		del: del,
		ch:  ch,
		srv: server.New(ln, ch, cfg.MaxActiveServlets, cfg.MaxOutstandingServlets),
		ln:  ln,
	}, nil
}

// WatchForExistingFiles starts a Watcher over the archive root so that
// files already present, or later dropped in by something other than a
// received Piece, are picked up and announced the same way. Optional: a
// pure subscriber with no local files to serve has no need for one.
func (n *Node) WatchForExistingFiles(ctx context.Context) error {
	w, err := archive.NewWatcher(n.a,
		func(ap piece.ArchivePath, size int64) {
			nlog.Infof("node: watcher: discovered %s (%d bytes)", ap, size)
		},
		func(ap piece.ArchivePath) {
			nlog.Infof("node: watcher: removed %s", ap)
		},
	)
	if err != nil {
		return errors.Wrap(err, "node: start watcher")
	}
	n.watcher = w
	return w.Start(ctx)
}

// OpenDeletionQueueReadOnly opens an archive root's deletion queue for
// inspection (cmd/publisher's -dump-heap diagnostic). The queue is opened
// read-write like any other PathDelayQueue (and the file is created if the
// hidden directory exists but the file does not); the read-only part is the
// caller's contract to use only Entries/Close and never Add/Remove against
// a queue a live node elsewhere is also driving.
func OpenDeletionQueueReadOnly(rootDir string) (*delayqueue.PathDelayQueue, error) {
	path := filepath.Join(rootDir, archive.HiddenDirName, deletionQueueFileName)
	q, err := delayqueue.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "node: open deletion queue at %s", path)
	}
	return q, nil
}

// ListenAddr reports the address the accept loop is bound to (useful when
// cfg.ListenAddr was ":0" and the OS picked an ephemeral port).
func (n *Node) ListenAddr() net.Addr { return n.ln.Addr() }

// ClearingHouse exposes the node's ClearingHouse, e.g. for a CLI to seed an
// initial subscription predicate change or to dial out as a client.
func (n *Node) ClearingHouse() *clearinghouse.ClearingHouse { return n.ch }

// Serve runs the Server's accept loop until ctx is cancelled.
func (n *Node) Serve(ctx context.Context) error {
	return n.srv.Serve(ctx)
}

// DialPeer connects to addr, performs the §4.9 filter handshake as a
// client (the mirror image of what Server.runServlet does for an inbound
// connection), and runs a Peer against this node's ClearingHouse until ctx
// is cancelled or the connection ends. localFilter declares what this node
// wants to pull; the effective filter the remote side echoes back becomes
// the Peer's remoteFilter.
func (n *Node) DialPeer(ctx context.Context, addr string, localFilter filter.Filter) error {
	nc, err := net.Dial("tcp", addr)
	if err != nil {
		return errors.Wrapf(err, "node: dial %s", addr)
	}
	conn := wire.NewConnection(nc)
	defer conn.Close()

	if err := conn.SetHandshakeDeadline(dialHandshakeTimeout); err != nil {
		return errors.Wrapf(err, "node: %s: set handshake deadline", addr)
	}
	if err := conn.SendFilterHandshake(wire.ToPredicateWire(filter.NewPredicate(localFilter))); err != nil {
		return errors.Wrapf(err, "node: %s: send handshake", addr)
	}
	effWire, err := conn.RecvFilterHandshake()
	if err != nil {
		return errors.Wrapf(err, "node: %s: recv handshake", addr)
	}
	if err := conn.ClearDeadline(); err != nil {
		return errors.Wrapf(err, "node: %s: clear deadline", addr)
	}
	effective := effWire.ToPredicate().Collapse()

	p := peer.New(n.ch, conn, localFilter, effective)
	_, err = p.Call(ctx)
	return err
}

// Close implements the shutdown ordering SPEC_FULL.md pins down: stop
// accepting and cancel every running Peer, then let the FileDeleter finish
// its current deletion and close, then close the Archive's cached handles.
func (n *Node) Close() error {
	var errs []error
	if err := n.srv.Close(); err != nil {
		errs = append(errs, err)
	}
	if n.watcher != nil {
		if err := n.watcher.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if err := n.del.Close(); err != nil {
		errs = append(errs, err)
	}
	if err := n.a.Close(); err != nil {
		errs = append(errs, err)
	}
	if len(errs) == 0 {
		return nil
	}
	return errs[0]
}

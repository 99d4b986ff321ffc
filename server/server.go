// Package server implements the per-process accept loop of spec.md §4.9: a
// TCP listener that hands each accepted Connection to a servlet, which
// negotiates a filter and then runs a Peer for the lifetime of the socket.
/*
 * Copyright (c) 2018-2023, NVIDIA CORPORATION. All rights reserved.
 */
package server

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"github.com/sruth-project/sruth/clearinghouse"
	"github.com/sruth-project/sruth/filter"
	"github.com/sruth-project/sruth/internal/nlog"
	"github.com/sruth-project/sruth/peer"
	"github.com/sruth-project/sruth/wire"
)

const (
	// DefaultMaxActiveServlets is maxNumActiveServlets from spec.md §4.9.
	DefaultMaxActiveServlets = 8
	// DefaultMaxOutstandingServlets is maxNumOutstandingServlets.
	DefaultMaxOutstandingServlets = 4

	handshakeTimeout = 10 * time.Second
)

// Server accepts connections on a listener and runs one servlet per
// connection against a shared ClearingHouse.
type Server struct {
	ln net.Listener
	ch *clearinghouse.ClearingHouse

	maxActive      int
	maxOutstanding int

	mu          sync.Mutex
	active      map[string]*servlet
	outstanding int

	wg     errgroup.Group
	cancel context.CancelFunc
}

// servlet is the admission-bookkeeping record for one running Peer: just
// enough to compare filters and cancel it if a broader subscriber preempts
// it under cap pressure.
type servlet struct {
	remoteFilter filter.Filter
	cancel       context.CancelFunc
}

// New builds a Server over an already-bound listener. maxActive and
// maxOutstanding fall back to their spec.md defaults when <= 0.
func New(ln net.Listener, ch *clearinghouse.ClearingHouse, maxActive, maxOutstanding int) *Server {
	if maxActive <= 0 {
		maxActive = DefaultMaxActiveServlets
	}
	if maxOutstanding <= 0 {
		maxOutstanding = DefaultMaxOutstandingServlets
	}
	return &Server{
		ln:             ln,
		ch:             ch,
		maxActive:      maxActive,
		maxOutstanding: maxOutstanding,
		active:         make(map[string]*servlet),
	}
}

// Serve runs the accept loop until ctx is cancelled, at which point it
// closes the listener, waits for every in-flight servlet to finish, and
// returns nil. A real Accept error (not caused by our own shutdown) is
// returned wrapped with call-site context.
func (s *Server) Serve(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	defer cancel()

	go func() {
		<-ctx.Done()
		s.ln.Close()
	}()

	for {
		nc, err := s.ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return s.wg.Wait()
			}
			return errors.Wrap(err, "server: accept")
		}
		s.wg.Go(func() error {
			s.runServlet(ctx, nc)
			return nil
		})
	}
}

// Close cancels every running servlet and the accept loop, then waits for
// them to exit. Serve must already be running (or about to run) when Close
// is called.
func (s *Server) Close() error {
	if s.cancel != nil {
		s.cancel()
	}
	return s.wg.Wait()
}

func (s *Server) runServlet(ctx context.Context, nc net.Conn) {
	defer nc.Close()
	addr := nc.RemoteAddr().String()

	if !s.reserveOutstanding() {
		nlog.Warningf("server: %s: outstanding-servlet cap reached, dropping", addr)
		return
	}
	defer s.releaseOutstanding()

	conn := wire.NewConnection(nc)
	if err := conn.SetHandshakeDeadline(handshakeTimeout); err != nil {
		nlog.Warningf("server: %s: set handshake deadline: %v", addr, err)
		return
	}

	clientPredWire, err := conn.RecvFilterHandshake()
	if err != nil {
		nlog.Warningf("server: %s: recv handshake: %v", addr, err)
		return
	}
	clientFilter := clientPredWire.ToPredicate().Collapse()
	effective := s.ch.Predicate().EffectiveFilter(clientFilter)

	if err := conn.SendFilterHandshake(wire.ToPredicateWire(filter.NewPredicate(effective))); err != nil {
		nlog.Warningf("server: %s: send handshake: %v", addr, err)
		return
	}
	if err := conn.ClearDeadline(); err != nil {
		nlog.Warningf("server: %s: clear deadline: %v", addr, err)
		return
	}

	servletCtx, svCancel := context.WithCancel(ctx)
	defer svCancel()
	sv := &servlet{remoteFilter: effective, cancel: svCancel}

	if !s.admit(addr, sv) {
		nlog.Infof("server: %s: dropped (%s strictly includes no active servlet's filter at cap)", addr, effective)
		return
	}
	defer s.forget(addr)

	p := peer.New(s.ch, conn, filter.Nothing, effective)
	if _, err := p.Call(servletCtx); err != nil {
		nlog.Warningf("server: %s: %v", addr, err)
	}
}

func (s *Server) reserveOutstanding() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.outstanding >= s.maxOutstanding {
		return false
	}
	s.outstanding++
	return true
}

func (s *Server) releaseOutstanding() {
	s.mu.Lock()
	s.outstanding--
	s.mu.Unlock()
}

// admit applies spec.md §4.9's admission policy: under the active cap, a
// new servlet is accepted only if its filter strictly includes some
// existing servlet's filter, which is then cancelled in its favor. This
// gives precedence to broader subscribers over narrower ones. When more
// than one existing servlet qualifies, §9's tiebreak applies: cancel the
// one with the narrowest filter, i.e. the highest Filter.Specificity()
// (ties broken by key so the choice is deterministic rather than
// depending on Go's randomized map iteration order).
func (s *Server) admit(key string, sv *servlet) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.active) < s.maxActive {
		s.active[key] = sv
		return true
	}

	var victimKey string
	var victim *servlet
	for k, existing := range s.active {
		if !sv.remoteFilter.Includes(existing.remoteFilter) || sv.remoteFilter.Equal(existing.remoteFilter) {
			continue
		}
		if victim == nil ||
			existing.remoteFilter.Specificity() > victim.remoteFilter.Specificity() ||
			(existing.remoteFilter.Specificity() == victim.remoteFilter.Specificity() && k < victimKey) {
			victim, victimKey = existing, k
		}
	}
	if victim == nil {
		return false
	}
	victim.cancel()
	delete(s.active, victimKey)
	s.active[key] = sv
	return true
}

func (s *Server) forget(key string) {
	s.mu.Lock()
	delete(s.active, key)
	s.mu.Unlock()
}

// ActiveCount reports how many servlets are currently running Peers —
// exposed for diagnostics and tests.
func (s *Server) ActiveCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.active)
}

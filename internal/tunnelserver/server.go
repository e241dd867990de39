// ©Hayabusa Cloud Co., Ltd. 2025. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package tunnelserver runs the public-facing half of the tunnel: it binds
// a control listener (for the Client to dial) and a public listener (for
// end users), accepts one control session at a time, and relays public
// connections across it.
package tunnelserver

import (
	"context"
	"hash/fnv"
	"net"
	"sync"
	"sync/atomic"

	"github.com/hashicorp/go-multierror"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"code.hybscloud.com/portvpn/internal/flowtable"
	"code.hybscloud.com/portvpn/internal/muxlink"
	"code.hybscloud.com/portvpn/internal/protocol"
	"code.hybscloud.com/portvpn/internal/relay"
)

// Server accepts exactly one active control session at a time and relays
// public connections over it to the Client's origin.
type Server struct {
	tunnelAddr string // control listener address, dialed by the Client
	publicAddr string // public listener address, dialed by end users

	codec      *protocol.Codec
	maxPayload int
	flowQueue  int
	sendQueue  int

	log *logrus.Entry

	mu      sync.RWMutex
	session *session // nil when no control connection is active
}

// session is the per-control-connection state: the active link, its flow
// table, and the id counter minting flow ids for this session.
type session struct {
	link    *muxlink.Link
	flows   *flowtable.Table
	counter atomic.Uint64
}

func (s *session) nextFlowID() uint64 { return s.counter.Add(1) }

// Option configures a Server.
type Option func(*Server)

// WithMaxPayload bounds the payload size used by the codec and the relay's
// read chunk size.
func WithMaxPayload(n int) Option {
	return func(s *Server) { s.maxPayload = n }
}

// WithFlowQueueDepth bounds each flow's inbound queue depth.
func WithFlowQueueDepth(n int) Option {
	return func(s *Server) { s.flowQueue = n }
}

// WithSendQueueDepth bounds the control link's outbound queue depth.
func WithSendQueueDepth(n int) Option {
	return func(s *Server) { s.sendQueue = n }
}

// WithLogger overrides the logger entry used for this Server's records.
func WithLogger(log *logrus.Entry) Option {
	return func(s *Server) { s.log = log }
}

// New builds a Server bound to tunnelAddr (control) and publicAddr (user
// traffic). Neither listener is opened until Run is called.
func New(tunnelAddr, publicAddr string, opts ...Option) *Server {
	s := &Server{
		tunnelAddr: tunnelAddr,
		publicAddr: publicAddr,
		codec:      protocol.NewCodec(),
		maxPayload: protocol.DefaultMaxPayload,
		flowQueue:  protocol.DefaultFlowQueue,
		sendQueue:  protocol.DefaultSendQueue,
		log:        logrus.NewEntry(logrus.StandardLogger()),
	}
	for _, fn := range opts {
		fn(s)
	}
	return s
}

// Run binds both listeners and serves until ctx is canceled or a listener
// fails fatally (bind error). It always closes both listeners before
// returning, aggregating any close errors alongside the serve error.
func (s *Server) Run(ctx context.Context) (err error) {
	controlLn, err := net.Listen("tcp", s.tunnelAddr)
	if err != nil {
		return err
	}

	publicLn, err := net.Listen("tcp", s.publicAddr)
	if err != nil {
		controlLn.Close()
		return err
	}

	defer func() {
		var result *multierror.Error
		if err != nil {
			result = multierror.Append(result, err)
		}
		if cerr := controlLn.Close(); cerr != nil {
			result = multierror.Append(result, cerr)
		}
		if perr := publicLn.Close(); perr != nil {
			result = multierror.Append(result, perr)
		}
		err = result.ErrorOrNil()
	}()

	s.log.WithFields(logrus.Fields{
		"tunnel_address": s.tunnelAddr,
		"public_address": s.publicAddr,
	}).Info("tunnel server listening")

	eg, egCtx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		s.acceptControl(egCtx, controlLn)
		return nil
	})
	eg.Go(func() error {
		s.acceptPublic(egCtx, publicLn)
		return nil
	})

	go func() {
		<-ctx.Done()
		controlLn.Close()
		publicLn.Close()
	}()

	err = eg.Wait()
	return err
}

// acceptControl accepts control connections continuously. Only one session
// is ever active: a connection arriving while one is already up is closed
// immediately, which is what makes "one control connection at a time" hold
// without leaving a rejected dialer stuck in the OS accept backlog.
func (s *Server) acceptControl(ctx context.Context, ln net.Listener) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
			}
			if ctx.Err() != nil {
				return
			}
			s.log.WithError(err).Warn("control accept failed")
			return
		}

		if s.hasActiveSession() {
			s.log.WithField("remote_addr", conn.RemoteAddr()).Debug("rejecting extra control connection")
			conn.Close()
			continue
		}

		go s.runSession(ctx, conn)
	}
}

func (s *Server) hasActiveSession() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.session != nil
}

// runSession makes conn the active session's control link, serves it until
// it fails, the peer disconnects or ctx is canceled, then tears every flow
// in that session down and clears the active-session state. If another
// session is already active, conn is closed instead.
func (s *Server) runSession(ctx context.Context, conn net.Conn) {
	sess := &session{
		link:  muxlink.New(conn, s.codec, s.sendQueue),
		flows: flowtable.New(),
	}
	sess.counter.Store(seedFromAddr(conn.RemoteAddr()))

	s.mu.Lock()
	if s.session != nil {
		s.mu.Unlock()
		s.log.WithField("remote_addr", conn.RemoteAddr()).Debug("rejecting extra control connection")
		sess.link.Close()
		return
	}
	s.session = sess
	s.mu.Unlock()

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			sess.link.Close()
		case <-stop:
		}
	}()

	s.log.WithField("remote_addr", conn.RemoteAddr()).Info("control session established")

	err := sess.link.RecvLoop(func(f protocol.Frame) { s.dispatch(sess, f) })

	s.mu.Lock()
	s.session = nil
	s.mu.Unlock()

	closed := sess.flows.Len()
	var teardownErr *multierror.Error
	sess.flows.Each(func(id uint64, w flowtable.Worker) {
		if ib, ok := w.(*relay.Inbox); ok {
			if cerr := ib.Close(); cerr != nil {
				teardownErr = multierror.Append(teardownErr, cerr)
			}
		}
	})
	if teardownErr.ErrorOrNil() != nil {
		s.log.WithField("remote_addr", conn.RemoteAddr()).WithError(teardownErr).Warn("errors closing flows on session teardown")
	}

	s.log.WithFields(logrus.Fields{
		"remote_addr":  conn.RemoteAddr(),
		"closed_flows": closed,
	}).WithError(err).Info("control session ended")
}

// dispatch routes one inbound frame to the flow it names.
func (s *Server) dispatch(sess *session, f protocol.Frame) {
	w, ok := sess.flows.Get(f.FlowID)
	if !ok {
		s.log.WithField("flow_id", f.FlowID).Debug("frame for unknown flow id dropped")
		return
	}
	w.Deliver(f)
}

// acceptPublic accepts public connections continuously. When no session is
// active, each new connection is closed immediately; otherwise it becomes
// a new flow relayed across the active session's control link.
func (s *Server) acceptPublic(ctx context.Context, ln net.Listener) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			s.log.WithError(err).Warn("public accept failed")
			return
		}

		s.mu.RLock()
		sess := s.session
		s.mu.RUnlock()

		if sess == nil {
			conn.Close()
			continue
		}

		id := sess.nextFlowID()
		go s.runFlow(sess, id, conn)
	}
}

// runFlow is the Server flow worker: it owns one accepted public
// connection for the life of that flow.
func (s *Server) runFlow(sess *session, id uint64, conn net.Conn) {
	ib := relay.NewInbox(s.flowQueue)
	if !sess.flows.Insert(id, ib) {
		s.log.WithField("flow_id", id).Error("duplicate flow id, aborting session")
		conn.Close()
		sess.link.Close()
		return
	}

	peer := &flowPeer{id: id, link: sess.link}
	relay.Run(conn, ib, peer, s.maxPayload)

	sess.flows.Remove(id)
}

// flowPeer adapts a session's muxlink.Link to relay.Peer for one flow id.
type flowPeer struct {
	id   uint64
	link *muxlink.Link
}

func (p *flowPeer) FlowID() uint64 { return p.id }

func (p *flowPeer) Send(f protocol.Frame) error {
	f.FlowID = p.id
	return p.link.Send(f)
}

func seedFromAddr(addr net.Addr) uint64 {
	h := fnv.New64a()
	if addr != nil {
		h.Write([]byte(addr.String()))
	}
	return h.Sum64()
}

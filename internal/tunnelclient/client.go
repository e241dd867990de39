// ©Hayabusa Cloud Co., Ltd. 2025. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package tunnelclient runs the private-side half of the tunnel: it dials
// the Server's control address, reconnecting with a fixed delay on
// failure, and lazily dials the origin for each new flow it sees.
package tunnelclient

import (
	"context"
	"errors"
	"net"
	"syscall"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"

	"code.hybscloud.com/portvpn/internal/flowtable"
	"code.hybscloud.com/portvpn/internal/muxlink"
	"code.hybscloud.com/portvpn/internal/protocol"
	"code.hybscloud.com/portvpn/internal/relay"
)

// Client dials controlAddr and relays each flow it is handed to originAddr.
type Client struct {
	controlAddr string
	originAddr  string

	codec      *protocol.Codec
	maxPayload int
	flowQueue  int
	sendQueue  int

	reconnectDelay time.Duration
	clock          clockwork.Clock

	log *logrus.Entry
}

// Option configures a Client.
type Option func(*Client)

// WithMaxPayload bounds the payload size used by the codec and the relay's
// read chunk size.
func WithMaxPayload(n int) Option {
	return func(c *Client) { c.maxPayload = n }
}

// WithFlowQueueDepth bounds each flow's inbound queue depth.
func WithFlowQueueDepth(n int) Option {
	return func(c *Client) { c.flowQueue = n }
}

// WithSendQueueDepth bounds the control link's outbound queue depth.
func WithSendQueueDepth(n int) Option {
	return func(c *Client) { c.sendQueue = n }
}

// WithReconnectDelay overrides the fixed delay between a dial failure (or
// mux exit) and the next dial attempt.
func WithReconnectDelay(d time.Duration) Option {
	return func(c *Client) { c.reconnectDelay = d }
}

// WithClock injects the clock used for the reconnect delay, so tests can
// use a fake clock instead of sleeping in real time.
func WithClock(clk clockwork.Clock) Option {
	return func(c *Client) { c.clock = clk }
}

// WithLogger overrides the logger entry used for this Client's records.
func WithLogger(log *logrus.Entry) Option {
	return func(c *Client) { c.log = log }
}

// New builds a Client that dials controlAddr and relays flows to
// originAddr.
func New(controlAddr, originAddr string, opts ...Option) *Client {
	c := &Client{
		controlAddr:    controlAddr,
		originAddr:     originAddr,
		codec:          protocol.NewCodec(),
		maxPayload:     protocol.DefaultMaxPayload,
		flowQueue:      protocol.DefaultFlowQueue,
		sendQueue:      protocol.DefaultSendQueue,
		reconnectDelay: 500 * time.Millisecond,
		clock:          clockwork.NewRealClock(),
		log:            logrus.NewEntry(logrus.StandardLogger()),
	}
	for _, fn := range opts {
		fn(c)
	}
	return c
}

// Run dials and serves until ctx is canceled. Every dial failure or mux
// exit is followed by a reconnectDelay sleep and another attempt; Run only
// returns when ctx is done.
func (c *Client) Run(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return nil
		}

		conn, err := net.Dial("tcp", c.controlAddr)
		if err != nil {
			if errors.Is(err, syscall.ECONNREFUSED) {
				c.log.WithField("control_address", c.controlAddr).Debug("control dial refused, retrying")
			} else {
				c.log.WithError(err).Warn("control dial failed, retrying")
			}
			if !c.sleep(ctx) {
				return nil
			}
			continue
		}

		c.log.WithField("control_address", c.controlAddr).Info("control session established")
		c.runSession(ctx, conn)

		if !c.sleep(ctx) {
			return nil
		}
	}
}

// sleep waits reconnectDelay or until ctx is done, returning false if ctx
// ended the wait.
func (c *Client) sleep(ctx context.Context) bool {
	select {
	case <-c.clock.After(c.reconnectDelay):
		return true
	case <-ctx.Done():
		return false
	}
}

// runSession serves one control connection until it fails or ctx is
// canceled, then tears down every flow materialized during the session.
func (c *Client) runSession(ctx context.Context, conn net.Conn) {
	link := muxlink.New(conn, c.codec, c.sendQueue)
	flows := flowtable.New()

	go func() {
		<-ctx.Done()
		link.Close()
	}()

	err := link.RecvLoop(func(f protocol.Frame) { c.dispatch(link, flows, f) })

	closed := flows.Len()
	var teardownErr *multierror.Error
	flows.Each(func(id uint64, w flowtable.Worker) {
		if ib, ok := w.(*relay.Inbox); ok {
			if cerr := ib.Close(); cerr != nil {
				teardownErr = multierror.Append(teardownErr, cerr)
			}
		}
	})
	if teardownErr.ErrorOrNil() != nil {
		c.log.WithField("control_address", c.controlAddr).WithError(teardownErr).Warn("errors closing flows on session teardown")
	}

	c.log.WithFields(logrus.Fields{
		"control_address": c.controlAddr,
		"closed_flows":    closed,
	}).WithError(err).Info("control session ended")
}

// dispatch routes one inbound frame. A DATA frame for an unknown id
// materializes a new flow worker, dialing the origin; any other frame for
// an unknown id is dropped (the materialization trigger is DATA only).
func (c *Client) dispatch(link *muxlink.Link, flows *flowtable.Table, f protocol.Frame) {
	w, ok := flows.Get(f.FlowID)
	if ok {
		w.Deliver(f)
		return
	}
	if f.Kind != protocol.KindData {
		c.log.WithField("flow_id", f.FlowID).Debug("terminal frame for unknown flow id dropped")
		return
	}

	ib := relay.NewInbox(c.flowQueue)
	if !flows.Insert(f.FlowID, ib) {
		c.log.WithField("flow_id", f.FlowID).Error("duplicate flow id, aborting session")
		link.Close()
		return
	}
	ib.Deliver(f)

	go c.materialize(link, flows, f.FlowID, ib)
}

// materialize dials the origin for a newly inserted flow id and, on
// success, runs the relay exactly as the Server's flow worker does. On
// connection-refused it reports that back to the Server and abandons the
// flow without ever starting the relay.
func (c *Client) materialize(link *muxlink.Link, flows *flowtable.Table, id uint64, ib *relay.Inbox) {
	conn, err := net.Dial("tcp", c.originAddr)
	if err != nil {
		if errors.Is(err, syscall.ECONNREFUSED) {
			link.Send(protocol.Frame{Version: protocol.Version1, Kind: protocol.KindConnectionRefused, FlowID: id})
		} else {
			link.Send(protocol.Frame{Version: protocol.Version1, Kind: protocol.KindIOFailure, FlowID: id})
		}
		flows.Remove(id)
		ib.Close()
		return
	}

	peer := &flowPeer{id: id, link: link}
	relay.Run(conn, ib, peer, c.maxPayload)

	flows.Remove(id)
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

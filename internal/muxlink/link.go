// ©Hayabusa Cloud Co., Ltd. 2025. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package muxlink wraps a single control-link connection, serializing
// outbound frames through one writer goroutine and handing inbound frames
// off to a caller-supplied dispatch func.
package muxlink

import (
	"errors"
	"io"
	"net"
	"sync"

	"code.hybscloud.com/portvpn/internal/protocol"
)

// ErrLinkClosed is returned by Send once the Link has been closed.
var ErrLinkClosed = errors.New("muxlink: link closed")

// Link multiplexes many logical flows over one net.Conn. All frame writes
// go through a single internal goroutine draining a bounded channel, which
// is what lets Encode's one-syscall-per-frame shape double as the link's
// atomicity guarantee: two goroutines calling Send concurrently can never
// interleave partial frames on the wire.
type Link struct {
	conn  net.Conn
	codec *protocol.Codec

	outbox chan protocol.Frame
	done   chan struct{}
	once   sync.Once

	errMu sync.Mutex
	err   error
}

func (l *Link) setErr(err error) {
	l.errMu.Lock()
	defer l.errMu.Unlock()
	if l.err == nil {
		l.err = err
	}
}

func (l *Link) getErr() error {
	l.errMu.Lock()
	defer l.errMu.Unlock()
	return l.err
}

// New wraps conn. queueDepth is the outbound channel's capacity; pass
// protocol.DefaultSendQueue when no override is needed.
func New(conn net.Conn, codec *protocol.Codec, queueDepth int) *Link {
	l := &Link{
		conn:   conn,
		codec:  codec,
		outbox: make(chan protocol.Frame, queueDepth),
		done:   make(chan struct{}),
	}
	go l.writeLoop()
	return l
}

// Send enqueues f for the writer goroutine. Once the Link is closed it
// returns the writer's error if the underlying connection failed, and
// ErrLinkClosed otherwise; it never blocks indefinitely past Close.
func (l *Link) Send(f protocol.Frame) error {
	select {
	case <-l.done:
	default:
		select {
		case l.outbox <- f:
			return nil
		case <-l.done:
		}
	}
	if err := l.getErr(); err != nil {
		return err
	}
	return ErrLinkClosed
}

func (l *Link) writeLoop() {
	for {
		select {
		case f := <-l.outbox:
			if err := l.codec.Encode(l.conn, f); err != nil {
				l.setErr(err)
				l.Close()
				return
			}
		case <-l.done:
			return
		}
	}
}

// RecvLoop reads frames off the link until an error or Close, calling
// dispatch for each. It runs on the caller's goroutine and returns the
// terminating error (io.EOF on a clean remote close).
func (l *Link) RecvLoop(dispatch func(protocol.Frame)) error {
	for {
		f, err := l.codec.Decode(l.conn)
		if err != nil {
			l.Close()
			return err
		}
		select {
		case <-l.done:
			return io.ErrClosedPipe
		default:
		}
		dispatch(f)
	}
}

// Close shuts the link down: stops the writer goroutine, closes the
// underlying connection, and makes every pending and future Send fail.
// Idempotent.
func (l *Link) Close() error {
	var err error
	l.once.Do(func() {
		close(l.done)
		err = l.conn.Close()
	})
	return err
}

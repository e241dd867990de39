// ©Hayabusa Cloud Co., Ltd. 2025. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package relay bridges one flow's local net.Conn to its framed
// control-link peer, in both directions, the same way for a Server flow
// worker (local conn is the public connection) and a Client flow worker
// (local conn is the dialed origin).
package relay

import (
	"io"
	"net"
	"sync"

	"code.hybscloud.com/portvpn/internal/protocol"
)

// Inbox is a flow's inbound frame queue: frames arriving off the control
// link for this flow id are handed to Deliver; Run's write-direction
// goroutine drains Frames.
//
// Deliver never blocks past the relay's own lifetime: it selects between
// enqueueing and a done gate that Close opens exactly once, when either
// direction of the relay finishes. This closes the race where a control
// link's single reader goroutine would otherwise block forever delivering
// to a flow whose relay has already exited.
type Inbox struct {
	frames chan protocol.Frame
	done   chan struct{}
	once   sync.Once

	mu       sync.Mutex
	closer   io.Closer
	closeErr error
}

// NewInbox allocates an Inbox with the given queue depth.
func NewInbox(depth int) *Inbox {
	return &Inbox{
		frames: make(chan protocol.Frame, depth),
		done:   make(chan struct{}),
	}
}

// Deliver enqueues f, or silently drops it if the relay has already ended.
func (ib *Inbox) Deliver(f protocol.Frame) {
	select {
	case ib.frames <- f:
	case <-ib.done:
	}
}

// bind associates the flow's local connection with ib, so that Close also
// closes it. Called once by Run before starting the relay goroutines.
func (ib *Inbox) bind(c io.Closer) {
	ib.mu.Lock()
	ib.closer = c
	ib.mu.Unlock()
}

// Close opens the done gate and closes the bound connection, if any,
// returning its close error. Idempotent and safe to call concurrently:
// called by Run's own goroutines when either direction finishes, and by an
// owning supervisor to abort a flow — whether mid-relay on control-link
// loss, or one that never got as far as Run (e.g. a dial that never
// happens).
func (ib *Inbox) Close() error {
	ib.once.Do(func() {
		close(ib.done)
		ib.mu.Lock()
		c := ib.closer
		ib.mu.Unlock()
		if c != nil {
			ib.closeErr = c.Close()
		}
	})
	return ib.closeErr
}

// Peer identifies the remote end of a flow for the frames Run emits:
// FlowID is stamped on every outgoing frame, and Send transmits it.
type Peer interface {
	FlowID() uint64
	Send(protocol.Frame) error
}

// Run drives one flow's bidirectional byte stream between conn (the
// flow's local net.Conn — the public connection for a Server worker, the
// dialed origin for a Client worker) and peer (the control link, scoped to
// this flow's id) until either direction terminates. It always closes
// ib's done gate before returning, which is how a caller learns the flow
// is finished.
func Run(conn net.Conn, ib *Inbox, peer Peer, maxPayload int) {
	ib.bind(conn)
	defer ib.Close()

	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		defer ib.Close()
		readFromConn(conn, ib, peer, maxPayload)
	}()

	go func() {
		defer wg.Done()
		defer ib.Close()
		writeToConn(conn, ib, peer)
	}()

	wg.Wait()
}

// readFromConn reads conn in chunks of at most maxPayload bytes and sends
// a DATA frame per chunk, terminating with an EOF or DISCONNECTED frame
// once conn's read side ends. If ib was already closed (the write direction
// saw a terminal frame, or the supervisor tore the flow down), no terminal
// frame is sent.
func readFromConn(conn net.Conn, ib *Inbox, peer Peer, maxPayload int) {
	buf := make([]byte, maxPayload)
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			payload := make([]byte, n)
			copy(payload, buf[:n])
			if sendErr := peer.Send(protocol.Frame{
				Version: protocol.Version1,
				Kind:    protocol.KindData,
				FlowID:  peer.FlowID(),
				Payload: payload,
			}); sendErr != nil {
				return
			}
		}
		if err != nil {
			select {
			case <-ib.done:
				return
			default:
			}
			kind := protocol.KindDisconnected
			if err == io.EOF {
				kind = protocol.KindEOF
			}
			peer.Send(protocol.Frame{Version: protocol.Version1, Kind: kind, FlowID: peer.FlowID()})
			return
		}
	}
}

// writeToConn drains ib and writes each DATA payload to conn in full,
// returning when a terminal frame arrives from the peer or ib is closed
// out from under it by the owning supervisor.
func writeToConn(conn net.Conn, ib *Inbox, peer Peer) {
	for {
		select {
		case f := <-ib.frames:
			if f.Kind.Terminal() {
				return
			}
			if err := writeFull(conn, f.Payload); err != nil {
				select {
				case <-ib.done:
					// the read direction (or an external teardown) already
					// closed this flow; stay quiet about the resulting error.
				default:
					peer.Send(protocol.Frame{Version: protocol.Version1, Kind: protocol.KindWriteFailure, FlowID: peer.FlowID()})
				}
				return
			}
		case <-ib.done:
			return
		}
	}
}

// writeFull loops until all of p is written or an error occurs, the same
// retry-until-progress shape as the teacher library's writeOnce/writeStream
// helpers (internal.go).
func writeFull(w io.Writer, p []byte) error {
	for len(p) > 0 {
		n, err := w.Write(p)
		if err != nil {
			return err
		}
		if n == 0 {
			return io.ErrShortWrite
		}
		p = p[n:]
	}
	return nil
}

// ©Hayabusa Cloud Co., Ltd. 2025. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package relay_test

import (
	"bytes"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"code.hybscloud.com/portvpn/internal/protocol"
	"code.hybscloud.com/portvpn/internal/relay"
)

type fakePeer struct {
	id   uint64
	mu   sync.Mutex
	sent []protocol.Frame
}

func (p *fakePeer) FlowID() uint64 { return p.id }

func (p *fakePeer) Send(f protocol.Frame) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sent = append(p.sent, f)
	return nil
}

func (p *fakePeer) snapshot() []protocol.Frame {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]protocol.Frame, len(p.sent))
	copy(out, p.sent)
	return out
}

func TestRunRelaysLocalReadsAsDataFrames(t *testing.T) {
	local, remote := net.Pipe()
	defer remote.Close()

	ib := relay.NewInbox(protocol.DefaultFlowQueue)
	peer := &fakePeer{id: 9}

	doneCh := make(chan struct{})
	go func() {
		relay.Run(local, ib, peer, protocol.DefaultMaxPayload)
		close(doneCh)
	}()

	want := []byte("hello from origin")
	go func() {
		remote.Write(want)
		remote.Close()
	}()

	select {
	case <-doneCh:
	case <-time.After(2 * time.Second):
		t.Fatal("relay.Run did not return")
	}

	frames := peer.snapshot()
	var got bytes.Buffer
	var sawEOF bool
	for _, f := range frames {
		if f.Kind == protocol.KindData {
			got.Write(f.Payload)
		}
		if f.Kind == protocol.KindEOF {
			sawEOF = true
		}
	}
	if got.String() != string(want) {
		t.Fatalf("got %q, want %q", got.String(), want)
	}
	if !sawEOF {
		t.Fatalf("expected a terminal EOF frame, got %+v", frames)
	}
}

func TestRunWritesInboxDataToLocalConn(t *testing.T) {
	local, remote := net.Pipe()
	defer local.Close()

	ib := relay.NewInbox(protocol.DefaultFlowQueue)
	peer := &fakePeer{id: 3}

	doneCh := make(chan struct{})
	go func() {
		relay.Run(local, ib, peer, protocol.DefaultMaxPayload)
		close(doneCh)
	}()

	payload := []byte("data destined for the local conn")
	go ib.Deliver(protocol.Frame{Version: protocol.Version1, Kind: protocol.KindData, FlowID: 3, Payload: payload})

	buf := make([]byte, len(payload))
	if _, err := io.ReadFull(remote, buf); err != nil {
		t.Fatalf("read from remote: %v", err)
	}
	if !bytes.Equal(buf, payload) {
		t.Fatalf("got %q, want %q", buf, payload)
	}

	ib.Deliver(protocol.Frame{Version: protocol.Version1, Kind: protocol.KindEOF, FlowID: 3})

	select {
	case <-doneCh:
	case <-time.After(2 * time.Second):
		t.Fatal("relay.Run did not return after terminal frame")
	}
}

func TestDeliverNeverBlocksAfterRunExits(t *testing.T) {
	local, remote := net.Pipe()
	remote.Close()
	local.Close()

	ib := relay.NewInbox(1)
	peer := &fakePeer{id: 1}
	relay.Run(local, ib, peer, protocol.DefaultMaxPayload)

	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			ib.Deliver(protocol.Frame{Version: protocol.Version1, Kind: protocol.KindData, FlowID: 1, Payload: []byte("x")})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Deliver blocked after relay had already ended")
	}
}

// ©Hayabusa Cloud Co., Ltd. 2025. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package muxlink_test

import (
	"errors"
	"io"
	"net"
	"testing"
	"time"

	"code.hybscloud.com/portvpn/internal/muxlink"
	"code.hybscloud.com/portvpn/internal/protocol"
)

func TestLinkSendRecvRoundTrip(t *testing.T) {
	clientConn, serverConn := net.Pipe()
	defer clientConn.Close()
	defer serverConn.Close()

	codec := protocol.NewCodec()
	client := muxlink.New(clientConn, codec, protocol.DefaultSendQueue)
	defer client.Close()

	server := muxlink.New(serverConn, codec, protocol.DefaultSendQueue)
	defer server.Close()

	got := make(chan protocol.Frame, 1)
	go server.RecvLoop(func(f protocol.Frame) { got <- f })

	want := protocol.Frame{Version: protocol.Version1, Kind: protocol.KindData, FlowID: 7, Payload: []byte("hi")}
	if err := client.Send(want); err != nil {
		t.Fatalf("send: %v", err)
	}

	select {
	case f := <-got:
		if f.FlowID != want.FlowID || string(f.Payload) != string(want.Payload) {
			t.Fatalf("got %+v, want %+v", f, want)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for frame")
	}
}

func TestLinkSendAfterCloseFails(t *testing.T) {
	clientConn, serverConn := net.Pipe()
	defer serverConn.Close()

	codec := protocol.NewCodec()
	link := muxlink.New(clientConn, codec, protocol.DefaultSendQueue)
	if err := link.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	err := link.Send(protocol.Frame{Version: protocol.Version1, Kind: protocol.KindEOF, FlowID: 1})
	if !errors.Is(err, muxlink.ErrLinkClosed) {
		t.Fatalf("got %v, want ErrLinkClosed", err)
	}
}

func TestLinkCloseIsIdempotent(t *testing.T) {
	clientConn, serverConn := net.Pipe()
	defer serverConn.Close()

	link := muxlink.New(clientConn, protocol.NewCodec(), protocol.DefaultSendQueue)
	if err := link.Close(); err != nil {
		t.Fatalf("first close: %v", err)
	}
	if err := link.Close(); err != nil {
		t.Fatalf("second close should be a no-op, got: %v", err)
	}
}

func TestLinkRecvLoopReturnsEOFOnRemoteClose(t *testing.T) {
	clientConn, serverConn := net.Pipe()
	defer clientConn.Close()

	codec := protocol.NewCodec()
	server := muxlink.New(serverConn, codec, protocol.DefaultSendQueue)
	defer server.Close()

	errCh := make(chan error, 1)
	go func() { errCh <- server.RecvLoop(func(protocol.Frame) {}) }()

	clientConn.Close()

	select {
	case err := <-errCh:
		if err == nil {
			t.Fatal("expected a non-nil terminating error")
		}
		if !errors.Is(err, io.EOF) {
			t.Fatalf("got terminating error %v, want io.EOF", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for RecvLoop to return")
	}
}

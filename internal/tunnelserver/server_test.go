// ©Hayabusa Cloud Co., Ltd. 2025. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package tunnelserver_test

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"os"
	"testing"
	"time"

	"code.hybscloud.com/portvpn/internal/protocol"
	"code.hybscloud.com/portvpn/internal/tunnelserver"
)

// fakeClientPeer stands in for a real tunnelclient.Client: it speaks the
// wire protocol directly against the Server's control listener so these
// tests exercise tunnelserver in isolation.
type fakeClientPeer struct {
	conn  net.Conn
	codec *protocol.Codec
}

func dialControl(t *testing.T, addr string) *fakeClientPeer {
	t.Helper()
	var conn net.Conn
	var err error
	for i := 0; i < 50; i++ {
		conn, err = net.Dial("tcp", addr)
		if err == nil {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	if err != nil {
		t.Fatalf("dial control: %v", err)
	}
	return &fakeClientPeer{conn: conn, codec: protocol.NewCodec()}
}

func (p *fakeClientPeer) send(f protocol.Frame) error {
	return p.codec.Encode(p.conn, f)
}

func (p *fakeClientPeer) recv() (protocol.Frame, error) {
	return p.codec.Decode(p.conn)
}

func freeAddr(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("reserve addr: %v", err)
	}
	addr := ln.Addr().String()
	ln.Close()
	return addr
}

func TestServerRelaysPublicConnectionOverControlLink(t *testing.T) {
	tunnelAddr := freeAddr(t)
	publicAddr := freeAddr(t)

	srv := tunnelserver.New(tunnelAddr, publicAddr)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go srv.Run(ctx)

	peer := dialControl(t, tunnelAddr)
	defer peer.conn.Close()

	publicConn, err := net.Dial("tcp", publicAddr)
	if err != nil {
		t.Fatalf("dial public: %v", err)
	}
	defer publicConn.Close()

	// Public caller sends data; fakeClientPeer should see it framed as DATA.
	if _, err := publicConn.Write([]byte("hello origin")); err != nil {
		t.Fatalf("write public: %v", err)
	}

	f, err := peer.recv()
	if err != nil {
		t.Fatalf("recv: %v", err)
	}
	if f.Kind != protocol.KindData || string(f.Payload) != "hello origin" {
		t.Fatalf("got %+v", f)
	}

	// Reply from the "origin" side back through the control link.
	if err := peer.send(protocol.Frame{Version: protocol.Version1, Kind: protocol.KindData, FlowID: f.FlowID, Payload: []byte("reply")}); err != nil {
		t.Fatalf("send reply: %v", err)
	}

	buf := make([]byte, len("reply"))
	if _, err := io.ReadFull(publicConn, buf); err != nil {
		t.Fatalf("read public reply: %v", err)
	}
	if !bytes.Equal(buf, []byte("reply")) {
		t.Fatalf("got %q", buf)
	}
}

func TestServerRejectsSecondControlConnection(t *testing.T) {
	tunnelAddr := freeAddr(t)
	publicAddr := freeAddr(t)

	srv := tunnelserver.New(tunnelAddr, publicAddr)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go srv.Run(ctx)

	first := dialControl(t, tunnelAddr)
	defer first.conn.Close()

	time.Sleep(50 * time.Millisecond)

	second, err := net.Dial("tcp", tunnelAddr)
	if err != nil {
		t.Fatalf("dial second control: %v", err)
	}
	defer second.Close()

	second.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 1)
	if _, err := second.Read(buf); err == nil || errors.Is(err, os.ErrDeadlineExceeded) {
		t.Fatalf("expected the second control connection to be closed, got %v", err)
	}
}

func TestServerClosesPublicConnectionWhenNoSession(t *testing.T) {
	tunnelAddr := freeAddr(t)
	publicAddr := freeAddr(t)

	srv := tunnelserver.New(tunnelAddr, publicAddr)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go srv.Run(ctx)
	time.Sleep(50 * time.Millisecond)

	conn, err := net.Dial("tcp", publicAddr)
	if err != nil {
		t.Fatalf("dial public: %v", err)
	}
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 1)
	if _, err := conn.Read(buf); err == nil {
		t.Fatalf("expected public connection to be closed when no session is active")
	}
}

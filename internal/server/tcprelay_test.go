package server

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/burrowhq/burrow/internal/protocol"
)

func startTestRelay(t *testing.T, registry *Registry, targetDomain string) (*TCPRelay, string) {
	t.Helper()
	relay := NewTCPRelay(registry, targetDomain, testLogger())

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	addr := listener.Addr().String()
	listener.Close()

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go relay.Run(ctx, addr)

	// Give the listener a moment to come back up on the same port.
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		conn, err := net.Dial("tcp", addr)
		if err == nil {
			conn.Close()
			return relay, addr
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("relay never started listening")
	return nil, ""
}

func TestRelayPipesBothDirections(t *testing.T) {
	registry := newTestRegistry()
	sess := newTestSession("demo", "tun_A", "tcp")
	registry.Register(sess, false)

	relay, addr := startTestRelay(t, registry, "demo")

	// The readiness probe produced a connect/close pair; drain it.
	for {
		if _, ok := nextFrame(t, sess).(*protocol.TCPClose); ok {
			break
		}
	}

	public, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatal(err)
	}
	defer public.Close()

	connect, ok := nextFrame(t, sess).(*protocol.TCPConnect)
	if !ok {
		t.Fatal("first frame is not tcp_connect")
	}

	// Public -> client direction.
	if _, err := public.Write([]byte("inbound bytes")); err != nil {
		t.Fatal(err)
	}
	data, ok := nextFrame(t, sess).(*protocol.TCPData)
	if !ok {
		t.Fatal("no tcp_data for inbound bytes")
	}
	payload, err := protocol.DecodeBytes(data.Data)
	if err != nil || string(payload) != "inbound bytes" {
		t.Errorf("payload = %q err=%v", payload, err)
	}

	// Client -> public direction.
	if !relay.Write(connect.ConnID, []byte("outbound bytes")) {
		t.Fatal("relay.Write did not find the connection")
	}
	buf := make([]byte, 64)
	public.SetReadDeadline(time.Now().Add(2 * time.Second))
	n, err := public.Read(buf)
	if err != nil || string(buf[:n]) != "outbound bytes" {
		t.Errorf("public read = %q err=%v", buf[:n], err)
	}

	// Client-side close tears the pipe down.
	if !relay.CloseConn(connect.ConnID) {
		t.Fatal("CloseConn did not find the connection")
	}
	public.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, err := public.Read(buf); err == nil {
		t.Error("public socket still open after CloseConn")
	}
	if relay.Len() != 0 {
		t.Errorf("relay connections leaked: %d", relay.Len())
	}
}

func TestRelayDropsWhenNoTunnel(t *testing.T) {
	registry := newTestRegistry()
	relay, addr := startTestRelay(t, registry, "")

	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	buf := make([]byte, 16)
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, err := conn.Read(buf); err == nil {
		t.Error("socket not closed despite missing tunnel")
	}
	if relay.Len() != 0 {
		t.Errorf("relay connections leaked: %d", relay.Len())
	}
}

func TestRelayWriteUnknownConn(t *testing.T) {
	relay := NewTCPRelay(newTestRegistry(), "demo", testLogger())
	if relay.Write("ghost", []byte("x")) {
		t.Error("Write found a connection that does not exist")
	}
	if relay.CloseConn("ghost") {
		t.Error("CloseConn found a connection that does not exist")
	}
}

package server

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/burrowhq/burrow/internal/protocol"
	"github.com/burrowhq/burrow/internal/store"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestServer(t *testing.T) *Server {
	return newTestServerWithCfg(t, nil)
}

func newTestServerWithCfg(t *testing.T, mutate func(*Config)) *Server {
	t.Helper()
	st, err := store.Open(":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	cfg := DefaultConfig()
	cfg.Domain = "tunnel.test"
	if mutate != nil {
		mutate(&cfg)
	}
	return New(cfg, st, testLogger())
}

// newTestSession builds a session without a WebSocket. Frames queued by
// Send are read straight off the send channel.
func newTestSession(domain, token, mode string) *Session {
	return newSession(nil, &store.Tunnel{
		ID:     1,
		Domain: domain,
		Token:  token,
		Mode:   mode,
	}, testLogger())
}

// nextFrame pops one queued outbound frame and decodes it.
func nextFrame(t *testing.T, sess *Session) protocol.Message {
	t.Helper()
	select {
	case data := <-sess.send:
		msg, err := protocol.Parse(data)
		if err != nil {
			t.Fatalf("queued frame does not parse: %v", err)
		}
		return msg
	case <-time.After(2 * time.Second):
		t.Fatal("no frame queued")
		return nil
	}
}

// seedTunnel creates a store record and registers a matching session.
func seedTunnel(t *testing.T, srv *Server, domain, mode string) *Session {
	t.Helper()
	tun, err := srv.store.CreateTunnel(context.Background(), domain, "", mode, "", "")
	if err != nil {
		t.Fatalf("create tunnel: %v", err)
	}
	sess := newSession(nil, tun, testLogger())
	if ok, reason := srv.registry.Register(sess, false); !ok {
		t.Fatalf("register rejected: %s", reason)
	}
	return sess
}

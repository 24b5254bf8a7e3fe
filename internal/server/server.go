package server

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/burrowhq/burrow/internal/protocol"
	"github.com/burrowhq/burrow/internal/store"
)

// Name and Version identify the server in /api/info and auth_ok.
const (
	Name    = "burrow"
	Version = protocol.Version
)

// Server owns the registry, the pending tables, the optional TCP relay
// and the HTTP surface. One Server per process; nothing is global.
type Server struct {
	cfg      Config
	store    *store.Store
	registry *Registry
	pending  *PendingTable
	relay    *TCPRelay
	router   *mux.Router
	upgrader websocket.Upgrader
	logger   *slog.Logger
}

func New(cfg Config, st *store.Store, logger *slog.Logger) *Server {
	srv := &Server{
		cfg:      cfg,
		store:    st,
		registry: NewRegistry(cfg.heartbeatTimeout(), logger),
		pending:  NewPendingTable(cfg.MaxPendingRequests, cfg.StreamQueueSize, logger),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		logger: logger,
	}
	if cfg.TCPListenPort > 0 {
		srv.relay = NewTCPRelay(srv.registry, cfg.TCPTargetDomain, logger)
	}
	srv.router = srv.routes()
	return srv
}

// Run serves HTTP (and the optional TCP relay) until the context is
// cancelled, then shuts down gracefully.
func (srv *Server) Run(ctx context.Context) error {
	httpServer := &http.Server{
		Addr:    srv.cfg.listenAddr(),
		Handler: srv,
	}

	errCh := make(chan error, 2)

	if srv.relay != nil {
		addr := net.JoinHostPort(srv.cfg.TCPListenHost, strconv.Itoa(srv.cfg.TCPListenPort))
		go func() {
			if err := srv.relay.Run(ctx, addr); err != nil {
				errCh <- err
			}
		}()
	}

	go func() {
		srv.logger.Info("server listening", "addr", httpServer.Addr, "ws_path", srv.cfg.WSPath)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

// handleTunnelSocket upgrades the connection and runs the auth
// handshake: first frame within 30 s must be auth; the token must
// resolve to an enabled tunnel; the registry must accept the session.
func (srv *Server) handleTunnelSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := srv.upgrader.Upgrade(w, r, nil)
	if err != nil {
		srv.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	conn.SetReadDeadline(time.Now().Add(authDeadline))
	_, data, err := conn.ReadMessage()
	if err != nil {
		conn.Close()
		return
	}

	msg, err := protocol.Parse(data)
	if err != nil {
		srv.rejectSocket(conn, "Invalid auth message", "auth_failed")
		return
	}
	auth, ok := msg.(*protocol.Auth)
	if !ok {
		srv.rejectSocket(conn, "Authentication required", "auth_failed")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	tun, err := srv.store.TunnelByToken(ctx, auth.Token)
	cancel()
	if errors.Is(err, store.ErrNotFound) {
		srv.rejectSocket(conn, "Invalid token", "auth_failed")
		return
	}
	if err != nil {
		srv.logger.Error("token lookup failed", "error", err)
		srv.rejectSocket(conn, "Internal error", "server_error")
		return
	}
	if !tun.Enabled {
		srv.rejectSocket(conn, "Tunnel disabled", "tunnel_disabled")
		return
	}

	sess := newSession(conn, tun, srv.logger)
	if ok, reason := srv.registry.Register(sess, auth.Force); !ok {
		srv.rejectSocket(conn, reason, "connection_exists")
		return
	}

	authOK, err := protocol.Encode(&protocol.AuthOK{
		Domain:        tun.Domain,
		TunnelID:      sess.TunnelID,
		ServerVersion: Version,
	})
	if err == nil {
		conn.SetWriteDeadline(time.Now().Add(writeWait))
		err = conn.WriteMessage(websocket.TextMessage, authOK)
	}
	if err != nil {
		srv.registry.Unregister(sess)
		sess.Close(websocket.CloseInternalServerErr, "")
		return
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.store.TouchLastConnected(ctx, tun.Token); err != nil {
			srv.logger.Warn("last_connected_at not updated", "domain", tun.Domain, "error", err)
		}
	}()

	sess.logger.Info("tunnel connected", "client_version", auth.ClientVersion)

	conn.SetReadDeadline(time.Time{})
	go sess.writePump(srv.cfg.heartbeatInterval())
	srv.readSession(sess)
}

// rejectSocket sends auth_error and closes with the policy code 1008.
func (srv *Server) rejectSocket(conn *websocket.Conn, message, code string) {
	if data, err := protocol.Encode(&protocol.AuthError{Error: message, Code: code}); err == nil {
		conn.SetWriteDeadline(time.Now().Add(writeWait))
		conn.WriteMessage(websocket.TextMessage, data)
	}
	closeMsg := websocket.FormatCloseMessage(websocket.ClosePolicyViolation, message)
	conn.WriteControl(websocket.CloseMessage, closeMsg, time.Now().Add(writeWait))
	conn.Close()
}

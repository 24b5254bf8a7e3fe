package server

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"

	"github.com/google/uuid"

	"github.com/burrowhq/burrow/internal/protocol"
)

const relayReadSize = 64 * 1024

// TCPRelay is the public TCP listener: every accepted socket becomes a
// long-lived byte pipe through a tunnel, carried as tcp_data frames.
type TCPRelay struct {
	registry     *Registry
	targetDomain string
	logger       *slog.Logger

	mu    sync.Mutex
	conns map[string]*relayConn
}

type relayConn struct {
	conn net.Conn
	sess *Session
	once sync.Once
}

func NewTCPRelay(registry *Registry, targetDomain string, logger *slog.Logger) *TCPRelay {
	return &TCPRelay{
		registry:     registry,
		targetDomain: targetDomain,
		logger:       logger,
		conns:        make(map[string]*relayConn),
	}
}

// Run accepts inbound connections until the context is cancelled.
func (r *TCPRelay) Run(ctx context.Context, addr string) error {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("tcp relay listen: %w", err)
	}
	r.logger.Info("tcp relay listening", "addr", addr)

	go func() {
		<-ctx.Done()
		listener.Close()
	}()

	for {
		conn, err := listener.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				return fmt.Errorf("tcp relay accept: %w", err)
			}
		}
		go r.handle(conn)
	}
}

// pickDomain chooses the tunnel for an inbound socket: the configured
// target, else the first connected domain.
func (r *TCPRelay) pickDomain() (string, bool) {
	if r.targetDomain != "" {
		return r.targetDomain, true
	}
	domains := r.registry.ConnectedDomains()
	if len(domains) == 0 {
		return "", false
	}
	return domains[0], true
}

func (r *TCPRelay) handle(conn net.Conn) {
	domain, ok := r.pickDomain()
	if !ok {
		r.logger.Warn("tcp connection dropped, no tunnel connected", "remote", conn.RemoteAddr())
		conn.Close()
		return
	}
	sess, ok := r.registry.ByDomain(domain)
	if !ok {
		r.logger.Warn("tcp connection dropped, tunnel not connected", "domain", domain, "remote", conn.RemoteAddr())
		conn.Close()
		return
	}

	connID := uuid.NewString()
	rc := &relayConn{conn: conn, sess: sess}
	r.mu.Lock()
	r.conns[connID] = rc
	r.mu.Unlock()

	if err := sess.Send(&protocol.TCPConnect{ConnID: connID}); err != nil {
		r.logger.Warn("tcp_connect not sent", "domain", domain, "error", err)
		r.teardown(connID, false)
		return
	}
	r.logger.Info("tcp connection opened", "conn_id", connID, "domain", domain, "remote", conn.RemoteAddr())

	buf := make([]byte, relayReadSize)
	sequence := 0
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			frame := &protocol.TCPData{
				ConnID:   connID,
				Data:     protocol.EncodeBytes(buf[:n]),
				Sequence: sequence,
			}
			sequence++
			if sendErr := sess.Send(frame); sendErr != nil {
				r.teardown(connID, false)
				return
			}
		}
		if err != nil {
			r.teardown(connID, true)
			return
		}
	}
}

// Write delivers client bytes to the public socket. Returns false when
// the conn id is not a relay connection.
func (r *TCPRelay) Write(connID string, data []byte) bool {
	r.mu.Lock()
	rc, ok := r.conns[connID]
	r.mu.Unlock()
	if !ok {
		return false
	}
	if _, err := rc.conn.Write(data); err != nil {
		r.logger.Debug("relay write failed", "conn_id", connID, "error", err)
		r.teardown(connID, true)
	}
	return true
}

// CloseConn tears a relay connection down on the client's tcp_close.
func (r *TCPRelay) CloseConn(connID string) bool {
	r.mu.Lock()
	_, ok := r.conns[connID]
	r.mu.Unlock()
	if !ok {
		return false
	}
	r.teardown(connID, false)
	return true
}

// teardown closes the public socket, drops the record and optionally
// notifies the client side.
func (r *TCPRelay) teardown(connID string, notifyClient bool) {
	r.mu.Lock()
	rc, ok := r.conns[connID]
	if ok {
		delete(r.conns, connID)
	}
	r.mu.Unlock()
	if !ok {
		return
	}

	rc.once.Do(func() {
		rc.conn.Close()
		if notifyClient {
			if err := rc.sess.Send(&protocol.TCPClose{ConnID: connID}); err != nil {
				r.logger.Debug("tcp_close not sent", "conn_id", connID, "error", err)
			}
		}
		r.logger.Info("tcp connection closed", "conn_id", connID)
	})
}

// Len returns the number of open relay connections.
func (r *TCPRelay) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.conns)
}

package server

import (
	"errors"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/burrowhq/burrow/internal/protocol"
	"github.com/burrowhq/burrow/internal/store"
)

const (
	// How long the server waits for the auth frame on a new socket.
	authDeadline = 30 * time.Second

	writeWait       = 10 * time.Second
	sendQueueSize   = 256
	maxFrameSize    = 10 * 1024 * 1024
	closeGracePause = 100 * time.Millisecond
)

// ErrSessionClosed is returned by Send once the session is gone.
var ErrSessionClosed = errors.New("session closed")

// Session is one live, authenticated tunnel connection. Outbound frames
// go through the send channel so only the write pump touches the socket.
type Session struct {
	conn *websocket.Conn

	TunnelID string
	Domain   string
	Token    string
	Mode     string

	// rowID is the tunnel's database id, used for request logging.
	rowID int64

	ConnectedAt time.Time

	send   chan []byte
	closed chan struct{}
	once   sync.Once

	mu            sync.Mutex
	lastHeartbeat time.Time

	logger *slog.Logger
}

func newSession(conn *websocket.Conn, tun *store.Tunnel, logger *slog.Logger) *Session {
	now := time.Now()
	return &Session{
		conn:          conn,
		TunnelID:      strconv.FormatInt(tun.ID, 10),
		Domain:        tun.Domain,
		Token:         tun.Token,
		Mode:          tun.Mode,
		rowID:         tun.ID,
		ConnectedAt:   now,
		send:          make(chan []byte, sendQueueSize),
		closed:        make(chan struct{}),
		lastHeartbeat: now,
		logger:        logger.With("domain", tun.Domain),
	}
}

// Send queues an encoded frame for the write pump. It fails rather than
// blocks when the session is gone or the queue is full.
func (s *Session) Send(msg protocol.Message) error {
	data, err := protocol.Encode(msg)
	if err != nil {
		return err
	}
	select {
	case <-s.closed:
		return ErrSessionClosed
	default:
	}
	select {
	case s.send <- data:
		return nil
	case <-s.closed:
		return ErrSessionClosed
	}
}

// Close tears the session down with the given WebSocket close code.
// Safe to call more than once.
func (s *Session) Close(code int, reason string) {
	s.once.Do(func() {
		close(s.closed)
		if s.conn != nil {
			msg := websocket.FormatCloseMessage(code, reason)
			s.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
			time.Sleep(closeGracePause)
			s.conn.Close()
		}
	})
}

// Closed reports whether the session has been torn down.
func (s *Session) Closed() bool {
	select {
	case <-s.closed:
		return true
	default:
		return false
	}
}

func (s *Session) touchHeartbeat() {
	s.mu.Lock()
	s.lastHeartbeat = time.Now()
	s.mu.Unlock()
}

// Healthy reports whether the session is open and has heard a pong
// within the heartbeat timeout.
func (s *Session) Healthy(timeout time.Duration) bool {
	if s.Closed() {
		return false
	}
	s.mu.Lock()
	last := s.lastHeartbeat
	s.mu.Unlock()
	return time.Since(last) < timeout
}

// writePump is the single writer for the socket. It drains the send
// queue and emits a protocol ping every heartbeat interval.
func (s *Session) writePump(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case data := <-s.send:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				s.logger.Debug("write failed", "error", err)
				return
			}
		case <-ticker.C:
			ping, err := protocol.Encode(&protocol.Ping{})
			if err != nil {
				return
			}
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.TextMessage, ping); err != nil {
				return
			}
		case <-s.closed:
			return
		}
	}
}

// readSession is the receive loop for one authenticated session. It is
// the sole writer into the pending tables for this session.
func (srv *Server) readSession(sess *Session) {
	defer func() {
		sess.Close(websocket.CloseNormalClosure, "")
		srv.registry.Unregister(sess)
		srv.pending.FailAll(sess.Token)
		sess.logger.Info("tunnel disconnected")
	}()

	sess.conn.SetReadLimit(maxFrameSize)

	for {
		_, data, err := sess.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				sess.logger.Warn("read failed", "error", err)
			}
			return
		}

		msg, err := protocol.Parse(data)
		if err != nil {
			var unknown *protocol.UnknownTypeError
			if errors.As(err, &unknown) {
				sess.logger.Warn("unknown message type", "type", unknown.TypeName)
				continue
			}
			sess.logger.Error("protocol violation", "error", err)
			sess.Close(websocket.CloseInternalServerErr, "protocol violation")
			return
		}

		srv.dispatch(sess, msg)
	}
}

// dispatch routes one inbound frame. Stream pushes may block for
// backpressure; everything else is quick.
func (srv *Server) dispatch(sess *Session, msg protocol.Message) {
	switch m := msg.(type) {
	case *protocol.Pong:
		sess.touchHeartbeat()
		srv.registry.TouchHeartbeat(sess.Token)

	case *protocol.Ping:
		if err := sess.Send(&protocol.Pong{}); err != nil {
			sess.logger.Debug("pong not sent", "error", err)
		}

	case *protocol.Response:
		if !srv.pending.ResolveUnary(m.ID, m) {
			sess.logger.Warn("response for unknown request", "id", m.ID)
		}

	case *protocol.StreamStart, *protocol.StreamChunk, *protocol.StreamEnd:
		srv.pending.PushStream(sess, msg)

	case *protocol.TCPData:
		payload, err := protocol.DecodeBytes(m.Data)
		if err != nil {
			sess.logger.Warn("bad tcp_data payload", "conn_id", m.ConnID, "error", err)
			return
		}
		if srv.pending.AppendTCPData(m.ConnID, payload) {
			return
		}
		if srv.relay != nil && srv.relay.Write(m.ConnID, payload) {
			return
		}
		sess.logger.Warn("tcp_data for unknown connection", "conn_id", m.ConnID)

	case *protocol.TCPClose:
		if srv.pending.ResolveTCP(m.ConnID, m.Error) {
			return
		}
		if srv.relay != nil && srv.relay.CloseConn(m.ConnID) {
			return
		}
		sess.logger.Debug("tcp_close for unknown connection", "conn_id", m.ConnID)

	default:
		sess.logger.Warn("unexpected message type", "type", msg.MessageType())
	}
}

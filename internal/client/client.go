package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/burrowhq/burrow/internal/protocol"
)

const (
	authWait  = 30 * time.Second
	writeWait = 10 * time.Second
	sendWait  = 5 * time.Second

	outboundQueueSize = 256
	eventQueueSize    = 128
)

// AuthRejectedError is a server-side auth_error; the client does not
// retry after one.
type AuthRejectedError struct {
	Message string
	Code    string
}

func (e *AuthRejectedError) Error() string {
	return fmt.Sprintf("authentication rejected: %s", e.Message)
}

// Event is one activity item, consumed by the TUI feed.
type Event struct {
	Time     time.Time
	Kind     string // request, stream, tcp, status
	Method   string
	Path     string
	Status   int
	Duration time.Duration
	Detail   string
}

// Client keeps one tunnel online: it authenticates, executes incoming
// requests against the local target and reconnects after any drop.
type Client struct {
	cfg        Config
	logger     *slog.Logger
	display    *Display
	httpClient *http.Client

	// outbound frames are drained by a single writer per connection.
	outbound chan protocol.Message
	events   chan Event

	mu     sync.Mutex
	conns  map[string]*tcpConn
	domain string
}

func New(cfg Config, logger *slog.Logger, display *Display) *Client {
	return &Client{
		cfg:     cfg,
		logger:  logger,
		display: display,
		httpClient: &http.Client{
			// Per-request timeouts come from the request frames.
			Timeout: 0,
		},
		outbound: make(chan protocol.Message, outboundQueueSize),
		events:   make(chan Event, eventQueueSize),
		conns:    make(map[string]*tcpConn),
	}
}

// Events exposes the activity feed. Slow consumers lose events rather
// than stalling the client.
func (c *Client) Events() <-chan Event {
	return c.events
}

// Domain returns the tunnel domain assigned at auth time.
func (c *Client) Domain() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.domain
}

// Run keeps the tunnel connected until the context is cancelled, the
// attempt cap is hit, or the server rejects authentication.
func (c *Client) Run(ctx context.Context) error {
	attempts := 0
	for {
		err := c.runOnce(ctx)

		var rejected *AuthRejectedError
		if errors.As(err, &rejected) {
			c.display.Disconnected(rejected)
			return rejected
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		c.display.Disconnected(err)

		attempts++
		if c.cfg.MaxReconnectAttempts > 0 && attempts >= c.cfg.MaxReconnectAttempts {
			return fmt.Errorf("giving up after %d attempts: %w", attempts, err)
		}

		wait := c.cfg.reconnectInterval()
		c.display.Reconnecting(attempts, wait)
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// runOnce performs one connect-auth-serve cycle. A nil error means the
// connection dropped and a retry is in order.
func (c *Client) runOnce(ctx context.Context) error {
	out := c.resetOutbound()

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, c.cfg.ServerURL, nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", c.cfg.ServerURL, err)
	}
	defer conn.Close()

	auth, err := protocol.Encode(&protocol.Auth{
		Token:         c.cfg.Token,
		ClientVersion: protocol.Version,
		Force:         c.cfg.Force,
	})
	if err != nil {
		return err
	}
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteMessage(websocket.TextMessage, auth); err != nil {
		return fmt.Errorf("send auth: %w", err)
	}

	conn.SetReadDeadline(time.Now().Add(authWait))
	_, data, err := conn.ReadMessage()
	if err != nil {
		return fmt.Errorf("await auth reply: %w", err)
	}
	reply, err := protocol.Parse(data)
	if err != nil {
		return fmt.Errorf("parse auth reply: %w", err)
	}

	switch m := reply.(type) {
	case *protocol.AuthOK:
		c.mu.Lock()
		c.domain = m.Domain
		c.mu.Unlock()
		c.logger.Info("tunnel online", "domain", m.Domain, "server_version", m.ServerVersion)
		c.display.Connected(m.Domain, c.cfg.TargetURL)
		c.emit(Event{Time: time.Now(), Kind: "status", Detail: "connected as " + m.Domain})
	case *protocol.AuthError:
		return &AuthRejectedError{Message: m.Error, Code: m.Code}
	default:
		return fmt.Errorf("unexpected auth reply: %s", reply.MessageType())
	}

	conn.SetReadDeadline(time.Time{})

	done := make(chan struct{})
	defer close(done)
	go c.writePump(conn, out, done)
	defer c.closeAllTCP()

	return c.readLoop(ctx, conn)
}

// resetOutbound replaces the outbound queue at the start of a
// connection cycle, so frames queued against a dead connection do not
// flush into the next session.
func (c *Client) resetOutbound() chan protocol.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.outbound = make(chan protocol.Message, outboundQueueSize)
	return c.outbound
}

// writePump is the single writer for the socket.
func (c *Client) writePump(conn *websocket.Conn, outbound <-chan protocol.Message, done <-chan struct{}) {
	for {
		select {
		case msg := <-outbound:
			data, err := protocol.Encode(msg)
			if err != nil {
				c.logger.Error("frame not encodable", "type", msg.MessageType(), "error", err)
				continue
			}
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				c.logger.Debug("write failed", "error", err)
				return
			}
		case <-done:
			return
		}
	}
}

// send queues a frame for the writer. It gives up after a grace period
// so a dead connection cannot wedge request goroutines forever.
func (c *Client) send(msg protocol.Message) error {
	c.mu.Lock()
	out := c.outbound
	c.mu.Unlock()
	select {
	case out <- msg:
		return nil
	case <-time.After(sendWait):
		return errors.New("outbound queue stalled")
	}
}

func (c *Client) readLoop(ctx context.Context, conn *websocket.Conn) error {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			return nil // transport error; retry path
		}

		msg, err := protocol.Parse(data)
		if err != nil {
			var unknown *protocol.UnknownTypeError
			if errors.As(err, &unknown) {
				c.logger.Warn("unknown message type", "type", unknown.TypeName)
				continue
			}
			c.logger.Error("protocol violation", "error", err)
			return nil
		}

		switch m := msg.(type) {
		case *protocol.Ping:
			if err := c.send(&protocol.Pong{}); err != nil {
				c.logger.Debug("pong not sent", "error", err)
			}
		case *protocol.Pong:
			// Server answered one of our pings; nothing to do.
		case *protocol.Request:
			go c.handleRequest(ctx, m)
		case *protocol.TCPConnect:
			// Register before returning to the loop: the next frame
			// may already be tcp_data for this connection.
			c.registerTCP(m.ConnID)
			go c.openTCP(m.ConnID)
		case *protocol.TCPData:
			c.writeTCP(m)
		case *protocol.TCPClose:
			c.closeTCP(m.ConnID, false)
		default:
			c.logger.Warn("unexpected message type", "type", msg.MessageType())
		}
	}
}

func (c *Client) emit(e Event) {
	select {
	case c.events <- e:
	default:
	}
}

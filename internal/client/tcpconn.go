package client

import (
	"net"
	"net/url"
	"sync"
	"time"

	"github.com/burrowhq/burrow/internal/protocol"
)

const tcpReadSize = 64 * 1024

type tcpConn struct {
	id string

	mu      sync.Mutex
	conn    net.Conn // nil until the dial completes and the backlog is flushed
	backlog [][]byte // payloads that arrived ahead of the dial
	closed  bool

	once sync.Once
}

// targetAddr derives the host:port for raw TCP legs from the target
// URL, defaulting the port by scheme.
func (c *Client) targetAddr() (string, error) {
	u, err := url.Parse(c.cfg.TargetURL)
	if err != nil {
		return "", err
	}
	host := u.Hostname()
	port := u.Port()
	if port == "" {
		switch u.Scheme {
		case "https":
			port = "443"
		default:
			port = "80"
		}
	}
	return net.JoinHostPort(host, port), nil
}

// registerTCP records a connection before its dial starts. The server
// sends tcp_connect and the first tcp_data back to back, so the record
// must exist by the time the next frame is dispatched; early payloads
// land in the backlog.
func (c *Client) registerTCP(connID string) *tcpConn {
	c.mu.Lock()
	defer c.mu.Unlock()
	if tc, ok := c.conns[connID]; ok {
		return tc
	}
	tc := &tcpConn{id: connID}
	c.conns[connID] = tc
	return tc
}

// openTCP handles a tcp_connect: dial the local target, flush any
// backlog, then pump its bytes back as tcp_data frames.
func (c *Client) openTCP(connID string) {
	tc := c.registerTCP(connID)

	addr, err := c.targetAddr()
	if err != nil {
		c.logger.Error("bad target url", "error", err)
		c.abortTCP(tc, err.Error())
		return
	}

	conn, err := net.DialTimeout("tcp", addr, 10*time.Second)
	if err != nil {
		c.logger.Warn("tcp dial failed", "addr", addr, "error", err)
		c.abortTCP(tc, err.Error())
		return
	}

	// Write out payloads that arrived while the dial was in flight,
	// then publish the connection. New frames keep landing in the
	// backlog until tc.conn is set, which preserves arrival order.
	for {
		tc.mu.Lock()
		if tc.closed {
			tc.mu.Unlock()
			conn.Close()
			return
		}
		if len(tc.backlog) == 0 {
			tc.conn = conn
			tc.mu.Unlock()
			break
		}
		batch := tc.backlog
		tc.backlog = nil
		tc.mu.Unlock()
		for _, payload := range batch {
			if _, err := conn.Write(payload); err != nil {
				conn.Close()
				c.abortTCP(tc, err.Error())
				return
			}
		}
	}

	c.display.TCP("open", connID)
	c.emit(Event{Time: time.Now(), Kind: "tcp", Detail: "open " + connID})

	buf := make([]byte, tcpReadSize)
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
			if sendErr := c.send(frame); sendErr != nil {
				c.closeTCP(connID, false)
				return
			}
		}
		if err != nil {
			c.closeTCP(connID, true)
			return
		}
	}
}

// abortTCP removes a leg that never came up and reports the reason.
func (c *Client) abortTCP(tc *tcpConn, reason string) {
	c.mu.Lock()
	delete(c.conns, tc.id)
	c.mu.Unlock()

	tc.mu.Lock()
	tc.closed = true
	tc.backlog = nil
	tc.mu.Unlock()

	c.sendTCPClose(tc.id, reason)
}

// writeTCP delivers server bytes into the local TCP connection. Bytes
// for a connection whose dial is still in flight are buffered.
func (c *Client) writeTCP(m *protocol.TCPData) {
	c.mu.Lock()
	tc, ok := c.conns[m.ConnID]
	c.mu.Unlock()
	if !ok {
		c.logger.Warn("tcp_data for unknown connection", "conn_id", m.ConnID)
		return
	}

	payload, err := protocol.DecodeBytes(m.Data)
	if err != nil {
		c.logger.Warn("bad tcp_data payload", "conn_id", m.ConnID, "error", err)
		return
	}

	tc.mu.Lock()
	if tc.closed {
		tc.mu.Unlock()
		return
	}
	if tc.conn == nil {
		tc.backlog = append(tc.backlog, payload)
		tc.mu.Unlock()
		return
	}
	conn := tc.conn
	tc.mu.Unlock()

	if _, err := conn.Write(payload); err != nil {
		c.logger.Debug("tcp write failed", "conn_id", m.ConnID, "error", err)
		c.closeTCP(m.ConnID, true)
	}
}

// closeTCP tears one local leg down, optionally telling the server.
func (c *Client) closeTCP(connID string, notifyServer bool) {
	c.mu.Lock()
	tc, ok := c.conns[connID]
	if ok {
		delete(c.conns, connID)
	}
	c.mu.Unlock()
	if !ok {
		return
	}

	tc.once.Do(func() {
		tc.mu.Lock()
		tc.closed = true
		conn := tc.conn
		tc.mu.Unlock()
		if conn != nil {
			conn.Close()
		}
		if notifyServer {
			c.sendTCPClose(connID, "")
		}
		c.display.TCP("close", connID)
		c.emit(Event{Time: time.Now(), Kind: "tcp", Detail: "close " + connID})
	})
}

func (c *Client) sendTCPClose(connID, reason string) {
	if err := c.send(&protocol.TCPClose{ConnID: connID, Error: reason}); err != nil {
		c.logger.Debug("tcp_close not sent", "conn_id", connID, "error", err)
	}
}

// closeAllTCP drops every local leg; called when the tunnel connection
// goes away.
func (c *Client) closeAllTCP() {
	c.mu.Lock()
	conns := make([]*tcpConn, 0, len(c.conns))
	for _, tc := range c.conns {
		conns = append(conns, tc)
	}
	c.conns = make(map[string]*tcpConn)
	c.mu.Unlock()

	for _, tc := range conns {
		tc.once.Do(func() {
			tc.mu.Lock()
			tc.closed = true
			conn := tc.conn
			tc.mu.Unlock()
			if conn != nil {
				conn.Close()
			}
		})
	}
}

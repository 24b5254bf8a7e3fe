package server

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/burrowhq/burrow/internal/protocol"
)

// ForwardTCP runs an HTTP-triggered one-shot TCP dialog: connect, send
// the body, accumulate reply segments until the client closes, then
// best-effort parse the reply.
func (srv *Server) ForwardTCP(ctx context.Context, domain string, body []byte, timeout time.Duration) *ForwardResult {
	sess, ok := srv.registry.ByDomain(domain)
	if !ok {
		return notConnectedResult(domain)
	}
	if timeout <= 0 {
		timeout = srv.cfg.defaultTimeout()
	}

	connID, entry, err := srv.pending.NewTCP(sess.Token)
	if err != nil {
		return &ForwardResult{Status: 503, Error: err.Error()}
	}

	start := time.Now()
	if err := sess.Send(&protocol.TCPConnect{ConnID: connID}); err != nil {
		srv.pending.CancelTCP(connID)
		return &ForwardResult{Status: 502, Error: err.Error()}
	}
	if len(body) > 0 {
		data := &protocol.TCPData{ConnID: connID, Data: protocol.EncodeBytes(body), Sequence: 0}
		if err := sess.Send(data); err != nil {
			srv.pending.CancelTCP(connID)
			return &ForwardResult{Status: 502, Error: err.Error()}
		}
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case res := <-entry.result:
		duration := time.Since(start).Milliseconds()
		if res.err != nil {
			return &ForwardResult{Status: 502, Error: res.err.Error(), DurationMS: duration}
		}
		result := parseTCPReply(res.data)
		result.DurationMS = duration
		return result
	case <-timer.C:
		srv.pending.CancelTCP(connID)
		// Tell the client to give up on its local connection too.
		if err := sess.Send(&protocol.TCPClose{ConnID: connID}); err != nil {
			sess.logger.Debug("tcp_close not sent", "conn_id", connID, "error", err)
		}
		return &ForwardResult{Status: 504, Error: "Request timeout", DurationMS: time.Since(start).Milliseconds()}
	case <-ctx.Done():
		srv.pending.CancelTCP(connID)
		if err := sess.Send(&protocol.TCPClose{ConnID: connID}); err != nil {
			sess.logger.Debug("tcp_close not sent", "conn_id", connID, "error", err)
		}
		return &ForwardResult{Status: 504, Error: ctx.Err().Error(), DurationMS: time.Since(start).Milliseconds()}
	}
}

// parseTCPReply makes sense of raw reply bytes: JSON documents pass
// through decoded, HTTP/1.x responses are split into status, headers
// and body, anything else comes back as text.
func parseTCPReply(data []byte) *ForwardResult {
	if len(data) == 0 {
		return &ForwardResult{Status: 200, Headers: map[string]string{}}
	}

	var decoded any
	if err := json.Unmarshal(data, &decoded); err == nil {
		return &ForwardResult{Status: 200, Headers: map[string]string{}, Body: decoded}
	}

	if strings.HasPrefix(string(data), "HTTP/") {
		if result, ok := parseHTTPReply(data); ok {
			return result
		}
	}

	return &ForwardResult{Status: 200, Headers: map[string]string{}, Body: string(data)}
}

func parseHTTPReply(data []byte) (*ForwardResult, bool) {
	resp, err := http.ReadResponse(bufio.NewReader(strings.NewReader(string(data))), nil)
	if err != nil {
		return nil, false
	}
	defer resp.Body.Close()

	buf := new(strings.Builder)
	if _, err := io.Copy(buf, resp.Body); err != nil {
		return nil, false
	}

	result := &ForwardResult{
		Status:  resp.StatusCode,
		Headers: protocol.HeadersFromHTTP(resp.Header),
	}
	if buf.Len() > 0 {
		result.Body = decodeBody(buf.String())
	}
	return result, true
}

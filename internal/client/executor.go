package client

import (
	"context"
	"errors"
	"io"
	"net/http"
	"os"
	"strings"
	"syscall"
	"time"

	"github.com/burrowhq/burrow/internal/protocol"
)

const streamReadSize = 4096

// Request headers never forwarded to the local target.
var skippedRequestHeaders = map[string]bool{
	"host":              true,
	"connection":        true,
	"keep-alive":        true,
	"transfer-encoding": true,
	"upgrade":           true,
	"te":                true,
	"trailer":           true,
	"accept-encoding":   true,
	"content-length":    true,
}

// handleRequest executes one tunneled HTTP request against the local
// target. An SSE reply (Content-Type contains text/event-stream) is
// streamed back as start/chunk/end; anything else is buffered into a
// single response frame.
func (c *Client) handleRequest(ctx context.Context, req *protocol.Request) {
	timeout := c.cfg.requestTimeout()
	if req.Timeout > 0 {
		timeout = time.Duration(req.Timeout * float64(time.Second))
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()

	target := strings.TrimSuffix(c.cfg.TargetURL, "/") + req.Path
	httpReq, err := http.NewRequestWithContext(ctx, req.Method, target, strings.NewReader(req.Body))
	if err != nil {
		c.respondError(req, start, 500, err.Error())
		return
	}
	for k, v := range req.Headers {
		if !skippedRequestHeaders[strings.ToLower(k)] {
			httpReq.Header.Set(k, v)
		}
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		status, reason := classifyTargetError(err)
		c.respondError(req, start, status, reason)
		return
	}
	defer resp.Body.Close()

	if strings.Contains(resp.Header.Get("Content-Type"), "text/event-stream") {
		c.streamResponse(req, resp, start)
		return
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		c.respondError(req, start, 500, err.Error())
		return
	}

	duration := time.Since(start)
	frame := &protocol.Response{
		ID:         req.ID,
		Status:     resp.StatusCode,
		Headers:    protocol.HeadersFromHTTP(resp.Header),
		Body:       string(body),
		DurationMS: duration.Milliseconds(),
	}
	if err := c.send(frame); err != nil {
		c.logger.Warn("response not sent", "id", req.ID, "error", err)
		return
	}

	c.display.Request(req.Method, req.Path, resp.StatusCode, duration)
	c.emit(Event{Time: time.Now(), Kind: "request", Method: req.Method, Path: req.Path, Status: resp.StatusCode, Duration: duration})
}

// streamResponse relays an SSE body chunk by chunk. No response frame
// follows; stream_end terminates the exchange.
func (c *Client) streamResponse(req *protocol.Request, resp *http.Response, start time.Time) {
	frame := &protocol.StreamStart{
		ID:      req.ID,
		Status:  resp.StatusCode,
		Headers: protocol.HeadersFromHTTP(resp.Header),
	}
	if err := c.send(frame); err != nil {
		c.logger.Warn("stream_start not sent", "id", req.ID, "error", err)
		return
	}

	buf := make([]byte, streamReadSize)
	sequence := 0
	var streamErr string
	for {
		n, err := resp.Body.Read(buf)
		if n > 0 {
			chunk := &protocol.StreamChunk{
				ID: req.ID,
				// Invalid UTF-8 from the upstream is replaced, never fatal.
				Data:     strings.ToValidUTF8(string(buf[:n]), "�"),
				Sequence: sequence,
			}
			sequence++
			if sendErr := c.send(chunk); sendErr != nil {
				c.logger.Warn("stream_chunk not sent", "id", req.ID, "error", sendErr)
				return
			}
		}
		if err != nil {
			if !errors.Is(err, io.EOF) {
				streamErr = err.Error()
			}
			break
		}
	}

	duration := time.Since(start)
	end := &protocol.StreamEnd{
		ID:          req.ID,
		Error:       streamErr,
		DurationMS:  duration.Milliseconds(),
		TotalChunks: sequence,
	}
	if err := c.send(end); err != nil {
		c.logger.Warn("stream_end not sent", "id", req.ID, "error", err)
		return
	}

	c.display.Stream(req.Path, sequence, duration)
	c.emit(Event{Time: time.Now(), Kind: "stream", Method: req.Method, Path: req.Path, Status: resp.StatusCode, Duration: duration})
}

func (c *Client) respondError(req *protocol.Request, start time.Time, status int, reason string) {
	frame := &protocol.Response{
		ID:         req.ID,
		Status:     status,
		Headers:    map[string]string{},
		Error:      reason,
		DurationMS: time.Since(start).Milliseconds(),
	}
	if err := c.send(frame); err != nil {
		c.logger.Warn("error response not sent", "id", req.ID, "error", err)
	}
	c.display.RequestFailed(req.Method, req.Path, reason)
	c.emit(Event{Time: time.Now(), Kind: "request", Method: req.Method, Path: req.Path, Status: status, Detail: reason})
}

// classifyTargetError maps local target failures onto the statuses the
// server relays: 504 for timeouts, 503 for refused connections, 500
// for the rest.
func classifyTargetError(err error) (int, string) {
	if errors.Is(err, context.DeadlineExceeded) || os.IsTimeout(err) {
		return 504, "Request timeout"
	}
	if errors.Is(err, syscall.ECONNREFUSED) {
		return 503, "Connection refused"
	}
	return 500, err.Error()
}

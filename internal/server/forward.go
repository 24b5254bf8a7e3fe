package server

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/burrowhq/burrow/internal/protocol"
	"github.com/burrowhq/burrow/internal/store"
)

// ForwardResult is what a forwarder hands back to the ingress layer.
// Body is the JSON-decoded response body when it parses, otherwise the
// raw string.
type ForwardResult struct {
	Status     int               `json:"status"`
	Headers    map[string]string `json:"headers"`
	Body       any               `json:"body"`
	Error      string            `json:"error,omitempty"`
	DurationMS int64             `json:"duration_ms"`
}

func notConnectedResult(domain string) *ForwardResult {
	return &ForwardResult{
		Status: 503,
		Error:  fmt.Sprintf("Tunnel not connected: %s", domain),
	}
}

// Forward injects one HTTP request into the tunnel for domain and
// awaits the matching response.
func (srv *Server) Forward(ctx context.Context, domain, method, path string, headers map[string]string, body string, timeout time.Duration) *ForwardResult {
	sess, ok := srv.registry.ByDomain(domain)
	if !ok {
		return notConnectedResult(domain)
	}
	if timeout <= 0 {
		timeout = srv.cfg.defaultTimeout()
	}

	id, entry, err := srv.pending.NewUnary(sess.Token)
	if err != nil {
		return &ForwardResult{Status: 503, Error: err.Error()}
	}

	start := time.Now()
	req := &protocol.Request{
		ID:      id,
		Method:  method,
		Path:    path,
		Headers: headers,
		Body:    body,
		Timeout: timeout.Seconds(),
	}
	if err := sess.Send(req); err != nil {
		srv.pending.CancelUnary(id)
		return &ForwardResult{Status: 502, Error: err.Error()}
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	var result *ForwardResult
	select {
	case res := <-entry.result:
		if res.err != nil {
			result = &ForwardResult{Status: 502, Error: res.err.Error(), DurationMS: time.Since(start).Milliseconds()}
		} else {
			result = resultFromResponse(res.resp)
		}
	case <-timer.C:
		srv.pending.CancelUnary(id)
		result = &ForwardResult{Status: 504, Error: "Request timeout", DurationMS: time.Since(start).Milliseconds()}
	case <-ctx.Done():
		srv.pending.CancelUnary(id)
		result = &ForwardResult{Status: 504, Error: ctx.Err().Error(), DurationMS: time.Since(start).Milliseconds()}
	}

	go srv.recordExchange(sess, method, path, headers, body, result)
	return result
}

func resultFromResponse(resp *protocol.Response) *ForwardResult {
	result := &ForwardResult{
		Status:     resp.Status,
		Headers:    resp.Headers,
		Error:      resp.Error,
		DurationMS: resp.DurationMS,
	}
	result.Body = decodeBody(resp.Body)
	return result
}

// decodeBody tries JSON first and falls back to the raw string.
func decodeBody(body string) any {
	if body == "" {
		return nil
	}
	var decoded any
	if err := json.Unmarshal([]byte(body), &decoded); err == nil {
		return decoded
	}
	return body
}

// recordExchange bumps the request counter and appends a request log.
// Persistence failures are logged and swallowed; they never affect the
// response already returned to the caller.
func (srv *Server) recordExchange(sess *Session, method, path string, headers map[string]string, body string, result *ForwardResult) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.store.IncrementRequests(ctx, sess.Token, 1); err != nil {
		srv.logger.Warn("request counter not updated", "domain", sess.Domain, "error", err)
	}

	log := &store.RequestLog{
		TunnelID:       sess.rowID,
		Domain:         sess.Domain,
		Method:         method,
		Path:           path,
		RequestHeaders: marshalForLog(headers),
		RequestBody:    body,
		ResponseStatus: result.Status,
		ResponseBody:   marshalBodyForLog(result.Body),
		Error:          result.Error,
		DurationMS:     result.DurationMS,
	}
	if result.Headers != nil {
		log.ResponseHeaders = marshalForLog(result.Headers)
	}
	if err := srv.store.AppendLog(ctx, log); err != nil {
		srv.logger.Warn("request log not persisted", "domain", sess.Domain, "error", err)
	}
}

func marshalForLog(v map[string]string) string {
	if len(v) == 0 {
		return ""
	}
	data, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return string(data)
}

func marshalBodyForLog(body any) string {
	switch b := body.(type) {
	case nil:
		return ""
	case string:
		return b
	default:
		data, err := json.Marshal(b)
		if err != nil {
			return ""
		}
		return string(data)
	}
}

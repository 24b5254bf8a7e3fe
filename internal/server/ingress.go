package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/burrowhq/burrow/internal/protocol"
	"github.com/burrowhq/burrow/internal/store"
)

// hopByHopHeaders are stripped from tunneled responses before they are
// written to the public caller.
var hopByHopHeaders = map[string]bool{
	"Connection":          true,
	"Keep-Alive":          true,
	"Proxy-Authenticate":  true,
	"Proxy-Authorization": true,
	"Te":                  true,
	"Trailer":             true,
	"Transfer-Encoding":   true,
	"Upgrade":             true,
	"Content-Length":      true,
}

// ServeHTTP routes by Host: a subdomain of the configured base domain
// goes through the tunnel, everything else hits the management router.
func (srv *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if sub, ok := srv.subdomainFor(r.Host); ok {
		srv.serveIngress(w, r, sub)
		return
	}
	srv.router.ServeHTTP(w, r)
}

func (srv *Server) subdomainFor(host string) (string, bool) {
	if srv.cfg.Domain == "" {
		return "", false
	}
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	sub, ok := strings.CutSuffix(host, "."+srv.cfg.Domain)
	if !ok || sub == "" || strings.Contains(sub, ".") {
		return "", false
	}
	return sub, true
}

// serveIngress is the public entry for one tunneled request. The
// caller's Accept header picks the streaming forwarder; TCP-mode
// tunnels always run the one-shot TCP dialog.
func (srv *Server) serveIngress(w http.ResponseWriter, r *http.Request, domain string) {
	sess, ok := srv.registry.ByDomain(domain)
	if !ok {
		ctx, cancel := apiContext(r)
		_, err := srv.store.TunnelByDomain(ctx, domain)
		cancel()
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "Tunnel not found")
			return
		}
		writeError(w, http.StatusServiceUnavailable, fmt.Sprintf("Tunnel not connected: %s", domain))
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Failed to read request body")
		return
	}

	timeout := srv.cfg.defaultTimeout()

	if sess.Mode == store.ModeTCP {
		result := srv.ForwardTCP(r.Context(), domain, body, timeout)
		srv.writeForwardResult(w, result)
		return
	}

	path := r.URL.RequestURI()
	headers := protocol.HeadersFromHTTP(r.Header)

	if strings.Contains(r.Header.Get("Accept"), "text/event-stream") {
		srv.serveStream(w, r, domain, path, headers, string(body), timeout)
		return
	}

	result := srv.Forward(r.Context(), domain, r.Method, path, headers, string(body), timeout)
	srv.writeForwardResult(w, result)
}

func (srv *Server) writeForwardResult(w http.ResponseWriter, result *ForwardResult) {
	if result.Status == 503 || result.Status == 504 {
		if result.Body == nil && result.Error != "" {
			writeError(w, result.Status, result.Error)
			return
		}
	}

	for k, v := range result.Headers {
		if !hopByHopHeaders[http.CanonicalHeaderKey(k)] {
			w.Header().Set(k, v)
		}
	}

	switch body := result.Body.(type) {
	case nil:
		w.WriteHeader(result.Status)
	case string:
		w.WriteHeader(result.Status)
		io.WriteString(w, body)
	default:
		if w.Header().Get("Content-Type") == "" {
			w.Header().Set("Content-Type", "application/json")
		}
		w.WriteHeader(result.Status)
		json.NewEncoder(w).Encode(body)
	}
}

// serveStream relays a tunneled SSE reply to the public caller,
// flushing after every chunk.
func (srv *Server) serveStream(w http.ResponseWriter, r *http.Request, domain, path string, headers map[string]string, body string, timeout time.Duration) {
	stream, err := srv.ForwardStream(r.Context(), domain, r.Method, path, headers, body, timeout)
	if err != nil {
		if errors.Is(err, ErrTunnelNotConnected) {
			writeError(w, http.StatusServiceUnavailable, fmt.Sprintf("Tunnel not connected: %s", domain))
			return
		}
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	defer stream.Close()

	first, err := stream.Recv(r.Context())
	if err != nil {
		writeError(w, http.StatusBadGateway, "Stream aborted")
		return
	}

	start, ok := first.(*protocol.StreamStart)
	if !ok {
		// The session died or timed out before the stream opened.
		if end, isEnd := first.(*protocol.StreamEnd); isEnd && end.Error != "" {
			writeError(w, http.StatusBadGateway, end.Error)
			return
		}
		writeError(w, http.StatusBadGateway, "Stream aborted")
		return
	}

	for k, v := range start.Headers {
		if !hopByHopHeaders[http.CanonicalHeaderKey(k)] {
			w.Header().Set(k, v)
		}
	}
	if w.Header().Get("Content-Type") == "" {
		w.Header().Set("Content-Type", "text/event-stream")
	}
	w.WriteHeader(start.Status)

	flusher, _ := w.(http.Flusher)
	if flusher != nil {
		flusher.Flush()
	}

	for {
		msg, err := stream.Recv(r.Context())
		if err != nil {
			return
		}
		switch m := msg.(type) {
		case *protocol.StreamChunk:
			if _, err := io.WriteString(w, m.Data); err != nil {
				return
			}
			if flusher != nil {
				flusher.Flush()
			}
		case *protocol.StreamEnd:
			if m.Error != "" {
				srv.logger.Warn("stream ended with error", "domain", domain, "error", m.Error)
			}
			return
		}
	}
}

package protocol

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"
)

// Message types for WebSocket communication
const (
	TypeAuth      = "auth"
	TypeAuthOK    = "auth_ok"
	TypeAuthError = "auth_error"

	TypeRequest  = "request"
	TypeResponse = "response"

	TypeStreamStart = "stream_start"
	TypeStreamChunk = "stream_chunk"
	TypeStreamEnd   = "stream_end"

	TypeTCPConnect = "tcp_connect"
	TypeTCPData    = "tcp_data"
	TypeTCPClose   = "tcp_close"

	TypePing = "ping"
	TypePong = "pong"
)

// Version is the protocol version exchanged during auth.
const Version = "0.2.0"

// Message is implemented by every wire frame.
type Message interface {
	MessageType() string
}

// Auth is sent by the client to authenticate a new session.
type Auth struct {
	Type          string `json:"type"`
	Token         string `json:"token"`
	ClientVersion string `json:"client_version,omitempty"`
	Force         bool   `json:"force,omitempty"`
	Timestamp     string `json:"timestamp,omitempty"`
}

// AuthOK confirms a successful authentication.
type AuthOK struct {
	Type          string `json:"type"`
	Domain        string `json:"domain"`
	TunnelID      string `json:"tunnel_id"`
	ServerVersion string `json:"server_version,omitempty"`
	Timestamp     string `json:"timestamp,omitempty"`
}

// AuthError rejects an authentication attempt. The server closes the
// connection after sending it.
type AuthError struct {
	Type      string `json:"type"`
	Error     string `json:"error"`
	Code      string `json:"code,omitempty"`
	Timestamp string `json:"timestamp,omitempty"`
}

// Request is an HTTP request injected into the tunnel (server → client).
// Timeout is in seconds.
type Request struct {
	Type      string            `json:"type"`
	ID        string            `json:"id"`
	Method    string            `json:"method"`
	Path      string            `json:"path"`
	Headers   map[string]string `json:"headers"`
	Body      string            `json:"body,omitempty"`
	Timeout   float64           `json:"timeout"`
	Timestamp string            `json:"timestamp,omitempty"`
}

// Response is the unary HTTP reply (client → server).
type Response struct {
	Type       string            `json:"type"`
	ID         string            `json:"id"`
	Status     int               `json:"status"`
	Headers    map[string]string `json:"headers"`
	Body       string            `json:"body,omitempty"`
	Error      string            `json:"error,omitempty"`
	DurationMS int64             `json:"duration_ms"`
	Timestamp  string            `json:"timestamp,omitempty"`
}

// StreamStart opens a streaming (SSE) reply for a request id.
type StreamStart struct {
	Type      string            `json:"type"`
	ID        string            `json:"id"`
	Status    int               `json:"status"`
	Headers   map[string]string `json:"headers"`
	Timestamp string            `json:"timestamp,omitempty"`
}

// StreamChunk carries one chunk of a streaming reply. Sequence starts at
// zero and is diagnostic only; ordering comes from the WebSocket.
type StreamChunk struct {
	Type      string `json:"type"`
	ID        string `json:"id"`
	Data      string `json:"data"`
	Sequence  int    `json:"sequence"`
	Timestamp string `json:"timestamp,omitempty"`
}

// StreamEnd terminates a streaming reply.
type StreamEnd struct {
	Type        string `json:"type"`
	ID          string `json:"id"`
	Error       string `json:"error,omitempty"`
	DurationMS  int64  `json:"duration_ms"`
	TotalChunks int    `json:"total_chunks"`
	Timestamp   string `json:"timestamp,omitempty"`
}

// TCPConnect tells the client to open a new logical TCP leg.
type TCPConnect struct {
	Type      string `json:"type"`
	ConnID    string `json:"conn_id"`
	Timestamp string `json:"timestamp,omitempty"`
}

// TCPData carries one TCP segment, base64-encoded, in either direction.
type TCPData struct {
	Type      string `json:"type"`
	ConnID    string `json:"conn_id"`
	Data      string `json:"data"`
	Sequence  int    `json:"sequence"`
	Timestamp string `json:"timestamp,omitempty"`
}

// TCPClose closes one TCP leg, in either direction.
type TCPClose struct {
	Type      string `json:"type"`
	ConnID    string `json:"conn_id"`
	Error     string `json:"error,omitempty"`
	Timestamp string `json:"timestamp,omitempty"`
}

// Ping is the heartbeat probe.
type Ping struct {
	Type      string `json:"type"`
	Timestamp string `json:"timestamp,omitempty"`
}

// Pong is the heartbeat reply.
type Pong struct {
	Type      string `json:"type"`
	Timestamp string `json:"timestamp,omitempty"`
}

func (m *Auth) MessageType() string        { return TypeAuth }
func (m *AuthOK) MessageType() string      { return TypeAuthOK }
func (m *AuthError) MessageType() string   { return TypeAuthError }
func (m *Request) MessageType() string     { return TypeRequest }
func (m *Response) MessageType() string    { return TypeResponse }
func (m *StreamStart) MessageType() string { return TypeStreamStart }
func (m *StreamChunk) MessageType() string { return TypeStreamChunk }
func (m *StreamEnd) MessageType() string   { return TypeStreamEnd }
func (m *TCPConnect) MessageType() string  { return TypeTCPConnect }
func (m *TCPData) MessageType() string     { return TypeTCPData }
func (m *TCPClose) MessageType() string    { return TypeTCPClose }
func (m *Ping) MessageType() string        { return TypePing }
func (m *Pong) MessageType() string        { return TypePong }

// UnknownTypeError is returned by Parse for an unrecognized discriminator.
type UnknownTypeError struct {
	TypeName string
}

func (e *UnknownTypeError) Error() string {
	return fmt.Sprintf("unknown message type: %q", e.TypeName)
}

// Now returns the timestamp format used on wire frames.
func Now() string {
	return time.Now().UTC().Format(time.RFC3339)
}

// Parse decodes a frame into its concrete message type based on the
// "type" discriminator.
func Parse(data []byte) (Message, error) {
	var head struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return nil, fmt.Errorf("invalid frame: %w", err)
	}

	var msg Message
	switch head.Type {
	case TypeAuth:
		msg = &Auth{}
	case TypeAuthOK:
		msg = &AuthOK{}
	case TypeAuthError:
		msg = &AuthError{}
	case TypeRequest:
		msg = &Request{}
	case TypeResponse:
		msg = &Response{}
	case TypeStreamStart:
		msg = &StreamStart{}
	case TypeStreamChunk:
		msg = &StreamChunk{}
	case TypeStreamEnd:
		msg = &StreamEnd{}
	case TypeTCPConnect:
		msg = &TCPConnect{}
	case TypeTCPData:
		msg = &TCPData{}
	case TypeTCPClose:
		msg = &TCPClose{}
	case TypePing:
		msg = &Ping{}
	case TypePong:
		msg = &Pong{}
	default:
		return nil, &UnknownTypeError{TypeName: head.Type}
	}

	if err := json.Unmarshal(data, msg); err != nil {
		return nil, fmt.Errorf("decoding %s frame: %w", head.Type, err)
	}
	return msg, nil
}

// Encode serializes a message, filling in the type discriminator and a
// timestamp if the caller left them empty.
func Encode(m Message) ([]byte, error) {
	stamp(m)
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encoding %s frame: %w", m.MessageType(), err)
	}
	return data, nil
}

func stamp(m Message) {
	ts := Now()
	switch v := m.(type) {
	case *Auth:
		v.Type = TypeAuth
		if v.Timestamp == "" {
			v.Timestamp = ts
		}
	case *AuthOK:
		v.Type = TypeAuthOK
		if v.Timestamp == "" {
			v.Timestamp = ts
		}
	case *AuthError:
		v.Type = TypeAuthError
		if v.Timestamp == "" {
			v.Timestamp = ts
		}
	case *Request:
		v.Type = TypeRequest
		if v.Timestamp == "" {
			v.Timestamp = ts
		}
	case *Response:
		v.Type = TypeResponse
		if v.Timestamp == "" {
			v.Timestamp = ts
		}
	case *StreamStart:
		v.Type = TypeStreamStart
		if v.Timestamp == "" {
			v.Timestamp = ts
		}
	case *StreamChunk:
		v.Type = TypeStreamChunk
		if v.Timestamp == "" {
			v.Timestamp = ts
		}
	case *StreamEnd:
		v.Type = TypeStreamEnd
		if v.Timestamp == "" {
			v.Timestamp = ts
		}
	case *TCPConnect:
		v.Type = TypeTCPConnect
		if v.Timestamp == "" {
			v.Timestamp = ts
		}
	case *TCPData:
		v.Type = TypeTCPData
		if v.Timestamp == "" {
			v.Timestamp = ts
		}
	case *TCPClose:
		v.Type = TypeTCPClose
		if v.Timestamp == "" {
			v.Timestamp = ts
		}
	case *Ping:
		v.Type = TypePing
		if v.Timestamp == "" {
			v.Timestamp = ts
		}
	case *Pong:
		v.Type = TypePong
		if v.Timestamp == "" {
			v.Timestamp = ts
		}
	}
}

// EncodeBytes base64-encodes a TCP segment for transport inside a
// tcp_data frame.
func EncodeBytes(b []byte) string {
	return base64.StdEncoding.EncodeToString(b)
}

// DecodeBytes reverses EncodeBytes.
func DecodeBytes(s string) ([]byte, error) {
	return base64.StdEncoding.DecodeString(s)
}

// HeadersFromHTTP flattens an http.Header-shaped map, keeping the first
// value of each key.
func HeadersFromHTTP(h map[string][]string) map[string]string {
	result := make(map[string]string, len(h))
	for k, v := range h {
		if len(v) > 0 {
			result[k] = v[0]
		}
	}
	return result
}

package server

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/burrowhq/burrow/internal/protocol"
)

// ErrTunnelNotConnected is returned by the stream forwarder prelude.
var ErrTunnelNotConnected = errors.New("tunnel not connected")

// Stream is a lazy, finite, non-restartable sequence of stream frames.
// The first value is a StreamStart, then chunks, then exactly one
// StreamEnd; nothing follows the end.
type Stream struct {
	id      string
	entry   *pendingStream
	table   *PendingTable
	timeout time.Duration

	start    time.Time
	chunks   int
	finished bool
}

// ForwardStream injects one HTTP request and returns the reply as a
// stream. The caller must drain it to the end or call Close.
func (srv *Server) ForwardStream(ctx context.Context, domain, method, path string, headers map[string]string, body string, timeout time.Duration) (*Stream, error) {
	sess, ok := srv.registry.ByDomain(domain)
	if !ok {
		return nil, ErrTunnelNotConnected
	}
	if timeout <= 0 {
		timeout = srv.cfg.defaultTimeout()
	}

	id, entry, err := srv.pending.NewStream(sess.Token)
	if err != nil {
		return nil, err
	}

	req := &protocol.Request{
		ID:      id,
		Method:  method,
		Path:    path,
		Headers: headers,
		Body:    body,
		Timeout: timeout.Seconds(),
	}
	if err := sess.Send(req); err != nil {
		srv.pending.RemoveStream(id)
		return nil, err
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.store.IncrementRequests(ctx, sess.Token, 1); err != nil {
			srv.logger.Warn("request counter not updated", "domain", domain, "error", err)
		}
	}()

	return &Stream{
		id:      id,
		entry:   entry,
		table:   srv.pending,
		timeout: timeout,
		start:   time.Now(),
	}, nil
}

// Recv returns the next frame. The per-value timeout applies between
// consecutive frames, not to the whole stream. After the end frame
// (real or synthetic) it returns io.EOF.
func (s *Stream) Recv(ctx context.Context) (protocol.Message, error) {
	if s.finished {
		return nil, io.EOF
	}

	// Frames pushed before a session died are still worth delivering.
	select {
	case msg := <-s.entry.queue:
		return s.deliver(msg), nil
	default:
	}

	timer := time.NewTimer(s.timeout)
	defer timer.Stop()

	select {
	case msg := <-s.entry.queue:
		return s.deliver(msg), nil
	case <-s.entry.done:
		return s.syntheticEnd("session closed"), nil
	case <-timer.C:
		return s.syntheticEnd("stream timeout"), nil
	case <-ctx.Done():
		s.Close()
		return nil, ctx.Err()
	}
}

func (s *Stream) deliver(msg protocol.Message) protocol.Message {
	switch msg.(type) {
	case *protocol.StreamChunk:
		s.chunks++
	case *protocol.StreamEnd:
		s.finish()
	}
	return msg
}

func (s *Stream) syntheticEnd(reason string) *protocol.StreamEnd {
	end := &protocol.StreamEnd{
		ID:          s.id,
		Error:       reason,
		DurationMS:  time.Since(s.start).Milliseconds(),
		TotalChunks: s.chunks,
	}
	s.finish()
	return end
}

func (s *Stream) finish() {
	s.finished = true
	s.entry.finish()
	s.table.RemoveStream(s.id)
}

// Close abandons the stream and releases its entry. Idempotent; safe
// after the end frame as well.
func (s *Stream) Close() {
	if !s.finished {
		s.finish()
	}
}

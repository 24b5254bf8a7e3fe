package server

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/burrowhq/burrow/internal/protocol"
)

// ErrTooManyPending is returned when the pending tables are at capacity.
var ErrTooManyPending = errors.New("too many pending requests")

type unaryResult struct {
	resp *protocol.Response
	err  error
}

type pendingUnary struct {
	sessionToken string
	result       chan unaryResult // buffered, cap 1
	createdAt    time.Time
}

type pendingStream struct {
	id           string
	sessionToken string

	// queue carries start/chunk/end frames to the consumer. Pushing
	// blocks when full, which backpressures the session read loop.
	queue chan protocol.Message
	done  chan struct{}
	once  sync.Once

	// Guarded by the table mutex.
	started bool
	ended   bool
}

// finish wakes the consumer with end-of-stream. Idempotent.
func (p *pendingStream) finish() {
	p.once.Do(func() { close(p.done) })
}

type tcpResult struct {
	data []byte
	err  error
}

type pendingTCP struct {
	sessionToken string
	chunks       [][]byte
	result       chan tcpResult // buffered, cap 1
	createdAt    time.Time
}

// PendingTable holds the three correlation maps: unary requests,
// streams, and one-shot TCP dialogs. Entries are created by forwarders
// before sending and resolved by the session dispatcher.
type PendingTable struct {
	mu      sync.Mutex
	unary   map[string]*pendingUnary
	streams map[string]*pendingStream
	tcp     map[string]*pendingTCP

	max       int
	queueSize int
	logger    *slog.Logger
}

func NewPendingTable(max, streamQueueSize int, logger *slog.Logger) *PendingTable {
	return &PendingTable{
		unary:     make(map[string]*pendingUnary),
		streams:   make(map[string]*pendingStream),
		tcp:       make(map[string]*pendingTCP),
		max:       max,
		queueSize: streamQueueSize,
		logger:    logger,
	}
}

func (t *PendingTable) total() int {
	return len(t.unary) + len(t.streams) + len(t.tcp)
}

// Len returns the number of live entries across all three tables.
func (t *PendingTable) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.total()
}

// NewUnary registers a unary entry and returns its request id.
func (t *PendingTable) NewUnary(sessionToken string) (string, *pendingUnary, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.total() >= t.max {
		return "", nil, ErrTooManyPending
	}
	id := uuid.NewString()
	entry := &pendingUnary{
		sessionToken: sessionToken,
		result:       make(chan unaryResult, 1),
		createdAt:    time.Now(),
	}
	t.unary[id] = entry
	return id, entry, nil
}

// ResolveUnary delivers a response to the matching entry. The entry is
// removed under the lock, so exactly one resolution wins.
func (t *PendingTable) ResolveUnary(id string, resp *protocol.Response) bool {
	t.mu.Lock()
	entry, ok := t.unary[id]
	if ok {
		delete(t.unary, id)
	}
	t.mu.Unlock()
	if !ok {
		return false
	}
	entry.result <- unaryResult{resp: resp}
	return true
}

// CancelUnary drops an unresolved entry (timeout or caller gone).
func (t *PendingTable) CancelUnary(id string) {
	t.mu.Lock()
	delete(t.unary, id)
	t.mu.Unlock()
}

// NewStream registers a stream entry and returns its request id.
func (t *PendingTable) NewStream(sessionToken string) (string, *pendingStream, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.total() >= t.max {
		return "", nil, ErrTooManyPending
	}
	id := uuid.NewString()
	entry := &pendingStream{
		id:           id,
		sessionToken: sessionToken,
		queue:        make(chan protocol.Message, t.queueSize),
		done:         make(chan struct{}),
	}
	t.streams[id] = entry
	return id, entry, nil
}

// PushStream delivers one stream frame. Frame ordering is enforced
// here: start first, no chunk after end. Mis-ordered frames are
// dropped with a warning. The push blocks when the consumer is slow,
// which stalls the session read loop and lets WebSocket flow control
// push back on the client.
func (t *PendingTable) PushStream(sess *Session, msg protocol.Message) {
	var id string
	switch m := msg.(type) {
	case *protocol.StreamStart:
		id = m.ID
	case *protocol.StreamChunk:
		id = m.ID
	case *protocol.StreamEnd:
		id = m.ID
	default:
		return
	}

	t.mu.Lock()
	entry, ok := t.streams[id]
	if !ok {
		t.mu.Unlock()
		t.logger.Warn("stream frame for unknown request", "id", id, "type", msg.MessageType())
		return
	}

	switch msg.(type) {
	case *protocol.StreamStart:
		if entry.started {
			t.mu.Unlock()
			t.logger.Warn("duplicate stream_start dropped", "id", id)
			return
		}
		entry.started = true
	case *protocol.StreamChunk:
		if !entry.started || entry.ended {
			t.mu.Unlock()
			t.logger.Warn("mis-ordered stream_chunk dropped", "id", id)
			return
		}
	case *protocol.StreamEnd:
		if entry.ended {
			t.mu.Unlock()
			t.logger.Warn("duplicate stream_end dropped", "id", id)
			return
		}
		entry.ended = true
	}
	t.mu.Unlock()

	select {
	case entry.queue <- msg:
	case <-entry.done:
	case <-sess.closed:
	}
}

// RemoveStream drops the entry after the consumer is finished with it.
func (t *PendingTable) RemoveStream(id string) {
	t.mu.Lock()
	delete(t.streams, id)
	t.mu.Unlock()
}

// NewTCP registers a one-shot TCP entry and returns its conn id.
func (t *PendingTable) NewTCP(sessionToken string) (string, *pendingTCP, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.total() >= t.max {
		return "", nil, ErrTooManyPending
	}
	connID := uuid.NewString()
	entry := &pendingTCP{
		sessionToken: sessionToken,
		result:       make(chan tcpResult, 1),
		createdAt:    time.Now(),
	}
	t.tcp[connID] = entry
	return connID, entry, nil
}

// AppendTCPData accumulates one reply segment. Returns false when the
// conn id is not a pending one-shot dialog.
func (t *PendingTable) AppendTCPData(connID string, data []byte) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	entry, ok := t.tcp[connID]
	if !ok {
		return false
	}
	entry.chunks = append(entry.chunks, data)
	return true
}

// ResolveTCP fires the entry's resolver with the accumulated bytes.
func (t *PendingTable) ResolveTCP(connID, errText string) bool {
	t.mu.Lock()
	entry, ok := t.tcp[connID]
	if ok {
		delete(t.tcp, connID)
	}
	t.mu.Unlock()
	if !ok {
		return false
	}

	var joined []byte
	for _, chunk := range entry.chunks {
		joined = append(joined, chunk...)
	}
	res := tcpResult{data: joined}
	if errText != "" {
		res.err = errors.New(errText)
	}
	entry.result <- res
	return true
}

// CancelTCP drops an unresolved entry.
func (t *PendingTable) CancelTCP(connID string) {
	t.mu.Lock()
	delete(t.tcp, connID)
	t.mu.Unlock()
}

// FailAll resolves every entry bound to the dead session: unary and
// TCP entries get a "session closed" error, stream consumers wake on
// end-of-stream. Entries of other sessions are untouched.
func (t *PendingTable) FailAll(sessionToken string) {
	var failedUnary []*pendingUnary
	var failedStreams []*pendingStream
	var failedTCP []*pendingTCP

	t.mu.Lock()
	for id, entry := range t.unary {
		if entry.sessionToken == sessionToken {
			delete(t.unary, id)
			failedUnary = append(failedUnary, entry)
		}
	}
	for id, entry := range t.streams {
		if entry.sessionToken == sessionToken {
			delete(t.streams, id)
			failedStreams = append(failedStreams, entry)
		}
	}
	for id, entry := range t.tcp {
		if entry.sessionToken == sessionToken {
			delete(t.tcp, id)
			failedTCP = append(failedTCP, entry)
		}
	}
	t.mu.Unlock()

	for _, entry := range failedUnary {
		entry.result <- unaryResult{err: ErrSessionClosed}
	}
	for _, entry := range failedStreams {
		entry.finish()
	}
	for _, entry := range failedTCP {
		entry.result <- tcpResult{err: ErrSessionClosed}
	}

	if n := len(failedUnary) + len(failedStreams) + len(failedTCP); n > 0 {
		t.logger.Info("failed pending entries for dead session", "count", n)
	}
}

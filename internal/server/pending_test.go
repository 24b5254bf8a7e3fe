package server

import (
	"errors"
	"testing"
	"time"

	"github.com/burrowhq/burrow/internal/protocol"
)

func newTestTable() *PendingTable {
	return NewPendingTable(100, 8, testLogger())
}

func TestUnaryResolveExactlyOnce(t *testing.T) {
	table := newTestTable()
	id, entry, err := table.NewUnary("tun_A")
	if err != nil {
		t.Fatalf("new unary: %v", err)
	}

	if !table.ResolveUnary(id, &protocol.Response{ID: id, Status: 200}) {
		t.Fatal("first resolve failed")
	}
	if table.ResolveUnary(id, &protocol.Response{ID: id, Status: 500}) {
		t.Fatal("second resolve succeeded")
	}
	if table.Len() != 0 {
		t.Errorf("Len = %d, want 0", table.Len())
	}

	res := <-entry.result
	if res.err != nil || res.resp.Status != 200 {
		t.Errorf("result = %+v, want status 200", res)
	}
}

func TestUnaryCancelRemovesEntry(t *testing.T) {
	table := newTestTable()
	id, _, _ := table.NewUnary("tun_A")
	table.CancelUnary(id)
	if table.Len() != 0 {
		t.Errorf("Len = %d, want 0", table.Len())
	}
	if table.ResolveUnary(id, &protocol.Response{ID: id}) {
		t.Error("resolve succeeded after cancel")
	}
}

func TestPendingCapacity(t *testing.T) {
	table := NewPendingTable(2, 8, testLogger())
	if _, _, err := table.NewUnary("tun_A"); err != nil {
		t.Fatalf("first: %v", err)
	}
	if _, _, err := table.NewStream("tun_A"); err != nil {
		t.Fatalf("second: %v", err)
	}
	if _, _, err := table.NewTCP("tun_A"); !errors.Is(err, ErrTooManyPending) {
		t.Errorf("third err = %v, want ErrTooManyPending", err)
	}
}

func TestStreamOrderingEnforced(t *testing.T) {
	table := newTestTable()
	sess := newTestSession("demo", "tun_A", "http")
	id, entry, _ := table.NewStream("tun_A")

	// A chunk before start is dropped.
	table.PushStream(sess, &protocol.StreamChunk{ID: id, Data: "early"})
	select {
	case msg := <-entry.queue:
		t.Fatalf("mis-ordered chunk delivered: %v", msg)
	default:
	}

	table.PushStream(sess, &protocol.StreamStart{ID: id, Status: 200})
	table.PushStream(sess, &protocol.StreamChunk{ID: id, Data: "a", Sequence: 0})
	table.PushStream(sess, &protocol.StreamEnd{ID: id})
	// Nothing after end.
	table.PushStream(sess, &protocol.StreamChunk{ID: id, Data: "late", Sequence: 1})

	types := []string{}
	for i := 0; i < 3; i++ {
		msg := <-entry.queue
		types = append(types, msg.MessageType())
	}
	want := []string{protocol.TypeStreamStart, protocol.TypeStreamChunk, protocol.TypeStreamEnd}
	for i := range want {
		if types[i] != want[i] {
			t.Errorf("frame %d = %s, want %s", i, types[i], want[i])
		}
	}
	select {
	case msg := <-entry.queue:
		t.Errorf("frame after end delivered: %v", msg)
	default:
	}
}

func TestStreamPushForUnknownIDIsDropped(t *testing.T) {
	table := newTestTable()
	sess := newTestSession("demo", "tun_A", "http")
	// Must not panic or block.
	table.PushStream(sess, &protocol.StreamChunk{ID: "ghost", Data: "x"})
}

func TestStreamPushUnblocksOnFinish(t *testing.T) {
	table := NewPendingTable(100, 1, testLogger())
	sess := newTestSession("demo", "tun_A", "http")
	id, entry, _ := table.NewStream("tun_A")

	table.PushStream(sess, &protocol.StreamStart{ID: id, Status: 200})

	// Queue is full now; the next push blocks until the consumer
	// abandons the stream.
	pushed := make(chan struct{})
	go func() {
		table.PushStream(sess, &protocol.StreamChunk{ID: id, Data: "a"})
		close(pushed)
	}()

	select {
	case <-pushed:
		t.Fatal("push did not block on a full queue")
	case <-time.After(50 * time.Millisecond):
	}

	entry.finish()
	select {
	case <-pushed:
	case <-time.After(time.Second):
		t.Fatal("push still blocked after finish")
	}
}

func TestTCPAccumulateAndResolve(t *testing.T) {
	table := newTestTable()
	connID, entry, err := table.NewTCP("tun_A")
	if err != nil {
		t.Fatalf("new tcp: %v", err)
	}

	if !table.AppendTCPData(connID, []byte("hel")) {
		t.Fatal("first append failed")
	}
	if !table.AppendTCPData(connID, []byte("lo")) {
		t.Fatal("second append failed")
	}
	if table.AppendTCPData("ghost", []byte("x")) {
		t.Error("append for unknown conn succeeded")
	}

	if !table.ResolveTCP(connID, "") {
		t.Fatal("resolve failed")
	}
	res := <-entry.result
	if res.err != nil {
		t.Fatalf("result err = %v", res.err)
	}
	if string(res.data) != "hello" {
		t.Errorf("data = %q, want hello", res.data)
	}
	if table.Len() != 0 {
		t.Errorf("Len = %d, want 0", table.Len())
	}
}

func TestTCPResolveWithError(t *testing.T) {
	table := newTestTable()
	connID, entry, _ := table.NewTCP("tun_A")
	table.ResolveTCP(connID, "connection refused")
	res := <-entry.result
	if res.err == nil || res.err.Error() != "connection refused" {
		t.Errorf("err = %v, want connection refused", res.err)
	}
}

func TestFailAllScopedToSession(t *testing.T) {
	table := newTestTable()

	_, unaryA, _ := table.NewUnary("tun_A")
	_, unaryB, _ := table.NewUnary("tun_B")
	_, streamA, _ := table.NewStream("tun_A")
	_, tcpA, _ := table.NewTCP("tun_A")

	table.FailAll("tun_A")

	res := <-unaryA.result
	if !errors.Is(res.err, ErrSessionClosed) {
		t.Errorf("unary err = %v, want ErrSessionClosed", res.err)
	}
	select {
	case <-streamA.done:
	default:
		t.Error("stream consumer not woken")
	}
	tcpRes := <-tcpA.result
	if !errors.Is(tcpRes.err, ErrSessionClosed) {
		t.Errorf("tcp err = %v, want ErrSessionClosed", tcpRes.err)
	}

	// The other session's entry survives.
	if table.Len() != 1 {
		t.Errorf("Len = %d, want 1", table.Len())
	}
	select {
	case res := <-unaryB.result:
		t.Errorf("unrelated entry resolved: %+v", res)
	default:
	}
}

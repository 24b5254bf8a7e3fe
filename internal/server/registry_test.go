package server

import (
	"sync"
	"testing"
	"time"
)

func newTestRegistry() *Registry {
	return NewRegistry(90*time.Second, testLogger())
}

func TestRegistryRegisterAndLookup(t *testing.T) {
	r := newTestRegistry()
	sess := newTestSession("demo", "tun_A", "http")

	if ok, reason := r.Register(sess, false); !ok {
		t.Fatalf("register rejected: %s", reason)
	}
	if r.Len() != 1 {
		t.Errorf("Len = %d, want 1", r.Len())
	}

	byDomain, ok := r.ByDomain("demo")
	if !ok || byDomain != sess {
		t.Error("ByDomain does not return the registered session")
	}
	byToken, ok := r.ByToken("tun_A")
	if !ok || byToken != sess {
		t.Error("ByToken does not return the registered session")
	}
	if !r.IsConnected("demo") {
		t.Error("IsConnected(demo) = false")
	}
	if r.IsConnected("other") {
		t.Error("IsConnected(other) = true")
	}

	r.Unregister(sess)
	if r.Len() != 0 {
		t.Errorf("Len after unregister = %d, want 0", r.Len())
	}
	if _, ok := r.ByDomain("demo"); ok {
		t.Error("ByDomain still resolves after unregister")
	}
}

func TestRegistryRejectsSecondHealthySession(t *testing.T) {
	r := newTestRegistry()
	first := newTestSession("demo", "tun_A", "http")
	if ok, _ := r.Register(first, false); !ok {
		t.Fatal("first register rejected")
	}

	second := newTestSession("demo", "tun_A", "http")
	ok, reason := r.Register(second, false)
	if ok {
		t.Fatal("second register accepted against a healthy session")
	}
	if reason != "active session exists" {
		t.Errorf("reason = %q, want %q", reason, "active session exists")
	}
	if current, _ := r.ByToken("tun_A"); current != first {
		t.Error("first session no longer registered")
	}
	if first.Closed() {
		t.Error("first session was closed by rejected register")
	}
}

func TestRegistryForceReplacesSession(t *testing.T) {
	r := newTestRegistry()
	first := newTestSession("demo", "tun_A", "http")
	r.Register(first, false)

	second := newTestSession("demo", "tun_A", "http")
	if ok, reason := r.Register(second, true); !ok {
		t.Fatalf("forced register rejected: %s", reason)
	}
	if !first.Closed() {
		t.Error("replaced session not closed")
	}
	if current, _ := r.ByToken("tun_A"); current != second {
		t.Error("forced session is not the registered one")
	}
	if r.Len() != 1 {
		t.Errorf("Len = %d, want 1", r.Len())
	}
}

func TestRegistryReplacesStaleSession(t *testing.T) {
	r := NewRegistry(50*time.Millisecond, testLogger())
	first := newTestSession("demo", "tun_A", "http")
	r.Register(first, false)

	time.Sleep(80 * time.Millisecond)

	second := newTestSession("demo", "tun_A", "http")
	if ok, reason := r.Register(second, false); !ok {
		t.Fatalf("register against stale session rejected: %s", reason)
	}
	if !first.Closed() {
		t.Error("stale session not closed")
	}
}

func TestRegistryConcurrentForceKeepsOneLiveSession(t *testing.T) {
	for i := 0; i < 200; i++ {
		r := newTestRegistry()
		old := newTestSession("demo", "tun_A", "http")
		r.Register(old, false)

		s1 := newTestSession("demo", "tun_A", "http")
		s2 := newTestSession("demo", "tun_A", "http")

		var wg sync.WaitGroup
		for _, s := range []*Session{s1, s2} {
			wg.Add(1)
			go func(s *Session) {
				defer wg.Done()
				r.Register(s, true)
			}(s)
		}
		wg.Wait()

		winner, ok := r.ByToken("tun_A")
		if !ok {
			t.Fatal("no session registered after concurrent forced registers")
		}
		if winner != s1 && winner != s2 {
			t.Fatal("registered session is not one of the racers")
		}
		if winner.Closed() {
			t.Fatal("registered session was closed")
		}
		loser := s1
		if winner == s1 {
			loser = s2
		}
		if !loser.Closed() {
			t.Fatal("losing session left open but unreachable")
		}
		if !old.Closed() {
			t.Fatal("preempted session left open")
		}
	}
}

func TestRegistryUnregisterKeepsReplacement(t *testing.T) {
	r := newTestRegistry()
	first := newTestSession("demo", "tun_A", "http")
	r.Register(first, false)

	second := newTestSession("demo", "tun_A", "http")
	r.Register(second, true)

	// The preempted session's deferred cleanup fires late.
	r.Unregister(first)

	if current, ok := r.ByToken("tun_A"); !ok || current != second {
		t.Error("replacement was evicted by the old session's unregister")
	}
}

func TestRegistryConnectedDomains(t *testing.T) {
	r := newTestRegistry()
	r.Register(newTestSession("beta", "tun_B", "http"), false)
	r.Register(newTestSession("alpha", "tun_A", "http"), false)

	domains := r.ConnectedDomains()
	if len(domains) != 2 || domains[0] != "alpha" || domains[1] != "beta" {
		t.Errorf("ConnectedDomains = %v, want [alpha beta]", domains)
	}
}

func TestRegistryTouchHeartbeat(t *testing.T) {
	r := NewRegistry(50*time.Millisecond, testLogger())
	sess := newTestSession("demo", "tun_A", "http")
	r.Register(sess, false)

	time.Sleep(30 * time.Millisecond)
	r.TouchHeartbeat("tun_A")
	time.Sleep(30 * time.Millisecond)

	if !sess.Healthy(50 * time.Millisecond) {
		t.Error("session unhealthy despite recent heartbeat")
	}
}

package server

import (
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Registry indexes live sessions by token and by domain. All operations
// hold one mutex; the critical sections are map lookups only.
type Registry struct {
	mu       sync.Mutex
	byToken  map[string]*Session
	byDomain map[string]string // domain -> token

	heartbeatTimeout time.Duration
	logger           *slog.Logger
}

func NewRegistry(heartbeatTimeout time.Duration, logger *slog.Logger) *Registry {
	return &Registry{
		byToken:          make(map[string]*Session),
		byDomain:         make(map[string]string),
		heartbeatTimeout: heartbeatTimeout,
		logger:           logger,
	}
}

// Register installs a session, applying the preemption policy when the
// token already has one: a healthy session survives unless force is
// set; an unhealthy one is closed as stale.
func (r *Registry) Register(sess *Session, force bool) (bool, string) {
	r.mu.Lock()

	for {
		old, ok := r.byToken[sess.Token]
		if !ok {
			break
		}
		if old.Healthy(r.heartbeatTimeout) && !force {
			r.mu.Unlock()
			return false, "active session exists"
		}
		reason := "stale"
		if force {
			reason = "replaced"
		}
		delete(r.byToken, old.Token)
		delete(r.byDomain, old.Domain)
		r.mu.Unlock()

		r.logger.Info("preempting session", "domain", old.Domain, "reason", reason)
		old.Close(websocket.CloseNormalClosure, reason)

		r.mu.Lock()
		// A concurrent registration for the same token may have
		// installed itself while the old session was closing;
		// re-check before taking the slot.
	}

	r.byToken[sess.Token] = sess
	r.byDomain[sess.Domain] = sess.Token
	r.mu.Unlock()
	return true, ""
}

// Unregister removes the session if it is still the registered one for
// its token. A preempted session's deferred unregister must not evict
// its replacement.
func (r *Registry) Unregister(sess *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if current, ok := r.byToken[sess.Token]; ok && current == sess {
		delete(r.byToken, sess.Token)
		delete(r.byDomain, sess.Domain)
	}
}

// ByDomain returns the live session for a domain.
func (r *Registry) ByDomain(domain string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	token, ok := r.byDomain[domain]
	if !ok {
		return nil, false
	}
	sess, ok := r.byToken[token]
	return sess, ok
}

// ByToken returns the live session for a token.
func (r *Registry) ByToken(token string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sess, ok := r.byToken[token]
	return sess, ok
}

// IsConnected reports whether a domain has a live session.
func (r *Registry) IsConnected(domain string) bool {
	_, ok := r.ByDomain(domain)
	return ok
}

// ConnectedDomains lists connected domains in stable order.
func (r *Registry) ConnectedDomains() []string {
	r.mu.Lock()
	domains := make([]string, 0, len(r.byDomain))
	for domain := range r.byDomain {
		domains = append(domains, domain)
	}
	r.mu.Unlock()
	sort.Strings(domains)
	return domains
}

// TouchHeartbeat records a pong for the token's session.
func (r *Registry) TouchHeartbeat(token string) {
	if sess, ok := r.ByToken(token); ok {
		sess.touchHeartbeat()
	}
}

// Len returns the number of live sessions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.byToken)
}

// Package registry maps verified user identities to their live transport
// session and keeps a per-identity cache of known relationships used as a
// fan-out pre-filter.
package registry

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/pulselink/backend/internal/repositories"
)

// Transport is the delivery surface of one live connection. The gateway's
// websocket client implements it.
type Transport interface {
	// Deliver sends one named event with its payload to the client.
	Deliver(event string, payload any) error
	// Close tears the connection down. Safe to call more than once.
	Close(reason string)
}

// Session represents one live transport connection for a verified identity.
type Session struct {
	UserID      string
	DisplayName string
	Transport   Transport
	ConnectedAt time.Time
}

// DisconnectHook is invoked after an identity's session has been removed.
// Hooks run outside the registry lock.
type DisconnectHook func(userID string)

// Registry owns the identity→session table and the contact caches. All
// access goes through its methods; register/unregister are the only
// mutation points.
type Registry struct {
	relationships repositories.RelationshipStore
	logger        *slog.Logger

	mu       sync.RWMutex
	sessions map[string]*Session
	contacts map[string]map[string]struct{}

	hookMu sync.RWMutex
	hooks  []DisconnectHook
}

// New constructs an empty registry backed by the given relationship store.
func New(relationships repositories.RelationshipStore, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		relationships: relationships,
		logger:        logger,
		sessions:      make(map[string]*Session),
		contacts:      make(map[string]map[string]struct{}),
	}
}

// OnDisconnect registers a hook fired whenever a session is actually removed.
// Replacement of a session by a newer connection does not fire hooks; the
// identity stays connected.
func (r *Registry) OnDisconnect(fn DisconnectHook) {
	r.hookMu.Lock()
	r.hooks = append(r.hooks, fn)
	r.hookMu.Unlock()
}

// Register installs the session for its identity, replacing any existing
// mapping (last writer wins). The superseded transport is force-closed so no
// orphaned connection retains registry references. The contact cache is
// populated best-effort; a store failure leaves it empty rather than
// blocking registration.
func (r *Registry) Register(ctx context.Context, session *Session) {
	cache := make(map[string]struct{})
	ids, err := r.relationships.ContactIDs(ctx, session.UserID)
	if err != nil {
		r.logger.Warn("contact cache population failed", "user_id", session.UserID, "error", err)
	} else {
		for _, id := range ids {
			cache[id] = struct{}{}
		}
	}

	r.mu.Lock()
	previous := r.sessions[session.UserID]
	r.sessions[session.UserID] = session
	r.contacts[session.UserID] = cache
	r.mu.Unlock()

	if previous != nil && previous.Transport != nil {
		previous.Transport.Close("superseded by newer connection")
		r.logger.Info("session replaced", "user_id", session.UserID)
	}
}

// Lookup returns the live session for the identity, if any.
func (r *Registry) Lookup(userID string) (*Session, bool) {
	r.mu.RLock()
	session, ok := r.sessions[userID]
	r.mu.RUnlock()
	return session, ok
}

// Unregister removes the identity's session and contact cache. Idempotent.
// When session is non-nil the removal only happens if it is still the
// registered one, so the teardown of a replaced connection cannot evict its
// successor. Returns whether a session was removed.
func (r *Registry) Unregister(ctx context.Context, userID string, session *Session) bool {
	r.mu.Lock()
	current, ok := r.sessions[userID]
	if !ok || (session != nil && current != session) {
		r.mu.Unlock()
		return false
	}
	delete(r.sessions, userID)
	delete(r.contacts, userID)
	r.mu.Unlock()

	r.hookMu.RLock()
	hooks := make([]DisconnectHook, len(r.hooks))
	copy(hooks, r.hooks)
	r.hookMu.RUnlock()
	for _, fn := range hooks {
		fn(userID)
	}

	return true
}

// RefreshContacts re-queries the relationship store and replaces the cached
// set for a connected identity. No-op for identities with no live session.
func (r *Registry) RefreshContacts(ctx context.Context, userID string) error {
	ids, err := r.relationships.ContactIDs(ctx, userID)
	if err != nil {
		return err
	}

	cache := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		cache[id] = struct{}{}
	}

	r.mu.Lock()
	if _, ok := r.sessions[userID]; ok {
		r.contacts[userID] = cache
	}
	r.mu.Unlock()
	return nil
}

// IdentitiesCaching returns every currently-connected identity whose contact
// cache contains subjectID. This is the cache-derived half of a broadcast
// candidate set; the relationship store remains the ground truth.
func (r *Registry) IdentitiesCaching(subjectID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []string
	for userID, cache := range r.contacts {
		if _, ok := cache[subjectID]; ok {
			out = append(out, userID)
		}
	}
	return out
}

// ConnectedIDs returns the identities with a live session.
func (r *Registry) ConnectedIDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]string, 0, len(r.sessions))
	for id := range r.sessions {
		ids = append(ids, id)
	}
	return ids
}

// Count returns the number of live sessions.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// CloseAll force-closes every live session. Used during shutdown.
func (r *Registry) CloseAll(reason string) {
	r.mu.Lock()
	sessions := r.sessions
	r.sessions = make(map[string]*Session)
	r.contacts = make(map[string]map[string]struct{})
	r.mu.Unlock()

	for _, session := range sessions {
		if session.Transport != nil {
			session.Transport.Close(reason)
		}
	}
}

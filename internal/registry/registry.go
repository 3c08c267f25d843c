// ABOUTME: In-memory bidirectional index between conversations and subscriber connections
// ABOUTME: Single mutex guards both maps; held only for map edits, never across I/O

package registry

import (
	"log/slog"
	"sync"
	"time"
)

// Session is a read-only snapshot of one conversation's state.
// The registry owns the live session objects; callers only ever see copies.
type Session struct {
	ConvID       string
	UserID       string
	Subscribers  []string
	AgentUIDs    []string
	CreatedAt    time.Time
	LastActivity time.Time
}

// session is the registry-internal mutable form.
type session struct {
	convID       string
	userID       string
	subscribers  map[string]struct{}
	agentUIDs    []string
	createdAt    time.Time
	lastActivity time.Time
}

func (s *session) snapshot() Session {
	subs := make([]string, 0, len(s.subscribers))
	for id := range s.subscribers {
		subs = append(subs, id)
	}
	uids := make([]string, len(s.agentUIDs))
	copy(uids, s.agentUIDs)
	return Session{
		ConvID:       s.convID,
		UserID:       s.userID,
		Subscribers:  subs,
		AgentUIDs:    uids,
		CreatedAt:    s.createdAt,
		LastActivity: s.lastActivity,
	}
}

// Registry tracks which connections belong to which conversation.
// A conversation exists iff at least one connection is joined to it; the
// last leave removes the conversation and its reverse-index entries in the
// same critical section.
type Registry struct {
	mu         sync.Mutex
	sessions   map[string]*session
	connToConv map[string]string
	logger     *slog.Logger
}

// New creates an empty registry. Pass nil logger for default.
func New(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		sessions:   make(map[string]*session),
		connToConv: make(map[string]string),
		logger:     logger.With("component", "registry"),
	}
}

// Join attaches a connection to a conversation, creating the conversation on
// first join. A non-empty agentUIDs list replaces the stored list; an empty
// one leaves it untouched. Joining is idempotent for an already-attached
// connection and always refreshes last activity.
func (r *Registry) Join(convID, userID, connID string, agentUIDs []string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()

	sess, ok := r.sessions[convID]
	if ok {
		sess.subscribers[connID] = struct{}{}
		sess.lastActivity = now
		if len(agentUIDs) > 0 {
			sess.agentUIDs = append([]string(nil), agentUIDs...)
		}
	} else {
		sess = &session{
			convID:       convID,
			userID:       userID,
			subscribers:  map[string]struct{}{connID: {}},
			agentUIDs:    append([]string(nil), agentUIDs...),
			createdAt:    now,
			lastActivity: now,
		}
		r.sessions[convID] = sess
	}

	r.connToConv[connID] = convID

	r.logger.Info("connection joined conversation",
		"conv_id", convID,
		"user_id", userID,
		"conn_id", connID,
		"subscribers", len(sess.subscribers))
	return true
}

// Leave detaches a connection from its conversation. Returns false if the
// connection is not indexed. The last subscriber leaving deletes the
// conversation.
func (r *Registry) Leave(connID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	convID, ok := r.connToConv[connID]
	if !ok {
		return false
	}

	if sess, exists := r.sessions[convID]; exists {
		delete(sess.subscribers, connID)
		sess.lastActivity = time.Now()

		if len(sess.subscribers) == 0 {
			delete(r.sessions, convID)
			r.logger.Info("conversation ended, no more subscribers", "conv_id", convID)
		}
	}

	delete(r.connToConv, connID)

	r.logger.Debug("connection left conversation",
		"conv_id", convID,
		"conn_id", connID)
	return true
}

// ConversationFor returns the conversation a connection is joined to.
func (r *Registry) ConversationFor(connID string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	convID, ok := r.connToConv[connID]
	return convID, ok
}

// Get returns a snapshot of the conversation, if it exists.
func (r *Registry) Get(convID string) (Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	sess, ok := r.sessions[convID]
	if !ok {
		return Session{}, false
	}
	return sess.snapshot(), true
}

// ListAll returns snapshots of every registered conversation.
func (r *Registry) ListAll() []Session {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]Session, 0, len(r.sessions))
	for _, sess := range r.sessions {
		out = append(out, sess.snapshot())
	}
	return out
}

// Touch refreshes a conversation's last activity and returns a snapshot of
// its subscriber connection IDs. Returns ok=false if the conversation is not
// registered. Used by the broadcaster so delivery happens outside the lock.
func (r *Registry) Touch(convID string) ([]string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	sess, ok := r.sessions[convID]
	if !ok {
		return nil, false
	}
	sess.lastActivity = time.Now()

	subs := make([]string, 0, len(sess.subscribers))
	for id := range sess.subscribers {
		subs = append(subs, id)
	}
	return subs, true
}

// Sweep evicts every conversation whose last activity is older than
// maxIdle, removing its reverse-index entries in the same critical section.
// Returns the number of conversations evicted.
func (r *Registry) Sweep(maxIdle time.Duration) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	evicted := 0
	for convID, sess := range r.sessions {
		if now.Sub(sess.lastActivity) <= maxIdle {
			continue
		}
		for connID := range sess.subscribers {
			delete(r.connToConv, connID)
		}
		delete(r.sessions, convID)
		evicted++
		r.logger.Info("evicted idle conversation", "conv_id", convID)
	}
	return evicted
}

// File: internal/session/registry.go
package session

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/xkilldash9x/taskpilot/api/schemas"
	"github.com/xkilldash9x/taskpilot/internal/config"
)

// Session is one caller's conversation scope. All mutation goes through the
// registry, which serializes writes per session; the history is append-only
// up to the configured retention cap.
type Session struct {
	ID string

	mu         sync.Mutex
	history    []schemas.Message
	lastActive time.Time
	// activeTasks counts in-flight tasks bound to this session. A session
	// with a nonzero count is never evicted.
	activeTasks int
}

// Registry maps session ids to their histories and active-task counts,
// isolating concurrent users from each other. An optional janitor goroutine
// evicts idle sessions past the configured TTL.
type Registry struct {
	cfg    config.SessionConfig
	logger *zap.Logger
	clock  func() time.Time

	mu       sync.RWMutex
	sessions map[string]*Session

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

// NewRegistry creates a registry. Call StartJanitor to enable TTL eviction.
func NewRegistry(cfg config.SessionConfig, logger *zap.Logger) *Registry {
	return &Registry{
		cfg:      cfg,
		logger:   logger.Named("session_registry"),
		clock:    time.Now,
		sessions: make(map[string]*Session),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// CreateOrGet resolves the session for id, creating it on first use. An
// empty id asks for a fresh session with a generated id.
func (r *Registry) CreateOrGet(id string) *Session {
	r.mu.Lock()
	defer r.mu.Unlock()

	if id == "" {
		id = uuid.NewString()
	} else if s, ok := r.sessions[id]; ok {
		return s
	}
	s := &Session{ID: id, lastActive: r.clock()}
	r.sessions[id] = s
	r.logger.Debug("Session created", zap.String("session_id", id))
	return s
}

// Lookup returns the session for id or ErrSessionNotFound.
func (r *Registry) Lookup(id string) (*Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	if !ok {
		return nil, schemas.ErrSessionNotFound
	}
	return s, nil
}

// Append records a message on the session's history. Writes under the same
// session are serialized; concurrent tasks may append safely.
func (r *Registry) Append(id string, role schemas.MessageRole, text string) error {
	s, err := r.Lookup(id)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.history = append(s.history, schemas.Message{
		Role:      role,
		Text:      text,
		Timestamp: r.clock().UTC(),
	})
	if limit := r.cfg.HistoryLimit; limit > 0 && len(s.history) > limit {
		// Drop the oldest entries; recent context is what matters.
		s.history = append(s.history[:0:0], s.history[len(s.history)-limit:]...)
	}
	s.lastActive = r.clock()
	return nil
}

// History returns up to limit most recent messages (all when limit <= 0).
// The returned slice is a copy; readers never observe later appends.
func (r *Registry) History(id string, limit int) ([]schemas.Message, error) {
	s, err := r.Lookup(id)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	msgs := s.history
	if limit > 0 && len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	out := make([]schemas.Message, len(msgs))
	copy(out, msgs)
	return out, nil
}

// Clear drops the session's history but keeps the session itself alive.
func (r *Registry) Clear(id string) error {
	s, err := r.Lookup(id)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.history = nil
	s.lastActive = r.clock()
	return nil
}

// Retain marks the start of a task bound to the session, pinning it against
// eviction until the matching Release.
func (r *Registry) Retain(id string) error {
	s, err := r.Lookup(id)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.activeTasks++
	s.lastActive = r.clock()
	return nil
}

// Release marks the end of a task bound to the session.
func (r *Registry) Release(id string) {
	s, err := r.Lookup(id)
	if err != nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.activeTasks > 0 {
		s.activeTasks--
	}
	s.lastActive = r.clock()
}

// StartJanitor launches the background eviction loop. It stops when ctx is
// cancelled or Close is called.
func (r *Registry) StartJanitor(ctx context.Context) {
	interval := r.cfg.SweepInterval
	if interval <= 0 {
		interval = time.Minute
	}

	go func() {
		defer close(r.done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-r.stop:
				return
			case <-ticker.C:
				r.sweep()
			}
		}
	}()
}

// Close stops the janitor. Safe to call multiple times.
func (r *Registry) Close() {
	r.stopOnce.Do(func() { close(r.stop) })
}

// sweep evicts sessions idle past the TTL. Sessions with in-flight tasks are
// skipped; the Retain refcount makes the "never race an active task" rule
// structural rather than best-effort.
func (r *Registry) sweep() {
	cutoff := r.clock().Add(-r.cfg.IdleTTL)

	r.mu.Lock()
	defer r.mu.Unlock()
	for id, s := range r.sessions {
		s.mu.Lock()
		idle := s.activeTasks == 0 && s.lastActive.Before(cutoff)
		s.mu.Unlock()
		if idle {
			delete(r.sessions, id)
			r.logger.Info("Evicted idle session", zap.String("session_id", id))
		}
	}
}

// Len reports the number of live sessions. Used by tests and the health probe.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

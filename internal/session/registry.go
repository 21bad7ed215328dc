package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrIdleTimeout is the close reason for sessions reaped after staying idle
// past the configured timeout.
var ErrIdleTimeout = errors.New("session idle timeout")

// Registry is the process-wide table of live sessions, the only state shared
// across them. It is mutated on create and destroy, and sweeps idle sessions
// to bound resource use under many concurrent tenants.
type Registry struct {
	mu       sync.Mutex
	sessions map[string]*Session

	idleTimeout   time.Duration
	sweepInterval time.Duration
}

func NewRegistry(idleTimeout, sweepInterval time.Duration) *Registry {
	if idleTimeout <= 0 {
		idleTimeout = 2 * time.Minute
	}
	if sweepInterval <= 0 {
		sweepInterval = 15 * time.Second
	}
	return &Registry{
		sessions:      make(map[string]*Session),
		idleTimeout:   idleTimeout,
		sweepInterval: sweepInterval,
	}
}

// Add registers a live session. Session ids are unique; a duplicate is a
// caller bug.
func (r *Registry) Add(s *Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.sessions[s.ID()]; exists {
		return fmt.Errorf("session %s already registered", s.ID())
	}
	r.sessions[s.ID()] = s
	return nil
}

func (r *Registry) Get(id string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	return s, ok
}

func (r *Registry) Remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, id)
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// Close forcibly terminates one session. Returns false when the id is
// unknown.
func (r *Registry) Close(id string, reason error) bool {
	s, ok := r.Get(id)
	if !ok {
		return false
	}
	s.Close(reason)
	return true
}

// CloseAll tears down every live session, used on server shutdown.
func (r *Registry) CloseAll(reason error) {
	for _, s := range r.snapshot() {
		s.Close(reason)
	}
}

// Start runs the idle reaper until the context is cancelled.
func (r *Registry) Start(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(r.sweepInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				r.sweep(ctx)
			}
		}
	}()
}

func (r *Registry) sweep(ctx context.Context) {
	for _, s := range r.snapshot() {
		if s.IdleFor() < r.idleTimeout {
			continue
		}
		logger.InfoContext(ctx, "reaping idle session",
			"session_id", s.ID(), "idle_for", s.IdleFor().String())
		s.Close(ErrIdleTimeout)
	}
}

func (r *Registry) snapshot() []*Session {
	r.mu.Lock()
	defer r.mu.Unlock()

	sessions := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	return sessions
}

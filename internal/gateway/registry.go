package gateway

import "sync"

// Registry maps a user to its live, identified sessions in connect order
type Registry struct {
	mu       sync.RWMutex
	sessions map[string][]*Session
}

func NewRegistry() *Registry {
	return &Registry{
		sessions: make(map[string][]*Session),
	}
}

// Add appends an identified session under its owner. Closed sessions are
// refused. onAdded runs inside the critical section with first set when this
// is the user's only session.
func (r *Registry) Add(s *Session, onAdded func(first bool)) bool {
	userID := s.UserID()
	if userID == "" {
		return false
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if s.IsClosed() {
		return false
	}
	for _, existing := range r.sessions[userID] {
		if existing == s {
			return true
		}
	}

	r.sessions[userID] = append(r.sessions[userID], s)
	if onAdded != nil {
		onAdded(len(r.sessions[userID]) == 1)
	}
	return true
}

// Remove drops the session from its owner's list. It reports whether the
// session was listed and whether it was the user's last one; onLast runs
// inside the critical section in that case.
func (r *Registry) Remove(s *Session, onLast func()) (removed, last bool) {
	userID := s.UserID()
	if userID == "" {
		return false, false
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	list := r.sessions[userID]
	for i, existing := range list {
		if existing != s {
			continue
		}

		list = append(list[:i:i], list[i+1:]...)
		if len(list) == 0 {
			delete(r.sessions, userID)
			if onLast != nil {
				onLast()
			}
			return true, true
		}
		r.sessions[userID] = list
		return true, false
	}
	return false, false
}

// Sessions returns a copy of the user's sessions
func (r *Registry) Sessions(userID string) []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()

	list := r.sessions[userID]
	out := make([]*Session, len(list))
	copy(out, list)
	return out
}

func (r *Registry) Has(userID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions[userID]) > 0
}

func (r *Registry) Count(userID string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions[userID])
}

// Users lists every user with at least one session
func (r *Registry) Users() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	users := make([]string, 0, len(r.sessions))
	for userID := range r.sessions {
		users = append(users, userID)
	}
	return users
}

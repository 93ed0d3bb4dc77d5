/*
Package identity holds the durable user records of the relay.

An Identity is minted on a client's first connection and is reachable afterwards
through its session token. Records live for the lifetime of the process; there is
no deletion.
*/
package identity

import "sync"

// Identity is the durable record of one user.
// UserID and Username never change once minted; Connected is toggled by the presence router.
type Identity struct {
	UserID    string `json:"userID"`
	Username  string `json:"username"`
	Connected bool   `json:"connected"`
}

// Store maps session tokens to identities.
type Store struct {
	mu       sync.RWMutex
	sessions map[string]Identity

	// order keeps session IDs in first-insertion order so ListAll is stable.
	order []string
}

// NewStore returns an empty store.
func NewStore() *Store {
	return &Store{
		sessions: make(map[string]Identity),
	}
}

// Resolve returns the identity bound to sessionID.
func (s *Store) Resolve(sessionID string) (Identity, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.sessions[sessionID]
	return id, ok
}

// Upsert binds identity to sessionID, replacing any previous record. Last write wins.
func (s *Store) Upsert(sessionID string, identity Identity) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.sessions[sessionID]; !exists {
		s.order = append(s.order, sessionID)
	}
	s.sessions[sessionID] = identity
}

// ListAll returns a snapshot of every known identity in insertion order.
func (s *Store) ListAll() []Identity {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Identity, 0, len(s.order))
	for _, sessionID := range s.order {
		out = append(out, s.sessions[sessionID])
	}
	return out
}

// UsernameTaken reports whether any identity uses exactly username (case-sensitive).
func (s *Store) UsernameTaken(username string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, id := range s.sessions {
		if id.Username == username {
			return true
		}
	}
	return false
}

// Len returns the number of known identities.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}

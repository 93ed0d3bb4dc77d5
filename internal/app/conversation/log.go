/*
Package conversation stores the volatile chat history of the relay.

Private and broadcast messages are kept in two append-only logs. Entries are never
reordered, mutated or removed.
*/
package conversation

import "sync"

// PrivateMessage is a message between two users.
type PrivateMessage struct {
	Content  string `json:"content"`
	From     string `json:"from"`
	To       string `json:"to"`
	Username string `json:"username"`
}

// Peer returns the participant other than userID.
func (m PrivateMessage) Peer(userID string) string {
	if m.From == userID {
		return m.To
	}
	return m.From
}

// Involves reports whether userID sent or received m.
func (m PrivateMessage) Involves(userID string) bool {
	return m.From == userID || m.To == userID
}

// BroadcastMessage is a message visible to everyone.
type BroadcastMessage struct {
	Content  string `json:"content"`
	From     string `json:"from"`
	Username string `json:"username"`
}

// Log is the in-memory message history.
type Log struct {
	mu        sync.RWMutex
	private   []PrivateMessage
	broadcast []BroadcastMessage
}

// NewLog returns an empty log.
func NewLog() *Log {
	return &Log{}
}

// AppendPrivate stores m. Participants are not validated.
func (l *Log) AppendPrivate(m PrivateMessage) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.private = append(l.private, m)
}

// AppendBroadcast stores m.
func (l *Log) AppendBroadcast(m BroadcastMessage) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.broadcast = append(l.broadcast, m)
}

// FindPrivateFor returns every private message sent or received by userID, in insertion order.
//
// TODO: index by participant pair; this scans the whole private log.
func (l *Log) FindPrivateFor(userID string) []PrivateMessage {
	l.mu.RLock()
	defer l.mu.RUnlock()

	out := []PrivateMessage{}
	for _, m := range l.private {
		if m.Involves(userID) {
			out = append(out, m)
		}
	}
	return out
}

// Between returns the private messages exchanged by a and b, in insertion order.
func (l *Log) Between(a, b string) []PrivateMessage {
	l.mu.RLock()
	defer l.mu.RUnlock()

	out := []PrivateMessage{}
	for _, m := range l.private {
		if (m.From == a && m.To == b) || (m.From == b && m.To == a) {
			out = append(out, m)
		}
	}
	return out
}

// AllBroadcast returns a copy of the full broadcast history in insertion order.
func (l *Log) AllBroadcast() []BroadcastMessage {
	l.mu.RLock()
	defer l.mu.RUnlock()

	out := make([]BroadcastMessage, len(l.broadcast))
	copy(out, l.broadcast)
	return out
}

// PartitionByPeer groups the private messages of userID by the other participant.
// Each sub-sequence keeps insertion order.
func (l *Log) PartitionByPeer(userID string) map[string][]PrivateMessage {
	byPeer := make(map[string][]PrivateMessage)
	for _, m := range l.FindPrivateFor(userID) {
		peer := m.Peer(userID)
		byPeer[peer] = append(byPeer[peer], m)
	}
	return byPeer
}

package session

import (
	"time"

	"github.com/ethpandaops/discnodoor/node"
)

// Store owns the per-peer sessions, keyed by node id, with per-entry
// expiry. The expiry decision lives in the owner's callback: when a
// session expires while requests to the peer are still pending, the
// owner re-inserts it with a shortened lifetime instead of letting it
// die mid-exchange.
type Store struct {
	sessions       *TimeoutMap[node.ID, *Session]
	sessionTimeout time.Duration
}

// newStore creates a session store. run and onExpired follow the
// TimeoutMap contract.
func newStore(run func(func()), sessionTimeout time.Duration, onExpired func(node.ID, *Session)) *Store {
	return &Store{
		sessions:       NewTimeoutMap[node.ID, *Session](run, onExpired),
		sessionTimeout: sessionTimeout,
	}
}

// Get returns the session for a node id.
func (st *Store) Get(id node.ID) (*Session, bool) {
	return st.sessions.Get(id)
}

// Insert stores a session with the full session lifetime.
func (st *Store) Insert(id node.ID, s *Session) {
	st.sessions.Set(id, s, st.sessionTimeout)
}

// InsertWithTimeout stores a session with an explicit lifetime, used
// to extend an expired session while requests are still in flight.
func (st *Store) InsertWithTimeout(id node.ID, s *Session, ttl time.Duration) {
	st.sessions.Set(id, s, ttl)
}

// Remove deletes a session.
func (st *Store) Remove(id node.ID) (*Session, bool) {
	return st.sessions.Remove(id)
}

// ExtendTimeout re-arms a session's expiry to the full session
// lifetime.
func (st *Store) ExtendTimeout(id node.ID) bool {
	return st.sessions.Extend(id, st.sessionTimeout)
}

// Len returns the number of live sessions.
func (st *Store) Len() int {
	return st.sessions.Len()
}

// ForEach calls fn for every session until fn returns false.
func (st *Store) ForEach(fn func(node.ID, *Session) bool) {
	st.sessions.ForEach(fn)
}

// Clear removes all sessions.
func (st *Store) Clear() {
	st.sessions.Clear()
}

package chatsync

import (
	"sort"
	"sync"
)

// FriendStore is the session-wide friends list. It is mutated only through
// its methods.
type FriendStore struct {
	mu      sync.RWMutex
	friends map[string]User

	removed listeners[string]
}

// NewFriendStore creates an empty store.
func NewFriendStore() *FriendStore {
	return &FriendStore{friends: make(map[string]User)}
}

// SetFriends replaces the whole list.
func (s *FriendStore) SetFriends(users []User) {
	s.mu.Lock()
	s.friends = make(map[string]User, len(users))
	for _, u := range users {
		if u.ID != "" {
			s.friends[u.ID] = u
		}
	}
	s.mu.Unlock()
}

// Add inserts or refreshes one friend.
func (s *FriendStore) Add(u User) {
	if u.ID == "" {
		return
	}
	s.mu.Lock()
	s.friends[u.ID] = u
	s.mu.Unlock()
}

// Remove drops a friend and notifies OnRemoved listeners. It reports whether
// the id was present.
func (s *FriendStore) Remove(id string) bool {
	s.mu.Lock()
	_, ok := s.friends[id]
	delete(s.friends, id)
	s.mu.Unlock()
	if ok {
		s.removed.emit(id)
	}
	return ok
}

// Contains reports whether id is a known friend.
func (s *FriendStore) Contains(id string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.friends[id]
	return ok
}

// Get returns the cached profile of a friend.
func (s *FriendStore) Get(id string) (User, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.friends[id]
	return u, ok
}

// DisplayName returns the friend's username, if cached.
func (s *FriendStore) DisplayName(id string) (string, bool) {
	u, ok := s.Get(id)
	if !ok || u.Username == "" {
		return "", false
	}
	return u.Username, true
}

// Snapshot returns the friends sorted by username.
func (s *FriendStore) Snapshot() []User {
	s.mu.RLock()
	out := make([]User, 0, len(s.friends))
	for _, u := range s.friends {
		out = append(out, u)
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].Username == out[j].Username {
			return out[i].ID < out[j].ID
		}
		return out[i].Username < out[j].Username
	})
	return out
}

// Len returns the number of friends.
func (s *FriendStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.friends)
}

// OnRemoved registers fn to run after a friend is removed.
func (s *FriendStore) OnRemoved(fn func(id string)) (unregister func()) {
	return s.removed.add(fn)
}

// Reset clears the list. Listeners are kept.
func (s *FriendStore) Reset() {
	s.mu.Lock()
	s.friends = make(map[string]User)
	s.mu.Unlock()
}

package chatsync

import (
	"context"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
)

// DefaultTypingTTL is how long a typing indicator stays on without refresh.
const DefaultTypingTTL = 6 * time.Second

// PresenceEntry is a user's online state.
type PresenceEntry struct {
	UserID     string
	IsOnline   bool
	LastSeenAt time.Time
}

// TypingUpdate reports that UserID started or stopped typing to PeerID.
type TypingUpdate struct {
	UserID   string
	PeerID   string
	IsTyping bool
}

// PresenceFeed delivers presence and typing changes.
type PresenceFeed interface {
	OnPresence(fn func(PresenceEntry)) (unregister func())
	OnTyping(fn func(TypingUpdate)) (unregister func())
}

// TypingSender publishes the local user's typing state to a peer.
type TypingSender interface {
	SendTyping(ctx context.Context, peerID string, typing bool) error
}

// ============================================================================
// PresenceStore
// ============================================================================

// PresenceStore is the session-wide presence map with typing indicators.
type PresenceStore struct {
	mu      sync.RWMutex
	entries map[string]PresenceEntry
	typing  map[string]time.Time

	ttl time.Duration
	now func() time.Time
}

// PresenceOption configures a PresenceStore.
type PresenceOption func(*PresenceStore)

// WithTypingTTL sets how long a typing indicator lasts.
func WithTypingTTL(d time.Duration) PresenceOption {
	return func(s *PresenceStore) { s.ttl = d }
}

// WithPresenceClock overrides the store's clock.
func WithPresenceClock(now func() time.Time) PresenceOption {
	return func(s *PresenceStore) { s.now = now }
}

// NewPresenceStore creates an empty store.
func NewPresenceStore(opts ...PresenceOption) *PresenceStore {
	s := &PresenceStore{
		entries: make(map[string]PresenceEntry),
		typing:  make(map[string]time.Time),
		ttl:     DefaultTypingTTL,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Set records a presence entry. Going offline also clears typing.
func (s *PresenceStore) Set(e PresenceEntry) {
	if e.UserID == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if !e.IsOnline && e.LastSeenAt.IsZero() {
		if prev, ok := s.entries[e.UserID]; ok && prev.IsOnline {
			e.LastSeenAt = s.now()
		} else if ok {
			e.LastSeenAt = prev.LastSeenAt
		}
	}
	s.entries[e.UserID] = e
	if !e.IsOnline {
		delete(s.typing, e.UserID)
	}
}

// Get returns the presence of userID.
func (s *PresenceStore) Get(userID string) (PresenceEntry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[userID]
	return e, ok
}

// SetTyping turns the typing indicator of userID on or off.
func (s *PresenceStore) SetTyping(userID string, typing bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if typing {
		s.typing[userID] = s.now().Add(s.ttl)
	} else {
		delete(s.typing, userID)
	}
}

// IsTyping reports whether userID has an unexpired typing indicator.
func (s *PresenceStore) IsTyping(userID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	until, ok := s.typing[userID]
	return ok && s.now().Before(until)
}

// StatusText renders the user's status line.
func (s *PresenceStore) StatusText(userID string) string {
	e, ok := s.Get(userID)
	switch {
	case !ok:
		return "Offline"
	case e.IsOnline:
		return "Online"
	case e.LastSeenAt.IsZero():
		return "Offline"
	}
	return "Last active " + lastSeenText(e.LastSeenAt, s.now())
}

func lastSeenText(then, now time.Time) string {
	if now.Sub(then) < time.Minute {
		return "just now"
	}
	return humanize.RelTime(then, now, "ago", "from now")
}

// Reset clears every entry.
func (s *PresenceStore) Reset() {
	s.mu.Lock()
	s.entries = make(map[string]PresenceEntry)
	s.typing = make(map[string]time.Time)
	s.mu.Unlock()
}

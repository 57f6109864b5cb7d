package chatsync

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"
)

// presenceUpdater is implemented by feeds that can publish the local user's
// online flag.
type presenceUpdater interface {
	UpdatePresence(ctx context.Context, online bool) error
}

// Session is the signed-in application context. It owns the friends list,
// presence map, notification gate and call tracker of one user and tracks
// every conversation opened through it.
type Session struct {
	backend  Backend
	feed     Feed
	notifier Notifier

	friends  *FriendStore
	presence *PresenceStore

	cache    *HistoryCache
	peerPush Notifier
	metrics  *Metrics
	logger   *zap.Logger
	onStale  func(peerID string)

	mu    sync.Mutex
	user  *User
	gate  *NotificationGate
	calls *CallTracker
	convs map[string]*Conversation
}

// SessionOption configures a Session.
type SessionOption func(*Session)

func WithSessionLogger(l *zap.Logger) SessionOption {
	return func(s *Session) { s.logger = l }
}

func WithSessionMetrics(m *Metrics) SessionOption {
	return func(s *Session) { s.metrics = m }
}

// WithSessionCache seeds conversations from h when history cannot be fetched.
func WithSessionCache(h *HistoryCache) SessionOption {
	return func(s *Session) { s.cache = h }
}

// WithSessionPeerPush notifies the peer's device after every confirmed send.
func WithSessionPeerPush(n Notifier) SessionOption {
	return func(s *Session) { s.peerPush = n }
}

// WithStaleFriendHandler runs fn when a send discovers the friendship is
// gone. The conversation stays open; fn decides whether to close it.
func WithStaleFriendHandler(fn func(peerID string)) SessionOption {
	return func(s *Session) { s.onStale = fn }
}

// NewSession creates a signed-out session. notifier receives local
// notifications raised by the gate and may be nil.
func NewSession(backend Backend, feed Feed, notifier Notifier, opts ...SessionOption) *Session {
	s := &Session{
		backend:  backend,
		feed:     feed,
		notifier: notifier,
		friends:  NewFriendStore(),
		presence: NewPresenceStore(),
		logger:   zap.NewNop(),
		convs:    make(map[string]*Conversation),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.notifier == nil {
		s.notifier = LogNotifier{Logger: s.logger}
	}
	return s
}

// Friends returns the session's friend store.
func (s *Session) Friends() *FriendStore { return s.friends }

// Presence returns the session's presence store.
func (s *Session) Presence() *PresenceStore { return s.presence }

// User returns the signed-in user.
func (s *Session) User() (User, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.user == nil {
		return User{}, false
	}
	return *s.user, true
}

// Gate returns the notification gate, or nil before Login.
func (s *Session) Gate() *NotificationGate {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.gate
}

// Calls returns the call tracker, or nil when the backend or feed cannot
// carry calls.
func (s *Session) Calls() *CallTracker {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

// Login signs user in: it loads the friends list, starts the notification
// gate and, when supported, call tracking.
func (s *Session) Login(ctx context.Context, user User) error {
	if user.ID == "" {
		return fmt.Errorf("login: empty user id")
	}
	s.mu.Lock()
	if s.user != nil {
		s.mu.Unlock()
		return ErrAlreadyStarted
	}
	u := user
	s.user = &u
	s.mu.Unlock()

	logger := s.logger.With(zap.String("user_id", user.ID))

	if err := s.RefreshFriends(ctx); err != nil {
		s.abortLogin()
		return fmt.Errorf("load friends: %w", err)
	}

	gate := NewNotificationGate(user.ID, s.friends, s.presence, s.notifier,
		WithGateLogger(logger), WithGateMetrics(s.metrics))
	if err := gate.Start(ctx, s.feed); err != nil {
		s.abortLogin()
		return fmt.Errorf("start notification gate: %w", err)
	}

	var calls *CallTracker
	cb, okBackend := s.backend.(CallBackend)
	cf, okFeed := s.feed.(CallFeed)
	if okBackend && okFeed {
		calls = NewCallTracker(cb, user.ID, user.Username, logger)
		if err := calls.Start(ctx, cf); err != nil {
			logger.Warn("call tracking unavailable", zap.Error(err))
			calls = nil
		}
	}

	s.mu.Lock()
	s.gate, s.calls = gate, calls
	s.mu.Unlock()

	if pu, ok := s.feed.(presenceUpdater); ok {
		if err := pu.UpdatePresence(ctx, true); err != nil {
			logger.Debug("presence update failed", zap.Error(err))
		}
	}
	logger.Info("session started", zap.Int("friends", s.friends.Len()))
	return nil
}

func (s *Session) abortLogin() {
	s.mu.Lock()
	s.user = nil
	s.mu.Unlock()
	s.friends.Reset()
}

// RefreshFriends reloads the friends list from the backend. Backends that
// cannot list friends leave the store untouched.
func (s *Session) RefreshFriends(ctx context.Context) error {
	user, ok := s.User()
	if !ok {
		return ErrNotLoggedIn
	}
	dir, ok := s.backend.(FriendDirectory)
	if !ok {
		return nil
	}
	friends, err := dir.GetFriends(ctx, user.ID)
	if err != nil {
		return err
	}
	s.friends.SetFriends(friends)
	return nil
}

// OpenConversation opens the conversation with peer and marks it as the
// foreground conversation. A conversation already open for peer is
// returned as is.
func (s *Session) OpenConversation(ctx context.Context, peer string) (*Conversation, error) {
	s.mu.Lock()
	// The gate is set once Login has finished.
	if s.user == nil || s.gate == nil {
		s.mu.Unlock()
		return nil, ErrNotLoggedIn
	}
	user, gate := *s.user, s.gate
	if c, ok := s.convs[peer]; ok && !c.Closed() {
		s.mu.Unlock()
		gate.SetActivePeer(peer)
		return c, nil
	}
	s.mu.Unlock()

	opts := []ConversationOption{
		WithConversationLogger(s.logger.With(zap.String("user_id", user.ID))),
		WithConversationMetrics(s.metrics),
		WithFriendStore(s.friends),
		OnStaleFriend(func(p string) {
			gate.ClearActivePeer(p)
			if s.onStale != nil {
				s.onStale(p)
			}
		}),
	}
	if u, ok := s.backend.(ImageUploader); ok {
		opts = append(opts, WithUploader(u))
	}
	if t, ok := s.feed.(TypingSender); ok {
		opts = append(opts, WithTypingSender(t))
	}
	if s.cache != nil {
		opts = append(opts, WithHistoryCache(s.cache))
	}
	if s.peerPush != nil {
		opts = append(opts, WithPeerPush(s.peerPush, user.Username))
	}

	c, err := NewConversation(s.backend, s.feed, user.ID, peer, opts...)
	if err != nil {
		return nil, err
	}
	if err := c.Open(ctx); err != nil {
		c.Close()
		return nil, err
	}

	s.mu.Lock()
	if s.user == nil || s.user.ID != user.ID {
		s.mu.Unlock()
		c.Close()
		return nil, ErrNotLoggedIn
	}
	if prev, ok := s.convs[peer]; ok && prev != c {
		defer prev.Close()
	}
	s.convs[peer] = c
	s.mu.Unlock()

	gate.SetActivePeer(peer)
	return c, nil
}

// Conversation returns the open conversation with peer.
func (s *Session) Conversation(peer string) (*Conversation, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.convs[peer]
	return c, ok
}

// CloseConversation closes the conversation with peer, if open.
func (s *Session) CloseConversation(peer string) error {
	s.mu.Lock()
	c, ok := s.convs[peer]
	delete(s.convs, peer)
	gate := s.gate
	s.mu.Unlock()

	if gate != nil {
		gate.ClearActivePeer(peer)
	}
	if !ok {
		return nil
	}
	return c.Close()
}

// Logout closes every conversation in peer order, stops the gate and call
// tracking and resets every store. It is a no-op when signed out.
func (s *Session) Logout(ctx context.Context) error {
	s.mu.Lock()
	if s.user == nil {
		s.mu.Unlock()
		return nil
	}
	userID := s.user.ID
	convs := s.convs
	gate, calls := s.gate, s.calls
	s.convs = make(map[string]*Conversation)
	s.gate, s.calls = nil, nil
	s.mu.Unlock()

	peers := make([]string, 0, len(convs))
	for p := range convs {
		peers = append(peers, p)
	}
	sort.Strings(peers)

	var errs []error
	for _, p := range peers {
		if err := convs[p].Close(); err != nil {
			errs = append(errs, fmt.Errorf("close conversation %s: %w", p, err))
		}
	}
	if calls != nil {
		if err := calls.Stop(); err != nil {
			errs = append(errs, fmt.Errorf("stop calls: %w", err))
		}
	}
	if gate != nil {
		if err := gate.Stop(); err != nil {
			errs = append(errs, fmt.Errorf("stop notification gate: %w", err))
		}
	}
	if pu, ok := s.feed.(presenceUpdater); ok {
		if err := pu.UpdatePresence(ctx, false); err != nil {
			s.logger.Debug("presence update failed", zap.Error(err))
		}
	}

	s.friends.Reset()
	s.presence.Reset()

	s.mu.Lock()
	s.user = nil
	s.mu.Unlock()
	s.logger.Info("session ended", zap.String("user_id", userID))
	return errors.Join(errs...)
}

package chatsync

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// NotificationGate decides which incoming messages raise a notification and
// keeps presence and typing state current. It watches every message of the
// local user and runs once per session.
type NotificationGate struct {
	localUser string
	friends   *FriendStore
	presence  *PresenceStore
	notifier  Notifier

	mu         sync.Mutex
	activePeer string
	handle     Handle
	unhooks    []func()
	started    bool

	timeout time.Duration
	logger  *zap.Logger
	metrics *Metrics
	wg      sync.WaitGroup
}

// GateOption configures a NotificationGate.
type GateOption func(*NotificationGate)

func WithGateLogger(l *zap.Logger) GateOption {
	return func(g *NotificationGate) { g.logger = l }
}

func WithGateMetrics(m *Metrics) GateOption {
	return func(g *NotificationGate) { g.metrics = m }
}

// WithNotifyTimeout bounds each notification dispatch.
func WithNotifyTimeout(d time.Duration) GateOption {
	return func(g *NotificationGate) { g.timeout = d }
}

// NewNotificationGate creates a gate for localUser.
func NewNotificationGate(localUser string, friends *FriendStore, presence *PresenceStore, notifier Notifier, opts ...GateOption) *NotificationGate {
	g := &NotificationGate{
		localUser: localUser,
		friends:   friends,
		presence:  presence,
		notifier:  notifier,
		timeout:   10 * time.Second,
		logger:    zap.NewNop(),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Start subscribes to all messages of the local user. When feed also
// implements PresenceFeed the gate keeps the presence store updated.
func (g *NotificationGate) Start(ctx context.Context, feed Feed) error {
	g.mu.Lock()
	if g.started {
		g.mu.Unlock()
		return ErrAlreadyStarted
	}
	g.started = true
	g.mu.Unlock()

	h, err := feed.SubscribeToUserMessages(ctx, g.localUser, g.HandleEvent)
	if err != nil {
		g.mu.Lock()
		g.started = false
		g.mu.Unlock()
		return err
	}

	var unhooks []func()
	if pf, ok := feed.(PresenceFeed); ok && g.presence != nil {
		unhooks = append(unhooks,
			pf.OnPresence(g.presence.Set),
			pf.OnTyping(func(t TypingUpdate) {
				if t.PeerID == "" || t.PeerID == g.localUser {
					g.presence.SetTyping(t.UserID, t.IsTyping)
				}
			}),
		)
	}

	g.mu.Lock()
	g.handle = h
	g.unhooks = unhooks
	g.mu.Unlock()
	g.logger.Info("notification gate started", zap.String("user_id", g.localUser))
	return nil
}

// Stop releases the subscription and waits for in-flight notifications.
func (g *NotificationGate) Stop() error {
	g.mu.Lock()
	h := g.handle
	unhooks := g.unhooks
	g.handle, g.unhooks = nil, nil
	g.started = false
	g.activePeer = ""
	g.mu.Unlock()

	for _, u := range unhooks {
		u()
	}
	var err error
	if h != nil {
		err = h.Close()
	}
	g.wg.Wait()
	return err
}

// SetActivePeer marks peerID as the foreground conversation.
func (g *NotificationGate) SetActivePeer(peerID string) {
	g.mu.Lock()
	g.activePeer = peerID
	g.mu.Unlock()
}

// ClearActivePeer clears the foreground conversation if it is still peerID.
func (g *NotificationGate) ClearActivePeer(peerID string) {
	g.mu.Lock()
	if g.activePeer == peerID {
		g.activePeer = ""
	}
	g.mu.Unlock()
}

// ActivePeer returns the foreground conversation peer, if any.
func (g *NotificationGate) ActivePeer() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.activePeer
}

// ShouldNotify reports whether m warrants a notification right now.
func (g *NotificationGate) ShouldNotify(m Message) bool {
	if m.SenderID == g.localUser || m.ReceiverID != g.localUser {
		return false
	}
	return m.SenderID != g.ActivePeer()
}

// HandleEvent processes one feed event. Only inserts can notify.
func (g *NotificationGate) HandleEvent(ev MessageEvent) {
	if ev.Type != EventInserted {
		return
	}
	m := ev.Message
	if m.SenderID == g.localUser || m.ReceiverID != g.localUser {
		return
	}
	if !g.ShouldNotify(m) {
		g.metrics.notification("suppressed")
		g.logger.Debug("notification suppressed", zap.String("peer_id", m.SenderID), zap.String("message_id", m.ID))
		return
	}

	var name string
	if g.friends != nil {
		name, _ = g.friends.DisplayName(m.SenderID)
	}
	n := messageNotification(name, m)

	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), g.timeout)
		defer cancel()
		if err := g.notifier.Notify(ctx, n); err != nil {
			g.metrics.notification("failed")
			g.logger.Warn("notification failed", zap.String("message_id", m.ID), zap.Error(err))
			return
		}
		g.metrics.notification("sent")
	}()
}

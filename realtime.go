package chatsync

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"nhooyr.io/websocket"
)

// ============================================================================
// Event Payload Types
// ============================================================================

// AuthenticatedPayload is sent when a realtime connection is authenticated.
type AuthenticatedPayload struct {
	UserID string `json:"user_id"`
}

// PresenceChangedPayload is sent when a user's presence changes.
type PresenceChangedPayload struct {
	UserID   string `json:"user_id"`
	IsOnline bool   `json:"is_online"`
	LastSeen string `json:"last_seen"`
}

// TypingIndicatorPayload is sent when a peer starts or stops typing to the
// connected user.
type TypingIndicatorPayload struct {
	UserID   string `json:"user_id"`
	PeerID   string `json:"peer_id"`
	IsTyping bool   `json:"is_typing"`
}

// PongPayload is the response to a ping command.
type PongPayload struct {
	RequestID string `json:"request_id"`
}

// RealtimeErrorPayload is sent when a server-side error occurs.
type RealtimeErrorPayload struct {
	Message string `json:"message"`
}

// RealtimeEnvelope is the wire format for all realtime events.
type RealtimeEnvelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// RealtimeCommand is a client-to-server command.
type RealtimeCommand struct {
	Type      string      `json:"type"`
	Payload   interface{} `json:"payload"`
	RequestID string      `json:"request_id,omitempty"`
}

type subscribePayload struct {
	Topic  string `json:"topic"`
	Table  string `json:"table"`
	Filter string `json:"filter"`
}

// ============================================================================
// Configuration
// ============================================================================

// RealtimeConfig configures the realtime client.
type RealtimeConfig struct {
	Token                string
	AutoReconnect        bool
	MaxReconnectAttempts int
	ReconnectBaseDelay   time.Duration
	ReconnectMaxDelay    time.Duration
	HeartbeatInterval    time.Duration
	PingTimeout          time.Duration
	Logger               *zap.Logger
}

func (c *RealtimeConfig) defaults() {
	if c.ReconnectBaseDelay == 0 {
		c.ReconnectBaseDelay = 1 * time.Second
	}
	if c.ReconnectMaxDelay == 0 {
		c.ReconnectMaxDelay = 30 * time.Second
	}
	if c.MaxReconnectAttempts == 0 {
		c.MaxReconnectAttempts = 10
	}
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = 25 * time.Second
	}
	if c.PingTimeout == 0 {
		c.PingTimeout = 10 * time.Second
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
}

// RealtimeState represents the connection state.
type RealtimeState string

const (
	StateDisconnected RealtimeState = "disconnected"
	StateConnecting   RealtimeState = "connecting"
	StateConnected    RealtimeState = "connected"
	StateReconnecting RealtimeState = "reconnecting"
)

// ============================================================================
// Listeners
// ============================================================================

// listeners is a registry of callbacks that can be removed individually.
type listeners[T any] struct {
	mu   sync.RWMutex
	next uint64
	fns  map[uint64]func(T)
}

func (l *listeners[T]) add(fn func(T)) (unregister func()) {
	l.mu.Lock()
	if l.fns == nil {
		l.fns = make(map[uint64]func(T))
	}
	l.next++
	id := l.next
	l.fns[id] = fn
	l.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			delete(l.fns, id)
			l.mu.Unlock()
		})
	}
}

func (l *listeners[T]) snapshot() []func(T) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]func(T), 0, len(l.fns))
	for _, fn := range l.fns {
		out = append(out, fn)
	}
	return out
}

// emit calls every listener on the calling goroutine.
func (l *listeners[T]) emit(v T) {
	for _, fn := range l.snapshot() {
		func() {
			defer func() { recover() }()
			fn(v)
		}()
	}
}

// emitAsync calls every listener on its own goroutine.
func (l *listeners[T]) emitAsync(v T) {
	for _, fn := range l.snapshot() {
		go fn(v)
	}
}

// DisconnectInfo describes a lost connection.
type DisconnectInfo struct {
	Code   int
	Reason string
}

// ReconnectAttempt describes a scheduled reconnect.
type ReconnectAttempt struct {
	Attempt int
	Delay   time.Duration
}

// ============================================================================
// Reconnector
// ============================================================================

type reconnector struct {
	mu          sync.Mutex
	baseDelay   time.Duration
	maxDelay    time.Duration
	maxAttempts int
	attempt     int
	connectedAt time.Time
}

func newReconnector(config *RealtimeConfig) *reconnector {
	return &reconnector{
		baseDelay:   config.ReconnectBaseDelay,
		maxDelay:    config.ReconnectMaxDelay,
		maxAttempts: config.MaxReconnectAttempts,
	}
}

func (r *reconnector) shouldReconnect() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.maxAttempts < 0 || r.attempt < r.maxAttempts
}

func (r *reconnector) markConnected() {
	r.mu.Lock()
	r.connectedAt = time.Now()
	r.mu.Unlock()
}

func (r *reconnector) nextDelay() (int, time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.connectedAt.IsZero() && time.Since(r.connectedAt) > 60*time.Second {
		r.attempt = 0
	}
	jitter := time.Duration(rand.Float64() * float64(r.baseDelay) * 0.5)
	delay := time.Duration(math.Min(
		float64(r.baseDelay)*math.Pow(2, float64(r.attempt))+float64(jitter),
		float64(r.maxDelay),
	))
	r.attempt++
	return r.attempt, delay
}

// ============================================================================
// RealtimeClient
// ============================================================================

type topicSpec struct {
	table  string
	filter string
	refs   int
}

// RealtimeClient is a websocket change-feed client with auto-reconnect and
// heartbeat. It implements Feed, CallFeed, PresenceFeed and TypingSender.
//
// Row changes are delivered to subscribers on the read goroutine, one at a
// time, in the order frames arrive. Meta events (connected, disconnected,
// reconnecting) are delivered asynchronously.
type RealtimeClient struct {
	url    string
	config *RealtimeConfig
	logger *zap.Logger

	mu               sync.Mutex
	conn             *websocket.Conn
	state            RealtimeState
	intentionalClose bool
	everConnected    bool
	cancelFn         context.CancelFunc
	topics           map[string]*topicSpec

	recon *reconnector

	messages     *feedHub
	calls        listeners[CallEvent]
	presence     listeners[PresenceEntry]
	typing       listeners[TypingUpdate]
	serverErrors listeners[RealtimeErrorPayload]

	onConnected    listeners[struct{}]
	onDisconnected listeners[DisconnectInfo]
	onReconnecting listeners[ReconnectAttempt]
	onReconnected  listeners[struct{}]

	pendingMu    sync.Mutex
	pendingPings map[string]chan PongPayload
	pingCounter  atomic.Uint64
}

func newRealtimeClient(url string, config *RealtimeConfig) *RealtimeClient {
	cfg := *config
	cfg.defaults()
	return &RealtimeClient{
		url:          url,
		config:       &cfg,
		logger:       cfg.Logger,
		state:        StateDisconnected,
		topics:       make(map[string]*topicSpec),
		recon:        newReconnector(&cfg),
		messages:     newFeedHub(),
		pendingPings: make(map[string]chan PongPayload),
	}
}

// OnConnected registers a handler for the connected meta-event.
func (rc *RealtimeClient) OnConnected(h func()) func() {
	return rc.onConnected.add(func(struct{}) { h() })
}

// OnDisconnected registers a handler for the disconnected meta-event.
func (rc *RealtimeClient) OnDisconnected(h func(code int, reason string)) func() {
	return rc.onDisconnected.add(func(d DisconnectInfo) { h(d.Code, d.Reason) })
}

// OnReconnecting registers a handler for the reconnecting meta-event.
func (rc *RealtimeClient) OnReconnecting(h func(attempt int, delay time.Duration)) func() {
	return rc.onReconnecting.add(func(a ReconnectAttempt) { h(a.Attempt, a.Delay) })
}

// OnReconnected registers a handler invoked after a lost connection has been
// re-established and subscriptions re-sent. Events may have been missed.
func (rc *RealtimeClient) OnReconnected(h func()) func() {
	return rc.onReconnected.add(func(struct{}) { h() })
}

// OnError registers a handler for server errors.
func (rc *RealtimeClient) OnError(h func(RealtimeErrorPayload)) func() {
	return rc.serverErrors.add(h)
}

// OnPresence registers a handler for presence changes.
func (rc *RealtimeClient) OnPresence(h func(PresenceEntry)) func() {
	return rc.presence.add(h)
}

// OnTyping registers a handler for typing indicators.
func (rc *RealtimeClient) OnTyping(h func(TypingUpdate)) func() {
	return rc.typing.add(h)
}

// State returns the current connection state.
func (rc *RealtimeClient) State() RealtimeState {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	return rc.state
}

// Connect establishes the websocket connection and re-sends any active
// subscriptions.
func (rc *RealtimeClient) Connect(ctx context.Context) error {
	rc.mu.Lock()
	if rc.state == StateConnected || rc.state == StateConnecting {
		rc.mu.Unlock()
		return nil
	}
	rc.state = StateConnecting
	rc.intentionalClose = false
	rc.mu.Unlock()

	fail := func(err error) error {
		rc.mu.Lock()
		rc.state = StateDisconnected
		rc.mu.Unlock()
		return err
	}

	conn, _, err := websocket.Dial(ctx, rc.url, nil)
	if err != nil {
		return fail(fmt.Errorf("websocket dial: %w", err))
	}

	// First frame must be "authenticated".
	_, data, err := conn.Read(ctx)
	if err != nil {
		conn.Close(websocket.StatusNormalClosure, "")
		return fail(fmt.Errorf("read auth message: %w", err))
	}
	var env RealtimeEnvelope
	if err := json.Unmarshal(data, &env); err != nil || env.Type != "authenticated" {
		conn.Close(websocket.StatusNormalClosure, "")
		return fail(fmt.Errorf("expected 'authenticated', got '%s'", env.Type))
	}
	var auth AuthenticatedPayload
	_ = json.Unmarshal(env.Payload, &auth)

	// The read loop outlives the dial context.
	connCtx, cancel := context.WithCancel(context.Background())

	rc.mu.Lock()
	rc.conn = conn
	rc.state = StateConnected
	rc.cancelFn = cancel
	reconnected := rc.everConnected
	rc.everConnected = true
	topics := make(map[string]topicSpec, len(rc.topics))
	for name, t := range rc.topics {
		topics[name] = *t
	}
	rc.mu.Unlock()
	rc.recon.markConnected()

	for name, t := range topics {
		if err := rc.sendSubscribe(ctx, name, t); err != nil {
			rc.logger.Warn("resubscribe failed", zap.String("topic", name), zap.Error(err))
		}
	}

	rc.logger.Info("realtime connected", zap.String("user_id", auth.UserID), zap.Int("topics", len(topics)), zap.Bool("reconnected", reconnected))
	rc.onConnected.emitAsync(struct{}{})
	if reconnected {
		rc.onReconnected.emitAsync(struct{}{})
	}

	go rc.readLoop(connCtx, conn)
	go rc.heartbeatLoop(connCtx)
	return nil
}

// Disconnect gracefully closes the connection. Subscriptions stay
// registered and are re-sent by the next Connect.
func (rc *RealtimeClient) Disconnect() error {
	rc.mu.Lock()
	rc.intentionalClose = true
	if rc.cancelFn != nil {
		rc.cancelFn()
		rc.cancelFn = nil
	}
	conn := rc.conn
	rc.conn = nil
	rc.state = StateDisconnected
	rc.mu.Unlock()

	rc.clearPendingPings()
	rc.onDisconnected.emitAsync(DisconnectInfo{Code: 1000, Reason: "client disconnect"})

	if conn != nil {
		return conn.Close(websocket.StatusNormalClosure, "client disconnect")
	}
	return nil
}

// ── Subscriptions ────────────────────────────────────────

// SubscribeToMessages streams changes of the conversation between userID and
// peerID.
func (rc *RealtimeClient) SubscribeToMessages(ctx context.Context, userID, peerID string, fn func(MessageEvent)) (Handle, error) {
	if _, err := NewConversationKey(userID, peerID); err != nil {
		return nil, err
	}
	return rc.subscribeMessages(ctx, PairFilter(userID, peerID), fn)
}

// SubscribeToUserMessages streams changes of every message involving userID.
func (rc *RealtimeClient) SubscribeToUserMessages(ctx context.Context, userID string, fn func(MessageEvent)) (Handle, error) {
	if userID == "" {
		return nil, fmt.Errorf("subscribe: empty user id")
	}
	return rc.subscribeMessages(ctx, UserFilter(userID), fn)
}

func (rc *RealtimeClient) subscribeMessages(ctx context.Context, filter MessageFilter, fn func(MessageEvent)) (Handle, error) {
	sub := rc.messages.add(filter, fn)
	if err := rc.retain(ctx, filter.Topic(), "messages", filter.String()); err != nil {
		sub.Close()
		return nil, err
	}
	return &topicHandle{inner: sub, release: func() { rc.release(filter.Topic()) }}, nil
}

// SubscribeToCalls streams call rows where userID is caller or receiver.
func (rc *RealtimeClient) SubscribeToCalls(ctx context.Context, userID string, fn func(CallEvent)) (Handle, error) {
	if userID == "" {
		return nil, fmt.Errorf("subscribe calls: empty user id")
	}
	topic := "calls:" + userID
	unregister := rc.calls.add(func(ev CallEvent) {
		if ev.Call.CallerID == userID || ev.Call.ReceiverID == userID {
			fn(ev)
		}
	})
	filter := fmt.Sprintf("or(caller_id.eq.%s,receiver_id.eq.%s)", userID, userID)
	if err := rc.retain(ctx, topic, "calls", filter); err != nil {
		unregister()
		return nil, err
	}
	return &topicHandle{inner: closerFunc(unregister), release: func() { rc.release(topic) }}, nil
}

// retain counts a reference to topic and subscribes on the wire for the
// first one. While disconnected the subscription is sent on Connect.
func (rc *RealtimeClient) retain(ctx context.Context, topic, table, filter string) error {
	rc.mu.Lock()
	t, ok := rc.topics[topic]
	if ok {
		t.refs++
		rc.mu.Unlock()
		return nil
	}
	t = &topicSpec{table: table, filter: filter, refs: 1}
	rc.topics[topic] = t
	connected := rc.conn != nil
	rc.mu.Unlock()

	if !connected {
		return nil
	}
	if err := rc.sendSubscribe(ctx, topic, *t); err != nil {
		rc.release(topic)
		return fmt.Errorf("subscribe %s: %w", topic, err)
	}
	return nil
}

func (rc *RealtimeClient) release(topic string) {
	rc.mu.Lock()
	t, ok := rc.topics[topic]
	if !ok {
		rc.mu.Unlock()
		return
	}
	t.refs--
	if t.refs > 0 {
		rc.mu.Unlock()
		return
	}
	delete(rc.topics, topic)
	connected := rc.conn != nil
	rc.mu.Unlock()

	if connected {
		ctx, cancel := context.WithTimeout(context.Background(), rc.config.PingTimeout)
		defer cancel()
		if err := rc.Send(ctx, &RealtimeCommand{Type: "unsubscribe", Payload: map[string]string{"topic": topic}}); err != nil {
			rc.logger.Debug("unsubscribe failed", zap.String("topic", topic), zap.Error(err))
		}
	}
}

func (rc *RealtimeClient) sendSubscribe(ctx context.Context, topic string, t topicSpec) error {
	return rc.Send(ctx, &RealtimeCommand{
		Type:    "subscribe",
		Payload: subscribePayload{Topic: topic, Table: t.table, Filter: t.filter},
	})
}

type topicHandle struct {
	once    sync.Once
	inner   Handle
	release func()
}

func (h *topicHandle) Close() error {
	var err error
	h.once.Do(func() {
		err = h.inner.Close()
		h.release()
	})
	return err
}

type closerFunc func()

func (f closerFunc) Close() error {
	f()
	return nil
}

// ── Commands ─────────────────────────────────────────────

// SendTyping tells peerID that the connected user started or stopped typing.
func (rc *RealtimeClient) SendTyping(ctx context.Context, peerID string, typing bool) error {
	cmd := "typing.stop"
	if typing {
		cmd = "typing.start"
	}
	return rc.Send(ctx, &RealtimeCommand{Type: cmd, Payload: map[string]string{"peer_id": peerID}})
}

// UpdatePresence publishes the connected user's online flag.
func (rc *RealtimeClient) UpdatePresence(ctx context.Context, online bool) error {
	return rc.Send(ctx, &RealtimeCommand{Type: "presence.update", Payload: map[string]bool{"is_online": online}})
}

// Send writes a raw command.
func (rc *RealtimeClient) Send(ctx context.Context, cmd *RealtimeCommand) error {
	rc.mu.Lock()
	conn := rc.conn
	rc.mu.Unlock()

	if conn == nil {
		return fmt.Errorf("not connected")
	}
	data, err := json.Marshal(cmd)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, data)
}

// Ping sends a ping and waits for the matching pong.
func (rc *RealtimeClient) Ping(ctx context.Context) (*PongPayload, error) {
	requestID := fmt.Sprintf("ping-%d-%s", rc.pingCounter.Add(1), uuid.NewString()[:8])

	ch := make(chan PongPayload, 1)
	rc.pendingMu.Lock()
	rc.pendingPings[requestID] = ch
	rc.pendingMu.Unlock()

	forget := func() {
		rc.pendingMu.Lock()
		delete(rc.pendingPings, requestID)
		rc.pendingMu.Unlock()
	}

	err := rc.Send(ctx, &RealtimeCommand{
		Type:      "ping",
		Payload:   map[string]string{"request_id": requestID},
		RequestID: requestID,
	})
	if err != nil {
		forget()
		return nil, err
	}

	timer := time.NewTimer(rc.config.PingTimeout)
	defer timer.Stop()
	select {
	case pong, ok := <-ch:
		if !ok {
			return nil, ErrClosed
		}
		return &pong, nil
	case <-timer.C:
		forget()
		return nil, fmt.Errorf("ping timeout")
	case <-ctx.Done():
		forget()
		return nil, ctx.Err()
	}
}

// ── Loops ────────────────────────────────────────────────

func (rc *RealtimeClient) readLoop(ctx context.Context, conn *websocket.Conn) {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			rc.mu.Lock()
			intentional := rc.intentionalClose
			if rc.conn == conn {
				rc.conn = nil
				rc.state = StateDisconnected
			}
			if rc.cancelFn != nil {
				rc.cancelFn()
				rc.cancelFn = nil
			}
			rc.mu.Unlock()
			if intentional {
				return
			}

			rc.logger.Warn("realtime connection lost", zap.Error(err))
			rc.clearPendingPings()
			rc.onDisconnected.emitAsync(DisconnectInfo{Code: int(websocket.CloseStatus(err)), Reason: err.Error()})

			if rc.config.AutoReconnect && rc.recon.shouldReconnect() {
				go rc.scheduleReconnect()
			}
			return
		}

		var env RealtimeEnvelope
		if json.Unmarshal(data, &env) != nil {
			rc.logger.Debug("dropping malformed frame")
			continue
		}
		rc.dispatch(env)
	}
}

func (rc *RealtimeClient) dispatch(env RealtimeEnvelope) {
	switch env.Type {
	case "postgres_changes":
		var change ChangePayload
		if err := json.Unmarshal(env.Payload, &change); err != nil {
			rc.logger.Debug("dropping malformed change", zap.Error(err))
			return
		}
		rc.dispatchChange(change)
	case "presence.changed":
		var p PresenceChangedPayload
		if json.Unmarshal(env.Payload, &p) == nil && p.UserID != "" {
			entry := PresenceEntry{UserID: p.UserID, IsOnline: p.IsOnline}
			if t, err := parseTimestamp(p.LastSeen); err == nil {
				entry.LastSeenAt = t
			}
			rc.presence.emit(entry)
		}
	case "typing.indicator":
		var p TypingIndicatorPayload
		if json.Unmarshal(env.Payload, &p) == nil && p.UserID != "" {
			rc.typing.emit(TypingUpdate{UserID: p.UserID, PeerID: p.PeerID, IsTyping: p.IsTyping})
		}
	case "pong":
		var p PongPayload
		if json.Unmarshal(env.Payload, &p) == nil && p.RequestID != "" {
			rc.pendingMu.Lock()
			ch, ok := rc.pendingPings[p.RequestID]
			if ok {
				delete(rc.pendingPings, p.RequestID)
			}
			rc.pendingMu.Unlock()
			if ok {
				ch <- p
			}
		}
	case "error":
		var p RealtimeErrorPayload
		if json.Unmarshal(env.Payload, &p) == nil {
			rc.logger.Warn("realtime server error", zap.String("message", p.Message))
			rc.serverErrors.emitAsync(p)
		}
	}
}

func (rc *RealtimeClient) dispatchChange(change ChangePayload) {
	switch change.Table {
	case "messages":
		ev, err := normalizeChange(change.EventType, change.New, change.Old)
		if err != nil {
			rc.logger.Debug("dropping message change", zap.String("event", change.EventType), zap.Error(err))
			return
		}
		rc.messages.publish(ev)
	case "calls":
		ev, err := normalizeCallChange(change.EventType, change.New, change.Old)
		if err != nil {
			rc.logger.Debug("dropping call change", zap.String("event", change.EventType), zap.Error(err))
			return
		}
		rc.calls.emit(ev)
	}
}

func (rc *RealtimeClient) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(rc.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if rc.State() != StateConnected {
				return
			}
			if _, err := rc.Ping(ctx); err != nil {
				// Heartbeat failed: force close so the read loop reconnects.
				rc.mu.Lock()
				conn := rc.conn
				rc.mu.Unlock()
				if conn != nil {
					conn.Close(websocket.StatusGoingAway, "heartbeat timeout")
				}
				return
			}
		}
	}
}

func (rc *RealtimeClient) scheduleReconnect() {
	for {
		attempt, delay := rc.recon.nextDelay()
		rc.mu.Lock()
		if rc.intentionalClose {
			rc.mu.Unlock()
			return
		}
		rc.state = StateReconnecting
		rc.mu.Unlock()

		rc.onReconnecting.emitAsync(ReconnectAttempt{Attempt: attempt, Delay: delay})
		rc.logger.Info("realtime reconnecting", zap.Int("attempt", attempt), zap.Duration("delay", delay))
		time.Sleep(delay)

		rc.mu.Lock()
		stop := rc.intentionalClose
		rc.state = StateDisconnected
		rc.mu.Unlock()
		if stop {
			return
		}

		ctx, cancel := context.WithTimeout(context.Background(), rc.config.ReconnectMaxDelay)
		err := rc.Connect(ctx)
		cancel()
		if err == nil {
			return
		}
		rc.logger.Warn("realtime reconnect failed", zap.Int("attempt", attempt), zap.Error(err))
		if !rc.recon.shouldReconnect() {
			return
		}
	}
}

func (rc *RealtimeClient) clearPendingPings() {
	rc.pendingMu.Lock()
	for k, ch := range rc.pendingPings {
		close(ch)
		delete(rc.pendingPings, k)
	}
	rc.pendingMu.Unlock()
}

package chatsync

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
)

// ============================================================================
// Feed Contract
// ============================================================================

// Handle is a live feed subscription. Close is idempotent.
type Handle interface {
	Close() error
}

// Feed is a source of message change events.
//
// Callbacks for one subscription are invoked serially in receipt order.
// Feeds do not replay missed events: owners reload history after a gap.
type Feed interface {
	SubscribeToMessages(ctx context.Context, userID, peerID string, fn func(MessageEvent)) (Handle, error)
	SubscribeToUserMessages(ctx context.Context, userID string, fn func(MessageEvent)) (Handle, error)
}

// ReconnectNotifier is implemented by feeds that can lose events while
// their transport is down. The returned func unregisters the hook.
type ReconnectNotifier interface {
	OnReconnected(fn func()) (unregister func())
}

// ============================================================================
// Filters
// ============================================================================

// MessageFilter selects the messages a subscription receives.
type MessageFilter struct {
	user string
	peer string
}

// PairFilter matches both directions between user and peer.
func PairFilter(user, peer string) MessageFilter {
	return MessageFilter{user: user, peer: peer}
}

// UserFilter matches every message sent or received by user.
func UserFilter(user string) MessageFilter {
	return MessageFilter{user: user}
}

// Match reports whether m passes the filter.
func (f MessageFilter) Match(m Message) bool {
	if f.peer == "" {
		return m.SenderID == f.user || m.ReceiverID == f.user
	}
	return (m.SenderID == f.user && m.ReceiverID == f.peer) ||
		(m.SenderID == f.peer && m.ReceiverID == f.user)
}

// String renders the filter in the backend's row-filter syntax.
func (f MessageFilter) String() string {
	if f.peer == "" {
		return fmt.Sprintf("or(sender_id.eq.%s,receiver_id.eq.%s)", f.user, f.user)
	}
	return fmt.Sprintf("or(and(sender_id.eq.%s,receiver_id.eq.%s),and(sender_id.eq.%s,receiver_id.eq.%s))",
		f.user, f.peer, f.peer, f.user)
}

// Topic names the subscription on the wire.
func (f MessageFilter) Topic() string {
	if f.peer == "" {
		return "user-messages:" + f.user
	}
	k, err := NewConversationKey(f.user, f.peer)
	if err != nil {
		return "messages:" + f.user + ":" + f.peer
	}
	return "messages:" + k.String()
}

// ============================================================================
// Change Normalization
// ============================================================================

// ChangePayload is a provider row-change notification.
type ChangePayload struct {
	Table     string          `json:"table"`
	EventType string          `json:"eventType"`
	New       json.RawMessage `json:"new,omitempty"`
	Old       json.RawMessage `json:"old,omitempty"`
}

func isEmptyRow(raw json.RawMessage) bool {
	s := strings.TrimSpace(string(raw))
	return s == "" || s == "null" || s == "{}"
}

// normalizeChange converts a provider change into a MessageEvent. A hard
// DELETE becomes an Updated event with IsDeleted set.
func normalizeChange(eventType string, newRow, oldRow json.RawMessage) (MessageEvent, error) {
	switch strings.ToUpper(eventType) {
	case "INSERT":
		m, err := decodeMessageRow(newRow)
		if err != nil {
			return MessageEvent{}, err
		}
		return MessageEvent{Type: EventInserted, Message: m}, nil
	case "UPDATE":
		m, err := decodeMessageRow(newRow)
		if err != nil {
			return MessageEvent{}, err
		}
		return MessageEvent{Type: EventUpdated, Message: m}, nil
	case "DELETE":
		var row MessageRow
		if isEmptyRow(oldRow) {
			return MessageEvent{}, fmt.Errorf("delete event without old row")
		}
		if err := json.Unmarshal(oldRow, &row); err != nil {
			return MessageEvent{}, fmt.Errorf("decode deleted row: %w", err)
		}
		if row.ID == "" {
			return MessageEvent{}, fmt.Errorf("delete event without id")
		}
		if m, err := row.ToMessage(); err == nil && m.SenderID != "" {
			m.IsDeleted = true
			return MessageEvent{Type: EventUpdated, Message: m, Partial: true}, nil
		}
		return MessageEvent{
			Type:    EventUpdated,
			Message: Message{ID: row.ID, SenderID: row.SenderID, ReceiverID: row.ReceiverID, IsDeleted: true},
			Partial: true,
		}, nil
	default:
		return MessageEvent{}, fmt.Errorf("unknown change type %q", eventType)
	}
}

// ============================================================================
// Subscription Hub
// ============================================================================

// feedHub fans normalized events out to filtered subscribers. Delivery to a
// single subscriber is serialized.
type feedHub struct {
	mu   sync.RWMutex
	next uint64
	subs map[uint64]*hubSub
}

type hubSub struct {
	id     uint64
	topic  string
	filter MessageFilter
	fn     func(MessageEvent)

	deliverMu sync.Mutex
	closed    atomic.Bool
	hub       *feedHub
}

func newFeedHub() *feedHub {
	return &feedHub{subs: make(map[uint64]*hubSub)}
}

func (h *feedHub) add(filter MessageFilter, fn func(MessageEvent)) *hubSub {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.next++
	s := &hubSub{id: h.next, topic: filter.Topic(), filter: filter, fn: fn, hub: h}
	h.subs[s.id] = s
	return s
}

func (h *feedHub) publish(ev MessageEvent) int {
	h.mu.RLock()
	var targets []*hubSub
	// Identity-only deletes cannot be routed by participant.
	anonymous := ev.Partial && ev.Message.SenderID == ""
	for _, s := range h.subs {
		if anonymous || s.filter.Match(ev.Message) {
			targets = append(targets, s)
		}
	}
	h.mu.RUnlock()

	for _, s := range targets {
		s.deliver(ev)
	}
	return len(targets)
}

func (h *feedHub) remove(s *hubSub) {
	h.mu.Lock()
	delete(h.subs, s.id)
	h.mu.Unlock()
}

func (h *feedHub) len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

func (s *hubSub) deliver(ev MessageEvent) {
	s.deliverMu.Lock()
	defer s.deliverMu.Unlock()
	if s.closed.Load() {
		return
	}
	s.fn(ev)
}

func (s *hubSub) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	s.hub.remove(s)
	return nil
}

// ============================================================================
// Conversation Channel
// ============================================================================

// Subscription is the handle of an open conversation channel. Events that
// arrive after Close has been called are dropped.
type Subscription struct {
	key     ConversationKey
	handle  Handle
	closed  atomic.Bool
	metrics *Metrics
	once    sync.Once
	err     error
}

// OpenChannel subscribes to both directions of the conversation between
// localUser and peer. onEvent receives events in receipt order.
func OpenChannel(ctx context.Context, feed Feed, localUser, peer string, onEvent func(MessageEvent), metrics *Metrics) (*Subscription, error) {
	key, err := NewConversationKey(localUser, peer)
	if err != nil {
		return nil, err
	}
	sub := &Subscription{key: key, metrics: metrics}
	h, err := feed.SubscribeToMessages(ctx, localUser, peer, func(ev MessageEvent) {
		if sub.closed.Load() {
			metrics.staleDropped()
			return
		}
		metrics.eventReceived(ev.Type)
		onEvent(ev)
	})
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", key, err)
	}
	sub.handle = h
	return sub, nil
}

// Key returns the conversation the subscription is bound to.
func (s *Subscription) Key() ConversationKey { return s.key }

// Closed reports whether Close has been called.
func (s *Subscription) Closed() bool { return s.closed.Load() }

// Close releases the subscription. Calling it again is a no-op.
func (s *Subscription) Close() error {
	s.closed.Store(true)
	s.once.Do(func() {
		if s.handle != nil {
			s.err = s.handle.Close()
		}
	})
	return s.err
}

package chatsync

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// DefaultTypingInterval is the minimum gap between typing.start commands.
const DefaultTypingInterval = 2 * time.Second

// Conversation is the controller of one open conversation screen. It owns a
// MessageStore, a Reconciler and at most one live channel subscription.
//
// Close is the teardown hook: it releases the subscription and discards the
// store. Results of backend calls that complete after Close (or after Switch
// moved to another peer) are not applied.
type Conversation struct {
	backend   Backend
	feed      Feed
	localUser string

	uploader     ImageUploader
	typingSender TypingSender
	pusher       Notifier
	friends      *FriendStore
	cache        *HistoryCache
	metrics      *Metrics
	baseLogger   *zap.Logger
	logger       *zap.Logger
	historyLimit int
	senderName   string
	onStale      func(peerID string)

	mu      sync.Mutex
	peer    string
	store   *MessageStore
	rec     *Reconciler
	sub     *Subscription
	unhook  func()
	closed  bool
	typing  *rate.Limiter
	gen     atomic.Uint64
	opened  bool

	// applyMu orders store writes against teardown. A write checks gen
	// and mutates the store while holding it.
	applyMu sync.Mutex
	pushWG  sync.WaitGroup
	reloads sync.WaitGroup
}

// ConversationOption configures a Conversation.
type ConversationOption func(*Conversation)

func WithConversationLogger(l *zap.Logger) ConversationOption {
	return func(c *Conversation) { c.logger = l }
}

func WithConversationMetrics(m *Metrics) ConversationOption {
	return func(c *Conversation) { c.metrics = m }
}

// WithUploader enables SendImage.
func WithUploader(u ImageUploader) ConversationOption {
	return func(c *Conversation) { c.uploader = u }
}

// WithTypingSender enables Typing.
func WithTypingSender(t TypingSender) ConversationOption {
	return func(c *Conversation) { c.typingSender = t }
}

// WithTypingInterval overrides the typing.start throttle.
func WithTypingInterval(d time.Duration) ConversationOption {
	return func(c *Conversation) { c.typing = rate.NewLimiter(rate.Every(d), 1) }
}

// WithFriendStore lets the stale-friend check drop the peer from the
// session's friends list.
func WithFriendStore(f *FriendStore) ConversationOption {
	return func(c *Conversation) { c.friends = f }
}

// WithHistoryCache seeds the store from cache when the backend is down.
func WithHistoryCache(h *HistoryCache) ConversationOption {
	return func(c *Conversation) { c.cache = h }
}

// WithHistoryLimit sets how many messages a load fetches.
func WithHistoryLimit(n int) ConversationOption {
	return func(c *Conversation) { c.historyLimit = n }
}

// WithPeerPush notifies the peer's device after each confirmed send.
func WithPeerPush(n Notifier, senderName string) ConversationOption {
	return func(c *Conversation) { c.pusher, c.senderName = n, senderName }
}

// OnStaleFriend registers the hook run when a send finds the friendship
// gone, typically navigating away from the conversation.
func OnStaleFriend(fn func(peerID string)) ConversationOption {
	return func(c *Conversation) { c.onStale = fn }
}

// NewConversation creates a controller for the conversation between
// localUser and peer. Call Open to subscribe and load history.
func NewConversation(backend Backend, feed Feed, localUser, peer string, opts ...ConversationOption) (*Conversation, error) {
	if _, err := NewConversationKey(localUser, peer); err != nil {
		return nil, err
	}
	c := &Conversation{
		backend:      backend,
		feed:         feed,
		localUser:    localUser,
		peer:         peer,
		logger:       zap.NewNop(),
		historyLimit: DefaultHistoryLimit,
		typing:       rate.NewLimiter(rate.Every(DefaultTypingInterval), 1),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.baseLogger = c.logger
	c.logger = c.baseLogger.With(zap.String("peer_id", peer))
	c.store = NewMessageStore(WithStoreMetrics(c.metrics))
	rec, err := c.newReconciler(peer)
	if err != nil {
		return nil, err
	}
	c.rec = rec
	return c, nil
}

func (c *Conversation) newReconciler(peer string) (*Reconciler, error) {
	return NewReconciler(c.store, c.localUser, peer,
		WithReconcilerLogger(c.logger),
		WithReconcilerMetrics(c.metrics))
}

// Peer returns the current peer.
func (c *Conversation) Peer() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.peer
}

// Key returns the current conversation key.
func (c *Conversation) Key() ConversationKey {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.rec.Key()
}

// Messages returns a snapshot of the conversation in display order.
func (c *Conversation) Messages() []Message { return c.store.Snapshot() }

// Store exposes the underlying store for read access.
func (c *Conversation) Store() *MessageStore { return c.store }

// OnChange registers a callback run after each visible store mutation.
// Callbacks run while a merge is in progress and must not call Close,
// Switch or any send on c.
func (c *Conversation) OnChange(fn func()) { c.store.OnChange(fn) }

// applyIfCurrent runs fn unless the generation moved past gen, and reports
// whether it ran. teardown cannot reset the store while fn runs.
func (c *Conversation) applyIfCurrent(gen uint64, fn func()) bool {
	c.applyMu.Lock()
	defer c.applyMu.Unlock()
	if c.gen.Load() != gen {
		return false
	}
	fn()
	return true
}

// ── Lifecycle ────────────────────────────────────────────

// Open subscribes to the conversation and loads history. Subscribing first
// means events racing the load are merged instead of lost.
func (c *Conversation) Open(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if c.opened {
		c.mu.Unlock()
		return ErrAlreadyStarted
	}
	c.opened = true
	c.mu.Unlock()
	return c.open(ctx)
}

func (c *Conversation) open(ctx context.Context) error {
	c.mu.Lock()
	gen := c.gen.Add(1)
	peer, rec := c.peer, c.rec
	c.mu.Unlock()

	sub, err := OpenChannel(ctx, c.feed, c.localUser, peer, func(ev MessageEvent) {
		var outcome Outcome
		if !c.applyIfCurrent(gen, func() { outcome = rec.Apply(ev) }) {
			c.metrics.staleDropped()
			return
		}
		c.logger.Debug("event merged",
			zap.String("event", string(ev.Type)),
			zap.String("message_id", ev.Message.ID),
			zap.Stringer("outcome", outcome))
	}, c.metrics)
	if err != nil {
		return err
	}

	var unhook func()
	if rn, ok := c.feed.(ReconnectNotifier); ok {
		unhook = rn.OnReconnected(func() { c.reloadAfterGap(gen) })
	}

	c.mu.Lock()
	if c.closed || c.gen.Load() != gen {
		c.mu.Unlock()
		sub.Close()
		if unhook != nil {
			unhook()
		}
		return ErrClosed
	}
	c.sub, c.unhook = sub, unhook
	c.mu.Unlock()

	seeded, err := c.reload(ctx, gen)
	if err != nil && !seeded {
		c.teardown()
		c.mu.Lock()
		c.opened = false
		c.mu.Unlock()
		return err
	}
	if err != nil {
		c.logger.Warn("history load failed, showing cached messages", zap.Error(err))
	}
	return nil
}

// Reload merges the server history into the store. Optimistic entries still
// in flight are kept, as are events merged while the fetch was running.
func (c *Conversation) Reload(ctx context.Context) error {
	_, err := c.reload(ctx, c.gen.Load())
	return err
}

func (c *Conversation) reloadAfterGap(gen uint64) {
	c.reloads.Add(1)
	defer c.reloads.Done()
	ctx, cancel := context.WithTimeout(context.Background(), DefaultTimeout)
	defer cancel()
	c.logger.Info("reloading history after reconnect")
	if _, err := c.reload(ctx, gen); err != nil {
		c.logger.Warn("reload after reconnect failed", zap.Error(err))
	}
}

// reload reports whether the store was seeded from the cache after a
// failed fetch.
func (c *Conversation) reload(ctx context.Context, gen uint64) (bool, error) {
	c.mu.Lock()
	peer, key := c.peer, c.rec.Key()
	c.mu.Unlock()
	since := c.store.Version()

	history, err := c.backend.GetConversation(ctx, c.localUser, peer, c.historyLimit)
	if c.gen.Load() != gen {
		return false, ErrClosed
	}
	if err != nil {
		if c.cache == nil {
			return false, err
		}
		cached, cerr := c.cache.Load(ctx, key)
		if cerr != nil || len(cached) == 0 {
			return false, err
		}
		if !c.mergeHistory(gen, cached, since) {
			return false, ErrClosed
		}
		return true, err
	}

	if !c.mergeHistory(gen, history, since) {
		return false, ErrClosed
	}
	if c.cache != nil {
		if err := c.cache.Save(ctx, key, c.store.Snapshot()); err != nil {
			c.logger.Warn("history cache write failed", zap.Error(err))
		}
	}
	return false, nil
}

func (c *Conversation) mergeHistory(gen uint64, history []Message, since uint64) bool {
	var reverted []string
	if !c.applyIfCurrent(gen, func() { reverted = c.store.MergeHistory(history, since) }) {
		return false
	}
	for _, id := range reverted {
		c.logger.Warn("history would revert a deletion, keeping it deleted", zap.String("message_id", id))
		c.metrics.deletionReverted()
	}
	return true
}

// Switch tears down the current conversation and opens the one with peer.
// The store is reset, never patched across conversations.
func (c *Conversation) Switch(ctx context.Context, peer string) error {
	if _, err := NewConversationKey(c.localUser, peer); err != nil {
		return err
	}
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	c.mu.Unlock()

	c.teardown()

	c.mu.Lock()
	c.peer = peer
	c.logger = c.baseLogger.With(zap.String("peer_id", peer))
	rec, err := c.newReconciler(peer)
	if err != nil {
		c.mu.Unlock()
		return err
	}
	c.rec = rec
	c.opened = true
	c.mu.Unlock()
	return c.open(ctx)
}

// Close releases the subscription and discards the store. It is safe to
// call more than once and from any goroutine.
func (c *Conversation) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	if c.cache != nil && c.store.Len() > 0 {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := c.cache.Save(ctx, c.Key(), c.store.Snapshot()); err != nil {
			c.logger.Warn("history cache write failed", zap.Error(err))
		}
		cancel()
	}
	err := c.teardown()
	c.reloads.Wait()
	c.pushWG.Wait()
	return err
}

// Closed reports whether Close has been called.
func (c *Conversation) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// teardown invalidates in-flight callbacks, closes the subscription and
// resets the store.
func (c *Conversation) teardown() error {
	c.gen.Add(1)
	c.mu.Lock()
	sub, unhook := c.sub, c.unhook
	c.sub, c.unhook = nil, nil
	c.mu.Unlock()

	if unhook != nil {
		unhook()
	}
	var err error
	if sub != nil {
		err = sub.Close()
	}
	c.applyMu.Lock()
	c.store.Reset()
	c.applyMu.Unlock()
	return err
}

// ── Sending ──────────────────────────────────────────────

// ensureFriend re-checks the friend edge right before a send.
func (c *Conversation) ensureFriend(ctx context.Context, peer string) error {
	ok, err := c.backend.IsFriend(ctx, c.localUser, peer)
	if err != nil {
		return err
	}
	if ok {
		return nil
	}
	c.logger.Warn("friendship gone, blocking send")
	if c.friends != nil {
		c.friends.Remove(peer)
	}
	if c.onStale != nil {
		c.onStale(peer)
	}
	return ErrNotFriends
}

// SendText sends a text message optimistically. On failure the optimistic
// entry is rolled back and a *SendError is returned.
func (c *Conversation) SendText(ctx context.Context, text string) (Message, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return Message{}, ErrEmptyContent
	}
	gen, peer, rec, err := c.current()
	if err != nil {
		return Message{}, err
	}
	if err := c.ensureFriend(ctx, peer); err != nil {
		return Message{}, err
	}

	local, err := c.beginSend(gen, rec, Message{ReceiverID: peer, Kind: KindText, Content: text})
	if err != nil {
		return Message{}, err
	}
	confirmed, err := c.backend.SendMessage(ctx, c.localUser, peer, text, KindText)
	return c.finishSend(gen, rec, local, confirmed, err)
}

// SendImage uploads an image and sends it as a message. The optimistic entry
// appears before the upload starts.
func (c *Conversation) SendImage(ctx context.Context, fileName string, r io.Reader) (Message, error) {
	if c.uploader == nil {
		return Message{}, ErrNoUploader
	}
	gen, peer, rec, err := c.current()
	if err != nil {
		return Message{}, err
	}
	if err := c.ensureFriend(ctx, peer); err != nil {
		return Message{}, err
	}

	local, err := c.beginSend(gen, rec, Message{ReceiverID: peer, Kind: KindImage, Content: ImagePlaceholder})
	if err != nil {
		return Message{}, err
	}
	media, err := c.uploader.UploadImage(ctx, c.localUser, fileName, r)
	if err != nil {
		return c.finishSend(gen, rec, local, Message{}, fmt.Errorf("upload image: %w", err))
	}
	// Lets an early echo match this entry by storage key.
	c.applyIfCurrent(gen, func() { c.store.ApplyUpdate(local.ID, MessagePatch{Media: &media}) })
	confirmed, err := c.backend.SendImageMessage(ctx, c.localUser, peer, media.URL, media.StorageKey)
	sent, err := c.finishSend(gen, rec, local, confirmed, err)
	if err != nil && refused(err) {
		c.discardUpload(media)
	}
	return sent, err
}

// discardUpload removes an image whose message the backend refused. A
// failure that may still have landed keeps the image.
func (c *Conversation) discardUpload(media MediaRef) {
	d, ok := c.uploader.(ImageDeleter)
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := d.DeleteImage(ctx, media.StorageKey); err != nil {
		c.logger.Warn("orphaned image not removed", zap.String("storage_key", media.StorageKey), zap.Error(err))
	}
}

func (c *Conversation) beginSend(gen uint64, rec *Reconciler, draft Message) (Message, error) {
	var local Message
	var err error
	if !c.applyIfCurrent(gen, func() { local, err = rec.BeginSend(draft) }) {
		return Message{}, ErrClosed
	}
	return local, err
}

func (c *Conversation) finishSend(gen uint64, rec *Reconciler, local, confirmed Message, sendErr error) (Message, error) {
	if sendErr != nil {
		var m Message
		err := error(&SendError{TempID: local.ID, Err: sendErr})
		c.applyIfCurrent(gen, func() {
			var confirmedID string
			if confirmedID, err = rec.Fail(local.ID, sendErr); err == nil {
				m, _ = c.store.Get(confirmedID)
			}
		})
		if err != nil {
			return Message{}, err
		}
		return m, nil
	}
	c.applyIfCurrent(gen, func() {
		if err := rec.Confirm(local.ID, confirmed); err != nil {
			c.logger.Warn("confirm failed", zap.String("temp_id", local.ID), zap.Error(err))
		}
	})
	c.pushToPeer(confirmed)
	return confirmed, nil
}

func (c *Conversation) pushToPeer(m Message) {
	if c.pusher == nil {
		return
	}
	n := messageNotification(c.senderName, m)
	c.pushWG.Add(1)
	go func() {
		defer c.pushWG.Done()
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := c.pusher.Notify(ctx, n); err != nil {
			c.logger.Warn("peer push failed", zap.String("message_id", m.ID), zap.Error(err))
		}
	}()
}

func (c *Conversation) current() (uint64, string, *Reconciler, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return 0, "", nil, ErrClosed
	}
	return c.gen.Load(), c.peer, c.rec, nil
}

// ── Mutations ────────────────────────────────────────────

// ownMessage returns the confirmed message id sent by the local user.
func (c *Conversation) ownMessage(id string) (Message, error) {
	m, ok := c.store.Get(id)
	if !ok || m.IsLocal() {
		return Message{}, ErrUnknownMessage
	}
	if m.SenderID != c.localUser {
		return Message{}, ErrNotOwner
	}
	return m, nil
}

// Unsend soft-deletes one of the local user's messages. The store is only
// patched after the backend confirms, since deletion cannot be rolled back.
func (c *Conversation) Unsend(ctx context.Context, id string) (Message, error) {
	gen, _, rec, err := c.current()
	if err != nil {
		return Message{}, err
	}
	m, err := c.ownMessage(id)
	if err != nil {
		return Message{}, err
	}
	if m.IsDeleted {
		return m, nil
	}
	updated, err := c.backend.DeleteMessage(ctx, id)
	if err != nil {
		return Message{}, fmt.Errorf("unsend %s: %w", id, err)
	}
	if !updated.IsDeleted {
		updated.IsDeleted = true
	}
	c.applyIfCurrent(gen, func() { rec.Apply(MessageEvent{Type: EventUpdated, Message: updated}) })
	return updated, nil
}

// Edit replaces the content of one of the local user's messages.
func (c *Conversation) Edit(ctx context.Context, id, text string) (Message, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return Message{}, ErrEmptyContent
	}
	gen, _, rec, err := c.current()
	if err != nil {
		return Message{}, err
	}
	m, err := c.ownMessage(id)
	if err != nil {
		return Message{}, err
	}
	if m.IsDeleted {
		return Message{}, ErrMessageDeleted
	}
	updated, err := c.backend.EditMessage(ctx, id, text)
	if err != nil {
		return Message{}, fmt.Errorf("edit %s: %w", id, err)
	}
	var outcome Outcome
	c.applyIfCurrent(gen, func() { outcome = rec.Apply(MessageEvent{Type: EventUpdated, Message: updated}) })
	if outcome == OutcomeRejected {
		return Message{}, ErrDeletionReverted
	}
	return updated, nil
}

// Typing publishes the local user's typing state. Starts are throttled;
// stops are always sent.
func (c *Conversation) Typing(ctx context.Context, typing bool) error {
	if c.typingSender == nil {
		return nil
	}
	_, peer, _, err := c.current()
	if err != nil {
		return err
	}
	if typing && !c.typing.Allow() {
		return nil
	}
	if err := c.typingSender.SendTyping(ctx, peer, typing); err != nil && !errors.Is(err, context.Canceled) {
		c.logger.Debug("typing indicator not sent", zap.Error(err))
		return err
	}
	return nil
}

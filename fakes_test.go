package chatsync

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"
)

// ============================================================================
// fakeBackend
// ============================================================================

type fakeBackend struct {
	mu         sync.Mutex
	next       int
	msgs       map[string]Message
	friends    map[string][]User
	notFriends map[string]bool

	historyErr error
	sendErr    error
	uploadErr  error
	friendErr  error
	// beforeSendReturn runs after the message is stored and before the
	// send call returns, simulating an echo racing the HTTP response.
	beforeSendReturn func(m Message)
	// duringHistory runs after a history page is read and before it is
	// returned, simulating events that race the fetch.
	duringHistory func()

	calls         map[string]Call
	sent          int
	historyHit    int
	deletedImages []string
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		msgs:       make(map[string]Message),
		friends:    make(map[string][]User),
		notFriends: make(map[string]bool),
		calls:      make(map[string]Call),
	}
}

func (b *fakeBackend) seed(msgs ...Message) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, m := range msgs {
		b.msgs[m.ID] = m
	}
}

func (b *fakeBackend) GetConversation(_ context.Context, userID, peerID string, limit int) ([]Message, error) {
	out, err := b.history(userID, peerID, limit)
	b.mu.Lock()
	hook := b.duringHistory
	b.mu.Unlock()
	if hook != nil {
		hook()
	}
	return out, err
}

func (b *fakeBackend) history(userID, peerID string, limit int) ([]Message, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.historyHit++
	if b.historyErr != nil {
		return nil, b.historyErr
	}
	key, _ := NewConversationKey(userID, peerID)
	store := NewMessageStore()
	for _, m := range b.msgs {
		if m.Key() == key {
			_ = store.Insert(m)
		}
	}
	out := store.Snapshot()
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

func (b *fakeBackend) store(senderID, receiverID, content string, kind Kind, media *MediaRef) (Message, error) {
	b.mu.Lock()
	if b.sendErr != nil {
		err := b.sendErr
		b.mu.Unlock()
		return Message{}, err
	}
	b.next++
	b.sent++
	m := Message{
		ID:         fmt.Sprintf("srv-%d", b.next),
		SenderID:   senderID,
		ReceiverID: receiverID,
		Kind:       kind,
		Content:    content,
		Media:      media,
		CreatedAt:  t0.Add(time.Duration(b.next) * time.Minute),
	}
	b.msgs[m.ID] = m
	hook := b.beforeSendReturn
	b.mu.Unlock()
	if hook != nil {
		hook(m)
	}
	return m, nil
}

func (b *fakeBackend) SendMessage(_ context.Context, senderID, receiverID, content string, kind Kind) (Message, error) {
	return b.store(senderID, receiverID, content, kind, nil)
}

func (b *fakeBackend) SendImageMessage(_ context.Context, senderID, receiverID, mediaURL, mediaKey string) (Message, error) {
	return b.store(senderID, receiverID, ImagePlaceholder, KindImage, &MediaRef{URL: mediaURL, StorageKey: mediaKey})
}

func (b *fakeBackend) DeleteMessage(_ context.Context, id string) (Message, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	m, ok := b.msgs[id]
	if !ok {
		return Message{}, &APIError{Code: "NOT_FOUND", Message: "no such message", Status: 404}
	}
	m.IsDeleted = true
	m.Content = UnsentPlaceholder
	m.Kind = KindText
	m.Media = nil
	b.msgs[id] = m
	return m, nil
}

func (b *fakeBackend) EditMessage(_ context.Context, id, content string) (Message, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	m, ok := b.msgs[id]
	if !ok {
		return Message{}, &APIError{Code: "NOT_FOUND", Message: "no such message", Status: 404}
	}
	edited := t0.Add(time.Hour)
	m.Content = content
	m.EditedAt = &edited
	b.msgs[id] = m
	return m, nil
}

func (b *fakeBackend) IsFriend(_ context.Context, userID, peerID string) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.friendErr != nil {
		return false, b.friendErr
	}
	return !b.notFriends[peerID], nil
}

func (b *fakeBackend) GetFriends(_ context.Context, userID string) ([]User, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.friendErr != nil {
		return nil, b.friendErr
	}
	return b.friends[userID], nil
}

func (b *fakeBackend) UploadImage(_ context.Context, userID, fileName string, r io.Reader) (MediaRef, error) {
	if _, err := io.ReadAll(r); err != nil {
		return MediaRef{}, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.uploadErr != nil {
		return MediaRef{}, b.uploadErr
	}
	key := userID + "/" + fileName
	return MediaRef{URL: "https://cdn.test/" + key, StorageKey: key}, nil
}

func (b *fakeBackend) DeleteImage(_ context.Context, key string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.deletedImages = append(b.deletedImages, key)
	return nil
}

func (b *fakeBackend) CreateCall(_ context.Context, callerID, callerName, receiverID string) (Call, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.next++
	c := Call{
		ID:         fmt.Sprintf("call-%d", b.next),
		CallerID:   callerID,
		CallerName: callerName,
		ReceiverID: receiverID,
		Status:     CallRinging,
		CreatedAt:  t0,
	}
	b.calls[c.ID] = c
	return c, nil
}

func (b *fakeBackend) UpdateCallStatus(_ context.Context, id string, status CallStatus) (Call, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	c, ok := b.calls[id]
	if !ok {
		return Call{}, errors.New("unknown call")
	}
	now := t0.Add(time.Minute)
	switch status {
	case CallActive:
		c.StartedAt = &now
	case CallEnded:
		end := now.Add(90 * time.Second)
		c.EndedAt = &end
	}
	c.Status = status
	b.calls[id] = c
	return c, nil
}

func (b *fakeBackend) GetActiveCalls(_ context.Context, userID string) ([]Call, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []Call
	for _, c := range b.calls {
		if c.Status != CallEnded && (c.CallerID == userID || c.ReceiverID == userID) {
			out = append(out, c)
		}
	}
	return out, nil
}

// ============================================================================
// fakeFeed
// ============================================================================

type typingCall struct {
	peer   string
	typing bool
}

type fakeFeed struct {
	hub         *feedHub
	reconnected listeners[struct{}]
	presence    listeners[PresenceEntry]
	typingIn    listeners[TypingUpdate]
	calls       listeners[CallEvent]

	mu        sync.Mutex
	subErr    error
	typingOut []typingCall
	online    []bool
}

func newFakeFeed() *fakeFeed {
	return &fakeFeed{hub: newFeedHub()}
}

func (f *fakeFeed) SubscribeToMessages(_ context.Context, userID, peerID string, fn func(MessageEvent)) (Handle, error) {
	f.mu.Lock()
	err := f.subErr
	f.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return f.hub.add(PairFilter(userID, peerID), fn), nil
}

func (f *fakeFeed) SubscribeToUserMessages(_ context.Context, userID string, fn func(MessageEvent)) (Handle, error) {
	f.mu.Lock()
	err := f.subErr
	f.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return f.hub.add(UserFilter(userID), fn), nil
}

func (f *fakeFeed) SubscribeToCalls(_ context.Context, userID string, fn func(CallEvent)) (Handle, error) {
	return closerFunc(f.calls.add(fn)), nil
}

func (f *fakeFeed) OnReconnected(fn func()) func() {
	return f.reconnected.add(func(struct{}) { fn() })
}

func (f *fakeFeed) OnPresence(fn func(PresenceEntry)) func() { return f.presence.add(fn) }

func (f *fakeFeed) OnTyping(fn func(TypingUpdate)) func() { return f.typingIn.add(fn) }

func (f *fakeFeed) SendTyping(_ context.Context, peerID string, typing bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.typingOut = append(f.typingOut, typingCall{peer: peerID, typing: typing})
	return nil
}

func (f *fakeFeed) UpdatePresence(_ context.Context, online bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.online = append(f.online, online)
	return nil
}

func (f *fakeFeed) publish(ev MessageEvent) int { return f.hub.publish(ev) }

func (f *fakeFeed) subscribers() int { return f.hub.len() }

func (f *fakeFeed) typingSent() []typingCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]typingCall(nil), f.typingOut...)
}

// ============================================================================
// fakeNotifier
// ============================================================================

type fakeNotifier struct {
	mu   sync.Mutex
	got  []Notification
	err  error
	sent chan Notification
}

func newFakeNotifier() *fakeNotifier {
	return &fakeNotifier{sent: make(chan Notification, 16)}
}

func (n *fakeNotifier) Notify(_ context.Context, note Notification) error {
	n.mu.Lock()
	n.got = append(n.got, note)
	err := n.err
	n.mu.Unlock()
	n.sent <- note
	return err
}

func (n *fakeNotifier) all() []Notification {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]Notification(nil), n.got...)
}

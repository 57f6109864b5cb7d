package chatsync

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestGate(t *testing.T, opts ...GateOption) (*NotificationGate, *fakeFeed, *fakeNotifier) {
	t.Helper()
	friends := NewFriendStore()
	friends.SetFriends([]User{{ID: "bob", Username: "Bob"}, {ID: "carol", Username: "Carol"}})
	n := newFakeNotifier()
	f := newFakeFeed()
	g := NewNotificationGate("alice", friends, NewPresenceStore(), n, opts...)
	require.NoError(t, g.Start(context.Background(), f))
	t.Cleanup(func() { g.Stop() })
	return g, f, n
}

func waitNotification(t *testing.T, n *fakeNotifier) Notification {
	t.Helper()
	select {
	case got := <-n.sent:
		return got
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for notification")
		return Notification{}
	}
}

func TestNotificationGateSuppression(t *testing.T) {
	g, f, n := newTestGate(t)
	g.SetActivePeer("bob")

	f.publish(inserted(textMsg("1", "bob", "alice", "you there?", 0)))
	f.publish(inserted(textMsg("2", "carol", "alice", "lunch?", time.Second)))

	got := waitNotification(t, n)
	assert.Equal(t, "Carol", got.Title)
	assert.Equal(t, "lunch?", got.Body)
	assert.Equal(t, "carol", got.Data["sender_id"])

	require.NoError(t, g.Stop())
	assert.Len(t, n.all(), 1, "the active peer never notifies")
}

func TestNotificationGateShouldNotify(t *testing.T) {
	g, _, _ := newTestGate(t)

	fromBob := textMsg("1", "bob", "alice", "hi", 0)
	assert.True(t, g.ShouldNotify(fromBob))

	g.SetActivePeer("bob")
	assert.False(t, g.ShouldNotify(fromBob))
	assert.False(t, g.ShouldNotify(textMsg("2", "alice", "bob", "mine", 0)), "own messages")

	g.ClearActivePeer("carol")
	assert.Equal(t, "bob", g.ActivePeer(), "clearing another peer is a no-op")
	g.ClearActivePeer("bob")
	assert.True(t, g.ShouldNotify(fromBob))
}

func TestNotificationGateIgnoresUpdates(t *testing.T) {
	g, f, n := newTestGate(t)
	del := textMsg("1", "bob", "alice", "", 0)
	del.IsDeleted = true
	f.publish(updated(del))

	require.NoError(t, g.Stop())
	assert.Empty(t, n.all())
}

func TestNotificationGateUnknownSender(t *testing.T) {
	_, f, n := newTestGate(t)
	img := textMsg("1", "dave", "alice", ImagePlaceholder, 0)
	img.Kind = KindImage
	f.publish(inserted(img))

	got := waitNotification(t, n)
	assert.Equal(t, "New message", got.Title)
	assert.Equal(t, PhotoPreview, got.Body)
}

func TestNotificationGateStartOnce(t *testing.T) {
	g, f, _ := newTestGate(t)
	assert.ErrorIs(t, g.Start(context.Background(), f), ErrAlreadyStarted)
	assert.Equal(t, 1, f.subscribers())

	require.NoError(t, g.Stop())
	assert.Zero(t, f.subscribers())
}

func TestNotificationGatePresence(t *testing.T) {
	friends := NewFriendStore()
	presence := NewPresenceStore()
	f := newFakeFeed()
	g := NewNotificationGate("alice", friends, presence, newFakeNotifier())
	require.NoError(t, g.Start(context.Background(), f))
	defer g.Stop()

	f.presence.emit(PresenceEntry{UserID: "bob", IsOnline: true})
	assert.Equal(t, "Online", presence.StatusText("bob"))

	f.typingIn.emit(TypingUpdate{UserID: "bob", PeerID: "alice", IsTyping: true})
	assert.True(t, presence.IsTyping("bob"))
	f.typingIn.emit(TypingUpdate{UserID: "carol", PeerID: "dave", IsTyping: true})
	assert.False(t, presence.IsTyping("carol"), "typing to someone else")
}

func TestNotificationGateMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)
	g, f, n := newTestGate(t, WithGateMetrics(m))
	n.err = errors.New("push service down")
	g.SetActivePeer("bob")

	f.publish(inserted(textMsg("1", "bob", "alice", "hi", 0)))
	f.publish(inserted(textMsg("2", "carol", "alice", "hi", 0)))
	waitNotification(t, n)
	require.NoError(t, g.Stop())

	assert.Equal(t, 1.0, testutil.ToFloat64(m.notifications.WithLabelValues("suppressed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.notifications.WithLabelValues("failed")))
}

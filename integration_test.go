//go:build integration

package chatsync_test

import (
	"context"
	"fmt"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/LuminPulse-AI/chatsync"
)

// The tests need two users who are already friends on a running backend:
//
//	CHATSYNC_BASE_URL    backend URL (default http://localhost:8080)
//	CHATSYNC_TEST_A      "<user-id>:<token>" of the first user
//	CHATSYNC_TEST_B      "<user-id>:<token>" of the second user

var (
	baseURL = envOr("CHATSYNC_BASE_URL", chatsync.DefaultBaseURL)
	runID   = fmt.Sprintf("%d", time.Now().UnixNano()%1000000)
)

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

type testUser struct {
	user   chatsync.User
	client *chatsync.Client
}

func loadUser(t *testing.T, env string) testUser {
	t.Helper()
	id, token, ok := strings.Cut(os.Getenv(env), ":")
	if !ok || id == "" || token == "" {
		t.Fatalf("%s must be set to <user-id>:<token>", env)
	}
	return testUser{
		user:   chatsync.User{ID: id, Username: id},
		client: chatsync.NewClient(token, chatsync.WithBaseURL(baseURL), chatsync.WithTimeout(15*time.Second), chatsync.WithLogger(zaptest.NewLogger(t))),
	}
}

// liveSession logs u in over a realtime feed.
func liveSession(t *testing.T, ctx context.Context, u testUser) *chatsync.Session {
	t.Helper()
	rc := u.client.Realtime(&chatsync.RealtimeConfig{AutoReconnect: true})
	if err := rc.Connect(ctx); err != nil {
		t.Fatalf("connect realtime for %s: %v", u.user.ID, err)
	}
	t.Cleanup(func() { rc.Disconnect() })

	s := chatsync.NewSession(u.client, rc, chatsync.LogNotifier{Logger: zaptest.NewLogger(t)})
	if err := s.Login(ctx, u.user); err != nil {
		t.Fatalf("login %s: %v", u.user.ID, err)
	}
	t.Cleanup(func() { s.Logout(context.Background()) })
	return s
}

func waitFor(t *testing.T, cond func() bool, what string) {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(100 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func find(msgs []chatsync.Message, id string) (chatsync.Message, bool) {
	for _, m := range msgs {
		if m.ID == id {
			return m, true
		}
	}
	return chatsync.Message{}, false
}

func TestIntegration_ConversationLifecycle(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	a, b := loadUser(t, "CHATSYNC_TEST_A"), loadUser(t, "CHATSYNC_TEST_B")
	sa, sb := liveSession(t, ctx, a), liveSession(t, ctx, b)

	ca, err := sa.OpenConversation(ctx, b.user.ID)
	require.NoError(t, err)
	cb, err := sb.OpenConversation(ctx, a.user.ID)
	require.NoError(t, err)

	text := "hello " + runID
	sent, err := ca.SendText(ctx, text)
	require.NoError(t, err)
	assert.False(t, sent.IsLocal())

	// The sender keeps exactly one copy despite the echo.
	waitFor(t, func() bool { _, ok := find(cb.Messages(), sent.ID); return ok }, "delivery to receiver")
	n := 0
	for _, m := range ca.Messages() {
		if m.Content == text {
			n++
		}
	}
	assert.Equal(t, 1, n)

	edited, err := ca.Edit(ctx, sent.ID, text+" (edited)")
	require.NoError(t, err)
	assert.NotNil(t, edited.EditedAt)
	waitFor(t, func() bool {
		m, ok := find(cb.Messages(), sent.ID)
		return ok && m.EditedAt != nil
	}, "edit to reach receiver")

	_, err = ca.Unsend(ctx, sent.ID)
	require.NoError(t, err)
	waitFor(t, func() bool {
		m, ok := find(cb.Messages(), sent.ID)
		return ok && m.IsDeleted
	}, "unsend to reach receiver")

	_, err = cb.Unsend(ctx, sent.ID)
	assert.ErrorIs(t, err, chatsync.ErrNotOwner)
}

func TestIntegration_History(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	a, b := loadUser(t, "CHATSYNC_TEST_A"), loadUser(t, "CHATSYNC_TEST_B")
	sent, err := a.client.SendMessage(ctx, a.user.ID, b.user.ID, "history "+runID, chatsync.KindText)
	require.NoError(t, err)

	msgs, err := b.client.GetConversation(ctx, b.user.ID, a.user.ID, 10)
	require.NoError(t, err)
	require.NotEmpty(t, msgs)
	assert.Equal(t, sent.ID, msgs[len(msgs)-1].ID, "newest message is last")

	ok, err := a.client.IsFriend(ctx, a.user.ID, b.user.ID)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestIntegration_Call(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	a, b := loadUser(t, "CHATSYNC_TEST_A"), loadUser(t, "CHATSYNC_TEST_B")
	sa, sb := liveSession(t, ctx, a), liveSession(t, ctx, b)
	require.NotNil(t, sa.Calls())
	require.NotNil(t, sb.Calls())

	incoming := make(chan chatsync.Call, 1)
	sb.Calls().OnIncoming(func(c chatsync.Call) {
		select {
		case incoming <- c:
		default:
		}
	})

	call, err := sa.Calls().Initiate(ctx, b.user.ID)
	require.NoError(t, err)
	select {
	case c := <-incoming:
		assert.Equal(t, call.ID, c.ID)
	case <-ctx.Done():
		t.Fatal("receiver never saw the call")
	}

	_, err = sb.Calls().Accept(ctx, call.ID)
	require.NoError(t, err)
	ended, err := sa.Calls().End(ctx, call.ID)
	require.NoError(t, err)
	assert.Equal(t, chatsync.CallEnded, ended.Status)
}

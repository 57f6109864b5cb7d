package chatsync

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type tokenMap map[string]string

func (m tokenMap) GetPushToken(_ context.Context, userID string) (string, error) {
	if userID == "broken" {
		return "", errors.New("lookup failed")
	}
	return m[userID], nil
}

func TestMessageNotification(t *testing.T) {
	n := messageNotification("Bob", textMsg("m1", "bob", "alice", strings.Repeat("x", 120), 0))
	assert.Equal(t, "alice", n.To)
	assert.Equal(t, "Bob", n.Title)
	assert.Len(t, n.Body, PreviewLength)
	assert.Equal(t, map[string]string{"type": "message", "sender_id": "bob", "message_id": "m1"}, n.Data)
}

func TestPushNotifier(t *testing.T) {
	var got []pushMessage
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "POST", r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		var msg pushMessage
		if !assert.NoError(t, json.NewDecoder(r.Body).Decode(&msg)) {
			return
		}
		got = append(got, msg)
		if msg.To == "ExponentPushToken[bad]" {
			http.Error(w, "DeviceNotRegistered", http.StatusBadRequest)
			return
		}
		w.Write([]byte(`{"data":{"status":"ok"}}`))
	}))
	defer srv.Close()

	tokens := tokenMap{"alice": "ExponentPushToken[abc]", "carol": "ExponentPushToken[bad]"}
	p := NewPushNotifier(tokens, WithPushEndpoint(srv.URL), WithPushHTTPClient(srv.Client()))
	ctx := context.Background()

	require.NoError(t, p.Notify(ctx, Notification{To: "alice", Title: "Bob", Body: "hi", Data: map[string]string{"type": "message"}}))
	require.Len(t, got, 1)
	assert.Equal(t, "ExponentPushToken[abc]", got[0].To)
	assert.Equal(t, "default", got[0].Sound)
	assert.Equal(t, "message", got[0].Data["type"])

	t.Run("no token is skipped", func(t *testing.T) {
		require.NoError(t, p.Notify(ctx, Notification{To: "dave", Title: "x"}))
		assert.Len(t, got, 1)
	})

	t.Run("errors", func(t *testing.T) {
		assert.Error(t, p.Notify(ctx, Notification{Title: "x"}))
		assert.ErrorContains(t, p.Notify(ctx, Notification{To: "broken"}), "lookup failed")
		assert.ErrorContains(t, p.Notify(ctx, Notification{To: "carol"}), "push failed (400)")
	})
}

func TestWriterNotifier(t *testing.T) {
	var buf bytes.Buffer
	w := &WriterNotifier{W: &buf}
	require.NoError(t, w.Notify(context.Background(), Notification{Title: "Bob", Body: "hi"}))
	assert.Equal(t, "🔔 Bob: hi\n", buf.String())
}

func TestNotifierFunc(t *testing.T) {
	var seen Notification
	var n Notifier = NotifierFunc(func(_ context.Context, note Notification) error {
		seen = note
		return nil
	})
	require.NoError(t, n.Notify(context.Background(), Notification{Title: "t"}))
	assert.Equal(t, "t", seen.Title)
	assert.NoError(t, LogNotifier{}.Notify(context.Background(), seen))
}

package chatsync

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeEnvelope(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if status >= 400 {
		json.NewEncoder(w).Encode(map[string]any{"ok": false, "error": data})
		return
	}
	json.NewEncoder(w).Encode(map[string]any{"ok": true, "data": data})
}

func newTestClient(t *testing.T, h http.Handler) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return NewClient("tok-123", WithBaseURL(srv.URL+"/"), WithHTTPClient(srv.Client()))
}

func TestClientGetConversation(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/messages", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer tok-123", r.Header.Get("Authorization"))
		q := r.URL.Query()
		assert.Equal(t, "alice", q.Get("user_id"))
		assert.Equal(t, "bob", q.Get("peer_id"))
		assert.Equal(t, "50", q.Get("limit"))
		writeEnvelope(w, 200, []MessageRow{
			{ID: "m3", SenderID: "bob", ReceiverID: "alice", Content: "third", Type: "text", CreatedAt: "2026-01-01T12:00:03Z"},
			{ID: "bad", SenderID: "bob", ReceiverID: "alice", CreatedAt: "never"},
			{ID: "m1", SenderID: "alice", ReceiverID: "bob", Content: "first", Type: "text", CreatedAt: "2026-01-01T12:00:01Z"},
		})
	})
	c := newTestClient(t, mux)

	msgs, err := c.GetConversation(context.Background(), "alice", "bob", 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"m1", "m3"}, ids(msgs), "oldest first, malformed rows skipped")
}

func TestClientMessageMutations(t *testing.T) {
	var lastBody map[string]any
	row := func(id, content string, deleted bool) MessageRow {
		return MessageRow{ID: id, SenderID: "alice", ReceiverID: "bob", Content: content, Type: "text", IsDeleted: deleted, CreatedAt: "2026-01-01T12:00:00Z"}
	}
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/messages", func(w http.ResponseWriter, r *http.Request) {
		lastBody = nil
		json.NewDecoder(r.Body).Decode(&lastBody)
		writeEnvelope(w, 201, row("m1", lastBody["content"].(string), false))
	})
	mux.HandleFunc("DELETE /api/messages/{id}", func(w http.ResponseWriter, r *http.Request) {
		writeEnvelope(w, 200, row(r.PathValue("id"), UnsentPlaceholder, true))
	})
	mux.HandleFunc("PATCH /api/messages/{id}", func(w http.ResponseWriter, r *http.Request) {
		lastBody = nil
		json.NewDecoder(r.Body).Decode(&lastBody)
		writeEnvelope(w, 200, row(r.PathValue("id"), lastBody["content"].(string), false))
	})
	c := newTestClient(t, mux)
	ctx := context.Background()

	m, err := c.SendMessage(ctx, "alice", "bob", "hi", "")
	require.NoError(t, err)
	assert.Equal(t, "m1", m.ID)
	assert.Equal(t, "text", lastBody["type"])
	assert.Equal(t, "bob", lastBody["receiver_id"])

	_, err = c.SendImageMessage(ctx, "alice", "bob", "https://cdn.test/a.png", "alice/a.png")
	require.NoError(t, err)
	assert.Equal(t, "image", lastBody["type"])
	assert.Equal(t, "alice/a.png", lastBody["image_key"])
	assert.Equal(t, ImagePlaceholder, lastBody["content"])

	m, err = c.DeleteMessage(ctx, "m1")
	require.NoError(t, err)
	assert.True(t, m.IsDeleted)

	m, err = c.EditMessage(ctx, "m1", "edited")
	require.NoError(t, err)
	assert.Equal(t, "edited", m.Content)
}

func TestClientErrors(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/friends/check", func(w http.ResponseWriter, r *http.Request) {
		writeEnvelope(w, 403, map[string]string{"code": "FORBIDDEN", "message": "not allowed"})
	})
	mux.HandleFunc("GET /api/friends", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(502)
		w.Write([]byte("<html>bad gateway</html>"))
	})
	mux.HandleFunc("GET /api/presence/{id}", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(500)
		w.Write([]byte(`{"ok":false}`))
	})
	c := newTestClient(t, mux)
	ctx := context.Background()

	_, err := c.IsFriend(ctx, "alice", "bob")
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, "FORBIDDEN", apiErr.Code)
	assert.Equal(t, 403, apiErr.Status)
	assert.False(t, IsRetryable(err))

	_, err = c.GetFriends(ctx, "alice")
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, "BAD_RESPONSE", apiErr.Code)
	assert.True(t, IsRetryable(err), "5xx is transient")

	_, err = c.GetPresence(ctx, "bob")
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, "Internal Server Error", apiErr.Message)
}

func TestClientNetworkFailure(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	srv.Close()
	c := NewClient("", WithBaseURL(srv.URL), WithTimeout(time.Second))

	_, err := c.GetConversation(context.Background(), "alice", "bob", 10)
	require.Error(t, err)
	assert.True(t, IsRetryable(err))
}

func TestClientFriendsAndPresence(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/friends", func(w http.ResponseWriter, r *http.Request) {
		writeEnvelope(w, 200, []User{{ID: "bob", Username: "bob"}})
	})
	mux.HandleFunc("GET /api/friends/check", func(w http.ResponseWriter, r *http.Request) {
		writeEnvelope(w, 200, map[string]bool{"friends": r.URL.Query().Get("peer_id") == "bob"})
	})
	mux.HandleFunc("GET /api/presence/{id}", func(w http.ResponseWriter, r *http.Request) {
		writeEnvelope(w, 200, map[string]any{"is_online": false, "last_seen": "2026-01-01T12:00:00Z"})
	})
	mux.HandleFunc("PUT /api/presence", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		json.NewDecoder(r.Body).Decode(&body)
		assert.Equal(t, true, body["is_online"])
		writeEnvelope(w, 200, nil)
	})
	mux.HandleFunc("GET /api/users/{id}/push-token", func(w http.ResponseWriter, r *http.Request) {
		writeEnvelope(w, 200, map[string]string{"push_token": "ExponentPushToken[" + r.PathValue("id") + "]"})
	})
	c := newTestClient(t, mux)
	ctx := context.Background()

	friends, err := c.GetFriends(ctx, "alice")
	require.NoError(t, err)
	assert.Len(t, friends, 1)

	ok, err := c.IsFriend(ctx, "alice", "bob")
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = c.IsFriend(ctx, "alice", "carol")
	require.NoError(t, err)
	assert.False(t, ok)

	p, err := c.GetPresence(ctx, "bob")
	require.NoError(t, err)
	assert.Equal(t, "bob", p.UserID)
	assert.True(t, p.LastSeenAt.Equal(t0))

	require.NoError(t, c.UpdatePresence(ctx, "alice", true))

	token, err := c.GetPushToken(ctx, "bob")
	require.NoError(t, err)
	assert.Equal(t, "ExponentPushToken[bob]", token)
}

func TestClientUploadImage(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/storage/images", func(w http.ResponseWriter, r *http.Request) {
		if !assert.NoError(t, r.ParseMultipartForm(1<<20)) {
			return
		}
		assert.Equal(t, "alice", r.FormValue("user_id"))
		f, hdr, err := r.FormFile("file")
		if !assert.NoError(t, err) {
			return
		}
		defer f.Close()
		data, _ := io.ReadAll(f)
		assert.Equal(t, "png-bytes", string(data))
		assert.Equal(t, "cat.png", hdr.Filename)
		assert.Equal(t, "image/png", hdr.Header.Get("Content-Type"))
		key := "alice/" + hdr.Filename
		writeEnvelope(w, 200, map[string]string{"url": "https://cdn.test/" + key, "key": key})
	})
	c := newTestClient(t, mux)

	ref, err := c.UploadImage(context.Background(), "alice", "/tmp/photos/cat.png", strings.NewReader("png-bytes"))
	require.NoError(t, err)
	assert.Equal(t, MediaRef{URL: "https://cdn.test/alice/cat.png", StorageKey: "alice/cat.png"}, ref)
}

func TestClientDeleteImage(t *testing.T) {
	var deleted []string
	mux := http.NewServeMux()
	mux.HandleFunc("DELETE /api/storage/images", func(w http.ResponseWriter, r *http.Request) {
		key := r.URL.Query().Get("key")
		if key == "alice/missing.png" {
			writeEnvelope(w, 404, nil)
			return
		}
		deleted = append(deleted, key)
		writeEnvelope(w, 200, nil)
	})
	c := newTestClient(t, mux)
	ctx := context.Background()

	require.NoError(t, c.DeleteImage(ctx, "alice/cat.png"))
	assert.Equal(t, []string{"alice/cat.png"}, deleted)

	err := c.DeleteImage(ctx, "alice/missing.png")
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, 404, apiErr.Status)

	assert.ErrorIs(t, c.DeleteImage(ctx, ""), ErrEmptyContent)
}

func TestClientUploadImageReadError(t *testing.T) {
	c := NewClient("tok")
	_, err := c.UploadImage(context.Background(), "alice", "a.png", io.MultiReader(strings.NewReader("x"), errReader{}))
	assert.ErrorContains(t, err, "write file data")
}

type errReader struct{}

func (errReader) Read([]byte) (int, error) { return 0, errors.New("disk gone") }

func TestGuessMimeType(t *testing.T) {
	assert.Equal(t, "image/jpeg", guessMimeType("a.JPG"))
	assert.Equal(t, "image/webp", guessMimeType("a.webp"))
	assert.Equal(t, "image/heic", guessMimeType("IMG_0001.heic"))
	assert.Equal(t, "image/png", guessMimeType("a.png"))
	assert.Equal(t, "application/octet-stream", guessMimeType("noext"))
}

func TestClientRealtimeURL(t *testing.T) {
	c := NewClient("tok", WithBaseURL("https://chat.example.com/"))
	assert.Equal(t, "https://chat.example.com", c.BaseURL())
	assert.Equal(t, "wss://chat.example.com/realtime?token=a+b", c.RealtimeURL("a b"))
	assert.Equal(t, "ws://localhost:8080/realtime", NewClient("").RealtimeURL(""))
}

func TestClientCalls(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/calls", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]string
		json.NewDecoder(r.Body).Decode(&body)
		assert.Equal(t, "ringing", body["status"])
		writeEnvelope(w, 201, CallRow{ID: "c1", CallerID: body["caller_id"], CallerName: body["caller_name"], ReceiverID: body["receiver_id"], Status: "ringing", CreatedAt: "2026-01-01T12:00:00Z"})
	})
	mux.HandleFunc("PATCH /api/calls/{id}", func(w http.ResponseWriter, r *http.Request) {
		started := "2026-01-01T12:00:10Z"
		writeEnvelope(w, 200, CallRow{ID: r.PathValue("id"), CallerID: "alice", ReceiverID: "bob", Status: "active", StartedAt: &started})
	})
	mux.HandleFunc("GET /api/calls/active", func(w http.ResponseWriter, r *http.Request) {
		writeEnvelope(w, 200, []CallRow{{ID: "c1", Status: "ringing"}, {ID: "c2", Status: "bogus"}})
	})
	c := newTestClient(t, mux)
	ctx := context.Background()

	call, err := c.CreateCall(ctx, "alice", "Alice", "bob")
	require.NoError(t, err)
	assert.Equal(t, CallRinging, call.Status)
	assert.Equal(t, "Alice", call.CallerName)

	call, err = c.UpdateCallStatus(ctx, "c1", CallActive)
	require.NoError(t, err)
	require.NotNil(t, call.StartedAt)
	assert.Equal(t, 10*time.Second, call.StartedAt.Sub(t0))

	active, err := c.GetActiveCalls(ctx, "alice")
	require.NoError(t, err)
	assert.Len(t, active, 1, "rows with unknown status are dropped")
}

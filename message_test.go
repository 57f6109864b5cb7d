package chatsync

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConversationKey(t *testing.T) {
	a, err := NewConversationKey("bob", "alice")
	require.NoError(t, err)
	b, err := NewConversationKey("alice", "bob")
	require.NoError(t, err)

	assert.Equal(t, a, b, "key is unordered")
	assert.Equal(t, "alice:bob", a.String())
	assert.True(t, a.Contains("bob"))
	assert.False(t, a.Contains(""))
	assert.Equal(t, "alice", a.Other("bob"))

	_, err = NewConversationKey("alice", "alice")
	assert.ErrorIs(t, err, ErrSameUser)
	_, err = NewConversationKey("", "bob")
	assert.Error(t, err)
	assert.True(t, ConversationKey{}.IsZero())
}

func TestMessagePreview(t *testing.T) {
	long := strings.Repeat("é", 150)
	m := textMsg("1", "bob", "alice", long, 0)
	assert.Equal(t, 100, len([]rune(m.Preview(PreviewLength))))

	img := textMsg("2", "bob", "alice", ImagePlaceholder, 0)
	img.Kind = KindImage
	assert.Equal(t, PhotoPreview, img.Preview(PreviewLength))

	img.IsDeleted = true
	assert.Equal(t, UnsentPlaceholder, img.Preview(PreviewLength))
	assert.Equal(t, UnsentPlaceholder, img.DisplayContent())
}

func TestMessageRowConversion(t *testing.T) {
	url, key, edited := "https://cdn.test/a.png", "alice/a.png", "2026-01-01 12:05:00+00"
	row := MessageRow{
		ID:         "m1",
		SenderID:   "alice",
		ReceiverID: "bob",
		Content:    ImagePlaceholder,
		Type:       "image",
		ImageURL:   &url,
		ImageKey:   &key,
		CreatedAt:  "2026-01-01T12:00:00.123456+00:00",
		EditedAt:   &edited,
	}
	m, err := row.ToMessage()
	require.NoError(t, err)
	assert.Equal(t, KindImage, m.Kind)
	require.NotNil(t, m.Media)
	assert.Equal(t, key, m.Media.StorageKey)
	assert.Equal(t, 123456000, m.CreatedAt.Nanosecond())
	require.NotNil(t, m.EditedAt)
	assert.True(t, m.EditedAt.Equal(t0.Add(5*time.Minute)))

	back, err := RowFromMessage(m).ToMessage()
	require.NoError(t, err)
	assert.Equal(t, m, back)

	_, err = MessageRow{CreatedAt: "2026-01-01T12:00:00Z"}.ToMessage()
	assert.Error(t, err, "missing id")
	_, err = MessageRow{ID: "x", CreatedAt: "yesterday"}.ToMessage()
	assert.Error(t, err)

	plain, err := MessageRow{ID: "x", CreatedAt: "2026-01-01 12:00:00"}.ToMessage()
	require.NoError(t, err)
	assert.Equal(t, KindText, plain.Kind)
	assert.Nil(t, plain.Media)
}

func TestParseTimestamp(t *testing.T) {
	for _, s := range []string{
		"2026-01-01T12:00:00Z",
		"2026-01-01T12:00:00.000Z",
		"2026-01-01T14:00:00+02:00",
		"2026-01-01T12:00:00+00",
		"2026-01-01 12:00:00+00:00",
		"2026-01-01 12:00:00",
		" 2026-01-01T12:00:00 ",
	} {
		got, err := parseTimestamp(s)
		require.NoError(t, err, s)
		assert.True(t, got.Equal(t0), s)
	}
}

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "i/o timeout" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		err  error
		want bool
	}{
		{nil, false},
		{ErrNotFriends, false},
		{&SendError{TempID: "t", Err: ErrNotFriends}, false},
		{context.DeadlineExceeded, true},
		{fmt.Errorf("wrap: %w", timeoutErr{}), true},
		{&APIError{Status: 503, Message: "down"}, true},
		{&APIError{Status: 429}, true},
		{&APIError{Status: 400, Code: "BAD_REQUEST"}, false},
		{&APIError{Code: "NETWORK_ERROR"}, true},
		{errors.New("boom"), false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, IsRetryable(tt.err), "%v", tt.err)
	}
}

func TestUserMessage(t *testing.T) {
	assert.Empty(t, UserMessage(nil))
	assert.Equal(t, "You are no longer friends with this user", UserMessage(fmt.Errorf("send: %w", ErrNotFriends)))
	assert.Equal(t, "Failed to send message. Check your connection and try again",
		UserMessage(&SendError{TempID: "t", Err: &APIError{Status: 502}}))
	assert.Equal(t, "Failed to send message", UserMessage(&SendError{TempID: "t", Err: &APIError{Status: 400}}))
	assert.Equal(t, "Network error. Please check your connection", UserMessage(context.DeadlineExceeded))
	assert.Equal(t, "An error occurred. Please try again.", UserMessage(errors.New("boom")))
}

func TestAPIErrorString(t *testing.T) {
	assert.Equal(t, "NOT_FOUND: gone", (&APIError{Code: "NOT_FOUND", Message: "gone"}).Error())
	assert.Equal(t, "http 502: bad gateway", (&APIError{Status: 502, Message: "bad gateway"}).Error())
}

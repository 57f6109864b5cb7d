package chatsync

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
)

// ============================================================================
// Errors
// ============================================================================

var (
	// ErrNotFriends is returned when the friend edge to the peer is gone.
	ErrNotFriends = errors.New("no longer friends with this user")
	// ErrDeletionReverted flags an update that would un-delete a message.
	ErrDeletionReverted = errors.New("update would revert a deleted message")
	// ErrDuplicateID is returned by Insert when the id is already stored.
	ErrDuplicateID = errors.New("message id already present")
	// ErrUnknownMessage is returned when a message id is not in the store.
	ErrUnknownMessage = errors.New("unknown message")
	// ErrNotOwner is returned when mutating another user's message.
	ErrNotOwner = errors.New("message was sent by another user")
	// ErrMessageDeleted is returned when editing an unsent message.
	ErrMessageDeleted = errors.New("message was unsent")
	// ErrSameUser is returned when a conversation names one user twice.
	ErrSameUser = errors.New("conversation requires two distinct users")
	// ErrEmptyContent is returned when sending blank text.
	ErrEmptyContent = errors.New("message content is empty")
	// ErrClosed is returned by operations on a closed component.
	ErrClosed = errors.New("closed")
	// ErrAlreadyStarted is returned when a session-scoped feed is opened twice.
	ErrAlreadyStarted = errors.New("already started")
	// ErrNotLoggedIn is returned by session operations before Login.
	ErrNotLoggedIn = errors.New("not logged in")
	// ErrInvalidTransition is returned for call status regressions.
	ErrInvalidTransition = errors.New("invalid call status transition")
	// ErrNoUploader is returned when image sending is not configured.
	ErrNoUploader = errors.New("image uploads are not configured")
)

// APIError represents an error envelope returned by the backend.
type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Status  int    `json:"-"`
}

func (e *APIError) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("http %d: %s", e.Status, e.Message)
	}
	return e.Code + ": " + e.Message
}

// SendError reports a failed send. The optimistic entry has been rolled back
// and the send is not retried; a retry is a fresh send.
type SendError struct {
	TempID string
	Err    error
}

func (e *SendError) Error() string {
	return fmt.Sprintf("send %s failed: %v", e.TempID, e.Err)
}

func (e *SendError) Unwrap() error { return e.Err }

// IsRetryable reports whether err looks transient (network, timeout, 5xx).
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrNotFriends) || errors.Is(err, ErrNotOwner) || errors.Is(err, ErrEmptyContent) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Status >= http.StatusInternalServerError || apiErr.Status == http.StatusTooManyRequests ||
			apiErr.Code == "TIMEOUT" || apiErr.Code == "NETWORK_ERROR"
	}
	var sendErr *SendError
	return errors.As(err, &sendErr)
}

// UserMessage returns the alert text shown to the user for err.
func UserMessage(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrNotFriends):
		return "You are no longer friends with this user"
	case errors.Is(err, ErrEmptyContent):
		return "Message is empty"
	case errors.Is(err, ErrNotOwner):
		return "You can only change your own messages"
	case errors.Is(err, ErrMessageDeleted):
		return "This message was unsent"
	}
	var sendErr *SendError
	if errors.As(err, &sendErr) {
		if IsRetryable(sendErr.Err) {
			return "Failed to send message. Check your connection and try again"
		}
		return "Failed to send message"
	}
	if IsRetryable(err) {
		return "Network error. Please check your connection"
	}
	return "An error occurred. Please try again."
}

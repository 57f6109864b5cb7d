package chatsync

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"
)

// ============================================================================
// Message Types
// ============================================================================

// Kind is the payload type of a message.
type Kind string

const (
	KindText  Kind = "text"
	KindImage Kind = "image"
)

const (
	// ImagePlaceholder is the content stored for image messages.
	ImagePlaceholder = "Image"
	// UnsentPlaceholder replaces the content of a soft-deleted message.
	UnsentPlaceholder = "This message was unsent"
	// PhotoPreview is the notification preview for image messages.
	PhotoPreview = "📷 Photo"
)

// SyncState tags a message as optimistic (Local) or server-confirmed.
type SyncState int

const (
	SyncConfirmed SyncState = iota
	SyncLocal
)

func (s SyncState) String() string {
	if s == SyncLocal {
		return "local"
	}
	return "confirmed"
}

// MediaRef points at an uploaded image.
type MediaRef struct {
	URL        string `json:"url"`
	StorageKey string `json:"storageKey"`
}

// Message is the unit of conversation content.
//
// ID and CreatedAt are immutable once the backend assigns them. IsDeleted only
// ever moves from false to true.
type Message struct {
	ID         string
	SenderID   string
	ReceiverID string
	Kind       Kind
	Content    string
	Media      *MediaRef
	CreatedAt  time.Time
	IsDeleted  bool
	EditedAt   *time.Time
	State      SyncState
}

// Key returns the conversation this message belongs to.
func (m Message) Key() ConversationKey {
	k, _ := NewConversationKey(m.SenderID, m.ReceiverID)
	return k
}

// IsLocal reports whether the message is an unconfirmed optimistic entry.
func (m Message) IsLocal() bool { return m.State == SyncLocal }

// DisplayContent is the text a UI renders for the message.
func (m Message) DisplayContent() string {
	if m.IsDeleted {
		return UnsentPlaceholder
	}
	return m.Content
}

// Preview returns a notification preview bounded to max runes.
func (m Message) Preview(max int) string {
	if m.Kind == KindImage && !m.IsDeleted {
		return PhotoPreview
	}
	return truncateRunes(m.DisplayContent(), max)
}

func (m Message) clone() Message {
	out := m
	if m.Media != nil {
		media := *m.Media
		out.Media = &media
	}
	if m.EditedAt != nil {
		t := *m.EditedAt
		out.EditedAt = &t
	}
	return out
}

// before orders messages by (CreatedAt, ID).
func before(a, b Message) bool {
	if a.CreatedAt.Equal(b.CreatedAt) {
		return a.ID < b.ID
	}
	return a.CreatedAt.Before(b.CreatedAt)
}

func truncateRunes(s string, max int) string {
	if max <= 0 || utf8.RuneCountInString(s) <= max {
		return s
	}
	runes := []rune(s)
	return string(runes[:max])
}

// ============================================================================
// Conversation Key
// ============================================================================

// ConversationKey is the unordered pair of users identifying a thread.
type ConversationKey struct {
	lo, hi string
}

// NewConversationKey builds a key from two distinct, non-empty user ids.
func NewConversationKey(a, b string) (ConversationKey, error) {
	if a == "" || b == "" {
		return ConversationKey{}, fmt.Errorf("conversation key: empty user id")
	}
	if a == b {
		return ConversationKey{}, ErrSameUser
	}
	if a > b {
		a, b = b, a
	}
	return ConversationKey{lo: a, hi: b}, nil
}

// IsZero reports whether the key is unset.
func (k ConversationKey) IsZero() bool { return k.lo == "" && k.hi == "" }

// Contains reports whether userID is one of the two participants.
func (k ConversationKey) Contains(userID string) bool {
	return userID != "" && (userID == k.lo || userID == k.hi)
}

// Other returns the participant that is not userID.
func (k ConversationKey) Other(userID string) string {
	if userID == k.lo {
		return k.hi
	}
	return k.lo
}

// Users returns both participants in canonical order.
func (k ConversationKey) Users() (string, string) { return k.lo, k.hi }

func (k ConversationKey) String() string { return k.lo + ":" + k.hi }

// ============================================================================
// Events and Patches
// ============================================================================

// EventType distinguishes new messages from mutations of existing ones.
type EventType string

const (
	EventInserted EventType = "inserted"
	EventUpdated  EventType = "updated"
)

// MessageEvent is a normalized change-feed event. Deletion is an
// EventUpdated carrying IsDeleted=true.
//
// Partial is set when the provider only sent the identity of a removed row;
// such an event marks the message deleted and leaves other fields intact.
type MessageEvent struct {
	Type    EventType
	Message Message
	Partial bool
}

// patch returns the store patch an Updated event applies.
func (ev MessageEvent) patch() MessagePatch {
	if ev.Partial {
		deleted := true
		return MessagePatch{IsDeleted: &deleted}
	}
	return PatchFrom(ev.Message)
}

// MessagePatch holds the mutable fields of a message. Nil fields are left
// untouched.
type MessagePatch struct {
	Content    *string
	Kind       *Kind
	Media      *MediaRef
	ClearMedia bool
	IsDeleted  *bool
	EditedAt   *time.Time
}

// PatchFrom turns a full post-update record into a patch.
func PatchFrom(m Message) MessagePatch {
	content, kind, deleted := m.Content, m.Kind, m.IsDeleted
	p := MessagePatch{
		Content:   &content,
		Kind:      &kind,
		IsDeleted: &deleted,
	}
	if m.Media != nil {
		media := *m.Media
		p.Media = &media
	} else {
		p.ClearMedia = true
	}
	if m.EditedAt != nil {
		t := *m.EditedAt
		p.EditedAt = &t
	}
	return p
}

// apply merges p into m and reports whether anything changed.
func (p MessagePatch) apply(m *Message) bool {
	changed := false
	if p.Content != nil && *p.Content != m.Content {
		m.Content = *p.Content
		changed = true
	}
	if p.Kind != nil && *p.Kind != m.Kind {
		m.Kind = *p.Kind
		changed = true
	}
	if p.Media != nil {
		if m.Media == nil || *m.Media != *p.Media {
			media := *p.Media
			m.Media = &media
			changed = true
		}
	} else if p.ClearMedia && m.Media != nil {
		m.Media = nil
		changed = true
	}
	if p.IsDeleted != nil && *p.IsDeleted && !m.IsDeleted {
		m.IsDeleted = true
		changed = true
	}
	if p.EditedAt != nil && (m.EditedAt == nil || !m.EditedAt.Equal(*p.EditedAt)) {
		t := *p.EditedAt
		m.EditedAt = &t
		changed = true
	}
	return changed
}

// reverts reports whether p would un-delete an already deleted message.
func (p MessagePatch) reverts(m Message) bool {
	return m.IsDeleted && p.IsDeleted != nil && !*p.IsDeleted
}

// ============================================================================
// Wire Rows
// ============================================================================

// MessageRow is the backend's row shape for a message.
type MessageRow struct {
	ID         string  `json:"id"`
	SenderID   string  `json:"sender_id"`
	ReceiverID string  `json:"receiver_id"`
	Content    string  `json:"content"`
	Type       string  `json:"type"`
	ImageURL   *string `json:"image_url,omitempty"`
	ImageKey   *string `json:"image_key,omitempty"`
	IsDeleted  bool    `json:"is_deleted"`
	CreatedAt  string  `json:"created_at"`
	EditedAt   *string `json:"edited_at,omitempty"`
}

// ToMessage converts a row into a confirmed Message.
func (r MessageRow) ToMessage() (Message, error) {
	if r.ID == "" {
		return Message{}, fmt.Errorf("message row: missing id")
	}
	created, err := parseTimestamp(r.CreatedAt)
	if err != nil {
		return Message{}, fmt.Errorf("message row %s: %w", r.ID, err)
	}
	m := Message{
		ID:         r.ID,
		SenderID:   r.SenderID,
		ReceiverID: r.ReceiverID,
		Kind:       Kind(r.Type),
		Content:    r.Content,
		CreatedAt:  created,
		IsDeleted:  r.IsDeleted,
		State:      SyncConfirmed,
	}
	if m.Kind == "" {
		m.Kind = KindText
	}
	if r.ImageURL != nil && *r.ImageURL != "" {
		m.Media = &MediaRef{URL: *r.ImageURL}
		if r.ImageKey != nil {
			m.Media.StorageKey = *r.ImageKey
		}
	}
	if r.EditedAt != nil && *r.EditedAt != "" {
		edited, err := parseTimestamp(*r.EditedAt)
		if err != nil {
			return Message{}, fmt.Errorf("message row %s edited_at: %w", r.ID, err)
		}
		m.EditedAt = &edited
	}
	return m, nil
}

// RowFromMessage converts a Message into its wire row.
func RowFromMessage(m Message) MessageRow {
	r := MessageRow{
		ID:         m.ID,
		SenderID:   m.SenderID,
		ReceiverID: m.ReceiverID,
		Content:    m.Content,
		Type:       string(m.Kind),
		IsDeleted:  m.IsDeleted,
		CreatedAt:  m.CreatedAt.UTC().Format(time.RFC3339Nano),
	}
	if m.Media != nil {
		url, key := m.Media.URL, m.Media.StorageKey
		r.ImageURL, r.ImageKey = &url, &key
	}
	if m.EditedAt != nil {
		s := m.EditedAt.UTC().Format(time.RFC3339Nano)
		r.EditedAt = &s
	}
	return r
}

func decodeMessageRow(raw json.RawMessage) (Message, error) {
	var row MessageRow
	if err := json.Unmarshal(raw, &row); err != nil {
		return Message{}, fmt.Errorf("decode message row: %w", err)
	}
	return row.ToMessage()
}

// parseTimestamp tries the timestamp layouts the backend is known to emit.
func parseTimestamp(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	formats := []string{
		time.RFC3339Nano,
		time.RFC3339,
		"2006-01-02T15:04:05.999999999-07",
		"2006-01-02 15:04:05.999999999-07:00",
		"2006-01-02 15:04:05.999999999-07",
		"2006-01-02T15:04:05.999999999",
		"2006-01-02 15:04:05.999999999",
		"2006-01-02 15:04:05",
	}
	for _, f := range formats {
		if t, err := time.Parse(f, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized timestamp format: %q", s)
}

// ============================================================================
// Users and Friends
// ============================================================================

// User is a profile as returned by the backend.
type User struct {
	ID        string `json:"id"`
	Email     string `json:"email,omitempty"`
	Username  string `json:"username"`
	AvatarURL string `json:"avatar_url,omitempty"`
	Bio       string `json:"bio,omitempty"`
}

// FriendRequestStatus is the state of a friend request.
type FriendRequestStatus string

const (
	RequestPending  FriendRequestStatus = "pending"
	RequestAccepted FriendRequestStatus = "accepted"
	RequestRejected FriendRequestStatus = "rejected"
	RequestNone     FriendRequestStatus = "none"
)

// FriendRequest is a pending or resolved friend request.
type FriendRequest struct {
	ID         string              `json:"id"`
	SenderID   string              `json:"sender_id"`
	ReceiverID string              `json:"receiver_id"`
	Status     FriendRequestStatus `json:"status"`
	CreatedAt  string              `json:"created_at"`
	Sender     *User               `json:"sender,omitempty"`
}

// RecentConversation is one partner and the last message exchanged.
type RecentConversation struct {
	Partner     User
	LastMessage Message
}

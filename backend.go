// Package chatsync keeps two-party conversations correct and live on the
// client: ordered message state, optimistic sends reconciled with a realtime
// change feed, presence and notification gating.
//
// Example:
//
//	client := chatsync.NewClient(token, chatsync.WithBaseURL("https://chat.example.com"))
//	feed := client.Realtime(&chatsync.RealtimeConfig{Token: token, AutoReconnect: true})
//	_ = feed.Connect(ctx)
//
//	session := chatsync.NewSession(client, feed, notifier)
//	_ = session.Login(ctx, me)
//	conv, _ := session.OpenConversation(ctx, peerID)
//	conv.SendText(ctx, "Hello!")
package chatsync

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
)

// ============================================================================
// Collaborator Contracts
// ============================================================================

// MessageBackend reads and writes durable messages.
type MessageBackend interface {
	GetConversation(ctx context.Context, userID, peerID string, limit int) ([]Message, error)
	SendMessage(ctx context.Context, senderID, receiverID, content string, kind Kind) (Message, error)
	SendImageMessage(ctx context.Context, senderID, receiverID, mediaURL, mediaKey string) (Message, error)
	DeleteMessage(ctx context.Context, id string) (Message, error)
	EditMessage(ctx context.Context, id, content string) (Message, error)
}

// FriendChecker answers whether the friend edge between two users exists.
type FriendChecker interface {
	IsFriend(ctx context.Context, userID, peerID string) (bool, error)
}

// Backend is what a Conversation needs from the server.
type Backend interface {
	MessageBackend
	FriendChecker
}

// ImageUploader stores an image and returns where it lives.
type ImageUploader interface {
	UploadImage(ctx context.Context, userID, fileName string, r io.Reader) (MediaRef, error)
}

// ImageDeleter removes a stored image by its storage key.
type ImageDeleter interface {
	DeleteImage(ctx context.Context, key string) error
}

// FriendDirectory lists a user's friends.
type FriendDirectory interface {
	GetFriends(ctx context.Context, userID string) ([]User, error)
}

// ============================================================================
// Client
// ============================================================================

const (
	DefaultBaseURL      = "http://localhost:8080"
	DefaultTimeout      = 30 * time.Second
	DefaultHistoryLimit = 50
)

// Client is the HTTP+JSON implementation of the backend contracts.
type Client struct {
	token      string
	baseURL    string
	httpClient *http.Client
	logger     *zap.Logger
}

type ClientOption func(*Client)

func WithBaseURL(url string) ClientOption {
	return func(c *Client) { c.baseURL = strings.TrimRight(url, "/") }
}

func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) { c.httpClient.Timeout = timeout }
}

func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = client }
}

func WithLogger(l *zap.Logger) ClientOption {
	return func(c *Client) { c.logger = l }
}

// NewClient creates a backend client authenticated with token.
func NewClient(token string, opts ...ClientOption) *Client {
	c := &Client{
		token:   token,
		baseURL: DefaultBaseURL,
		httpClient: &http.Client{
			Timeout: DefaultTimeout,
		},
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// SetToken replaces the bearer token, e.g. after a login.
func (c *Client) SetToken(token string) {
	c.token = token
}

// BaseURL returns the configured server address.
func (c *Client) BaseURL() string { return c.baseURL }

// ============================================================================
// Internal request helpers
// ============================================================================

// envelope is the server's response wrapper.
type envelope struct {
	OK    bool            `json:"ok"`
	Data  json.RawMessage `json:"data,omitempty"`
	Error *APIError       `json:"error,omitempty"`
}

func (c *Client) doRequest(ctx context.Context, method, path string, body interface{}, query map[string]string) ([]byte, int, error) {
	u := c.baseURL + path
	if len(query) > 0 {
		params := url.Values{}
		for k, v := range query {
			params.Set(k, v)
		}
		u += "?" + params.Encode()
	}

	var bodyReader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, 0, fmt.Errorf("failed to marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, bodyReader)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	c.setAuthHeaders(req)

	return c.send(req)
}

func (c *Client) send(req *http.Request) ([]byte, int, error) {
	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	c.logger.Debug("backend request",
		zap.String("method", req.Method),
		zap.String("path", req.URL.Path),
		zap.Int("status", resp.StatusCode),
		zap.Duration("elapsed", time.Since(start)))
	if err != nil {
		return nil, resp.StatusCode, fmt.Errorf("read response: %w", err)
	}
	return data, resp.StatusCode, nil
}

func (c *Client) setAuthHeaders(req *http.Request) {
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
}

// do performs a request and decodes the envelope's data into out.
func (c *Client) do(ctx context.Context, method, path string, body interface{}, query map[string]string, out interface{}) error {
	data, status, err := c.doRequest(ctx, method, path, body, query)
	if err != nil {
		return err
	}
	return decodeEnvelope(data, status, out)
}

func decodeEnvelope(data []byte, status int, out interface{}) error {
	env, err := decodeJSON[envelope](data)
	if err != nil {
		return &APIError{Code: "BAD_RESPONSE", Message: err.Error(), Status: status}
	}
	if !env.OK || status >= http.StatusBadRequest {
		apiErr := env.Error
		if apiErr == nil {
			apiErr = &APIError{Message: http.StatusText(status)}
		}
		apiErr.Status = status
		return apiErr
	}
	if out == nil || len(env.Data) == 0 {
		return nil
	}
	if err := json.Unmarshal(env.Data, out); err != nil {
		return fmt.Errorf("failed to decode data: %w", err)
	}
	return nil
}

func decodeJSON[T any](data []byte) (*T, error) {
	var result T
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return &result, nil
}

func (c *Client) doMessage(ctx context.Context, method, path string, body interface{}) (Message, error) {
	var row MessageRow
	if err := c.do(ctx, method, path, body, nil, &row); err != nil {
		return Message{}, err
	}
	return row.ToMessage()
}

// ============================================================================
// Messages
// ============================================================================

// GetConversation returns up to limit of the newest messages between the two
// users, oldest first.
func (c *Client) GetConversation(ctx context.Context, userID, peerID string, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	var rows []MessageRow
	err := c.do(ctx, "GET", "/api/messages", nil, map[string]string{
		"user_id": userID,
		"peer_id": peerID,
		"limit":   strconv.Itoa(limit),
	}, &rows)
	if err != nil {
		return nil, fmt.Errorf("get conversation: %w", err)
	}
	msgs := make([]Message, 0, len(rows))
	// Rows arrive newest first.
	for i := len(rows) - 1; i >= 0; i-- {
		m, err := rows[i].ToMessage()
		if err != nil {
			c.logger.Warn("skipping malformed history row", zap.Error(err))
			continue
		}
		msgs = append(msgs, m)
	}
	return msgs, nil
}

// SendMessage writes a new message and returns the stored record.
func (c *Client) SendMessage(ctx context.Context, senderID, receiverID, content string, kind Kind) (Message, error) {
	if kind == "" {
		kind = KindText
	}
	return c.doMessage(ctx, "POST", "/api/messages", map[string]interface{}{
		"sender_id":   senderID,
		"receiver_id": receiverID,
		"content":     content,
		"type":        kind,
	})
}

// SendImageMessage writes an image message referencing an uploaded image.
func (c *Client) SendImageMessage(ctx context.Context, senderID, receiverID, mediaURL, mediaKey string) (Message, error) {
	return c.doMessage(ctx, "POST", "/api/messages", map[string]interface{}{
		"sender_id":   senderID,
		"receiver_id": receiverID,
		"content":     ImagePlaceholder,
		"type":        KindImage,
		"image_url":   mediaURL,
		"image_key":   mediaKey,
	})
}

// DeleteMessage soft-deletes (unsends) a message.
func (c *Client) DeleteMessage(ctx context.Context, id string) (Message, error) {
	return c.doMessage(ctx, "DELETE", "/api/messages/"+url.PathEscape(id), nil)
}

// EditMessage replaces a message's content.
func (c *Client) EditMessage(ctx context.Context, id, content string) (Message, error) {
	return c.doMessage(ctx, "PATCH", "/api/messages/"+url.PathEscape(id), map[string]string{"content": content})
}

type recentRow struct {
	Partner     User       `json:"partner"`
	LastMessage MessageRow `json:"last_message"`
}

// GetRecentConversations returns one entry per partner, most recent first.
func (c *Client) GetRecentConversations(ctx context.Context, userID string) ([]RecentConversation, error) {
	var rows []recentRow
	if err := c.do(ctx, "GET", "/api/messages/recent", nil, map[string]string{"user_id": userID}, &rows); err != nil {
		return nil, fmt.Errorf("get recent conversations: %w", err)
	}
	out := make([]RecentConversation, 0, len(rows))
	for _, r := range rows {
		m, err := r.LastMessage.ToMessage()
		if err != nil {
			continue
		}
		out = append(out, RecentConversation{Partner: r.Partner, LastMessage: m})
	}
	return out, nil
}

// ============================================================================
// Friends
// ============================================================================

// GetFriends lists accepted friends of userID.
func (c *Client) GetFriends(ctx context.Context, userID string) ([]User, error) {
	var users []User
	if err := c.do(ctx, "GET", "/api/friends", nil, map[string]string{"user_id": userID}, &users); err != nil {
		return nil, fmt.Errorf("get friends: %w", err)
	}
	return users, nil
}

// IsFriend reports whether the two users are currently friends.
func (c *Client) IsFriend(ctx context.Context, userID, peerID string) (bool, error) {
	var res struct {
		Friends bool `json:"friends"`
	}
	err := c.do(ctx, "GET", "/api/friends/check", nil, map[string]string{"user_id": userID, "peer_id": peerID}, &res)
	if err != nil {
		return false, fmt.Errorf("check friendship: %w", err)
	}
	return res.Friends, nil
}

// RemoveFriend deletes the friend edge in both directions.
func (c *Client) RemoveFriend(ctx context.Context, userID, friendID string) error {
	return c.do(ctx, "DELETE", "/api/friends/"+url.PathEscape(friendID), nil, map[string]string{"user_id": userID}, nil)
}

// SendFriendRequest asks receiverID to become a friend.
func (c *Client) SendFriendRequest(ctx context.Context, senderID, receiverID string) (FriendRequest, error) {
	var req FriendRequest
	err := c.do(ctx, "POST", "/api/friends/requests", map[string]string{
		"sender_id":   senderID,
		"receiver_id": receiverID,
	}, nil, &req)
	return req, err
}

// PendingFriendRequests lists requests waiting for userID's answer.
func (c *Client) PendingFriendRequests(ctx context.Context, userID string) ([]FriendRequest, error) {
	var reqs []FriendRequest
	err := c.do(ctx, "GET", "/api/friends/requests", nil, map[string]string{"user_id": userID, "status": string(RequestPending)}, &reqs)
	return reqs, err
}

// RespondFriendRequest accepts or rejects a request.
func (c *Client) RespondFriendRequest(ctx context.Context, requestID string, accept bool) (FriendRequest, error) {
	status := RequestRejected
	if accept {
		status = RequestAccepted
	}
	var req FriendRequest
	err := c.do(ctx, "PATCH", "/api/friends/requests/"+url.PathEscape(requestID), map[string]string{"status": string(status)}, nil, &req)
	return req, err
}

// FriendRequestStatus returns the state of the request between two users,
// or RequestNone.
func (c *Client) FriendRequestStatus(ctx context.Context, userID, peerID string) (FriendRequestStatus, error) {
	var res struct {
		Status FriendRequestStatus `json:"status"`
	}
	err := c.do(ctx, "GET", "/api/friends/requests/status", nil, map[string]string{"user_id": userID, "peer_id": peerID}, &res)
	if err != nil {
		return RequestNone, err
	}
	if res.Status == "" {
		return RequestNone, nil
	}
	return res.Status, nil
}

// ============================================================================
// Presence and push tokens
// ============================================================================

type presenceRow struct {
	UserID   string `json:"user_id"`
	IsOnline bool   `json:"is_online"`
	LastSeen string `json:"last_seen"`
}

func (r presenceRow) entry() PresenceEntry {
	e := PresenceEntry{UserID: r.UserID, IsOnline: r.IsOnline}
	if t, err := parseTimestamp(r.LastSeen); err == nil {
		e.LastSeenAt = t
	}
	return e
}

// GetPresence returns a user's presence entry.
func (c *Client) GetPresence(ctx context.Context, userID string) (PresenceEntry, error) {
	var row presenceRow
	if err := c.do(ctx, "GET", "/api/presence/"+url.PathEscape(userID), nil, nil, &row); err != nil {
		return PresenceEntry{}, fmt.Errorf("get presence: %w", err)
	}
	if row.UserID == "" {
		row.UserID = userID
	}
	return row.entry(), nil
}

// UpdatePresence publishes the caller's own online flag.
func (c *Client) UpdatePresence(ctx context.Context, userID string, online bool) error {
	return c.do(ctx, "PUT", "/api/presence", map[string]interface{}{
		"user_id":   userID,
		"is_online": online,
	}, nil, nil)
}

// GetPushToken returns the device push token registered for userID.
func (c *Client) GetPushToken(ctx context.Context, userID string) (string, error) {
	var res struct {
		PushToken string `json:"push_token"`
	}
	if err := c.do(ctx, "GET", "/api/users/"+url.PathEscape(userID)+"/push-token", nil, nil, &res); err != nil {
		return "", err
	}
	return res.PushToken, nil
}

// ============================================================================
// Image upload
// ============================================================================

// UploadImage stores an image under the user's folder.
func (c *Client) UploadImage(ctx context.Context, userID, fileName string, r io.Reader) (MediaRef, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	_ = w.WriteField("user_id", userID)

	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="file"; filename="%s"`, filepath.Base(fileName)))
	h.Set("Content-Type", guessMimeType(fileName))
	part, err := w.CreatePart(h)
	if err != nil {
		return MediaRef{}, fmt.Errorf("failed to create form file: %w", err)
	}
	if _, err := io.Copy(part, r); err != nil {
		return MediaRef{}, fmt.Errorf("failed to write file data: %w", err)
	}
	_ = w.Close()

	req, err := http.NewRequestWithContext(ctx, "POST", c.baseURL+"/api/storage/images", &buf)
	if err != nil {
		return MediaRef{}, fmt.Errorf("failed to create upload request: %w", err)
	}
	req.Header.Set("Content-Type", w.FormDataContentType())
	c.setAuthHeaders(req)

	data, status, err := c.send(req)
	if err != nil {
		return MediaRef{}, fmt.Errorf("upload failed: %w", err)
	}
	var res struct {
		URL string `json:"url"`
		Key string `json:"key"`
	}
	if err := decodeEnvelope(data, status, &res); err != nil {
		return MediaRef{}, fmt.Errorf("upload failed: %w", err)
	}
	return MediaRef{URL: res.URL, StorageKey: res.Key}, nil
}

// DeleteImage removes an uploaded image. Keys contain the owner's folder,
// so the key travels as a query parameter.
func (c *Client) DeleteImage(ctx context.Context, key string) error {
	if key == "" {
		return fmt.Errorf("delete image: %w", ErrEmptyContent)
	}
	if err := c.do(ctx, "DELETE", "/api/storage/images", nil, map[string]string{"key": key}, nil); err != nil {
		return fmt.Errorf("delete image %s: %w", key, err)
	}
	return nil
}

// guessMimeType returns the MIME type for an image file name.
func guessMimeType(fileName string) string {
	ext := strings.ToLower(filepath.Ext(fileName))
	if ext == "" {
		return "application/octet-stream"
	}
	fallback := map[string]string{
		".webp": "image/webp", ".heic": "image/heic", ".jpg": "image/jpeg",
	}
	if m, ok := fallback[ext]; ok {
		return m
	}
	t := mime.TypeByExtension(ext)
	if t != "" {
		if idx := strings.Index(t, ";"); idx > 0 {
			t = strings.TrimSpace(t[:idx])
		}
		return t
	}
	return "application/octet-stream"
}

// ============================================================================
// Realtime factory
// ============================================================================

// RealtimeURL returns the websocket address of the change feed.
func (c *Client) RealtimeURL(token string) string {
	base := strings.Replace(c.baseURL, "https://", "wss://", 1)
	base = strings.Replace(base, "http://", "ws://", 1)
	if token != "" {
		return base + "/realtime?token=" + url.QueryEscape(token)
	}
	return base + "/realtime"
}

// Realtime creates a change-feed client. Call Connect to establish the
// connection.
func (c *Client) Realtime(config *RealtimeConfig) *RealtimeClient {
	cfg := *config
	if cfg.Token == "" {
		cfg.Token = c.token
	}
	if cfg.Logger == nil {
		cfg.Logger = c.logger
	}
	return newRealtimeClient(c.RealtimeURL(cfg.Token), &cfg)
}

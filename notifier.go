package chatsync

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"

	"go.uber.org/zap"
)

// DefaultPushEndpoint is the Expo push API.
const DefaultPushEndpoint = "https://exp.host/--/api/v2/push/send"

// PreviewLength bounds notification previews in runes.
const PreviewLength = 100

// Notification is a user-visible alert. To names the recipient user when the
// notifier delivers remotely.
type Notification struct {
	To    string            `json:"-"`
	Title string            `json:"title"`
	Body  string            `json:"body"`
	Data  map[string]string `json:"data,omitempty"`
}

// Notifier delivers notifications. Callers treat errors as fire-and-forget.
type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(ctx context.Context, n Notification) error

func (f NotifierFunc) Notify(ctx context.Context, n Notification) error { return f(ctx, n) }

// messageNotification builds the alert for an incoming message.
func messageNotification(senderName string, m Message) Notification {
	if senderName == "" {
		senderName = "New message"
	}
	return Notification{
		To:    m.ReceiverID,
		Title: senderName,
		Body:  m.Preview(PreviewLength),
		Data: map[string]string{
			"type":       "message",
			"sender_id":  m.SenderID,
			"message_id": m.ID,
		},
	}
}

// ============================================================================
// PushNotifier
// ============================================================================

// PushTokenResolver maps a user to their device push token.
type PushTokenResolver interface {
	GetPushToken(ctx context.Context, userID string) (string, error)
}

// PushNotifier posts notifications to an Expo-compatible push endpoint.
type PushNotifier struct {
	endpoint   string
	tokens     PushTokenResolver
	httpClient *http.Client
	logger     *zap.Logger
}

type PushOption func(*PushNotifier)

func WithPushEndpoint(url string) PushOption {
	return func(p *PushNotifier) { p.endpoint = url }
}

func WithPushHTTPClient(c *http.Client) PushOption {
	return func(p *PushNotifier) { p.httpClient = c }
}

func WithPushLogger(l *zap.Logger) PushOption {
	return func(p *PushNotifier) { p.logger = l }
}

// NewPushNotifier creates a notifier resolving device tokens with tokens.
func NewPushNotifier(tokens PushTokenResolver, opts ...PushOption) *PushNotifier {
	p := &PushNotifier{
		endpoint:   DefaultPushEndpoint,
		tokens:     tokens,
		httpClient: &http.Client{Timeout: DefaultTimeout},
		logger:     zap.NewNop(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

type pushMessage struct {
	To    string            `json:"to"`
	Title string            `json:"title"`
	Body  string            `json:"body"`
	Data  map[string]string `json:"data,omitempty"`
	Sound string            `json:"sound"`
}

// Notify delivers n to the device of n.To. A recipient without a registered
// token is skipped silently.
func (p *PushNotifier) Notify(ctx context.Context, n Notification) error {
	if n.To == "" {
		return fmt.Errorf("push: notification has no recipient")
	}
	token, err := p.tokens.GetPushToken(ctx, n.To)
	if err != nil {
		return fmt.Errorf("push: resolve token: %w", err)
	}
	if token == "" {
		p.logger.Debug("push skipped, no device token", zap.String("user_id", n.To))
		return nil
	}

	body, err := json.Marshal(pushMessage{To: token, Title: n.Title, Body: truncateRunes(n.Body, PreviewLength), Data: n.Data, Sound: "default"})
	if err != nil {
		return fmt.Errorf("push: marshal: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, "POST", p.endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("push: create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("push: request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("push failed (%d): %s", resp.StatusCode, string(msg))
	}
	return nil
}

// ============================================================================
// Local notifiers
// ============================================================================

// LogNotifier writes notifications to a zap logger.
type LogNotifier struct {
	Logger *zap.Logger
}

func (l LogNotifier) Notify(_ context.Context, n Notification) error {
	logger := l.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger.Info("notification", zap.String("title", n.Title), zap.String("body", n.Body), zap.Any("data", n.Data))
	return nil
}

// WriterNotifier prints notifications as "title: body" lines.
type WriterNotifier struct {
	mu sync.Mutex
	W  io.Writer
}

func (w *WriterNotifier) Notify(_ context.Context, n Notification) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	_, err := fmt.Fprintf(w.W, "🔔 %s: %s\n", n.Title, n.Body)
	return err
}

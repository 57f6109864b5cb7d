package chatsync

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"go.uber.org/zap"
)

// SignatureHeader carries the hex HMAC-SHA256 of a webhook body.
const SignatureHeader = "X-Chatsync-Signature"

const maxWebhookBody = 1 << 20

// ============================================================================
// Webhook Types
// ============================================================================

// WebhookPayload is a database webhook delivery for one row change.
type WebhookPayload struct {
	Type      string          `json:"type"` // INSERT, UPDATE or DELETE
	Table     string          `json:"table"`
	Schema    string          `json:"schema,omitempty"`
	Record    json.RawMessage `json:"record"`
	OldRecord json.RawMessage `json:"old_record"`
}

// ============================================================================
// Standalone Functions
// ============================================================================

// VerifyWebhookSignature verifies an HMAC-SHA256 signature of body, with or
// without the "sha256=" prefix. The comparison is constant-time.
func VerifyWebhookSignature(body []byte, signature, secret string) bool {
	if len(body) == 0 || signature == "" || secret == "" {
		return false
	}
	sig := strings.TrimPrefix(signature, "sha256=")
	if sig == "" {
		return false
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))

	if len(sig) != len(expected) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(strings.ToLower(sig)), []byte(expected)) == 1
}

// SignWebhookBody returns the signature header value for body.
func SignWebhookBody(body []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// ParseWebhookPayload decodes and validates a webhook body.
func ParseWebhookPayload(body []byte) (*WebhookPayload, error) {
	var payload WebhookPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("invalid JSON in webhook body: %w", err)
	}
	switch strings.ToUpper(payload.Type) {
	case "INSERT", "UPDATE", "DELETE":
	case "":
		return nil, fmt.Errorf("missing type field in webhook payload")
	default:
		return nil, fmt.Errorf("unknown webhook type: %s", payload.Type)
	}
	if payload.Table == "" {
		return nil, fmt.Errorf("missing table field in webhook payload")
	}
	return &payload, nil
}

// ============================================================================
// WebhookReceiver
// ============================================================================

// WebhookReceiver turns signed database webhooks into feed events. It
// implements Feed and CallFeed, so a NotificationGate can run on webhook
// deliveries instead of a socket. Deliveries are dispatched on the request
// goroutine; concurrent requests are serialized per subscriber.
type WebhookReceiver struct {
	secret   string
	messages *feedHub
	calls    listeners[CallEvent]
	logger   *zap.Logger
}

// WebhookOption configures a WebhookReceiver.
type WebhookOption func(*WebhookReceiver)

func WithWebhookLogger(l *zap.Logger) WebhookOption {
	return func(w *WebhookReceiver) { w.logger = l }
}

// NewWebhookReceiver creates a receiver verifying deliveries with secret.
func NewWebhookReceiver(secret string, opts ...WebhookOption) (*WebhookReceiver, error) {
	if secret == "" {
		return nil, fmt.Errorf("webhook secret is required")
	}
	w := &WebhookReceiver{
		secret:   secret,
		messages: newFeedHub(),
		logger:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w, nil
}

// SubscribeToMessages streams changes between userID and peerID.
func (w *WebhookReceiver) SubscribeToMessages(_ context.Context, userID, peerID string, fn func(MessageEvent)) (Handle, error) {
	if _, err := NewConversationKey(userID, peerID); err != nil {
		return nil, err
	}
	return w.messages.add(PairFilter(userID, peerID), fn), nil
}

// SubscribeToUserMessages streams changes of every message involving userID.
func (w *WebhookReceiver) SubscribeToUserMessages(_ context.Context, userID string, fn func(MessageEvent)) (Handle, error) {
	if userID == "" {
		return nil, fmt.Errorf("subscribe: empty user id")
	}
	return w.messages.add(UserFilter(userID), fn), nil
}

// SubscribeToCalls streams call changes involving userID.
func (w *WebhookReceiver) SubscribeToCalls(_ context.Context, userID string, fn func(CallEvent)) (Handle, error) {
	if userID == "" {
		return nil, fmt.Errorf("subscribe calls: empty user id")
	}
	unregister := w.calls.add(func(ev CallEvent) {
		if ev.Call.CallerID == userID || ev.Call.ReceiverID == userID {
			fn(ev)
		}
	})
	return closerFunc(unregister), nil
}

// Handle verifies, parses and dispatches one delivery. It returns the status
// code and response body for the caller to write.
func (w *WebhookReceiver) Handle(body []byte, signature string) (int, any) {
	if !VerifyWebhookSignature(body, signature, w.secret) {
		return http.StatusUnauthorized, map[string]string{"error": "Invalid signature"}
	}
	payload, err := ParseWebhookPayload(body)
	if err != nil {
		return http.StatusBadRequest, map[string]string{"error": err.Error()}
	}

	delivered, err := w.dispatch(payload)
	if err != nil {
		w.logger.Debug("dropping webhook change", zap.String("table", payload.Table), zap.String("event", payload.Type), zap.Error(err))
		return http.StatusUnprocessableEntity, map[string]string{"error": err.Error()}
	}
	return http.StatusOK, map[string]any{"ok": true, "delivered": delivered}
}

func (w *WebhookReceiver) dispatch(p *WebhookPayload) (int, error) {
	switch p.Table {
	case "messages":
		ev, err := normalizeChange(p.Type, p.Record, p.OldRecord)
		if err != nil {
			return 0, err
		}
		return w.messages.publish(ev), nil
	case "calls":
		ev, err := normalizeCallChange(p.Type, p.Record, p.OldRecord)
		if err != nil {
			return 0, err
		}
		w.calls.emit(ev)
		return len(w.calls.snapshot()), nil
	default:
		return 0, nil
	}
}

// ServeHTTP implements http.Handler.
func (w *WebhookReceiver) ServeHTTP(rw http.ResponseWriter, r *http.Request) {
	writeJSON := func(status int, v any) {
		rw.Header().Set("Content-Type", "application/json")
		rw.WriteHeader(status)
		json.NewEncoder(rw).Encode(v)
	}
	if r.Method != http.MethodPost {
		writeJSON(http.StatusMethodNotAllowed, map[string]string{"error": "Method not allowed"})
		return
	}
	defer r.Body.Close()
	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody+1))
	if err != nil {
		writeJSON(http.StatusBadRequest, map[string]string{"error": "Failed to read body"})
		return
	}
	if len(body) > maxWebhookBody {
		writeJSON(http.StatusRequestEntityTooLarge, map[string]string{"error": "Body too large"})
		return
	}
	status, data := w.Handle(body, r.Header.Get(SignatureHeader))
	writeJSON(status, data)
}

// HTTPHandler returns the receiver as an http.Handler.
//
// Example:
//
//	wh, _ := chatsync.NewWebhookReceiver(secret)
//	http.Handle("/webhooks/db", wh.HTTPHandler())
func (w *WebhookReceiver) HTTPHandler() http.Handler { return w }

package chatsync

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// ============================================================================
// Call Types
// ============================================================================

// CallStatus is the lifecycle stage of a call.
type CallStatus string

const (
	CallRinging CallStatus = "ringing"
	CallActive  CallStatus = "active"
	CallEnded   CallStatus = "ended"
)

func (s CallStatus) rank() int {
	switch s {
	case CallRinging:
		return 1
	case CallActive:
		return 2
	case CallEnded:
		return 3
	}
	return 0
}

// canMoveTo reports whether s may transition to next. Calls only move
// forward: ringing to active or ended, active to ended.
func (s CallStatus) canMoveTo(next CallStatus) bool {
	return next.rank() > s.rank()
}

// Call is a voice call between two users.
type Call struct {
	ID         string
	CallerID   string
	CallerName string
	ReceiverID string
	Status     CallStatus
	StartedAt  *time.Time
	EndedAt    *time.Time
	CreatedAt  time.Time
}

// Peer returns the other participant from userID's point of view.
func (c Call) Peer(userID string) string {
	if c.CallerID == userID {
		return c.ReceiverID
	}
	return c.CallerID
}

// Duration returns how long the call has been (or was) active at now.
func (c Call) Duration(now time.Time) time.Duration {
	if c.StartedAt == nil {
		return 0
	}
	end := now
	if c.EndedAt != nil {
		end = *c.EndedAt
	}
	if end.Before(*c.StartedAt) {
		return 0
	}
	return end.Sub(*c.StartedAt)
}

// FormatCallDuration renders d as "1h 2m", "3m 4s" or "5s".
func FormatCallDuration(d time.Duration) string {
	total := int(d / time.Second)
	if total < 0 {
		total = 0
	}
	hours := total / 3600
	minutes := (total % 3600) / 60
	seconds := total % 60
	switch {
	case hours > 0:
		return fmt.Sprintf("%dh %dm", hours, minutes)
	case minutes > 0:
		return fmt.Sprintf("%dm %ds", minutes, seconds)
	default:
		return fmt.Sprintf("%ds", seconds)
	}
}

// CallRow is the backend's row shape for a call.
type CallRow struct {
	ID         string  `json:"id"`
	CallerID   string  `json:"caller_id"`
	CallerName string  `json:"caller_name"`
	ReceiverID string  `json:"receiver_id"`
	Status     string  `json:"status"`
	StartedAt  *string `json:"started_at,omitempty"`
	EndedAt    *string `json:"ended_at,omitempty"`
	CreatedAt  string  `json:"created_at"`
}

// ToCall converts a row into a Call.
func (r CallRow) ToCall() (Call, error) {
	if r.ID == "" {
		return Call{}, fmt.Errorf("call row: missing id")
	}
	c := Call{
		ID:         r.ID,
		CallerID:   r.CallerID,
		CallerName: r.CallerName,
		ReceiverID: r.ReceiverID,
		Status:     CallStatus(r.Status),
	}
	if c.Status.rank() == 0 {
		return Call{}, fmt.Errorf("call row %s: unknown status %q", r.ID, r.Status)
	}
	if r.CreatedAt != "" {
		if t, err := parseTimestamp(r.CreatedAt); err == nil {
			c.CreatedAt = t
		}
	}
	parseOpt := func(s *string) *time.Time {
		if s == nil || *s == "" {
			return nil
		}
		t, err := parseTimestamp(*s)
		if err != nil {
			return nil
		}
		return &t
	}
	c.StartedAt = parseOpt(r.StartedAt)
	c.EndedAt = parseOpt(r.EndedAt)
	return c, nil
}

// CallEvent is a normalized change of a call row.
type CallEvent struct {
	Type EventType
	Call Call
}

func normalizeCallChange(eventType string, newRow, oldRow json.RawMessage) (CallEvent, error) {
	var typ EventType
	raw := newRow
	switch strings.ToUpper(eventType) {
	case "INSERT":
		typ = EventInserted
	case "UPDATE":
		typ = EventUpdated
	case "DELETE":
		typ, raw = EventUpdated, oldRow
	default:
		return CallEvent{}, fmt.Errorf("unknown change type %q", eventType)
	}
	var row CallRow
	if err := json.Unmarshal(raw, &row); err != nil {
		return CallEvent{}, fmt.Errorf("decode call row: %w", err)
	}
	if strings.EqualFold(eventType, "DELETE") {
		row.Status = string(CallEnded)
	}
	c, err := row.ToCall()
	if err != nil {
		return CallEvent{}, err
	}
	return CallEvent{Type: typ, Call: c}, nil
}

// ============================================================================
// Call Contracts
// ============================================================================

// CallBackend stores call rows.
type CallBackend interface {
	CreateCall(ctx context.Context, callerID, callerName, receiverID string) (Call, error)
	UpdateCallStatus(ctx context.Context, id string, status CallStatus) (Call, error)
	GetActiveCalls(ctx context.Context, userID string) ([]Call, error)
}

// CallFeed streams call row changes involving a user.
type CallFeed interface {
	SubscribeToCalls(ctx context.Context, userID string, fn func(CallEvent)) (Handle, error)
}

// CreateCall inserts a ringing call.
func (c *Client) CreateCall(ctx context.Context, callerID, callerName, receiverID string) (Call, error) {
	var row CallRow
	err := c.do(ctx, "POST", "/api/calls", map[string]string{
		"caller_id":   callerID,
		"caller_name": callerName,
		"receiver_id": receiverID,
		"status":      string(CallRinging),
	}, nil, &row)
	if err != nil {
		return Call{}, fmt.Errorf("create call: %w", err)
	}
	return row.ToCall()
}

// UpdateCallStatus moves a call to status; the server stamps started_at or
// ended_at.
func (c *Client) UpdateCallStatus(ctx context.Context, id string, status CallStatus) (Call, error) {
	var row CallRow
	err := c.do(ctx, "PATCH", "/api/calls/"+url.PathEscape(id), map[string]string{"status": string(status)}, nil, &row)
	if err != nil {
		return Call{}, fmt.Errorf("update call: %w", err)
	}
	return row.ToCall()
}

// GetActiveCalls lists ringing and active calls involving userID.
func (c *Client) GetActiveCalls(ctx context.Context, userID string) ([]Call, error) {
	var rows []CallRow
	if err := c.do(ctx, "GET", "/api/calls/active", nil, map[string]string{"user_id": userID}, &rows); err != nil {
		return nil, fmt.Errorf("get active calls: %w", err)
	}
	calls := make([]Call, 0, len(rows))
	for _, r := range rows {
		if call, err := r.ToCall(); err == nil {
			calls = append(calls, call)
		}
	}
	return calls, nil
}

// ============================================================================
// CallTracker
// ============================================================================

// CallTracker keeps the local view of the user's calls. Status updates from
// the backend and the feed are applied only when they move a call forward.
type CallTracker struct {
	backend  CallBackend
	userID   string
	userName string

	mu     sync.Mutex
	calls  map[string]Call
	handle Handle

	incoming listeners[Call]
	changed  listeners[Call]

	logger *zap.Logger
}

// NewCallTracker creates a tracker for the given user.
func NewCallTracker(backend CallBackend, userID, userName string, logger *zap.Logger) *CallTracker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CallTracker{
		backend:  backend,
		userID:   userID,
		userName: userName,
		calls:    make(map[string]Call),
		logger:   logger,
	}
}

// OnIncoming registers fn for ringing calls addressed to the user.
func (t *CallTracker) OnIncoming(fn func(Call)) func() { return t.incoming.add(fn) }

// OnChange registers fn for every accepted status change.
func (t *CallTracker) OnChange(fn func(Call)) func() { return t.changed.add(fn) }

// Start loads active calls and subscribes to call changes.
func (t *CallTracker) Start(ctx context.Context, feed CallFeed) error {
	t.mu.Lock()
	if t.handle != nil {
		t.mu.Unlock()
		return ErrAlreadyStarted
	}
	t.mu.Unlock()

	h, err := feed.SubscribeToCalls(ctx, t.userID, t.HandleEvent)
	if err != nil {
		return err
	}
	t.mu.Lock()
	t.handle = h
	t.mu.Unlock()

	active, err := t.backend.GetActiveCalls(ctx, t.userID)
	if err != nil {
		t.logger.Warn("load active calls", zap.Error(err))
		return nil
	}
	for _, c := range active {
		t.merge(c)
	}
	return nil
}

// Stop releases the feed subscription and forgets known calls.
func (t *CallTracker) Stop() error {
	t.mu.Lock()
	h := t.handle
	t.handle = nil
	t.calls = make(map[string]Call)
	t.mu.Unlock()
	if h != nil {
		return h.Close()
	}
	return nil
}

// Initiate starts ringing receiverID.
func (t *CallTracker) Initiate(ctx context.Context, receiverID string) (Call, error) {
	if receiverID == "" || receiverID == t.userID {
		return Call{}, ErrSameUser
	}
	c, err := t.backend.CreateCall(ctx, t.userID, t.userName, receiverID)
	if err != nil {
		return Call{}, err
	}
	t.merge(c)
	t.logger.Info("call initiated", zap.String("call_id", c.ID), zap.String("peer_id", receiverID))
	return c, nil
}

// Accept answers a ringing call.
func (t *CallTracker) Accept(ctx context.Context, id string) (Call, error) {
	return t.transition(ctx, id, CallActive)
}

// Reject declines a ringing call.
func (t *CallTracker) Reject(ctx context.Context, id string) (Call, error) {
	return t.transition(ctx, id, CallEnded)
}

// End hangs up a call.
func (t *CallTracker) End(ctx context.Context, id string) (Call, error) {
	return t.transition(ctx, id, CallEnded)
}

func (t *CallTracker) transition(ctx context.Context, id string, next CallStatus) (Call, error) {
	t.mu.Lock()
	cur, ok := t.calls[id]
	t.mu.Unlock()
	if ok && !cur.Status.canMoveTo(next) {
		return cur, fmt.Errorf("call %s %s -> %s: %w", id, cur.Status, next, ErrInvalidTransition)
	}
	c, err := t.backend.UpdateCallStatus(ctx, id, next)
	if err != nil {
		return Call{}, err
	}
	merged, _ := t.merge(c)
	return merged, nil
}

// Get returns a known call.
func (t *CallTracker) Get(id string) (Call, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	c, ok := t.calls[id]
	return c, ok
}

// Active returns calls that have not ended.
func (t *CallTracker) Active() []Call {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []Call
	for _, c := range t.calls {
		if c.Status != CallEnded {
			out = append(out, c)
		}
	}
	return out
}

// HandleEvent applies a call change from the feed.
func (t *CallTracker) HandleEvent(ev CallEvent) {
	c := ev.Call
	if c.CallerID != t.userID && c.ReceiverID != t.userID {
		return
	}
	merged, fresh := t.merge(c)
	if fresh && ev.Type == EventInserted && merged.ReceiverID == t.userID && merged.Status == CallRinging {
		t.incoming.emit(merged)
	}
}

// merge records c if it is new or moves the known call forward. It returns
// the resulting call and whether it was previously unknown.
func (t *CallTracker) merge(c Call) (Call, bool) {
	t.mu.Lock()
	cur, known := t.calls[c.ID]
	if known && !cur.Status.canMoveTo(c.Status) {
		t.mu.Unlock()
		if cur.Status != c.Status {
			t.logger.Debug("ignoring stale call status",
				zap.String("call_id", c.ID), zap.String("have", string(cur.Status)), zap.String("got", string(c.Status)))
		}
		return cur, false
	}
	if known {
		if c.StartedAt == nil {
			c.StartedAt = cur.StartedAt
		}
		if c.CallerName == "" {
			c.CallerName = cur.CallerName
		}
	}
	t.calls[c.ID] = c
	t.mu.Unlock()

	t.changed.emit(c)
	return c, !known
}

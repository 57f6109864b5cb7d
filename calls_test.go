package chatsync

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFormatCallDuration(t *testing.T) {
	tests := []struct {
		d    time.Duration
		want string
	}{
		{0, "0s"},
		{-time.Second, "0s"},
		{45 * time.Second, "45s"},
		{3*time.Minute + 4*time.Second, "3m 4s"},
		{time.Hour + 2*time.Minute + 9*time.Second, "1h 2m"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, FormatCallDuration(tt.d), tt.d.String())
	}
}

func TestCallDuration(t *testing.T) {
	start := t0
	end := t0.Add(90 * time.Second)

	assert.Zero(t, Call{}.Duration(t0))
	assert.Equal(t, 30*time.Second, Call{StartedAt: &start}.Duration(t0.Add(30*time.Second)))
	assert.Equal(t, 90*time.Second, Call{StartedAt: &start, EndedAt: &end}.Duration(t0.Add(time.Hour)))
}

func TestNormalizeCallChange(t *testing.T) {
	row := json.RawMessage(`{"id":"c1","caller_id":"alice","caller_name":"Alice","receiver_id":"bob","status":"ringing","created_at":"2026-01-01T12:00:00Z"}`)

	ev, err := normalizeCallChange("insert", row, nil)
	require.NoError(t, err)
	assert.Equal(t, EventInserted, ev.Type)
	assert.Equal(t, CallRinging, ev.Call.Status)
	assert.True(t, ev.Call.CreatedAt.Equal(t0))
	assert.Equal(t, "bob", ev.Call.Peer("alice"))

	ev, err = normalizeCallChange("DELETE", nil, row)
	require.NoError(t, err)
	assert.Equal(t, CallEnded, ev.Call.Status, "a deleted call row is ended")

	_, err = normalizeCallChange("UPDATE", json.RawMessage(`{"id":"c1","status":"dialing"}`), nil)
	assert.Error(t, err)
	_, err = normalizeCallChange("TRUNCATE", row, nil)
	assert.Error(t, err)
}

func newTestTracker(t *testing.T, user string) (*CallTracker, *fakeBackend, *fakeFeed) {
	t.Helper()
	b := newFakeBackend()
	f := newFakeFeed()
	tr := NewCallTracker(b, user, "Alice", nil)
	require.NoError(t, tr.Start(context.Background(), f))
	t.Cleanup(func() { tr.Stop() })
	return tr, b, f
}

func TestCallTrackerLifecycle(t *testing.T) {
	ctx := context.Background()
	tr, _, _ := newTestTracker(t, "alice")

	c, err := tr.Initiate(ctx, "bob")
	require.NoError(t, err)
	assert.Equal(t, CallRinging, c.Status)
	assert.Len(t, tr.Active(), 1)

	c, err = tr.Accept(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, CallActive, c.Status)
	require.NotNil(t, c.StartedAt)

	c, err = tr.End(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, CallEnded, c.Status)
	assert.NotNil(t, c.StartedAt, "start time survives the end update")
	assert.Equal(t, "1m 30s", FormatCallDuration(c.Duration(t0.Add(time.Hour))))
	assert.Empty(t, tr.Active())

	_, err = tr.Accept(ctx, c.ID)
	assert.ErrorIs(t, err, ErrInvalidTransition)

	_, err = tr.Initiate(ctx, "alice")
	assert.ErrorIs(t, err, ErrSameUser)
}

func TestCallTrackerStatusIsMonotonic(t *testing.T) {
	tr, _, f := newTestTracker(t, "bob")
	ringing := Call{ID: "c1", CallerID: "alice", ReceiverID: "bob", Status: CallRinging}
	active := ringing
	active.Status = CallActive

	var changes []CallStatus
	tr.OnChange(func(c Call) { changes = append(changes, c.Status) })

	f.calls.emit(CallEvent{Type: EventUpdated, Call: active})
	f.calls.emit(CallEvent{Type: EventUpdated, Call: ringing})

	got, ok := tr.Get("c1")
	require.True(t, ok)
	assert.Equal(t, CallActive, got.Status, "late ringing update is ignored")
	assert.Equal(t, []CallStatus{CallActive}, changes)
}

func TestCallTrackerIncoming(t *testing.T) {
	tr, _, f := newTestTracker(t, "bob")
	var incoming []string
	tr.OnIncoming(func(c Call) { incoming = append(incoming, c.ID) })

	ring := Call{ID: "c1", CallerID: "alice", CallerName: "Alice", ReceiverID: "bob", Status: CallRinging}
	f.calls.emit(CallEvent{Type: EventInserted, Call: ring})
	f.calls.emit(CallEvent{Type: EventInserted, Call: ring})
	f.calls.emit(CallEvent{Type: EventInserted, Call: Call{ID: "c2", CallerID: "bob", ReceiverID: "carol", Status: CallRinging}})
	f.calls.emit(CallEvent{Type: EventInserted, Call: Call{ID: "c3", CallerID: "carol", ReceiverID: "dave", Status: CallRinging}})

	assert.Equal(t, []string{"c1"}, incoming)
	_, ok := tr.Get("c3")
	assert.False(t, ok, "calls of other users are ignored")
}

func TestCallTrackerLoadsActiveCalls(t *testing.T) {
	b := newFakeBackend()
	_, err := b.CreateCall(context.Background(), "carol", "Carol", "alice")
	require.NoError(t, err)

	tr := NewCallTracker(b, "alice", "Alice", nil)
	f := newFakeFeed()
	require.NoError(t, tr.Start(context.Background(), f))
	defer tr.Stop()

	assert.Len(t, tr.Active(), 1)
	assert.ErrorIs(t, tr.Start(context.Background(), f), ErrAlreadyStarted)

	require.NoError(t, tr.Stop())
	assert.Empty(t, tr.Active())
}

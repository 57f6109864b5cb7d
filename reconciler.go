package chatsync

import (
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// LocalIDPrefix marks temporary ids of optimistic messages.
const LocalIDPrefix = "local-"

// Outcome describes what Apply did with an event.
type Outcome int

const (
	OutcomeIgnored Outcome = iota
	OutcomeInserted
	OutcomeUpdated
	OutcomeUnchanged
	OutcomeDuplicate
	OutcomeEchoMatched
	OutcomePending
	OutcomeRejected
)

var outcomeNames = map[Outcome]string{
	OutcomeIgnored:     "ignored",
	OutcomeInserted:    "inserted",
	OutcomeUpdated:     "updated",
	OutcomeUnchanged:   "unchanged",
	OutcomeDuplicate:   "duplicate",
	OutcomeEchoMatched: "echo_matched",
	OutcomePending:     "pending",
	OutcomeRejected:    "rejected",
}

func (o Outcome) String() string { return outcomeNames[o] }

// ============================================================================
// Reconciler
// ============================================================================

// Reconciler merges optimistic local writes and remote events into one
// MessageStore for a single conversation.
type Reconciler struct {
	store     *MessageStore
	localUser string
	key       ConversationKey

	mu sync.Mutex
	// echoed maps temp ids swapped by an early echo to their confirmed ids.
	echoed map[string]string

	logger  *zap.Logger
	metrics *Metrics
	now     func() time.Time
	newID   func() string
}

// ReconcilerOption configures a Reconciler.
type ReconcilerOption func(*Reconciler)

// WithReconcilerLogger sets the logger.
func WithReconcilerLogger(l *zap.Logger) ReconcilerOption {
	return func(r *Reconciler) { r.logger = l }
}

// WithReconcilerMetrics records send and merge outcomes on m.
func WithReconcilerMetrics(m *Metrics) ReconcilerOption {
	return func(r *Reconciler) { r.metrics = m }
}

// WithClock overrides the clock used to stamp optimistic messages.
func WithClock(now func() time.Time) ReconcilerOption {
	return func(r *Reconciler) { r.now = now }
}

// WithTempIDs overrides temp id generation. The prefix is always added.
func WithTempIDs(gen func() string) ReconcilerOption {
	return func(r *Reconciler) { r.newID = gen }
}

// NewReconciler binds a reconciler to store for the conversation between
// localUser and peer.
func NewReconciler(store *MessageStore, localUser, peer string, opts ...ReconcilerOption) (*Reconciler, error) {
	key, err := NewConversationKey(localUser, peer)
	if err != nil {
		return nil, err
	}
	r := &Reconciler{
		store:     store,
		localUser: localUser,
		key:       key,
		echoed:    make(map[string]string),
		logger:    zap.NewNop(),
		now:       time.Now,
		newID:     uuid.NewString,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// Key returns the conversation the reconciler serves.
func (r *Reconciler) Key() ConversationKey { return r.key }

// BeginSend inserts draft as an optimistic entry and returns it with its
// temporary id. Missing sender, state and timestamp are filled in.
func (r *Reconciler) BeginSend(draft Message) (Message, error) {
	if draft.SenderID == "" {
		draft.SenderID = r.localUser
	}
	if draft.SenderID != r.localUser || !r.key.Contains(draft.ReceiverID) || draft.ReceiverID == r.localUser {
		return Message{}, ErrNotOwner
	}
	if draft.Kind == "" {
		draft.Kind = KindText
	}
	draft.ID = LocalIDPrefix + r.newID()
	draft.State = SyncLocal
	if draft.CreatedAt.IsZero() {
		draft.CreatedAt = r.now().UTC()
	}
	if err := r.store.Insert(draft); err != nil {
		return Message{}, err
	}
	r.logger.Debug("optimistic insert", zap.String("temp_id", draft.ID))
	return draft, nil
}

// Confirm swaps the optimistic entry for the backend's record.
func (r *Reconciler) Confirm(tempID string, confirmed Message) error {
	r.mu.Lock()
	delete(r.echoed, tempID)
	r.mu.Unlock()

	if err := r.store.SwapLocal(tempID, confirmed); err != nil {
		return err
	}
	r.metrics.sendOutcome("confirmed")
	r.logger.Debug("send confirmed", zap.String("temp_id", tempID), zap.String("message_id", confirmed.ID))
	return nil
}

// Fail rolls back the optimistic entry and returns the error to surface.
// When an echo already confirmed the message and cause leaves open whether
// the write landed, it returns the confirmed id and a nil error instead. A
// write the backend refused cannot have produced the echo, so the echoed
// message stays as someone else's send and the failure is reported.
func (r *Reconciler) Fail(tempID string, cause error) (string, error) {
	r.mu.Lock()
	confirmedID, echoed := r.echoed[tempID]
	delete(r.echoed, tempID)
	r.mu.Unlock()

	if echoed && !refused(cause) {
		r.logger.Warn("send reported failure after echo confirmed it",
			zap.String("temp_id", tempID), zap.String("message_id", confirmedID), zap.Error(cause))
		return confirmedID, nil
	}
	if echoed {
		r.metrics.sendOutcome("rolled_back")
		r.logger.Warn("send refused, echo came from another send",
			zap.String("temp_id", tempID), zap.String("message_id", confirmedID), zap.Error(cause))
		return "", &SendError{TempID: tempID, Err: cause}
	}
	r.store.RemoveLocalOnly(tempID)
	r.metrics.sendOutcome("rolled_back")
	r.logger.Warn("send rolled back", zap.String("temp_id", tempID), zap.Error(cause))
	return "", &SendError{TempID: tempID, Err: cause}
}

// Apply merges a remote event. Events for other conversations are ignored.
func (r *Reconciler) Apply(ev MessageEvent) Outcome {
	m := ev.Message
	if m.ID == "" {
		return OutcomeIgnored
	}
	anonymous := ev.Partial && m.SenderID == ""
	if !anonymous && m.Key() != r.key {
		return OutcomeIgnored
	}

	switch ev.Type {
	case EventInserted:
		return r.applyInsert(m)
	case EventUpdated:
		if anonymous {
			if _, ok := r.store.Get(m.ID); !ok {
				return OutcomeIgnored
			}
		}
		return r.applyUpdate(m.ID, ev.patch())
	default:
		return OutcomeIgnored
	}
}

func (r *Reconciler) applyInsert(m Message) Outcome {
	m.State = SyncConfirmed
	if _, ok := r.store.Get(m.ID); ok {
		r.metrics.duplicateSuppressed()
		return OutcomeDuplicate
	}
	if m.SenderID == r.localUser {
		if local, ok := r.store.FindLocal(func(l Message) bool { return echoOf(l, m) }); ok {
			r.mu.Lock()
			r.echoed[local.ID] = m.ID
			r.mu.Unlock()
			if err := r.store.SwapLocal(local.ID, m); err != nil {
				r.logger.Warn("echo swap failed", zap.String("temp_id", local.ID), zap.Error(err))
				return OutcomeIgnored
			}
			r.logger.Debug("echo confirmed optimistic entry",
				zap.String("temp_id", local.ID), zap.String("message_id", m.ID))
			return OutcomeEchoMatched
		}
	}
	if err := r.store.Insert(m); err != nil {
		if errors.Is(err, ErrDuplicateID) {
			r.metrics.duplicateSuppressed()
			return OutcomeDuplicate
		}
		return OutcomeIgnored
	}
	return OutcomeInserted
}

func (r *Reconciler) applyUpdate(id string, patch MessagePatch) Outcome {
	_, present := r.store.Get(id)
	changed, err := r.store.ApplyUpdate(id, patch)
	switch {
	case errors.Is(err, ErrDeletionReverted):
		r.metrics.deletionReverted()
		r.logger.Warn("rejected update reverting a deletion", zap.String("message_id", id))
		return OutcomeRejected
	case err != nil:
		r.logger.Warn("apply update", zap.String("message_id", id), zap.Error(err))
		return OutcomeIgnored
	case !present:
		return OutcomePending
	case changed:
		return OutcomeUpdated
	default:
		return OutcomeUnchanged
	}
}

// echoOf reports whether confirmed is the server copy of the optimistic
// entry local.
func echoOf(local, confirmed Message) bool {
	if local.ReceiverID != confirmed.ReceiverID || local.Kind != confirmed.Kind {
		return false
	}
	if local.Kind == KindImage {
		return local.Media != nil && confirmed.Media != nil &&
			local.Media.StorageKey != "" && local.Media.StorageKey == confirmed.Media.StorageKey
	}
	return local.Content == confirmed.Content
}

// refused reports whether the backend answered cause with a definite
// rejection, as opposed to a lost or transient outcome.
func refused(cause error) bool {
	var apiErr *APIError
	if !errors.As(cause, &apiErr) || apiErr.Status == 0 {
		return errors.Is(cause, ErrNotFriends) || errors.Is(cause, ErrNotOwner)
	}
	return apiErr.Status < http.StatusInternalServerError && apiErr.Status != http.StatusTooManyRequests
}

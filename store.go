package chatsync

import (
	"sort"
	"sync"
)

// DefaultPendingLimit bounds the number of message ids with held patches.
const DefaultPendingLimit = 256

// ============================================================================
// MessageStore
// ============================================================================

// MessageStore is the ordered, deduplicated message list of one active
// conversation. All mutations are atomic with respect to readers; reads
// always yield messages sorted by (CreatedAt, ID).
//
// Updates for ids that are not present yet are held as pending patches and
// applied when the id arrives through Insert, ReplaceAll or MergeHistory.
type MessageStore struct {
	mu      sync.RWMutex
	byID    map[string]*Message
	ordered []*Message
	version uint64
	touched map[string]uint64 // id -> version of its last live mutation

	pending      map[string][]MessagePatch
	pendingOrder []string
	pendingLimit int

	listenersMu sync.RWMutex
	listeners   []func()

	metrics *Metrics
}

// StoreOption configures a MessageStore.
type StoreOption func(*MessageStore)

// WithPendingLimit sets how many unknown ids may hold pending patches.
func WithPendingLimit(n int) StoreOption {
	return func(s *MessageStore) { s.pendingLimit = n }
}

// WithStoreMetrics records pending-patch outcomes on m.
func WithStoreMetrics(m *Metrics) StoreOption {
	return func(s *MessageStore) { s.metrics = m }
}

// NewMessageStore creates an empty store.
func NewMessageStore(opts ...StoreOption) *MessageStore {
	s := &MessageStore{
		byID:         make(map[string]*Message),
		touched:      make(map[string]uint64),
		pending:      make(map[string][]MessagePatch),
		pendingLimit: DefaultPendingLimit,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// OnChange registers a callback invoked after every mutation that changed
// the visible state. Callbacks run outside the store lock.
func (s *MessageStore) OnChange(fn func()) {
	s.listenersMu.Lock()
	s.listeners = append(s.listeners, fn)
	s.listenersMu.Unlock()
}

func (s *MessageStore) notify() {
	s.listenersMu.RLock()
	handlers := append([]func(){}, s.listeners...)
	s.listenersMu.RUnlock()
	for _, h := range handlers {
		func() {
			defer func() { recover() }() // a UI callback must not break the merge path
			h()
		}()
	}
}

// ── Reads ────────────────────────────────────────────────

// Snapshot returns a copy of the messages in display order.
func (s *MessageStore) Snapshot() []Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Message, len(s.ordered))
	for i, m := range s.ordered {
		out[i] = m.clone()
	}
	return out
}

// Get returns a copy of the message with the given id.
func (s *MessageStore) Get(id string) (Message, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.byID[id]
	if !ok {
		return Message{}, false
	}
	return m.clone(), true
}

// Len returns the number of stored messages.
func (s *MessageStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.ordered)
}

// Version increases on every visible mutation.
func (s *MessageStore) Version() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.version
}

// PendingCount returns the number of ids holding pending patches.
func (s *MessageStore) PendingCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.pendingOrder)
}

// ── Mutations ────────────────────────────────────────────

// ReplaceAll swaps the whole collection for msgs. Duplicate
// ids in msgs keep the last occurrence. Pending patches for loaded ids are
// applied; the rest stay pending.
func (s *MessageStore) ReplaceAll(msgs []Message) {
	s.mu.Lock()
	s.byID = make(map[string]*Message, len(msgs))
	s.ordered = make([]*Message, 0, len(msgs))
	s.touched = make(map[string]uint64)
	for _, m := range msgs {
		if m.ID == "" {
			continue
		}
		c := m.clone()
		s.byID[c.ID] = &c
	}
	applied := 0
	for id, m := range s.byID {
		applied += s.drainPendingLocked(id, m)
		s.ordered = append(s.ordered, m)
	}
	sort.Slice(s.ordered, func(i, j int) bool { return before(*s.ordered[i], *s.ordered[j]) })
	s.version++
	s.mu.Unlock()

	s.metrics.pendingPatch("applied", applied)
	s.notify()
}

// MergeHistory folds a history load into the store under one lock. since is
// the Version observed before the load was requested: messages inserted or
// updated after it are newer than history and keep their current state, as
// do optimistic entries. A deletion is never undone by history; the ids of
// such messages are returned. Pending patches for loaded ids are applied.
func (s *MessageStore) MergeHistory(history []Message, since uint64) []string {
	s.mu.Lock()
	next := make(map[string]*Message, len(history)+len(s.byID))
	var reverted []string
	for _, m := range history {
		if m.ID == "" {
			continue
		}
		c := m.clone()
		c.State = SyncConfirmed
		next[c.ID] = &c
	}
	for id, old := range s.byID {
		fresh, inHistory := next[id]
		switch {
		case old.State == SyncLocal, s.touched[id] > since:
			if inHistory && fresh.IsDeleted && !old.IsDeleted {
				old.IsDeleted = true
			}
			next[id] = old
		case !inHistory:
		case old.IsDeleted && !fresh.IsDeleted:
			next[id] = old
			reverted = append(reverted, id)
		}
	}
	s.byID = next
	s.ordered = make([]*Message, 0, len(next))
	applied := 0
	for id, m := range next {
		applied += s.drainPendingLocked(id, m)
		s.ordered = append(s.ordered, m)
	}
	sort.Slice(s.ordered, func(i, j int) bool { return before(*s.ordered[i], *s.ordered[j]) })
	for id := range s.touched {
		if _, ok := next[id]; !ok {
			delete(s.touched, id)
		}
	}
	s.version++
	s.mu.Unlock()

	s.metrics.pendingPatch("applied", applied)
	s.notify()
	return reverted
}

// Insert adds a message with a new identity. It returns ErrDuplicateID if the
// id is already present; such conflicts must go through ApplyUpdate.
func (s *MessageStore) Insert(m Message) error {
	s.mu.Lock()
	if _, ok := s.byID[m.ID]; ok {
		s.mu.Unlock()
		return ErrDuplicateID
	}
	c := m.clone()
	applied := s.drainPendingLocked(c.ID, &c)
	s.insertLocked(&c)
	s.version++
	s.touched[c.ID] = s.version
	s.mu.Unlock()

	s.metrics.pendingPatch("applied", applied)
	s.notify()
	return nil
}

// ApplyUpdate merges patch into the message with the given id and reports
// whether the visible state changed. An absent id is not an error: the patch
// is held until the id arrives. A patch that would clear IsDeleted on a
// deleted message is rejected as a whole with ErrDeletionReverted.
func (s *MessageStore) ApplyUpdate(id string, patch MessagePatch) (bool, error) {
	s.mu.Lock()
	m, ok := s.byID[id]
	if !ok {
		evicted := s.holdLocked(id, patch)
		s.mu.Unlock()
		s.metrics.pendingPatch("held", 1)
		s.metrics.pendingPatch("evicted", evicted)
		return false, nil
	}
	if patch.reverts(*m) {
		s.mu.Unlock()
		return false, ErrDeletionReverted
	}
	changed := patch.apply(m)
	if changed {
		s.version++
		s.touched[id] = s.version
	}
	s.mu.Unlock()

	if changed {
		s.notify()
	}
	return changed, nil
}

// RemoveLocalOnly drops an optimistic entry after a failed send. It never
// removes a confirmed message and reports whether anything was removed.
func (s *MessageStore) RemoveLocalOnly(tempID string) bool {
	s.mu.Lock()
	m, ok := s.byID[tempID]
	if !ok || m.State != SyncLocal {
		s.mu.Unlock()
		return false
	}
	s.removeLocked(m)
	delete(s.touched, tempID)
	s.version++
	s.mu.Unlock()

	s.notify()
	return true
}

// SwapLocal replaces the optimistic entry tempID with its confirmed record
// in a single step, so readers never observe both. If the confirmed id is
// already present (the echo won the race) the temp entry is simply dropped.
func (s *MessageStore) SwapLocal(tempID string, confirmed Message) error {
	confirmed.State = SyncConfirmed
	s.mu.Lock()
	if m, ok := s.byID[tempID]; ok && m.State == SyncLocal {
		s.removeLocked(m)
		delete(s.touched, tempID)
	}
	if existing, ok := s.byID[confirmed.ID]; ok {
		patch := PatchFrom(confirmed)
		if !patch.reverts(*existing) {
			patch.apply(existing)
		}
	} else {
		c := confirmed.clone()
		s.drainPendingLocked(c.ID, &c)
		s.insertLocked(&c)
	}
	s.version++
	s.touched[confirmed.ID] = s.version
	s.mu.Unlock()

	s.notify()
	return nil
}

// FindLocal returns the oldest optimistic entry accepted by match.
func (s *MessageStore) FindLocal(match func(Message) bool) (Message, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, m := range s.ordered {
		if m.State == SyncLocal && match(*m) {
			return m.clone(), true
		}
	}
	return Message{}, false
}

// Reset empties the store, including pending patches.
func (s *MessageStore) Reset() {
	s.mu.Lock()
	s.byID = make(map[string]*Message)
	s.ordered = nil
	s.touched = make(map[string]uint64)
	s.pending = make(map[string][]MessagePatch)
	s.pendingOrder = nil
	s.version++
	s.mu.Unlock()

	s.notify()
}

// ── Internals (callers hold s.mu) ────────────────────────

func (s *MessageStore) insertLocked(m *Message) {
	i := sort.Search(len(s.ordered), func(i int) bool { return before(*m, *s.ordered[i]) })
	s.ordered = append(s.ordered, nil)
	copy(s.ordered[i+1:], s.ordered[i:])
	s.ordered[i] = m
	s.byID[m.ID] = m
}

func (s *MessageStore) removeLocked(m *Message) {
	i := sort.Search(len(s.ordered), func(i int) bool { return !before(*s.ordered[i], *m) })
	for ; i < len(s.ordered); i++ {
		if s.ordered[i] == m {
			s.ordered = append(s.ordered[:i], s.ordered[i+1:]...)
			break
		}
	}
	delete(s.byID, m.ID)
}

// holdLocked queues a patch for an unknown id and returns how many ids were
// evicted to stay within the limit.
func (s *MessageStore) holdLocked(id string, patch MessagePatch) int {
	if s.pendingLimit <= 0 {
		return 1
	}
	if _, ok := s.pending[id]; !ok {
		s.pendingOrder = append(s.pendingOrder, id)
	}
	s.pending[id] = append(s.pending[id], patch)

	evicted := 0
	for len(s.pendingOrder) > s.pendingLimit {
		oldest := s.pendingOrder[0]
		s.pendingOrder = s.pendingOrder[1:]
		delete(s.pending, oldest)
		evicted++
	}
	return evicted
}

func (s *MessageStore) drainPendingLocked(id string, m *Message) int {
	patches, ok := s.pending[id]
	if !ok {
		return 0
	}
	delete(s.pending, id)
	for i, pid := range s.pendingOrder {
		if pid == id {
			s.pendingOrder = append(s.pendingOrder[:i], s.pendingOrder[i+1:]...)
			break
		}
	}
	for _, p := range patches {
		if !p.reverts(*m) {
			p.apply(m)
		}
	}
	return len(patches)
}

package events

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/pkg/errors"
)

// MemoryStore is an in-process Store implementation. It is used by tests
// and by any host that does not need durability across process restarts.
// All operations are guarded by a single mutex; writes are serialized and
// reads observe all prior successful appends, matching the store's
// single-writer/concurrent-reader contract.
type MemoryStore struct {
	mu      sync.Mutex
	threads map[string]ThreadMeta
	events  map[string][]Event
	seq     map[string]uint64
	lastTS  map[string]time.Time
}

// NewMemoryStore creates an empty in-memory event store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		threads: make(map[string]ThreadMeta),
		events:  make(map[string][]Event),
		seq:     make(map[string]uint64),
		lastTS:  make(map[string]time.Time),
	}
}

// CreateThread registers a new thread.
func (s *MemoryStore) CreateThread(_ context.Context, meta ThreadMeta) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.threads[meta.ID]; exists {
		return errors.Wrapf(ErrThreadExists, "thread %s", meta.ID)
	}
	if meta.CreatedAt.IsZero() {
		meta.CreatedAt = time.Now().UTC()
	}
	if meta.Metadata == nil {
		meta.Metadata = map[string]string{}
	}
	s.threads[meta.ID] = meta
	return nil
}

// GetThread returns a registered thread's metadata.
func (s *MemoryStore) GetThread(_ context.Context, id string) (ThreadMeta, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	meta, ok := s.threads[id]
	if !ok {
		return ThreadMeta{}, errors.Wrapf(ErrThreadNotFound, "thread %s", id)
	}
	return meta, nil
}

// ListThreads returns all registered threads.
func (s *MemoryStore) ListThreads(_ context.Context) ([]ThreadMeta, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]ThreadMeta, 0, len(s.threads))
	for _, m := range s.threads {
		out = append(out, m)
	}
	return out, nil
}

// ChildThreadIDs returns the direct children of parentID.
func (s *MemoryStore) ChildThreadIDs(_ context.Context, parentID string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for id, m := range s.threads {
		if m.ParentID == parentID {
			out = append(out, id)
		}
	}
	return out, nil
}

// Append assigns the event an id and monotonic timestamp and stores it.
func (s *MemoryStore) Append(_ context.Context, threadID string, typ Type, data any) (Event, error) {
	raw, err := MarshalData(data)
	if err != nil {
		return Event{}, errors.Wrap(err, "failed to encode event data")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.threads[threadID]; !ok {
		return Event{}, errors.Wrapf(ErrThreadNotFound, "thread %s", threadID)
	}

	s.seq[threadID]++
	id := strconv.FormatUint(s.seq[threadID], 10)

	now := time.Now().UTC()
	if last, ok := s.lastTS[threadID]; ok && !now.After(last) {
		// timestamps are non-decreasing within a thread
		now = last
	}
	s.lastTS[threadID] = now

	ev := Event{
		ID:        id,
		ThreadID:  threadID,
		Type:      typ,
		Timestamp: now,
		Data:      raw,
	}
	s.events[threadID] = append(s.events[threadID], ev)
	return ev, nil
}

// Events returns a thread's events ordered by (timestamp, id).
func (s *MemoryStore) Events(_ context.Context, threadID string) ([]Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := append([]Event(nil), s.events[threadID]...)
	sortEvents(out)
	return out, nil
}

// EventsMainAndDelegates merges the root thread's events with all of its
// delegate threads' events (recursively, by id prefix), ordered by
// (timestamp, id).
func (s *MemoryStore) EventsMainAndDelegates(_ context.Context, rootThreadID string) ([]Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []Event
	for threadID, evs := range s.events {
		if IsDelegateOf(rootThreadID, threadID) {
			out = append(out, evs...)
		}
	}
	sortEvents(out)
	return out, nil
}

// LatestThread returns the thread with the most recent activity.
func (s *MemoryStore) LatestThread(_ context.Context) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var bestID string
	var best time.Time
	found := false
	for id, m := range s.threads {
		t := m.CreatedAt
		if last, ok := s.lastTS[id]; ok && last.After(t) {
			t = last
		}
		if !found || t.After(best) {
			best = t
			bestID = id
			found = true
		}
	}
	return bestID, found, nil
}

// Clear purges a thread's events and metadata. Test harness only.
func (s *MemoryStore) Clear(_ context.Context, threadID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.threads, threadID)
	delete(s.events, threadID)
	delete(s.seq, threadID)
	delete(s.lastTS, threadID)
	return nil
}

// Close is a no-op for MemoryStore.
func (s *MemoryStore) Close() error { return nil }

var _ Store = (*MemoryStore)(nil)

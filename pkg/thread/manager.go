// Package thread implements the Thread Manager: thread lifecycle, delegate
// thread id allocation, and conversation reconstruction from a thread's
// event log. Manager is the only component permitted to append to the
// underlying Event Store.
package thread

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/lace-ai/lace/pkg/events"
)

// Manager is the Thread Manager (C2).
type Manager struct {
	store events.Store

	// mu serializes delegate id allocation so concurrent delegations from
	// the same parent never observe the same "next index" twice.
	mu sync.Mutex
}

// NewManager wraps a Store with thread lifecycle and reconstruction logic.
func NewManager(store events.Store) *Manager {
	return &Manager{store: store}
}

// Store returns the underlying Event Store, for components (Agent Core,
// tests) that need raw read access without going through the Manager.
func (m *Manager) Store() events.Store { return m.store }

// CreateRootThread registers a new root thread with a freshly generated id.
func (m *Manager) CreateRootThread(ctx context.Context, metadata map[string]string) (events.ThreadMeta, error) {
	const maxAttempts = 5
	for attempt := 0; attempt < maxAttempts; attempt++ {
		id, err := NewRootThreadID(time.Now())
		if err != nil {
			return events.ThreadMeta{}, err
		}
		meta := events.ThreadMeta{ID: id, CreatedAt: time.Now().UTC(), Metadata: metadata}
		err = m.store.CreateThread(ctx, meta)
		if err == nil {
			return meta, nil
		}
		if errors.Is(err, events.ErrThreadExists) {
			continue
		}
		return events.ThreadMeta{}, err
	}
	return events.ThreadMeta{}, errors.New("failed to allocate a unique root thread id")
}

// CreateDelegateThread allocates the next monotonic, never-reused delegate
// index under parentID and registers the resulting thread.
func (m *Manager) CreateDelegateThread(ctx context.Context, parentID string, metadata map[string]string) (events.ThreadMeta, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	children, err := m.store.ChildThreadIDs(ctx, parentID)
	if err != nil {
		return events.ThreadMeta{}, err
	}

	id := fmt.Sprintf("%s.%d", parentID, nextDelegateIndex(parentID, children))
	meta := events.ThreadMeta{ID: id, ParentID: parentID, CreatedAt: time.Now().UTC(), Metadata: metadata}
	if err := m.store.CreateThread(ctx, meta); err != nil {
		return events.ThreadMeta{}, err
	}
	return meta, nil
}

// nextDelegateIndex returns 1 + the largest direct-child index observed
// among children, so a delegate index is never reused even if the delegate
// it once named was abandoned.
func nextDelegateIndex(parentID string, children []string) int {
	prefix := parentID + "."
	max := 0
	for _, c := range children {
		rest, ok := strings.CutPrefix(c, prefix)
		if !ok || strings.Contains(rest, ".") {
			continue // not a direct child
		}
		n, err := strconv.Atoi(rest)
		if err != nil {
			continue
		}
		if n > max {
			max = n
		}
	}
	return max + 1
}

// GetThread returns a registered thread's metadata.
func (m *Manager) GetThread(ctx context.Context, id string) (events.ThreadMeta, error) {
	return m.store.GetThread(ctx, id)
}

// Append persists a new event on threadID. Manager is the sole writer to
// the Event Store; no other component may call this on its behalf.
func (m *Manager) Append(ctx context.Context, threadID string, typ events.Type, data any) (events.Event, error) {
	return m.store.Append(ctx, threadID, typ, data)
}

// Events returns threadID's events ordered by (timestamp, id).
func (m *Manager) Events(ctx context.Context, threadID string) ([]events.Event, error) {
	return m.store.Events(ctx, threadID)
}

// EventsMainAndDelegates returns the merged event sequence for rootThreadID
// and every one of its (possibly nested) delegate threads.
func (m *Manager) EventsMainAndDelegates(ctx context.Context, rootThreadID string) ([]events.Event, error) {
	return m.store.EventsMainAndDelegates(ctx, rootThreadID)
}

// LatestThread returns the id of the thread with the most recent activity.
func (m *Manager) LatestThread(ctx context.Context) (string, bool, error) {
	return m.store.LatestThread(ctx)
}

// Reconstruct loads threadID's events and reconstructs its conversation.
func (m *Manager) Reconstruct(ctx context.Context, threadID string) ([]Message, error) {
	evs, err := m.store.Events(ctx, threadID)
	if err != nil {
		return nil, err
	}
	return Reconstruct(evs)
}

// ReconstructMainAndDelegates reconstructs the merged conversation across
// rootThreadID and all of its delegate threads.
func (m *Manager) ReconstructMainAndDelegates(ctx context.Context, rootThreadID string) ([]Message, error) {
	evs, err := m.store.EventsMainAndDelegates(ctx, rootThreadID)
	if err != nil {
		return nil, err
	}
	return Reconstruct(evs)
}

package events

import (
	"context"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// ErrStorageUnavailable is returned when the backing store cannot be
// initialized or reached. Per spec this is fatal: the engine refuses to
// start or continue.
var ErrStorageUnavailable = errors.New("storage unavailable")

// ErrThreadExists is returned by CreateThread when the thread id is already
// registered.
var ErrThreadExists = errors.New("thread already exists")

// ErrThreadNotFound is returned when a thread id has no registered metadata.
var ErrThreadNotFound = errors.New("thread not found")

// ThreadMeta is the metadata record for a Thread entity.
type ThreadMeta struct {
	ID        string
	ParentID  string // empty for root threads
	CreatedAt time.Time
	Metadata  map[string]string
}

// IsDelegate reports whether this thread is a delegate (child) thread.
func (m ThreadMeta) IsDelegate() bool {
	return m.ParentID != ""
}

// Store is the append-only Event Store (C1). Thread Manager is the only
// component permitted to call Append; all other components read through
// Events/EventsMainAndDelegates.
type Store interface {
	// CreateThread registers a new thread. parentID is empty for root threads.
	CreateThread(ctx context.Context, meta ThreadMeta) error
	// GetThread returns the metadata for a registered thread.
	GetThread(ctx context.Context, id string) (ThreadMeta, error)
	// ListThreads returns all registered threads, in no particular order.
	ListThreads(ctx context.Context) ([]ThreadMeta, error)
	// ChildThreadIDs returns the ids of all directly registered children of parentID.
	ChildThreadIDs(ctx context.Context, parentID string) ([]string, error)

	// Append assigns the event an id and timestamp and durably persists it
	// before returning. The timestamp is non-decreasing within a thread.
	Append(ctx context.Context, threadID string, typ Type, data any) (Event, error)
	// Events returns a thread's events ordered by (timestamp, id).
	Events(ctx context.Context, threadID string) ([]Event, error)
	// EventsMainAndDelegates returns the union of events for rootThreadID and
	// every thread whose id begins with "<rootThreadID>.", merged into a
	// single ordering by (timestamp, id).
	EventsMainAndDelegates(ctx context.Context, rootThreadID string) ([]Event, error)
	// LatestThread returns the id of the thread with the most recent event
	// activity (falling back to CreatedAt for threads with no events), or
	// ("", false, nil) if no threads are registered.
	LatestThread(ctx context.Context) (string, bool, error)
	// Clear purges a thread's events and metadata. Test harness only.
	Clear(ctx context.Context, threadID string) error

	// Close releases any resources held by the store.
	Close() error
}

// IsDelegateOf reports whether childID is a (possibly indirect) delegate of
// rootID, i.e. childID == rootID or childID has the prefix "<rootID>.".
func IsDelegateOf(rootID, childID string) bool {
	if childID == rootID {
		return true
	}
	return strings.HasPrefix(childID, rootID+".")
}

// sortEvents orders events by (timestamp, id) with insertion-order tie
// breaking already guaranteed by stable sort over append order.
func sortEvents(evs []Event) {
	// insertion sort is fine at the scale of a single conversation's events
	// and keeps the stable-tie-break property trivially correct.
	for i := 1; i < len(evs); i++ {
		j := i
		for j > 0 && less(evs[j], evs[j-1]) {
			evs[j], evs[j-1] = evs[j-1], evs[j]
			j--
		}
	}
}

func less(a, b Event) bool {
	if a.Timestamp.Equal(b.Timestamp) {
		return false // preserve existing (insertion) order for ties
	}
	return a.Timestamp.Before(b.Timestamp)
}

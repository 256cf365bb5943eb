package events

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// storeFactories lets the invariant tests below run against every Store
// implementation without duplicating assertions.
func storeFactories(t *testing.T) map[string]func() Store {
	return map[string]func() Store{
		"memory": func() Store { return NewMemoryStore() },
		"sqlite": func() Store {
			dbPath := filepath.Join(t.TempDir(), "events.db")
			s, err := OpenSQLiteStore(context.Background(), dbPath)
			require.NoError(t, err)
			t.Cleanup(func() { _ = s.Close() })
			return s
		},
	}
}

func TestStore_AppendAssignsOrderedIDs(t *testing.T) {
	for name, factory := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := factory()

			require.NoError(t, s.CreateThread(ctx, ThreadMeta{ID: "lace_20260101_abcdef"}))

			ev1, err := s.Append(ctx, "lace_20260101_abcdef", TypeUserMessage, TextData{Text: "hi"})
			require.NoError(t, err)

			ev2, err := s.Append(ctx, "lace_20260101_abcdef", TypeAgentMessage, TextData{Text: "hello"})
			require.NoError(t, err)

			assert.NotEqual(t, ev1.ID, ev2.ID)

			got, err := s.Events(ctx, "lace_20260101_abcdef")
			require.NoError(t, err)
			require.Len(t, got, 2)
			assert.Equal(t, ev1.ID, got[0].ID)
			assert.Equal(t, ev2.ID, got[1].ID)
		})
	}
}

func TestStore_AppendToUnknownThreadFails(t *testing.T) {
	for name, factory := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			s := factory()
			_, err := s.Append(context.Background(), "does-not-exist", TypeUserMessage, TextData{Text: "hi"})
			require.Error(t, err)
		})
	}
}

func TestStore_CreateThreadRejectsDuplicate(t *testing.T) {
	for name, factory := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := factory()
			require.NoError(t, s.CreateThread(ctx, ThreadMeta{ID: "lace_20260101_abcdef"}))
			err := s.CreateThread(ctx, ThreadMeta{ID: "lace_20260101_abcdef"})
			require.ErrorIs(t, err, ErrThreadExists)
		})
	}
}

func TestStore_GetThreadNotFound(t *testing.T) {
	for name, factory := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			s := factory()
			_, err := s.GetThread(context.Background(), "missing")
			require.ErrorIs(t, err, ErrThreadNotFound)
		})
	}
}

func TestStore_EventsMainAndDelegates(t *testing.T) {
	for name, factory := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := factory()

			root := "lace_20260101_abcdef"
			child := root + ".1"
			grandchild := child + ".1"
			unrelated := "lace_20260101_zzzzzz"

			require.NoError(t, s.CreateThread(ctx, ThreadMeta{ID: root}))
			require.NoError(t, s.CreateThread(ctx, ThreadMeta{ID: child, ParentID: root}))
			require.NoError(t, s.CreateThread(ctx, ThreadMeta{ID: grandchild, ParentID: child}))
			require.NoError(t, s.CreateThread(ctx, ThreadMeta{ID: unrelated}))

			_, err := s.Append(ctx, root, TypeUserMessage, TextData{Text: "root"})
			require.NoError(t, err)
			_, err = s.Append(ctx, child, TypeAgentMessage, TextData{Text: "child"})
			require.NoError(t, err)
			_, err = s.Append(ctx, grandchild, TypeAgentMessage, TextData{Text: "grandchild"})
			require.NoError(t, err)
			_, err = s.Append(ctx, unrelated, TypeUserMessage, TextData{Text: "unrelated"})
			require.NoError(t, err)

			merged, err := s.EventsMainAndDelegates(ctx, root)
			require.NoError(t, err)
			require.Len(t, merged, 3)

			threadIDs := make([]string, len(merged))
			for i, ev := range merged {
				threadIDs[i] = ev.ThreadID
			}
			assert.ElementsMatch(t, []string{root, child, grandchild}, threadIDs)
			assert.NotContains(t, threadIDs, unrelated)
		})
	}
}

func TestStore_ChildThreadIDs(t *testing.T) {
	for name, factory := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := factory()

			root := "lace_20260101_abcdef"
			require.NoError(t, s.CreateThread(ctx, ThreadMeta{ID: root}))
			require.NoError(t, s.CreateThread(ctx, ThreadMeta{ID: root + ".1", ParentID: root}))
			require.NoError(t, s.CreateThread(ctx, ThreadMeta{ID: root + ".2", ParentID: root}))

			children, err := s.ChildThreadIDs(ctx, root)
			require.NoError(t, err)
			assert.ElementsMatch(t, []string{root + ".1", root + ".2"}, children)
		})
	}
}

func TestStore_LatestThread(t *testing.T) {
	for name, factory := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := factory()

			_, ok, err := s.LatestThread(ctx)
			require.NoError(t, err)
			assert.False(t, ok)

			require.NoError(t, s.CreateThread(ctx, ThreadMeta{ID: "lace_20260101_aaaaaa"}))
			require.NoError(t, s.CreateThread(ctx, ThreadMeta{ID: "lace_20260101_bbbbbb"}))
			_, err = s.Append(ctx, "lace_20260101_bbbbbb", TypeUserMessage, TextData{Text: "hi"})
			require.NoError(t, err)

			latest, ok, err := s.LatestThread(ctx)
			require.NoError(t, err)
			require.True(t, ok)
			assert.Equal(t, "lace_20260101_bbbbbb", latest)
		})
	}
}

func TestStore_ClearRemovesThreadAndEvents(t *testing.T) {
	for name, factory := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := factory()

			require.NoError(t, s.CreateThread(ctx, ThreadMeta{ID: "lace_20260101_abcdef"}))
			_, err := s.Append(ctx, "lace_20260101_abcdef", TypeUserMessage, TextData{Text: "hi"})
			require.NoError(t, err)

			require.NoError(t, s.Clear(ctx, "lace_20260101_abcdef"))

			_, err = s.GetThread(ctx, "lace_20260101_abcdef")
			require.ErrorIs(t, err, ErrThreadNotFound)
		})
	}
}

func TestIsDelegateOf(t *testing.T) {
	assert.True(t, IsDelegateOf("lace_20260101_abcdef", "lace_20260101_abcdef"))
	assert.True(t, IsDelegateOf("lace_20260101_abcdef", "lace_20260101_abcdef.1"))
	assert.True(t, IsDelegateOf("lace_20260101_abcdef", "lace_20260101_abcdef.1.2"))
	assert.False(t, IsDelegateOf("lace_20260101_abcdef", "lace_20260101_abcdefg"))
	assert.False(t, IsDelegateOf("lace_20260101_abcdef", "lace_20260101_zzzzzz"))
}

func TestEventDecodeData(t *testing.T) {
	raw, err := MarshalData(ToolCallData{ID: "tc1", Name: "bash", Arguments: []byte(`{"cmd":"ls"}`)})
	require.NoError(t, err)

	ev := Event{Type: TypeToolCall, Data: raw}
	var decoded ToolCallData
	require.NoError(t, DecodeData(ev, &decoded))
	assert.Equal(t, "tc1", decoded.ID)
	assert.Equal(t, "bash", decoded.Name)
}

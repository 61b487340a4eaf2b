package storage

import (
	"context"
	"path/filepath"
	"testing"

	"pagewatch/internal/logger"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T, session string) *EventStore {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "events.sqlite3"), "pw_", logger.NewNop())
	require.NoError(t, err)
	s := NewEventStore(db, session, logger.NewNop())
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestEventStoreReportAndList(t *testing.T) {
	s := openTestStore(t, "s1")
	require.NoError(t, s.Report([]byte(`{"type":"fetch","url":"https://a.test","status":200,"text_snippet":null,"page_id":"p1"}`)))
	require.NoError(t, s.Report([]byte(`{"type":"mutations","mutations":[],"page_id":null}`)))
	require.NoError(t, s.Close())
	assert.ErrorIs(t, s.Report([]byte(`{"type":"xhr"}`)), ErrClosed)

	ctx := context.Background()
	all, err := s.List(ctx, Filter{SessionID: "s1"})
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "fetch", all[0].Type)
	require.NotNil(t, all[0].PageID)
	assert.Equal(t, "p1", *all[0].PageID)
	assert.Nil(t, all[1].PageID)

	fetches, err := s.List(ctx, Filter{Type: "fetch"})
	require.NoError(t, err)
	assert.Len(t, fetches, 1)
}

func TestEventStoreSaveAndClear(t *testing.T) {
	s := openTestStore(t, "s2")
	ctx := context.Background()
	for _, p := range []string{`{"type":"xhr"}`, `{"type":"xhr"}`, `{"type":"console"}`} {
		_, err := s.Save(ctx, []byte(p))
		require.NoError(t, err)
	}

	n, err := s.Clear(ctx, Filter{Type: "xhr"})
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	rest, err := s.List(ctx, Filter{})
	require.NoError(t, err)
	require.Len(t, rest, 1)
	assert.Equal(t, "console", rest[0].Type)

	limited, err := s.List(ctx, Filter{Limit: 1})
	require.NoError(t, err)
	assert.Len(t, limited, 1)
}

package service

import (
	"context"
	"path/filepath"
	"testing"

	"pagewatch/internal/logger"
	"pagewatch/internal/session"
	"pagewatch/internal/storage"
	"pagewatch/pkg/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSessionEventsFanOut(t *testing.T) {
	db, err := storage.Open(filepath.Join(t.TempDir(), "svc.sqlite3"), "pw_", logger.NewNop())
	require.NoError(t, err)
	svc := New(Options{DB: db}, logger.NewNop())

	id, err := svc.StartSession(context.Background(), domain.SessionConfig{DevToolsURL: "http://127.0.0.1:1"})
	require.NoError(t, err)

	sess, ok := svc.sessions.Get(id)
	require.True(t, ok)
	require.NoError(t, sess.Bridge().Report([]byte(`{"type":"xhr","page_id":null}`)))

	events, err := svc.Events(id, true)
	require.NoError(t, err)
	require.Len(t, events, 1)
	empty, err := svc.Events(id, false)
	require.NoError(t, err)
	assert.Empty(t, empty)

	sub, err := svc.SubscribeEvents(id)
	require.NoError(t, err)
	select {
	case msg := <-sub:
		assert.Contains(t, string(msg), `"xhr"`)
	default:
		t.Fatal("subscriber did not receive event")
	}

	require.NoError(t, svc.StopSession(id))
	store := storage.NewEventStore(db, string(id), logger.NewNop())
	defer store.Close()
	stored, err := store.List(context.Background(), storage.Filter{SessionID: string(id)})
	require.NoError(t, err)
	assert.Len(t, stored, 1)
}

func TestUnknownSession(t *testing.T) {
	svc := New(Options{}, nil)
	_, err := svc.Events("missing", false)
	assert.ErrorIs(t, err, ErrSessionNotFound)
	assert.ErrorIs(t, svc.StopSession("missing"), ErrSessionNotFound)
	_, err = svc.SubscribeEvents("missing")
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestPageOperationsNeedTarget(t *testing.T) {
	svc := New(Options{}, nil)
	id, err := svc.StartSession(context.Background(), domain.SessionConfig{})
	require.NoError(t, err)
	defer svc.StopSession(id)

	assert.ErrorIs(t, svc.Visit(context.Background(), id, "https://a.test"), session.ErrNoTarget)
	_, err = svc.Content(context.Background(), id)
	assert.ErrorIs(t, err, session.ErrNoTarget)
	_, err = svc.Cookies(context.Background(), id)
	assert.ErrorIs(t, err, session.ErrNoTarget)
}

func TestCloseStopsAllSessions(t *testing.T) {
	svc := New(Options{}, nil)
	a, err := svc.StartSession(context.Background(), domain.SessionConfig{SettleMS: 20})
	require.NoError(t, err)
	_, err = svc.StartSession(context.Background(), domain.SessionConfig{})
	require.NoError(t, err)

	require.NoError(t, svc.Close())
	_, err = svc.Events(a, false)
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

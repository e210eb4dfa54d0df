package service

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"reg-smart-go/internal/repository"
)

func seedSession(store repository.SessionStore, sessionID, username string, pairs int) {
	store.GetOrCreate(sessionID, username, 10, nil)
	for i := 0; i < pairs; i++ {
		store.AppendTurn(sessionID, "question", "answer", false)
	}
}

func TestSessionHistoryReturnsTurnsForOwner(t *testing.T) {
	store := repository.NewSessionStore(7200, 100)
	svc := NewSessionService(store)
	seedSession(store, "s1", "alice", 2)

	turns, err := svc.History("s1", "alice")
	require.NoError(t, err)

	assert.Len(t, turns, 4)
	assert.Equal(t, "question", turns[0].Content)
}

func TestSessionHistoryUnknownSessionNotFound(t *testing.T) {
	svc := NewSessionService(repository.NewSessionStore(7200, 100))

	_, err := svc.History("ghost", "alice")
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestSessionHistoryForeignSessionForbidden(t *testing.T) {
	store := repository.NewSessionStore(7200, 100)
	svc := NewSessionService(store)
	seedSession(store, "s1", "alice", 1)

	_, err := svc.History("s1", "bob")
	assert.ErrorIs(t, err, ErrSessionForbidden)
}

func TestSessionDeleteChecksOwnership(t *testing.T) {
	store := repository.NewSessionStore(7200, 100)
	svc := NewSessionService(store)
	seedSession(store, "s1", "alice", 1)

	assert.ErrorIs(t, svc.Delete("s1", "bob"), ErrSessionForbidden)
	_, ok := store.Get("s1")
	assert.True(t, ok)

	require.NoError(t, svc.Delete("s1", "alice"))
	_, ok = store.Get("s1")
	assert.False(t, ok)

	assert.ErrorIs(t, svc.Delete("s1", "alice"), ErrSessionNotFound)
}

func TestSessionListScopedToUserMostRecentFirst(t *testing.T) {
	store := repository.NewSessionStore(7200, 100)
	svc := NewSessionService(store)

	seedSession(store, "alice-old", "alice", 1)
	time.Sleep(5 * time.Millisecond)
	seedSession(store, "bob-only", "bob", 3)
	time.Sleep(5 * time.Millisecond)
	seedSession(store, "alice-new", "alice", 2)

	infos := svc.List("alice")

	require.Len(t, infos, 2)
	assert.Equal(t, "alice-new", infos[0].SessionID)
	assert.Equal(t, 4, infos[0].MessageCount)
	assert.Equal(t, "alice-old", infos[1].SessionID)
	assert.Equal(t, 2, infos[1].MessageCount)
}

func TestSessionListEmptyForUnknownUser(t *testing.T) {
	store := repository.NewSessionStore(7200, 100)
	svc := NewSessionService(store)
	seedSession(store, "s1", "alice", 1)

	infos := svc.List("nobody")
	assert.NotNil(t, infos)
	assert.Empty(t, infos)
}

func TestSessionStatsDelegatesToStore(t *testing.T) {
	store := repository.NewSessionStore(7200, 100)
	svc := NewSessionService(store)
	seedSession(store, "s1", "alice", 2)
	seedSession(store, "s2", "bob", 1)

	stats := svc.Stats()
	assert.Equal(t, 2, stats.ActiveSessions)
	assert.Equal(t, 6, stats.TotalTurns)
}

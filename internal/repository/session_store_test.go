package repository

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"reg-smart-go/internal/model"
)

func newTestStore() SessionStore {
	return NewSessionStore(7200, 1000)
}

// backdate 直接改写会话的最后活跃时间，用于触发超时与 LRU 逐出。
func backdate(t *testing.T, store SessionStore, sessionID string, d time.Duration) {
	t.Helper()
	ms, ok := store.(*memorySessionStore)
	require.True(t, ok)
	ms.mu.Lock()
	defer ms.mu.Unlock()
	sess, ok := ms.sessions[sessionID]
	require.True(t, ok)
	sess.LastActivity = time.Now().Add(-d)
}

func TestSessionStoreWindowKeepsLatestPairs(t *testing.T) {
	store := newTestStore()
	store.GetOrCreate("s1", "alice", 3, nil)

	for i := 1; i <= 5; i++ {
		store.AppendTurn("s1", fmt.Sprintf("q%d", i), fmt.Sprintf("a%d", i), false)
	}

	history := store.History("s1")
	require.Len(t, history, 6)
	// 最旧的两组被淘汰，窗口内保留第 3 到第 5 组
	assert.Equal(t, "q3", history[0].Content)
	assert.Equal(t, "a5", history[5].Content)
}

func TestSessionStorePairCountNeverExceedsWindow(t *testing.T) {
	store := newTestStore()
	store.GetOrCreate("s1", "alice", 10, nil)

	for i := 0; i < 25; i++ {
		store.AppendTurn("s1", "q", "a", false)
		history := store.History("s1")
		expected := i + 1
		if expected > 10 {
			expected = 10
		}
		assert.Len(t, history, expected*2)
	}
}

func TestSessionStoreAppendIsPairAtomic(t *testing.T) {
	store := newTestStore()
	store.GetOrCreate("s1", "alice", 5, nil)

	store.AppendTurn("s1", "question", "answer", false)
	store.AppendTurn("s1", "question2", "answer2", false)

	history := store.History("s1")
	require.Len(t, history, 4)
	for i, turn := range history {
		if i%2 == 0 {
			assert.Equal(t, model.RoleHuman, turn.Role)
		} else {
			assert.Equal(t, model.RoleAssistant, turn.Role)
		}
	}
	// 同一组问答共享时间戳
	assert.Equal(t, history[0].Timestamp, history[1].Timestamp)
}

func TestSessionStoreAppendToUnknownSessionIsIgnored(t *testing.T) {
	store := newTestStore()

	store.AppendTurn("missing", "q", "a", false)

	assert.Empty(t, store.History("missing"))
	_, ok := store.Get("missing")
	assert.False(t, ok)
}

func TestSessionStoreReplaceLastSwapsFinalPair(t *testing.T) {
	store := newTestStore()
	store.GetOrCreate("s1", "alice", 5, nil)

	store.AppendTurn("s1", "q1", "a1", false)
	store.AppendTurn("s1", "q2", "draft", false)
	store.AppendTurn("s1", "q2", "enhanced", true)

	history := store.History("s1")
	require.Len(t, history, 4)
	assert.Equal(t, "a1", history[1].Content)
	assert.Equal(t, "enhanced", history[3].Content)
}

func TestSessionStoreReplaceLastOnEmptySessionAppends(t *testing.T) {
	store := newTestStore()
	store.GetOrCreate("s1", "alice", 5, nil)

	store.AppendTurn("s1", "q1", "a1", true)

	history := store.History("s1")
	require.Len(t, history, 2)
	assert.Equal(t, "q1", history[0].Content)
}

func TestSessionStoreGetOrCreateIsIdempotent(t *testing.T) {
	store := newTestStore()
	first := store.GetOrCreate("s1", "alice", 5, map[string]string{"channel": "web"})
	store.AppendTurn("s1", "q1", "a1", false)

	again := store.GetOrCreate("s1", "alice", 5, nil)
	assert.Equal(t, first.ID, again.ID)
	assert.Equal(t, "web", again.Metadata["channel"])
	assert.Len(t, again.Turns, 2)
	assert.Len(t, store.ListIDs(), 1)
}

func TestSessionStoreEvictsExpiredOnCreate(t *testing.T) {
	store := NewSessionStore(7200, 1000)
	store.GetOrCreate("stale", "alice", 5, nil)
	backdate(t, store, "stale", 3*time.Hour)

	// 过期清理发生在创建路径上
	store.GetOrCreate("fresh", "bob", 5, nil)

	_, ok := store.Get("stale")
	assert.False(t, ok)
	_, ok = store.Get("fresh")
	assert.True(t, ok)
}

func TestSessionStoreEvictsLRUAtCapacity(t *testing.T) {
	store := NewSessionStore(7200, 2)
	store.GetOrCreate("oldest", "alice", 5, nil)
	store.GetOrCreate("newer", "bob", 5, nil)
	backdate(t, store, "oldest", 10*time.Minute)
	backdate(t, store, "newer", 5*time.Minute)

	store.GetOrCreate("newest", "carol", 5, nil)

	_, ok := store.Get("oldest")
	assert.False(t, ok, "最久未活跃的会话应被逐出")
	_, ok = store.Get("newer")
	assert.True(t, ok)
	_, ok = store.Get("newest")
	assert.True(t, ok)
	assert.Len(t, store.ListIDs(), 2)
}

func TestSessionStoreReadsReturnSnapshots(t *testing.T) {
	store := newTestStore()
	store.GetOrCreate("s1", "alice", 5, map[string]string{"k": "v"})
	store.AppendTurn("s1", "q1", "a1", false)

	history := store.History("s1")
	history[0].Content = "mutated"

	snapshot, ok := store.Get("s1")
	require.True(t, ok)
	snapshot.Turns[1].Content = "mutated"
	snapshot.Metadata["k"] = "mutated"

	fresh := store.History("s1")
	assert.Equal(t, "q1", fresh[0].Content)
	assert.Equal(t, "a1", fresh[1].Content)
	again, _ := store.Get("s1")
	assert.Equal(t, "v", again.Metadata["k"])
}

func TestSessionStoreDelete(t *testing.T) {
	store := newTestStore()
	store.GetOrCreate("s1", "alice", 5, nil)

	assert.True(t, store.Delete("s1"))
	assert.False(t, store.Delete("s1"))
	assert.Empty(t, store.History("s1"))
}

func TestSessionStoreStats(t *testing.T) {
	store := newTestStore()
	store.GetOrCreate("s1", "alice", 5, nil)
	store.GetOrCreate("s2", "bob", 5, nil)
	store.AppendTurn("s1", "q1", "a1", false)
	store.AppendTurn("s1", "q2", "a2", false)
	store.AppendTurn("s2", "q1", "a1", false)

	stats := store.Stats()
	assert.Equal(t, 2, stats.ActiveSessions)
	assert.Equal(t, 6, stats.TotalTurns)
}

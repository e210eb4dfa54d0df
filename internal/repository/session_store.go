package repository

import (
	"sync"
	"time"

	"reg-smart-go/internal/model"
	"reg-smart-go/pkg/log"
)

// 会话存储的默认参数。
const (
	defaultWindowSize     = 10
	defaultSessionTimeout = 7200 * time.Second
	defaultMaxSessions    = 1000
)

// SessionStore 定义进程内会话存储的接口。
// 所有读取返回快照副本，调用方的修改不会影响存储内部状态。
type SessionStore interface {
	// GetOrCreate 获取或创建会话，幂等。创建路径会先清理闲置超时的会话，
	// 仍达到容量上限时按最久未活跃逐出。
	GetOrCreate(sessionID, userID string, windowSize int, metadata map[string]string) *model.Session
	// AppendTurn 原子地追加一组问答消息。replaceLast 为 true 且已有记录时，
	// 先移除最近一组再追加。向不存在的会话追加只告警不生效。
	AppendTurn(sessionID, userText, assistantText string, replaceLast bool)
	// History 返回按时间先后排序的消息列表，未知会话返回空切片。
	History(sessionID string) []model.Turn
	// Get 返回会话快照，用于归属校验等读取场景。
	Get(sessionID string) (*model.Session, bool)
	// Delete 删除会话，会话存在时返回 true。
	Delete(sessionID string) bool
	// ListIDs 返回当前全部会话 ID。
	ListIDs() []string
	// Stats 返回会话数量与消息总数。
	Stats() model.SessionStats
}

// memorySessionStore 是 SessionStore 的内存实现，单进程内有效。
type memorySessionStore struct {
	mu             sync.RWMutex
	sessions       map[string]*model.Session
	sessionTimeout time.Duration
	maxSessions    int
}

// NewSessionStore 创建一个内存会话存储。
// sessionTimeoutSeconds 不超过 0 时取 7200 秒，maxSessions 不超过 0 时取 1000。
func NewSessionStore(sessionTimeoutSeconds, maxSessions int) SessionStore {
	timeout := time.Duration(sessionTimeoutSeconds) * time.Second
	if sessionTimeoutSeconds <= 0 {
		timeout = defaultSessionTimeout
	}
	if maxSessions <= 0 {
		maxSessions = defaultMaxSessions
	}
	return &memorySessionStore{
		sessions:       make(map[string]*model.Session),
		sessionTimeout: timeout,
		maxSessions:    maxSessions,
	}
}

// GetOrCreate 获取或创建会话。
func (s *memorySessionStore) GetOrCreate(sessionID, userID string, windowSize int, metadata map[string]string) *model.Session {
	s.mu.Lock()
	defer s.mu.Unlock()

	if sess, ok := s.sessions[sessionID]; ok {
		sess.LastActivity = time.Now()
		return snapshotSession(sess)
	}

	// 创建前先清理：闲置超时优先，仍达到上限时按最久未活跃逐出
	s.evictExpiredLocked()
	s.evictOverflowLocked()

	if windowSize <= 0 {
		windowSize = defaultWindowSize
	}
	now := time.Now()
	sess := &model.Session{
		ID:           sessionID,
		UserID:       userID,
		CreatedAt:    now,
		LastActivity: now,
		WindowSize:   windowSize,
		Turns:        make([]model.Turn, 0, windowSize*2),
	}
	if len(metadata) > 0 {
		sess.Metadata = make(map[string]string, len(metadata))
		for k, v := range metadata {
			sess.Metadata[k] = v
		}
	}
	s.sessions[sessionID] = sess
	log.Infof("[SessionStore] 创建会话: %s (user: %s)", sessionID, userID)
	return snapshotSession(sess)
}

// AppendTurn 追加一组问答。
func (s *memorySessionStore) AppendTurn(sessionID, userText, assistantText string, replaceLast bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[sessionID]
	if !ok {
		log.Warnf("[SessionStore] 向不存在的会话追加消息被忽略: %s", sessionID)
		return
	}

	if replaceLast && len(sess.Turns) >= 2 {
		sess.Turns = sess.Turns[:len(sess.Turns)-2]
	}

	now := time.Now()
	sess.Turns = append(sess.Turns,
		model.Turn{Role: model.RoleHuman, Content: userText, Timestamp: now},
		model.Turn{Role: model.RoleAssistant, Content: assistantText, Timestamp: now},
	)

	// 滑动窗口：只保留最近 WindowSize 组问答
	if limit := sess.WindowSize * 2; len(sess.Turns) > limit {
		trimmed := make([]model.Turn, limit)
		copy(trimmed, sess.Turns[len(sess.Turns)-limit:])
		sess.Turns = trimmed
	}
	sess.LastActivity = now
}

// History 返回会话的全部消息副本。
func (s *memorySessionStore) History(sessionID string) []model.Turn {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sess, ok := s.sessions[sessionID]
	if !ok {
		return []model.Turn{}
	}
	out := make([]model.Turn, len(sess.Turns))
	copy(out, sess.Turns)
	return out
}

// Get 返回会话快照。
func (s *memorySessionStore) Get(sessionID string) (*model.Session, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sess, ok := s.sessions[sessionID]
	if !ok {
		return nil, false
	}
	return snapshotSession(sess), true
}

// Delete 删除会话。
func (s *memorySessionStore) Delete(sessionID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.sessions[sessionID]; !ok {
		return false
	}
	delete(s.sessions, sessionID)
	log.Infof("[SessionStore] 删除会话: %s", sessionID)
	return true
}

// ListIDs 返回全部会话 ID。
func (s *memorySessionStore) ListIDs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := make([]string, 0, len(s.sessions))
	for id := range s.sessions {
		ids = append(ids, id)
	}
	return ids
}

// Stats 返回会话数量与消息总数。
func (s *memorySessionStore) Stats() model.SessionStats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := model.SessionStats{ActiveSessions: len(s.sessions)}
	for _, sess := range s.sessions {
		stats.TotalTurns += len(sess.Turns)
	}
	return stats
}

// evictExpiredLocked 清理闲置超时的会话。先收集再删除，不在遍历中改写 map。
func (s *memorySessionStore) evictExpiredLocked() {
	now := time.Now()
	var expired []string
	for id, sess := range s.sessions {
		if now.Sub(sess.LastActivity) > s.sessionTimeout {
			expired = append(expired, id)
		}
	}
	for _, id := range expired {
		delete(s.sessions, id)
	}
	if len(expired) > 0 {
		log.Infof("[SessionStore] 清理过期会话 %d 个", len(expired))
	}
}

// evictOverflowLocked 在会话数达到上限时逐出最久未活跃的会话。
func (s *memorySessionStore) evictOverflowLocked() {
	for len(s.sessions) >= s.maxSessions {
		var oldestID string
		var oldest time.Time
		for id, sess := range s.sessions {
			if oldestID == "" || sess.LastActivity.Before(oldest) {
				oldestID = id
				oldest = sess.LastActivity
			}
		}
		if oldestID == "" {
			return
		}
		delete(s.sessions, oldestID)
		log.Warnf("[SessionStore] 会话数量达到上限 %d，逐出最久未活跃会话: %s", s.maxSessions, oldestID)
	}
}

// snapshotSession 复制会话及其消息切片，避免调用方与存储共享底层数据。
func snapshotSession(sess *model.Session) *model.Session {
	out := *sess
	out.Turns = make([]model.Turn, len(sess.Turns))
	copy(out.Turns, sess.Turns)
	if sess.Metadata != nil {
		out.Metadata = make(map[string]string, len(sess.Metadata))
		for k, v := range sess.Metadata {
			out.Metadata[k] = v
		}
	}
	return &out
}

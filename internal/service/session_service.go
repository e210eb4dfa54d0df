package service

import (
	"errors"
	"sort"
	"time"

	"reg-smart-go/internal/model"
	"reg-smart-go/internal/repository"
)

// 会话访问相关的哨兵错误，handler 据此映射 404 与 403。
var (
	ErrSessionNotFound  = errors.New("session not found")
	ErrSessionForbidden = errors.New("session does not belong to the current user")
)

// SessionService 提供带归属校验的会话读取与管理操作。
type SessionService interface {
	// History 返回会话的全部消息，按时间先后排序。
	History(sessionID, username string) ([]model.Turn, error)
	// Delete 删除会话。
	Delete(sessionID, username string) error
	// List 返回用户自己的会话摘要，按最近活跃倒序。
	List(username string) []model.SessionInfo
	// Stats 返回会话存储的运行指标。
	Stats() model.SessionStats
}

type sessionService struct {
	store repository.SessionStore
}

// NewSessionService 创建一个新的 SessionService 实例。
func NewSessionService(store repository.SessionStore) SessionService {
	return &sessionService{store: store}
}

// resolve 定位会话并校验归属。
func (s *sessionService) resolve(sessionID, username string) (*model.Session, error) {
	session, ok := s.store.Get(sessionID)
	if !ok {
		return nil, ErrSessionNotFound
	}
	if session.UserID != username {
		return nil, ErrSessionForbidden
	}
	return session, nil
}

// History 返回会话消息。
func (s *sessionService) History(sessionID, username string) ([]model.Turn, error) {
	session, err := s.resolve(sessionID, username)
	if err != nil {
		return nil, err
	}
	return session.Turns, nil
}

// Delete 删除会话。
func (s *sessionService) Delete(sessionID, username string) error {
	if _, err := s.resolve(sessionID, username); err != nil {
		return err
	}
	s.store.Delete(sessionID)
	return nil
}

// List 返回用户的会话摘要。
func (s *sessionService) List(username string) []model.SessionInfo {
	infos := make([]model.SessionInfo, 0)
	for _, id := range s.store.ListIDs() {
		session, ok := s.store.Get(id)
		if !ok || session.UserID != username {
			continue
		}
		infos = append(infos, model.SessionInfo{
			SessionID:    session.ID,
			MessageCount: len(session.Turns),
			CreatedAt:    model.LocalTime(session.CreatedAt),
			LastActivity: model.LocalTime(session.LastActivity),
		})
	}
	sort.Slice(infos, func(i, j int) bool {
		return time.Time(infos[i].LastActivity).After(time.Time(infos[j].LastActivity))
	})
	return infos
}

// Stats 返回会话存储指标。
func (s *sessionService) Stats() model.SessionStats {
	return s.store.Stats()
}

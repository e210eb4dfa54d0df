// Package model 定义了应用的核心数据结构。
package model

import "time"

// Role 表示会话消息的角色。
type Role string

const (
	RoleHuman     Role = "human"
	RoleAssistant Role = "assistant"
)

// Turn 是会话历史中的一条消息。提问与回答总是成对写入存储，
// 引用信息不随历史保存，只出现在当次响应中。
type Turn struct {
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// Session 表示一个进程内会话。Turns 按时间先后排列，
// 容量受 WindowSize 限制：保留最近 WindowSize 组问答，即 2*WindowSize 条消息。
type Session struct {
	ID           string            `json:"session_id"`
	UserID       string            `json:"user_id"`
	CreatedAt    time.Time         `json:"created_at"`
	LastActivity time.Time         `json:"last_activity"`
	WindowSize   int               `json:"-"`
	Turns        []Turn            `json:"turns"`
	Metadata     map[string]string `json:"metadata,omitempty"`
}

// PairCount 返回完整的问答组数。
func (s *Session) PairCount() int {
	return len(s.Turns) / 2
}

// SessionInfo 是会话列表接口返回的摘要信息。
type SessionInfo struct {
	SessionID    string    `json:"sessionId"`
	MessageCount int       `json:"messageCount"`
	CreatedAt    LocalTime `json:"createdAt"`
	LastActivity LocalTime `json:"lastActivity"`
}

// SessionStats 汇总会话存储的运行指标。
type SessionStats struct {
	ActiveSessions int `json:"active_sessions"`
	TotalTurns     int `json:"total_turns"`
}

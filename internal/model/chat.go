package model

// ChatRequest 是问答接口的请求体。
// user_id 仅为兼容保留，真实身份始终以访问令牌中的用户名为准。
type ChatRequest struct {
	Query    string            `json:"query"`
	UserID   string            `json:"user_id"`
	Metadata map[string]string `json:"metadata"`
}

// Citation 标注回答引用的知识库来源，Snippet 为原文片段。
type Citation struct {
	Source  string `json:"source"`
	Snippet string `json:"snippet"`
}

// ChatResult 是同步问答的完整响应。
// ToolUsed 在启用了知识库检索时为 "knowledge_base"，否则为 null。
type ChatResult struct {
	Answer    string     `json:"answer"`
	Citations []Citation `json:"citations"`
	ToolUsed  *string    `json:"tool_used"`
	SessionID string     `json:"session_id"`
}

// 流式事件类型。chunk 为增量文本，complete 为终态完整回答，error 为失败。
// 增强改写生效时会在第一个 complete 之后追加一个携带引用的修正 complete。
const (
	StreamEventChunk    = "chunk"
	StreamEventComplete = "complete"
	StreamEventError    = "error"
)

// ChatStreamEvent 是流式响应推送给客户端的单个事件帧。
type ChatStreamEvent struct {
	Type      string     `json:"type"`
	Content   string     `json:"content"`
	SessionID string     `json:"session_id"`
	Citations []Citation `json:"citations,omitempty"`
}

package model

// RetrievedPassage 是知识库检索返回的一段法规原文。
type RetrievedPassage struct {
	Content  string                 `json:"content"`
	Source   string                 `json:"source"`
	Score    float64                `json:"score"`
	Metadata map[string]interface{} `json:"metadata,omitempty"`
}

// SearchResultDoc 是文档检索接口返回的条目，内容截断至 1000 字符。
type SearchResultDoc struct {
	Content  string                 `json:"content"`
	Source   string                 `json:"source"`
	Score    float64                `json:"score"`
	Metadata map[string]interface{} `json:"metadata,omitempty"`
}

// 依赖网关健康状态取值。
const (
	HealthHealthy   = "healthy"
	HealthUnhealthy = "unhealthy"
	HealthDisabled  = "disabled"
)

// HealthStatus 描述外部依赖网关的健康状况。
type HealthStatus struct {
	Status string `json:"status"`
	Detail string `json:"detail,omitempty"`
}

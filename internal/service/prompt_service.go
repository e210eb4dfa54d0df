// Package service 包含了应用的业务逻辑层。
package service

import (
	"context"
	"fmt"
	"strings"

	"reg-smart-go/internal/model"
	"reg-smart-go/pkg/llm"
	"reg-smart-go/pkg/log"
)

const (
	// 指令模板中检索上下文的占位符
	contextPlaceholder = "{context}"
	// 无检索结果时注入占位符的文案
	noContextText = "No relevant context available."

	defaultMaxHistory = 6
)

// TemplateSource 抽象指令模板的来源，生产实现是 storage.TemplateStore。
type TemplateSource interface {
	FetchTemplate(ctx context.Context, objectName string) (string, error)
}

// PromptService 负责把指令模板、检索上下文、会话历史与用户问题组装成消息列表。
type PromptService interface {
	// BuildMessages 组装一次问答调用的消息列表。历史在会话窗口之外
	// 再截断一次，只保留最近 maxHistory 条消息。
	BuildMessages(query string, history []model.Turn, contextText string) []llm.Message
	// EnhancementMessages 组装流式补检后的重写调用：指令、新鲜上下文、
	// 原始问题与草稿回答合并为单条 user 消息，不携带历史。
	EnhancementMessages(query, draft, contextText string) []llm.Message
}

type promptService struct {
	template   string
	maxHistory int
}

// NewPromptService 从模板库拉取指令模板并构建服务实例。
// 模板不可用时返回错误，没有内置兜底文案，由调用方决定是否中止启动。
func NewPromptService(ctx context.Context, source TemplateSource, objectName string, maxHistory int) (PromptService, error) {
	tpl, err := source.FetchTemplate(ctx, objectName)
	if err != nil {
		return nil, fmt.Errorf("failed to load prompt template %s: %w", objectName, err)
	}
	if !strings.Contains(tpl, contextPlaceholder) {
		log.Warnf("[PromptService] 指令模板缺少 %s 占位符，检索上下文将无法注入", contextPlaceholder)
	}
	if maxHistory <= 0 {
		maxHistory = defaultMaxHistory
	}
	log.Infof("[PromptService] 指令模板加载成功, object: %s, 长度: %d", objectName, len(tpl))
	return &promptService{template: tpl, maxHistory: maxHistory}, nil
}

// renderInstructions 将检索上下文注入指令模板。
func (s *promptService) renderInstructions(contextText string) string {
	if strings.TrimSpace(contextText) == "" {
		contextText = noContextText
	}
	return strings.ReplaceAll(s.template, contextPlaceholder, contextText)
}

// BuildMessages 组装问答消息列表。
func (s *promptService) BuildMessages(query string, history []model.Turn, contextText string) []llm.Message {
	instructions := s.renderInstructions(contextText)

	recent := history
	if len(recent) > s.maxHistory {
		recent = recent[len(recent)-s.maxHistory:]
	}

	// 无历史时指令与问题合并为单条 user 消息
	if len(recent) == 0 {
		return []llm.Message{{
			Role:    "user",
			Content: instructions + "\n\nUser Question: " + query,
		}}
	}

	msgs := make([]llm.Message, 0, len(recent)+2)
	msgs = append(msgs, llm.Message{Role: "user", Content: instructions})
	for _, t := range recent {
		msgs = append(msgs, llm.Message{Role: roleName(t.Role), Content: t.Content})
	}
	msgs = append(msgs, llm.Message{Role: "user", Content: query})
	return msgs
}

// EnhancementMessages 组装重写调用的消息列表。
func (s *promptService) EnhancementMessages(query, draft, contextText string) []llm.Message {
	var b strings.Builder
	b.WriteString(s.renderInstructions(contextText))
	b.WriteString("\n\nUser Question: ")
	b.WriteString(query)
	b.WriteString("\n\nInitial Answer:\n")
	b.WriteString(draft)
	b.WriteString("\n\nRewrite the initial answer using the context above. Cite the specific regulations, articles or sections that support each statement, and correct anything the context contradicts. Keep the answer concise.")
	return []llm.Message{{Role: "user", Content: b.String()}}
}

// roleName 将会话角色映射为聊天接口的角色名。
func roleName(r model.Role) string {
	if r == model.RoleAssistant {
		return "assistant"
	}
	return "user"
}

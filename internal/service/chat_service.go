package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"reg-smart-go/internal/config"
	"reg-smart-go/internal/model"
	"reg-smart-go/internal/repository"
	"reg-smart-go/pkg/guardrail"
	"reg-smart-go/pkg/llm"
	"reg-smart-go/pkg/log"
)

// 问题校验失败时返回的错误，文案原样透出给客户端。
var (
	ErrQueryEmpty   = errors.New("Query cannot be empty")
	ErrQueryTooLong = errors.New("Query is too long (maximum 10000 characters)")
)

// 生成链路各故障点的兜底话术。校验之外的内部错误一律降级为这些回答，
// 不允许以 5xx 透出。
const (
	AnswerEmptyFallback   = "I couldn't generate a response. Please try rephrasing your query."
	AnswerBackendFailure  = "I'm experiencing technical difficulties. Please try again later."
	AnswerInternalFailure = "I encountered an error processing your request."
)

// 检索上下文被采用时写入结果的工具标记。
const toolKnowledgeBase = "knowledge_base"

const (
	maxQueryRunes = 10000

	// 各展示场景的内容截断长度（按字符计）
	contextSnippetRunes  = 800
	citationSnippetRunes = 500
	searchContentRunes   = 1000

	defaultMaxContextResults = 3
	defaultMaxTokens         = 700
	defaultStreamMaxTokens   = 1000
	defaultTemperature       = 0.3
)

// ValidateQuery 校验用户问题：空白问题与超过 10000 字符的问题直接拒绝，
// 不触达任何后端。
func ValidateQuery(query string) error {
	if strings.TrimSpace(query) == "" {
		return ErrQueryEmpty
	}
	if utf8.RuneCountInString(query) > maxQueryRunes {
		return ErrQueryTooLong
	}
	return nil
}

// StreamEmitter 向下游客户端写出一个流式事件。
// 返回非 nil 错误表示客户端已断开，编排器会立即停止当前阶段。
type StreamEmitter func(event model.ChatStreamEvent) error

// ChatService 定义了问答编排的接口。
type ChatService interface {
	// Chat 执行同步问答：加载历史、按需检索、生成、过滤、落会话。
	// 返回错误仅限问题校验失败，其余故障全部降级为兜底回答。
	Chat(ctx context.Context, query, userID, sessionID string, metadata map[string]string) (*model.ChatResult, error)
	// ChatStream 执行流式问答：先直接生成并逐块下发，草稿送达后按需
	// 补检重写，重写结果以第二个 complete 事件携带引用下发并覆盖会话中
	// 的最后一组问答。
	ChatStream(ctx context.Context, query, userID, sessionID string, metadata map[string]string, emit StreamEmitter) error
}

type chatService struct {
	store             repository.SessionStore
	kbService         KnowledgeBaseService
	promptService     PromptService
	llmClient         llm.Client
	filter            guardrail.Filter
	windowSize        int
	maxContextResults int
	maxTokens         int
	streamMaxTokens   int
	temperature       float64
}

// NewChatService 创建一个新的 ChatService 实例。
func NewChatService(store repository.SessionStore, kbService KnowledgeBaseService, promptService PromptService, llmClient llm.Client, filter guardrail.Filter, chatCfg config.ChatConfig) ChatService {
	s := &chatService{
		store:             store,
		kbService:         kbService,
		promptService:     promptService,
		llmClient:         llmClient,
		filter:            filter,
		windowSize:        chatCfg.WindowSize,
		maxContextResults: chatCfg.MaxContextResults,
		maxTokens:         chatCfg.MaxTokens,
		streamMaxTokens:   chatCfg.StreamMaxTokens,
		temperature:       chatCfg.Temperature,
	}
	if s.maxContextResults <= 0 {
		s.maxContextResults = defaultMaxContextResults
	}
	if s.maxTokens <= 0 {
		s.maxTokens = defaultMaxTokens
	}
	if s.streamMaxTokens <= 0 {
		s.streamMaxTokens = defaultStreamMaxTokens
	}
	if s.temperature <= 0 {
		s.temperature = defaultTemperature
	}
	return s
}

// Chat 同步问答。
func (s *chatService) Chat(ctx context.Context, query, userID, sessionID string, metadata map[string]string) (*model.ChatResult, error) {
	if err := ValidateQuery(query); err != nil {
		return nil, err
	}

	// 1. 取会话与历史
	session := s.store.GetOrCreate(sessionID, userID, s.windowSize, metadata)
	history := session.Turns

	// 2. 按需检索上下文，失败降级为无上下文
	var contextText string
	citations := []model.Citation{}
	if s.kbService.NeedsRetrieval(query) {
		passages, err := s.kbService.Retrieve(ctx, query, s.maxContextResults)
		if err != nil {
			log.Errorf("[ChatService] 检索失败, 按无上下文继续, session: %s, err: %v", sessionID, err)
		} else {
			contextText = buildContextText(passages)
			citations = buildCitations(passages)
		}
	} else {
		log.Infof("[ChatService] 问题无需检索知识库, session: %s", sessionID)
	}

	// 3. 组装消息并调用生成
	messages := s.promptService.BuildMessages(query, history, contextText)
	answer, err := s.llmClient.Chat(ctx, messages, s.genParams(s.maxTokens))

	var toolUsed *string
	switch {
	case err != nil:
		log.Errorf("[ChatService] 生成失败, session: %s, err: %v", sessionID, err)
		answer = AnswerBackendFailure
		citations = []model.Citation{}
	case strings.TrimSpace(answer) == "":
		log.Warnf("[ChatService] 生成结果为空, session: %s", sessionID)
		answer = AnswerEmptyFallback
		citations = []model.Citation{}
	default:
		if contextText != "" {
			tool := toolKnowledgeBase
			toolUsed = &tool
		}
	}

	// 4. 输出侧安全过滤
	filtered := s.filter.Apply(ctx, answer)

	// 5. 落会话（兜底话术同样入会话，保持问答成对）
	s.store.AppendTurn(sessionID, query, filtered, false)

	return &model.ChatResult{
		Answer:    filtered,
		Citations: citations,
		ToolUsed:  toolUsed,
		SessionID: sessionID,
	}, nil
}

// ChatStream 流式问答。
func (s *chatService) ChatStream(ctx context.Context, query, userID, sessionID string, metadata map[string]string, emit StreamEmitter) error {
	if err := ValidateQuery(query); err != nil {
		return err
	}

	// 1. 取会话与历史。流式路径不做前置检索，优先首字延迟
	session := s.store.GetOrCreate(sessionID, userID, s.windowSize, metadata)
	messages := s.promptService.BuildMessages(query, session.Turns, "")

	// 2. 流式生成：增量下发并捕获完整草稿
	var draft string
	var failed bool
	err := s.llmClient.StreamChat(ctx, messages, s.genParams(s.streamMaxTokens), func(ev llm.StreamEvent) error {
		switch ev.Type {
		case llm.EventChunk:
			return emit(model.ChatStreamEvent{Type: model.StreamEventChunk, Content: ev.Content, SessionID: sessionID})
		case llm.EventComplete:
			draft = ev.Content
		case llm.EventError:
			failed = true
			return emit(model.ChatStreamEvent{Type: model.StreamEventError, Content: ev.Content, SessionID: sessionID})
		}
		return nil
	})
	if err != nil {
		// 客户端断开：未送达的回答不落会话
		log.Warnf("[ChatService] 流式下发中断, 本轮不落会话, session: %s, err: %v", sessionID, err)
		return nil
	}
	if failed || draft == "" {
		// 生成侧失败已作为 error 事件下发，本轮不落会话
		return nil
	}

	// 3. 草稿过滤。策略改写或拦截的结果即为最终回答，不再补检
	filtered := s.filter.Apply(ctx, draft)
	if filtered != draft {
		log.Infof("[ChatService] 草稿被安全策略改写, 跳过补检增强, session: %s", sessionID)
		if err := emit(model.ChatStreamEvent{Type: model.StreamEventComplete, Content: filtered, SessionID: sessionID}); err != nil {
			return nil
		}
		s.store.AppendTurn(sessionID, query, filtered, false)
		return nil
	}

	// 4. 下发草稿终帧并落会话
	if err := emit(model.ChatStreamEvent{Type: model.StreamEventComplete, Content: draft, SessionID: sessionID}); err != nil {
		log.Warnf("[ChatService] 终帧下发失败, 本轮不落会话, session: %s", sessionID)
		return nil
	}
	s.store.AppendTurn(sessionID, query, draft, false)

	// 5. 补检增强：草稿已送达，这里的任何失败都只记日志
	s.enhanceAfterStream(ctx, query, draft, sessionID, emit)
	return nil
}

// enhanceAfterStream 对已送达的草稿做补检重写。
// 成功时下发携带引用的第二个 complete 事件，并覆盖会话中刚落的一组问答；
// 任何一步失败都保留草稿，不影响已完成的下发。
func (s *chatService) enhanceAfterStream(ctx context.Context, query, draft, sessionID string, emit StreamEmitter) {
	if !s.kbService.NeedsEnhancement(query, draft) {
		return
	}
	log.Infof("[ChatService] 草稿进入补检增强, session: %s", sessionID)

	passages, err := s.kbService.Retrieve(ctx, query, s.maxContextResults)
	if err != nil {
		log.Errorf("[ChatService] 补检失败, 保留草稿, session: %s, err: %v", sessionID, err)
		return
	}
	if len(passages) == 0 {
		log.Infof("[ChatService] 补检无结果, 保留草稿, session: %s", sessionID)
		return
	}

	messages := s.promptService.EnhancementMessages(query, draft, buildContextText(passages))
	enhanced, err := s.llmClient.Chat(ctx, messages, s.genParams(s.maxTokens))
	if err != nil {
		log.Errorf("[ChatService] 重写生成失败, 保留草稿, session: %s, err: %v", sessionID, err)
		return
	}
	if strings.TrimSpace(enhanced) == "" {
		log.Warnf("[ChatService] 重写结果为空, 保留草稿, session: %s", sessionID)
		return
	}

	enhanced = s.filter.Apply(ctx, enhanced)
	event := model.ChatStreamEvent{
		Type:      model.StreamEventComplete,
		Content:   enhanced,
		SessionID: sessionID,
		Citations: buildCitations(passages),
	}
	if err := emit(event); err != nil {
		log.Warnf("[ChatService] 增强回答下发失败, 会话保留草稿, session: %s", sessionID)
		return
	}
	s.store.AppendTurn(sessionID, query, enhanced, true)
	log.Infof("[ChatService] 补检增强完成, 已覆盖本轮会话记录, session: %s", sessionID)
}

func (s *chatService) genParams(maxTokens int) *llm.GenerationParams {
	mt := maxTokens
	temp := s.temperature
	return &llm.GenerationParams{MaxTokens: &mt, Temperature: &temp}
}

// buildContextText 将检索段落拼装为提示词上下文块。
func buildContextText(passages []model.RetrievedPassage) string {
	if len(passages) == 0 {
		return ""
	}
	parts := make([]string, 0, len(passages))
	for _, p := range passages {
		parts = append(parts, fmt.Sprintf("Source: %s\n%s", p.Source, truncateRunes(p.Content, contextSnippetRunes)))
	}
	return strings.Join(parts, "\n\n")
}

// buildCitations 将检索段落转换为引用列表。
func buildCitations(passages []model.RetrievedPassage) []model.Citation {
	citations := make([]model.Citation, 0, len(passages))
	for _, p := range passages {
		snippet := p.Content
		if r := []rune(snippet); len(r) > citationSnippetRunes {
			snippet = string(r[:citationSnippetRunes]) + "..."
		}
		citations = append(citations, model.Citation{Source: p.Source, Snippet: snippet})
	}
	return citations
}

// truncateRunes 按字符数截断文本，不足时原样返回。
func truncateRunes(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}

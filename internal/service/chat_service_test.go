package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"reg-smart-go/internal/config"
	"reg-smart-go/internal/model"
	"reg-smart-go/internal/repository"
	"reg-smart-go/pkg/eurlex"
	"reg-smart-go/pkg/llm"
)

// stubKB 以固定返回替代真实检索网关。
type stubKB struct {
	retrieval     bool
	enhancement   bool
	passages      []model.RetrievedPassage
	retrieveErr   error
	retrieveCalls int
}

func (s *stubKB) Retrieve(ctx context.Context, query string, maxResults int) ([]model.RetrievedPassage, error) {
	s.retrieveCalls++
	if s.retrieveErr != nil {
		return nil, s.retrieveErr
	}
	return s.passages, nil
}

func (s *stubKB) Search(ctx context.Context, query string, maxResults int) ([]model.SearchResultDoc, error) {
	return nil, nil
}

func (s *stubKB) NeedsRetrieval(query string) bool { return s.retrieval }

func (s *stubKB) NeedsEnhancement(query, draft string) bool { return s.enhancement }

func (s *stubKB) Health(ctx context.Context) model.HealthStatus {
	return model.HealthStatus{Status: model.HealthHealthy}
}

func (s *stubKB) LookupRegulation(ctx context.Context, nameOrCelex string) (*eurlex.Regulation, error) {
	return nil, errors.New("not wired in tests")
}

// stubLLM 记录收到的消息并按脚本返回。
type stubLLM struct {
	answer    string
	chatErr   error
	chatCalls [][]llm.Message
	streamFn  func(llm.EventHandler) error
}

func (s *stubLLM) Chat(ctx context.Context, messages []llm.Message, gen *llm.GenerationParams) (string, error) {
	s.chatCalls = append(s.chatCalls, messages)
	if s.chatErr != nil {
		return "", s.chatErr
	}
	return s.answer, nil
}

func (s *stubLLM) StreamChat(ctx context.Context, messages []llm.Message, gen *llm.GenerationParams, handler llm.EventHandler) error {
	if s.streamFn != nil {
		return s.streamFn(handler)
	}
	return handler(llm.StreamEvent{Type: llm.EventError, Content: "No response generated"})
}

// scriptedStream 按真实网关客户端的事件约定回放一段流。
func scriptedStream(chunks ...string) func(llm.EventHandler) error {
	return func(handler llm.EventHandler) error {
		var full strings.Builder
		for _, ch := range chunks {
			full.WriteString(ch)
			if err := handler(llm.StreamEvent{Type: llm.EventChunk, Content: ch}); err != nil {
				return fmt.Errorf("stream consumer aborted: %w", err)
			}
		}
		if full.Len() == 0 {
			return handler(llm.StreamEvent{Type: llm.EventError, Content: "No response generated"})
		}
		if err := handler(llm.StreamEvent{Type: llm.EventComplete, Content: full.String()}); err != nil {
			return fmt.Errorf("stream consumer aborted: %w", err)
		}
		return nil
	}
}

// stubFilter 在 transform 为 nil 时原样放行。
type stubFilter struct {
	transform func(string) string
}

func (f *stubFilter) Apply(ctx context.Context, text string) string {
	if f.transform == nil {
		return text
	}
	return f.transform(text)
}

func (f *stubFilter) Enabled() bool { return f.transform != nil }

func (f *stubFilter) Health(ctx context.Context) model.HealthStatus {
	return model.HealthStatus{Status: model.HealthDisabled}
}

// eventCollector 收集流式事件，可按事件类型模拟客户端断开。
type eventCollector struct {
	events   []model.ChatStreamEvent
	failType string
}

func (c *eventCollector) emit(ev model.ChatStreamEvent) error {
	if c.failType != "" && ev.Type == c.failType {
		return errors.New("client gone")
	}
	c.events = append(c.events, ev)
	return nil
}

func newChatFixture(t *testing.T, kb *stubKB, llmStub *stubLLM, filter *stubFilter) (ChatService, repository.SessionStore) {
	t.Helper()
	store := repository.NewSessionStore(7200, 100)
	promptSvc := newTestPromptService(t, 6)
	if filter == nil {
		filter = &stubFilter{}
	}
	cfg := config.ChatConfig{
		WindowSize:        10,
		MaxContextResults: 3,
		MaxTokens:         700,
		StreamMaxTokens:   1000,
		Temperature:       0.3,
	}
	return NewChatService(store, kb, promptSvc, llmStub, filter, cfg), store
}

func TestValidateQuery(t *testing.T) {
	assert.NoError(t, ValidateQuery("what is article 33"))
	assert.ErrorIs(t, ValidateQuery(""), ErrQueryEmpty)
	assert.ErrorIs(t, ValidateQuery("   \n\t "), ErrQueryEmpty)
	// 长度按字符数而非字节数计
	assert.NoError(t, ValidateQuery(strings.Repeat("法", 10000)))
	assert.ErrorIs(t, ValidateQuery(strings.Repeat("法", 10001)), ErrQueryTooLong)
}

func TestChatRejectsInvalidQuery(t *testing.T) {
	svc, store := newChatFixture(t, &stubKB{}, &stubLLM{answer: "never"}, nil)

	_, err := svc.Chat(context.Background(), "  ", "alice", "s1", nil)
	assert.ErrorIs(t, err, ErrQueryEmpty)
	// 校验失败不触达任何后端，也不创建会话
	assert.Empty(t, store.ListIDs())
}

func TestChatWithRetrievalReturnsCitationsAndTool(t *testing.T) {
	kb := &stubKB{
		retrieval: true,
		passages: []model.RetrievedPassage{
			{Content: strings.Repeat("x", 600), Source: "gdpr.pdf", Score: 1.8},
			{Content: "short passage", Source: "nis2.pdf", Score: 1.1},
		},
	}
	llmStub := &stubLLM{answer: "Per Article 33, notify within 72 hours."}
	svc, store := newChatFixture(t, kb, llmStub, nil)

	result, err := svc.Chat(context.Background(), "What does Article 33 require?", "alice", "s1", nil)
	require.NoError(t, err)

	assert.Equal(t, "Per Article 33, notify within 72 hours.", result.Answer)
	assert.Equal(t, "s1", result.SessionID)
	require.NotNil(t, result.ToolUsed)
	assert.Equal(t, "knowledge_base", *result.ToolUsed)

	// 引用片段截断到 500 字符并带省略号，短内容原样保留
	require.Len(t, result.Citations, 2)
	assert.Equal(t, "gdpr.pdf", result.Citations[0].Source)
	assert.Equal(t, strings.Repeat("x", 500)+"...", result.Citations[0].Snippet)
	assert.Equal(t, "short passage", result.Citations[1].Snippet)

	// 上下文注入生成调用
	require.Len(t, llmStub.chatCalls, 1)
	assert.Contains(t, llmStub.chatCalls[0][0].Content, "Source: gdpr.pdf")

	// 问答成对落会话
	history := store.History("s1")
	require.Len(t, history, 2)
	assert.Equal(t, model.RoleHuman, history[0].Role)
	assert.Equal(t, result.Answer, history[1].Content)
}

func TestChatSkipsRetrievalForSmallTalk(t *testing.T) {
	kb := &stubKB{retrieval: false}
	llmStub := &stubLLM{answer: "Hello! How can I help?"}
	svc, _ := newChatFixture(t, kb, llmStub, nil)

	result, err := svc.Chat(context.Background(), "hello", "alice", "s1", nil)
	require.NoError(t, err)

	assert.Zero(t, kb.retrieveCalls)
	assert.Nil(t, result.ToolUsed)
	assert.NotNil(t, result.Citations)
	assert.Empty(t, result.Citations)
}

func TestChatDegradesToApologyOnGenerationFailure(t *testing.T) {
	kb := &stubKB{
		retrieval: true,
		passages:  []model.RetrievedPassage{{Content: "text", Source: "gdpr.pdf"}},
	}
	llmStub := &stubLLM{chatErr: errors.New("gateway 502")}
	svc, store := newChatFixture(t, kb, llmStub, nil)

	result, err := svc.Chat(context.Background(), "article 33?", "alice", "s1", nil)
	require.NoError(t, err, "内部故障不允许以错误冒泡")

	assert.Equal(t, AnswerBackendFailure, result.Answer)
	assert.Empty(t, result.Citations)
	assert.Nil(t, result.ToolUsed)

	// 兜底话术同样成对落会话
	history := store.History("s1")
	require.Len(t, history, 2)
	assert.Equal(t, AnswerBackendFailure, history[1].Content)
}

func TestChatDegradesToApologyOnEmptyAnswer(t *testing.T) {
	svc, _ := newChatFixture(t, &stubKB{}, &stubLLM{answer: "   "}, nil)

	result, err := svc.Chat(context.Background(), "hello", "alice", "s1", nil)
	require.NoError(t, err)
	assert.Equal(t, AnswerEmptyFallback, result.Answer)
	assert.Nil(t, result.ToolUsed)
}

func TestChatRetrievalFailureDegradesToNoContext(t *testing.T) {
	kb := &stubKB{retrieval: true, retrieveErr: errors.New("es down")}
	llmStub := &stubLLM{answer: "Answer without grounding."}
	svc, _ := newChatFixture(t, kb, llmStub, nil)

	result, err := svc.Chat(context.Background(), "article 33?", "alice", "s1", nil)
	require.NoError(t, err)

	assert.Equal(t, "Answer without grounding.", result.Answer)
	assert.Empty(t, result.Citations)
	assert.Nil(t, result.ToolUsed, "检索失败时不得声称使用了知识库")
	// 无上下文时注入固定占位文案
	assert.Contains(t, llmStub.chatCalls[0][0].Content, "No relevant context available.")
}

func TestChatAppliesOutputFilter(t *testing.T) {
	filter := &stubFilter{transform: func(string) string { return "filtered answer" }}
	svc, store := newChatFixture(t, &stubKB{}, &stubLLM{answer: "raw answer"}, filter)

	result, err := svc.Chat(context.Background(), "hello", "alice", "s1", nil)
	require.NoError(t, err)

	assert.Equal(t, "filtered answer", result.Answer)
	assert.Equal(t, "filtered answer", store.History("s1")[1].Content)
}

func TestChatHistoryAccumulatesAcrossTurns(t *testing.T) {
	llmStub := &stubLLM{answer: "an answer"}
	svc, store := newChatFixture(t, &stubKB{}, llmStub, nil)

	_, err := svc.Chat(context.Background(), "first question", "alice", "s1", nil)
	require.NoError(t, err)
	_, err = svc.Chat(context.Background(), "second question", "alice", "s1", nil)
	require.NoError(t, err)

	// 第二轮生成携带第一轮问答作为历史
	require.Len(t, llmStub.chatCalls, 2)
	second := llmStub.chatCalls[1]
	require.Len(t, second, 4)
	assert.Equal(t, "first question", second[1].Content)
	assert.Equal(t, "an answer", second[2].Content)
	assert.Equal(t, "second question", second[3].Content)

	assert.Len(t, store.History("s1"), 4)
}

func TestChatStreamRejectsInvalidQuery(t *testing.T) {
	svc, _ := newChatFixture(t, &stubKB{}, &stubLLM{}, nil)

	err := svc.ChatStream(context.Background(), "", "alice", "s1", nil, func(model.ChatStreamEvent) error { return nil })
	assert.ErrorIs(t, err, ErrQueryEmpty)
}

func TestChatStreamDeliversChunksThenPersists(t *testing.T) {
	llmStub := &stubLLM{streamFn: scriptedStream("Hello ", "world")}
	svc, store := newChatFixture(t, &stubKB{}, llmStub, nil)
	collector := &eventCollector{}

	err := svc.ChatStream(context.Background(), "hello", "alice", "s1", nil, collector.emit)
	require.NoError(t, err)

	require.Len(t, collector.events, 3)
	assert.Equal(t, model.StreamEventChunk, collector.events[0].Type)
	assert.Equal(t, "Hello ", collector.events[0].Content)
	assert.Equal(t, model.StreamEventChunk, collector.events[1].Type)
	assert.Equal(t, model.StreamEventComplete, collector.events[2].Type)
	assert.Equal(t, "Hello world", collector.events[2].Content)
	assert.Empty(t, collector.events[2].Citations, "草稿终帧不携带引用")

	history := store.History("s1")
	require.Len(t, history, 2)
	assert.Equal(t, "Hello world", history[1].Content)
}

func TestChatStreamEnhancementReplacesDraft(t *testing.T) {
	kb := &stubKB{
		enhancement: true,
		passages:    []model.RetrievedPassage{{Content: "Article 33 full text", Source: "gdpr.pdf", Score: 2.0}},
	}
	llmStub := &stubLLM{
		streamFn: scriptedStream("The law generally requires notification."),
		answer:   "Per GDPR Article 33, notify within 72 hours.",
	}
	svc, store := newChatFixture(t, kb, llmStub, nil)
	collector := &eventCollector{}

	err := svc.ChatStream(context.Background(), "breach deadlines?", "alice", "s1", nil, collector.emit)
	require.NoError(t, err)

	// chunk + 草稿 complete + 增强 complete
	require.Len(t, collector.events, 3)
	draftEvent := collector.events[1]
	enhancedEvent := collector.events[2]
	assert.Equal(t, model.StreamEventComplete, draftEvent.Type)
	assert.Empty(t, draftEvent.Citations)
	assert.Equal(t, model.StreamEventComplete, enhancedEvent.Type)
	assert.Equal(t, "Per GDPR Article 33, notify within 72 hours.", enhancedEvent.Content)
	require.Len(t, enhancedEvent.Citations, 1)
	assert.Equal(t, "gdpr.pdf", enhancedEvent.Citations[0].Source)

	// 重写调用携带草稿与新鲜上下文
	require.Len(t, llmStub.chatCalls, 1)
	rewrite := llmStub.chatCalls[0][0].Content
	assert.Contains(t, rewrite, "Initial Answer:\nThe law generally requires notification.")
	assert.Contains(t, rewrite, "Source: gdpr.pdf")

	// 增强回答覆盖本轮问答，组数不增长
	history := store.History("s1")
	require.Len(t, history, 2)
	assert.Equal(t, "Per GDPR Article 33, notify within 72 hours.", history[1].Content)
}

func TestChatStreamKeepsDraftWhenEnhancementRetrievalFails(t *testing.T) {
	kb := &stubKB{enhancement: true, retrieveErr: errors.New("es down")}
	llmStub := &stubLLM{streamFn: scriptedStream("Draft answer.")}
	svc, store := newChatFixture(t, kb, llmStub, nil)
	collector := &eventCollector{}

	err := svc.ChatStream(context.Background(), "hello", "alice", "s1", nil, collector.emit)
	require.NoError(t, err)

	// 只有 chunk 与草稿 complete，没有第二个 complete
	require.Len(t, collector.events, 2)
	assert.Equal(t, "Draft answer.", store.History("s1")[1].Content)
}

func TestChatStreamKeepsDraftWhenEnhancementFindsNothing(t *testing.T) {
	kb := &stubKB{enhancement: true, passages: []model.RetrievedPassage{}}
	llmStub := &stubLLM{streamFn: scriptedStream("Draft answer.")}
	svc, store := newChatFixture(t, kb, llmStub, nil)
	collector := &eventCollector{}

	err := svc.ChatStream(context.Background(), "hello", "alice", "s1", nil, collector.emit)
	require.NoError(t, err)

	require.Len(t, collector.events, 2)
	assert.Len(t, llmStub.chatCalls, 0, "无补检结果时不应发起重写调用")
	assert.Equal(t, "Draft answer.", store.History("s1")[1].Content)
}

func TestChatStreamKeepsDraftWhenRewriteFails(t *testing.T) {
	kb := &stubKB{
		enhancement: true,
		passages:    []model.RetrievedPassage{{Content: "text", Source: "gdpr.pdf"}},
	}
	llmStub := &stubLLM{
		streamFn: scriptedStream("Draft answer."),
		chatErr:  errors.New("gateway 502"),
	}
	svc, store := newChatFixture(t, kb, llmStub, nil)
	collector := &eventCollector{}

	err := svc.ChatStream(context.Background(), "hello", "alice", "s1", nil, collector.emit)
	require.NoError(t, err)

	require.Len(t, collector.events, 2)
	assert.Equal(t, "Draft answer.", store.History("s1")[1].Content)
}

func TestChatStreamFilteredDraftSkipsEnhancement(t *testing.T) {
	kb := &stubKB{enhancement: true, passages: []model.RetrievedPassage{{Content: "text", Source: "gdpr.pdf"}}}
	filter := &stubFilter{transform: func(string) string { return "policy replaced this answer" }}
	llmStub := &stubLLM{streamFn: scriptedStream("Unsafe draft.")}
	svc, store := newChatFixture(t, kb, llmStub, filter)
	collector := &eventCollector{}

	err := svc.ChatStream(context.Background(), "hello", "alice", "s1", nil, collector.emit)
	require.NoError(t, err)

	// 策略输出即为终态：单个 complete，不补检不重写
	require.Len(t, collector.events, 2)
	assert.Equal(t, model.StreamEventComplete, collector.events[1].Type)
	assert.Equal(t, "policy replaced this answer", collector.events[1].Content)
	assert.Zero(t, kb.retrieveCalls)
	assert.Equal(t, "policy replaced this answer", store.History("s1")[1].Content)
}

func TestChatStreamGenerationErrorNothingPersisted(t *testing.T) {
	svc, store := newChatFixture(t, &stubKB{}, &stubLLM{}, nil) // 默认脚本产生 error 事件
	collector := &eventCollector{}

	err := svc.ChatStream(context.Background(), "hello", "alice", "s1", nil, collector.emit)
	require.NoError(t, err)

	require.Len(t, collector.events, 1)
	assert.Equal(t, model.StreamEventError, collector.events[0].Type)
	assert.Equal(t, "No response generated", collector.events[0].Content)
	assert.Empty(t, store.History("s1"))
}

func TestChatStreamConsumerGoneNothingPersisted(t *testing.T) {
	llmStub := &stubLLM{streamFn: scriptedStream("Hello ", "world")}
	svc, store := newChatFixture(t, &stubKB{}, llmStub, nil)
	collector := &eventCollector{failType: model.StreamEventChunk}

	err := svc.ChatStream(context.Background(), "hello", "alice", "s1", nil, collector.emit)
	require.NoError(t, err)

	assert.Empty(t, collector.events)
	assert.Empty(t, store.History("s1"))
}

func TestChatStreamCompleteEmitFailureNothingPersisted(t *testing.T) {
	llmStub := &stubLLM{streamFn: scriptedStream("Hello ", "world")}
	svc, store := newChatFixture(t, &stubKB{}, llmStub, nil)
	collector := &eventCollector{failType: model.StreamEventComplete}

	err := svc.ChatStream(context.Background(), "hello", "alice", "s1", nil, collector.emit)
	require.NoError(t, err)

	// 增量块已送达，但终帧失败意味着回答未完整送达，不落会话
	require.Len(t, collector.events, 2)
	assert.Empty(t, store.History("s1"))
}

func TestBuildContextTextTruncatesAndJoins(t *testing.T) {
	passages := []model.RetrievedPassage{
		{Content: strings.Repeat("A", 900), Source: "gdpr.pdf"},
		{Content: "short", Source: "nis2.pdf"},
	}

	text := buildContextText(passages)
	expected := "Source: gdpr.pdf\n" + strings.Repeat("A", 800) + "\n\nSource: nis2.pdf\nshort"
	assert.Equal(t, expected, text)

	assert.Empty(t, buildContextText(nil))
}

func TestBuildCitationsTruncatesWithEllipsis(t *testing.T) {
	citations := buildCitations([]model.RetrievedPassage{
		{Content: strings.Repeat("B", 600), Source: "gdpr.pdf"},
		{Content: "tiny", Source: "nis2.pdf"},
	})

	require.Len(t, citations, 2)
	assert.Equal(t, strings.Repeat("B", 500)+"...", citations[0].Snippet)
	assert.Equal(t, "tiny", citations[1].Snippet)
}

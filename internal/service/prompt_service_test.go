package service

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"reg-smart-go/internal/model"
)

// stubTemplateSource 以内存字符串模拟模板库。
type stubTemplateSource struct {
	template string
	err      error
}

func (s *stubTemplateSource) FetchTemplate(ctx context.Context, objectName string) (string, error) {
	if s.err != nil {
		return "", s.err
	}
	return s.template, nil
}

const testTemplate = "You are a compliance assistant.\n\nContext:\n{context}\n\nAnswer precisely."

func newTestPromptService(t *testing.T, maxHistory int) PromptService {
	t.Helper()
	svc, err := NewPromptService(context.Background(), &stubTemplateSource{template: testTemplate}, "tpl", maxHistory)
	require.NoError(t, err)
	return svc
}

func TestNewPromptServiceFailsWhenTemplateUnavailable(t *testing.T) {
	_, err := NewPromptService(context.Background(), &stubTemplateSource{err: errors.New("bucket offline")}, "tpl", 6)
	assert.Error(t, err)
}

func TestBuildMessagesWithoutHistoryIsSingleUserMessage(t *testing.T) {
	svc := newTestPromptService(t, 6)

	msgs := svc.BuildMessages("What is Article 33?", nil, "")
	require.Len(t, msgs, 1)
	assert.Equal(t, "user", msgs[0].Role)
	// 无检索结果时注入固定占位文案
	assert.Contains(t, msgs[0].Content, "Context:\nNo relevant context available.")
	assert.Contains(t, msgs[0].Content, "\n\nUser Question: What is Article 33?")
	assert.NotContains(t, msgs[0].Content, "{context}")
}

func TestBuildMessagesInjectsRetrievedContext(t *testing.T) {
	svc := newTestPromptService(t, 6)
	contextText := "Source: gdpr.pdf\nArticle 33 requires notification within 72 hours."

	msgs := svc.BuildMessages("When must we notify?", nil, contextText)
	require.Len(t, msgs, 1)
	assert.Contains(t, msgs[0].Content, contextText)
	assert.NotContains(t, msgs[0].Content, "No relevant context available.")
}

func TestBuildMessagesMapsHistoryRoles(t *testing.T) {
	svc := newTestPromptService(t, 6)
	history := []model.Turn{
		{Role: model.RoleHuman, Content: "first question"},
		{Role: model.RoleAssistant, Content: "first answer"},
	}

	msgs := svc.BuildMessages("follow-up", history, "")
	require.Len(t, msgs, 4)
	assert.Equal(t, "user", msgs[0].Role) // 指令单独一条
	assert.Equal(t, "user", msgs[1].Role)
	assert.Equal(t, "first question", msgs[1].Content)
	assert.Equal(t, "assistant", msgs[2].Role)
	assert.Equal(t, "first answer", msgs[2].Content)
	assert.Equal(t, "user", msgs[3].Role)
	assert.Equal(t, "follow-up", msgs[3].Content)
}

func TestBuildMessagesTruncatesHistory(t *testing.T) {
	svc := newTestPromptService(t, 6)
	history := make([]model.Turn, 0, 10)
	for i := 1; i <= 5; i++ {
		history = append(history,
			model.Turn{Role: model.RoleHuman, Content: fmt.Sprintf("q%d", i)},
			model.Turn{Role: model.RoleAssistant, Content: fmt.Sprintf("a%d", i)},
		)
	}

	msgs := svc.BuildMessages("latest", history, "")
	// 指令 + 最近 6 条历史 + 当前问题
	require.Len(t, msgs, 8)
	assert.Equal(t, "q3", msgs[1].Content)
	assert.Equal(t, "a5", msgs[6].Content)
	assert.Equal(t, "latest", msgs[7].Content)
}

func TestEnhancementMessagesShape(t *testing.T) {
	svc := newTestPromptService(t, 6)
	contextText := "Source: gdpr.pdf\nArticle 33 text."

	msgs := svc.EnhancementMessages("breach deadline?", "Drafted answer.", contextText)
	require.Len(t, msgs, 1)
	assert.Equal(t, "user", msgs[0].Role)

	content := msgs[0].Content
	assert.Contains(t, content, contextText)
	assert.Contains(t, content, "\n\nUser Question: breach deadline?")
	assert.Contains(t, content, "\n\nInitial Answer:\nDrafted answer.")
	assert.Contains(t, content, "Rewrite the initial answer using the context above.")
}

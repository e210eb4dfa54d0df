// Package llm 提供大语言模型网关的客户端，支持同步与流式两种调用方式。
package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"reg-smart-go/internal/config"
	"reg-smart-go/pkg/log"
)

// EventType 标识流式事件的类型。
type EventType string

const (
	// EventChunk 携带一段增量文本。
	EventChunk EventType = "chunk"
	// EventComplete 携带完整的累积文本，是流的正常终态。
	EventComplete EventType = "complete"
	// EventError 携带错误描述，是流的异常终态。
	EventError EventType = "error"
)

// StreamEvent 是流式生成过程中产生的单个事件。
type StreamEvent struct {
	Type    EventType
	Content string
}

// EventHandler 消费流式事件。返回非 nil 错误会立即中止流，
// 通常表示下游消费者已经断开。
type EventHandler func(StreamEvent) error

// Message 表示一条角色消息。
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// GenerationParams 控制生成行为，nil 字段使用后端默认值。
type GenerationParams struct {
	MaxTokens   *int
	Temperature *float64
	TopP        *float64
}

// Client 定义 LLM 网关客户端的接口。
//
// 约定：生成侧的一切失败都会以 EventError 事件送达 handler 后正常返回；
// StreamChat 只在 handler 自身写失败时返回错误。
type Client interface {
	// Chat 同步调用聊天接口，返回完整回答文本。
	// 内容为空不视为传输错误，由上层决定兜底话术。
	Chat(ctx context.Context, messages []Message, gen *GenerationParams) (string, error)
	// StreamChat 以流式方式调用聊天接口。增量文本以 chunk 事件回调并同时累积，
	// 终止帧触发携带全文的 complete 事件；传输提前结束但已有内容时补发 complete；
	// 无任何内容则产生 error 事件。
	StreamChat(ctx context.Context, messages []Message, gen *GenerationParams, handler EventHandler) error
}

type gatewayClient struct {
	cfg config.LLMConfig
	// 同步调用设整体超时；流式读取的时长由 ctx 控制，不能用 Client.Timeout 限制
	syncClient   *http.Client
	streamClient *http.Client
}

// NewClient 创建一个 OpenAI 兼容协议的网关客户端。
func NewClient(cfg config.LLMConfig) Client {
	timeout := time.Duration(cfg.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &gatewayClient{
		cfg:          cfg,
		syncClient:   &http.Client{Timeout: timeout},
		streamClient: &http.Client{},
	}
}

// ResolveModelID 将配置的模型名解析为带区域前缀的推理档案 ID。
// 已带 us./eu./apac. 前缀或完整 ARN 的值原样返回，
// 其余情况根据部署区域推断，默认落在欧洲区档案。
func ResolveModelID(configured, region string) string {
	if strings.HasPrefix(configured, "us.") ||
		strings.HasPrefix(configured, "eu.") ||
		strings.HasPrefix(configured, "apac.") ||
		strings.HasPrefix(configured, "arn:aws:bedrock") {
		return configured
	}

	switch {
	case strings.HasPrefix(region, "eu-"):
		return "eu.amazon.nova-pro-v1:0"
	case strings.HasPrefix(region, "ap-"):
		return "apac.amazon.nova-pro-v1:0"
	case strings.HasPrefix(region, "us-"):
		return "us.amazon.nova-pro-v1:0"
	default:
		return "eu.amazon.nova-pro-v1:0"
	}
}

type chatRequest struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	Stream      bool      `json:"stream"`
	Temperature *float64  `json:"temperature,omitempty"`
	TopP        *float64  `json:"top_p,omitempty"`
	MaxTokens   *int      `json:"max_tokens,omitempty"`
}

type chatStreamChunk struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
}

type chatCompletion struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

func (c *gatewayClient) buildRequest(ctx context.Context, messages []Message, gen *GenerationParams, stream bool) (*http.Request, error) {
	reqBody := chatRequest{
		Model:    ResolveModelID(c.cfg.Model, c.cfg.Region),
		Messages: messages,
		Stream:   stream,
	}
	if gen != nil {
		reqBody.Temperature = gen.Temperature
		reqBody.TopP = gen.TopP
		reqBody.MaxTokens = gen.MaxTokens
	}

	reqBytes, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal chat request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/chat/completions", bytes.NewReader(reqBytes))
	if err != nil {
		return nil, fmt.Errorf("failed to create chat request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	if stream {
		req.Header.Set("Accept", "text/event-stream")
	}
	return req, nil
}

// Chat 同步调用聊天接口。
func (c *gatewayClient) Chat(ctx context.Context, messages []Message, gen *GenerationParams) (string, error) {
	req, err := c.buildRequest(ctx, messages, gen, false)
	if err != nil {
		return "", err
	}

	resp, err := c.syncClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to call chat api: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		bodyBytes, _ := io.ReadAll(resp.Body)
		return "", fmt.Errorf("chat api returned non-200 status: %s, body: %s", resp.Status, string(bodyBytes))
	}

	var completion chatCompletion
	if err := json.NewDecoder(resp.Body).Decode(&completion); err != nil {
		return "", fmt.Errorf("failed to decode chat response: %w", err)
	}
	if len(completion.Choices) == 0 {
		return "", errors.New("chat api returned no choices")
	}

	return completion.Choices[0].Message.Content, nil
}

// StreamChat 以流式方式调用聊天接口，事件依次回调 handler。
func (c *gatewayClient) StreamChat(ctx context.Context, messages []Message, gen *GenerationParams, handler EventHandler) error {
	req, err := c.buildRequest(ctx, messages, gen, true)
	if err != nil {
		return c.emitError(handler, fmt.Sprintf("Streaming error: %v", err))
	}

	resp, err := c.streamClient.Do(req)
	if err != nil {
		return c.emitError(handler, fmt.Sprintf("Streaming error: %v", err))
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		bodyBytes, _ := io.ReadAll(resp.Body)
		return c.emitError(handler, fmt.Sprintf("Streaming error: chat api returned non-200 status: %s, body: %s", resp.Status, string(bodyBytes)))
	}
	if ct := resp.Header.Get("Content-Type"); !strings.Contains(ct, "text/event-stream") {
		return c.emitError(handler, "No response stream available")
	}

	var full strings.Builder
	reader := bufio.NewReader(resp.Body)

	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			if err == io.EOF {
				// 传输提前结束：已有内容则按正常完成处理
				break
			}
			return c.emitError(handler, fmt.Sprintf("Streaming error: failed to read from stream: %v", err))
		}

		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		data := strings.TrimPrefix(line, "data: ")
		if strings.TrimSpace(data) == "[DONE]" {
			break
		}

		var chunk chatStreamChunk
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			// 单帧格式异常只跳过，不中断整个流
			continue
		}
		if len(chunk.Choices) == 0 {
			continue
		}

		if delta := chunk.Choices[0].Delta.Content; delta != "" {
			full.WriteString(delta)
			if err := handler(StreamEvent{Type: EventChunk, Content: delta}); err != nil {
				return fmt.Errorf("stream consumer aborted: %w", err)
			}
		}
		if chunk.Choices[0].FinishReason != "" {
			break
		}
	}

	if full.Len() == 0 {
		log.Warnf("[LLMGateway] 流已结束但未累计到任何内容")
		return c.emitError(handler, "No response generated")
	}

	if err := handler(StreamEvent{Type: EventComplete, Content: full.String()}); err != nil {
		return fmt.Errorf("stream consumer aborted: %w", err)
	}
	return nil
}

// emitError 将生成侧错误转换为 error 事件送达消费者。
// 只有事件本身无法送达时才向调用方返回错误。
func (c *gatewayClient) emitError(handler EventHandler, content string) error {
	log.Errorf("[LLMGateway] %s", content)
	if err := handler(StreamEvent{Type: EventError, Content: content}); err != nil {
		return fmt.Errorf("stream consumer aborted: %w", err)
	}
	return nil
}

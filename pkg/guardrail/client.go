// Package guardrail 提供内容安全过滤后端的客户端。
//
// 运维注意：过滤采用 fail-open 策略。策略后端不可用时文本原样放行，
// 只记录错误日志，绝不阻断问答主链路。这是产品层面确认过的取舍，
// 调整前需要与安全团队对齐。
package guardrail

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"reg-smart-go/internal/config"
	"reg-smart-go/internal/model"
	"reg-smart-go/pkg/log"
)

// RefusalMessage 是策略全量拦截时替换回答的固定话术。
const RefusalMessage = "I cannot provide a response to this query due to content policy restrictions. Please rephrase your question or consult appropriate resources for guidance."

// 策略后端的动作取值。
const actionIntervened = "GUARDRAIL_INTERVENED"

// Filter 定义内容安全过滤器的接口。
type Filter interface {
	// Apply 对输出文本执行安全策略：未启用或后端异常时返回原文，
	// 策略改写时返回改写文本，全量拦截时返回固定拒答话术。
	Apply(ctx context.Context, text string) string
	// Enabled 报告过滤是否启用（配置了策略 ID）。
	Enabled() bool
	// Health 探测策略后端的健康状况。
	Health(ctx context.Context) model.HealthStatus
}

type policyClient struct {
	cfg    config.GuardrailConfig
	client *http.Client
}

// NewClient 创建一个安全过滤客户端。PolicyID 为空表示禁用过滤。
func NewClient(cfg config.GuardrailConfig) Filter {
	timeout := time.Duration(cfg.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &policyClient{
		cfg:    cfg,
		client: &http.Client{Timeout: timeout},
	}
}

func (c *policyClient) Enabled() bool {
	return c.cfg.PolicyID != ""
}

// Apply 对文本执行输出侧安全策略。
func (c *policyClient) Apply(ctx context.Context, text string) string {
	if !c.Enabled() {
		return text
	}

	filtered, err := c.apply(ctx, text)
	if err != nil {
		// fail-open：后端异常时放行原文
		log.Error("[Guardrail] 策略后端不可用，文本原样放行", err)
		return text
	}
	return filtered
}

// Health 探测策略后端。
func (c *policyClient) Health(ctx context.Context) model.HealthStatus {
	if !c.Enabled() {
		return model.HealthStatus{Status: model.HealthDisabled, Detail: "no policy configured"}
	}
	if _, err := c.apply(ctx, "health check"); err != nil {
		return model.HealthStatus{Status: model.HealthUnhealthy, Detail: err.Error()}
	}
	return model.HealthStatus{Status: model.HealthHealthy}
}

type applyRequest struct {
	PolicyID      string `json:"policy_id"`
	PolicyVersion string `json:"policy_version,omitempty"`
	Source        string `json:"source"`
	Content       string `json:"content"`
}

type applyResponse struct {
	Action  string `json:"action"`
	Outputs []struct {
		Text string `json:"text"`
	} `json:"outputs"`
}

func (c *policyClient) apply(ctx context.Context, text string) (string, error) {
	reqBody := applyRequest{
		PolicyID:      c.cfg.PolicyID,
		PolicyVersion: c.cfg.PolicyVersion,
		Source:        "OUTPUT",
		Content:       text,
	}

	reqBytes, err := json.Marshal(reqBody)
	if err != nil {
		return "", fmt.Errorf("failed to marshal guardrail request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/guardrails/apply", bytes.NewReader(reqBytes))
	if err != nil {
		return "", fmt.Errorf("failed to create guardrail request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to call guardrail api: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		bodyBytes, _ := io.ReadAll(resp.Body)
		return "", fmt.Errorf("guardrail api returned non-200 status: %s, body: %s", resp.Status, string(bodyBytes))
	}

	var result applyResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", fmt.Errorf("failed to decode guardrail response: %w", err)
	}

	if result.Action == actionIntervened {
		// 策略提供了改写文本则替换，否则全量拦截
		if len(result.Outputs) > 0 && strings.TrimSpace(result.Outputs[0].Text) != "" {
			log.Infof("[Guardrail] 策略改写了输出文本, policy: %s", c.cfg.PolicyID)
			return result.Outputs[0].Text, nil
		}
		log.Infof("[Guardrail] 策略拦截了输出文本, policy: %s", c.cfg.PolicyID)
		return RefusalMessage, nil
	}

	return text, nil
}

// Package eurlex 提供欧盟法规官方文本库（EUR-Lex）的查询能力。
package eurlex

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strings"
	"time"
)

// CommonRegulations 收录常用法规名到 CELEX 编号的映射。
var CommonRegulations = map[string]string{
	"gdpr":        "32016R0679",
	"csrd":        "32022L2464",
	"eu_taxonomy": "32020R0852",
	"dsa":         "32022R2065",
	"dma":         "32022R1925",
	"ai_act":      "32024R1689",
	"nis2":        "32022L2555",
}

const urlTemplate = "https://eur-lex.europa.eu/legal-content/EN/TXT/?uri=CELEX:%s"

var celexPattern = regexp.MustCompile(`^[0-9]\d{4}[A-Z]\d{4}$`)

// Regulation 描述一次法规查询的结果。
type Regulation struct {
	Name      string `json:"name,omitempty"`
	Celex     string `json:"celex"`
	URL       string `json:"url"`
	Title     string `json:"title,omitempty"`
	Available bool   `json:"available"`
}

// ResolveCelex 将常用法规名解析为 CELEX 编号。
// 输入本身是合法 CELEX 编号时原样返回，两者都不是时返回 false。
func ResolveCelex(nameOrCelex string) (string, bool) {
	key := strings.ToLower(strings.TrimSpace(nameOrCelex))
	if celex, ok := CommonRegulations[key]; ok {
		return celex, true
	}
	candidate := strings.ToUpper(strings.TrimSpace(nameOrCelex))
	if celexPattern.MatchString(candidate) {
		return candidate, true
	}
	return "", false
}

// OfficialURL 返回 CELEX 编号对应的官方英文文本链接。
func OfficialURL(celex string) string {
	return fmt.Sprintf(urlTemplate, celex)
}

// Client 是 EUR-Lex 的查询客户端。
type Client struct {
	httpClient *http.Client
}

// NewClient 创建一个 EUR-Lex 客户端。
func NewClient() *Client {
	return &Client{
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
}

// Lookup 解析法规名或 CELEX 编号并访问官方文本页面，返回链接、可用性与页面标题。
func (c *Client) Lookup(ctx context.Context, nameOrCelex string) (*Regulation, error) {
	celex, ok := ResolveCelex(nameOrCelex)
	if !ok {
		return nil, fmt.Errorf("unknown regulation %q", nameOrCelex)
	}

	reg := &Regulation{
		Celex: celex,
		URL:   OfficialURL(celex),
	}
	if _, known := CommonRegulations[strings.ToLower(strings.TrimSpace(nameOrCelex))]; known {
		reg.Name = strings.ToLower(strings.TrimSpace(nameOrCelex))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reg.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create eur-lex request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to reach eur-lex: %w", err)
	}
	defer resp.Body.Close()

	reg.Available = resp.StatusCode == http.StatusOK
	if reg.Available {
		// 只读取页面头部用于提取标题
		head, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
		reg.Title = extractTitle(string(head))
	}
	return reg, nil
}

// extractTitle 从 HTML 头部提取 <title> 文本。
func extractTitle(htmlHead string) string {
	lower := strings.ToLower(htmlHead)
	start := strings.Index(lower, "<title>")
	if start < 0 {
		return ""
	}
	start += len("<title>")
	end := strings.Index(lower[start:], "</title>")
	if end < 0 {
		return ""
	}
	return strings.TrimSpace(htmlHead[start : start+end])
}

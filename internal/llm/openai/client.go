package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"

	"VibeGuard/internal/llm"
)

const (
	defaultBaseURL   = "https://api.openai.com/v1"
	defaultModelName = "gpt-4o-mini"
	defaultTimeout   = 60 * time.Second
)

// Config 描述了调用 OpenAI 兼容 Chat Completions API 所需的信息。
type Config struct {
	APIKey  string        `yaml:"api_key"`
	BaseURL string        `yaml:"base_url"`
	Model   string        `yaml:"model"`
	Timeout time.Duration `yaml:"timeout"`
}

// Client 通过 HTTP 调用 OpenAI 提供的大模型能力。
type Client struct {
	apiKey     string
	baseURL    string
	model      string
	httpClient *http.Client
}

// NewClient 根据配置创建 OpenAI 客户端。
func NewClient(cfg Config) (*Client, error) {
	apiKey := strings.TrimSpace(cfg.APIKey)
	if apiKey == "" {
		return nil, errors.New("未提供 OpenAI API Key")
	}

	baseURL := strings.TrimSpace(cfg.BaseURL)
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	baseURL = strings.TrimRight(baseURL, "/")

	model := strings.TrimSpace(cfg.Model)
	if model == "" {
		model = defaultModelName
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	return &Client{
		apiKey:  apiKey,
		baseURL: baseURL,
		model:   model,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}, nil
}

// Generate 调用 OpenAI，返回回复或一次工具调用请求。
func (c *Client) Generate(ctx context.Context, req llm.Request) (*llm.Response, error) {
	payload, err := c.buildPayload(req)
	if err != nil {
		return nil, err
	}

	endpoint := c.baseURL + "/chat/completions"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("构建 OpenAI 请求失败: %w", err)
	}

	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("请求 OpenAI 失败: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return nil, fmt.Errorf("OpenAI 返回错误状态 %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var decoded struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, fmt.Errorf("解析 OpenAI 响应失败: %w", err)
	}
	if len(decoded.Choices) == 0 {
		return nil, errors.New("OpenAI 响应中没有有效的 choices")
	}

	content := strings.TrimSpace(decoded.Choices[0].Message.Content)
	if content == "" {
		return nil, errors.New("OpenAI 响应内容为空")
	}
	return parseContent(content), nil
}

// parseContent 容忍模型偶尔不按 JSON 输出，此时整段内容作为回复。
func parseContent(content string) *llm.Response {
	var structured struct {
		Thought string        `json:"thought"`
		Reply   string        `json:"reply"`
		Tool    *llm.ToolCall `json:"tool"`
	}
	if err := json.Unmarshal([]byte(content), &structured); err != nil {
		return &llm.Response{Reply: content}
	}
	if structured.Tool != nil && strings.TrimSpace(structured.Tool.Name) != "" {
		structured.Tool.Name = strings.TrimSpace(structured.Tool.Name)
		return &llm.Response{Thought: structured.Thought, Call: structured.Tool}
	}
	if strings.TrimSpace(structured.Reply) == "" {
		structured.Reply = content
	}
	return &llm.Response{Thought: structured.Thought, Reply: structured.Reply}
}

func (c *Client) buildPayload(req llm.Request) ([]byte, error) {
	type message struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	}

	messages := []message{
		{
			Role:    "system",
			Content: systemPrompt + buildToolPrompt(req.Tools),
		},
		{
			Role:    "user",
			Content: buildUserPrompt(req),
		},
	}

	body := map[string]any{
		"model":           c.model,
		"messages":        messages,
		"temperature":     0.2,
		"response_format": map[string]string{"type": "json_object"},
	}

	encoded, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("序列化 OpenAI 请求失败: %w", err)
	}
	return encoded, nil
}

const systemPrompt = "" +
	"You are Mira, a read-only wallet assistant. " +
	"You can look things up but you can never move funds: sending, staking, unstaking and payment requests " +
	"are done by the user in the wallet app after PIN or biometric verification. " +
	"Respond with a compact JSON object. To look something up reply with " +
	"{\"thought\": string, \"tool\": {\"name\": string, \"arguments\": object}}. " +
	"To answer reply with {\"thought\": string, \"reply\": string}. " +
	"Only use the tools listed below and never invent balances."

func buildToolPrompt(tools []llm.ToolSpec) string {
	if len(tools) == 0 {
		return ""
	}
	var builder strings.Builder
	builder.WriteString("\n\nTools:\n")
	for _, tool := range tools {
		builder.WriteString(fmt.Sprintf("- %s: %s", tool.Name, tool.Description))
		if len(tool.Parameters) > 0 {
			names := make([]string, 0, len(tool.Parameters))
			for name := range tool.Parameters {
				names = append(names, name)
			}
			sort.Strings(names)
			parts := make([]string, 0, len(names))
			for _, name := range names {
				parts = append(parts, fmt.Sprintf("%s (%s)", name, tool.Parameters[name]))
			}
			builder.WriteString(" Arguments: " + strings.Join(parts, ", "))
		}
		builder.WriteString("\n")
	}
	return builder.String()
}

func buildUserPrompt(req llm.Request) string {
	var builder strings.Builder
	builder.WriteString("## 用户消息\n")
	builder.WriteString(strings.TrimSpace(req.Message) + "\n")

	if len(req.History) > 0 {
		builder.WriteString("\n## 历史对话\n")
		for idx, entry := range req.History {
			builder.WriteString(fmt.Sprintf("[%d] 用户:%s | 回复:%s\n",
				idx+1,
				truncate(entry.Message),
				truncate(entry.Reply),
			))
			if idx >= 4 {
				break
			}
		}
	}

	if len(req.Knowledge) > 0 {
		builder.WriteString("\n## 知识库\n")
		for idx, card := range req.Knowledge {
			builder.WriteString(fmt.Sprintf("[%d] %s: %s\n",
				idx+1,
				strings.TrimSpace(card.Title),
				truncate(card.Content),
			))
			if idx >= 4 {
				break
			}
		}
	}

	if len(req.Steps) > 0 {
		builder.WriteString("\n## 工具结果\n")
		for idx, step := range req.Steps {
			args := strings.TrimSpace(string(step.Call.Arguments))
			if args == "" {
				args = "{}"
			}
			// 工具结果不截断，模型需要完整数字。
			builder.WriteString(fmt.Sprintf("[%d] %s %s => %s\n", idx+1, step.Call.Name, args, strings.TrimSpace(step.Result)))
		}
	}

	builder.WriteString("\n请调用工具或给出最终 reply。")
	return builder.String()
}

func truncate(text string) string {
	text = strings.TrimSpace(text)
	if len([]rune(text)) > 80 {
		return string([]rune(text)[:80]) + "..."
	}
	return text
}

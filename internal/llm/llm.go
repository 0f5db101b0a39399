package llm

import (
	"context"
	"encoding/json"
)

// Request 描述一轮对话发送给大模型的上下文。
type Request struct {
	Message   string
	Tools     []ToolSpec
	Steps     []Step
	History   []HistoryEntry
	Knowledge []KnowledgeCard
}

// ToolSpec 描述模型可以请求调用的只读工具。
type ToolSpec struct {
	Name        string
	Description string
	// Parameters maps argument name to a short description.
	Parameters map[string]string
}

// ToolCall 是模型请求的一次工具调用。
type ToolCall struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
}

// Step 记录本轮已经执行的工具调用及其结果。
type Step struct {
	Call   ToolCall
	Result string
}

// Response 是大模型推理得到的结构化输出。Call 非空时 Reply 被忽略。
type Response struct {
	Thought string
	Reply   string
	Call    *ToolCall
}

// KnowledgeCard 表示提供给大模型的知识切片，帮助生成更加准确的回复。
type KnowledgeCard struct {
	Title   string
	Content string
}

// Client 定义了调用大模型的统一接口。
type Client interface {
	Generate(ctx context.Context, req Request) (*Response, error)
}

// HistoryEntry 描述同一用户之前的一轮对话。
type HistoryEntry struct {
	Message   string
	Reply     string
	CreatedAt int64
}

package agent

import (
	"context"
	"encoding/json"
	stdErrors "errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	xerrors "VibeGuard/internal/errors"
	"VibeGuard/internal/knowledge"
	"VibeGuard/internal/llm"
	"VibeGuard/pkg/logger"
)

// CodeStepLimit 表示模型在步数上限内没有给出最终回复。
const CodeStepLimit xerrors.Code = "AGENT_STEP_LIMIT"

func init() {
	xerrors.Register(CodeStepLimit, xerrors.Attributes{
		Message:    "assistant did not reach an answer",
		Severity:   xerrors.SeverityWarning,
		HTTPStatus: http.StatusBadGateway,
	})
}

// ChatRequest 是用户发给助手的一条消息。
type ChatRequest struct {
	Message string `json:"message"`
}

// StepRecord 记录一次工具调用，便于前端展示助手查了什么。
type StepRecord struct {
	Tool      string          `json:"tool"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
	Error     string          `json:"error,omitempty"`
}

// ChatResult 汇总一轮对话。
type ChatResult struct {
	Message   string       `json:"message"`
	Thought   string       `json:"thought,omitempty"`
	Reply     string       `json:"reply"`
	Steps     []StepRecord `json:"steps,omitempty"`
	CreatedAt int64        `json:"created_at"`
}

// Agent drives the model over the read-only toolbox.
type Agent struct {
	llmClient   llm.Client
	tools       *Toolbox
	knowledge   knowledge.Provider
	memoryDepth int
	maxSteps    int
	llmTimeout  time.Duration
	now         func() time.Time
	log         *slog.Logger

	mu      sync.Mutex
	history map[string][]ChatResult
}

// Option 定义可选的 Agent 配置。
type Option func(*Agent)

const (
	// defaultMemoryDepth 是大模型调用时可参考的历史对话数量的默认值。
	defaultMemoryDepth = 5
	defaultMaxSteps    = 4
	// 每个用户最多保留的对话轮数。
	historyCap = 50
	// 回填给模型的单个工具结果上限。
	maxResultBytes = 8 << 10
)

// WithMemoryDepth 设置大模型调用时可参考的历史对话数量。
func WithMemoryDepth(depth int) Option {
	return func(a *Agent) {
		a.memoryDepth = depth
	}
}

// WithKnowledgeProvider 配置知识库，用于在推理前补充上下文。
func WithKnowledgeProvider(provider knowledge.Provider) Option {
	return func(a *Agent) {
		a.knowledge = provider
	}
}

// WithLLMTimeout 设置单次调用大模型的超时时间。
func WithLLMTimeout(timeout time.Duration) Option {
	return func(a *Agent) {
		if timeout <= 0 {
			a.llmTimeout = 0
			return
		}
		a.llmTimeout = timeout
	}
}

// WithMaxSteps 限制一轮对话中的工具调用次数。
func WithMaxSteps(steps int) Option {
	return func(a *Agent) {
		a.maxSteps = steps
	}
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(a *Agent) {
		if now != nil {
			a.now = now
		}
	}
}

// New 创建一个 Agent。llmClient 为空时只能直接调用工具。
func New(llmClient llm.Client, tools *Toolbox, opts ...Option) *Agent {
	ag := &Agent{
		llmClient:   llmClient,
		tools:       tools,
		memoryDepth: defaultMemoryDepth,
		maxSteps:    defaultMaxSteps,
		now:         time.Now,
		log:         logger.Named("agent"),
		history:     make(map[string][]ChatResult),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(ag)
		}
	}
	if ag.memoryDepth <= 0 {
		ag.memoryDepth = defaultMemoryDepth
	}
	if ag.maxSteps <= 0 {
		ag.maxSteps = defaultMaxSteps
	}
	return ag
}

// Tools exposes the catalogue for direct invocation.
func (a *Agent) Tools() *Toolbox {
	return a.tools
}

// Chat answers one message for userID, calling tools as the model asks.
func (a *Agent) Chat(ctx context.Context, userID string, req ChatRequest) (*ChatResult, error) {
	if a.llmClient == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "未配置大模型客户端")
	}
	if a.tools == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "未配置工具目录")
	}
	message := strings.TrimSpace(req.Message)
	if message == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "消息不能为空")
	}
	if strings.TrimSpace(userID) == "" {
		return nil, xerrors.New(xerrors.CodeUnauthenticated, "missing user")
	}

	llmReq := llm.Request{
		Message:   message,
		Tools:     a.tools.Specs(),
		History:   a.recentHistory(userID),
		Knowledge: a.collectKnowledge(message),
	}
	result := &ChatResult{Message: message}

	// 最后一次调用不再提供工具，逼模型给出回复。
	for step := 0; step <= a.maxSteps; step++ {
		if step == a.maxSteps {
			llmReq.Tools = nil
		}
		out, err := a.generate(ctx, llmReq)
		if err != nil {
			return nil, err
		}
		if out.Call == nil {
			result.Thought = out.Thought
			result.Reply = out.Reply
			break
		}
		if step == a.maxSteps {
			return nil, xerrors.New(CodeStepLimit, fmt.Sprintf("超过 %d 次工具调用仍未给出回复", a.maxSteps))
		}
		observation, record := a.invoke(ctx, userID, *out.Call)
		result.Steps = append(result.Steps, record)
		llmReq.Steps = append(llmReq.Steps, llm.Step{Call: *out.Call, Result: observation})
	}

	result.CreatedAt = a.now().Unix()
	a.remember(userID, *result)
	return result, nil
}

func (a *Agent) generate(ctx context.Context, req llm.Request) (*llm.Response, error) {
	llmCtx := ctx
	if a.llmTimeout > 0 {
		var cancel context.CancelFunc
		llmCtx, cancel = context.WithTimeout(ctx, a.llmTimeout)
		defer cancel()
	}
	out, err := a.llmClient.Generate(llmCtx, req)
	if err != nil {
		if stdErrors.Is(err, context.DeadlineExceeded) {
			return nil, xerrors.Wrap(xerrors.CodeTimeout, err, "大模型推理超时")
		}
		return nil, xerrors.Wrap(xerrors.CodeUnknown, err, "大模型推理失败")
	}
	if out == nil {
		return nil, xerrors.New(xerrors.CodeUnknown, "大模型返回空结果")
	}
	return out, nil
}

// invoke 执行工具并把结果或错误转成模型可读的观察文本。
func (a *Agent) invoke(ctx context.Context, userID string, call llm.ToolCall) (string, StepRecord) {
	record := StepRecord{Tool: call.Name, Arguments: call.Arguments}
	value, err := a.tools.Invoke(ctx, userID, call.Name, call.Arguments)
	if err != nil {
		a.log.Warn("工具调用失败", slog.String("user_id", userID), slog.String("tool", call.Name), slog.String("code", string(xerrors.CodeOf(err))))
		record.Error = string(xerrors.CodeOf(err))
		return fmt.Sprintf("error %s: %s", xerrors.CodeOf(err), xerrors.UserMessage(err)), record
	}
	a.log.Info("工具调用", slog.String("user_id", userID), slog.String("tool", call.Name))
	encoded, err := json.Marshal(value)
	if err != nil {
		record.Error = string(xerrors.CodeUnknown)
		return "error: result could not be encoded", record
	}
	if len(encoded) > maxResultBytes {
		encoded = append(encoded[:maxResultBytes], "...(truncated)"...)
	}
	return string(encoded), record
}

// ListHistory 返回用户最近的对话，最新的在前。
func (a *Agent) ListHistory(userID string, limit int) []ChatResult {
	a.mu.Lock()
	defer a.mu.Unlock()
	entries := a.history[userID]
	if limit <= 0 || limit > len(entries) {
		limit = len(entries)
	}
	out := make([]ChatResult, 0, limit)
	for i := len(entries) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, entries[i])
	}
	return out
}

func (a *Agent) remember(userID string, result ChatResult) {
	a.mu.Lock()
	defer a.mu.Unlock()
	entries := append(a.history[userID], result)
	if len(entries) > historyCap {
		entries = entries[len(entries)-historyCap:]
	}
	a.history[userID] = entries
}

// recentHistory 加载历史对话以供大模型参考，按时间正序。
func (a *Agent) recentHistory(userID string) []llm.HistoryEntry {
	recent := a.ListHistory(userID, a.memoryDepth)
	history := make([]llm.HistoryEntry, 0, len(recent))
	for i := len(recent) - 1; i >= 0; i-- {
		history = append(history, llm.HistoryEntry{
			Message:   recent[i].Message,
			Reply:     recent[i].Reply,
			CreatedAt: recent[i].CreatedAt,
		})
	}
	return history
}

// collectKnowledge 从知识库中检索相关内容以供大模型参考。
func (a *Agent) collectKnowledge(message string) []llm.KnowledgeCard {
	if a.knowledge == nil {
		return nil
	}
	snippets := a.knowledge.Query(message)
	cards := make([]llm.KnowledgeCard, 0, len(snippets))
	for _, snippet := range snippets {
		if strings.TrimSpace(snippet.Title) == "" && strings.TrimSpace(snippet.Content) == "" {
			continue
		}
		cards = append(cards, llm.KnowledgeCard{Title: snippet.Title, Content: snippet.Content})
	}
	return cards
}

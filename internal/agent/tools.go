package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/shopspring/decimal"

	xerrors "VibeGuard/internal/errors"
	"VibeGuard/internal/llm"
	"VibeGuard/pkg/agentsafe"
)

// CodeUnknownTool 表示请求了目录之外的工具。
const CodeUnknownTool xerrors.Code = "AGENT_UNKNOWN_TOOL"

var ErrUnknownTool = xerrors.New(CodeUnknownTool, "unknown tool")

func init() {
	xerrors.Register(CodeUnknownTool, xerrors.Attributes{
		Message:    "unknown tool",
		Severity:   xerrors.SeverityWarning,
		HTTPStatus: http.StatusNotFound,
	})
}

// 工具名称。目录里只有查询，没有任何能移动资金的工具。
const (
	ToolGetBalances            = "get_balances"
	ToolGetTransactionHistory  = "get_transaction_history"
	ToolGetRewardHistory       = "get_reward_history"
	ToolResolveHandle          = "resolve_handle"
	ToolEstimateTransaction    = "estimate_transaction"
	ToolGetStakePositions      = "get_stake_positions"
	ToolGetMultiplierBreakdown = "get_multiplier_breakdown"
)

type handlerFunc func(ctx context.Context, userID string, args json.RawMessage) (any, error)

// Tool 是目录中的一项。
type Tool struct {
	Name        string            `json:"name"`
	Description string            `json:"description"`
	Parameters  map[string]string `json:"parameters,omitempty"`

	handler handlerFunc
}

// Toolbox exposes the query service as named tools. The acting user is
// always supplied by the caller, never taken from tool arguments.
type Toolbox struct {
	queries agentsafe.QueryService
	tools   map[string]Tool
	order   []string
}

var historyParams = map[string]string{
	"limit":    "page size, 1-100",
	"cursor":   "next_cursor from the previous page",
	"types":    "array of send|receive|stake|unstake|payment_request",
	"currency": "currency code",
	"since":    "RFC3339 start time",
	"until":    "RFC3339 end time",
}

// NewToolbox builds the fixed read-only catalogue.
func NewToolbox(queries agentsafe.QueryService) (*Toolbox, error) {
	if queries == nil {
		return nil, errors.New("agent: query service is required")
	}
	b := &Toolbox{queries: queries, tools: make(map[string]Tool)}
	b.register(Tool{
		Name:        ToolGetBalances,
		Description: "List the user's balance for every wallet.",
		handler:     b.getBalances,
	})
	b.register(Tool{
		Name:        ToolGetTransactionHistory,
		Description: "Page through the user's transactions, newest first.",
		Parameters:  historyParams,
		handler:     b.getTransactionHistory,
	})
	b.register(Tool{
		Name:        ToolGetRewardHistory,
		Description: "Page through the user's reward payouts, newest first.",
		Parameters:  historyParams,
		handler:     b.getRewardHistory,
	})
	b.register(Tool{
		Name:        ToolResolveHandle,
		Description: "Look up the wallet behind a @handle.",
		Parameters:  map[string]string{"handle": "handle with or without @"},
		handler:     b.resolveHandle,
	})
	b.register(Tool{
		Name:        ToolEstimateTransaction,
		Description: "Quote fee, total and required verification for a prospective transaction. Does not execute it.",
		Parameters: map[string]string{
			"type":        "send|stake|unstake|payment_request",
			"currency":    "currency code",
			"chain":       "chain name",
			"amount":      "decimal amount as a string",
			"destination": "@handle or address, for send",
		},
		handler: b.estimateTransaction,
	})
	b.register(Tool{
		Name:        ToolGetStakePositions,
		Description: "List the user's staked amounts.",
		handler:     b.getStakePositions,
	})
	b.register(Tool{
		Name:        ToolGetMultiplierBreakdown,
		Description: "Explain how the user's reward multiplier is composed.",
		handler:     b.getMultiplierBreakdown,
	})
	return b, nil
}

func (b *Toolbox) register(tool Tool) {
	b.tools[tool.Name] = tool
	b.order = append(b.order, tool.Name)
}

// List returns the catalogue in registration order.
func (b *Toolbox) List() []Tool {
	out := make([]Tool, 0, len(b.order))
	for _, name := range b.order {
		out = append(out, b.tools[name])
	}
	return out
}

// Specs renders the catalogue for the model.
func (b *Toolbox) Specs() []llm.ToolSpec {
	specs := make([]llm.ToolSpec, 0, len(b.order))
	for _, tool := range b.List() {
		specs = append(specs, llm.ToolSpec{Name: tool.Name, Description: tool.Description, Parameters: tool.Parameters})
	}
	return specs
}

// Invoke runs one tool on behalf of userID.
func (b *Toolbox) Invoke(ctx context.Context, userID, name string, args json.RawMessage) (any, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, xerrors.New(xerrors.CodeUnauthenticated, "missing user")
	}
	tool, ok := b.tools[strings.TrimSpace(name)]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTool, name)
	}
	return tool.handler(ctx, userID, args)
}

// decodeArgs 拒绝未知字段，模型塞进来的 user_id 会直接报错而不是被忽略。
func decodeArgs(args json.RawMessage, dst any) error {
	trimmed := bytes.TrimSpace(args)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil
	}
	dec := json.NewDecoder(bytes.NewReader(trimmed))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "invalid tool arguments")
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		return xerrors.New(xerrors.CodeInvalidArgument, "invalid tool arguments")
	}
	return nil
}

func (b *Toolbox) getBalances(ctx context.Context, userID string, args json.RawMessage) (any, error) {
	if err := decodeArgs(args, &struct{}{}); err != nil {
		return nil, err
	}
	return b.queries.GetBalances(ctx, userID)
}

func (b *Toolbox) getTransactionHistory(ctx context.Context, userID string, args json.RawMessage) (any, error) {
	var q agentsafe.HistoryQuery
	if err := decodeArgs(args, &q); err != nil {
		return nil, err
	}
	return b.queries.GetTransactionHistory(ctx, userID, q)
}

func (b *Toolbox) getRewardHistory(ctx context.Context, userID string, args json.RawMessage) (any, error) {
	var q agentsafe.HistoryQuery
	if err := decodeArgs(args, &q); err != nil {
		return nil, err
	}
	return b.queries.GetRewardHistory(ctx, userID, q)
}

// handleView 不包含 user_id。
type handleView struct {
	Handle   string `json:"handle"`
	Currency string `json:"currency"`
	Chain    string `json:"chain"`
	Address  string `json:"address"`
}

func (b *Toolbox) resolveHandle(ctx context.Context, _ string, args json.RawMessage) (any, error) {
	var in struct {
		Handle string `json:"handle"`
	}
	if err := decodeArgs(args, &in); err != nil {
		return nil, err
	}
	if strings.TrimSpace(in.Handle) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "handle is required")
	}
	wallet, err := b.queries.ResolveHandle(ctx, in.Handle)
	if err != nil {
		return nil, err
	}
	return handleView{Handle: wallet.Handle, Currency: wallet.Currency, Chain: wallet.Chain, Address: wallet.Address}, nil
}

func (b *Toolbox) estimateTransaction(ctx context.Context, userID string, args json.RawMessage) (any, error) {
	var in struct {
		Type        agentsafe.TxType `json:"type"`
		Currency    string           `json:"currency"`
		Chain       string           `json:"chain"`
		Amount      decimal.Decimal  `json:"amount"`
		Destination string           `json:"destination"`
	}
	if err := decodeArgs(args, &in); err != nil {
		return nil, err
	}
	return b.queries.EstimateTransaction(ctx, agentsafe.EstimateParams{
		UserID:      userID,
		Type:        in.Type,
		Currency:    in.Currency,
		Chain:       in.Chain,
		Amount:      in.Amount,
		Destination: in.Destination,
	})
}

func (b *Toolbox) getStakePositions(ctx context.Context, userID string, args json.RawMessage) (any, error) {
	if err := decodeArgs(args, &struct{}{}); err != nil {
		return nil, err
	}
	return b.queries.GetStakePositions(ctx, userID)
}

func (b *Toolbox) getMultiplierBreakdown(ctx context.Context, userID string, args json.RawMessage) (any, error) {
	if err := decodeArgs(args, &struct{}{}); err != nil {
		return nil, err
	}
	return b.queries.GetMultiplierBreakdown(ctx, userID)
}

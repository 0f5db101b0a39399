package ledger

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	xerrors "VibeGuard/internal/errors"
)

// TxType 表示账本交易的业务类型。
type TxType string

const (
	TxSend           TxType = "send"
	TxStake          TxType = "stake"
	TxUnstake        TxType = "unstake"
	TxPaymentRequest TxType = "payment-request"
)

// ParseTxType 解析外部输入的交易类型，大小写不敏感。
func ParseTxType(raw string) (TxType, bool) {
	switch t := TxType(strings.ToLower(strings.TrimSpace(raw))); t {
	case TxSend, TxStake, TxUnstake, TxPaymentRequest:
		return t, true
	default:
		return "", false
	}
}

// TxStatus 表示交易在结算生命周期中的状态。
type TxStatus string

const (
	StatusPending   TxStatus = "pending"
	StatusConfirmed TxStatus = "confirmed"
	StatusFailed    TxStatus = "failed"
)

// Terminal reports whether no further transition is allowed.
func (s TxStatus) Terminal() bool {
	return s == StatusConfirmed || s == StatusFailed
}

// CanTransition enforces pending -> confirmed | failed.
func CanTransition(from, to TxStatus) bool {
	return from == StatusPending && to.Terminal()
}

// Book 区分可用余额与质押余额。
type Book string

const (
	BookAvailable Book = "available"
	BookStaked    Book = "staked"
)

// Wallet 由账本持有，创建后不可变。
type Wallet struct {
	UserID   string `json:"user_id"`
	Handle   string `json:"handle"`
	Currency string `json:"currency"`
	Chain    string `json:"chain"`
	Address  string `json:"address"`
}

// Balance is derived from postings; it is never stored directly.
type Balance struct {
	Currency string          `json:"currency"`
	Chain    string          `json:"chain"`
	Amount   decimal.Decimal `json:"amount"`
	AsOf     time.Time       `json:"as_of"`
}

// Transaction 只能由执行服务创建。
type Transaction struct {
	ID              string          `json:"id"`
	UserID          string          `json:"user_id"`
	Type            TxType          `json:"type"`
	Currency        string          `json:"currency"`
	Chain           string          `json:"chain"`
	Amount          decimal.Decimal `json:"amount"`
	Fee             decimal.Decimal `json:"fee"`
	SourceWallet    string          `json:"source_wallet"`
	Destination     string          `json:"destination"`
	RecipientUserID string          `json:"recipient_user_id,omitempty"`
	Status          TxStatus        `json:"status"`
	Reference       string          `json:"reference,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
}

// StakePosition aggregates the staked book of one currency.
type StakePosition struct {
	Currency string          `json:"currency"`
	Chain    string          `json:"chain"`
	Amount   decimal.Decimal `json:"amount"`
	Since    time.Time       `json:"since"`
}

// Reward 记录一次奖励发放。
type Reward struct {
	ID         string          `json:"id"`
	UserID     string          `json:"user_id"`
	Currency   string          `json:"currency"`
	Amount     decimal.Decimal `json:"amount"`
	Source     string          `json:"source"`
	Multiplier decimal.Decimal `json:"multiplier"`
	CreatedAt  time.Time       `json:"created_at"`
}

// Posting is a single signed movement on one book of one user.
type Posting struct {
	TxID     string
	UserID   string
	Currency string
	Chain    string
	Book     Book
	Delta    decimal.Decimal
}

// HistoryFilter selects transactions or rewards of one user. Zero time
// bounds are open; Types is ignored for rewards.
type HistoryFilter struct {
	UserID   string
	Types    []TxType
	Currency string
	Since    time.Time
	Until    time.Time
	Offset   int
	Limit    int
}

// Matches reports whether tx passes every filter criterion except paging.
func (f HistoryFilter) Matches(tx Transaction) bool {
	if tx.UserID != f.UserID {
		return false
	}
	if len(f.Types) > 0 {
		found := false
		for _, t := range f.Types {
			if t == tx.Type {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return f.matchWindow(tx.Currency, tx.CreatedAt)
}

// MatchesReward applies the currency and time criteria to a reward.
func (f HistoryFilter) MatchesReward(r Reward) bool {
	return r.UserID == f.UserID && f.matchWindow(r.Currency, r.CreatedAt)
}

func (f HistoryFilter) matchWindow(currency string, at time.Time) bool {
	if f.Currency != "" && !strings.EqualFold(f.Currency, currency) {
		return false
	}
	if !f.Since.IsZero() && at.Before(f.Since) {
		return false
	}
	if !f.Until.IsZero() && at.After(f.Until) {
		return false
	}
	return true
}

// Reader 是账本的只读视图，查询服务只依赖这一接口。
type Reader interface {
	ReadWallets(ctx context.Context, userID string) ([]Wallet, error)
	ReadBalances(ctx context.Context, userID string) ([]Balance, error)
	ReadBalance(ctx context.Context, userID, currency, chain string) (Balance, error)
	ReadStakePositions(ctx context.Context, userID string) ([]StakePosition, error)
	// ReadHistory returns matching transactions, newest first.
	ReadHistory(ctx context.Context, filter HistoryFilter) ([]Transaction, error)
	ReadRewards(ctx context.Context, filter HistoryFilter) ([]Reward, error)
	ReadTransaction(ctx context.Context, id string) (Transaction, error)
	ResolveHandle(ctx context.Context, handle string) (Wallet, error)
}

// Writer 是账本的写入接口，仅执行服务与结算 worker 使用。
type Writer interface {
	// AppendTransaction stores a pending transaction and applies its
	// append-time postings atomically.
	AppendTransaction(ctx context.Context, tx Transaction) error
	// UpdateTransactionStatus moves a pending transaction to a terminal
	// status and applies the settlement postings.
	UpdateTransactionStatus(ctx context.Context, id string, status TxStatus) (Transaction, error)
	// PendingTransactions lists transactions still awaiting settlement.
	PendingTransactions(ctx context.Context, limit int) ([]Transaction, error)
}

// Store combines both views.
type Store interface {
	Reader
	Writer
}

const (
	CodeUserNotFound        xerrors.Code = "LEDGER_USER_NOT_FOUND"
	CodeWalletNotFound      xerrors.Code = "LEDGER_WALLET_NOT_FOUND"
	CodeTransactionNotFound xerrors.Code = "LEDGER_TRANSACTION_NOT_FOUND"
	CodeInvalidTransaction  xerrors.Code = "LEDGER_INVALID_TRANSACTION"
	CodeInsufficientBalance xerrors.Code = "LEDGER_INSUFFICIENT_BALANCE"
)

var (
	ErrUserNotFound        = xerrors.New(CodeUserNotFound, "user not found")
	ErrWalletNotFound      = xerrors.New(CodeWalletNotFound, "wallet not found")
	ErrTransactionNotFound = xerrors.New(CodeTransactionNotFound, "transaction not found")
	// ErrInvalidTransition 表示交易状态只能从 pending 单向迁移。
	ErrInvalidTransition   = xerrors.New(xerrors.CodeConflict, "invalid status transition")
	ErrInvalidTransaction  = xerrors.New(CodeInvalidTransaction, "invalid transaction")
	// ErrInsufficientBalance 是账本层的兜底校验，执行服务会先行检查余额。
	ErrInsufficientBalance = xerrors.New(CodeInsufficientBalance, "book would go negative")
)

func init() {
	xerrors.Register(CodeUserNotFound, xerrors.Attributes{
		Message:    "user not found",
		Severity:   xerrors.SeverityInfo,
		HTTPStatus: http.StatusNotFound,
	})
	xerrors.Register(CodeWalletNotFound, xerrors.Attributes{
		Message:    "wallet not found",
		Severity:   xerrors.SeverityInfo,
		HTTPStatus: http.StatusNotFound,
	})
	xerrors.Register(CodeTransactionNotFound, xerrors.Attributes{
		Message:    "transaction not found",
		Severity:   xerrors.SeverityInfo,
		HTTPStatus: http.StatusNotFound,
	})
	xerrors.Register(CodeInsufficientBalance, xerrors.Attributes{
		Message:    "book would go negative",
		Severity:   xerrors.SeverityWarning,
		HTTPStatus: http.StatusConflict,
	})
	xerrors.Register(CodeInvalidTransaction, xerrors.Attributes{
		Message:    "invalid transaction",
		Severity:   xerrors.SeverityWarning,
		HTTPStatus: http.StatusBadRequest,
	})
}

// NormalizeCurrency 统一币种与链名称的大小写。
func NormalizeCurrency(currency string) string {
	return strings.ToUpper(strings.TrimSpace(currency))
}

// NormalizeChain lower-cases chain identifiers.
func NormalizeChain(chain string) string {
	return strings.ToLower(strings.TrimSpace(chain))
}

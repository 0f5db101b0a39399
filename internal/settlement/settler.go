package settlement

import (
	"context"
	"errors"
	"net/http"

	xerrors "VibeGuard/internal/errors"
	"VibeGuard/internal/ledger"
)

const (
	CodeSettlementFailed  xerrors.Code = "SETTLEMENT_FAILED"
	CodeSettlementPublish xerrors.Code = "SETTLEMENT_PUBLISH"
)

func init() {
	xerrors.Register(CodeSettlementFailed, xerrors.Attributes{
		Message:    "transaction settlement failed",
		Severity:   xerrors.SeverityCritical,
		Alert:      true,
		HTTPStatus: http.StatusInternalServerError,
	})
	xerrors.Register(CodeSettlementPublish, xerrors.Attributes{
		Message:    "settlement job could not be queued",
		Severity:   xerrors.SeverityCritical,
		Retryable:  true,
		Alert:      true,
		HTTPStatus: http.StatusServiceUnavailable,
	})
}

// Settler decides the terminal status of a pending transaction. A returned
// error means "try again later" when it is retryable.
type Settler interface {
	Settle(ctx context.Context, tx ledger.Transaction) (ledger.TxStatus, error)
}

// SettlerFunc adapts a function to Settler.
type SettlerFunc func(ctx context.Context, tx ledger.Transaction) (ledger.TxStatus, error)

// Settle implements Settler.
func (f SettlerFunc) Settle(ctx context.Context, tx ledger.Transaction) (ledger.TxStatus, error) {
	return f(ctx, tx)
}

// BookSettler 结算站内交易：内部转账、质押、解押与收款请求都只涉及账本。
// 发往外部地址的转账在没有上链服务时同样按账本确认。
type BookSettler struct {
	reader ledger.Reader
}

// NewBookSettler creates a settler reading recipient wallets from reader.
func NewBookSettler(reader ledger.Reader) *BookSettler {
	return &BookSettler{reader: reader}
}

// Settle 内部转账要求收款人仍持有对应币种与链的钱包，否则交易失败并退款。
func (s *BookSettler) Settle(ctx context.Context, tx ledger.Transaction) (ledger.TxStatus, error) {
	if tx.Type != ledger.TxSend || tx.RecipientUserID == "" {
		return ledger.StatusConfirmed, nil
	}
	_, err := s.reader.ReadBalance(ctx, tx.RecipientUserID, tx.Currency, tx.Chain)
	switch {
	case err == nil:
		return ledger.StatusConfirmed, nil
	case errors.Is(err, ledger.ErrWalletNotFound), errors.Is(err, ledger.ErrUserNotFound):
		return ledger.StatusFailed, nil
	default:
		return "", xerrors.Wrap(xerrors.CodeStorageFailure, err, "read recipient wallet")
	}
}

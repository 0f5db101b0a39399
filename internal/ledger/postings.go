package ledger

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// Validate checks the structural rules every appended transaction obeys.
func (tx Transaction) Validate() error {
	if tx.ID == "" || tx.UserID == "" {
		return fmt.Errorf("%w: id and user are required", ErrInvalidTransaction)
	}
	if _, ok := ParseTxType(string(tx.Type)); !ok {
		return fmt.Errorf("%w: unsupported type %q", ErrInvalidTransaction, tx.Type)
	}
	if tx.Currency == "" || tx.Chain == "" {
		return fmt.Errorf("%w: currency and chain are required", ErrInvalidTransaction)
	}
	if !tx.Amount.IsPositive() {
		return fmt.Errorf("%w: amount must be positive", ErrInvalidTransaction)
	}
	if tx.Fee.IsNegative() {
		return fmt.Errorf("%w: fee cannot be negative", ErrInvalidTransaction)
	}
	if tx.Status != StatusPending {
		return fmt.Errorf("%w: new transactions must be pending", ErrInvalidTransaction)
	}
	return nil
}

// Debit 返回交易在追加时需要从哪个账簿扣除多少金额。
// payment-request 不产生资金变动。
func (tx Transaction) Debit() (Book, decimal.Decimal) {
	switch tx.Type {
	case TxSend, TxStake:
		return BookAvailable, tx.Amount.Add(tx.Fee)
	case TxUnstake:
		return BookStaked, tx.Amount
	default:
		return BookAvailable, decimal.Zero
	}
}

// PostingsOnAppend 计算交易进入 pending 时的记账分录。
func PostingsOnAppend(tx Transaction) []Posting {
	book, amount := tx.Debit()
	if amount.IsZero() {
		return nil
	}
	return []Posting{tx.posting(tx.UserID, book, amount.Neg())}
}

// PostingsOnSettle 计算交易结算到终态时的记账分录。失败时回滚追加分录，
// 成功时把资金记入目标账簿。
func PostingsOnSettle(tx Transaction, status TxStatus) []Posting {
	if tx.Type == TxPaymentRequest {
		return nil
	}
	if status == StatusFailed {
		appended := PostingsOnAppend(tx)
		reversed := make([]Posting, 0, len(appended))
		for _, p := range appended {
			p.Delta = p.Delta.Neg()
			reversed = append(reversed, p)
		}
		return reversed
	}
	if status != StatusConfirmed {
		return nil
	}

	switch tx.Type {
	case TxSend:
		if tx.RecipientUserID == "" {
			return nil
		}
		return []Posting{tx.posting(tx.RecipientUserID, BookAvailable, tx.Amount)}
	case TxStake:
		return []Posting{tx.posting(tx.UserID, BookStaked, tx.Amount)}
	case TxUnstake:
		proceeds := tx.Amount.Sub(tx.Fee)
		if !proceeds.IsPositive() {
			return nil
		}
		return []Posting{tx.posting(tx.UserID, BookAvailable, proceeds)}
	default:
		return nil
	}
}

func (tx Transaction) posting(userID string, book Book, delta decimal.Decimal) Posting {
	return Posting{
		TxID:     tx.ID,
		UserID:   userID,
		Currency: tx.Currency,
		Chain:    tx.Chain,
		Book:     book,
		Delta:    delta,
	}
}

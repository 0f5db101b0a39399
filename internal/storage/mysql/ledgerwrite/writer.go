// Package ledgerwrite 实现账本的写入路径。交易追加与状态迁移都在单个
// 事务内完成，涉及的账簿行以 SELECT ... FOR UPDATE 加锁，多副本部署下
// 账簿也不会被扣成负数。
package ledgerwrite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	xerrors "VibeGuard/internal/errors"
	"VibeGuard/internal/ledger"
	"VibeGuard/internal/storage/mysql"
)

// Writer 是 ledger.Writer 的 MySQL 实现。
type Writer struct {
	db  *sql.DB
	now func() time.Time
}

// Option customises the writer.
type Option func(*Writer)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(w *Writer) {
		if now != nil {
			w.now = now
		}
	}
}

// New wraps db.
func New(db *sql.DB, opts ...Option) *Writer {
	w := &Writer{db: db, now: time.Now}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

var _ ledger.Writer = (*Writer)(nil)

// Store 组合只读视图与写入路径，供执行服务与结算 worker 使用。
type Store struct {
	*mysql.LedgerReader
	*Writer
}

// NewStore builds a full ledger.Store on db.
func NewStore(db *sql.DB, opts ...Option) *Store {
	return &Store{LedgerReader: mysql.NewLedgerReader(db), Writer: New(db, opts...)}
}

var _ ledger.Store = (*Store)(nil)

func (w *Writer) AppendTransaction(ctx context.Context, tx ledger.Transaction) error {
	tx.Currency = ledger.NormalizeCurrency(tx.Currency)
	tx.Chain = ledger.NormalizeChain(tx.Chain)
	if err := tx.Validate(); err != nil {
		return err
	}
	now := w.now()
	if tx.CreatedAt.IsZero() {
		tx.CreatedAt = now
	}
	tx.UpdatedAt = tx.CreatedAt

	return w.withTx(ctx, func(dbTx *sql.Tx) error {
		var one int
		err := dbTx.QueryRowContext(ctx, `SELECT 1 FROM ledger_wallets WHERE user_id = ? AND currency = ? AND chain = ?`,
			tx.UserID, tx.Currency, tx.Chain).Scan(&one)
		if errors.Is(err, sql.ErrNoRows) {
			return ledger.ErrWalletNotFound
		}
		if err != nil {
			return fmt.Errorf("查询钱包失败: %w", err)
		}

		const insert = `INSERT INTO ledger_transactions (` + mysql.TransactionColumns + `)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
		if _, err := dbTx.ExecContext(ctx, insert,
			tx.ID, tx.UserID, string(tx.Type), tx.Currency, tx.Chain, tx.Amount, tx.Fee,
			tx.SourceWallet, tx.Destination, tx.RecipientUserID, string(tx.Status), tx.Reference,
			mysql.Millis(tx.CreatedAt), mysql.Millis(tx.UpdatedAt)); err != nil {
			if mysql.IsDuplicateKey(err) {
				return xerrors.New(xerrors.CodeConflict, fmt.Sprintf("transaction %s already exists", tx.ID))
			}
			return fmt.Errorf("写入交易失败: %w", err)
		}

		for _, p := range ledger.PostingsOnAppend(tx) {
			if err := w.post(ctx, dbTx, p, now); err != nil {
				return err
			}
		}
		return nil
	})
}

func (w *Writer) UpdateTransactionStatus(ctx context.Context, id string, status ledger.TxStatus) (ledger.Transaction, error) {
	var updated ledger.Transaction
	err := w.withTx(ctx, func(dbTx *sql.Tx) error {
		row := dbTx.QueryRowContext(ctx, `SELECT `+mysql.TransactionColumns+` FROM ledger_transactions WHERE id = ? FOR UPDATE`, id)
		tx, err := mysql.ScanTransaction(row)
		if errors.Is(err, sql.ErrNoRows) {
			return ledger.ErrTransactionNotFound
		}
		if err != nil {
			return fmt.Errorf("查询交易失败: %w", err)
		}
		if !ledger.CanTransition(tx.Status, status) {
			return fmt.Errorf("%w: %s -> %s", ledger.ErrInvalidTransition, tx.Status, status)
		}

		now := w.now()
		for _, p := range ledger.PostingsOnSettle(tx, status) {
			if err := w.post(ctx, dbTx, p, now); err != nil {
				return err
			}
		}
		if _, err := dbTx.ExecContext(ctx, `UPDATE ledger_transactions SET status = ?, updated_at = ? WHERE id = ?`,
			string(status), mysql.Millis(now), id); err != nil {
			return fmt.Errorf("更新交易状态失败: %w", err)
		}
		tx.Status = status
		tx.UpdatedAt = now.UTC()
		updated = tx
		return nil
	})
	return updated, err
}

func (w *Writer) PendingTransactions(ctx context.Context, limit int) ([]ledger.Transaction, error) {
	query := `SELECT ` + mysql.TransactionColumns + ` FROM ledger_transactions WHERE status = ? ORDER BY created_at, id`
	args := []any{string(ledger.StatusPending)}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := w.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("查询待结算交易失败: %w", err)
	}
	defer rows.Close()

	pending := make([]ledger.Transaction, 0)
	for rows.Next() {
		tx, err := mysql.ScanTransaction(rows)
		if err != nil {
			return nil, fmt.Errorf("解析交易失败: %w", err)
		}
		pending = append(pending, tx)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("遍历交易失败: %w", err)
	}
	return pending, nil
}

// post 锁定账簿行并应用一条分录。结果为负时整笔事务回滚。
func (w *Writer) post(ctx context.Context, dbTx *sql.Tx, p ledger.Posting, now time.Time) error {
	var (
		amount decimal.Decimal
		since  int64
	)
	err := dbTx.QueryRowContext(ctx, `SELECT amount, staked_since FROM ledger_books
WHERE user_id = ? AND currency = ? AND chain = ? AND book = ? FOR UPDATE`,
		p.UserID, p.Currency, p.Chain, string(p.Book)).Scan(&amount, &since)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("锁定账簿失败: %w", err)
	}

	after := amount.Add(p.Delta)
	if after.IsNegative() {
		return ledger.ErrInsufficientBalance
	}
	if p.Book == ledger.BookStaked {
		switch {
		case !amount.IsPositive() && after.IsPositive():
			since = mysql.Millis(now)
		case !after.IsPositive():
			since = 0
		}
	}

	const upsert = `INSERT INTO ledger_books (user_id, currency, chain, book, amount, staked_since, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?)
ON DUPLICATE KEY UPDATE amount = VALUES(amount), staked_since = VALUES(staked_since), updated_at = VALUES(updated_at)`
	if _, err := dbTx.ExecContext(ctx, upsert, p.UserID, p.Currency, p.Chain, string(p.Book), after, since, mysql.Millis(now)); err != nil {
		return fmt.Errorf("更新账簿失败: %w", err)
	}
	const insert = `INSERT INTO ledger_postings (tx_id, user_id, currency, chain, book, delta, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?)`
	if _, err := dbTx.ExecContext(ctx, insert, p.TxID, p.UserID, p.Currency, p.Chain, string(p.Book), p.Delta, mysql.Millis(now)); err != nil {
		return fmt.Errorf("写入分录失败: %w", err)
	}
	return nil
}

func (w *Writer) withTx(ctx context.Context, fn func(*sql.Tx) error) error {
	dbTx, err := w.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("开启事务失败: %w", err)
	}
	if err := fn(dbTx); err != nil {
		dbTx.Rollback()
		return err
	}
	if err := dbTx.Commit(); err != nil {
		return fmt.Errorf("提交事务失败: %w", err)
	}
	return nil
}

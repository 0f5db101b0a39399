package mysql

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math"
	"strings"

	"VibeGuard/internal/ledger"
)

// TransactionColumns 是 ledger_transactions 的列顺序，ScanTransaction 依赖它。
const TransactionColumns = `id, user_id, type, currency, chain, amount, fee, source_wallet, destination, recipient_user_id, status, reference, created_at, updated_at`

const walletColumns = `user_id, handle, currency, chain, address`

// Scanner 由 *sql.Row 与 *sql.Rows 实现。
type Scanner interface {
	Scan(dest ...any) error
}

// ScanTransaction decodes one row selected with TransactionColumns.
func ScanTransaction(row Scanner) (ledger.Transaction, error) {
	var (
		tx        ledger.Transaction
		typ       string
		status    string
		createdAt int64
		updatedAt int64
	)
	if err := row.Scan(&tx.ID, &tx.UserID, &typ, &tx.Currency, &tx.Chain, &tx.Amount, &tx.Fee,
		&tx.SourceWallet, &tx.Destination, &tx.RecipientUserID, &status, &tx.Reference, &createdAt, &updatedAt); err != nil {
		return ledger.Transaction{}, err
	}
	tx.Type = ledger.TxType(typ)
	tx.Status = ledger.TxStatus(status)
	tx.CreatedAt = fromMillis(createdAt)
	tx.UpdatedAt = fromMillis(updatedAt)
	return tx, nil
}

// LedgerReader 是 ledger.Reader 的 MySQL 实现，只发出 SELECT。
type LedgerReader struct {
	db *sql.DB
}

// NewLedgerReader wraps db.
func NewLedgerReader(db *sql.DB) *LedgerReader {
	return &LedgerReader{db: db}
}

var _ ledger.Reader = (*LedgerReader)(nil)

func (r *LedgerReader) ReadWallets(ctx context.Context, userID string) ([]ledger.Wallet, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+walletColumns+` FROM ledger_wallets WHERE user_id = ? ORDER BY currency, chain`, userID)
	if err != nil {
		return nil, fmt.Errorf("查询钱包失败: %w", err)
	}
	defer rows.Close()

	var wallets []ledger.Wallet
	for rows.Next() {
		var w ledger.Wallet
		if err := rows.Scan(&w.UserID, &w.Handle, &w.Currency, &w.Chain, &w.Address); err != nil {
			return nil, fmt.Errorf("解析钱包失败: %w", err)
		}
		wallets = append(wallets, w)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("遍历钱包失败: %w", err)
	}
	if len(wallets) == 0 {
		return nil, ledger.ErrUserNotFound
	}
	return wallets, nil
}

func (r *LedgerReader) ReadBalances(ctx context.Context, userID string) ([]ledger.Balance, error) {
	const query = `SELECT w.currency, w.chain, COALESCE(b.amount, 0), COALESCE(b.updated_at, w.created_at)
FROM ledger_wallets w
LEFT JOIN ledger_books b ON b.user_id = w.user_id AND b.currency = w.currency AND b.chain = w.chain AND b.book = 'available'
WHERE w.user_id = ?
ORDER BY w.currency, w.chain`
	rows, err := r.db.QueryContext(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("查询余额失败: %w", err)
	}
	defer rows.Close()

	var balances []ledger.Balance
	for rows.Next() {
		var (
			b    ledger.Balance
			asOf int64
		)
		if err := rows.Scan(&b.Currency, &b.Chain, &b.Amount, &asOf); err != nil {
			return nil, fmt.Errorf("解析余额失败: %w", err)
		}
		b.AsOf = fromMillis(asOf)
		balances = append(balances, b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("遍历余额失败: %w", err)
	}
	if len(balances) == 0 {
		return nil, ledger.ErrUserNotFound
	}
	return balances, nil
}

func (r *LedgerReader) ReadBalance(ctx context.Context, userID, currency, chain string) (ledger.Balance, error) {
	const query = `SELECT w.currency, w.chain, COALESCE(b.amount, 0), COALESCE(b.updated_at, w.created_at)
FROM ledger_wallets w
LEFT JOIN ledger_books b ON b.user_id = w.user_id AND b.currency = w.currency AND b.chain = w.chain AND b.book = 'available'
WHERE w.user_id = ? AND w.currency = ? AND w.chain = ?`
	var (
		b    ledger.Balance
		asOf int64
	)
	row := r.db.QueryRowContext(ctx, query, userID, ledger.NormalizeCurrency(currency), ledger.NormalizeChain(chain))
	if err := row.Scan(&b.Currency, &b.Chain, &b.Amount, &asOf); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ledger.Balance{}, r.missingWallet(ctx, userID)
		}
		return ledger.Balance{}, fmt.Errorf("查询余额失败: %w", err)
	}
	b.AsOf = fromMillis(asOf)
	return b, nil
}

// missingWallet 区分用户不存在与钱包不存在。
func (r *LedgerReader) missingWallet(ctx context.Context, userID string) error {
	exists, err := r.userExists(ctx, userID)
	if err != nil {
		return err
	}
	if !exists {
		return ledger.ErrUserNotFound
	}
	return ledger.ErrWalletNotFound
}

func (r *LedgerReader) userExists(ctx context.Context, userID string) (bool, error) {
	var count int
	if err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM ledger_wallets WHERE user_id = ?`, userID).Scan(&count); err != nil {
		return false, fmt.Errorf("查询用户失败: %w", err)
	}
	return count > 0, nil
}

func (r *LedgerReader) ReadStakePositions(ctx context.Context, userID string) ([]ledger.StakePosition, error) {
	exists, err := r.userExists(ctx, userID)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, ledger.ErrUserNotFound
	}
	const query = `SELECT currency, chain, amount, staked_since FROM ledger_books
WHERE user_id = ? AND book = 'staked' AND amount > 0
ORDER BY currency, chain`
	rows, err := r.db.QueryContext(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("查询质押失败: %w", err)
	}
	defer rows.Close()

	positions := make([]ledger.StakePosition, 0)
	for rows.Next() {
		var (
			p     ledger.StakePosition
			since int64
		)
		if err := rows.Scan(&p.Currency, &p.Chain, &p.Amount, &since); err != nil {
			return nil, fmt.Errorf("解析质押失败: %w", err)
		}
		p.Since = fromMillis(since)
		positions = append(positions, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("遍历质押失败: %w", err)
	}
	return positions, nil
}

func (r *LedgerReader) ReadHistory(ctx context.Context, filter ledger.HistoryFilter) ([]ledger.Transaction, error) {
	exists, err := r.userExists(ctx, filter.UserID)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, ledger.ErrUserNotFound
	}

	where, args := historyWhere(filter, true)
	query := `SELECT ` + TransactionColumns + ` FROM ledger_transactions WHERE ` + where +
		` ORDER BY created_at DESC, id DESC` + limitClause(filter, &args)
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("查询交易历史失败: %w", err)
	}
	defer rows.Close()

	history := make([]ledger.Transaction, 0)
	for rows.Next() {
		tx, err := ScanTransaction(rows)
		if err != nil {
			return nil, fmt.Errorf("解析交易失败: %w", err)
		}
		history = append(history, tx)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("遍历交易失败: %w", err)
	}
	return history, nil
}

func (r *LedgerReader) ReadRewards(ctx context.Context, filter ledger.HistoryFilter) ([]ledger.Reward, error) {
	exists, err := r.userExists(ctx, filter.UserID)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, ledger.ErrUserNotFound
	}

	where, args := historyWhere(filter, false)
	query := `SELECT id, user_id, currency, amount, source, multiplier, created_at FROM ledger_rewards WHERE ` + where +
		` ORDER BY created_at DESC, id DESC` + limitClause(filter, &args)
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("查询奖励失败: %w", err)
	}
	defer rows.Close()

	rewards := make([]ledger.Reward, 0)
	for rows.Next() {
		var (
			rw        ledger.Reward
			createdAt int64
		)
		if err := rows.Scan(&rw.ID, &rw.UserID, &rw.Currency, &rw.Amount, &rw.Source, &rw.Multiplier, &createdAt); err != nil {
			return nil, fmt.Errorf("解析奖励失败: %w", err)
		}
		rw.CreatedAt = fromMillis(createdAt)
		rewards = append(rewards, rw)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("遍历奖励失败: %w", err)
	}
	return rewards, nil
}

func historyWhere(filter ledger.HistoryFilter, withTypes bool) (string, []any) {
	clauses := []string{"user_id = ?"}
	args := []any{filter.UserID}
	if withTypes && len(filter.Types) > 0 {
		marks := make([]string, len(filter.Types))
		for i, t := range filter.Types {
			marks[i] = "?"
			args = append(args, string(t))
		}
		clauses = append(clauses, "type IN ("+strings.Join(marks, ", ")+")")
	}
	if filter.Currency != "" {
		clauses = append(clauses, "currency = ?")
		args = append(args, ledger.NormalizeCurrency(filter.Currency))
	}
	if !filter.Since.IsZero() {
		clauses = append(clauses, "created_at >= ?")
		args = append(args, millis(filter.Since))
	}
	if !filter.Until.IsZero() {
		clauses = append(clauses, "created_at <= ?")
		args = append(args, millis(filter.Until))
	}
	return strings.Join(clauses, " AND "), args
}

// limitClause 追加分页参数。MySQL 的 OFFSET 必须跟在 LIMIT 之后。
func limitClause(filter ledger.HistoryFilter, args *[]any) string {
	if filter.Limit <= 0 && filter.Offset <= 0 {
		return ""
	}
	limit := filter.Limit
	if limit <= 0 {
		limit = math.MaxInt32
	}
	offset := filter.Offset
	if offset < 0 {
		offset = 0
	}
	*args = append(*args, limit, offset)
	return " LIMIT ? OFFSET ?"
}

func (r *LedgerReader) ReadTransaction(ctx context.Context, id string) (ledger.Transaction, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+TransactionColumns+` FROM ledger_transactions WHERE id = ?`, id)
	tx, err := ScanTransaction(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ledger.Transaction{}, ledger.ErrTransactionNotFound
		}
		return ledger.Transaction{}, fmt.Errorf("查询交易失败: %w", err)
	}
	return tx, nil
}

func (r *LedgerReader) ResolveHandle(ctx context.Context, handle string) (ledger.Wallet, error) {
	normalized := strings.ToLower(strings.TrimPrefix(strings.TrimSpace(handle), "@"))
	if normalized == "" {
		return ledger.Wallet{}, ledger.ErrWalletNotFound
	}
	row := r.db.QueryRowContext(ctx, `SELECT `+walletColumns+` FROM ledger_wallets WHERE handle = ? ORDER BY currency, chain LIMIT 1`, normalized)
	var w ledger.Wallet
	if err := row.Scan(&w.UserID, &w.Handle, &w.Currency, &w.Chain, &w.Address); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ledger.Wallet{}, ledger.ErrWalletNotFound
		}
		return ledger.Wallet{}, fmt.Errorf("解析收款标识失败: %w", err)
	}
	return w, nil
}

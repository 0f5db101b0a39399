// Package memledger 提供进程内的账本实现，用于开发环境与测试。
package memledger

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	xerrors "VibeGuard/internal/errors"
	"VibeGuard/internal/ledger"
)

type bookKey struct {
	userID   string
	currency string
	chain    string
	book     ledger.Book
}

type walletKey struct {
	currency string
	chain    string
}

// Store is a mutex-guarded ledger keeping postings in memory.
type Store struct {
	mu           sync.RWMutex
	wallets      map[string][]ledger.Wallet
	handles      map[string]string
	books        map[bookKey]decimal.Decimal
	stakedSince  map[bookKey]time.Time
	transactions map[string]*ledger.Transaction
	order        []string
	rewards      []ledger.Reward
	postings     []ledger.Posting
	now          func() time.Time
}

// Option customises the store.
type Option func(*Store)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

// New creates an empty in-memory ledger.
func New(opts ...Option) *Store {
	s := &Store{
		wallets:      make(map[string][]ledger.Wallet),
		handles:      make(map[string]string),
		books:        make(map[bookKey]decimal.Decimal),
		stakedSince:  make(map[bookKey]time.Time),
		transactions: make(map[string]*ledger.Transaction),
		now:          time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// AddWallet registers a wallet; the first wallet of a user is the one a
// handle resolves to.
func (s *Store) AddWallet(w ledger.Wallet) {
	w.Currency = ledger.NormalizeCurrency(w.Currency)
	w.Chain = ledger.NormalizeChain(w.Chain)
	w.Handle = normalizeHandle(w.Handle)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.wallets[w.UserID] = append(s.wallets[w.UserID], w)
	if w.Handle != "" {
		if _, exists := s.handles[w.Handle]; !exists {
			s.handles[w.Handle] = w.UserID
		}
	}
}

// Deposit credits the available book directly. It models funds arriving
// from outside the system.
func (s *Store) Deposit(userID, currency, chain string, amount decimal.Decimal) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.applyLocked(ledger.Posting{
		TxID:     "deposit",
		UserID:   userID,
		Currency: ledger.NormalizeCurrency(currency),
		Chain:    ledger.NormalizeChain(chain),
		Book:     ledger.BookAvailable,
		Delta:    amount,
	})
}

// AddReward records a reward payout.
func (s *Store) AddReward(r ledger.Reward) {
	r.Currency = ledger.NormalizeCurrency(r.Currency)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rewards = append(s.rewards, r)
}

// Postings returns a copy of every posting applied so far.
func (s *Store) Postings() []ledger.Posting {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]ledger.Posting(nil), s.postings...)
}

// TransactionCount reports how many transactions were appended.
func (s *Store) TransactionCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.order)
}

func (s *Store) ReadWallets(ctx context.Context, userID string) ([]ledger.Wallet, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	wallets, ok := s.wallets[userID]
	if !ok {
		return nil, ledger.ErrUserNotFound
	}
	return append([]ledger.Wallet(nil), wallets...), nil
}

func (s *Store) ReadBalances(ctx context.Context, userID string) ([]ledger.Balance, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	wallets, ok := s.wallets[userID]
	if !ok {
		return nil, ledger.ErrUserNotFound
	}
	now := s.now()
	seen := make(map[walletKey]struct{}, len(wallets))
	balances := make([]ledger.Balance, 0, len(wallets))
	for _, w := range wallets {
		key := walletKey{currency: w.Currency, chain: w.Chain}
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		balances = append(balances, ledger.Balance{
			Currency: w.Currency,
			Chain:    w.Chain,
			Amount:   s.books[bookKey{userID, w.Currency, w.Chain, ledger.BookAvailable}],
			AsOf:     now,
		})
	}
	return balances, nil
}

func (s *Store) ReadBalance(ctx context.Context, userID, currency, chain string) (ledger.Balance, error) {
	if err := ctx.Err(); err != nil {
		return ledger.Balance{}, err
	}
	currency = ledger.NormalizeCurrency(currency)
	chain = ledger.NormalizeChain(chain)

	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.hasWalletLocked(userID, currency, chain) {
		if _, ok := s.wallets[userID]; !ok {
			return ledger.Balance{}, ledger.ErrUserNotFound
		}
		return ledger.Balance{}, ledger.ErrWalletNotFound
	}
	return ledger.Balance{
		Currency: currency,
		Chain:    chain,
		Amount:   s.books[bookKey{userID, currency, chain, ledger.BookAvailable}],
		AsOf:     s.now(),
	}, nil
}

func (s *Store) ReadStakePositions(ctx context.Context, userID string) ([]ledger.StakePosition, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.wallets[userID]; !ok {
		return nil, ledger.ErrUserNotFound
	}
	positions := make([]ledger.StakePosition, 0)
	for key, amount := range s.books {
		if key.userID != userID || key.book != ledger.BookStaked || !amount.IsPositive() {
			continue
		}
		positions = append(positions, ledger.StakePosition{
			Currency: key.currency,
			Chain:    key.chain,
			Amount:   amount,
			Since:    s.stakedSince[key],
		})
	}
	sort.Slice(positions, func(i, j int) bool {
		if positions[i].Currency != positions[j].Currency {
			return positions[i].Currency < positions[j].Currency
		}
		return positions[i].Chain < positions[j].Chain
	})
	return positions, nil
}

func (s *Store) ReadHistory(ctx context.Context, filter ledger.HistoryFilter) ([]ledger.Transaction, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.wallets[filter.UserID]; !ok {
		return nil, ledger.ErrUserNotFound
	}
	matched := make([]ledger.Transaction, 0)
	for i := len(s.order) - 1; i >= 0; i-- {
		tx := s.transactions[s.order[i]]
		if filter.Matches(*tx) {
			matched = append(matched, *tx)
		}
	}
	sort.SliceStable(matched, func(i, j int) bool {
		return matched[i].CreatedAt.After(matched[j].CreatedAt)
	})
	return page(matched, filter.Offset, filter.Limit), nil
}

func (s *Store) ReadRewards(ctx context.Context, filter ledger.HistoryFilter) ([]ledger.Reward, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.wallets[filter.UserID]; !ok {
		return nil, ledger.ErrUserNotFound
	}
	matched := make([]ledger.Reward, 0)
	for _, r := range s.rewards {
		if filter.MatchesReward(r) {
			matched = append(matched, r)
		}
	}
	sort.SliceStable(matched, func(i, j int) bool {
		return matched[i].CreatedAt.After(matched[j].CreatedAt)
	})
	return page(matched, filter.Offset, filter.Limit), nil
}

func (s *Store) ReadTransaction(ctx context.Context, id string) (ledger.Transaction, error) {
	if err := ctx.Err(); err != nil {
		return ledger.Transaction{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	tx, ok := s.transactions[id]
	if !ok {
		return ledger.Transaction{}, ledger.ErrTransactionNotFound
	}
	return *tx, nil
}

func (s *Store) ResolveHandle(ctx context.Context, handle string) (ledger.Wallet, error) {
	if err := ctx.Err(); err != nil {
		return ledger.Wallet{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	userID, ok := s.handles[normalizeHandle(handle)]
	if !ok {
		return ledger.Wallet{}, ledger.ErrWalletNotFound
	}
	return s.wallets[userID][0], nil
}

func (s *Store) AppendTransaction(ctx context.Context, tx ledger.Transaction) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	tx.Currency = ledger.NormalizeCurrency(tx.Currency)
	tx.Chain = ledger.NormalizeChain(tx.Chain)
	if err := tx.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.transactions[tx.ID]; exists {
		return xerrors.New(xerrors.CodeConflict, fmt.Sprintf("transaction %s already exists", tx.ID))
	}
	if !s.hasWalletLocked(tx.UserID, tx.Currency, tx.Chain) {
		return ledger.ErrWalletNotFound
	}
	postings := ledger.PostingsOnAppend(tx)
	for _, p := range postings {
		key := bookKey{p.UserID, p.Currency, p.Chain, p.Book}
		if s.books[key].Add(p.Delta).IsNegative() {
			return ledger.ErrInsufficientBalance
		}
	}
	for _, p := range postings {
		s.applyLocked(p)
	}

	now := s.now()
	if tx.CreatedAt.IsZero() {
		tx.CreatedAt = now
	}
	tx.UpdatedAt = tx.CreatedAt
	stored := tx
	s.transactions[tx.ID] = &stored
	s.order = append(s.order, tx.ID)
	return nil
}

func (s *Store) UpdateTransactionStatus(ctx context.Context, id string, status ledger.TxStatus) (ledger.Transaction, error) {
	if err := ctx.Err(); err != nil {
		return ledger.Transaction{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	tx, ok := s.transactions[id]
	if !ok {
		return ledger.Transaction{}, ledger.ErrTransactionNotFound
	}
	if !ledger.CanTransition(tx.Status, status) {
		return ledger.Transaction{}, fmt.Errorf("%w: %s -> %s", ledger.ErrInvalidTransition, tx.Status, status)
	}
	for _, p := range ledger.PostingsOnSettle(*tx, status) {
		s.applyLocked(p)
	}
	tx.Status = status
	tx.UpdatedAt = s.now()
	return *tx, nil
}

func (s *Store) PendingTransactions(ctx context.Context, limit int) ([]ledger.Transaction, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	pending := make([]ledger.Transaction, 0)
	for _, id := range s.order {
		tx := s.transactions[id]
		if tx.Status != ledger.StatusPending {
			continue
		}
		pending = append(pending, *tx)
		if limit > 0 && len(pending) >= limit {
			break
		}
	}
	return pending, nil
}

func (s *Store) hasWalletLocked(userID, currency, chain string) bool {
	for _, w := range s.wallets[userID] {
		if w.Currency == currency && w.Chain == chain {
			return true
		}
	}
	return false
}

func (s *Store) applyLocked(p ledger.Posting) {
	key := bookKey{p.UserID, p.Currency, p.Chain, p.Book}
	before := s.books[key]
	after := before.Add(p.Delta)
	s.books[key] = after
	if p.Book == ledger.BookStaked {
		switch {
		case !before.IsPositive() && after.IsPositive():
			s.stakedSince[key] = s.now()
		case !after.IsPositive():
			delete(s.stakedSince, key)
		}
	}
	s.postings = append(s.postings, p)
}

func normalizeHandle(handle string) string {
	return strings.ToLower(strings.TrimPrefix(strings.TrimSpace(handle), "@"))
}

func page[T any](items []T, offset, limit int) []T {
	if offset < 0 {
		offset = 0
	}
	if offset >= len(items) {
		return []T{}
	}
	items = items[offset:]
	if limit > 0 && limit < len(items) {
		items = items[:limit]
	}
	return items
}

var _ ledger.Store = (*Store)(nil)

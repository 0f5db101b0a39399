package query

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"VibeGuard/internal/chain"
	xerrors "VibeGuard/internal/errors"
	"VibeGuard/internal/ledger"
	"VibeGuard/internal/ledger/memledger"
	"VibeGuard/internal/policy"
	"VibeGuard/internal/web3"
)

var start = time.Date(2026, 6, 1, 9, 0, 0, 0, time.UTC)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type countingOracle struct {
	mu    sync.Mutex
	calls int
}

func (o *countingOracle) EstimateFee(_ context.Context, chainName, currency string, typ ledger.TxType) (web3.Fee, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.calls++
	if typ == ledger.TxPaymentRequest {
		return web3.Fee{Amount: decimal.Zero, Currency: ledger.NormalizeCurrency(currency)}, nil
	}
	return web3.Fee{Amount: decimal.RequireFromString("1.5"), Currency: ledger.NormalizeCurrency(currency), EtaSeconds: 30, Source: "test"}, nil
}

type fixture struct {
	svc    *Service
	clock  *fakeClock
	ledger *memledger.Store
	fees   *countingOracle
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{clock: &fakeClock{t: start}, fees: &countingOracle{}}
	f.ledger = memledger.New(memledger.WithClock(f.clock.Now))
	f.ledger.AddWallet(ledger.Wallet{UserID: "alice", Handle: "alice", Currency: "USDC", Chain: "ethereum", Address: "0x52908400098527886E0F7030069857D2E4169EE7"})
	f.ledger.AddWallet(ledger.Wallet{UserID: "alice", Handle: "alice", Currency: "VIBE", Chain: "ethereum", Address: "0x52908400098527886E0F7030069857D2E4169EE7"})
	f.ledger.AddWallet(ledger.Wallet{UserID: "bob", Handle: "bob", Currency: "USDC", Chain: "ethereum", Address: "0x8617E340B3D01FA5F11F306F4090FD50E238070D"})
	f.ledger.Deposit("alice", "USDC", "ethereum", decimal.NewFromInt(1000))
	f.ledger.Deposit("alice", "VIBE", "ethereum", decimal.NewFromInt(500000))

	svc, err := NewService(Dependencies{
		Ledger:   f.ledger,
		Fees:     f.fees,
		Policy:   policy.NewHolder(policy.Default()),
		Resolver: chain.DefaultResolver(),
		Now:      f.clock.Now,
	}, Config{})
	require.NoError(t, err)
	f.svc = svc
	return f
}

func (f *fixture) appendTx(t *testing.T, id string, typ ledger.TxType, currency, amount string, confirm bool) {
	t.Helper()
	ctx := context.Background()
	tx := ledger.Transaction{
		ID:          id,
		UserID:      "alice",
		Type:        typ,
		Currency:    currency,
		Chain:       "ethereum",
		Amount:      decimal.RequireFromString(amount),
		Destination: "@bob",
		Status:      ledger.StatusPending,
		CreatedAt:   f.clock.Now(),
	}
	require.NoError(t, f.ledger.AppendTransaction(ctx, tx))
	if confirm {
		_, err := f.ledger.UpdateTransactionStatus(ctx, id, ledger.StatusConfirmed)
		require.NoError(t, err)
	}
}

func TestGetBalancesAndUnknownUser(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	balances, err := f.svc.GetBalances(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, balances, 2)

	_, err = f.svc.GetBalances(ctx, "mallory")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Equal(t, xerrors.CodeNotFound, xerrors.CodeOf(err))
	assert.Equal(t, 404, xerrors.HTTPStatus(err))
}

func TestTransactionHistoryPaging(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		f.appendTx(t, fmt.Sprintf("tx-%d", i), ledger.TxSend, "USDC", "1", false)
		f.clock.Advance(time.Minute)
	}
	f.appendTx(t, "tx-stake", ledger.TxStake, "VIBE", "10", false)

	page, err := f.svc.GetTransactionHistory(ctx, "alice", HistoryQuery{Limit: 2, Types: []ledger.TxType{ledger.TxSend}})
	require.NoError(t, err)
	require.Len(t, page.Items, 2)
	assert.Equal(t, "tx-4", page.Items[0].ID)
	assert.Equal(t, "tx-3", page.Items[1].ID)
	require.NotEmpty(t, page.NextCursor)

	page, err = f.svc.GetTransactionHistory(ctx, "alice", HistoryQuery{Limit: 2, Types: []ledger.TxType{ledger.TxSend}, Cursor: page.NextCursor})
	require.NoError(t, err)
	assert.Equal(t, "tx-2", page.Items[0].ID)

	page, err = f.svc.GetTransactionHistory(ctx, "alice", HistoryQuery{Limit: 2, Types: []ledger.TxType{ledger.TxSend}, Cursor: page.NextCursor})
	require.NoError(t, err)
	require.Len(t, page.Items, 1)
	assert.Equal(t, "tx-0", page.Items[0].ID)
	assert.Empty(t, page.NextCursor)

	page, err = f.svc.GetTransactionHistory(ctx, "alice", HistoryQuery{Currency: "vibe"})
	require.NoError(t, err)
	require.Len(t, page.Items, 1)
	assert.Equal(t, "tx-stake", page.Items[0].ID)

	page, err = f.svc.GetTransactionHistory(ctx, "bob", HistoryQuery{})
	require.NoError(t, err)
	assert.NotNil(t, page.Items)
	assert.Empty(t, page.Items)
}

func TestHistoryQueryValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	cases := map[string]HistoryQuery{
		"negative limit":  {Limit: -1},
		"limit too large": {Limit: MaxPageSize + 1},
		"bad cursor":      {Cursor: "%%%"},
		"foreign cursor":  {Cursor: "aGVsbG8"},
		"unknown type":    {Types: []ledger.TxType{"mint"}},
		"inverted range":  {Since: start.Add(time.Hour), Until: start},
	}
	for name, q := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := f.svc.GetTransactionHistory(ctx, "alice", q)
			assert.ErrorIs(t, err, ErrInvalidQuery)
			assert.Equal(t, 400, xerrors.HTTPStatus(err))
		})
	}

	_, err := f.svc.GetTransactionHistory(ctx, "mallory", HistoryQuery{})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRewardHistory(t *testing.T) {
	f := newFixture(t)
	for i := 0; i < 3; i++ {
		f.ledger.AddReward(ledger.Reward{
			ID: fmt.Sprintf("r-%d", i), UserID: "alice", Currency: "VIBE",
			Amount: decimal.NewFromInt(int64(i + 1)), Source: "content", Multiplier: decimal.NewFromInt(1),
			CreatedAt: start.Add(time.Duration(i) * time.Hour),
		})
	}
	page, err := f.svc.GetRewardHistory(context.Background(), "alice", HistoryQuery{Since: start.Add(30 * time.Minute)})
	require.NoError(t, err)
	require.Len(t, page.Items, 2)
	assert.Equal(t, "r-2", page.Items[0].ID)
}

func TestResolveHandleAndGetTransaction(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	wallet, err := f.svc.ResolveHandle(ctx, "@Bob")
	require.NoError(t, err)
	assert.Equal(t, "bob", wallet.UserID)

	_, err = f.svc.ResolveHandle(ctx, "@nobody")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = f.svc.ResolveHandle(ctx, "@")
	assert.ErrorIs(t, err, ErrInvalidQuery)

	f.appendTx(t, "tx-1", ledger.TxSend, "USDC", "5", false)
	tx, err := f.svc.GetTransaction(ctx, "alice", "tx-1")
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusPending, tx.Status)
	_, err = f.svc.GetTransaction(ctx, "bob", "tx-1")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = f.svc.GetTransaction(ctx, "alice", "tx-404")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestEstimateTransaction(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	in := EstimateParams{UserID: "alice", Type: ledger.TxSend, Currency: "USDC", Chain: "ethereum", Amount: decimal.NewFromInt(100), Destination: "@bob"}

	est, err := f.svc.EstimateTransaction(ctx, in)
	require.NoError(t, err)
	assert.True(t, est.Fee.Equal(decimal.RequireFromString("1.5")))
	assert.True(t, est.Total.Equal(decimal.RequireFromString("101.5")))
	assert.True(t, est.SufficientFunds)
	assert.Equal(t, 2, est.Tier)
	assert.Equal(t, []policy.Method{policy.MethodSMSPin}, est.RequiredMethods)
	assert.Equal(t, start.Add(time.Minute), est.ValidUntil)
	assert.Equal(t, "@bob", est.Params.Destination)

	f.clock.Advance(30 * time.Second)
	in.Amount = decimal.RequireFromString("100.00")
	again, err := f.svc.EstimateTransaction(ctx, in)
	require.NoError(t, err)
	assert.Equal(t, est, again)
	assert.Equal(t, 1, f.fees.calls)

	f.clock.Advance(31 * time.Second)
	fresh, err := f.svc.EstimateTransaction(ctx, in)
	require.NoError(t, err)
	assert.NotEqual(t, est.QuoteID, fresh.QuoteID)
	assert.Equal(t, 2, f.fees.calls)

	big, err := f.svc.EstimateTransaction(ctx, EstimateParams{UserID: "alice", Type: ledger.TxSend, Currency: "USDC", Chain: "ethereum", Amount: decimal.NewFromInt(5000), Destination: "@bob"})
	require.NoError(t, err)
	assert.False(t, big.SufficientFunds)
	assert.Equal(t, 3, big.Tier)

	noWallet, err := f.svc.EstimateTransaction(ctx, EstimateParams{UserID: "bob", Type: ledger.TxStake, Currency: "VIBE", Chain: "ethereum", Amount: decimal.NewFromInt(10)})
	require.NoError(t, err)
	assert.False(t, noWallet.SufficientFunds)
	assert.True(t, noWallet.Available.IsZero())

	_, err = f.svc.EstimateTransaction(ctx, EstimateParams{UserID: "alice", Type: ledger.TxSend, Currency: "USDC", Chain: "solana", Amount: decimal.NewFromInt(1), Destination: "@bob"})
	assert.ErrorIs(t, err, ErrInvalidQuery)
	_, err = f.svc.EstimateTransaction(ctx, EstimateParams{UserID: "mallory", Type: ledger.TxSend, Currency: "USDC", Chain: "ethereum", Amount: decimal.NewFromInt(1), Destination: "@bob"})
	assert.ErrorIs(t, err, ErrNotFound)

	assert.Equal(t, 0, f.ledger.TransactionCount())
	balance, err := f.ledger.ReadBalance(ctx, "alice", "USDC", "ethereum")
	require.NoError(t, err)
	assert.True(t, balance.Amount.Equal(decimal.NewFromInt(1000)))
}

func TestEstimateUnstakeUsesStakedBook(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.appendTx(t, "stake-1", ledger.TxStake, "VIBE", "100", true)

	est, err := f.svc.EstimateTransaction(ctx, EstimateParams{UserID: "alice", Type: ledger.TxUnstake, Currency: "VIBE", Chain: "ethereum", Amount: decimal.NewFromInt(50)})
	require.NoError(t, err)
	assert.True(t, est.SufficientFunds)
	assert.True(t, est.Available.Equal(decimal.NewFromInt(100)))
	assert.True(t, est.Total.Equal(decimal.NewFromInt(50)))

	est, err = f.svc.EstimateTransaction(ctx, EstimateParams{UserID: "alice", Type: ledger.TxUnstake, Currency: "VIBE", Chain: "ethereum", Amount: decimal.NewFromInt(150)})
	require.NoError(t, err)
	assert.False(t, est.SufficientFunds)
}

func TestMultiplierBreakdown(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	empty, err := f.svc.GetMultiplierBreakdown(ctx, "alice")
	require.NoError(t, err)
	assert.True(t, empty.Total.Equal(decimal.NewFromInt(1)))
	require.Len(t, empty.Components, 2)

	f.appendTx(t, "stake-1", ledger.TxStake, "VIBE", "300000", true)
	f.clock.Advance(40 * 24 * time.Hour)

	got, err := f.svc.GetMultiplierBreakdown(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, 40, got.LockDays)
	assert.True(t, got.StakedUSD.Equal(decimal.NewFromInt(15000)))
	assert.True(t, got.Components[0].Value.Equal(decimal.RequireFromString("0.1")))
	assert.True(t, got.Components[1].Value.Equal(decimal.RequireFromString("0.15")))
	assert.True(t, got.Total.Equal(decimal.RequireFromString("1.25")))

	sum := got.Base
	for _, c := range got.Components {
		sum = sum.Add(c.Value)
	}
	assert.True(t, sum.Equal(got.Total))

	_, err = f.svc.GetMultiplierBreakdown(ctx, "mallory")
	assert.ErrorIs(t, err, ErrNotFound)
}

type ledgerSnapshot struct {
	postings     []ledger.Posting
	balances     map[string][]ledger.Balance
	transactions []ledger.Transaction
	txCount      int
}

func (f *fixture) snapshot(t *testing.T) ledgerSnapshot {
	t.Helper()
	ctx := context.Background()
	snap := ledgerSnapshot{
		postings: f.ledger.Postings(),
		balances: make(map[string][]ledger.Balance),
		txCount:  f.ledger.TransactionCount(),
	}
	for _, user := range []string{"alice", "bob"} {
		balances, err := f.ledger.ReadBalances(ctx, user)
		require.NoError(t, err)
		snap.balances[user] = balances
	}
	txs, err := f.ledger.ReadHistory(ctx, ledger.HistoryFilter{UserID: "alice"})
	require.NoError(t, err)
	snap.transactions = txs
	return snap
}

func TestQueriesLeaveLedgerUntouched(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.appendTx(t, "tx-1", ledger.TxSend, "USDC", "5", true)
	f.appendTx(t, "stake-1", ledger.TxStake, "VIBE", "1000", true)
	f.appendTx(t, "tx-2", ledger.TxSend, "USDC", "7", false)
	f.ledger.AddReward(ledger.Reward{ID: "r-1", UserID: "alice", Currency: "VIBE", Amount: decimal.NewFromInt(3), Source: "content", Multiplier: decimal.NewFromInt(1), CreatedAt: start})

	before := f.snapshot(t)

	_, err := f.svc.GetBalances(ctx, "alice")
	require.NoError(t, err)
	_, err = f.svc.GetTransactionHistory(ctx, "alice", HistoryQuery{Limit: 2})
	require.NoError(t, err)
	_, err = f.svc.GetRewardHistory(ctx, "alice", HistoryQuery{})
	require.NoError(t, err)
	_, err = f.svc.GetTransaction(ctx, "alice", "tx-2")
	require.NoError(t, err)
	_, err = f.svc.ResolveHandle(ctx, "@bob")
	require.NoError(t, err)
	_, err = f.svc.GetStakePositions(ctx, "alice")
	require.NoError(t, err)
	_, err = f.svc.GetMultiplierBreakdown(ctx, "alice")
	require.NoError(t, err)
	_, err = f.svc.EstimateTransaction(ctx, EstimateParams{UserID: "alice", Type: ledger.TxSend, Currency: "USDC", Chain: "ethereum", Amount: decimal.NewFromInt(10), Destination: "@bob"})
	require.NoError(t, err)
	_, err = f.svc.EstimateTransaction(ctx, EstimateParams{UserID: "alice", Type: ledger.TxUnstake, Currency: "VIBE", Chain: "ethereum", Amount: decimal.NewFromInt(10)})
	require.NoError(t, err)

	// 失败路径同样不能留下痕迹。
	_, err = f.svc.GetTransaction(ctx, "bob", "tx-1")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = f.svc.EstimateTransaction(ctx, EstimateParams{UserID: "alice", Type: ledger.TxSend, Currency: "USDC", Chain: "ethereum", Amount: decimal.NewFromInt(99999), Destination: "@bob"})
	require.NoError(t, err)

	assert.Equal(t, before, f.snapshot(t))
}

func TestQuoteCacheIsBounded(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.svc.quoteLimit = 8

	var first Estimate
	for i := 1; i <= 50; i++ {
		est, err := f.svc.EstimateTransaction(ctx, EstimateParams{UserID: "alice", Type: ledger.TxSend, Currency: "USDC", Chain: "ethereum", Amount: decimal.NewFromInt(int64(i)), Destination: "@bob"})
		require.NoError(t, err)
		if i == 1 {
			first = est
		}
		assert.LessOrEqual(t, f.svc.quoteCacheLen(), 8)
	}
	assert.Equal(t, 8, f.svc.quoteCacheLen())

	// 最旧的报价已被淘汰，重新估算会得到新的 quote。
	again, err := f.svc.EstimateTransaction(ctx, EstimateParams{UserID: "alice", Type: ledger.TxSend, Currency: "USDC", Chain: "ethereum", Amount: decimal.NewFromInt(1), Destination: "@bob"})
	require.NoError(t, err)
	assert.NotEqual(t, first.QuoteID, again.QuoteID)

	// 最新的报价仍然命中缓存。
	calls := f.fees.calls
	_, err = f.svc.EstimateTransaction(ctx, EstimateParams{UserID: "alice", Type: ledger.TxSend, Currency: "USDC", Chain: "ethereum", Amount: decimal.NewFromInt(50), Destination: "@bob"})
	require.NoError(t, err)
	assert.Equal(t, calls, f.fees.calls)

	f.clock.Advance(2 * time.Minute)
	_, err = f.svc.EstimateTransaction(ctx, EstimateParams{UserID: "alice", Type: ledger.TxSend, Currency: "USDC", Chain: "ethereum", Amount: decimal.NewFromInt(7), Destination: "@bob"})
	require.NoError(t, err)
	assert.Equal(t, 1, f.svc.quoteCacheLen())
}

// Package agentsafe is the only surface AI-facing code may link against.
// It exposes the read-only query service and nothing that can move funds:
// no verification, no tokens, no ledger writer.
package agentsafe

import (
	"context"
	"database/sql"
	"fmt"

	"VibeGuard/internal/chain"
	"VibeGuard/internal/ledger"
	"VibeGuard/internal/policy"
	"VibeGuard/internal/query"
	"VibeGuard/internal/storage/mysql"
	"VibeGuard/internal/web3"
)

// Read-only types shared with the query service.
type (
	Wallet              = ledger.Wallet
	Balance             = ledger.Balance
	Transaction         = ledger.Transaction
	Reward              = ledger.Reward
	StakePosition       = ledger.StakePosition
	TxType              = ledger.TxType
	HistoryQuery        = query.HistoryQuery
	TransactionPage     = query.Page[ledger.Transaction]
	RewardPage          = query.Page[ledger.Reward]
	MultiplierBreakdown = query.MultiplierBreakdown
	EstimateParams      = query.EstimateParams
	Estimate            = query.Estimate
	Config              = query.Config
	MySQLConfig         = mysql.Config
)

// QueryService is everything an agent can ask.
type QueryService interface {
	GetBalances(ctx context.Context, userID string) ([]Balance, error)
	GetTransactionHistory(ctx context.Context, userID string, q HistoryQuery) (TransactionPage, error)
	GetRewardHistory(ctx context.Context, userID string, q HistoryQuery) (RewardPage, error)
	GetTransaction(ctx context.Context, userID, id string) (Transaction, error)
	ResolveHandle(ctx context.Context, handle string) (Wallet, error)
	GetStakePositions(ctx context.Context, userID string) ([]StakePosition, error)
	GetMultiplierBreakdown(ctx context.Context, userID string) (MultiplierBreakdown, error)
	EstimateTransaction(ctx context.Context, in EstimateParams) (Estimate, error)
}

// Dependencies 只接受只读账本视图。
type Dependencies struct {
	Ledger   ledger.Reader
	Fees     web3.FeeOracle
	Policy   *policy.Holder
	Resolver *chain.Resolver
}

// NewQueryService builds the query service over read-only dependencies.
func NewQueryService(deps Dependencies, cfg Config) (QueryService, error) {
	svc, err := query.NewService(query.Dependencies{
		Ledger:   deps.Ledger,
		Fees:     deps.Fees,
		Policy:   deps.Policy,
		Resolver: deps.Resolver,
	}, cfg)
	if err != nil {
		return nil, err
	}
	return svc, nil
}

// ReadOnlyLedger 是只读连接池上的账本视图。
type ReadOnlyLedger struct {
	ledger.Reader
	DB *sql.DB
}

// Close releases the pool.
func (l *ReadOnlyLedger) Close() error {
	if l == nil || l.DB == nil {
		return nil
	}
	return l.DB.Close()
}

// OpenReadOnlyLedger opens MySQL with transaction_read_only forced on every
// session, so even a mistaken write is refused by the server.
func OpenReadOnlyLedger(ctx context.Context, cfg MySQLConfig) (*ReadOnlyLedger, error) {
	cfg.Migrate = false
	db, err := mysql.OpenReadOnly(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("打开只读账本失败: %w", err)
	}
	return &ReadOnlyLedger{Reader: mysql.NewLedgerReader(db), DB: db}, nil
}

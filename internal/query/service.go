package query

import (
	"container/list"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"VibeGuard/internal/chain"
	"VibeGuard/internal/ledger"
	"VibeGuard/internal/policy"
	"VibeGuard/internal/web3"
	"VibeGuard/pkg/logger"
)

// Config 是查询服务的可调参数。
type Config struct {
	// QuoteTTL is how long an estimate is served unchanged for identical input.
	QuoteTTL time.Duration `yaml:"quote_ttl"`
}

// Dependencies wires the service.
type Dependencies struct {
	Ledger   ledger.Reader
	Fees     web3.FeeOracle
	Policy   *policy.Holder
	Resolver *chain.Resolver
	Now      func() time.Time
}

// Service 只持有只读依赖。
type Service struct {
	deps Dependencies
	cfg  Config
	now  func() time.Time
	log  *slog.Logger

	mu         sync.Mutex
	quotes     map[string]*list.Element
	quoteOrder *list.List
	quoteLimit int
}

// NewService validates deps; QuoteTTL defaults to one minute.
func NewService(deps Dependencies, cfg Config) (*Service, error) {
	switch {
	case deps.Ledger == nil:
		return nil, errors.New("query: ledger reader is required")
	case deps.Fees == nil:
		return nil, errors.New("query: fee oracle is required")
	case deps.Policy == nil:
		return nil, errors.New("query: policy is required")
	case deps.Resolver == nil:
		return nil, errors.New("query: chain resolver is required")
	}
	if cfg.QuoteTTL <= 0 {
		cfg.QuoteTTL = time.Minute
	}
	now := deps.Now
	if now == nil {
		now = time.Now
	}
	return &Service{
		deps:   deps,
		cfg:    cfg,
		now:    now,
		log:    logger.Named("query"),
		quotes:     make(map[string]*list.Element),
		quoteOrder: list.New(),
		quoteLimit: quoteCacheLimit,
	}, nil
}

// GetBalances returns the available balance of every wallet of the user.
func (s *Service) GetBalances(ctx context.Context, userID string) ([]ledger.Balance, error) {
	balances, err := s.deps.Ledger.ReadBalances(ctx, strings.TrimSpace(userID))
	if err != nil {
		return nil, notFound(err)
	}
	return balances, nil
}

// GetTransactionHistory lists transactions newest first.
func (s *Service) GetTransactionHistory(ctx context.Context, userID string, q HistoryQuery) (Page[ledger.Transaction], error) {
	filter, limit, err := q.filter(strings.TrimSpace(userID))
	if err != nil {
		return Page[ledger.Transaction]{}, err
	}
	items, err := s.deps.Ledger.ReadHistory(ctx, filter)
	if err != nil {
		return Page[ledger.Transaction]{}, notFound(err)
	}
	return paginate(items, filter.Offset, limit), nil
}

// GetRewardHistory lists reward payouts newest first. Types is ignored.
func (s *Service) GetRewardHistory(ctx context.Context, userID string, q HistoryQuery) (Page[ledger.Reward], error) {
	filter, limit, err := q.filter(strings.TrimSpace(userID))
	if err != nil {
		return Page[ledger.Reward]{}, err
	}
	items, err := s.deps.Ledger.ReadRewards(ctx, filter)
	if err != nil {
		return Page[ledger.Reward]{}, notFound(err)
	}
	return paginate(items, filter.Offset, limit), nil
}

// GetTransaction returns one of the user's own transactions. Transactions
// of other users are reported as not found.
func (s *Service) GetTransaction(ctx context.Context, userID, id string) (ledger.Transaction, error) {
	tx, err := s.deps.Ledger.ReadTransaction(ctx, strings.TrimSpace(id))
	if err != nil {
		return ledger.Transaction{}, notFound(err)
	}
	if tx.UserID != strings.TrimSpace(userID) {
		return ledger.Transaction{}, fmt.Errorf("%w: transaction %s", ErrNotFound, id)
	}
	return tx, nil
}

// ResolveHandle maps an in-app handle to its wallet.
func (s *Service) ResolveHandle(ctx context.Context, handle string) (ledger.Wallet, error) {
	normalized, err := chain.NormalizeHandle(handle)
	if err != nil {
		return ledger.Wallet{}, fmt.Errorf("%w: %v", ErrInvalidQuery, err)
	}
	wallet, err := s.deps.Ledger.ResolveHandle(ctx, normalized)
	if err != nil {
		return ledger.Wallet{}, notFound(err)
	}
	return wallet, nil
}

// GetStakePositions returns the staked book of every currency.
func (s *Service) GetStakePositions(ctx context.Context, userID string) ([]ledger.StakePosition, error) {
	positions, err := s.deps.Ledger.ReadStakePositions(ctx, strings.TrimSpace(userID))
	if err != nil {
		return nil, notFound(err)
	}
	return positions, nil
}

// MultiplierComponent is one additive part of the reward multiplier.
type MultiplierComponent struct {
	Name      string          `json:"name"`
	Value     decimal.Decimal `json:"value"`
	Threshold string          `json:"threshold,omitempty"`
}

// MultiplierBreakdown explains how the reward multiplier is composed.
// Total always equals Base plus the sum of Components.
type MultiplierBreakdown struct {
	Base       decimal.Decimal       `json:"base"`
	Components []MultiplierComponent `json:"components"`
	Total      decimal.Decimal       `json:"total"`
	StakedUSD  decimal.Decimal       `json:"staked_usd"`
	LockDays   int                   `json:"lock_days"`
}

// GetMultiplierBreakdown applies the policy multiplier table to the user's
// stake positions. The lock bonus uses the longest held position.
func (s *Service) GetMultiplierBreakdown(ctx context.Context, userID string) (MultiplierBreakdown, error) {
	positions, err := s.GetStakePositions(ctx, userID)
	if err != nil {
		return MultiplierBreakdown{}, err
	}
	p := s.deps.Policy.Current()
	now := s.now()

	stakedUSD := decimal.Zero
	lockDays := 0
	for _, pos := range positions {
		if usd, ok := p.USDValue(pos.Amount, pos.Currency); ok {
			stakedUSD = stakedUSD.Add(usd)
		}
		if !pos.Since.IsZero() {
			if days := int(now.Sub(pos.Since) / (24 * time.Hour)); days > lockDays {
				lockDays = days
			}
		}
	}

	lock := MultiplierComponent{Name: "lock_duration", Value: decimal.Zero}
	for _, b := range p.Multipliers.LockDuration {
		if lockDays >= b.MinDays {
			lock.Value = b.Bonus
			lock.Threshold = fmt.Sprintf("%d days", b.MinDays)
		}
	}
	volume := MultiplierComponent{Name: "stake_volume", Value: decimal.Zero}
	for _, b := range p.Multipliers.Volume {
		if stakedUSD.GreaterThanOrEqual(b.MinAmountUSD) {
			volume.Value = b.Bonus
			volume.Threshold = b.MinAmountUSD.String() + " USD"
		}
	}

	breakdown := MultiplierBreakdown{
		Base:       p.Multipliers.Base,
		Components: []MultiplierComponent{lock, volume},
		StakedUSD:  stakedUSD,
		LockDays:   lockDays,
	}
	breakdown.Total = breakdown.Base
	for _, c := range breakdown.Components {
		breakdown.Total = breakdown.Total.Add(c.Value)
	}
	return breakdown, nil
}

func notFound(err error) error {
	if errors.Is(err, ledger.ErrUserNotFound) ||
		errors.Is(err, ledger.ErrWalletNotFound) ||
		errors.Is(err, ledger.ErrTransactionNotFound) {
		return fmt.Errorf("%w: %v", ErrNotFound, err)
	}
	return err
}

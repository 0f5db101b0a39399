package query

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"VibeGuard/internal/ledger"
	"VibeGuard/internal/policy"
	"VibeGuard/internal/txparams"
)

// EstimateParams describes a prospective transaction.
type EstimateParams struct {
	UserID      string          `json:"user_id"`
	Type        ledger.TxType   `json:"type"`
	Currency    string          `json:"currency"`
	Chain       string          `json:"chain"`
	Amount      decimal.Decimal `json:"amount"`
	Destination string          `json:"destination,omitempty"`
}

// Estimate 是一次只读报价。资金不足以字段形式返回而不是错误。
type Estimate struct {
	QuoteID         string                `json:"quote_id"`
	Params          txparams.LockedParams `json:"params"`
	Fee             decimal.Decimal       `json:"fee"`
	FeeCurrency     string                `json:"fee_currency"`
	EtaSeconds      int                   `json:"eta_seconds"`
	Total           decimal.Decimal       `json:"total"`
	Available       decimal.Decimal       `json:"available"`
	SufficientFunds bool                  `json:"sufficient_funds"`
	Tier            int                   `json:"tier"`
	RequiredMethods []policy.Method       `json:"required_methods"`
	ValidUntil      time.Time             `json:"valid_until"`
}

type cachedQuote struct {
	key      string
	estimate Estimate
}

// 报价缓存的硬上限。所有报价共用同一个 TTL，插入顺序即过期顺序，
// 满了就从最旧的一端淘汰。
const quoteCacheLimit = 1024

// EstimateTransaction quotes fee, eta and required verification tier.
// Identical input within the quote window returns the identical estimate.
func (s *Service) EstimateTransaction(ctx context.Context, in EstimateParams) (Estimate, error) {
	locked, err := txparams.LockedParams{
		Type:        in.Type,
		Currency:    in.Currency,
		Chain:       in.Chain,
		Amount:      in.Amount,
		Destination: in.Destination,
		UserID:      in.UserID,
	}.Normalize(s.deps.Resolver)
	if err != nil {
		return Estimate{}, fmt.Errorf("%w: %v", ErrInvalidQuery, err)
	}
	key := locked.Hash()
	now := s.now()
	if cached, ok := s.cachedQuote(key, now); ok {
		return cached, nil
	}

	fee, err := s.deps.Fees.EstimateFee(ctx, locked.Chain, locked.Currency, locked.Type)
	if err != nil {
		return Estimate{}, err
	}
	available, sufficient, err := s.funds(ctx, locked, fee.Amount)
	if err != nil {
		return Estimate{}, err
	}
	tier := s.deps.Policy.Current().TierFor(locked.Type, locked.Amount, locked.Currency)

	total := locked.Amount
	if locked.Type == ledger.TxSend || locked.Type == ledger.TxStake {
		total = total.Add(fee.Amount)
	}
	est := Estimate{
		QuoteID:         uuid.NewString(),
		Params:          locked,
		Fee:             fee.Amount,
		FeeCurrency:     fee.Currency,
		EtaSeconds:      fee.EtaSeconds,
		Total:           total,
		Available:       available,
		SufficientFunds: sufficient,
		Tier:            tier.Tier,
		RequiredMethods: append([]policy.Method(nil), tier.RequiredMethods...),
		ValidUntil:      now.Add(s.cfg.QuoteTTL),
	}
	s.storeQuote(key, est, now)
	s.log.Debug("estimate issued",
		slog.String("quote_id", est.QuoteID),
		slog.String("user_id", locked.UserID),
		slog.String("type", string(locked.Type)),
		slog.Int("tier", est.Tier),
	)
	return cloneEstimate(est), nil
}

// funds returns the book the transaction draws from and whether it covers
// the debit. Unstake draws from the staked book and must exceed its fee.
func (s *Service) funds(ctx context.Context, p txparams.LockedParams, fee decimal.Decimal) (decimal.Decimal, bool, error) {
	currency := ledger.NormalizeCurrency(p.Currency)
	chainName := ledger.NormalizeChain(p.Chain)
	if p.Type == ledger.TxUnstake {
		positions, err := s.deps.Ledger.ReadStakePositions(ctx, p.UserID)
		if err != nil {
			return decimal.Zero, false, notFound(err)
		}
		staked := decimal.Zero
		for _, pos := range positions {
			if pos.Currency == currency && pos.Chain == chainName {
				staked = staked.Add(pos.Amount)
			}
		}
		return staked, staked.GreaterThanOrEqual(p.Amount) && p.Amount.GreaterThan(fee), nil
	}

	balance, err := s.deps.Ledger.ReadBalance(ctx, p.UserID, currency, chainName)
	switch {
	case errors.Is(err, ledger.ErrWalletNotFound):
		return decimal.Zero, false, nil
	case err != nil:
		return decimal.Zero, false, notFound(err)
	}
	if p.Type == ledger.TxPaymentRequest {
		return balance.Amount, true, nil
	}
	return balance.Amount, balance.Amount.GreaterThanOrEqual(p.Amount.Add(fee)), nil
}

func (s *Service) cachedQuote(key string, now time.Time) (Estimate, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	elem, ok := s.quotes[key]
	if !ok {
		return Estimate{}, false
	}
	cached := elem.Value.(cachedQuote)
	if now.After(cached.estimate.ValidUntil) {
		return Estimate{}, false
	}
	return cloneEstimate(cached.estimate), true
}

func (s *Service) storeQuote(key string, est Estimate, now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if elem, ok := s.quotes[key]; ok {
		s.quoteOrder.Remove(elem)
		delete(s.quotes, key)
	}
	// 先丢弃队首已过期的报价，仍然满则淘汰最旧的一条。
	for front := s.quoteOrder.Front(); front != nil; front = s.quoteOrder.Front() {
		q := front.Value.(cachedQuote)
		if !now.After(q.estimate.ValidUntil) && s.quoteOrder.Len() < s.quoteLimit {
			break
		}
		s.quoteOrder.Remove(front)
		delete(s.quotes, q.key)
	}
	s.quotes[key] = s.quoteOrder.PushBack(cachedQuote{key: key, estimate: cloneEstimate(est)})
}

func (s *Service) quoteCacheLen() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.quotes)
}

func cloneEstimate(est Estimate) Estimate {
	est.RequiredMethods = append([]policy.Method(nil), est.RequiredMethods...)
	return est
}

package web3

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/shopspring/decimal"

	xerrors "VibeGuard/internal/errors"
	"VibeGuard/internal/ledger"
)

// Fee is a quoted network or service fee, charged in Currency.
type Fee struct {
	Amount     decimal.Decimal `json:"amount"`
	Currency   string          `json:"currency"`
	EtaSeconds int             `json:"eta_seconds"`
	Source     string          `json:"source"`
}

// FeeOracle quotes the fee for one transaction type on a chain. Quotes are
// advisory; the fee is re-quoted at execution.
type FeeOracle interface {
	EstimateFee(ctx context.Context, chain, currency string, typ ledger.TxType) (Fee, error)
}

// FeeOracleFunc adapts a function to FeeOracle.
type FeeOracleFunc func(ctx context.Context, chain, currency string, typ ledger.TxType) (Fee, error)

// EstimateFee implements FeeOracle.
func (f FeeOracleFunc) EstimateFee(ctx context.Context, chain, currency string, typ ledger.TxType) (Fee, error) {
	return f(ctx, chain, currency, typ)
}

const CodeFeeUnavailable xerrors.Code = "FEE_UNAVAILABLE"

// ErrFeeUnavailable 表示该链/币种没有可用的费率。
var ErrFeeUnavailable = xerrors.New(CodeFeeUnavailable, "no fee quote available")

func init() {
	xerrors.Register(CodeFeeUnavailable, xerrors.Attributes{
		Message:    "no fee quote available",
		Severity:   xerrors.SeverityWarning,
		Retryable:  true,
		HTTPStatus: http.StatusServiceUnavailable,
	})
}

type staticChain struct {
	fees     map[string]decimal.Decimal
	stakeFee decimal.Decimal
	eta      int
}

// StaticFeeOracle quotes flat fees from the chain definitions.
type StaticFeeOracle struct {
	chains map[string]staticChain
}

// NewStaticFeeOracle parses the fee tables of defs.
func NewStaticFeeOracle(defs ChainDefinitions) (*StaticFeeOracle, error) {
	o := &StaticFeeOracle{chains: make(map[string]staticChain, len(defs.Chains))}
	for name, def := range defs.Chains {
		c := staticChain{fees: make(map[string]decimal.Decimal, len(def.Fees)), eta: def.EtaSeconds}
		for currency, raw := range def.Fees {
			fee, err := parseFee(raw)
			if err != nil {
				return nil, fmt.Errorf("chain %s fee for %s: %w", name, currency, err)
			}
			c.fees[ledger.NormalizeCurrency(currency)] = fee
		}
		if def.StakeFee != "" {
			fee, err := parseFee(def.StakeFee)
			if err != nil {
				return nil, fmt.Errorf("chain %s stake fee: %w", name, err)
			}
			c.stakeFee = fee
		}
		o.chains[ledger.NormalizeChain(name)] = c
	}
	return o, nil
}

func parseFee(raw string) (decimal.Decimal, error) {
	fee, err := decimal.NewFromString(strings.TrimSpace(raw))
	if err != nil {
		return decimal.Zero, err
	}
	if fee.IsNegative() {
		return decimal.Zero, fmt.Errorf("fee %s is negative", raw)
	}
	return fee, nil
}

func (o *StaticFeeOracle) EstimateFee(ctx context.Context, chainName, currency string, typ ledger.TxType) (Fee, error) {
	if err := ctx.Err(); err != nil {
		return Fee{}, err
	}
	currency = ledger.NormalizeCurrency(currency)
	quote := Fee{Amount: decimal.Zero, Currency: currency, Source: "static"}
	if typ == ledger.TxPaymentRequest {
		return quote, nil
	}
	c, ok := o.chains[ledger.NormalizeChain(chainName)]
	if !ok {
		return Fee{}, fmt.Errorf("%w: chain %s", ErrFeeUnavailable, chainName)
	}
	if typ == ledger.TxStake || typ == ledger.TxUnstake {
		quote.Amount = c.stakeFee
		return quote, nil
	}
	fee, ok := c.fees[currency]
	if !ok {
		return Fee{}, fmt.Errorf("%w: %s on %s", ErrFeeUnavailable, currency, chainName)
	}
	quote.Amount = fee
	quote.EtaSeconds = c.eta
	return quote, nil
}

var _ FeeOracle = (*StaticFeeOracle)(nil)

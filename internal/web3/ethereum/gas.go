// Package ethereum 通过 EVM 节点的 eth_gasPrice 实时估算原生币转账费用。
package ethereum

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/shopspring/decimal"

	"VibeGuard/internal/ledger"
	"VibeGuard/internal/web3"
)

const defaultGasLimit = 21_000

// GasPricer is the subset of ethclient.Client the oracle needs.
type GasPricer interface {
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
}

// GasOracle quotes native-currency sends on one EVM chain from the live
// gas price and delegates everything else to a fallback oracle.
type GasOracle struct {
	chain    string
	native   string
	gasLimit uint64
	eta      int
	pricer   GasPricer
	fallback web3.FeeOracle
	closer   func()

	cacheTTL time.Duration
	now      func() time.Time
	mu       sync.Mutex
	price    *big.Int
	pricedAt time.Time
}

// Dial connects to the chain's RPC endpoint.
func Dial(ctx context.Context, chainName string, def web3.ChainDefinition, fallback web3.FeeOracle) (*GasOracle, error) {
	rpcURL := strings.TrimSpace(def.RPCURL)
	if rpcURL == "" {
		return nil, errors.New("未配置以太坊 RPC 地址")
	}
	client, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("连接以太坊节点失败: %w", err)
	}
	oracle := NewGasOracle(chainName, def, client, fallback)
	oracle.closer = client.Close
	return oracle, nil
}

// NewGasOracle wraps an existing pricer. Gas prices are cached for 15s.
func NewGasOracle(chainName string, def web3.ChainDefinition, pricer GasPricer, fallback web3.FeeOracle) *GasOracle {
	limit := def.GasLimit
	if limit == 0 {
		limit = defaultGasLimit
	}
	return &GasOracle{
		chain:    ledger.NormalizeChain(chainName),
		native:   ledger.NormalizeCurrency(def.NativeCurrency),
		gasLimit: limit,
		eta:      def.EtaSeconds,
		pricer:   pricer,
		fallback: fallback,
		cacheTTL: 15 * time.Second,
		now:      time.Now,
	}
}

func (o *GasOracle) EstimateFee(ctx context.Context, chainName, currency string, typ ledger.TxType) (web3.Fee, error) {
	currency = ledger.NormalizeCurrency(currency)
	if ledger.NormalizeChain(chainName) != o.chain || typ != ledger.TxSend || currency != o.native {
		if o.fallback == nil {
			return web3.Fee{}, fmt.Errorf("%w: %s on %s", web3.ErrFeeUnavailable, currency, chainName)
		}
		return o.fallback.EstimateFee(ctx, chainName, currency, typ)
	}
	price, err := o.gasPrice(ctx)
	if err != nil {
		if o.fallback != nil {
			return o.fallback.EstimateFee(ctx, chainName, currency, typ)
		}
		return web3.Fee{}, fmt.Errorf("%w: %v", web3.ErrFeeUnavailable, err)
	}
	wei := new(big.Int).Mul(price, new(big.Int).SetUint64(o.gasLimit))
	return web3.Fee{
		Amount:     decimal.NewFromBigInt(wei, -18),
		Currency:   currency,
		EtaSeconds: o.eta,
		Source:     "rpc",
	}, nil
}

func (o *GasOracle) gasPrice(ctx context.Context) (*big.Int, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.price != nil && o.now().Sub(o.pricedAt) < o.cacheTTL {
		return o.price, nil
	}
	price, err := o.pricer.SuggestGasPrice(ctx)
	if err != nil {
		return nil, fmt.Errorf("获取 gas price 失败: %w", err)
	}
	o.price = new(big.Int).Set(price)
	o.pricedAt = o.now()
	return o.price, nil
}

// Close releases the RPC connection, if any.
func (o *GasOracle) Close() {
	if o != nil && o.closer != nil {
		o.closer()
		o.closer = nil
	}
}

var _ web3.FeeOracle = (*GasOracle)(nil)

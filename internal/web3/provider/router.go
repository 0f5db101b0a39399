// Package provider 根据链定义组装费用预言机：配置了 RPC 的 EVM 链使用实时
// gas 价格，其余链使用静态费率。
package provider

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"VibeGuard/internal/ledger"
	"VibeGuard/internal/web3"
	"VibeGuard/internal/web3/ethereum"
	"VibeGuard/pkg/logger"
)

// Router dispatches fee quotes to the oracle registered for each chain.
type Router struct {
	static  *web3.StaticFeeOracle
	oracles map[string]*ethereum.GasOracle
}

// NewRouter builds oracles for every chain in defs. A chain whose RPC
// endpoint cannot be dialled falls back to its static fees.
func NewRouter(ctx context.Context, defs web3.ChainDefinitions) (*Router, error) {
	static, err := web3.NewStaticFeeOracle(defs)
	if err != nil {
		return nil, err
	}
	r := &Router{static: static, oracles: make(map[string]*ethereum.GasOracle)}
	log := logger.Named("web3")
	for name, def := range defs.Chains {
		chainType := strings.ToLower(strings.TrimSpace(def.Type))
		if chainType == "" {
			chainType = "evm"
		}
		switch chainType {
		case "evm":
			if strings.TrimSpace(def.RPCURL) == "" {
				continue
			}
			oracle, err := ethereum.Dial(ctx, name, def, static)
			if err != nil {
				log.Warn("gas oracle unavailable, using static fees", slog.String("chain", name), slog.String("error", err.Error()))
				continue
			}
			r.oracles[ledger.NormalizeChain(name)] = oracle
		case "bitcoin":
		default:
			return nil, fmt.Errorf("链 %s 使用了不支持的类型 %s", name, def.Type)
		}
	}
	return r, nil
}

// NewStaticRouter routes every chain to the static table.
func NewStaticRouter(static *web3.StaticFeeOracle) *Router {
	return &Router{static: static, oracles: map[string]*ethereum.GasOracle{}}
}

func (r *Router) EstimateFee(ctx context.Context, chainName, currency string, typ ledger.TxType) (web3.Fee, error) {
	if oracle, ok := r.oracles[ledger.NormalizeChain(chainName)]; ok {
		return oracle.EstimateFee(ctx, chainName, currency, typ)
	}
	return r.static.EstimateFee(ctx, chainName, currency, typ)
}

// LiveChains lists chains quoted from RPC.
func (r *Router) LiveChains() []string {
	names := make([]string, 0, len(r.oracles))
	for name := range r.oracles {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Close releases all RPC connections.
func (r *Router) Close() {
	if r == nil {
		return
	}
	for name, oracle := range r.oracles {
		oracle.Close()
		delete(r.oracles, name)
	}
}

var _ web3.FeeOracle = (*Router)(nil)

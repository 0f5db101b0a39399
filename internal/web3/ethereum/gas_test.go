package ethereum

import (
	"context"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"VibeGuard/internal/ledger"
	"VibeGuard/internal/web3"
)

type fakePricer struct {
	price *big.Int
	err   error
	calls int
}

func (p *fakePricer) SuggestGasPrice(context.Context) (*big.Int, error) {
	p.calls++
	if p.err != nil {
		return nil, p.err
	}
	return p.price, nil
}

func fallback() web3.FeeOracle {
	return web3.FeeOracleFunc(func(_ context.Context, _, currency string, _ ledger.TxType) (web3.Fee, error) {
		return web3.Fee{Amount: decimal.RequireFromString("9"), Currency: currency, Source: "static"}, nil
	})
}

func TestGasOracleQuotesNativeSend(t *testing.T) {
	// 20 gwei * 21000 = 0.00042 ETH
	pricer := &fakePricer{price: big.NewInt(20_000_000_000)}
	oracle := NewGasOracle("ethereum", web3.ChainDefinition{NativeCurrency: "ETH", EtaSeconds: 15}, pricer, fallback())

	fee, err := oracle.EstimateFee(context.Background(), "Ethereum", "eth", ledger.TxSend)
	require.NoError(t, err)
	assert.Equal(t, "0.00042", fee.Amount.String())
	assert.Equal(t, "ETH", fee.Currency)
	assert.Equal(t, "rpc", fee.Source)
	assert.Equal(t, 15, fee.EtaSeconds)

	_, err = oracle.EstimateFee(context.Background(), "ethereum", "ETH", ledger.TxSend)
	require.NoError(t, err)
	assert.Equal(t, 1, pricer.calls)
}

func TestGasOracleCacheExpires(t *testing.T) {
	pricer := &fakePricer{price: big.NewInt(1_000_000_000)}
	oracle := NewGasOracle("ethereum", web3.ChainDefinition{NativeCurrency: "ETH", GasLimit: 30_000}, pricer, nil)
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	oracle.now = func() time.Time { return now }

	fee, err := oracle.EstimateFee(context.Background(), "ethereum", "ETH", ledger.TxSend)
	require.NoError(t, err)
	assert.Equal(t, "0.00003", fee.Amount.String())

	now = now.Add(16 * time.Second)
	_, err = oracle.EstimateFee(context.Background(), "ethereum", "ETH", ledger.TxSend)
	require.NoError(t, err)
	assert.Equal(t, 2, pricer.calls)
}

func TestGasOracleDelegatesAndFallsBack(t *testing.T) {
	pricer := &fakePricer{price: big.NewInt(1)}
	oracle := NewGasOracle("ethereum", web3.ChainDefinition{NativeCurrency: "ETH"}, pricer, fallback())
	ctx := context.Background()

	fee, err := oracle.EstimateFee(ctx, "ethereum", "USDC", ledger.TxSend)
	require.NoError(t, err)
	assert.Equal(t, "static", fee.Source)

	fee, err = oracle.EstimateFee(ctx, "ethereum", "ETH", ledger.TxStake)
	require.NoError(t, err)
	assert.Equal(t, "static", fee.Source)
	assert.Zero(t, pricer.calls)

	pricer.err = errors.New("rpc down")
	fee, err = oracle.EstimateFee(ctx, "ethereum", "ETH", ledger.TxSend)
	require.NoError(t, err)
	assert.Equal(t, "static", fee.Source)

	bare := NewGasOracle("ethereum", web3.ChainDefinition{NativeCurrency: "ETH"}, pricer, nil)
	_, err = bare.EstimateFee(ctx, "ethereum", "ETH", ledger.TxSend)
	assert.ErrorIs(t, err, web3.ErrFeeUnavailable)
}

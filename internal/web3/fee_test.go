package web3

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"VibeGuard/internal/ledger"
)

const chainsYAML = `
chains:
  Ethereum:
    type: evm
    native_currency: ETH
    eta_seconds: 30
    stake_fee: "0"
    fees:
      eth: "0.0004"
      usdc: "1.5"
  bitcoin:
    type: bitcoin
    eta_seconds: 1800
    fees:
      BTC: "0.00002"
`

func TestParseChainDefinitions(t *testing.T) {
	defs, err := ParseChainDefinitions([]byte(chainsYAML))
	require.NoError(t, err)
	require.Contains(t, defs.Chains, "ethereum")
	assert.Equal(t, "ETH", defs.Chains["ethereum"].NativeCurrency)
	assert.Equal(t, 1800, defs.Chains["bitcoin"].EtaSeconds)

	path := filepath.Join(t.TempDir(), "chains.yaml")
	require.NoError(t, os.WriteFile(path, []byte(chainsYAML), 0o600))
	loaded, err := LoadChainDefinitions(path)
	require.NoError(t, err)
	assert.Len(t, loaded.Chains, 2)

	empty, err := LoadChainDefinitions("")
	require.NoError(t, err)
	assert.Empty(t, empty.Chains)
}

func TestStaticFeeOracle(t *testing.T) {
	defs, err := ParseChainDefinitions([]byte(chainsYAML))
	require.NoError(t, err)
	oracle, err := NewStaticFeeOracle(defs)
	require.NoError(t, err)
	ctx := context.Background()

	fee, err := oracle.EstimateFee(ctx, "ethereum", "usdc", ledger.TxSend)
	require.NoError(t, err)
	assert.True(t, fee.Amount.Equal(decimal.RequireFromString("1.5")))
	assert.Equal(t, "USDC", fee.Currency)
	assert.Equal(t, 30, fee.EtaSeconds)

	fee, err = oracle.EstimateFee(ctx, "ethereum", "VIBE", ledger.TxStake)
	require.NoError(t, err)
	assert.True(t, fee.Amount.IsZero())

	fee, err = oracle.EstimateFee(ctx, "unknown", "USDC", ledger.TxPaymentRequest)
	require.NoError(t, err)
	assert.True(t, fee.Amount.IsZero())

	_, err = oracle.EstimateFee(ctx, "bitcoin", "USDC", ledger.TxSend)
	assert.ErrorIs(t, err, ErrFeeUnavailable)
	_, err = oracle.EstimateFee(ctx, "solana", "SOL", ledger.TxSend)
	assert.ErrorIs(t, err, ErrFeeUnavailable)
}

func TestStaticFeeOracleRejectsBadFees(t *testing.T) {
	_, err := NewStaticFeeOracle(ChainDefinitions{Chains: map[string]ChainDefinition{
		"ethereum": {Fees: map[string]string{"ETH": "-1"}},
	}})
	assert.Error(t, err)

	_, err = NewStaticFeeOracle(ChainDefinitions{Chains: map[string]ChainDefinition{
		"ethereum": {StakeFee: "abc"},
	}})
	assert.Error(t, err)
}

func TestChainDefinitionsResolver(t *testing.T) {
	defs, err := ParseChainDefinitions([]byte(chainsYAML + `
  zksync:
    type: evm
`))
	require.NoError(t, err)

	r, err := defs.Resolver()
	require.NoError(t, err)
	assert.True(t, r.Supported("zksync"))
	assert.True(t, r.Supported("polygon"), "defaults are kept")

	_, err = ChainDefinitions{Chains: map[string]ChainDefinition{"sol": {Type: "solana"}}}.Resolver()
	assert.Error(t, err)
}

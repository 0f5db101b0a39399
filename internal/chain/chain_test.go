package chain

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	xerrors "VibeGuard/internal/errors"
)

const (
	checksummed = "0x5aAeb6053F3E94C9b9A09f33669435E7Ef1BeAed"
	satoshi     = "1A1zP1eP5QGefi2DMPTfTL5SLmv7DivfNa"
	segwit      = "bc1qw508d6qejxtdg4y5r3zarvary0c5xw7kv8f3t4"
)

func TestNormalizeEVMAddressToChecksum(t *testing.T) {
	r := DefaultResolver()

	lower, err := r.NormalizeAddress("Ethereum", "0x5aaeb6053f3e94c9b9a09f33669435e7ef1beaed")
	require.NoError(t, err)
	assert.Equal(t, checksummed, lower)

	upper, err := r.NormalizeAddress("polygon", "0x5AAEB6053F3E94C9B9A09F33669435E7EF1BEAED")
	require.NoError(t, err)
	assert.Equal(t, checksummed, upper)

	_, err = r.NormalizeAddress("ethereum", "0x1234")
	assert.ErrorIs(t, err, ErrInvalidAddress)
}

func TestNormalizeBitcoinAddress(t *testing.T) {
	r := DefaultResolver()

	got, err := r.NormalizeAddress("bitcoin", satoshi)
	require.NoError(t, err)
	assert.Equal(t, satoshi, got)

	got, err = r.NormalizeAddress("bitcoin", "BC1QW508D6QEJXTDG4Y5R3ZARVARY0C5XW7KV8F3T4")
	require.NoError(t, err)
	assert.Equal(t, segwit, got)

	_, err = r.NormalizeAddress("bitcoin", checksummed)
	assert.Equal(t, CodeInvalidDestination, xerrors.CodeOf(err))

	_, err = r.NormalizeAddress("bitcoin-testnet", satoshi)
	assert.ErrorIs(t, err, ErrInvalidAddress)
}

func TestNormalizeDestination(t *testing.T) {
	r := DefaultResolver()

	dest, err := r.NormalizeDestination("ethereum", "@Bob_01")
	require.NoError(t, err)
	assert.Equal(t, Destination{Kind: KindHandle, Value: "bob_01"}, dest)
	assert.Equal(t, "@bob_01", dest.String())

	dest, err = r.NormalizeDestination("ethereum", "bob_01")
	require.NoError(t, err)
	assert.Equal(t, KindHandle, dest.Kind)

	dest, err = r.NormalizeDestination("ethereum", " 0x5aaeb6053f3e94c9b9a09f33669435e7ef1beaed ")
	require.NoError(t, err)
	assert.Equal(t, Destination{Kind: KindAddress, Value: checksummed}, dest)

	_, err = r.NormalizeDestination("ethereum", "not a handle!")
	assert.Error(t, err)

	_, err = r.NormalizeDestination("solana", "bob")
	assert.ErrorIs(t, err, ErrUnsupportedChain)
}

func TestResolverRegister(t *testing.T) {
	r := NewResolver(map[string]Family{"ZkSync": FamilyEVM})
	family, ok := r.FamilyOf("zksync")
	require.True(t, ok)
	assert.Equal(t, FamilyEVM, family)

	parsed, ok := ParseFamily("")
	assert.True(t, ok)
	assert.Equal(t, FamilyEVM, parsed)
	_, ok = ParseFamily("solana")
	assert.False(t, ok)
}

package policy

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"VibeGuard/internal/ledger"
)

func d(v string) decimal.Decimal { return decimal.RequireFromString(v) }

func TestDefaultTiers(t *testing.T) {
	p := Default()

	cases := []struct {
		amount   string
		currency string
		tier     int
		methods  []Method
		ttl      time.Duration
	}{
		{"40", "USDC", 1, []Method{MethodBiometric}, 600 * time.Second},
		{"50", "usdc", 1, []Method{MethodBiometric}, 600 * time.Second},
		{"50.01", "USDC", 2, []Method{MethodSMSPin}, 300 * time.Second},
		{"500", "USDT", 2, []Method{MethodSMSPin}, 300 * time.Second},
		{"750", "USDC", 3, []Method{MethodSMSPin, MethodEmailPin}, 180 * time.Second},
		// 1000 VIBE at 0.05 is $50
		{"1000", "VIBE", 1, []Method{MethodBiometric}, 600 * time.Second},
		{"1", "DOGE", 3, []Method{MethodSMSPin, MethodEmailPin}, 180 * time.Second},
	}
	for _, tc := range cases {
		tier := p.TierFor(ledger.TxSend, d(tc.amount), tc.currency)
		assert.Equal(t, tc.tier, tier.Tier, "%s %s", tc.amount, tc.currency)
		assert.Equal(t, tc.methods, tier.RequiredMethods, "%s %s", tc.amount, tc.currency)
		assert.Equal(t, tc.ttl, tier.TokenTTL, "%s %s", tc.amount, tc.currency)
	}
	assert.Equal(t, 3, p.Highest().Tier)
}

func TestTypeOverrideRaisesMinimumTier(t *testing.T) {
	p, err := Parse([]byte(`
version: test
tiers:
  - {tier: 1, max_amount_usd: "50", methods: [biometric], token_ttl_seconds: 600}
  - {tier: 2, max_amount_usd: "500", methods: [sms-pin], token_ttl_seconds: 300}
  - {tier: 3, methods: [sms-pin, email-pin], token_ttl_seconds: 180}
usd_rates: {USDC: "1"}
type_overrides:
  unstake: {min_tier: 2}
`))
	require.NoError(t, err)

	assert.Equal(t, 1, p.TierFor(ledger.TxSend, d("10"), "USDC").Tier)
	assert.Equal(t, 2, p.TierFor(ledger.TxUnstake, d("10"), "USDC").Tier)
	assert.Equal(t, 3, p.TierFor(ledger.TxUnstake, d("900"), "USDC").Tier)
}

func TestParseRejectsInvalidTables(t *testing.T) {
	bad := map[string]string{
		"empty":         `version: x`,
		"bad method":    `tiers: [{tier: 1, methods: [carrier-pigeon], token_ttl_seconds: 10}]`,
		"zero ttl":      `tiers: [{tier: 1, methods: [sms-pin], token_ttl_seconds: 0}]`,
		"bounded top":   `tiers: [{tier: 1, max_amount_usd: "5", methods: [sms-pin], token_ttl_seconds: 10}]`,
		"unbounded mid": "tiers:\n  - {tier: 1, methods: [sms-pin], token_ttl_seconds: 10}\n  - {tier: 2, methods: [sms-pin], token_ttl_seconds: 10}",
		"descending":    "tiers:\n  - {tier: 1, max_amount_usd: \"50\", methods: [sms-pin], token_ttl_seconds: 10}\n  - {tier: 2, max_amount_usd: \"40\", methods: [sms-pin], token_ttl_seconds: 10}\n  - {tier: 3, methods: [sms-pin], token_ttl_seconds: 10}",
		"bad rate":      "tiers: [{tier: 1, methods: [sms-pin], token_ttl_seconds: 10}]\nusd_rates: {USDC: \"-1\"}",
		"bad override":  "tiers: [{tier: 1, methods: [sms-pin], token_ttl_seconds: 10}]\ntype_overrides: {withdraw: {min_tier: 1}}",
	}
	for name, doc := range bad {
		_, err := Parse([]byte(doc))
		assert.Error(t, err, name)
	}
}

func TestHolderReload(t *testing.T) {
	holder := NewHolder(Default())
	path := filepath.Join(t.TempDir(), "policy.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
version: "2026-02"
tiers:
  - {tier: 1, methods: [email-pin], token_ttl_seconds: 120}
`), 0o600))

	p, err := holder.Reload(path)
	require.NoError(t, err)
	assert.Equal(t, "2026-02", holder.Current().Version)
	assert.Equal(t, p, holder.Current())
	assert.Equal(t, []Method{MethodEmailPin}, holder.Current().TierFor(ledger.TxSend, d("1"), "USDC").RequiredMethods)

	require.NoError(t, os.WriteFile(path, []byte(`tiers: []`), 0o600))
	_, err = holder.Reload(path)
	assert.Error(t, err)
	assert.Equal(t, "2026-02", holder.Current().Version)
}

func TestMultiplierTableSorted(t *testing.T) {
	m := Default().Multipliers
	require.Len(t, m.LockDuration, 2)
	assert.Equal(t, 30, m.LockDuration[0].MinDays)
	assert.True(t, m.Base.Equal(decimal.NewFromInt(1)))
	assert.True(t, m.Volume[1].Bonus.Equal(d("0.15")))
}

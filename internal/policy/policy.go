// Package policy 维护版本化的风险分级表：金额阈值、所需验证方式、令牌有效期，
// 以及奖励倍数等可调参数。策略在启动时加载，可以热替换。
package policy

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"VibeGuard/internal/ledger"
)

// Method 是带外验证方式。
type Method string

const (
	MethodSMSPin    Method = "sms-pin"
	MethodEmailPin  Method = "email-pin"
	MethodBiometric Method = "biometric"
)

// IsPIN reports whether the method delivers a numeric PIN.
func (m Method) IsPIN() bool {
	return m == MethodSMSPin || m == MethodEmailPin
}

// Valid reports whether the method is known.
func (m Method) Valid() bool {
	return m.IsPIN() || m == MethodBiometric
}

// RiskTier 是一条风险分级记录。MaxAmountUSD 为 nil 表示无上限。
type RiskTier struct {
	Tier            int
	MaxAmountUSD    *decimal.Decimal
	RequiredMethods []Method
	TokenTTL        time.Duration
}

// LockBonus adds Bonus once a stake has been held for MinDays.
type LockBonus struct {
	MinDays int
	Bonus   decimal.Decimal
}

// VolumeBonus adds Bonus once the staked value reaches MinAmountUSD.
type VolumeBonus struct {
	MinAmountUSD decimal.Decimal
	Bonus        decimal.Decimal
}

// Multipliers 描述奖励倍数的组成。
type Multipliers struct {
	Base         decimal.Decimal
	LockDuration []LockBonus
	Volume       []VolumeBonus
}

// Policy is immutable once built; replace it through a Holder.
type Policy struct {
	Version     string
	Tiers       []RiskTier
	USDRates    map[string]decimal.Decimal
	MinTier     map[ledger.TxType]int
	Multipliers Multipliers
}

// TierFor 根据交易类型、金额与币种返回所需的风险等级。该函数是纯函数且对所有
// 输入都有定义：未知币种按最高等级处理。
func (p *Policy) TierFor(typ ledger.TxType, amount decimal.Decimal, currency string) RiskTier {
	idx := len(p.Tiers) - 1
	if usd, ok := p.USDValue(amount, currency); ok {
		for i, tier := range p.Tiers {
			if tier.MaxAmountUSD == nil || usd.LessThanOrEqual(*tier.MaxAmountUSD) {
				idx = i
				break
			}
		}
	}
	if minTier, ok := p.MinTier[typ]; ok {
		for idx < len(p.Tiers)-1 && p.Tiers[idx].Tier < minTier {
			idx++
		}
	}
	return p.Tiers[idx]
}

// USDValue converts an amount with the reference rate table.
func (p *Policy) USDValue(amount decimal.Decimal, currency string) (decimal.Decimal, bool) {
	rate, ok := p.USDRates[ledger.NormalizeCurrency(currency)]
	if !ok {
		return decimal.Zero, false
	}
	return amount.Mul(rate), true
}

// Highest returns the most restrictive tier.
func (p *Policy) Highest() RiskTier {
	return p.Tiers[len(p.Tiers)-1]
}

// file 是 YAML 文件的原始结构，金额以字符串保存以避免浮点误差。
type file struct {
	Version string     `yaml:"version"`
	Tiers   []fileTier `yaml:"tiers"`
	// USDRates are reference rates, not live prices.
	USDRates      map[string]string       `yaml:"usd_rates"`
	TypeOverrides map[string]fileOverride `yaml:"type_overrides"`
	Multipliers   fileMultipliers         `yaml:"multipliers"`
}

type fileTier struct {
	Tier            int      `yaml:"tier"`
	MaxAmountUSD    string   `yaml:"max_amount_usd"`
	Methods         []string `yaml:"methods"`
	TokenTTLSeconds int      `yaml:"token_ttl_seconds"`
}

type fileOverride struct {
	MinTier int `yaml:"min_tier"`
}

type fileMultipliers struct {
	Base         string `yaml:"base"`
	LockDuration []struct {
		MinDays int    `yaml:"min_days"`
		Bonus   string `yaml:"bonus"`
	} `yaml:"lock_duration"`
	Volume []struct {
		MinAmountUSD string `yaml:"min_amount_usd"`
		Bonus        string `yaml:"bonus"`
	} `yaml:"volume"`
}

// Load reads a policy file. An empty path yields Default().
func Load(path string) (*Policy, error) {
	if strings.TrimSpace(path) == "" {
		return Default(), nil
	}
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("读取风险策略失败: %w", err)
	}
	return Parse(content)
}

// Parse decodes and validates a YAML policy document.
func Parse(content []byte) (*Policy, error) {
	var raw file
	if err := yaml.Unmarshal(content, &raw); err != nil {
		return nil, fmt.Errorf("解析风险策略失败: %w", err)
	}
	return raw.build()
}

func (f file) build() (*Policy, error) {
	if len(f.Tiers) == 0 {
		return nil, errors.New("policy must define at least one tier")
	}
	p := &Policy{
		Version:  f.Version,
		USDRates: make(map[string]decimal.Decimal, len(f.USDRates)),
		MinTier:  make(map[ledger.TxType]int, len(f.TypeOverrides)),
	}

	for _, raw := range f.Tiers {
		tier := RiskTier{Tier: raw.Tier, TokenTTL: time.Duration(raw.TokenTTLSeconds) * time.Second}
		if raw.TokenTTLSeconds <= 0 {
			return nil, fmt.Errorf("tier %d: token_ttl_seconds must be positive", raw.Tier)
		}
		if strings.TrimSpace(raw.MaxAmountUSD) != "" {
			limit, err := decimal.NewFromString(strings.TrimSpace(raw.MaxAmountUSD))
			if err != nil {
				return nil, fmt.Errorf("tier %d: max_amount_usd: %w", raw.Tier, err)
			}
			tier.MaxAmountUSD = &limit
		}
		if len(raw.Methods) == 0 {
			return nil, fmt.Errorf("tier %d: at least one method is required", raw.Tier)
		}
		seen := make(map[Method]struct{}, len(raw.Methods))
		for _, m := range raw.Methods {
			method := Method(strings.ToLower(strings.TrimSpace(m)))
			if !method.Valid() {
				return nil, fmt.Errorf("tier %d: unknown method %q", raw.Tier, m)
			}
			if _, dup := seen[method]; dup {
				return nil, fmt.Errorf("tier %d: duplicate method %q", raw.Tier, m)
			}
			seen[method] = struct{}{}
			tier.RequiredMethods = append(tier.RequiredMethods, method)
		}
		p.Tiers = append(p.Tiers, tier)
	}

	sort.SliceStable(p.Tiers, func(i, j int) bool { return p.Tiers[i].Tier < p.Tiers[j].Tier })
	for i, tier := range p.Tiers {
		last := i == len(p.Tiers)-1
		if tier.MaxAmountUSD == nil && !last {
			return nil, fmt.Errorf("tier %d: only the highest tier may be unbounded", tier.Tier)
		}
		if tier.MaxAmountUSD != nil && last {
			return nil, fmt.Errorf("tier %d: the highest tier must be unbounded", tier.Tier)
		}
		if i > 0 && tier.MaxAmountUSD != nil && !tier.MaxAmountUSD.GreaterThan(*p.Tiers[i-1].MaxAmountUSD) {
			return nil, fmt.Errorf("tier %d: thresholds must ascend", tier.Tier)
		}
	}

	for currency, raw := range f.USDRates {
		rate, err := decimal.NewFromString(strings.TrimSpace(raw))
		if err != nil || !rate.IsPositive() {
			return nil, fmt.Errorf("usd_rates[%s]: invalid rate %q", currency, raw)
		}
		p.USDRates[ledger.NormalizeCurrency(currency)] = rate
	}

	for rawType, override := range f.TypeOverrides {
		typ, ok := ledger.ParseTxType(rawType)
		if !ok {
			return nil, fmt.Errorf("type_overrides: unknown type %q", rawType)
		}
		p.MinTier[typ] = override.MinTier
	}

	multipliers, err := f.Multipliers.build()
	if err != nil {
		return nil, err
	}
	p.Multipliers = multipliers
	return p, nil
}

func (f fileMultipliers) build() (Multipliers, error) {
	m := Multipliers{Base: decimal.NewFromInt(1)}
	if strings.TrimSpace(f.Base) != "" {
		base, err := decimal.NewFromString(strings.TrimSpace(f.Base))
		if err != nil {
			return Multipliers{}, fmt.Errorf("multipliers.base: %w", err)
		}
		m.Base = base
	}
	for _, raw := range f.LockDuration {
		bonus, err := decimal.NewFromString(raw.Bonus)
		if err != nil {
			return Multipliers{}, fmt.Errorf("multipliers.lock_duration: %w", err)
		}
		m.LockDuration = append(m.LockDuration, LockBonus{MinDays: raw.MinDays, Bonus: bonus})
	}
	for _, raw := range f.Volume {
		threshold, err := decimal.NewFromString(raw.MinAmountUSD)
		if err != nil {
			return Multipliers{}, fmt.Errorf("multipliers.volume: %w", err)
		}
		bonus, err := decimal.NewFromString(raw.Bonus)
		if err != nil {
			return Multipliers{}, fmt.Errorf("multipliers.volume: %w", err)
		}
		m.Volume = append(m.Volume, VolumeBonus{MinAmountUSD: threshold, Bonus: bonus})
	}
	sort.Slice(m.LockDuration, func(i, j int) bool { return m.LockDuration[i].MinDays < m.LockDuration[j].MinDays })
	sort.Slice(m.Volume, func(i, j int) bool { return m.Volume[i].MinAmountUSD.LessThan(m.Volume[j].MinAmountUSD) })
	return m, nil
}

// DefaultYAML is the built-in policy used when no file is configured.
const DefaultYAML = `
version: "2026-01"
tiers:
  - tier: 1
    max_amount_usd: "50"
    methods: [biometric]
    token_ttl_seconds: 600
  - tier: 2
    max_amount_usd: "500"
    methods: [sms-pin]
    token_ttl_seconds: 300
  - tier: 3
    methods: [sms-pin, email-pin]
    token_ttl_seconds: 180
usd_rates:
  USDC: "1"
  USDT: "1"
  VIBE: "0.05"
  ETH: "3000"
  BTC: "60000"
multipliers:
  base: "1"
  lock_duration:
    - min_days: 30
      bonus: "0.1"
    - min_days: 90
      bonus: "0.25"
  volume:
    - min_amount_usd: "1000"
      bonus: "0.05"
    - min_amount_usd: "10000"
      bonus: "0.15"
`

// Default returns the built-in policy.
func Default() *Policy {
	p, err := Parse([]byte(DefaultYAML))
	if err != nil {
		panic(fmt.Sprintf("built-in policy is invalid: %v", err))
	}
	return p
}

// Holder publishes the current policy to concurrent readers.
type Holder struct {
	current atomic.Pointer[Policy]
}

// NewHolder wraps an initial policy.
func NewHolder(p *Policy) *Holder {
	h := &Holder{}
	h.current.Store(p)
	return h
}

// Current returns the active policy.
func (h *Holder) Current() *Policy {
	return h.current.Load()
}

// Swap replaces the policy and returns the previous one.
func (h *Holder) Swap(p *Policy) *Policy {
	return h.current.Swap(p)
}

// Reload re-reads path and swaps the policy only if it is valid.
func (h *Holder) Reload(path string) (*Policy, error) {
	p, err := Load(path)
	if err != nil {
		return nil, err
	}
	h.Swap(p)
	return p, nil
}

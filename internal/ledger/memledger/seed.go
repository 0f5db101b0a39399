package memledger

import (
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"VibeGuard/internal/ledger"
)

// Seed 描述开发环境预置的钱包、余额与奖励。
type Seed struct {
	Wallets []SeedWallet `yaml:"wallets"`
	Rewards []SeedReward `yaml:"rewards"`
}

// SeedWallet registers a wallet and optionally deposits an opening balance.
type SeedWallet struct {
	UserID   string `yaml:"user_id"`
	Handle   string `yaml:"handle"`
	Currency string `yaml:"currency"`
	Chain    string `yaml:"chain"`
	Address  string `yaml:"address"`
	Balance  string `yaml:"balance"`
}

// SeedReward 是一条历史奖励记录。
type SeedReward struct {
	UserID     string    `yaml:"user_id"`
	Currency   string    `yaml:"currency"`
	Amount     string    `yaml:"amount"`
	Source     string    `yaml:"source"`
	Multiplier string    `yaml:"multiplier"`
	CreatedAt  time.Time `yaml:"created_at"`
}

// LoadSeed reads a seed file. An empty path yields an empty seed.
func LoadSeed(path string) (Seed, error) {
	if path == "" {
		return Seed{}, nil
	}
	content, err := os.ReadFile(path)
	if err != nil {
		return Seed{}, fmt.Errorf("读取账本种子失败: %w", err)
	}
	var seed Seed
	if err := yaml.Unmarshal(content, &seed); err != nil {
		return Seed{}, fmt.Errorf("解析账本种子失败: %w", err)
	}
	return seed, nil
}

// ApplySeed validates every amount before touching the store, so a bad
// seed leaves it unchanged.
func (s *Store) ApplySeed(seed Seed) error {
	balances := make([]decimal.Decimal, len(seed.Wallets))
	for i, w := range seed.Wallets {
		if w.UserID == "" || w.Currency == "" || w.Chain == "" {
			return fmt.Errorf("seed wallet %d: user_id, currency and chain are required", i)
		}
		amount, err := parseSeedAmount(w.Balance)
		if err != nil {
			return fmt.Errorf("seed wallet %d: %w", i, err)
		}
		balances[i] = amount
	}
	rewards := make([]ledger.Reward, len(seed.Rewards))
	for i, r := range seed.Rewards {
		amount, err := parseSeedAmount(r.Amount)
		if err != nil {
			return fmt.Errorf("seed reward %d: %w", i, err)
		}
		multiplier := decimal.NewFromInt(1)
		if r.Multiplier != "" {
			if multiplier, err = decimal.NewFromString(r.Multiplier); err != nil {
				return fmt.Errorf("seed reward %d: invalid multiplier %q", i, r.Multiplier)
			}
		}
		createdAt := r.CreatedAt
		if createdAt.IsZero() {
			createdAt = s.now()
		}
		rewards[i] = ledger.Reward{
			ID:         uuid.NewString(),
			UserID:     r.UserID,
			Currency:   r.Currency,
			Amount:     amount,
			Source:     r.Source,
			Multiplier: multiplier,
			CreatedAt:  createdAt.UTC(),
		}
	}

	for i, w := range seed.Wallets {
		s.AddWallet(ledger.Wallet{UserID: w.UserID, Handle: w.Handle, Currency: w.Currency, Chain: w.Chain, Address: w.Address})
		if balances[i].IsPositive() {
			s.Deposit(w.UserID, w.Currency, w.Chain, balances[i])
		}
	}
	for _, r := range rewards {
		s.AddReward(r)
	}
	return nil
}

func parseSeedAmount(raw string) (decimal.Decimal, error) {
	if raw == "" {
		return decimal.Zero, nil
	}
	amount, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero, fmt.Errorf("invalid amount %q", raw)
	}
	if amount.IsNegative() {
		return decimal.Zero, fmt.Errorf("negative amount %q", raw)
	}
	return amount, nil
}

package web3

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"VibeGuard/internal/chain"
)

// ChainDefinitions models the structure of configs/chains.yaml.
type ChainDefinitions struct {
	Chains map[string]ChainDefinition `yaml:"chains"`
}

// ChainDefinition describes one chain: its family, an optional RPC
// endpoint for live gas prices and the flat fee table used otherwise.
type ChainDefinition struct {
	Type           string `yaml:"type"`
	RPCURL         string `yaml:"rpc_url"`
	NativeCurrency string `yaml:"native_currency"`
	// GasLimit is the gas charged for a native transfer, 21000 by default.
	GasLimit    uint64            `yaml:"gas_limit"`
	EtaSeconds  int               `yaml:"eta_seconds"`
	Fees        map[string]string `yaml:"fees"`
	StakeFee    string            `yaml:"stake_fee"`
	Description string            `yaml:"description"`
}

// LoadChainDefinitions parses the YAML file containing chain metadata. An
// empty path yields an empty set.
func LoadChainDefinitions(path string) (ChainDefinitions, error) {
	if strings.TrimSpace(path) == "" {
		return ChainDefinitions{Chains: map[string]ChainDefinition{}}, nil
	}

	content, err := os.ReadFile(path)
	if err != nil {
		return ChainDefinitions{}, fmt.Errorf("读取链配置失败: %w", err)
	}
	return ParseChainDefinitions(content)
}

// ParseChainDefinitions decodes YAML content. Chain names are lower-cased.
func ParseChainDefinitions(content []byte) (ChainDefinitions, error) {
	var raw ChainDefinitions
	if err := yaml.Unmarshal(content, &raw); err != nil {
		return ChainDefinitions{}, fmt.Errorf("解析链配置失败: %w", err)
	}
	defs := ChainDefinitions{Chains: make(map[string]ChainDefinition, len(raw.Chains))}
	for name, def := range raw.Chains {
		defs.Chains[strings.ToLower(strings.TrimSpace(name))] = def
	}
	return defs, nil
}

// Resolver returns the default resolver extended with every configured
// chain, so destinations on a chain added to chains.yaml validate too.
func (d ChainDefinitions) Resolver() (*chain.Resolver, error) {
	r := chain.DefaultResolver()
	for name, def := range d.Chains {
		family, ok := chain.ParseFamily(def.Type)
		if !ok {
			return nil, fmt.Errorf("链 %s 使用了不支持的类型 %s", name, def.Type)
		}
		r.Register(name, family)
	}
	return r, nil
}

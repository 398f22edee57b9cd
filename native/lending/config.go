package lending

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

// Config captures the genesis configuration for the lending module. Amounts
// are decimal strings in smallest units of the debt asset so TOML can carry
// values above 2^63.
type Config struct {
	MaxDebtPerVault        string      `toml:"MaxDebtPerVault"`
	MaxNftsPerVault        uint64      `toml:"MaxNftsPerVault"`
	MinSingleNftCollateral string      `toml:"MinSingleNftCollateral"`
	LiquidationFeeD        uint64      `toml:"LiquidationFeeD"`
	LiquidationPremiumD    uint64      `toml:"LiquidationPremiumD"`
	StabilisationFeeRateD  uint64      `toml:"StabilisationFeeRateD"`
	RepayPolicy            string      `toml:"RepayPolicy"`
	ResidualPolicy         string      `toml:"ResidualPolicy"`
	Admins                 []string    `toml:"Admins"`
	Pools                  []PoolEntry `toml:"pools"`
}

// PoolEntry is the TOML form of PoolConfig.
type PoolEntry struct {
	Address               string `toml:"Address"`
	LiquidationThresholdD uint64 `toml:"LiquidationThresholdD"`
	Disabled              bool   `toml:"Disabled"`
}

// EnsureDefaults fills unset fields from DefaultParams.
func (c *Config) EnsureDefaults() {
	if c == nil {
		return
	}
	defaults := DefaultParams()
	if strings.TrimSpace(c.MaxDebtPerVault) == "" {
		c.MaxDebtPerVault = defaults.MaxDebtPerVault.String()
	}
	if c.MaxNftsPerVault == 0 {
		c.MaxNftsPerVault = defaults.MaxNftsPerVault
	}
	if strings.TrimSpace(c.MinSingleNftCollateral) == "" {
		c.MinSingleNftCollateral = defaults.MinSingleNftCollateral.String()
	}
}

func parseAmount(field, value string) (*big.Int, error) {
	amount, ok := new(big.Int).SetString(strings.TrimSpace(value), 10)
	if !ok || amount.Sign() < 0 {
		return nil, fmt.Errorf("%w: %s %q is not a non-negative integer", ErrInvalidParams, field, value)
	}
	return amount, nil
}

// Params converts the configuration into validated risk parameters.
func (c Config) Params() (Params, error) {
	maxDebt, err := parseAmount("MaxDebtPerVault", c.MaxDebtPerVault)
	if err != nil {
		return Params{}, err
	}
	minCollateral, err := parseAmount("MinSingleNftCollateral", c.MinSingleNftCollateral)
	if err != nil {
		return Params{}, err
	}
	repay, err := ParseRepayPolicy(c.RepayPolicy)
	if err != nil {
		return Params{}, err
	}
	residual, err := ParseResidualPolicy(c.ResidualPolicy)
	if err != nil {
		return Params{}, err
	}
	params := Params{
		MaxDebtPerVault:        maxDebt,
		MaxNftsPerVault:        c.MaxNftsPerVault,
		MinSingleNftCollateral: minCollateral,
		LiquidationFeeD:        c.LiquidationFeeD,
		LiquidationPremiumD:    c.LiquidationPremiumD,
		StabilisationFeeRateD:  c.StabilisationFeeRateD,
		RepayPolicy:            repay,
		ResidualPolicy:         residual,
	}
	if err := params.Validate(); err != nil {
		return Params{}, err
	}
	return params, nil
}

// Genesis converts the configuration into the module genesis. parseAddr
// decodes account strings so callers can accept bech32 or hex.
func (c Config) Genesis(parseAddr func(string) (common.Address, error)) (Genesis, error) {
	params, err := c.Params()
	if err != nil {
		return Genesis{}, err
	}
	genesis := Genesis{Params: params}
	for _, raw := range c.Admins {
		addr, err := parseAddr(raw)
		if err != nil {
			return Genesis{}, fmt.Errorf("admin %q: %w", raw, err)
		}
		genesis.Admins = append(genesis.Admins, addr)
	}
	seen := make(map[common.Address]struct{}, len(c.Pools))
	for _, entry := range c.Pools {
		addr, err := parseAddr(entry.Address)
		if err != nil {
			return Genesis{}, fmt.Errorf("pool %q: %w", entry.Address, err)
		}
		if _, dup := seen[addr]; dup {
			return Genesis{}, fmt.Errorf("%w: duplicate pool %s", ErrInvalidParams, addr.Hex())
		}
		seen[addr] = struct{}{}
		cfg := PoolConfig{Pool: addr, Whitelisted: !entry.Disabled, LiquidationThresholdD: entry.LiquidationThresholdD}
		if err := cfg.Validate(); err != nil {
			return Genesis{}, err
		}
		genesis.Pools = append(genesis.Pools, cfg)
	}
	return genesis, nil
}

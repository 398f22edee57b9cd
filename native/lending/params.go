package lending

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// DenominatorD is the fixed-point scale of every fractional risk parameter.
const DenominatorD = 1_000_000_000

const secondsPerYear = 31_536_000

var denominator = big.NewInt(DenominatorD)

// Params holds the global risk parameters.
type Params struct {
	// MaxDebtPerVault bounds the aggregate debt across all positions held by
	// one owner.
	MaxDebtPerVault *big.Int
	// MaxNftsPerVault bounds the number of open positions per owner.
	MaxNftsPerVault uint64
	// MinSingleNftCollateral is the smallest collateral value accepted on
	// deposit, in reference units.
	MinSingleNftCollateral *big.Int
	// LiquidationFeeD is the protocol share of collateral value taken on
	// liquidation.
	LiquidationFeeD uint64
	// LiquidationPremiumD is the discount granted to liquidators.
	LiquidationPremiumD uint64
	// StabilisationFeeRateD is the annual fee rate charged on principal.
	StabilisationFeeRateD uint64
	RepayPolicy           RepayPolicy
	ResidualPolicy        ResidualPolicy
}

// DefaultParams returns conservative parameters suitable for tests and
// development networks.
func DefaultParams() Params {
	return Params{
		MaxDebtPerVault:        new(big.Int).Mul(big.NewInt(1_000_000), pow10(18)),
		MaxNftsPerVault:        10,
		MinSingleNftCollateral: new(big.Int).Mul(big.NewInt(100), pow10(18)),
		LiquidationFeeD:        30_000_000,
		LiquidationPremiumD:    50_000_000,
		RepayPolicy:            RepayReject,
		ResidualPolicy:         ResidualToOwner,
	}
}

// Clone returns a deep copy of the parameters.
func (p Params) Clone() Params {
	clone := p
	clone.MaxDebtPerVault = cloneOrZero(p.MaxDebtPerVault)
	clone.MinSingleNftCollateral = cloneOrZero(p.MinSingleNftCollateral)
	return clone
}

// Validate checks parameter ranges.
func (p Params) Validate() error {
	if p.MaxDebtPerVault == nil || p.MaxDebtPerVault.Sign() < 0 {
		return fmt.Errorf("%w: maxDebtPerVault must be non-negative", ErrInvalidParams)
	}
	if p.MinSingleNftCollateral == nil || p.MinSingleNftCollateral.Sign() < 0 {
		return fmt.Errorf("%w: minSingleNftCollateral must be non-negative", ErrInvalidParams)
	}
	if p.LiquidationFeeD > DenominatorD {
		return fmt.Errorf("%w: liquidationFeeD %d exceeds %d", ErrInvalidParams, p.LiquidationFeeD, DenominatorD)
	}
	if p.LiquidationPremiumD > DenominatorD {
		return fmt.Errorf("%w: liquidationPremiumD %d exceeds %d", ErrInvalidParams, p.LiquidationPremiumD, DenominatorD)
	}
	if p.StabilisationFeeRateD > DenominatorD {
		return fmt.Errorf("%w: stabilisationFeeRateD %d exceeds %d", ErrInvalidParams, p.StabilisationFeeRateD, DenominatorD)
	}
	if p.RepayPolicy > RepayCap {
		return fmt.Errorf("%w: unknown repay policy %d", ErrInvalidParams, p.RepayPolicy)
	}
	if p.ResidualPolicy > ResidualToTreasury {
		return fmt.Errorf("%w: unknown residual policy %d", ErrInvalidParams, p.ResidualPolicy)
	}
	return nil
}

// PoolConfig is the per-pool risk configuration.
type PoolConfig struct {
	Pool                  common.Address
	Whitelisted           bool
	LiquidationThresholdD uint64
}

// Validate checks the pool configuration.
func (c PoolConfig) Validate() error {
	if c.Pool == (common.Address{}) {
		return fmt.Errorf("%w: pool address required", ErrInvalidParams)
	}
	if c.Whitelisted && (c.LiquidationThresholdD == 0 || c.LiquidationThresholdD > DenominatorD) {
		return fmt.Errorf("%w: liquidationThresholdD %d outside (0, %d]", ErrInvalidParams, c.LiquidationThresholdD, DenominatorD)
	}
	return nil
}

// storedParams is the RLP form of Params.
type storedParams struct {
	MaxDebtPerVault        *big.Int
	MaxNftsPerVault        uint64
	MinSingleNftCollateral *big.Int
	LiquidationFeeD        uint64
	LiquidationPremiumD    uint64
	StabilisationFeeRateD  uint64
	RepayPolicy            uint8
	ResidualPolicy         uint8
}

func (p Params) stored() storedParams {
	return storedParams{
		MaxDebtPerVault:        cloneOrZero(p.MaxDebtPerVault),
		MaxNftsPerVault:        p.MaxNftsPerVault,
		MinSingleNftCollateral: cloneOrZero(p.MinSingleNftCollateral),
		LiquidationFeeD:        p.LiquidationFeeD,
		LiquidationPremiumD:    p.LiquidationPremiumD,
		StabilisationFeeRateD:  p.StabilisationFeeRateD,
		RepayPolicy:            uint8(p.RepayPolicy),
		ResidualPolicy:         uint8(p.ResidualPolicy),
	}
}

func (s storedParams) params() Params {
	return Params{
		MaxDebtPerVault:        cloneOrZero(s.MaxDebtPerVault),
		MaxNftsPerVault:        s.MaxNftsPerVault,
		MinSingleNftCollateral: cloneOrZero(s.MinSingleNftCollateral),
		LiquidationFeeD:        s.LiquidationFeeD,
		LiquidationPremiumD:    s.LiquidationPremiumD,
		StabilisationFeeRateD:  s.StabilisationFeeRateD,
		RepayPolicy:            RepayPolicy(s.RepayPolicy),
		ResidualPolicy:         ResidualPolicy(s.ResidualPolicy),
	}
}

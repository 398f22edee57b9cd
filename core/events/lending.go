package events

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"lpvault/core/types"
)

const (
	TypeLendingPositionOpened = "lending.position_opened"
	TypeLendingBorrowed       = "lending.borrowed"
	TypeLendingRepaid         = "lending.repaid"
	TypeLendingPositionClosed = "lending.position_closed"
	TypeLendingLiquidated     = "lending.liquidated"
	TypeLendingParamsUpdated  = "lending.params_updated"
	TypeLendingPoolUpdated    = "lending.pool_updated"
	TypeLendingTreasuryPaid   = "lending.treasury_withdrawn"
)

type PositionOpened struct {
	Origin     common.Address
	Sender     common.Address
	Owner      common.Address
	PositionID uint64
	NFTID      uint64
	Pool       common.Address
	Value      *big.Int
}

func (PositionOpened) EventType() string { return TypeLendingPositionOpened }

func (e PositionOpened) Event() *types.Event {
	return &types.Event{
		Type: TypeLendingPositionOpened,
		Attributes: map[string]string{
			"origin":     account(e.Origin),
			"sender":     account(e.Sender),
			"owner":      account(e.Owner),
			"positionId": u64(e.PositionID),
			"nftId":      u64(e.NFTID),
			"pool":       e.Pool.Hex(),
			"value":      amount(e.Value),
		},
	}
}

type Borrowed struct {
	Origin     common.Address
	Sender     common.Address
	PositionID uint64
	Recipient  common.Address
	Amount     *big.Int
	Debt       *big.Int
}

func (Borrowed) EventType() string { return TypeLendingBorrowed }

func (e Borrowed) Event() *types.Event {
	return &types.Event{
		Type: TypeLendingBorrowed,
		Attributes: map[string]string{
			"origin":     account(e.Origin),
			"sender":     account(e.Sender),
			"positionId": u64(e.PositionID),
			"recipient":  account(e.Recipient),
			"amount":     amount(e.Amount),
			"debt":       amount(e.Debt),
		},
	}
}

type Repaid struct {
	Origin     common.Address
	Sender     common.Address
	PositionID uint64
	Amount     *big.Int
	Fees       *big.Int
	Debt       *big.Int
}

func (Repaid) EventType() string { return TypeLendingRepaid }

func (e Repaid) Event() *types.Event {
	return &types.Event{
		Type: TypeLendingRepaid,
		Attributes: map[string]string{
			"origin":     account(e.Origin),
			"sender":     account(e.Sender),
			"positionId": u64(e.PositionID),
			"amount":     amount(e.Amount),
			"fees":       amount(e.Fees),
			"debt":       amount(e.Debt),
		},
	}
}

type PositionClosed struct {
	Origin     common.Address
	Sender     common.Address
	Owner      common.Address
	PositionID uint64
	NFTID      uint64
}

func (PositionClosed) EventType() string { return TypeLendingPositionClosed }

func (e PositionClosed) Event() *types.Event {
	return &types.Event{
		Type: TypeLendingPositionClosed,
		Attributes: map[string]string{
			"origin":     account(e.Origin),
			"sender":     account(e.Sender),
			"owner":      account(e.Owner),
			"positionId": u64(e.PositionID),
			"nftId":      u64(e.NFTID),
		},
	}
}

type Liquidated struct {
	Origin          common.Address
	Sender          common.Address
	Liquidator      common.Address
	Owner           common.Address
	PositionID      uint64
	NFTID           uint64
	CollateralValue *big.Int
	Debt            *big.Int
	Payment         *big.Int
	ProtocolFee     *big.Int
	Residual        *big.Int
}

func (Liquidated) EventType() string { return TypeLendingLiquidated }

func (e Liquidated) Event() *types.Event {
	return &types.Event{
		Type: TypeLendingLiquidated,
		Attributes: map[string]string{
			"origin":          account(e.Origin),
			"sender":          account(e.Sender),
			"liquidator":      account(e.Liquidator),
			"owner":           account(e.Owner),
			"positionId":      u64(e.PositionID),
			"nftId":           u64(e.NFTID),
			"collateralValue": amount(e.CollateralValue),
			"debt":            amount(e.Debt),
			"payment":         amount(e.Payment),
			"protocolFee":     amount(e.ProtocolFee),
			"residual":        amount(e.Residual),
		},
	}
}

type ParamsUpdated struct {
	Origin                 common.Address
	Sender                 common.Address
	MaxDebtPerVault        *big.Int
	MaxNftsPerVault        uint64
	MinSingleNftCollateral *big.Int
	LiquidationFeeD        uint64
	LiquidationPremiumD    uint64
	StabilisationFeeRateD  uint64
}

func (ParamsUpdated) EventType() string { return TypeLendingParamsUpdated }

func (e ParamsUpdated) Event() *types.Event {
	return &types.Event{
		Type: TypeLendingParamsUpdated,
		Attributes: map[string]string{
			"origin":                 account(e.Origin),
			"sender":                 account(e.Sender),
			"maxDebtPerVault":        amount(e.MaxDebtPerVault),
			"maxNftsPerVault":        u64(e.MaxNftsPerVault),
			"minSingleNftCollateral": amount(e.MinSingleNftCollateral),
			"liquidationFeeD":        u64(e.LiquidationFeeD),
			"liquidationPremiumD":    u64(e.LiquidationPremiumD),
			"stabilisationFeeRateD":  u64(e.StabilisationFeeRateD),
		},
	}
}

type PoolUpdated struct {
	Origin                common.Address
	Sender                common.Address
	Pool                  common.Address
	Whitelisted           bool
	LiquidationThresholdD uint64
}

func (PoolUpdated) EventType() string { return TypeLendingPoolUpdated }

func (e PoolUpdated) Event() *types.Event {
	whitelisted := "false"
	if e.Whitelisted {
		whitelisted = "true"
	}
	return &types.Event{
		Type: TypeLendingPoolUpdated,
		Attributes: map[string]string{
			"origin":                account(e.Origin),
			"sender":                account(e.Sender),
			"pool":                  e.Pool.Hex(),
			"whitelisted":           whitelisted,
			"liquidationThresholdD": u64(e.LiquidationThresholdD),
		},
	}
}

type TreasuryWithdrawn struct {
	Origin    common.Address
	Sender    common.Address
	Recipient common.Address
	Amount    *big.Int
}

func (TreasuryWithdrawn) EventType() string { return TypeLendingTreasuryPaid }

func (e TreasuryWithdrawn) Event() *types.Event {
	return &types.Event{
		Type: TypeLendingTreasuryPaid,
		Attributes: map[string]string{
			"origin":    account(e.Origin),
			"sender":    account(e.Sender),
			"recipient": account(e.Recipient),
			"amount":    amount(e.Amount),
		},
	}
}

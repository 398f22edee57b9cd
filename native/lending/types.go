package lending

import (
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

var (
	errNilState = errors.New("lending engine: state not configured")

	ErrForbidden              = errors.New("lending engine: forbidden")
	ErrInvalidAmount          = errors.New("lending engine: amount must be positive")
	ErrPoolNotWhitelisted     = errors.New("lending engine: pool not whitelisted")
	ErrPoolMismatch           = errors.New("lending engine: nft belongs to a different pool")
	ErrPoolInUse              = errors.New("lending engine: pool has outstanding debt")
	ErrInsufficientCollateral = errors.New("lending engine: insufficient collateral")
	ErrExceedsLimit           = errors.New("lending engine: vault limit exceeded")
	ErrPositionUnhealthy      = errors.New("lending engine: position health below threshold")
	ErrNotLiquidatable        = errors.New("lending engine: position not liquidatable")
	ErrDebtOutstanding        = errors.New("lending engine: position has outstanding debt")
	ErrRepayExceedsDebt       = errors.New("lending engine: repayment exceeds debt")
	ErrNoDebtToRepay          = errors.New("lending engine: no outstanding debt to repay")
	ErrPriceUnavailable       = errors.New("lending engine: collateral price unavailable")
	ErrPositionNotFound       = errors.New("lending engine: position not found")
	ErrAlreadyDeposited       = errors.New("lending engine: nft already in custody")
	ErrInsufficientBalance    = errors.New("lending engine: insufficient balance")
	ErrInvalidParams          = errors.New("lending engine: invalid parameters")
)

// knownErrors labels operation outcomes in metrics.
var knownErrors = []error{
	ErrForbidden, ErrInvalidAmount, ErrPoolNotWhitelisted, ErrPoolMismatch, ErrPoolInUse,
	ErrInsufficientCollateral, ErrExceedsLimit, ErrPositionUnhealthy, ErrNotLiquidatable,
	ErrDebtOutstanding, ErrRepayExceedsDebt, ErrNoDebtToRepay, ErrPriceUnavailable,
	ErrPositionNotFound, ErrAlreadyDeposited, ErrInsufficientBalance, ErrInvalidParams,
}

// RepayPolicy decides how a repayment larger than the outstanding debt is
// treated.
type RepayPolicy uint8

const (
	// RepayReject fails the call with ErrRepayExceedsDebt.
	RepayReject RepayPolicy = iota
	// RepayCap charges only the outstanding debt.
	RepayCap
)

func (p RepayPolicy) String() string {
	switch p {
	case RepayReject:
		return "reject"
	case RepayCap:
		return "cap"
	default:
		return fmt.Sprintf("repay-policy(%d)", uint8(p))
	}
}

// ParseRepayPolicy accepts "reject" or "cap". The empty string selects the
// default.
func ParseRepayPolicy(value string) (RepayPolicy, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "", "reject":
		return RepayReject, nil
	case "cap":
		return RepayCap, nil
	default:
		return 0, fmt.Errorf("%w: unknown repay policy %q", ErrInvalidParams, value)
	}
}

// ResidualPolicy decides who receives liquidation proceeds above debt and
// protocol fee.
type ResidualPolicy uint8

const (
	// ResidualToOwner credits the position owner.
	ResidualToOwner ResidualPolicy = iota
	// ResidualToTreasury credits the protocol treasury.
	ResidualToTreasury
)

func (p ResidualPolicy) String() string {
	switch p {
	case ResidualToOwner:
		return "owner"
	case ResidualToTreasury:
		return "treasury"
	default:
		return fmt.Sprintf("residual-policy(%d)", uint8(p))
	}
}

// ParseResidualPolicy accepts "owner" or "treasury".
func ParseResidualPolicy(value string) (ResidualPolicy, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "", "owner":
		return ResidualToOwner, nil
	case "treasury", "protocol":
		return ResidualToTreasury, nil
	default:
		return 0, fmt.Errorf("%w: unknown residual policy %q", ErrInvalidParams, value)
	}
}

// Position is the debt record of one deposited NFT. ID doubles as the
// identifier of the ownership token minted on deposit.
type Position struct {
	ID          uint64
	NFTID       uint64
	Pool        common.Address
	Principal   *big.Int
	Fees        *big.Int
	LastAccrued uint64
	OpenedAt    uint64
}

// Debt returns principal plus accrued fees.
func (p *Position) Debt() *big.Int {
	debt := new(big.Int)
	if p.Principal != nil {
		debt.Add(debt, p.Principal)
	}
	if p.Fees != nil {
		debt.Add(debt, p.Fees)
	}
	return debt
}

// Clone returns a deep copy of the position.
func (p *Position) Clone() *Position {
	if p == nil {
		return nil
	}
	clone := &Position{ID: p.ID, NFTID: p.NFTID, Pool: p.Pool, LastAccrued: p.LastAccrued, OpenedAt: p.OpenedAt}
	clone.Principal = cloneOrZero(p.Principal)
	clone.Fees = cloneOrZero(p.Fees)
	return clone
}

// PositionView is a position together with its current owner.
type PositionView struct {
	Position
	Owner common.Address
}

// HealthReport is the valuation of a position at a point in time.
type HealthReport struct {
	PositionID      uint64
	Pool            common.Address
	CollateralValue *big.Int
	Debt            *big.Int
	ThresholdD      uint64
	BorrowCapacity  *big.Int
	Liquidatable    bool
}

func cloneOrZero(v *big.Int) *big.Int {
	if v == nil {
		return big.NewInt(0)
	}
	return new(big.Int).Set(v)
}

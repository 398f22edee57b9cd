package oracle

import (
	"errors"
	"math/big"

	"github.com/holiman/uint256"
)

// ReferenceDecimals is the decimal precision of the reference asset.
const ReferenceDecimals = 18

var (
	// Q96 is the fixed-point scale of X96 prices.
	Q96 = new(big.Int).Lsh(big.NewInt(1), 96)

	q96U256     = uint256.MustFromBig(Q96)
	x96RefScale = uint256.MustFromBig(new(big.Int).Mul(Q96, new(big.Int).Exp(big.NewInt(10), big.NewInt(ReferenceDecimals), nil)))

	// ErrOverflow is returned when a fixed-point result exceeds 256 bits.
	ErrOverflow = errors.New("oracle: fixed-point overflow")
)

// maxPow10 is the largest power of ten representable in 256 bits.
const maxPow10 = 77

func pow10(exp uint) *big.Int {
	return new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(exp)), nil)
}

func toU256(v *big.Int) (*uint256.Int, error) {
	if v == nil || v.Sign() < 0 {
		return nil, ErrOverflow
	}
	out, overflow := uint256.FromBig(v)
	if overflow {
		return nil, ErrOverflow
	}
	return out, nil
}

// mulDiv computes floor(x*y/d) with a 512-bit intermediate.
func mulDiv(x, y, d *uint256.Int) (*big.Int, error) {
	if d.IsZero() {
		return nil, ErrOverflow
	}
	out, overflow := new(uint256.Int).MulDivOverflow(x, y, d)
	if overflow {
		return nil, ErrOverflow
	}
	return out.ToBig(), nil
}

// NormalizeX96 converts a feed answer into the X96 reference value of one
// smallest unit of the token:
//
//	answer * 2^96 * 10^18 / 10^(tokenDecimals+feedDecimals)
func NormalizeX96(answer *big.Int, tokenDecimals, feedDecimals uint8) (*big.Int, error) {
	if answer == nil || answer.Sign() <= 0 {
		return nil, errors.New("oracle: answer must be positive")
	}
	a, err := toU256(answer)
	if err != nil {
		return nil, err
	}
	exp := uint(tokenDecimals) + uint(feedDecimals)
	if exp <= maxPow10 {
		return mulDiv(a, x96RefScale, uint256.MustFromBig(pow10(exp)))
	}
	// The quotient is tiny here and the denominator no longer fits 256 bits.
	num := new(big.Int).Mul(answer, x96RefScale.ToBig())
	out := num.Quo(num, pow10(exp))
	if _, err := toU256(out); err != nil {
		return nil, err
	}
	return out, nil
}

// ValueX96 converts amount smallest units at priceX96 into reference units.
func ValueX96(amount, priceX96 *big.Int) (*big.Int, error) {
	a, err := toU256(amount)
	if err != nil {
		return nil, err
	}
	p, err := toU256(priceX96)
	if err != nil {
		return nil, err
	}
	return mulDiv(a, p, q96U256)
}

// RatioX96 returns price0/price1 as an X96 fixed-point value.
func RatioX96(price0, price1 *big.Int) (*big.Int, error) {
	p0, err := toU256(price0)
	if err != nil {
		return nil, err
	}
	p1, err := toU256(price1)
	if err != nil {
		return nil, err
	}
	return mulDiv(p0, q96U256, p1)
}

// FromX96 renders an X96 value as a rational for display.
func FromX96(v *big.Int) *big.Rat {
	if v == nil {
		return new(big.Rat)
	}
	return new(big.Rat).SetFrac(v, Q96)
}

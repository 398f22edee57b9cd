package lending

import "math/big"

func pow10(exp int64) *big.Int {
	return new(big.Int).Exp(big.NewInt(10), big.NewInt(exp), nil)
}

// mulD returns floor(value * fractionD / DenominatorD).
func mulD(value *big.Int, fractionD uint64) *big.Int {
	if value == nil || fractionD == 0 {
		return big.NewInt(0)
	}
	out := new(big.Int).Mul(value, new(big.Int).SetUint64(fractionD))
	return out.Quo(out, denominator)
}

func minBig(a, b *big.Int) *big.Int {
	if a.Cmp(b) <= 0 {
		return new(big.Int).Set(a)
	}
	return new(big.Int).Set(b)
}

func maxBig(a, b *big.Int) *big.Int {
	if a.Cmp(b) >= 0 {
		return new(big.Int).Set(a)
	}
	return new(big.Int).Set(b)
}

// accruedFees returns principal * rateD * elapsed / (DenominatorD * secondsPerYear).
func accruedFees(principal *big.Int, rateD uint64, elapsed uint64) *big.Int {
	if principal == nil || principal.Sign() <= 0 || rateD == 0 || elapsed == 0 {
		return big.NewInt(0)
	}
	out := new(big.Int).Mul(principal, new(big.Int).SetUint64(rateD))
	out.Mul(out, new(big.Int).SetUint64(elapsed))
	scale := new(big.Int).Mul(denominator, big.NewInt(secondsPerYear))
	return out.Quo(out, scale)
}

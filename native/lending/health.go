package lending

import (
	"context"
	"fmt"
	"math/big"

	"lpvault/core/state"
	"lpvault/native/oracle"
	"lpvault/native/positions"
)

// collateralValue sums amount*price over the token vector. Any token without
// a usable price makes the whole position unvaluable. Zero amounts add nothing
// and are not priced, so a drained side of an LP range never blocks valuation.
func (e *Engine) collateralValue(ctx context.Context, amounts []positions.TokenAmount) (*big.Int, error) {
	if e.oracle == nil {
		return nil, fmt.Errorf("%w: oracle not configured", ErrPriceUnavailable)
	}
	total := new(big.Int)
	for _, entry := range amounts {
		if entry.Amount == nil || entry.Amount.Sign() == 0 {
			continue
		}
		ok, price := e.oracle.Price(ctx, entry.Token)
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrPriceUnavailable, entry.Token.Hex())
		}
		value, err := oracle.ValueX96(entry.Amount, price)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrPriceUnavailable, entry.Token.Hex(), err)
		}
		total.Add(total, value)
	}
	return total, nil
}

// health values pos at the current prices. The position is liquidatable when
// debt > value * thresholdD / DenominatorD.
func (e *Engine) health(ctx context.Context, kv state.KV, pos *Position, pool PoolConfig) (HealthReport, error) {
	desc, err := e.book.Describe(kv, pos.NFTID)
	if err != nil {
		return HealthReport{}, err
	}
	value, err := e.collateralValue(ctx, desc.Amounts)
	if err != nil {
		return HealthReport{}, err
	}
	capacity := mulD(value, pool.LiquidationThresholdD)
	debt := pos.Debt()
	return HealthReport{
		PositionID:      pos.ID,
		Pool:            pos.Pool,
		CollateralValue: value,
		Debt:            debt,
		ThresholdD:      pool.LiquidationThresholdD,
		BorrowCapacity:  capacity,
		Liquidatable:    debt.Cmp(capacity) > 0,
	}, nil
}

// Health reports the current valuation of positionID, including fees accrued
// up to now. It fails with ErrPriceUnavailable when any constituent token
// cannot be priced.
func (e *Engine) Health(ctx context.Context, positionID uint64) (HealthReport, error) {
	if e == nil || e.state == nil {
		return HealthReport{}, errNilState
	}
	var report HealthReport
	err := e.state.View(func(tx *state.Tx) error {
		params, err := e.loadParams(tx)
		if err != nil {
			return err
		}
		pos, err := e.loadPosition(tx, positionID)
		if err != nil {
			return err
		}
		pool, err := e.loadPool(tx, pos.Pool)
		if err != nil {
			return err
		}
		e.accrue(pos, params, e.now())
		report, err = e.health(ctx, tx, pos, pool)
		return err
	})
	return report, err
}

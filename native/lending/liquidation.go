package lending

import (
	"context"
	"fmt"
	"math/big"

	"lpvault/core/events"
	"lpvault/core/state"
	"lpvault/core/types"
)

// LiquidationResult describes how a liquidation payment was split.
type LiquidationResult struct {
	PositionID      uint64
	CollateralValue *big.Int
	Debt            *big.Int
	Payment         *big.Int
	ProtocolFee     *big.Int
	Residual        *big.Int
}

// liquidationSplit computes the payment owed by the liquidator and its split.
// The liquidator pays the collateral value less the premium, but never less
// than the debt. Above the debt the protocol takes up to feeD of the value;
// anything left is the residual.
func liquidationSplit(value, debt *big.Int, params Params) (payment, fee, residual *big.Int) {
	discounted := mulD(value, DenominatorD-params.LiquidationPremiumD)
	payment = maxBig(discounted, debt)
	surplus := new(big.Int).Sub(payment, debt)
	fee = minBig(mulD(value, params.LiquidationFeeD), surplus)
	residual = surplus.Sub(surplus, fee)
	return payment, fee, residual
}

// Liquidate seizes an unsafe position. Health is re-derived at call time; a
// safe position fails with ErrNotLiquidatable and nothing changes. On success
// the liquidator pays the liquidation price from its balance, the principal
// is burned, accrued fees and the protocol fee go to the treasury, the
// residual is routed by the residual policy and the NFT is handed to the
// liquidator.
func (e *Engine) Liquidate(ctx context.Context, call types.CallContext, positionID uint64) (LiquidationResult, error) {
	var result LiquidationResult
	err := e.update(ctx, "liquidate", func(tx *state.Tx) error {
		if err := e.guard(tx); err != nil {
			return err
		}
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
		report, err := e.health(ctx, tx, pos, pool)
		if err != nil {
			return err
		}
		if !report.Liquidatable {
			return fmt.Errorf("%w: debt %s within capacity %s", ErrNotLiquidatable, report.Debt, report.BorrowCapacity)
		}
		owner, err := e.registry.OwnerOf(tx, positionID)
		if err != nil {
			return err
		}
		liquidator := call.Sender
		debt := report.Debt
		payment, fee, residual := liquidationSplit(report.CollateralValue, debt, params)

		if err := e.debit(tx, liquidator, payment); err != nil {
			return err
		}
		// principal leaves circulation; the rest changes hands
		if err := addBig(tx, supplyKey, new(big.Int).Neg(pos.Principal)); err != nil {
			return err
		}
		if err := addBig(tx, totalDebtKey, new(big.Int).Neg(pos.Principal)); err != nil {
			return err
		}
		treasuryShare := new(big.Int).Add(pos.Fees, fee)
		if params.ResidualPolicy == ResidualToTreasury {
			treasuryShare.Add(treasuryShare, residual)
		} else if err := e.credit(tx, owner, residual); err != nil {
			return err
		}
		if err := e.credit(tx, e.treasury, treasuryShare); err != nil {
			return err
		}

		if err := e.book.Transfer(tx, e.moduleAddress, liquidator, pos.NFTID); err != nil {
			return err
		}
		if err := e.registry.Burn(tx, e.moduleAddress, positionID); err != nil {
			return err
		}
		if err := e.deletePosition(tx, pos); err != nil {
			return err
		}
		result = LiquidationResult{
			PositionID:      positionID,
			CollateralValue: report.CollateralValue,
			Debt:            debt,
			Payment:         payment,
			ProtocolFee:     fee,
			Residual:        residual,
		}
		tx.Emit(events.Liquidated{
			Origin:          call.Origin,
			Sender:          call.Sender,
			Liquidator:      liquidator,
			Owner:           owner,
			PositionID:      positionID,
			NFTID:           pos.NFTID,
			CollateralValue: new(big.Int).Set(report.CollateralValue),
			Debt:            new(big.Int).Set(debt),
			Payment:         new(big.Int).Set(payment),
			ProtocolFee:     new(big.Int).Set(fee),
			Residual:        new(big.Int).Set(residual),
		})
		return nil
	})
	if err != nil {
		return LiquidationResult{}, err
	}
	e.telemetry.ObserveLiquidation(result.Payment, result.ProtocolFee)
	e.logger.Info("position liquidated",
		"position", result.PositionID,
		"payment", result.Payment.String(),
		"protocolFee", result.ProtocolFee.String())
	return result, nil
}

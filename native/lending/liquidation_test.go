package lending

import (
	"context"
	"errors"
	"math/big"
	"testing"
	"time"

	"lpvault/core/events"
	"lpvault/core/types"
)

func TestLiquidationSplit(t *testing.T) {
	params := DefaultParams()
	cases := []struct {
		name     string
		value    *big.Int
		debt     *big.Int
		payment  *big.Int
		fee      *big.Int
		residual *big.Int
	}{
		{
			name:     "surplus covers fee",
			value:    e18(1750),
			debt:     e18(1500),
			payment:  new(big.Int).Add(e18(1662), new(big.Int).Div(e18(1), big.NewInt(2))),
			fee:      new(big.Int).Add(e18(52), new(big.Int).Div(e18(1), big.NewInt(2))),
			residual: e18(110),
		},
		{
			name:     "fee capped by surplus",
			value:    e18(1600),
			debt:     e18(1500),
			payment:  e18(1520),
			fee:      e18(20),
			residual: big.NewInt(0),
		},
		{
			name:     "underwater pays debt",
			value:    e18(1000),
			debt:     e18(1500),
			payment:  e18(1500),
			fee:      big.NewInt(0),
			residual: big.NewInt(0),
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			payment, fee, residual := liquidationSplit(tc.value, tc.debt, params)
			if payment.Cmp(tc.payment) != 0 || fee.Cmp(tc.fee) != 0 || residual.Cmp(tc.residual) != 0 {
				t.Fatalf("got payment=%s fee=%s residual=%s", payment, fee, residual)
			}
			sum := new(big.Int).Add(tc.debt, fee)
			if sum.Add(sum, residual).Cmp(payment) != 0 {
				t.Fatalf("payment must equal debt+fee+residual")
			}
		})
	}
}

func TestLiquidateHealthyPositionIsRejected(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	positionID, nftID := h.deposit(t, alice, e18(2000))
	if err := h.engine.Borrow(ctx, types.DirectCall(alice), positionID, e18(1600)); err != nil {
		t.Fatalf("borrow: %v", err)
	}
	h.fund(t, bob, e18(5000))
	before := len(h.recorder.Events())

	if _, err := h.engine.Liquidate(ctx, types.DirectCall(bob), positionID); !errors.Is(err, ErrNotLiquidatable) {
		t.Fatalf("expected ErrNotLiquidatable at the threshold, got %v", err)
	}
	if got := h.balance(t, bob); got.Cmp(e18(5000)) != 0 {
		t.Fatalf("rejected liquidation must not move funds, got %s", got)
	}
	if owner := h.nftOwner(t, nftID); owner != moduleAddr {
		t.Fatalf("rejected liquidation must not move the nft, got %s", owner.Hex())
	}
	if len(h.recorder.Events()) != before {
		t.Fatalf("rejected liquidation must not emit events")
	}
}

func TestLiquidateUnsafePosition(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	positionID, nftID := h.deposit(t, alice, e18(2000))
	if err := h.engine.Borrow(ctx, types.DirectCall(alice), positionID, e18(1500)); err != nil {
		t.Fatalf("borrow: %v", err)
	}
	h.fund(t, bob, e18(2000))
	h.prices.set(tokA, fraction(7, 8))

	report, err := h.engine.Health(ctx, positionID)
	if err != nil || !report.Liquidatable {
		t.Fatalf("expected liquidatable report %+v err=%v", report, err)
	}
	result, err := h.engine.Liquidate(ctx, types.DirectCall(bob), positionID)
	if err != nil {
		t.Fatalf("liquidate: %v", err)
	}
	payment := mustBig(t, "1662500000000000000000")
	fee := mustBig(t, "52500000000000000000")
	if result.Payment.Cmp(payment) != 0 || result.ProtocolFee.Cmp(fee) != 0 || result.Residual.Cmp(e18(110)) != 0 {
		t.Fatalf("unexpected result %+v", result)
	}
	if got := h.balance(t, bob); got.Cmp(new(big.Int).Sub(e18(2000), payment)) != 0 {
		t.Fatalf("unexpected liquidator balance %s", got)
	}
	if got := h.balance(t, treasury); got.Cmp(fee) != 0 {
		t.Fatalf("unexpected treasury balance %s", got)
	}
	if got := h.balance(t, alice); got.Cmp(e18(1610)) != 0 {
		t.Fatalf("owner keeps borrowed funds plus residual, got %s", got)
	}
	if owner := h.nftOwner(t, nftID); owner != bob {
		t.Fatalf("nft should go to the liquidator, got %s", owner.Hex())
	}
	supply, _ := h.engine.TotalSupply()
	debt, _ := h.engine.TotalDebt()
	if supply.Cmp(e18(2000)) != 0 || debt.Sign() != 0 {
		t.Fatalf("unexpected totals supply=%s debt=%s", supply, debt)
	}
	if held, _ := h.engine.PositionsOf(alice); len(held) != 0 {
		t.Fatalf("ownership token should be burned, still holds %v", held)
	}
	emitted := h.recorder.Types()
	if last := emitted[len(emitted)-1]; last != events.TypeLendingLiquidated {
		t.Fatalf("expected liquidation event last, got %v", emitted)
	}

	if _, err := h.engine.Liquidate(ctx, types.DirectCall(bob), positionID); !errors.Is(err, ErrPositionNotFound) {
		t.Fatalf("expected second liquidation to fail with ErrPositionNotFound, got %v", err)
	}
}

func TestLiquidateUnderwaterPosition(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	positionID, _ := h.deposit(t, alice, e18(2000))
	if err := h.engine.Borrow(ctx, types.DirectCall(alice), positionID, e18(1500)); err != nil {
		t.Fatalf("borrow: %v", err)
	}
	h.prices.set(tokA, fraction(1, 2))

	if _, err := h.engine.Liquidate(ctx, types.DirectCall(bob), positionID); !errors.Is(err, ErrInsufficientBalance) {
		t.Fatalf("expected ErrInsufficientBalance, got %v", err)
	}
	h.fund(t, bob, e18(1500))
	result, err := h.engine.Liquidate(ctx, types.DirectCall(bob), positionID)
	if err != nil {
		t.Fatalf("liquidate: %v", err)
	}
	if result.Payment.Cmp(e18(1500)) != 0 || result.ProtocolFee.Sign() != 0 || result.Residual.Sign() != 0 {
		t.Fatalf("underwater liquidation pays exactly the debt, got %+v", result)
	}
	if got := h.balance(t, bob); got.Sign() != 0 {
		t.Fatalf("unexpected liquidator balance %s", got)
	}
}

func TestLiquidateResidualToTreasury(t *testing.T) {
	params := DefaultParams()
	params.ResidualPolicy = ResidualToTreasury
	h := newHarnessWithParams(t, params)
	ctx := context.Background()
	positionID, _ := h.deposit(t, alice, e18(2000))
	if err := h.engine.Borrow(ctx, types.DirectCall(alice), positionID, e18(1500)); err != nil {
		t.Fatalf("borrow: %v", err)
	}
	h.fund(t, bob, e18(2000))
	h.prices.set(tokA, fraction(7, 8))

	if _, err := h.engine.Liquidate(ctx, types.DirectCall(bob), positionID); err != nil {
		t.Fatalf("liquidate: %v", err)
	}
	if got := h.balance(t, treasury); got.Cmp(mustBig(t, "162500000000000000000")) != 0 {
		t.Fatalf("treasury should take fee and residual, got %s", got)
	}
	if got := h.balance(t, alice); got.Cmp(e18(1500)) != 0 {
		t.Fatalf("owner should keep only borrowed funds, got %s", got)
	}
}

func TestLiquidateFailsClosedWithoutPrice(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	positionID, _ := h.deposit(t, alice, e18(2000))
	if err := h.engine.Borrow(ctx, types.DirectCall(alice), positionID, e18(1500)); err != nil {
		t.Fatalf("borrow: %v", err)
	}
	h.fund(t, bob, e18(2000))
	h.prices.set(tokA, nil)
	if _, err := h.engine.Liquidate(ctx, types.DirectCall(bob), positionID); !errors.Is(err, ErrPriceUnavailable) {
		t.Fatalf("expected ErrPriceUnavailable, got %v", err)
	}
}

func TestLiquidateIncludesAccruedFees(t *testing.T) {
	params := DefaultParams()
	params.StabilisationFeeRateD = 200_000_000
	h := newHarnessWithParams(t, params)
	ctx := context.Background()
	positionID, _ := h.deposit(t, alice, e18(2000))
	if err := h.engine.Borrow(ctx, types.DirectCall(alice), positionID, e18(1500)); err != nil {
		t.Fatalf("borrow: %v", err)
	}
	h.fund(t, bob, e18(3000))
	// 20% a year pushes 1500 of principal to 1800 of debt, above 1600 of capacity.
	h.clock.Advance(secondsPerYear * time.Second)

	result, err := h.engine.Liquidate(ctx, types.DirectCall(bob), positionID)
	if err != nil {
		t.Fatalf("liquidate: %v", err)
	}
	if result.Debt.Cmp(e18(1800)) != 0 || result.Payment.Cmp(e18(1900)) != 0 {
		t.Fatalf("unexpected result %+v", result)
	}
	// accrued fees 300 plus protocol fee 60
	if got := h.balance(t, treasury); got.Cmp(e18(360)) != 0 {
		t.Fatalf("unexpected treasury balance %s", got)
	}
	debt, _ := h.engine.TotalDebt()
	if debt.Sign() != 0 {
		t.Fatalf("total debt should clear, got %s", debt)
	}
}

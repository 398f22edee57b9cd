package lending

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"lpvault/core/events"
	"lpvault/core/state"
	"lpvault/core/types"
	nativecommon "lpvault/native/common"
	"lpvault/native/oracle"
	"lpvault/native/positions"
	"lpvault/storage"
)

var (
	admin      = common.HexToAddress("0x00000000000000000000000000000000000000ad")
	alice      = common.HexToAddress("0x00000000000000000000000000000000000a11ce")
	bob        = common.HexToAddress("0x0000000000000000000000000000000000000b0b")
	carol      = common.HexToAddress("0x00000000000000000000000000000000000ca201")
	moduleAddr = common.HexToAddress("0x000000000000000000000000000000000000f00d")
	treasury   = common.HexToAddress("0x0000000000000000000000000000000000007ea5")

	poolA = common.HexToAddress("0x0000000000000000000000000000000000003001")
	poolB = common.HexToAddress("0x0000000000000000000000000000000000003002")

	tokA = common.HexToAddress("0x0000000000000000000000000000000000001001")
	tokB = common.HexToAddress("0x0000000000000000000000000000000000001002")
)

type fakeOracle struct {
	mu     sync.Mutex
	prices map[common.Address]*big.Int
}

func (o *fakeOracle) set(token common.Address, priceX96 *big.Int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if priceX96 == nil {
		delete(o.prices, token)
		return
	}
	o.prices[token] = new(big.Int).Set(priceX96)
}

func (o *fakeOracle) Price(_ context.Context, token common.Address) (bool, *big.Int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	price, ok := o.prices[token]
	if !ok {
		return false, nil
	}
	return true, new(big.Int).Set(price)
}

// fraction returns Q96*num/den, i.e. a price of num/den reference units per
// smallest unit.
func fraction(num, den int64) *big.Int {
	out := new(big.Int).Mul(oracle.Q96, big.NewInt(num))
	return out.Quo(out, big.NewInt(den))
}

type testClock struct{ now time.Time }

func (c *testClock) Now() time.Time          { return c.now }
func (c *testClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

type harness struct {
	engine   *Engine
	mgr      *state.Manager
	book     *positions.Book
	prices   *fakeOracle
	clock    *testClock
	recorder *events.Recorder
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	return newHarnessWithParams(t, DefaultParams())
}

func newHarnessWithParams(t *testing.T, params Params) *harness {
	t.Helper()
	mgr := state.NewManager(storage.NewMemDB(), "lending")
	recorder := &events.Recorder{}
	mgr.SetEmitter(recorder)
	prices := &fakeOracle{prices: map[common.Address]*big.Int{tokA: fraction(1, 1)}}
	book := positions.NewBook("positions")
	clock := &testClock{now: time.Unix(1_700_000_000, 0).UTC()}
	engine := NewEngine(mgr, prices, book, moduleAddr, treasury)
	engine.SetNowFunc(clock.Now)
	genesis := Genesis{
		Admins: []common.Address{admin},
		Params: params,
		Pools:  []PoolConfig{{Pool: poolA, Whitelisted: true, LiquidationThresholdD: 800_000_000}},
	}
	if err := engine.InitGenesis(genesis); err != nil {
		t.Fatalf("init genesis: %v", err)
	}
	return &harness{engine: engine, mgr: mgr, book: book, prices: prices, clock: clock, recorder: recorder}
}

func e18(v int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(v), pow10(18))
}

func mustBig(t *testing.T, v string) *big.Int {
	t.Helper()
	out, ok := new(big.Int).SetString(v, 10)
	if !ok {
		t.Fatalf("bad integer %q", v)
	}
	return out
}

func (h *harness) mintNFT(t *testing.T, owner, pool common.Address, amounts ...positions.TokenAmount) uint64 {
	t.Helper()
	var id uint64
	err := h.mgr.Update(func(tx *state.Tx) error {
		var err error
		id, err = h.book.Mint(tx, owner, pool, amounts)
		return err
	})
	if err != nil {
		t.Fatalf("mint nft: %v", err)
	}
	return id
}

func (h *harness) deposit(t *testing.T, owner common.Address, collateral *big.Int) (uint64, uint64) {
	t.Helper()
	nftID := h.mintNFT(t, owner, poolA, positions.TokenAmount{Token: tokA, Amount: collateral})
	positionID, err := h.engine.Deposit(context.Background(), types.DirectCall(owner), nftID, poolA)
	if err != nil {
		t.Fatalf("deposit: %v", err)
	}
	return positionID, nftID
}

func (h *harness) fund(t *testing.T, addr common.Address, amount *big.Int) {
	t.Helper()
	err := h.mgr.Update(func(tx *state.Tx) error {
		if err := h.engine.credit(tx, addr, amount); err != nil {
			return err
		}
		return addBig(tx, supplyKey, amount)
	})
	if err != nil {
		t.Fatalf("fund: %v", err)
	}
}

func (h *harness) balance(t *testing.T, addr common.Address) *big.Int {
	t.Helper()
	balance, err := h.engine.BalanceOf(addr)
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	return balance
}

func (h *harness) nftOwner(t *testing.T, nftID uint64) common.Address {
	t.Helper()
	var owner common.Address
	err := h.mgr.View(func(tx *state.Tx) error {
		desc, err := h.book.Describe(tx, nftID)
		owner = desc.Owner
		return err
	})
	if err != nil {
		t.Fatalf("describe nft: %v", err)
	}
	return owner
}

func TestDepositOpensPosition(t *testing.T) {
	h := newHarness(t)
	positionID, nftID := h.deposit(t, alice, e18(1000))

	if owner := h.nftOwner(t, nftID); owner != moduleAddr {
		t.Fatalf("expected nft in custody, held by %s", owner.Hex())
	}
	view, err := h.engine.Position(positionID)
	if err != nil {
		t.Fatalf("position: %v", err)
	}
	if view.Owner != alice || view.NFTID != nftID || view.Pool != poolA {
		t.Fatalf("unexpected position %+v", view)
	}
	if view.Debt().Sign() != 0 {
		t.Fatalf("expected no debt, got %s", view.Debt())
	}
	held, err := h.engine.PositionsOf(alice)
	if err != nil || len(held) != 1 || held[0] != positionID {
		t.Fatalf("unexpected holdings %v err=%v", held, err)
	}
	byNFT, ok, err := h.engine.PositionByNFT(nftID)
	if err != nil || !ok || byNFT != positionID {
		t.Fatalf("position by nft: id=%d ok=%v err=%v", byNFT, ok, err)
	}
	emitted := h.recorder.Types()
	if len(emitted) != 2 || emitted[0] != events.TypeRegistryMinted || emitted[1] != events.TypeLendingPositionOpened {
		t.Fatalf("unexpected events %v", emitted)
	}
}

func TestDepositRejections(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	small := h.mintNFT(t, alice, poolA, positions.TokenAmount{Token: tokA, Amount: e18(99)})
	if _, err := h.engine.Deposit(ctx, types.DirectCall(alice), small, poolA); !errors.Is(err, ErrInsufficientCollateral) {
		t.Fatalf("expected ErrInsufficientCollateral, got %v", err)
	}

	foreign := h.mintNFT(t, alice, poolB, positions.TokenAmount{Token: tokA, Amount: e18(1000)})
	if _, err := h.engine.Deposit(ctx, types.DirectCall(alice), foreign, poolB); !errors.Is(err, ErrPoolNotWhitelisted) {
		t.Fatalf("expected ErrPoolNotWhitelisted, got %v", err)
	}
	if _, err := h.engine.Deposit(ctx, types.DirectCall(alice), foreign, poolA); !errors.Is(err, ErrPoolMismatch) {
		t.Fatalf("expected ErrPoolMismatch, got %v", err)
	}

	nft := h.mintNFT(t, alice, poolA, positions.TokenAmount{Token: tokA, Amount: e18(1000)})
	if _, err := h.engine.Deposit(ctx, types.DirectCall(bob), nft, poolA); !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected ErrForbidden for non-holder, got %v", err)
	}

	unpriced := h.mintNFT(t, alice, poolA,
		positions.TokenAmount{Token: tokA, Amount: e18(1000)},
		positions.TokenAmount{Token: tokB, Amount: e18(1)})
	if _, err := h.engine.Deposit(ctx, types.DirectCall(alice), unpriced, poolA); !errors.Is(err, ErrPriceUnavailable) {
		t.Fatalf("expected ErrPriceUnavailable, got %v", err)
	}

	drained := h.mintNFT(t, alice, poolA,
		positions.TokenAmount{Token: tokA, Amount: e18(1000)},
		positions.TokenAmount{Token: tokB, Amount: big.NewInt(0)})
	if _, err := h.engine.Deposit(ctx, types.DirectCall(alice), drained, poolA); err != nil {
		t.Fatalf("zero amount of an unpriced token must not block valuation: %v", err)
	}

	if _, err := h.engine.Deposit(ctx, types.DirectCall(alice), nft, poolA); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	if _, err := h.engine.Deposit(ctx, types.DirectCall(alice), nft, poolA); !errors.Is(err, ErrAlreadyDeposited) {
		t.Fatalf("expected ErrAlreadyDeposited, got %v", err)
	}
	if _, err := h.engine.Deposit(ctx, types.DirectCall(alice), 999, poolA); !errors.Is(err, positions.ErrPositionNotFound) {
		t.Fatalf("expected unknown nft error, got %v", err)
	}
}

func TestDepositRespectsNftLimit(t *testing.T) {
	params := DefaultParams()
	params.MaxNftsPerVault = 1
	h := newHarnessWithParams(t, params)
	h.deposit(t, alice, e18(1000))

	nft := h.mintNFT(t, alice, poolA, positions.TokenAmount{Token: tokA, Amount: e18(1000)})
	if _, err := h.engine.Deposit(context.Background(), types.DirectCall(alice), nft, poolA); !errors.Is(err, ErrExceedsLimit) {
		t.Fatalf("expected ErrExceedsLimit, got %v", err)
	}
	if owner := h.nftOwner(t, nft); owner != alice {
		t.Fatalf("rejected deposit must leave nft with holder, got %s", owner.Hex())
	}
	if _, err := h.engine.Deposit(context.Background(), types.DirectCall(bob), h.mintNFT(t, bob, poolA, positions.TokenAmount{Token: tokA, Amount: e18(1000)}), poolA); err != nil {
		t.Fatalf("limit is per owner: %v", err)
	}
}

func TestBorrowUpToThreshold(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	positionID, _ := h.deposit(t, alice, e18(2000))

	if err := h.engine.Borrow(ctx, types.DirectCall(alice), positionID, e18(1600)); err != nil {
		t.Fatalf("borrow at capacity: %v", err)
	}
	if err := h.engine.Borrow(ctx, types.DirectCall(alice), positionID, big.NewInt(1)); !errors.Is(err, ErrPositionUnhealthy) {
		t.Fatalf("expected ErrPositionUnhealthy, got %v", err)
	}
	if got := h.balance(t, alice); got.Cmp(e18(1600)) != 0 {
		t.Fatalf("unexpected balance %s", got)
	}
	supply, _ := h.engine.TotalSupply()
	debt, _ := h.engine.TotalDebt()
	if supply.Cmp(e18(1600)) != 0 || debt.Cmp(e18(1600)) != 0 {
		t.Fatalf("unexpected totals supply=%s debt=%s", supply, debt)
	}
	report, err := h.engine.Health(ctx, positionID)
	if err != nil {
		t.Fatalf("health: %v", err)
	}
	if report.Liquidatable || report.CollateralValue.Cmp(e18(2000)) != 0 || report.BorrowCapacity.Cmp(e18(1600)) != 0 {
		t.Fatalf("unexpected report %+v", report)
	}
}

func TestBorrowValidation(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	positionID, _ := h.deposit(t, alice, e18(2000))

	if err := h.engine.Borrow(ctx, types.DirectCall(alice), positionID, big.NewInt(0)); !errors.Is(err, ErrInvalidAmount) {
		t.Fatalf("expected ErrInvalidAmount, got %v", err)
	}
	if err := h.engine.Borrow(ctx, types.DirectCall(bob), positionID, e18(1)); !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected ErrForbidden, got %v", err)
	}
	if err := h.engine.Borrow(ctx, types.DirectCall(alice), 42, e18(1)); !errors.Is(err, ErrPositionNotFound) {
		t.Fatalf("expected ErrPositionNotFound, got %v", err)
	}
	if err := h.engine.ApprovePosition(ctx, types.DirectCall(alice), positionID, bob); err != nil {
		t.Fatalf("approve: %v", err)
	}
	if err := h.engine.Borrow(ctx, types.DirectCall(bob), positionID, e18(10)); err != nil {
		t.Fatalf("approved borrow: %v", err)
	}
	if got := h.balance(t, bob); got.Cmp(e18(10)) != 0 {
		t.Fatalf("borrowed funds go to the caller, got %s", got)
	}
	if err := h.engine.SetOperator(ctx, types.DirectCall(alice), carol, true); err != nil {
		t.Fatalf("set operator: %v", err)
	}
	if err := h.engine.Borrow(ctx, types.DirectCall(carol), positionID, e18(10)); err != nil {
		t.Fatalf("operator borrow: %v", err)
	}
}

func TestBorrowAggregateDebtLimit(t *testing.T) {
	params := DefaultParams()
	params.MaxDebtPerVault = e18(1000)
	h := newHarnessWithParams(t, params)
	ctx := context.Background()
	first, _ := h.deposit(t, alice, e18(2000))
	second, _ := h.deposit(t, alice, e18(2000))

	if err := h.engine.Borrow(ctx, types.DirectCall(alice), first, e18(600)); err != nil {
		t.Fatalf("borrow first: %v", err)
	}
	if err := h.engine.Borrow(ctx, types.DirectCall(alice), second, e18(600)); !errors.Is(err, ErrExceedsLimit) {
		t.Fatalf("expected ErrExceedsLimit across positions, got %v", err)
	}
	if err := h.engine.Borrow(ctx, types.DirectCall(alice), second, e18(400)); err != nil {
		t.Fatalf("borrow up to limit: %v", err)
	}
}

func TestBorrowFailsClosedWithoutPrice(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	positionID, _ := h.deposit(t, alice, e18(2000))
	h.prices.set(tokA, nil)

	if err := h.engine.Borrow(ctx, types.DirectCall(alice), positionID, e18(1)); !errors.Is(err, ErrPriceUnavailable) {
		t.Fatalf("expected ErrPriceUnavailable, got %v", err)
	}
	if _, err := h.engine.Health(ctx, positionID); !errors.Is(err, ErrPriceUnavailable) {
		t.Fatalf("expected health to fail closed, got %v", err)
	}
	if err := h.engine.Withdraw(ctx, types.DirectCall(alice), positionID); err != nil {
		t.Fatalf("withdraw needs no valuation: %v", err)
	}
}

func TestRepayPolicies(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	positionID, _ := h.deposit(t, alice, e18(2000))
	if err := h.engine.Borrow(ctx, types.DirectCall(alice), positionID, e18(500)); err != nil {
		t.Fatalf("borrow: %v", err)
	}
	h.fund(t, alice, e18(100))

	if _, err := h.engine.Repay(ctx, types.DirectCall(alice), positionID, e18(501)); !errors.Is(err, ErrRepayExceedsDebt) {
		t.Fatalf("expected ErrRepayExceedsDebt, got %v", err)
	}
	charged, err := h.engine.Repay(ctx, types.DirectCall(alice), positionID, e18(200))
	if err != nil || charged.Cmp(e18(200)) != 0 {
		t.Fatalf("partial repay: charged=%v err=%v", charged, err)
	}

	params := DefaultParams()
	params.RepayPolicy = RepayCap
	if err := h.engine.SetParams(ctx, types.DirectCall(admin), params); err != nil {
		t.Fatalf("set params: %v", err)
	}
	charged, err = h.engine.Repay(ctx, types.DirectCall(alice), positionID, e18(400))
	if err != nil || charged.Cmp(e18(300)) != 0 {
		t.Fatalf("capped repay: charged=%v err=%v", charged, err)
	}
	if got := h.balance(t, alice); got.Cmp(e18(100)) != 0 {
		t.Fatalf("unexpected balance after repay %s", got)
	}
	if _, err := h.engine.Repay(ctx, types.DirectCall(alice), positionID, e18(1)); !errors.Is(err, ErrNoDebtToRepay) {
		t.Fatalf("expected ErrNoDebtToRepay, got %v", err)
	}
	supply, _ := h.engine.TotalSupply()
	debt, _ := h.engine.TotalDebt()
	if supply.Cmp(e18(100)) != 0 || debt.Sign() != 0 {
		t.Fatalf("unexpected totals supply=%s debt=%s", supply, debt)
	}
}

func TestRepayByThirdParty(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	positionID, _ := h.deposit(t, alice, e18(2000))
	if err := h.engine.Borrow(ctx, types.DirectCall(alice), positionID, e18(500)); err != nil {
		t.Fatalf("borrow: %v", err)
	}
	if _, err := h.engine.Repay(ctx, types.DirectCall(bob), positionID, e18(100)); !errors.Is(err, ErrInsufficientBalance) {
		t.Fatalf("expected ErrInsufficientBalance, got %v", err)
	}
	h.fund(t, bob, e18(100))
	if _, err := h.engine.Repay(ctx, types.DirectCall(bob), positionID, e18(100)); err != nil {
		t.Fatalf("third-party repay: %v", err)
	}
	view, _ := h.engine.Position(positionID)
	if view.Debt().Cmp(e18(400)) != 0 {
		t.Fatalf("unexpected debt %s", view.Debt())
	}
}

func TestStabilisationFeeAccrual(t *testing.T) {
	params := DefaultParams()
	params.StabilisationFeeRateD = 100_000_000
	h := newHarnessWithParams(t, params)
	ctx := context.Background()
	positionID, _ := h.deposit(t, alice, e18(5000))
	if err := h.engine.Borrow(ctx, types.DirectCall(alice), positionID, e18(1000)); err != nil {
		t.Fatalf("borrow: %v", err)
	}
	h.clock.Advance(secondsPerYear * time.Second)

	view, err := h.engine.Position(positionID)
	if err != nil {
		t.Fatalf("position: %v", err)
	}
	if view.Fees.Cmp(e18(100)) != 0 {
		t.Fatalf("expected 100 of fees after a year, got %s", view.Fees)
	}

	h.fund(t, alice, e18(100))
	if _, err := h.engine.Repay(ctx, types.DirectCall(alice), positionID, e18(150)); err != nil {
		t.Fatalf("repay: %v", err)
	}
	view, _ = h.engine.Position(positionID)
	if view.Fees.Sign() != 0 || view.Principal.Cmp(e18(950)) != 0 {
		t.Fatalf("fees are settled before principal, got fees=%s principal=%s", view.Fees, view.Principal)
	}
	if got := h.balance(t, treasury); got.Cmp(e18(100)) != 0 {
		t.Fatalf("treasury should hold settled fees, got %s", got)
	}
	debt, _ := h.engine.TotalDebt()
	if debt.Cmp(e18(950)) != 0 {
		t.Fatalf("unexpected total debt %s", debt)
	}
}

func TestAccrualKeepsTimestampForDust(t *testing.T) {
	h := newHarness(t)
	params := DefaultParams()
	params.StabilisationFeeRateD = 1
	pos := &Position{Principal: big.NewInt(1000), Fees: big.NewInt(0), LastAccrued: 100}
	h.engine.accrue(pos, params, 200)
	if pos.Fees.Sign() != 0 || pos.LastAccrued != 100 {
		t.Fatalf("dust accrual must not advance the clock: %+v", pos)
	}
	params.StabilisationFeeRateD = 0
	h.engine.accrue(pos, params, 200)
	if pos.LastAccrued != 200 {
		t.Fatalf("zero rate should advance the clock, got %d", pos.LastAccrued)
	}
	params.StabilisationFeeRateD = 1
	h.engine.settle(pos, params, 300)
	if pos.Fees.Sign() != 0 || pos.LastAccrued != 300 {
		t.Fatalf("settle must pin the clock even for dust: %+v", pos)
	}
}

func TestBorrowAfterDustPeriodIsNotBackCharged(t *testing.T) {
	params := DefaultParams()
	params.StabilisationFeeRateD = 100_000_000
	h := newHarnessWithParams(t, params)
	ctx := context.Background()
	positionID, _ := h.deposit(t, alice, e18(5000))
	if err := h.engine.Borrow(ctx, types.DirectCall(alice), positionID, big.NewInt(1)); err != nil {
		t.Fatalf("borrow dust: %v", err)
	}
	h.clock.Advance(secondsPerYear * time.Second)
	if err := h.engine.Borrow(ctx, types.DirectCall(alice), positionID, e18(1000)); err != nil {
		t.Fatalf("borrow: %v", err)
	}
	h.clock.Advance(time.Second)

	view, err := h.engine.Position(positionID)
	if err != nil {
		t.Fatalf("position: %v", err)
	}
	// 10% a year on 1000 for one second is about 3.17e12.
	if view.Fees.Cmp(big.NewInt(4_000_000_000_000)) > 0 {
		t.Fatalf("new principal charged for earlier time, fees=%s", view.Fees)
	}
	report, err := h.engine.Health(ctx, positionID)
	if err != nil || report.Liquidatable {
		t.Fatalf("fresh borrow must stay healthy: %+v err=%v", report, err)
	}
}

func TestWithdrawReturnsNFT(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	positionID, nftID := h.deposit(t, alice, e18(2000))
	if err := h.engine.Borrow(ctx, types.DirectCall(alice), positionID, e18(100)); err != nil {
		t.Fatalf("borrow: %v", err)
	}
	if err := h.engine.Withdraw(ctx, types.DirectCall(alice), positionID); !errors.Is(err, ErrDebtOutstanding) {
		t.Fatalf("expected ErrDebtOutstanding, got %v", err)
	}
	if _, err := h.engine.Repay(ctx, types.DirectCall(alice), positionID, e18(100)); err != nil {
		t.Fatalf("repay: %v", err)
	}
	if err := h.engine.Withdraw(ctx, types.DirectCall(bob), positionID); !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected ErrForbidden, got %v", err)
	}
	if err := h.engine.ApprovePosition(ctx, types.DirectCall(alice), positionID, bob); err != nil {
		t.Fatalf("approve: %v", err)
	}
	if err := h.engine.Withdraw(ctx, types.DirectCall(bob), positionID); err != nil {
		t.Fatalf("withdraw: %v", err)
	}
	if owner := h.nftOwner(t, nftID); owner != alice {
		t.Fatalf("nft must return to the token holder, got %s", owner.Hex())
	}
	if _, err := h.engine.Position(positionID); !errors.Is(err, ErrPositionNotFound) {
		t.Fatalf("expected closed position, got %v", err)
	}
	if held, _ := h.engine.PositionsOf(alice); len(held) != 0 {
		t.Fatalf("ownership token should be burned, still holds %v", held)
	}
	if err := h.engine.Withdraw(ctx, types.DirectCall(alice), positionID); !errors.Is(err, ErrPositionNotFound) {
		t.Fatalf("expected second withdraw to fail, got %v", err)
	}
}

func TestTransferPositionMovesDebtAndRights(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	positionID, nftID := h.deposit(t, alice, e18(2000))
	if err := h.engine.Borrow(ctx, types.DirectCall(alice), positionID, e18(100)); err != nil {
		t.Fatalf("borrow: %v", err)
	}
	if err := h.engine.TransferPosition(ctx, types.DirectCall(bob), positionID, bob); err == nil {
		t.Fatalf("expected unauthorised transfer to fail")
	}
	if err := h.engine.TransferPosition(ctx, types.DirectCall(alice), positionID, bob); err != nil {
		t.Fatalf("transfer position: %v", err)
	}
	if err := h.engine.Borrow(ctx, types.DirectCall(alice), positionID, e18(1)); !errors.Is(err, ErrForbidden) {
		t.Fatalf("previous owner must lose rights, got %v", err)
	}
	if err := h.engine.Transfer(ctx, types.DirectCall(alice), bob, e18(100)); err != nil {
		t.Fatalf("transfer balance: %v", err)
	}
	if _, err := h.engine.Repay(ctx, types.DirectCall(bob), positionID, e18(100)); err != nil {
		t.Fatalf("repay: %v", err)
	}
	if err := h.engine.Withdraw(ctx, types.DirectCall(bob), positionID); err != nil {
		t.Fatalf("withdraw: %v", err)
	}
	if owner := h.nftOwner(t, nftID); owner != bob {
		t.Fatalf("nft should go to the new holder, got %s", owner.Hex())
	}
}

func TestPauseBlocksRiskIncreasingOperations(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	positionID, _ := h.deposit(t, alice, e18(2000))
	if err := h.engine.Borrow(ctx, types.DirectCall(alice), positionID, e18(100)); err != nil {
		t.Fatalf("borrow: %v", err)
	}
	if err := h.engine.SetPaused(ctx, types.DirectCall(alice), true); !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected ErrForbidden, got %v", err)
	}
	if err := h.engine.SetPaused(ctx, types.DirectCall(admin), true); err != nil {
		t.Fatalf("pause: %v", err)
	}
	if !h.engine.Paused() {
		t.Fatalf("expected paused state")
	}
	if err := h.engine.Borrow(ctx, types.DirectCall(alice), positionID, e18(1)); !errors.Is(err, nativecommon.ErrModulePaused) {
		t.Fatalf("expected ErrModulePaused, got %v", err)
	}
	if _, err := h.engine.Liquidate(ctx, types.DirectCall(bob), positionID); !errors.Is(err, nativecommon.ErrModulePaused) {
		t.Fatalf("expected ErrModulePaused, got %v", err)
	}
	nft := h.mintNFT(t, alice, poolA, positions.TokenAmount{Token: tokA, Amount: e18(1000)})
	if _, err := h.engine.Deposit(ctx, types.DirectCall(alice), nft, poolA); !errors.Is(err, nativecommon.ErrModulePaused) {
		t.Fatalf("expected ErrModulePaused, got %v", err)
	}
	if _, err := h.engine.Repay(ctx, types.DirectCall(alice), positionID, e18(100)); err != nil {
		t.Fatalf("repay must stay open while paused: %v", err)
	}
	if err := h.engine.Withdraw(ctx, types.DirectCall(alice), positionID); err != nil {
		t.Fatalf("withdraw must stay open while paused: %v", err)
	}

	if err := h.engine.SetPaused(ctx, types.DirectCall(admin), false); err != nil {
		t.Fatalf("unpause: %v", err)
	}
	h.engine.SetPauses(nativecommon.NewPauses(moduleName))
	if _, err := h.engine.Deposit(ctx, types.DirectCall(alice), nft, poolA); !errors.Is(err, nativecommon.ErrModulePaused) {
		t.Fatalf("expected operator pause to apply, got %v", err)
	}
}

package lending

import (
	"context"
	"encoding/binary"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"lpvault/core/events"
	"lpvault/core/state"
	"lpvault/core/types"
	nativecommon "lpvault/native/common"
	"lpvault/native/positions"
	"lpvault/native/registry"
	"lpvault/observability/metrics"
)

const moduleName = "lending"

// AdminRole grants lending governance rights.
const AdminRole = "lending.admin"

var (
	paramsKey       = []byte("params")
	pausedKey       = []byte("paused")
	supplyKey       = []byte("supply")
	totalDebtKey    = []byte("total-debt")
	positionListKey = []byte("positions")
)

func positionKey(id uint64) []byte { return append([]byte("position/"), idBytes(id)...) }

func nftKey(nftID uint64) []byte { return append([]byte("nft/"), idBytes(nftID)...) }

func poolKey(pool common.Address) []byte { return append([]byte("pool/"), pool.Bytes()...) }

func poolIndexKey(pool common.Address) []byte {
	return append([]byte("pool-positions/"), pool.Bytes()...)
}

func balanceKey(addr common.Address) []byte { return append([]byte("balance/"), addr.Bytes()...) }

func idBytes(id uint64) []byte {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], id)
	return buf[:]
}

// PriceOracle prices one smallest unit of a token in X96 reference units.
type PriceOracle interface {
	Price(ctx context.Context, token common.Address) (bool, *big.Int)
}

// PositionBook describes and moves liquidity-provider NFTs.
type PositionBook interface {
	Describe(kv state.KV, nftID uint64) (positions.Collateral, error)
	Transfer(kv state.KV, from, to common.Address, nftID uint64) error
}

// Engine orchestrates the collateral ledger and liquidation flows of the
// vault. NFTs in custody are held by moduleAddress; protocol revenue accrues
// to treasury.
type Engine struct {
	state         *state.Manager
	oracle        PriceOracle
	book          PositionBook
	registry      *registry.Registry
	moduleAddress common.Address
	treasury      common.Address
	pauses        nativecommon.PauseView
	nowFn         func() time.Time
	logger        *slog.Logger
	telemetry     *metrics.LendingMetrics
}

// NewEngine constructs a lending engine over the supplied state namespace.
// The ownership registry shares the namespace so tokens are minted and
// burned in the same transaction as the position they represent.
func NewEngine(mgr *state.Manager, oracle PriceOracle, book PositionBook, moduleAddr, treasury common.Address) *Engine {
	return &Engine{
		state:         mgr,
		oracle:        oracle,
		book:          book,
		registry:      registry.New("registry"),
		moduleAddress: moduleAddr,
		treasury:      treasury,
		nowFn:         time.Now,
		logger:        slog.Default(),
		telemetry:     metrics.Lending(),
	}
}

func (e *Engine) SetPauses(p nativecommon.PauseView) {
	if e == nil {
		return
	}
	e.pauses = p
}

// SetNowFunc overrides the clock used for fee accrual.
func (e *Engine) SetNowFunc(now func() time.Time) {
	if e == nil {
		return
	}
	if now == nil {
		e.nowFn = time.Now
		return
	}
	e.nowFn = now
}

func (e *Engine) SetLogger(logger *slog.Logger) {
	if e == nil || logger == nil {
		return
	}
	e.logger = logger
}

// Registry exposes the ownership ledger for position tokens.
func (e *Engine) Registry() *registry.Registry { return e.registry }

// ModuleAddress returns the custody address of deposited NFTs.
func (e *Engine) ModuleAddress() common.Address { return e.moduleAddress }

// Treasury returns the protocol revenue account.
func (e *Engine) Treasury() common.Address { return e.treasury }

func (e *Engine) now() uint64 {
	if e.nowFn == nil {
		return uint64(time.Now().Unix())
	}
	return uint64(e.nowFn().Unix())
}

func (e *Engine) update(ctx context.Context, op string, fn func(tx *state.Tx) error) error {
	if e == nil || e.state == nil {
		return errNilState
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	err := e.state.Update(fn)
	e.telemetry.ObserveOperation(op, err, knownErrors...)
	if err != nil {
		e.logger.Debug("lending operation rejected", "operation", op, "error", err)
		return err
	}
	e.refreshBookMetrics()
	return nil
}

func (e *Engine) refreshBookMetrics() {
	var (
		open uint64
		debt *big.Int
	)
	err := e.state.View(func(tx *state.Tx) error {
		var ids [][]byte
		if err := tx.KVGetList(positionListKey, &ids); err != nil {
			return err
		}
		open = uint64(len(ids))
		var err error
		debt, err = loadBig(tx, totalDebtKey)
		return err
	})
	if err == nil {
		e.telemetry.SetBook(open, debt)
	}
}

type statePauses struct{ kv state.KV }

func (p statePauses) IsPaused(module string) bool {
	var paused bool
	ok, err := p.kv.KVGet(pausedKey, &paused)
	return err == nil && ok && paused && module == moduleName
}

func (e *Engine) guard(kv state.KV) error {
	if err := nativecommon.Guard(e.pauses, moduleName); err != nil {
		return err
	}
	return nativecommon.Guard(statePauses{kv: kv}, moduleName)
}

func loadBig(kv state.KV, key []byte) (*big.Int, error) {
	value := new(big.Int)
	if _, err := kv.KVGet(key, value); err != nil {
		return nil, err
	}
	return value, nil
}

func addBig(kv state.KV, key []byte, delta *big.Int) error {
	value, err := loadBig(kv, key)
	if err != nil {
		return err
	}
	value.Add(value, delta)
	if value.Sign() < 0 {
		return fmt.Errorf("lending engine: %s would become negative", key)
	}
	return kv.KVPut(key, value)
}

func (e *Engine) loadParams(kv state.KV) (Params, error) {
	var stored storedParams
	ok, err := kv.KVGet(paramsKey, &stored)
	if err != nil {
		return Params{}, err
	}
	if !ok {
		return Params{}, fmt.Errorf("%w: parameters not initialised", ErrInvalidParams)
	}
	return stored.params(), nil
}

func (e *Engine) loadPool(kv state.KV, pool common.Address) (PoolConfig, error) {
	var cfg PoolConfig
	ok, err := kv.KVGet(poolKey(pool), &cfg)
	if err != nil {
		return PoolConfig{}, err
	}
	if !ok {
		return PoolConfig{Pool: pool}, nil
	}
	return cfg, nil
}

func (e *Engine) whitelistedPool(kv state.KV, pool common.Address) (PoolConfig, error) {
	cfg, err := e.loadPool(kv, pool)
	if err != nil {
		return PoolConfig{}, err
	}
	if !cfg.Whitelisted {
		return PoolConfig{}, fmt.Errorf("%w: %s", ErrPoolNotWhitelisted, pool.Hex())
	}
	return cfg, nil
}

func (e *Engine) loadPosition(kv state.KV, id uint64) (*Position, error) {
	pos := new(Position)
	ok, err := kv.KVGet(positionKey(id), pos)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrPositionNotFound, id)
	}
	pos.Principal = cloneOrZero(pos.Principal)
	pos.Fees = cloneOrZero(pos.Fees)
	return pos, nil
}

func (e *Engine) storePosition(kv state.KV, pos *Position) error {
	return kv.KVPut(positionKey(pos.ID), pos)
}

func (e *Engine) deletePosition(kv state.KV, pos *Position) error {
	if err := kv.KVDelete(positionKey(pos.ID)); err != nil {
		return err
	}
	if err := kv.KVDelete(nftKey(pos.NFTID)); err != nil {
		return err
	}
	if err := kv.KVRemove(poolIndexKey(pos.Pool), idBytes(pos.ID)); err != nil {
		return err
	}
	return kv.KVRemove(positionListKey, idBytes(pos.ID))
}

// accrue adds stabilisation fees since the last accrual. The timestamp only
// advances once a whole unit has accrued so small positions still pay.
func (e *Engine) accrue(pos *Position, params Params, now uint64) {
	if now <= pos.LastAccrued {
		return
	}
	if pos.Principal.Sign() == 0 || params.StabilisationFeeRateD == 0 {
		pos.LastAccrued = now
		return
	}
	fees := accruedFees(pos.Principal, params.StabilisationFeeRateD, now-pos.LastAccrued)
	if fees.Sign() == 0 {
		return
	}
	pos.Fees.Add(pos.Fees, fees)
	pos.LastAccrued = now
}

// settle accrues and then pins the clock to now. It must run before any
// principal change so new principal is never charged for earlier time; a
// dust remainder below one unit is forgiven.
func (e *Engine) settle(pos *Position, params Params, now uint64) {
	e.accrue(pos, params, now)
	if now > pos.LastAccrued {
		pos.LastAccrued = now
	}
}

func (e *Engine) balanceOf(kv state.KV, addr common.Address) (*big.Int, error) {
	return loadBig(kv, balanceKey(addr))
}

func (e *Engine) credit(kv state.KV, addr common.Address, amount *big.Int) error {
	if amount.Sign() == 0 {
		return nil
	}
	return addBig(kv, balanceKey(addr), amount)
}

func (e *Engine) debit(kv state.KV, addr common.Address, amount *big.Int) error {
	if amount.Sign() == 0 {
		return nil
	}
	balance, err := e.balanceOf(kv, addr)
	if err != nil {
		return err
	}
	if balance.Cmp(amount) < 0 {
		return fmt.Errorf("%w: %s holds %s, needs %s", ErrInsufficientBalance, addr.Hex(), balance, amount)
	}
	return kv.KVPut(balanceKey(addr), balance.Sub(balance, amount))
}

// burn removes amount of debt asset from addr and from the total supply.
func (e *Engine) burn(kv state.KV, addr common.Address, amount *big.Int) error {
	if err := e.debit(kv, addr, amount); err != nil {
		return err
	}
	return addBig(kv, supplyKey, new(big.Int).Neg(amount))
}

// ownerDebt sums the debt of every position held by owner, skipping exclude.
func (e *Engine) ownerDebt(kv state.KV, owner common.Address, params Params, now uint64, exclude uint64) (*big.Int, error) {
	ids, err := e.registry.TokensOf(kv, owner)
	if err != nil {
		return nil, err
	}
	total := new(big.Int)
	for _, id := range ids {
		if id == exclude {
			continue
		}
		pos, err := e.loadPosition(kv, id)
		if err != nil {
			return nil, err
		}
		e.accrue(pos, params, now)
		total.Add(total, pos.Debt())
	}
	return total, nil
}

// Deposit takes custody of nftID and opens a position owned by the caller.
// The returned identifier is also the id of the ownership token minted to
// the caller.
func (e *Engine) Deposit(ctx context.Context, call types.CallContext, nftID uint64, pool common.Address) (uint64, error) {
	var positionID uint64
	err := e.update(ctx, "deposit", func(tx *state.Tx) error {
		if err := e.guard(tx); err != nil {
			return err
		}
		params, err := e.loadParams(tx)
		if err != nil {
			return err
		}
		desc, err := e.book.Describe(tx, nftID)
		if err != nil {
			return err
		}
		if desc.Owner == e.moduleAddress {
			return fmt.Errorf("%w: nft %d", ErrAlreadyDeposited, nftID)
		}
		if desc.Owner != call.Sender {
			return fmt.Errorf("%w: %s does not hold nft %d", ErrForbidden, call.Sender.Hex(), nftID)
		}
		if desc.Pool != pool {
			return fmt.Errorf("%w: nft %d is in pool %s, not %s", ErrPoolMismatch, nftID, desc.Pool.Hex(), pool.Hex())
		}
		if _, err := e.whitelistedPool(tx, pool); err != nil {
			return err
		}
		value, err := e.collateralValue(ctx, desc.Amounts)
		if err != nil {
			return err
		}
		if value.Cmp(params.MinSingleNftCollateral) < 0 {
			return fmt.Errorf("%w: value %s below minimum %s", ErrInsufficientCollateral, value, params.MinSingleNftCollateral)
		}
		held, err := e.registry.TokensOf(tx, call.Sender)
		if err != nil {
			return err
		}
		if uint64(len(held)) >= params.MaxNftsPerVault {
			return fmt.Errorf("%w: %s already holds %d positions", ErrExceedsLimit, call.Sender.Hex(), len(held))
		}
		if err := e.book.Transfer(tx, call.Sender, e.moduleAddress, nftID); err != nil {
			return err
		}
		id, err := e.registry.Mint(tx, e.moduleAddress, call.Sender)
		if err != nil {
			return err
		}
		now := e.now()
		pos := &Position{
			ID:          id,
			NFTID:       nftID,
			Pool:        pool,
			Principal:   big.NewInt(0),
			Fees:        big.NewInt(0),
			LastAccrued: now,
			OpenedAt:    now,
		}
		if err := e.storePosition(tx, pos); err != nil {
			return err
		}
		if err := tx.KVPut(nftKey(nftID), id); err != nil {
			return err
		}
		if err := tx.KVAppend(poolIndexKey(pool), idBytes(id)); err != nil {
			return err
		}
		if err := tx.KVAppend(positionListKey, idBytes(id)); err != nil {
			return err
		}
		tx.Emit(events.PositionOpened{
			Origin:     call.Origin,
			Sender:     call.Sender,
			Owner:      call.Sender,
			PositionID: id,
			NFTID:      nftID,
			Pool:       pool,
			Value:      value,
		})
		positionID = id
		return nil
	})
	if err != nil {
		return 0, err
	}
	return positionID, nil
}

// Borrow mints amount of the debt asset to the caller against positionID.
func (e *Engine) Borrow(ctx context.Context, call types.CallContext, positionID uint64, amount *big.Int) error {
	if amount == nil || amount.Sign() <= 0 {
		return ErrInvalidAmount
	}
	return e.update(ctx, "borrow", func(tx *state.Tx) error {
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
		if !e.registry.IsAuthorized(tx, positionID, call.Sender) {
			return fmt.Errorf("%w: %s may not borrow against position %d", ErrForbidden, call.Sender.Hex(), positionID)
		}
		pool, err := e.whitelistedPool(tx, pos.Pool)
		if err != nil {
			return err
		}
		now := e.now()
		e.settle(pos, params, now)

		owner, err := e.registry.OwnerOf(tx, positionID)
		if err != nil {
			return err
		}
		others, err := e.ownerDebt(tx, owner, params, now, positionID)
		if err != nil {
			return err
		}
		pos.Principal.Add(pos.Principal, amount)
		aggregate := new(big.Int).Add(others, pos.Debt())
		if aggregate.Cmp(params.MaxDebtPerVault) > 0 {
			return fmt.Errorf("%w: debt %s above maximum %s", ErrExceedsLimit, aggregate, params.MaxDebtPerVault)
		}

		report, err := e.health(ctx, tx, pos, pool)
		if err != nil {
			return err
		}
		if report.Liquidatable {
			return fmt.Errorf("%w: debt %s exceeds capacity %s", ErrPositionUnhealthy, report.Debt, report.BorrowCapacity)
		}

		if err := e.storePosition(tx, pos); err != nil {
			return err
		}
		if err := e.credit(tx, call.Sender, amount); err != nil {
			return err
		}
		if err := addBig(tx, supplyKey, amount); err != nil {
			return err
		}
		if err := addBig(tx, totalDebtKey, amount); err != nil {
			return err
		}
		tx.Emit(events.Borrowed{
			Origin:     call.Origin,
			Sender:     call.Sender,
			PositionID: positionID,
			Recipient:  call.Sender,
			Amount:     new(big.Int).Set(amount),
			Debt:       pos.Debt(),
		})
		return nil
	})
}

// Repay settles debt of positionID from the caller's balance. Accrued fees are
// paid first and credited to the treasury; the principal share is burned.
// The returned amount is what was actually charged.
func (e *Engine) Repay(ctx context.Context, call types.CallContext, positionID uint64, amount *big.Int) (*big.Int, error) {
	if amount == nil || amount.Sign() <= 0 {
		return nil, ErrInvalidAmount
	}
	var charged, feesPaid *big.Int
	err := e.update(ctx, "repay", func(tx *state.Tx) error {
		params, err := e.loadParams(tx)
		if err != nil {
			return err
		}
		pos, err := e.loadPosition(tx, positionID)
		if err != nil {
			return err
		}
		e.settle(pos, params, e.now())
		debt := pos.Debt()
		if debt.Sign() == 0 {
			return fmt.Errorf("%w: position %d", ErrNoDebtToRepay, positionID)
		}
		pay := new(big.Int).Set(amount)
		if pay.Cmp(debt) > 0 {
			if params.RepayPolicy != RepayCap {
				return fmt.Errorf("%w: repay %s, debt %s", ErrRepayExceedsDebt, amount, debt)
			}
			pay = debt
		}
		feePart := minBig(pay, pos.Fees)
		principalPart := new(big.Int).Sub(pay, feePart)

		if err := e.debit(tx, call.Sender, feePart); err != nil {
			return err
		}
		if err := e.credit(tx, e.treasury, feePart); err != nil {
			return err
		}
		if err := e.burn(tx, call.Sender, principalPart); err != nil {
			return err
		}
		if err := addBig(tx, totalDebtKey, new(big.Int).Neg(principalPart)); err != nil {
			return err
		}
		pos.Fees.Sub(pos.Fees, feePart)
		pos.Principal.Sub(pos.Principal, principalPart)
		if err := e.storePosition(tx, pos); err != nil {
			return err
		}
		tx.Emit(events.Repaid{
			Origin:     call.Origin,
			Sender:     call.Sender,
			PositionID: positionID,
			Amount:     new(big.Int).Set(pay),
			Fees:       new(big.Int).Set(feePart),
			Debt:       pos.Debt(),
		})
		charged = pay
		feesPaid = feePart
		return nil
	})
	if err != nil {
		return nil, err
	}
	e.telemetry.ObserveProtocolFee(feesPaid)
	return charged, nil
}

// Withdraw closes a debt-free position, returning the NFT to the holder of
// the ownership token and burning that token. No valuation is needed.
func (e *Engine) Withdraw(ctx context.Context, call types.CallContext, positionID uint64) error {
	return e.update(ctx, "withdraw", func(tx *state.Tx) error {
		params, err := e.loadParams(tx)
		if err != nil {
			return err
		}
		pos, err := e.loadPosition(tx, positionID)
		if err != nil {
			return err
		}
		if !e.registry.IsAuthorized(tx, positionID, call.Sender) {
			return fmt.Errorf("%w: %s may not withdraw position %d", ErrForbidden, call.Sender.Hex(), positionID)
		}
		e.accrue(pos, params, e.now())
		if debt := pos.Debt(); debt.Sign() != 0 {
			return fmt.Errorf("%w: position %d owes %s", ErrDebtOutstanding, positionID, debt)
		}
		owner, err := e.registry.OwnerOf(tx, positionID)
		if err != nil {
			return err
		}
		if err := e.book.Transfer(tx, e.moduleAddress, owner, pos.NFTID); err != nil {
			return err
		}
		if err := e.registry.Burn(tx, e.moduleAddress, positionID); err != nil {
			return err
		}
		if err := e.deletePosition(tx, pos); err != nil {
			return err
		}
		tx.Emit(events.PositionClosed{
			Origin:     call.Origin,
			Sender:     call.Sender,
			Owner:      owner,
			PositionID: positionID,
			NFTID:      pos.NFTID,
		})
		return nil
	})
}

// Transfer moves debt-asset balance between accounts.
func (e *Engine) Transfer(ctx context.Context, call types.CallContext, to common.Address, amount *big.Int) error {
	if amount == nil || amount.Sign() <= 0 {
		return ErrInvalidAmount
	}
	if to == (common.Address{}) {
		return fmt.Errorf("%w: recipient required", ErrInvalidParams)
	}
	return e.update(ctx, "transfer", func(tx *state.Tx) error {
		if err := e.debit(tx, call.Sender, amount); err != nil {
			return err
		}
		return e.credit(tx, to, amount)
	})
}

// ApprovePosition lets spender borrow against or withdraw positionID.
func (e *Engine) ApprovePosition(ctx context.Context, call types.CallContext, positionID uint64, spender common.Address) error {
	return e.update(ctx, "approve", func(tx *state.Tx) error {
		return e.registry.Approve(tx, call.Sender, positionID, spender)
	})
}

// SetOperator grants or revokes operator rights over every position the
// caller holds.
func (e *Engine) SetOperator(ctx context.Context, call types.CallContext, operator common.Address, approved bool) error {
	return e.update(ctx, "set_operator", func(tx *state.Tx) error {
		return e.registry.SetOperator(tx, call.Sender, operator, approved)
	})
}

// TransferPosition hands the ownership token of positionID to a new holder,
// who inherits its debt and the right to withdraw the NFT.
func (e *Engine) TransferPosition(ctx context.Context, call types.CallContext, positionID uint64, to common.Address) error {
	return e.update(ctx, "transfer_position", func(tx *state.Tx) error {
		params, err := e.loadParams(tx)
		if err != nil {
			return err
		}
		held, err := e.registry.TokensOf(tx, to)
		if err != nil {
			return err
		}
		if uint64(len(held)) >= params.MaxNftsPerVault {
			return fmt.Errorf("%w: %s already holds %d positions", ErrExceedsLimit, to.Hex(), len(held))
		}
		now := e.now()
		pos, err := e.loadPosition(tx, positionID)
		if err != nil {
			return err
		}
		e.accrue(pos, params, now)
		others, err := e.ownerDebt(tx, to, params, now, positionID)
		if err != nil {
			return err
		}
		if aggregate := others.Add(others, pos.Debt()); aggregate.Cmp(params.MaxDebtPerVault) > 0 {
			return fmt.Errorf("%w: recipient debt %s above maximum %s", ErrExceedsLimit, aggregate, params.MaxDebtPerVault)
		}
		return e.registry.Transfer(tx, call.Sender, positionID, to)
	})
}

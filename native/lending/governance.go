package lending

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"lpvault/core/events"
	"lpvault/core/state"
	"lpvault/core/types"
)

// Genesis seeds the lending module.
type Genesis struct {
	Admins []common.Address
	Params Params
	Pools  []PoolConfig
}

// InitGenesis writes the initial admin set, parameters and pools.
func (e *Engine) InitGenesis(genesis Genesis) error {
	if e == nil || e.state == nil {
		return errNilState
	}
	if err := genesis.Params.Validate(); err != nil {
		return err
	}
	for _, pool := range genesis.Pools {
		if err := pool.Validate(); err != nil {
			return err
		}
	}
	return e.state.Update(func(tx *state.Tx) error {
		for _, admin := range genesis.Admins {
			if err := tx.SetRole(AdminRole, admin.Bytes()); err != nil {
				return err
			}
		}
		if err := tx.KVPut(paramsKey, genesis.Params.stored()); err != nil {
			return err
		}
		for _, pool := range genesis.Pools {
			if err := tx.KVPut(poolKey(pool.Pool), pool); err != nil {
				return err
			}
		}
		return nil
	})
}

func requireAdmin(kv state.KV, call types.CallContext) error {
	if !kv.HasRole(AdminRole, call.Sender.Bytes()) {
		return fmt.Errorf("%w: %s is not a lending admin", ErrForbidden, call.Sender.Hex())
	}
	return nil
}

// IsAdmin reports whether addr holds the lending admin role.
func (e *Engine) IsAdmin(addr common.Address) bool {
	var ok bool
	_ = e.state.View(func(tx *state.Tx) error {
		ok = tx.HasRole(AdminRole, addr.Bytes())
		return nil
	})
	return ok
}

// GrantAdmin adds addr to the admin set.
func (e *Engine) GrantAdmin(ctx context.Context, call types.CallContext, addr common.Address) error {
	return e.update(ctx, "grant_admin", func(tx *state.Tx) error {
		if err := requireAdmin(tx, call); err != nil {
			return err
		}
		return tx.SetRole(AdminRole, addr.Bytes())
	})
}

// RevokeAdmin removes addr from the admin set.
func (e *Engine) RevokeAdmin(ctx context.Context, call types.CallContext, addr common.Address) error {
	return e.update(ctx, "revoke_admin", func(tx *state.Tx) error {
		if err := requireAdmin(tx, call); err != nil {
			return err
		}
		return tx.RemoveRole(AdminRole, addr.Bytes())
	})
}

// SetParams replaces the global risk parameters.
func (e *Engine) SetParams(ctx context.Context, call types.CallContext, params Params) error {
	if err := params.Validate(); err != nil {
		return err
	}
	return e.update(ctx, "set_params", func(tx *state.Tx) error {
		if err := requireAdmin(tx, call); err != nil {
			return err
		}
		if err := tx.KVPut(paramsKey, params.stored()); err != nil {
			return err
		}
		tx.Emit(events.ParamsUpdated{
			Origin:                 call.Origin,
			Sender:                 call.Sender,
			MaxDebtPerVault:        cloneOrZero(params.MaxDebtPerVault),
			MaxNftsPerVault:        params.MaxNftsPerVault,
			MinSingleNftCollateral: cloneOrZero(params.MinSingleNftCollateral),
			LiquidationFeeD:        params.LiquidationFeeD,
			LiquidationPremiumD:    params.LiquidationPremiumD,
			StabilisationFeeRateD:  params.StabilisationFeeRateD,
		})
		return nil
	})
}

// SetPool whitelists, reconfigures or revokes a pool. A pool cannot be
// revoked while any of its positions carries debt.
func (e *Engine) SetPool(ctx context.Context, call types.CallContext, cfg PoolConfig) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	return e.update(ctx, "set_pool", func(tx *state.Tx) error {
		if err := requireAdmin(tx, call); err != nil {
			return err
		}
		if !cfg.Whitelisted {
			indebted, err := e.poolHasDebt(tx, cfg.Pool)
			if err != nil {
				return err
			}
			if indebted {
				return fmt.Errorf("%w: %s", ErrPoolInUse, cfg.Pool.Hex())
			}
			if cfg.LiquidationThresholdD == 0 {
				existing, err := e.loadPool(tx, cfg.Pool)
				if err != nil {
					return err
				}
				cfg.LiquidationThresholdD = existing.LiquidationThresholdD
			}
		}
		if err := tx.KVPut(poolKey(cfg.Pool), cfg); err != nil {
			return err
		}
		tx.Emit(events.PoolUpdated{
			Origin:                call.Origin,
			Sender:                call.Sender,
			Pool:                  cfg.Pool,
			Whitelisted:           cfg.Whitelisted,
			LiquidationThresholdD: cfg.LiquidationThresholdD,
		})
		return nil
	})
}

func (e *Engine) poolHasDebt(kv state.KV, pool common.Address) (bool, error) {
	var ids [][]byte
	if err := kv.KVGetList(poolIndexKey(pool), &ids); err != nil {
		return false, err
	}
	for _, raw := range ids {
		pos, err := e.loadPosition(kv, bytesID(raw))
		if err != nil {
			return false, err
		}
		if pos.Debt().Sign() > 0 {
			return true, nil
		}
	}
	return false, nil
}

// SetPaused toggles the module pause switch. While paused, deposits, borrows
// and liquidations fail; repayments and withdrawals stay open.
func (e *Engine) SetPaused(ctx context.Context, call types.CallContext, paused bool) error {
	return e.update(ctx, "set_paused", func(tx *state.Tx) error {
		if err := requireAdmin(tx, call); err != nil {
			return err
		}
		return tx.KVPut(pausedKey, paused)
	})
}

// WithdrawTreasury pays accumulated protocol revenue to recipient.
func (e *Engine) WithdrawTreasury(ctx context.Context, call types.CallContext, recipient common.Address, amount *big.Int) error {
	if amount == nil || amount.Sign() <= 0 {
		return ErrInvalidAmount
	}
	if recipient == (common.Address{}) {
		return fmt.Errorf("%w: recipient required", ErrInvalidParams)
	}
	return e.update(ctx, "withdraw_treasury", func(tx *state.Tx) error {
		if err := requireAdmin(tx, call); err != nil {
			return err
		}
		if err := e.debit(tx, e.treasury, amount); err != nil {
			return err
		}
		if err := e.credit(tx, recipient, amount); err != nil {
			return err
		}
		tx.Emit(events.TreasuryWithdrawn{
			Origin:    call.Origin,
			Sender:    call.Sender,
			Recipient: recipient,
			Amount:    new(big.Int).Set(amount),
		})
		return nil
	})
}

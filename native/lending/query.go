package lending

import (
	"encoding/binary"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"lpvault/core/state"
)

func bytesID(raw []byte) uint64 {
	if len(raw) != 8 {
		return 0
	}
	return binary.BigEndian.Uint64(raw)
}

func (e *Engine) view(fn func(tx *state.Tx) error) error {
	if e == nil || e.state == nil {
		return errNilState
	}
	return e.state.View(fn)
}

// Params returns the current risk parameters.
func (e *Engine) Params() (Params, error) {
	var params Params
	err := e.view(func(tx *state.Tx) error {
		var err error
		params, err = e.loadParams(tx)
		return err
	})
	return params, err
}

// Pool returns the configuration of pool. Unknown pools are reported as not
// whitelisted.
func (e *Engine) Pool(pool common.Address) (PoolConfig, error) {
	var cfg PoolConfig
	err := e.view(func(tx *state.Tx) error {
		var err error
		cfg, err = e.loadPool(tx, pool)
		return err
	})
	return cfg, err
}

// Position returns positionID with fees accrued up to now.
func (e *Engine) Position(positionID uint64) (PositionView, error) {
	var out PositionView
	err := e.view(func(tx *state.Tx) error {
		params, err := e.loadParams(tx)
		if err != nil {
			return err
		}
		pos, err := e.loadPosition(tx, positionID)
		if err != nil {
			return err
		}
		e.accrue(pos, params, e.now())
		owner, err := e.registry.OwnerOf(tx, positionID)
		if err != nil {
			return err
		}
		out = PositionView{Position: *pos, Owner: owner}
		return nil
	})
	return out, err
}

// PositionByNFT resolves the position holding nftID.
func (e *Engine) PositionByNFT(nftID uint64) (uint64, bool, error) {
	var (
		id uint64
		ok bool
	)
	err := e.view(func(tx *state.Tx) error {
		var err error
		ok, err = tx.KVGet(nftKey(nftID), &id)
		return err
	})
	return id, ok, err
}

// PositionsOf lists the positions whose ownership token owner holds.
func (e *Engine) PositionsOf(owner common.Address) ([]uint64, error) {
	var ids []uint64
	err := e.view(func(tx *state.Tx) error {
		var err error
		ids, err = e.registry.TokensOf(tx, owner)
		return err
	})
	return ids, err
}

// Positions lists every open position in opening order.
func (e *Engine) Positions() ([]uint64, error) {
	var raw [][]byte
	if err := e.view(func(tx *state.Tx) error { return tx.KVGetList(positionListKey, &raw) }); err != nil {
		return nil, err
	}
	ids := make([]uint64, len(raw))
	for i, entry := range raw {
		ids[i] = bytesID(entry)
	}
	return ids, nil
}

// BalanceOf returns the debt-asset balance of addr.
func (e *Engine) BalanceOf(addr common.Address) (*big.Int, error) {
	var balance *big.Int
	err := e.view(func(tx *state.Tx) error {
		var err error
		balance, err = e.balanceOf(tx, addr)
		return err
	})
	return balance, err
}

// TotalSupply returns the circulating debt asset.
func (e *Engine) TotalSupply() (*big.Int, error) {
	var supply *big.Int
	err := e.view(func(tx *state.Tx) error {
		var err error
		supply, err = loadBig(tx, supplyKey)
		return err
	})
	return supply, err
}

// TotalDebt returns the aggregate principal owed across positions.
func (e *Engine) TotalDebt() (*big.Int, error) {
	var debt *big.Int
	err := e.view(func(tx *state.Tx) error {
		var err error
		debt, err = loadBig(tx, totalDebtKey)
		return err
	})
	return debt, err
}

// Paused reports the in-state pause switch.
func (e *Engine) Paused() bool {
	var paused bool
	_ = e.view(func(tx *state.Tx) error {
		paused = statePauses{kv: tx}.IsPaused(moduleName)
		return nil
	})
	return paused
}

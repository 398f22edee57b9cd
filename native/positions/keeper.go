package positions

import (
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"

	"lpvault/core/events"
	"lpvault/core/state"
	"lpvault/core/types"
)

// RoleSyncer may mint and refresh positions in the book.
const RoleSyncer = "positions.syncer"

// ErrForbidden is returned when the caller lacks the syncer role.
var ErrForbidden = errors.New("positions: caller is not a syncer")

// Keeper mirrors AMM positions into the book on behalf of an off-chain
// indexer. It shares the state manager of the lending engine so collateral
// descriptions and debt records commit atomically.
type Keeper struct {
	state *state.Manager
	book  *Book
}

func NewKeeper(mgr *state.Manager, book *Book) *Keeper {
	return &Keeper{state: mgr, book: book}
}

func (k *Keeper) Book() *Book { return k.book }

func (k *Keeper) InitGenesis(syncers []common.Address) error {
	return k.state.Update(func(tx *state.Tx) error {
		for _, addr := range syncers {
			if addr == (common.Address{}) {
				return fmt.Errorf("%w: syncer address required", ErrInvalidPosition)
			}
			if err := tx.SetRole(RoleSyncer, addr.Bytes()); err != nil {
				return err
			}
		}
		return nil
	})
}

func requireSyncer(kv state.KV, call types.CallContext) error {
	if !kv.HasRole(RoleSyncer, call.Sender.Bytes()) {
		return ErrForbidden
	}
	return nil
}

func tokensOf(amounts []TokenAmount) []common.Address {
	out := make([]common.Address, len(amounts))
	for i, entry := range amounts {
		out[i] = entry.Token
	}
	return out
}

// Mint records a new LP NFT held by owner.
func (k *Keeper) Mint(call types.CallContext, owner, pool common.Address, amounts []TokenAmount) (uint64, error) {
	var id uint64
	err := k.state.Update(func(tx *state.Tx) error {
		if err := requireSyncer(tx, call); err != nil {
			return err
		}
		var err error
		id, err = k.book.Mint(tx, owner, pool, amounts)
		if err != nil {
			return err
		}
		tx.Emit(events.LPPositionMinted{Syncer: call.Sender, Owner: owner, NFTID: id, Pool: pool, Tokens: tokensOf(amounts)})
		return nil
	})
	return id, err
}

// SetAmounts refreshes the underlying amounts of nftID. Deposited NFTs stay
// updatable so collateral valuation follows the AMM.
func (k *Keeper) SetAmounts(call types.CallContext, nftID uint64, amounts []TokenAmount) error {
	return k.state.Update(func(tx *state.Tx) error {
		if err := requireSyncer(tx, call); err != nil {
			return err
		}
		if err := k.book.SetAmounts(tx, nftID, amounts); err != nil {
			return err
		}
		tx.Emit(events.LPPositionUpdated{Syncer: call.Sender, NFTID: nftID, Tokens: tokensOf(amounts)})
		return nil
	})
}

func (k *Keeper) Describe(nftID uint64) (Collateral, error) {
	var out Collateral
	err := k.state.View(func(tx *state.Tx) error {
		var err error
		out, err = k.book.Describe(tx, nftID)
		return err
	})
	return out, err
}

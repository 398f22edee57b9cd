package events

import (
	"github.com/ethereum/go-ethereum/common"

	"lpvault/core/types"
)

const (
	TypePositionsMinted  = "positions.minted"
	TypePositionsUpdated = "positions.updated"
)

type LPPositionMinted struct {
	Syncer common.Address
	Owner  common.Address
	NFTID  uint64
	Pool   common.Address
	Tokens []common.Address
}

func (LPPositionMinted) EventType() string { return TypePositionsMinted }

func (e LPPositionMinted) Event() *types.Event {
	return &types.Event{
		Type: TypePositionsMinted,
		Attributes: map[string]string{
			"syncer": account(e.Syncer),
			"owner":  account(e.Owner),
			"nftId":  u64(e.NFTID),
			"pool":   e.Pool.Hex(),
			"tokens": joinAddresses(e.Tokens),
		},
	}
}

type LPPositionUpdated struct {
	Syncer common.Address
	NFTID  uint64
	Tokens []common.Address
}

func (LPPositionUpdated) EventType() string { return TypePositionsUpdated }

func (e LPPositionUpdated) Event() *types.Event {
	return &types.Event{
		Type: TypePositionsUpdated,
		Attributes: map[string]string{
			"syncer": account(e.Syncer),
			"nftId":  u64(e.NFTID),
			"tokens": joinAddresses(e.Tokens),
		},
	}
}

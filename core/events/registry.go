package events

import (
	"github.com/ethereum/go-ethereum/common"

	"lpvault/core/types"
)

const (
	TypeRegistryMinted      = "registry.minted"
	TypeRegistryBurned      = "registry.burned"
	TypeRegistryTransferred = "registry.transferred"
)

type TokenMinted struct {
	Minter  common.Address
	Owner   common.Address
	TokenID uint64
}

func (TokenMinted) EventType() string { return TypeRegistryMinted }

func (e TokenMinted) Event() *types.Event {
	return &types.Event{
		Type: TypeRegistryMinted,
		Attributes: map[string]string{
			"minter":  account(e.Minter),
			"owner":   account(e.Owner),
			"tokenId": u64(e.TokenID),
		},
	}
}

type TokenBurned struct {
	Caller  common.Address
	Owner   common.Address
	TokenID uint64
}

func (TokenBurned) EventType() string { return TypeRegistryBurned }

func (e TokenBurned) Event() *types.Event {
	return &types.Event{
		Type: TypeRegistryBurned,
		Attributes: map[string]string{
			"caller":  account(e.Caller),
			"owner":   account(e.Owner),
			"tokenId": u64(e.TokenID),
		},
	}
}

type TokenTransferred struct {
	From    common.Address
	To      common.Address
	TokenID uint64
}

func (TokenTransferred) EventType() string { return TypeRegistryTransferred }

func (e TokenTransferred) Event() *types.Event {
	return &types.Event{
		Type: TypeRegistryTransferred,
		Attributes: map[string]string{
			"from":    account(e.From),
			"to":      account(e.To),
			"tokenId": u64(e.TokenID),
		},
	}
}

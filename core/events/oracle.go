package events

import (
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"lpvault/core/types"
)

const (
	// TypeOracleSourcesAdded is emitted when price feeds are registered or replaced.
	TypeOracleSourcesAdded = "oracle.sources_added"
	// TypeOracleSourcesRemoved is emitted when price feeds are unregistered.
	TypeOracleSourcesRemoved = "oracle.sources_removed"
	// TypeOraclePricePosted is emitted when an administrator posts a fallback price.
	TypeOraclePricePosted = "oracle.price_posted"
	// TypeOracleValidPeriodUpdated is emitted when the fallback validity window changes.
	TypeOracleValidPeriodUpdated = "oracle.valid_period_updated"
)

type OracleSourcesAdded struct {
	Origin     common.Address
	Sender     common.Address
	Tokens     []common.Address
	Feeds      []common.Address
	Heartbeats []uint64
}

func (OracleSourcesAdded) EventType() string { return TypeOracleSourcesAdded }

func (e OracleSourcesAdded) Event() *types.Event {
	return &types.Event{
		Type: TypeOracleSourcesAdded,
		Attributes: map[string]string{
			"origin":     account(e.Origin),
			"sender":     account(e.Sender),
			"tokens":     joinAddresses(e.Tokens),
			"feeds":      joinAddresses(e.Feeds),
			"heartbeats": joinUints(e.Heartbeats),
		},
	}
}

type OracleSourcesRemoved struct {
	Origin common.Address
	Sender common.Address
	Tokens []common.Address
}

func (OracleSourcesRemoved) EventType() string { return TypeOracleSourcesRemoved }

func (e OracleSourcesRemoved) Event() *types.Event {
	return &types.Event{
		Type: TypeOracleSourcesRemoved,
		Attributes: map[string]string{
			"origin": account(e.Origin),
			"sender": account(e.Sender),
			"tokens": joinAddresses(e.Tokens),
		},
	}
}

type OraclePricePosted struct {
	Origin    common.Address
	Sender    common.Address
	Token     common.Address
	PriceX96  *big.Int
	UpdatedAt time.Time
}

func (OraclePricePosted) EventType() string { return TypeOraclePricePosted }

func (e OraclePricePosted) Event() *types.Event {
	return &types.Event{
		Type: TypeOraclePricePosted,
		Attributes: map[string]string{
			"origin":    account(e.Origin),
			"sender":    account(e.Sender),
			"token":     e.Token.Hex(),
			"priceX96":  amount(e.PriceX96),
			"updatedAt": unix(e.UpdatedAt),
		},
	}
}

type OracleValidPeriodUpdated struct {
	Origin common.Address
	Sender common.Address
	Period time.Duration
}

func (OracleValidPeriodUpdated) EventType() string { return TypeOracleValidPeriodUpdated }

func (e OracleValidPeriodUpdated) Event() *types.Event {
	return &types.Event{
		Type: TypeOracleValidPeriodUpdated,
		Attributes: map[string]string{
			"origin":        account(e.Origin),
			"sender":        account(e.Sender),
			"periodSeconds": u64(uint64(e.Period / time.Second)),
		},
	}
}

package oracle

import (
	"errors"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

var (
	// ErrInvalidLength is returned when batch inputs have mismatched lengths.
	ErrInvalidLength = errors.New("oracle: invalid length")
	// ErrInvalidOracle is returned when a feed fails its registration probe.
	ErrInvalidOracle = errors.New("oracle: invalid oracle")
	// ErrPriceUpdateFailed is returned when a posted fallback price is rejected.
	ErrPriceUpdateFailed = errors.New("oracle: price update failed")
	// ErrForbidden is returned when the caller lacks the admin role.
	ErrForbidden = errors.New("oracle: forbidden")
	// ErrInvalidPeriod is returned for negative validity windows.
	ErrInvalidPeriod = errors.New("oracle: invalid period")
)

// AdminRole grants oracle governance rights.
const AdminRole = "oracle.admin"

// PriceSource describes the feed registered for a token.
type PriceSource struct {
	Token         common.Address
	Feed          common.Address
	Heartbeat     time.Duration
	TokenDecimals uint8
	FeedDecimals  uint8
}

// FallbackPrice is an administrator-posted price used when the feed is
// unavailable or stale.
type FallbackPrice struct {
	Token     common.Address
	PriceX96  *big.Int
	UpdatedAt time.Time
}

// Clone returns a deep copy of the fallback record.
func (f FallbackPrice) Clone() FallbackPrice {
	clone := FallbackPrice{Token: f.Token, UpdatedAt: f.UpdatedAt}
	if f.PriceX96 != nil {
		clone.PriceX96 = new(big.Int).Set(f.PriceX96)
	}
	return clone
}

// Quote is the result of a price evaluation together with the branch that
// produced it.
type Quote struct {
	Token     common.Address
	PriceX96  *big.Int
	Source    string
	UpdatedAt time.Time
}

// storedSource is the RLP form of PriceSource.
type storedSource struct {
	Feed          common.Address
	Heartbeat     uint64
	TokenDecimals uint8
	FeedDecimals  uint8
}

type storedFallback struct {
	PriceX96  *big.Int
	UpdatedAt uint64
}

func (s storedSource) source(token common.Address) PriceSource {
	return PriceSource{
		Token:         token,
		Feed:          s.Feed,
		Heartbeat:     time.Duration(s.Heartbeat) * time.Second,
		TokenDecimals: s.TokenDecimals,
		FeedDecimals:  s.FeedDecimals,
	}
}

func (s storedFallback) fallback(token common.Address) FallbackPrice {
	out := FallbackPrice{Token: token, UpdatedAt: time.Unix(int64(s.UpdatedAt), 0).UTC()}
	if s.PriceX96 != nil {
		out.PriceX96 = new(big.Int).Set(s.PriceX96)
	}
	return out
}

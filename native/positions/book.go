package positions

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"lpvault/core/state"
)

var (
	// ErrPositionNotFound is returned for unknown NFT identifiers.
	ErrPositionNotFound = errors.New("positions: position not found")
	// ErrNotOwner is returned when a transfer names the wrong current holder.
	ErrNotOwner = errors.New("positions: not owner")
	// ErrInvalidPosition is returned for malformed descriptions.
	ErrInvalidPosition = errors.New("positions: invalid position")
)

// TokenAmount is the quantity of one underlying token, in smallest units.
type TokenAmount struct {
	Token  common.Address
	Amount *big.Int
}

// Collateral describes a liquidity-provider NFT: the pool it belongs to, its
// holder and the underlying token amounts it currently represents.
type Collateral struct {
	NFTID   uint64
	Pool    common.Address
	Owner   common.Address
	Amounts []TokenAmount
}

// Clone returns a deep copy of the description.
func (c Collateral) Clone() Collateral {
	clone := Collateral{NFTID: c.NFTID, Pool: c.Pool, Owner: c.Owner}
	clone.Amounts = make([]TokenAmount, len(c.Amounts))
	for i, entry := range c.Amounts {
		clone.Amounts[i] = TokenAmount{Token: entry.Token}
		if entry.Amount != nil {
			clone.Amounts[i].Amount = new(big.Int).Set(entry.Amount)
		} else {
			clone.Amounts[i].Amount = big.NewInt(0)
		}
	}
	return clone
}

// Book is an in-state ledger of liquidity-provider NFTs. It stands in for
// the AMM position manager: amounts are pushed by the operator rather than
// derived from pool ticks.
type Book struct {
	prefix string
}

// NewBook returns a book storing records under prefix.
func NewBook(prefix string) *Book {
	if prefix == "" {
		prefix = "positions"
	}
	return &Book{prefix: prefix}
}

func idBytes(id uint64) []byte {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], id)
	return buf[:]
}

func (b *Book) nftKey(id uint64) []byte {
	return append([]byte(b.prefix+"/nft/"), idBytes(id)...)
}

func (b *Book) nextKey() []byte { return []byte(b.prefix + "/next-id") }

func validate(pool common.Address, amounts []TokenAmount) error {
	if pool == (common.Address{}) {
		return fmt.Errorf("%w: pool required", ErrInvalidPosition)
	}
	if len(amounts) == 0 {
		return fmt.Errorf("%w: at least one token amount required", ErrInvalidPosition)
	}
	seen := make(map[common.Address]struct{}, len(amounts))
	for _, entry := range amounts {
		if entry.Token == (common.Address{}) {
			return fmt.Errorf("%w: token address required", ErrInvalidPosition)
		}
		if entry.Amount == nil || entry.Amount.Sign() < 0 {
			return fmt.Errorf("%w: amount for %s must be non-negative", ErrInvalidPosition, entry.Token.Hex())
		}
		if _, dup := seen[entry.Token]; dup {
			return fmt.Errorf("%w: duplicate token %s", ErrInvalidPosition, entry.Token.Hex())
		}
		seen[entry.Token] = struct{}{}
	}
	return nil
}

// Mint records a new position held by owner and returns its NFT identifier.
func (b *Book) Mint(kv state.KV, owner, pool common.Address, amounts []TokenAmount) (uint64, error) {
	if owner == (common.Address{}) {
		return 0, fmt.Errorf("%w: owner required", ErrInvalidPosition)
	}
	if err := validate(pool, amounts); err != nil {
		return 0, err
	}
	var next uint64
	if _, err := kv.KVGet(b.nextKey(), &next); err != nil {
		return 0, err
	}
	if next == 0 {
		next = 1
	}
	record := Collateral{NFTID: next, Pool: pool, Owner: owner, Amounts: amounts}.Clone()
	if err := kv.KVPut(b.nftKey(next), record); err != nil {
		return 0, err
	}
	if err := kv.KVPut(b.nextKey(), next+1); err != nil {
		return 0, err
	}
	return next, nil
}

// Describe returns the current description of nftID.
func (b *Book) Describe(kv state.KV, nftID uint64) (Collateral, error) {
	var record Collateral
	ok, err := kv.KVGet(b.nftKey(nftID), &record)
	if err != nil {
		return Collateral{}, err
	}
	if !ok {
		return Collateral{}, fmt.Errorf("%w: %d", ErrPositionNotFound, nftID)
	}
	return record.Clone(), nil
}

// SetAmounts replaces the underlying token amounts, mirroring a change in the
// AMM position (fees collected, price moved across ticks, liquidity changed).
func (b *Book) SetAmounts(kv state.KV, nftID uint64, amounts []TokenAmount) error {
	record, err := b.Describe(kv, nftID)
	if err != nil {
		return err
	}
	if err := validate(record.Pool, amounts); err != nil {
		return err
	}
	record.Amounts = amounts
	return kv.KVPut(b.nftKey(nftID), record.Clone())
}

// Transfer moves nftID from its current holder to the recipient.
func (b *Book) Transfer(kv state.KV, from, to common.Address, nftID uint64) error {
	record, err := b.Describe(kv, nftID)
	if err != nil {
		return err
	}
	if record.Owner != from {
		return fmt.Errorf("%w: %s does not hold nft %d", ErrNotOwner, from.Hex(), nftID)
	}
	if to == (common.Address{}) {
		return fmt.Errorf("%w: recipient required", ErrInvalidPosition)
	}
	record.Owner = to
	return kv.KVPut(b.nftKey(nftID), record)
}

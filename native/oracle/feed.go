package oracle

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// Answer is the latest observation reported by a feed.
type Answer struct {
	Price     *big.Int
	UpdatedAt time.Time
}

// Feed is an external price source quoting a token against the reference
// asset.
type Feed interface {
	LatestAnswer(ctx context.Context) (Answer, error)
	Decimals(ctx context.Context) (uint8, error)
}

// FeedResolver maps registered feed addresses to live feed handles.
type FeedResolver interface {
	Feed(addr common.Address) (Feed, error)
}

// TokenInfo reports the decimals of collateral tokens.
type TokenInfo interface {
	Decimals(ctx context.Context, token common.Address) (uint8, error)
}

// ErrUnknownFeed is returned by resolvers that do not know the address.
var ErrUnknownFeed = errors.New("oracle: unknown feed")

// ErrUnknownToken is returned by TokenInfo implementations without metadata
// for the requested token.
var ErrUnknownToken = errors.New("oracle: unknown token")

// StaticFeed is an in-memory feed whose answer is set by the operator.
type StaticFeed struct {
	mu        sync.RWMutex
	price     *big.Int
	updatedAt time.Time
	decimals  uint8
	err       error
}

// NewStaticFeed returns a feed reporting values with the given decimals.
func NewStaticFeed(decimals uint8) *StaticFeed {
	return &StaticFeed{decimals: decimals}
}

// Set records a new answer and clears any injected failure.
func (f *StaticFeed) Set(price *big.Int, updatedAt time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if price == nil {
		f.price = nil
	} else {
		f.price = new(big.Int).Set(price)
	}
	f.updatedAt = updatedAt
	f.err = nil
}

// Fail makes subsequent reads return err until the next Set.
func (f *StaticFeed) Fail(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err = err
}

func (f *StaticFeed) LatestAnswer(context.Context) (Answer, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if f.err != nil {
		return Answer{}, f.err
	}
	if f.price == nil {
		return Answer{}, fmt.Errorf("oracle: feed has no answer")
	}
	return Answer{Price: new(big.Int).Set(f.price), UpdatedAt: f.updatedAt}, nil
}

func (f *StaticFeed) Decimals(context.Context) (uint8, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if f.err != nil {
		return 0, f.err
	}
	return f.decimals, nil
}

// FeedSet is a resolver over a fixed set of feeds.
type FeedSet struct {
	mu    sync.RWMutex
	feeds map[common.Address]Feed
}

func NewFeedSet() *FeedSet {
	return &FeedSet{feeds: make(map[common.Address]Feed)}
}

// Register adds or replaces the feed served at addr.
func (s *FeedSet) Register(addr common.Address, feed Feed) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.feeds[addr] = feed
}

func (s *FeedSet) Feed(addr common.Address) (Feed, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	feed, ok := s.feeds[addr]
	if !ok || feed == nil {
		return nil, fmt.Errorf("%w: %s", ErrUnknownFeed, addr.Hex())
	}
	return feed, nil
}

// StaticTokens serves token decimals from configuration.
type StaticTokens map[common.Address]uint8

func (s StaticTokens) Decimals(_ context.Context, token common.Address) (uint8, error) {
	decimals, ok := s[token]
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrUnknownToken, token.Hex())
	}
	return decimals, nil
}

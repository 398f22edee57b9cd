package oracle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"lpvault/core/events"
	"lpvault/core/state"
	"lpvault/core/types"
	"lpvault/observability/metrics"
)

// DefaultClockSkew bounds how far in the future a feed timestamp may be
// before the answer is treated as unusable.
const DefaultClockSkew = 5 * time.Second

var (
	sourcePrefix   = []byte("source/")
	fallbackPrefix = []byte("fallback/")
	sourceIndexKey = []byte("sources")
	validPeriodKey = []byte("valid-period")
)

func sourceKey(token common.Address) []byte {
	return append(append([]byte{}, sourcePrefix...), token.Bytes()...)
}

func fallbackKey(token common.Address) []byte {
	return append(append([]byte{}, fallbackPrefix...), token.Bytes()...)
}

// Engine registers price feeds per token and evaluates freshness-bounded
// prices with an administrator fallback.
type Engine struct {
	state     *state.Manager
	feeds     FeedResolver
	tokens    TokenInfo
	nowFn     func() time.Time
	maxSkew   time.Duration
	logger    *slog.Logger
	telemetry *metrics.OracleMetrics
}

// NewEngine constructs an oracle engine over the supplied state namespace.
func NewEngine(mgr *state.Manager, feeds FeedResolver, tokens TokenInfo) *Engine {
	return &Engine{
		state:     mgr,
		feeds:     feeds,
		tokens:    tokens,
		nowFn:     time.Now,
		maxSkew:   DefaultClockSkew,
		logger:    slog.Default(),
		telemetry: metrics.Oracle(),
	}
}

// SetNowFunc overrides the clock used for freshness checks.
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

// SetClockSkew configures the tolerance for feed timestamps ahead of the local
// clock.
func (e *Engine) SetClockSkew(skew time.Duration) {
	if e == nil {
		return
	}
	if skew < 0 {
		skew = 0
	}
	e.maxSkew = skew
}

// SetLogger configures the logger used for feed diagnostics.
func (e *Engine) SetLogger(logger *slog.Logger) {
	if e == nil || logger == nil {
		return
	}
	e.logger = logger
}

func (e *Engine) now() time.Time {
	if e.nowFn == nil {
		return time.Now()
	}
	return e.nowFn()
}

// InitGenesis seeds the administrator set and the fallback validity window.
func (e *Engine) InitGenesis(admins []common.Address, validPeriod time.Duration) error {
	if validPeriod < 0 {
		return ErrInvalidPeriod
	}
	return e.state.Update(func(tx *state.Tx) error {
		for _, admin := range admins {
			if err := tx.SetRole(AdminRole, admin.Bytes()); err != nil {
				return err
			}
		}
		return tx.KVPut(validPeriodKey, uint64(validPeriod/time.Second))
	})
}

func requireAdmin(tx state.KV, call types.CallContext) error {
	if !tx.HasRole(AdminRole, call.Sender.Bytes()) {
		return fmt.Errorf("%w: %s is not an oracle admin", ErrForbidden, call.Sender.Hex())
	}
	return nil
}

// IsAdmin reports whether addr holds the oracle admin role.
func (e *Engine) IsAdmin(addr common.Address) bool {
	var ok bool
	_ = e.state.View(func(tx *state.Tx) error {
		ok = tx.HasRole(AdminRole, addr.Bytes())
		return nil
	})
	return ok
}

// GrantAdmin adds addr to the admin set. Only admins may grant.
func (e *Engine) GrantAdmin(call types.CallContext, addr common.Address) error {
	return e.state.Update(func(tx *state.Tx) error {
		if err := requireAdmin(tx, call); err != nil {
			return err
		}
		return tx.SetRole(AdminRole, addr.Bytes())
	})
}

// RevokeAdmin removes addr from the admin set.
func (e *Engine) RevokeAdmin(call types.CallContext, addr common.Address) error {
	return e.state.Update(func(tx *state.Tx) error {
		if err := requireAdmin(tx, call); err != nil {
			return err
		}
		return tx.RemoveRole(AdminRole, addr.Bytes())
	})
}

type probed struct {
	token  common.Address
	source storedSource
}

// AddSources registers or replaces the feed for each token. Every feed is
// probed before anything is written; one unusable feed rejects the batch.
// Existing fallback prices are left untouched.
func (e *Engine) AddSources(ctx context.Context, call types.CallContext, tokens, feeds []common.Address, heartbeats []time.Duration) (err error) {
	defer func() { e.telemetry.ObserveAdminUpdate("add_sources", err) }()
	if err := e.state.View(func(tx *state.Tx) error { return requireAdmin(tx, call) }); err != nil {
		return err
	}
	if len(tokens) != len(feeds) || len(tokens) != len(heartbeats) {
		return fmt.Errorf("%w: %d tokens, %d feeds, %d heartbeats", ErrInvalidLength, len(tokens), len(feeds), len(heartbeats))
	}
	batch := make([]probed, 0, len(tokens))
	for i, token := range tokens {
		source, err := e.probe(ctx, token, feeds[i], heartbeats[i])
		if err != nil {
			return err
		}
		batch = append(batch, probed{token: token, source: source})
	}
	seconds := make([]uint64, len(heartbeats))
	for i, hb := range heartbeats {
		seconds[i] = uint64(hb / time.Second)
	}
	return e.state.Update(func(tx *state.Tx) error {
		if err := requireAdmin(tx, call); err != nil {
			return err
		}
		for _, entry := range batch {
			if err := tx.KVPut(sourceKey(entry.token), entry.source); err != nil {
				return err
			}
			if err := tx.KVAppend(sourceIndexKey, entry.token.Bytes()); err != nil {
				return err
			}
		}
		tx.Emit(events.OracleSourcesAdded{
			Origin:     call.Origin,
			Sender:     call.Sender,
			Tokens:     append([]common.Address(nil), tokens...),
			Feeds:      append([]common.Address(nil), feeds...),
			Heartbeats: seconds,
		})
		return nil
	})
}

func (e *Engine) probe(ctx context.Context, token, feedAddr common.Address, heartbeat time.Duration) (storedSource, error) {
	if token == (common.Address{}) || feedAddr == (common.Address{}) {
		return storedSource{}, fmt.Errorf("%w: token %s feed %s", ErrInvalidOracle, token.Hex(), feedAddr.Hex())
	}
	if heartbeat < 0 || heartbeat%time.Second != 0 {
		return storedSource{}, fmt.Errorf("%w: heartbeat %s for %s is not a whole number of seconds", ErrInvalidOracle, heartbeat, token.Hex())
	}
	if e.feeds == nil || e.tokens == nil {
		return storedSource{}, fmt.Errorf("%w: feed resolver not configured", ErrInvalidOracle)
	}
	feed, err := e.feeds.Feed(feedAddr)
	if err != nil {
		return storedSource{}, fmt.Errorf("%w: %s: %v", ErrInvalidOracle, token.Hex(), err)
	}
	feedDecimals, err := feed.Decimals(ctx)
	if err != nil {
		return storedSource{}, fmt.Errorf("%w: %s decimals: %v", ErrInvalidOracle, token.Hex(), err)
	}
	answer, err := feed.LatestAnswer(ctx)
	if err != nil {
		return storedSource{}, fmt.Errorf("%w: %s latest answer: %v", ErrInvalidOracle, token.Hex(), err)
	}
	if answer.Price == nil || answer.Price.Sign() <= 0 {
		return storedSource{}, fmt.Errorf("%w: %s reported non-positive price", ErrInvalidOracle, token.Hex())
	}
	tokenDecimals, err := e.tokens.Decimals(ctx, token)
	if err != nil {
		return storedSource{}, fmt.Errorf("%w: %s token decimals: %v", ErrInvalidOracle, token.Hex(), err)
	}
	if _, err := normalizePositive(answer.Price, tokenDecimals, feedDecimals); err != nil {
		return storedSource{}, fmt.Errorf("%w: %s: %v", ErrInvalidOracle, token.Hex(), err)
	}
	return storedSource{
		Feed:          feedAddr,
		Heartbeat:     uint64(heartbeat / time.Second),
		TokenDecimals: tokenDecimals,
		FeedDecimals:  feedDecimals,
	}, nil
}

func normalizePositive(answer *big.Int, tokenDecimals, feedDecimals uint8) (*big.Int, error) {
	price, err := NormalizeX96(answer, tokenDecimals, feedDecimals)
	if err != nil {
		return nil, err
	}
	if price.Sign() == 0 {
		return nil, errors.New("oracle: price rounds to zero")
	}
	return price, nil
}

// RemoveSources unregisters the feeds of the supplied tokens. Fallback prices
// are kept so a later re-registration starts from the last posted value.
func (e *Engine) RemoveSources(call types.CallContext, tokens []common.Address) (err error) {
	defer func() { e.telemetry.ObserveAdminUpdate("remove_sources", err) }()
	return e.state.Update(func(tx *state.Tx) error {
		if err := requireAdmin(tx, call); err != nil {
			return err
		}
		for _, token := range tokens {
			ok, err := tx.KVGet(sourceKey(token), nil)
			if err != nil {
				return err
			}
			if !ok {
				return fmt.Errorf("%w: %s has no registered source", ErrInvalidOracle, token.Hex())
			}
			if err := tx.KVDelete(sourceKey(token)); err != nil {
				return err
			}
			if err := tx.KVRemove(sourceIndexKey, token.Bytes()); err != nil {
				return err
			}
		}
		tx.Emit(events.OracleSourcesRemoved{
			Origin: call.Origin,
			Sender: call.Sender,
			Tokens: append([]common.Address(nil), tokens...),
		})
		return nil
	})
}

// SetUnderlyingPriceX96 posts a fallback price. The token must be registered,
// the price positive and updatedAt within the token's heartbeat of now.
func (e *Engine) SetUnderlyingPriceX96(call types.CallContext, token common.Address, priceX96 *big.Int, updatedAt time.Time) (err error) {
	defer func() { e.telemetry.ObserveAdminUpdate("set_price", err) }()
	now := e.now()
	return e.state.Update(func(tx *state.Tx) error {
		if err := requireAdmin(tx, call); err != nil {
			return err
		}
		var src storedSource
		ok, err := tx.KVGet(sourceKey(token), &src)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("%w: %s has no registered source", ErrPriceUpdateFailed, token.Hex())
		}
		if priceX96 == nil || priceX96.Sign() <= 0 {
			return fmt.Errorf("%w: price must be positive", ErrPriceUpdateFailed)
		}
		if _, err := toU256(priceX96); err != nil {
			return fmt.Errorf("%w: price exceeds 256 bits", ErrPriceUpdateFailed)
		}
		if updatedAt.After(now) {
			return fmt.Errorf("%w: timestamp %d is in the future", ErrPriceUpdateFailed, updatedAt.Unix())
		}
		heartbeat := time.Duration(src.Heartbeat) * time.Second
		if now.Sub(updatedAt) > heartbeat {
			return fmt.Errorf("%w: timestamp %d older than heartbeat %s", ErrPriceUpdateFailed, updatedAt.Unix(), heartbeat)
		}
		record := storedFallback{PriceX96: new(big.Int).Set(priceX96), UpdatedAt: uint64(updatedAt.Unix())}
		if err := tx.KVPut(fallbackKey(token), record); err != nil {
			return err
		}
		tx.Emit(events.OraclePricePosted{
			Origin:    call.Origin,
			Sender:    call.Sender,
			Token:     token,
			PriceX96:  new(big.Int).Set(priceX96),
			UpdatedAt: updatedAt,
		})
		return nil
	})
}

// SetValidPeriod updates how long a posted fallback price stays usable.
func (e *Engine) SetValidPeriod(call types.CallContext, period time.Duration) (err error) {
	defer func() { e.telemetry.ObserveAdminUpdate("set_valid_period", err) }()
	return e.state.Update(func(tx *state.Tx) error {
		if err := requireAdmin(tx, call); err != nil {
			return err
		}
		if period < 0 || period%time.Second != 0 {
			return fmt.Errorf("%w: %s is not a whole number of seconds", ErrInvalidPeriod, period)
		}
		if err := tx.KVPut(validPeriodKey, uint64(period/time.Second)); err != nil {
			return err
		}
		tx.Emit(events.OracleValidPeriodUpdated{Origin: call.Origin, Sender: call.Sender, Period: period})
		return nil
	})
}

// ValidPeriod returns the fallback validity window.
func (e *Engine) ValidPeriod() (time.Duration, error) {
	var seconds uint64
	err := e.state.View(func(tx *state.Tx) error {
		_, err := tx.KVGet(validPeriodKey, &seconds)
		return err
	})
	return time.Duration(seconds) * time.Second, err
}

// HasOracle reports whether a feed is registered for token.
func (e *Engine) HasOracle(token common.Address) bool {
	_, ok, err := e.Source(token)
	return err == nil && ok
}

// Source returns the registered feed configuration of token.
func (e *Engine) Source(token common.Address) (PriceSource, bool, error) {
	var (
		src storedSource
		ok  bool
	)
	err := e.state.View(func(tx *state.Tx) error {
		var err error
		ok, err = tx.KVGet(sourceKey(token), &src)
		return err
	})
	if err != nil || !ok {
		return PriceSource{}, false, err
	}
	return src.source(token), true, nil
}

// Fallback returns the last posted fallback price of token.
func (e *Engine) Fallback(token common.Address) (FallbackPrice, bool, error) {
	var (
		record storedFallback
		ok     bool
	)
	err := e.state.View(func(tx *state.Tx) error {
		var err error
		ok, err = tx.KVGet(fallbackKey(token), &record)
		return err
	})
	if err != nil || !ok {
		return FallbackPrice{}, false, err
	}
	return record.fallback(token), true, nil
}

// SupportedTokens lists tokens with a registered feed. Order is not
// significant.
func (e *Engine) SupportedTokens() ([]common.Address, error) {
	var raw [][]byte
	if err := e.state.View(func(tx *state.Tx) error { return tx.KVGetList(sourceIndexKey, &raw) }); err != nil {
		return nil, err
	}
	out := make([]common.Address, len(raw))
	for i, entry := range raw {
		out[i] = common.BytesToAddress(entry)
	}
	return out, nil
}

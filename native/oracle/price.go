package oracle

import (
	"context"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"lpvault/core/state"
	"lpvault/observability/metrics"
)

type priceInputs struct {
	source      storedSource
	hasSource   bool
	fallback    storedFallback
	hasFallback bool
	validPeriod time.Duration
}

func (e *Engine) loadInputs(token common.Address) (priceInputs, error) {
	var in priceInputs
	err := e.state.View(func(tx *state.Tx) error {
		var err error
		if in.hasSource, err = tx.KVGet(sourceKey(token), &in.source); err != nil {
			return err
		}
		if !in.hasSource {
			return nil
		}
		if in.hasFallback, err = tx.KVGet(fallbackKey(token), &in.fallback); err != nil {
			return err
		}
		var seconds uint64
		if _, err := tx.KVGet(validPeriodKey, &seconds); err != nil {
			return err
		}
		in.validPeriod = time.Duration(seconds) * time.Second
		return nil
	})
	return in, err
}

// Price returns the X96 reference value of one smallest unit of token.
// The feed answer is used while it is within the heartbeat; otherwise a
// posted fallback younger than the valid period is used. Unregistered tokens
// and tokens with neither usable input report false.
func (e *Engine) Price(ctx context.Context, token common.Address) (bool, *big.Int) {
	quote, ok := e.Quote(ctx, token)
	if !ok {
		return false, big.NewInt(0)
	}
	return true, quote.PriceX96
}

// Quote evaluates the price of token and reports which input served it.
// Nothing is cached: every call reads the feed again.
func (e *Engine) Quote(ctx context.Context, token common.Address) (Quote, bool) {
	label := token.Hex()
	in, err := e.loadInputs(token)
	if err != nil {
		e.logger.Error("oracle state read failed", "token", label, "error", err)
		e.telemetry.ObserveLookup(label, metrics.PriceUnavailable)
		return Quote{Token: token, Source: metrics.PriceUnavailable}, false
	}
	if !in.hasSource {
		e.telemetry.ObserveLookup(label, metrics.PriceUnavailable)
		return Quote{Token: token, Source: metrics.PriceUnavailable}, false
	}
	now := e.now()
	if price, updatedAt, ok := e.readFeed(ctx, token, in.source, now); ok {
		e.telemetry.ObserveLookup(label, metrics.PriceFromFeed)
		return Quote{Token: token, PriceX96: price, Source: metrics.PriceFromFeed, UpdatedAt: updatedAt}, true
	}
	if in.hasFallback && in.fallback.PriceX96 != nil && in.fallback.PriceX96.Sign() > 0 {
		fb := in.fallback.fallback(token)
		if now.Sub(fb.UpdatedAt) <= in.validPeriod {
			e.logger.Debug("oracle serving fallback price", "token", label, "updatedAt", fb.UpdatedAt.Unix())
			e.telemetry.ObserveLookup(label, metrics.PriceFromFallback)
			return Quote{Token: token, PriceX96: fb.PriceX96, Source: metrics.PriceFromFallback, UpdatedAt: fb.UpdatedAt}, true
		}
	}
	e.logger.Warn("oracle price unavailable", "token", label)
	e.telemetry.ObserveLookup(label, metrics.PriceUnavailable)
	return Quote{Token: token, Source: metrics.PriceUnavailable}, false
}

func (e *Engine) readFeed(ctx context.Context, token common.Address, src storedSource, now time.Time) (*big.Int, time.Time, bool) {
	label := token.Hex()
	if e.feeds == nil {
		e.telemetry.ObserveFeedFailure(label, "unresolved")
		return nil, time.Time{}, false
	}
	feed, err := e.feeds.Feed(src.Feed)
	if err != nil {
		e.telemetry.ObserveFeedFailure(label, "unresolved")
		return nil, time.Time{}, false
	}
	answer, err := feed.LatestAnswer(ctx)
	if err != nil {
		e.logger.Warn("oracle feed read failed", "token", label, "feed", src.Feed.Hex(), "error", err)
		e.telemetry.ObserveFeedFailure(label, "error")
		return nil, time.Time{}, false
	}
	if answer.Price == nil || answer.Price.Sign() <= 0 || answer.UpdatedAt.IsZero() {
		e.telemetry.ObserveFeedFailure(label, "invalid")
		return nil, time.Time{}, false
	}
	age := now.Sub(answer.UpdatedAt)
	if age < -e.maxSkew {
		e.telemetry.ObserveFeedFailure(label, "future")
		return nil, time.Time{}, false
	}
	e.telemetry.ObserveFeedAge(label, age)
	if age > time.Duration(src.Heartbeat)*time.Second {
		e.telemetry.ObserveFeedFailure(label, "stale")
		return nil, time.Time{}, false
	}
	price, err := normalizePositive(answer.Price, src.TokenDecimals, src.FeedDecimals)
	if err != nil {
		e.telemetry.ObserveFeedFailure(label, "overflow")
		return nil, time.Time{}, false
	}
	return price, answer.UpdatedAt, true
}

// PriceRatioX96 returns price(token0)/price(token1) in X96 fixed point.
func (e *Engine) PriceRatioX96(ctx context.Context, token0, token1 common.Address) (bool, *big.Int) {
	ok0, p0 := e.Price(ctx, token0)
	ok1, p1 := e.Price(ctx, token1)
	if !ok0 || !ok1 {
		return false, big.NewInt(0)
	}
	ratio, err := RatioX96(p0, p1)
	if err != nil {
		return false, big.NewInt(0)
	}
	return true, ratio
}

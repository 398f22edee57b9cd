package oracle

import (
	"context"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"lpvault/core/events"
	"lpvault/core/state"
	"lpvault/core/types"
	"lpvault/storage"
)

var (
	admin   = common.HexToAddress("0x00000000000000000000000000000000000000ad")
	outside = common.HexToAddress("0x0000000000000000000000000000000000000bad")

	weth = common.HexToAddress("0x0000000000000000000000000000000000001001")
	usdc = common.HexToAddress("0x0000000000000000000000000000000000001002")
	wbtc = common.HexToAddress("0x0000000000000000000000000000000000001003")

	wethFeed = common.HexToAddress("0x0000000000000000000000000000000000002001")
	usdcFeed = common.HexToAddress("0x0000000000000000000000000000000000002002")
	wbtcFeed = common.HexToAddress("0x0000000000000000000000000000000000002003")
)

type testClock struct{ now time.Time }

func (c *testClock) Now() time.Time          { return c.now }
func (c *testClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

type harness struct {
	engine   *Engine
	feeds    *FeedSet
	clock    *testClock
	recorder *events.Recorder
	db       *storage.MemDB
	adminCtx types.CallContext
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	db := storage.NewMemDB()
	mgr := state.NewManager(db, "oracle")
	recorder := &events.Recorder{}
	mgr.SetEmitter(recorder)
	feeds := NewFeedSet()
	tokens := StaticTokens{weth: 18, usdc: 6, wbtc: 8}
	clock := &testClock{now: time.Unix(1_700_000_000, 0).UTC()}
	engine := NewEngine(mgr, feeds, tokens)
	engine.SetNowFunc(clock.Now)
	if err := engine.InitGenesis([]common.Address{admin}, time.Hour); err != nil {
		t.Fatalf("init genesis: %v", err)
	}
	return &harness{
		engine:   engine,
		feeds:    feeds,
		clock:    clock,
		recorder: recorder,
		db:       db,
		adminCtx: types.DirectCall(admin),
	}
}

func (h *harness) feed(t *testing.T, addr common.Address, decimals uint8, answer int64, age time.Duration) *StaticFeed {
	t.Helper()
	feed := NewStaticFeed(decimals)
	feed.Set(scaled(answer, decimals), h.clock.now.Add(-age))
	h.feeds.Register(addr, feed)
	return feed
}

func scaled(v int64, decimals uint8) *big.Int {
	return new(big.Int).Mul(big.NewInt(v), pow10(uint(decimals)))
}

// wholeTokenValue converts an X96 unit price into whole reference units per
// whole token.
func wholeTokenValue(priceX96 *big.Int, decimals uint8) *big.Rat {
	num := new(big.Int).Mul(priceX96, pow10(uint(decimals)))
	den := new(big.Int).Mul(Q96, pow10(ReferenceDecimals))
	return new(big.Rat).SetFrac(num, den)
}

func TestAddSourcesRegistersTokens(t *testing.T) {
	h := newHarness(t)
	h.feed(t, wethFeed, 8, 1500, 0)
	h.feed(t, usdcFeed, 8, 1, 0)

	err := h.engine.AddSources(context.Background(), h.adminCtx,
		[]common.Address{weth, usdc},
		[]common.Address{wethFeed, usdcFeed},
		[]time.Duration{4000 * time.Second, 360000 * time.Second})
	if err != nil {
		t.Fatalf("add sources: %v", err)
	}
	if !h.engine.HasOracle(weth) || !h.engine.HasOracle(usdc) {
		t.Fatalf("expected registered tokens to have oracles")
	}
	if h.engine.HasOracle(wbtc) {
		t.Fatalf("wbtc was never registered")
	}
	supported, err := h.engine.SupportedTokens()
	if err != nil {
		t.Fatalf("supported tokens: %v", err)
	}
	if len(supported) != 2 {
		t.Fatalf("expected 2 supported tokens, got %d", len(supported))
	}
	src, ok, err := h.engine.Source(usdc)
	if err != nil || !ok {
		t.Fatalf("source lookup: ok=%v err=%v", ok, err)
	}
	if src.Heartbeat != 360000*time.Second || src.TokenDecimals != 6 || src.FeedDecimals != 8 {
		t.Fatalf("unexpected source %+v", src)
	}
	if got := h.recorder.Types(); len(got) != 1 || got[0] != events.TypeOracleSourcesAdded {
		t.Fatalf("unexpected events %v", got)
	}
	rendered := events.Render(h.recorder.Events()[0])
	if rendered.Attributes["heartbeats"] != "4000,360000" {
		t.Fatalf("unexpected heartbeat attribute %q", rendered.Attributes["heartbeats"])
	}

	if err := h.engine.RemoveSources(h.adminCtx, []common.Address{weth}); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if h.engine.HasOracle(weth) {
		t.Fatalf("expected weth removed")
	}
	if ok, price := h.engine.Price(context.Background(), weth); ok || price.Sign() != 0 {
		t.Fatalf("removed token must not price")
	}
}

func TestAddSourcesIsAtomicWhenOneFeedFails(t *testing.T) {
	h := newHarness(t)
	h.feed(t, wethFeed, 8, 1500, 0)
	broken := h.feed(t, usdcFeed, 8, 1, 0)
	broken.Fail(errors.New("rpc down"))

	before := h.db.Len()
	err := h.engine.AddSources(context.Background(), h.adminCtx,
		[]common.Address{weth, usdc},
		[]common.Address{wethFeed, usdcFeed},
		[]time.Duration{time.Hour, time.Hour})
	if !errors.Is(err, ErrInvalidOracle) {
		t.Fatalf("expected ErrInvalidOracle, got %v", err)
	}
	if h.engine.HasOracle(weth) || h.engine.HasOracle(usdc) {
		t.Fatalf("no token of a failed batch may be registered")
	}
	if h.db.Len() != before {
		t.Fatalf("state changed on failed batch")
	}
	if len(h.recorder.Events()) != 0 {
		t.Fatalf("no event expected on failure")
	}
}

func TestAddSourcesRejectsNonPositiveAnswer(t *testing.T) {
	h := newHarness(t)
	h.feed(t, wethFeed, 8, 0, 0)
	err := h.engine.AddSources(context.Background(), h.adminCtx,
		[]common.Address{weth}, []common.Address{wethFeed}, []time.Duration{time.Hour})
	if !errors.Is(err, ErrInvalidOracle) {
		t.Fatalf("expected ErrInvalidOracle, got %v", err)
	}
}

func TestAddSourcesRejectsMismatchedLengths(t *testing.T) {
	h := newHarness(t)
	err := h.engine.AddSources(context.Background(), h.adminCtx,
		[]common.Address{weth, usdc}, []common.Address{wethFeed}, []time.Duration{time.Hour, time.Hour})
	if !errors.Is(err, ErrInvalidLength) {
		t.Fatalf("expected ErrInvalidLength, got %v", err)
	}
}

func TestPriceOfUnregisteredTokenIsUnavailable(t *testing.T) {
	h := newHarness(t)
	ok, price := h.engine.Price(context.Background(), wbtc)
	if ok || price == nil || price.Sign() != 0 {
		t.Fatalf("expected (false, 0), got (%v, %v)", ok, price)
	}
}

func TestHeartbeatBoundsFeedFreshness(t *testing.T) {
	h := newHarness(t)
	heartbeat := 4000 * time.Second
	h.feed(t, wethFeed, 8, 1500, 0)
	if err := h.engine.AddSources(context.Background(), h.adminCtx,
		[]common.Address{weth}, []common.Address{wethFeed}, []time.Duration{heartbeat}); err != nil {
		t.Fatalf("add sources: %v", err)
	}

	h.clock.Advance(heartbeat)
	ok, price := h.engine.Price(context.Background(), weth)
	if !ok {
		t.Fatalf("answer exactly heartbeat old must be fresh")
	}
	expected := new(big.Int).Mul(big.NewInt(1500), Q96)
	if price.Cmp(expected) != 0 {
		t.Fatalf("expected %s, got %s", expected, price)
	}

	h.clock.Advance(time.Second)
	if ok, _ := h.engine.Price(context.Background(), weth); ok {
		t.Fatalf("answer heartbeat+1 old must be stale without fallback")
	}

	fallback := new(big.Int).Mul(big.NewInt(1400), Q96)
	if err := h.engine.SetUnderlyingPriceX96(h.adminCtx, weth, fallback, h.clock.now); err != nil {
		t.Fatalf("post fallback: %v", err)
	}
	quote, ok := h.engine.Quote(context.Background(), weth)
	if !ok || quote.PriceX96.Cmp(fallback) != 0 || quote.Source != "fallback" {
		t.Fatalf("expected fallback quote, got %+v ok=%v", quote, ok)
	}

	// validPeriod is one hour
	h.clock.Advance(time.Hour + time.Second)
	if ok, _ := h.engine.Price(context.Background(), weth); ok {
		t.Fatalf("fallback older than valid period must not be used")
	}
}

func TestFeedPreferredOverFallbackWhileFresh(t *testing.T) {
	h := newHarness(t)
	feed := h.feed(t, wethFeed, 8, 1500, 0)
	if err := h.engine.AddSources(context.Background(), h.adminCtx,
		[]common.Address{weth}, []common.Address{wethFeed}, []time.Duration{time.Hour}); err != nil {
		t.Fatalf("add sources: %v", err)
	}
	if err := h.engine.SetUnderlyingPriceX96(h.adminCtx, weth, big.NewInt(1), h.clock.now); err != nil {
		t.Fatalf("post fallback: %v", err)
	}
	quote, ok := h.engine.Quote(context.Background(), weth)
	if !ok || quote.Source != "feed" {
		t.Fatalf("expected feed quote, got %+v", quote)
	}

	feed.Fail(errors.New("reverted"))
	quote, ok = h.engine.Quote(context.Background(), weth)
	if !ok || quote.Source != "fallback" || quote.PriceX96.Cmp(big.NewInt(1)) != 0 {
		t.Fatalf("expected fallback after feed failure, got %+v", quote)
	}
}

func TestFeedTimestampInFutureIsUnusable(t *testing.T) {
	h := newHarness(t)
	feed := h.feed(t, wethFeed, 8, 1500, 0)
	if err := h.engine.AddSources(context.Background(), h.adminCtx,
		[]common.Address{weth}, []common.Address{wethFeed}, []time.Duration{time.Hour}); err != nil {
		t.Fatalf("add sources: %v", err)
	}
	feed.Set(scaled(1500, 8), h.clock.now.Add(DefaultClockSkew))
	if ok, _ := h.engine.Price(context.Background(), weth); !ok {
		t.Fatalf("timestamp within skew must be accepted")
	}
	feed.Set(scaled(1500, 8), h.clock.now.Add(time.Minute))
	if ok, _ := h.engine.Price(context.Background(), weth); ok {
		t.Fatalf("timestamp beyond skew must be rejected")
	}
	h.engine.SetClockSkew(2 * time.Minute)
	if ok, _ := h.engine.Price(context.Background(), weth); !ok {
		t.Fatalf("widened skew should accept the timestamp")
	}
}

func TestDecimalNormalisationRatio(t *testing.T) {
	h := newHarness(t)
	h.feed(t, wethFeed, 8, 1500, 0)
	h.feed(t, usdcFeed, 18, 1, 0)
	if err := h.engine.AddSources(context.Background(), h.adminCtx,
		[]common.Address{weth, usdc},
		[]common.Address{wethFeed, usdcFeed},
		[]time.Duration{time.Hour, time.Hour}); err != nil {
		t.Fatalf("add sources: %v", err)
	}
	ok, ratio := h.engine.PriceRatioX96(context.Background(), weth, usdc)
	if !ok {
		t.Fatalf("expected ratio")
	}
	// one wei of weth is worth 1500 / 10^(18-6) smallest usdc units
	expected := new(big.Rat).SetFrac(big.NewInt(1500), pow10(12))
	got := FromX96(ratio)
	diff := new(big.Rat).Sub(got, expected)
	tolerance := new(big.Rat).SetFrac(big.NewInt(1), Q96)
	if diff.Abs(diff).Cmp(tolerance) > 0 {
		t.Fatalf("expected ratio %s, got %s", expected.FloatString(18), got.FloatString(18))
	}
}

func TestSetUnderlyingPriceRejectsStaleTimestamp(t *testing.T) {
	h := newHarness(t)
	h.feed(t, wethFeed, 8, 1500, 0)
	heartbeat := 1500 * time.Second
	if err := h.engine.AddSources(context.Background(), h.adminCtx,
		[]common.Address{weth}, []common.Address{wethFeed}, []time.Duration{heartbeat}); err != nil {
		t.Fatalf("add sources: %v", err)
	}
	price := new(big.Int).Mul(big.NewInt(1500), Q96)
	cases := []struct {
		name  string
		token common.Address
		price *big.Int
		at    time.Time
	}{
		{"stale", weth, price, h.clock.now.Add(-heartbeat - time.Second)},
		{"future", weth, price, h.clock.now.Add(time.Second)},
		{"zero", weth, big.NewInt(0), h.clock.now},
		{"unregistered", wbtc, price, h.clock.now},
	}
	for _, tc := range cases {
		err := h.engine.SetUnderlyingPriceX96(h.adminCtx, tc.token, tc.price, tc.at)
		if !errors.Is(err, ErrPriceUpdateFailed) {
			t.Fatalf("%s: expected ErrPriceUpdateFailed, got %v", tc.name, err)
		}
	}
	if _, ok, _ := h.engine.Fallback(weth); ok {
		t.Fatalf("rejected updates must not store a fallback")
	}
	if err := h.engine.SetUnderlyingPriceX96(h.adminCtx, weth, price, h.clock.now.Add(-heartbeat)); err != nil {
		t.Fatalf("timestamp exactly heartbeat old should be accepted: %v", err)
	}
}

func TestThreeTokenScenario(t *testing.T) {
	h := newHarness(t)
	h.feed(t, wethFeed, 8, 1500, 0)
	h.feed(t, usdcFeed, 8, 1, 0)
	h.feed(t, wbtcFeed, 8, 20000, 0)
	if err := h.engine.AddSources(context.Background(), h.adminCtx,
		[]common.Address{weth, usdc, wbtc},
		[]common.Address{wethFeed, usdcFeed, wbtcFeed},
		[]time.Duration{4000 * time.Second, 360000 * time.Second, 4000 * time.Second}); err != nil {
		t.Fatalf("add sources: %v", err)
	}
	expect := map[common.Address]struct {
		decimals uint8
		value    int64
	}{
		weth: {18, 1500},
		usdc: {6, 1},
		wbtc: {8, 20000},
	}
	for token, want := range expect {
		ok, price := h.engine.Price(context.Background(), token)
		if !ok {
			t.Fatalf("%s: expected price", token.Hex())
		}
		got := wholeTokenValue(price, want.decimals)
		diff := new(big.Rat).Sub(got, new(big.Rat).SetInt64(want.value))
		if diff.Abs(diff).Cmp(big.NewRat(1, 1_000_000)) > 0 {
			t.Fatalf("%s: expected ~%d, got %s", token.Hex(), want.value, got.FloatString(8))
		}
	}
}

func TestYearOldFeedRecoveredByPostedPrice(t *testing.T) {
	h := newHarness(t)
	h.feed(t, wethFeed, 8, 1500, 0)
	if err := h.engine.AddSources(context.Background(), h.adminCtx,
		[]common.Address{weth}, []common.Address{wethFeed}, []time.Duration{1500 * time.Second}); err != nil {
		t.Fatalf("add sources: %v", err)
	}
	h.clock.Advance(365 * 24 * time.Hour)
	if ok, _ := h.engine.Price(context.Background(), weth); ok {
		t.Fatalf("year-old answer must be stale")
	}
	posted := new(big.Int).Mul(big.NewInt(1777), Q96)
	if err := h.engine.SetUnderlyingPriceX96(h.adminCtx, weth, posted, h.clock.now); err != nil {
		t.Fatalf("post price: %v", err)
	}
	ok, price := h.engine.Price(context.Background(), weth)
	if !ok || price.Cmp(posted) != 0 {
		t.Fatalf("expected posted price, got (%v, %s)", ok, price)
	}
	emitted := h.recorder.Types()
	if emitted[len(emitted)-1] != events.TypeOraclePricePosted {
		t.Fatalf("expected price posted event, got %v", emitted)
	}
}

func TestAdminOperationsRejectOutsiders(t *testing.T) {
	h := newHarness(t)
	h.feed(t, wethFeed, 8, 1500, 0)
	if err := h.engine.AddSources(context.Background(), h.adminCtx,
		[]common.Address{weth}, []common.Address{wethFeed}, []time.Duration{time.Hour}); err != nil {
		t.Fatalf("add sources: %v", err)
	}
	before := h.db.Len()
	eventsBefore := len(h.recorder.Events())

	// relaying through an admin origin does not grant rights to the sender
	call := types.CallContext{Origin: admin, Sender: outside}
	if err := h.engine.AddSources(context.Background(), call,
		[]common.Address{usdc}, []common.Address{usdcFeed}, []time.Duration{time.Hour}); !errors.Is(err, ErrForbidden) {
		t.Fatalf("add sources: expected ErrForbidden, got %v", err)
	}
	if err := h.engine.SetUnderlyingPriceX96(call, weth, Q96, h.clock.now); !errors.Is(err, ErrForbidden) {
		t.Fatalf("set price: expected ErrForbidden, got %v", err)
	}
	if err := h.engine.SetValidPeriod(call, time.Minute); !errors.Is(err, ErrForbidden) {
		t.Fatalf("set valid period: expected ErrForbidden, got %v", err)
	}
	if err := h.engine.SetValidPeriod(call, -time.Minute); !errors.Is(err, ErrForbidden) {
		t.Fatalf("invalid period from outsider: expected ErrForbidden, got %v", err)
	}
	if err := h.engine.RemoveSources(call, []common.Address{weth}); !errors.Is(err, ErrForbidden) {
		t.Fatalf("remove sources: expected ErrForbidden, got %v", err)
	}
	if err := h.engine.GrantAdmin(call, outside); !errors.Is(err, ErrForbidden) {
		t.Fatalf("grant admin: expected ErrForbidden, got %v", err)
	}
	if h.db.Len() != before || len(h.recorder.Events()) != eventsBefore {
		t.Fatalf("rejected calls must not change state or emit events")
	}

	if err := h.engine.GrantAdmin(h.adminCtx, outside); err != nil {
		t.Fatalf("grant admin: %v", err)
	}
	if err := h.engine.SetValidPeriod(types.DirectCall(outside), time.Minute); err != nil {
		t.Fatalf("new admin should update valid period: %v", err)
	}
	period, err := h.engine.ValidPeriod()
	if err != nil || period != time.Minute {
		t.Fatalf("expected one minute valid period, got %s err=%v", period, err)
	}
}

func TestAddSourcesOverwritesSourceKeepsFallback(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.feed(t, wethFeed, 8, 1500, 0)
	h.feed(t, usdcFeed, 8, 1, 0)
	if err := h.engine.AddSources(ctx, h.adminCtx,
		[]common.Address{weth}, []common.Address{wethFeed}, []time.Duration{time.Hour}); err != nil {
		t.Fatalf("add sources: %v", err)
	}
	posted := new(big.Int).Mul(Q96, big.NewInt(3))
	if err := h.engine.SetUnderlyingPriceX96(h.adminCtx, weth, posted, h.clock.now); err != nil {
		t.Fatalf("post fallback: %v", err)
	}

	if err := h.engine.AddSources(ctx, h.adminCtx,
		[]common.Address{weth}, []common.Address{usdcFeed}, []time.Duration{2 * time.Hour}); err != nil {
		t.Fatalf("re-add sources: %v", err)
	}
	src, ok, err := h.engine.Source(weth)
	if err != nil || !ok {
		t.Fatalf("source lookup: ok=%v err=%v", ok, err)
	}
	if src.Feed != usdcFeed || src.Heartbeat != 2*time.Hour {
		t.Fatalf("expected replaced source, got %+v", src)
	}
	fallback, ok, err := h.engine.Fallback(weth)
	if err != nil || !ok || fallback.PriceX96.Cmp(posted) != 0 {
		t.Fatalf("fallback must survive re-registration: %+v ok=%v err=%v", fallback, ok, err)
	}
	supported, err := h.engine.SupportedTokens()
	if err != nil || len(supported) != 1 {
		t.Fatalf("token must be listed once, got %v err=%v", supported, err)
	}
}

func TestSubSecondDurationsAreRejected(t *testing.T) {
	h := newHarness(t)
	h.feed(t, wethFeed, 8, 1500, 0)
	err := h.engine.AddSources(context.Background(), h.adminCtx,
		[]common.Address{weth}, []common.Address{wethFeed}, []time.Duration{1500 * time.Millisecond})
	if !errors.Is(err, ErrInvalidOracle) {
		t.Fatalf("expected ErrInvalidOracle for a fractional heartbeat, got %v", err)
	}
	if h.engine.HasOracle(weth) {
		t.Fatalf("rejected batch must not register the token")
	}
	if err := h.engine.SetValidPeriod(h.adminCtx, 90*time.Millisecond); !errors.Is(err, ErrInvalidPeriod) {
		t.Fatalf("expected ErrInvalidPeriod, got %v", err)
	}
	if period, _ := h.engine.ValidPeriod(); period != time.Hour {
		t.Fatalf("rejected update must keep the period, got %s", period)
	}
}

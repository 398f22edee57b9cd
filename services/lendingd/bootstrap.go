package main

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/ethclient"

	genesiscfg "lpvault/config"
	"lpvault/core/events"
	"lpvault/core/state"
	"lpvault/core/types"
	nativecommon "lpvault/native/common"
	"lpvault/native/lending"
	"lpvault/native/oracle"
	"lpvault/native/positions"
	"lpvault/services/lendingd/config"
	"lpvault/storage"
)

// genesisMarker records that genesis has been written so restarts against a
// persistent store keep governance changes made since.
var genesisMarker = []byte("lendingd/genesis")

// modules bundles the engines sharing one state database.
type modules struct {
	oracle      *oracle.Engine
	lending     *lending.Engine
	positions   *positions.Keeper
	pauses      *nativecommon.Pauses
	managers    []*state.Manager
	staticFeeds []*staticFeed
	evm         *ethclient.Client
}

type staticFeed struct {
	feed   *oracle.StaticFeed
	answer genesiscfg.StaticFeed
}

func openStorage(cfg config.StorageConfig) (storage.Database, error) {
	switch strings.ToLower(cfg.Backend) {
	case "memory":
		return storage.NewMemDB(), nil
	case "leveldb":
		db, err := storage.NewLevelDB(filepath.Clean(cfg.Path))
		if err != nil {
			return nil, fmt.Errorf("open leveldb %s: %w", cfg.Path, err)
		}
		return db, nil
	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.Backend)
	}
}

// buildModules wires the oracle, lending and positions engines over db.
// Feeds are read from the configured EVM endpoint when present and from the
// genesis static feeds otherwise.
func buildModules(gen *genesiscfg.Genesis, db storage.Database, logger *slog.Logger) (*modules, error) {
	moduleAddr, err := gen.Module()
	if err != nil {
		return nil, fmt.Errorf("module address: %w", err)
	}
	treasury, err := gen.Treasury()
	if err != nil {
		return nil, fmt.Errorf("treasury address: %w", err)
	}
	pinned, err := gen.TokenDecimals()
	if err != nil {
		return nil, fmt.Errorf("token decimals: %w", err)
	}
	declared, err := gen.StaticFeeds()
	if err != nil {
		return nil, fmt.Errorf("static feeds: %w", err)
	}

	out := &modules{}
	var resolver oracle.FeedResolver
	tokens := oracle.TokenChain{oracle.StaticTokens(pinned)}
	if gen.EVMEndpoint != "" {
		client, err := oracle.DialEVMClient(context.Background(), gen.EVMEndpoint)
		if err != nil {
			return nil, err
		}
		out.evm = client
		resolver = oracle.NewChainlinkResolver(client)
		tokens = append(tokens, oracle.NewERC20Tokens(client))
		if len(declared) > 0 {
			logger.Warn("static feeds ignored while an evm endpoint is configured", slog.Int("feeds", len(declared)))
		}
	} else {
		set := oracle.NewFeedSet()
		for _, entry := range declared {
			feed := oracle.NewStaticFeed(entry.Decimals)
			feed.Set(entry.Answer, time.Now())
			set.Register(entry.Address, feed)
			out.staticFeeds = append(out.staticFeeds, &staticFeed{feed: feed, answer: entry})
		}
		resolver = set
	}

	oracleMgr := state.NewManager(db, "oracle")
	lendingMgr := state.NewManager(db, "lending")
	out.managers = []*state.Manager{oracleMgr, lendingMgr}

	out.oracle = oracle.NewEngine(oracleMgr, resolver, tokens)
	out.oracle.SetLogger(logger.With(slog.String("module", "oracle")))

	book := positions.NewBook("positions")
	out.positions = positions.NewKeeper(lendingMgr, book)

	out.pauses = nativecommon.NewPauses()
	if gen.Pauses.Lending {
		out.pauses.Set("lending", true)
	}
	out.lending = lending.NewEngine(lendingMgr, out.oracle, book, moduleAddr, treasury)
	out.lending.SetLogger(logger.With(slog.String("module", "lending")))
	out.lending.SetPauses(out.pauses)
	return out, nil
}

// setEmitter routes committed events from every module to emitter.
func (m *modules) setEmitter(emitter events.Emitter) {
	for _, mgr := range m.managers {
		mgr.SetEmitter(emitter)
	}
}

// close releases the EVM connection when one was dialled.
func (m *modules) close() {
	if m.evm != nil {
		m.evm.Close()
	}
}

// applyGenesis seeds a fresh database. It returns false without touching
// state when genesis was applied by an earlier run.
func applyGenesis(ctx context.Context, gen *genesiscfg.Genesis, db storage.Database, m *modules) (bool, error) {
	applied, err := db.Has(genesisMarker)
	if err != nil {
		return false, fmt.Errorf("read genesis marker: %w", err)
	}
	if applied {
		return false, nil
	}
	oracleAdmins, err := gen.OracleAdmins()
	if err != nil {
		return false, fmt.Errorf("oracle admins: %w", err)
	}
	if err := m.oracle.InitGenesis(oracleAdmins, gen.ValidPeriod()); err != nil {
		return false, fmt.Errorf("oracle genesis: %w", err)
	}
	sources, err := gen.Sources()
	if err != nil {
		return false, fmt.Errorf("oracle sources: %w", err)
	}
	if len(sources.Tokens) > 0 {
		if len(oracleAdmins) == 0 {
			return false, fmt.Errorf("oracle sources require at least one oracle admin")
		}
		call := types.DirectCall(oracleAdmins[0])
		if err := m.oracle.AddSources(ctx, call, sources.Tokens, sources.Feeds, sources.Heartbeats); err != nil {
			return false, fmt.Errorf("register oracle sources: %w", err)
		}
	}
	syncers, err := gen.Syncers()
	if err != nil {
		return false, fmt.Errorf("position syncers: %w", err)
	}
	if err := m.positions.InitGenesis(syncers); err != nil {
		return false, fmt.Errorf("positions genesis: %w", err)
	}
	lendingGenesis, err := gen.LendingGenesis()
	if err != nil {
		return false, fmt.Errorf("lending genesis: %w", err)
	}
	if err := m.lending.InitGenesis(lendingGenesis); err != nil {
		return false, fmt.Errorf("apply lending genesis: %w", err)
	}
	if err := db.Put(genesisMarker, []byte(gen.NetworkName)); err != nil {
		return false, fmt.Errorf("write genesis marker: %w", err)
	}
	return true, nil
}

// refreshStaticFeeds re-stamps the static feed answers so they never trip
// the heartbeat check. It returns when ctx is cancelled.
func refreshStaticFeeds(ctx context.Context, feeds []*staticFeed, interval time.Duration) {
	if len(feeds) == 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			for _, entry := range feeds {
				entry.feed.Set(entry.answer.Answer, now)
			}
		}
	}
}

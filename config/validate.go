package config

import (
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"lpvault/crypto"
	"lpvault/native/lending"
)

// Validate checks addresses, oracle wiring and lending parameters.
func (cfg *Genesis) Validate() error {
	if cfg == nil {
		return fmt.Errorf("configuration is missing")
	}
	if _, err := cfg.Module(); err != nil {
		return fmt.Errorf("ModuleAddress: %w", err)
	}
	if _, err := cfg.Treasury(); err != nil {
		return fmt.Errorf("TreasuryAddress: %w", err)
	}
	if _, err := cfg.OracleAdmins(); err != nil {
		return fmt.Errorf("oracle: %w", err)
	}
	if _, err := cfg.TokenDecimals(); err != nil {
		return fmt.Errorf("oracle.tokens: %w", err)
	}
	if _, err := cfg.Sources(); err != nil {
		return fmt.Errorf("oracle.sources: %w", err)
	}
	if _, err := cfg.StaticFeeds(); err != nil {
		return fmt.Errorf("oracle.feeds: %w", err)
	}
	if _, err := cfg.LendingGenesis(); err != nil {
		return fmt.Errorf("lending: %w", err)
	}
	if _, err := cfg.Syncers(); err != nil {
		return fmt.Errorf("positions: %w", err)
	}
	return nil
}

func parseNonZero(raw string) (common.Address, error) {
	addr, err := crypto.ParseAccount(raw)
	if err != nil {
		return common.Address{}, err
	}
	if addr == (common.Address{}) {
		return common.Address{}, fmt.Errorf("zero address %q", raw)
	}
	return addr, nil
}

// Module returns the custody account of deposited NFTs.
func (cfg *Genesis) Module() (common.Address, error) { return parseNonZero(cfg.ModuleAddress) }

// Treasury returns the protocol revenue account.
func (cfg *Genesis) Treasury() (common.Address, error) { return parseNonZero(cfg.TreasuryAddress) }

// ValidPeriod returns the fallback price validity window.
func (cfg *Genesis) ValidPeriod() time.Duration {
	return time.Duration(cfg.Oracle.ValidPeriodSeconds) * time.Second
}

// OracleAdmins decodes the oracle admin accounts.
func (cfg *Genesis) OracleAdmins() ([]common.Address, error) {
	out := make([]common.Address, 0, len(cfg.Oracle.Admins))
	for _, raw := range cfg.Oracle.Admins {
		addr, err := parseNonZero(raw)
		if err != nil {
			return nil, fmt.Errorf("admin: %w", err)
		}
		out = append(out, addr)
	}
	return out, nil
}

// Syncers decodes the accounts holding the positions syncer role.
func (cfg *Genesis) Syncers() ([]common.Address, error) {
	out := make([]common.Address, 0, len(cfg.Positions.Syncers))
	for _, raw := range cfg.Positions.Syncers {
		addr, err := parseNonZero(raw)
		if err != nil {
			return nil, fmt.Errorf("syncer: %w", err)
		}
		out = append(out, addr)
	}
	return out, nil
}

// TokenDecimals returns the pinned decimals per token.
func (cfg *Genesis) TokenDecimals() (map[common.Address]uint8, error) {
	out := make(map[common.Address]uint8, len(cfg.Oracle.Tokens))
	for _, entry := range cfg.Oracle.Tokens {
		addr, err := parseNonZero(entry.Address)
		if err != nil {
			return nil, err
		}
		if _, dup := out[addr]; dup {
			return nil, fmt.Errorf("duplicate token %s", addr.Hex())
		}
		out[addr] = entry.Decimals
	}
	return out, nil
}

// SourceSet is the decoded form of the genesis sources, ready for
// oracle.Engine.AddSources.
type SourceSet struct {
	Tokens     []common.Address
	Feeds      []common.Address
	Heartbeats []time.Duration
}

// Sources decodes the genesis price sources.
func (cfg *Genesis) Sources() (SourceSet, error) {
	var set SourceSet
	seen := make(map[common.Address]struct{}, len(cfg.Oracle.Sources))
	for _, entry := range cfg.Oracle.Sources {
		token, err := parseNonZero(entry.Token)
		if err != nil {
			return SourceSet{}, fmt.Errorf("token: %w", err)
		}
		feed, err := parseNonZero(entry.Feed)
		if err != nil {
			return SourceSet{}, fmt.Errorf("feed: %w", err)
		}
		if entry.HeartbeatSeconds == 0 {
			return SourceSet{}, fmt.Errorf("heartbeat for %s must be positive", token.Hex())
		}
		if _, dup := seen[token]; dup {
			return SourceSet{}, fmt.Errorf("duplicate source for %s", token.Hex())
		}
		seen[token] = struct{}{}
		set.Tokens = append(set.Tokens, token)
		set.Feeds = append(set.Feeds, feed)
		set.Heartbeats = append(set.Heartbeats, time.Duration(entry.HeartbeatSeconds)*time.Second)
	}
	return set, nil
}

// StaticFeed is a decoded static feed entry.
type StaticFeed struct {
	Address  common.Address
	Decimals uint8
	Answer   *big.Int
}

// StaticFeeds decodes the in-process feed declarations.
func (cfg *Genesis) StaticFeeds() ([]StaticFeed, error) {
	out := make([]StaticFeed, 0, len(cfg.Oracle.Feeds))
	for _, entry := range cfg.Oracle.Feeds {
		addr, err := parseNonZero(entry.Address)
		if err != nil {
			return nil, err
		}
		answer, ok := new(big.Int).SetString(strings.TrimSpace(entry.Answer), 10)
		if !ok || answer.Sign() <= 0 {
			return nil, fmt.Errorf("feed %s answer %q must be a positive integer", addr.Hex(), entry.Answer)
		}
		out = append(out, StaticFeed{Address: addr, Decimals: entry.Decimals, Answer: answer})
	}
	return out, nil
}

// LendingGenesis converts the lending section into the module genesis.
func (cfg *Genesis) LendingGenesis() (lending.Genesis, error) {
	return cfg.Lending.Genesis(parseNonZero)
}

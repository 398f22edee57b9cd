package config

import "lpvault/native/lending"

// OracleGenesis seeds the price source registry.
type OracleGenesis struct {
	Admins             []string      `toml:"Admins"`
	ValidPeriodSeconds uint64        `toml:"ValidPeriodSeconds"`
	Tokens             []TokenEntry  `toml:"tokens"`
	Sources            []SourceEntry `toml:"sources"`
	// Feeds declares in-process static feeds for networks without an EVM
	// endpoint.
	Feeds []FeedEntry `toml:"feeds"`
}

// TokenEntry pins the decimals of an underlying token so startup does not
// depend on a remote decimals() call.
type TokenEntry struct {
	Address  string `toml:"Address"`
	Decimals uint8  `toml:"Decimals"`
}

// SourceEntry registers a feed for a token at genesis.
type SourceEntry struct {
	Token            string `toml:"Token"`
	Feed             string `toml:"Feed"`
	HeartbeatSeconds uint64 `toml:"HeartbeatSeconds"`
}

// FeedEntry describes a static feed answer.
type FeedEntry struct {
	Address  string `toml:"Address"`
	Decimals uint8  `toml:"Decimals"`
	Answer   string `toml:"Answer"`
}

// PositionsGenesis lists the indexer accounts allowed to mirror AMM
// positions into the book.
type PositionsGenesis struct {
	Syncers []string `toml:"Syncers"`
}

// Pauses lists modules halted at startup.
type Pauses struct {
	Lending bool `toml:"Lending"`
}

// Genesis is the node configuration for a vault deployment.
type Genesis struct {
	NetworkName     string           `toml:"NetworkName"`
	DataDir         string           `toml:"DataDir"`
	EVMEndpoint     string           `toml:"EVMEndpoint"`
	ModuleAddress   string           `toml:"ModuleAddress"`
	TreasuryAddress string           `toml:"TreasuryAddress"`
	Oracle          OracleGenesis    `toml:"oracle"`
	Lending         lending.Config   `toml:"lending"`
	Positions       PositionsGenesis `toml:"positions"`
	Pauses          Pauses           `toml:"pauses"`
}

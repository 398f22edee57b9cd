package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"lpvault/crypto"
	"lpvault/native/lending"
)

func writeConfig(t *testing.T, contents string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	if err := os.WriteFile(path, []byte(contents), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

const sample = `NetworkName = "testnet"
DataDir = "./data"
ModuleAddress = "0x000000000000000000000000000000000000f00d"
TreasuryAddress = "0x0000000000000000000000000000000000007ea5"

[oracle]
Admins = ["0x00000000000000000000000000000000000000ad"]
ValidPeriodSeconds = 7200

[[oracle.tokens]]
Address = "0x0000000000000000000000000000000000001001"
Decimals = 18

[[oracle.sources]]
Token = "0x0000000000000000000000000000000000001001"
Feed = "0x0000000000000000000000000000000000002001"
HeartbeatSeconds = 4000

[[oracle.feeds]]
Address = "0x0000000000000000000000000000000000002001"
Decimals = 8
Answer = "150000000000"

[lending]
MaxNftsPerVault = 5
LiquidationFeeD = 30000000
LiquidationPremiumD = 50000000
RepayPolicy = "cap"
Admins = ["0x00000000000000000000000000000000000000ad"]

[[lending.pools]]
Address = "0x0000000000000000000000000000000000003001"
LiquidationThresholdD = 800000000

[positions]
Syncers = ["0x00000000000000000000000000000000000000cc"]

[pauses]
Lending = true
`

func TestLoadParsesGenesis(t *testing.T) {
	cfg, err := Load(writeConfig(t, sample))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.NetworkName != "testnet" || !cfg.Pauses.Lending {
		t.Fatalf("unexpected config %+v", cfg)
	}
	if cfg.ValidPeriod() != 2*time.Hour {
		t.Fatalf("unexpected valid period %s", cfg.ValidPeriod())
	}
	sources, err := cfg.Sources()
	if err != nil || len(sources.Tokens) != 1 || sources.Heartbeats[0] != 4000*time.Second {
		t.Fatalf("unexpected sources %+v err=%v", sources, err)
	}
	feeds, err := cfg.StaticFeeds()
	if err != nil || len(feeds) != 1 || feeds[0].Answer.String() != "150000000000" {
		t.Fatalf("unexpected feeds %+v err=%v", feeds, err)
	}
	genesis, err := cfg.LendingGenesis()
	if err != nil {
		t.Fatalf("lending genesis: %v", err)
	}
	if genesis.Params.MaxNftsPerVault != 5 || genesis.Params.RepayPolicy != lending.RepayCap {
		t.Fatalf("unexpected params %+v", genesis.Params)
	}
	if len(genesis.Pools) != 1 || genesis.Pools[0].Pool != common.HexToAddress("0x0000000000000000000000000000000000003001") {
		t.Fatalf("unexpected pools %+v", genesis.Pools)
	}
	syncers, err := cfg.Syncers()
	if err != nil || len(syncers) != 1 || syncers[0] != common.HexToAddress("0x00000000000000000000000000000000000000cc") {
		t.Fatalf("unexpected syncers %v err=%v", syncers, err)
	}
}

func TestLoadAcceptsBech32Accounts(t *testing.T) {
	module := common.HexToAddress("0x000000000000000000000000000000000000f00d")
	contents := strings.Replace(sample, `"0x000000000000000000000000000000000000f00d"`, `"`+crypto.FormatAccount(module)+`"`, 1)
	cfg, err := Load(writeConfig(t, contents))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	got, err := cfg.Module()
	if err != nil || got != module {
		t.Fatalf("unexpected module %s err=%v", got.Hex(), err)
	}
}

func TestLoadRejectsInvalidGenesis(t *testing.T) {
	cases := map[string]string{
		"unknown key":      sample + "\nBogus = 1\n",
		"zero heartbeat":   strings.Replace(sample, "HeartbeatSeconds = 4000", "HeartbeatSeconds = 0", 1),
		"bad feed answer":  strings.Replace(sample, `Answer = "150000000000"`, `Answer = "-1"`, 1),
		"bad threshold":    strings.Replace(sample, "LiquidationThresholdD = 800000000", "LiquidationThresholdD = 0", 1),
		"missing treasury": strings.Replace(sample, `TreasuryAddress = "0x0000000000000000000000000000000000007ea5"`, "", 1),
		"bad repay policy": strings.Replace(sample, `RepayPolicy = "cap"`, `RepayPolicy = "refund"`, 1),
		"zero syncer":      strings.Replace(sample, `Syncers = ["0x00000000000000000000000000000000000000cc"]`, `Syncers = ["0x0000000000000000000000000000000000000000"]`, 1),
	}
	for name, contents := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := Load(writeConfig(t, contents)); err == nil {
				t.Fatalf("expected load to fail")
			}
		})
	}
}

func TestLoadCreatesDefault(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.toml")
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load default: %v", err)
	}
	if cfg.NetworkName != defaultNetworkName {
		t.Fatalf("unexpected network %q", cfg.NetworkName)
	}
	reloaded, err := Load(path)
	if err != nil {
		t.Fatalf("reload default: %v", err)
	}
	if reloaded.Lending.MaxNftsPerVault != lending.DefaultParams().MaxNftsPerVault {
		t.Fatalf("defaults should round-trip, got %+v", reloaded.Lending)
	}
}

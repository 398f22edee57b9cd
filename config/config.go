package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
)

const (
	defaultNetworkName     = "lpvault-local"
	defaultDataDir         = "./lpvault-data"
	defaultValidPeriodSecs = 3600
)

// Load loads the genesis configuration from the given path. A missing file is
// created with development defaults.
func Load(path string) (*Genesis, error) {
	cfg := &Genesis{}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return createDefault(path)
	}

	meta, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return nil, err
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return nil, fmt.Errorf("config file %s has unknown key %s", path, undecoded[0].String())
	}

	cfg.normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (cfg *Genesis) normalize() {
	cfg.NetworkName = strings.TrimSpace(cfg.NetworkName)
	if cfg.NetworkName == "" {
		cfg.NetworkName = defaultNetworkName
	}
	cfg.DataDir = strings.TrimSpace(cfg.DataDir)
	if cfg.DataDir == "" {
		cfg.DataDir = defaultDataDir
	}
	cfg.EVMEndpoint = strings.TrimSpace(cfg.EVMEndpoint)
	if cfg.Oracle.ValidPeriodSeconds == 0 {
		cfg.Oracle.ValidPeriodSeconds = defaultValidPeriodSecs
	}
	if cfg.Oracle.Admins == nil {
		cfg.Oracle.Admins = []string{}
	}
	cfg.Lending.EnsureDefaults()
}

// createDefault creates and saves a default configuration file.
func createDefault(path string) (*Genesis, error) {
	cfg := &Genesis{
		NetworkName:     defaultNetworkName,
		DataDir:         defaultDataDir,
		ModuleAddress:   "0x000000000000000000000000000000000000f00d",
		TreasuryAddress: "0x0000000000000000000000000000000000007ea5",
		Oracle:          OracleGenesis{ValidPeriodSeconds: defaultValidPeriodSecs, Admins: []string{}},
	}
	cfg.Lending.EnsureDefaults()
	cfg.Lending.LiquidationFeeD = 30_000_000
	cfg.Lending.LiquidationPremiumD = 50_000_000

	if err := persist(path, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func persist(path string, cfg *Genesis) error {
	dir := filepath.Dir(path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_TRUNC|os.O_CREATE, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	return toml.NewEncoder(f).Encode(cfg)
}

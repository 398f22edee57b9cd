package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	defaultListen     = ":8080"
	defaultGRPCListen = ":50053"
	defaultGenesis    = "config.toml"
)

// Config captures the runtime settings for the vault service daemon.
type Config struct {
	ListenAddress     string               `yaml:"listen"`
	GRPCListenAddress string               `yaml:"grpc_listen"`
	GenesisPath       string               `yaml:"genesis"`
	TLS               TLSConfig            `yaml:"tls"`
	Auth              AuthConfig           `yaml:"auth"`
	Storage           StorageConfig        `yaml:"storage"`
	Journal           JournalConfig        `yaml:"journal"`
	RateLimits        map[string]RateLimit `yaml:"rate_limits"`
	CORS              CORSConfig           `yaml:"cors"`
	Log               LogConfig            `yaml:"log"`
	ShutdownTimeout   time.Duration        `yaml:"shutdown_timeout"`
}

// TLSConfig describes the TLS material shared by the HTTP and gRPC servers.
type TLSConfig struct {
	CertPath      string `yaml:"cert"`
	KeyPath       string `yaml:"key"`
	ClientCAPath  string `yaml:"client_ca"`
	AllowInsecure bool   `yaml:"allow_insecure"`
}

// AuthConfig lists the authenticators accepted by the service. Users present
// JWTs whose subject is their account; operators sign requests with HMAC keys.
type AuthConfig struct {
	JWT        JWTConfig        `yaml:"jwt"`
	Operators  []OperatorConfig `yaml:"operators"`
	NonceStore string           `yaml:"nonce_store"`
	MTLS       MTLSAuthConfig   `yaml:"mtls"`
}

type JWTConfig struct {
	Secret   string `yaml:"secret"`
	Issuer   string `yaml:"issuer"`
	Audience string `yaml:"audience"`
}

// OperatorConfig binds an HMAC key to the account it acts as.
type OperatorConfig struct {
	APIKey  string `yaml:"api_key"`
	Secret  string `yaml:"secret"`
	Account string `yaml:"account"`
}

// MTLSAuthConfig enumerates the client certificate identities allowed on
// operator routes.
type MTLSAuthConfig struct {
	AllowedCommonNames []string `yaml:"allowed_common_names"`
}

// StorageConfig selects the state backend.
type StorageConfig struct {
	Backend string `yaml:"backend"`
	Path    string `yaml:"path"`
}

// JournalConfig configures the event journal. A postgres:// DSN selects
// Postgres; anything else is treated as a SQLite file path.
type JournalConfig struct {
	DSN string `yaml:"dsn"`
}

type RateLimit struct {
	RatePerSecond float64        `yaml:"rate_per_second"`
	Burst         int            `yaml:"burst"`
	DefaultTokens int            `yaml:"default_tokens"`
	Tokens        map[string]int `yaml:"tokens"`
}

type CORSConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins"`
}

type LogConfig struct {
	Level      string `yaml:"level"`
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
}

// Load reads the YAML configuration from disk and validates the result.
func Load(path string) (Config, error) {
	var cfg Config
	if strings.TrimSpace(path) == "" {
		return cfg, fmt.Errorf("config path required")
	}
	file, err := os.Open(path)
	if err != nil {
		return cfg, fmt.Errorf("open config: %w", err)
	}
	defer file.Close()

	decoder := yaml.NewDecoder(file)
	decoder.KnownFields(true)
	if err := decoder.Decode(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}

	cfg.normalize()
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func trimAll(values []string) []string {
	out := make([]string, 0, len(values))
	for _, value := range values {
		if trimmed := strings.TrimSpace(value); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func (cfg *Config) normalize() {
	cfg.ListenAddress = strings.TrimSpace(cfg.ListenAddress)
	if cfg.ListenAddress == "" {
		cfg.ListenAddress = defaultListen
	}
	cfg.GRPCListenAddress = strings.TrimSpace(cfg.GRPCListenAddress)
	if cfg.GRPCListenAddress == "" {
		cfg.GRPCListenAddress = defaultGRPCListen
	}
	cfg.GenesisPath = strings.TrimSpace(cfg.GenesisPath)
	if cfg.GenesisPath == "" {
		cfg.GenesisPath = defaultGenesis
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 5 * time.Second
	}
	cfg.TLS.CertPath = strings.TrimSpace(cfg.TLS.CertPath)
	cfg.TLS.KeyPath = strings.TrimSpace(cfg.TLS.KeyPath)
	cfg.TLS.ClientCAPath = strings.TrimSpace(cfg.TLS.ClientCAPath)

	cfg.Auth.JWT.Secret = strings.TrimSpace(cfg.Auth.JWT.Secret)
	cfg.Auth.JWT.Issuer = strings.TrimSpace(cfg.Auth.JWT.Issuer)
	cfg.Auth.JWT.Audience = strings.TrimSpace(cfg.Auth.JWT.Audience)
	cfg.Auth.NonceStore = strings.TrimSpace(cfg.Auth.NonceStore)
	operators := make([]OperatorConfig, 0, len(cfg.Auth.Operators))
	for _, op := range cfg.Auth.Operators {
		op.APIKey = strings.TrimSpace(op.APIKey)
		op.Secret = strings.TrimSpace(op.Secret)
		op.Account = strings.TrimSpace(op.Account)
		if op.APIKey == "" && op.Secret == "" && op.Account == "" {
			continue
		}
		operators = append(operators, op)
	}
	cfg.Auth.Operators = operators
	cfg.Auth.MTLS.AllowedCommonNames = trimAll(cfg.Auth.MTLS.AllowedCommonNames)

	cfg.Storage.Backend = strings.ToLower(strings.TrimSpace(cfg.Storage.Backend))
	if cfg.Storage.Backend == "" {
		cfg.Storage.Backend = "leveldb"
	}
	cfg.Storage.Path = strings.TrimSpace(cfg.Storage.Path)
	cfg.Journal.DSN = strings.TrimSpace(cfg.Journal.DSN)
	cfg.CORS.AllowedOrigins = trimAll(cfg.CORS.AllowedOrigins)
	cfg.Log.Level = strings.TrimSpace(cfg.Log.Level)
	cfg.Log.File = strings.TrimSpace(cfg.Log.File)
}

func (cfg *Config) validate() error {
	if err := cfg.TLS.validate(); err != nil {
		return fmt.Errorf("tls: %w", err)
	}
	if err := cfg.Auth.validate(cfg.TLS); err != nil {
		return fmt.Errorf("auth: %w", err)
	}
	switch cfg.Storage.Backend {
	case "memory":
	case "leveldb":
		if cfg.Storage.Path == "" {
			return fmt.Errorf("storage: path is required for the leveldb backend")
		}
	default:
		return fmt.Errorf("storage: unknown backend %q", cfg.Storage.Backend)
	}
	for name, limit := range cfg.RateLimits {
		if limit.RatePerSecond < 0 || limit.Burst < 0 {
			return fmt.Errorf("rate_limits.%s: values must not be negative", name)
		}
	}
	return nil
}

func (cfg TLSConfig) validate() error {
	hasCert := cfg.CertPath != ""
	hasKey := cfg.KeyPath != ""
	if hasCert != hasKey {
		return fmt.Errorf("cert and key must either both be provided or both be empty")
	}
	if !cfg.AllowInsecure && !hasCert {
		return fmt.Errorf("cert and key are required unless allow_insecure=true")
	}
	if cfg.ClientCAPath != "" && !hasCert {
		return fmt.Errorf("client_ca requires a server certificate and key")
	}
	return nil
}

// MTLSEnabled reports whether mutual TLS verification is configured.
func (cfg TLSConfig) MTLSEnabled() bool {
	return cfg.ClientCAPath != ""
}

func (cfg AuthConfig) validate(tls TLSConfig) error {
	if cfg.JWT.Secret == "" && len(cfg.Operators) == 0 {
		return fmt.Errorf("a jwt secret or at least one operator key must be configured")
	}
	seen := make(map[string]struct{}, len(cfg.Operators))
	for i, op := range cfg.Operators {
		if op.APIKey == "" || op.Secret == "" || op.Account == "" {
			return fmt.Errorf("operators[%d]: api_key, secret and account are required", i)
		}
		if _, dup := seen[op.APIKey]; dup {
			return fmt.Errorf("operators[%d]: duplicate api_key %q", i, op.APIKey)
		}
		seen[op.APIKey] = struct{}{}
	}
	if len(cfg.MTLS.AllowedCommonNames) > 0 && tls.ClientCAPath == "" {
		return fmt.Errorf("mtls.allowed_common_names requires tls.client_ca to be configured")
	}
	return nil
}

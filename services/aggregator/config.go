package aggregator

import (
	"fmt"
	"math/big"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"blockmusic/crypto"
	"blockmusic/native/bank"
	"blockmusic/native/revenue"
)

// Duration wraps time.Duration to support YAML unmarshalling.
type Duration struct {
	time.Duration
}

// UnmarshalYAML parses human readable duration strings.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value == nil {
		return nil
	}
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("duration must be string")
	}
	if value.Value == "" {
		d.Duration = 0
		return nil
	}
	parsed, err := time.ParseDuration(value.Value)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", value.Value, err)
	}
	d.Duration = parsed
	return nil
}

// Ledger backend modes.
const (
	LedgerModeRPC   = "rpc"
	LedgerModeEVM   = "evm"
	LedgerModeLocal = "local"
)

// Config captures the runtime configuration for playaggd.
type Config struct {
	ListenAddress string          `yaml:"listen"`
	DataDir       string          `yaml:"data_dir"`
	Flush         FlushConfig     `yaml:"flush"`
	Audit         AuditConfig     `yaml:"audit"`
	Ledger        LedgerConfig    `yaml:"ledger"`
	Journal       JournalConfig   `yaml:"journal"`
	Admin         AdminConfig     `yaml:"admin"`
	RateLimit     RateLimitConfig `yaml:"rate_limit"`
}

// FlushConfig controls the settlement schedule.
type FlushConfig struct {
	Interval      Duration `yaml:"interval"`
	SubmitTimeout Duration `yaml:"submit_timeout"`
	BatchSize     int      `yaml:"batch_size"`
	Disabled      bool     `yaml:"disabled"`
}

// AuditConfig controls audit record retention.
type AuditConfig struct {
	Retention     Duration `yaml:"retention"`
	PruneInterval Duration `yaml:"prune_interval"`
	ExportDir     string   `yaml:"export_dir"`
}

// LedgerConfig selects and configures the ledger backend.
type LedgerConfig struct {
	Mode          string `yaml:"mode"`
	Endpoint      string `yaml:"endpoint"`
	AuthToken     string `yaml:"auth_token"`
	AuthTokenEnv  string `yaml:"auth_token_env"`
	SignerKey     string `yaml:"signer_key"`
	SignerKeyFile string `yaml:"signer_key_file"`
	SignerKeyEnv  string `yaml:"signer_key_env"`
	Keystore      string `yaml:"keystore"`
	PassphraseEnv string `yaml:"keystore_passphrase_env"`
	Contract      string `yaml:"contract"`
	ChainID       int64  `yaml:"chain_id"`
	GasLimit      uint64 `yaml:"gas_limit"`
	// Owner and Genesis are only used in local mode to bootstrap the embedded
	// ledger.
	Owner   string              `yaml:"owner"`
	Genesis []GenesisAllocation `yaml:"genesis"`
}

// GenesisAllocation funds an account of the embedded ledger on first start.
type GenesisAllocation struct {
	Asset   string `yaml:"asset"`
	Address string `yaml:"address"`
	Amount  string `yaml:"amount"`
}

// Allocations parses the local-mode genesis list.
func (l LedgerConfig) Allocations() ([]bank.Allocation, error) {
	out := make([]bank.Allocation, 0, len(l.Genesis))
	for i, alloc := range l.Genesis {
		asset, err := revenue.ParseAsset(alloc.Asset)
		if err != nil {
			return nil, fmt.Errorf("ledger.genesis[%d].asset: %w", i, err)
		}
		addr, err := crypto.ParseAddress(alloc.Address)
		if err != nil {
			return nil, fmt.Errorf("ledger.genesis[%d].address: %w", i, err)
		}
		amount, ok := new(big.Int).SetString(strings.ReplaceAll(strings.TrimSpace(alloc.Amount), "_", ""), 10)
		if !ok || amount.Sign() <= 0 {
			return nil, fmt.Errorf("ledger.genesis[%d].amount must be a positive integer", i)
		}
		out = append(out, bank.Allocation{Asset: string(asset), Address: addr, Amount: amount})
	}
	return out, nil
}

// JournalConfig locates the flush journal database.
type JournalConfig struct {
	Driver string `yaml:"driver"`
	DSN    string `yaml:"dsn"`
}

// AdminConfig secures the admin endpoints.
type AdminConfig struct {
	JWTSecret     string `yaml:"jwt_secret"`
	JWTSecretFile string `yaml:"jwt_secret_file"`
	JWTSecretEnv  string `yaml:"jwt_secret_env"`
	Issuer        string `yaml:"issuer"`
}

// RateLimitConfig throttles POST /plays per client.
type RateLimitConfig struct {
	RequestsPerMinute float64 `yaml:"requests_per_minute"`
	Burst             int     `yaml:"burst"`
}

// LoadConfig reads configuration from the supplied path.
func LoadConfig(path string) (Config, error) {
	cfg := Config{}
	file, err := os.Open(path)
	if err != nil {
		return cfg, fmt.Errorf("open config: %w", err)
	}
	defer file.Close()
	dec := yaml.NewDecoder(file)
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return cfg, fmt.Errorf("decode config: %w", err)
	}
	applyDefaults(&cfg)
	if err := cfg.Ledger.normalise(); err != nil {
		return cfg, fmt.Errorf("ledger: %w", err)
	}
	if err := cfg.Admin.normalise(); err != nil {
		return cfg, fmt.Errorf("admin security: %w", err)
	}
	if err := validateConfig(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.ListenAddress == "" {
		cfg.ListenAddress = ":7090"
	}
	if cfg.DataDir == "" {
		cfg.DataDir = "data/playaggd"
	}
	if cfg.Flush.Interval.Duration == 0 {
		cfg.Flush.Interval.Duration = time.Hour
	}
	if cfg.Flush.SubmitTimeout.Duration == 0 {
		cfg.Flush.SubmitTimeout.Duration = 2 * time.Minute
	}
	if cfg.Audit.Retention.Duration == 0 {
		cfg.Audit.Retention.Duration = 30 * 24 * time.Hour
	}
	if cfg.Audit.PruneInterval.Duration == 0 {
		cfg.Audit.PruneInterval.Duration = 6 * time.Hour
	}
	cfg.Ledger.Mode = strings.ToLower(strings.TrimSpace(cfg.Ledger.Mode))
	if cfg.Audit.ExportDir == "" {
		cfg.Audit.ExportDir = strings.TrimSuffix(cfg.DataDir, "/") + "/exports"
	}
	if cfg.Ledger.Mode == "" {
		cfg.Ledger.Mode = LedgerModeRPC
	}
	if cfg.Journal.Driver == "" {
		cfg.Journal.Driver = "sqlite"
	}
	if cfg.Journal.DSN == "" && cfg.Journal.Driver == "sqlite" {
		cfg.Journal.DSN = strings.TrimSuffix(cfg.DataDir, "/") + "/journal.db"
	}
	if cfg.Admin.Issuer == "" {
		cfg.Admin.Issuer = "blockmusic"
	}
}

func validateConfig(cfg Config) error {
	if cfg.Flush.BatchSize < 0 {
		return fmt.Errorf("flush.batch_size must not be negative")
	}
	if cfg.Flush.Interval.Duration < time.Second {
		return fmt.Errorf("flush.interval must be at least 1s")
	}
	switch cfg.Ledger.Mode {
	case LedgerModeRPC:
		if strings.TrimSpace(cfg.Ledger.Endpoint) == "" {
			return fmt.Errorf("ledger.endpoint must be configured")
		}
	case LedgerModeEVM:
		if strings.TrimSpace(cfg.Ledger.Endpoint) == "" {
			return fmt.Errorf("ledger.endpoint must be configured")
		}
		if strings.TrimSpace(cfg.Ledger.Contract) == "" {
			return fmt.Errorf("ledger.contract must be configured in evm mode")
		}
		if cfg.Ledger.ChainID <= 0 {
			return fmt.Errorf("ledger.chain_id must be configured in evm mode")
		}
	case LedgerModeLocal:
		if _, err := cfg.Ledger.Allocations(); err != nil {
			return err
		}
	default:
		return fmt.Errorf("ledger.mode %q is not one of rpc, evm, local", cfg.Ledger.Mode)
	}
	if len(cfg.Ledger.Genesis) > 0 && cfg.Ledger.Mode != LedgerModeLocal {
		return fmt.Errorf("ledger.genesis is only supported in local mode")
	}
	if cfg.Ledger.SignerKey == "" && cfg.Ledger.Keystore == "" {
		return fmt.Errorf("ledger signer key must be configured")
	}
	if cfg.Admin.JWTSecret == "" {
		return fmt.Errorf("admin jwt secret must be configured")
	}
	if cfg.RateLimit.RequestsPerMinute < 0 {
		return fmt.Errorf("rate_limit.requests_per_minute must not be negative")
	}
	return nil
}

func (l *LedgerConfig) normalise() error {
	l.SignerKey = strings.TrimSpace(l.SignerKey)
	l.Keystore = strings.TrimSpace(l.Keystore)
	if l.SignerKey == "" && l.Keystore == "" {
		value, err := readSecret("signer_key", l.SignerKeyEnv, l.SignerKeyFile)
		if err != nil {
			return err
		}
		l.SignerKey = value
	}
	if l.AuthToken == "" && strings.TrimSpace(l.AuthTokenEnv) != "" {
		l.AuthToken = strings.TrimSpace(os.Getenv(strings.TrimSpace(l.AuthTokenEnv)))
	}
	l.AuthToken = strings.TrimSpace(l.AuthToken)
	return nil
}

func (a *AdminConfig) normalise() error {
	a.JWTSecret = strings.TrimSpace(a.JWTSecret)
	if a.JWTSecret != "" {
		return nil
	}
	value, err := readSecret("jwt_secret", a.JWTSecretEnv, a.JWTSecretFile)
	if err != nil {
		return err
	}
	a.JWTSecret = value
	return nil
}

// readSecret resolves a secret from an environment variable or a file.
// Neither source configured yields an empty value.
func readSecret(name, envName, filePath string) (string, error) {
	envName = strings.TrimSpace(envName)
	filePath = strings.TrimSpace(filePath)
	switch {
	case envName != "":
		value := strings.TrimSpace(os.Getenv(envName))
		if value == "" {
			return "", fmt.Errorf("%s_env %s is empty", name, envName)
		}
		return value, nil
	case filePath != "":
		contents, err := os.ReadFile(filePath)
		if err != nil {
			return "", fmt.Errorf("read %s_file: %w", name, err)
		}
		return strings.TrimSpace(string(contents)), nil
	default:
		return "", nil
	}
}

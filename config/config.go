// Package config loads the ledger daemon's TOML node configuration.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"blockmusic/crypto"

	"github.com/BurntSushi/toml"
)

var errPassphraseRequired = errors.New("config: keystore passphrase required to create the owner keystore")

type Config struct {
	RPCAddress         string `toml:"RPCAddress"`
	DataDir            string `toml:"DataDir"`
	OwnerKeystorePath  string `toml:"OwnerKeystorePath"`
	RPCAuthTokenEnv    string `toml:"RPCAuthTokenEnv"`
	RPCReadTimeout     int    `toml:"RPCReadTimeout"`
	RPCWriteTimeout    int    `toml:"RPCWriteTimeout"`
	RPCIdleTimeout     int    `toml:"RPCIdleTimeout"`
	RPCLogRequests     bool   `toml:"RPCLogRequests"`

	Revenue Revenue      `toml:"revenue"`
	Genesis []Allocation `toml:"genesis"`
}

type loadOptions struct {
	passphrase func() (string, error)
}

// LoadOption customises Load.
type LoadOption func(*loadOptions)

// WithKeystorePassphrase sets the passphrase used to encrypt a newly
// generated owner keystore.
func WithKeystorePassphrase(passphrase string) LoadOption {
	return WithKeystorePassphraseSource(func() (string, error) { return passphrase, nil })
}

// WithKeystorePassphraseSource resolves the passphrase lazily, only when a
// keystore has to be generated.
func WithKeystorePassphraseSource(source func() (string, error)) LoadOption {
	return func(o *loadOptions) { o.passphrase = source }
}

func (o loadOptions) resolvePassphrase() (string, error) {
	if o.passphrase == nil {
		return "", errPassphraseRequired
	}
	passphrase, err := o.passphrase()
	if err != nil {
		return "", err
	}
	if passphrase == "" {
		return "", errPassphraseRequired
	}
	return passphrase, nil
}

// Load loads the configuration from the given path. A missing file is
// created with defaults and a fresh owner keystore.
func Load(path string, opts ...LoadOption) (*Config, error) {
	options := loadOptions{}
	for _, opt := range opts {
		opt(&options)
	}
	cfg := &Config{}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return createDefault(path, options)
	}

	meta, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return nil, err
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, key := range undecoded {
			keys[i] = key.String()
		}
		return nil, fmt.Errorf("config file %s has unknown keys: %s", path, strings.Join(keys, ", "))
	}

	if err := ensureKeystore(path, cfg, options); err != nil {
		return nil, err
	}
	if err := ValidateConfig(cfg); err != nil {
		return nil, err
	}
	applyDefaults(cfg)
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if strings.TrimSpace(cfg.RPCAddress) == "" {
		cfg.RPCAddress = ":8545"
	}
	if strings.TrimSpace(cfg.DataDir) == "" {
		cfg.DataDir = "./ledger-data"
	}
	if strings.TrimSpace(cfg.RPCAuthTokenEnv) == "" {
		cfg.RPCAuthTokenEnv = "LEDGER_RPC_TOKEN"
	}
	if cfg.RPCReadTimeout <= 0 {
		cfg.RPCReadTimeout = 15
	}
	if cfg.RPCWriteTimeout <= 0 {
		cfg.RPCWriteTimeout = 30
	}
	if cfg.RPCIdleTimeout <= 0 {
		cfg.RPCIdleTimeout = 60
	}
	if cfg.Genesis == nil {
		cfg.Genesis = []Allocation{}
	}
}

// ensureKeystore makes sure an owner keystore exists. When the config does
// not name an owner, the keystore address becomes the owner.
func ensureKeystore(configPath string, cfg *Config, options loadOptions) error {
	keystorePath := cfg.OwnerKeystorePath
	if keystorePath == "" {
		keystorePath = defaultKeystorePath(configPath)
	}

	dirty := false
	if _, err := os.Stat(keystorePath); os.IsNotExist(err) {
		passphrase, err := options.resolvePassphrase()
		if err != nil {
			return err
		}
		key, genErr := crypto.GeneratePrivateKey()
		if genErr != nil {
			return genErr
		}
		if err := crypto.SaveToKeystore(keystorePath, key, passphrase); err != nil {
			return err
		}
		if strings.TrimSpace(cfg.Revenue.Owner) == "" {
			cfg.Revenue.Owner = key.Address().Hex()
			dirty = true
		}
	} else if err != nil {
		return err
	}

	if cfg.OwnerKeystorePath != keystorePath {
		cfg.OwnerKeystorePath = keystorePath
		dirty = true
	}
	if dirty {
		return persist(configPath, cfg)
	}
	return nil
}

// createDefault creates and saves a default configuration file.
func createDefault(path string, options loadOptions) (*Config, error) {
	passphrase, err := options.resolvePassphrase()
	if err != nil {
		return nil, err
	}
	key, err := crypto.GeneratePrivateKey()
	if err != nil {
		return nil, err
	}

	keystorePath := defaultKeystorePath(path)
	if err := crypto.SaveToKeystore(keystorePath, key, passphrase); err != nil {
		return nil, err
	}

	owner := key.Address().Hex()
	cfg := &Config{
		RPCAddress:        ":8545",
		DataDir:           "./ledger-data",
		OwnerKeystorePath: keystorePath,
		RPCAuthTokenEnv:   "LEDGER_RPC_TOKEN",
		RPCReadTimeout:    15,
		RPCWriteTimeout:   30,
		RPCIdleTimeout:    60,
		Revenue: Revenue{
			Owner:          owner,
			PlatformWallet: owner,
		},
		Genesis: []Allocation{},
	}

	if err := persist(path, cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

func persist(path string, cfg *Config) error {
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

func defaultKeystorePath(configPath string) string {
	dir := filepath.Dir(configPath)
	if dir == "." || dir == "" {
		dir = ""
	}
	return filepath.Join(dir, "owner.keystore")
}

package config

import "fmt"

// ValidateConfig checks that addresses and allocations parse.
func ValidateConfig(cfg *Config) error {
	if _, err := cfg.RevenueConfig(); err != nil {
		return err
	}
	if _, err := cfg.GenesisCredits(); err != nil {
		return err
	}
	if cfg.RPCReadTimeout < 0 || cfg.RPCWriteTimeout < 0 || cfg.RPCIdleTimeout < 0 {
		return fmt.Errorf("rpc timeouts must not be negative")
	}
	return nil
}

package config

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	"blockmusic/crypto"
	"blockmusic/native/revenue"
)

// GenesisCredit is a parsed Allocation.
type GenesisCredit struct {
	Asset   revenue.Asset
	Address common.Address
	Amount  *big.Int
}

// RevenueConfig parses the configured addresses. Empty optional addresses
// stay zero.
func (c *Config) RevenueConfig() (revenue.Config, error) {
	var out revenue.Config
	fields := []struct {
		name     string
		raw      string
		dst      *common.Address
		required bool
	}{
		{"revenue.Owner", c.Revenue.Owner, &out.Owner, true},
		{"revenue.Aggregator", c.Revenue.Aggregator, &out.Aggregator, false},
		{"revenue.PlatformWallet", c.Revenue.PlatformWallet, &out.PlatformWallet, false},
		{"revenue.MusicNFT", c.Revenue.MusicNFT, &out.MusicNFT, false},
		{"revenue.StableToken", c.Revenue.StableToken, &out.StableToken, false},
	}
	for _, f := range fields {
		if strings.TrimSpace(f.raw) == "" {
			if f.required {
				return out, fmt.Errorf("%s must be configured", f.name)
			}
			continue
		}
		addr, err := crypto.ParseAddress(f.raw)
		if err != nil {
			return out, fmt.Errorf("invalid %s: %w", f.name, err)
		}
		*f.dst = addr
	}
	return out, nil
}

// GenesisCredits parses the genesis allocations.
func (c *Config) GenesisCredits() ([]GenesisCredit, error) {
	out := make([]GenesisCredit, 0, len(c.Genesis))
	for i, alloc := range c.Genesis {
		asset, err := revenue.ParseAsset(alloc.Asset)
		if err != nil {
			return nil, fmt.Errorf("genesis[%d]: %w", i, err)
		}
		addr, err := crypto.ParseAddress(alloc.Address)
		if err != nil {
			return nil, fmt.Errorf("genesis[%d]: invalid address: %w", i, err)
		}
		amount, err := parseUintAmount(alloc.Amount)
		if err != nil {
			return nil, fmt.Errorf("genesis[%d]: %w", i, err)
		}
		if amount.Sign() == 0 {
			return nil, fmt.Errorf("genesis[%d]: amount must be positive", i)
		}
		out = append(out, GenesisCredit{Asset: asset, Address: addr, Amount: amount})
	}
	return out, nil
}

func parseUintAmount(raw string) (*big.Int, error) {
	trimmed := strings.TrimSpace(strings.ReplaceAll(raw, "_", ""))
	if trimmed == "" {
		return big.NewInt(0), nil
	}
	value, ok := new(big.Int).SetString(trimmed, 10)
	if !ok || value.Sign() < 0 {
		return nil, fmt.Errorf("invalid amount %q", raw)
	}
	return value, nil
}

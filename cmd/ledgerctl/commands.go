package main

import (
	"errors"
	"flag"
	"fmt"
	"math/big"
	"strings"

	"blockmusic/crypto"
	"blockmusic/native/revenue"
	"blockmusic/rpc"
)

// builder validates parsed flags and returns the RPC method and its params.
type builder func() (string, interface{}, error)

type command struct {
	signed bool
	flags  func(fs *flag.FlagSet) builder
}

var commands = map[string]command{
	"register-track":  {signed: true, flags: registerTrackFlags},
	"increment":       {signed: true, flags: incrementFlags},
	"receive-revenue": {signed: true, flags: receiveRevenueFlags},
	"claim":           {signed: true, flags: claimFlags},
	"set":             {signed: true, flags: setFlags},
	"claimable":       {flags: claimableFlags},
	"summary":         {flags: artistQuery("revenue_getArtistRevenueSummary")},
	"pool":            {flags: poolFlags},
	"track":           {flags: trackQuery("revenue_getTrack")},
	"sequence":        {flags: trackQuery("revenue_getTrackSequence")},
	"total-plays":     {flags: noArgs("revenue_getTotalConfirmedPlays")},
	"config":          {flags: noArgs("revenue_getConfig")},
	"balance":         {flags: balanceFlags},
	"nonce":           {flags: nonceFlags},
}

var setterMethods = map[string]string{
	"platform-wallet": "revenue_setPlatformWallet",
	"music-nft":       "revenue_setMusicNFTContract",
	"stable-token":    "revenue_setStableToken",
	"aggregator":      "revenue_setAggregator",
	"owner":           "revenue_transferOwnership",
}

func requireAddress(flagName, raw string) (string, error) {
	if strings.TrimSpace(raw) == "" {
		return "", fmt.Errorf("--%s is required", flagName)
	}
	addr, err := crypto.ParseAddress(raw)
	if err != nil {
		return "", fmt.Errorf("--%s: %v", flagName, err)
	}
	return addr.Hex(), nil
}

func requireAmount(flagName, raw string) (string, error) {
	raw = strings.TrimSpace(strings.ReplaceAll(raw, "_", ""))
	if raw == "" {
		return "", nil
	}
	value, ok := new(big.Int).SetString(raw, 10)
	if !ok || value.Sign() < 0 {
		return "", fmt.Errorf("--%s must be a non-negative integer", flagName)
	}
	return value.String(), nil
}

func registerTrackFlags(fs *flag.FlagSet) builder {
	track := fs.Uint64("track", 0, "track identifier")
	artist := fs.String("artist", "", "artist payout address")
	return func() (string, interface{}, error) {
		addr, err := requireAddress("artist", *artist)
		if err != nil {
			return "", nil, err
		}
		return "revenue_registerTrack", rpc.RegisterTrackParams{TrackID: *track, Artist: addr}, nil
	}
}

func incrementFlags(fs *flag.FlagSet) builder {
	track := fs.Uint64("track", 0, "track identifier")
	delta := fs.Int64("delta", 0, "plays to add")
	return func() (string, interface{}, error) {
		if *delta <= 0 {
			return "", nil, errors.New("--delta must be positive")
		}
		return "revenue_incrementPlayCount", rpc.IncrementPlayCountParams{TrackID: *track, Delta: *delta}, nil
	}
}

func receiveRevenueFlags(fs *flag.FlagSet) builder {
	native := fs.String("native", "", "native amount in base units")
	stable := fs.String("stable", "", "stable amount in base units")
	return func() (string, interface{}, error) {
		n, err := requireAmount("native", *native)
		if err != nil {
			return "", nil, err
		}
		s, err := requireAmount("stable", *stable)
		if err != nil {
			return "", nil, err
		}
		if n == "" && s == "" {
			return "", nil, errors.New("--native or --stable is required")
		}
		return "revenue_receiveRevenue", rpc.ReceiveRevenueParams{Native: n, Stable: s}, nil
	}
}

func claimFlags(fs *flag.FlagSet) builder {
	asset := fs.String("asset", "all", "native, stable or all")
	return func() (string, interface{}, error) {
		switch strings.ToLower(strings.TrimSpace(*asset)) {
		case "all", "":
			return "revenue_claimAll", nil, nil
		}
		parsed, err := revenue.ParseAsset(*asset)
		if err != nil {
			return "", nil, errors.New("--asset must be native, stable or all")
		}
		if parsed == revenue.AssetStable {
			return "revenue_claimStable", nil, nil
		}
		return "revenue_claimNative", nil, nil
	}
}

func setFlags(fs *flag.FlagSet) builder {
	field := fs.String("field", "", "platform-wallet, music-nft, stable-token, aggregator or owner")
	address := fs.String("address", "", "new address")
	return func() (string, interface{}, error) {
		method, ok := setterMethods[strings.ToLower(strings.TrimSpace(*field))]
		if !ok {
			return "", nil, fmt.Errorf("unknown --field %q", *field)
		}
		addr, err := requireAddress("address", *address)
		if err != nil {
			return "", nil, err
		}
		return method, rpc.AddressParams{Address: addr}, nil
	}
}

func claimableFlags(fs *flag.FlagSet) builder {
	artist := fs.String("artist", "", "artist address")
	asset := fs.String("asset", "native", "native or stable")
	return func() (string, interface{}, error) {
		addr, err := requireAddress("artist", *artist)
		if err != nil {
			return "", nil, err
		}
		parsed, err := revenue.ParseAsset(*asset)
		if err != nil {
			return "", nil, errors.New("--asset must be native or stable")
		}
		method := "revenue_getClaimableNative"
		if parsed == revenue.AssetStable {
			method = "revenue_getClaimableStable"
		}
		return method, rpc.ArtistParams{Artist: addr}, nil
	}
}

func artistQuery(method string) func(fs *flag.FlagSet) builder {
	return func(fs *flag.FlagSet) builder {
		artist := fs.String("artist", "", "artist address")
		return func() (string, interface{}, error) {
			addr, err := requireAddress("artist", *artist)
			if err != nil {
				return "", nil, err
			}
			return method, rpc.ArtistParams{Artist: addr}, nil
		}
	}
}

func trackQuery(method string) func(fs *flag.FlagSet) builder {
	return func(fs *flag.FlagSet) builder {
		track := fs.Uint64("track", 0, "track identifier")
		return func() (string, interface{}, error) {
			return method, rpc.TrackParams{TrackID: *track}, nil
		}
	}
}

func noArgs(method string) func(fs *flag.FlagSet) builder {
	return func(*flag.FlagSet) builder {
		return func() (string, interface{}, error) { return method, nil, nil }
	}
}

func poolFlags(fs *flag.FlagSet) builder {
	asset := fs.String("asset", "native", "native or stable")
	return func() (string, interface{}, error) {
		parsed, err := revenue.ParseAsset(*asset)
		if err != nil {
			return "", nil, errors.New("--asset must be native or stable")
		}
		return "revenue_getPool", rpc.PoolParams{Asset: string(parsed)}, nil
	}
}

func balanceFlags(fs *flag.FlagSet) builder {
	address := fs.String("address", "", "account address")
	asset := fs.String("asset", "native", "native or stable")
	return func() (string, interface{}, error) {
		addr, err := requireAddress("address", *address)
		if err != nil {
			return "", nil, err
		}
		parsed, err := revenue.ParseAsset(*asset)
		if err != nil {
			return "", nil, errors.New("--asset must be native or stable")
		}
		return "revenue_getBalance", rpc.BalanceParams{Asset: string(parsed), Address: addr}, nil
	}
}

func nonceFlags(fs *flag.FlagSet) builder {
	address := fs.String("address", "", "account address")
	return func() (string, interface{}, error) {
		addr, err := requireAddress("address", *address)
		if err != nil {
			return "", nil, err
		}
		return "revenue_getNonce", rpc.AddressParams{Address: addr}, nil
	}
}

package rpc

import (
	"encoding/hex"
	"errors"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"blockmusic/crypto"
	"blockmusic/native/revenue"
)

func (s *Server) revenueMethods() map[string]methodHandler {
	signed := func(fn func(c *call) (interface{}, error)) methodHandler {
		return methodHandler{signed: true, fn: fn}
	}
	read := func(fn func(c *call) (interface{}, error)) methodHandler {
		return methodHandler{fn: fn}
	}
	return map[string]methodHandler{
		"revenue_receiveRevenue":          signed(s.handleReceiveRevenue),
		"revenue_registerTrack":           signed(s.handleRegisterTrack),
		"revenue_incrementPlayCount":      signed(s.handleIncrementPlayCount),
		"revenue_incrementPlayCounts":     signed(s.handleIncrementPlayCounts),
		"revenue_claimNative":             signed(s.handleClaim(revenue.AssetNative)),
		"revenue_claimStable":             signed(s.handleClaim(revenue.AssetStable)),
		"revenue_claimAll":                signed(s.handleClaimAll),
		"revenue_setPlatformWallet":       signed(s.handleSetAddress(s.engine.SetPlatformWallet)),
		"revenue_setMusicNFTContract":     signed(s.handleSetAddress(s.engine.SetMusicNFTContract)),
		"revenue_setStableToken":          signed(s.handleSetAddress(s.engine.SetStableToken)),
		"revenue_setAggregator":           signed(s.handleSetAddress(s.engine.SetAggregator)),
		"revenue_transferOwnership":       signed(s.handleSetAddress(s.engine.TransferOwnership)),
		"revenue_getClaimableNative":      read(s.handleGetClaimable(revenue.AssetNative)),
		"revenue_getClaimableStable":      read(s.handleGetClaimable(revenue.AssetStable)),
		"revenue_getArtistRevenueSummary": read(s.handleGetSummary),
		"revenue_getPool":                 read(s.handleGetPool),
		"revenue_getTrack":                read(s.handleGetTrack),
		"revenue_getTrackSequence":        read(s.handleGetTrackSequence),
		"revenue_getTotalConfirmedPlays":  read(s.handleGetTotalConfirmedPlays),
		"revenue_getConfig":               read(s.handleGetConfig),
		"revenue_getBalance":              read(s.handleGetBalance),
		"revenue_getNonce":                read(s.handleGetNonce),
	}
}

// txRef derives a stable reference for a signed call, used by clients to
// correlate journal entries with ledger logs.
func txRef(c *call) string {
	digest := crypto.CallDigest(c.method, c.caller, c.nonce, c.payload)
	return "0x" + hex.EncodeToString(ethcrypto.Keccak256(digest))
}

func parseAddressParam(field, raw string) (common.Address, error) {
	addr, err := crypto.ParseAddress(raw)
	if err != nil {
		return common.Address{}, invalidParams("%s must be a hex address", field)
	}
	return addr, nil
}

func (s *Server) handleReceiveRevenue(c *call) (interface{}, error) {
	var params ReceiveRevenueParams
	if err := decodePayload(c, &params); err != nil {
		return nil, err
	}
	native, err := parseAmount(strings.TrimSpace(params.Native))
	if err != nil {
		return nil, invalidParams("native: %v", err)
	}
	stable, err := parseAmount(strings.TrimSpace(params.Stable))
	if err != nil {
		return nil, invalidParams("stable: %v", err)
	}
	if err := s.engine.ReceiveRevenue(c.caller, native, stable); err != nil {
		return nil, err
	}
	nativePool, err := s.engine.Pool(revenue.AssetNative)
	if err != nil {
		return nil, err
	}
	stablePool, err := s.engine.Pool(revenue.AssetStable)
	if err != nil {
		return nil, err
	}
	s.metrics.SetPool(string(revenue.AssetNative), nativePool.TotalPoolBalance, nativePool.Held())
	s.metrics.SetPool(string(revenue.AssetStable), stablePool.TotalPoolBalance, stablePool.Held())
	return []PoolResult{formatPool(nativePool), formatPool(stablePool)}, nil
}

func (s *Server) handleRegisterTrack(c *call) (interface{}, error) {
	var params RegisterTrackParams
	if err := decodePayload(c, &params); err != nil {
		return nil, err
	}
	artist, err := parseAddressParam("artist", params.Artist)
	if err != nil {
		return nil, err
	}
	return s.engine.RegisterTrack(c.caller, params.TrackID, artist)
}

func (s *Server) handleIncrementPlayCount(c *call) (interface{}, error) {
	var params IncrementPlayCountParams
	if err := decodePayload(c, &params); err != nil {
		return nil, err
	}
	track, err := s.engine.IncrementPlayCount(c.caller, params.TrackID, params.Delta)
	if err != nil {
		return nil, err
	}
	s.metrics.RecordIncrement(string(revenue.IncrementApplied), uint64(params.Delta))
	return track, nil
}

func (s *Server) handleIncrementPlayCounts(c *call) (interface{}, error) {
	var params IncrementPlayCountsParams
	if err := decodePayload(c, &params); err != nil {
		return nil, err
	}
	if len(params.Increments) == 0 {
		return nil, invalidParams("increments required")
	}
	results, err := s.engine.IncrementPlayCounts(c.caller, params.Increments)
	if err != nil {
		return nil, err
	}
	for _, res := range results {
		var delta uint64
		if res.Status == revenue.IncrementApplied {
			delta = uint64(res.Delta)
		}
		s.metrics.RecordIncrement(string(res.Status), delta)
	}
	return IncrementPlayCountsResult{Results: results, TxRef: txRef(c)}, nil
}

func (s *Server) handleClaim(asset revenue.Asset) func(c *call) (interface{}, error) {
	return func(c *call) (interface{}, error) {
		var (
			amount *big.Int
			err    error
		)
		if asset == revenue.AssetStable {
			amount, err = s.engine.ClaimStable(c.caller)
		} else {
			amount, err = s.engine.ClaimNative(c.caller)
		}
		if err != nil {
			s.metrics.RecordClaim(string(asset), claimOutcome(err))
			return nil, err
		}
		s.metrics.RecordClaim(string(asset), "ok")
		result := ClaimResult{Artist: c.caller.Hex()}
		if asset == revenue.AssetStable {
			result.Stable = amount.String()
		} else {
			result.Native = amount.String()
		}
		return result, nil
	}
}

func (s *Server) handleClaimAll(c *call) (interface{}, error) {
	native, stable, err := s.engine.ClaimAll(c.caller)
	if err != nil {
		s.metrics.RecordClaim("all", claimOutcome(err))
		return nil, err
	}
	s.metrics.RecordClaim("all", "ok")
	return ClaimResult{Artist: c.caller.Hex(), Native: bigString(native), Stable: bigString(stable)}, nil
}

func claimOutcome(err error) string {
	switch {
	case errors.Is(err, revenue.ErrNothingToClaim):
		return "nothing_to_claim"
	case errors.Is(err, revenue.ErrTransferFailed):
		return "transfer_failed"
	default:
		return "error"
	}
}

func (s *Server) handleSetAddress(setter func(caller, value common.Address) error) func(c *call) (interface{}, error) {
	return func(c *call) (interface{}, error) {
		var params AddressParams
		if err := decodePayload(c, &params); err != nil {
			return nil, err
		}
		addr, err := parseAddressParam("address", params.Address)
		if err != nil {
			return nil, err
		}
		if err := setter(c.caller, addr); err != nil {
			return nil, err
		}
		return s.engine.Config()
	}
}

func (s *Server) handleGetClaimable(asset revenue.Asset) func(c *call) (interface{}, error) {
	return func(c *call) (interface{}, error) {
		var params ArtistParams
		if err := decodePayload(c, &params); err != nil {
			return nil, err
		}
		artist, err := parseAddressParam("artist", params.Artist)
		if err != nil {
			return nil, err
		}
		amount, err := s.engine.Claimable(asset, artist)
		if err != nil {
			return nil, err
		}
		return AmountResult{Amount: bigString(amount)}, nil
	}
}

func (s *Server) handleGetSummary(c *call) (interface{}, error) {
	var params ArtistParams
	if err := decodePayload(c, &params); err != nil {
		return nil, err
	}
	artist, err := parseAddressParam("artist", params.Artist)
	if err != nil {
		return nil, err
	}
	summary, err := s.engine.ArtistRevenueSummary(artist)
	if err != nil {
		return nil, err
	}
	return formatSummary(summary), nil
}

func (s *Server) handleGetPool(c *call) (interface{}, error) {
	var params PoolParams
	if err := decodePayload(c, &params); err != nil {
		return nil, err
	}
	asset, err := revenue.ParseAsset(params.Asset)
	if err != nil {
		return nil, invalidParams("asset must be native or stable")
	}
	pool, err := s.engine.Pool(asset)
	if err != nil {
		return nil, err
	}
	return formatPool(pool), nil
}

func (s *Server) handleGetTrack(c *call) (interface{}, error) {
	var params TrackParams
	if err := decodePayload(c, &params); err != nil {
		return nil, err
	}
	return s.engine.Track(params.TrackID)
}

func (s *Server) handleGetTrackSequence(c *call) (interface{}, error) {
	var params TrackParams
	if err := decodePayload(c, &params); err != nil {
		return nil, err
	}
	seq, err := s.engine.TrackSequence(params.TrackID)
	if err != nil {
		return nil, err
	}
	return SequenceResult{TrackID: params.TrackID, LastSeq: seq}, nil
}

func (s *Server) handleGetTotalConfirmedPlays(*call) (interface{}, error) {
	total, err := s.engine.TotalConfirmedPlays()
	if err != nil {
		return nil, err
	}
	return TotalPlaysResult{TotalConfirmedPlays: total}, nil
}

func (s *Server) handleGetConfig(*call) (interface{}, error) {
	return s.engine.Config()
}

func (s *Server) handleGetBalance(c *call) (interface{}, error) {
	var params BalanceParams
	if err := decodePayload(c, &params); err != nil {
		return nil, err
	}
	asset, err := revenue.ParseAsset(params.Asset)
	if err != nil {
		return nil, invalidParams("asset must be native or stable")
	}
	addr, err := parseAddressParam("address", params.Address)
	if err != nil {
		return nil, err
	}
	if s.bank == nil {
		return nil, errors.New("rpc: bank not configured")
	}
	balance, err := s.bank.Balance(string(asset), addr)
	if err != nil {
		return nil, err
	}
	return AmountResult{Amount: bigString(balance)}, nil
}

func (s *Server) handleGetNonce(c *call) (interface{}, error) {
	var params AddressParams
	if err := decodePayload(c, &params); err != nil {
		return nil, err
	}
	addr, err := parseAddressParam("address", params.Address)
	if err != nil {
		return nil, err
	}
	last, err := s.nonces.Last(addr)
	if err != nil {
		return nil, err
	}
	return map[string]uint64{"nonce": last}, nil
}

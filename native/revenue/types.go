package revenue

import (
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	"blockmusic/native/bank"
)

// Asset identifies one of the two revenue pools.
type Asset string

const (
	// AssetNative is the chain's native currency pool (ETH on mainnet deployments).
	AssetNative Asset = "native"
	// AssetStable is the stablecoin pool (USDC on mainnet deployments).
	AssetStable Asset = "stable"
)

// Valid reports whether the asset names a known pool.
func (a Asset) Valid() bool {
	switch a {
	case AssetNative, AssetStable:
		return true
	default:
		return false
	}
}

// ParseAsset normalises user supplied asset labels. ETH and USDC are accepted
// as aliases for the native and stable pools.
func ParseAsset(raw string) (Asset, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "native", "eth":
		return AssetNative, nil
	case "stable", "usdc":
		return AssetStable, nil
	default:
		return "", errUnknownAsset
	}
}

// Config holds the privileged identities of the ledger.
type Config struct {
	Owner          common.Address `json:"owner"`
	Aggregator     common.Address `json:"aggregator"`
	PlatformWallet common.Address `json:"platformWallet"`
	MusicNFT       common.Address `json:"musicNFT"`
	StableToken    common.Address `json:"stableToken"`
}

// Clone returns a copy of the configuration.
func (c *Config) Clone() *Config {
	if c == nil {
		return nil
	}
	clone := *c
	return &clone
}

// Pool tracks the revenue credited to one asset pool. TotalPoolBalance is the
// cumulative amount ever received and only grows; claims are accounted in
// TotalClaimed so the held balance is the difference of the two.
type Pool struct {
	Asset            Asset    `json:"asset"`
	TotalPoolBalance *big.Int `json:"totalPoolBalance"`
	TotalClaimed     *big.Int `json:"totalClaimed"`
	LastFundedAt     int64    `json:"lastFundedAt"`
}

// Held returns the amount still in custody for the pool.
func (p *Pool) Held() *big.Int {
	if p == nil {
		return big.NewInt(0)
	}
	held := new(big.Int).Sub(newBigInt(p.TotalPoolBalance), newBigInt(p.TotalClaimed))
	if held.Sign() < 0 {
		return big.NewInt(0)
	}
	return held
}

// Clone returns a deep copy of the pool.
func (p *Pool) Clone() *Pool {
	if p == nil {
		return nil
	}
	clone := *p
	clone.TotalPoolBalance = newBigInt(p.TotalPoolBalance)
	clone.TotalClaimed = newBigInt(p.TotalClaimed)
	return &clone
}

// ArtistAccount maintains the confirmed plays and cumulative claims of an artist.
type ArtistAccount struct {
	Artist             common.Address `json:"artist"`
	ConfirmedPlayCount uint64         `json:"confirmedPlayCount"`
	ClaimedNative      *big.Int       `json:"claimedNative"`
	ClaimedStable      *big.Int       `json:"claimedStable"`
	LastClaimAt        int64          `json:"lastClaimAt"`
}

// Claimed returns the cumulative claimed amount for the asset.
func (a *ArtistAccount) Claimed(asset Asset) *big.Int {
	if a == nil {
		return big.NewInt(0)
	}
	if asset == AssetStable {
		return newBigInt(a.ClaimedStable)
	}
	return newBigInt(a.ClaimedNative)
}

func (a *ArtistAccount) setClaimed(asset Asset, amount *big.Int) {
	if asset == AssetStable {
		a.ClaimedStable = newBigInt(amount)
		return
	}
	a.ClaimedNative = newBigInt(amount)
}

// Clone returns a deep copy of the account.
func (a *ArtistAccount) Clone() *ArtistAccount {
	if a == nil {
		return nil
	}
	clone := *a
	clone.ClaimedNative = newBigInt(a.ClaimedNative)
	clone.ClaimedStable = newBigInt(a.ClaimedStable)
	return &clone
}

// Track binds a track (the music NFT token id) to its artist and records the
// last aggregator sequence number applied to it.
type Track struct {
	TrackID        uint64         `json:"trackId"`
	Artist         common.Address `json:"artist"`
	ConfirmedPlays uint64         `json:"confirmedPlays"`
	LastSeq        uint64         `json:"lastSeq"`
	RegisteredAt   int64          `json:"registeredAt"`
	UpdatedAt      int64          `json:"updatedAt"`
}

// Clone returns a copy of the track.
func (t *Track) Clone() *Track {
	if t == nil {
		return nil
	}
	clone := *t
	return &clone
}

// PlayIncrement is one entry of an aggregator flush batch. Seq must be strictly
// greater than the track's LastSeq for the delta to be applied.
type PlayIncrement struct {
	TrackID uint64 `json:"trackId"`
	Seq     uint64 `json:"seq"`
	Delta   int64  `json:"delta"`
}

// IncrementStatus reports how the ledger handled a PlayIncrement.
type IncrementStatus string

const (
	// IncrementApplied means the delta was added to the confirmed counts.
	IncrementApplied IncrementStatus = "applied"
	// IncrementDuplicate means the sequence number had already been applied.
	IncrementDuplicate IncrementStatus = "duplicate"
	// IncrementRejected means the entry was invalid and nothing changed.
	IncrementRejected IncrementStatus = "rejected"
)

// Confirmed reports whether the ledger holds the increment, either from this
// call or from an earlier one.
func (s IncrementStatus) Confirmed() bool {
	return s == IncrementApplied || s == IncrementDuplicate
}

// IncrementResult is the per-entry outcome of IncrementPlayCounts.
type IncrementResult struct {
	TrackID uint64          `json:"trackId"`
	Seq     uint64          `json:"seq"`
	Delta   int64           `json:"delta"`
	Status  IncrementStatus `json:"status"`
	LastSeq uint64          `json:"lastSeq"`
	Reason  string          `json:"reason,omitempty"`
}

// Summary is the dashboard view of an artist's revenue position.
type Summary struct {
	Artist             common.Address `json:"artist"`
	ClaimableNative    *big.Int       `json:"claimableNative"`
	ClaimableStable    *big.Int       `json:"claimableStable"`
	TotalClaimedNative *big.Int       `json:"totalClaimedNative"`
	TotalClaimedStable *big.Int       `json:"totalClaimedStable"`
	ArtistPlays        uint64         `json:"artistPlays"`
	TotalPlays         uint64         `json:"totalPlays"`
}

// Changeset is everything one ledger transition writes. Records and
// transfers are committed together or not at all.
type Changeset struct {
	Config     *Config
	Pools      []*Pool
	Artists    []*ArtistAccount
	Tracks     []*Track
	TotalPlays *uint64
	Transfers  []bank.Transfer
}

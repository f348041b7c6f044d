package revenue

import (
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/rlp"

	"blockmusic/native/bank"
	rev "blockmusic/native/revenue"
	"blockmusic/storage"
)

const (
	configKey         = "revenue/config"
	totalPlaysKey     = "revenue/total-plays"
	poolKeyFormat     = "revenue/pool/%s"
	artistKeyFormat   = "revenue/artist/%s"
	trackKeyFormat    = "revenue/track/%020d"
	trackPrefix       = "revenue/track/"
	storedTimeUnknown = 0
)

// Store persists revenue ledger records as RLP in a key-value database. It
// satisfies the engine's state interface. The bank ledger handed to
// RevenueCommit must be backed by the same database.
type Store struct {
	db storage.Database
}

// NewStore returns a store backed by db.
func NewStore(db storage.Database) *Store {
	return &Store{db: db}
}

type storedConfig struct {
	Owner          []byte
	Aggregator     []byte
	PlatformWallet []byte
	MusicNFT       []byte
	StableToken    []byte
}

type storedPool struct {
	Asset            string
	TotalPoolBalance []byte
	TotalClaimed     []byte
	LastFundedAt     uint64
}

type storedArtist struct {
	Artist             []byte
	ConfirmedPlayCount uint64
	ClaimedNative      []byte
	ClaimedStable      []byte
	LastClaimAt        uint64
}

type storedTrack struct {
	TrackID        uint64
	Artist         []byte
	ConfirmedPlays uint64
	LastSeq        uint64
	RegisteredAt   uint64
	UpdatedAt      uint64
}

func unixToStored(ts int64) uint64 {
	if ts <= 0 {
		return storedTimeUnknown
	}
	return uint64(ts)
}

func bigBytes(v *big.Int) []byte {
	if v == nil {
		return nil
	}
	return v.Bytes()
}

func (s *Store) get(key string, out interface{}) (bool, error) {
	if s == nil || s.db == nil {
		return false, errors.New("revenue store: database not configured")
	}
	raw, err := s.db.Get([]byte(key))
	if errors.Is(err, storage.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if err := rlp.DecodeBytes(raw, out); err != nil {
		return false, fmt.Errorf("revenue store: decode %s: %w", key, err)
	}
	return true, nil
}

func stage(batch *storage.Batch, key string, value interface{}) error {
	encoded, err := rlp.EncodeToBytes(value)
	if err != nil {
		return fmt.Errorf("revenue store: encode %s: %w", key, err)
	}
	batch.Put([]byte(key), encoded)
	return nil
}

// RevenueConfigGet loads the ledger configuration.
func (s *Store) RevenueConfigGet() (*rev.Config, bool, error) {
	var stored storedConfig
	ok, err := s.get(configKey, &stored)
	if err != nil || !ok {
		return nil, ok, err
	}
	return &rev.Config{
		Owner:          common.BytesToAddress(stored.Owner),
		Aggregator:     common.BytesToAddress(stored.Aggregator),
		PlatformWallet: common.BytesToAddress(stored.PlatformWallet),
		MusicNFT:       common.BytesToAddress(stored.MusicNFT),
		StableToken:    common.BytesToAddress(stored.StableToken),
	}, true, nil
}

func encodeConfig(cfg *rev.Config) storedConfig {
	return storedConfig{
		Owner:          cfg.Owner.Bytes(),
		Aggregator:     cfg.Aggregator.Bytes(),
		PlatformWallet: cfg.PlatformWallet.Bytes(),
		MusicNFT:       cfg.MusicNFT.Bytes(),
		StableToken:    cfg.StableToken.Bytes(),
	}
}

// RevenuePoolGet loads the pool for asset.
func (s *Store) RevenuePoolGet(asset rev.Asset) (*rev.Pool, bool, error) {
	var stored storedPool
	ok, err := s.get(fmt.Sprintf(poolKeyFormat, asset), &stored)
	if err != nil || !ok {
		return nil, ok, err
	}
	return &rev.Pool{
		Asset:            rev.Asset(stored.Asset),
		TotalPoolBalance: new(big.Int).SetBytes(stored.TotalPoolBalance),
		TotalClaimed:     new(big.Int).SetBytes(stored.TotalClaimed),
		LastFundedAt:     int64(stored.LastFundedAt),
	}, true, nil
}

func encodePool(pool *rev.Pool) storedPool {
	return storedPool{
		Asset:            string(pool.Asset),
		TotalPoolBalance: bigBytes(pool.TotalPoolBalance),
		TotalClaimed:     bigBytes(pool.TotalClaimed),
		LastFundedAt:     unixToStored(pool.LastFundedAt),
	}
}

func artistKey(artist common.Address) string {
	return fmt.Sprintf(artistKeyFormat, strings.ToLower(artist.Hex()))
}

// RevenueArtistGet loads the account of artist.
func (s *Store) RevenueArtistGet(artist common.Address) (*rev.ArtistAccount, bool, error) {
	var stored storedArtist
	ok, err := s.get(artistKey(artist), &stored)
	if err != nil || !ok {
		return nil, ok, err
	}
	return &rev.ArtistAccount{
		Artist:             common.BytesToAddress(stored.Artist),
		ConfirmedPlayCount: stored.ConfirmedPlayCount,
		ClaimedNative:      new(big.Int).SetBytes(stored.ClaimedNative),
		ClaimedStable:      new(big.Int).SetBytes(stored.ClaimedStable),
		LastClaimAt:        int64(stored.LastClaimAt),
	}, true, nil
}

func encodeArtist(account *rev.ArtistAccount) storedArtist {
	return storedArtist{
		Artist:             account.Artist.Bytes(),
		ConfirmedPlayCount: account.ConfirmedPlayCount,
		ClaimedNative:      bigBytes(account.ClaimedNative),
		ClaimedStable:      bigBytes(account.ClaimedStable),
		LastClaimAt:        unixToStored(account.LastClaimAt),
	}
}

// RevenueTrackGet loads a track registration.
func (s *Store) RevenueTrackGet(trackID uint64) (*rev.Track, bool, error) {
	var stored storedTrack
	ok, err := s.get(fmt.Sprintf(trackKeyFormat, trackID), &stored)
	if err != nil || !ok {
		return nil, ok, err
	}
	return decodeTrack(stored), true, nil
}

func decodeTrack(stored storedTrack) *rev.Track {
	return &rev.Track{
		TrackID:        stored.TrackID,
		Artist:         common.BytesToAddress(stored.Artist),
		ConfirmedPlays: stored.ConfirmedPlays,
		LastSeq:        stored.LastSeq,
		RegisteredAt:   int64(stored.RegisteredAt),
		UpdatedAt:      int64(stored.UpdatedAt),
	}
}

func encodeTrack(track *rev.Track) storedTrack {
	return storedTrack{
		TrackID:        track.TrackID,
		Artist:         track.Artist.Bytes(),
		ConfirmedPlays: track.ConfirmedPlays,
		LastSeq:        track.LastSeq,
		RegisteredAt:   unixToStored(track.RegisteredAt),
		UpdatedAt:      unixToStored(track.UpdatedAt),
	}
}

// RevenueTotalPlaysGet loads the global confirmed play count.
func (s *Store) RevenueTotalPlaysGet() (uint64, error) {
	var total uint64
	if _, err := s.get(totalPlaysKey, &total); err != nil {
		return 0, err
	}
	return total, nil
}

// transferBatcher is a balance ledger sharing the store's database that can
// fold its balance updates into a state batch.
type transferBatcher interface {
	TransferBatch(batch *storage.Batch, transfers ...bank.Transfer) error
}

// RevenueCommit writes every record of cs, and the balances moved by its
// transfers, as one batch.
func (s *Store) RevenueCommit(cs *rev.Changeset, transferer bank.Transferer) error {
	if s == nil || s.db == nil {
		return errors.New("revenue store: database not configured")
	}
	if cs == nil {
		return nil
	}
	batch := storage.NewBatch()
	if cs.Config != nil {
		if err := stage(batch, configKey, encodeConfig(cs.Config)); err != nil {
			return err
		}
	}
	for _, pool := range cs.Pools {
		if pool == nil || !pool.Asset.Valid() {
			return errors.New("revenue store: invalid pool")
		}
		if err := stage(batch, fmt.Sprintf(poolKeyFormat, pool.Asset), encodePool(pool)); err != nil {
			return err
		}
	}
	for _, account := range cs.Artists {
		if account == nil {
			return errors.New("revenue store: nil artist account")
		}
		if err := stage(batch, artistKey(account.Artist), encodeArtist(account)); err != nil {
			return err
		}
	}
	for _, track := range cs.Tracks {
		if track == nil {
			return errors.New("revenue store: nil track")
		}
		if err := stage(batch, fmt.Sprintf(trackKeyFormat, track.TrackID), encodeTrack(track)); err != nil {
			return err
		}
	}
	if cs.TotalPlays != nil {
		if err := stage(batch, totalPlaysKey, *cs.TotalPlays); err != nil {
			return err
		}
	}
	if len(cs.Transfers) == 0 {
		return s.db.Write(batch)
	}

	batcher, ok := transferer.(transferBatcher)
	if !ok {
		return errors.New("revenue store: transferer cannot join a state batch")
	}
	if err := batcher.TransferBatch(batch, cs.Transfers...); err != nil {
		if errors.Is(err, bank.ErrInsufficientBalance) || errors.Is(err, bank.ErrInvalidTransfer) {
			return fmt.Errorf("%w: %v", rev.ErrTransferFailed, err)
		}
		return err
	}
	return nil
}

// Tracks lists every registered track in ascending id order.
func (s *Store) Tracks() ([]*rev.Track, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("revenue store: database not configured")
	}
	var (
		tracks  []*rev.Track
		iterErr error
	)
	err := s.db.Iterate([]byte(trackPrefix), func(key, value []byte) bool {
		var stored storedTrack
		if err := rlp.DecodeBytes(value, &stored); err != nil {
			iterErr = fmt.Errorf("revenue store: decode %s: %w", key, err)
			return false
		}
		tracks = append(tracks, decodeTrack(stored))
		return true
	})
	if err != nil {
		return nil, err
	}
	return tracks, iterErr
}

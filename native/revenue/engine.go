package revenue

import (
	"errors"
	"fmt"
	"math"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"blockmusic/core/events"
	"blockmusic/core/types"
	"blockmusic/native/bank"
)

// ErrInvalidSequence is returned for play increments carrying sequence zero.
var ErrInvalidSequence = errors.New("revenue: sequence must be positive")

// CustodyAddress is the module account holding pooled revenue until it is claimed.
var CustodyAddress = common.BytesToAddress(crypto.Keccak256([]byte("blockmusic/revenue/custody"))[12:])

type engineState interface {
	RevenueConfigGet() (*Config, bool, error)
	RevenuePoolGet(asset Asset) (*Pool, bool, error)
	RevenueArtistGet(artist common.Address) (*ArtistAccount, bool, error)
	RevenueTrackGet(trackID uint64) (*Track, bool, error)
	RevenueTotalPlaysGet() (uint64, error)
	// RevenueCommit persists every record of cs and applies its transfers
	// through transferer in one atomic write. A rejected transfer leaves state
	// untouched and is reported as ErrTransferFailed.
	RevenueCommit(cs *Changeset, transferer bank.Transferer) error
}

// Engine implements the revenue ledger: pooled deposits, confirmed play
// counts and pro-rata artist claims. Calls are serialised by an internal mutex.
type Engine struct {
	mu      sync.Mutex
	state   engineState
	bank    bank.Transferer
	emitter events.Emitter
	nowFn   func() int64
	custody common.Address
}

// NewEngine constructs a revenue engine with default dependencies.
func NewEngine() *Engine {
	return &Engine{
		emitter: events.NoopEmitter{},
		nowFn: func() int64 {
			return time.Now().Unix()
		},
		custody: CustodyAddress,
	}
}

// SetState configures the state backend used by the engine.
func (e *Engine) SetState(state engineState) { e.state = state }

// SetBank configures the asset transferer used for deposits and claims.
func (e *Engine) SetBank(transferer bank.Transferer) { e.bank = transferer }

// SetEmitter configures the event emitter used by the engine.
func (e *Engine) SetEmitter(emitter events.Emitter) {
	if emitter == nil {
		e.emitter = events.NoopEmitter{}
		return
	}
	e.emitter = emitter
}

// SetNowFunc overrides the time source used for deterministic testing.
func (e *Engine) SetNowFunc(now func() int64) {
	if now == nil {
		e.nowFn = func() int64 { return time.Now().Unix() }
		return
	}
	e.nowFn = now
}

// SetCustody overrides the account holding pooled funds.
func (e *Engine) SetCustody(addr common.Address) { e.custody = addr }

// Custody returns the account holding pooled funds.
func (e *Engine) Custody() common.Address { return e.custody }

func (e *Engine) emit(evt *types.Event) {
	if e == nil || evt == nil || e.emitter == nil {
		return
	}
	e.emitter.Emit(WrapEvent(evt))
}

func (e *Engine) now() int64 {
	if e == nil || e.nowFn == nil {
		return time.Now().Unix()
	}
	return e.nowFn()
}

func (e *Engine) ready() error {
	if e == nil || e.state == nil {
		return errNilState
	}
	return nil
}

// Bootstrap stores the initial configuration if none exists yet and returns
// the active one. An existing configuration is never overwritten.
func (e *Engine) Bootstrap(cfg Config) (*Config, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	existing, ok, err := e.state.RevenueConfigGet()
	if err != nil {
		return nil, err
	}
	if ok {
		return existing.Clone(), nil
	}
	if cfg.Owner == (common.Address{}) {
		return nil, fmt.Errorf("%w: owner", ErrZeroAddress)
	}
	if err := e.state.RevenueCommit(&Changeset{Config: cfg.Clone()}, nil); err != nil {
		return nil, err
	}
	return cfg.Clone(), nil
}

func (e *Engine) config() (*Config, error) {
	cfg, ok, err := e.state.RevenueConfigGet()
	if err != nil {
		return nil, err
	}
	if !ok || cfg == nil {
		return nil, errNotBootstrap
	}
	return cfg, nil
}

func (e *Engine) loadPool(asset Asset) (*Pool, error) {
	pool, ok, err := e.state.RevenuePoolGet(asset)
	if err != nil {
		return nil, err
	}
	if !ok || pool == nil {
		pool = &Pool{Asset: asset}
	}
	pool.TotalPoolBalance = newBigInt(pool.TotalPoolBalance)
	pool.TotalClaimed = newBigInt(pool.TotalClaimed)
	return pool, nil
}

func (e *Engine) loadArtist(artist common.Address) (*ArtistAccount, error) {
	account, ok, err := e.state.RevenueArtistGet(artist)
	if err != nil {
		return nil, err
	}
	if !ok || account == nil {
		account = &ArtistAccount{Artist: artist}
	}
	account.ClaimedNative = newBigInt(account.ClaimedNative)
	account.ClaimedStable = newBigInt(account.ClaimedStable)
	return account, nil
}

// ReceiveRevenue credits native and stable revenue to the pools. The amounts
// are moved from the caller into the custody account.
func (e *Engine) ReceiveRevenue(caller common.Address, native, stable *big.Int) error {
	if err := e.ready(); err != nil {
		return err
	}
	if e.bank == nil {
		return errNilBank
	}
	native = newBigInt(native)
	stable = newBigInt(stable)
	if !validAmount(native) || !validAmount(stable) {
		return ErrInvalidAmount
	}
	if native.Sign() == 0 && stable.Sign() == 0 {
		return ErrInvalidAmount
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	cfg, err := e.config()
	if err != nil {
		return err
	}
	if caller != cfg.Owner && caller != cfg.PlatformWallet {
		return ErrUnauthorized
	}
	if stable.Sign() > 0 && cfg.StableToken == (common.Address{}) {
		return ErrStableTokenNotSet
	}

	nativePool, err := e.loadPool(AssetNative)
	if err != nil {
		return err
	}
	stablePool, err := e.loadPool(AssetStable)
	if err != nil {
		return err
	}
	nextNative := new(big.Int).Add(nativePool.TotalPoolBalance, native)
	nextStable := new(big.Int).Add(stablePool.TotalPoolBalance, stable)
	if !validAmount(nextNative) || !validAmount(nextStable) {
		return ErrInvalidAmount
	}

	now := e.now()
	cs := &Changeset{Transfers: []bank.Transfer{
		{Asset: string(AssetNative), From: caller, To: e.custody, Amount: native},
		{Asset: string(AssetStable), From: caller, To: e.custody, Amount: stable},
	}}
	if native.Sign() > 0 {
		nativePool.TotalPoolBalance = nextNative
		nativePool.LastFundedAt = now
		cs.Pools = append(cs.Pools, nativePool)
	}
	if stable.Sign() > 0 {
		stablePool.TotalPoolBalance = nextStable
		stablePool.LastFundedAt = now
		cs.Pools = append(cs.Pools, stablePool)
	}
	if err := e.state.RevenueCommit(cs, e.bank); err != nil {
		return err
	}
	e.emit(RevenueReceivedEvent(caller, native, stable))
	return nil
}

// RegisterTrack binds trackID to artist. Registering the same binding twice is
// a no-op; rebinding a track to another artist fails.
func (e *Engine) RegisterTrack(caller common.Address, trackID uint64, artist common.Address) (*Track, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	if artist == (common.Address{}) {
		return nil, ErrZeroAddress
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	cfg, err := e.config()
	if err != nil {
		return nil, err
	}
	if caller != cfg.MusicNFT && caller != cfg.Owner {
		return nil, ErrUnauthorized
	}
	existing, ok, err := e.state.RevenueTrackGet(trackID)
	if err != nil {
		return nil, err
	}
	if ok && existing != nil {
		if existing.Artist != artist {
			return nil, ErrTrackExists
		}
		return existing.Clone(), nil
	}

	account, err := e.loadArtist(artist)
	if err != nil {
		return nil, err
	}
	now := e.now()
	track := &Track{TrackID: trackID, Artist: artist, RegisteredAt: now, UpdatedAt: now}
	cs := &Changeset{Artists: []*ArtistAccount{account}, Tracks: []*Track{track}}
	if err := e.state.RevenueCommit(cs, nil); err != nil {
		return nil, err
	}
	e.emit(TrackRegisteredEvent(trackID, artist))
	return track.Clone(), nil
}

func (e *Engine) authorizeAggregator(caller common.Address) error {
	cfg, err := e.config()
	if err != nil {
		return err
	}
	if caller != cfg.Aggregator && caller != cfg.Owner {
		return ErrUnauthorized
	}
	return nil
}

// playBatch stages the tracks and artist accounts touched by a run of
// increments so later entries see earlier ones. Nothing reaches the state
// backend until commit.
type playBatch struct {
	e       *Engine
	total   uint64
	tracks  map[uint64]*Track
	artists map[common.Address]*ArtistAccount
	cs      Changeset
	events  []*types.Event
}

func (e *Engine) newPlayBatch() (*playBatch, error) {
	total, err := e.state.RevenueTotalPlaysGet()
	if err != nil {
		return nil, err
	}
	return &playBatch{
		e:       e,
		total:   total,
		tracks:  make(map[uint64]*Track),
		artists: make(map[common.Address]*ArtistAccount),
	}, nil
}

func (b *playBatch) track(trackID uint64) (*Track, bool, error) {
	if track, ok := b.tracks[trackID]; ok {
		return track, true, nil
	}
	track, ok, err := b.e.state.RevenueTrackGet(trackID)
	if err != nil || !ok || track == nil {
		return nil, false, err
	}
	return track, true, nil
}

func (b *playBatch) artist(addr common.Address) (*ArtistAccount, error) {
	if account, ok := b.artists[addr]; ok {
		return account, nil
	}
	return b.e.loadArtist(addr)
}

func (b *playBatch) stage(track *Track, account *ArtistAccount) {
	if _, ok := b.tracks[track.TrackID]; !ok {
		b.tracks[track.TrackID] = track
		b.cs.Tracks = append(b.cs.Tracks, track)
	}
	if _, ok := b.artists[account.Artist]; !ok {
		b.artists[account.Artist] = account
		b.cs.Artists = append(b.cs.Artists, account)
	}
}

// commit writes the staged records in one changeset and then emits the
// events collected while staging.
func (b *playBatch) commit() error {
	if len(b.cs.Tracks) > 0 {
		total := b.total
		b.cs.TotalPlays = &total
		if err := b.e.state.RevenueCommit(&b.cs, nil); err != nil {
			return err
		}
	}
	for _, evt := range b.events {
		b.e.emit(evt)
	}
	return nil
}

// applyIncrement validates and stages one entry. A non-nil reason marks the
// entry rejected; a non-nil error is a storage failure. Only sequenced entries
// are checked against and advance Track.LastSeq.
func (e *Engine) applyIncrement(b *playBatch, inc PlayIncrement, sequenced bool) (*Track, IncrementStatus, uint64, error, error) {
	if inc.Delta <= 0 {
		return nil, IncrementRejected, 0, ErrInvalidDelta, nil
	}
	if sequenced && inc.Seq == 0 {
		return nil, IncrementRejected, 0, ErrInvalidSequence, nil
	}
	track, ok, err := b.track(inc.TrackID)
	if err != nil {
		return nil, "", 0, nil, err
	}
	if !ok {
		return nil, IncrementRejected, 0, ErrTrackNotFound, nil
	}
	if sequenced && inc.Seq <= track.LastSeq {
		return track, IncrementDuplicate, track.LastSeq, nil, nil
	}
	delta := uint64(inc.Delta)
	if track.ConfirmedPlays > math.MaxUint64-delta || b.total > math.MaxUint64-delta {
		return track, IncrementRejected, track.LastSeq, ErrPlayCountOverflow, nil
	}
	account, err := b.artist(track.Artist)
	if err != nil {
		return nil, "", 0, nil, err
	}
	if account.ConfirmedPlayCount > math.MaxUint64-delta {
		return track, IncrementRejected, track.LastSeq, ErrPlayCountOverflow, nil
	}

	track.ConfirmedPlays += delta
	if sequenced {
		track.LastSeq = inc.Seq
	}
	track.UpdatedAt = e.now()
	account.ConfirmedPlayCount += delta
	b.total += delta
	b.stage(track, account)
	b.events = append(b.events, PlaysConfirmedEvent(track, inc.Seq, inc.Delta))
	return track, IncrementApplied, track.LastSeq, nil, nil
}

// IncrementPlayCount adds delta confirmed plays to trackID outside the
// aggregator's sequence space: the track's LastSeq is left untouched so a
// manual correction never swallows a sequenced submission.
func (e *Engine) IncrementPlayCount(caller common.Address, trackID uint64, delta int64) (*Track, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.authorizeAggregator(caller); err != nil {
		return nil, err
	}
	b, err := e.newPlayBatch()
	if err != nil {
		return nil, err
	}
	track, status, _, reason, err := e.applyIncrement(b, PlayIncrement{TrackID: trackID, Delta: delta}, false)
	if err != nil {
		return nil, err
	}
	if status != IncrementApplied {
		return nil, reason
	}
	if err := b.commit(); err != nil {
		return nil, err
	}
	return track.Clone(), nil
}

// IncrementPlayCounts applies a batch of sequenced increments. Entries are
// independent: duplicates and invalid entries do not affect their neighbours.
// The applied entries are committed together, so a storage failure leaves the
// ledger as it was and the whole batch can be resent.
func (e *Engine) IncrementPlayCounts(caller common.Address, increments []PlayIncrement) ([]IncrementResult, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.authorizeAggregator(caller); err != nil {
		return nil, err
	}
	b, err := e.newPlayBatch()
	if err != nil {
		return nil, err
	}
	results := make([]IncrementResult, 0, len(increments))
	for _, inc := range increments {
		_, status, lastSeq, reason, err := e.applyIncrement(b, inc, true)
		if err != nil {
			return nil, err
		}
		result := IncrementResult{TrackID: inc.TrackID, Seq: inc.Seq, Delta: inc.Delta, Status: status, LastSeq: lastSeq}
		switch status {
		case IncrementDuplicate:
			b.events = append(b.events, PlaysDuplicateEvent(inc.TrackID, inc.Seq, lastSeq))
		case IncrementRejected:
			result.Reason = reason.Error()
		}
		results = append(results, result)
	}
	if err := b.commit(); err != nil {
		return nil, err
	}
	return results, nil
}

func (e *Engine) claimable(asset Asset, artist common.Address) (*big.Int, error) {
	if !asset.Valid() {
		return nil, errUnknownAsset
	}
	total, err := e.state.RevenueTotalPlaysGet()
	if err != nil {
		return nil, err
	}
	account, err := e.loadArtist(artist)
	if err != nil {
		return nil, err
	}
	pool, err := e.loadPool(asset)
	if err != nil {
		return nil, err
	}
	return claimableAmount(account.ConfirmedPlayCount, total, pool, account.Claimed(asset))
}

// Claimable returns the amount of asset the artist can withdraw right now.
func (e *Engine) Claimable(asset Asset, artist common.Address) (*big.Int, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.claimable(asset, artist)
}

// ClaimableNative returns the artist's withdrawable native revenue.
func (e *Engine) ClaimableNative(artist common.Address) (*big.Int, error) {
	return e.Claimable(AssetNative, artist)
}

// ClaimableStable returns the artist's withdrawable stable revenue.
func (e *Engine) ClaimableStable(artist common.Address) (*big.Int, error) {
	return e.Claimable(AssetStable, artist)
}

func (e *Engine) claim(caller common.Address, assets ...Asset) (map[Asset]*big.Int, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	if e.bank == nil {
		return nil, errNilBank
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	total, err := e.state.RevenueTotalPlaysGet()
	if err != nil {
		return nil, err
	}
	account, err := e.loadArtist(caller)
	if err != nil {
		return nil, err
	}
	amounts := make(map[Asset]*big.Int, len(assets))
	pools := make(map[Asset]*Pool, len(assets))
	positive := false
	for _, asset := range assets {
		pool, err := e.loadPool(asset)
		if err != nil {
			return nil, err
		}
		owed, err := claimableAmount(account.ConfirmedPlayCount, total, pool, account.Claimed(asset))
		if err != nil {
			return nil, err
		}
		amounts[asset] = owed
		pools[asset] = pool
		if owed.Sign() > 0 {
			positive = true
		}
	}
	if !positive {
		return nil, ErrNothingToClaim
	}

	cs := &Changeset{Artists: []*ArtistAccount{account}}
	for _, asset := range assets {
		owed := amounts[asset]
		if owed.Sign() == 0 {
			continue
		}
		pool := pools[asset]
		account.setClaimed(asset, new(big.Int).Add(account.Claimed(asset), owed))
		pool.TotalClaimed = new(big.Int).Add(pool.TotalClaimed, owed)
		cs.Pools = append(cs.Pools, pool)
		cs.Transfers = append(cs.Transfers, bank.Transfer{Asset: string(asset), From: e.custody, To: caller, Amount: new(big.Int).Set(owed)})
	}
	account.LastClaimAt = e.now()

	// The claimed totals and the payout land in the same write: a failed
	// transfer leaves the account claimable.
	if err := e.state.RevenueCommit(cs, e.bank); err != nil {
		return nil, err
	}
	for _, asset := range assets {
		if amounts[asset].Sign() > 0 {
			e.emit(RevenueClaimedEvent(caller, asset, amounts[asset]))
		}
	}
	return amounts, nil
}

// ClaimNative withdraws the caller's claimable native revenue.
func (e *Engine) ClaimNative(caller common.Address) (*big.Int, error) {
	amounts, err := e.claim(caller, AssetNative)
	if err != nil {
		return nil, err
	}
	return amounts[AssetNative], nil
}

// ClaimStable withdraws the caller's claimable stable revenue.
func (e *Engine) ClaimStable(caller common.Address) (*big.Int, error) {
	amounts, err := e.claim(caller, AssetStable)
	if err != nil {
		return nil, err
	}
	return amounts[AssetStable], nil
}

// ClaimAll withdraws both pools in one all-or-nothing step.
func (e *Engine) ClaimAll(caller common.Address) (*big.Int, *big.Int, error) {
	amounts, err := e.claim(caller, AssetNative, AssetStable)
	if err != nil {
		return nil, nil, err
	}
	return amounts[AssetNative], amounts[AssetStable], nil
}

// ArtistRevenueSummary returns claimable and claimed amounts together with the
// play counts used to derive them.
func (e *Engine) ArtistRevenueSummary(artist common.Address) (*Summary, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	claimNative, err := e.claimable(AssetNative, artist)
	if err != nil {
		return nil, err
	}
	claimStable, err := e.claimable(AssetStable, artist)
	if err != nil {
		return nil, err
	}
	account, err := e.loadArtist(artist)
	if err != nil {
		return nil, err
	}
	total, err := e.state.RevenueTotalPlaysGet()
	if err != nil {
		return nil, err
	}
	return &Summary{
		Artist:             artist,
		ClaimableNative:    claimNative,
		ClaimableStable:    claimStable,
		TotalClaimedNative: account.Claimed(AssetNative),
		TotalClaimedStable: account.Claimed(AssetStable),
		ArtistPlays:        account.ConfirmedPlayCount,
		TotalPlays:         total,
	}, nil
}

// Pool returns a snapshot of the asset pool.
func (e *Engine) Pool(asset Asset) (*Pool, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	if !asset.Valid() {
		return nil, errUnknownAsset
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.loadPool(asset)
}

// Artist returns the artist's account, zero-valued if it has never been seen.
func (e *Engine) Artist(artist common.Address) (*ArtistAccount, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.loadArtist(artist)
}

// Track returns the registered track.
func (e *Engine) Track(trackID uint64) (*Track, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	track, ok, err := e.state.RevenueTrackGet(trackID)
	if err != nil {
		return nil, err
	}
	if !ok || track == nil {
		return nil, ErrTrackNotFound
	}
	return track.Clone(), nil
}

// TrackSequence returns the last applied sequence number of trackID, zero for
// unknown tracks.
func (e *Engine) TrackSequence(trackID uint64) (uint64, error) {
	if err := e.ready(); err != nil {
		return 0, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	track, ok, err := e.state.RevenueTrackGet(trackID)
	if err != nil {
		return 0, err
	}
	if !ok || track == nil {
		return 0, nil
	}
	return track.LastSeq, nil
}

// TotalConfirmedPlays returns the sum of all confirmed plays.
func (e *Engine) TotalConfirmedPlays() (uint64, error) {
	if err := e.ready(); err != nil {
		return 0, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state.RevenueTotalPlaysGet()
}

// Config returns the active configuration.
func (e *Engine) Config() (*Config, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	cfg, err := e.config()
	if err != nil {
		return nil, err
	}
	return cfg.Clone(), nil
}

func (e *Engine) updateConfig(caller common.Address, field string, value common.Address, apply func(*Config)) error {
	if err := e.ready(); err != nil {
		return err
	}
	if value == (common.Address{}) {
		return ErrZeroAddress
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	cfg, err := e.config()
	if err != nil {
		return err
	}
	if caller != cfg.Owner {
		return ErrUnauthorized
	}
	next := cfg.Clone()
	apply(next)
	if err := e.state.RevenueCommit(&Changeset{Config: next}, nil); err != nil {
		return err
	}
	e.emit(ConfigUpdatedEvent(field, value))
	return nil
}

// SetPlatformWallet changes the authorized revenue source.
func (e *Engine) SetPlatformWallet(caller, wallet common.Address) error {
	return e.updateConfig(caller, "platformWallet", wallet, func(c *Config) { c.PlatformWallet = wallet })
}

// SetMusicNFTContract changes the identity allowed to register tracks.
func (e *Engine) SetMusicNFTContract(caller, registry common.Address) error {
	return e.updateConfig(caller, "musicNFT", registry, func(c *Config) { c.MusicNFT = registry })
}

// SetStableToken changes the stablecoin backing the stable pool.
func (e *Engine) SetStableToken(caller, token common.Address) error {
	return e.updateConfig(caller, "stableToken", token, func(c *Config) { c.StableToken = token })
}

// SetAggregator changes the identity allowed to increment play counts.
func (e *Engine) SetAggregator(caller, aggregator common.Address) error {
	return e.updateConfig(caller, "aggregator", aggregator, func(c *Config) { c.Aggregator = aggregator })
}

// TransferOwnership hands the owner role to a new account.
func (e *Engine) TransferOwnership(caller, owner common.Address) error {
	return e.updateConfig(caller, "owner", owner, func(c *Config) { c.Owner = owner })
}

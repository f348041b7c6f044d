package revenue

import (
	"errors"
	"fmt"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"

	"blockmusic/core/events"
	"blockmusic/native/bank"
	"blockmusic/storage"
)

type mockState struct {
	cfg     *Config
	pools   map[Asset]*Pool
	artists map[common.Address]*ArtistAccount
	tracks  map[uint64]*Track
	total   uint64

	commitErr error
}

func newMockState() *mockState {
	return &mockState{
		pools:   make(map[Asset]*Pool),
		artists: make(map[common.Address]*ArtistAccount),
		tracks:  make(map[uint64]*Track),
	}
}

func (m *mockState) RevenueConfigGet() (*Config, bool, error) {
	if m.cfg == nil {
		return nil, false, nil
	}
	return m.cfg.Clone(), true, nil
}

func (m *mockState) RevenuePoolGet(asset Asset) (*Pool, bool, error) {
	pool, ok := m.pools[asset]
	if !ok {
		return nil, false, nil
	}
	return pool.Clone(), true, nil
}

func (m *mockState) RevenueArtistGet(artist common.Address) (*ArtistAccount, bool, error) {
	account, ok := m.artists[artist]
	if !ok {
		return nil, false, nil
	}
	return account.Clone(), true, nil
}

func (m *mockState) RevenueTrackGet(trackID uint64) (*Track, bool, error) {
	track, ok := m.tracks[trackID]
	if !ok {
		return nil, false, nil
	}
	return track.Clone(), true, nil
}

func (m *mockState) RevenueTotalPlaysGet() (uint64, error) { return m.total, nil }

func (m *mockState) RevenueCommit(cs *Changeset, transferer bank.Transferer) error {
	if m.commitErr != nil {
		err := m.commitErr
		m.commitErr = nil
		return err
	}
	if len(cs.Transfers) > 0 {
		if err := transferer.Transfer(cs.Transfers...); err != nil {
			return fmt.Errorf("%w: %v", ErrTransferFailed, err)
		}
	}
	if cs.Config != nil {
		m.cfg = cs.Config.Clone()
	}
	for _, pool := range cs.Pools {
		m.pools[pool.Asset] = pool.Clone()
	}
	for _, account := range cs.Artists {
		m.artists[account.Artist] = account.Clone()
	}
	for _, track := range cs.Tracks {
		m.tracks[track.TrackID] = track.Clone()
	}
	if cs.TotalPlays != nil {
		m.total = *cs.TotalPlays
	}
	return nil
}

type failingBank struct {
	inner bank.Transferer
	fail  bool
}

func (f *failingBank) Transfer(transfers ...bank.Transfer) error {
	if f.fail {
		return errors.New("transfer reverted")
	}
	return f.inner.Transfer(transfers...)
}

func addr(last byte) common.Address {
	var a common.Address
	a[19] = last
	return a
}

var (
	owner      = addr(0xf0)
	aggregator = addr(0xa0)
	platform   = addr(0xb0)
	musicNFT   = addr(0xc0)
	usdc       = addr(0xd0)
	artistA    = addr(1)
	artistB    = addr(2)
)

type fixture struct {
	engine   *Engine
	state    *mockState
	ledger   *bank.Ledger
	bank     *failingBank
	recorder *events.Recorder
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	state := newMockState()
	ledger := bank.NewLedger(storage.NewMemDB())
	fb := &failingBank{inner: ledger}
	rec := &events.Recorder{}

	engine := NewEngine()
	engine.SetState(state)
	engine.SetBank(fb)
	engine.SetEmitter(rec)
	engine.SetNowFunc(func() int64 { return 1_700_000_000 })

	_, err := engine.Bootstrap(Config{
		Owner:          owner,
		Aggregator:     aggregator,
		PlatformWallet: platform,
		MusicNFT:       musicNFT,
		StableToken:    usdc,
	})
	require.NoError(t, err)
	require.NoError(t, ledger.Credit(string(AssetNative), platform, big.NewInt(1_000)))
	require.NoError(t, ledger.Credit(string(AssetStable), platform, big.NewInt(1_000)))
	return &fixture{engine: engine, state: state, ledger: ledger, bank: fb, recorder: rec}
}

func (f *fixture) register(t *testing.T, trackID uint64, artist common.Address) {
	t.Helper()
	_, err := f.engine.RegisterTrack(musicNFT, trackID, artist)
	require.NoError(t, err)
}

func (f *fixture) plays(t *testing.T, trackID uint64, delta int64) {
	t.Helper()
	_, err := f.engine.IncrementPlayCount(aggregator, trackID, delta)
	require.NoError(t, err)
}

func (f *fixture) balance(t *testing.T, asset Asset, who common.Address) int64 {
	t.Helper()
	bal, err := f.ledger.Balance(string(asset), who)
	require.NoError(t, err)
	return bal.Int64()
}

func TestClaimableRecomputedAfterClaim(t *testing.T) {
	f := newFixture(t)
	f.register(t, 1, artistA)
	f.register(t, 2, artistB)
	f.plays(t, 1, 40)
	f.plays(t, 2, 60)
	require.NoError(t, f.engine.ReceiveRevenue(platform, big.NewInt(10), nil))

	claimable, err := f.engine.ClaimableNative(artistA)
	require.NoError(t, err)
	require.Equal(t, int64(4), claimable.Int64())

	claimed, err := f.engine.ClaimNative(artistA)
	require.NoError(t, err)
	require.Equal(t, int64(4), claimed.Int64())
	require.Equal(t, int64(4), f.balance(t, AssetNative, artistA))

	claimable, err = f.engine.ClaimableNative(artistA)
	require.NoError(t, err)
	require.Zero(t, claimable.Sign())

	_, err = f.engine.ClaimNative(artistA)
	require.ErrorIs(t, err, ErrNothingToClaim)
}

func TestEndToEndFloorRounding(t *testing.T) {
	f := newFixture(t)
	f.register(t, 1, artistA)
	f.register(t, 2, artistB)

	results, err := f.engine.IncrementPlayCounts(aggregator, []PlayIncrement{
		{TrackID: 1, Seq: 1, Delta: 3},
		{TrackID: 2, Seq: 1, Delta: 1},
	})
	require.NoError(t, err)
	require.Len(t, results, 2)
	for _, res := range results {
		require.Equal(t, IncrementApplied, res.Status)
	}
	require.NoError(t, f.engine.ReceiveRevenue(platform, big.NewInt(10), big.NewInt(0)))

	total, err := f.engine.TotalConfirmedPlays()
	require.NoError(t, err)
	require.Equal(t, uint64(4), total)

	summaryA, err := f.engine.ArtistRevenueSummary(artistA)
	require.NoError(t, err)
	require.Equal(t, uint64(3), summaryA.ArtistPlays)
	require.Equal(t, int64(7), summaryA.ClaimableNative.Int64())

	summaryB, err := f.engine.ArtistRevenueSummary(artistB)
	require.NoError(t, err)
	require.Equal(t, uint64(1), summaryB.ArtistPlays)
	require.Equal(t, int64(2), summaryB.ClaimableNative.Int64())

	_, err = f.engine.ClaimNative(artistA)
	require.NoError(t, err)
	_, err = f.engine.ClaimNative(artistB)
	require.NoError(t, err)

	pool, err := f.engine.Pool(AssetNative)
	require.NoError(t, err)
	require.Equal(t, int64(10), pool.TotalPoolBalance.Int64())
	require.Equal(t, int64(9), pool.TotalClaimed.Int64())
	require.Equal(t, int64(1), f.balance(t, AssetNative, CustodyAddress))
}

func TestIncrementPlayCountsDuplicateSequence(t *testing.T) {
	f := newFixture(t)
	f.register(t, 7, artistA)

	batch := []PlayIncrement{{TrackID: 7, Seq: 1, Delta: 5}}
	results, err := f.engine.IncrementPlayCounts(aggregator, batch)
	require.NoError(t, err)
	require.Equal(t, IncrementApplied, results[0].Status)

	results, err = f.engine.IncrementPlayCounts(aggregator, batch)
	require.NoError(t, err)
	require.Equal(t, IncrementDuplicate, results[0].Status)
	require.True(t, results[0].Status.Confirmed())
	require.Equal(t, uint64(1), results[0].LastSeq)

	track, err := f.engine.Track(7)
	require.NoError(t, err)
	require.Equal(t, uint64(5), track.ConfirmedPlays)

	seq, err := f.engine.TrackSequence(7)
	require.NoError(t, err)
	require.Equal(t, uint64(1), seq)
}

func TestIncrementPlayCountsRejectsInvalidEntries(t *testing.T) {
	f := newFixture(t)
	f.register(t, 1, artistA)

	results, err := f.engine.IncrementPlayCounts(aggregator, []PlayIncrement{
		{TrackID: 1, Seq: 1, Delta: 0},
		{TrackID: 99, Seq: 1, Delta: 2},
		{TrackID: 1, Seq: 0, Delta: 2},
		{TrackID: 1, Seq: 2, Delta: 2},
	})
	require.NoError(t, err)
	require.Equal(t, IncrementRejected, results[0].Status)
	require.Equal(t, ErrInvalidDelta.Error(), results[0].Reason)
	require.Equal(t, IncrementRejected, results[1].Status)
	require.Equal(t, ErrTrackNotFound.Error(), results[1].Reason)
	require.Equal(t, IncrementRejected, results[2].Status)
	require.Equal(t, IncrementApplied, results[3].Status)

	total, err := f.engine.TotalConfirmedPlays()
	require.NoError(t, err)
	require.Equal(t, uint64(2), total)
}

func TestIncrementPlayCountValidation(t *testing.T) {
	f := newFixture(t)
	f.register(t, 1, artistA)

	_, err := f.engine.IncrementPlayCount(aggregator, 1, 0)
	require.ErrorIs(t, err, ErrInvalidDelta)
	_, err = f.engine.IncrementPlayCount(aggregator, 1, -3)
	require.ErrorIs(t, err, ErrInvalidDelta)
	_, err = f.engine.IncrementPlayCount(aggregator, 2, 1)
	require.ErrorIs(t, err, ErrTrackNotFound)
	_, err = f.engine.IncrementPlayCount(artistA, 1, 1)
	require.ErrorIs(t, err, ErrUnauthorized)
	_, err = f.engine.IncrementPlayCounts(artistA, []PlayIncrement{{TrackID: 1, Seq: 1, Delta: 1}})
	require.ErrorIs(t, err, ErrUnauthorized)
}

func TestDirectIncrementLeavesSequenceToAggregator(t *testing.T) {
	f := newFixture(t)
	f.register(t, 1, artistA)

	track, err := f.engine.IncrementPlayCount(owner, 1, 1)
	require.NoError(t, err)
	require.Zero(t, track.LastSeq)
	seq, err := f.engine.TrackSequence(1)
	require.NoError(t, err)
	require.Zero(t, seq)

	results, err := f.engine.IncrementPlayCounts(aggregator, []PlayIncrement{{TrackID: 1, Seq: 1, Delta: 3}})
	require.NoError(t, err)
	require.Equal(t, IncrementApplied, results[0].Status)

	f.plays(t, 1, 2)
	results, err = f.engine.IncrementPlayCounts(aggregator, []PlayIncrement{{TrackID: 1, Seq: 2, Delta: 4}})
	require.NoError(t, err)
	require.Equal(t, IncrementApplied, results[0].Status)
	require.Equal(t, uint64(2), results[0].LastSeq)

	total, err := f.engine.TotalConfirmedPlays()
	require.NoError(t, err)
	require.Equal(t, uint64(10), total)
	account, err := f.engine.Artist(artistA)
	require.NoError(t, err)
	require.Equal(t, uint64(10), account.ConfirmedPlayCount)
}

func TestFailedCommitKeepsBatchRetryable(t *testing.T) {
	f := newFixture(t)
	f.register(t, 5, artistA)
	f.register(t, 6, artistB)
	batch := []PlayIncrement{{TrackID: 5, Seq: 1, Delta: 5}, {TrackID: 6, Seq: 1, Delta: 2}, {TrackID: 5, Seq: 2, Delta: 1}}

	f.recorder.Drain()
	f.state.commitErr = errors.New("disk full")
	_, err := f.engine.IncrementPlayCounts(aggregator, batch)
	require.Error(t, err)
	require.Empty(t, f.recorder.Drain())
	seq, err := f.engine.TrackSequence(5)
	require.NoError(t, err)
	require.Zero(t, seq)

	results, err := f.engine.IncrementPlayCounts(aggregator, batch)
	require.NoError(t, err)
	for _, res := range results {
		require.Equal(t, IncrementApplied, res.Status)
	}
	track, err := f.engine.Track(5)
	require.NoError(t, err)
	require.Equal(t, uint64(6), track.ConfirmedPlays)
	require.Equal(t, uint64(2), track.LastSeq)
	account, err := f.engine.Artist(artistA)
	require.NoError(t, err)
	require.Equal(t, uint64(6), account.ConfirmedPlayCount)
	total, err := f.engine.TotalConfirmedPlays()
	require.NoError(t, err)
	require.Equal(t, uint64(8), total)
}

func TestTotalsAreMonotonic(t *testing.T) {
	f := newFixture(t)
	f.register(t, 1, artistA)
	f.register(t, 2, artistB)

	var lastTotal uint64
	var lastSeq uint64
	for i := 1; i <= 20; i++ {
		f.plays(t, uint64(i%2+1), int64(i))
		total, err := f.engine.TotalConfirmedPlays()
		require.NoError(t, err)
		require.Greater(t, total, lastTotal)
		lastTotal = total

		seq, err := f.engine.TrackSequence(1)
		require.NoError(t, err)
		require.GreaterOrEqual(t, seq, lastSeq)
		lastSeq = seq
	}
	require.Equal(t, uint64(210), lastTotal)

	a, err := f.engine.Artist(artistA)
	require.NoError(t, err)
	b, err := f.engine.Artist(artistB)
	require.NoError(t, err)
	require.Equal(t, lastTotal, a.ConfirmedPlayCount+b.ConfirmedPlayCount)
}

func TestClaimRollsBackOnTransferFailure(t *testing.T) {
	f := newFixture(t)
	f.register(t, 1, artistA)
	f.plays(t, 1, 10)
	require.NoError(t, f.engine.ReceiveRevenue(platform, big.NewInt(10), big.NewInt(20)))

	f.bank.fail = true
	_, err := f.engine.ClaimNative(artistA)
	require.ErrorIs(t, err, ErrTransferFailed)
	_, _, err = f.engine.ClaimAll(artistA)
	require.ErrorIs(t, err, ErrTransferFailed)

	account, err := f.engine.Artist(artistA)
	require.NoError(t, err)
	require.Zero(t, account.ClaimedNative.Sign())
	require.Zero(t, account.ClaimedStable.Sign())
	pool, err := f.engine.Pool(AssetStable)
	require.NoError(t, err)
	require.Zero(t, pool.TotalClaimed.Sign())

	f.bank.fail = false
	native, stable, err := f.engine.ClaimAll(artistA)
	require.NoError(t, err)
	require.Equal(t, int64(10), native.Int64())
	require.Equal(t, int64(20), stable.Int64())
	require.Equal(t, int64(20), f.balance(t, AssetStable, artistA))

	_, _, err = f.engine.ClaimAll(artistA)
	require.ErrorIs(t, err, ErrNothingToClaim)
}

func TestClaimAllRollsBackBothAssets(t *testing.T) {
	f := newFixture(t)
	f.register(t, 1, artistA)
	f.plays(t, 1, 1)
	require.NoError(t, f.engine.ReceiveRevenue(platform, big.NewInt(3), big.NewInt(3)))

	// Drain the stable custody so the second leg of the transfer fails.
	require.NoError(t, f.ledger.Transfer(bank.Transfer{Asset: string(AssetStable), From: CustodyAddress, To: platform, Amount: big.NewInt(3)}))

	_, _, err := f.engine.ClaimAll(artistA)
	require.ErrorIs(t, err, ErrTransferFailed)
	require.Zero(t, f.balance(t, AssetNative, artistA))

	account, err := f.engine.Artist(artistA)
	require.NoError(t, err)
	require.Zero(t, account.ClaimedNative.Sign())
}

func TestReceiveRevenueAuthorization(t *testing.T) {
	f := newFixture(t)
	err := f.engine.ReceiveRevenue(artistA, big.NewInt(1), nil)
	require.ErrorIs(t, err, ErrUnauthorized)
	err = f.engine.ReceiveRevenue(platform, big.NewInt(0), big.NewInt(0))
	require.ErrorIs(t, err, ErrInvalidAmount)
	err = f.engine.ReceiveRevenue(platform, big.NewInt(-1), nil)
	require.ErrorIs(t, err, ErrInvalidAmount)
	err = f.engine.ReceiveRevenue(platform, big.NewInt(5_000), nil)
	require.ErrorIs(t, err, ErrTransferFailed)

	require.NoError(t, f.engine.ReceiveRevenue(platform, big.NewInt(5), big.NewInt(6)))
	require.Equal(t, int64(995), f.balance(t, AssetNative, platform))
	require.Equal(t, int64(6), f.balance(t, AssetStable, CustodyAddress))

	drained := f.recorder.Drain()
	require.NotEmpty(t, drained)
	last := drained[len(drained)-1]
	require.Equal(t, EventTypeRevenueReceived, last.Type)
	require.Equal(t, "6", last.Attr("stable"))
}

func TestRevenueBeforePlaysIsShared(t *testing.T) {
	f := newFixture(t)
	f.register(t, 1, artistA)
	require.NoError(t, f.engine.ReceiveRevenue(platform, big.NewInt(10), nil))

	claimable, err := f.engine.ClaimableNative(artistA)
	require.NoError(t, err)
	require.Zero(t, claimable.Sign())

	f.plays(t, 1, 1)
	claimable, err = f.engine.ClaimableNative(artistA)
	require.NoError(t, err)
	require.Equal(t, int64(10), claimable.Int64())
}

func TestRegisterTrack(t *testing.T) {
	f := newFixture(t)
	_, err := f.engine.RegisterTrack(artistA, 1, artistA)
	require.ErrorIs(t, err, ErrUnauthorized)

	f.register(t, 1, artistA)
	f.register(t, 1, artistA)
	_, err = f.engine.RegisterTrack(musicNFT, 1, artistB)
	require.ErrorIs(t, err, ErrTrackExists)
	_, err = f.engine.RegisterTrack(musicNFT, 2, common.Address{})
	require.ErrorIs(t, err, ErrZeroAddress)
}

func TestAdminSetters(t *testing.T) {
	f := newFixture(t)
	newAgg := addr(0xa1)

	require.ErrorIs(t, f.engine.SetAggregator(artistA, newAgg), ErrUnauthorized)
	require.ErrorIs(t, f.engine.SetAggregator(owner, common.Address{}), ErrZeroAddress)
	require.NoError(t, f.engine.SetAggregator(owner, newAgg))
	require.NoError(t, f.engine.SetPlatformWallet(owner, addr(0xb1)))
	require.NoError(t, f.engine.SetMusicNFTContract(owner, addr(0xc1)))
	require.NoError(t, f.engine.SetStableToken(owner, addr(0xd1)))

	_, err := f.engine.RegisterTrack(musicNFT, 1, artistA)
	require.ErrorIs(t, err, ErrUnauthorized)
	_, err = f.engine.RegisterTrack(addr(0xc1), 1, artistA)
	require.NoError(t, err)

	_, err = f.engine.IncrementPlayCount(aggregator, 1, 1)
	require.ErrorIs(t, err, ErrUnauthorized)
	track, err := f.engine.IncrementPlayCount(newAgg, 1, 1)
	require.NoError(t, err)
	require.Equal(t, uint64(1), track.ConfirmedPlays)
}

func TestTransferOwnership(t *testing.T) {
	f := newFixture(t)
	next := addr(0xf1)
	require.NoError(t, f.engine.TransferOwnership(owner, next))
	require.ErrorIs(t, f.engine.SetAggregator(owner, addr(9)), ErrUnauthorized)
	require.NoError(t, f.engine.SetAggregator(next, addr(9)))

	cfg, err := f.engine.Config()
	require.NoError(t, err)
	require.Equal(t, next, cfg.Owner)
	require.Equal(t, addr(9), cfg.Aggregator)
}

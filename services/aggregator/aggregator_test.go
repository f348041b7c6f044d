package aggregator

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"blockmusic/native/bank"
	"blockmusic/native/revenue"
	"blockmusic/services/aggregator/ledgerclient"
	staterev "blockmusic/state/revenue"
	"blockmusic/storage"
)

// fakeLedger applies increments with the same sequence rules as the revenue
// engine and can be told to drop calls or lose responses.
type fakeLedger struct {
	mu    sync.Mutex
	seqs  map[uint64]uint64
	plays map[uint64]uint64
	total uint64
	calls int

	failNext     int
	failEvery    int
	loseResponse bool
	seqErr       error

	entered chan struct{}
	release chan struct{}
}

func newFakeLedger() *fakeLedger {
	return &fakeLedger{seqs: make(map[uint64]uint64), plays: make(map[uint64]uint64)}
}

func (f *fakeLedger) BatchSize() int { return 100 }

func (f *fakeLedger) IncrementPlayCounts(ctx context.Context, increments []ledgerclient.Increment) ([]ledgerclient.Result, error) {
	if f.entered != nil {
		f.entered <- struct{}{}
		<-f.release
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.failNext > 0 {
		f.failNext--
		return nil, errors.New("connection reset by peer")
	}
	if f.failEvery > 0 && f.calls%f.failEvery == 0 {
		return nil, errors.New("connection reset by peer")
	}
	results := make([]ledgerclient.Result, len(increments))
	for i, inc := range increments {
		res := ledgerclient.Result{TrackID: inc.TrackID, Seq: inc.Seq, TxRef: fmt.Sprintf("tx-%d-%d", inc.TrackID, inc.Seq)}
		last := f.seqs[inc.TrackID]
		switch {
		case inc.Seq <= last:
			res.Status = ledgerclient.StatusDuplicate
		case inc.Seq != last+1:
			res.Status = ledgerclient.StatusRejected
			res.Reason = "sequence gap"
		default:
			f.seqs[inc.TrackID] = inc.Seq
			f.plays[inc.TrackID] += inc.Delta
			f.total += inc.Delta
			res.Status = ledgerclient.StatusApplied
		}
		results[i] = res
	}
	if f.loseResponse {
		f.loseResponse = false
		return nil, context.DeadlineExceeded
	}
	return results, nil
}

func (f *fakeLedger) TrackSequence(_ context.Context, trackID uint64) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.seqErr != nil {
		return 0, f.seqErr
	}
	return f.seqs[trackID], nil
}

func (f *fakeLedger) TotalConfirmedPlays(context.Context) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.total, nil
}

func (f *fakeLedger) trackPlays(id uint64) uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.plays[id]
}

func newTestService(t *testing.T, ledger ledgerclient.Ledger, opts ...Option) *Service {
	t.Helper()
	return New(NewCounterStore(storage.NewMemDB()), ledger, opts...)
}

func recordPlays(t *testing.T, svc *Service, trackID uint64, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		_, err := svc.RecordPlay(context.Background(), PlayEvent{TrackID: trackID, Listener: fmt.Sprintf("0xlistener%d", i)})
		require.NoError(t, err)
	}
}

func requireCounter(t *testing.T, svc *Service, trackID, confirmed, pending uint64) {
	t.Helper()
	c, err := svc.PlayCount(context.Background(), trackID)
	require.NoError(t, err)
	require.Equal(t, confirmed, c.Confirmed, "confirmed plays of track %d", trackID)
	require.Equal(t, pending, c.Pending, "pending plays of track %d", trackID)
}

func TestRecordPlayValidation(t *testing.T) {
	svc := newTestService(t, newFakeLedger())
	ctx := context.Background()

	_, err := svc.RecordPlay(ctx, PlayEvent{TrackID: 1, Listener: "  "})
	require.ErrorIs(t, err, ErrInvalidRequest)

	_, err = svc.RecordPlay(ctx, PlayEvent{TrackID: 1, Listener: "0xabc", Timestamp: time.Unix(-10, 0)})
	require.ErrorIs(t, err, ErrInvalidRequest)

	totals, err := svc.RecordPlay(ctx, PlayEvent{TrackID: 1, Listener: "0xabc"})
	require.NoError(t, err)
	require.EqualValues(t, 1, totals.TotalPlays)
	require.EqualValues(t, 1, totals.PendingPlays)
}

func TestRecordPlayUsesClockForMissingTimestamp(t *testing.T) {
	fixed := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	svc := newTestService(t, newFakeLedger(), WithClock(func() time.Time { return fixed }))
	_, err := svc.RecordPlay(context.Background(), PlayEvent{TrackID: 9, Listener: "0xabc"})
	require.NoError(t, err)

	c, err := svc.PlayCount(context.Background(), 9)
	require.NoError(t, err)
	require.True(t, fixed.Equal(c.LastPlayedAt))

	stats, err := svc.Stats(context.Background())
	require.NoError(t, err)
	require.True(t, fixed.Equal(stats.LastUpdate))
}

func TestFlushSettlesPendingPlays(t *testing.T) {
	ledger := newFakeLedger()
	svc := newTestService(t, ledger)
	recordPlays(t, svc, 1, 3)
	recordPlays(t, svc, 2, 1)

	report, err := svc.Flush(context.Background())
	require.NoError(t, err)
	require.NoError(t, report.Err())
	require.Equal(t, "ok", report.Outcome())
	require.Equal(t, 2, report.Submitted)
	require.Equal(t, 2, report.Settled)
	require.EqualValues(t, 4, report.SettledPlays)

	requireCounter(t, svc, 1, 3, 0)
	requireCounter(t, svc, 2, 1, 0)
	require.EqualValues(t, 3, ledger.trackPlays(1))

	total, err := svc.LedgerTotal(context.Background())
	require.NoError(t, err)
	require.EqualValues(t, 4, total)

	report, err = svc.Flush(context.Background())
	require.NoError(t, err)
	require.Equal(t, "empty", report.Outcome())
	require.Same(t, report, svc.LastFlush())
}

func TestFlushFailureKeepsPlaysPending(t *testing.T) {
	ledger := newFakeLedger()
	ledger.failNext = 1
	svc := newTestService(t, ledger)
	recordPlays(t, svc, 1, 3)

	report, err := svc.Flush(context.Background())
	require.NoError(t, err)
	require.ErrorIs(t, report.Err(), ErrLedgerSubmissionFailed)
	require.Equal(t, "failed", report.Outcome())
	requireCounter(t, svc, 1, 0, 3)

	// A play arriving while the delta is inflight stays out of it.
	recordPlays(t, svc, 1, 1)
	c, err := svc.PlayCount(context.Background(), 1)
	require.NoError(t, err)
	require.NotNil(t, c.Inflight)
	require.EqualValues(t, 3, c.Inflight.Delta)
	require.EqualValues(t, 1, c.Inflight.Seq)

	report, err = svc.Flush(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, report.Settled)
	requireCounter(t, svc, 1, 3, 1)

	report, err = svc.Flush(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, report.Settled)
	require.EqualValues(t, 2, report.Tracks[0].Seq)
	requireCounter(t, svc, 1, 4, 0)
	require.EqualValues(t, 4, ledger.trackPlays(1))
}

func TestFlushLostResponseIsNotAppliedTwice(t *testing.T) {
	ledger := newFakeLedger()
	ledger.loseResponse = true
	svc := newTestService(t, ledger)
	recordPlays(t, svc, 1, 3)

	report, err := svc.Flush(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, report.Failed)
	requireCounter(t, svc, 1, 0, 3)
	require.EqualValues(t, 3, ledger.trackPlays(1))

	report, err = svc.Flush(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, report.Reconciled)
	require.Equal(t, 0, report.Submitted)
	require.Equal(t, outcomeReconciled, report.Tracks[0].Status)
	requireCounter(t, svc, 1, 3, 0)
	require.EqualValues(t, 3, ledger.trackPlays(1))
}

func TestFlushResendsWhenReconcileUnavailable(t *testing.T) {
	ledger := newFakeLedger()
	ledger.loseResponse = true
	svc := newTestService(t, ledger)
	recordPlays(t, svc, 1, 2)

	_, err := svc.Flush(context.Background())
	require.NoError(t, err)

	ledger.seqErr = errors.New("ledger unreachable")
	report, err := svc.Flush(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, report.Settled)
	require.Equal(t, string(ledgerclient.StatusDuplicate), report.Tracks[0].Status)
	requireCounter(t, svc, 1, 2, 0)
	require.EqualValues(t, 2, ledger.trackPlays(1))
}

func TestManualReconcile(t *testing.T) {
	ledger := newFakeLedger()
	ledger.loseResponse = true
	svc := newTestService(t, ledger)
	recordPlays(t, svc, 4, 2)
	_, err := svc.Flush(context.Background())
	require.NoError(t, err)

	settled, err := svc.Reconcile(context.Background(), 4)
	require.NoError(t, err)
	require.True(t, settled)
	requireCounter(t, svc, 4, 2, 0)

	settled, err = svc.Reconcile(context.Background(), 4)
	require.NoError(t, err)
	require.False(t, settled)
}

func TestFlushFastForwardsRebuiltStore(t *testing.T) {
	ledger := newFakeLedger()
	ledger.seqs[7] = 5
	ledger.plays[7] = 40
	svc := newTestService(t, ledger)
	recordPlays(t, svc, 7, 2)

	report, err := svc.Flush(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, report.Settled)
	require.EqualValues(t, 6, report.Tracks[0].Seq)
	require.EqualValues(t, 42, ledger.trackPlays(7))
}

func TestFlushRejectsConcurrentRun(t *testing.T) {
	ledger := newFakeLedger()
	ledger.entered = make(chan struct{})
	ledger.release = make(chan struct{})
	svc := newTestService(t, ledger)
	recordPlays(t, svc, 1, 1)

	done := make(chan error, 1)
	go func() {
		_, err := svc.Flush(context.Background())
		done <- err
	}()
	<-ledger.entered

	_, err := svc.Flush(context.Background())
	require.ErrorIs(t, err, ErrFlushInProgress)

	close(ledger.release)
	require.NoError(t, <-done)
	requireCounter(t, svc, 1, 1, 0)
}

func TestFlushChunksByBatchSize(t *testing.T) {
	ledger := newFakeLedger()
	svc := newTestService(t, ledger, WithBatchSize(2))
	for id := uint64(1); id <= 5; id++ {
		recordPlays(t, svc, id, 1)
	}
	report, err := svc.Flush(context.Background())
	require.NoError(t, err)
	require.Equal(t, 5, report.Settled)
	require.Equal(t, 3, ledger.calls)
}

func TestNoPlaysLostUnderConcurrentFlushes(t *testing.T) {
	const (
		workers   = 8
		perWorker = 50
		tracks    = 5
	)
	ledger := newFakeLedger()
	ledger.failEvery = 2
	svc := newTestService(t, ledger)

	ctx, cancel := context.WithCancel(context.Background())
	flushDone := make(chan struct{})
	go func() {
		defer close(flushDone)
		for ctx.Err() == nil {
			_, _ = svc.Flush(context.Background())
		}
	}()

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				_, err := svc.RecordPlay(context.Background(), PlayEvent{
					TrackID:  uint64((w+i)%tracks + 1),
					Listener: fmt.Sprintf("0xworker%d", w),
				})
				assert.NoError(t, err)
			}
		}(w)
	}
	wg.Wait()
	cancel()
	<-flushDone

	stats, err := svc.Stats(context.Background())
	require.NoError(t, err)
	require.EqualValues(t, workers*perWorker, stats.TotalPlays)

	ledger.mu.Lock()
	ledger.failEvery = 0
	ledger.mu.Unlock()
	for i := 0; i < 3; i++ {
		_, err := svc.Flush(context.Background())
		require.NoError(t, err)
	}

	stats, err = svc.Stats(context.Background())
	require.NoError(t, err)
	require.EqualValues(t, workers*perWorker, stats.TotalPlays)
	require.Zero(t, stats.PendingPlays)
	require.EqualValues(t, tracks, stats.TotalTracks)
	total, err := ledger.TotalConfirmedPlays(context.Background())
	require.NoError(t, err)
	require.EqualValues(t, workers*perWorker, total)
}

func TestFlushJournalsAttempts(t *testing.T) {
	journal := newTestJournal(t)
	ledger := newFakeLedger()
	ledger.failNext = 1
	svc := newTestService(t, ledger, WithJournal(journal))
	recordPlays(t, svc, 3, 2)

	first, err := svc.Flush(context.Background())
	require.NoError(t, err)
	second, err := svc.Flush(context.Background())
	require.NoError(t, err)

	attempts, err := journal.Batch(context.Background(), first.BatchID)
	require.NoError(t, err)
	require.Len(t, attempts, 1)
	require.Equal(t, outcomeFailed, attempts[0].Outcome)
	require.NotEmpty(t, attempts[0].Error)

	attempts, err = journal.Batch(context.Background(), second.BatchID)
	require.NoError(t, err)
	require.Len(t, attempts, 1)
	require.Equal(t, string(ledgerclient.StatusApplied), attempts[0].Outcome)
	require.EqualValues(t, 2, attempts[0].Delta)

	history, err := journal.TrackHistory(context.Background(), 3, 10)
	require.NoError(t, err)
	require.Len(t, history, 2)
}

func TestEndToEndRevenueSplit(t *testing.T) {
	var (
		owner      = common.HexToAddress("0x00000000000000000000000000000000000000f0")
		aggregator = common.HexToAddress("0x00000000000000000000000000000000000000a9")
		artistA    = common.HexToAddress("0x00000000000000000000000000000000000000a1")
		artistB    = common.HexToAddress("0x00000000000000000000000000000000000000b1")
	)
	db := storage.NewMemDB()
	funds := bank.NewLedger(db)
	engine := revenue.NewEngine()
	engine.SetState(staterev.NewStore(db))
	engine.SetBank(funds)
	_, err := engine.Bootstrap(revenue.Config{Owner: owner, Aggregator: aggregator})
	require.NoError(t, err)
	_, err = engine.RegisterTrack(owner, 1, artistA)
	require.NoError(t, err)
	_, err = engine.RegisterTrack(owner, 2, artistB)
	require.NoError(t, err)
	require.NoError(t, funds.Credit(string(revenue.AssetNative), owner, big.NewInt(10)))

	svc := newTestService(t, ledgerclient.NewLocal(engine, aggregator, 0))
	recordPlays(t, svc, 1, 3)
	recordPlays(t, svc, 2, 1)
	report, err := svc.Flush(context.Background())
	require.NoError(t, err)
	require.Equal(t, 2, report.Settled)

	total, err := engine.TotalConfirmedPlays()
	require.NoError(t, err)
	require.EqualValues(t, 4, total)

	require.NoError(t, engine.ReceiveRevenue(owner, big.NewInt(10), nil))
	claimA, err := engine.ClaimableNative(artistA)
	require.NoError(t, err)
	require.EqualValues(t, 7, claimA.Int64())
	claimB, err := engine.ClaimableNative(artistB)
	require.NoError(t, err)
	require.EqualValues(t, 2, claimB.Int64())

	paid, err := engine.ClaimNative(artistA)
	require.NoError(t, err)
	require.EqualValues(t, 7, paid.Int64())
	_, err = engine.ClaimNative(artistA)
	require.ErrorIs(t, err, revenue.ErrNothingToClaim)
}

// droppingLedger loses submissions before they reach the wrapped ledger.
type droppingLedger struct {
	ledgerclient.Ledger
	drop int
}

func (d *droppingLedger) IncrementPlayCounts(ctx context.Context, increments []ledgerclient.Increment) ([]ledgerclient.Result, error) {
	if d.drop > 0 {
		d.drop--
		return nil, errors.New("connection reset by peer")
	}
	return d.Ledger.IncrementPlayCounts(ctx, increments)
}

func TestManualIncrementDoesNotSwallowInflightBatch(t *testing.T) {
	var (
		owner      = common.HexToAddress("0x00000000000000000000000000000000000000f0")
		aggregator = common.HexToAddress("0x00000000000000000000000000000000000000a9")
		artist     = common.HexToAddress("0x00000000000000000000000000000000000000a1")
	)
	db := storage.NewMemDB()
	engine := revenue.NewEngine()
	engine.SetState(staterev.NewStore(db))
	engine.SetBank(bank.NewLedger(db))
	_, err := engine.Bootstrap(revenue.Config{Owner: owner, Aggregator: aggregator})
	require.NoError(t, err)
	_, err = engine.RegisterTrack(owner, 1, artist)
	require.NoError(t, err)

	svc := newTestService(t, &droppingLedger{Ledger: ledgerclient.NewLocal(engine, aggregator, 0), drop: 1})
	recordPlays(t, svc, 1, 3)
	_, err = svc.Flush(context.Background())
	require.NoError(t, err)
	requireCounter(t, svc, 1, 0, 3)

	_, err = engine.IncrementPlayCount(owner, 1, 1)
	require.NoError(t, err)

	_, err = svc.Flush(context.Background())
	require.NoError(t, err)
	requireCounter(t, svc, 1, 3, 0)

	track, err := engine.Track(1)
	require.NoError(t, err)
	require.EqualValues(t, 4, track.ConfirmedPlays)
	total, err := engine.TotalConfirmedPlays()
	require.NoError(t, err)
	require.EqualValues(t, 4, total)
}

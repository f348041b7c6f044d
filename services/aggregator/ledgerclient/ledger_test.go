package ledgerclient

import (
	"context"
	"net/http/httptest"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"

	"blockmusic/crypto"
	"blockmusic/native/bank"
	"blockmusic/native/revenue"
	"blockmusic/rpc"
	staterev "blockmusic/state/revenue"
	"blockmusic/storage"
)

var (
	owner  = common.HexToAddress("0x00000000000000000000000000000000000000f0")
	artist = common.HexToAddress("0x00000000000000000000000000000000000000a1")
)

func newEngine(t *testing.T, aggregator common.Address) (*revenue.Engine, storage.Database) {
	t.Helper()
	db := storage.NewMemDB()
	engine := revenue.NewEngine()
	engine.SetState(staterev.NewStore(db))
	engine.SetBank(bank.NewLedger(db))
	_, err := engine.Bootstrap(revenue.Config{Owner: owner, Aggregator: aggregator})
	require.NoError(t, err)
	_, err = engine.RegisterTrack(owner, 1, artist)
	require.NoError(t, err)
	return engine, db
}

func assertBatchOutcome(t *testing.T, ledger Ledger) {
	t.Helper()
	ctx := context.Background()
	results, err := ledger.IncrementPlayCounts(ctx, []Increment{
		{TrackID: 1, Seq: 1, Delta: 3},
		{TrackID: 1, Seq: 1, Delta: 3},
		{TrackID: 2, Seq: 1, Delta: 1},
	})
	require.NoError(t, err)
	require.Len(t, results, 3)
	require.Equal(t, StatusApplied, results[0].Status)
	require.Equal(t, StatusDuplicate, results[1].Status)
	require.Equal(t, StatusRejected, results[2].Status)
	require.NotEmpty(t, results[2].Reason)

	seq, err := ledger.TrackSequence(ctx, 1)
	require.NoError(t, err)
	require.EqualValues(t, 1, seq)

	total, err := ledger.TotalConfirmedPlays(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 3, total)
}

func TestLocalLedger(t *testing.T) {
	aggregator := common.HexToAddress("0x00000000000000000000000000000000000000a0")
	engine, _ := newEngine(t, aggregator)
	local := NewLocal(engine, aggregator, 0)
	require.Equal(t, 500, local.BatchSize())
	assertBatchOutcome(t, local)
}

func TestLocalLedgerRejectsOversizedDelta(t *testing.T) {
	aggregator := common.HexToAddress("0x00000000000000000000000000000000000000a0")
	engine, _ := newEngine(t, aggregator)
	results, err := NewLocal(engine, aggregator, 10).IncrementPlayCounts(context.Background(), []Increment{
		{TrackID: 1, Seq: 1, Delta: 1 << 63},
	})
	require.NoError(t, err)
	require.Equal(t, StatusRejected, results[0].Status)
}

func TestLocalLedgerUnauthorizedCaller(t *testing.T) {
	aggregator := common.HexToAddress("0x00000000000000000000000000000000000000a0")
	engine, _ := newEngine(t, aggregator)
	_, err := NewLocal(engine, artist, 10).IncrementPlayCounts(context.Background(), []Increment{{TrackID: 1, Seq: 1, Delta: 1}})
	require.ErrorIs(t, err, revenue.ErrUnauthorized)
}

func TestRPCLedger(t *testing.T) {
	key, err := crypto.GeneratePrivateKey()
	require.NoError(t, err)
	engine, db := newEngine(t, key.Address())
	server := rpc.NewServer(engine, bank.NewLedger(db), rpc.NewNonceStore(db), rpc.ServerConfig{AuthToken: "token"})
	srv := httptest.NewServer(server)
	defer srv.Close()

	client := rpc.NewClient(srv.URL, rpc.WithSigner(key), rpc.WithAuthToken("token"))
	ledger := NewRPC(client, 0)
	require.Equal(t, 200, ledger.BatchSize())
	assertBatchOutcome(t, ledger)
}

func TestRPCLedgerSurfacesUnauthorized(t *testing.T) {
	key, err := crypto.GeneratePrivateKey()
	require.NoError(t, err)
	engine, db := newEngine(t, common.HexToAddress("0x00000000000000000000000000000000000000a0"))
	srv := httptest.NewServer(rpc.NewServer(engine, bank.NewLedger(db), rpc.NewNonceStore(db), rpc.ServerConfig{}))
	defer srv.Close()

	ledger := NewRPC(rpc.NewClient(srv.URL, rpc.WithSigner(key)), 10)
	_, err = ledger.IncrementPlayCounts(context.Background(), []Increment{{TrackID: 1, Seq: 1, Delta: 1}})
	require.ErrorIs(t, err, revenue.ErrUnauthorized)
}

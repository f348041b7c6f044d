package aggregator

import (
	"context"
	"io"
	"log/slog"
	"net/http/httptest"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"

	"blockmusic/crypto"
	"blockmusic/rpc"
	"blockmusic/storage"
)

func TestLocalLedgerServesRPC(t *testing.T) {
	signer, err := crypto.GeneratePrivateKey()
	require.NoError(t, err)
	artist := common.HexToAddress("0x00000000000000000000000000000000000000a1")
	cfg := Config{Ledger: LedgerConfig{
		Mode: LedgerModeLocal,
		Genesis: []GenesisAllocation{
			{Asset: "native", Address: signer.Address().Hex(), Amount: "1_000"},
		},
	}}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	db := storage.NewMemDB()

	local, handler, err := openLocalLedger(cfg, db, signer, logger)
	require.NoError(t, err)
	svc := newTestService(t, local)
	ts := httptest.NewServer(NewServer(svc, ServerConfig{LedgerRPC: handler}))
	defer ts.Close()

	ctx := context.Background()
	client := rpc.NewClient(ts.URL+"/ledger", rpc.WithSigner(signer))
	require.NoError(t, client.CallSigned(ctx, "revenue_registerTrack", rpc.RegisterTrackParams{TrackID: 1, Artist: artist.Hex()}, nil))
	require.NoError(t, client.CallSigned(ctx, "revenue_receiveRevenue", rpc.ReceiveRevenueParams{Native: "100"}, nil))

	recordPlays(t, svc, 1, 2)
	report, err := svc.Flush(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, report.Settled)

	var claimable rpc.AmountResult
	require.NoError(t, client.Call(ctx, "revenue_getClaimableNative", rpc.ArtistParams{Artist: artist.Hex()}, &claimable))
	require.Equal(t, "100", claimable.Amount)

	// A restart must not mint the genesis allocation again.
	_, _, err = openLocalLedger(cfg, db, signer, logger)
	require.NoError(t, err)
	var balance rpc.AmountResult
	require.NoError(t, client.Call(ctx, "revenue_getBalance", rpc.BalanceParams{Asset: "native", Address: signer.Address().Hex()}, &balance))
	require.Equal(t, "900", balance.Amount)
}

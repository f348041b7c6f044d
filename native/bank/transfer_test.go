package bank

import (
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"

	"blockmusic/storage"
)

func addr(last byte) common.Address {
	var a common.Address
	a[19] = last
	return a
}

func TestLedgerTransfer(t *testing.T) {
	ledger := NewLedger(storage.NewMemDB())
	require.NoError(t, ledger.Credit("native", addr(1), big.NewInt(10)))

	require.NoError(t, ledger.Transfer(Transfer{Asset: "native", From: addr(1), To: addr(2), Amount: big.NewInt(4)}))

	bal, err := ledger.Balance("native", addr(1))
	require.NoError(t, err)
	require.Equal(t, int64(6), bal.Int64())
	bal, err = ledger.Balance("native", addr(2))
	require.NoError(t, err)
	require.Equal(t, int64(4), bal.Int64())
}

func TestLedgerTransferIsAllOrNothing(t *testing.T) {
	ledger := NewLedger(storage.NewMemDB())
	require.NoError(t, ledger.Credit("native", addr(1), big.NewInt(5)))
	require.NoError(t, ledger.Credit("stable", addr(1), big.NewInt(1)))

	err := ledger.Transfer(
		Transfer{Asset: "native", From: addr(1), To: addr(2), Amount: big.NewInt(5)},
		Transfer{Asset: "stable", From: addr(1), To: addr(2), Amount: big.NewInt(2)},
	)
	require.ErrorIs(t, err, ErrInsufficientBalance)

	bal, err := ledger.Balance("native", addr(1))
	require.NoError(t, err)
	require.Equal(t, int64(5), bal.Int64())
	bal, err = ledger.Balance("native", addr(2))
	require.NoError(t, err)
	require.Zero(t, bal.Sign())
}

func TestLedgerRejectsNegativeAmounts(t *testing.T) {
	ledger := NewLedger(storage.NewMemDB())
	err := ledger.Transfer(Transfer{Asset: "native", From: addr(1), To: addr(2), Amount: big.NewInt(-1)})
	require.ErrorIs(t, err, ErrInvalidTransfer)
}

func TestTransferBatchCommitsQueuedWrites(t *testing.T) {
	db := storage.NewMemDB()
	ledger := NewLedger(db)
	require.NoError(t, ledger.Credit("native", addr(1), big.NewInt(3)))

	batch := storage.NewBatch()
	batch.Put([]byte("claim/1"), []byte{1})
	require.NoError(t, ledger.TransferBatch(batch, Transfer{Asset: "native", From: addr(1), To: addr(2), Amount: big.NewInt(3)}))
	has, err := db.Has([]byte("claim/1"))
	require.NoError(t, err)
	require.True(t, has)

	batch = storage.NewBatch()
	batch.Put([]byte("claim/2"), []byte{1})
	err = ledger.TransferBatch(batch, Transfer{Asset: "native", From: addr(1), To: addr(2), Amount: big.NewInt(1)})
	require.ErrorIs(t, err, ErrInsufficientBalance)
	has, err = db.Has([]byte("claim/2"))
	require.NoError(t, err)
	require.False(t, has)
}

func TestMintAccumulatesAllocations(t *testing.T) {
	db := storage.NewMemDB()
	ledger := NewLedger(db)

	batch := storage.NewBatch()
	batch.Put([]byte("genesis"), []byte{1})
	require.NoError(t, ledger.Mint(batch,
		Allocation{Asset: "native", Address: addr(1), Amount: big.NewInt(7)},
		Allocation{Asset: "native", Address: addr(1), Amount: big.NewInt(3)},
		Allocation{Asset: "stable", Address: addr(2), Amount: big.NewInt(1)},
	))
	bal, err := ledger.Balance("native", addr(1))
	require.NoError(t, err)
	require.Equal(t, int64(10), bal.Int64())
	has, err := db.Has([]byte("genesis"))
	require.NoError(t, err)
	require.True(t, has)

	err = ledger.Mint(nil,
		Allocation{Asset: "native", Address: addr(3), Amount: big.NewInt(1)},
		Allocation{Asset: "", Address: addr(3), Amount: big.NewInt(1)},
	)
	require.ErrorIs(t, err, ErrInvalidTransfer)
	bal, err = ledger.Balance("native", addr(3))
	require.NoError(t, err)
	require.Zero(t, bal.Sign())
}

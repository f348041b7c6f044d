package ledgerclient

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
)

// revenueABI covers the entrypoints of the deployed revenue contract used by
// the aggregator.
const revenueABI = `[
 {"type":"function","name":"incrementPlayCount","stateMutability":"nonpayable",
  "inputs":[{"name":"tokenId","type":"uint256"},{"name":"plays","type":"uint256"}],"outputs":[]},
 {"type":"function","name":"totalPlayCount","stateMutability":"view",
  "inputs":[],"outputs":[{"name":"","type":"uint256"}]}
]`

// ErrCursorRequired is returned when the EVM adapter has no sequence cursor.
var ErrCursorRequired = errors.New("ledgerclient: evm adapter requires a sequence cursor")

type boundContract interface {
	Transact(opts *bind.TransactOpts, method string, params ...interface{}) (*gethtypes.Transaction, error)
	Call(opts *bind.CallOpts, results *[]interface{}, method string, params ...interface{}) error
}

type receiptSource interface {
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*gethtypes.Receipt, error)
}

// EVMConfig locates the deployed contract and the submitting key.
type EVMConfig struct {
	Endpoint string
	Contract common.Address
	ChainID  *big.Int
	Key      *ecdsa.PrivateKey
	GasLimit uint64
}

// EVM submits one incrementPlayCount transaction per track and waits for the
// receipt. The contract has no sequence support, so applied sequences are
// tracked in cursor.
type EVM struct {
	contract boundContract
	receipts receiptSource
	opts     *bind.TransactOpts
	wait     func(ctx context.Context, tx *gethtypes.Transaction) (*gethtypes.Receipt, error)
	cursor   Cursor

	mu      sync.Mutex
	pending map[Increment]common.Hash
}

// DialEVM connects to an Ethereum node and binds the revenue contract.
func DialEVM(ctx context.Context, cfg EVMConfig, cursor Cursor) (*EVM, error) {
	if strings.TrimSpace(cfg.Endpoint) == "" {
		return nil, fmt.Errorf("evm endpoint required")
	}
	if cfg.Key == nil {
		return nil, fmt.Errorf("evm signer key required")
	}
	if cfg.ChainID == nil || cfg.ChainID.Sign() <= 0 {
		return nil, fmt.Errorf("evm chain id required")
	}
	if (cfg.Contract == common.Address{}) {
		return nil, fmt.Errorf("evm contract address required")
	}
	client, err := ethclient.DialContext(ctx, strings.TrimSpace(cfg.Endpoint))
	if err != nil {
		return nil, fmt.Errorf("dial evm: %w", err)
	}
	parsed, err := abi.JSON(strings.NewReader(revenueABI))
	if err != nil {
		return nil, fmt.Errorf("parse revenue abi: %w", err)
	}
	opts, err := bind.NewKeyedTransactorWithChainID(cfg.Key, cfg.ChainID)
	if err != nil {
		return nil, fmt.Errorf("evm transactor: %w", err)
	}
	opts.GasLimit = cfg.GasLimit
	contract := bind.NewBoundContract(cfg.Contract, parsed, client, client, client)
	wait := func(ctx context.Context, tx *gethtypes.Transaction) (*gethtypes.Receipt, error) {
		return bind.WaitMined(ctx, client, tx)
	}
	return newEVM(contract, client, opts, wait, cursor)
}

func newEVM(contract boundContract, receipts receiptSource, opts *bind.TransactOpts, wait func(context.Context, *gethtypes.Transaction) (*gethtypes.Receipt, error), cursor Cursor) (*EVM, error) {
	if cursor == nil {
		return nil, ErrCursorRequired
	}
	return &EVM{
		contract: contract,
		receipts: receipts,
		opts:     opts,
		wait:     wait,
		cursor:   cursor,
		pending:  make(map[Increment]common.Hash),
	}, nil
}

// BatchSize is 1: every track is its own transaction.
func (e *EVM) BatchSize() int { return 1 }

func (e *EVM) IncrementPlayCounts(ctx context.Context, increments []Increment) ([]Result, error) {
	results := make([]Result, 0, len(increments))
	for _, inc := range increments {
		results = append(results, e.submit(ctx, inc))
	}
	return results, nil
}

func (e *EVM) submit(ctx context.Context, inc Increment) Result {
	res := Result{TrackID: inc.TrackID, Seq: inc.Seq}
	fail := func(status Status, err error) Result {
		res.Status = status
		res.Reason = err.Error()
		return res
	}
	last, err := e.cursor.LastSequence(ctx, inc.TrackID)
	if err != nil {
		return fail(StatusFailed, err)
	}
	if inc.Seq <= last {
		res.Status = StatusDuplicate
		return res
	}
	if inc.Delta == 0 {
		return fail(StatusRejected, ErrDeltaTooLarge)
	}

	// A previous attempt for the same entry may have been mined after its
	// wait timed out. Reuse its receipt instead of sending again.
	if hash, ok := e.pendingTx(inc); ok {
		receipt, err := e.receipts.TransactionReceipt(ctx, hash)
		switch {
		case err == nil && receipt != nil:
			return e.finish(ctx, inc, hash, receipt)
		case errors.Is(err, ethereum.NotFound):
			// Dropped or still unmined; fall through and resend.
		case err != nil:
			return fail(StatusFailed, fmt.Errorf("lookup receipt %s: %w", hash.Hex(), err))
		}
	}

	opts := *e.opts
	opts.Context = ctx
	tx, err := e.contract.Transact(&opts, "incrementPlayCount",
		new(big.Int).SetUint64(inc.TrackID), new(big.Int).SetUint64(inc.Delta))
	if err != nil {
		return fail(StatusFailed, fmt.Errorf("send transaction: %w", err))
	}
	e.setPendingTx(inc, tx.Hash())
	receipt, err := e.wait(ctx, tx)
	if err != nil {
		return fail(StatusFailed, fmt.Errorf("await receipt %s: %w", tx.Hash().Hex(), err))
	}
	return e.finish(ctx, inc, tx.Hash(), receipt)
}

func (e *EVM) finish(ctx context.Context, inc Increment, hash common.Hash, receipt *gethtypes.Receipt) Result {
	res := Result{TrackID: inc.TrackID, Seq: inc.Seq, TxRef: hash.Hex()}
	e.clearPendingTx(inc)
	if receipt.Status != gethtypes.ReceiptStatusSuccessful {
		res.Status = StatusRejected
		res.Reason = "transaction reverted"
		return res
	}
	if err := e.cursor.RecordSequence(ctx, inc.TrackID, inc.Seq, hash.Hex()); err != nil {
		// Keep the hash so the retry records from the receipt instead of
		// sending a second transaction.
		e.setPendingTx(inc, hash)
		res.Status = StatusFailed
		res.Reason = fmt.Sprintf("record sequence: %v", err)
		return res
	}
	res.Status = StatusApplied
	return res
}

func (e *EVM) pendingTx(inc Increment) (common.Hash, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	hash, ok := e.pending[inc]
	return hash, ok
}

func (e *EVM) setPendingTx(inc Increment, hash common.Hash) {
	e.mu.Lock()
	e.pending[inc] = hash
	e.mu.Unlock()
}

func (e *EVM) clearPendingTx(inc Increment) {
	e.mu.Lock()
	delete(e.pending, inc)
	e.mu.Unlock()
}

func (e *EVM) TrackSequence(ctx context.Context, trackID uint64) (uint64, error) {
	return e.cursor.LastSequence(ctx, trackID)
}

func (e *EVM) TotalConfirmedPlays(ctx context.Context) (uint64, error) {
	var out []interface{}
	if err := e.contract.Call(&bind.CallOpts{Context: ctx}, &out, "totalPlayCount"); err != nil {
		return 0, fmt.Errorf("call totalPlayCount: %w", err)
	}
	if len(out) != 1 {
		return 0, fmt.Errorf("totalPlayCount returned %d values", len(out))
	}
	total, ok := out[0].(*big.Int)
	if !ok || total == nil || !total.IsUint64() {
		return 0, fmt.Errorf("totalPlayCount returned unexpected value %v", out[0])
	}
	return total.Uint64(), nil
}

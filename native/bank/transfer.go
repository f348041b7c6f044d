package bank

import (
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"blockmusic/storage"
)

var (
	// ErrInsufficientBalance is returned when a transfer exceeds the sender's balance.
	ErrInsufficientBalance = errors.New("bank: insufficient balance")
	// ErrInvalidTransfer is returned for malformed transfer requests.
	ErrInvalidTransfer = errors.New("bank: invalid transfer")
)

const balancePrefix = "bank/balance/"

// Transfer moves Amount of Asset from From to To.
type Transfer struct {
	Asset  string
	From   common.Address
	To     common.Address
	Amount *big.Int
}

// Transferer moves assets between accounts. A call either applies every
// transfer or none of them.
type Transferer interface {
	Transfer(transfers ...Transfer) error
}

// Ledger keeps per-asset account balances in a key-value store.
type Ledger struct {
	mu sync.Mutex
	db storage.Database
}

// NewLedger returns a balance ledger persisted in db.
func NewLedger(db storage.Database) *Ledger {
	return &Ledger{db: db}
}

func balanceKey(asset string, addr common.Address) []byte {
	return []byte(fmt.Sprintf("%s%s/%s", balancePrefix, strings.ToLower(asset), strings.ToLower(addr.Hex())))
}

func (l *Ledger) balance(asset string, addr common.Address) (*big.Int, error) {
	raw, err := l.db.Get(balanceKey(asset, addr))
	if errors.Is(err, storage.ErrNotFound) {
		return big.NewInt(0), nil
	}
	if err != nil {
		return nil, err
	}
	return new(big.Int).SetBytes(raw), nil
}

// Balance returns the balance of addr for asset.
func (l *Ledger) Balance(asset string, addr common.Address) (*big.Int, error) {
	if l == nil || l.db == nil {
		return nil, fmt.Errorf("bank: ledger not configured")
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.balance(asset, addr)
}

// Allocation mints Amount of Asset into Address.
type Allocation struct {
	Asset   string
	Address common.Address
	Amount  *big.Int
}

// workingSet accumulates balance changes against the stored values until they
// are staged into a batch.
type workingSet struct {
	l        *Ledger
	balances map[string]*big.Int
}

func (l *Ledger) working() *workingSet {
	return &workingSet{l: l, balances: make(map[string]*big.Int)}
}

func (w *workingSet) load(asset string, addr common.Address) (*big.Int, error) {
	key := string(balanceKey(asset, addr))
	if bal, ok := w.balances[key]; ok {
		return bal, nil
	}
	bal, err := w.l.balance(asset, addr)
	if err != nil {
		return nil, err
	}
	w.balances[key] = bal
	return bal, nil
}

func (w *workingSet) write(batch *storage.Batch) error {
	if batch == nil {
		batch = storage.NewBatch()
	}
	for key, bal := range w.balances {
		batch.Put([]byte(key), bal.Bytes())
	}
	return w.l.db.Write(batch)
}

// Credit mints amount of asset into addr.
func (l *Ledger) Credit(asset string, addr common.Address, amount *big.Int) error {
	return l.Mint(nil, Allocation{Asset: asset, Address: addr, Amount: amount})
}

// Mint credits every allocation and writes the new balances together with the
// operations already queued in batch. Genesis uses it so its marker lands in
// the same write as the balances.
func (l *Ledger) Mint(batch *storage.Batch, allocations ...Allocation) error {
	if l == nil || l.db == nil {
		return fmt.Errorf("bank: ledger not configured")
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	ws := l.working()
	for _, alloc := range allocations {
		if alloc.Amount == nil || alloc.Amount.Sign() < 0 || strings.TrimSpace(alloc.Asset) == "" {
			return ErrInvalidTransfer
		}
		bal, err := ws.load(alloc.Asset, alloc.Address)
		if err != nil {
			return err
		}
		bal.Add(bal, alloc.Amount)
	}
	return ws.write(batch)
}

// Transfer implements Transferer.
func (l *Ledger) Transfer(transfers ...Transfer) error {
	return l.TransferBatch(nil, transfers...)
}

// TransferBatch validates transfers against the running totals of the whole
// set and writes the resulting balances together with the operations already
// queued in batch. Nothing is written when a transfer is rejected.
func (l *Ledger) TransferBatch(batch *storage.Batch, transfers ...Transfer) error {
	if l == nil || l.db == nil {
		return fmt.Errorf("bank: ledger not configured")
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	ws := l.working()
	for _, tr := range transfers {
		if tr.Amount == nil || tr.Amount.Sign() < 0 || strings.TrimSpace(tr.Asset) == "" {
			return ErrInvalidTransfer
		}
		if tr.Amount.Sign() == 0 {
			continue
		}
		from, err := ws.load(tr.Asset, tr.From)
		if err != nil {
			return err
		}
		if from.Cmp(tr.Amount) < 0 {
			return fmt.Errorf("%w: %s has %s %s, needs %s", ErrInsufficientBalance, tr.From.Hex(), from, tr.Asset, tr.Amount)
		}
		from.Sub(from, tr.Amount)
		to, err := ws.load(tr.Asset, tr.To)
		if err != nil {
			return err
		}
		to.Add(to, tr.Amount)
	}
	return ws.write(batch)
}

// ApplyGenesis mints allocations once per database. The marker is written in
// the same batch as the balances. It reports whether anything was minted.
func (l *Ledger) ApplyGenesis(marker []byte, allocations ...Allocation) (bool, error) {
	if l == nil || l.db == nil {
		return false, fmt.Errorf("bank: ledger not configured")
	}
	applied, err := l.db.Has(marker)
	if err != nil {
		return false, err
	}
	if applied {
		return false, nil
	}
	batch := storage.NewBatch()
	batch.Put(marker, []byte{1})
	if err := l.Mint(batch, allocations...); err != nil {
		return false, err
	}
	return true, nil
}

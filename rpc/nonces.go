package rpc

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"blockmusic/storage"
)

const nonceKeyPrefix = "rpc/nonce/"

// NonceStore records the highest accepted nonce per caller so signed calls
// cannot be replayed, including across restarts.
type NonceStore struct {
	mu sync.Mutex
	db storage.Database
}

// NewNonceStore returns a nonce tracker persisted in db.
func NewNonceStore(db storage.Database) *NonceStore {
	return &NonceStore{db: db}
}

func nonceKey(caller common.Address) []byte {
	return []byte(nonceKeyPrefix + strings.ToLower(caller.Hex()))
}

// Last returns the highest nonce accepted for caller.
func (n *NonceStore) Last(caller common.Address) (uint64, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.last(caller)
}

func (n *NonceStore) last(caller common.Address) (uint64, error) {
	raw, err := n.db.Get(nonceKey(caller))
	if errors.Is(err, storage.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	value, err := strconv.ParseUint(string(raw), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("rpc: corrupt nonce for %s: %w", caller.Hex(), err)
	}
	return value, nil
}

// Consume accepts nonce for caller if it is strictly greater than the last one.
func (n *NonceStore) Consume(caller common.Address, nonce uint64) error {
	if n == nil || n.db == nil {
		return errors.New("rpc: nonce store not configured")
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	last, err := n.last(caller)
	if err != nil {
		return err
	}
	if nonce <= last {
		return fmt.Errorf("%w: got %d, last accepted %d", ErrNonceReplay, nonce, last)
	}
	return n.db.Put(nonceKey(caller), []byte(strconv.FormatUint(nonce, 10)))
}

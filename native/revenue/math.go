package revenue

import (
	"math/big"

	"github.com/holiman/uint256"
)

func newBigInt(v *big.Int) *big.Int {
	if v == nil {
		return big.NewInt(0)
	}
	return new(big.Int).Set(v)
}

// validAmount reports whether v is a non-negative value that fits in 256 bits.
func validAmount(v *big.Int) bool {
	if v == nil || v.Sign() < 0 {
		return false
	}
	_, overflow := uint256.FromBig(v)
	return !overflow
}

// entitlement returns floor(plays * poolBalance / totalPlays).
func entitlement(plays, totalPlays uint64, poolBalance *big.Int) (*big.Int, error) {
	if plays == 0 || totalPlays == 0 || poolBalance == nil || poolBalance.Sign() <= 0 {
		return big.NewInt(0), nil
	}
	balance, overflow := uint256.FromBig(poolBalance)
	if overflow {
		return nil, ErrInvalidAmount
	}
	share, overflow := new(uint256.Int).MulDivOverflow(uint256.NewInt(plays), balance, uint256.NewInt(totalPlays))
	if overflow {
		return nil, ErrInvalidAmount
	}
	return share.ToBig(), nil
}

// claimableAmount returns the entitlement minus what was already claimed,
// clamped at zero and capped at the pool's held balance.
func claimableAmount(plays, totalPlays uint64, pool *Pool, claimed *big.Int) (*big.Int, error) {
	if pool == nil {
		return big.NewInt(0), nil
	}
	share, err := entitlement(plays, totalPlays, pool.TotalPoolBalance)
	if err != nil {
		return nil, err
	}
	owed := share.Sub(share, newBigInt(claimed))
	if owed.Sign() <= 0 {
		return big.NewInt(0), nil
	}
	if held := pool.Held(); owed.Cmp(held) > 0 {
		return held, nil
	}
	return owed, nil
}

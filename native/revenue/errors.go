package revenue

import "errors"

var (
	// ErrNothingToClaim is returned when the caller's claimable balance is zero.
	ErrNothingToClaim = errors.New("revenue: nothing to claim")
	// ErrTransferFailed is returned when the asset transfer of a claim fails.
	// The claimed-amount bookkeeping is rolled back before it is returned.
	ErrTransferFailed = errors.New("revenue: transfer failed")
	// ErrUnauthorized is returned when the caller lacks the role required by the operation.
	ErrUnauthorized = errors.New("revenue: unauthorized caller")
	// ErrInvalidDelta is returned for play increments that are not strictly positive.
	ErrInvalidDelta = errors.New("revenue: play delta must be positive")
	// ErrInvalidAmount is returned for revenue deposits that are negative, empty or overflow 256 bits.
	ErrInvalidAmount = errors.New("revenue: invalid amount")
	// ErrTrackNotFound is returned when a play increment targets an unregistered track.
	ErrTrackNotFound = errors.New("revenue: track not registered")
	// ErrTrackExists is returned when a track is re-registered to a different artist.
	ErrTrackExists = errors.New("revenue: track already registered")
	// ErrZeroAddress is returned when an administrative setter receives the zero address.
	ErrZeroAddress = errors.New("revenue: zero address")
	// ErrStableTokenNotSet is returned by stable pool operations before the token is configured.
	ErrStableTokenNotSet = errors.New("revenue: stable token not configured")
	// ErrPlayCountOverflow is returned when a delta would overflow the 64-bit play counters.
	ErrPlayCountOverflow = errors.New("revenue: play count overflow")

	errNilState     = errors.New("revenue engine: state not configured")
	errNilBank      = errors.New("revenue engine: bank not configured")
	errNotBootstrap = errors.New("revenue engine: ledger not bootstrapped")
	errUnknownAsset = errors.New("revenue: unknown asset")
)

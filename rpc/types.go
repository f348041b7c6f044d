package rpc

import (
	"encoding/json"
	"errors"
	"fmt"
	"math/big"

	"blockmusic/crypto"
	"blockmusic/native/bank"
	"blockmusic/native/revenue"
)

const jsonRPCVersion = "2.0"

const (
	codeParseError     = -32700
	codeInvalidRequest = -32600
	codeMethodNotFound = -32601
	codeInvalidParams  = -32602
	codeServerError    = -32000
	codeUnauthorized   = -32001
	codeBadSignature   = -32002
	codeNonceReplay    = -32010

	codeNothingToClaim    = -32030
	codeTransferFailed    = -32031
	codeTrackNotFound     = -32032
	codeTrackExists       = -32033
	codeInvalidDelta      = -32034
	codeInvalidAmount     = -32035
	codeZeroAddress       = -32036
	codeStableTokenNotSet = -32037
	codeForbidden         = -32038
)

// ErrNonceReplay is returned when a caller reuses a nonce or sends one lower
// than a previously accepted nonce.
var ErrNonceReplay = errors.New("rpc: nonce already used")

// RPCRequest is a JSON-RPC 2.0 request.
type RPCRequest struct {
	JSONRPC string            `json:"jsonrpc"`
	Method  string            `json:"method"`
	Params  []json.RawMessage `json:"params"`
	ID      interface{}       `json:"id"`
}

// RPCResponse is a JSON-RPC 2.0 response.
type RPCResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      interface{}     `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

// RPCError is a JSON-RPC error object. It also implements error so clients can
// match ledger failures with errors.Is.
type RPCError struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

func (e *RPCError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// Unwrap maps well known codes back onto their sentinel errors.
func (e *RPCError) Unwrap() error {
	if e == nil {
		return nil
	}
	switch e.Code {
	case codeNothingToClaim:
		return revenue.ErrNothingToClaim
	case codeTransferFailed:
		return revenue.ErrTransferFailed
	case codeTrackNotFound:
		return revenue.ErrTrackNotFound
	case codeTrackExists:
		return revenue.ErrTrackExists
	case codeInvalidDelta:
		return revenue.ErrInvalidDelta
	case codeInvalidAmount:
		return revenue.ErrInvalidAmount
	case codeZeroAddress:
		return revenue.ErrZeroAddress
	case codeStableTokenNotSet:
		return revenue.ErrStableTokenNotSet
	case codeForbidden:
		return revenue.ErrUnauthorized
	case codeBadSignature:
		return crypto.ErrBadSignature
	case codeNonceReplay:
		return ErrNonceReplay
	default:
		return nil
	}
}

// errorCode maps ledger errors onto JSON-RPC codes.
func errorCode(err error) int {
	switch {
	case errors.Is(err, revenue.ErrNothingToClaim):
		return codeNothingToClaim
	case errors.Is(err, revenue.ErrTransferFailed), errors.Is(err, bank.ErrInsufficientBalance):
		return codeTransferFailed
	case errors.Is(err, revenue.ErrTrackNotFound):
		return codeTrackNotFound
	case errors.Is(err, revenue.ErrTrackExists):
		return codeTrackExists
	case errors.Is(err, revenue.ErrInvalidDelta), errors.Is(err, revenue.ErrInvalidSequence):
		return codeInvalidDelta
	case errors.Is(err, revenue.ErrInvalidAmount), errors.Is(err, revenue.ErrPlayCountOverflow):
		return codeInvalidAmount
	case errors.Is(err, revenue.ErrZeroAddress):
		return codeZeroAddress
	case errors.Is(err, revenue.ErrStableTokenNotSet):
		return codeStableTokenNotSet
	case errors.Is(err, revenue.ErrUnauthorized):
		return codeForbidden
	default:
		return codeServerError
	}
}

// Envelope authenticates a mutating call. Signature is a 65 byte secp256k1
// signature over crypto.CallDigest(method, caller, nonce, payload).
type Envelope struct {
	Caller    string          `json:"caller"`
	Nonce     uint64          `json:"nonce"`
	Signature string          `json:"signature"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// ArtistParams selects an artist for read calls.
type ArtistParams struct {
	Artist string `json:"artist"`
}

// TrackParams selects a track for read calls.
type TrackParams struct {
	TrackID uint64 `json:"trackId"`
}

// PoolParams selects a revenue pool.
type PoolParams struct {
	Asset string `json:"asset"`
}

// BalanceParams selects a bank balance.
type BalanceParams struct {
	Asset   string `json:"asset"`
	Address string `json:"address"`
}

// AddressParams carries the address argument of administrative setters.
type AddressParams struct {
	Address string `json:"address"`
}

// ReceiveRevenueParams carries decimal revenue amounts.
type ReceiveRevenueParams struct {
	Native string `json:"native,omitempty"`
	Stable string `json:"stable,omitempty"`
}

// RegisterTrackParams binds a track to an artist.
type RegisterTrackParams struct {
	TrackID uint64 `json:"trackId"`
	Artist  string `json:"artist"`
}

// IncrementPlayCountParams adds plays with the next track sequence.
type IncrementPlayCountParams struct {
	TrackID uint64 `json:"trackId"`
	Delta   int64  `json:"delta"`
}

// IncrementPlayCountsParams carries a sequenced flush batch.
type IncrementPlayCountsParams struct {
	Increments []revenue.PlayIncrement `json:"increments"`
}

// IncrementPlayCountsResult reports the per-entry outcome of a batch.
type IncrementPlayCountsResult struct {
	Results []revenue.IncrementResult `json:"results"`
	TxRef   string                    `json:"txRef"`
}

// ClaimResult reports claimed amounts as decimal strings.
type ClaimResult struct {
	Artist string `json:"artist"`
	Native string `json:"native,omitempty"`
	Stable string `json:"stable,omitempty"`
}

// AmountResult is a single decimal amount.
type AmountResult struct {
	Amount string `json:"amount"`
}

// SequenceResult carries a track sequence number.
type SequenceResult struct {
	TrackID uint64 `json:"trackId"`
	LastSeq uint64 `json:"lastSeq"`
}

// TotalPlaysResult carries the ledger's global confirmed play count.
type TotalPlaysResult struct {
	TotalConfirmedPlays uint64 `json:"totalConfirmedPlays"`
}

// PoolResult describes a revenue pool.
type PoolResult struct {
	Asset            string `json:"asset"`
	TotalPoolBalance string `json:"totalPoolBalance"`
	TotalClaimed     string `json:"totalClaimed"`
	Held             string `json:"held"`
	LastFundedAt     int64  `json:"lastFundedAt"`
}

// SummaryResult is the JSON rendering of revenue.Summary.
type SummaryResult struct {
	Artist             string `json:"artist"`
	ClaimableNative    string `json:"claimableNative"`
	ClaimableStable    string `json:"claimableStable"`
	TotalClaimedNative string `json:"totalClaimedNative"`
	TotalClaimedStable string `json:"totalClaimedStable"`
	ArtistPlays        uint64 `json:"artistPlays"`
	TotalPlays         uint64 `json:"totalPlays"`
}

func bigString(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}

func parseAmount(raw string) (*big.Int, error) {
	if raw == "" {
		return big.NewInt(0), nil
	}
	value, ok := new(big.Int).SetString(raw, 10)
	if !ok {
		return nil, fmt.Errorf("invalid amount %q", raw)
	}
	return value, nil
}

func formatPool(pool *revenue.Pool) PoolResult {
	return PoolResult{
		Asset:            string(pool.Asset),
		TotalPoolBalance: bigString(pool.TotalPoolBalance),
		TotalClaimed:     bigString(pool.TotalClaimed),
		Held:             bigString(pool.Held()),
		LastFundedAt:     pool.LastFundedAt,
	}
}

func formatSummary(summary *revenue.Summary) SummaryResult {
	return SummaryResult{
		Artist:             summary.Artist.Hex(),
		ClaimableNative:    bigString(summary.ClaimableNative),
		ClaimableStable:    bigString(summary.ClaimableStable),
		TotalClaimedNative: bigString(summary.TotalClaimedNative),
		TotalClaimedStable: bigString(summary.TotalClaimedStable),
		ArtistPlays:        summary.ArtistPlays,
		TotalPlays:         summary.TotalPlays,
	}
}

package ledgerclient

import (
	"context"
	"fmt"

	"blockmusic/native/revenue"
	"blockmusic/rpc"
)

// RPC submits increments to ledgerd over signed JSON-RPC calls.
type RPC struct {
	client *rpc.Client
	batch  int
}

// NewRPC wraps client. The client must carry the aggregator signer.
func NewRPC(client *rpc.Client, batchSize int) *RPC {
	return &RPC{client: client, batch: normaliseBatch(batchSize, 200)}
}

func (r *RPC) BatchSize() int { return r.batch }

func (r *RPC) IncrementPlayCounts(ctx context.Context, increments []Increment) ([]Result, error) {
	results := make([]Result, len(increments))
	params := rpc.IncrementPlayCountsParams{Increments: make([]revenue.PlayIncrement, 0, len(increments))}
	index := make([]int, 0, len(increments))
	for i, inc := range increments {
		results[i] = Result{TrackID: inc.TrackID, Seq: inc.Seq}
		delta, err := signedDelta(inc.Delta)
		if err != nil {
			results[i].Status = StatusRejected
			results[i].Reason = err.Error()
			continue
		}
		params.Increments = append(params.Increments, revenue.PlayIncrement{TrackID: inc.TrackID, Seq: inc.Seq, Delta: delta})
		index = append(index, i)
	}
	if len(index) == 0 {
		return results, nil
	}
	var out rpc.IncrementPlayCountsResult
	if err := r.client.CallSigned(ctx, "revenue_incrementPlayCounts", params, &out); err != nil {
		return nil, err
	}
	if len(out.Results) != len(index) {
		return nil, fmt.Errorf("ledgerclient: ledger returned %d results for %d increments", len(out.Results), len(index))
	}
	for j, res := range out.Results {
		target := &results[index[j]]
		if res.TrackID != target.TrackID || res.Seq != target.Seq {
			return nil, fmt.Errorf("ledgerclient: result %d does not match track %d seq %d", j, target.TrackID, target.Seq)
		}
		target.Status = fromEngineStatus(res.Status)
		target.Reason = res.Reason
		target.TxRef = out.TxRef
	}
	return results, nil
}

func (r *RPC) TrackSequence(ctx context.Context, trackID uint64) (uint64, error) {
	var out rpc.SequenceResult
	if err := r.client.Call(ctx, "revenue_getTrackSequence", rpc.TrackParams{TrackID: trackID}, &out); err != nil {
		return 0, err
	}
	return out.LastSeq, nil
}

func (r *RPC) TotalConfirmedPlays(ctx context.Context) (uint64, error) {
	var out rpc.TotalPlaysResult
	if err := r.client.Call(ctx, "revenue_getTotalConfirmedPlays", nil, &out); err != nil {
		return 0, err
	}
	return out.TotalConfirmedPlays, nil
}

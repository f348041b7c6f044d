package ledgerclient

import (
	"context"

	"github.com/ethereum/go-ethereum/common"

	"blockmusic/native/revenue"
)

// Local drives an in-process revenue engine. It backs the single binary dev
// mode and tests.
type Local struct {
	engine *revenue.Engine
	caller common.Address
	batch  int
}

// NewLocal submits increments to engine as caller, which must be the
// engine's configured aggregator.
func NewLocal(engine *revenue.Engine, caller common.Address, batchSize int) *Local {
	return &Local{engine: engine, caller: caller, batch: normaliseBatch(batchSize, 500)}
}

func (l *Local) BatchSize() int { return l.batch }

func (l *Local) IncrementPlayCounts(ctx context.Context, increments []Increment) ([]Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	results := make([]Result, len(increments))
	entries := make([]revenue.PlayIncrement, 0, len(increments))
	index := make([]int, 0, len(increments))
	for i, inc := range increments {
		results[i] = Result{TrackID: inc.TrackID, Seq: inc.Seq}
		delta, err := signedDelta(inc.Delta)
		if err != nil {
			results[i].Status = StatusRejected
			results[i].Reason = err.Error()
			continue
		}
		entries = append(entries, revenue.PlayIncrement{TrackID: inc.TrackID, Seq: inc.Seq, Delta: delta})
		index = append(index, i)
	}
	if len(entries) == 0 {
		return results, nil
	}
	applied, err := l.engine.IncrementPlayCounts(l.caller, entries)
	if err != nil {
		return nil, err
	}
	for j, res := range applied {
		results[index[j]].Status = fromEngineStatus(res.Status)
		results[index[j]].Reason = res.Reason
	}
	return results, nil
}

func (l *Local) TrackSequence(ctx context.Context, trackID uint64) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	return l.engine.TrackSequence(trackID)
}

func (l *Local) TotalConfirmedPlays(ctx context.Context) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	return l.engine.TotalConfirmedPlays()
}

func fromEngineStatus(status revenue.IncrementStatus) Status {
	switch status {
	case revenue.IncrementApplied:
		return StatusApplied
	case revenue.IncrementDuplicate:
		return StatusDuplicate
	default:
		return StatusRejected
	}
}

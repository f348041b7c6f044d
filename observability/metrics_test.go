package observability

import (
	"math/big"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"blockmusic/core/events"
	"blockmusic/core/types"
)

func TestAggregatorMetricsRecord(t *testing.T) {
	m := Aggregator()
	before := testutil.ToFloat64(m.plays.WithLabelValues("accepted"))
	m.RecordPlay("accepted")
	m.RecordPlay("accepted")
	require.Equal(t, before+2, testutil.ToFloat64(m.plays.WithLabelValues("accepted")))

	settledBefore := testutil.ToFloat64(m.settledPlays)
	m.RecordSubmission("applied", 5)
	m.RecordSubmission("rejected", 0)
	require.Equal(t, settledBefore+5, testutil.ToFloat64(m.settledPlays))

	m.SetPending(12)
	require.Equal(t, float64(12), testutil.ToFloat64(m.pending))

	m.SetFlushInFlight(true)
	require.Equal(t, float64(1), testutil.ToFloat64(m.flushInFlight))
	m.SetFlushInFlight(false)
	require.Equal(t, float64(0), testutil.ToFloat64(m.flushInFlight))

	m.ObserveFlush("", time.Second)
	require.GreaterOrEqual(t, testutil.ToFloat64(m.flushes.WithLabelValues("unknown")), float64(1))
}

func TestLedgerMetricsPoolGauges(t *testing.T) {
	m := Ledger()
	m.SetPool("native", big.NewInt(1000), big.NewInt(250))
	require.Equal(t, float64(1000), testutil.ToFloat64(m.poolTotal.WithLabelValues("NATIVE")))
	require.Equal(t, float64(250), testutil.ToFloat64(m.poolHeld.WithLabelValues("NATIVE")))

	before := testutil.ToFloat64(m.plays)
	m.RecordIncrement("applied", 3)
	m.RecordIncrement("duplicate", 0)
	require.Equal(t, before+3, testutil.ToFloat64(m.plays))
}

type typedEvent struct{ evt *types.Event }

func (e typedEvent) EventType() string { return e.evt.Type }

func TestEventCounterCountsByType(t *testing.T) {
	var emitter events.Emitter = NewEventCounter()
	counter := Ledger().events.WithLabelValues("revenue.claimed")
	before := testutil.ToFloat64(counter)
	emitter.Emit(typedEvent{evt: &types.Event{Type: "revenue.claimed"}})
	emitter.Emit(nil)
	require.Equal(t, before+1, testutil.ToFloat64(counter))
}

package events

import (
	"testing"

	"github.com/stretchr/testify/require"

	"blockmusic/core/types"
)

type testEvent struct{ evt *types.Event }

func (t testEvent) EventType() string    { return t.evt.Type }
func (t testEvent) Event() *types.Event { return t.evt }

func TestRecorderDrain(t *testing.T) {
	rec := &Recorder{}
	Multi{NoopEmitter{}, rec, nil}.Emit(testEvent{evt: &types.Event{Type: "revenue.claimed", Attributes: map[string]string{"amount": "4"}}})

	drained := rec.Drain()
	require.Len(t, drained, 1)
	require.Equal(t, "revenue.claimed", drained[0].Type)
	require.Equal(t, "4", drained[0].Attr("amount"))
	require.Empty(t, rec.Drain())
}

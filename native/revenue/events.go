package revenue

import (
	"math/big"
	"strconv"

	"github.com/ethereum/go-ethereum/common"

	"blockmusic/core/events"
	"blockmusic/core/types"
)

const (
	// EventTypeRevenueReceived is emitted when revenue is credited to the pools.
	EventTypeRevenueReceived = "revenue.pool.funded"
	// EventTypeTrackRegistered is emitted when a track is bound to an artist.
	EventTypeTrackRegistered = "revenue.track.registered"
	// EventTypePlaysConfirmed is emitted for each applied play increment.
	EventTypePlaysConfirmed = "revenue.plays.confirmed"
	// EventTypePlaysDuplicate is emitted when a replayed increment is skipped.
	EventTypePlaysDuplicate = "revenue.plays.duplicate"
	// EventTypeRevenueClaimed is emitted when an artist withdraws from a pool.
	EventTypeRevenueClaimed = "revenue.claimed"
	// EventTypeConfigUpdated is emitted when a privileged identity changes.
	EventTypeConfigUpdated = "revenue.config.updated"
)

type eventEnvelope struct {
	evt *types.Event
}

func (e eventEnvelope) EventType() string {
	if e.evt == nil {
		return ""
	}
	return e.evt.Type
}

func (e eventEnvelope) Event() *types.Event { return e.evt }

// WrapEvent converts a raw event payload into the emitter-friendly envelope.
func WrapEvent(evt *types.Event) events.Event { return eventEnvelope{evt: evt} }

// RevenueReceivedEvent captures a deposit into both pools.
func RevenueReceivedEvent(source common.Address, native, stable *big.Int) *types.Event {
	return &types.Event{
		Type: EventTypeRevenueReceived,
		Attributes: map[string]string{
			"source": source.Hex(),
			"native": newBigInt(native).String(),
			"stable": newBigInt(stable).String(),
		},
	}
}

// TrackRegisteredEvent captures a new track to artist binding.
func TrackRegisteredEvent(trackID uint64, artist common.Address) *types.Event {
	return &types.Event{
		Type: EventTypeTrackRegistered,
		Attributes: map[string]string{
			"trackId": strconv.FormatUint(trackID, 10),
			"artist":  artist.Hex(),
		},
	}
}

// PlaysConfirmedEvent captures an applied play increment.
func PlaysConfirmedEvent(track *Track, seq uint64, delta int64) *types.Event {
	return &types.Event{
		Type: EventTypePlaysConfirmed,
		Attributes: map[string]string{
			"trackId": strconv.FormatUint(track.TrackID, 10),
			"artist":  track.Artist.Hex(),
			"seq":     strconv.FormatUint(seq, 10),
			"delta":   strconv.FormatInt(delta, 10),
			"total":   strconv.FormatUint(track.ConfirmedPlays, 10),
		},
	}
}

// PlaysDuplicateEvent captures an increment skipped because its sequence was already applied.
func PlaysDuplicateEvent(trackID, seq, lastSeq uint64) *types.Event {
	return &types.Event{
		Type: EventTypePlaysDuplicate,
		Attributes: map[string]string{
			"trackId": strconv.FormatUint(trackID, 10),
			"seq":     strconv.FormatUint(seq, 10),
			"lastSeq": strconv.FormatUint(lastSeq, 10),
		},
	}
}

// RevenueClaimedEvent captures a successful withdrawal.
func RevenueClaimedEvent(artist common.Address, asset Asset, amount *big.Int) *types.Event {
	return &types.Event{
		Type: EventTypeRevenueClaimed,
		Attributes: map[string]string{
			"artist": artist.Hex(),
			"asset":  string(asset),
			"amount": newBigInt(amount).String(),
		},
	}
}

// ConfigUpdatedEvent captures a change of privileged identity.
func ConfigUpdatedEvent(field string, value common.Address) *types.Event {
	return &types.Event{
		Type: EventTypeConfigUpdated,
		Attributes: map[string]string{
			"field": field,
			"value": value.Hex(),
		},
	}
}

package events

import (
	"encoding/json"
	"fmt"

	"github.com/example/ride-share/internal/models"
)

const DefaultTopic = "ride-events"

func Encode(ev models.Event) ([]byte, error) {
	return json.Marshal(ev)
}

// Decode parses a published event and rejects payloads that are not
// lifecycle events.
func Decode(b []byte) (models.Event, error) {
	var ev models.Event
	if err := json.Unmarshal(b, &ev); err != nil {
		return models.Event{}, fmt.Errorf("decode event: %w", err)
	}
	switch ev.Type {
	case models.EventRideCreated, models.EventBookingCreated, models.EventBookingCancelled, models.EventRideStatusChanged:
	default:
		return models.Event{}, fmt.Errorf("decode event: unknown type %q", ev.Type)
	}
	if ev.RideID == "" {
		return models.Event{}, fmt.Errorf("decode event: missing ride_id")
	}
	return ev, nil
}

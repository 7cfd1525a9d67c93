package geo

import (
	"context"

	"github.com/example/ride-share/internal/models"
)

// IndexSink keeps an Index in step with ride lifecycle events: a ride is
// added when created with pickup coordinates and dropped once it can no
// longer take bookings.
type IndexSink struct {
	Index Index
}

func (s *IndexSink) Name() string { return "geo" }

func (s *IndexSink) Deliver(ctx context.Context, ev models.Event) error {
	switch ev.Type {
	case models.EventRideCreated:
		if ev.Ride == nil || ev.Ride.Origin.Lat == nil || ev.Ride.Origin.Lng == nil {
			return nil
		}
		return s.Index.Add(ctx, ev.RideID, *ev.Ride.Origin.Lat, *ev.Ride.Origin.Lng)
	case models.EventRideStatusChanged:
		if !ev.Status.Open() {
			return s.Index.Remove(ctx, ev.RideID)
		}
	}
	return nil
}

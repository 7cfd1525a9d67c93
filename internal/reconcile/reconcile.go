package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-co-op/gocron/v2"

	"github.com/example/ride-share/internal/models"
	"github.com/example/ride-share/internal/observability"
)

// Reconciler is implemented by booking.Service.
type Reconciler interface {
	ListRides(ctx context.Context, f models.RideFilter) ([]models.Ride, error)
	Reconcile(ctx context.Context, rideID string) (bool, error)
}

// Sweeper re-derives the seat state of every ride still taking bookings.
type Sweeper struct {
	Service Reconciler
	Logger  *slog.Logger
	Timeout time.Duration
}

func (s *Sweeper) Sweep(ctx context.Context) (int, error) {
	rides, err := s.Service.ListRides(ctx, models.RideFilter{Statuses: []models.RideStatus{models.RideScheduled, models.RideBooked}})
	if err != nil {
		observability.ReconcileRunsTotal.WithLabelValues("error").Inc()
		return 0, fmt.Errorf("list open rides: %w", err)
	}
	repaired := 0
	var errs []error
	for _, r := range rides {
		if ctx.Err() != nil {
			errs = append(errs, ctx.Err())
			break
		}
		fixed, err := s.Service.Reconcile(ctx, r.ID)
		if err != nil {
			errs = append(errs, fmt.Errorf("ride %s: %w", r.ID, err))
			continue
		}
		if fixed {
			repaired++
		}
	}
	result := "ok"
	if len(errs) > 0 {
		result = "error"
	}
	observability.ReconcileRunsTotal.WithLabelValues(result).Inc()
	s.Logger.Info("reconcile sweep finished", "rides", len(rides), "repaired", repaired, "errors", len(errs))
	return repaired, errors.Join(errs...)
}

// Start schedules Sweep every interval. The caller shuts the scheduler down.
func Start(s *Sweeper, interval time.Duration) (gocron.Scheduler, error) {
	sched, err := gocron.NewScheduler()
	if err != nil {
		return nil, err
	}
	timeout := s.Timeout
	if timeout <= 0 {
		timeout = interval
	}
	_, err = sched.NewJob(
		gocron.DurationJob(interval),
		gocron.NewTask(func() {
			ctx, cancel := context.WithTimeout(context.Background(), timeout)
			defer cancel()
			if _, err := s.Sweep(ctx); err != nil {
				s.Logger.Error("reconcile sweep failed", "error", err)
			}
		}),
		gocron.WithName("reconcile-rides"),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		_ = sched.Shutdown()
		return nil, err
	}
	sched.Start()
	return sched, nil
}

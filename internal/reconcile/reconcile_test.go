package reconcile

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/ride-share/internal/logging"
	"github.com/example/ride-share/internal/models"
)

type fakeService struct {
	mu         sync.Mutex
	rides      []models.Ride
	drifted    map[string]bool
	failing    map[string]bool
	filters    []models.RideFilter
	reconciled []string
}

func (f *fakeService) ListRides(_ context.Context, filter models.RideFilter) ([]models.Ride, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.filters = append(f.filters, filter)
	return f.rides, nil
}

func (f *fakeService) Reconcile(_ context.Context, rideID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reconciled = append(f.reconciled, rideID)
	if f.failing[rideID] {
		return false, errors.New("db down")
	}
	return f.drifted[rideID], nil
}

func (f *fakeService) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.filters)
}

func TestSweepCountsRepairsAndContinuesPastErrors(t *testing.T) {
	svc := &fakeService{
		rides:   []models.Ride{{ID: "a"}, {ID: "b"}, {ID: "c"}},
		drifted: map[string]bool{"a": true, "c": true},
		failing: map[string]bool{"b": true},
	}
	s := &Sweeper{Service: svc, Logger: logging.Discard()}

	repaired, err := s.Sweep(context.Background())
	assert.Equal(t, 2, repaired)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ride b")
	assert.Equal(t, []string{"a", "b", "c"}, svc.reconciled)
	assert.ElementsMatch(t, []models.RideStatus{models.RideScheduled, models.RideBooked}, svc.filters[0].Statuses)
}

func TestStartRunsOnInterval(t *testing.T) {
	svc := &fakeService{rides: []models.Ride{{ID: "a"}}}
	sched, err := Start(&Sweeper{Service: svc, Logger: logging.Discard()}, 20*time.Millisecond)
	require.NoError(t, err)
	defer func() { _ = sched.Shutdown() }()

	assert.Eventually(t, func() bool { return svc.calls() >= 2 }, 2*time.Second, 10*time.Millisecond)
}

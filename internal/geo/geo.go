package geo

import (
	"context"
	"math"
	"sort"
	"sync"

	"github.com/example/ride-share/internal/models"
)

// Index tracks the pickup point of every ride that is still open for
// bookings so listings can be narrowed to a radius.
type Index interface {
	Add(ctx context.Context, rideID string, lat, lng float64) error
	Remove(ctx context.Context, rideID string) error
	// Nearby returns ride ids ordered by distance, closest first.
	Nearby(ctx context.Context, lat, lng, radiusKm float64, limit int) ([]string, error)
}

type point struct{ lat, lng float64 }

type MemoryIndex struct {
	mu     sync.RWMutex
	points map[string]point
}

func NewMemoryIndex() *MemoryIndex {
	return &MemoryIndex{points: make(map[string]point)}
}

func (g *MemoryIndex) Add(_ context.Context, rideID string, lat, lng float64) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.points[rideID] = point{lat, lng}
	return nil
}

func (g *MemoryIndex) Remove(_ context.Context, rideID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.points, rideID)
	return nil
}

// naive scan; fine for the handful of open rides a single node holds
func (g *MemoryIndex) Nearby(_ context.Context, lat, lng, radiusKm float64, limit int) ([]string, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	type pair struct {
		id   string
		dist float64
	}
	arr := make([]pair, 0, len(g.points))
	for id, p := range g.points {
		dist := Haversine(lat, lng, p.lat, p.lng)
		if dist <= radiusKm*1000 {
			arr = append(arr, pair{id, dist})
		}
	}
	sort.Slice(arr, func(i, j int) bool {
		if arr[i].dist != arr[j].dist {
			return arr[i].dist < arr[j].dist
		}
		return arr[i].id < arr[j].id
	})
	if limit > 0 && len(arr) > limit {
		arr = arr[:limit]
	}
	out := make([]string, 0, len(arr))
	for _, p := range arr {
		out = append(out, p.id)
	}
	return out, nil
}

// DistanceKm returns the straight-line trip length when both ends carry
// coordinates.
func DistanceKm(from, to models.Location) *float64 {
	if from.Lat == nil || from.Lng == nil || to.Lat == nil || to.Lng == nil {
		return nil
	}
	km := math.Round(Haversine(*from.Lat, *from.Lng, *to.Lat, *to.Lng)/10) / 100
	return &km
}

// Haversine distance in meters
func Haversine(lat1, lon1, lat2, lon2 float64) float64 {
	const R = 6371000.0
	dLat := (lat2 - lat1) * math.Pi / 180
	dLon := (lon2 - lon1) * math.Pi / 180
	a := math.Sin(dLat/2)*math.Sin(dLat/2) + math.Cos(lat1*math.Pi/180)*math.Cos(lat2*math.Pi/180)*math.Sin(dLon/2)*math.Sin(dLon/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return R * c
}

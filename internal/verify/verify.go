package verify

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultTTL bounds how long a confirmation stays usable for starting a ride.
const DefaultTTL = 2 * time.Hour

func key(rideID, driverID string) string {
	return fmt.Sprintf("verify:ride:%s:%s", rideID, driverID)
}

// RedisVerifier keeps one expiring set per (ride, driver) holding the
// passengers whose identity check was confirmed. Every confirmation
// refreshes the expiry of the whole set.
type RedisVerifier struct {
	Client *redis.Client
	TTL    time.Duration
}

func NewRedisVerifier(client *redis.Client, ttl time.Duration) *RedisVerifier {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &RedisVerifier{Client: client, TTL: ttl}
}

func (v *RedisVerifier) VerifiedPassengers(ctx context.Context, rideID, driverID string) ([]string, error) {
	ids, err := v.Client.SMembers(ctx, key(rideID, driverID)).Result()
	if err != nil {
		return nil, fmt.Errorf("redis smembers: %w", err)
	}
	return ids, nil
}

func (v *RedisVerifier) MarkVerified(ctx context.Context, rideID, driverID, passengerID string) error {
	k := key(rideID, driverID)
	pipe := v.Client.TxPipeline()
	pipe.SAdd(ctx, k, passengerID)
	pipe.Expire(ctx, k, v.TTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis sadd: %w", err)
	}
	return nil
}

type MemoryVerifier struct {
	TTL time.Duration
	Now func() time.Time

	mu      sync.Mutex
	entries map[string]map[string]time.Time
}

func NewMemoryVerifier(ttl time.Duration) *MemoryVerifier {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &MemoryVerifier{TTL: ttl, entries: make(map[string]map[string]time.Time)}
}

func (v *MemoryVerifier) now() time.Time {
	if v.Now != nil {
		return v.Now()
	}
	return time.Now()
}

func (v *MemoryVerifier) VerifiedPassengers(_ context.Context, rideID, driverID string) ([]string, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	k := key(rideID, driverID)
	now := v.now()
	var out []string
	for id, exp := range v.entries[k] {
		if !now.Before(exp) {
			delete(v.entries[k], id)
			continue
		}
		out = append(out, id)
	}
	if len(v.entries[k]) == 0 {
		delete(v.entries, k)
	}
	return out, nil
}

func (v *MemoryVerifier) MarkVerified(_ context.Context, rideID, driverID, passengerID string) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	k := key(rideID, driverID)
	if v.entries[k] == nil {
		v.entries[k] = make(map[string]time.Time)
	}
	v.entries[k][passengerID] = v.now().Add(v.TTL)
	return nil
}

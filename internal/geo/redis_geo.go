package geo

import (
	"context"

	"github.com/redis/go-redis/v9"
)

// RedisIndex implements Index using Redis GEO commands.
type RedisIndex struct {
	client *redis.Client
	key    string
}

func NewRedisIndex(client *redis.Client, key string) *RedisIndex {
	if key == "" {
		key = "rides:open:geo"
	}
	return &RedisIndex{client: client, key: key}
}

func (r *RedisIndex) Add(ctx context.Context, rideID string, lat, lng float64) error {
	return r.client.GeoAdd(ctx, r.key, &redis.GeoLocation{Longitude: lng, Latitude: lat, Name: rideID}).Err()
}

func (r *RedisIndex) Remove(ctx context.Context, rideID string) error {
	return r.client.ZRem(ctx, r.key, rideID).Err()
}

func (r *RedisIndex) Nearby(ctx context.Context, lat, lng, radiusKm float64, limit int) ([]string, error) {
	res, err := r.client.GeoRadius(ctx, r.key, lng, lat, &redis.GeoRadiusQuery{Radius: radiusKm, Unit: "km", Count: limit, Sort: "ASC"}).Result()
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(res))
	for _, g := range res {
		out = append(out, g.Name)
	}
	return out, nil
}

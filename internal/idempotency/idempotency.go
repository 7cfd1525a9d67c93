package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	DefaultTTL = 24 * time.Hour
	// pendingTTL caps how long a crashed request can block its key.
	pendingTTL = time.Minute
	pending    = "pending"
)

// ErrInFlight is returned when the same key is still being processed.
var ErrInFlight = errors.New("request with this idempotency key is in progress")

// Response is the stored outcome replayed for repeated keys.
type Response struct {
	Status      int    `json:"status"`
	ContentType string `json:"content_type"`
	Body        []byte `json:"body"`
}

// Store remembers the first response produced for a key.
type Store interface {
	// Begin claims key. It returns a nil Response when the caller now owns
	// the key, the stored Response when the key already completed, and
	// ErrInFlight when another request holds it.
	Begin(ctx context.Context, key string) (*Response, error)
	Complete(ctx context.Context, key string, resp Response) error
	// Release drops a claim without storing a response so the key can be retried.
	Release(ctx context.Context, key string) error
}

func Key(userID, key string) string { return "idem:" + userID + ":" + key }

type RedisStore struct {
	Client *redis.Client
	TTL    time.Duration
}

func NewRedisStore(client *redis.Client, ttl time.Duration) *RedisStore {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &RedisStore{Client: client, TTL: ttl}
}

func (s *RedisStore) Begin(ctx context.Context, key string) (*Response, error) {
	claimed, err := s.Client.SetNX(ctx, key, pending, pendingTTL).Result()
	if err != nil {
		return nil, fmt.Errorf("redis setnx: %w", err)
	}
	if claimed {
		return nil, nil
	}
	raw, err := s.Client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		// expired between SETNX and GET; try once more
		return s.Begin(ctx, key)
	}
	if err != nil {
		return nil, fmt.Errorf("redis get: %w", err)
	}
	if raw == pending {
		return nil, ErrInFlight
	}
	var resp Response
	if err := json.Unmarshal([]byte(raw), &resp); err != nil {
		return nil, fmt.Errorf("decode stored response: %w", err)
	}
	return &resp, nil
}

func (s *RedisStore) Complete(ctx context.Context, key string, resp Response) error {
	b, err := json.Marshal(resp)
	if err != nil {
		return err
	}
	return s.Client.Set(ctx, key, b, s.TTL).Err()
}

func (s *RedisStore) Release(ctx context.Context, key string) error {
	return s.Client.Del(ctx, key).Err()
}

type entry struct {
	resp    *Response
	expires time.Time
}

type MemoryStore struct {
	TTL time.Duration
	Now func() time.Time

	mu      sync.Mutex
	entries map[string]entry
}

func NewMemoryStore(ttl time.Duration) *MemoryStore {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &MemoryStore{TTL: ttl, entries: make(map[string]entry)}
}

func (s *MemoryStore) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

func (s *MemoryStore) Begin(_ context.Context, key string) (*Response, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	if e, ok := s.entries[key]; ok && now.Before(e.expires) {
		if e.resp == nil {
			return nil, ErrInFlight
		}
		r := *e.resp
		return &r, nil
	}
	s.entries[key] = entry{expires: now.Add(pendingTTL)}
	return nil, nil
}

func (s *MemoryStore) Complete(_ context.Context, key string, resp Response) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[key] = entry{resp: &resp, expires: s.now().Add(s.TTL)}
	return nil
}

func (s *MemoryStore) Release(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, key)
	return nil
}

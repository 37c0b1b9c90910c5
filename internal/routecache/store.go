package routecache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/example/ride-queue/internal/models"
)

// Entry is the route last computed for a booking and the target it leads to.
type Entry struct {
	BookingID string           `json:"booking_id"`
	Target    models.Coord     `json:"target"`
	Route     models.RouteInfo `json:"route"`
	StoredAt  time.Time        `json:"stored_at"`
}

// Store keeps at most one entry per booking.
type Store interface {
	Get(ctx context.Context, bookingID string) (Entry, bool, error)
	Put(ctx context.Context, e Entry) error
	Delete(ctx context.Context, bookingID string) error
}

// MemoryStore is an in-process Store with a TTL.
type MemoryStore struct {
	mu    sync.RWMutex
	store map[string]Entry
	ttl   time.Duration
}

func NewMemoryStore(ttl time.Duration) *MemoryStore {
	return &MemoryStore{store: make(map[string]Entry), ttl: ttl}
}

func (c *MemoryStore) Get(ctx context.Context, bookingID string) (Entry, bool, error) {
	c.mu.RLock()
	e, ok := c.store[bookingID]
	c.mu.RUnlock()
	if !ok {
		return Entry{}, false, nil
	}
	if c.ttl > 0 && time.Since(e.StoredAt) > c.ttl {
		c.mu.Lock()
		delete(c.store, bookingID)
		c.mu.Unlock()
		return Entry{}, false, nil
	}
	return e, true, nil
}

func (c *MemoryStore) Put(ctx context.Context, e Entry) error {
	c.mu.Lock()
	c.store[e.BookingID] = e
	c.mu.Unlock()
	return nil
}

func (c *MemoryStore) Delete(ctx context.Context, bookingID string) error {
	c.mu.Lock()
	delete(c.store, bookingID)
	c.mu.Unlock()
	return nil
}

// RedisStore keeps entries as JSON so computed routes survive a restart.
type RedisStore struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRedisStore(client *redis.Client, ttl time.Duration) *RedisStore {
	return &RedisStore{client: client, ttl: ttl}
}

func routeKey(bookingID string) string { return "route:booking:" + bookingID }

func (r *RedisStore) Get(ctx context.Context, bookingID string) (Entry, bool, error) {
	val, err := r.client.Get(ctx, routeKey(bookingID)).Result()
	if errors.Is(err, redis.Nil) {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, fmt.Errorf("read route cache: %w", err)
	}
	var e Entry
	if err := json.Unmarshal([]byte(val), &e); err != nil {
		return Entry{}, false, fmt.Errorf("decode route cache: %w", err)
	}
	return e, true, nil
}

func (r *RedisStore) Put(ctx context.Context, e Entry) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encode route cache: %w", err)
	}
	return r.client.Set(ctx, routeKey(e.BookingID), data, r.ttl).Err()
}

func (r *RedisStore) Delete(ctx context.Context, bookingID string) error {
	return r.client.Del(ctx, routeKey(bookingID)).Err()
}

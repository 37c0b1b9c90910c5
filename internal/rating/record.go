// Package rating keeps the idempotent record of which completed bookings the
// driver has already rated. Completing a trip waits on this gate before the
// next booking is promoted.
package rating

import (
	"context"
	"sync"

	"github.com/redis/go-redis/v9"
)

type Record interface {
	HasRated(ctx context.Context, driverID, bookingID string) (bool, error)
	MarkRated(ctx context.Context, driverID, bookingID string) error
}

type MemoryRecord struct {
	mu    sync.RWMutex
	rated map[string]map[string]struct{}
}

func NewMemoryRecord() *MemoryRecord {
	return &MemoryRecord{rated: make(map[string]map[string]struct{})}
}

func (m *MemoryRecord) HasRated(ctx context.Context, driverID, bookingID string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.rated[driverID][bookingID]
	return ok, nil
}

func (m *MemoryRecord) MarkRated(ctx context.Context, driverID, bookingID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	set, ok := m.rated[driverID]
	if !ok {
		set = make(map[string]struct{})
		m.rated[driverID] = set
	}
	set[bookingID] = struct{}{}
	return nil
}

// RedisRecord stores one set per driver so the record survives reinstalls
// and restarts.
type RedisRecord struct {
	client *redis.Client
}

func NewRedisRecord(client *redis.Client) *RedisRecord {
	return &RedisRecord{client: client}
}

func ratedKey(driverID string) string { return "driver:rated:" + driverID }

func (r *RedisRecord) HasRated(ctx context.Context, driverID, bookingID string) (bool, error) {
	return r.client.SIsMember(ctx, ratedKey(driverID), bookingID).Result()
}

func (r *RedisRecord) MarkRated(ctx context.Context, driverID, bookingID string) error {
	return r.client.SAdd(ctx, ratedKey(driverID), bookingID).Err()
}

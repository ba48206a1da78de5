package liveness

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	activeKeyPrefix = "active:"
	activeTTL       = 24 * time.Hour
)

// ActiveEntry is the active-device cache's payload.
type ActiveEntry struct {
	DeviceID             string `json:"device_id"`
	UserID               string `json:"user_id"`
	AdManagementEnabled  bool   `json:"adManagementEnabled"`
	BrandCanvasEnabled   bool   `json:"brandCanvasEnabled"`
	LastSeen             int64  `json:"lastSeen"`
}

// ActiveDeviceCache is the Redis-backed hot-path record of currently-online
// devices, refreshed on every write with a 24h TTL.
type ActiveDeviceCache struct {
	rdb *redis.Client
}

// NewActiveDeviceCache creates an ActiveDeviceCache.
func NewActiveDeviceCache(rdb *redis.Client) *ActiveDeviceCache {
	return &ActiveDeviceCache{rdb: rdb}
}

func activeKey(deviceID string) string { return activeKeyPrefix + deviceID }

// Upsert writes or refreshes a device's active-cache entry.
func (c *ActiveDeviceCache) Upsert(ctx context.Context, entry ActiveEntry) error {
	buf, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	return c.rdb.Set(ctx, activeKey(entry.DeviceID), buf, activeTTL).Err()
}

// TouchLastSeen refreshes lastSeen and the TTL for an already-tracked
// device, leaving other fields untouched. A no-op if the device isn't
// currently cached.
func (c *ActiveDeviceCache) TouchLastSeen(ctx context.Context, deviceID string, lastSeen time.Time) error {
	entry, ok, err := c.Get(ctx, deviceID)
	if err != nil || !ok {
		return err
	}
	entry.LastSeen = lastSeen.UnixMilli()
	return c.Upsert(ctx, *entry)
}

// Get returns the cached entry for a device, if present.
func (c *ActiveDeviceCache) Get(ctx context.Context, deviceID string) (*ActiveEntry, bool, error) {
	val, err := c.rdb.Get(ctx, activeKey(deviceID)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	var entry ActiveEntry
	if err := json.Unmarshal([]byte(val), &entry); err != nil {
		return nil, false, nil
	}
	return &entry, true, nil
}

// Remove deletes a device's active-cache entry. Idempotent.
func (c *ActiveDeviceCache) Remove(ctx context.Context, deviceID string) error {
	return c.rdb.Del(ctx, activeKey(deviceID)).Err()
}

// Count reports the approximate number of currently-active devices.
func (c *ActiveDeviceCache) Count(ctx context.Context) (int64, error) {
	keys, err := c.rdb.Keys(ctx, activeKeyPrefix+"*").Result()
	if err != nil {
		return 0, err
	}
	return int64(len(keys)), nil
}

package store

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"
)

const stateTTL = 24 * time.Hour

// CachedState is the last state-shaped status message seen for a device.
type CachedState struct {
	State  json.RawMessage `json:"state"`
	SeenAt time.Time       `json:"seen_at"`
}

// StateCache keeps the last device state in redis so voice state reports do
// not hit the database.
type StateCache struct{ rdb *redis.Client }

func NewStateCache(rdb *redis.Client) *StateCache { return &StateCache{rdb: rdb} }

func NewRedisClient(addr, password string) *redis.Client {
	return redis.NewClient(&redis.Options{Addr: addr, Password: password})
}

func stateKey(deviceID string) string { return "relay:state:" + deviceID }

func (c *StateCache) Put(ctx context.Context, deviceID string, state []byte, seen time.Time) error {
	b, err := json.Marshal(CachedState{State: state, SeenAt: seen.UTC()})
	if err != nil {
		return err
	}
	return c.rdb.Set(ctx, stateKey(deviceID), b, stateTTL).Err()
}

// Get returns nil, nil on a cache miss.
func (c *StateCache) Get(ctx context.Context, deviceID string) (*CachedState, error) {
	b, err := c.rdb.Get(ctx, stateKey(deviceID)).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var cs CachedState
	if err := json.Unmarshal(b, &cs); err != nil {
		return nil, err
	}
	return &cs, nil
}

func (c *StateCache) Delete(ctx context.Context, deviceID string) error {
	return c.rdb.Del(ctx, stateKey(deviceID)).Err()
}

package telemetry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/go-redis/redis/v8"

	"installcore/pkg/domain"
)

// DefaultRedisPrefix namespaces reading keys: <prefix><device id>.
const DefaultRedisPrefix = "installcore:server_data:"

// RedisSource reads JSON encoded ServerData values written by the ingestion side.
type RedisSource struct {
	client *redis.Client
	prefix string
}

// NewRedisSource constructs a RedisSource. An empty prefix uses DefaultRedisPrefix.
func NewRedisSource(client *redis.Client, prefix string) *RedisSource {
	if prefix == "" {
		prefix = DefaultRedisPrefix
	}
	return &RedisSource{client: client, prefix: prefix}
}

// Key returns the redis key holding a device's reading.
func (s *RedisSource) Key(deviceID string) string {
	return s.prefix + deviceID
}

// Reading implements Source.
func (s *RedisSource) Reading(ctx context.Context, deviceID string) (domain.ServerData, error) {
	raw, err := s.client.Get(ctx, s.Key(deviceID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return domain.ServerData{}, domain.NotFoundError{Entity: domain.EntityServerData, ID: deviceID}
		}
		return domain.ServerData{}, fmt.Errorf("read server data %s: %w", deviceID, err)
	}
	var data domain.ServerData
	if err := json.Unmarshal(raw, &data); err != nil {
		return domain.ServerData{}, fmt.Errorf("decode server data %s: %w", deviceID, err)
	}
	if data.DeviceID == "" {
		data.DeviceID = deviceID
	}
	if data.ID == "" {
		data.ID = deviceID
	}
	return data, nil
}

// Put stores a reading. Used by tests and by the ingestion bridge.
func (s *RedisSource) Put(ctx context.Context, data domain.ServerData) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("encode server data %s: %w", data.DeviceID, err)
	}
	return s.client.Set(ctx, s.Key(data.DeviceID), raw, 0).Err()
}

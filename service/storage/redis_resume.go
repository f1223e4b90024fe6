package storage

import (
	"context"
	"encoding/json"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

// resume key: relay:resume:<connID>
// Value is the JSON room list; the TTL is the whole grace window.
func resumeKey(connID string) string { return "relay:resume:" + connID }

// RedisResume is the shared implementation: a client reconnecting to a
// different relay node can still reclaim its room set.
type RedisResume struct {
	rdb *redis.Client
}

func NewRedisResume(rdb *redis.Client) *RedisResume {
	return &RedisResume{rdb: rdb}
}

func (s *RedisResume) Save(ctx context.Context, connID string, rooms []string, ttl time.Duration) error {
	if connID == "" || len(rooms) == 0 || ttl <= 0 {
		return nil
	}
	b, err := json.Marshal(rooms)
	if err != nil {
		return err
	}
	return s.rdb.Set(ctx, resumeKey(connID), b, ttl).Err()
}

func (s *RedisResume) Take(ctx context.Context, connID string) ([]string, error) {
	val, err := s.rdb.GetDel(ctx, resumeKey(connID)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var rooms []string
	if err := json.Unmarshal([]byte(val), &rooms); err != nil {
		return nil, err
	}
	return rooms, nil
}

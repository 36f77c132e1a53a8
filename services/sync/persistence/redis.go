// Copyright (C) 2025 Quillside Labs (oss@quillside.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package persistence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// redisKeyPrefix namespaces snapshot keys in a shared Redis instance.
const redisKeyPrefix = "quillsync:snapshot:"

// RedisStore persists snapshots in Redis. Used when snapshots must be
// visible to more than one process, e.g. a warm standby picking up
// documents after the primary restarts.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore connects to Redis and verifies reachability with a ping.
func NewRedisStore(ctx context.Context, addr, password string, db int) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect to redis at %s: %w", addr, err)
	}
	return &RedisStore{client: client}, nil
}

func (s *RedisStore) Load(ctx context.Context, documentID string) (*Snapshot, error) {
	raw, err := s.client.Get(ctx, redisKeyPrefix+documentID).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrSnapshotNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load snapshot %s: %w", documentID, err)
	}

	var snapshot Snapshot
	if err := json.Unmarshal(raw, &snapshot); err != nil {
		return nil, fmt.Errorf("decode snapshot %s: %w", documentID, err)
	}
	return &snapshot, nil
}

func (s *RedisStore) Save(ctx context.Context, snapshot Snapshot) error {
	encoded, err := json.Marshal(snapshot)
	if err != nil {
		return fmt.Errorf("encode snapshot %s: %w", snapshot.DocumentID, err)
	}
	if err := s.client.Set(ctx, redisKeyPrefix+snapshot.DocumentID, encoded, 0).Err(); err != nil {
		return fmt.Errorf("save snapshot %s: %w", snapshot.DocumentID, err)
	}
	return nil
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}

var _ Store = (*RedisStore)(nil)

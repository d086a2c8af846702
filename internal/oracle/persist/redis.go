// Copyright 2025 Esteban Alvarez. All Rights Reserved.
//
// Created: October 2025
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package persist

import (
	"context"
	"errors"
	"os"
	"time"

	"github.com/redis/go-redis/v9"
)

// redisHashClient is the minimal slice of the go-redis API the store needs,
// kept narrow so tests can substitute a fake.
type redisHashClient interface {
	HGet(ctx context.Context, key, field string) *redis.StringCmd
	HSet(ctx context.Context, key string, values ...interface{}) *redis.IntCmd
}

// RedisStore keeps all blobs in a single Redis hash, one field per blob
// name. Useful when the gateway host already runs Redis and the operator
// wants state to survive SD card swaps.
type RedisStore struct {
	client  redisHashClient
	hashKey string
	timeout time.Duration
}

// NewRedisStore connects lazily; connection errors surface per operation.
func NewRedisStore(addr, nodeName string) *RedisStore {
	client := redis.NewClient(&redis.Options{Addr: addr})
	return NewRedisStoreWithClient(client, nodeName)
}

// NewRedisStoreWithClient is the injection point for tests.
func NewRedisStoreWithClient(client redisHashClient, nodeName string) *RedisStore {
	return &RedisStore{
		client:  client,
		hashKey: "delfi:state:" + nodeName,
		timeout: 5 * time.Second,
	}
}

func (s *RedisStore) Load(name string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()
	data, err := s.client.HGet(ctx, s.hashKey, name).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, os.ErrNotExist
		}
		return nil, err
	}
	return data, nil
}

func (s *RedisStore) Save(name string, data []byte) error {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()
	return s.client.HSet(ctx, s.hashKey, name, data).Err()
}

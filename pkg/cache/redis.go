/*
Copyright 2025 Jordi Gil.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package cache

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/jordigilh/pipeline-worker/pkg/pipelineerr"
)

// releaseScript deletes key iff its current value equals ARGV[1]. This is
// the compare-and-delete primitive lock release rides on.
var releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
else
	return 0
end
`)

// extendScript resets key's TTL (milliseconds, ARGV[2]) iff its current
// value equals ARGV[1]. This is the compare-and-set-ttl primitive lock
// extension rides on.
var extendScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("pexpire", KEYS[1], ARGV[2])
else
	return 0
end
`)

// redisStore is the production Store backed by a *redis.Client. It also
// satisfies *redis.Client-compatible test doubles (miniredis) since it only
// depends on the subset of the client's surface used below.
type redisStore struct {
	client redis.UniversalClient
}

// NewRedisStore wraps an existing redis client (standalone or cluster) as a
// Store.
func NewRedisStore(client redis.UniversalClient) Store {
	return &redisStore{client: client}
}

func (s *redisStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	val, err := s.client.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, pipelineerr.Wrapf(err, pipelineerr.KindCacheError, "get %s", key)
	}
	return val, true, nil
}

func (s *redisStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := s.client.Set(ctx, key, value, ttl).Err(); err != nil {
		return pipelineerr.Wrapf(err, pipelineerr.KindCacheError, "set %s", key)
	}
	return nil
}

func (s *redisStore) Delete(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, key).Err(); err != nil {
		return pipelineerr.Wrapf(err, pipelineerr.KindCacheError, "delete %s", key)
	}
	return nil
}

func (s *redisStore) AcquireLock(ctx context.Context, key, token string, ttl time.Duration) (bool, error) {
	ok, err := s.client.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return false, pipelineerr.Wrapf(err, pipelineerr.KindCacheError, "acquire lock %s", key)
	}
	return ok, nil
}

func (s *redisStore) ReleaseLock(ctx context.Context, key, token string) (bool, error) {
	res, err := releaseScript.Run(ctx, s.client, []string{key}, token).Int64()
	if err != nil {
		return false, pipelineerr.Wrapf(err, pipelineerr.KindCacheError, "release lock %s", key)
	}
	return res == 1, nil
}

func (s *redisStore) ExtendLock(ctx context.Context, key, token string, ttl time.Duration) (bool, error) {
	res, err := extendScript.Run(ctx, s.client, []string{key}, token, ttl.Milliseconds()).Int64()
	if err != nil {
		return false, pipelineerr.Wrapf(err, pipelineerr.KindCacheError, "extend lock %s", key)
	}
	return res == 1, nil
}

func (s *redisStore) Increment(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	val, err := s.client.Incr(ctx, key).Result()
	if err != nil {
		return 0, pipelineerr.Wrapf(err, pipelineerr.KindCacheError, "increment %s", key)
	}
	if val == 1 && ttl > 0 {
		if err := s.client.Expire(ctx, key, ttl).Err(); err != nil {
			return 0, pipelineerr.Wrapf(err, pipelineerr.KindCacheError, "expire counter %s", key)
		}
	}
	return val, nil
}

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

// Package cache provides a typed, lock-aware abstraction over a Redis-backed
// key-value store. All lock primitives are atomic with respect to arbitrary
// concurrent callers from other processes: acquire rides Redis's native
// SET-NX, release and extend ride Lua compare-and-act scripts. A get
// followed by a separate set/delete is never an acceptable implementation
// of a lock primitive.
package cache

import (
	"context"
	"time"
)

// Store is the cache abstraction consumed by the pipeline state store and
// the runner's locking protocol.
type Store interface {
	// Get returns the value stored at key, or (nil, false) if absent.
	Get(ctx context.Context, key string) ([]byte, bool, error)

	// Set writes value at key. If ttl is non-zero, the key expires after ttl.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// Delete removes key. It is not an error for key to already be absent.
	Delete(ctx context.Context, key string) error

	// AcquireLock succeeds iff no value currently exists at key, atomically
	// writing token with the given TTL.
	AcquireLock(ctx context.Context, key, token string, ttl time.Duration) (bool, error)

	// ReleaseLock atomically deletes key iff its current value equals token.
	ReleaseLock(ctx context.Context, key, token string) (bool, error)

	// ExtendLock atomically resets key's TTL iff its current value equals token.
	ExtendLock(ctx context.Context, key, token string, ttl time.Duration) (bool, error)

	// Increment atomically increments the integer counter at key (implicitly
	// created at 0) and returns its post-increment value. If ttl is
	// non-zero and this is the first increment, the counter's TTL is set.
	Increment(ctx context.Context, key string, ttl time.Duration) (int64, error)
}

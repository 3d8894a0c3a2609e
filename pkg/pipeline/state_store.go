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

package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/jordigilh/pipeline-worker/pkg/cache"
	"github.com/jordigilh/pipeline-worker/pkg/pipelineerr"
)

// StateRetention is the TTL applied to the state key and the
// validation-failure counter key (the lock key carries the caller's lock
// TTL instead) so stale
// reports are eventually reclaimed (spec §9 redesign flag: retention
// encoded as an explicit policy value, not an ambient timer attached ad hoc
// to individual Set calls).
type StateRetention struct {
	Window time.Duration
}

// DefaultStateRetention matches spec §6's STATE_RETENTION_SECONDS default.
var DefaultStateRetention = StateRetention{Window: 86400 * time.Second}

// StateStore is the Redis-backed persistence layer for PipelineState, its
// ownership lock, and its validation-failure counter (spec §4.B).
type StateStore struct {
	cache     cache.Store
	retention StateRetention
	validate  *validator.Validate
}

// NewStateStore builds a StateStore over cache, retaining the state and
// validation-failure keys for retention.Window.
func NewStateStore(c cache.Store, retention StateRetention) *StateStore {
	return &StateStore{
		cache:     c,
		retention: retention,
		validate:  validator.New(validator.WithRequiredStructEnabled()),
	}
}

func stateKey(reportID string) string {
	return fmt.Sprintf("pipeline_state:%s", reportID)
}

func lockKey(reportID string) string {
	return fmt.Sprintf("pipeline_lock:%s", reportID)
}

func validationFailureKey(reportID, step string) string {
	return fmt.Sprintf("pipeline_validation_failure:%s:%s", reportID, step)
}

// Save serializes state to the canonical JSON format and persists it under
// pipeline_state:{reportId} with a TTL equal to the retention window.
func (s *StateStore) Save(ctx context.Context, state *PipelineState) error {
	state.recomputeAggregates()
	state.touch()

	data, err := json.Marshal(state)
	if err != nil {
		return pipelineerr.Wrap(err, pipelineerr.KindInternal, "marshal pipeline state")
	}

	if err := s.cache.Set(ctx, stateKey(state.ReportID), data, s.retention.Window); err != nil {
		return err // already a *pipelineerr.AppError from the cache layer
	}
	return nil
}

// Get loads and validates the state for reportId. A missing key returns
// (nil, false, nil). A present-but-invalid value returns (nil, false, err)
// with err carrying KindTransientCorruption — the caller (the runner)
// decides whether to bump the validation-failure counter.
func (s *StateStore) Get(ctx context.Context, reportID string) (*PipelineState, bool, error) {
	raw, ok, err := s.cache.Get(ctx, stateKey(reportID))
	if err != nil {
		return nil, false, err
	}
	if !ok {
		return nil, false, nil
	}

	var state PipelineState
	if err := json.Unmarshal(raw, &state); err != nil {
		return nil, false, pipelineerr.Wrap(err, pipelineerr.KindTransientCorruption, "pipeline state is not valid JSON")
	}
	if err := s.validate.Struct(&state); err != nil {
		return nil, false, pipelineerr.Wrap(err, pipelineerr.KindTransientCorruption, "pipeline state failed schema validation")
	}
	return &state, true, nil
}

// AcquirePipelineLock acquires the report's ownership lock under token.
func (s *StateStore) AcquirePipelineLock(ctx context.Context, reportID, token string, ttl time.Duration) (bool, error) {
	return s.cache.AcquireLock(ctx, lockKey(reportID), token, ttl)
}

// ReleasePipelineLock releases the report's ownership lock iff token
// matches the current holder.
func (s *StateStore) ReleasePipelineLock(ctx context.Context, reportID, token string) (bool, error) {
	return s.cache.ReleaseLock(ctx, lockKey(reportID), token)
}

// ExtendPipelineLock refreshes the report's lock TTL iff token matches the
// current holder.
func (s *StateStore) ExtendPipelineLock(ctx context.Context, reportID, token string, ttl time.Duration) (bool, error) {
	return s.cache.ExtendLock(ctx, lockKey(reportID), token, ttl)
}

// VerifyLockOwnership reads the current lock value and reports whether it
// equals token. Used before every state save (spec §4.D's atomic save
// gate).
func (s *StateStore) VerifyLockOwnership(ctx context.Context, reportID, token string) (bool, error) {
	val, ok, err := s.cache.Get(ctx, lockKey(reportID))
	if err != nil {
		return false, err
	}
	if !ok {
		return false, nil
	}
	return string(val) == token, nil
}

// IncrementValidationFailure bumps the per-(report, step) validation
// failure counter and returns its new value.
func (s *StateStore) IncrementValidationFailure(ctx context.Context, reportID, step string) (int64, error) {
	return s.cache.Increment(ctx, validationFailureKey(reportID, step), s.retention.Window)
}

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

package observability

import (
	"time"

	"github.com/jordigilh/pipeline-worker/pkg/shared/jsontime"
)

// StageTimer marks the wall-clock boundaries of one stage attempt.
type StageTimer struct {
	start time.Time
}

// StartStageTimer begins timing a stage attempt.
func StartStageTimer() StageTimer {
	return StageTimer{start: time.Now()}
}

// StartedAt returns the moment the timer was started, wrapped for the
// analytic's startedAt field.
func (t StageTimer) StartedAt() jsontime.Time {
	return jsontime.Wrap(t.start)
}

// Elapsed returns the duration since the timer started.
func (t StageTimer) Elapsed() time.Duration {
	return time.Since(t.start)
}

// FinishedAt returns the current moment, wrapped for the analytic's
// finishedAt field.
func (t StageTimer) FinishedAt() jsontime.Time {
	return jsontime.Now()
}

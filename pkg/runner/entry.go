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

package runner

import (
	"context"

	"github.com/go-logr/logr"

	"github.com/jordigilh/pipeline-worker/pkg/pipeline"
	"github.com/jordigilh/pipeline-worker/pkg/pipelineerr"
)

// enter implements spec §4.D's entry algorithm: load the existing state (if
// any) and decide whether this call proceeds to the stage loop or returns a
// terminal RunResult immediately. A non-nil *RunResult means the caller
// should return it without entering the loop.
func (r *Runner) enter(ctx context.Context, input pipeline.PipelineInput, config pipeline.RunnerConfig, token string, logger logr.Logger) (*pipeline.PipelineState, *RunResult) {
	existing, found, err := r.store.Get(ctx, config.ReportID)
	if err != nil {
		if !pipelineerr.IsKind(err, pipelineerr.KindTransientCorruption) {
			res := errorResult(nil, "state", pipelineerr.GetKind(err), err.Error())
			return nil, &res
		}
		return r.handleInvalidState(ctx, config, token, logger)
	}

	if !found {
		if config.ResumeFromState {
			res := errorResult(nil, "state", pipelineerr.KindMissingStateForResume, "resumeFromState requested but no state exists for this reportId")
			return nil, &res
		}
		return pipeline.NewPipelineState(config.ReportID, config.UserID), nil
	}

	if !config.ResumeFromState && existing.Status != pipeline.StatusFailed {
		res := errorResult(existing, "state", pipelineerr.KindAlreadyExists, "pipeline state already exists for this reportId; pass resumeFromState to continue it")
		return nil, &res
	}

	// Either an explicit resume, or a failed run being retried from its
	// last completed stage — both proceed through the same stage loop,
	// which skips every stage whose result is already present.
	return existing, nil
}

// handleInvalidState implements the schema-invalid branch of spec §4.D's
// entry: bump the validation-failure counter and either surface a
// transient-corruption error or, once the counter reaches the maximum,
// mark the report permanently failed.
func (r *Runner) handleInvalidState(ctx context.Context, config pipeline.RunnerConfig, token string, logger logr.Logger) (*pipeline.PipelineState, *RunResult) {
	n, incErr := r.store.IncrementValidationFailure(ctx, config.ReportID, "state")
	if incErr != nil {
		res := errorResult(nil, "state", pipelineerr.GetKind(incErr), incErr.Error())
		return nil, &res
	}
	r.metrics.IncValidationFailure("state")

	if int(n) < r.limits.MaxValidationFailures {
		res := errorResult(nil, "state", pipelineerr.KindTransientCorruption, "pipeline state failed schema validation")
		return nil, &res
	}

	logger.Info("validation failure counter reached the maximum; marking report permanently corrupted", "count", n)
	corrupted := pipeline.NewPipelineState(config.ReportID, config.UserID)
	corrupted.Status = pipeline.StatusFailed
	corrupted.Error = &pipeline.StageErrorInfo{
		Step:    "state",
		Message: "validation failure count reached the maximum; state is permanently corrupted",
		Kind:    string(pipelineerr.KindPermanentlyCorrupted),
	}

	outcome, saveErr := r.saveUnderLockGate(ctx, corrupted, config.ReportID, token)
	switch outcome {
	case saveLockLost:
		res := errorResult(corrupted, "state", pipelineerr.KindLockLostDuringSave, "lock ownership lost before permanently-corrupted state could be saved")
		return nil, &res
	case saveFailed:
		res := errorResult(corrupted, "state", pipelineerr.GetKind(saveErr), saveErr.Error())
		return nil, &res
	default:
		res := RunResult{Success: false, State: corrupted, Error: corrupted.Error}
		return nil, &res
	}
}

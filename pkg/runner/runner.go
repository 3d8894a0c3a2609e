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

// Package runner implements the pipeline runner (spec §4.D): the component
// that acquires or inherits the report lock, loads or constructs the
// checkpoint state, drives the four stage executors in order under the
// lock-verified save gate, and applies the fatal/surfaced failure taxonomy
// on exit.
package runner

import (
	"context"
	"time"

	"github.com/go-logr/logr"
	"github.com/google/uuid"

	"github.com/jordigilh/pipeline-worker/pkg/llm"
	"github.com/jordigilh/pipeline-worker/pkg/llm/costs"
	"github.com/jordigilh/pipeline-worker/pkg/observability"
	"github.com/jordigilh/pipeline-worker/pkg/observability/metrics"
	"github.com/jordigilh/pipeline-worker/pkg/pipeline"
	"github.com/jordigilh/pipeline-worker/pkg/pipeline/stage"
	"github.com/jordigilh/pipeline-worker/pkg/pipelineerr"
)

// Limits bundles the runner's tunable constants (spec §6 environment/config
// block): STATE_RETENTION_SECONDS lives on the StateStore itself; the rest
// live here.
type Limits struct {
	InitialLockTTL         time.Duration
	MaxValidationFailures  int
	BatchSize              int
	MaxConcurrentSubtopics int
}

// DefaultLimits matches spec §6's documented defaults.
func DefaultLimits() Limits {
	return Limits{
		InitialLockTTL:         300 * time.Second,
		MaxValidationFailures:  3,
		BatchSize:              10,
		MaxConcurrentSubtopics: 6,
	}
}

// Runner orchestrates one report's pipeline run end to end.
type Runner struct {
	store   *pipeline.StateStore
	client  llm.Client
	catalog *costs.Catalog
	logger  logr.Logger
	metrics *metrics.StageMetrics
	limits  Limits
}

// New builds a Runner. store, client, catalog, and metrics are injected
// rather than reached for as module-level singletons (spec §9 redesign
// flag).
func New(store *pipeline.StateStore, client llm.Client, catalog *costs.Catalog, logger logr.Logger, m *metrics.StageMetrics, limits Limits) *Runner {
	return &Runner{store: store, client: client, catalog: catalog, logger: logger, metrics: m, limits: limits}
}

// RunResult is the runner's terminal outcome (spec §6).
type RunResult struct {
	Success bool
	State   *pipeline.PipelineState
	Error   *pipeline.StageErrorInfo
}

// errorKind returns the Kind of the result's error, or KindInternal if
// there is none.
func (res RunResult) errorKind() pipelineerr.Kind {
	if res.Error == nil {
		return pipelineerr.KindInternal
	}
	return pipelineerr.Kind(res.Error.Kind)
}

// Run implements spec §4.D's algorithm: entry, stage loop, exit.
func (r *Runner) Run(ctx context.Context, input pipeline.PipelineInput, config pipeline.RunnerConfig) RunResult {
	logger := observability.ForReport(r.logger, config.ReportID, config.UserID)

	token := config.LockValue
	ownsLock := false
	if token == "" {
		token = uuid.NewString()
		acquired, err := r.store.AcquirePipelineLock(ctx, config.ReportID, token, r.limits.InitialLockTTL)
		if err != nil {
			return errorResult(nil, "", pipelineerr.GetKind(err), err.Error())
		}
		if !acquired {
			r.metrics.IncLockContention()
			return errorResult(nil, "", pipelineerr.KindLockContended, "another worker already holds the report lock for this reportId")
		}
		ownsLock = true
	}

	state, terminal := r.enter(ctx, input, config, token, logger)
	if terminal != nil {
		if ownsLock && terminal.errorKind() != pipelineerr.KindLockLostDuringSave {
			_, _ = r.store.ReleasePipelineLock(ctx, config.ReportID, token)
		}
		return *terminal
	}

	for _, stageName := range pipeline.Stages {
		if state.CompletedResults.Has(stageName) {
			continue
		}
		if err := ctx.Err(); err != nil {
			return r.finishCancelled(ctx, state, config, token, ownsLock, stageName)
		}

		result := r.runOneStage(ctx, stageName, input, state, config, logger)
		if !result.ok {
			outcome, saveErr := r.saveUnderLockGate(ctx, state, config.ReportID, token)
			return r.finishStageFailure(ctx, state, config, token, ownsLock, outcome, saveErr, stageName, result.err)
		}

		outcome, saveErr := r.saveUnderLockGate(ctx, state, config.ReportID, token)
		if outcome != saveOK {
			return r.finishSaveGateFailure(ctx, state, config, token, ownsLock, stageName, outcome, saveErr)
		}
	}

	state.Status = pipeline.StatusCompleted
	outcome, saveErr := r.saveUnderLockGate(ctx, state, config.ReportID, token)
	if outcome != saveOK {
		return r.finishSaveGateFailure(ctx, state, config, token, ownsLock, "", outcome, saveErr)
	}
	if ownsLock {
		_, _ = r.store.ReleasePipelineLock(ctx, config.ReportID, token)
	}
	return RunResult{Success: true, State: state}
}

type stageRunOutcome struct {
	ok  bool
	err error
}

// runOneStage marks the analytic running, times and invokes the executor,
// and finalizes the analytic on return, but does not save.
func (r *Runner) runOneStage(ctx context.Context, stageName pipeline.StageName, input pipeline.PipelineInput, state *pipeline.PipelineState, config pipeline.RunnerConfig, logger logr.Logger) stageRunOutcome {
	analytic := state.StepAnalytics[stageName]
	analytic.Status = pipeline.StageStatusRunning
	timer := observability.StartStageTimer()
	startedAt := timer.StartedAt()
	analytic.StartedAt = &startedAt
	state.Status = pipeline.StatusForStage(stageName)

	rc := pipeline.RunnerContext{
		ReportID: config.ReportID,
		UserID:   config.UserID,
		Logger:   logger.WithValues("stage", string(stageName)),
	}

	usage, cost, err := r.dispatchStage(ctx, stageName, input, state, rc)

	finishedAt := timer.FinishedAt()
	analytic.FinishedAt = &finishedAt
	analytic.DurationMs = timer.Elapsed().Milliseconds()

	if err != nil {
		analytic.Status = pipeline.StageStatusFailed
		analytic.Error = toErrorInfo(stageName, err)
		state.Status = pipeline.StatusFailed
		state.Error = analytic.Error
		r.metrics.ObserveStage(string(stageName), timer.Elapsed().Seconds(), "failed")
		return stageRunOutcome{ok: false, err: err}
	}

	analytic.Status = pipeline.StageStatusCompleted
	analytic.InputTokens = usage.InputTokens
	analytic.OutputTokens = usage.OutputTokens
	analytic.TotalTokens = usage.TotalTokens
	analytic.Cost = cost
	r.metrics.ObserveStage(string(stageName), timer.Elapsed().Seconds(), "completed")
	return stageRunOutcome{ok: true}
}

// dispatchStage invokes the executor for stageName, wiring its inputs from
// previously completed results, and attaches its result to completedResults
// on success.
func (r *Runner) dispatchStage(ctx context.Context, stageName pipeline.StageName, input pipeline.PipelineInput, state *pipeline.PipelineState, rc pipeline.RunnerContext) (pipeline.StageUsage, float64, error) {
	switch stageName {
	case pipeline.StageClustering:
		res, err := stage.Cluster(ctx, input.Comments, input.ClusteringConfig, input.ProviderCredential, rc, r.client, r.catalog)
		if err != nil {
			return pipeline.StageUsage{}, 0, err
		}
		state.CompletedResults.Clustering = res
		return res.Usage, res.Cost, nil

	case pipeline.StageClaims:
		taxonomy := state.CompletedResults.Clustering.Data
		res, err := stage.Claims(ctx, input.Comments, taxonomy, input.ClaimsConfig, input.ProviderCredential, rc, r.client, r.catalog, r.limits.BatchSize)
		if err != nil {
			return pipeline.StageUsage{}, 0, err
		}
		state.CompletedResults.Claims = res
		return res.Usage, res.Cost, nil

	case pipeline.StageSort:
		taxonomy := state.CompletedResults.Clustering.Data
		tree := state.CompletedResults.Claims.Data
		res, err := stage.Sort(ctx, taxonomy, tree, input.SortConfig, input.ProviderCredential, rc, r.client, r.catalog, input.SortStrategy, r.limits.MaxConcurrentSubtopics)
		if err != nil {
			return pipeline.StageUsage{}, 0, err
		}
		state.CompletedResults.Sort = res
		return res.Usage, res.Cost, nil

	case pipeline.StageSummaries:
		topics := state.CompletedResults.Sort.Data
		res, err := stage.Summarize(ctx, topics, input.SummariesConfig, input.ProviderCredential, rc, r.client, r.catalog, r.limits.MaxConcurrentSubtopics)
		if err != nil {
			return pipeline.StageUsage{}, 0, err
		}
		state.CompletedResults.Summaries = res
		return res.Usage, res.Cost, nil

	default:
		return pipeline.StageUsage{}, 0, pipelineerr.Newf(pipelineerr.KindInternal, "unknown stage %q", stageName)
	}
}

type saveOutcome int

const (
	saveOK saveOutcome = iota
	saveLockLost
	saveFailed
)

// saveUnderLockGate implements the atomic save gate of spec §4.D: verify
// lock ownership, opportunistically refresh the lock's TTL under the same
// token (spec §3), then save iff still owned.
func (r *Runner) saveUnderLockGate(ctx context.Context, state *pipeline.PipelineState, reportID, token string) (saveOutcome, error) {
	owned, err := r.store.VerifyLockOwnership(ctx, reportID, token)
	if err != nil {
		return saveFailed, err
	}
	if !owned {
		return saveLockLost, nil
	}
	extended, err := r.store.ExtendPipelineLock(ctx, reportID, token, r.limits.InitialLockTTL)
	if err != nil {
		return saveFailed, err
	}
	if !extended {
		return saveLockLost, nil
	}
	if err := r.store.Save(ctx, state); err != nil {
		return saveFailed, err
	}
	return saveOK, nil
}

// finishStageFailure persists the failed state under the save gate (unless
// the gate itself reports the lock was lost) and releases the lock.
func (r *Runner) finishStageFailure(ctx context.Context, state *pipeline.PipelineState, config pipeline.RunnerConfig, token string, ownsLock bool, outcome saveOutcome, saveErr error, stageName pipeline.StageName, stageErr error) RunResult {
	if outcome == saveLockLost {
		return RunResult{Success: false, State: state, Error: &pipeline.StageErrorInfo{
			Step: string(stageName), Message: "lock ownership lost before the failure could be saved", Kind: string(pipelineerr.KindLockLostDuringSave),
		}}
	}
	if ownsLock {
		_, _ = r.store.ReleasePipelineLock(ctx, config.ReportID, token)
	}
	if outcome == saveFailed {
		r.logger.Error(saveErr, "failed to persist failed pipeline state", "reportId", config.ReportID, "stage", stageName)
	}
	return RunResult{Success: false, State: state, Error: state.Error}
}

// finishSaveGateFailure handles a failed gate after a successful stage
// execution (the success itself is lost if the lock was taken by another
// worker mid-stage). On a genuine save error (not lock loss) the lock is
// released like any other non-lock-lost exit (spec §4.D Exit clause).
func (r *Runner) finishSaveGateFailure(ctx context.Context, state *pipeline.PipelineState, config pipeline.RunnerConfig, token string, ownsLock bool, stageName pipeline.StageName, outcome saveOutcome, saveErr error) RunResult {
	if outcome == saveLockLost {
		return RunResult{Success: false, State: state, Error: &pipeline.StageErrorInfo{
			Step: string(stageName), Message: "lock ownership lost before the completed stage could be saved", Kind: string(pipelineerr.KindLockLostDuringSave),
		}}
	}
	if ownsLock {
		_, _ = r.store.ReleasePipelineLock(ctx, config.ReportID, token)
	}
	return RunResult{Success: false, State: state, Error: &pipeline.StageErrorInfo{
		Step: string(stageName), Message: saveErr.Error(), Kind: string(pipelineerr.GetKind(saveErr)),
	}}
}

// finishCancelled handles cooperative cancellation observed between stages
// (spec §5): no stage is entered, nothing is saved, the lock is released.
func (r *Runner) finishCancelled(ctx context.Context, state *pipeline.PipelineState, config pipeline.RunnerConfig, token string, ownsLock bool, nextStage pipeline.StageName) RunResult {
	if ownsLock {
		_, _ = r.store.ReleasePipelineLock(ctx, config.ReportID, token)
	}
	return RunResult{Success: false, State: state, Error: &pipeline.StageErrorInfo{
		Step: string(nextStage), Message: "run cancelled before stage dispatch", Kind: string(pipelineerr.KindCancelled),
	}}
}

func toErrorInfo(stageName pipeline.StageName, err error) *pipeline.StageErrorInfo {
	return &pipeline.StageErrorInfo{
		Step:    string(stageName),
		Message: err.Error(),
		Kind:    string(pipelineerr.GetKind(err)),
	}
}

func errorResult(state *pipeline.PipelineState, step string, kind pipelineerr.Kind, message string) RunResult {
	return RunResult{Success: false, State: state, Error: &pipeline.StageErrorInfo{Step: step, Message: message, Kind: string(kind)}}
}

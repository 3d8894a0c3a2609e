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

// Package pipeline implements the four-stage clustering → claim extraction
// → sort/deduplicate → summaries pipeline's data model and its Redis-backed
// checkpoint store. The stage functions live in package stage and the
// resumable runner that drives the stage loop in package runner.
package pipeline

import (
	"github.com/jordigilh/pipeline-worker/pkg/shared/jsontime"
)

// Comment is one free-text input unit.
type Comment struct {
	ID        string  `json:"id" validate:"required"`
	Text      string  `json:"text" validate:"required"`
	Speaker   *string `json:"speaker,omitempty"`
	Interview *string `json:"interview,omitempty"`
}

// StageLLMConfig configures the model and prompts for a single stage.
type StageLLMConfig struct {
	ModelName    string `json:"modelName" validate:"required"`
	SystemPrompt string `json:"systemPrompt"`
	UserPrompt   string `json:"userPrompt"`
}

// SortStrategy selects how stage 3 orders subtopics and topics.
type SortStrategy string

const (
	SortByNumPeople SortStrategy = "numPeople"
	SortByNumClaims SortStrategy = "numClaims"
)

// PipelineInput is the immutable request a caller hands to the runner.
type PipelineInput struct {
	Comments []Comment `json:"comments" validate:"required,dive"`

	ClusteringConfig StageLLMConfig `json:"clusteringConfig" validate:"required"`
	ClaimsConfig     StageLLMConfig `json:"claimsConfig" validate:"required"`
	SortConfig       StageLLMConfig `json:"sortConfig" validate:"required"`
	SummariesConfig  StageLLMConfig `json:"summariesConfig" validate:"required"`

	ProviderCredential string       `json:"-"` // never serialized into state
	EnableCruxes       bool         `json:"enableCruxes"`
	SortStrategy       SortStrategy `json:"sortStrategy" validate:"required,oneof=numPeople numClaims"`
}

// RunnerConfig parameterizes one invocation of the runner for a report.
type RunnerConfig struct {
	ReportID        string `json:"reportId" validate:"required"`
	UserID          string `json:"userId" validate:"required"`
	ResumeFromState bool   `json:"resumeFromState"`
	// LockValue, when set, is a token the caller already owns (the queue
	// holds the lock on the runner's behalf). When empty the runner mints
	// its own token and is responsible for releasing it.
	LockValue string `json:"lockValue,omitempty"`
}

// StageName identifies one of the four pipeline stages.
type StageName string

const (
	StageClustering StageName = "clustering"
	StageClaims     StageName = "claims"
	StageSort       StageName = "sort_and_deduplicate"
	StageSummaries  StageName = "summaries"
)

// Stages is the fixed execution order of the pipeline.
var Stages = []StageName{StageClustering, StageClaims, StageSort, StageSummaries}

// Status is the pipeline-level lifecycle state.
type Status string

const (
	StatusPending            Status = "pending"
	StatusClustering         Status = "clustering"
	StatusExtractingClaims   Status = "extracting_claims"
	StatusSorting            Status = "sorting"
	StatusSummarizing        Status = "summarizing"
	StatusCompleted          Status = "completed"
	StatusFailed             Status = "failed"
)

// statusForStage is the Status a running stage puts the pipeline into.
var statusForStage = map[StageName]Status{
	StageClustering: StatusClustering,
	StageClaims:     StatusExtractingClaims,
	StageSort:       StatusSorting,
	StageSummaries:  StatusSummarizing,
}

// StatusForStage returns the pipeline-level Status a running stage puts the
// state into.
func StatusForStage(stage StageName) Status {
	return statusForStage[stage]
}

// StageStatus is the per-stage lifecycle state machine: pending → running →
// (completed | failed).
type StageStatus string

const (
	StageStatusPending   StageStatus = "pending"
	StageStatusRunning   StageStatus = "running"
	StageStatusCompleted StageStatus = "completed"
	StageStatusFailed    StageStatus = "failed"
)

// StageErrorInfo is the error recorded on a failed stage's analytic.
type StageErrorInfo struct {
	Step    string `json:"step"`
	Message string `json:"message"`
	Kind    string `json:"kind"`
}

// StepAnalytic tracks one stage's execution: timing, token/cost usage, and
// outcome.
type StepAnalytic struct {
	Status       StageStatus     `json:"status" validate:"required,oneof=pending running completed failed"`
	StartedAt    *jsontime.Time  `json:"startedAt,omitempty"`
	FinishedAt   *jsontime.Time  `json:"finishedAt,omitempty"`
	DurationMs   int64           `json:"durationMs"`
	InputTokens  int64           `json:"inputTokens"`
	OutputTokens int64           `json:"outputTokens"`
	TotalTokens  int64           `json:"totalTokens"`
	Cost         float64         `json:"cost"`
	Error        *StageErrorInfo `json:"error,omitempty"`
}

// newPendingAnalytics builds the all-pending analytic map for a fresh state.
func newPendingAnalytics() map[StageName]*StepAnalytic {
	analytics := make(map[StageName]*StepAnalytic, len(Stages))
	for _, s := range Stages {
		analytics[s] = &StepAnalytic{Status: StageStatusPending}
	}
	return analytics
}

// StageUsage is the usage+cost envelope attached to every completed stage's
// result, per the JSON contract in spec §6.
type StageUsage struct {
	InputTokens  int64 `json:"inputTokens"`
	OutputTokens int64 `json:"outputTokens"`
	TotalTokens  int64 `json:"totalTokens"`
}

// ClusteringResult is stage 1's validated output.
type ClusteringResult struct {
	Data  Taxonomy   `json:"data"`
	Usage StageUsage `json:"usage"`
	Cost  float64    `json:"cost"`
}

// ClaimsResult is stage 2's validated output.
type ClaimsResult struct {
	Data  ClaimsTree `json:"data"`
	Usage StageUsage `json:"usage"`
	Cost  float64    `json:"cost"`
	// UnmatchedClaims counts claims the LLM named against an unknown
	// topic/subtopic pairing and which were therefore dropped rather than
	// inserted into Data (spec §4.C's per-run unmatchedClaims analytic).
	UnmatchedClaims int64 `json:"unmatchedClaims"`
}

// SortResult is stage 3's validated output.
type SortResult struct {
	Data  SortedTree `json:"data"`
	Usage StageUsage `json:"usage"`
	Cost  float64    `json:"cost"`
}

// SummariesResult is stage 4's validated output.
type SummariesResult struct {
	Data  []TopicSummary `json:"data"`
	Usage StageUsage     `json:"usage"`
	Cost  float64        `json:"cost"`
}

// TopicSummary is one topic's natural-language summary from stage 4.
type TopicSummary struct {
	TopicName string `json:"topicName"`
	Summary   string `json:"summary"`
}

// CompletedResults is the fixed-shape analog of spec §3's "mapping keyed by
// stage name to the validated output of that stage" — a struct rather than
// a map[string]any, since the key set (the four stages) is closed and
// known at compile time.
type CompletedResults struct {
	Clustering *ClusteringResult `json:"clustering,omitempty"`
	Claims     *ClaimsResult     `json:"claims,omitempty"`
	Sort       *SortResult       `json:"sort_and_deduplicate,omitempty"`
	Summaries  *SummariesResult  `json:"summaries,omitempty"`
}

// Has reports whether stage's result is present.
func (c CompletedResults) Has(stage StageName) bool {
	switch stage {
	case StageClustering:
		return c.Clustering != nil
	case StageClaims:
		return c.Claims != nil
	case StageSort:
		return c.Sort != nil
	case StageSummaries:
		return c.Summaries != nil
	default:
		return false
	}
}

// PipelineState is the sole checkpoint for a report's pipeline run.
type PipelineState struct {
	ReportID      string `json:"reportId" validate:"required"`
	UserID        string `json:"userId" validate:"required"`
	SchemaVersion int    `json:"schemaVersion" validate:"required"`

	CreatedAt jsontime.Time `json:"createdAt"`
	UpdatedAt jsontime.Time `json:"updatedAt"`

	Status Status `json:"status" validate:"required,oneof=pending clustering extracting_claims sorting summarizing completed failed"`

	CompletedResults CompletedResults `json:"completedResults"`

	StepAnalytics map[StageName]*StepAnalytic `json:"stepAnalytics" validate:"required"`

	TotalTokens     int64 `json:"totalTokens"`
	TotalCost       float64 `json:"totalCost"`
	TotalDurationMs int64 `json:"totalDurationMs"`

	Error *StageErrorInfo `json:"error,omitempty"`
}

// CurrentSchemaVersion is the schema version new states are stamped with.
const CurrentSchemaVersion = 1

// NewPipelineState constructs the initial state for a fresh run: status
// pending, all step analytics pending, no completed results.
func NewPipelineState(reportID, userID string) *PipelineState {
	now := jsontime.Now()
	return &PipelineState{
		ReportID:      reportID,
		UserID:        userID,
		SchemaVersion: CurrentSchemaVersion,
		CreatedAt:     now,
		UpdatedAt:     now,
		Status:        StatusPending,
		StepAnalytics: newPendingAnalytics(),
	}
}

// recomputeAggregates recalculates totalTokens/totalCost/totalDurationMs as
// the sum of every stage's fields over stages whose status is completed or
// failed (spec §3/§8 invariant 1).
func (s *PipelineState) recomputeAggregates() {
	var tokens, durationMs int64
	var cost float64
	for _, stage := range Stages {
		analytic := s.StepAnalytics[stage]
		if analytic == nil {
			continue
		}
		if analytic.Status != StageStatusCompleted && analytic.Status != StageStatusFailed {
			continue
		}
		tokens += analytic.TotalTokens
		durationMs += analytic.DurationMs
		cost += analytic.Cost
	}
	s.TotalTokens = tokens
	s.TotalCost = cost
	s.TotalDurationMs = durationMs
}

// touch stamps UpdatedAt to now.
func (s *PipelineState) touch() {
	s.UpdatedAt = jsontime.Now()
}

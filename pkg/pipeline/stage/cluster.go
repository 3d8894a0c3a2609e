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

package stage

import (
	"context"
	"encoding/json"

	"github.com/jordigilh/pipeline-worker/pkg/llm"
	"github.com/jordigilh/pipeline-worker/pkg/llm/costs"
	"github.com/jordigilh/pipeline-worker/pkg/pipeline"
	"github.com/jordigilh/pipeline-worker/pkg/pipelineerr"
)

var clusteringSchema = map[string]any{
	"type": "object",
	"properties": map[string]any{
		"taxonomy": map[string]any{
			"type": "array",
			"items": map[string]any{
				"type": "object",
				"properties": map[string]any{
					"topicName":             map[string]any{"type": "string"},
					"topicShortDescription": map[string]any{"type": "string"},
					"subtopics": map[string]any{
						"type": "array",
						"items": map[string]any{
							"type": "object",
							"properties": map[string]any{
								"subtopicName":             map[string]any{"type": "string"},
								"subtopicShortDescription": map[string]any{"type": "string"},
							},
							"required": []string{"subtopicName"},
						},
					},
				},
				"required": []string{"topicName", "subtopics"},
			},
		},
	},
	"required": []string{"taxonomy"},
}

type clusteringResponse struct {
	Taxonomy pipeline.Taxonomy `json:"taxonomy"`
}

// Cluster is stage 1: sanitize, build a single prompt, ask the LLM for a
// taxonomy, and parse the strict-JSON result.
func Cluster(
	ctx context.Context,
	comments []pipeline.Comment,
	cfg pipeline.StageLLMConfig,
	apiKey string,
	rc pipeline.RunnerContext,
	client llm.Client,
	catalog *costs.Catalog,
) (*pipeline.ClusteringResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, pipelineerr.Wrap(err, pipelineerr.KindCancelled, "clustering cancelled before dispatch")
	}

	sanitized := Sanitize(comments)
	rc.Logger.Info("sanitized comments for clustering",
		"total", len(comments), "surviving", len(sanitized.Comments),
		"filteredShort", sanitized.FilteredShort, "filteredUnsafe", sanitized.FilteredUnsafe)

	if len(sanitized.Comments) == 0 {
		return nil, pipelineerr.New(pipelineerr.KindEmptyResponse, "no comments survived sanitization").WithStep(string(pipeline.StageClustering))
	}

	prompt := BuildPrompt(sanitized.Comments)

	result, err := client.Complete(ctx, llm.CompletionRequest{
		System:     cfg.SystemPrompt,
		User:       cfg.UserPrompt + "\n\n" + prompt,
		Model:      cfg.ModelName,
		JSONSchema: clusteringSchema,
	})
	if err != nil {
		return nil, taggedLLMError(err).WithStep(string(pipeline.StageClustering))
	}

	var parsed clusteringResponse
	if err := json.Unmarshal([]byte(result.OutputText), &parsed); err != nil {
		return nil, pipelineerr.Wrap(err, pipelineerr.KindParseFailed, "clustering response is not valid JSON").WithStep(string(pipeline.StageClustering))
	}
	if len(parsed.Taxonomy) == 0 {
		return nil, pipelineerr.New(pipelineerr.KindEmptyResponse, "clustering returned an empty taxonomy").WithStep(string(pipeline.StageClustering))
	}

	cost, err := catalog.Cost(cfg.ModelName, result.Usage)
	if err != nil {
		return nil, err
	}

	return &pipeline.ClusteringResult{
		Data: parsed.Taxonomy,
		Usage: pipeline.StageUsage{
			InputTokens:  int64(result.Usage.InputTokens),
			OutputTokens: int64(result.Usage.OutputTokens),
			TotalTokens:  int64(result.Usage.TotalTokens),
		},
		Cost: cost,
	}, nil
}

// taggedLLMError re-tags a raw llm.Client error as ApiCallFailed unless it
// already carries a more specific pipelineerr Kind (e.g. EmptyResponse from
// the client itself).
func taggedLLMError(err error) *pipelineerr.AppError {
	if appErr, ok := err.(*pipelineerr.AppError); ok {
		return appErr
	}
	return pipelineerr.Wrap(err, pipelineerr.KindApiCallFailed, "LLM call failed")
}

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
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/jordigilh/pipeline-worker/pkg/llm"
	"github.com/jordigilh/pipeline-worker/pkg/llm/costs"
	"github.com/jordigilh/pipeline-worker/pkg/pipeline"
)

var summarySchema = map[string]any{
	"type": "object",
	"properties": map[string]any{
		"summary": map[string]any{"type": "string"},
	},
	"required": []string{"summary"},
}

type summaryResponse struct {
	Summary string `json:"summary"`
}

// Summarize is stage 4: one LLM call per topic, concurrency bounded
// identically to stage 3. Per-topic failures are non-fatal — the stage
// succeeds with whatever topics produced a summary (spec §4.C).
func Summarize(
	ctx context.Context,
	topics pipeline.SortedTree,
	cfg pipeline.StageLLMConfig,
	apiKey string,
	rc pipeline.RunnerContext,
	client llm.Client,
	catalog *costs.Catalog,
	maxConcurrentSubtopics int,
) (*pipeline.SummariesResult, error) {
	type outcome struct {
		summary pipeline.TopicSummary
		usage   pipeline.StageUsage
		cost    float64
		ok      bool
	}
	outcomes := make([]outcome, len(topics))

	g := new(errgroup.Group)
	g.SetLimit(maxConcurrentSubtopics)

	for i, topic := range topics {
		i, topic := i, topic
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				rc.Logger.Info("skipping topic summary after cancellation", "topic", topic.TopicName)
				return nil
			}

			result, err := client.Complete(ctx, llm.CompletionRequest{
				System:     cfg.SystemPrompt,
				User:       fmt.Sprintf("%s\n\n%s", cfg.UserPrompt, renderTopicForSummary(topic)),
				Model:      cfg.ModelName,
				JSONSchema: summarySchema,
			})
			if err != nil {
				rc.Logger.Info("topic summary failed, continuing without it", "topic", topic.TopicName, "error", err.Error())
				return nil
			}

			var parsed summaryResponse
			if err := json.Unmarshal([]byte(result.OutputText), &parsed); err != nil {
				rc.Logger.Info("topic summary response was not valid JSON, continuing without it", "topic", topic.TopicName, "error", err.Error())
				return nil
			}

			cost, costErr := catalog.Cost(cfg.ModelName, result.Usage)
			if costErr != nil {
				rc.Logger.Info("topic summary cost lookup failed, continuing without it", "topic", topic.TopicName, "error", costErr.Error())
				return nil
			}

			outcomes[i] = outcome{
				summary: pipeline.TopicSummary{TopicName: topic.TopicName, Summary: parsed.Summary},
				usage: pipeline.StageUsage{
					InputTokens:  int64(result.Usage.InputTokens),
					OutputTokens: int64(result.Usage.OutputTokens),
					TotalTokens:  int64(result.Usage.TotalTokens),
				},
				cost: cost,
				ok:   true,
			}
			return nil
		})
	}
	_ = g.Wait()

	var summaries []pipeline.TopicSummary
	var totalInput, totalOutput int64
	var totalCost float64
	for _, o := range outcomes {
		if !o.ok {
			continue
		}
		summaries = append(summaries, o.summary)
		totalInput += o.usage.InputTokens
		totalOutput += o.usage.OutputTokens
		totalCost += o.cost
	}
	if summaries == nil {
		summaries = []pipeline.TopicSummary{}
	}

	return &pipeline.SummariesResult{
		Data: summaries,
		Usage: pipeline.StageUsage{
			InputTokens:  totalInput,
			OutputTokens: totalOutput,
			TotalTokens:  totalInput + totalOutput,
		},
		Cost: totalCost,
	}, nil
}

func renderTopicForSummary(topic pipeline.SortedTopicEntry) string {
	out := fmt.Sprintf("Topic: %s\n", topic.TopicName)
	for _, sub := range topic.Subtopics {
		out += fmt.Sprintf("  Subtopic: %s\n", sub.SubtopicName)
		for _, c := range sub.Claims {
			out += fmt.Sprintf("    - %s\n", c.Claim)
		}
	}
	return out
}

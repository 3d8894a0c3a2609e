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
	"sync"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/jordigilh/pipeline-worker/pkg/llm"
	"github.com/jordigilh/pipeline-worker/pkg/llm/costs"
	"github.com/jordigilh/pipeline-worker/pkg/observability"
	"github.com/jordigilh/pipeline-worker/pkg/pipeline"
	"github.com/jordigilh/pipeline-worker/pkg/pipelineerr"
)

var claimsSchema = map[string]any{
	"type": "object",
	"properties": map[string]any{
		"claims": map[string]any{
			"type": "array",
			"items": map[string]any{
				"type": "object",
				"properties": map[string]any{
					"claim":        map[string]any{"type": "string"},
					"quote":        map[string]any{"type": "string"},
					"speaker":      map[string]any{"type": "string"},
					"topicName":    map[string]any{"type": "string"},
					"subtopicName": map[string]any{"type": "string"},
				},
				"required": []string{"claim", "topicName", "subtopicName"},
			},
		},
	},
	"required": []string{"claims"},
}

type claimCandidate struct {
	Claim        string `json:"claim"`
	Quote        string `json:"quote"`
	Speaker      string `json:"speaker,omitempty"`
	TopicName    string `json:"topicName"`
	SubtopicName string `json:"subtopicName"`
}

type claimsResponse struct {
	Claims []claimCandidate `json:"claims"`
}

// Claims is stage 2: for each comment independently, ask the LLM for
// candidate claims against the taxonomy and fold matching ones into a
// ClaimsTree. Comments run concurrently up to batchSize; the stage fails
// only if every comment fails (spec §4.C).
func Claims(
	ctx context.Context,
	comments []pipeline.Comment,
	taxonomy pipeline.Taxonomy,
	cfg pipeline.StageLLMConfig,
	apiKey string,
	rc pipeline.RunnerContext,
	client llm.Client,
	catalog *costs.Catalog,
	batchSize int,
) (*pipeline.ClaimsResult, error) {
	if len(comments) == 0 {
		return nil, pipelineerr.New(pipelineerr.KindEmptyResponse, "no comments to extract claims from").WithStep(string(pipeline.StageClaims))
	}

	tree := pipeline.NewClaimsTree(taxonomy)
	accumulator := &observability.TokenCostAccumulator{}

	var (
		mergeMu              sync.Mutex
		errMu                sync.Mutex
		succeeded, unmatched int64
		failures             []error
	)

	g := new(errgroup.Group)
	g.SetLimit(batchSize)

	for _, comment := range comments {
		comment := comment
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				errMu.Lock()
				failures = append(failures, err)
				errMu.Unlock()
				return nil
			}

			result, err := client.Complete(ctx, llm.CompletionRequest{
				System:     cfg.SystemPrompt,
				User:       fmt.Sprintf("%s\n\nComment %s: %s", cfg.UserPrompt, comment.ID, comment.Text),
				Model:      cfg.ModelName,
				JSONSchema: claimsSchema,
			})
			if err != nil {
				errMu.Lock()
				failures = append(failures, taggedLLMError(err))
				errMu.Unlock()
				return nil
			}

			var parsed claimsResponse
			if err := json.Unmarshal([]byte(result.OutputText), &parsed); err != nil {
				errMu.Lock()
				failures = append(failures, pipelineerr.Wrap(err, pipelineerr.KindParseFailed, "claims response is not valid JSON for comment "+comment.ID))
				errMu.Unlock()
				return nil
			}

			cost, costErr := catalog.Cost(cfg.ModelName, result.Usage)
			if costErr != nil {
				errMu.Lock()
				failures = append(failures, costErr)
				errMu.Unlock()
				return nil
			}

			local := pipeline.NewClaimsTree(taxonomy)
			localUnmatched := int64(0)
			for _, cand := range parsed.Claims {
				claim := pipeline.Claim{
					Claim:        cand.Claim,
					Quote:        cand.Quote,
					Speaker:      cand.Speaker,
					TopicName:    cand.TopicName,
					SubtopicName: cand.SubtopicName,
					CommentID:    comment.ID,
				}
				if !local.Insert(claim) {
					localUnmatched++
					rc.Logger.Info("rejected claim with unknown topic/subtopic",
						"commentId", comment.ID, "topicName", cand.TopicName, "subtopicName", cand.SubtopicName)
				}
			}

			atomic.AddInt64(&succeeded, 1)
			atomic.AddInt64(&unmatched, localUnmatched)
			accumulator.Add(int64(result.Usage.InputTokens), int64(result.Usage.OutputTokens), cost)

			mergeMu.Lock()
			tree.Merge(local)
			mergeMu.Unlock()

			return nil
		})
	}
	_ = g.Wait()

	if succeeded == 0 {
		return nil, pipelineerr.Wrapf(joinErrors(failures), pipelineerr.KindApiCallFailed,
			"all %d comments failed claim extraction", len(comments)).WithStep(string(pipeline.StageClaims))
	}

	rc.Logger.Info("claim extraction complete",
		"comments", len(comments), "succeeded", succeeded, "failed", len(comments)-int(succeeded), "unmatchedClaims", unmatched)

	totalInput, totalOutput, totalCost := accumulator.Totals()
	return &pipeline.ClaimsResult{
		Data: tree,
		Usage: pipeline.StageUsage{
			InputTokens:  totalInput,
			OutputTokens: totalOutput,
			TotalTokens:  totalInput + totalOutput,
		},
		Cost:            totalCost,
		UnmatchedClaims: unmatched,
	}, nil
}

func joinErrors(errs []error) error {
	if len(errs) == 0 {
		return nil
	}
	return errs[0]
}

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
	"sort"

	"golang.org/x/sync/errgroup"

	"github.com/jordigilh/pipeline-worker/pkg/llm"
	"github.com/jordigilh/pipeline-worker/pkg/llm/costs"
	"github.com/jordigilh/pipeline-worker/pkg/pipeline"
	"github.com/jordigilh/pipeline-worker/pkg/pipelineerr"
)

var groupingSchema = map[string]any{
	"type": "object",
	"properties": map[string]any{
		"groupedClaims": map[string]any{
			"type": "array",
			"items": map[string]any{
				"type": "object",
				"properties": map[string]any{
					"originalClaimIds": map[string]any{"type": "array"},
					"claimText":        map[string]any{"type": "string"},
				},
				"required": []string{"originalClaimIds"},
			},
		},
	},
	"required": []string{"groupedClaims"},
}

type claimGroup struct {
	OriginalClaimIDs []json.RawMessage `json:"originalClaimIds"`
	ClaimText        string            `json:"claimText"`
}

type groupingResponse struct {
	GroupedClaims []claimGroup `json:"groupedClaims"`
}

type subtopicJob struct {
	topicName    string
	topicDesc    string
	subtopicName string
	subtopicDesc string
	claims       []pipeline.Claim
}

type subtopicOutcome struct {
	entry pipeline.SortedSubtopicEntry
	usage pipeline.StageUsage
	cost  float64
	err   error
}

// Sort is stage 3: within each non-empty subtopic, group and deduplicate
// claims (bounded concurrency across subtopics), then order subtopics and
// topics by sortStrategy (spec §4.C).
func Sort(
	ctx context.Context,
	taxonomy pipeline.Taxonomy,
	tree pipeline.ClaimsTree,
	cfg pipeline.StageLLMConfig,
	apiKey string,
	rc pipeline.RunnerContext,
	client llm.Client,
	catalog *costs.Catalog,
	sortStrategy pipeline.SortStrategy,
	maxConcurrentSubtopics int,
) (*pipeline.SortResult, error) {
	jobs := flattenJobs(taxonomy, tree)
	if len(jobs) == 0 {
		return nil, pipelineerr.New(pipelineerr.KindEmptyResponse, "no non-empty subtopics to sort").WithStep(string(pipeline.StageSort))
	}

	outcomes := make([]subtopicOutcome, len(jobs))

	g := new(errgroup.Group)
	g.SetLimit(maxConcurrentSubtopics)

	for i, job := range jobs {
		i, job := i, job
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				outcomes[i] = subtopicOutcome{err: err}
				return nil
			}
			entry, usage, cost, err := sortSubtopic(ctx, job, cfg, rc, client, catalog)
			outcomes[i] = subtopicOutcome{entry: entry, usage: usage, cost: cost, err: err}
			return nil
		})
	}
	_ = g.Wait()

	topics := assembleTopics(jobs, outcomes, rc)
	if len(topics) == 0 {
		return nil, pipelineerr.New(pipelineerr.KindEmptyResponse, "every topic was dropped after subtopic failures").WithStep(string(pipeline.StageSort))
	}

	sortTopics(topics, sortStrategy)
	for i := range topics {
		sortSubtopics(topics[i].Subtopics, sortStrategy)
	}

	var totalInput, totalOutput int64
	var totalCost float64
	for _, o := range outcomes {
		if o.err == nil {
			totalInput += o.usage.InputTokens
			totalOutput += o.usage.OutputTokens
			totalCost += o.cost
		}
	}

	return &pipeline.SortResult{
		Data: topics,
		Usage: pipeline.StageUsage{
			InputTokens:  totalInput,
			OutputTokens: totalOutput,
			TotalTokens:  totalInput + totalOutput,
		},
		Cost: totalCost,
	}, nil
}

// flattenJobs walks the taxonomy in its fixed declaration order (the
// original emission order the spec's stable-sort tie-break refers to),
// collecting one job per non-empty subtopic.
func flattenJobs(taxonomy pipeline.Taxonomy, tree pipeline.ClaimsTree) []subtopicJob {
	var jobs []subtopicJob
	for _, topic := range taxonomy {
		tc, ok := tree[topic.TopicName]
		if !ok {
			continue
		}
		for _, sub := range topic.Subtopics {
			sc, ok := tc.Subtopics[sub.SubtopicName]
			if !ok || len(sc.Claims) == 0 {
				continue
			}
			jobs = append(jobs, subtopicJob{
				topicName:    topic.TopicName,
				topicDesc:    topic.TopicShortDescription,
				subtopicName: sub.SubtopicName,
				subtopicDesc: sub.SubtopicShortDescription,
				claims:       sc.Claims,
			})
		}
	}
	return jobs
}

// sortSubtopic groups and deduplicates one subtopic's claims. A single
// claim is emitted verbatim with zero LLM calls (spec §4.C).
func sortSubtopic(
	ctx context.Context,
	job subtopicJob,
	cfg pipeline.StageLLMConfig,
	rc pipeline.RunnerContext,
	client llm.Client,
	catalog *costs.Catalog,
) (pipeline.SortedSubtopicEntry, pipeline.StageUsage, float64, error) {
	if len(job.claims) == 1 {
		claim := job.claims[0]
		claim.Duplicates = []pipeline.Claim{}
		return buildEntry(job, []pipeline.Claim{claim}), pipeline.StageUsage{}, 0, nil
	}

	result, err := client.Complete(ctx, llm.CompletionRequest{
		System:     cfg.SystemPrompt,
		User:       fmt.Sprintf("%s\n\n%s", cfg.UserPrompt, renderClaimsForGrouping(job.claims)),
		Model:      cfg.ModelName,
		JSONSchema: groupingSchema,
	})
	if err != nil {
		return pipeline.SortedSubtopicEntry{}, pipeline.StageUsage{}, 0, taggedLLMError(err)
	}

	var parsed groupingResponse
	if err := json.Unmarshal([]byte(result.OutputText), &parsed); err != nil {
		return pipeline.SortedSubtopicEntry{}, pipeline.StageUsage{}, 0,
			pipelineerr.Wrap(err, pipelineerr.KindParseFailed, "grouping response is not valid JSON for subtopic "+job.subtopicName)
	}

	cost, costErr := catalog.Cost(cfg.ModelName, result.Usage)
	if costErr != nil {
		return pipeline.SortedSubtopicEntry{}, pipeline.StageUsage{}, 0, costErr
	}

	grouped := applyGrouping(job.claims, parsed.GroupedClaims, rc, job.subtopicName)

	usage := pipeline.StageUsage{
		InputTokens:  int64(result.Usage.InputTokens),
		OutputTokens: int64(result.Usage.OutputTokens),
		TotalTokens:  int64(result.Usage.TotalTokens),
	}
	return buildEntry(job, grouped), usage, cost, nil
}

func renderClaimsForGrouping(claims []pipeline.Claim) string {
	var out string
	for i, c := range claims {
		out += fmt.Sprintf("claimId%d: %s\n", i, c.Claim)
	}
	return out
}

// applyGrouping parses each group's ids, attaches surviving members as
// primary+duplicates, and recovers any claim the LLM never mentioned as its
// own single-item group (spec §4.C "LLM missed claim" recovery).
func applyGrouping(claims []pipeline.Claim, groups []claimGroup, rc pipeline.RunnerContext, subtopicName string) []pipeline.Claim {
	accounted := make(map[int]bool, len(claims))
	var out []pipeline.Claim

	for _, group := range groups {
		var indices []int
		for _, rawID := range group.OriginalClaimIDs {
			idx, err := pipeline.ParseClaimIndex(rawID)
			if err != nil {
				rc.Logger.Info("skipping unparseable claim id", "subtopic", subtopicName, "token", string(rawID))
				continue
			}
			if !idx.InRange(len(claims)) {
				rc.Logger.Info("skipping out-of-range claim id", "subtopic", subtopicName, "index", int(idx))
				continue
			}
			indices = append(indices, int(idx))
		}
		if len(indices) == 0 {
			continue
		}

		primary := claims[indices[0]]
		if group.ClaimText != "" {
			primary.Claim = group.ClaimText
		}
		accounted[indices[0]] = true

		for _, dupIdx := range indices[1:] {
			dup := claims[dupIdx]
			dup.Duplicated = true
			primary.Duplicates = append(primary.Duplicates, dup)
			accounted[dupIdx] = true
		}
		if primary.Duplicates == nil {
			primary.Duplicates = []pipeline.Claim{}
		}
		out = append(out, primary)
	}

	for i, c := range claims {
		if accounted[i] {
			continue
		}
		rc.Logger.Info("recovering claim missed by grouping response", "subtopic", subtopicName, "index", i)
		c.Duplicates = []pipeline.Claim{}
		out = append(out, c)
	}

	return out
}

func buildEntry(job subtopicJob, claims []pipeline.Claim) pipeline.SortedSubtopicEntry {
	sort.SliceStable(claims, func(i, j int) bool {
		return len(claims[i].Duplicates) > len(claims[j].Duplicates)
	})

	speakers := uniqueSpeakers(claims)
	return pipeline.SortedSubtopicEntry{
		SubtopicName: job.subtopicName,
		Claims:       claims,
		Speakers:     speakers,
		Counts:       pipeline.Counts{Claims: countClaimsWithDuplicates(claims), Speakers: len(speakers)},
	}
}

// countClaimsWithDuplicates counts every claim instance: each primary plus
// each of its duplicates, matching the original comment-level claim count.
func countClaimsWithDuplicates(claims []pipeline.Claim) int {
	total := 0
	for _, c := range claims {
		total += 1 + len(c.Duplicates)
	}
	return total
}

func uniqueSpeakers(claims []pipeline.Claim) []string {
	seen := make(map[string]bool)
	var out []string
	add := func(speaker string) {
		if speaker == "" || seen[speaker] {
			return
		}
		seen[speaker] = true
		out = append(out, speaker)
	}
	for _, c := range claims {
		add(c.Speaker)
		for _, d := range c.Duplicates {
			add(d.Speaker)
		}
	}
	if out == nil {
		out = []string{}
	}
	return out
}

// assembleTopics groups surviving subtopic outcomes by topic, dropping
// failed subtopics (logged) and any topic left with no survivors.
func assembleTopics(jobs []subtopicJob, outcomes []subtopicOutcome, rc pipeline.RunnerContext) pipeline.SortedTree {
	order := make([]string, 0)
	byTopic := make(map[string][]pipeline.SortedSubtopicEntry)
	descByTopic := make(map[string]string)

	for i, job := range jobs {
		o := outcomes[i]
		if o.err != nil {
			rc.Logger.Info("dropping subtopic after failure", "topic", job.topicName, "subtopic", job.subtopicName, "error", o.err.Error())
			continue
		}
		if _, ok := byTopic[job.topicName]; !ok {
			order = append(order, job.topicName)
			descByTopic[job.topicName] = job.topicDesc
		}
		byTopic[job.topicName] = append(byTopic[job.topicName], o.entry)
	}

	var topics pipeline.SortedTree
	for _, topicName := range order {
		subtopics := byTopic[topicName]
		if len(subtopics) == 0 {
			rc.Logger.Info("dropping topic with no surviving subtopics", "topic", topicName)
			continue
		}
		topics = append(topics, pipeline.SortedTopicEntry{
			TopicName: topicName,
			Subtopics: subtopics,
			Speakers:  aggregateTopicSpeakers(subtopics),
			Counts:    aggregateTopicCounts(subtopics),
		})
	}
	return topics
}

func aggregateTopicSpeakers(subtopics []pipeline.SortedSubtopicEntry) []string {
	seen := make(map[string]bool)
	var out []string
	for _, s := range subtopics {
		for _, speaker := range s.Speakers {
			if seen[speaker] {
				continue
			}
			seen[speaker] = true
			out = append(out, speaker)
		}
	}
	if out == nil {
		out = []string{}
	}
	return out
}

func aggregateTopicCounts(subtopics []pipeline.SortedSubtopicEntry) pipeline.Counts {
	counts := pipeline.Counts{}
	seenSpeakers := make(map[string]bool)
	for _, s := range subtopics {
		counts.Claims += s.Counts.Claims
		for _, speaker := range s.Speakers {
			seenSpeakers[speaker] = true
		}
	}
	counts.Speakers = len(seenSpeakers)
	return counts
}

func sortKey(strategy pipeline.SortStrategy, counts pipeline.Counts) int {
	if strategy == pipeline.SortByNumPeople {
		return counts.Speakers
	}
	return counts.Claims
}

func sortTopics(topics pipeline.SortedTree, strategy pipeline.SortStrategy) {
	sort.SliceStable(topics, func(i, j int) bool {
		return sortKey(strategy, topics[i].Counts) > sortKey(strategy, topics[j].Counts)
	})
}

func sortSubtopics(subtopics []pipeline.SortedSubtopicEntry, strategy pipeline.SortStrategy) {
	sort.SliceStable(subtopics, func(i, j int) bool {
		return sortKey(strategy, subtopics[i].Counts) > sortKey(strategy, subtopics[j].Counts)
	})
}

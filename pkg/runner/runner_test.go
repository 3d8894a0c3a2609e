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
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-logr/logr"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/jordigilh/pipeline-worker/pkg/cache"
	"github.com/jordigilh/pipeline-worker/pkg/llm"
	"github.com/jordigilh/pipeline-worker/pkg/llm/costs"
	"github.com/jordigilh/pipeline-worker/pkg/llm/llmtest"
	"github.com/jordigilh/pipeline-worker/pkg/observability/metrics"
	"github.com/jordigilh/pipeline-worker/pkg/pipeline"
	"github.com/jordigilh/pipeline-worker/pkg/pipelineerr"
)

func onePersonOneClaimInput() pipeline.PipelineInput {
	stage := pipeline.StageLLMConfig{ModelName: "claude-test", SystemPrompt: "sys", UserPrompt: "go"}
	return pipeline.PipelineInput{
		Comments:           []pipeline.Comment{{ID: "c1", Text: "the new policy is a substantive concern for everyone"}},
		ClusteringConfig:   stage,
		ClaimsConfig:       stage,
		SortConfig:         stage,
		SummariesConfig:    stage,
		ProviderCredential: "test-key",
		SortStrategy:       pipeline.SortByNumClaims,
	}
}

var _ = Describe("Runner", func() {
	var (
		ctx         context.Context
		redisServer *miniredis.Miniredis
		redisClient *redis.Client
		store       *pipeline.StateStore
		client      *llmtest.FakeClient
		catalog     *costs.Catalog
		stageMetrics *metrics.StageMetrics
		r           *Runner
		limits      Limits
	)

	BeforeEach(func() {
		ctx = context.Background()

		var err error
		redisServer, err = miniredis.Run()
		Expect(err).NotTo(HaveOccurred())

		redisClient = redis.NewClient(&redis.Options{Addr: redisServer.Addr()})
		store = pipeline.NewStateStore(cache.NewRedisStore(redisClient), pipeline.StateRetention{Window: time.Hour})

		client = llmtest.NewFakeClient()
		catalog = costs.NewCatalog(map[string]costs.Rate{"claude-test": {InputPer1K: 1, OutputPer1K: 1}})
		stageMetrics = metrics.New(prometheus.NewRegistry())

		limits = DefaultLimits()
		limits.InitialLockTTL = time.Minute

		r = New(store, client, catalog, logr.Discard(), stageMetrics, limits)
	})

	AfterEach(func() {
		redisServer.Close()
	})

	enqueueHappyPath := func() {
		client.EnqueueResult(llm.CompletionResult{OutputText: `{"taxonomy":[{"topicName":"Housing","subtopics":[{"subtopicName":"Rent"}]}]}`})
		client.EnqueueResult(llm.CompletionResult{OutputText: `{"claims":[{"claim":"rent is high","topicName":"Housing","subtopicName":"Rent"}]}`})
		// sort: single claim in the only subtopic, zero LLM calls.
		client.EnqueueResult(llm.CompletionResult{OutputText: `{"summary":"a summary"}`})
	}

	Describe("happy path", func() {
		It("runs all four stages to completion, calling the LLM exactly once per stage that needs it", func() {
			enqueueHappyPath()

			result := r.Run(ctx, onePersonOneClaimInput(), pipeline.RunnerConfig{ReportID: "report-1", UserID: "user-1"})
			Expect(result.Success).To(BeTrue())
			Expect(result.State.Status).To(Equal(pipeline.StatusCompleted))
			Expect(result.State.CompletedResults.Has(pipeline.StageClustering)).To(BeTrue())
			Expect(result.State.CompletedResults.Has(pipeline.StageClaims)).To(BeTrue())
			Expect(result.State.CompletedResults.Has(pipeline.StageSort)).To(BeTrue())
			Expect(result.State.CompletedResults.Has(pipeline.StageSummaries)).To(BeTrue())
			// clustering + claims + summarize each made one call; sort's single-claim
			// subtopic made zero.
			Expect(client.CallCount()).To(Equal(int64(3)))

			loaded, found, err := store.Get(ctx, "report-1")
			Expect(err).NotTo(HaveOccurred())
			Expect(found).To(BeTrue())
			Expect(loaded.Status).To(Equal(pipeline.StatusCompleted))
		})
	})

	Describe("resume after a claims-stage failure", func() {
		It("picks up from claims on the second call, skipping clustering entirely", func() {
			client.EnqueueResult(llm.CompletionResult{OutputText: `{"taxonomy":[{"topicName":"Housing","subtopics":[{"subtopicName":"Rent"}]}]}`})
			client.EnqueueError(pipelineerr.New(pipelineerr.KindApiCallFailed, "transport reset"))

			first := r.Run(ctx, onePersonOneClaimInput(), pipeline.RunnerConfig{ReportID: "report-2", UserID: "user-1"})
			Expect(first.Success).To(BeFalse())
			Expect(first.Error.Step).To(Equal(string(pipeline.StageClaims)))
			Expect(first.State.CompletedResults.Has(pipeline.StageClustering)).To(BeTrue())
			Expect(first.State.CompletedResults.Has(pipeline.StageClaims)).To(BeFalse())

			client.EnqueueResult(llm.CompletionResult{OutputText: `{"claims":[{"claim":"rent is high","topicName":"Housing","subtopicName":"Rent"}]}`})
			client.EnqueueResult(llm.CompletionResult{OutputText: `{"summary":"a summary"}`})

			second := r.Run(ctx, onePersonOneClaimInput(), pipeline.RunnerConfig{ReportID: "report-2", UserID: "user-1", ResumeFromState: true})
			Expect(second.Success).To(BeTrue())
			Expect(second.State.Status).To(Equal(pipeline.StatusCompleted))
			// 1 clustering + 1 failed claims attempt from the first call, then 1 claims
			// retry + 1 summarize from the second; sort's single-claim subtopic makes
			// zero calls both times.
			Expect(client.CallCount()).To(Equal(int64(4)))
		})
	})

	Describe("concurrent workers racing the same report", func() {
		It("reports lock contention for the worker that does not win the lock", func() {
			held, err := store.AcquirePipelineLock(ctx, "report-3", "foreign-token", time.Minute)
			Expect(err).NotTo(HaveOccurred())
			Expect(held).To(BeTrue())

			result := r.Run(ctx, onePersonOneClaimInput(), pipeline.RunnerConfig{ReportID: "report-3", UserID: "user-1"})
			Expect(result.Success).To(BeFalse())
			Expect(result.Error.Kind).To(Equal(string(pipelineerr.KindLockContended)))
			Expect(client.CallCount()).To(Equal(int64(0)))
		})
	})

	Describe("lock expiration mid-stage", func() {
		It("refuses to save a completed stage once the lock has expired, and leaves no state behind", func() {
			limits.InitialLockTTL = 50 * time.Millisecond
			r = New(store, client, catalog, logr.Discard(), stageMetrics, limits)

			client.Enqueue(func(llm.CompletionRequest) (llm.CompletionResult, error) {
				redisServer.FastForward(time.Second)
				return llm.CompletionResult{OutputText: `{"taxonomy":[{"topicName":"Housing","subtopics":[{"subtopicName":"Rent"}]}]}`}, nil
			})

			result := r.Run(ctx, onePersonOneClaimInput(), pipeline.RunnerConfig{ReportID: "report-4", UserID: "user-1"})
			Expect(result.Success).To(BeFalse())
			Expect(result.Error.Kind).To(Equal(string(pipelineerr.KindLockLostDuringSave)))

			_, found, err := store.Get(ctx, "report-4")
			Expect(err).NotTo(HaveOccurred())
			Expect(found).To(BeFalse())
		})
	})

	Describe("permanent corruption after repeated transient failures", func() {
		It("surfaces transient corruption twice then marks the report permanently corrupted", func() {
			Expect(redisClient.Set(ctx, "pipeline_state:report-5", "{not json", 0).Err()).To(Succeed())

			first := r.Run(ctx, onePersonOneClaimInput(), pipeline.RunnerConfig{ReportID: "report-5", UserID: "user-1", ResumeFromState: true})
			Expect(first.Error.Kind).To(Equal(string(pipelineerr.KindTransientCorruption)))

			second := r.Run(ctx, onePersonOneClaimInput(), pipeline.RunnerConfig{ReportID: "report-5", UserID: "user-1", ResumeFromState: true})
			Expect(second.Error.Kind).To(Equal(string(pipelineerr.KindTransientCorruption)))

			third := r.Run(ctx, onePersonOneClaimInput(), pipeline.RunnerConfig{ReportID: "report-5", UserID: "user-1", ResumeFromState: true})
			Expect(third.Error.Kind).To(Equal(string(pipelineerr.KindPermanentlyCorrupted)))
			Expect(third.State.Status).To(Equal(pipeline.StatusFailed))

			loaded, found, err := store.Get(ctx, "report-5")
			Expect(err).NotTo(HaveOccurred())
			Expect(found).To(BeTrue())
			Expect(loaded.Error.Kind).To(Equal(string(pipelineerr.KindPermanentlyCorrupted)))
		})
	})

	Describe("invariants", func() {
		It("sums aggregates only over completed/failed stages and round-trips through JSON", func() {
			enqueueHappyPath()

			result := r.Run(ctx, onePersonOneClaimInput(), pipeline.RunnerConfig{ReportID: "report-6", UserID: "user-1"})
			Expect(result.Success).To(BeTrue())

			var sum int64
			for _, stageName := range pipeline.Stages {
				sum += result.State.StepAnalytics[stageName].TotalTokens
			}
			Expect(result.State.TotalTokens).To(Equal(sum))

			loaded, found, err := store.Get(ctx, "report-6")
			Expect(err).NotTo(HaveOccurred())
			Expect(found).To(BeTrue())
			Expect(loaded.TotalTokens).To(Equal(result.State.TotalTokens))
		})
	})
})

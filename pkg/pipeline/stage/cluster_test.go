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

	"github.com/go-logr/logr"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/jordigilh/pipeline-worker/pkg/llm"
	"github.com/jordigilh/pipeline-worker/pkg/llm/costs"
	"github.com/jordigilh/pipeline-worker/pkg/llm/llmtest"
	"github.com/jordigilh/pipeline-worker/pkg/pipeline"
	"github.com/jordigilh/pipeline-worker/pkg/pipelineerr"
)

var _ = Describe("Cluster", func() {
	var (
		ctx     context.Context
		client  *llmtest.FakeClient
		catalog *costs.Catalog
		cfg     pipeline.StageLLMConfig
		rc      pipeline.RunnerContext
	)

	BeforeEach(func() {
		ctx = context.Background()
		client = llmtest.NewFakeClient()
		catalog = costs.NewCatalog(map[string]costs.Rate{"claude-test": {InputPer1K: 1, OutputPer1K: 2}})
		cfg = pipeline.StageLLMConfig{ModelName: "claude-test", SystemPrompt: "sys", UserPrompt: "cluster these"}
		rc = pipeline.RunnerContext{ReportID: "r1", UserID: "u1", Logger: logr.Discard()}
	})

	comments := func(n int) []pipeline.Comment {
		out := make([]pipeline.Comment, 0, n)
		for i := 0; i < n; i++ {
			out = append(out, pipeline.Comment{ID: "c", Text: "this is a substantive opinion about policy"})
		}
		return out
	}

	It("fails with EmptyResponse when nothing survives sanitization", func() {
		_, err := Cluster(ctx, []pipeline.Comment{{ID: "c1", Text: "ok"}}, cfg, "key", rc, client, catalog)
		Expect(pipelineerr.IsKind(err, pipelineerr.KindEmptyResponse)).To(BeTrue())
		Expect(client.CallCount()).To(Equal(int64(0)))
	})

	It("parses a successful taxonomy and prices its cost", func() {
		client.EnqueueResult(llm.CompletionResult{
			OutputText: `{"taxonomy":[{"topicName":"Housing","subtopics":[{"subtopicName":"Rent"}]}]}`,
			Usage:      llm.Usage{InputTokens: 1000, OutputTokens: 500, TotalTokens: 1500},
		})

		result, err := Cluster(ctx, comments(3), cfg, "key", rc, client, catalog)
		Expect(err).NotTo(HaveOccurred())
		Expect(result.Data).To(HaveLen(1))
		Expect(result.Data[0].TopicName).To(Equal("Housing"))
		Expect(result.Usage.TotalTokens).To(Equal(int64(1500)))
		Expect(result.Cost).To(BeNumerically("~", 2.0, 1e-9))
	})

	It("fails with ParseFailed when the response is not valid JSON", func() {
		client.EnqueueResult(llm.CompletionResult{OutputText: "not json"})

		_, err := Cluster(ctx, comments(3), cfg, "key", rc, client, catalog)
		Expect(pipelineerr.IsKind(err, pipelineerr.KindParseFailed)).To(BeTrue())
	})

	It("fails with EmptyResponse when the taxonomy array is empty", func() {
		client.EnqueueResult(llm.CompletionResult{OutputText: `{"taxonomy":[]}`})

		_, err := Cluster(ctx, comments(3), cfg, "key", rc, client, catalog)
		Expect(pipelineerr.IsKind(err, pipelineerr.KindEmptyResponse)).To(BeTrue())
	})

	It("re-tags a raw client error as ApiCallFailed", func() {
		client.EnqueueError(context.DeadlineExceeded)

		_, err := Cluster(ctx, comments(3), cfg, "key", rc, client, catalog)
		Expect(pipelineerr.IsKind(err, pipelineerr.KindApiCallFailed)).To(BeTrue())
	})

	It("fails fast with Cancelled when the context is already done", func() {
		cancelled, cancel := context.WithCancel(ctx)
		cancel()

		_, err := Cluster(cancelled, comments(3), cfg, "key", rc, client, catalog)
		Expect(pipelineerr.IsKind(err, pipelineerr.KindCancelled)).To(BeTrue())
		Expect(client.CallCount()).To(Equal(int64(0)))
	})
})

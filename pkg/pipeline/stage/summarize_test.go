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
	"errors"

	"github.com/go-logr/logr"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/jordigilh/pipeline-worker/pkg/llm"
	"github.com/jordigilh/pipeline-worker/pkg/llm/costs"
	"github.com/jordigilh/pipeline-worker/pkg/llm/llmtest"
	"github.com/jordigilh/pipeline-worker/pkg/pipeline"
)

var _ = Describe("Summarize", func() {
	var (
		ctx     context.Context
		client  *llmtest.FakeClient
		catalog *costs.Catalog
		cfg     pipeline.StageLLMConfig
		rc      pipeline.RunnerContext
		topics  pipeline.SortedTree
	)

	BeforeEach(func() {
		ctx = context.Background()
		client = llmtest.NewFakeClient()
		catalog = costs.NewCatalog(map[string]costs.Rate{"claude-test": {InputPer1K: 1, OutputPer1K: 1}})
		cfg = pipeline.StageLLMConfig{ModelName: "claude-test"}
		rc = pipeline.RunnerContext{ReportID: "r1", UserID: "u1", Logger: logr.Discard()}
		topics = pipeline.SortedTree{
			{TopicName: "Housing", Subtopics: []pipeline.SortedSubtopicEntry{{SubtopicName: "Rent", Claims: []pipeline.Claim{{Claim: "rent is high"}}}}},
			{TopicName: "Transit", Subtopics: []pipeline.SortedSubtopicEntry{{SubtopicName: "Buses", Claims: []pipeline.Claim{{Claim: "buses are late"}}}}},
		}
	})

	It("returns a summary per topic when every call succeeds", func() {
		client.EnqueueResult(llm.CompletionResult{OutputText: `{"summary":"housing summary"}`})
		client.EnqueueResult(llm.CompletionResult{OutputText: `{"summary":"transit summary"}`})

		result, err := Summarize(ctx, topics, cfg, "key", rc, client, catalog, 4)
		Expect(err).NotTo(HaveOccurred())
		Expect(result.Data).To(HaveLen(2))
	})

	It("omits a topic whose summary call fails, without failing the stage", func() {
		client.EnqueueResult(llm.CompletionResult{OutputText: `{"summary":"housing summary"}`})
		client.EnqueueError(errors.New("transport reset"))

		result, err := Summarize(ctx, topics, cfg, "key", rc, client, catalog, 1)
		Expect(err).NotTo(HaveOccurred())
		Expect(result.Data).To(HaveLen(1))
		Expect(result.Data[0].TopicName).To(Equal("Housing"))
	})

	It("returns an empty (not nil) summary slice when every topic fails", func() {
		client.EnqueueError(errors.New("boom"))
		client.EnqueueError(errors.New("boom"))

		result, err := Summarize(ctx, topics, cfg, "key", rc, client, catalog, 1)
		Expect(err).NotTo(HaveOccurred())
		Expect(result.Data).NotTo(BeNil())
		Expect(result.Data).To(BeEmpty())
	})
})

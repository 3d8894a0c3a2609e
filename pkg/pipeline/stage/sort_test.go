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

var _ = Describe("Sort", func() {
	var (
		ctx      context.Context
		client   *llmtest.FakeClient
		catalog  *costs.Catalog
		cfg      pipeline.StageLLMConfig
		rc       pipeline.RunnerContext
		taxonomy pipeline.Taxonomy
	)

	BeforeEach(func() {
		ctx = context.Background()
		client = llmtest.NewFakeClient()
		catalog = costs.NewCatalog(map[string]costs.Rate{"claude-test": {InputPer1K: 1, OutputPer1K: 1}})
		cfg = pipeline.StageLLMConfig{ModelName: "claude-test"}
		rc = pipeline.RunnerContext{ReportID: "r1", UserID: "u1", Logger: logr.Discard()}
		taxonomy = pipeline.Taxonomy{
			{TopicName: "Housing", Subtopics: []pipeline.Subtopic{{SubtopicName: "Rent"}, {SubtopicName: "Zoning"}}},
		}
	})

	It("fails with EmptyResponse when every subtopic in the tree is empty", func() {
		tree := pipeline.NewClaimsTree(taxonomy)
		_, err := Sort(ctx, taxonomy, tree, cfg, "key", rc, client, catalog, pipeline.SortByNumClaims, 4)
		Expect(pipelineerr.IsKind(err, pipelineerr.KindEmptyResponse)).To(BeTrue())
	})

	It("emits a single-claim subtopic verbatim with zero LLM calls", func() {
		tree := pipeline.NewClaimsTree(taxonomy)
		tree.Insert(pipeline.Claim{Claim: "rent is too high", TopicName: "Housing", SubtopicName: "Rent", Speaker: "alice"})

		result, err := Sort(ctx, taxonomy, tree, cfg, "key", rc, client, catalog, pipeline.SortByNumClaims, 4)
		Expect(err).NotTo(HaveOccurred())
		Expect(client.CallCount()).To(Equal(int64(0)))
		Expect(result.Data).To(HaveLen(1))
		Expect(result.Data[0].Subtopics).To(HaveLen(1))
		Expect(result.Data[0].Subtopics[0].Claims).To(HaveLen(1))
		Expect(result.Data[0].Subtopics[0].Claims[0].Claim).To(Equal("rent is too high"))
	})

	It("groups and deduplicates multi-claim subtopics via the LLM", func() {
		tree := pipeline.NewClaimsTree(taxonomy)
		tree.Insert(pipeline.Claim{Claim: "rent is high", TopicName: "Housing", SubtopicName: "Rent", Speaker: "alice"})
		tree.Insert(pipeline.Claim{Claim: "rent is expensive", TopicName: "Housing", SubtopicName: "Rent", Speaker: "bob"})
		tree.Insert(pipeline.Claim{Claim: "need more zoning", TopicName: "Housing", SubtopicName: "Zoning", Speaker: "carol"})

		// Rent: groups claim 0 and 1 together.
		client.EnqueueResult(llm.CompletionResult{
			OutputText: `{"groupedClaims":[{"originalClaimIds":["claimId0","claimId1"],"claimText":"rent is too expensive"}]}`,
		})
		// Zoning: has only one claim, so no LLM call is made for it — only one enqueued response needed.

		result, err := Sort(ctx, taxonomy, tree, cfg, "key", rc, client, catalog, pipeline.SortByNumClaims, 4)
		Expect(err).NotTo(HaveOccurred())
		Expect(client.CallCount()).To(Equal(int64(1)))

		var rent, zoning *pipeline.SortedSubtopicEntry
		for i := range result.Data[0].Subtopics {
			switch result.Data[0].Subtopics[i].SubtopicName {
			case "Rent":
				rent = &result.Data[0].Subtopics[i]
			case "Zoning":
				zoning = &result.Data[0].Subtopics[i]
			}
		}
		Expect(rent).NotTo(BeNil())
		Expect(rent.Claims).To(HaveLen(1))
		Expect(rent.Claims[0].Claim).To(Equal("rent is too expensive"))
		Expect(rent.Claims[0].Duplicates).To(HaveLen(1))
		Expect(zoning).NotTo(BeNil())
		Expect(zoning.Claims).To(HaveLen(1))
	})

	It("recovers a claim the grouping response never mentions as its own group", func() {
		tree := pipeline.NewClaimsTree(taxonomy)
		tree.Insert(pipeline.Claim{Claim: "a", TopicName: "Housing", SubtopicName: "Rent"})
		tree.Insert(pipeline.Claim{Claim: "b", TopicName: "Housing", SubtopicName: "Rent"})

		client.EnqueueResult(llm.CompletionResult{
			OutputText: `{"groupedClaims":[{"originalClaimIds":["claimId0"]}]}`,
		})

		result, err := Sort(ctx, taxonomy, tree, cfg, "key", rc, client, catalog, pipeline.SortByNumClaims, 4)
		Expect(err).NotTo(HaveOccurred())

		var rentClaims []pipeline.Claim
		for _, topic := range result.Data {
			for _, sub := range topic.Subtopics {
				if sub.SubtopicName == "Rent" {
					rentClaims = sub.Claims
				}
			}
		}
		Expect(rentClaims).To(HaveLen(2))
	})

	It("drops a failed subtopic but keeps the topic if another subtopic survives", func() {
		tree := pipeline.NewClaimsTree(taxonomy)
		tree.Insert(pipeline.Claim{Claim: "a", TopicName: "Housing", SubtopicName: "Rent"})
		tree.Insert(pipeline.Claim{Claim: "b", TopicName: "Housing", SubtopicName: "Rent"})
		tree.Insert(pipeline.Claim{Claim: "c", TopicName: "Housing", SubtopicName: "Zoning", Speaker: "x"})
		tree.Insert(pipeline.Claim{Claim: "d", TopicName: "Housing", SubtopicName: "Zoning", Speaker: "y"})

		client.EnqueueError(errNotJSON)
		client.EnqueueResult(llm.CompletionResult{
			OutputText: `{"groupedClaims":[{"originalClaimIds":["claimId0"]},{"originalClaimIds":["claimId1"]}]}`,
		})

		result, err := Sort(ctx, taxonomy, tree, cfg, "key", rc, client, catalog, pipeline.SortByNumClaims, 1)
		Expect(err).NotTo(HaveOccurred())
		Expect(result.Data).To(HaveLen(1))
		Expect(result.Data[0].Subtopics).To(HaveLen(1))
	})

	It("orders topics descending by the configured sort strategy", func() {
		taxonomy = pipeline.Taxonomy{
			{TopicName: "Small", Subtopics: []pipeline.Subtopic{{SubtopicName: "S1"}}},
			{TopicName: "Big", Subtopics: []pipeline.Subtopic{{SubtopicName: "B1"}}},
		}
		tree := pipeline.NewClaimsTree(taxonomy)
		tree.Insert(pipeline.Claim{Claim: "a", TopicName: "Small", SubtopicName: "S1", Speaker: "x"})
		tree.Insert(pipeline.Claim{Claim: "b", TopicName: "Big", SubtopicName: "B1", Speaker: "y"})
		tree.Insert(pipeline.Claim{Claim: "c", TopicName: "Big", SubtopicName: "B1", Speaker: "z"})

		// B1 holds two claims, so it makes one grouping call; S1 holds one and makes none.
		client.EnqueueResult(llm.CompletionResult{
			OutputText: `{"groupedClaims":[{"originalClaimIds":["claimId0"]},{"originalClaimIds":["claimId1"]}]}`,
		})

		result, err := Sort(ctx, taxonomy, tree, cfg, "key", rc, client, catalog, pipeline.SortByNumClaims, 4)
		Expect(err).NotTo(HaveOccurred())
		Expect(result.Data[0].TopicName).To(Equal("Big"))
		Expect(result.Data[1].TopicName).To(Equal("Small"))
	})
})

var errNotJSON = &pipelineerr.AppError{Kind: pipelineerr.KindApiCallFailed, Message: "injected transport failure"}

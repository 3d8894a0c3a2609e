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

package observability

import (
	"sync"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("TokenCostAccumulator", func() {
	It("folds sequential contributions into a running total", func() {
		acc := &TokenCostAccumulator{}
		acc.Add(100, 50, 0.01)
		acc.Add(200, 75, 0.02)

		inputTokens, outputTokens, cost := acc.Totals()
		Expect(inputTokens).To(Equal(int64(300)))
		Expect(outputTokens).To(Equal(int64(125)))
		Expect(cost).To(BeNumerically("~", 0.03, 1e-9))
	})

	It("is safe for concurrent contributions", func() {
		acc := &TokenCostAccumulator{}
		var wg sync.WaitGroup
		for i := 0; i < 50; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				acc.Add(1, 1, 0.001)
			}()
		}
		wg.Wait()

		inputTokens, outputTokens, _ := acc.Totals()
		Expect(inputTokens).To(Equal(int64(50)))
		Expect(outputTokens).To(Equal(int64(50)))
	})
})

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

import "sync"

// TokenCostAccumulator folds usage/cost contributions from concurrent LLM
// calls within a single stage attempt (stage 2's per-comment fan-out) into
// one running total, guarded by a mutex since that fan-out is bounded with
// errgroup.SetLimit but still calls concurrently. Stages 3 and 4 do not use
// it: they sum per-task outcomes after the fan-out completes.
type TokenCostAccumulator struct {
	mu           sync.Mutex
	inputTokens  int64
	outputTokens int64
	cost         float64
}

// Add folds one LLM call's usage and cost into the running total.
func (a *TokenCostAccumulator) Add(inputTokens, outputTokens int64, cost float64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.inputTokens += inputTokens
	a.outputTokens += outputTokens
	a.cost += cost
}

// Totals returns the accumulated input tokens, output tokens, and cost.
func (a *TokenCostAccumulator) Totals() (inputTokens, outputTokens int64, cost float64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.inputTokens, a.outputTokens, a.cost
}

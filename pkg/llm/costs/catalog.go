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

// Package costs holds the per-model cost rate table and the lookup used to
// turn a completion's token usage into a dollar figure. The catalog is an
// injected dependency (spec §9 redesign flag on module-level singletons),
// not a package-level map read directly by callers.
package costs

import (
	"github.com/jordigilh/pipeline-worker/pkg/llm"
	"github.com/jordigilh/pipeline-worker/pkg/pipelineerr"
)

// Rate is the per-1K-token price, in USD, for one model's input and output
// tokens.
type Rate struct {
	InputPer1K  float64
	OutputPer1K float64
}

// Catalog looks up Rate by model name and prices a Usage.
type Catalog struct {
	rates map[string]Rate
}

// NewCatalog builds a Catalog from an explicit rate table, so callers may
// override or extend DefaultTable without mutating package state.
func NewCatalog(rates map[string]Rate) *Catalog {
	copied := make(map[string]Rate, len(rates))
	for k, v := range rates {
		copied[k] = v
	}
	return &Catalog{rates: copied}
}

// NewDefaultCatalog builds a Catalog seeded with DefaultTable.
func NewDefaultCatalog() *Catalog {
	return NewCatalog(DefaultTable)
}

// Cost prices usage against model's rate. An unknown model is a hard
// failure (spec §6): it never silently returns zero cost.
func (c *Catalog) Cost(model string, usage llm.Usage) (float64, error) {
	rate, ok := c.rates[model]
	if !ok {
		return 0, pipelineerr.Newf(pipelineerr.KindUnknownModel, "no cost rate registered for model %q", model)
	}
	cost := float64(usage.InputTokens)/1000*rate.InputPer1K + float64(usage.OutputTokens)/1000*rate.OutputPer1K
	return cost, nil
}

// HasModel reports whether model has a registered rate.
func (c *Catalog) HasModel(model string) bool {
	_, ok := c.rates[model]
	return ok
}

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

package costs

// DefaultTable is the fixed cost table required by spec §6, extended with
// the Anthropic models the wired production llm.Client actually reaches.
var DefaultTable = map[string]Rate{
	// Required by spec §6.
	"gpt-4o-mini":    {InputPer1K: 0.00015, OutputPer1K: 0.0006},
	"gpt-4o":         {InputPer1K: 0.0025, OutputPer1K: 0.01},
	"gpt-4-turbo":    {InputPer1K: 0.01, OutputPer1K: 0.03},
	"gpt-4":          {InputPer1K: 0.03, OutputPer1K: 0.06},
	"gpt-3.5-turbo":  {InputPer1K: 0.0005, OutputPer1K: 0.0015},

	// Reachable through the production Anthropic client (§4.F/§4.G).
	"claude-3-5-haiku-latest":  {InputPer1K: 0.0008, OutputPer1K: 0.004},
	"claude-3-5-sonnet-latest": {InputPer1K: 0.003, OutputPer1K: 0.015},
	"claude-3-opus-latest":     {InputPer1K: 0.015, OutputPer1K: 0.075},
}

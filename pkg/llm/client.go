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

// Package llm wraps the provider LLM oracle behind a single Complete call,
// as spec'd: a step either gets a full completion back or an error: nothing
// here retries a stage, only the transport call within one step attempt.
package llm

import "context"

// Usage reports the token accounting for one completion call.
type Usage struct {
	InputTokens  int
	OutputTokens int
	TotalTokens  int
}

// CompletionRequest is a single oracle call: a system/user prompt pair
// targeting a specific model, with an optional JSON schema the provider is
// asked to constrain its output to.
type CompletionRequest struct {
	System      string
	User        string
	Model       string
	JSONSchema  map[string]any
	MaxTokens   int
	Temperature float64
}

// CompletionResult is the oracle's response: raw text plus usage.
type CompletionResult struct {
	OutputText string
	Usage      Usage
}

// Client is the LLM oracle contract every stage executor depends on.
type Client interface {
	Complete(ctx context.Context, req CompletionRequest) (CompletionResult, error)
}

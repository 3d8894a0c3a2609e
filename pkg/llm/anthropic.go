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

package llm

import (
	"context"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/cenkalti/backoff/v4"
	"github.com/go-logr/logr"

	"github.com/jordigilh/pipeline-worker/pkg/pipelineerr"
)

// AnthropicClient is the production Client, wrapping anthropic-sdk-go's
// Messages API. Every call is routed through a named circuit breaker
// (circuitName, the request's model name) and retried a bounded number of
// times at the transport level — this is retry *within* one step attempt,
// not stage-level retry, which spec §7 reserves for the queue.
type AnthropicClient struct {
	sdk           *anthropic.Client
	breakers      *BreakerManager
	logger        logr.Logger
	maxRetries    uint64
	retryInterval time.Duration
}

// NewAnthropicClient builds a Client backed by the Anthropic API.
func NewAnthropicClient(apiKey string, breakers *BreakerManager, logger logr.Logger) *AnthropicClient {
	sdk := anthropic.NewClient(option.WithAPIKey(apiKey))
	return &AnthropicClient{
		sdk:           &sdk,
		breakers:      breakers,
		logger:        logger,
		maxRetries:    2,
		retryInterval: 200 * time.Millisecond,
	}
}

// Complete implements Client.
func (c *AnthropicClient) Complete(ctx context.Context, req CompletionRequest) (CompletionResult, error) {
	circuitName := req.Model
	return c.breakers.Execute(ctx, circuitName, func(ctx context.Context) (CompletionResult, error) {
		return c.completeWithRetry(ctx, req)
	})
}

func (c *AnthropicClient) completeWithRetry(ctx context.Context, req CompletionRequest) (CompletionResult, error) {
	var result CompletionResult

	policy := backoff.WithContext(backoff.WithMaxRetries(
		backoff.NewExponentialBackOff(
			backoff.WithInitialInterval(c.retryInterval),
		), c.maxRetries), ctx)

	err := backoff.Retry(func() error {
		res, err := c.callOnce(ctx, req)
		if err != nil {
			if ctx.Err() != nil {
				return backoff.Permanent(pipelineerr.Wrap(ctx.Err(), pipelineerr.KindCancelled, "completion cancelled"))
			}
			c.logger.V(1).Info("LLM call attempt failed, retrying", "model", req.Model, "error", err.Error())
			return err
		}
		result = res
		return nil
	}, policy)

	if err != nil {
		var appErr *pipelineerr.AppError
		if ok := asAppError(err, &appErr); ok {
			return CompletionResult{}, appErr
		}
		return CompletionResult{}, pipelineerr.Wrapf(err, pipelineerr.KindApiCallFailed, "completion request to %s failed", req.Model)
	}
	return result, nil
}

func asAppError(err error, target **pipelineerr.AppError) bool {
	if appErr, ok := err.(*pipelineerr.AppError); ok {
		*target = appErr
		return true
	}
	return false
}

// structuredOutputTool is the forced tool name used to make the model emit
// JSON matching req.JSONSchema instead of relying on prompt wording alone
// (spec §4.C's "strict JSON response schema").
const structuredOutputTool = "emit_structured_response"

func (c *AnthropicClient) callOnce(ctx context.Context, req CompletionRequest) (CompletionResult, error) {
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 4096
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(req.Model),
		MaxTokens: int64(maxTokens),
		System: []anthropic.TextBlockParam{
			{Text: req.System},
		},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(req.User)),
		},
	}

	wantsStructured := len(req.JSONSchema) > 0
	if wantsStructured {
		params.Tools = []anthropic.ToolUnionParam{
			{
				OfTool: &anthropic.ToolParam{
					Name:        structuredOutputTool,
					Description: anthropic.String("Return the result for this step as arguments to this tool, matching the required schema exactly."),
					InputSchema: toolInputSchema(req.JSONSchema),
				},
			},
		}
		params.ToolChoice = anthropic.ToolChoiceUnionParam{
			OfTool: &anthropic.ToolChoiceToolParam{Name: structuredOutputTool},
		}
	}

	message, err := c.sdk.Messages.New(ctx, params)
	if err != nil {
		return CompletionResult{}, pipelineerr.Wrapf(err, pipelineerr.KindApiCallFailed, "anthropic messages.new(%s)", req.Model)
	}

	outputText, err := extractOutput(message, wantsStructured)
	if err != nil {
		return CompletionResult{}, err
	}

	usage := Usage{
		InputTokens:  int(message.Usage.InputTokens),
		OutputTokens: int(message.Usage.OutputTokens),
	}
	usage.TotalTokens = usage.InputTokens + usage.OutputTokens

	return CompletionResult{OutputText: outputText, Usage: usage}, nil
}

// toolInputSchema translates a plain JSON-schema object (as built by
// pkg/pipeline/stage's per-stage *Schema vars) into the tool's input schema.
func toolInputSchema(schema map[string]any) anthropic.ToolInputSchemaParam {
	input := anthropic.ToolInputSchemaParam{}
	if properties, ok := schema["properties"]; ok {
		input.Properties = properties
	}
	if required, ok := schema["required"].([]string); ok {
		input.Required = required
	}
	return input
}

// extractOutput reads the model's response: the forced tool call's raw JSON
// arguments when a schema was requested, or the concatenated text blocks
// otherwise.
func extractOutput(message *anthropic.Message, wantsStructured bool) (string, error) {
	if wantsStructured {
		for _, block := range message.Content {
			if block.Type == "tool_use" && len(block.Input) > 0 {
				return string(block.Input), nil
			}
		}
		return "", pipelineerr.New(pipelineerr.KindEmptyResponse, "anthropic returned no tool_use block for a structured-output request")
	}

	var sb strings.Builder
	for _, block := range message.Content {
		if text := block.Text; text != "" {
			sb.WriteString(text)
		}
	}
	if sb.Len() == 0 {
		return "", pipelineerr.New(pipelineerr.KindEmptyResponse, "anthropic returned no text content")
	}
	return sb.String(), nil
}

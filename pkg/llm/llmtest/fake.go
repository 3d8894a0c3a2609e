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

// Package llmtest provides a scripted fake of llm.Client for exercising the
// runner and stage executors without a real provider, treating the oracle
// call as fully replaceable per spec §1.
package llmtest

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/jordigilh/pipeline-worker/pkg/llm"
)

// Responder produces a completion (or error) for a single call. Responders
// are consumed from a single FIFO queue in call order; there is no matching
// by model or prompt, so tests script the exact call order.
type Responder func(req llm.CompletionRequest) (llm.CompletionResult, error)

// FakeClient is a thread-safe, call-counting llm.Client double.
type FakeClient struct {
	mu        sync.Mutex
	queue     []Responder
	callCount int64
	calls     []llm.CompletionRequest
}

// NewFakeClient builds an empty FakeClient. Use Enqueue/EnqueueN to script
// responses before invoking the code under test.
func NewFakeClient() *FakeClient {
	return &FakeClient{}
}

// Enqueue appends one scripted responder to the FIFO queue.
func (f *FakeClient) Enqueue(r Responder) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queue = append(f.queue, r)
}

// EnqueueResult is a convenience wrapper around Enqueue for the common case
// of returning a fixed result with no error.
func (f *FakeClient) EnqueueResult(result llm.CompletionResult) {
	f.Enqueue(func(llm.CompletionRequest) (llm.CompletionResult, error) {
		return result, nil
	})
}

// EnqueueError is a convenience wrapper around Enqueue for the common case
// of returning a fixed error.
func (f *FakeClient) EnqueueError(err error) {
	f.Enqueue(func(llm.CompletionRequest) (llm.CompletionResult, error) {
		return llm.CompletionResult{}, err
	})
}

// Complete implements llm.Client, popping the next scripted responder. If
// the queue is exhausted it panics — a test invoking more calls than it
// scripted has a bug worth surfacing loudly rather than masking.
func (f *FakeClient) Complete(_ context.Context, req llm.CompletionRequest) (llm.CompletionResult, error) {
	atomic.AddInt64(&f.callCount, 1)

	f.mu.Lock()
	if len(f.queue) == 0 {
		f.mu.Unlock()
		panic("llmtest.FakeClient: Complete called with no scripted responder queued")
	}
	next := f.queue[0]
	f.queue = f.queue[1:]
	f.calls = append(f.calls, req)
	f.mu.Unlock()

	return next(req)
}

// CallCount returns the total number of Complete invocations so far.
func (f *FakeClient) CallCount() int64 {
	return atomic.LoadInt64(&f.callCount)
}

// Calls returns a copy of every request Complete has received, in order.
func (f *FakeClient) Calls() []llm.CompletionRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]llm.CompletionRequest, len(f.calls))
	copy(out, f.calls)
	return out
}

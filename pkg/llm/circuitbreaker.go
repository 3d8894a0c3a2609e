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
	"sync"
	"time"

	"github.com/sony/gobreaker"

	"github.com/jordigilh/pipeline-worker/pkg/pipelineerr"
)

// BreakerManager holds one gobreaker.CircuitBreaker per named circuit
// (AnthropicClient names circuits by model), opened lazily on first use. A tripped breaker
// turns a hanging/failing stage into a fast ApiCallFailed instead of
// exhausting the caller's patience on every retry.
type BreakerManager struct {
	settings func(name string) gobreaker.Settings

	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker
}

// NewBreakerManager builds a manager. settingsFor customizes the
// gobreaker.Settings per circuit name; pass DefaultSettings to use the same
// settings for every circuit.
func NewBreakerManager(settingsFor func(name string) gobreaker.Settings) *BreakerManager {
	return &BreakerManager{
		settings: settingsFor,
		breakers: make(map[string]*gobreaker.CircuitBreaker),
	}
}

// DefaultSettings returns sensible gobreaker settings for an LLM call
// circuit: trip after 3 consecutive failures, half-open after 30s.
func DefaultSettings(name string) gobreaker.Settings {
	return gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 3
		},
	}
}

func (m *BreakerManager) breakerFor(name string) *gobreaker.CircuitBreaker {
	m.mu.Lock()
	defer m.mu.Unlock()

	if b, ok := m.breakers[name]; ok {
		return b
	}
	b := gobreaker.NewCircuitBreaker(m.settings(name))
	m.breakers[name] = b
	return b
}

// Execute runs fn through the named circuit. A gobreaker.ErrOpenState or
// gobreaker.ErrTooManyRequests is surfaced as an ApiCallFailed, matching
// the failure this guards against.
func (m *BreakerManager) Execute(ctx context.Context, name string, fn func(ctx context.Context) (CompletionResult, error)) (CompletionResult, error) {
	result, err := m.breakerFor(name).Execute(func() (any, error) {
		return fn(ctx)
	})
	if err != nil {
		if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
			return CompletionResult{}, pipelineerr.Wrapf(err, pipelineerr.KindApiCallFailed,
				"circuit breaker %s is open", name)
		}
		return CompletionResult{}, err
	}
	return result.(CompletionResult), nil
}

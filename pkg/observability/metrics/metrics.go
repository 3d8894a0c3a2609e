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

// Package metrics registers the runner's Prometheus instrumentation against
// a caller-supplied registry (never the global DefaultRegisterer), so a host
// process can run several runners — or run runner tests — without metric
// collisions.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// StageMetrics is the fixed set of counters/histograms the runner updates
// once per stage attempt and once per lock/validation event.
type StageMetrics struct {
	StageDuration      *prometheus.HistogramVec
	StageOutcomes      *prometheus.CounterVec
	LockContention     prometheus.Counter
	ValidationFailures *prometheus.CounterVec
}

// New builds a StageMetrics and registers it against reg. Passing an
// existing *prometheus.Registry lets tests use a throwaway registry per
// spec instead of fighting over the global default one.
func New(reg *prometheus.Registry) *StageMetrics {
	m := &StageMetrics{
		StageDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "pipeline_worker",
			Name:      "stage_duration_seconds",
			Help:      "Stage execution duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"stage"}),
		StageOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "pipeline_worker",
			Name:      "stage_outcomes_total",
			Help:      "Count of stage attempts by outcome.",
		}, []string{"stage", "outcome"}),
		LockContention: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "pipeline_worker",
			Name:      "lock_contention_total",
			Help:      "Count of runs that found the report lock already held.",
		}),
		ValidationFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "pipeline_worker",
			Name:      "validation_failures_total",
			Help:      "Count of pipeline state validation failures by step.",
		}, []string{"step"}),
	}

	reg.MustRegister(m.StageDuration, m.StageOutcomes, m.LockContention, m.ValidationFailures)
	return m
}

// ObserveStage records one stage attempt's duration and terminal outcome
// ("completed" or "failed").
func (m *StageMetrics) ObserveStage(stage string, seconds float64, outcome string) {
	m.StageDuration.WithLabelValues(stage).Observe(seconds)
	m.StageOutcomes.WithLabelValues(stage, outcome).Inc()
}

// IncLockContention records one run observing the report lock already held
// by another owner.
func (m *StageMetrics) IncLockContention() {
	m.LockContention.Inc()
}

// IncValidationFailure records one pipeline state validation failure for
// step.
func (m *StageMetrics) IncValidationFailure(step string) {
	m.ValidationFailures.WithLabelValues(step).Inc()
}

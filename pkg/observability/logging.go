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

// Package observability supplies the per-report structured logger, stage
// timing, and Prometheus metrics every runner invocation threads through a
// RunnerContext (spec §4.E), generalizing the teacher's module-level
// zap/logr singletons into explicit, constructor-injected dependencies.
package observability

import (
	"github.com/go-logr/logr"
	"github.com/go-logr/zapr"
	"go.uber.org/zap"
)

// NewLogger builds a logr.Logger backed by zap: a development config (human
// readable, debug level) when development is true, a production config
// (JSON, info level) otherwise — matching the teacher's zap.NewNop() for
// tests / zap.NewProductionConfig() for real services split.
func NewLogger(development bool) (logr.Logger, *zap.Logger, error) {
	var zapLogger *zap.Logger
	var err error
	if development {
		zapLogger, err = zap.NewDevelopment()
	} else {
		zapLogger, err = zap.NewProduction()
	}
	if err != nil {
		return logr.Logger{}, nil, err
	}
	return zapr.NewLogger(zapLogger), zapLogger, nil
}

// ForReport returns a logger annotated with the report/user identifiers
// every pipeline log line carries.
func ForReport(base logr.Logger, reportID, userID string) logr.Logger {
	return base.WithValues("reportId", reportID, "userId", userID)
}

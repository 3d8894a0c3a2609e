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

package pipeline

import "github.com/go-logr/logr"

// RunnerContext is the per-report dependency bundle every stage executor
// receives instead of reaching for a module-level logger (spec §9 redesign
// flag on singletons).
type RunnerContext struct {
	ReportID string
	UserID   string
	Logger   logr.Logger
}

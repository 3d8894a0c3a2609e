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

// Package stage implements the four step executors (clustering, claims,
// sort_and_deduplicate, summaries) behind the uniform contract spec §4.C
// describes: previous results plus this stage's LLM config in, a validated
// result or a tagged StageError out.
package stage

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/jordigilh/pipeline-worker/pkg/pipeline"
)

const (
	minMeaningfulChars = 10
	minMeaningfulWords = 3
	maxCommentChars    = 10_000
	maxPromptChars     = 100_000
)

// injectionPatterns flags comments that read as an attempt to steer the
// clustering prompt rather than as substantive input. Matching is
// deliberately coarse: a false positive only drops one comment from
// clustering, never fails the stage.
var injectionPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)ignore (all )?(previous|prior|above) instructions`),
	regexp.MustCompile(`(?i)disregard (all )?(previous|prior|above)`),
	regexp.MustCompile(`(?i)you are now`),
	regexp.MustCompile(`(?i)system prompt`),
	regexp.MustCompile(`(?i)\bact as\b.{0,40}\bassistant\b`),
	regexp.MustCompile(`(?i)new instructions:`),
}

// SanitizeResult is the outcome of filtering a raw comment batch before it
// enters the clustering prompt.
type SanitizeResult struct {
	Comments       []pipeline.Comment
	FilteredShort  int
	FilteredUnsafe int
}

// Sanitize drops comments below the meaningfulness threshold or flagged as
// prompt injection, and truncates oversized survivors, per spec §4.C.
func Sanitize(comments []pipeline.Comment) SanitizeResult {
	result := SanitizeResult{Comments: make([]pipeline.Comment, 0, len(comments))}

	for _, c := range comments {
		text := strings.TrimSpace(c.Text)

		if len(text) < minMeaningfulChars && wordCount(text) < minMeaningfulWords {
			result.FilteredShort++
			continue
		}

		if isUnsafe(text) {
			result.FilteredUnsafe++
			continue
		}

		if len(text) > maxCommentChars {
			text = text[:maxCommentChars]
		}
		c.Text = text
		result.Comments = append(result.Comments, c)
	}

	return result
}

func wordCount(text string) int {
	return len(strings.Fields(text))
}

func isUnsafe(text string) bool {
	for _, p := range injectionPatterns {
		if p.MatchString(text) {
			return true
		}
	}
	return false
}

// BuildPrompt concatenates sanitized comments into a single numbered list,
// capped at maxPromptChars total (spec §4.C: "builds a single concatenated
// prompt capped at 100,000 chars").
func BuildPrompt(comments []pipeline.Comment) string {
	var b strings.Builder
	for i, c := range comments {
		line := formatCommentLine(i, c)
		if b.Len()+len(line) > maxPromptChars {
			break
		}
		b.WriteString(line)
	}
	return b.String()
}

func formatCommentLine(index int, c pipeline.Comment) string {
	speaker := "unknown"
	if c.Speaker != nil && *c.Speaker != "" {
		speaker = *c.Speaker
	}
	return strings.Join([]string{
		"[", strconv.Itoa(index), "] (", c.ID, ", ", speaker, "): ", c.Text, "\n",
	}, "")
}

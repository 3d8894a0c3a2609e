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

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
)

// ClaimIndex is the single internal representation of an LLM-emitted claim
// identifier, which arrives as either a bare integer or a "claimId<n>"
// string (spec §9 redesign flag: parse once at the boundary, downstream
// code takes only this type).
type ClaimIndex int

var claimIDPattern = regexp.MustCompile(`^claimId(\d+)$`)

// ParseClaimIndex parses a single raw JSON id token into a ClaimIndex.
func ParseClaimIndex(raw json.RawMessage) (ClaimIndex, error) {
	var asInt int
	if err := json.Unmarshal(raw, &asInt); err == nil {
		return ClaimIndex(asInt), nil
	}

	var asString string
	if err := json.Unmarshal(raw, &asString); err == nil {
		m := claimIDPattern.FindStringSubmatch(asString)
		if m == nil {
			return 0, fmt.Errorf("claim id %q does not match claimId<n> or an integer", asString)
		}
		n, err := strconv.Atoi(m[1])
		if err != nil {
			return 0, fmt.Errorf("claim id %q has an unparseable index: %w", asString, err)
		}
		return ClaimIndex(n), nil
	}

	return 0, fmt.Errorf("claim id is neither a JSON integer nor a JSON string")
}

// InRange reports whether idx addresses a valid position in a slice of
// length n.
func (idx ClaimIndex) InRange(n int) bool {
	return int(idx) >= 0 && int(idx) < n
}

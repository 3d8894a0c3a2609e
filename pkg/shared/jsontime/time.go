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

// Package jsontime provides a time.Time wrapper that always marshals to
// ISO-8601 with millisecond precision, matching the wire contract every
// pipeline_state JSON blob is held to (spec §6: "timestamps (ISO-8601 with
// milliseconds)").
package jsontime

import (
	"fmt"
	"strings"
	"time"
)

const layout = "2006-01-02T15:04:05.000Z07:00"

// Time wraps time.Time for millisecond-precision JSON round-tripping.
type Time struct {
	time.Time
}

// Now returns the current time wrapped as a Time.
func Now() Time {
	return Time{Time: time.Now().UTC()}
}

// Wrap adapts an existing time.Time.
func Wrap(t time.Time) Time {
	return Time{Time: t}
}

// MarshalJSON implements json.Marshaler.
func (t Time) MarshalJSON() ([]byte, error) {
	if t.Time.IsZero() {
		return []byte(`null`), nil
	}
	return []byte(fmt.Sprintf("%q", t.Time.UTC().Format(layout))), nil
}

// UnmarshalJSON implements json.Unmarshaler.
func (t *Time) UnmarshalJSON(data []byte) error {
	s := strings.Trim(string(data), `"`)
	if s == "null" || s == "" {
		t.Time = time.Time{}
		return nil
	}
	parsed, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		parsed, err = time.Parse(layout, s)
		if err != nil {
			return fmt.Errorf("jsontime: cannot parse %q: %w", s, err)
		}
	}
	t.Time = parsed.UTC()
	return nil
}

// IsZero reports whether the wrapped time is the zero value.
func (t Time) IsZero() bool {
	return t.Time.IsZero()
}

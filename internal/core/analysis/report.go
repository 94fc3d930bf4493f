// Copyright 2024 Google, LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package analysis runs persona critique jobs over an uploaded video and
// verifies their results. This file holds the normalization applied to every
// raw model response before persistence: JSON parsing, timestamp snapping and
// clamping, and post-hoc shape validation.
package analysis

import (
	"encoding/json"
	"fmt"
	"math"
	"strings"

	"github.com/jaycherian/gcp-go-media-critique/internal/core/model"
)

// Report shape expectations. Deviations become warnings, never rejections.
const (
	expectedHighlights = 5
	expectedConcerns   = 5
	// highSeverityFloor is the severity at which a concern counts toward a
	// persona's configured minimum of high-severity findings.
	highSeverityFloor = 4
)

// Persona is the orchestrator's view of one configured reviewer.
type Persona struct {
	ID                 string
	Name               string
	Definition         string
	SystemInstructions string
	// Prompt, when set, overrides the shared analysis template for this
	// persona only.
	Prompt string
	// MinHighSeverity is the minimum number of severity>=4 concerns this
	// persona is expected to surface; fewer produces a validation warning.
	MinHighSeverity int
}

// ParseReport decodes the model's JSON output into a report. The raw text is
// expected to already have markdown fences stripped by the response helper.
func ParseReport(raw string) (*model.PersonaReport, error) {
	report := &model.PersonaReport{}
	if err := json.Unmarshal([]byte(strings.TrimSpace(raw)), report); err != nil {
		return nil, fmt.Errorf("failed to parse persona report: %w", err)
	}
	return report, nil
}

// snapSeconds rounds an offset to the nearest 10-second increment and clamps
// it to the video duration when one was supplied (0 means unknown).
func snapSeconds(seconds int, durationSeconds int) int {
	snapped := int(math.Round(float64(seconds)/10.0)) * 10
	if snapped < 0 {
		snapped = 0
	}
	if durationSeconds > 0 && snapped > durationSeconds {
		snapped = durationSeconds
	}
	return snapped
}

// formatTimestamp renders an absolute offset as its display string,
// "MM:SS" under an hour and "HH:MM:SS" above.
func formatTimestamp(seconds int) string {
	h := seconds / 3600
	m := (seconds % 3600) / 60
	s := seconds % 60
	if h > 0 {
		return fmt.Sprintf("%02d:%02d:%02d", h, m, s)
	}
	return fmt.Sprintf("%02d:%02d", m, s)
}

// SnapTimestamps normalizes every reported offset in place: each seconds
// value is snapped to the nearest 10-second increment and clamped to the
// video duration, and the display timestamp is re-rendered to match.
func SnapTimestamps(report *model.PersonaReport, durationSeconds int) {
	for _, h := range report.Highlights {
		h.Seconds = snapSeconds(h.Seconds, durationSeconds)
		h.Timestamp = formatTimestamp(h.Seconds)
	}
	for _, c := range report.Concerns {
		c.Seconds = snapSeconds(c.Seconds, durationSeconds)
		c.Timestamp = formatTimestamp(c.Seconds)
	}
}

// Validate computes the post-hoc shape warnings for a report: wrong
// highlight/concern counts and too few high-severity concerns for the
// persona's configured minimum. Warnings attach to the report but never
// block persistence.
func Validate(report *model.PersonaReport, persona Persona) []string {
	var warnings []string
	if len(report.Highlights) != expectedHighlights {
		warnings = append(warnings, fmt.Sprintf("expected %d highlights, got %d", expectedHighlights, len(report.Highlights)))
	}
	if len(report.Concerns) != expectedConcerns {
		warnings = append(warnings, fmt.Sprintf("expected %d concerns, got %d", expectedConcerns, len(report.Concerns)))
	}
	if persona.MinHighSeverity > 0 {
		high := 0
		for _, c := range report.Concerns {
			if c.Severity >= highSeverityFloor {
				high++
			}
		}
		if high < persona.MinHighSeverity {
			warnings = append(warnings, fmt.Sprintf("persona %q expects at least %d high-severity concerns, got %d", persona.Name, persona.MinHighSeverity, high))
		}
	}
	return warnings
}

// cacheErrorSignatures are the message fragments that mark a failed model
// call as cache-related: the shared content cache is invalid, expired, or
// gone. Such calls get one transparent retry via the uncached path.
var cacheErrorSignatures = []string{
	"cachedcontent",
	"cached content",
	"cachedcontents",
	"cache_expired",
	"cache not found",
	"permission denied on resource",
}

// IsCacheRelated reports whether an error message indicates the shared
// content cache itself is the problem, rather than the request or the video.
func IsCacheRelated(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, sig := range cacheErrorSignatures {
		if strings.Contains(msg, sig) {
			return true
		}
	}
	return false
}

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

// Package analysis_test contains unit tests for report normalization: JSON
// parsing, timestamp snapping, shape validation and the cache-error
// classifier.
package analysis_test

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/jaycherian/gcp-go-media-critique/internal/core/analysis"
	"github.com/jaycherian/gcp-go-media-critique/internal/core/model"
)

// TestParseReport verifies the raw model output decodes into the report
// structure and that garbage fails cleanly.
func TestParseReport(t *testing.T) {
	raw := `{
		"executive_summary": "A tight, well-paced trailer.",
		"highlights": [{"timestamp": "00:14", "seconds": 14, "category": "pacing", "evidence": "cold open lands"}],
		"concerns": [{"timestamp": "01:02", "seconds": 62, "category": "audio", "severity": 4, "evidence": "dialogue buried under score"}]
	}`
	report, err := analysis.ParseReport(raw)
	assert.NoError(t, err)
	assert.Equal(t, "A tight, well-paced trailer.", report.ExecutiveSummary)
	assert.Equal(t, 1, len(report.Highlights))
	assert.Equal(t, 4, report.Concerns[0].Severity)

	_, err = analysis.ParseReport("not json at all")
	assert.Error(t, err)
}

// TestSnapTimestamps verifies offsets snap to the nearest 10-second increment,
// clamp to the video duration, and re-render their display timestamps.
func TestSnapTimestamps(t *testing.T) {
	report := &model.PersonaReport{
		Highlights: []*model.Highlight{
			{Seconds: 14},   // rounds down
			{Seconds: 15},   // rounds up
			{Seconds: 3605}, // over an hour, exercises HH:MM:SS
		},
		Concerns: []*model.Concern{
			{Seconds: 7300}, // past the end, clamps to duration
		},
	}

	analysis.SnapTimestamps(report, 7200)

	assert.Equal(t, 10, report.Highlights[0].Seconds)
	assert.Equal(t, "00:10", report.Highlights[0].Timestamp)
	assert.Equal(t, 20, report.Highlights[1].Seconds)
	assert.Equal(t, "00:20", report.Highlights[1].Timestamp)
	assert.Equal(t, 3610, report.Highlights[2].Seconds)
	assert.Equal(t, "01:00:10", report.Highlights[2].Timestamp)
	assert.Equal(t, 7200, report.Concerns[0].Seconds)
	assert.Equal(t, "02:00:00", report.Concerns[0].Timestamp)
}

// TestSnapTimestampsUnknownDuration verifies that a zero duration disables
// clamping but snapping still applies.
func TestSnapTimestampsUnknownDuration(t *testing.T) {
	report := &model.PersonaReport{
		Highlights: []*model.Highlight{{Seconds: 99999}},
	}
	analysis.SnapTimestamps(report, 0)
	assert.Equal(t, 100000, report.Highlights[0].Seconds)
}

// TestValidateCounts verifies the shape warnings: wrong highlight and concern
// counts and too few high-severity concerns for the persona's floor.
func TestValidateCounts(t *testing.T) {
	persona := analysis.Persona{ID: "brand_safety", Name: "Brand Safety Reviewer", MinHighSeverity: 2}
	report := &model.PersonaReport{
		Highlights: []*model.Highlight{{}, {}, {}},
		Concerns: []*model.Concern{
			{Severity: 5}, {Severity: 3}, {Severity: 2}, {Severity: 1}, {Severity: 3},
		},
	}

	warnings := analysis.Validate(report, persona)

	assert.Equal(t, 2, len(warnings))
	assert.Contains(t, warnings[0], "expected 5 highlights, got 3")
	assert.Contains(t, warnings[1], "at least 2 high-severity concerns, got 1")
}

// TestValidateCleanReport verifies a well-shaped report produces no warnings.
func TestValidateCleanReport(t *testing.T) {
	persona := analysis.Persona{ID: "accessibility", Name: "Accessibility Advocate"}
	report := &model.PersonaReport{
		Highlights: []*model.Highlight{{}, {}, {}, {}, {}},
		Concerns:   []*model.Concern{{}, {}, {}, {}, {}},
	}

	assert.Empty(t, analysis.Validate(report, persona))
}

// TestIsCacheRelated verifies the classifier recognizes the known
// cache-failure shapes and nothing else.
func TestIsCacheRelated(t *testing.T) {
	assert.True(t, analysis.IsCacheRelated(errors.New("CachedContent not found")))
	assert.True(t, analysis.IsCacheRelated(errors.New("400: CACHE_EXPIRED")))
	assert.True(t, analysis.IsCacheRelated(errors.New("permission denied on resource cachedContents/abc")))
	assert.False(t, analysis.IsCacheRelated(errors.New("model is overloaded")))
	assert.False(t, analysis.IsCacheRelated(nil))
}

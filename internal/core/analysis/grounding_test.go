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

// Package analysis_test contains unit tests for the grounding pass: drift
// resolution over verified timestamps and the non-fatal skip and failure
// paths.
package analysis_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/jaycherian/gcp-go-media-critique/internal/core/analysis"
	"github.com/jaycherian/gcp-go-media-critique/internal/core/model"
)

// scriptedGenerator returns a fixed response (or error) and records the calls
// it received.
type scriptedGenerator struct {
	response string
	err      error
	calls    int
	lastRef  string
	lastCC   string
}

func (g *scriptedGenerator) Generate(_ context.Context, _, videoRef, _, cachedContent string) (string, error) {
	g.calls++
	g.lastRef = videoRef
	g.lastCC = cachedContent
	if g.err != nil {
		return "", g.err
	}
	return g.response, nil
}

func groundingFixture(t *testing.T, gen *scriptedGenerator) *analysis.Grounder {
	tmpl, err := analysis.ParseGroundingTemplate("")
	assert.NoError(t, err)
	return analysis.NewGrounder(gen, tmpl)
}

func sampleReport() *model.PersonaReport {
	return &model.PersonaReport{
		ExecutiveSummary: "summary",
		Highlights: []*model.Highlight{
			{Timestamp: "01:00", Seconds: 60, Evidence: "original evidence"},
		},
		Concerns: []*model.Concern{
			{Timestamp: "02:00", Seconds: 120, Severity: 3, Evidence: "concern evidence"},
		},
	}
}

// TestGroundConfirmsSmallDrift verifies that drift within 10 seconds keeps
// the original timestamp and evidence and upgrades confidence to high.
func TestGroundConfirmsSmallDrift(t *testing.T) {
	gen := &scriptedGenerator{
		response: `[{"type": "highlight", "index": 0, "found_seconds": 65, "confidence": "high", "evidence": "seen near there"}]`,
	}
	g := groundingFixture(t, gen)

	report := g.Ground(context.Background(), sampleReport(), "files/f1", "video/mp4", "cachedContents/c1", 600)

	assert.True(t, report.Grounded)
	h := report.Highlights[0]
	assert.Equal(t, 60, h.Seconds)
	assert.Equal(t, "01:00", h.Timestamp)
	assert.Equal(t, "original evidence", h.Evidence)
	assert.Equal(t, model.ConfidenceHigh, h.Confidence)
}

// TestGroundSmallDriftKeepsLowFindingConfidence verifies that a confirming
// drift does not upgrade confidence when the finding itself was low.
func TestGroundSmallDriftKeepsLowFindingConfidence(t *testing.T) {
	gen := &scriptedGenerator{
		response: `[{"type": "highlight", "index": 0, "found_seconds": 60, "confidence": "low", "evidence": ""}]`,
	}
	g := groundingFixture(t, gen)

	report := g.Ground(context.Background(), sampleReport(), "files/f1", "video/mp4", "cachedContents/c1", 600)

	assert.Equal(t, model.ConfidenceLow, report.Highlights[0].Confidence)
	assert.Equal(t, 60, report.Highlights[0].Seconds)
}

// TestGroundToleratesMediumDrift verifies that drift between 10 and 30
// seconds keeps the original values at medium confidence.
func TestGroundToleratesMediumDrift(t *testing.T) {
	gen := &scriptedGenerator{
		response: `[{"type": "concern", "index": 0, "found_seconds": 140, "confidence": "high", "evidence": "later than claimed"}]`,
	}
	g := groundingFixture(t, gen)

	report := g.Ground(context.Background(), sampleReport(), "files/f1", "video/mp4", "cachedContents/c1", 600)

	c := report.Concerns[0]
	assert.Equal(t, 120, c.Seconds)
	assert.Equal(t, "concern evidence", c.Evidence)
	assert.Equal(t, model.ConfidenceMedium, c.Confidence)
}

// TestGroundOverwritesLargeDrift verifies that drift past 30 seconds trusts
// the found value: the timestamp snaps to the found offset, the evidence is
// replaced, and confidence drops to low.
func TestGroundOverwritesLargeDrift(t *testing.T) {
	gen := &scriptedGenerator{
		response: `[{"type": "highlight", "index": 0, "found_seconds": 104, "confidence": "high", "evidence": "actually occurs here"}]`,
	}
	g := groundingFixture(t, gen)

	report := g.Ground(context.Background(), sampleReport(), "files/f1", "video/mp4", "cachedContents/c1", 600)

	h := report.Highlights[0]
	assert.Equal(t, 100, h.Seconds) // found 104, snapped to the 10s grid
	assert.Equal(t, "01:40", h.Timestamp)
	assert.Equal(t, "actually occurs here", h.Evidence)
	assert.Equal(t, model.ConfidenceLow, h.Confidence)
}

// TestGroundSkipsWithoutCacheOrExternalRef verifies the cost guard: no cache
// and a server-side file reference means no grounding call at all.
func TestGroundSkipsWithoutCacheOrExternalRef(t *testing.T) {
	gen := &scriptedGenerator{response: "[]"}
	g := groundingFixture(t, gen)

	report := g.Ground(context.Background(), sampleReport(), "files/f1", "video/mp4", "", 600)

	assert.False(t, report.Grounded)
	assert.Equal(t, 0, gen.calls)
}

// TestGroundRunsForExternalVideoWithoutCache verifies that an externally
// hosted video is grounded even without a cache, since the service can
// re-fetch it on its own.
func TestGroundRunsForExternalVideoWithoutCache(t *testing.T) {
	gen := &scriptedGenerator{response: "[]"}
	g := groundingFixture(t, gen)

	report := g.Ground(context.Background(), sampleReport(), "https://www.youtube.com/watch?v=abc", "", "", 600)

	assert.True(t, report.Grounded)
	assert.Equal(t, 1, gen.calls)
}

// TestGroundFailureReturnsReportUnchanged verifies that a failing grounding
// call leaves the report exactly as given, with Grounded false.
func TestGroundFailureReturnsReportUnchanged(t *testing.T) {
	gen := &scriptedGenerator{err: errors.New("boom")}
	g := groundingFixture(t, gen)

	original := sampleReport()
	report := g.Ground(context.Background(), original, "files/f1", "video/mp4", "cachedContents/c1", 600)

	assert.False(t, report.Grounded)
	assert.Equal(t, 60, report.Highlights[0].Seconds)
	assert.Equal(t, "original evidence", report.Highlights[0].Evidence)
}

// TestGroundIgnoresOutOfRangeFindings verifies that findings referencing
// indexes outside the report are dropped without affecting the pass.
func TestGroundIgnoresOutOfRangeFindings(t *testing.T) {
	gen := &scriptedGenerator{
		response: `[{"type": "highlight", "index": 7, "found_seconds": 500}, {"type": "concern", "index": -1, "found_seconds": 10}]`,
	}
	g := groundingFixture(t, gen)

	report := g.Ground(context.Background(), sampleReport(), "files/f1", "video/mp4", "cachedContents/c1", 600)

	assert.True(t, report.Grounded)
	assert.Equal(t, 60, report.Highlights[0].Seconds)
	assert.Equal(t, 120, report.Concerns[0].Seconds)
}

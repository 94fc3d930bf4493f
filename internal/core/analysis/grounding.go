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

// Package analysis runs persona critique jobs over an uploaded video.
// This file implements the grounding pass: a secondary verification step that
// re-checks every timestamp claim in a completed report with one consolidated
// model call and corrects the ones that drifted. Grounding is an enhancement,
// never a blocking dependency: any failure returns the original report
// unchanged with Grounded left false.
package analysis

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"text/template"

	"github.com/jaycherian/gcp-go-media-critique/internal/core/model"
)

// Drift thresholds, in seconds. Drift within the small threshold confirms
// the claim; past the large threshold the found value is trusted over the
// original, because large drift means the original was wrong, not noisy.
const (
	driftConfirm  = 10
	driftTolerate = 30
)

// groundingFinding is one entry of the model's verification response.
type groundingFinding struct {
	Type         string `json:"type"`
	Index        int    `json:"index"`
	FoundSeconds int    `json:"found_seconds"`
	Confidence   string `json:"confidence"`
	Evidence     string `json:"evidence"`
}

// Grounder re-verifies timestamp claims in completed reports.
type Grounder struct {
	gen  Generator
	tmpl *template.Template
}

// NewGrounder builds a grounder over the shared generator.
func NewGrounder(gen Generator, tmpl *template.Template) *Grounder {
	return &Grounder{gen: gen, tmpl: tmpl}
}

// Ground runs the verification pass over a completed report. It requires a
// shared content cache or an externally-hosted video reference: re-fetching
// an entire uncached local video just to ground timestamps is not worth the
// cost, so without either the pass is skipped non-fatally.
//
// The input report is mutated in place only on success; on any failure it is
// returned exactly as given.
func (g *Grounder) Ground(ctx context.Context, report *model.PersonaReport, videoRef, mimeType, cacheName string, durationSeconds int) *model.PersonaReport {
	if cacheName == "" && !isExternalVideoRef(videoRef) {
		slog.Debug("skipping grounding pass: no cache and no external video reference")
		return report
	}

	prompt, err := BuildGroundingPrompt(g.tmpl, report)
	if err != nil {
		slog.Warn("grounding prompt build failed; returning ungrounded report", "error", err)
		return report
	}

	raw, err := g.gen.Generate(ctx, prompt, videoRef, mimeType, cacheName)
	if err != nil {
		slog.Warn("grounding call failed; returning ungrounded report", "error", err)
		return report
	}

	var findings []groundingFinding
	if err := json.Unmarshal([]byte(strings.TrimSpace(raw)), &findings); err != nil {
		slog.Warn("grounding response parse failed; returning ungrounded report", "error", err)
		return report
	}

	for _, f := range findings {
		switch f.Type {
		case "highlight":
			if f.Index >= 0 && f.Index < len(report.Highlights) {
				h := report.Highlights[f.Index]
				h.Seconds, h.Timestamp, h.Evidence, h.Confidence = applyDrift(
					h.Seconds, h.Evidence, f, durationSeconds)
			}
		case "concern":
			if f.Index >= 0 && f.Index < len(report.Concerns) {
				c := report.Concerns[f.Index]
				c.Seconds, c.Timestamp, c.Evidence, c.Confidence = applyDrift(
					c.Seconds, c.Evidence, f, durationSeconds)
			}
		}
	}
	report.Grounded = true
	return report
}

// applyDrift resolves one claim against its grounding finding.
//
// Drift rules:
//   - drift <= 10s: the claim is confirmed. Confidence is upgraded to high
//     unless the upstream finding itself was low, and the original timestamp
//     is kept.
//   - drift <= 30s: confidence is medium; original values are kept.
//   - drift > 30s: confidence is low AND the timestamp and evidence are
//     overwritten with the found values.
func applyDrift(origSeconds int, origEvidence string, f groundingFinding, durationSeconds int) (seconds int, timestamp, evidence, confidence string) {
	drift := f.FoundSeconds - origSeconds
	if drift < 0 {
		drift = -drift
	}
	switch {
	case drift <= driftConfirm:
		confidence = model.ConfidenceHigh
		if f.Confidence == model.ConfidenceLow {
			confidence = model.ConfidenceLow
		}
		seconds = origSeconds
		evidence = origEvidence
	case drift <= driftTolerate:
		confidence = model.ConfidenceMedium
		seconds = origSeconds
		evidence = origEvidence
	default:
		confidence = model.ConfidenceLow
		seconds = snapSeconds(f.FoundSeconds, durationSeconds)
		evidence = f.Evidence
		if evidence == "" {
			evidence = origEvidence
		}
	}
	timestamp = formatTimestamp(seconds)
	return seconds, timestamp, evidence, confidence
}

// isExternalVideoRef reports whether the reference points at an
// externally-hosted video the inference service can re-fetch on its own.
func isExternalVideoRef(ref string) bool {
	return strings.HasPrefix(ref, "https://www.youtube.com/") ||
		strings.HasPrefix(ref, "https://youtube.com/") ||
		strings.HasPrefix(ref, "https://youtu.be/")
}

// sanitizeError reduces an internal error to the short, human-readable form
// persisted on a failed job. Full detail stays in the server logs only.
func sanitizeError(stage string, err error) string {
	msg := err.Error()
	if len(msg) > 160 {
		msg = msg[:160]
	}
	return fmt.Sprintf("%s: %s", stage, msg)
}

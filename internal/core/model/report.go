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

// Package model defines the core data structures for the application.
// This file contains the structured critique report produced by a single
// persona's analysis pass. The report is the payload carried inside a
// completed AnalysisJob's result and is what the grounding pass re-verifies.
package model

// Confidence levels assigned to report items by the grounding pass.
const (
	ConfidenceHigh   = "high"
	ConfidenceMedium = "medium"
	ConfidenceLow    = "low"
)

// Highlight is one positively-noted moment in the video. Timestamp is the
// display string ("00:14:30"); Seconds is the absolute offset that all
// snapping, clamping and grounding arithmetic operates on.
type Highlight struct {
	Timestamp  string `json:"timestamp"`
	Seconds    int    `json:"seconds"`
	Category   string `json:"category"`
	Evidence   string `json:"evidence"`
	Quote      string `json:"quote,omitempty"`
	Confidence string `json:"confidence,omitempty"`
}

// Concern is one negatively-noted moment. Severity runs 1 (minor) to 5
// (blocking); each persona configures how many high-severity concerns it
// expects at minimum, which feeds the post-hoc validation warnings.
type Concern struct {
	Timestamp  string `json:"timestamp"`
	Seconds    int    `json:"seconds"`
	Category   string `json:"category"`
	Severity   int    `json:"severity"`
	Evidence   string `json:"evidence"`
	Quote      string `json:"quote,omitempty"`
	Confidence string `json:"confidence,omitempty"`
}

// Answer is one response to a viewer-supplied question.
type Answer struct {
	Question string `json:"question"`
	Answer   string `json:"answer"`
}

// PersonaReport is the structured critique produced by one persona over one
// video. The 5-highlight/5-concern shape is expected but enforced post hoc:
// deviations land in Warnings rather than rejecting the report.
type PersonaReport struct {
	ExecutiveSummary string       `json:"executive_summary"`
	Highlights       []*Highlight `json:"highlights"`
	Concerns         []*Concern   `json:"concerns"`
	Answers          []*Answer    `json:"answers,omitempty"`
	Warnings         []string     `json:"warnings,omitempty"`
	// Grounded is set when the grounding pass ran to completion over this
	// report. An ungrounded report is still a valid, persistable result.
	Grounded bool `json:"grounded,omitempty"`
}

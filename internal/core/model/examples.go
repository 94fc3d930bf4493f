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
// This file provides canonical example objects used for few-shot prompting.
// Embedding a complete, well-formed JSON example in the prompt significantly
// improves the reliability of the structure the model returns.
package model

// GetExampleReport returns a fully-populated PersonaReport used as the
// few-shot JSON example in persona prompts. The content is deliberately
// generic; only the shape matters to the model.
func GetExampleReport() *PersonaReport {
	return &PersonaReport{
		ExecutiveSummary: "A confident opening act gives way to uneven pacing in the middle third, though the closing interview recovers much of the momentum.",
		Highlights: []*Highlight{
			{Timestamp: "00:01:30", Seconds: 90, Category: "pacing", Evidence: "The cold open lands its premise inside the first ninety seconds.", Quote: "so here's the thing nobody tells you"},
			{Timestamp: "00:08:20", Seconds: 500, Category: "visuals", Evidence: "The overhead shot of the workshop establishes scale without narration."},
			{Timestamp: "00:14:30", Seconds: 870, Category: "structure", Evidence: "The chapter card resets viewer attention right as the argument pivots."},
			{Timestamp: "00:21:10", Seconds: 1270, Category: "audio", Evidence: "Music drops out entirely for the key admission, which sharpens it."},
			{Timestamp: "00:27:40", Seconds: 1660, Category: "delivery", Evidence: "The direct-to-camera summary is concise and quotable."},
		},
		Concerns: []*Concern{
			{Timestamp: "00:04:50", Seconds: 290, Category: "pacing", Severity: 3, Evidence: "Three consecutive b-roll sequences repeat the same visual idea."},
			{Timestamp: "00:11:00", Seconds: 660, Category: "clarity", Severity: 4, Evidence: "The central claim is stated before the supporting context arrives."},
			{Timestamp: "00:17:30", Seconds: 1050, Category: "audio", Severity: 2, Evidence: "Room echo on the secondary speaker is noticeably worse than the host track."},
			{Timestamp: "00:23:20", Seconds: 1400, Category: "structure", Severity: 5, Evidence: "A ninety-second tangent interrupts the argument at its most fragile point."},
			{Timestamp: "00:26:10", Seconds: 1570, Category: "visuals", Severity: 1, Evidence: "The lower-third font does not match the rest of the package."},
		},
		Answers: []*Answer{
			{Question: "Does the intro earn the click?", Answer: "Yes; the premise is stated inside the first ninety seconds and the title's promise is addressed directly."},
		},
	}
}

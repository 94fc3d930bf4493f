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
// This file builds the prompts sent to the generative model. Prompts are Go
// templates populated with the persona's viewpoint, the request metadata, and
// a complete well-formed JSON example of the expected output (few-shot
// prompting), which significantly improves the reliability of the structure
// the model returns.
package analysis

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"text/template"

	"github.com/jaycherian/gcp-go-media-critique/internal/core/model"
)

// DefaultAnalysisPrompt is the base persona analysis template, used when the
// configuration does not override it.
const DefaultAnalysisPrompt = `{{ .SYSTEM_INSTRUCTIONS }}

You are reviewing the attached video as {{ .PERSONA_NAME }}. {{ .PERSONA_DEFINITION }}

Video title: {{ .TITLE }}
Synopsis: {{ .SYNOPSIS }}
Respond in language: {{ .LANGUAGE }}

Produce a critique with an executive summary, exactly 5 highlights and
exactly 5 concerns. Every highlight and concern must carry a "seconds"
field with the absolute offset of the moment in the video and a matching
"timestamp" display string. Concerns carry a "severity" from 1 (minor)
to 5 (blocking).
{{ if .QUESTIONS }}
Also answer the following viewer questions in the "answers" array:
{{ range .QUESTIONS }}- {{ . }}
{{ end }}{{ end }}
Return only JSON matching this example exactly in structure:
{{ .EXAMPLE_JSON }}`

// DefaultGroundingPrompt is the consolidated timestamp verification template.
const DefaultGroundingPrompt = `Re-examine the attached video. For each numbered claim below, locate the
moment described by its evidence text and report where it actually occurs.

{{ .CLAIMS }}

Return only a JSON array, one entry per claim, of the form:
[{"type": "highlight", "index": 0, "found_seconds": 140, "confidence": "high", "evidence": "what was actually observed"}]`

// PromptData is the dynamic payload rendered into the analysis template.
type PromptData struct {
	Persona   Persona
	Title     string
	Synopsis  string
	Language  string
	Questions []string
}

// ParseAnalysisTemplate parses a configured analysis prompt, falling back to
// the built-in default when the configuration leaves it empty.
func ParseAnalysisTemplate(configured string) (*template.Template, error) {
	body := configured
	if body == "" {
		body = DefaultAnalysisPrompt
	}
	return template.New("analysis-prompt").Parse(body)
}

// ParseGroundingTemplate parses a configured grounding prompt, falling back
// to the built-in default.
func ParseGroundingTemplate(configured string) (*template.Template, error) {
	body := configured
	if body == "" {
		body = DefaultGroundingPrompt
	}
	return template.New("grounding-prompt").Parse(body)
}

// BuildAnalysisPrompt renders the persona prompt. The persona's system
// instructions are folded into the prompt text so per-persona viewpoints
// don't require one model configuration each.
func BuildAnalysisPrompt(tmpl *template.Template, data PromptData) (string, error) {
	example, _ := json.Marshal(model.GetExampleReport())
	params := map[string]interface{}{
		"SYSTEM_INSTRUCTIONS": data.Persona.SystemInstructions,
		"PERSONA_NAME":        data.Persona.Name,
		"PERSONA_DEFINITION":  data.Persona.Definition,
		"TITLE":               data.Title,
		"SYNOPSIS":            data.Synopsis,
		"LANGUAGE":            data.Language,
		"QUESTIONS":           data.Questions,
		"EXAMPLE_JSON":        string(example),
	}
	var buffer bytes.Buffer
	if err := tmpl.Execute(&buffer, params); err != nil {
		return "", fmt.Errorf("failed to execute prompt template: %w", err)
	}
	return buffer.String(), nil
}

// BuildGroundingPrompt renders the consolidated verification prompt: one
// numbered claim per highlight and concern, each carrying its original
// offset and evidence text.
func BuildGroundingPrompt(tmpl *template.Template, report *model.PersonaReport) (string, error) {
	var claims strings.Builder
	for i, h := range report.Highlights {
		claims.WriteString(fmt.Sprintf("highlight %d (claimed at %ds): %s\n", i, h.Seconds, h.Evidence))
	}
	for i, c := range report.Concerns {
		claims.WriteString(fmt.Sprintf("concern %d (claimed at %ds): %s\n", i, c.Seconds, c.Evidence))
	}
	var buffer bytes.Buffer
	if err := tmpl.Execute(&buffer, map[string]interface{}{"CLAIMS": claims.String()}); err != nil {
		return "", fmt.Errorf("failed to execute grounding template: %w", err)
	}
	return buffer.String(), nil
}

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

// White-box tests for the analysis orchestrator. The background scheduler is
// an unexported knob the tests swap to run the fan-out inline, so these live
// inside the package.
package analysis

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/jaycherian/gcp-go-media-critique/internal/core/gemini"
	"github.com/jaycherian/gcp-go-media-critique/internal/core/model"
	"github.com/jaycherian/gcp-go-media-critique/internal/core/store"
	"github.com/jaycherian/gcp-go-media-critique/internal/core/transfer"
)

const validReportJSON = `{
	"executive_summary": "fine",
	"highlights": [{"seconds": 12, "category": "pacing", "evidence": "e"}],
	"concerns": [{"seconds": 33, "category": "audio", "severity": 2, "evidence": "e"}]
}`

// generatorCall records the inputs of one Generate invocation.
type generatorCall struct {
	prompt        string
	cachedContent string
}

// fakeGenerator answers from a per-call script keyed by invocation order and
// records every call.
type fakeGenerator struct {
	mu    sync.Mutex
	calls []generatorCall
	// respond decides the outcome per call; when nil every call succeeds
	// with validReportJSON.
	respond func(call generatorCall) (string, error)
}

func (g *fakeGenerator) Generate(_ context.Context, prompt, _, _ string, cachedContent string) (string, error) {
	call := generatorCall{prompt: prompt, cachedContent: cachedContent}
	g.mu.Lock()
	g.calls = append(g.calls, call)
	respond := g.respond
	g.mu.Unlock()
	if respond == nil {
		return validReportJSON, nil
	}
	return respond(call)
}

func (g *fakeGenerator) callCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.calls)
}

// fakeCaches scripts the cache provider.
type fakeCaches struct {
	mu     sync.Mutex
	result gemini.CacheResult
	calls  int
}

func (c *fakeCaches) EnsureCache(_ context.Context, _, _, _, _ string) gemini.CacheResult {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	return c.result
}

func testPersonas() map[string]Persona {
	return map[string]Persona{
		"brand_safety":  {ID: "brand_safety", Name: "Brand Safety Reviewer"},
		"accessibility": {ID: "accessibility", Name: "Accessibility Advocate"},
	}
}

// newTestOrchestrator wires an orchestrator over in-memory fakes with the
// fan-out running inline and fast retries.
func newTestOrchestrator(t *testing.T, gen *fakeGenerator, caches CacheProvider) (*Orchestrator, *store.MemoryStore) {
	jobs := store.NewMemoryStore()
	tmpl, err := ParseAnalysisTemplate("")
	assert.NoError(t, err)
	gtmpl, err := ParseGroundingTemplate("")
	assert.NoError(t, err)

	o := NewOrchestrator(jobs, gen, caches, NewGrounder(gen, gtmpl), testPersonas(), tmpl, "gemini-2.0-flash")
	o.retryCfg.BaseDelay = time.Millisecond
	o.retryCfg.MaxDelay = time.Millisecond
	o.retryCfg.MinDelay = 0
	o.background = func(fn func(ctx context.Context)) { fn(context.Background()) }
	return o, jobs
}

func startRequest() StartRequest {
	return StartRequest{
		SessionID:            "sess-1",
		Title:                "Launch Trailer",
		Language:             "en",
		FileURI:              "https://generativelanguage.googleapis.com/v1beta/files/abc",
		FileMimeType:         "video/mp4",
		PersonaIDs:           []string{"brand_safety", "accessibility"},
		VideoDurationSeconds: 300,
	}
}

// TestStartFansOutOnePendingJobPerPersona verifies the batch shape: one job
// id per persona, all reaching completed with normalized reports.
func TestStartFansOutOnePendingJobPerPersona(t *testing.T) {
	gen := &fakeGenerator{}
	o, jobs := newTestOrchestrator(t, gen, &fakeCaches{result: gemini.CacheResult{CacheName: "cachedContents/c1"}})

	jobIDs, err := o.Start(context.Background(), startRequest())
	assert.NoError(t, err)
	assert.Equal(t, 2, len(jobIDs))

	for _, id := range jobIDs {
		job, err := jobs.GetJob(context.Background(), id)
		assert.NoError(t, err)
		assert.Equal(t, model.JobStatusCompleted, job.Status)
		assert.NotNil(t, job.Result)
		// Timestamps come back snapped to the 10-second grid.
		assert.Equal(t, 10, job.Result.Highlights[0].Seconds)
		assert.Equal(t, 30, job.Result.Concerns[0].Seconds)
		// A 1/1 report deviates from the expected 5/5 shape.
		assert.NotEmpty(t, job.Result.Warnings)
	}
}

// TestStartValidation verifies the request-shape rejections all surface as
// client errors before any job is created.
func TestStartValidation(t *testing.T) {
	gen := &fakeGenerator{}
	o, _ := newTestOrchestrator(t, gen, nil)

	long := make([]byte, maxTitleLen+1)
	for i := range long {
		long[i] = 'x'
	}

	cases := []struct {
		name   string
		mutate func(r *StartRequest)
	}{
		{"missing title", func(r *StartRequest) { r.Title = "" }},
		{"title too long", func(r *StartRequest) { r.Title = string(long) }},
		{"bad language", func(r *StartRequest) { r.Language = "tlh" }},
		{"both refs", func(r *StartRequest) { r.YouTubeURL = "https://youtu.be/x" }},
		{"neither ref", func(r *StartRequest) { r.FileURI = "" }},
		{"bad file uri", func(r *StartRequest) { r.FileURI = "https://example.com/video.mp4" }},
		{"no personas", func(r *StartRequest) { r.PersonaIDs = nil }},
		{"unknown persona", func(r *StartRequest) { r.PersonaIDs = []string{"nonexistent"} }},
	}
	for _, tc := range cases {
		req := startRequest()
		tc.mutate(&req)
		_, err := o.Start(context.Background(), req)
		assert.Error(t, err, tc.name)
		assert.True(t, transfer.IsClientError(err), tc.name)
	}
	assert.Equal(t, 0, gen.callCount())
}

// TestJobIsolation verifies that one persona's permanent failure never
// affects its sibling: the sibling still completes and the failed job carries
// a sanitized message.
func TestJobIsolation(t *testing.T) {
	gen := &fakeGenerator{
		respond: func(call generatorCall) (string, error) {
			if strings.Contains(call.prompt, "Brand Safety Reviewer") {
				return "", errors.New("invalid argument: malformed request")
			}
			return validReportJSON, nil
		},
	}
	o, jobs := newTestOrchestrator(t, gen, nil)

	jobIDs, err := o.Start(context.Background(), startRequest())
	assert.NoError(t, err)

	statuses := map[model.JobStatus]int{}
	for _, id := range jobIDs {
		job, err := jobs.GetJob(context.Background(), id)
		assert.NoError(t, err)
		statuses[job.Status]++
		if job.Status == model.JobStatusFailed {
			assert.Contains(t, job.LastError, "model call failed")
		}
	}
	assert.Equal(t, 1, statuses[model.JobStatusFailed])
	assert.Equal(t, 1, statuses[model.JobStatusCompleted])
}

// TestCacheShapedFailureRetriesUncached verifies the transparent fallback:
// a cached call failing with a cache-shaped error is retried exactly once
// without the cache and the job still completes.
func TestCacheShapedFailureRetriesUncached(t *testing.T) {
	gen := &fakeGenerator{
		respond: func(call generatorCall) (string, error) {
			if call.cachedContent != "" {
				return "", errors.New("CachedContent not found: cachedContents/gone")
			}
			return validReportJSON, nil
		},
	}
	caches := &fakeCaches{result: gemini.CacheResult{CacheName: "cachedContents/gone"}}
	o, jobs := newTestOrchestrator(t, gen, caches)

	req := startRequest()
	req.PersonaIDs = []string{"brand_safety"}
	jobIDs, err := o.Start(context.Background(), req)
	assert.NoError(t, err)

	job, err := jobs.GetJob(context.Background(), jobIDs[0])
	assert.NoError(t, err)
	assert.Equal(t, model.JobStatusCompleted, job.Status)
}

// TestCacheEnsuredOncePerBatch verifies one shared cache attempt per request,
// and none at all for an externally hosted video.
func TestCacheEnsuredOncePerBatch(t *testing.T) {
	caches := &fakeCaches{result: gemini.CacheResult{CacheName: "cachedContents/c1"}}
	gen := &fakeGenerator{}
	o, _ := newTestOrchestrator(t, gen, caches)

	_, err := o.Start(context.Background(), startRequest())
	assert.NoError(t, err)
	assert.Equal(t, 1, caches.calls)

	req := startRequest()
	req.FileURI = ""
	req.YouTubeURL = "https://www.youtube.com/watch?v=abc"
	_, err = o.Start(context.Background(), req)
	assert.NoError(t, err)
	assert.Equal(t, 1, caches.calls)
}

// TestDegradedCacheRunsUncached verifies that a degraded cache result lets
// the jobs proceed uncached instead of failing.
func TestDegradedCacheRunsUncached(t *testing.T) {
	caches := &fakeCaches{result: gemini.CacheResult{Degraded: true, Reason: errors.New("cache api down")}}
	gen := &fakeGenerator{}
	o, jobs := newTestOrchestrator(t, gen, caches)

	req := startRequest()
	req.PersonaIDs = []string{"accessibility"}
	jobIDs, err := o.Start(context.Background(), req)
	assert.NoError(t, err)

	job, err := jobs.GetJob(context.Background(), jobIDs[0])
	assert.NoError(t, err)
	assert.Equal(t, model.JobStatusCompleted, job.Status)

	// Every model call ran without a cache name attached.
	gen.mu.Lock()
	defer gen.mu.Unlock()
	for _, call := range gen.calls {
		assert.Equal(t, "", call.cachedContent)
	}
}

// TestOnCompleteHookReceivesFinishedJob verifies the post-completion hook
// observes the terminal status and result.
func TestOnCompleteHookReceivesFinishedJob(t *testing.T) {
	gen := &fakeGenerator{}
	o, _ := newTestOrchestrator(t, gen, nil)

	var mu sync.Mutex
	var seen []*model.AnalysisJob
	o.SetOnComplete(func(_ context.Context, job *model.AnalysisJob) {
		mu.Lock()
		seen = append(seen, job)
		mu.Unlock()
	})

	req := startRequest()
	req.PersonaIDs = []string{"brand_safety"}
	_, err := o.Start(context.Background(), req)
	assert.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, len(seen))
	assert.Equal(t, model.JobStatusCompleted, seen[0].Status)
	assert.NotNil(t, seen[0].Result)
}

// TestTimeoutForDuration verifies the timeout tiering around the long-video
// bound.
func TestTimeoutForDuration(t *testing.T) {
	assert.Equal(t, baselineTimeout, TimeoutForDuration(0))
	assert.Equal(t, baselineTimeout, TimeoutForDuration(longVideoSeconds))
	assert.Equal(t, longVideoTimeout, TimeoutForDuration(longVideoSeconds+1))
}

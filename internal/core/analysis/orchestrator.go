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
// This file implements the orchestrator: one analysis request fans out into
// one job per selected persona, all created in pending state so the caller
// gets its job identifiers immediately, with the actual model calls running
// as detached background work.
//
// Logic Flow:
//  1. Start validates the request and creates the pending job batch.
//  2. For a server-uploaded file, one shared content cache is materialized
//     (or not - caching is an optimization, never a precondition) before
//     fanning out.
//  3. Each persona job runs concurrently and independently: build prompt,
//     call the model (cached path preferred, one transparent uncached retry
//     on cache-shaped errors), parse, snap timestamps, validate, ground,
//     persist. One persona's failure never touches a sibling job.
package analysis

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"text/template"
	"time"

	"github.com/google/uuid"

	"github.com/jaycherian/gcp-go-media-critique/internal/core/gemini"
	"github.com/jaycherian/gcp-go-media-critique/internal/core/model"
	"github.com/jaycherian/gcp-go-media-critique/internal/core/retry"
	"github.com/jaycherian/gcp-go-media-critique/internal/core/store"
	"github.com/jaycherian/gcp-go-media-critique/internal/core/transfer"
)

// Request validation bounds.
const (
	maxTitleLen      = 200
	maxSynopsisLen   = 4000
	maxQuestions     = 10
	maxQuestionLen   = 500
	fileURIPrefix    = "https://generativelanguage.googleapis.com/"
	shortFilePrefix  = "files/"
	baselineTimeout  = 120 * time.Second
	longVideoTimeout = 300 * time.Second
	// longVideoSeconds is the duration past which a call gets the extended
	// timeout: the service takes materially longer over 90-minute videos.
	longVideoSeconds = 90 * 60
)

// allowedLanguages is the language enum accepted on analysis requests.
var allowedLanguages = map[string]bool{
	"en": true, "es": true, "fr": true, "de": true,
	"pt": true, "ja": true, "ko": true, "hi": true,
}

// Generator is the single model-call surface the orchestrator depends on.
// The production implementation routes through the quota-aware model wrapper;
// tests substitute a scripted fake.
type Generator interface {
	// Generate runs one multi-modal generation over the referenced video.
	// cachedContent, when non-empty, names a server-side content cache to
	// attach instead of re-sending the video.
	Generate(ctx context.Context, prompt, videoRef, mimeType, cachedContent string) (string, error)
}

// CacheProvider materializes the shared per-video content cache.
type CacheProvider interface {
	EnsureCache(ctx context.Context, uploadKey, fileURI, mimeType, cacheModel string) gemini.CacheResult
}

// StartRequest is one analysis request: a video reference plus the personas
// to run over it. Exactly one of FileURI and YouTubeURL must be set.
type StartRequest struct {
	SessionID            string
	Title                string
	Synopsis             string
	Questions            []string
	Language             string
	FileURI              string
	YouTubeURL           string
	FileMimeType         string
	PersonaIDs           []string
	VideoDurationSeconds int
}

// videoRef returns the single reference handed to the model.
func (r StartRequest) videoRef() string {
	if r.FileURI != "" {
		return r.FileURI
	}
	return r.YouTubeURL
}

// Orchestrator fans an analysis request out into independent persona jobs.
type Orchestrator struct {
	jobs       store.AnalysisJobStore
	gen        Generator
	caches     CacheProvider
	grounder   *Grounder
	personas   map[string]Persona
	tmpl       *template.Template
	cacheModel string
	retryCfg   retry.Config

	// onComplete, when set, runs after a job is persisted as completed.
	// Used for supplementary persistence (report analytics); errors there
	// never affect the job itself.
	onComplete func(ctx context.Context, job *model.AnalysisJob)

	// background is swappable so tests can run the fan-out inline.
	background func(fn func(ctx context.Context))
}

// SetOnComplete attaches the post-completion hook. Must be called before
// Start; it is not safe to swap while jobs are in flight.
func (o *Orchestrator) SetOnComplete(fn func(ctx context.Context, job *model.AnalysisJob)) {
	o.onComplete = fn
}

// NewOrchestrator wires an orchestrator over its collaborators. caches may be
// nil when no cache manager is configured; jobs then always run uncached.
func NewOrchestrator(jobs store.AnalysisJobStore, gen Generator, caches CacheProvider, grounder *Grounder, personas map[string]Persona, tmpl *template.Template, cacheModel string) *Orchestrator {
	return &Orchestrator{
		jobs:       jobs,
		gen:        gen,
		caches:     caches,
		grounder:   grounder,
		personas:   personas,
		tmpl:       tmpl,
		cacheModel: cacheModel,
		retryCfg:   retry.DefaultConfig(),
		background: func(fn func(ctx context.Context)) {
			go fn(context.WithoutCancel(context.Background()))
		},
	}
}

// Start validates the request, creates one pending job per persona, and
// returns the job identifiers immediately. The model calls proceed as
// detached background work.
func (o *Orchestrator) Start(ctx context.Context, req StartRequest) ([]string, error) {
	if err := o.validate(req); err != nil {
		return nil, err
	}

	now := time.Now()
	batch := make([]*model.AnalysisJob, 0, len(req.PersonaIDs))
	jobIDs := make([]string, 0, len(req.PersonaIDs))
	for _, personaID := range req.PersonaIDs {
		job := &model.AnalysisJob{
			JobID:     uuid.NewString(),
			SessionID: req.SessionID,
			PersonaID: personaID,
			Status:    model.JobStatusPending,
			CreatedAt: now,
			UpdatedAt: now,
		}
		batch = append(batch, job)
		jobIDs = append(jobIDs, job.JobID)
	}
	if err := o.jobs.CreateBatch(ctx, batch); err != nil {
		return nil, fmt.Errorf("failed to create analysis jobs: %w", err)
	}

	o.background(func(bgCtx context.Context) {
		o.run(bgCtx, req, batch)
	})
	return jobIDs, nil
}

func (o *Orchestrator) validate(req StartRequest) error {
	if req.Title == "" || len(req.Title) > maxTitleLen {
		return &transfer.ClientError{Message: fmt.Sprintf("title is required and must be at most %d characters", maxTitleLen)}
	}
	if len(req.Synopsis) > maxSynopsisLen {
		return &transfer.ClientError{Message: fmt.Sprintf("synopsis must be at most %d characters", maxSynopsisLen)}
	}
	if len(req.Questions) > maxQuestions {
		return &transfer.ClientError{Message: fmt.Sprintf("at most %d questions are allowed", maxQuestions)}
	}
	for _, q := range req.Questions {
		if len(q) > maxQuestionLen {
			return &transfer.ClientError{Message: fmt.Sprintf("questions must be at most %d characters", maxQuestionLen)}
		}
	}
	if !allowedLanguages[req.Language] {
		return &transfer.ClientError{Message: fmt.Sprintf("unsupported language %q", req.Language)}
	}
	if (req.FileURI == "") == (req.YouTubeURL == "") {
		return &transfer.ClientError{Message: "exactly one of fileUri and youtubeUrl must be provided"}
	}
	if req.FileURI != "" && !strings.HasPrefix(req.FileURI, fileURIPrefix) && !strings.HasPrefix(req.FileURI, shortFilePrefix) {
		return &transfer.ClientError{Message: "fileUri does not look like an inference service file reference"}
	}
	if req.YouTubeURL != "" && !isExternalVideoRef(req.YouTubeURL) {
		return &transfer.ClientError{Message: "youtubeUrl is not a recognized video URL"}
	}
	if len(req.PersonaIDs) == 0 {
		return &transfer.ClientError{Message: "at least one persona id is required"}
	}
	for _, id := range req.PersonaIDs {
		if _, ok := o.personas[id]; !ok {
			return &transfer.ClientError{Message: fmt.Sprintf("unknown persona id %q", id)}
		}
	}
	return nil
}

// run materializes the shared cache (server-uploaded files only) and fans the
// persona jobs out concurrently.
func (o *Orchestrator) run(ctx context.Context, req StartRequest, batch []*model.AnalysisJob) {
	cacheName := ""
	if o.caches != nil && req.FileURI != "" {
		// One cache attempt shared by every persona job of this request. A
		// degraded result just means the jobs run uncached.
		result := o.caches.EnsureCache(ctx, req.FileURI, req.FileURI, req.FileMimeType, o.cacheModel)
		if result.Resolved() {
			cacheName = result.CacheName
		} else if result.Reason != nil {
			slog.Warn("content cache unavailable; running analyses uncached", "session_id", req.SessionID, "reason", result.Reason)
		}
	}

	var wg sync.WaitGroup
	for _, job := range batch {
		wg.Add(1)
		go func(job *model.AnalysisJob) {
			defer wg.Done()
			o.runJob(ctx, req, job, cacheName)
		}(job)
	}
	wg.Wait()
	// The shared cache is deliberately left alive for its full TTL: likely
	// follow-up requests against the same video reuse it at no extra cost.
}

// runJob executes one persona's analysis end to end. All failures are
// recorded on this job only.
func (o *Orchestrator) runJob(ctx context.Context, req StartRequest, job *model.AnalysisJob, cacheName string) {
	if err := o.jobs.MarkProcessing(ctx, job.JobID); err != nil {
		slog.Error("failed to mark analysis job processing", "job_id", job.JobID, "error", err)
		return
	}

	persona := o.personas[job.PersonaID]
	tmpl := o.tmpl
	if persona.Prompt != "" {
		override, err := template.New("persona-prompt").Parse(persona.Prompt)
		if err != nil {
			slog.Warn("invalid persona prompt override; using shared template", "persona", persona.ID, "error", err)
		} else {
			tmpl = override
		}
	}
	prompt, err := BuildAnalysisPrompt(tmpl, PromptData{
		Persona:   persona,
		Title:     req.Title,
		Synopsis:  req.Synopsis,
		Language:  req.Language,
		Questions: req.Questions,
	})
	if err != nil {
		o.fail(ctx, job.JobID, sanitizeError("failed to build prompt", err))
		return
	}

	raw, err := o.generate(ctx, req, job, prompt, cacheName)
	if err != nil {
		o.fail(ctx, job.JobID, sanitizeError("model call failed", err))
		return
	}

	report, err := ParseReport(raw)
	if err != nil {
		o.fail(ctx, job.JobID, sanitizeError("failed to parse model output", err))
		return
	}
	SnapTimestamps(report, req.VideoDurationSeconds)
	report.Warnings = Validate(report, persona)

	if o.grounder != nil {
		report = o.grounder.Ground(ctx, report, req.videoRef(), req.FileMimeType, cacheName, req.VideoDurationSeconds)
	}

	if err := o.jobs.Complete(ctx, job.JobID, report); err != nil {
		slog.Error("failed to persist completed analysis job", "job_id", job.JobID, "error", err)
		return
	}
	if o.onComplete != nil {
		job.Status = model.JobStatusCompleted
		job.Result = report
		o.onComplete(ctx, job)
	}
}

// generate performs the kernel-wrapped model call, preferring the cached
// path. A cache-shaped failure gets exactly one transparent uncached retry:
// the cache being gone says nothing about the request itself.
func (o *Orchestrator) generate(ctx context.Context, req StartRequest, job *model.AnalysisJob, prompt, cacheName string) (string, error) {
	cfg := o.retryCfg
	cfg.Timeout = TimeoutForDuration(req.VideoDurationSeconds)
	kernel := retry.NewKernel("analysis."+job.PersonaID, cfg)

	call := func(cached string) (string, error) {
		var out string
		err := kernel.Do(ctx, func(callCtx context.Context) error {
			var genErr error
			out, genErr = o.gen.Generate(callCtx, prompt, req.videoRef(), req.FileMimeType, cached)
			return genErr
		})
		return out, err
	}

	out, err := call(cacheName)
	if err != nil && cacheName != "" && IsCacheRelated(err) {
		slog.Warn("cached model call failed with cache-shaped error; retrying uncached", "job_id", job.JobID, "error", err)
		out, err = call("")
	}
	return out, err
}

func (o *Orchestrator) fail(ctx context.Context, jobID, message string) {
	slog.Error("analysis job failed", "job_id", jobID, "error", message)
	if err := o.jobs.FailJob(ctx, jobID, message); err != nil {
		slog.Error("failed to persist analysis job failure", "job_id", jobID, "error", err)
	}
}

// TimeoutForDuration scales the per-call timeout with the declared video
// duration: the baseline covers typical uploads, videos over 90 minutes get
// the extended bound.
func TimeoutForDuration(durationSeconds int) time.Duration {
	if durationSeconds > longVideoSeconds {
		return longVideoTimeout
	}
	return baselineTimeout
}

// GetJob returns the job record for polling surfaces.
func (o *Orchestrator) GetJob(ctx context.Context, jobID string) (*model.AnalysisJob, error) {
	return o.jobs.GetJob(ctx, jobID)
}

// ListSession returns every job created for a session.
func (o *Orchestrator) ListSession(ctx context.Context, sessionID string) ([]*model.AnalysisJob, error) {
	return o.jobs.ListSession(ctx, sessionID)
}

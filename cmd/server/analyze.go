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

package main

import (
	"context"
	"log/slog"
	"net/http"
	"sync"

	"github.com/gin-gonic/gin"

	"github.com/jaycherian/gcp-go-media-critique/internal/core/analysis"
	"github.com/jaycherian/gcp-go-media-critique/internal/core/model"
)

// titleIndex remembers the video title for each analysis session so that the
// report rows written after job completion carry it. Sessions are short-lived
// and the index is process-local, so a plain map under a mutex is enough.
type titleIndex struct {
	mu     sync.Mutex
	titles map[string]string
}

func newTitleIndex() *titleIndex {
	return &titleIndex{titles: make(map[string]string)}
}

func (t *titleIndex) Set(sessionID, title string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.titles[sessionID] = title
}

func (t *titleIndex) Get(sessionID string) string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.titles[sessionID]
}

// startAnalysisRequest is the POST /analyze payload. Exactly one of fileUri
// and youtubeUrl must be set; the orchestrator enforces this.
type startAnalysisRequest struct {
	SessionID            string   `json:"sessionId"`
	Title                string   `json:"title" binding:"required"`
	Synopsis             string   `json:"synopsis"`
	Questions            []string `json:"questions"`
	Language             string   `json:"language"`
	FileURI              string   `json:"fileUri"`
	YouTubeURL           string   `json:"youtubeUrl"`
	FileMimeType         string   `json:"fileMimeType"`
	PersonaIDs           []string `json:"personaIds"`
	VideoDurationSeconds int      `json:"videoDurationSeconds"`
}

// AnalyzeRouter sets up the analysis endpoints and wires the completion hook
// that persists finished reports to BigQuery. Persistence failures are logged
// and swallowed: the job result in the store is the source of truth.
func AnalyzeRouter(r *gin.RouterGroup) {
	state.orchestrator.SetOnComplete(func(ctx context.Context, job *model.AnalysisJob) {
		title := state.titles.Get(job.SessionID)
		if err := state.reportService.Persist(ctx, job, title); err != nil {
			slog.WarnContext(ctx, "failed to persist report row",
				"job_id", job.JobID, "error", err.Error())
		}
	})

	analyze := r.Group("/analyze")
	{
		analyze.POST("", func(c *gin.Context) {
			var req startAnalysisRequest
			if err := c.ShouldBindJSON(&req); err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
				return
			}
			jobIDs, err := state.orchestrator.Start(c.Request.Context(), analysis.StartRequest{
				SessionID:            req.SessionID,
				Title:                req.Title,
				Synopsis:             req.Synopsis,
				Questions:            req.Questions,
				Language:             req.Language,
				FileURI:              req.FileURI,
				YouTubeURL:           req.YouTubeURL,
				FileMimeType:         req.FileMimeType,
				PersonaIDs:           req.PersonaIDs,
				VideoDurationSeconds: req.VideoDurationSeconds,
			})
			if err != nil {
				abortWithTransferError(c, err)
				return
			}
			if req.SessionID != "" {
				state.titles.Set(req.SessionID, req.Title)
			}
			c.JSON(http.StatusOK, gin.H{"jobIds": jobIDs, "status": "pending"})
		})

		analyze.GET("/status/:jobId", func(c *gin.Context) {
			job, err := state.orchestrator.GetJob(c.Request.Context(), c.Param("jobId"))
			if err != nil {
				abortWithTransferError(c, err)
				return
			}
			c.JSON(http.StatusOK, jobStatusView(job))
		})

		analyze.GET("/status/session/:sessionId", func(c *gin.Context) {
			jobs, err := state.orchestrator.ListSession(c.Request.Context(), c.Param("sessionId"))
			if err != nil {
				abortWithTransferError(c, err)
				return
			}
			// A session with no jobs is an unknown identifier, not an
			// empty result set.
			if len(jobs) == 0 {
				c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "not found"})
				return
			}
			views := make([]gin.H, 0, len(jobs))
			for _, job := range jobs {
				views = append(views, jobStatusView(job))
			}
			c.JSON(http.StatusOK, gin.H{"jobs": views})
		})
	}
}

// jobStatusView shapes a job for the status endpoints: the report body is
// exposed only once the job completed, and the error only once it failed.
func jobStatusView(job *model.AnalysisJob) gin.H {
	view := gin.H{
		"jobId":     job.JobID,
		"sessionId": job.SessionID,
		"personaId": job.PersonaID,
		"status":    job.Status,
	}
	if job.Status == model.JobStatusCompleted {
		view["result"] = job.Result
	}
	if job.Status == model.JobStatusFailed {
		view["error"] = job.LastError
	}
	return view
}

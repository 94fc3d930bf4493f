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
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/jaycherian/gcp-go-media-critique/internal/core/store"
	"github.com/jaycherian/gcp-go-media-critique/internal/core/transfer"
)

// initUploadRequest is the POST /uploads/init payload.
type initUploadRequest struct {
	Filename  string `json:"filename" binding:"required"`
	MimeType  string `json:"mimeType" binding:"required"`
	SizeBytes int64  `json:"sizeBytes" binding:"required"`
	AttemptID string `json:"attemptId" binding:"required"`
	SessionID string `json:"sessionId"`
}

// UploadRouter sets up the staged-upload endpoints: clients get a pre-signed
// URL, push bytes directly to object storage, then confirm completion.
func UploadRouter(r *gin.RouterGroup) {
	uploads := r.Group("/uploads")
	{
		uploads.POST("/init", func(c *gin.Context) {
			var req initUploadRequest
			if err := c.ShouldBindJSON(&req); err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
				return
			}
			res, err := state.transfers.Init(c.Request.Context(), transfer.InitRequest{
				Filename:  req.Filename,
				MimeType:  req.MimeType,
				SizeBytes: req.SizeBytes,
				AttemptID: req.AttemptID,
				SessionID: req.SessionID,
			})
			if err != nil {
				abortWithTransferError(c, err)
				return
			}
			c.JSON(http.StatusOK, gin.H{
				"uploadId":     res.Job.UploadID,
				"storageKey":   res.Job.StorageKey,
				"putUrl":       res.UploadURL,
				"headers":      gin.H{"Content-Type": res.Job.MimeType},
				"expiresInSec": int(transfer.DefaultSignedURLTTL.Seconds()),
			})
		})

		uploads.POST("/complete", func(c *gin.Context) {
			var req struct {
				UploadID string `json:"uploadId" binding:"required"`
			}
			if err := c.ShouldBindJSON(&req); err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
				return
			}
			job, err := state.transfers.Complete(c.Request.Context(), req.UploadID)
			if err != nil {
				abortWithTransferError(c, err)
				return
			}
			c.JSON(http.StatusOK, gin.H{"status": job.Status})
		})

		uploads.GET("/status/:uploadId", func(c *gin.Context) {
			job, err := state.transfers.Get(c.Request.Context(), c.Param("uploadId"))
			if err != nil {
				abortWithTransferError(c, err)
				return
			}
			c.JSON(http.StatusOK, gin.H{
				"status":        job.Status,
				"progress":      job.Progress,
				"geminiFileUri": job.GeminiFileURI,
				"lastError":     job.LastError,
				"mimeType":      job.MimeType,
				"filename":      job.Filename,
			})
		})

		// Signed playback URL for the staged object.
		uploads.GET("/:uploadId/stream", func(c *gin.Context) {
			url, err := state.transfers.StreamURL(c.Request.Context(), c.Param("uploadId"))
			if err != nil {
				abortWithTransferError(c, err)
				return
			}
			c.JSON(http.StatusOK, gin.H{"url": url})
		})
	}
}

// abortWithTransferError maps pipeline errors onto HTTP statuses: unknown ids
// are 404, client-caused validation failures are 400, everything else is a
// sanitized 500.
func abortWithTransferError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
	case transfer.IsClientError(err):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}

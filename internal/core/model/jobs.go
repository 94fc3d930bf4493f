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
// This file, `jobs.go`, contains the durable job records that track the two
// asynchronous halves of the pipeline: the staged upload of a media file into
// the inference service (UploadJob) and the per-persona analysis of that file
// (AnalysisJob). Both records are persisted in the job store and mutated only
// through single-field updates keyed by their immutable identifiers.
package model

import "time"

// UploadStatus enumerates the lifecycle states of a staged media transfer.
// The happy path moves strictly forward through these states; FAILED is a
// parallel terminal state reachable from any non-terminal state.
type UploadStatus string

const (
	// UploadStatusUploading means a pre-signed write URL has been issued and
	// the client is expected to be pushing bytes directly to object storage.
	UploadStatusUploading UploadStatus = "UPLOADING"
	// UploadStatusStored means the staged object has been verified to exist
	// with the declared size and the background transfer has been scheduled.
	UploadStatusStored UploadStatus = "STORED"
	// UploadStatusPreparing means the server is downloading the staged object
	// to local scratch storage ahead of the push to the inference service.
	UploadStatusPreparing UploadStatus = "PREPARING"
	// UploadStatusTransferring means the chunked resumable push to the
	// inference service's file API is in flight.
	UploadStatusTransferring UploadStatus = "TRANSFERRING_TO_GEMINI"
	// UploadStatusProcessing means the remote file has been fully received
	// and the service is processing it; we are polling for activation.
	UploadStatusProcessing UploadStatus = "PROCESSING_ACTIVE"
	// UploadStatusActive means the remote file is usable for analysis calls.
	UploadStatusActive UploadStatus = "ACTIVE"
	// UploadStatusFailed is the terminal failure state. The client recovers by
	// re-invoking init with the same attempt id.
	UploadStatusFailed UploadStatus = "FAILED"
)

// Terminal reports whether the status is one of the two immutable end states.
func (s UploadStatus) Terminal() bool {
	return s == UploadStatusActive || s == UploadStatusFailed
}

// UploadProgress is the coarse-grained, client-visible progress of an upload
// job. Pct is monotonic by convention: the progress flush manager drops any
// update that would move it backward.
type UploadProgress struct {
	Stage   string `json:"stage"`   // Human-readable stage label (mirrors the status).
	Pct     int    `json:"pct"`     // Overall percentage, 0-100.
	Message string `json:"message"` // Optional detail, e.g. "chunk 4/12".
}

// UploadJob is the durable record of one file transfer's lifecycle. It is
// created when the client requests an upload slot and never deleted by the
// pipeline itself. The AttemptID is supplied by the client and is stable
// across retries of the same user action, which is what makes init idempotent.
type UploadJob struct {
	UploadID      string         `json:"upload_id" redis:"upload_id"`
	AttemptID     string         `json:"attempt_id" redis:"attempt_id"`
	SessionID     string         `json:"session_id,omitempty" redis:"session_id"`
	Filename      string         `json:"filename" redis:"filename"`
	MimeType      string         `json:"mime_type" redis:"mime_type"`
	SizeBytes     int64          `json:"size_bytes" redis:"size_bytes"`
	StorageKey    string         `json:"storage_key" redis:"storage_key"`
	Status        UploadStatus   `json:"status" redis:"status"`
	Progress      UploadProgress `json:"progress" redis:"-"`
	GeminiFileURI string         `json:"gemini_file_uri,omitempty" redis:"gemini_file_uri"`
	// GeminiFileName is the short resource name ("files/abc123") used for
	// metadata polling, as opposed to the full URI handed to the model.
	GeminiFileName string    `json:"gemini_file_name,omitempty" redis:"gemini_file_name"`
	LastError      string    `json:"last_error,omitempty" redis:"last_error"`
	CreatedAt      time.Time `json:"created_at" redis:"created_at"`
	UpdatedAt      time.Time `json:"updated_at" redis:"updated_at"`
}

// JobStatus enumerates the lifecycle states of a persona analysis job.
type JobStatus string

const (
	JobStatusPending    JobStatus = "pending"
	JobStatusProcessing JobStatus = "processing"
	JobStatusCompleted  JobStatus = "completed"
	JobStatusFailed     JobStatus = "failed"
)

// Terminal reports whether the job has reached an immutable end state.
func (s JobStatus) Terminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed
}

// AnalysisJob is the durable record of a single persona's analysis of one
// video. Exactly one job exists per (session, persona) attempt and jobs are
// fully independent: one job's failure never mutates a sibling's state.
type AnalysisJob struct {
	JobID     string         `json:"job_id"`
	SessionID string         `json:"session_id"`
	PersonaID string         `json:"persona_id"`
	Status    JobStatus      `json:"status"`
	Result    *PersonaReport `json:"result,omitempty"`
	LastError string         `json:"last_error,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
}

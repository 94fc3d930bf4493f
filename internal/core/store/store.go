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

// Package store provides the durable records behind the pipeline: upload
// jobs, analysis jobs and content-cache records. All state lives outside the
// process (Redis in production) so a restart never loses job lifecycle data,
// and every mutation is a single-record, single-field-set write keyed by an
// immutable identifier. Status transitions are monotonic by convention:
// nothing transitions a job backward out of a terminal state.
package store

import (
	"context"
	"errors"

	"github.com/jaycherian/gcp-go-media-critique/internal/core/model"
)

// ErrNotFound is returned when a record does not exist for the given key.
var ErrNotFound = errors.New("store: record not found")

// UploadJobStore is the durable record of staged media transfers.
type UploadJobStore interface {
	// Create persists a new job and registers its attempt id. It returns the
	// existing job instead of creating a duplicate when the attempt id is
	// already bound (idempotent init).
	Create(ctx context.Context, job *model.UploadJob) (*model.UploadJob, error)

	// Get returns the job for the opaque upload id, or ErrNotFound.
	Get(ctx context.Context, uploadID string) (*model.UploadJob, error)

	// FindByAttempt returns the job bound to a client attempt id, or
	// ErrNotFound if the attempt has never been seen.
	FindByAttempt(ctx context.Context, attemptID string) (*model.UploadJob, error)

	// SetStatus writes the status field. Writes against a job already in a
	// terminal state are ignored.
	SetStatus(ctx context.Context, uploadID string, status model.UploadStatus) error

	// SetProgress writes the progress fields only.
	SetProgress(ctx context.Context, uploadID string, p model.UploadProgress) error

	// SetFileRef persists the remote file reference once the file is ACTIVE.
	SetFileRef(ctx context.Context, uploadID, fileURI, fileName string) error

	// Fail marks the job FAILED with a captured error message.
	Fail(ctx context.Context, uploadID, message string) error
}

// AnalysisJobStore is the durable record of per-persona analysis jobs.
type AnalysisJobStore interface {
	// CreateBatch persists all jobs of one analysis request in pending state.
	CreateBatch(ctx context.Context, jobs []*model.AnalysisJob) error

	// GetJob returns the job for the id, or ErrNotFound.
	GetJob(ctx context.Context, jobID string) (*model.AnalysisJob, error)

	// ListSession returns every job created for a session.
	ListSession(ctx context.Context, sessionID string) ([]*model.AnalysisJob, error)

	// MarkProcessing transitions pending -> processing.
	MarkProcessing(ctx context.Context, jobID string) error

	// Complete stores the result and transitions to completed.
	Complete(ctx context.Context, jobID string, result *model.PersonaReport) error

	// FailJob stores a sanitized error message and transitions to failed.
	FailJob(ctx context.Context, jobID, message string) error
}

// CacheRecordStore persists content-cache records keyed by the uploaded
// file's stable reference.
type CacheRecordStore interface {
	// GetCache returns the record for the key, or ErrNotFound.
	GetCache(ctx context.Context, uploadKey string) (*model.ContentCacheRecord, error)

	// PutCache stores or replaces the record for its upload key.
	PutCache(ctx context.Context, rec *model.ContentCacheRecord) error
}

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

// Package store provides the durable records behind the pipeline.
// This file is the in-memory implementation, used by the test suite and by
// local development runs that have no Redis available. It mirrors the Redis
// implementation's semantics exactly: attempt-id idempotency, terminal-state
// protection, field-level updates.
package store

import (
	"context"
	"sync"
	"time"

	"github.com/jaycherian/gcp-go-media-critique/internal/core/model"
)

// MemoryStore is a map-backed implementation of all three store interfaces.
// It is safe for concurrent use.
type MemoryStore struct {
	mu       sync.Mutex
	uploads  map[string]*model.UploadJob
	attempts map[string]string
	jobs     map[string]*model.AnalysisJob
	sessions map[string][]string
	caches   map[string]*model.ContentCacheRecord
}

// NewMemoryStore returns an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		uploads:  make(map[string]*model.UploadJob),
		attempts: make(map[string]string),
		jobs:     make(map[string]*model.AnalysisJob),
		sessions: make(map[string][]string),
		caches:   make(map[string]*model.ContentCacheRecord),
	}
}

func (s *MemoryStore) Create(_ context.Context, job *model.UploadJob) (*model.UploadJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existingID, ok := s.attempts[job.AttemptID]; ok {
		cp := *s.uploads[existingID]
		return &cp, nil
	}
	s.attempts[job.AttemptID] = job.UploadID
	cp := *job
	s.uploads[job.UploadID] = &cp
	out := cp
	return &out, nil
}

func (s *MemoryStore) Get(_ context.Context, uploadID string) (*model.UploadJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.uploads[uploadID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *job
	return &cp, nil
}

func (s *MemoryStore) FindByAttempt(ctx context.Context, attemptID string) (*model.UploadJob, error) {
	s.mu.Lock()
	uploadID, ok := s.attempts[attemptID]
	s.mu.Unlock()
	if !ok {
		return nil, ErrNotFound
	}
	return s.Get(ctx, uploadID)
}

func (s *MemoryStore) SetStatus(_ context.Context, uploadID string, status model.UploadStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.uploads[uploadID]
	if !ok {
		return ErrNotFound
	}
	if job.Status.Terminal() {
		return nil
	}
	job.Status = status
	job.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *MemoryStore) SetProgress(_ context.Context, uploadID string, p model.UploadProgress) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.uploads[uploadID]
	if !ok {
		return ErrNotFound
	}
	job.Progress = p
	job.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *MemoryStore) SetFileRef(_ context.Context, uploadID, fileURI, fileName string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.uploads[uploadID]
	if !ok {
		return ErrNotFound
	}
	job.GeminiFileURI = fileURI
	job.GeminiFileName = fileName
	job.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *MemoryStore) Fail(_ context.Context, uploadID, message string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.uploads[uploadID]
	if !ok {
		return ErrNotFound
	}
	if job.Status.Terminal() {
		return nil
	}
	job.Status = model.UploadStatusFailed
	job.LastError = message
	job.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *MemoryStore) CreateBatch(_ context.Context, jobs []*model.AnalysisJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, job := range jobs {
		cp := *job
		s.jobs[job.JobID] = &cp
		s.sessions[job.SessionID] = append(s.sessions[job.SessionID], job.JobID)
	}
	return nil
}

func (s *MemoryStore) GetJob(_ context.Context, jobID string) (*model.AnalysisJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *job
	return &cp, nil
}

func (s *MemoryStore) ListSession(ctx context.Context, sessionID string) ([]*model.AnalysisJob, error) {
	s.mu.Lock()
	ids := append([]string(nil), s.sessions[sessionID]...)
	s.mu.Unlock()
	out := make([]*model.AnalysisJob, 0, len(ids))
	for _, id := range ids {
		job, err := s.GetJob(ctx, id)
		if err != nil {
			continue
		}
		out = append(out, job)
	}
	return out, nil
}

func (s *MemoryStore) MarkProcessing(_ context.Context, jobID string) error {
	return s.setJobStatus(jobID, model.JobStatusProcessing, "", nil)
}

func (s *MemoryStore) Complete(_ context.Context, jobID string, result *model.PersonaReport) error {
	return s.setJobStatus(jobID, model.JobStatusCompleted, "", result)
}

func (s *MemoryStore) FailJob(_ context.Context, jobID, message string) error {
	return s.setJobStatus(jobID, model.JobStatusFailed, message, nil)
}

func (s *MemoryStore) setJobStatus(jobID string, status model.JobStatus, message string, result *model.PersonaReport) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return ErrNotFound
	}
	if job.Status.Terminal() {
		return nil
	}
	job.Status = status
	if message != "" {
		job.LastError = message
	}
	if result != nil {
		job.Result = result
	}
	job.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *MemoryStore) GetCache(_ context.Context, uploadKey string) (*model.ContentCacheRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.caches[uploadKey]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *rec
	return &cp, nil
}

func (s *MemoryStore) PutCache(_ context.Context, rec *model.ContentCacheRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *rec
	s.caches[rec.UploadKey] = &cp
	return nil
}

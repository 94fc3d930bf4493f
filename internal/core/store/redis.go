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
// This file is the Redis implementation. Each record is one hash keyed by
// its identifier; the attempt-id index and the session index are plain
// string/set keys. Field-level HSET gives us the single-field-set write
// semantics the concurrency model relies on: a progress update racing a
// terminal status write can at worst lose the progress fields, never the
// status.
//
// Key layout:
//
//	upload:{uploadID}          hash  - UploadJob fields
//	upload:attempt:{attemptID} str   - uploadID (SETNX, idempotent init)
//	analysis:{jobID}           hash  - AnalysisJob fields (result as JSON)
//	analysis:session:{id}      set   - jobIDs for the session
//	gcache:{uploadKey}         str   - ContentCacheRecord as JSON
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/jaycherian/gcp-go-media-critique/internal/core/model"
)

// RedisStore implements UploadJobStore, AnalysisJobStore and
// CacheRecordStore on a single Redis client.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore wraps an initialized go-redis client.
func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

func uploadKey(id string) string    { return "upload:" + id }
func attemptKey(id string) string   { return "upload:attempt:" + id }
func analysisKey(id string) string  { return "analysis:" + id }
func sessionKey(id string) string   { return "analysis:session:" + id }
func cacheRecKey(key string) string { return "gcache:" + key }

// Create persists a new upload job. The attempt index is written with SETNX
// so that two racing inits for the same attempt id converge on a single job:
// the loser of the race returns the winner's record.
func (s *RedisStore) Create(ctx context.Context, job *model.UploadJob) (*model.UploadJob, error) {
	ok, err := s.client.SetNX(ctx, attemptKey(job.AttemptID), job.UploadID, 0).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to register attempt id: %w", err)
	}
	if !ok {
		// The attempt id is already bound; hand back the existing job.
		return s.FindByAttempt(ctx, job.AttemptID)
	}
	if err := s.client.HSet(ctx, uploadKey(job.UploadID), uploadJobToFields(job)).Err(); err != nil {
		return nil, fmt.Errorf("failed to persist upload job: %w", err)
	}
	return job, nil
}

func (s *RedisStore) Get(ctx context.Context, uploadID string) (*model.UploadJob, error) {
	fields, err := s.client.HGetAll(ctx, uploadKey(uploadID)).Result()
	if err != nil {
		return nil, err
	}
	if len(fields) == 0 {
		return nil, ErrNotFound
	}
	return uploadJobFromFields(fields), nil
}

func (s *RedisStore) FindByAttempt(ctx context.Context, attemptID string) (*model.UploadJob, error) {
	uploadID, err := s.client.Get(ctx, attemptKey(attemptID)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return s.Get(ctx, uploadID)
}

// SetStatus writes the status field. Jobs already in a terminal state are
// left untouched so a late background write can never resurrect a FAILED or
// ACTIVE job.
func (s *RedisStore) SetStatus(ctx context.Context, uploadID string, status model.UploadStatus) error {
	current, err := s.Get(ctx, uploadID)
	if err != nil {
		return err
	}
	if current.Status.Terminal() {
		return nil
	}
	return s.client.HSet(ctx, uploadKey(uploadID),
		"status", string(status),
		"updated_at", time.Now().UTC().Format(time.RFC3339Nano),
	).Err()
}

func (s *RedisStore) SetProgress(ctx context.Context, uploadID string, p model.UploadProgress) error {
	return s.client.HSet(ctx, uploadKey(uploadID),
		"progress_stage", p.Stage,
		"progress_pct", strconv.Itoa(p.Pct),
		"progress_message", p.Message,
		"updated_at", time.Now().UTC().Format(time.RFC3339Nano),
	).Err()
}

func (s *RedisStore) SetFileRef(ctx context.Context, uploadID, fileURI, fileName string) error {
	return s.client.HSet(ctx, uploadKey(uploadID),
		"gemini_file_uri", fileURI,
		"gemini_file_name", fileName,
		"updated_at", time.Now().UTC().Format(time.RFC3339Nano),
	).Err()
}

func (s *RedisStore) Fail(ctx context.Context, uploadID, message string) error {
	current, err := s.Get(ctx, uploadID)
	if err != nil {
		return err
	}
	if current.Status.Terminal() {
		return nil
	}
	return s.client.HSet(ctx, uploadKey(uploadID),
		"status", string(model.UploadStatusFailed),
		"last_error", message,
		"updated_at", time.Now().UTC().Format(time.RFC3339Nano),
	).Err()
}

// CreateBatch persists all jobs for one analysis request and indexes them
// under their session.
func (s *RedisStore) CreateBatch(ctx context.Context, jobs []*model.AnalysisJob) error {
	pipe := s.client.Pipeline()
	for _, job := range jobs {
		pipe.HSet(ctx, analysisKey(job.JobID), analysisJobToFields(job))
		pipe.SAdd(ctx, sessionKey(job.SessionID), job.JobID)
	}
	_, err := pipe.Exec(ctx)
	return err
}

func (s *RedisStore) GetJob(ctx context.Context, jobID string) (*model.AnalysisJob, error) {
	fields, err := s.client.HGetAll(ctx, analysisKey(jobID)).Result()
	if err != nil {
		return nil, err
	}
	if len(fields) == 0 {
		return nil, ErrNotFound
	}
	return analysisJobFromFields(fields)
}

func (s *RedisStore) ListSession(ctx context.Context, sessionID string) ([]*model.AnalysisJob, error) {
	ids, err := s.client.SMembers(ctx, sessionKey(sessionID)).Result()
	if err != nil {
		return nil, err
	}
	out := make([]*model.AnalysisJob, 0, len(ids))
	for _, id := range ids {
		job, err := s.GetJob(ctx, id)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, job)
	}
	return out, nil
}

func (s *RedisStore) MarkProcessing(ctx context.Context, jobID string) error {
	return s.setJobStatus(ctx, jobID, model.JobStatusProcessing, "", nil)
}

func (s *RedisStore) Complete(ctx context.Context, jobID string, result *model.PersonaReport) error {
	return s.setJobStatus(ctx, jobID, model.JobStatusCompleted, "", result)
}

func (s *RedisStore) FailJob(ctx context.Context, jobID, message string) error {
	return s.setJobStatus(ctx, jobID, model.JobStatusFailed, message, nil)
}

func (s *RedisStore) setJobStatus(ctx context.Context, jobID string, status model.JobStatus, message string, result *model.PersonaReport) error {
	current, err := s.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	if current.Status.Terminal() {
		return nil
	}
	fields := []interface{}{
		"status", string(status),
		"updated_at", time.Now().UTC().Format(time.RFC3339Nano),
	}
	if message != "" {
		fields = append(fields, "last_error", message)
	}
	if result != nil {
		raw, err := json.Marshal(result)
		if err != nil {
			return fmt.Errorf("failed to marshal persona report: %w", err)
		}
		fields = append(fields, "result", string(raw))
	}
	return s.client.HSet(ctx, analysisKey(jobID), fields...).Err()
}

func (s *RedisStore) GetCache(ctx context.Context, uploadKey string) (*model.ContentCacheRecord, error) {
	raw, err := s.client.Get(ctx, cacheRecKey(uploadKey)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	rec := &model.ContentCacheRecord{}
	if err := json.Unmarshal([]byte(raw), rec); err != nil {
		return nil, fmt.Errorf("failed to unmarshal cache record: %w", err)
	}
	return rec, nil
}

func (s *RedisStore) PutCache(ctx context.Context, rec *model.ContentCacheRecord) error {
	raw, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal cache record: %w", err)
	}
	return s.client.Set(ctx, cacheRecKey(rec.UploadKey), raw, 0).Err()
}

// --- hash field mapping ---

func uploadJobToFields(job *model.UploadJob) map[string]interface{} {
	return map[string]interface{}{
		"upload_id":        job.UploadID,
		"attempt_id":       job.AttemptID,
		"session_id":       job.SessionID,
		"filename":         job.Filename,
		"mime_type":        job.MimeType,
		"size_bytes":       strconv.FormatInt(job.SizeBytes, 10),
		"storage_key":      job.StorageKey,
		"status":           string(job.Status),
		"progress_stage":   job.Progress.Stage,
		"progress_pct":     strconv.Itoa(job.Progress.Pct),
		"progress_message": job.Progress.Message,
		"gemini_file_uri":  job.GeminiFileURI,
		"gemini_file_name": job.GeminiFileName,
		"last_error":       job.LastError,
		"created_at":       job.CreatedAt.UTC().Format(time.RFC3339Nano),
		"updated_at":       job.UpdatedAt.UTC().Format(time.RFC3339Nano),
	}
}

func uploadJobFromFields(fields map[string]string) *model.UploadJob {
	size, _ := strconv.ParseInt(fields["size_bytes"], 10, 64)
	pct, _ := strconv.Atoi(fields["progress_pct"])
	created, _ := time.Parse(time.RFC3339Nano, fields["created_at"])
	updated, _ := time.Parse(time.RFC3339Nano, fields["updated_at"])
	return &model.UploadJob{
		UploadID:   fields["upload_id"],
		AttemptID:  fields["attempt_id"],
		SessionID:  fields["session_id"],
		Filename:   fields["filename"],
		MimeType:   fields["mime_type"],
		SizeBytes:  size,
		StorageKey: fields["storage_key"],
		Status:     model.UploadStatus(fields["status"]),
		Progress: model.UploadProgress{
			Stage:   fields["progress_stage"],
			Pct:     pct,
			Message: fields["progress_message"],
		},
		GeminiFileURI:  fields["gemini_file_uri"],
		GeminiFileName: fields["gemini_file_name"],
		LastError:      fields["last_error"],
		CreatedAt:      created,
		UpdatedAt:      updated,
	}
}

func analysisJobToFields(job *model.AnalysisJob) map[string]interface{} {
	return map[string]interface{}{
		"job_id":     job.JobID,
		"session_id": job.SessionID,
		"persona_id": job.PersonaID,
		"status":     string(job.Status),
		"last_error": job.LastError,
		"created_at": job.CreatedAt.UTC().Format(time.RFC3339Nano),
		"updated_at": job.UpdatedAt.UTC().Format(time.RFC3339Nano),
	}
}

func analysisJobFromFields(fields map[string]string) (*model.AnalysisJob, error) {
	created, _ := time.Parse(time.RFC3339Nano, fields["created_at"])
	updated, _ := time.Parse(time.RFC3339Nano, fields["updated_at"])
	job := &model.AnalysisJob{
		JobID:     fields["job_id"],
		SessionID: fields["session_id"],
		PersonaID: fields["persona_id"],
		Status:    model.JobStatus(fields["status"]),
		LastError: fields["last_error"],
		CreatedAt: created,
		UpdatedAt: updated,
	}
	if raw, ok := fields["result"]; ok && raw != "" {
		result := &model.PersonaReport{}
		if err := json.Unmarshal([]byte(raw), result); err != nil {
			return nil, fmt.Errorf("failed to unmarshal persona report for job %s: %w", job.JobID, err)
		}
		job.Result = result
	}
	return job, nil
}

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

// Package transfer drives the lifecycle of a staged media upload: the client
// pushes bytes directly to object storage via a pre-signed URL, and the
// controller then moves the object into the inference service's file store
// through a chunked resumable push, polling until the remote file is usable.
//
// Logic Flow:
//  1. Init validates the declared file and issues a signed upload URL
//     (idempotent by client attempt id).
//  2. Complete verifies the staged object arrived with the declared size and
//     schedules the background transfer.
//  3. runTransfer downloads the object to scratch, pushes it to the file API
//     in chunks (mapping transfer progress into the 5-85% band), then polls
//     file metadata until the service reports ACTIVE.
//
// A job that fails anywhere lands in FAILED with a captured message; the
// client recovers by re-invoking init with the same attempt id. There is no
// automatic server-side retry of the whole transfer: the per-call retry
// kernel already absorbs transient faults, so a job-level failure means
// something persistently wrong that a blind rerun would just repeat.
package transfer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"cloud.google.com/go/storage"
	"github.com/google/uuid"
	"github.com/h2non/filetype"

	"github.com/jaycherian/gcp-go-media-critique/internal/core/gemini"
	"github.com/jaycherian/gcp-go-media-critique/internal/core/model"
	"github.com/jaycherian/gcp-go-media-critique/internal/core/store"
)

// Transfer limits and pacing constants.
const (
	// MaxUploadSizeBytes is the hard ceiling on declared upload size (2000 MiB).
	MaxUploadSizeBytes = int64(2000) << 20
	// SizeToleranceBytes is the slack allowed between the declared size and the
	// staged object's actual size. Some upload clients pad or trim trailing
	// bytes; anything past this is treated as a corrupt or wrong upload.
	SizeToleranceBytes = int64(1024)
	// DefaultSignedURLTTL bounds how long an issued upload URL stays valid.
	DefaultSignedURLTTL = 30 * time.Minute

	// activationPollInterval and activationMaxPolls bound the metadata polling
	// loop: 90 polls every 15s is ~22.5 minutes, past which the file is
	// declared stuck.
	activationPollInterval = 15 * time.Second
	activationMaxPolls     = 90
	// milestoneInterval bounds how often polling writes a progress milestone.
	milestoneInterval = 30 * time.Second

	// The chunked push owns the 5-85% band of overall progress; staging
	// verification sits below it and activation polling above it.
	transferBandLow  = 5
	transferBandHigh = 85
)

// allowedMIMETypes is the video container allowlist for uploads.
var allowedMIMETypes = map[string]bool{
	"video/mp4":        true,
	"video/quicktime":  true,
	"video/webm":       true,
	"video/x-matroska": true,
	"video/mpeg":       true,
	"video/x-msvideo":  true,
}

// ClientError marks a validation failure the client caused and can fix;
// handlers map it to a 4xx instead of a 500.
type ClientError struct {
	Message string
}

func (e *ClientError) Error() string { return e.Message }

// IsClientError reports whether err (or anything it wraps) is a ClientError.
func IsClientError(err error) bool {
	var ce *ClientError
	return errors.As(err, &ce)
}

func clientErrorf(format string, args ...interface{}) error {
	return &ClientError{Message: fmt.Sprintf(format, args...)}
}

// ObjectStage is the staging bucket surface the controller needs. The GCS
// implementation lives in the cloud package; tests substitute an in-memory one.
type ObjectStage interface {
	SignUpload(ctx context.Context, object, contentType string, expires time.Duration) (string, error)
	SignDownload(ctx context.Context, object string, expires time.Duration) (string, error)
	Stat(ctx context.Context, object string) (int64, error)
	Download(ctx context.Context, object string, dst io.Writer) error
	Delete(ctx context.Context, object string) error
}

// FileService is the inference-service file API surface the controller needs.
type FileService interface {
	Upload(ctx context.Context, src io.Reader, size int64, displayName, mimeType string, progress func(pct int)) (*gemini.RemoteFile, error)
	GetFile(ctx context.Context, name string) (*gemini.RemoteFile, error)
}

// InitRequest is the client's declaration of the file it intends to upload.
type InitRequest struct {
	Filename  string
	MimeType  string
	SizeBytes int64
	SessionID string
	// AttemptID is chosen by the client and stable across retries of the same
	// user action; it is what makes Init idempotent.
	AttemptID string
}

// InitResult carries the job record plus the signed URL the client uploads to.
// UploadURL is empty when the job has already progressed past the staging
// phase and no further client upload is expected.
type InitResult struct {
	Job       *model.UploadJob
	UploadURL string
}

// Controller coordinates upload staging, the chunked push, and activation.
type Controller struct {
	store      store.UploadJobStore
	stage      ObjectStage
	files      FileService
	flusher    *store.ProgressFlusher
	scratchDir string
	signTTL    time.Duration
	maxSize    int64

	// sleep and background are swappable for tests.
	sleep      func(ctx context.Context, d time.Duration) error
	background func(fn func(ctx context.Context))
}

// NewController wires a transfer controller over its collaborators.
func NewController(jobs store.UploadJobStore, stage ObjectStage, files FileService, flusher *store.ProgressFlusher, scratchDir string, signTTL time.Duration) *Controller {
	if signTTL <= 0 {
		signTTL = DefaultSignedURLTTL
	}
	if scratchDir == "" {
		scratchDir = os.TempDir()
	}
	c := &Controller{
		store:      jobs,
		stage:      stage,
		files:      files,
		flusher:    flusher,
		scratchDir: scratchDir,
		signTTL:    signTTL,
		maxSize:    MaxUploadSizeBytes,
		sleep: func(ctx context.Context, d time.Duration) error {
			select {
			case <-time.After(d):
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		},
	}
	// Background work outlives the originating HTTP request but should still
	// stop on process shutdown; callers can swap this to run inline in tests.
	c.background = func(fn func(ctx context.Context)) {
		go fn(context.WithoutCancel(context.Background()))
	}
	return c
}

// Init validates the declared upload and returns a signed URL the client
// pushes the bytes to. Calling Init again with the same attempt id returns
// the existing job; if that job previously failed it is reset so the client
// can stage the file again under the same identity.
func (c *Controller) Init(ctx context.Context, req InitRequest) (*InitResult, error) {
	if err := c.validate(req); err != nil {
		return nil, err
	}

	if req.AttemptID != "" {
		existing, err := c.store.FindByAttempt(ctx, req.AttemptID)
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("failed to look up attempt %q: %w", req.AttemptID, err)
		}
		if existing != nil {
			return c.resumeAttempt(ctx, existing)
		}
	}

	uploadID := uuid.NewString()
	now := time.Now()
	job := &model.UploadJob{
		UploadID:   uploadID,
		AttemptID:  req.AttemptID,
		SessionID:  req.SessionID,
		Filename:   req.Filename,
		MimeType:   req.MimeType,
		SizeBytes:  req.SizeBytes,
		StorageKey: fmt.Sprintf("uploads/%s/%s", uploadID, filepath.Base(req.Filename)),
		Status:     model.UploadStatusUploading,
		Progress:   model.UploadProgress{Stage: string(model.UploadStatusUploading), Pct: 0},
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	created, err := c.store.Create(ctx, job)
	if err != nil {
		return nil, fmt.Errorf("failed to create upload job: %w", err)
	}
	// A concurrent init with the same attempt id can race us to Create; the
	// store hands back whichever job won, so resume that one.
	if created.UploadID != job.UploadID {
		return c.resumeAttempt(ctx, created)
	}

	url, err := c.stage.SignUpload(ctx, created.StorageKey, created.MimeType, c.signTTL)
	if err != nil {
		return nil, fmt.Errorf("failed to sign upload url: %w", err)
	}
	return &InitResult{Job: created, UploadURL: url}, nil
}

// resumeAttempt maps an existing job for the same attempt id back into an
// init result. Failed jobs are reset to UPLOADING so the client can re-stage.
func (c *Controller) resumeAttempt(ctx context.Context, job *model.UploadJob) (*InitResult, error) {
	if job.Status == model.UploadStatusFailed {
		if err := c.store.SetStatus(ctx, job.UploadID, model.UploadStatusUploading); err != nil {
			return nil, fmt.Errorf("failed to reset failed upload %q: %w", job.UploadID, err)
		}
		job.Status = model.UploadStatusUploading
	}
	res := &InitResult{Job: job}
	if job.Status == model.UploadStatusUploading {
		url, err := c.stage.SignUpload(ctx, job.StorageKey, job.MimeType, c.signTTL)
		if err != nil {
			return nil, fmt.Errorf("failed to sign upload url: %w", err)
		}
		res.UploadURL = url
	}
	return res, nil
}

func (c *Controller) validate(req InitRequest) error {
	if req.Filename == "" {
		return clientErrorf("filename is required")
	}
	if req.SizeBytes <= 0 {
		return clientErrorf("size_bytes must be positive")
	}
	if req.SizeBytes > c.maxSize {
		return clientErrorf("declared size %d exceeds the %d byte limit", req.SizeBytes, c.maxSize)
	}
	if !allowedMIMETypes[req.MimeType] {
		return clientErrorf("unsupported mime type %q", req.MimeType)
	}
	// Cross-check the filename extension against the declared MIME type so an
	// mkv declared as mp4 is rejected up front instead of failing downstream.
	ext := strings.TrimPrefix(strings.ToLower(filepath.Ext(req.Filename)), ".")
	if ext != "" {
		if t := filetype.GetType(ext); t != filetype.Unknown && t.MIME.Value != req.MimeType {
			return clientErrorf("filename extension %q does not match declared mime type %q", ext, req.MimeType)
		}
	}
	return nil
}

// Get returns the current job record.
func (c *Controller) Get(ctx context.Context, uploadID string) (*model.UploadJob, error) {
	return c.store.Get(ctx, uploadID)
}

// StreamURL returns a short-lived signed read URL for the staged object,
// used by review UIs to play the media back.
func (c *Controller) StreamURL(ctx context.Context, uploadID string) (string, error) {
	job, err := c.store.Get(ctx, uploadID)
	if err != nil {
		return "", err
	}
	return c.stage.SignDownload(ctx, job.StorageKey, c.signTTL)
}

// Complete is called once the client has finished its direct upload. It
// verifies the staged object exists with the declared size, marks the job
// STORED, and schedules the background push to the inference service.
func (c *Controller) Complete(ctx context.Context, uploadID string) (*model.UploadJob, error) {
	job, err := c.store.Get(ctx, uploadID)
	if err != nil {
		return nil, err
	}
	switch job.Status {
	case model.UploadStatusUploading:
		// Expected path.
	case model.UploadStatusFailed:
		return nil, clientErrorf("upload %q has failed; re-init with the same attempt id", uploadID)
	default:
		// Complete raced a Pub/Sub finalize notification or a duplicate call;
		// the transfer is already underway, so just report current state.
		return job, nil
	}

	actual, err := c.stage.Stat(ctx, job.StorageKey)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return nil, clientErrorf("staged object for upload %q not found; the upload may not have finished", uploadID)
		}
		return nil, fmt.Errorf("failed to stat staged object: %w", err)
	}
	if diff := actual - job.SizeBytes; diff > SizeToleranceBytes || diff < -SizeToleranceBytes {
		msg := fmt.Sprintf("staged object size %d does not match declared size %d", actual, job.SizeBytes)
		if err := c.store.Fail(ctx, uploadID, msg); err != nil {
			slog.Error("failed to mark upload failed", "upload_id", uploadID, "error", err)
		}
		return nil, clientErrorf("%s", msg)
	}

	if err := c.store.SetStatus(ctx, uploadID, model.UploadStatusStored); err != nil {
		return nil, fmt.Errorf("failed to mark upload stored: %w", err)
	}
	job.Status = model.UploadStatusStored
	c.flusher.Update(ctx, uploadID, model.UploadProgress{Stage: string(model.UploadStatusStored), Pct: transferBandLow, Message: "staged object verified"})

	c.background(func(bgCtx context.Context) {
		c.runTransfer(bgCtx, job)
	})
	return job, nil
}

// runTransfer performs the staged-object to inference-service move. Any error
// lands the job in FAILED; scratch space is always cleaned up.
func (c *Controller) runTransfer(ctx context.Context, job *model.UploadJob) {
	if err := c.transfer(ctx, job); err != nil {
		slog.Error("media transfer failed", "upload_id", job.UploadID, "error", err)
		c.flusher.Flush(ctx, job.UploadID)
		if ferr := c.store.Fail(ctx, job.UploadID, err.Error()); ferr != nil {
			slog.Error("failed to record transfer failure", "upload_id", job.UploadID, "error", ferr)
		}
	}
}

func (c *Controller) transfer(ctx context.Context, job *model.UploadJob) error {
	if err := c.store.SetStatus(ctx, job.UploadID, model.UploadStatusPreparing); err != nil {
		return fmt.Errorf("failed to mark upload preparing: %w", err)
	}
	c.flusher.Update(ctx, job.UploadID, model.UploadProgress{Stage: string(model.UploadStatusPreparing), Pct: transferBandLow, Message: "downloading staged object"})

	scratch, err := os.CreateTemp(c.scratchDir, "media-transfer-*"+filepath.Ext(job.Filename))
	if err != nil {
		return fmt.Errorf("failed to create scratch file: %w", err)
	}
	defer func() {
		_ = scratch.Close()
		_ = os.Remove(scratch.Name())
	}()

	if err := c.stage.Download(ctx, job.StorageKey, scratch); err != nil {
		return fmt.Errorf("failed to download staged object: %w", err)
	}
	size, err := scratch.Seek(0, io.SeekEnd)
	if err != nil {
		return fmt.Errorf("failed to size scratch file: %w", err)
	}
	if _, err := scratch.Seek(0, io.SeekStart); err != nil {
		return fmt.Errorf("failed to rewind scratch file: %w", err)
	}

	// Sniff the staged bytes: a signed URL pins the content type header but
	// not the payload, so a non-video payload is caught here.
	head := make([]byte, 261)
	n, err := io.ReadFull(scratch, head)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, io.EOF) {
		return fmt.Errorf("failed to read scratch head: %w", err)
	}
	if !filetype.IsVideo(head[:n]) {
		return fmt.Errorf("staged object for %q is not a recognized video container", job.UploadID)
	}
	if _, err := scratch.Seek(0, io.SeekStart); err != nil {
		return fmt.Errorf("failed to rewind scratch file: %w", err)
	}

	if err := c.store.SetStatus(ctx, job.UploadID, model.UploadStatusTransferring); err != nil {
		return fmt.Errorf("failed to mark upload transferring: %w", err)
	}
	remote, err := c.files.Upload(ctx, scratch, size, job.Filename, job.MimeType, func(pct int) {
		// Map the push's 0-100 into the transfer band of overall progress.
		overall := transferBandLow + pct*(transferBandHigh-transferBandLow)/100
		c.flusher.Update(ctx, job.UploadID, model.UploadProgress{
			Stage:   string(model.UploadStatusTransferring),
			Pct:     overall,
			Message: fmt.Sprintf("pushed %d%%", pct),
		})
	})
	if err != nil {
		return fmt.Errorf("chunked push failed: %w", err)
	}

	if err := c.store.SetStatus(ctx, job.UploadID, model.UploadStatusProcessing); err != nil {
		return fmt.Errorf("failed to mark upload processing: %w", err)
	}
	c.flusher.Update(ctx, job.UploadID, model.UploadProgress{Stage: string(model.UploadStatusProcessing), Pct: transferBandHigh, Message: "waiting for remote activation"})

	active, err := c.awaitActive(ctx, job.UploadID, remote)
	if err != nil {
		return err
	}

	// Flush any held progress before the terminal write so the final state
	// never regresses afterward.
	c.flusher.Flush(ctx, job.UploadID)
	if err := c.store.SetFileRef(ctx, job.UploadID, active.URI, active.Name); err != nil {
		return fmt.Errorf("failed to record remote file reference: %w", err)
	}
	if err := c.store.SetStatus(ctx, job.UploadID, model.UploadStatusActive); err != nil {
		return fmt.Errorf("failed to mark upload active: %w", err)
	}
	if err := c.store.SetProgress(ctx, job.UploadID, model.UploadProgress{Stage: string(model.UploadStatusActive), Pct: 100, Message: "ready for analysis"}); err != nil {
		slog.Warn("failed to write final progress", "upload_id", job.UploadID, "error", err)
	}
	slog.Info("media transfer complete", "upload_id", job.UploadID, "file", active.Name)
	return nil
}

// awaitActive polls file metadata until the service reports the file usable.
func (c *Controller) awaitActive(ctx context.Context, uploadID string, remote *gemini.RemoteFile) (*gemini.RemoteFile, error) {
	if remote.State == gemini.FileStateActive {
		return remote, nil
	}
	lastMilestone := time.Now()
	for poll := 0; poll < activationMaxPolls; poll++ {
		if err := c.sleep(ctx, activationPollInterval); err != nil {
			return nil, err
		}
		current, err := c.files.GetFile(ctx, remote.Name)
		if err != nil {
			return nil, fmt.Errorf("failed to poll remote file %q: %w", remote.Name, err)
		}
		switch current.State {
		case gemini.FileStateActive:
			return current, nil
		case gemini.FileStateFailed:
			return nil, fmt.Errorf("remote file %q failed processing", remote.Name)
		}
		// Milestone writes are rate limited so a long activation doesn't
		// hammer the store with identical rows.
		if time.Since(lastMilestone) >= milestoneInterval {
			lastMilestone = time.Now()
			pct := transferBandHigh + (100-transferBandHigh)*poll/activationMaxPolls
			c.flusher.Update(ctx, uploadID, model.UploadProgress{
				Stage:   string(model.UploadStatusProcessing),
				Pct:     pct,
				Message: fmt.Sprintf("processing, poll %d", poll+1),
			})
		}
	}
	return nil, fmt.Errorf("remote file %q did not activate within %s", remote.Name, time.Duration(activationMaxPolls)*activationPollInterval)
}

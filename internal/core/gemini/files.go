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

// Package gemini implements the client side of the inference service's file
// and cache APIs. This file speaks the resumable upload protocol directly:
//
//  1. An initiating POST declares the total size and content type and
//     returns a session URL in the X-Goog-Upload-URL header.
//  2. The body is sent as fixed-size chunks against the session URL, each
//     declaring its byte offset; the final chunk carries the finalize
//     command.
//  3. The finalize response body holds the remote file resource. The body
//     has been observed to come back empty, in which case a status query
//     against the same session URL recovers the resource. Failing both
//     paths is a protocol-shape error: it is fatal and never retried,
//     because retrying cannot fix a protocol mismatch.
//
// The SDK client used for generation calls does not expose chunk offsets,
// finalize fallbacks or the session status query, which is why this file
// talks to the protocol over plain HTTP.
package gemini

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/jaycherian/gcp-go-media-critique/internal/core/retry"
)

const (
	// DefaultChunkSize is the fixed chunk size of the resumable push.
	DefaultChunkSize int64 = 32 << 20 // 32 MiB

	// DefaultUploadBaseURL initiates resumable upload sessions.
	DefaultUploadBaseURL = "https://generativelanguage.googleapis.com/upload/v1beta/files"
	// DefaultMetadataBaseURL serves file metadata for activation polling.
	DefaultMetadataBaseURL = "https://generativelanguage.googleapis.com/v1beta"
)

// ErrProtocol marks a protocol-shape failure: the upstream answered, but not
// in the documented shape. Callers must treat it as fatal, not transient.
var ErrProtocol = errors.New("gemini: unexpected upload protocol response")

// Doer is the minimal HTTP client surface, satisfied by *http.Client and by
// test fakes.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// RemoteFile is the inference service's file resource as the pipeline sees
// it: the short name used for polling, the URI handed to the model, and the
// processing state.
type RemoteFile struct {
	Name  string `json:"name"`
	URI   string `json:"uri"`
	State string `json:"state"`
}

// Remote file states as reported by the metadata endpoint.
const (
	FileStateProcessing = "PROCESSING"
	FileStateActive     = "ACTIVE"
	FileStateFailed     = "FAILED"
)

// FileService pushes staged media into the inference service and polls the
// resulting file until it is usable.
type FileService struct {
	UploadBaseURL   string
	MetadataBaseURL string
	APIKey          string
	Client          Doer
	ChunkSize       int64

	kernel *retry.Kernel
}

// NewFileService builds a FileService with the default endpoints and chunk
// size. Each protocol round trip is wrapped in the retry kernel with a
// per-call deadline; a resend of the same chunk is safe because the session
// identifies it by offset.
func NewFileService(client Doer, apiKey string, callTimeout time.Duration) *FileService {
	cfg := retry.DefaultConfig()
	cfg.Timeout = callTimeout
	return &FileService{
		UploadBaseURL:   DefaultUploadBaseURL,
		MetadataBaseURL: DefaultMetadataBaseURL,
		APIKey:          apiKey,
		Client:          client,
		ChunkSize:       DefaultChunkSize,
		kernel:          retry.NewKernel("gemini.file", cfg),
	}
}

// Upload pushes size bytes from src into the inference service as one
// resumable session and returns the resulting remote file. The progress
// callback receives the raw transfer percentage (0-100); mapping it into
// the job's overall progress band is the caller's concern.
func (s *FileService) Upload(ctx context.Context, src io.Reader, size int64, displayName, mimeType string, progress func(pct int)) (*RemoteFile, error) {
	// The chunk producer blocks on its channel send until the consumer is
	// ready; cancelling on every exit path releases it when the loop below
	// returns early, even when the caller's context is never cancelled.
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	sessionURL, err := s.startSession(ctx, displayName, mimeType, size)
	if err != nil {
		return nil, err
	}

	chunkSize := s.ChunkSize
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	chunks, readErrs := streamChunks(ctx, src, size, chunkSize)

	var finalizeBody []byte
	for chunk := range chunks {
		body, err := s.sendChunk(ctx, sessionURL, chunk)
		if err != nil {
			return nil, err
		}
		if chunk.Last {
			finalizeBody = body
		}
		if progress != nil && size > 0 {
			sent := chunk.Offset + int64(len(chunk.Data))
			progress(int(sent * 100 / size))
		}
	}
	select {
	case err := <-readErrs:
		return nil, err
	default:
	}

	file := parseFileResponse(finalizeBody)
	if file == nil {
		// Observed upstream behavior: the finalize response body can come
		// back empty. Fall back to querying the session for its status.
		slog.Warn("finalize response missing file resource; querying session status", "display_name", displayName)
		statusBody, err := s.querySession(ctx, sessionURL)
		if err != nil {
			return nil, fmt.Errorf("%w: finalize body empty and status query failed: %v", ErrProtocol, err)
		}
		file = parseFileResponse(statusBody)
	}
	if file == nil || file.URI == "" {
		return nil, fmt.Errorf("%w: no file resource in finalize or status response", ErrProtocol)
	}
	return file, nil
}

// startSession issues the initiating request and returns the session URL.
func (s *FileService) startSession(ctx context.Context, displayName, mimeType string, size int64) (string, error) {
	payload, _ := json.Marshal(map[string]interface{}{
		"file": map[string]interface{}{"display_name": displayName},
	})

	var sessionURL string
	err := s.kernel.Do(ctx, func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.UploadBaseURL+"?key="+s.APIKey, bytes.NewReader(payload))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("X-Goog-Upload-Protocol", "resumable")
		req.Header.Set("X-Goog-Upload-Command", "start")
		req.Header.Set("X-Goog-Upload-Header-Content-Length", strconv.FormatInt(size, 10))
		req.Header.Set("X-Goog-Upload-Header-Content-Type", mimeType)

		resp, err := s.Client.Do(req)
		if err != nil {
			return err
		}
		defer func() { _ = resp.Body.Close() }()
		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			return statusError(resp)
		}
		sessionURL = resp.Header.Get("X-Goog-Upload-URL")
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("failed to start resumable upload session: %w", err)
	}
	if sessionURL == "" {
		return "", fmt.Errorf("%w: start response missing X-Goog-Upload-URL header", ErrProtocol)
	}
	return sessionURL, nil
}

// sendChunk pushes one chunk at its offset and returns the response body,
// which is non-empty only for the finalizing chunk (and sometimes not even
// then, see Upload).
func (s *FileService) sendChunk(ctx context.Context, sessionURL string, chunk Chunk) ([]byte, error) {
	command := "upload"
	if chunk.Last {
		command = "upload, finalize"
	}

	var body []byte
	err := s.kernel.Do(ctx, func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPut, sessionURL, bytes.NewReader(chunk.Data))
		if err != nil {
			return err
		}
		req.Header.Set("X-Goog-Upload-Command", command)
		req.Header.Set("X-Goog-Upload-Offset", strconv.FormatInt(chunk.Offset, 10))
		req.ContentLength = int64(len(chunk.Data))

		resp, err := s.Client.Do(req)
		if err != nil {
			return err
		}
		defer func() { _ = resp.Body.Close() }()
		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			return statusError(resp)
		}
		body, err = io.ReadAll(resp.Body)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to send chunk at offset %d: %w", chunk.Offset, err)
	}
	return body, nil
}

// querySession asks the upload session for its current status. This is the
// recovery path for an empty finalize response.
func (s *FileService) querySession(ctx context.Context, sessionURL string) ([]byte, error) {
	var body []byte
	err := s.kernel.Do(ctx, func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPut, sessionURL, nil)
		if err != nil {
			return err
		}
		req.Header.Set("X-Goog-Upload-Command", "query")

		resp, err := s.Client.Do(req)
		if err != nil {
			return err
		}
		defer func() { _ = resp.Body.Close() }()
		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			return statusError(resp)
		}
		body, err = io.ReadAll(resp.Body)
		return err
	})
	return body, err
}

// GetFile fetches current metadata for a remote file by its short resource
// name ("files/abc123").
func (s *FileService) GetFile(ctx context.Context, name string) (*RemoteFile, error) {
	var file *RemoteFile
	err := s.kernel.Do(ctx, func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.MetadataBaseURL+"/"+name+"?key="+s.APIKey, nil)
		if err != nil {
			return err
		}
		resp, err := s.Client.Do(req)
		if err != nil {
			return err
		}
		defer func() { _ = resp.Body.Close() }()
		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			return statusError(resp)
		}
		out := &RemoteFile{}
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("failed to decode file metadata: %w", err)
		}
		file = out
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to fetch metadata for %s: %w", name, err)
	}
	return file, nil
}

// parseFileResponse extracts the file resource from an upload protocol
// response body. It tolerates both the enveloped ({"file": {...}}) and bare
// shapes, and returns nil when no resource is present.
func parseFileResponse(body []byte) *RemoteFile {
	if len(bytes.TrimSpace(body)) == 0 {
		return nil
	}
	var envelope struct {
		File *RemoteFile `json:"file"`
	}
	if err := json.Unmarshal(body, &envelope); err == nil && envelope.File != nil && envelope.File.URI != "" {
		return envelope.File
	}
	bare := &RemoteFile{}
	if err := json.Unmarshal(body, bare); err == nil && bare.URI != "" {
		return bare
	}
	return nil
}

// statusError drains a non-2xx response into a classifiable error.
func statusError(resp *http.Response) error {
	excerpt, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	return &retry.StatusError{Code: resp.StatusCode, Body: string(excerpt)}
}

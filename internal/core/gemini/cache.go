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
// and cache APIs. This file manages the server-side content cache that lets
// multiple persona analyses share one expensive video context instead of
// re-sending the file per call.
//
// The cachedContents endpoint has shipped breaking differences between API
// versions, so creation walks an ordered list of endpoint variants and takes
// the first success; the variant list is the documented workaround, not
// speculation. Every cache failure is soft: the manager resolves to a
// degraded result and the caller falls back to uncached per-request calls.
package gemini

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"net/http"
	"time"

	"github.com/jaycherian/gcp-go-media-critique/internal/core/model"
	"github.com/jaycherian/gcp-go-media-critique/internal/core/store"
)

const (
	// DefaultCacheTTL is the lifetime requested for a new content cache.
	DefaultCacheTTL = time.Hour
	// CacheSafetyMargin is subtracted from the recorded expiry when deciding
	// whether an existing cache is still usable; a cache inside the margin
	// is treated as absent.
	CacheSafetyMargin = 120 * time.Second
	// cacheCreateRetries bounds how many times the full endpoint-variant
	// sweep is retried after the initial try before the record is marked
	// FAILED. Each retry sleeps one of cacheBackoffBases first.
	cacheCreateRetries = 3
)

// cacheBackoffBases are the per-retry backoff bases for cache creation
// (jittered +/-20%), one per retry.
var cacheBackoffBases = []time.Duration{2 * time.Second, 5 * time.Second, 10 * time.Second}

// Endpoint is one named cachedContents API variant.
type Endpoint struct {
	Name    string
	BaseURL string
}

// DefaultCacheEndpoints is the ordered variant list tried on creation.
func DefaultCacheEndpoints() []Endpoint {
	return []Endpoint{
		{Name: "v1beta", BaseURL: "https://generativelanguage.googleapis.com/v1beta/cachedContents"},
		{Name: "v1", BaseURL: "https://generativelanguage.googleapis.com/v1/cachedContents"},
		{Name: "v1alpha", BaseURL: "https://generativelanguage.googleapis.com/v1alpha/cachedContents"},
	}
}

// CacheResult is the distinguished outcome of an ensure-cache call. A
// resolved result carries a usable cache name; a degraded result means the
// caller must proceed uncached. Degraded is never an error for the caller.
type CacheResult struct {
	CacheName string
	Degraded  bool
	Reason    error
}

// Resolved reports whether a usable cache name is available.
func (r CacheResult) Resolved() bool {
	return !r.Degraded && r.CacheName != ""
}

// degraded builds the soft-failure result.
func degraded(reason error) CacheResult {
	return CacheResult{Degraded: true, Reason: reason}
}

// createPayload is the request body for cache creation, shared by all
// endpoint variants.
type createPayload struct {
	uploadKey string
	fileURI   string
	mimeType  string
	model     string
	ttl       time.Duration
}

// buildCreateRequest is a pure function of (payload, endpoint); keeping it
// free of manager state lets tests drive arbitrary failure sequences
// through a fake HTTP doer.
func buildCreateRequest(ctx context.Context, endpoint Endpoint, apiKey string, p createPayload) (*http.Request, error) {
	body, err := json.Marshal(map[string]interface{}{
		"model": p.model,
		"contents": []map[string]interface{}{
			{
				"role": "user",
				"parts": []map[string]interface{}{
					{"file_data": map[string]string{"file_uri": p.fileURI, "mime_type": p.mimeType}},
				},
			},
		},
		"ttl": fmt.Sprintf("%ds", int(p.ttl.Seconds())),
	})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint.BaseURL+"?key="+apiKey, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	return req, nil
}

// CacheManager creates and reuses content caches with TTL tracking.
type CacheManager struct {
	records   store.CacheRecordStore
	client    Doer
	apiKey    string
	ttl       time.Duration
	endpoints []Endpoint

	// now and sleep are swappable for tests.
	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// NewCacheManager builds a manager over the record store and HTTP client.
func NewCacheManager(records store.CacheRecordStore, client Doer, apiKey string, ttl time.Duration) *CacheManager {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	return &CacheManager{
		records:   records,
		client:    client,
		apiKey:    apiKey,
		ttl:       ttl,
		endpoints: DefaultCacheEndpoints(),
		now:       time.Now,
		sleep:     sleepCtx,
	}
}

// EnsureCache returns a usable content cache for the uploaded file, creating
// one only when no recorded cache survives the safety margin. Creation is
// idempotent under the "use existing if still valid" check: a duplicate
// created by a race is wasted but not unsafe.
func (m *CacheManager) EnsureCache(ctx context.Context, uploadKey, fileURI, mimeType, cacheModel string) CacheResult {
	rec, err := m.records.GetCache(ctx, uploadKey)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		slog.Warn("cache record lookup failed; proceeding to creation", "upload_key", uploadKey, "error", err)
	}
	if rec.Usable(m.now(), CacheSafetyMargin) {
		return CacheResult{CacheName: rec.CacheName}
	}

	payload := createPayload{
		uploadKey: uploadKey,
		fileURI:   fileURI,
		mimeType:  mimeType,
		model:     cacheModel,
		ttl:       m.ttl,
	}

	var lastErr error
	for attempt := 0; attempt <= cacheCreateRetries; attempt++ {
		if attempt > 0 {
			if err := m.sleep(ctx, jitter(cacheBackoffBases[attempt-1])); err != nil {
				lastErr = err
				break
			}
		}
		name, expires, err := m.createOnce(ctx, payload)
		if err == nil {
			newRec := &model.ContentCacheRecord{
				UploadKey:  uploadKey,
				CacheName:  name,
				CacheModel: cacheModel,
				Status:     model.CacheStatusActive,
				ExpiresAt:  expires,
				CreatedAt:  m.now(),
			}
			if err := m.records.PutCache(ctx, newRec); err != nil {
				slog.Warn("failed to persist cache record", "upload_key", uploadKey, "error", err)
			}
			return CacheResult{CacheName: name}
		}
		lastErr = err
		slog.Warn("content cache creation attempt failed", "upload_key", uploadKey, "attempt", attempt+1, "error", err)
	}

	failedRec := &model.ContentCacheRecord{
		UploadKey:  uploadKey,
		CacheModel: cacheModel,
		Status:     model.CacheStatusFailed,
		CreatedAt:  m.now(),
	}
	if err := m.records.PutCache(ctx, failedRec); err != nil {
		slog.Warn("failed to persist failed cache record", "upload_key", uploadKey, "error", err)
	}
	return degraded(lastErr)
}

// createOnce sweeps the endpoint variants in order and returns the first
// successful creation.
func (m *CacheManager) createOnce(ctx context.Context, payload createPayload) (string, time.Time, error) {
	var lastErr error
	for _, endpoint := range m.endpoints {
		req, err := buildCreateRequest(ctx, endpoint, m.apiKey, payload)
		if err != nil {
			return "", time.Time{}, err
		}
		resp, err := m.client.Do(req)
		if err != nil {
			lastErr = fmt.Errorf("%s: %w", endpoint.Name, err)
			continue
		}
		name, expires, err := m.decodeCreateResponse(resp)
		if err != nil {
			lastErr = fmt.Errorf("%s: %w", endpoint.Name, err)
			continue
		}
		return name, expires, nil
	}
	return "", time.Time{}, lastErr
}

func (m *CacheManager) decodeCreateResponse(resp *http.Response) (string, time.Time, error) {
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", time.Time{}, statusError(resp)
	}
	var out struct {
		Name       string    `json:"name"`
		ExpireTime time.Time `json:"expireTime"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", time.Time{}, fmt.Errorf("failed to decode cache creation response: %w", err)
	}
	if out.Name == "" {
		return "", time.Time{}, errors.New("cache creation response missing name")
	}
	expires := out.ExpireTime
	if expires.IsZero() {
		expires = m.now().Add(m.ttl)
	}
	return out.Name, expires, nil
}

// Delete removes the remote cache best-effort and clears the local record to
// DELETED regardless of the remote outcome, so the record never references a
// cache name that might be invalid.
func (m *CacheManager) Delete(ctx context.Context, uploadKey string) {
	rec, err := m.records.GetCache(ctx, uploadKey)
	if err != nil || rec == nil || rec.CacheName == "" {
		return
	}
	for _, endpoint := range m.endpoints {
		req, err := http.NewRequestWithContext(ctx, http.MethodDelete, endpoint.BaseURL+"/"+rec.CacheName+"?key="+m.apiKey, nil)
		if err != nil {
			break
		}
		resp, err := m.client.Do(req)
		if err != nil {
			continue
		}
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
		if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
			break
		}
	}
	rec.Status = model.CacheStatusDeleted
	rec.CacheName = ""
	if err := m.records.PutCache(ctx, rec); err != nil {
		slog.Warn("failed to clear cache record", "upload_key", uploadKey, "error", err)
	}
}

// jitter applies +/-20% to a backoff base.
func jitter(d time.Duration) time.Duration {
	spread := float64(d) * 0.2
	return time.Duration(float64(d) + (rand.Float64()*2-1)*spread)
}

// sleepCtx waits for d or until the context is done.
func sleepCtx(ctx context.Context, d time.Duration) error {
	select {
	case <-time.After(d):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

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

// White-box tests for the content cache manager. The endpoint-variant list
// and the clock are unexported knobs, so these live inside the package.
package gemini

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/jaycherian/gcp-go-media-critique/internal/core/model"
	"github.com/jaycherian/gcp-go-media-critique/internal/core/store"
)

// newTestCacheManager builds a manager over the in-memory record store with
// an instant clock-driven sleep and a fixed now.
func newTestCacheManager(records store.CacheRecordStore, client Doer, endpoints []Endpoint, now time.Time) *CacheManager {
	m := NewCacheManager(records, client, "test-key", time.Hour)
	m.endpoints = endpoints
	m.now = func() time.Time { return now }
	m.sleep = func(_ context.Context, _ time.Duration) error { return nil }
	return m
}

// TestEnsureCacheReusesRecordInsideWindow verifies that a recorded ACTIVE
// cache expiring comfortably in the future is reused without any remote call.
func TestEnsureCacheReusesRecordInsideWindow(t *testing.T) {
	now := time.Now()
	records := store.NewMemoryStore()
	_ = records.PutCache(context.Background(), &model.ContentCacheRecord{
		UploadKey: "up-1",
		CacheName: "cachedContents/existing",
		Status:    model.CacheStatusActive,
		ExpiresAt: now.Add(10 * time.Minute),
		CreatedAt: now.Add(-time.Minute),
	})

	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls++
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	m := newTestCacheManager(records, srv.Client(), []Endpoint{{Name: "v1beta", BaseURL: srv.URL}}, now)

	res := m.EnsureCache(context.Background(), "up-1", "https://files/f1", "video/mp4", "gemini-2.0-flash")
	assert.True(t, res.Resolved())
	assert.Equal(t, "cachedContents/existing", res.CacheName)
	assert.Equal(t, 0, calls)
}

// TestEnsureCacheIgnoresRecordInsideSafetyMargin verifies that a cache whose
// expiry falls inside the safety margin is treated as absent and recreated.
func TestEnsureCacheIgnoresRecordInsideSafetyMargin(t *testing.T) {
	now := time.Now()
	records := store.NewMemoryStore()
	_ = records.PutCache(context.Background(), &model.ContentCacheRecord{
		UploadKey: "up-2",
		CacheName: "cachedContents/stale",
		Status:    model.CacheStatusActive,
		ExpiresAt: now.Add(CacheSafetyMargin / 2),
		CreatedAt: now.Add(-time.Hour),
	})

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, `{"name": "cachedContents/fresh", "expireTime": "2040-01-01T00:00:00Z"}`)
	}))
	defer srv.Close()

	m := newTestCacheManager(records, srv.Client(), []Endpoint{{Name: "v1beta", BaseURL: srv.URL}}, now)

	res := m.EnsureCache(context.Background(), "up-2", "https://files/f2", "video/mp4", "gemini-2.0-flash")
	assert.True(t, res.Resolved())
	assert.Equal(t, "cachedContents/fresh", res.CacheName)

	rec, err := records.GetCache(context.Background(), "up-2")
	assert.NoError(t, err)
	assert.Equal(t, model.CacheStatusActive, rec.Status)
	assert.Equal(t, "cachedContents/fresh", rec.CacheName)
}

// TestEnsureCacheFallsThroughEndpointVariants verifies that a variant
// rejecting the request with a 4xx hands creation to the next variant in
// order within the same attempt.
func TestEnsureCacheFallsThroughEndpointVariants(t *testing.T) {
	bad := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer bad.Close()
	good := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, `{"name": "cachedContents/v1-made-it"}`)
	}))
	defer good.Close()

	records := store.NewMemoryStore()
	m := newTestCacheManager(records, http.DefaultClient, []Endpoint{
		{Name: "v1beta", BaseURL: bad.URL},
		{Name: "v1", BaseURL: good.URL},
	}, time.Now())

	res := m.EnsureCache(context.Background(), "up-3", "https://files/f3", "video/mp4", "gemini-2.0-flash")
	assert.True(t, res.Resolved())
	assert.Equal(t, "cachedContents/v1-made-it", res.CacheName)
}

// TestEnsureCacheDegradesAfterExhaustion verifies that when every variant
// fails on every attempt the result is degraded (never a hard error) and a
// FAILED record is persisted.
func TestEnsureCacheDegradesAfterExhaustion(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls++
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	records := store.NewMemoryStore()
	m := newTestCacheManager(records, srv.Client(), []Endpoint{
		{Name: "v1beta", BaseURL: srv.URL},
		{Name: "v1", BaseURL: srv.URL},
	}, time.Now())

	res := m.EnsureCache(context.Background(), "up-4", "https://files/f4", "video/mp4", "gemini-2.0-flash")
	assert.False(t, res.Resolved())
	assert.True(t, res.Degraded)
	assert.Error(t, res.Reason)

	// Two variants swept on the initial try and on each retry.
	assert.Equal(t, 2*(1+cacheCreateRetries), calls)

	rec, err := records.GetCache(context.Background(), "up-4")
	assert.NoError(t, err)
	assert.Equal(t, model.CacheStatusFailed, rec.Status)
}

// TestEnsureCacheSleepsEachBackoffBase verifies that exhausting creation
// performs the initial try plus one retry per backoff base, sleeping each
// base (with jitter) in order before its retry.
func TestEnsureCacheSleepsEachBackoffBase(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	records := store.NewMemoryStore()
	m := newTestCacheManager(records, srv.Client(), []Endpoint{
		{Name: "v1beta", BaseURL: srv.URL},
	}, time.Now())

	var slept []time.Duration
	m.sleep = func(_ context.Context, d time.Duration) error {
		slept = append(slept, d)
		return nil
	}

	res := m.EnsureCache(context.Background(), "up-6", "https://files/f6", "video/mp4", "gemini-2.0-flash")
	assert.True(t, res.Degraded)

	assert.Equal(t, len(cacheBackoffBases), len(slept))
	for i, d := range slept {
		base := float64(cacheBackoffBases[i])
		assert.GreaterOrEqual(t, float64(d), base*0.8)
		assert.LessOrEqual(t, float64(d), base*1.2)
	}
}

// TestDeleteClearsRecordEvenWhenRemoteFails verifies that a failed remote
// delete still transitions the local record to DELETED with the name cleared.
func TestDeleteClearsRecordEvenWhenRemoteFails(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	records := store.NewMemoryStore()
	_ = records.PutCache(context.Background(), &model.ContentCacheRecord{
		UploadKey: "up-5",
		CacheName: "cachedContents/doomed",
		Status:    model.CacheStatusActive,
		ExpiresAt: time.Now().Add(time.Hour),
	})

	m := newTestCacheManager(records, srv.Client(), []Endpoint{{Name: "v1beta", BaseURL: srv.URL}}, time.Now())
	m.Delete(context.Background(), "up-5")

	rec, err := records.GetCache(context.Background(), "up-5")
	assert.NoError(t, err)
	assert.Equal(t, model.CacheStatusDeleted, rec.Status)
	assert.Equal(t, "", rec.CacheName)
}

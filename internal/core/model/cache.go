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

package model

import "time"

// CacheStatus enumerates the states of a server-side content cache record.
type CacheStatus string

const (
	CacheStatusActive  CacheStatus = "ACTIVE"
	CacheStatusFailed  CacheStatus = "FAILED"
	CacheStatusDeleted CacheStatus = "DELETED"
)

// ContentCacheRecord tracks one context cache created inside the inference
// service from an uploaded file. One record exists per file (keyed by the
// file's stable reference). The record is advisory: a cache is usable only
// while `now < ExpiresAt - safetyMargin`, and past that threshold it is
// treated as absent regardless of the status flag.
type ContentCacheRecord struct {
	UploadKey  string      `json:"upload_key"`
	CacheName  string      `json:"cache_name,omitempty"`
	CacheModel string      `json:"cache_model"`
	Status     CacheStatus `json:"status"`
	ExpiresAt  time.Time   `json:"expires_at"`
	CreatedAt  time.Time   `json:"created_at"`
}

// Usable reports whether the cache can still be handed to an analysis call,
// given the safety margin the cache manager applies before the hard expiry.
func (r *ContentCacheRecord) Usable(now time.Time, safetyMargin time.Duration) bool {
	if r == nil || r.Status != CacheStatusActive || r.CacheName == "" {
		return false
	}
	return now.Before(r.ExpiresAt.Add(-safetyMargin))
}

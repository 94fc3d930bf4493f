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

// Package cloud provides components for interacting with Google Cloud services.
// This file implements a wrapper around the standard Generative AI client.
// This wrapper uses the Decorator design pattern to add extra functionality
// to an existing object without altering its code. Specifically, it adds
// rate limiting to the Generative AI model.
//
// Why this is important:
//   - Rate Limiting: The Gemini API has quotas on how many requests you can
//     make per minute. This wrapper prevents the application from exceeding
//     those limits, which would otherwise result in errors.
//
// Retry logic deliberately lives OUTSIDE this wrapper: transient failures are
// handled by the shared retry kernel so every model call gets the same
// classification, backoff, and attempt accounting. The wrapper's only job is
// pacing.
//
// Structs:
//   - QuotaAwareGenerativeAIModel: A struct that wraps the base model handle
//     and generation config and adds a rate limiter.
//
// Functions:
//   - NewQuotaAwareModel: A constructor to create a new instance of the wrapped model.
//   - GenerateContent: An overridden method that intercepts calls to the AI model
//     to enforce rate limiting.
package cloud

import (
	"context"

	"golang.org/x/time/rate"
	"google.golang.org/genai"
)

// QuotaAwareGenerativeAIModel is a decorator struct that wraps a model handle
// and its generation config to add rate-limiting capabilities. Calls block on
// the limiter, so a burst of persona analyses is paced to the configured
// requests-per-second instead of failing on quota.
type QuotaAwareGenerativeAIModel struct {
	GenerativeContentConfig *genai.GenerateContentConfig // The generation config applied to every call.
	ModelName               string
	ModelHandle             *genai.Models
	RateLimit               *rate.Limiter // A rate limiter to control request frequency.
}

// NewQuotaAwareModel is a constructor function that creates a new
// QuotaAwareGenerativeAIModel. It takes the base config and a rate limit
// (in requests per second) and returns our enhanced, quota-aware model.
//
// Inputs:
//   - wrapped: The generation config to apply on every call.
//   - name: The model identifier passed to the API.
//   - modelHandle: The genai model handle the calls are dispatched through.
//   - requestsPerSecond: The maximum number of API calls allowed per second.
//
// Outputs:
//   - *QuotaAwareGenerativeAIModel: A pointer to the newly created wrapper.
func NewQuotaAwareModel(wrapped *genai.GenerateContentConfig, name string, modelHandle *genai.Models, requestsPerSecond int) *QuotaAwareGenerativeAIModel {
	if requestsPerSecond <= 0 {
		requestsPerSecond = 1
	}
	return &QuotaAwareGenerativeAIModel{
		GenerativeContentConfig: wrapped,
		ModelName:               name,
		ModelHandle:             modelHandle,
		RateLimit:               rate.NewLimiter(rate.Limit(requestsPerSecond), requestsPerSecond),
	}
}

// GenerateContent dispatches a generation call through the rate limiter.
// `Wait` blocks until a token is available or the context is done, so a
// caller's deadline still bounds the total time spent queued plus calling.
//
// Inputs:
//   - ctx: The context for the request; its deadline covers limiter waiting.
//   - content: The multi-modal content of the request.
//   - cachedContent: Optional name of a server-side content cache to attach;
//     empty means the call runs uncached.
//
// Outputs:
//   - *genai.GenerateContentResponse: The response from the model if successful.
//   - error: An error from the limiter wait or the underlying API call.
func (q *QuotaAwareGenerativeAIModel) GenerateContent(ctx context.Context, content []*genai.Content, cachedContent string) (*genai.GenerateContentResponse, error) {
	if err := q.RateLimit.Wait(ctx); err != nil {
		return nil, err
	}
	config := q.GenerativeContentConfig
	if cachedContent != "" {
		// Copy the config so concurrent uncached calls don't see the cache name.
		withCache := *q.GenerativeContentConfig
		withCache.CachedContent = cachedContent
		config = &withCache
	}
	return q.ModelHandle.GenerateContent(ctx, q.ModelName, content, config)
}

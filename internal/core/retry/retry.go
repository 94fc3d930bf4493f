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

// Package retry provides the retry/timeout kernel used by every outbound
// call in the pipeline. It gives an asynchronous operation a hard deadline
// and classified-retry-with-backoff semantics: transient failures (rate
// limits, server overload, connection resets, timeouts) are retried with
// bounded exponential backoff plus jitter, while permanent failures (bad
// input, protocol mismatches) fail immediately.
//
// A deadline firing inside an attempt is reshaped into a transient-class
// error so it flows through the same classification as genuine network
// faults.
package retry

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net"
	"strings"
	"syscall"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

// Config controls one kernel's attempt budget and backoff schedule.
type Config struct {
	// MaxAttempts is the total number of tries, including the first.
	MaxAttempts int
	// Timeout is the hard deadline applied to each individual attempt.
	// Zero means the attempt inherits the caller's context deadline only.
	Timeout time.Duration
	// BaseDelay is the backoff unit for the first retry; the delay doubles
	// each attempt up to MaxDelay before jitter is applied.
	BaseDelay time.Duration
	// MaxDelay caps the pre-jitter backoff.
	MaxDelay time.Duration
	// MinDelay is the post-jitter floor.
	MinDelay time.Duration
	// JitterPct is the symmetric jitter fraction (0.2 means +/-20%).
	JitterPct float64
}

// DefaultConfig returns the pipeline-wide retry policy: 4 attempts, backoff
// min(5000ms, 250ms * 2^(attempt-1)) with +/-20% jitter and a 200ms floor.
func DefaultConfig() Config {
	return Config{
		MaxAttempts: 4,
		BaseDelay:   250 * time.Millisecond,
		MaxDelay:    5 * time.Second,
		MinDelay:    200 * time.Millisecond,
		JitterPct:   0.2,
	}
}

// StatusError is an error carrying an upstream HTTP status code and response
// body excerpt. Call sites that talk raw HTTP to the inference service wrap
// non-2xx responses in this type so the kernel can classify them.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("upstream returned status %d", e.Code)
	}
	return fmt.Sprintf("upstream returned status %d: %s", e.Code, e.Body)
}

// transientStatusCodes are the upstream HTTP statuses considered likely to
// succeed on retry.
var transientStatusCodes = map[int]bool{
	429: true,
	500: true,
	502: true,
	503: true,
	504: true,
}

// transientSignatures are substrings observed in upstream error bodies and
// client error strings that indicate a transient fault.
var transientSignatures = []string{
	"overloaded",
	"unavailable",
	"fetch failed",
	"connection reset",
	"connection refused",
	"broken pipe",
	"timeout",
	"deadline exceeded",
	"no such host",
	"temporary failure in name resolution",
}

// IsTransient classifies an error as retryable. Classification order:
// explicit status codes, then typed network errors (timeouts, connection
// resets, DNS failures), then known message signatures. Anything else is
// treated as permanent and fails without retry.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}

	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		if transientStatusCodes[statusErr.Code] {
			return true
		}
		body := strings.ToLower(statusErr.Body)
		for _, sig := range transientSignatures {
			if strings.Contains(body, sig) {
				return true
			}
		}
		return false
	}

	// A per-attempt deadline firing is transient by design: the next attempt
	// gets a fresh deadline.
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return true
	}
	if errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.EPIPE) {
		return true
	}

	msg := strings.ToLower(err.Error())
	for _, sig := range transientSignatures {
		if strings.Contains(msg, sig) {
			return true
		}
	}
	return false
}

// Backoff computes the sleep before retry number `attempt` (1-based: the
// delay after the first failed attempt is Backoff(1)). The pre-jitter value
// is min(MaxDelay, BaseDelay*2^(attempt-1)); jitter is symmetric and the
// result never drops below MinDelay.
func (c Config) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := c.BaseDelay << uint(attempt-1)
	if d > c.MaxDelay || d <= 0 {
		d = c.MaxDelay
	}
	if c.JitterPct > 0 {
		spread := float64(d) * c.JitterPct
		d = time.Duration(float64(d) + (rand.Float64()*2-1)*spread)
	}
	if d < c.MinDelay {
		d = c.MinDelay
	}
	return d
}

// Kernel wraps a named class of outbound operation with the retry/timeout
// policy and OpenTelemetry counters, in the same shape the command framework
// instruments its units of work.
type Kernel struct {
	name           string
	config         Config
	successCounter metric.Int64Counter
	errorCounter   metric.Int64Counter
	retryCounter   metric.Int64Counter
}

// NewKernel creates a kernel for one named operation class. The name feeds
// the metric namespaces ("<name>.counter.success" etc.).
func NewKernel(name string, config Config) *Kernel {
	meter := otel.Meter("github.com/jaycherian/gcp-go-media-critique")
	successCounter, _ := meter.Int64Counter(fmt.Sprintf("%s.counter.success", name))
	errorCounter, _ := meter.Int64Counter(fmt.Sprintf("%s.counter.error", name))
	retryCounter, _ := meter.Int64Counter(fmt.Sprintf("%s.counter.retry", name))
	return &Kernel{
		name:           name,
		config:         config,
		successCounter: successCounter,
		errorCounter:   errorCounter,
		retryCounter:   retryCounter,
	}
}

// Do runs op under the kernel's policy. Each attempt gets its own deadline
// when Config.Timeout is set. Transient failures are retried up to
// MaxAttempts with jittered exponential backoff; permanent failures and
// parent-context cancellation return immediately.
func (k *Kernel) Do(ctx context.Context, op func(ctx context.Context) error) error {
	var lastErr error
	for attempt := 1; attempt <= k.config.MaxAttempts; attempt++ {
		attemptCtx := ctx
		var cancel context.CancelFunc
		if k.config.Timeout > 0 {
			attemptCtx, cancel = context.WithTimeout(ctx, k.config.Timeout)
		}
		err := op(attemptCtx)
		if cancel != nil {
			cancel()
		}
		if err == nil {
			k.successCounter.Add(ctx, 1)
			return nil
		}
		lastErr = err

		// The parent being done is a cancellation, not a transient fault.
		if ctx.Err() != nil {
			break
		}
		if !IsTransient(err) {
			break
		}
		if attempt == k.config.MaxAttempts {
			break
		}

		k.retryCounter.Add(ctx, 1)
		select {
		case <-time.After(k.config.Backoff(attempt)):
		case <-ctx.Done():
			k.errorCounter.Add(ctx, 1)
			return fmt.Errorf("%s: canceled while backing off: %w", k.name, ctx.Err())
		}
	}
	k.errorCounter.Add(ctx, 1)
	return fmt.Errorf("%s: %w", k.name, lastErr)
}

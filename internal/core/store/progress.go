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
// This file implements the progress flush manager: the chunked transfer
// emits a progress event per chunk, which at 32 MiB chunks over a
// multi-gigabyte file would mean hundreds of writes to the job store. The
// flusher rate-limits and coalesces those events so the persisted record
// sees at most one write per coalescing window per upload, while keeping
// the persisted percentage non-decreasing.
package store

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/jaycherian/gcp-go-media-critique/internal/core/model"
)

// DefaultFlushWindow is the coalescing window between persisted progress
// writes for one upload.
const DefaultFlushWindow = 5 * time.Second

// progressState tracks flush bookkeeping for one upload id.
type progressState struct {
	lastWrite time.Time
	lastPct   int
	pending   *model.UploadProgress
	timer     *time.Timer
}

// ProgressFlusher coalesces high-frequency progress events into rate-limited
// writes against an UploadJobStore.
type ProgressFlusher struct {
	store  UploadJobStore
	window time.Duration
	now    func() time.Time

	mu     sync.Mutex
	states map[string]*progressState
}

// NewProgressFlusher creates a flusher over the given store. A zero window
// falls back to DefaultFlushWindow.
func NewProgressFlusher(store UploadJobStore, window time.Duration) *ProgressFlusher {
	if window <= 0 {
		window = DefaultFlushWindow
	}
	return &ProgressFlusher{
		store:  store,
		window: window,
		now:    time.Now,
		states: make(map[string]*progressState),
	}
}

// Update records a progress event for an upload. Events that would move the
// percentage backward are dropped, which is what keeps the persisted value
// monotonic even when chunk acknowledgements race. An event is written
// through immediately when the window has elapsed since the last write;
// otherwise the latest event is held and flushed when the window closes.
func (f *ProgressFlusher) Update(ctx context.Context, uploadID string, p model.UploadProgress) {
	f.mu.Lock()
	st, ok := f.states[uploadID]
	if !ok {
		st = &progressState{lastPct: -1}
		f.states[uploadID] = st
	}
	if p.Pct < st.lastPct {
		f.mu.Unlock()
		return
	}
	now := f.now()
	if now.Sub(st.lastWrite) >= f.window {
		st.lastWrite = now
		st.lastPct = p.Pct
		st.pending = nil
		if st.timer != nil {
			st.timer.Stop()
			st.timer = nil
		}
		f.mu.Unlock()
		f.write(ctx, uploadID, p)
		return
	}

	// Inside the window: hold the latest event and arm a timer for the
	// remainder so the last event of a burst is never lost.
	cp := p
	st.pending = &cp
	if st.timer == nil {
		delay := f.window - now.Sub(st.lastWrite)
		st.timer = time.AfterFunc(delay, func() { f.flushPending(uploadID) })
	}
	f.mu.Unlock()
}

// Flush writes any held event for the upload immediately and clears its
// bookkeeping. Call it before a terminal status write so the final progress
// is never stale.
func (f *ProgressFlusher) Flush(ctx context.Context, uploadID string) {
	f.mu.Lock()
	st, ok := f.states[uploadID]
	if !ok {
		f.mu.Unlock()
		return
	}
	pending := st.pending
	st.pending = nil
	if st.timer != nil {
		st.timer.Stop()
		st.timer = nil
	}
	if pending != nil {
		st.lastWrite = f.now()
		st.lastPct = pending.Pct
	}
	delete(f.states, uploadID)
	f.mu.Unlock()
	if pending != nil {
		f.write(ctx, uploadID, *pending)
	}
}

func (f *ProgressFlusher) flushPending(uploadID string) {
	f.mu.Lock()
	st, ok := f.states[uploadID]
	if !ok || st.pending == nil {
		if ok {
			st.timer = nil
		}
		f.mu.Unlock()
		return
	}
	p := *st.pending
	st.pending = nil
	st.timer = nil
	st.lastWrite = f.now()
	st.lastPct = p.Pct
	f.mu.Unlock()

	// Timer callbacks have no request context; the write is best-effort
	// against the store's own deadline handling.
	f.write(context.Background(), uploadID, p)
}

func (f *ProgressFlusher) write(ctx context.Context, uploadID string, p model.UploadProgress) {
	if err := f.store.SetProgress(ctx, uploadID, p); err != nil {
		slog.Warn("failed to persist progress", "upload_id", uploadID, "pct", p.Pct, "error", err)
	}
}

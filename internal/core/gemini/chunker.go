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
// and cache APIs. This file contains the chunk pipeline that feeds the
// resumable upload: a producer goroutine pulls fixed-size chunks from the
// source stream into a bounded channel, and the sender drains them one at a
// time. Keeping the chunking separate from the transport makes the offset
// and finalize bookkeeping testable without any HTTP in the loop.
package gemini

import (
	"context"
	"fmt"
	"io"
)

// Chunk is one fixed-size slice of the source stream. Offset is the absolute
// byte position of the first byte; Last marks the finalizing chunk.
type Chunk struct {
	Offset int64
	Data   []byte
	Last   bool
}

// streamChunks reads the source into chunks of chunkSize bytes and delivers
// them on the returned channel. The channel is buffered to a single chunk so
// the reader stays at most one chunk ahead of the sender. The error channel
// receives at most one error; the chunk channel is always closed when the
// producer stops.
//
// A zero-length source still yields exactly one empty chunk with Last set,
// because the upload protocol requires a finalizing request.
func streamChunks(ctx context.Context, src io.Reader, totalSize, chunkSize int64) (<-chan Chunk, <-chan error) {
	chunks := make(chan Chunk, 1)
	errs := make(chan error, 1)

	go func() {
		defer close(chunks)
		var offset int64
		for {
			remaining := totalSize - offset
			if remaining < 0 {
				remaining = 0
			}
			size := chunkSize
			if remaining < size {
				size = remaining
			}
			buf := make([]byte, size)
			if size > 0 {
				if _, err := io.ReadFull(src, buf); err != nil {
					errs <- fmt.Errorf("failed to read chunk at offset %d: %w", offset, err)
					return
				}
			}
			chunk := Chunk{
				Offset: offset,
				Data:   buf,
				Last:   offset+size >= totalSize,
			}
			select {
			case chunks <- chunk:
			case <-ctx.Done():
				errs <- ctx.Err()
				return
			}
			if chunk.Last {
				return
			}
			offset += size
		}
	}()

	return chunks, errs
}

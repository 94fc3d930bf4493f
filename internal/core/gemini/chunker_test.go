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

// White-box tests for the chunk pipeline feeding the resumable upload. The
// chunker is unexported, so these live inside the package.
package gemini

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

// TestStreamChunksOffsetsAndFinalize verifies that a source splits into
// fixed-size chunks with correct absolute offsets and that exactly the final
// chunk carries the finalize marker.
func TestStreamChunksOffsetsAndFinalize(t *testing.T) {
	data := bytes.Repeat([]byte("a"), 10)
	chunks, errs := streamChunks(context.Background(), bytes.NewReader(data), 10, 4)

	var got []Chunk
	for chunk := range chunks {
		got = append(got, chunk)
	}
	select {
	case err := <-errs:
		t.Fatalf("unexpected chunker error: %v", err)
	default:
	}

	assert.Equal(t, 3, len(got))
	assert.Equal(t, int64(0), got[0].Offset)
	assert.Equal(t, 4, len(got[0].Data))
	assert.False(t, got[0].Last)
	assert.Equal(t, int64(4), got[1].Offset)
	assert.False(t, got[1].Last)
	// The trailing chunk is short and finalizing.
	assert.Equal(t, int64(8), got[2].Offset)
	assert.Equal(t, 2, len(got[2].Data))
	assert.True(t, got[2].Last)
}

// TestStreamChunksExactMultiple verifies that a source whose size is an exact
// multiple of the chunk size does not produce a trailing empty chunk.
func TestStreamChunksExactMultiple(t *testing.T) {
	data := bytes.Repeat([]byte("b"), 8)
	chunks, _ := streamChunks(context.Background(), bytes.NewReader(data), 8, 4)

	var got []Chunk
	for chunk := range chunks {
		got = append(got, chunk)
	}

	assert.Equal(t, 2, len(got))
	assert.True(t, got[1].Last)
	assert.Equal(t, 4, len(got[1].Data))
}

// TestStreamChunksEmptySource verifies that a zero-length source still yields
// one empty finalizing chunk, as the protocol requires a finalize request.
func TestStreamChunksEmptySource(t *testing.T) {
	chunks, _ := streamChunks(context.Background(), strings.NewReader(""), 0, 4)

	var got []Chunk
	for chunk := range chunks {
		got = append(got, chunk)
	}

	assert.Equal(t, 1, len(got))
	assert.True(t, got[0].Last)
	assert.Equal(t, 0, len(got[0].Data))
}

// TestStreamChunksShortRead verifies that a source ending before the declared
// size surfaces a read error rather than hanging or emitting a bad chunk.
func TestStreamChunksShortRead(t *testing.T) {
	chunks, errs := streamChunks(context.Background(), strings.NewReader("abc"), 10, 4)

	for range chunks {
		// Drain until the producer stops.
	}

	select {
	case err := <-errs:
		assert.Error(t, err)
	default:
		t.Fatal("expected a read error for a short source")
	}
}

// Copyright 2025 Esteban Alvarez. All Rights Reserved.
//
// Created: October 2025
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package router

import (
	"time"

	"delfi/internal/oracle/formatter"
)

// moreBufferTTL is how long a chunked response stays fetchable via !more.
const moreBufferTTL = 10 * time.Minute

// MoreBuffer tracks the chunks of one sender's last long response and a
// cursor over them. Chunk 0 has already been sent; !more walks forward,
// !more N jumps (1-indexed).
type MoreBuffer struct {
	chunks []string
	cursor int
	ts     time.Time
}

// NewMoreBuffer starts with the first chunk considered sent.
func NewMoreBuffer(chunks []string, ts time.Time) *MoreBuffer {
	return &MoreBuffer{chunks: chunks, ts: ts}
}

// NextChunk advances the cursor and returns the next unsent chunk, tagged
// with the continuation sentinel when more remain, or "" when exhausted.
func (b *MoreBuffer) NextChunk() string {
	b.cursor++
	if b.cursor >= len(b.chunks) {
		return ""
	}
	chunk := b.chunks[b.cursor]
	if len(b.chunks)-b.cursor-1 > 0 {
		chunk += formatter.MoreTag
	}
	return chunk
}

// GetChunk returns chunk n (1-indexed) and moves the cursor there, or ""
// when n is out of range. An out-of-range request does not move the
// cursor.
func (b *MoreBuffer) GetChunk(n int) string {
	idx := n - 1
	if idx < 0 || idx >= len(b.chunks) {
		return ""
	}
	b.cursor = idx
	chunk := b.chunks[idx]
	if len(b.chunks)-idx-1 > 0 {
		chunk += formatter.MoreTag
	}
	return chunk
}

// Expired reports whether the buffer has outlived its TTL at now.
func (b *MoreBuffer) Expired(now time.Time) bool {
	return now.Sub(b.ts) > moreBufferTTL
}

// TotalChunks reports the chunk count.
func (b *MoreBuffer) TotalChunks() int { return len(b.chunks) }

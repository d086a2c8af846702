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

package formatter

import (
	"strings"
	"testing"
)

// TestStripMarkdown verifies markers are removed while visible text survives.
func TestStripMarkdown(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"**bold** and *italic*", "bold and italic"},
		{"# Header\nbody", "Header\nbody"},
		{"see [the docs](http://x.test/page)", "see the docs"},
		{"`code` span", "code span"},
		{"> quoted line", "quoted line"},
		{"- item one\n- item two", "item one\nitem two"},
		{"a\n\n\nb", "a b"},
		{"tabs\t\tand  spaces", "tabs and spaces"},
	}
	for _, c := range cases {
		if got := StripMarkdown(c.in); got != c.want {
			t.Fatalf("StripMarkdown(%q) = %q, want %q", c.in, got, c.want)
		}
	}
}

// TestStripMarkdownCodeBlock drops fenced code blocks entirely; code is
// noise on a 200-byte radio message.
func TestStripMarkdownCodeBlock(t *testing.T) {
	got := StripMarkdown("before\n```go\nx := 1\n```\nafter")
	if strings.Contains(got, "```") || strings.Contains(got, "x := 1") {
		t.Fatalf("code block survived: %q", got)
	}
	if !strings.Contains(got, "before") || !strings.Contains(got, "after") {
		t.Fatalf("surrounding text lost: %q", got)
	}
}

// TestTruncateAtSentencePrefersSentence checks the sentence boundary wins
// over a mid-word hard cut.
func TestTruncateAtSentencePrefersSentence(t *testing.T) {
	text := "First sentence here. Second sentence is much longer and will not fit."
	got := TruncateAtSentence(text, 30)
	if got != "First sentence here." {
		t.Fatalf("got %q", got)
	}
}

// TestTruncateAtSentenceClauseFallback uses a clause boundary when no full
// sentence fits the budget.
func TestTruncateAtSentenceClauseFallback(t *testing.T) {
	text := "one two three; four five six seven eight nine ten eleven twelve"
	got := TruncateAtSentence(text, 20)
	if got != "one two three;" {
		t.Fatalf("got %q", got)
	}
}

// TestTruncateAtSentenceWordFallback falls back to the last space when the
// window has no punctuation at all.
func TestTruncateAtSentenceWordFallback(t *testing.T) {
	text := "alpha beta gamma delta epsilon"
	got := TruncateAtSentence(text, 14)
	if got != "alpha beta" {
		t.Fatalf("got %q", got)
	}
}

// TestTruncateRuneSafety never cuts inside a multi-byte rune.
func TestTruncateRuneSafety(t *testing.T) {
	text := strings.Repeat("é", 100) // 2 bytes each
	for max := 1; max < 12; max++ {
		got := TruncateAtSentence(text, max)
		if len(got) > max {
			t.Fatalf("max=%d: %d bytes emitted", max, len(got))
		}
		if !strings.HasPrefix(text, got) {
			t.Fatalf("max=%d: result %q not a prefix", max, got)
		}
	}
}

// TestChunkTextReconstruction confirms chunks concatenate back to the
// original text modulo whitespace, with every chunk within budget.
func TestChunkTextReconstruction(t *testing.T) {
	text := "One two three. Four five six! Seven eight nine? Ten eleven twelve. Final words here."
	chunks := ChunkText(text, 30)
	if len(chunks) < 2 {
		t.Fatalf("expected multiple chunks, got %d", len(chunks))
	}
	for i, c := range chunks {
		if len(c) > 30 {
			t.Fatalf("chunk %d over budget: %d bytes", i, len(c))
		}
	}
	joined := strings.Join(chunks, " ")
	if joined != text {
		t.Fatalf("reconstruction mismatch:\n got  %q\n want %q", joined, text)
	}
}

// TestChunkTextForcedProgress guarantees termination on pathological input
// with no cut points.
func TestChunkTextForcedProgress(t *testing.T) {
	text := strings.Repeat("x", 1000)
	chunks := ChunkText(text, 100)
	if len(chunks) != 10 {
		t.Fatalf("got %d chunks", len(chunks))
	}
	for _, c := range chunks {
		if len(c) != 100 {
			t.Fatalf("chunk size %d", len(c))
		}
	}
}

// TestFormatResponseSingleChunk leaves short responses untagged.
func TestFormatResponseSingleChunk(t *testing.T) {
	chunks := FormatResponse("Short answer.", "", 230)
	if len(chunks) != 1 {
		t.Fatalf("got %d chunks", len(chunks))
	}
	if strings.Contains(chunks[0], MoreTag) {
		t.Fatalf("unexpected more tag: %q", chunks[0])
	}
}

// TestFormatResponseMoreTag tags a truncated first chunk and keeps every
// chunk within the byte budget.
func TestFormatResponseMoreTag(t *testing.T) {
	long := strings.Repeat("A complete sentence sits right here. ", 20)
	chunks := FormatResponse(long, "", 230)
	if len(chunks) < 2 {
		t.Fatalf("expected truncation, got %d chunks", len(chunks))
	}
	if !strings.HasSuffix(chunks[0], MoreTag) {
		t.Fatalf("first chunk missing tag: %q", chunks[0])
	}
	for i, c := range chunks {
		if len(c) > 230 {
			t.Fatalf("chunk %d over budget: %d bytes", i, len(c))
		}
		if i > 0 && strings.Contains(c, MoreTag) {
			t.Fatalf("tag leaked into chunk %d", i)
		}
	}
}

// TestFormatResponseEmptyFallback substitutes the canned fallback for empty
// model output.
func TestFormatResponseEmptyFallback(t *testing.T) {
	for _, raw := range []string{"", "   ", "``````"} {
		chunks := FormatResponse(raw, "", 230)
		if len(chunks) != 1 || chunks[0] != FallbackText {
			t.Fatalf("raw=%q: got %v", raw, chunks)
		}
	}
}

// TestFormatResponseViaPrefix prepends peer provenance.
func TestFormatResponseViaPrefix(t *testing.T) {
	chunks := FormatResponse("Cached answer.", "ridge-node", 230)
	if chunks[0] != "[via ridge-node] Cached answer." {
		t.Fatalf("got %q", chunks[0])
	}
}

// TestFormatResponseTinyBudget stays within even a budget close to the tag
// overhead.
func TestFormatResponseTinyBudget(t *testing.T) {
	chunks := FormatResponse(strings.Repeat("word ", 50), "", 20)
	for i, c := range chunks {
		if len(c) > 20 {
			t.Fatalf("chunk %d is %d bytes", i, len(c))
		}
	}
}

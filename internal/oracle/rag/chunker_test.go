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

package rag

import (
	"strings"
	"testing"
)

// TestChunkSmallDocument returns the whole document when it fits.
func TestChunkSmallDocument(t *testing.T) {
	chunks := chunkText("A short document.", 1024, 128)
	if len(chunks) != 1 || chunks[0] != "A short document." {
		t.Fatalf("chunks = %v", chunks)
	}
	if got := chunkText("   ", 1024, 128); got != nil {
		t.Fatalf("blank input produced chunks: %v", got)
	}
}

// TestChunkSubHeadings splits on "### " and prepends the governing "## "
// parent heading to each section.
func TestChunkSubHeadings(t *testing.T) {
	doc := "Title intro line.\n\n## Vendors\n\n### Alpha\n" +
		strings.Repeat("Alpha sells widgets. ", 30) +
		"\n### Beta\n" + strings.Repeat("Beta sells gears. ", 30) +
		"\n## Food\n\n### Gamma\n" + strings.Repeat("Gamma serves soup. ", 30)
	chunks := chunkText(doc, 1024, 128)
	if len(chunks) < 3 {
		t.Fatalf("got %d chunks", len(chunks))
	}
	var beta, gamma string
	for _, c := range chunks {
		if strings.Contains(c, "### Beta") {
			beta = c
		}
		if strings.Contains(c, "### Gamma") {
			gamma = c
		}
	}
	if beta == "" || !strings.Contains(beta, "## Vendors") {
		t.Fatalf("Beta section missing parent heading: %q", beta)
	}
	if gamma == "" || strings.Contains(gamma, "## Vendors") {
		t.Fatalf("Gamma section has stale parent heading: %q", gamma)
	}
	for i, c := range chunks {
		if !strings.Contains(c, "Title intro line.") {
			t.Fatalf("chunk %d lost preamble: %q", i, c[:60])
		}
	}
}

// TestChunkParagraphs falls back to blank-line blocks when there are no
// headings.
func TestChunkParagraphs(t *testing.T) {
	doc := strings.Repeat("First paragraph sentence. ", 25) + "\n\n" +
		strings.Repeat("Second paragraph sentence. ", 25)
	chunks := chunkText(doc, 600, 64)
	if len(chunks) < 2 {
		t.Fatalf("got %d chunks", len(chunks))
	}
}

// TestChunkCharFallback guarantees progress on heading-free, paragraph-free
// text.
func TestChunkCharFallback(t *testing.T) {
	doc := strings.Repeat("x", 3000)
	chunks := chunkText(doc, 1024, 128)
	if len(chunks) < 3 {
		t.Fatalf("got %d chunks", len(chunks))
	}
	for i, c := range chunks {
		if len(c) > 1024 {
			t.Fatalf("chunk %d oversize: %d", i, len(c))
		}
	}
}

// TestFinalizeMergesTiny merges adjacent tiny chunks when the pair fits.
func TestFinalizeMergesTiny(t *testing.T) {
	got := finalizeChunks([]string{"tiny one", "tiny two", strings.Repeat("big ", 300)}, 1024, 128)
	if len(got) < 2 {
		t.Fatalf("got %d chunks", len(got))
	}
	if !strings.Contains(got[0], "tiny one") || !strings.Contains(got[0], "tiny two") {
		t.Fatalf("tiny chunks not merged: %q", got[0])
	}
}

// TestFinalizeSplitsOversize re-splits any section larger than the chunk
// size.
func TestFinalizeSplitsOversize(t *testing.T) {
	got := finalizeChunks([]string{strings.Repeat("y", 2500)}, 1024, 128)
	if len(got) < 2 {
		t.Fatalf("oversize chunk not split: %d chunks", len(got))
	}
	for _, c := range got {
		if len(c) > 1024 {
			t.Fatalf("chunk still oversize: %d", len(c))
		}
	}
}

// TestExtractKeywords drops stopwords and short tokens.
func TestExtractKeywords(t *testing.T) {
	got := extractKeywords("Where is the SparkFun booth at the market?")
	want := []string{"sparkfun", "booth", "market"}
	if len(got) != len(want) {
		t.Fatalf("keywords = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("keywords = %v, want %v", got, want)
		}
	}
}

// TestScoreCandidatesKeywordBoost lets a literal keyword match overtake a
// slightly better vector distance, and drops anything past the threshold.
func TestScoreCandidatesKeywordBoost(t *testing.T) {
	cands := []candidate{
		{text: "General notes about the area.", meta: map[string]string{"file": "a.md"}, adjusted: 0.30},
		{text: "SparkFun booth is in zone 4.", meta: map[string]string{"file": "b.md"}, adjusted: 0.40},
		{text: "Completely unrelated content.", meta: map[string]string{"file": "c.md"}, adjusted: 0.90},
	}
	chunks := scoreCandidates(cands, []string{"sparkfun"}, 3)
	if len(chunks) != 2 {
		t.Fatalf("got %d chunks: %+v", len(chunks), chunks)
	}
	if chunks[0].File != "b.md" {
		t.Fatalf("boosted chunk not first: %+v", chunks)
	}
	if chunks[0].Similarity != 0.75 {
		t.Fatalf("similarity = %v, want 0.75", chunks[0].Similarity)
	}
}

// TestScoreCandidatesFloor never pushes adjusted distance below zero.
func TestScoreCandidatesFloor(t *testing.T) {
	cands := []candidate{{text: "alpha beta gamma", meta: nil, adjusted: 0.1}}
	chunks := scoreCandidates(cands, []string{"alpha", "beta", "gamma"}, 1)
	if len(chunks) != 1 || chunks[0].Similarity != 1.0 {
		t.Fatalf("chunks = %+v", chunks)
	}
}

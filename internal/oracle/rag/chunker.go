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

import "strings"

// Approximate characters per token, conservative for English.
const charsPerToken = 4

// Default chunk sizing in characters.
const (
	defaultChunkSize    = 256 * charsPerToken // ~1024
	defaultChunkOverlap = 32 * charsPerToken  // ~128
)

// chunkText splits a document for embedding. Strategies are tried in order
// and the first to produce more than one chunk wins:
//
//  1. split on "### " sub-headings, carrying the parent "## " heading
//  2. split on "## " headings
//  3. split on blank-line paragraph blocks
//  4. character windows with overlap
//
// For strategies 1-3 the document preamble (text before the first heading)
// is prepended to every chunk so the title stays visible in embeddings.
func chunkText(text string, chunkSize, overlap int) []string {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	if len(text) <= chunkSize {
		return []string{text}
	}

	preamble, body := extractPreamble(text)

	if strings.Contains(body, "\n### ") {
		if chunks := splitOnHeading(body, "### ", preamble); len(chunks) > 1 {
			return finalizeChunks(chunks, chunkSize, overlap)
		}
	}
	if strings.Contains(body, "\n## ") || strings.HasPrefix(body, "## ") {
		if chunks := splitOnHeading(body, "## ", preamble); len(chunks) > 1 {
			return finalizeChunks(chunks, chunkSize, overlap)
		}
	}
	if chunks := splitOnBlankLines(body, preamble); len(chunks) > 1 {
		return finalizeChunks(chunks, chunkSize, overlap)
	}
	return chunkByChars(text, chunkSize, overlap)
}

// extractPreamble separates the title/intro text before the first "##" or
// "###" heading from the rest. With no headings, everything is body.
func extractPreamble(text string) (preamble, body string) {
	lines := strings.Split(text, "\n")
	for i, line := range lines {
		if strings.HasPrefix(line, "## ") || strings.HasPrefix(line, "### ") {
			preamble = strings.TrimSpace(strings.Join(lines[:i], "\n"))
			body = strings.TrimSpace(strings.Join(lines[i:], "\n"))
			return preamble, body
		}
	}
	return "", text
}

// splitOnHeading sections the body on the given marker, keeping each
// heading with its section. When splitting on "### ", an encountered parent
// "## " heading is prepended to every subsequent "### " section until the
// next "## ".
func splitOnHeading(body, marker, preamble string) []string {
	var sections []string
	var current []string
	parentHeading := ""

	flush := func() {
		if len(current) > 0 {
			sections = append(sections, strings.TrimSpace(strings.Join(current, "\n")))
			current = nil
		}
	}

	for _, line := range strings.Split(body, "\n") {
		if marker == "### " && strings.HasPrefix(line, "## ") && !strings.HasPrefix(line, "### ") {
			parentHeading = line
			if len(current) > 0 {
				flush()
			}
			current = append(current, line)
			continue
		}
		if strings.HasPrefix(line, marker) && len(current) > 0 {
			flush()
			if marker == "### " && parentHeading != "" {
				current = append(current, parentHeading)
			}
			current = append(current, line)
			continue
		}
		current = append(current, line)
	}
	flush()

	chunks := make([]string, 0, len(sections))
	for _, section := range sections {
		if preamble != "" {
			section = preamble + "\n\n" + section
		}
		chunks = append(chunks, section)
	}
	return chunks
}

// splitOnBlankLines groups consecutive non-empty lines into blocks. Returns
// nil when the body is a single block so the caller can try the next
// strategy.
func splitOnBlankLines(body, preamble string) []string {
	var blocks []string
	var current []string
	for _, line := range strings.Split(body, "\n") {
		if strings.TrimSpace(line) == "" {
			if len(current) > 0 {
				blocks = append(blocks, strings.TrimSpace(strings.Join(current, "\n")))
				current = nil
			}
			continue
		}
		current = append(current, line)
	}
	if len(current) > 0 {
		blocks = append(blocks, strings.TrimSpace(strings.Join(current, "\n")))
	}
	if len(blocks) <= 1 {
		return nil
	}
	chunks := make([]string, 0, len(blocks))
	for _, block := range blocks {
		if preamble != "" {
			block = preamble + "\n\n" + block
		}
		chunks = append(chunks, block)
	}
	return chunks
}

// finalizeChunks re-splits oversized chunks by characters and merges very
// small adjacent chunks (< chunkSize/5) when the concatenation still fits.
func finalizeChunks(chunks []string, chunkSize, overlap int) []string {
	var sized []string
	for _, chunk := range chunks {
		if len(chunk) <= chunkSize {
			sized = append(sized, chunk)
			continue
		}
		sized = append(sized, chunkByChars(chunk, chunkSize, overlap)...)
	}

	minSize := chunkSize / 5
	var merged []string
	for _, chunk := range sized {
		if len(merged) > 0 {
			last := merged[len(merged)-1]
			small := len(last) < minSize || len(chunk) < minSize
			if small && len(last)+len(chunk)+2 <= chunkSize {
				merged[len(merged)-1] = last + "\n\n" + chunk
				continue
			}
		}
		merged = append(merged, chunk)
	}
	if len(merged) == 0 {
		return sized
	}
	return merged
}

// chunkByChars is the overlapping character-window fallback.
func chunkByChars(text string, chunkSize, overlap int) []string {
	if chunkSize <= 0 {
		return nil
	}
	step := chunkSize - overlap
	if step <= 0 {
		step = chunkSize
	}
	var chunks []string
	for start := 0; start < len(text); start += step {
		end := start + chunkSize
		if end > len(text) {
			end = len(text)
		}
		chunk := strings.TrimSpace(text[start:end])
		if chunk != "" {
			chunks = append(chunks, chunk)
		}
	}
	return chunks
}

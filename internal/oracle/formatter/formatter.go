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

// Package formatter turns raw LLM output into plain-text chunks that fit the
// radio payload budget. All limits are measured in UTF-8 bytes, and cuts never
// land inside a multi-byte rune.
package formatter

import (
	"regexp"
	"strings"
	"unicode/utf8"
)

// MoreTag is appended to a truncated first chunk to signal that the rest of
// the response can be fetched with !more.
const MoreTag = " [!more]"

// FallbackText is returned when the model produced nothing usable.
const FallbackText = "I couldn't generate a response. Try again."

var (
	reCodeBlock  = regexp.MustCompile("(?s)```[a-zA-Z0-9]*\n?(.*?)```")
	reBold       = regexp.MustCompile(`\*\*(.+?)\*\*|__(.+?)__`)
	reItalic     = regexp.MustCompile(`\*(.+?)\*|\b_(.+?)_\b`)
	reInlineCode = regexp.MustCompile("`([^`]*)`")
	reHeader     = regexp.MustCompile(`(?m)^#{1,6}\s+`)
	reLink       = regexp.MustCompile(`\[([^\]]*)\]\([^)]*\)`)
	reQuote      = regexp.MustCompile(`(?m)^>\s?`)
	reHRule      = regexp.MustCompile(`(?m)^[-*_]{3,}\s*$`)
	reBullet     = regexp.MustCompile(`(?m)^\s*[-*+]\s+`)
	reNumbered   = regexp.MustCompile(`(?m)^\s*\d+\.\s+`)
	reBlankRuns  = regexp.MustCompile(`\n{2,}`)
	reSpaceRuns  = regexp.MustCompile(`[ \t]+`)
)

// StripMarkdown removes common markdown syntax while keeping the visible
// text. Mesh clients render plain text only, so markers are pure overhead.
// Fenced code blocks are dropped whole, content included.
func StripMarkdown(text string) string {
	out := reCodeBlock.ReplaceAllString(text, "")
	out = reBold.ReplaceAllString(out, "$1$2")
	out = reItalic.ReplaceAllString(out, "$1$2")
	out = reInlineCode.ReplaceAllString(out, "$1")
	out = reHeader.ReplaceAllString(out, "")
	out = reLink.ReplaceAllString(out, "$1")
	out = reQuote.ReplaceAllString(out, "")
	out = reHRule.ReplaceAllString(out, "")
	out = reBullet.ReplaceAllString(out, "")
	out = reNumbered.ReplaceAllString(out, "")
	out = reBlankRuns.ReplaceAllString(out, " ")
	out = reSpaceRuns.ReplaceAllString(out, " ")
	return strings.TrimSpace(out)
}

// ByteLen reports the UTF-8 encoded size of s.
func ByteLen(s string) int { return len(s) }

// cutRuneSafe returns the longest prefix of s that is at most maxBytes bytes
// and does not end mid-rune.
func cutRuneSafe(s string, maxBytes int) string {
	if maxBytes <= 0 {
		return ""
	}
	if len(s) <= maxBytes {
		return s
	}
	cut := s[:maxBytes]
	for len(cut) > 0 {
		r, size := utf8.DecodeLastRuneInString(cut)
		if r != utf8.RuneError || size != 1 {
			break
		}
		cut = cut[:len(cut)-1]
	}
	return cut
}

// isSentenceEnd reports whether b terminates a sentence.
func isSentenceEnd(b byte) bool {
	return b == '.' || b == '!' || b == '?'
}

// clauseEnd reports whether the rune ends a clause, the weaker fallback
// boundary when no full sentence fits.
func clauseEnd(r rune) bool {
	switch r {
	case ';', ':', '—', '…':
		return true
	}
	return false
}

// TruncateAtSentence cuts text to at most maxBytes, preferring a sentence
// boundary, then a clause boundary, then the last space, and only as a last
// resort a hard byte cut. Trailing whitespace is stripped from the result.
func TruncateAtSentence(text string, maxBytes int) string {
	if len(text) <= maxBytes {
		return strings.TrimRight(text, " \t\n")
	}
	cut := cutRuneSafe(text, maxBytes)

	// Prefer the last sentence end followed by whitespace or the cut edge.
	best := -1
	for i := 0; i < len(cut); i++ {
		if !isSentenceEnd(cut[i]) {
			continue
		}
		if i+1 == len(cut) || cut[i+1] == ' ' || cut[i+1] == '\n' || cut[i+1] == '\t' {
			best = i
		}
	}
	if best >= 0 {
		return strings.TrimRight(cut[:best+1], " \t\n")
	}

	// Fall back to a clause boundary.
	best = -1
	for i, r := range cut {
		if clauseEnd(r) {
			next := i + utf8.RuneLen(r)
			if next >= len(cut) || cut[next] == ' ' || cut[next] == '\n' || cut[next] == '\t' {
				best = next
			}
		}
	}
	if best > 0 {
		return strings.TrimRight(cut[:best], " \t\n")
	}

	// Last space, then hard cut.
	if sp := strings.LastIndexAny(cut, " \n\t"); sp > 0 {
		return strings.TrimRight(cut[:sp], " \t\n")
	}
	return strings.TrimRight(cut, " \t\n")
}

// ChunkText splits text into consecutive chunks of at most maxBytes each,
// cutting at sentence boundaries where possible. Progress is forced with a
// hard cut when no boundary exists inside the window.
func ChunkText(text string, maxBytes int) []string {
	var chunks []string
	rest := strings.TrimSpace(text)
	for rest != "" {
		if len(rest) <= maxBytes {
			chunks = append(chunks, rest)
			break
		}
		chunk := TruncateAtSentence(rest, maxBytes)
		if chunk == "" {
			chunk = cutRuneSafe(rest, maxBytes)
		}
		chunks = append(chunks, chunk)
		rest = strings.TrimSpace(rest[len(chunk):])
	}
	return chunks
}

// FormatResponse cleans raw model output and splits it into sendable chunks.
// When the cleaned text exceeds maxBytes the first chunk is shortened to
// leave room for the MoreTag suffix, so every emitted chunk fits the budget.
// viaName, when non-empty, prefixes the response with its provenance.
func FormatResponse(raw, viaName string, maxBytes int) []string {
	clean := StripMarkdown(raw)
	if clean == "" {
		clean = FallbackText
	}
	if viaName != "" {
		clean = "[via " + viaName + "] " + clean
	}
	if len(clean) <= maxBytes {
		return []string{clean}
	}

	budget := maxBytes - len(MoreTag)
	first := TruncateAtSentence(clean, budget)
	if first == "" {
		first = cutRuneSafe(clean, budget)
	}
	leftover := strings.TrimSpace(clean[len(first):])
	chunks := append([]string{first}, ChunkText(leftover, maxBytes)...)
	chunks[0] += MoreTag
	return chunks
}

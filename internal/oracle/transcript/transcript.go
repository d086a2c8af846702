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

// Package transcript appends mesh exchanges to a JSONL log for audit and
// replay.
package transcript

import (
	"bufio"
	"encoding/json"
	"os"
	"sync"
	"time"
)

// Entry is one logged exchange line. Dir is "in" for received messages
// and "out" for sent ones.
type Entry struct {
	TS     time.Time `json:"ts"`
	Dir    string    `json:"dir"`
	Sender string    `json:"sender"`
	Text   string    `json:"text"`
}

// Sink appends transcript entries. A nil *FileSink is a valid no-op
// sink, so callers never branch on whether transcripts are enabled.
type Sink interface {
	Append(e Entry)
	Flush() error
	Close() error
}

// FileSink writes entries to an append-only JSONL file.
type FileSink struct {
	mu   sync.Mutex
	f    *os.File
	w    *bufio.Writer
	path string

	lastFlush time.Time
}

// NewFileSink opens (or creates) the transcript file for appending.
func NewFileSink(path string) (*FileSink, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, err
	}
	return &FileSink{f: f, w: bufio.NewWriterSize(f, 1<<16), path: path, lastFlush: time.Now()}, nil
}

func (s *FileSink) Append(e Entry) {
	if s == nil {
		return
	}
	if e.TS.IsZero() {
		e.TS = time.Now()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	enc := json.NewEncoder(s.w)
	_ = enc.Encode(&e)
	if time.Since(s.lastFlush) > 100*time.Millisecond {
		_ = s.w.Flush()
		s.lastFlush = time.Now()
	}
}

func (s *FileSink) Flush() error {
	if s == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastFlush = time.Now()
	return s.w.Flush()
}

func (s *FileSink) Close() error {
	if s == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	_ = s.w.Flush()
	return s.f.Close()
}

// ReadAll reads a transcript file back for replay.
func ReadAll(path string) ([]Entry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	var out []Entry
	scanner := bufio.NewScanner(f)
	buf := make([]byte, 0, 1<<16)
	scanner.Buffer(buf, 1<<22)
	for scanner.Scan() {
		var e Entry
		if err := json.Unmarshal(scanner.Bytes(), &e); err == nil {
			out = append(out, e)
		}
	}
	return out, scanner.Err()
}

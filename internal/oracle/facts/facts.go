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

// Package facts keeps structured sensor readings with freshness semantics.
// Facts never expire; staleness is a display concern carried on every read.
package facts

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"
	"time"
	"unicode"
	"unicode/utf8"

	"github.com/rs/zerolog"

	"delfi/internal/oracle/persist"
)

// DefaultStaleAfter applies when an ingested record omits
// stale_after_seconds.
const DefaultStaleAfter = 3600

const stateFile = "facts.json"

// Fact is one stored sensor reading.
type Fact struct {
	Value      any       `json:"value"`
	Unit       string    `json:"unit,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
	Source     string    `json:"source"`
	StaleAfter int       `json:"stale_after_seconds"`
	Confidence float64   `json:"confidence,omitempty"`
	IngestedAt time.Time `json:"ingested_at"`
}

// Reading is a Fact plus the derived freshness state at read time.
type Reading struct {
	Fact
	IsStale    bool
	AgeSeconds float64
}

// Store holds facts keyed by short identifiers like "temperature_f".
type Store struct {
	mu    sync.Mutex
	facts map[string]Fact

	state persist.Store
	log   zerolog.Logger
	now   func() time.Time
}

// NewStore loads any persisted facts from the state store. Load errors are
// logged and the store starts empty.
func NewStore(state persist.Store, log zerolog.Logger) *Store {
	s := &Store{
		facts: make(map[string]Fact),
		state: state,
		log:   log.With().Str("component", "facts").Logger(),
		now:   time.Now,
	}
	s.load()
	return s
}

func (s *Store) load() {
	if s.state == nil {
		return
	}
	data, err := s.state.Load(stateFile)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			s.log.Warn().Err(err).Msg("load facts state")
		}
		return
	}
	var stored map[string]Fact
	if err := json.Unmarshal(data, &stored); err != nil {
		s.log.Warn().Err(err).Msg("decode facts state")
		return
	}
	s.facts = stored
	s.log.Info().Int("facts", len(stored)).Msg("loaded persisted facts")
}

// persistLocked writes the whole store; caller holds the mutex.
func (s *Store) persistLocked() {
	if s.state == nil {
		return
	}
	data, err := json.MarshalIndent(s.facts, "", "  ")
	if err != nil {
		s.log.Warn().Err(err).Msg("encode facts state")
		return
	}
	if err := s.state.Save(stateFile, data); err != nil {
		s.log.Warn().Err(err).Msg("save facts state")
	}
}

// Ingest upserts a batch of fact inputs. Each entry must carry value,
// timestamp, and source; entries failing validation are reported as error
// strings and skipped. Any successful upsert triggers persistence.
func (s *Store) Ingest(payload map[string]json.RawMessage) (int, []string) {
	var errs []string
	ingested := 0
	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()
	keys := make([]string, 0, len(payload))
	for k := range payload {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, key := range keys {
		fact, err := parseInput(payload[key])
		if err != nil {
			errs = append(errs, fmt.Sprintf("%s: %v", key, err))
			continue
		}
		fact.IngestedAt = now
		s.facts[key] = fact
		ingested++
	}
	if ingested > 0 {
		s.persistLocked()
	}
	return ingested, errs
}

// factInput mirrors the feed-file record shape.
type factInput struct {
	Value      any      `json:"value"`
	Unit       string   `json:"unit"`
	Timestamp  *string  `json:"timestamp"`
	Source     string   `json:"source"`
	StaleAfter *int     `json:"stale_after_seconds"`
	Confidence *float64 `json:"confidence"`
}

func parseInput(raw json.RawMessage) (Fact, error) {
	var in factInput
	if err := json.Unmarshal(raw, &in); err != nil {
		return Fact{}, errors.New("not an object")
	}
	if in.Value == nil {
		return Fact{}, errors.New("missing value")
	}
	if in.Timestamp == nil || *in.Timestamp == "" {
		return Fact{}, errors.New("missing timestamp")
	}
	if in.Source == "" {
		return Fact{}, errors.New("missing source")
	}
	ts, err := time.Parse(time.RFC3339, *in.Timestamp)
	if err != nil {
		return Fact{}, fmt.Errorf("bad timestamp: %v", err)
	}
	fact := Fact{
		Value:      in.Value,
		Unit:       in.Unit,
		Timestamp:  ts.UTC(),
		Source:     in.Source,
		StaleAfter: DefaultStaleAfter,
	}
	if in.StaleAfter != nil && *in.StaleAfter > 0 {
		fact.StaleAfter = *in.StaleAfter
	}
	if in.Confidence != nil {
		fact.Confidence = *in.Confidence
	}
	return fact, nil
}

// Get returns the reading for key with freshness derived against now.
func (s *Store) Get(key string) (Reading, bool) {
	s.mu.Lock()
	fact, ok := s.facts[key]
	s.mu.Unlock()
	if !ok {
		return Reading{}, false
	}
	age := s.now().Sub(fact.Timestamp).Seconds()
	return Reading{
		Fact:       fact,
		AgeSeconds: age,
		IsStale:    age > float64(fact.StaleAfter),
	}, true
}

// HasFacts reports whether any facts are stored.
func (s *Store) HasFacts() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.facts) > 0
}

// Keys returns the stored fact keys, sorted.
func (s *Store) Keys() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	keys := make([]string, 0, len(s.facts))
	for k := range s.facts {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// FormatValue renders one fact as a human line, or "" when the key is
// unknown. Stale facts carry their reading time and a caveat.
func (s *Store) FormatValue(key string) string {
	r, ok := s.Get(key)
	if !ok {
		return ""
	}
	label := labelFor(key)
	value := renderValue(r.Value)
	if r.Unit != "" {
		value += " " + r.Unit
	}
	age := formatAge(r.AgeSeconds)
	conf := ""
	if r.Confidence > 0 {
		conf = fmt.Sprintf(", %d%% conf", int(r.Confidence*100+0.5))
	}
	if !r.IsStale {
		return fmt.Sprintf("%s: %s (%s, %s ago%s)", label, value, r.Source, age, conf)
	}
	ts := r.Timestamp.Format("Jan 02 15:04")
	return fmt.Sprintf("%s: %s (%s, as of %s — %s ago%s — may not be current)",
		label, value, r.Source, ts, age, conf)
}

// FormatSnapshot renders every fact, one line per key sorted ascending.
func (s *Store) FormatSnapshot() string {
	keys := s.Keys()
	if len(keys) == 0 {
		return ""
	}
	lines := make([]string, 0, len(keys))
	for _, key := range keys {
		r, ok := s.Get(key)
		if !ok {
			continue
		}
		value := renderValue(r.Value)
		if r.Unit != "" {
			value += " " + r.Unit
		}
		line := fmt.Sprintf("%s: %s (%s ago)", key, value, formatAge(r.AgeSeconds))
		if r.IsStale {
			line += " [STALE]"
		}
		lines = append(lines, line)
	}
	return strings.Join(lines, "\n")
}

func labelFor(key string) string {
	words := strings.Fields(strings.ReplaceAll(key, "_", " "))
	for i, w := range words {
		r, size := utf8.DecodeRuneInString(w)
		words[i] = string(unicode.ToUpper(r)) + w[size:]
	}
	return strings.Join(words, " ")
}

func renderValue(v any) string {
	switch t := v.(type) {
	case float64:
		if t == float64(int64(t)) {
			return fmt.Sprintf("%d", int64(t))
		}
		return fmt.Sprintf("%g", t)
	case string:
		return t
	case bool:
		if t {
			return "true"
		}
		return "false"
	default:
		return fmt.Sprintf("%v", t)
	}
}

func formatAge(seconds float64) string {
	switch {
	case seconds < 60:
		return fmt.Sprintf("%d sec", int(seconds))
	case seconds < 3600:
		return fmt.Sprintf("%d min", int(seconds/60))
	case seconds < 86400:
		return fmt.Sprintf("%d hr", int(seconds/3600))
	default:
		days := int(seconds / 86400)
		if days == 1 {
			return "1 day"
		}
		return fmt.Sprintf("%d days", days)
	}
}

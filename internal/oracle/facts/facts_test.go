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

package facts

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"delfi/internal/oracle/persist"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	state, err := persist.NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("state store: %v", err)
	}
	return NewStore(state, zerolog.Nop())
}

func ingestOne(t *testing.T, s *Store, key, record string) {
	t.Helper()
	n, errs := s.Ingest(map[string]json.RawMessage{key: json.RawMessage(record)})
	if n != 1 || len(errs) != 0 {
		t.Fatalf("ingest %s: n=%d errs=%v", key, n, errs)
	}
}

// TestIngestValidation skips records missing required fields and reports
// them, while valid siblings in the same batch still land.
func TestIngestValidation(t *testing.T) {
	s := testStore(t)
	ts := time.Now().UTC().Format(time.RFC3339)
	payload := map[string]json.RawMessage{
		"good":       json.RawMessage(`{"value": 1, "timestamp": "` + ts + `", "source": "sensor"}`),
		"no_value":   json.RawMessage(`{"timestamp": "` + ts + `", "source": "sensor"}`),
		"no_source":  json.RawMessage(`{"value": 1, "timestamp": "` + ts + `"}`),
		"not_object": json.RawMessage(`42`),
	}
	n, errs := s.Ingest(payload)
	if n != 1 {
		t.Fatalf("ingested %d, want 1", n)
	}
	if len(errs) != 3 {
		t.Fatalf("got %d errors: %v", len(errs), errs)
	}
	if _, ok := s.Get("good"); !ok {
		t.Fatalf("valid record missing after partial-failure batch")
	}
}

// TestFreshnessBoundary checks is_stale flips exactly when age exceeds
// stale_after_seconds.
func TestFreshnessBoundary(t *testing.T) {
	s := testStore(t)
	base := time.Date(2026, 1, 10, 12, 0, 0, 0, time.UTC)
	ingestOne(t, s, "wind_mph",
		`{"value": 12, "timestamp": "`+base.Format(time.RFC3339)+`", "source": "anemometer", "stale_after_seconds": 600}`)

	s.now = func() time.Time { return base.Add(599 * time.Second) }
	if r, _ := s.Get("wind_mph"); r.IsStale {
		t.Fatalf("fresh fact reported stale at 599s")
	}
	s.now = func() time.Time { return base.Add(601 * time.Second) }
	if r, _ := s.Get("wind_mph"); !r.IsStale {
		t.Fatalf("stale fact reported fresh at 601s")
	}
}

// TestFormatValueFresh renders value, unit, source, and age without the
// staleness caveat.
func TestFormatValueFresh(t *testing.T) {
	s := testStore(t)
	base := time.Date(2026, 1, 10, 12, 0, 0, 0, time.UTC)
	ingestOne(t, s, "temperature_f",
		`{"value": -4.2, "timestamp": "`+base.Format(time.RFC3339)+`", "source": "weather-station", "unit": "°F"}`)
	s.now = func() time.Time { return base.Add(5 * time.Minute) }

	got := s.FormatValue("temperature_f")
	for _, want := range []string{"Temperature F:", "-4.2", "°F", "weather-station", "5 min ago"} {
		if !strings.Contains(got, want) {
			t.Fatalf("FormatValue = %q, missing %q", got, want)
		}
	}
	if strings.Contains(got, "may not be current") {
		t.Fatalf("fresh fact carries staleness caveat: %q", got)
	}
}

// TestFormatValueStale adds the reading time and caveat.
func TestFormatValueStale(t *testing.T) {
	s := testStore(t)
	base := time.Date(2026, 1, 10, 12, 0, 0, 0, time.UTC)
	ingestOne(t, s, "temperature_f",
		`{"value": -4.2, "timestamp": "`+base.Format(time.RFC3339)+`", "source": "weather-station", "unit": "°F"}`)
	s.now = func() time.Time { return base.Add(48 * time.Hour) }

	got := s.FormatValue("temperature_f")
	if !strings.Contains(got, "may not be current") {
		t.Fatalf("stale fact missing caveat: %q", got)
	}
	if !strings.Contains(got, "as of Jan 10 12:00") {
		t.Fatalf("stale fact missing reading time: %q", got)
	}
	if !strings.Contains(got, "2 days ago") {
		t.Fatalf("stale fact missing age: %q", got)
	}
}

// TestFormatValueConfidence appends the optional confidence percentage.
func TestFormatValueConfidence(t *testing.T) {
	s := testStore(t)
	ts := time.Now().UTC().Format(time.RFC3339)
	ingestOne(t, s, "river_level",
		`{"value": "normal", "timestamp": "`+ts+`", "source": "gauge", "confidence": 0.85}`)
	if got := s.FormatValue("river_level"); !strings.Contains(got, "85% conf") {
		t.Fatalf("FormatValue = %q", got)
	}
}

// TestFormatSnapshot sorts keys and flags stale entries.
func TestFormatSnapshot(t *testing.T) {
	s := testStore(t)
	base := time.Date(2026, 1, 10, 12, 0, 0, 0, time.UTC)
	ingestOne(t, s, "zeta",
		`{"value": 1, "timestamp": "`+base.Format(time.RFC3339)+`", "source": "a", "stale_after_seconds": 60}`)
	ingestOne(t, s, "alpha",
		`{"value": 2, "timestamp": "`+base.Format(time.RFC3339)+`", "source": "b", "stale_after_seconds": 7200}`)
	s.now = func() time.Time { return base.Add(30 * time.Minute) }

	snap := s.FormatSnapshot()
	lines := strings.Split(snap, "\n")
	if len(lines) != 2 {
		t.Fatalf("snapshot lines = %d: %q", len(lines), snap)
	}
	if !strings.HasPrefix(lines[0], "alpha:") || !strings.HasPrefix(lines[1], "zeta:") {
		t.Fatalf("snapshot not sorted: %q", snap)
	}
	if !strings.Contains(lines[1], "[STALE]") {
		t.Fatalf("stale entry unmarked: %q", lines[1])
	}
	if strings.Contains(lines[0], "[STALE]") {
		t.Fatalf("fresh entry marked stale: %q", lines[0])
	}
}

// TestPersistenceRoundTrip reloads ingested facts through a fresh Store on
// the same state backend.
func TestPersistenceRoundTrip(t *testing.T) {
	state, err := persist.NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("state store: %v", err)
	}
	s := NewStore(state, zerolog.Nop())
	ts := time.Now().UTC().Format(time.RFC3339)
	ingestOne(t, s, "battery_pct", `{"value": 88, "timestamp": "`+ts+`", "source": "bms"}`)

	reloaded := NewStore(state, zerolog.Nop())
	r, ok := reloaded.Get("battery_pct")
	if !ok {
		t.Fatalf("fact lost across reload")
	}
	if r.Source != "bms" {
		t.Fatalf("source = %q", r.Source)
	}
}

// TestAgeFormatting covers each age bucket.
func TestAgeFormatting(t *testing.T) {
	cases := []struct {
		secs float64
		want string
	}{
		{45, "45 sec"},
		{300, "5 min"},
		{7200, "2 hr"},
		{86400 * 3, "3 days"},
		{86400, "1 day"},
	}
	for _, c := range cases {
		if got := formatAge(c.secs); got != c.want {
			t.Fatalf("formatAge(%v) = %q, want %q", c.secs, got, c.want)
		}
	}
}

// TestLabelMultibyte title-cases keys whose first rune is not ASCII.
func TestLabelMultibyte(t *testing.T) {
	cases := map[string]string{
		"temperature_f": "Temperature F",
		"über_sensor":   "Über Sensor",
		"écluse_status": "Écluse Status",
	}
	for in, want := range cases {
		if got := labelFor(in); got != want {
			t.Fatalf("labelFor(%q) = %q, want %q", in, got, want)
		}
	}
}

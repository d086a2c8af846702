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

// feedgen writes a synthetic sensor feed for exercising the oracle's
// fact tier without real instruments. It emits the sensor_feed.json
// schema the daemon's fact watcher polls:
//
//	{
//	  "<fact_key>": {
//	    "value": <scalar>, "unit": "<string>", "timestamp": "<ISO-8601>",
//	    "source": "<string>", "stale_after_seconds": <int>,
//	    "confidence": <0.0-1.0>
//	  }
//	}
//
// One shot by default; -interval keeps it running with drifting values
// so freshness and staleness paths both get exercised.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"math"
	"math/rand"
	"os"
	"path/filepath"
	"time"
)

type reading struct {
	Value      any     `json:"value"`
	Unit       string  `json:"unit,omitempty"`
	Timestamp  string  `json:"timestamp"`
	Source     string  `json:"source"`
	StaleAfter int     `json:"stale_after_seconds,omitempty"`
	Confidence float64 `json:"confidence,omitempty"`
}

func main() {
	var (
		out      = flag.String("out", "cache/sensor_feed.json", "Feed file to write (the daemon's watcher polls this path)")
		interval = flag.Duration("interval", 0, "Rewrite period; 0 writes once and exits")
		source   = flag.String("source", "feedgen", "Source label stamped on every reading")
		seed     = flag.Int64("seed", 0, "Random seed; 0 uses the current time")
	)
	flag.Parse()

	if *seed == 0 {
		*seed = time.Now().UnixNano()
	}
	rng := rand.New(rand.NewSource(*seed))

	for i := 0; ; i++ {
		if err := writeFeed(*out, *source, rng, i); err != nil {
			fmt.Fprintf(os.Stderr, "feedgen: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("wrote %s\n", *out)
		if *interval <= 0 {
			return
		}
		time.Sleep(*interval)
	}
}

// writeFeed emits one snapshot. Values drift sinusoidally per tick so
// repeated runs look like a live sensor, not a constant.
func writeFeed(path, source string, rng *rand.Rand, tick int) error {
	now := time.Now().UTC().Format(time.RFC3339)
	phase := float64(tick) / 10

	feed := map[string]reading{
		"temperature_f": {
			Value:     round1(52 + 18*math.Sin(phase) + rng.Float64()*2),
			Unit:      "F",
			Timestamp: now,
			Source:    source,
		},
		"humidity_pct": {
			Value:      round1(40 + 25*math.Cos(phase) + rng.Float64()*5),
			Unit:       "%",
			Timestamp:  now,
			Source:     source,
			StaleAfter: 1800,
		},
		"wind_mph": {
			Value:     round1(5 + 10*rng.Float64()),
			Unit:      "mph",
			Timestamp: now,
			Source:    source,
		},
		"snow_depth_in": {
			Value:      round1(12 + 3*math.Sin(phase/3)),
			Unit:       "in",
			Timestamp:  now,
			Source:     source,
			StaleAfter: 86400,
		},
		"cam1_last_detection": {
			Value:      pick(rng, "deer", "fox", "nothing", "hiker"),
			Timestamp:  now,
			Source:     source + " cam1",
			Confidence: round2(0.6 + 0.4*rng.Float64()),
		},
	}

	data, err := json.MarshalIndent(feed, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}

	// Write-then-rename so the watcher never reads a partial file.
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func pick(rng *rand.Rand, options ...string) string {
	return options[rng.Intn(len(options))]
}

func round1(v float64) float64 { return math.Round(v*10) / 10 }
func round2(v float64) float64 { return math.Round(v*100) / 100 }

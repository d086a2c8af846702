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

package meshknow

import (
	"fmt"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func testService(t *testing.T, cfg Config) *Service {
	t.Helper()
	base := t.TempDir()
	cfg.GossipDir = filepath.Join(base, "gossip")
	cfg.CacheDir = filepath.Join(base, "cache")
	if cfg.NodeName == "" {
		cfg.NodeName = "DELFI"
	}
	if cfg.Model == "" {
		cfg.Model = "qwen3:4b"
	}
	s, err := New(cfg, func() []string { return []string{"market", "river"} }, zerolog.Nop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(s.Close)
	return s
}

// TestParseAnnouncement accepts well-formed version-1 announcements and
// rejects everything else.
func TestParseAnnouncement(t *testing.T) {
	s := testService(t, Config{GossipEnabled: true})
	e, ok := s.ParseAnnouncement("DEL-FI:1:ANNOUNCE:MARINA:topics=fishing,tides:model=llama3")
	if !ok {
		t.Fatalf("valid announcement rejected")
	}
	if e.Name != "MARINA" || e.Topics != "fishing,tides" || e.Model != "llama3" {
		t.Fatalf("parsed entry = %+v", e)
	}
	for _, bad := range []string{
		"hello there",
		"DEL-FI:1",
		"DEL-FI:2:ANNOUNCE:X",
		"DEL-FI:one:ANNOUNCE:X",
		"DEL-FI:1:GOODBYE:X",
	} {
		if _, ok := s.ParseAnnouncement(bad); ok {
			t.Fatalf("accepted malformed announcement %q", bad)
		}
	}
}

// TestFormatAnnouncement includes name, topics, and model in wire order.
func TestFormatAnnouncement(t *testing.T) {
	s := testService(t, Config{GossipEnabled: true})
	got := s.FormatAnnouncement()
	want := "DEL-FI:1:ANNOUNCE:DELFI:topics=market,river:model=qwen3:4b"
	if got != want {
		t.Fatalf("announcement = %q, want %q", got, want)
	}
}

// TestGossipExpiry prunes directory entries past the TTL on update.
func TestGossipExpiry(t *testing.T) {
	s := testService(t, Config{GossipEnabled: true, DirectoryTTL: time.Hour})
	base := time.Now()
	s.now = func() time.Time { return base }
	s.HandleAnnouncement("!old", "DEL-FI:1:ANNOUNCE:OLD:topics=x")

	s.now = func() time.Time { return base.Add(2 * time.Hour) }
	s.HandleAnnouncement("!new", "DEL-FI:1:ANNOUNCE:NEW:topics=y")

	resp := s.FormatPeersResponse()
	if strings.Contains(resp, "OLD") {
		t.Fatalf("expired node still listed: %q", resp)
	}
	if !strings.Contains(resp, "NEW") {
		t.Fatalf("live node missing: %q", resp)
	}
}

// TestPeerCacheTrust silently drops answers from unconfigured nodes.
func TestPeerCacheTrust(t *testing.T) {
	s := testService(t, Config{Peers: []Peer{{NodeID: "!trusted", Name: "RIDGE"}}})
	s.StorePeerAnswer("!stranger", "STRANGER", "where is the market", "At the square.")
	if got := s.CheckPeerCache("where is the market"); got != nil {
		t.Fatalf("untrusted answer cached: %+v", got)
	}
	s.StorePeerAnswer("!trusted", "RIDGE", "where is the market", "At the square.")
	got := s.CheckPeerCache("where is the market")
	if got == nil || got.PeerName != "RIDGE" || got.Response != "At the square." {
		t.Fatalf("trusted answer not found: %+v", got)
	}
}

// TestPeerCacheScore requires word overlap above 0.5.
func TestPeerCacheScore(t *testing.T) {
	s := testService(t, Config{Peers: []Peer{{NodeID: "!p", Name: "P"}}})
	s.StorePeerAnswer("!p", "P", "tides schedule tomorrow", "High at noon.")
	if got := s.CheckPeerCache("completely different question entirely"); got != nil {
		t.Fatalf("weak match returned: %+v", got)
	}
	if got := s.CheckPeerCache("tides schedule today"); got == nil {
		t.Fatalf("2/3 overlap should match")
	}
}

// TestPeerCacheTTLHonored skips rows older than their stored ttl.
func TestPeerCacheTTLHonored(t *testing.T) {
	s := testService(t, Config{Peers: []Peer{{NodeID: "!p", Name: "P"}}})
	base := time.Now()
	s.now = func() time.Time { return base.Add(-8 * 24 * time.Hour) } // older than the one-week default
	s.StorePeerAnswer("!p", "P", "old question here", "Old answer.")
	s.now = func() time.Time { return base }
	if got := s.CheckPeerCache("old question here"); got != nil {
		t.Fatalf("expired peer answer returned: %+v", got)
	}
}

// TestPeerCacheEviction deletes oldest rows past max_cache_entries.
func TestPeerCacheEviction(t *testing.T) {
	s := testService(t, Config{Peers: []Peer{{NodeID: "!p", Name: "P"}}, MaxCacheEntries: 3})
	base := time.Now()
	for i := 0; i < 5; i++ {
		offset := time.Duration(i) * time.Minute
		s.now = func() time.Time { return base.Add(offset) }
		s.StorePeerAnswer("!p", "P", fmt.Sprintf("unique question alpha%d beta%d", i, i), "answer")
	}
	s.now = func() time.Time { return base.Add(time.Hour) }
	if got := s.CheckPeerCache("unique question alpha0 beta0"); got != nil {
		t.Fatalf("oldest row survived eviction: %+v", got)
	}
	if got := s.CheckPeerCache("unique question alpha4 beta4"); got == nil {
		t.Fatalf("newest row evicted")
	}
}

// TestFindReferral points at a gossiped node whose topics overlap the
// query.
func TestFindReferral(t *testing.T) {
	s := testService(t, Config{GossipEnabled: true})
	s.HandleAnnouncement("!marina", "DEL-FI:1:ANNOUNCE:MARINA:topics=fishing,tides")

	got := s.FindReferral("what are the tides today")
	if !strings.Contains(got, "MARINA") || !strings.Contains(got, "fishing,tides") {
		t.Fatalf("referral = %q", got)
	}
	if got := s.FindReferral("anything about beekeeping"); got != "" {
		t.Fatalf("unrelated referral: %q", got)
	}
}

// TestFormatPeersResponseShapes covers the nil, empty, and mixed cases.
func TestFormatPeersResponseShapes(t *testing.T) {
	var nilSvc *Service
	if got := nilSvc.FormatPeersResponse(); got != "Mesh knowledge not configured on this node." {
		t.Fatalf("nil service: %q", got)
	}
	empty := testService(t, Config{})
	if got := empty.FormatPeersResponse(); got != "No peers configured and no nearby nodes heard." {
		t.Fatalf("empty: %q", got)
	}
	s := testService(t, Config{GossipEnabled: true, Peers: []Peer{{NodeID: "!r", Name: "RIDGE"}}})
	s.HandleAnnouncement("!r", "DEL-FI:1:ANNOUNCE:RIDGE:topics=weather")
	s.HandleAnnouncement("!m", "DEL-FI:1:ANNOUNCE:MARINA:topics=tides")
	got := s.FormatPeersResponse()
	if !strings.Contains(got, "Peered:") || !strings.Contains(got, "RIDGE (weather)") {
		t.Fatalf("peered section: %q", got)
	}
	if !strings.Contains(got, "Nearby:") || !strings.Contains(got, "MARINA (tides)") {
		t.Fatalf("nearby section: %q", got)
	}
}

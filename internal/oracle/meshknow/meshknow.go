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

// Package meshknow implements the optional inter-oracle knowledge system:
// a gossip node directory (tier 3), a sqlite cache of answers from trusted
// peers (tier 2), and referrals pointing askers at better-equipped nodes.
// A nil *Service is a valid unconfigured instance; every method no-ops.
package meshknow

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"
)

// ProtocolVersion guards announcement compatibility; other versions are
// silently ignored.
const ProtocolVersion = 1

// DefaultPeerAnswerTTL applies to stored peer answers (one week).
const DefaultPeerAnswerTTL = 604800

// Peer is one configured trusted peer.
type Peer struct {
	NodeID string `yaml:"node_id"`
	Name   string `yaml:"name"`
}

// Config parameterizes the service.
type Config struct {
	NodeName         string
	Model            string
	GossipEnabled    bool
	AnnounceInterval time.Duration
	DirectoryTTL     time.Duration
	Peers            []Peer
	MaxCacheEntries  int
	GossipDir        string
	CacheDir         string
}

// Entry is one gossip directory record. Only the closed attribute set
// below is kept; unknown k=v pairs in announcements are dropped.
type Entry struct {
	Name     string    `json:"name"`
	Version  int       `json:"version"`
	LastSeen time.Time `json:"last_seen"`
	Topics   string    `json:"topics,omitempty"`
	Model    string    `json:"model,omitempty"`
}

// PeerAnswer is a cached answer accepted from a trusted peer.
type PeerAnswer struct {
	PeerName string
	Query    string
	Response string
	TS       time.Time
}

// Service owns the gossip directory and the peer cache database.
type Service struct {
	cfg    Config
	topics func() []string // local topic list for announcements
	log    zerolog.Logger
	now    func() time.Time

	mu         sync.Mutex
	gossip     map[string]Entry
	gossipFile string
	db         *sql.DB

	stopChan chan struct{}
	wg       sync.WaitGroup
	stopped  uint32
}

// New initializes storage under the gossip and cache dirs. topics supplies
// the local topic list (typically the RAG engine's). A peer cache open
// failure disables tier 2 but keeps gossip running.
func New(cfg Config, topics func() []string, log zerolog.Logger) (*Service, error) {
	if cfg.DirectoryTTL <= 0 {
		cfg.DirectoryTTL = 24 * time.Hour
	}
	if cfg.MaxCacheEntries <= 0 {
		cfg.MaxCacheEntries = 500
	}
	if cfg.AnnounceInterval <= 0 {
		cfg.AnnounceInterval = 4 * time.Hour
	}
	s := &Service{
		cfg:      cfg,
		topics:   topics,
		log:      log.With().Str("component", "meshknow").Logger(),
		now:      time.Now,
		gossip:   make(map[string]Entry),
		stopChan: make(chan struct{}),
	}
	for _, dir := range []string{cfg.GossipDir, cfg.CacheDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create mesh knowledge dir: %w", err)
		}
	}
	s.gossipFile = filepath.Join(cfg.GossipDir, "node-directory.json")
	s.loadGossip()

	db, err := sql.Open("sqlite3", filepath.Join(cfg.CacheDir, "mesh-answers.db"))
	if err == nil {
		_, err = db.Exec(`
			CREATE TABLE IF NOT EXISTS peer_cache (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				peer_id TEXT NOT NULL,
				peer_name TEXT NOT NULL,
				query TEXT NOT NULL,
				response TEXT NOT NULL,
				timestamp REAL NOT NULL,
				ttl INTEGER DEFAULT 604800
			)`)
	}
	if err == nil {
		_, err = db.Exec("CREATE INDEX IF NOT EXISTS idx_query ON peer_cache(query)")
	}
	if err != nil {
		s.log.Error().Err(err).Msg("peer cache init failed, tier 2 disabled")
		if db != nil {
			db.Close()
		}
	} else {
		s.db = db
		s.log.Info().Msg("mesh knowledge storage initialized")
	}
	return s, nil
}

// Close shuts the announce loop and the peer cache down. Idempotent.
func (s *Service) Close() {
	if s == nil {
		return
	}
	if atomic.CompareAndSwapUint32(&s.stopped, 0, 1) {
		close(s.stopChan)
		s.wg.Wait()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db != nil {
		s.db.Close()
		s.db = nil
	}
}

// Enabled reports whether the service exists at all.
func (s *Service) Enabled() bool { return s != nil }

// --- Gossip (tier 3) ---

func (s *Service) loadGossip() {
	data, err := os.ReadFile(s.gossipFile)
	if err != nil {
		return
	}
	var stored map[string]Entry
	if err := json.Unmarshal(data, &stored); err != nil {
		return
	}
	s.gossip = stored
}

// saveGossipLocked persists the directory; caller holds the mutex.
func (s *Service) saveGossipLocked() {
	data, err := json.MarshalIndent(s.gossip, "", "  ")
	if err != nil {
		return
	}
	if err := os.WriteFile(s.gossipFile, data, 0o644); err != nil {
		s.log.Error().Err(err).Msg("save gossip directory")
	}
}

// ParseAnnouncement decodes a DEL-FI announcement, or ok=false when the
// text is malformed or the protocol version does not match.
func (s *Service) ParseAnnouncement(text string) (Entry, bool) {
	if s == nil || !strings.HasPrefix(text, "DEL-FI:") {
		return Entry{}, false
	}
	parts := strings.Split(text, ":")
	if len(parts) < 4 {
		return Entry{}, false
	}
	version, err := strconv.Atoi(parts[1])
	if err != nil {
		return Entry{}, false
	}
	if version != ProtocolVersion {
		s.log.Debug().Int("version", version).Msg("ignoring announcement with foreign protocol version")
		return Entry{}, false
	}
	if parts[2] != "ANNOUNCE" {
		return Entry{}, false
	}
	e := Entry{Name: parts[3], Version: version, LastSeen: s.now()}
	for _, part := range parts[4:] {
		key, val, found := strings.Cut(part, "=")
		if !found {
			continue
		}
		switch key {
		case "topics":
			e.Topics = val
		case "model":
			e.Model = val
		}
	}
	return e, true
}

// HandleAnnouncement merges a heard announcement into the directory and
// prunes expired entries. Malformed announcements are silently ignored.
func (s *Service) HandleAnnouncement(nodeID, text string) {
	if s == nil || !s.cfg.GossipEnabled {
		return
	}
	entry, ok := s.ParseAnnouncement(text)
	if !ok {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.gossip[nodeID] = entry
	s.expireGossipLocked()
	s.saveGossipLocked()
	s.log.Info().Str("name", entry.Name).Str("node", nodeID).Msg("gossip: heard announcement")
}

func (s *Service) expireGossipLocked() {
	cutoff := s.now().Add(-s.cfg.DirectoryTTL)
	for nid, entry := range s.gossip {
		if entry.LastSeen.Before(cutoff) {
			delete(s.gossip, nid)
		}
	}
}

// FormatAnnouncement renders this node's own periodic announcement.
func (s *Service) FormatAnnouncement() string {
	topics := strings.Join(s.topics(), ",")
	return fmt.Sprintf("DEL-FI:%d:ANNOUNCE:%s:topics=%s:model=%s",
		ProtocolVersion, s.cfg.NodeName, topics, s.cfg.Model)
}

// StartAnnounceLoop broadcasts this node's announcement on the configured
// interval through send. No-op when gossip is disabled.
func (s *Service) StartAnnounceLoop(send func(text string)) {
	if s == nil || !s.cfg.GossipEnabled {
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.cfg.AnnounceInterval)
		defer ticker.Stop()
		for {
			select {
			case <-s.stopChan:
				return
			case <-ticker.C:
				send(s.FormatAnnouncement())
			}
		}
	}()
}

// --- Peer cache (tier 2) ---

// StorePeerAnswer caches a Q&A pair. Answers from nodes outside the
// configured peer list are silently dropped.
func (s *Service) StorePeerAnswer(peerID, peerName, query, response string) {
	if s == nil {
		return
	}
	s.mu.Lock()
	db := s.db
	s.mu.Unlock()
	if db == nil {
		return
	}
	if !s.isTrustedPeer(peerID) {
		s.log.Debug().Str("node", peerID).Msg("ignoring answer from untrusted node")
		return
	}
	ts := float64(s.now().UnixNano()) / 1e9
	_, err := db.Exec(
		"INSERT INTO peer_cache (peer_id, peer_name, query, response, timestamp) VALUES (?, ?, ?, ?, ?)",
		peerID, peerName, query, response, ts)
	if err != nil {
		s.log.Error().Err(err).Msg("store peer answer")
		return
	}
	s.enforceCacheLimits(db)
	s.log.Info().Str("peer", peerName).Msg("cached peer answer")
}

func (s *Service) isTrustedPeer(nodeID string) bool {
	for _, p := range s.cfg.Peers {
		if p.NodeID == nodeID {
			return true
		}
	}
	return false
}

func (s *Service) enforceCacheLimits(db *sql.DB) {
	var count int
	if err := db.QueryRow("SELECT COUNT(*) FROM peer_cache").Scan(&count); err != nil {
		return
	}
	if count <= s.cfg.MaxCacheEntries {
		return
	}
	_, _ = db.Exec(
		"DELETE FROM peer_cache WHERE id IN (SELECT id FROM peer_cache ORDER BY timestamp ASC LIMIT ?)",
		count-s.cfg.MaxCacheEntries)
}

// CheckPeerCache scans the newest 100 live rows for the best word-overlap
// match with score > 0.5. Rows older than their stored ttl are skipped.
func (s *Service) CheckPeerCache(query string) *PeerAnswer {
	if s == nil {
		return nil
	}
	s.mu.Lock()
	db := s.db
	s.mu.Unlock()
	if db == nil {
		return nil
	}
	words := wordSet(query)
	if len(words) == 0 {
		return nil
	}
	rows, err := db.Query(
		"SELECT peer_name, query, response, timestamp, ttl FROM peer_cache ORDER BY timestamp DESC LIMIT 100")
	if err != nil {
		s.log.Error().Err(err).Msg("peer cache search")
		return nil
	}
	defer rows.Close()

	nowSecs := float64(s.now().UnixNano()) / 1e9
	var best *PeerAnswer
	bestScore := 0.0
	for rows.Next() {
		var peerName, cachedQuery, response string
		var ts float64
		var ttl int64
		if err := rows.Scan(&peerName, &cachedQuery, &response, &ts, &ttl); err != nil {
			continue
		}
		if ttl > 0 && nowSecs-ts > float64(ttl) {
			continue
		}
		cachedWords := wordSet(cachedQuery)
		if len(cachedWords) == 0 {
			continue
		}
		overlap := 0
		for w := range words {
			if _, ok := cachedWords[w]; ok {
				overlap++
			}
		}
		denom := len(words)
		if len(cachedWords) > denom {
			denom = len(cachedWords)
		}
		score := float64(overlap) / float64(denom)
		if score > bestScore && score > 0.5 {
			best = &PeerAnswer{
				PeerName: peerName,
				Query:    cachedQuery,
				Response: response,
				TS:       time.Unix(0, int64(ts*1e9)),
			}
			bestScore = score
		}
	}
	return best
}

// --- Referral (tier 3 -> user) ---

// FindReferral points the asker at a gossiped node whose advertised topics
// overlap the query words, or "" when none does.
func (s *Service) FindReferral(query string) string {
	if s == nil {
		return ""
	}
	words := wordSet(query)
	if len(words) == 0 {
		return ""
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for nodeID, entry := range s.gossip {
		if entry.Topics == "" {
			continue
		}
		for _, topic := range strings.Split(strings.ToLower(entry.Topics), ",") {
			topicWords := wordSet(strings.ReplaceAll(topic, "-", " "))
			for w := range topicWords {
				if _, ok := words[w]; ok {
					name := entry.Name
					if name == "" {
						name = nodeID
					}
					return fmt.Sprintf("I don't have docs on that. %s advertises: %s. Try DMing them directly.",
						name, entry.Topics)
				}
			}
		}
	}
	return ""
}

// --- Formatted responses ---

// FormatPeersResponse renders the !peers reply: configured peers first,
// then nearby non-peer nodes heard via gossip.
func (s *Service) FormatPeersResponse() string {
	if s == nil {
		return "Mesh knowledge not configured on this node."
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var parts []string
	peerIDs := make(map[string]struct{})
	if len(s.cfg.Peers) > 0 {
		parts = append(parts, "Peered:")
		for _, p := range s.cfg.Peers {
			name := p.Name
			if name == "" {
				name = p.NodeID
			}
			peerIDs[p.NodeID] = struct{}{}
			if g, ok := s.gossip[p.NodeID]; ok && g.Topics != "" {
				parts = append(parts, fmt.Sprintf("  %s (%s)", name, g.Topics))
			} else {
				parts = append(parts, "  "+name)
			}
		}
	}

	nearbyHeader := false
	for nid, entry := range s.gossip {
		if _, ok := peerIDs[nid]; ok {
			continue
		}
		if !nearbyHeader {
			parts = append(parts, "Nearby:")
			nearbyHeader = true
		}
		name := entry.Name
		if name == "" {
			name = nid
		}
		if entry.Topics != "" {
			parts = append(parts, fmt.Sprintf("  %s (%s)", name, entry.Topics))
		} else {
			parts = append(parts, "  "+name)
		}
	}

	if len(parts) == 0 {
		return "No peers configured and no nearby nodes heard."
	}
	return strings.Join(parts, "\n")
}

// PeerNames lists configured peer names for status display.
func (s *Service) PeerNames() []string {
	if s == nil {
		return nil
	}
	names := make([]string, 0, len(s.cfg.Peers))
	for _, p := range s.cfg.Peers {
		if p.Name != "" {
			names = append(names, p.Name)
		} else {
			names = append(names, p.NodeID)
		}
	}
	return names
}

func wordSet(text string) map[string]struct{} {
	out := make(map[string]struct{})
	for _, w := range strings.Fields(strings.ToLower(text)) {
		out[w] = struct{}{}
	}
	return out
}

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

// Package config loads and validates the daemon's single YAML file.
// Bad config is the one place where failing hard is correct; Load
// returns a human-readable error and main exits.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"delfi/internal/oracle/meshknow"
)

// Gossip configures peer announcements on the shared channel.
type Gossip struct {
	Enabled          bool `yaml:"enabled"`
	AnnounceInterval int  `yaml:"announce_interval"`
	DirectoryTTL     int  `yaml:"directory_ttl"`
}

// Sync reserves the overnight bulk-sync window. Parsed and validated but
// not yet acted on.
type Sync struct {
	Enabled         bool   `yaml:"enabled"`
	WindowStart     string `yaml:"window_start"`
	WindowEnd       string `yaml:"window_end"`
	MaxCacheAge     string `yaml:"max_cache_age"`
	MaxCacheEntries int    `yaml:"max_cache_entries"`
}

// MeshKnowledge is the optional mesh_knowledge block. A nil pointer
// means the feature is off.
type MeshKnowledge struct {
	Gossip               Gossip          `yaml:"gossip"`
	Peers                []meshknow.Peer `yaml:"peers"`
	Sync                 Sync            `yaml:"sync"`
	ServeToPeers         bool            `yaml:"serve_to_peers"`
	TagResponses         bool            `yaml:"tag_responses"`
	RejectContradictions bool            `yaml:"reject_contradictions"`
}

// Config is the full daemon configuration. Durations are plain seconds
// in the YAML, converted by the caller.
type Config struct {
	NodeName         string `yaml:"node_name"`
	Model            string `yaml:"model"`
	Personality      string `yaml:"personality"`
	KnowledgeFolder  string `yaml:"knowledge_folder"`
	MaxResponseBytes int    `yaml:"max_response_bytes"`

	MeshProtocol     string `yaml:"mesh_protocol"`
	RadioConnection  string `yaml:"radio_connection"`
	RadioPort        string `yaml:"radio_port"`
	RateLimitSeconds int    `yaml:"rate_limit_seconds"`

	ResponseCacheTTL int    `yaml:"response_cache_ttl"`
	PersistentCache  bool   `yaml:"persistent_cache"`
	BusyNotice       bool   `yaml:"busy_notice"`
	AutoSendChunks   int    `yaml:"auto_send_chunks"`
	TopK             int    `yaml:"top_k"`
	LogLevel         string `yaml:"log_level"`

	OllamaHost     string `yaml:"ollama_host"`
	OllamaTimeout  int    `yaml:"ollama_timeout"`
	EmbeddingModel string `yaml:"embedding_model"`
	NumCtx         int    `yaml:"num_ctx"`
	NumPredict     int    `yaml:"num_predict"`

	MemoryMaxTurns int `yaml:"memory_max_turns"`
	MemoryTTL      int `yaml:"memory_ttl"`

	BoardEnabled         bool     `yaml:"board_enabled"`
	BoardMaxPosts        int      `yaml:"board_max_posts"`
	BoardPostTTL         int      `yaml:"board_post_ttl"`
	BoardShowCount       int      `yaml:"board_show_count"`
	BoardPersist         bool     `yaml:"board_persist"`
	BoardRateLimit       int      `yaml:"board_rate_limit"`
	BoardRateWindow      int      `yaml:"board_rate_window"`
	BoardBlockedPatterns []string `yaml:"board_blocked_patterns"`

	FactFeedFile             string   `yaml:"fact_feed_file"`
	FactWatchIntervalSeconds int      `yaml:"fact_watch_interval_seconds"`
	FactQueryKeywords        []string `yaml:"fact_query_keywords"`

	CacheBackend   string `yaml:"cache_backend"`
	RedisAddr      string `yaml:"redis_addr"`
	MetricsAddr    string `yaml:"metrics_addr"`
	AdminAddr      string `yaml:"admin_addr"`
	TranscriptFile string `yaml:"transcript_file"`

	MeshKnowledge *MeshKnowledge `yaml:"mesh_knowledge"`

	// Derived paths, filled in by Load.
	BaseDir         string `yaml:"-"`
	VectorstoreDir  string `yaml:"-"`
	CacheDir        string `yaml:"-"`
	GossipDir       string `yaml:"-"`
	SeenSendersFile string `yaml:"-"`
}

func defaults() Config {
	return Config{
		Model:            "qwen3:4b",
		Personality:      "Helpful and concise community assistant.",
		KnowledgeFolder:  "~/del-fi/knowledge",
		MaxResponseBytes: 230,
		MeshProtocol:     "meshtastic",
		RadioConnection:  "serial",
		RadioPort:        "/dev/ttyUSB0",
		RateLimitSeconds: 30,
		ResponseCacheTTL: 300,
		PersistentCache:  true,
		BusyNotice:       true,
		AutoSendChunks:   3,
		TopK:             3,
		LogLevel:         "info",
		OllamaHost:       "http://localhost:11434",
		OllamaTimeout:    120,
		EmbeddingModel:   "nomic-embed-text",
		NumCtx:           2048,
		NumPredict:       128,
		MemoryMaxTurns:   0,
		MemoryTTL:        3600,
		BoardMaxPosts:    50,
		BoardPostTTL:     86400,
		BoardShowCount:   5,
		BoardPersist:     true,
		BoardRateLimit:   3,
		BoardRateWindow:  3600,
		FactWatchIntervalSeconds: 30,
		CacheBackend:             "file",
	}
}

func meshKnowledgeDefaults() MeshKnowledge {
	return MeshKnowledge{
		Gossip: Gossip{AnnounceInterval: 14400, DirectoryTTL: 86400},
		Sync: Sync{
			WindowStart:     "02:00",
			WindowEnd:       "05:00",
			MaxCacheAge:     "7d",
			MaxCacheEntries: 500,
		},
		TagResponses:         true,
		RejectContradictions: true,
	}
}

// Load reads, validates, and resolves the config. With an empty path it
// tries ./config.yaml first, then ~/del-fi/config.yaml.
func Load(path string) (*Config, error) {
	if path == "" {
		if _, err := os.Stat("config.yaml"); err == nil {
			path = "config.yaml"
		} else {
			path = expandHome("~/del-fi/config.yaml")
		}
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config file not found: %s\n  Copy config.example.yaml to that location and edit it", path)
		}
		return nil, err
	}

	// Unmarshal over the defaults; absent keys keep them.
	cfg := defaults()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("invalid YAML in %s:\n  %w", path, err)
	}
	if cfg.MeshKnowledge, err = decodeMeshKnowledge(data); err != nil {
		return nil, fmt.Errorf("invalid YAML in %s:\n  %w", path, err)
	}

	if strings.TrimSpace(cfg.NodeName) == "" {
		return nil, fmt.Errorf("missing required config field: 'node_name'\n  Add it to %s", path)
	}

	cfg.LogLevel = strings.ToLower(cfg.LogLevel)
	cfg.MeshProtocol = strings.ToLower(cfg.MeshProtocol)

	cfg.KnowledgeFolder = expandHome(cfg.KnowledgeFolder)
	cfg.BaseDir = filepath.Dir(cfg.KnowledgeFolder)
	cfg.VectorstoreDir = filepath.Join(cfg.BaseDir, "vectorstore")
	cfg.CacheDir = filepath.Join(cfg.BaseDir, "cache")
	cfg.GossipDir = filepath.Join(cfg.BaseDir, "gossip")
	cfg.SeenSendersFile = filepath.Join(cfg.BaseDir, "seen_senders.txt")

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// decodeMeshKnowledge pre-merges the optional block over its own default
// set, since a plain struct unmarshal would zero the absent subkeys.
func decodeMeshKnowledge(data []byte) (*MeshKnowledge, error) {
	var probe struct {
		MeshKnowledge yaml.Node `yaml:"mesh_knowledge"`
	}
	if err := yaml.Unmarshal(data, &probe); err != nil {
		return nil, err
	}
	if probe.MeshKnowledge.Kind == 0 || probe.MeshKnowledge.Tag == "!!null" {
		return nil, nil
	}
	mk := meshKnowledgeDefaults()
	if err := probe.MeshKnowledge.Decode(&mk); err != nil {
		return nil, err
	}
	return &mk, nil
}

func (c *Config) validate() error {
	switch c.MeshProtocol {
	case "meshtastic":
		switch c.RadioConnection {
		case "serial", "tcp", "ble":
		default:
			return fmt.Errorf("radio_connection must be 'serial', 'tcp', or 'ble' (got %q)", c.RadioConnection)
		}
	case "meshcore":
	default:
		return fmt.Errorf("mesh_protocol must be one of: meshtastic, meshcore (got %q)", c.MeshProtocol)
	}

	if c.MaxResponseBytes < 50 {
		return fmt.Errorf("max_response_bytes must be an integer >= 50")
	}
	if c.RateLimitSeconds < 0 {
		return fmt.Errorf("rate_limit_seconds must be a non-negative number")
	}
	if c.OllamaTimeout < 1 {
		return fmt.Errorf("ollama_timeout must be a positive number")
	}

	switch c.LogLevel {
	case "debug", "info", "warning", "error":
	default:
		return fmt.Errorf("log_level must be one of: debug, info, warning, error")
	}

	switch c.CacheBackend {
	case "file", "redis":
	default:
		return fmt.Errorf("cache_backend must be 'file' or 'redis' (got %q)", c.CacheBackend)
	}
	if c.CacheBackend == "redis" && strings.TrimSpace(c.RedisAddr) == "" {
		return fmt.Errorf("cache_backend 'redis' requires redis_addr")
	}
	return nil
}

func expandHome(path string) string {
	if path == "~" || strings.HasPrefix(path, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, strings.TrimPrefix(path, "~"))
		}
	}
	return path
}

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

// Package main runs the Del-Fi oracle daemon: an LLM-backed question
// answerer for off-grid mesh networks. Run it against real radio
// hardware or with --simulator for a stdin/stdout chat.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"delfi/internal/oracle/admin"
	"delfi/internal/oracle/board"
	"delfi/internal/oracle/config"
	"delfi/internal/oracle/dispatch"
	"delfi/internal/oracle/facts"
	"delfi/internal/oracle/memory"
	"delfi/internal/oracle/mesh"
	"delfi/internal/oracle/meshknow"
	"delfi/internal/oracle/persist"
	"delfi/internal/oracle/rag"
	"delfi/internal/oracle/router"
	"delfi/internal/oracle/telemetry"
	"delfi/internal/oracle/transcript"
)

const version = "0.1"

func main() {
	var (
		configPath string
		simulator  bool
	)
	flag.StringVar(&configPath, "config", "", "Path to config.yaml (default: ~/del-fi/config.yaml)")
	flag.StringVar(&configPath, "c", "", "Shorthand for -config")
	flag.BoolVar(&simulator, "simulator", false, "Run in simulator mode (stdin/stdout, no radio required)")
	flag.BoolVar(&simulator, "s", false, "Shorthand for -simulator")
	flag.Parse()

	// Bad config is the one place where crashing is correct.
	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "[del-fi config error] %v\n", err)
		os.Exit(1)
	}

	log := setupLogging(cfg.LogLevel, simulator)
	log.Info().Msg("config loaded")

	for _, d := range []string{cfg.KnowledgeFolder, cfg.CacheDir, cfg.GossipDir} {
		if err := os.MkdirAll(d, 0o755); err != nil {
			fmt.Fprintf(os.Stderr, "[del-fi] cannot create %s: %v\n", d, err)
			os.Exit(1)
		}
	}

	telemetry.Enable(telemetry.Config{
		Enabled:     cfg.MetricsAddr != "",
		MetricsAddr: cfg.MetricsAddr,
	})

	state, err := persist.Build(persist.Config{
		Backend:   cfg.CacheBackend,
		Dir:       cfg.CacheDir,
		RedisAddr: cfg.RedisAddr,
		NodeName:  cfg.NodeName,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "[del-fi config error] %v\n", err)
		os.Exit(1)
	}

	// RAG engine. On vectorstore failure retrieval is disabled for the
	// run and the daemon still serves commands and facts.
	ollama := rag.NewOllamaClient(cfg.OllamaHost, time.Duration(cfg.OllamaTimeout)*time.Second)
	engine := rag.NewEngine(rag.Config{
		NodeName:       cfg.NodeName,
		Personality:    cfg.Personality,
		Model:          cfg.Model,
		EmbeddingModel: cfg.EmbeddingModel,
		KnowledgeDir:   cfg.KnowledgeFolder,
		VectorstoreDir: cfg.VectorstoreDir,
		NumCtx:         cfg.NumCtx,
		NumPredict:     cfg.NumPredict,
	}, ollama, log)

	factStore := facts.NewStore(state, log)

	if n := engine.Index(context.Background()); n > 0 {
		log.Info().Int("files", n).Msg("initial indexing")
	} else if engine.DocCount() == 0 {
		log.Warn().Msg("no documents in knowledge folder")
	}

	if !engine.Available() {
		log.Warn().Msg("ollama not available — commands work, queries will wait")
	}

	var meshSvc *meshknow.Service
	if mk := cfg.MeshKnowledge; mk != nil {
		meshSvc, err = meshknow.New(meshknow.Config{
			NodeName:         cfg.NodeName,
			Model:            cfg.Model,
			GossipEnabled:    mk.Gossip.Enabled,
			AnnounceInterval: time.Duration(mk.Gossip.AnnounceInterval) * time.Second,
			DirectoryTTL:     time.Duration(mk.Gossip.DirectoryTTL) * time.Second,
			Peers:            mk.Peers,
			MaxCacheEntries:  mk.Sync.MaxCacheEntries,
			GossipDir:        cfg.GossipDir,
			CacheDir:         cfg.CacheDir,
		}, engine.GetTopics, log)
		if err != nil {
			log.Warn().Err(err).Msg("mesh knowledge disabled")
		}
	}

	var mem *memory.Memory
	if cfg.MemoryMaxTurns > 0 {
		mem = memory.New(cfg.MemoryMaxTurns, time.Duration(cfg.MemoryTTL)*time.Second, state, log)
		log.Info().Int("max_turns", cfg.MemoryMaxTurns).Int("ttl_seconds", cfg.MemoryTTL).
			Msg("conversation memory enabled")
	}

	var brd *board.Board
	if cfg.BoardEnabled {
		brd = board.New(board.Options{
			MaxPosts:        cfg.BoardMaxPosts,
			PostTTL:         time.Duration(cfg.BoardPostTTL) * time.Second,
			ShowCount:       cfg.BoardShowCount,
			RateLimit:       cfg.BoardRateLimit,
			RateWindow:      time.Duration(cfg.BoardRateWindow) * time.Second,
			BlockedPatterns: cfg.BoardBlockedPatterns,
			Persist:         cfg.BoardPersist,
		}, state, log)
		log.Info().Int("max_posts", cfg.BoardMaxPosts).Int("ttl_seconds", cfg.BoardPostTTL).
			Msg("board enabled")
	}

	rt := router.New(router.Config{
		NodeName:          cfg.NodeName,
		Model:             cfg.Model,
		MaxResponseBytes:  cfg.MaxResponseBytes,
		ResponseCacheTTL:  time.Duration(cfg.ResponseCacheTTL) * time.Second,
		PersistentCache:   cfg.PersistentCache,
		AutoSendChunks:    cfg.AutoSendChunks,
		TopK:              cfg.TopK,
		FactQueryKeywords: cfg.FactQueryKeywords,
	}, engine, router.Deps{
		Mesh:   meshSvc,
		Facts:  factStore,
		Memory: mem,
		Board:  brd,
	}, state, log)

	inbox := make(chan mesh.Message, 16)
	adapter, err := mesh.New(mesh.Config{
		NodeName:         cfg.NodeName,
		Protocol:         cfg.MeshProtocol,
		MaxResponseBytes: cfg.MaxResponseBytes,
		RateLimitWindow:  time.Duration(cfg.RateLimitSeconds) * time.Second,
	}, simulator, inbox, log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "[del-fi] %v\n", err)
		os.Exit(1)
	}

	var sink *transcript.FileSink
	if cfg.TranscriptFile != "" {
		sink, err = transcript.NewFileSink(cfg.TranscriptFile)
		if err != nil {
			log.Warn().Err(err).Msg("transcript disabled")
		}
	}

	printBanner(os.Stdout, cfg, engine, adapter, meshSvc)
	log.Info().Msg("listening...")

	feedPath := cfg.FactFeedFile
	if feedPath == "" {
		feedPath = filepath.Join(cfg.CacheDir, "sensor_feed.json")
	}
	watcher := facts.NewWatcher(factStore, feedPath,
		time.Duration(cfg.FactWatchIntervalSeconds)*time.Second, log)
	watcher.Start()

	if cfg.AdminAddr != "" {
		admin.NewServer(cfg.NodeName, cfg.Model, engine, rt, log).Start(cfg.AdminAddr)
	}

	d := dispatch.New(dispatch.Config{
		BusyNotice: cfg.BusyNotice,
	}, rt, adapter, inbox, engine, sink, log)
	d.Start()

	meshSvc.StartAnnounceLoop(func(text string) {
		adapter.SendDM("^all", text)
	})

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	log.Info().Msg("shutting down...")
	d.Stop()
	watcher.Stop()
	adapter.Close()
	meshSvc.Close()
	_ = sink.Close()
}

// setupLogging builds the root logger. In simulator mode logs go to a
// file so the chat output stays clean.
func setupLogging(level string, simulator bool) zerolog.Logger {
	var lvl zerolog.Level
	switch level {
	case "debug":
		lvl = zerolog.DebugLevel
	case "warning":
		lvl = zerolog.WarnLevel
	case "error":
		lvl = zerolog.ErrorLevel
	default:
		lvl = zerolog.InfoLevel
	}

	var out io.Writer = zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05"}
	if simulator {
		f, err := os.OpenFile("delfi.log", os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err == nil {
			out = f
		}
	}
	return zerolog.New(out).Level(lvl).With().Timestamp().Logger()
}

// printBanner draws the startup box with node, model, radio, and peer
// lines.
func printBanner(w io.Writer, cfg *config.Config, engine *rag.Engine, adapter mesh.Adapter, meshSvc *meshknow.Service) {
	status := "waiting for ollama"
	if engine.Available() {
		status = "ready"
	}

	var radio string
	switch {
	case adapter.ProtocolName() == "Simulator":
		radio = "simulator"
	case adapter.Connected():
		radio = fmt.Sprintf("✓ %s · %s:%s", adapter.ProtocolName(), cfg.RadioConnection, cfg.RadioPort)
	default:
		radio = fmt.Sprintf("✗ %s (reconnecting)", adapter.ProtocolName())
	}

	lines := []string{
		fmt.Sprintf("  ·· DEL-FI ··  v%s", version),
		fmt.Sprintf("  node: %s", cfg.NodeName),
		fmt.Sprintf("  model: %s · %d docs · %s", cfg.Model, engine.DocCount(), status),
		fmt.Sprintf("  radio: %s", radio),
	}
	if names := meshSvc.PeerNames(); len(names) > 0 {
		lines = append(lines, fmt.Sprintf("  peers: %s", strings.Join(names, " · ")))
	}

	width := 0
	for _, line := range lines {
		if n := len([]rune(line)); n > width {
			width = n
		}
	}
	width += 2

	fmt.Fprintf(w, "╔%s╗\n", strings.Repeat("═", width))
	for _, line := range lines {
		pad := width - len([]rune(line))
		fmt.Fprintf(w, "║%s%s║\n", line, strings.Repeat(" ", pad))
	}
	fmt.Fprintf(w, "╚%s╝\n", strings.Repeat("═", width))
}

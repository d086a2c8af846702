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

// Package admin exposes a small local HTTP surface for checking on the
// daemon without a radio: GET /status and GET /healthz. Bind it to
// localhost; there is no auth.
package admin

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/rs/zerolog"
)

// StatusSource is the read-only view of the daemon the endpoint reports.
type StatusSource interface {
	Available() bool
	RAGAvailable() bool
	DocCount() int
	GetTopics() []string
}

// Counter reports how many queries the router has served.
type Counter interface {
	QueryCount() int
}

// Server is the admin HTTP server.
type Server struct {
	nodeName string
	model    string
	source   StatusSource
	counter  Counter
	started  time.Time
	log      zerolog.Logger
}

// NewServer wires the status endpoint to the engine and router views.
func NewServer(nodeName, model string, source StatusSource, counter Counter, log zerolog.Logger) *Server {
	return &Server{
		nodeName: nodeName,
		model:    model,
		source:   source,
		counter:  counter,
		started:  time.Now(),
		log:      log,
	}
}

// RegisterRoutes sets up the HTTP routes on the given ServeMux.
func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/status", s.handleStatus)
	mux.HandleFunc("/healthz", s.handleHealthz)
}

type statusResponse struct {
	Node          string   `json:"node"`
	Model         string   `json:"model"`
	UptimeSeconds int64    `json:"uptime_seconds"`
	Queries       int      `json:"queries"`
	Docs          int      `json:"docs"`
	Topics        []string `json:"topics"`
	OllamaUp      bool     `json:"ollama_up"`
	RAGUp         bool     `json:"rag_up"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	resp := statusResponse{
		Node:          s.nodeName,
		Model:         s.model,
		UptimeSeconds: int64(time.Since(s.started).Seconds()),
		Queries:       s.counter.QueryCount(),
		Docs:          s.source.DocCount(),
		Topics:        s.source.GetTopics(),
		OllamaUp:      s.source.Available(),
		RAGUp:         s.source.RAGAvailable(),
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// Start serves on addr in a goroutine. Errors are logged, not fatal; the
// oracle keeps running without its admin surface.
func (s *Server) Start(addr string) {
	mux := http.NewServeMux()
	s.RegisterRoutes(mux)

	httpServer := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadTimeout:       5 * time.Second,
		WriteTimeout:      10 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.log.Warn().Err(err).Str("addr", addr).Msg("admin server stopped")
		}
	}()
	s.log.Info().Str("addr", addr).Msg("admin endpoint listening")
}

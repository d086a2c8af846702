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

// Package telemetry provides opt-in Prometheus metrics for the oracle.
// When disabled, all public functions are no-ops and safe to call from hot
// paths.
package telemetry

import (
	"net/http"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Config controls the module. MetricsAddr, when non-empty, starts a
// dedicated HTTP server serving /metrics.
type Config struct {
	Enabled     bool
	MetricsAddr string // e.g. ":9090"; empty to disable the endpoint
}

var modEnabled atomic.Bool

var (
	queriesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "delfi_queries_total",
		Help: "Total freeform queries routed through the slow path",
	})
	tierHitsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "delfi_tier_hits_total",
		Help: "Query resolutions by grounding tier (facts, cache, rag, peer, referral, refusal, greeting)",
	}, []string{"tier"})
	llmFailuresTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "delfi_llm_failures_total",
		Help: "Generation attempts that returned no usable text",
	})
	boardPostsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "delfi_board_posts_total",
		Help: "Accepted community board posts",
	})
	boardRejectsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "delfi_board_rejects_total",
		Help: "Board posts refused by validation, rate limit, or content filter",
	})
	messagesSentTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "delfi_messages_sent_total",
		Help: "Outbound mesh messages sent",
	})
	queryQueueDepth = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "delfi_query_queue_depth",
		Help: "Queries waiting for the worker",
	})
)

func init() {
	// Eager registration; harmless when no endpoint is exposed.
	prometheus.MustRegister(queriesTotal, tierHitsTotal, llmFailuresTotal,
		boardPostsTotal, boardRejectsTotal, messagesSentTotal, queryQueueDepth)
}

// Enable configures the module. Safe to call multiple times.
func Enable(cfg Config) {
	modEnabled.Store(cfg.Enabled)
	if cfg.Enabled && cfg.MetricsAddr != "" {
		startMetricsEndpoint(cfg.MetricsAddr)
	}
}

// Enabled reports whether telemetry is active.
func Enabled() bool { return modEnabled.Load() }

// ObserveQuery counts one slow-path query.
func ObserveQuery() {
	if !modEnabled.Load() {
		return
	}
	queriesTotal.Inc()
}

// ObserveTier records which grounding tier resolved a query.
func ObserveTier(tier string) {
	if !modEnabled.Load() {
		return
	}
	tierHitsTotal.WithLabelValues(tier).Inc()
}

// ObserveLLMFailure counts a failed or empty generation.
func ObserveLLMFailure() {
	if !modEnabled.Load() {
		return
	}
	llmFailuresTotal.Inc()
}

// ObserveBoardPost counts a board post outcome.
func ObserveBoardPost(accepted bool) {
	if !modEnabled.Load() {
		return
	}
	if accepted {
		boardPostsTotal.Inc()
	} else {
		boardRejectsTotal.Inc()
	}
}

// ObserveMessageSent counts one outbound mesh message.
func ObserveMessageSent() {
	if !modEnabled.Load() {
		return
	}
	messagesSentTotal.Inc()
}

// SetQueueDepth reports the current query queue depth.
func SetQueueDepth(n int) {
	if !modEnabled.Load() {
		return
	}
	queryQueueDepth.Set(float64(n))
}

func startMetricsEndpoint(addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	server := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		_ = server.ListenAndServe()
	}()
}

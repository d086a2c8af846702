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

// Package dispatch runs the oracle's message pump. Commands and gossip
// are handled inline on the dispatcher goroutine; freeform queries go to
// a dedicated worker so a slow generation never blocks the fast path.
package dispatch

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"delfi/internal/oracle/formatter"
	"delfi/internal/oracle/mesh"
	"delfi/internal/oracle/router"
	"delfi/internal/oracle/telemetry"
	"delfi/internal/oracle/transcript"
)

// Indexer is the slice of the RAG engine the background loops need.
// *rag.Engine satisfies it.
type Indexer interface {
	Index(ctx context.Context) int
	Available() bool
	CheckOllama(ctx context.Context) bool
}

// Config tunes the dispatcher.
type Config struct {
	// BusyNotice sends a short ack when a query lands while the worker
	// is occupied.
	BusyNotice bool

	// AutoSendDelay is the pause between consecutive auto-sent chunks
	// so a long answer does not flood the channel.
	AutoSendDelay time.Duration

	// QueueSize bounds the pending query queue.
	QueueSize int

	// IndexInterval is how often the knowledge folder is re-scanned.
	IndexInterval time.Duration

	// HealthInterval is how often a down LLM is re-probed.
	HealthInterval time.Duration
}

// Dispatcher pumps inbound messages to the router and sends replies.
type Dispatcher struct {
	cfg     Config
	router  *router.Router
	adapter mesh.Adapter
	inbox   <-chan mesh.Message
	engine  Indexer
	sink    *transcript.FileSink
	log     zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	queryQueue chan mesh.Message
	workerBusy atomic.Bool

	pendingMu sync.Mutex
	pending   map[string]struct{}

	stopChan chan struct{}
	wg       sync.WaitGroup
	stopped  uint32
}

// New wires a Dispatcher. sink may be nil to disable transcripts; engine
// may be nil to skip the background loops.
func New(cfg Config, rt *router.Router, adapter mesh.Adapter, inbox <-chan mesh.Message, engine Indexer, sink *transcript.FileSink, log zerolog.Logger) *Dispatcher {
	if cfg.AutoSendDelay <= 0 {
		cfg.AutoSendDelay = 500 * time.Millisecond
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 32
	}
	if cfg.IndexInterval <= 0 {
		cfg.IndexInterval = time.Minute
	}
	if cfg.HealthInterval <= 0 {
		cfg.HealthInterval = 30 * time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Dispatcher{
		cfg:        cfg,
		router:     rt,
		adapter:    adapter,
		inbox:      inbox,
		engine:     engine,
		sink:       sink,
		log:        log,
		ctx:        ctx,
		cancel:     cancel,
		queryQueue: make(chan mesh.Message, cfg.QueueSize),
		pending:    make(map[string]struct{}),
		stopChan:   make(chan struct{}),
	}
}

// Start launches the dispatcher loop, the query worker, and the
// background maintenance loops.
func (d *Dispatcher) Start() {
	d.wg.Add(2)
	go d.dispatchLoop()
	go d.queryWorker()

	if d.engine != nil {
		d.wg.Add(2)
		go d.knowledgeWatcher()
		go d.healthLoop()
	}
}

// Stop shuts the pump down and waits for in-flight work. Idempotent.
func (d *Dispatcher) Stop() {
	if !atomic.CompareAndSwapUint32(&d.stopped, 0, 1) {
		return
	}
	d.cancel()
	close(d.stopChan)
	d.wg.Wait()
}

func (d *Dispatcher) dispatchLoop() {
	defer d.wg.Done()
	for {
		select {
		case <-d.stopChan:
			return
		case msg := <-d.inbox:
			d.dispatch(msg)
		}
	}
}

func (d *Dispatcher) dispatch(msg mesh.Message) {
	d.sink.Append(transcript.Entry{Dir: "in", Sender: msg.Sender, Text: msg.Text})

	switch d.router.Classify(msg.Text) {
	case "empty":
		return

	case "command", "gossip":
		// Fast path, sub-millisecond, no LLM.
		d.respond(msg.Sender, d.router.RouteMulti(d.ctx, msg.Sender, msg.Text))
		return
	}

	// Slow path: hand the query to the worker.
	d.pendingMu.Lock()
	_, alreadyPending := d.pending[msg.Sender]
	d.pending[msg.Sender] = struct{}{}
	d.pendingMu.Unlock()

	if d.cfg.BusyNotice && d.workerBusy.Load() && !alreadyPending {
		position := len(d.queryQueue) + 1 // +1 for the in-progress query
		ack := d.router.BusyMessage(position)
		if d.adapter.SendDM(msg.Sender, ack) {
			telemetry.ObserveMessageSent()
		}
		d.log.Info().Str("sender", msg.Sender).Int("position", position).Msg("busy notice")
	}

	select {
	case d.queryQueue <- msg:
		telemetry.SetQueueDepth(len(d.queryQueue))
	case <-d.stopChan:
	}
}

func (d *Dispatcher) queryWorker() {
	defer d.wg.Done()
	for {
		select {
		case <-d.stopChan:
			return
		case msg := <-d.queryQueue:
			telemetry.SetQueueDepth(len(d.queryQueue))
			d.workerBusy.Store(true)
			d.process(msg)
			d.workerBusy.Store(false)

			d.pendingMu.Lock()
			delete(d.pending, msg.Sender)
			d.pendingMu.Unlock()
		}
	}
}

// process runs one query through the router. A panic anywhere in the
// pipeline is turned into an apology instead of killing the worker.
func (d *Dispatcher) process(msg mesh.Message) {
	defer func() {
		if r := recover(); r != nil {
			d.log.Error().Interface("panic", r).Str("sender", msg.Sender).Msg("error processing query")
			if d.adapter.SendDM(msg.Sender, "I hit an error processing that. Try again.") {
				telemetry.ObserveMessageSent()
			}
		}
	}()
	d.respond(msg.Sender, d.router.RouteMulti(d.ctx, msg.Sender, msg.Text))
}

func (d *Dispatcher) respond(sender string, msgs []string) {
	if len(msgs) == 0 {
		return
	}
	total := 0
	for i, m := range msgs {
		if i > 0 && !d.pause(d.cfg.AutoSendDelay) {
			return
		}
		if d.adapter.SendDM(sender, m) {
			telemetry.ObserveMessageSent()
		}
		d.sink.Append(transcript.Entry{Dir: "out", Sender: sender, Text: m})
		total += formatter.ByteLen(m)
	}
	d.log.Info().Int("messages", len(msgs)).Int("bytes", total).Str("sender", sender).Msg("✓ response")
}

// pause sleeps unless the dispatcher is stopping first.
func (d *Dispatcher) pause(dur time.Duration) bool {
	select {
	case <-time.After(dur):
		return true
	case <-d.stopChan:
		return false
	}
}

// knowledgeWatcher re-scans the knowledge folder for added, changed, or
// removed documents.
func (d *Dispatcher) knowledgeWatcher() {
	defer d.wg.Done()
	ticker := time.NewTicker(d.cfg.IndexInterval)
	defer ticker.Stop()
	for {
		select {
		case <-d.stopChan:
			return
		case <-ticker.C:
			if n := d.engine.Index(d.ctx); n > 0 {
				d.log.Info().Int("files", n).Msg("knowledge folder re-indexed")
			}
		}
	}
}

// healthLoop re-probes the LLM while it is down so queries resume
// without a restart.
func (d *Dispatcher) healthLoop() {
	defer d.wg.Done()
	ticker := time.NewTicker(d.cfg.HealthInterval)
	defer ticker.Stop()
	for {
		select {
		case <-d.stopChan:
			return
		case <-ticker.C:
			if !d.engine.Available() {
				if d.engine.CheckOllama(d.ctx) {
					d.log.Info().Msg("ollama is back")
				}
			}
		}
	}
}

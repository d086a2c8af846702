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
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// Watcher polls the sensor feed file by mtime and ingests it on change.
type Watcher struct {
	store    *Store
	feedPath string
	interval time.Duration
	log      zerolog.Logger

	lastMod  time.Time
	stopChan chan struct{}
	wg       sync.WaitGroup
	stopped  uint32
}

// NewWatcher does not start polling; call Start.
func NewWatcher(store *Store, feedPath string, interval time.Duration, log zerolog.Logger) *Watcher {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Watcher{
		store:    store,
		feedPath: feedPath,
		interval: interval,
		log:      log.With().Str("component", "facts-watcher").Logger(),
		stopChan: make(chan struct{}),
	}
}

// Start launches the poll loop. An existing feed file is ingested on the
// first tick rather than at start, keeping startup fast.
func (w *Watcher) Start() {
	w.wg.Add(1)
	go w.run()
}

// Stop terminates the loop and waits for it to exit. Idempotent.
func (w *Watcher) Stop() {
	if !atomic.CompareAndSwapUint32(&w.stopped, 0, 1) {
		return
	}
	close(w.stopChan)
	w.wg.Wait()
}

func (w *Watcher) run() {
	defer w.wg.Done()
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		select {
		case <-w.stopChan:
			return
		case <-ticker.C:
			w.poll()
		}
	}
}

// poll ingests the feed when its mtime advanced. Read and decode errors
// leave the store unchanged.
func (w *Watcher) poll() {
	info, err := os.Stat(w.feedPath)
	if err != nil {
		return // feed file absent is the common idle case
	}
	if !info.ModTime().After(w.lastMod) {
		return
	}
	w.lastMod = info.ModTime()

	data, err := os.ReadFile(w.feedPath)
	if err != nil {
		w.log.Warn().Err(err).Str("feed", w.feedPath).Msg("read sensor feed")
		return
	}
	var payload map[string]json.RawMessage
	if err := json.Unmarshal(data, &payload); err != nil {
		w.log.Warn().Err(err).Str("feed", w.feedPath).Msg("decode sensor feed")
		return
	}
	n, errs := w.store.Ingest(payload)
	for _, e := range errs {
		w.log.Warn().Str("feed", w.feedPath).Msg("skipped fact: " + e)
	}
	if n > 0 {
		w.log.Info().Int("facts", n).Msg("ingested sensor feed")
	}
}

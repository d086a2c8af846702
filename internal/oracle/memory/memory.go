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

// Package memory keeps a short per-sender conversation history so follow-up
// questions can reference earlier turns. Whole histories expire after a TTL
// of inactivity.
package memory

import (
	"encoding/json"
	"errors"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"delfi/internal/oracle/persist"
)

// HardCapTurns bounds max_turns regardless of configuration.
const HardCapTurns = 50

const stateFile = "conversation_memory.json"

// Turn is one user/assistant exchange.
type Turn struct {
	User      string `json:"user"`
	Assistant string `json:"assistant"`
}

type entry struct {
	Turns []Turn    `json:"turns"`
	TS    time.Time `json:"ts"`
}

// Memory is the per-sender conversation store. A nil *Memory is a valid
// disabled instance: all methods no-op.
type Memory struct {
	mu    sync.Mutex
	store map[string]entry

	maxTurns int
	ttl      time.Duration
	state    persist.Store // nil unless persistent_memory
	log      zerolog.Logger
	now      func() time.Time
}

// New returns nil when maxTurns <= 0 (memory disabled). state may be nil for
// in-process-only memory.
func New(maxTurns int, ttl time.Duration, state persist.Store, log zerolog.Logger) *Memory {
	if maxTurns <= 0 {
		return nil
	}
	if maxTurns > HardCapTurns {
		maxTurns = HardCapTurns
	}
	m := &Memory{
		store:    make(map[string]entry),
		maxTurns: maxTurns,
		ttl:      ttl,
		state:    state,
		log:      log.With().Str("component", "memory").Logger(),
		now:      time.Now,
	}
	m.load()
	return m
}

func (m *Memory) load() {
	if m.state == nil {
		return
	}
	data, err := m.state.Load(stateFile)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			m.log.Warn().Err(err).Msg("load conversation memory")
		}
		return
	}
	var stored map[string]entry
	if err := json.Unmarshal(data, &stored); err != nil {
		m.log.Warn().Err(err).Msg("decode conversation memory")
		return
	}
	m.store = stored
}

func (m *Memory) persistLocked() {
	if m.state == nil {
		return
	}
	data, err := json.Marshal(m.store)
	if err != nil {
		return
	}
	if err := m.state.Save(stateFile, data); err != nil {
		m.log.Warn().Err(err).Msg("save conversation memory")
	}
}

// AddTurn appends one exchange and refreshes the sender's TTL.
func (m *Memory) AddTurn(sender, user, assistant string) {
	if m == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cleanupLocked()
	e := m.store[sender]
	e.Turns = append(e.Turns, Turn{User: user, Assistant: assistant})
	if len(e.Turns) > m.maxTurns {
		e.Turns = e.Turns[len(e.Turns)-m.maxTurns:]
	}
	e.TS = m.now()
	m.store[sender] = e
	m.persistLocked()
}

// GetHistory returns the sender's turns, or nil when expired or absent.
func (m *Memory) GetHistory(sender string) []Turn {
	if m == nil {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.store[sender]
	if !ok || m.now().Sub(e.TS) > m.ttl {
		return nil
	}
	out := make([]Turn, len(e.Turns))
	copy(out, e.Turns)
	return out
}

// FormatForPrompt renders the history block for the generation prompt, or
// "" when there is nothing live.
func (m *Memory) FormatForPrompt(sender string) string {
	turns := m.GetHistory(sender)
	if len(turns) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("Recent conversation with this user:")
	for _, t := range turns {
		b.WriteString("\nUser: ")
		b.WriteString(t.User)
		b.WriteString("\nAssistant: ")
		b.WriteString(t.Assistant)
	}
	return b.String()
}

// Clear forgets one sender.
func (m *Memory) Clear(sender string) {
	if m == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.store, sender)
	m.persistLocked()
}

// ClearAll forgets every sender.
func (m *Memory) ClearAll() {
	if m == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.store = make(map[string]entry)
	m.persistLocked()
}

// cleanupLocked drops expired entries; caller holds the mutex.
func (m *Memory) cleanupLocked() {
	cutoff := m.now().Add(-m.ttl)
	for sender, e := range m.store {
		if e.TS.Before(cutoff) {
			delete(m.store, sender)
		}
	}
}

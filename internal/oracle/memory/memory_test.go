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

package memory

import (
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"delfi/internal/oracle/persist"
)

// TestDisabledIsNil verifies max_turns <= 0 yields a nil instance whose
// methods are safe to call.
func TestDisabledIsNil(t *testing.T) {
	m := New(0, time.Hour, nil, zerolog.Nop())
	if m != nil {
		t.Fatalf("expected nil Memory when disabled")
	}
	m.AddTurn("!a", "q", "a")
	if got := m.FormatForPrompt("!a"); got != "" {
		t.Fatalf("nil memory produced %q", got)
	}
}

// TestTurnCapKeepsRecent drops the oldest turns past max_turns.
func TestTurnCapKeepsRecent(t *testing.T) {
	m := New(3, time.Hour, nil, zerolog.Nop())
	for i := 0; i < 5; i++ {
		m.AddTurn("!a", fmt.Sprintf("q%d", i), fmt.Sprintf("a%d", i))
	}
	turns := m.GetHistory("!a")
	if len(turns) != 3 {
		t.Fatalf("kept %d turns, want 3", len(turns))
	}
	if turns[0].User != "q2" || turns[2].User != "q4" {
		t.Fatalf("wrong turns kept: %+v", turns)
	}
}

// TestHardCap clamps configured max_turns to 50.
func TestHardCap(t *testing.T) {
	m := New(500, time.Hour, nil, zerolog.Nop())
	if m.maxTurns != HardCapTurns {
		t.Fatalf("maxTurns = %d", m.maxTurns)
	}
}

// TestTTLExpiry hides and removes histories after inactivity.
func TestTTLExpiry(t *testing.T) {
	m := New(5, time.Minute, nil, zerolog.Nop())
	base := time.Now()
	m.now = func() time.Time { return base }
	m.AddTurn("!a", "hello", "hi")

	m.now = func() time.Time { return base.Add(2 * time.Minute) }
	if got := m.GetHistory("!a"); got != nil {
		t.Fatalf("expired history returned: %+v", got)
	}
}

// TestFormatForPrompt emits the header and alternating role lines.
func TestFormatForPrompt(t *testing.T) {
	m := New(5, time.Hour, nil, zerolog.Nop())
	m.AddTurn("!a", "what is the river level", "Normal as of this morning.")
	got := m.FormatForPrompt("!a")
	if !strings.HasPrefix(got, "Recent conversation with this user:") {
		t.Fatalf("missing header: %q", got)
	}
	if !strings.Contains(got, "User: what is the river level") ||
		!strings.Contains(got, "Assistant: Normal as of this morning.") {
		t.Fatalf("missing lines: %q", got)
	}
}

// TestClear forgets only the named sender.
func TestClear(t *testing.T) {
	m := New(5, time.Hour, nil, zerolog.Nop())
	m.AddTurn("!a", "q", "a")
	m.AddTurn("!b", "q", "a")
	m.Clear("!a")
	if m.GetHistory("!a") != nil {
		t.Fatalf("!a history survived Clear")
	}
	if m.GetHistory("!b") == nil {
		t.Fatalf("!b history lost")
	}
}

// TestPersistence round-trips histories through the state store.
func TestPersistence(t *testing.T) {
	state, err := persist.NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("state store: %v", err)
	}
	m := New(5, time.Hour, state, zerolog.Nop())
	m.AddTurn("!a", "q1", "a1")

	reloaded := New(5, time.Hour, state, zerolog.Nop())
	turns := reloaded.GetHistory("!a")
	if len(turns) != 1 || turns[0].Assistant != "a1" {
		t.Fatalf("reloaded turns = %+v", turns)
	}
}

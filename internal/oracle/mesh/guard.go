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

package mesh

import (
	"strings"
	"sync"
	"time"
)

const (
	seenMax  = 1000
	seenKeep = 500
)

// Packet is the raw inbound unit an adapter feeds to the Guard before
// anything reaches the router.
type Packet struct {
	ID        uint32
	Sender    string
	Text      string
	Broadcast bool
}

// Verdict is the Guard's decision on one packet. RetryAfter is set only
// when the reason is "rate_limited".
type Verdict struct {
	OK         bool
	Reason     string
	RetryAfter time.Duration
}

// Guard is the shared inbound filter: drops self-messages, retransmit
// duplicates, and broadcasts, and rate-limits freeform queries per
// sender. Commands bypass the rate limit so !more and !help stay
// responsive.
type Guard struct {
	window time.Duration

	mu        sync.Mutex
	selfID    string
	seen      map[uint32]struct{}
	seenOrder []uint32
	lastQuery map[string]time.Time
	now       func() time.Time
}

// NewGuard builds a Guard with the given per-sender rate window. A zero
// window disables rate limiting.
func NewGuard(window time.Duration) *Guard {
	return &Guard{
		window:    window,
		seen:      make(map[uint32]struct{}),
		lastQuery: make(map[string]time.Time),
		now:       time.Now,
	}
}

// SetSelfID records our own node ID so we never reply to ourselves.
// Called after connect, once the radio reports its identity.
func (g *Guard) SetSelfID(id string) {
	g.mu.Lock()
	g.selfID = id
	g.mu.Unlock()
}

// Admit decides whether a packet reaches the router.
func (g *Guard) Admit(p Packet) Verdict {
	if p.Sender == "" || strings.TrimSpace(p.Text) == "" {
		return Verdict{Reason: "empty"}
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	if g.selfID != "" && p.Sender == g.selfID {
		return Verdict{Reason: "self"}
	}

	if p.ID != 0 {
		if _, dup := g.seen[p.ID]; dup {
			return Verdict{Reason: "duplicate"}
		}
		g.seen[p.ID] = struct{}{}
		g.seenOrder = append(g.seenOrder, p.ID)
		if len(g.seenOrder) > seenMax {
			cut := g.seenOrder[:len(g.seenOrder)-seenKeep]
			for _, id := range cut {
				delete(g.seen, id)
			}
			g.seenOrder = append([]uint32(nil), g.seenOrder[len(g.seenOrder)-seenKeep:]...)
		}
	}

	if p.Broadcast {
		return Verdict{Reason: "broadcast"}
	}

	isCommand := strings.HasPrefix(strings.TrimSpace(p.Text), "!")
	if !isCommand && g.window > 0 {
		now := g.now()
		if last, ok := g.lastQuery[p.Sender]; ok {
			if since := now.Sub(last); since < g.window {
				return Verdict{Reason: "rate_limited", RetryAfter: g.window - since}
			}
		}
		g.lastQuery[p.Sender] = now
	}

	return Verdict{OK: true}
}

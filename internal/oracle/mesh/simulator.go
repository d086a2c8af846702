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
	"bufio"
	"fmt"
	"io"
	"regexp"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

const defaultSimSender = "!sim00001"

var senderPrefix = regexp.MustCompile(`^(![\w]+)>\s*(.+)$`)

// Simulator is a fake mesh interface for development without hardware.
// It reads lines from in and writes replies to out. Input is either
// plain text (default sender) or "!nodeID> text" to pick a sender.
type Simulator struct {
	cfg   Config
	inbox chan<- Message
	guard *Guard
	in    io.Reader
	log   zerolog.Logger

	outMu sync.Mutex
	out   io.Writer

	stopChan chan struct{}
	wg       sync.WaitGroup
	stopped  uint32
}

// NewSimulator builds the adapter. in and out are normally stdin and
// stdout; tests substitute buffers.
func NewSimulator(cfg Config, inbox chan<- Message, in io.Reader, out io.Writer, log zerolog.Logger) *Simulator {
	return &Simulator{
		cfg:      cfg,
		inbox:    inbox,
		guard:    NewGuard(cfg.RateLimitWindow),
		in:       in,
		out:      out,
		log:      log,
		stopChan: make(chan struct{}),
	}
}

// Connect starts the reader goroutine. Always succeeds.
func (s *Simulator) Connect() bool {
	s.printf("\n  📻 Del-Fi Text Chat — %s (simulator)\n", s.cfg.NodeName)
	s.printf("  ─────────────────────────────────────────────\n")
	s.printf("  Type a message, or !nodeID> message to set sender\n")
	s.printf("  Commands start with ! (e.g. !help, !topics)\n\n")

	s.wg.Add(1)
	go s.readLoop()
	return true
}

func (s *Simulator) readLoop() {
	defer s.wg.Done()
	scanner := bufio.NewScanner(s.in)
	for scanner.Scan() {
		select {
		case <-s.stopChan:
			return
		default:
		}

		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		sender, text := defaultSimSender, line
		if m := senderPrefix.FindStringSubmatch(line); m != nil {
			sender, text = m[1], m[2]
		}

		ts := time.Now().Format("15:04")
		s.printf("  \033[36m%s\033[0m \033[90m[%s]\033[0m %s\n", sender, ts, text)

		v := s.guard.Admit(Packet{Sender: sender, Text: text})
		if !v.OK {
			if v.Reason == "rate_limited" {
				s.printf("  \033[33m⏳ rate limited — wait %ds\033[0m\n", int(v.RetryAfter.Seconds()))
			}
			continue
		}

		select {
		case s.inbox <- Message{Sender: sender, Text: text}:
		case <-s.stopChan:
			return
		}
	}
}

// SendDM prints the reply in chat format. Oversized payloads are warned
// about, not truncated; size enforcement belongs upstream.
func (s *Simulator) SendDM(destID, text string) bool {
	if size := len(text); size > s.cfg.MaxResponseBytes {
		s.printf("  \033[31m⚠ %dB exceeds %dB limit\033[0m\n", size, s.cfg.MaxResponseBytes)
	}
	ts := time.Now().Format("15:04")
	s.printf("  \033[32m%s\033[0m \033[90m[%s] ➜ %s\033[0m %s\n\n", s.cfg.NodeName, ts, destID, text)
	return true
}

// ReconnectLoop is a no-op; the simulator never drops.
func (s *Simulator) ReconnectLoop(stop <-chan struct{}) {}

// Connected is always true.
func (s *Simulator) Connected() bool { return true }

// ProtocolName identifies the adapter in the banner.
func (s *Simulator) ProtocolName() string { return "Simulator" }

// Close stops the reader. Idempotent. A reader blocked on stdin exits
// with the process.
func (s *Simulator) Close() {
	if !atomic.CompareAndSwapUint32(&s.stopped, 0, 1) {
		return
	}
	close(s.stopChan)
}

func (s *Simulator) printf(format string, args ...any) {
	s.outMu.Lock()
	fmt.Fprintf(s.out, format, args...)
	s.outMu.Unlock()
}

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

// Package mesh abstracts the radio layer. The oracle core never touches
// protocol details; it reads Messages from an inbox channel and calls
// SendDM on an Adapter.
package mesh

import (
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Message is one inbound text from the mesh. Sender is a protocol-native
// node ID such as "!a1b2c3d4".
type Message struct {
	Sender string
	Text   string
}

// Adapter is the contract every mesh transport fulfils.
//
// Lifecycle: construct, Connect (opens the link and starts the reader),
// main loop reads the inbox and calls SendDM, Close on shutdown.
type Adapter interface {
	// Connect opens the connection. Implementations catch their own
	// errors and return false on failure.
	Connect() bool

	// SendDM sends a direct message, chunking internally if the payload
	// exceeds the protocol MTU. Returns true once handed to the radio.
	SendDM(destID, text string) bool

	// ReconnectLoop retries Connect until the stop channel closes.
	// Transports that cannot recover from a drop make this a no-op.
	ReconnectLoop(stop <-chan struct{})

	// Connected reports whether the link is currently alive.
	Connected() bool

	// ProtocolName is the human-readable name for the banner and logs.
	ProtocolName() string

	// Close releases radio resources. Called once during shutdown.
	Close()
}

// Config carries the adapter-facing slice of the daemon config.
type Config struct {
	NodeName         string
	Protocol         string
	MaxResponseBytes int
	RateLimitWindow  time.Duration
}

// New builds the adapter for the configured protocol. Simulator mode
// overrides the protocol and starts the stdin reader immediately.
//
// Radio transports (meshtastic, meshcore) speak to hardware this build
// does not link against, so selecting them returns an error pointing at
// simulator mode.
func New(cfg Config, simulator bool, inbox chan<- Message, log zerolog.Logger) (Adapter, error) {
	if simulator {
		a := NewSimulator(cfg, inbox, os.Stdin, os.Stdout, log)
		a.Connect()
		return a, nil
	}
	return nil, fmt.Errorf("mesh protocol %q needs radio hardware support that is not compiled in; run with --simulator", cfg.Protocol)
}

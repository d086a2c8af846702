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

// Package persist stores small named state blobs (board, memory, facts,
// response cache, seen senders) across daemon restarts. Every consumer
// treats failures as best-effort: state loss degrades warmup, never
// correctness.
package persist

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// Store is a named-blob state store. Load returns os.ErrNotExist when the
// blob has never been saved.
type Store interface {
	Load(name string) ([]byte, error)
	Save(name string, data []byte) error
}

// FileStore keeps each blob as a file under a single directory. It is the
// default backend and produces the documented on-disk cache layout.
type FileStore struct {
	dir string
}

// NewFileStore creates the directory if needed.
func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create state dir: %w", err)
	}
	return &FileStore{dir: dir}, nil
}

func (s *FileStore) Load(name string) ([]byte, error) {
	data, err := os.ReadFile(filepath.Join(s.dir, name))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, os.ErrNotExist
		}
		return nil, err
	}
	return data, nil
}

func (s *FileStore) Save(name string, data []byte) error {
	path := filepath.Join(s.dir, name)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// Config selects and parameterizes a backend.
type Config struct {
	Backend   string // "file" (default) or "redis"
	Dir       string // file backend: state directory
	RedisAddr string // redis backend: host:port
	NodeName  string // redis backend: namespaces the hash key
}

// Build constructs the configured Store. Unknown backends are an error so a
// typo in the config cannot silently disable persistence.
func Build(cfg Config) (Store, error) {
	switch cfg.Backend {
	case "", "file":
		return NewFileStore(cfg.Dir)
	case "redis":
		return NewRedisStore(cfg.RedisAddr, cfg.NodeName), nil
	default:
		return nil, fmt.Errorf("unknown cache backend %q (want file or redis)", cfg.Backend)
	}
}

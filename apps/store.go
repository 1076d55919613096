// Copyright 2026 The Zaparoo Project Contributors.
// SPDX-License-Identifier: Apache-2.0
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

package apps

import (
	"errors"
	"fmt"
	"maps"
	"slices"

	"github.com/ZaparooProject/go-token/internal/syncutil"
)

// ErrFileNotFound is returned by a Store for an unknown name.
var ErrFileNotFound = errors.New("file not found")

// Store persists provisioned files.
type Store interface {
	ReadFile(name string) ([]byte, error)
	WriteFile(name string, data []byte) error
}

// MemoryStore is a Store held in memory, for tests and hosts without flash.
type MemoryStore struct {
	files map[string][]byte
	limit int
	mu    syncutil.RWMutex
}

// NewMemoryStore creates a store that holds at most limit bytes in total.
// A limit of 0 means unbounded.
func NewMemoryStore(limit int) *MemoryStore {
	return &MemoryStore{files: make(map[string][]byte), limit: limit}
}

// ReadFile returns a copy of the named file.
func (s *MemoryStore) ReadFile(name string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	data, ok := s.files[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrFileNotFound, name)
	}
	return slices.Clone(data), nil
}

// WriteFile replaces the named file.
func (s *MemoryStore) WriteFile(name string, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.limit > 0 {
		used := len(data)
		for n, f := range s.files {
			if n != name {
				used += len(f)
			}
		}
		if used > s.limit {
			return fmt.Errorf("store full: %d of %d bytes", used, s.limit)
		}
	}
	s.files[name] = slices.Clone(data)
	return nil
}

// Names returns the stored file names, sorted.
func (s *MemoryStore) Names() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Sorted(maps.Keys(s.files))
}

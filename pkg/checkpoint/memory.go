// Copyright 2026 Quadracode
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//	http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
package checkpoint

import (
	"context"
	"encoding/json"
	"sort"
	"sync"

	"github.com/quadracode/quadracode/pkg/state"
)

// MemoryStore keeps checkpoints in a map. States are stored as encoded JSON
// so Get returns an independent copy with the same round-trip semantics as
// the durable store.
type MemoryStore struct {
	mu   sync.RWMutex
	data map[string][]byte
}

// NewMemoryStore creates an empty in-memory checkpoint store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{data: make(map[string][]byte)}
}

// Get loads the session state, or nil when unknown.
func (s *MemoryStore) Get(_ context.Context, sessionID string) (*state.SessionState, error) {
	s.mu.RLock()
	raw, ok := s.data[sessionID]
	s.mu.RUnlock()
	if !ok {
		return nil, nil
	}
	var st state.SessionState
	if err := json.Unmarshal(raw, &st); err != nil {
		return nil, err
	}
	return &st, nil
}

// Put replaces the session state.
func (s *MemoryStore) Put(_ context.Context, sessionID string, st *state.SessionState) error {
	data, err := json.Marshal(st)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.data[sessionID] = data
	s.mu.Unlock()
	return nil
}

// ListSessions returns all session ids, sorted.
func (s *MemoryStore) ListSessions(_ context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.data))
	for id := range s.data {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

// Close is a no-op.
func (s *MemoryStore) Close() error {
	return nil
}

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
package observability

import (
	"context"
	"sync"
	"time"
)

// Memory collects events for assertions in tests.
type Memory struct {
	mu     sync.Mutex
	events []Event
}

// NewMemory returns an in-memory emitter.
func NewMemory() *Memory { return &Memory{} }

// Emit implements Emitter.
func (m *Memory) Emit(stream, event, sessionID string, payload map[string]interface{}) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, Event{
		Stream:    stream,
		Event:     event,
		TS:        time.Now().UTC(),
		SessionID: sessionID,
		Payload:   payload,
	})
}

// Events returns a copy of everything emitted so far.
func (m *Memory) Events() []Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Event{}, m.events...)
}

// ByStream filters recorded events by stream name.
func (m *Memory) ByStream(stream string) []Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Event
	for _, ev := range m.events {
		if ev.Stream == stream {
			out = append(out, ev)
		}
	}
	return out
}

// ByEvent filters recorded events by event name.
func (m *Memory) ByEvent(event string) []Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Event
	for _, ev := range m.events {
		if ev.Event == event {
			out = append(out, ev)
		}
	}
	return out
}

// Flush implements Emitter.
func (m *Memory) Flush(context.Context) error { return nil }

// Close implements Emitter.
func (m *Memory) Close() error { return nil }

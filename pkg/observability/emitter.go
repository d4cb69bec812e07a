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
// Package observability emits structured runtime events to dedicated
// telemetry streams. Emission is fire-and-forget: failures are logged and
// never fail the runtime.
package observability

import (
	"context"
	"time"
)

// Telemetry stream names.
const (
	StreamContextMetrics   = "context:metrics"
	StreamAutonomousEvents = "autonomous:events"
	StreamPRPTelemetry     = "prp:telemetry"
)

// Event is one structured telemetry record.
type Event struct {
	Stream    string                 `json:"stream"`
	Event     string                 `json:"event"`
	TS        time.Time              `json:"ts"`
	SessionID string                 `json:"session_id,omitempty"`
	Payload   map[string]interface{} `json:"payload,omitempty"`
}

// Emitter publishes telemetry events. Implementations must be safe for
// concurrent use and must never block the caller on backend slowness.
type Emitter interface {
	// Emit records an event on the given stream. Fire-and-forget.
	Emit(stream, event, sessionID string, payload map[string]interface{})

	// Flush blocks until buffered events are exported or ctx ends.
	Flush(ctx context.Context) error

	// Close flushes and releases resources.
	Close() error
}

// Nop discards all events.
type Nop struct{}

// NewNop returns an emitter that discards everything.
func NewNop() *Nop { return &Nop{} }

// Emit implements Emitter.
func (*Nop) Emit(string, string, string, map[string]interface{}) {}

// Flush implements Emitter.
func (*Nop) Flush(context.Context) error { return nil }

// Close implements Emitter.
func (*Nop) Close() error { return nil }

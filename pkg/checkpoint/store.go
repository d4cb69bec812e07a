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
// Package checkpoint persists per-session runtime state. Stores must
// round-trip state unchanged and replace atomically on Put.
package checkpoint

import (
	"context"

	"github.com/quadracode/quadracode/pkg/state"
)

// Store is the per-session durable snapshot contract. Get returns nil with
// no error for unknown sessions.
type Store interface {
	Get(ctx context.Context, sessionID string) (*state.SessionState, error)
	Put(ctx context.Context, sessionID string, st *state.SessionState) error
	ListSessions(ctx context.Context) ([]string, error)
	Close() error
}
